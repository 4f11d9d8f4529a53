// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package sharedcache implements a multi-process, mmap-backed read-through
// cache for byte-addressable resources identified by URI.
//
// Multiple concurrent processes or goroutines on the same host share one
// cache directory and cooperate, without a central daemon, to fetch each
// fixed-size block of a resource at most once. Bytes live in a content
// file; coordination state (which blocks are cached, pending, or failed)
// lives in a sibling space-map file, addressed with lock-free atomics so
// that readers never block on each other except while waiting out a
// PENDING fetch.
//
// A resource is opened with Open, which wraps an inner transport (an
// opaque seekable byte source — see the Transport interface) and returns
// a *Session implementing read/seek/close over the cached bytes:
//
//	sess, err := sharedcache.Open(ctx, "shared:http://example.com/big.mp4", opts, dial)
//	if err != nil {
//	    // ...
//	}
//	defer sess.Close()
//	n, err := sess.Read(buf)
//
// See Options for the tunables (cache directory, block size, read-only
// mode, PENDING wait timeout, and whether FAILED blocks are retried).
package sharedcache
