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

package sharedcache

import "errors"

// ErrConfig is returned when the supplied Options are invalid:
// missing CacheDir, an out-of-range BlockShift, or a negative
// CacheTimeout.
var ErrConfig = errors.New("sharedcache: invalid configuration")

// ErrIdentity is returned when an existing space-map file's header
// disagrees with what the opening session expects: a magic/version
// mismatch, or a URI-hash mismatch (two different resources mapped
// to the same on-disk pair). Callers that see ErrIdentity should not
// touch the offending files; the mismatch usually means the cache
// directory is shared with an unrelated or corrupted entry.
var ErrIdentity = errors.New("sharedcache: identity mismatch")

// ErrClosed is returned by Session.Read and Session.Seek called after
// Close. A second Close returns nil.
var ErrClosed = errors.New("sharedcache: session closed")

// ErrBlockFailed is returned by Session.Read when a block is in the
// FAILED state and RetryErrors is disabled.
var ErrBlockFailed = errors.New("sharedcache: block fetch failed")
