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

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

// sharedPrefix marks a URI as routed through this cache. Open accepts
// URIs with or without it; the prefix itself is never part of a
// resource's identity hash or its inner Dialer target.
const sharedPrefix = "shared:"

// Transport is an opaque, seekable byte source for one resource. It is
// exactly what a reader needs and nothing else: Open supplies one via
// a Dialer, and this package never assumes anything about where its
// bytes actually come from.
type Transport interface {
	io.ReadSeekCloser

	// Size reports the resource's total size in bytes. ok is false for
	// a streaming source whose length isn't known until EOF.
	Size() (size int64, ok bool)
}

// Dialer opens a Transport for the given target URI (the original URI
// passed to Open, with any "shared:" prefix already removed).
type Dialer func(ctx context.Context, target string) (Transport, error)

// Session is a cached, read-through view of one resource. A Session is
// not safe for concurrent use by multiple goroutines, matching the
// ordinary io.ReadSeekCloser contract; the space-map and content files
// it wraps are what make concurrent *Sessions*, in this or other
// processes, safe to use against the same resource at once.
type Session struct {
	ID uuid.UUID

	opts Options
	uri  string // as passed to Open, including any "shared:" prefix
	hash [32]byte

	sm      *spaceMap
	cf      *contentFile
	release func() error

	inner    Transport
	innerPos int64

	blockShift uint
	blockSize  int64

	pos        int64
	size       int64
	sizeKnown  bool
	scratchBuf []byte
	closed     bool

	// writeErr is set the first time a write-back to the content file
	// fails. Once true, this session never attempts to cache another
	// block: every subsequent fetch forwards byte-accurately from the
	// inner transport instead (see readBlock/passthroughRead).
	writeErr bool
}

// Open establishes (or attaches to) the cache entry for uri and
// returns a Session that reads through it. dial is only ever called
// once, to obtain the inner transport this session fetches missing
// blocks from.
func Open(ctx context.Context, uri string, opts Options, dial Dialer) (*Session, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	target := strings.TrimPrefix(uri, sharedPrefix)
	hash := uriHash(target)
	base := hexPrefix(hash)

	sm, cf, release, err := defaultRegistry.acquire(opts.CacheDir, base)
	if err != nil {
		return nil, err
	}
	shift, err := sm.initHeader(hash, opts.blockShift(), &opts)
	if err != nil {
		release()
		return nil, err
	}

	inner, err := dial(ctx, target)
	if err != nil {
		release()
		return nil, fmt.Errorf("sharedcache: dialing inner transport: %w", err)
	}

	s := &Session{
		ID:         uuid.New(),
		opts:       opts,
		uri:        uri,
		hash:       hash,
		sm:         sm,
		cf:         cf,
		release:    release,
		inner:      inner,
		blockShift: uint(shift),
		blockSize:  1 << uint(shift),
	}

	if fs := sm.fileSize(); fs != 0 {
		s.size = int64(fs)
		s.sizeKnown = true
	} else if sz, ok := inner.Size(); ok {
		if err := sm.trySetFileSize(uint64(sz)); err != nil {
			s.Close()
			return nil, err
		}
		s.size = sz
		s.sizeKnown = true
	}
	if s.sizeKnown {
		if err := cf.mapFixed(s.size); err != nil {
			s.Close()
			return nil, err
		}
		if s.size > 0 {
			// Back every block's state byte up front, last block included.
			if err := sm.grow((s.size-1)>>s.blockShift, s.blockSize, true); err != nil {
				s.Close()
				return nil, err
			}
		}
	}

	return s, nil
}

// GetSize reports the resource's total size, if known yet.
func (s *Session) GetSize() (size int64, ok bool) {
	return s.knownSize()
}

// GetShortSeek reports whether seeking to target would land in the
// same block as the session's current read position.
func (s *Session) GetShortSeek(target int64) bool {
	return target>>s.blockShift == s.pos>>s.blockShift
}

func (s *Session) Read(p []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	if sz, ok := s.knownSize(); ok && s.pos >= sz {
		return 0, io.EOF
	}

	blockID := s.pos >> s.blockShift
	blockOff := s.pos - blockID*s.blockSize
	room := s.blockSize - blockOff
	n := int64(len(p))
	if n > room {
		n = room
	}
	if sz, ok := s.knownSize(); ok && s.pos+n > sz {
		n = sz - s.pos
	}
	if n <= 0 {
		return 0, io.EOF
	}

	got, err := s.readBlock(blockID, blockOff, p[:n])
	s.pos += int64(got)
	return got, err
}

func (s *Session) Seek(offset int64, whence int) (int64, error) {
	if s.closed {
		return 0, ErrClosed
	}
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = s.pos + offset
	case io.SeekEnd:
		if sz, ok := s.knownSize(); ok {
			target = sz + offset
		} else {
			// Size isn't known yet: forward to the inner transport's
			// own SEEK_END and opportunistically record the size it
			// reveals, rather than failing outright.
			newPos, err := s.inner.Seek(offset, io.SeekEnd)
			if err != nil {
				return 0, fmt.Errorf("sharedcache: seeking inner transport from end: %w", err)
			}
			s.innerPos = newPos
			if discovered := newPos - offset; discovered >= 0 {
				if serr := s.sm.trySetFileSize(uint64(discovered)); serr != nil {
					return 0, serr
				}
				s.size = discovered
				s.sizeKnown = true
				if cerr := s.cf.mapFixed(discovered); cerr != nil {
					return 0, cerr
				}
			}
			target = newPos
		}
	default:
		return 0, fmt.Errorf("sharedcache: invalid whence %d", whence)
	}
	if target < 0 {
		return 0, fmt.Errorf("sharedcache: negative seek position %d", target)
	}
	s.pos = target
	return s.pos, nil
}

func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	var err error
	if s.inner != nil {
		err = s.inner.Close()
	}
	if s.release != nil {
		if rerr := s.release(); err == nil {
			err = rerr
		}
	}
	return err
}
