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
	"fmt"
	"io"
	"time"
)

// readBlock services a read that falls entirely within one block,
// dispatching on that block's state and driving NONE/FAILED blocks
// through PENDING to CACHED when the session is allowed to write. A
// session that has ever failed a write-back (s.writeErr) permanently
// bypasses caching for every block not already CACHED, forwarding
// byte-accurate reads straight to the inner transport instead.
//
// Open question, decided: if the process that won the NONE -> PENDING
// (or FAILED -> PENDING) transition dies before writing back, the
// block is left PENDING forever as far as the space-map file is
// concerned -- there is no liveness scan or PID/epoch recovery. Every
// other reader that waits out CacheTimeout on that block simply races
// to fetch it themselves (see the blockPending case below) and forces
// the state to CACHED once its own copy lands, so the resource stays
// available; the original PENDING->CACHED transition the dead process
// would have made just never happens, which is harmless since the
// state only ever needs to reach CACHED once.
func (s *Session) readBlock(blockID, blockOff int64, dst []byte) (int, error) {
	// The space-map file only covers blocks it has been grown to
	// reach; a block nobody has touched yet may sit past the current
	// mapping entirely. Ensure it's backed before inspecting or
	// transitioning its state, even for a bypass-cache session
	// (growing costs nothing; it is writing bytes that bypass avoids).
	if err := s.sm.grow(blockID, s.blockSize, s.sizeKnownLocal()); err != nil {
		return 0, err
	}
	// Once a write-back has failed this session never tries to cache
	// again (the fetch path's step 1 groups ReadOnly and a prior
	// write_err together as "fully bypassing the cache"); blocks this
	// session already cached before the failure are still served from
	// the content file normally.
	bypassCache := s.opts.ReadOnly || s.writeErr
	for {
		switch s.sm.loadBlockState(blockID) {
		case blockCached:
			return s.cf.readAt(dst, blockID*s.blockSize+blockOff)

		case blockNone:
			if bypassCache {
				return s.passthroughRead(blockID, blockOff, dst)
			}
			if s.sm.casBlockState(blockID, blockNone, blockPending) {
				if err := s.fetchBlock(blockID); err != nil {
					return 0, err
				}
			}
			// either we just fetched it, or another goroutine/process
			// beat us to the CAS -- reload and re-dispatch either way.

		case blockPending:
			if bypassCache {
				return s.passthroughRead(blockID, blockOff, dst)
			}
			if s.waitPending(blockID) {
				continue
			}
			// timed out (or CacheTimeout == 0, which never waits at
			// all): race the original fetcher by fetching ourselves.
			if err := s.fetchBlock(blockID); err != nil {
				return 0, err
			}

		case blockFailed:
			if bypassCache {
				return s.passthroughRead(blockID, blockOff, dst)
			}
			if !s.opts.retryErrors() {
				return 0, ErrBlockFailed
			}
			if s.sm.casBlockState(blockID, blockFailed, blockPending) {
				if err := s.fetchBlock(blockID); err != nil {
					return 0, err
				}
			}

		default:
			return 0, fmt.Errorf("sharedcache: corrupt block state for block %d", blockID)
		}
	}
}

// waitPending polls blockID's state until it leaves PENDING or
// CacheTimeout elapses, whichever comes first. It sleeps in sixteenths
// of the timeout so short timeouts still get several chances to
// observe a quick fill without busy-spinning on the atomic load.
func (s *Session) waitPending(blockID int64) bool {
	timeout := s.opts.CacheTimeout
	if timeout <= 0 {
		return false
	}
	step := timeout / 16
	if step <= 0 {
		step = timeout
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		time.Sleep(step)
		if s.sm.loadBlockState(blockID) != blockPending {
			return true
		}
	}
	return s.sm.loadBlockState(blockID) != blockPending
}

// passthroughRead serves a read directly from the inner transport
// without consulting or mutating block state: for ReadOnly sessions
// hitting a block nobody has filled yet, and for any session that has
// permanently switched to bypassing the cache after a write-back error.
func (s *Session) passthroughRead(blockID, blockOff int64, dst []byte) (int, error) {
	off := blockID*s.blockSize + blockOff
	if err := s.seekInner(off); err != nil {
		return 0, err
	}
	n, err := io.ReadFull(s.inner, dst)
	s.innerPos += int64(n)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return n, err
}

// fetchBlock reads one full block from the inner transport and writes
// it back to the content file, then releases the block as CACHED. The
// caller is responsible for having already moved the block to PENDING
// (or for it to already be PENDING, in the wait-timeout race case).
// On error the block moves to FAILED (inner read error, or a failure
// to grow the space map, record the discovered size or map the content
// file) or back to NONE (inner seek error, or a content-file
// write-back error — see revertBlock), via a best-effort CAS that
// tolerates losing the race to another writer that already resolved
// the same block.
func (s *Session) fetchBlock(blockID int64) error {
	off := blockID * s.blockSize

	if err := s.sm.grow(blockID, s.blockSize, s.sizeKnownLocal()); err != nil {
		s.failBlock(blockID)
		return err
	}
	if err := s.seekInner(off); err != nil {
		// A seek failure is likely transient and says nothing about
		// this particular block, so it reverts to NONE rather than
		// FAILED: the next reader gets a clean try instead of a
		// terminal error.
		s.revertBlock(blockID)
		return err
	}

	want := s.blockSize
	if sz, ok := s.knownSize(); ok {
		switch {
		case off >= sz:
			want = 0
		case sz-off < want:
			want = sz - off
		}
	}

	buf := s.scratch(want)
	n, err := io.ReadFull(s.inner, buf)
	s.innerPos = off + int64(n)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		s.failBlock(blockID)
		return fmt.Errorf("sharedcache: fetching block %d: %w", blockID, err)
	}

	if !s.sizeKnownLocal() && (err == io.EOF || err == io.ErrUnexpectedEOF) {
		total := off + int64(n)
		if serr := s.sm.trySetFileSize(uint64(total)); serr != nil {
			s.failBlock(blockID)
			return serr
		}
		s.size = total
		s.sizeKnown = true
		if cerr := s.cf.mapFixed(total); cerr != nil {
			s.failBlock(blockID)
			return cerr
		}
	}

	if n > 0 {
		if _, werr := s.cf.writeAt(buf[:n], off); werr != nil {
			// The fetched bytes are fine, only the cache write failed:
			// revert to NONE (the block is uncached, not broken) and
			// stop trying to cache for the rest of this session.
			s.revertBlock(blockID)
			s.writeErr = true
			return fmt.Errorf("sharedcache: writing back block %d: %w", blockID, werr)
		}
	}

	s.sm.storeBlockStateRelease(blockID, blockCached)
	return nil
}

func (s *Session) failBlock(blockID int64) {
	s.sm.casBlockState(blockID, blockPending, blockFailed)
}

// revertBlock undoes a PENDING claim on a transient, block-independent
// failure (inner seek error, content-file write-back error), leaving
// the block NONE so the next reader gets a clean attempt instead of a
// terminal FAILED.
func (s *Session) revertBlock(blockID int64) {
	s.sm.casBlockState(blockID, blockPending, blockNone)
}

func (s *Session) sizeKnownLocal() bool {
	_, ok := s.knownSize()
	return ok
}

// knownSize reports the resource's total size, consulting the
// space-map file the first time (another session or process may have
// already discovered it) and caching the result locally thereafter,
// since file_size is set-once and never changes again.
func (s *Session) knownSize() (int64, bool) {
	if s.sizeKnown {
		return s.size, true
	}
	if fs := s.sm.fileSize(); fs != 0 {
		s.size = int64(fs)
		s.sizeKnown = true
		return s.size, true
	}
	return 0, false
}

func (s *Session) seekInner(off int64) error {
	if s.innerPos == off {
		return nil
	}
	pos, err := s.inner.Seek(off, io.SeekStart)
	if err != nil {
		return fmt.Errorf("sharedcache: seeking inner transport: %w", err)
	}
	s.innerPos = pos
	return nil
}

func (s *Session) scratch(n int64) []byte {
	if int64(cap(s.scratchBuf)) < n {
		s.scratchBuf = make([]byte, n)
	}
	return s.scratchBuf[:n]
}
