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
	"math"
)

// ensure grows and remaps the space-map file, if needed, so that at
// least target bytes are mapped. Most calls observe the file is
// already big enough and return immediately without taking the lock;
// the lock only serializes concurrent resizers, never readers.
func (sm *spaceMap) ensure(target int64) error {
	if int64(len(sm.mem())) >= target {
		return nil
	}

	sm.growMu.Lock()
	defer sm.growMu.Unlock()
	if int64(len(sm.mem())) >= target {
		return nil
	}

	fi, err := sm.file.Stat()
	if err != nil {
		return fmt.Errorf("sharedcache: stat space-map file: %w", err)
	}
	if fi.Size() >= target && int64(len(sm.mem())) < fi.Size() {
		// Another process already grew the backing file; we only need
		// to catch our own mapping up to it.
		return sm.remapLocked(fi.Size())
	}

	if err := sm.lock.lock(); err != nil {
		return fmt.Errorf("sharedcache: locking space-map file: %w", err)
	}
	defer sm.lock.unlock()

	fi, err = sm.file.Stat()
	if err != nil {
		return fmt.Errorf("sharedcache: stat space-map file: %w", err)
	}
	size := fi.Size()
	if size < target {
		if err := sm.file.Truncate(target); err != nil {
			return fmt.Errorf("sharedcache: growing space-map file: %w", err)
		}
		size = target
	}
	if int64(len(sm.mem())) >= size {
		return nil
	}
	return sm.remapLocked(size)
}

// remapLocked installs a fresh mapping covering size bytes and retires
// the previous one into sm.old (see the field comment on spaceMap.old
// for why it is kept rather than unmapped immediately).
func (sm *spaceMap) remapLocked(size int64) error {
	mem, err := mmapFile(sm.file, size)
	if err != nil {
		return fmt.Errorf("sharedcache: mapping space-map file: %w", err)
	}
	old := sm.mem()
	sm.cur.Store(mem)
	if old != nil {
		sm.old = append(sm.old, old)
	}
	return nil
}

// grow ensures block blockID has a state byte backed by the file,
// rounding the target size up to a whole number of content blocks
// while the resource's total size is still unknown so that streaming
// reads don't trigger a resize (and a lock acquisition) on every
// single block.
func (sm *spaceMap) grow(blockID int64, blockSize int64, sizeKnown bool) error {
	required := blockStateOffset(blockID) + 1
	if required <= 0 || required > math.MaxInt64-blockSize {
		return fmt.Errorf("%w: block id %d overflows space-map addressing", ErrConfig, blockID)
	}

	target := required
	if !sizeKnown {
		blocks := (required + blockSize - 1) / blockSize
		target = blocks * blockSize
	}
	return sm.ensure(target)
}
