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
	"os"
	"sync"
	"sync/atomic"
)

// Space-map file layout. Every multi-byte field is naturally aligned
// to its own width so the set-once helpers in atomiconce.go can target
// it with a single masked or direct CAS.
const (
	offMagic      = 0  // uint32
	offVersion    = 4  // uint16
	offBlockShift = 6  // uint16
	offFileSize   = 8  // uint64
	offURIHash    = 16 // [32]byte
	offReserved   = 48 // 80 bytes, zero, reserved for future header fields
	headerSize    = 128

	// spaceMapMagic stores as bytes 0xFF, 'S', 'h', '$' at offMagic (the
	// leading 0xFF is deliberate: it keeps the header from ever being
	// mistaken for text). setOnce32/loadOnce32 write/read it through a
	// little-endian *uint32, so the constant packs the bytes low-to-high:
	// 0xFF | 'S'<<8 | 'h'<<16 | '$'<<24.
	spaceMapMagic   uint32 = 0x246853FF
	spaceMapVersion uint16 = 1
)

// Per-block state values, one byte per block starting at headerSize.
const (
	blockNone    byte = 0
	blockCached  byte = 1
	blockPending byte = 2
	blockFailed  byte = 3
)

// spaceMap owns one "<HEX>.spacemap" file: the fixed-size header plus
// one state byte per block, shared read/write across every process
// holding the resource open.
//
// Growth only ever extends the file (see mapper.go); once a byte has
// been observed, its address within mem never changes — callers that
// captured a slice into an older, shorter mapping before a grow keep a
// perfectly valid (if truncated) view of the header and whatever
// blocks existed at the time, since remapLocked never shrinks or
// invalidates memory readers may still be touching (see the comment
// on spaceMap.old).
type spaceMap struct {
	file *os.File
	lock *fileLock

	// growMu serializes resizers within this process. fcntl locks are
	// associated with (process, inode), not with a thread or file
	// descriptor, so two goroutines in the same process racing into
	// ensure() would otherwise both see the flock as uncontended and
	// could truncate/remap concurrently; growMu closes that gap while
	// lock still does the cross-process half of the job.
	growMu sync.Mutex

	cur atomic.Value // []byte, the current (largest) mapping

	// old retains every mapping superseded by a grow. The obvious
	// alternative -- munmap the old mapping as soon as the new one is
	// installed, as a single-threaded resize would -- is unsafe here:
	// another goroutine may have already loaded the old slice from cur
	// and be mid-read or mid-CAS against it when the grow happens, and
	// unmapping out from under that access is a use-after-unmap fault.
	// Deferring the unmap to Close keeps every historical mapping
	// valid for the life of the session at the cost of a few stale
	// VMAs, which is cheap compared to a crash.
	old [][]byte
}

func openSpaceMap(path string) (*spaceMap, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o660)
	if err != nil {
		return nil, fmt.Errorf("sharedcache: opening space-map file: %w", err)
	}
	sm := &spaceMap{file: f, lock: newFileLock(f)}
	sm.cur.Store([]byte(nil))
	return sm, nil
}

func (sm *spaceMap) mem() []byte {
	return sm.cur.Load().([]byte)
}

func (sm *spaceMap) close() error {
	mem := sm.mem()
	var err error
	if mem != nil {
		err = munmapFile(sm.file, mem)
	}
	for _, old := range sm.old {
		if uerr := munmapFile(sm.file, old); err == nil {
			err = uerr
		}
	}
	if cerr := sm.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// initHeader runs the five-step set-once sequence that establishes (or
// confirms) this space-map file's identity: magic, version, effective
// block shift, and all 32 hash bytes. requestedShift is the caller's
// preferred block_shift; if the file already carries a different valid
// one, that value wins (logged, not an error) and is returned.
func (sm *spaceMap) initHeader(hash [32]byte, requestedShift int, opts *Options) (effectiveShift int, err error) {
	if err := sm.ensure(headerSize); err != nil {
		return 0, err
	}
	mem := sm.mem()

	switch setOnce32(mem, offMagic, spaceMapMagic) {
	case onceConflict:
		return 0, fmt.Errorf("%w: space-map file has a foreign magic number", ErrIdentity)
	}

	switch setOnce16(mem, offVersion, spaceMapVersion) {
	case onceConflict:
		return 0, fmt.Errorf("%w: space-map file has an unsupported version", ErrIdentity)
	}

	switch r := setOnce16(mem, offBlockShift, uint16(requestedShift)); r {
	case onceSet, onceAlreadyEqual:
		effectiveShift = requestedShift
	case onceConflict:
		existing := loadOnce16(mem, offBlockShift)
		if int(existing) < minBlockShift || int(existing) > maxBlockShift {
			return 0, fmt.Errorf("%w: space-map file has invalid block_shift %d", ErrIdentity, existing)
		}
		opts.errorf("sharedcache: adopting existing block_shift %d for %x (requested %d)", existing, hash[:8], requestedShift)
		effectiveShift = int(existing)
	}

	for i, b := range hash {
		switch setOnce8(mem, offURIHash+i, b) {
		case onceConflict:
			return 0, fmt.Errorf("%w: space-map file identity hash mismatch at byte %d", ErrIdentity, i)
		}
	}

	return effectiveShift, nil
}

// trySetFileSize attempts to record the resource's total size once it
// becomes known. A conflicting prior value is always a hard error: the
// resource has changed identity underneath the cache.
func (sm *spaceMap) trySetFileSize(size uint64) error {
	if size == 0 {
		return nil
	}
	switch setOnce64(sm.mem(), offFileSize, size) {
	case onceConflict:
		return fmt.Errorf("%w: resource size changed (persisted %d, observed %d)", ErrIdentity, sm.fileSize(), size)
	}
	return nil
}

func (sm *spaceMap) fileSize() uint64 {
	return loadOnce64(sm.mem(), offFileSize)
}

func blockStateOffset(blockID int64) int64 {
	return headerSize + blockID
}

// loadBlockState treats a block past the current mapping (nobody has
// grown the file that far yet) as NONE: it has never been touched,
// which is exactly what NONE means.
func (sm *spaceMap) loadBlockState(blockID int64) byte {
	off := blockStateOffset(blockID)
	mem := sm.mem()
	if off >= int64(len(mem)) {
		return blockNone
	}
	return loadByteAcquire(mem, int(off))
}

func (sm *spaceMap) casBlockState(blockID int64, old, v byte) bool {
	return casByte(sm.mem(), int(blockStateOffset(blockID)), old, v)
}

func (sm *spaceMap) storeBlockStateRelease(blockID int64, v byte) {
	storeByteRelease(sm.mem(), int(blockStateOffset(blockID)), v)
}
