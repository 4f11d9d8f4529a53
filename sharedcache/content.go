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
)

// contentFile owns one "<HEX>.cache" file: the raw resource bytes,
// sparse wherever the corresponding block is not yet CACHED.
//
// Unlike the space-map file, the content file is mapped at most once
// per session: its size only ever grows until the resource's total
// size becomes known (file_size is set-once, see spacemap.go), at
// which point the mapping is fixed for the rest of the session's
// life. Before that point, block reads and writes go through
// ReadAt/WriteAt (pread/pwrite), which work perfectly well against a
// file whose final size isn't known yet.
type contentFile struct {
	file *os.File

	// mu guards the mapped/mem transition (mapFixed can be reached
	// concurrently from sibling Sessions sharing this contentFile
	// through the registry). readAt and writeAt hold it shared, so they
	// never observe a half-installed mapping; concurrent writers are
	// not serialized against each other.
	mu     sync.RWMutex
	mem    []byte
	mapped bool
}

func openContentFile(path string) (*contentFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o660)
	if err != nil {
		return nil, fmt.Errorf("sharedcache: opening content file: %w", err)
	}
	return &contentFile{file: f}, nil
}

// mapFixed installs the one-and-only mapping for this content file,
// truncating it to size first if needed. Safe to call more than once;
// later calls are no-ops, matching file_size's set-once semantics (the
// size this is called with never changes once established).
func (c *contentFile) mapFixed(size int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mapped {
		return nil
	}
	fi, err := c.file.Stat()
	if err != nil {
		return fmt.Errorf("sharedcache: stat content file: %w", err)
	}
	if fi.Size() < size {
		// Never shrink: an out-of-order fetch (a Seek to a later block
		// before the resource's size was discovered) may have already
		// written sparse bytes past size via WriteAt; truncating down
		// to size would discard them.
		if err := c.file.Truncate(size); err != nil {
			return fmt.Errorf("sharedcache: sizing content file: %w", err)
		}
	}
	mapSize := size
	if fi.Size() > mapSize {
		mapSize = fi.Size()
	}
	mem, err := mmapFile(c.file, mapSize)
	if err != nil {
		return fmt.Errorf("sharedcache: mapping content file: %w", err)
	}
	c.mem = mem
	c.mapped = true
	return nil
}

func (c *contentFile) readAt(buf []byte, off int64) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.mapped {
		if off < 0 || off >= int64(len(c.mem)) {
			return 0, nil
		}
		return copy(buf, c.mem[off:]), nil
	}
	n, err := c.file.ReadAt(buf, off)
	if n > 0 {
		err = nil
	}
	return n, err
}

func (c *contentFile) writeAt(buf []byte, off int64) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.mapped {
		if off < 0 || off+int64(len(buf)) > int64(len(c.mem)) {
			return 0, fmt.Errorf("sharedcache: write-back past mapped content file bound")
		}
		return copy(c.mem[off:], buf), nil
	}
	return c.file.WriteAt(buf, off)
}

func (c *contentFile) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	if c.mapped {
		err = munmapFile(c.file, c.mem)
	}
	if cerr := c.file.Close(); err == nil {
		err = cerr
	}
	return err
}
