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

//go:build !linux
// +build !linux

package sharedcache

import (
	"io"
	"os"
)

// mmapFile is unavailable outside Linux in this port. It returns a
// plain heap buffer seeded from the file's current contents; writes to
// it (including the masked-word atomics elsewhere in this package) are
// only visible to this process until munmapFile flushes them back.
// That means cross-process coordination does not hold on this path —
// it exists so the package still builds and single-process tests still
// pass on non-Linux hosts, the same trade-off the teacher's own
// file_other.go fallback makes.
func mmapFile(f *os.File, size int64) ([]byte, error) {
	if err := f.Truncate(size); err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, 0); err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}

func munmapFile(f *os.File, mem []byte) error {
	if _, err := f.WriteAt(mem, 0); err != nil {
		return err
	}
	return nil
}
