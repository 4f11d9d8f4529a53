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

//go:build linux
// +build linux

package sharedcache

import (
	"os"

	"golang.org/x/sys/unix"
)

// mmapFile maps the first size bytes of f read/write, MAP_SHARED so
// that writes (including the masked-word atomics in atomiconce.go) are
// visible to every other process mapping the same file.
func mmapFile(f *os.File, size int64) ([]byte, error) {
	return unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

// munmapFile tears down a mapping previously returned by mmapFile.
// On Linux the kernel page cache already owns the authoritative bytes,
// so there is nothing further to flush back to f.
func munmapFile(f *os.File, mem []byte) error {
	return unix.Munmap(mem)
}
