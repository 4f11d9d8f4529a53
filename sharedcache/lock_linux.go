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

// fileLock is a whole-file, cross-process advisory write lock used to
// serialize space-map resizers. It is purely a mutual-exclusion device:
// it never needs to be consulted to read block state, only held while
// growing the file and remapping it.
type fileLock struct {
	fd int
}

func newFileLock(f *os.File) *fileLock {
	return &fileLock{fd: int(f.Fd())}
}

func (l *fileLock) lock() error {
	fl := unix.Flock_t{Type: unix.F_WRLCK, Whence: 0, Start: 0, Len: 0}
	return unix.FcntlFlock(uintptr(l.fd), unix.F_SETLKW, &fl)
}

func (l *fileLock) unlock() error {
	fl := unix.Flock_t{Type: unix.F_UNLCK, Whence: 0, Start: 0, Len: 0}
	return unix.FcntlFlock(uintptr(l.fd), unix.F_SETLK, &fl)
}
