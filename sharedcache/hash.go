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
	"crypto/sha512"
	"encoding/hex"
)

// uriHash computes the 32-byte identity hash for a URI: SHA-512/256
// over its UTF-8 bytes, followed by a pass that replaces every zero
// byte with its bitwise complement (0xFF).
//
// The replacement exists only so that the set-once "is this byte set
// yet?" check (load != 0) remains valid uniformly across every byte of
// the stored hash; it costs a negligible amount of the hash's collision
// resistance (spec requires >= 128 bits, SHA-512/256 gives 256 minus a
// fraction of a bit per replaced hash byte, nowhere close to the floor).
func uriHash(uri string) [32]byte {
	sum := sha512.Sum512_256([]byte(uri))
	for i, b := range sum {
		if b == 0 {
			sum[i] = ^b
		}
	}
	return sum
}

// hexPrefix renders the first 16 bytes of a uriHash as uppercase hex,
// which is the basename shared by a resource's two on-disk files
// ("<HEX>.cache" and "<HEX>.spacemap").
func hexPrefix(hash [32]byte) string {
	var buf [32]byte // 16 bytes -> 32 hex chars
	hex.Encode(buf[:], hash[:16])
	upper := buf
	for i, c := range upper {
		if c >= 'a' && c <= 'f' {
			upper[i] = c - ('a' - 'A')
		}
	}
	return string(upper[:])
}
