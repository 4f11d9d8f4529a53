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

package atomicext

import "runtime"

// Pause hints the scheduler that the calling goroutine is in a
// spin-wait loop around a compare-and-swap, giving other runnable
// goroutines (in particular whichever one holds the value this loop
// is waiting on) a chance to run before the loop reloads and retries.
func Pause() {
	runtime.Gosched()
}
