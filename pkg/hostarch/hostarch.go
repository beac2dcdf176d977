// Copyright 2024 The pmsandbox Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package hostarch defines the page geometry shared by every address space
// the sandbox touches: guest physical, host physical, and host virtual.
package hostarch

const (
	// PageShift is the binary log of the page size.
	PageShift = 12

	// PageSize is the system page size.
	PageSize = 1 << PageShift

	// PageMask covers the offset bits within a page.
	PageMask = PageSize - 1
)

// Addr is an address in any of the spaces above. The zero value is a valid,
// page-aligned address.
type Addr uint64

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v &^ PageMask
}

// RoundUp returns the address rounded up to the nearest page boundary.
// ok is false iff rounding up wrapped around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = (v + PageMask).RoundDown()
	ok = addr >= v
	return
}

// PageAligned returns true if the address falls on a page boundary.
func (v Addr) PageAligned() bool {
	return v&PageMask == 0
}

// PageOffset returns the offset of the address within its page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & PageMask)
}
