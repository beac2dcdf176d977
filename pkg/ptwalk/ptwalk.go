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

// Package ptwalk resolves guest virtual addresses against a guest's own
// page tables, reading table frames through a FrameMapper.
//
// The walk follows the four-level x86-64 layout: PML4, PDPT, PD, PT, nine
// index bits per level starting at bit 39. A huge or large mapping
// terminates the walk at its level.
package ptwalk

import (
	"encoding/binary"

	"github.com/pmsandbox/pmsandbox/pkg/hostarch"
)

// Entry is a raw x86-64 page-table entry.
type Entry uint64

// Entry flag bits, as laid out by the hardware.
const (
	Present Entry = 1 << 0
	Write   Entry = 1 << 1
	User    Entry = 1 << 2
	Large   Entry = 1 << 7

	// entryAddrMask covers the frame address bits of an entry.
	entryAddrMask Entry = 0x000ffffffffff000
)

// IsPresent returns true if the entry maps anything.
func (e Entry) IsPresent() bool {
	return e&Present != 0
}

// IsWritable returns true if the entry permits writes.
func (e Entry) IsWritable() bool {
	return e&Write != 0
}

// IsUser returns true if the entry permits user-mode access.
func (e Entry) IsUser() bool {
	return e&User != 0
}

// UserWritable returns true if the entry grants unrestricted user-mode
// write access.
func (e Entry) UserWritable() bool {
	return e.IsPresent() && e.IsUser() && e.IsWritable()
}

// Address returns the frame address the entry points at.
func (e Entry) Address() hostarch.Addr {
	return hostarch.Addr(e & entryAddrMask)
}

// isLarge returns true if the entry terminates the walk at its level.
func (e Entry) isLarge() bool {
	return e&Large != 0
}

// FrameMapper maps a single guest physical frame into host-accessible
// memory. The returned slice covers exactly one page and remains valid
// until UnmapFrame.
type FrameMapper interface {
	MapFrame(gpa hostarch.Addr) ([]byte, error)
	UnmapFrame(hva []byte)
}

// Walker resolves addresses for one guest, reading its table frames through
// a FrameMapper. The zero value is not usable; use New.
type Walker struct {
	mem FrameMapper
}

// New returns a Walker reading guest frames through mem.
func New(mem FrameMapper) *Walker {
	return &Walker{mem: mem}
}

// levels is the number of paging levels below the root.
const levels = 4

// GuestPTE walks the tables rooted at pgd and returns the entry mapping
// gva, with the write and user bits narrowed to the effective permissions
// accumulated across all levels. ok is false if any level is unmapped or a
// table frame cannot be read.
func (w *Walker) GuestPTE(pgd, gva hostarch.Addr) (Entry, bool) {
	table := pgd.RoundDown()
	effective := Write | User
	for level := levels - 1; level >= 0; level-- {
		e, ok := w.readEntry(table, gva, level)
		if !ok || !e.IsPresent() {
			return 0, false
		}
		effective &= e
		if level == 0 || e.isLarge() {
			// Permissions are the intersection of every level walked.
			return e&^(Write|User) | effective, true
		}
		table = e.Address()
	}
	return 0, false // unreachable
}

// readEntry reads the entry indexed by gva at the given level of a table
// frame.
func (w *Walker) readEntry(table, gva hostarch.Addr, level int) (Entry, bool) {
	frame, err := w.mem.MapFrame(table)
	if err != nil {
		return 0, false
	}
	defer w.mem.UnmapFrame(frame)
	index := (uint64(gva) >> (hostarch.PageShift + 9*level)) & 0x1ff
	return Entry(binary.LittleEndian.Uint64(frame[index*8:])), true
}
