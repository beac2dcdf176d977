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

// Package ept models extended-page-table views: distinct guest-physical to
// host-physical translation tables identified by opaque ids, allowing
// per-context reconfiguration of translations for the same machine.
//
// The hardware-facing implementation lives in the surrounding hypervisor;
// Tables is a software model of the same surface, used by tests and by
// embedders that drive the sandbox without VT-x.
package ept

import (
	"fmt"
	"sync"

	"github.com/pmsandbox/pmsandbox/pkg/hostarch"
)

// Access is a set of EPT access rights.
type Access uint8

const (
	// Read permits read access.
	Read Access = 1 << 0

	// Write permits write access.
	Write Access = 1 << 1

	// Execute permits instruction fetch.
	Execute Access = 1 << 2

	// RX is the default policy for isolated views: every write faults.
	RX = Read | Execute

	// RWX is the default policy for the shared view.
	RWX = Read | Write | Execute
)

// String implements fmt.Stringer.String.
func (a Access) String() string {
	b := [3]byte{'-', '-', '-'}
	if a&Read != 0 {
		b[0] = 'r'
	}
	if a&Write != 0 {
		b[1] = 'w'
	}
	if a&Execute != 0 {
		b[2] = 'x'
	}
	return string(b[:])
}

// ViewID identifies a single view within a Views implementation. Identifiers
// are opaque; only DefaultView and values returned by CreateView are valid.
type ViewID uint16

// NoView is a sentinel for an unassigned view slot. It is never a valid
// identifier.
const NoView = ^ViewID(0)

// Entry is a single view translation: the host physical frame backing a
// guest physical page, plus the rights granted on it.
type Entry struct {
	// Access is the set of rights granted on the page.
	Access Access

	// Frame is the host physical address of the backing frame.
	Frame hostarch.Addr
}

// Views is the view-table surface the sandbox consumes.
//
// Entries are dense: every guest physical page resolves to some entry in
// every view (identity-mapped with the view's base rights until overridden),
// so Entry fails only for an unknown view id.
type Views interface {
	// CreateView creates a new view whose every entry carries the given
	// base rights over an identity mapping, and returns its identifier.
	CreateView(base Access) (ViewID, error)

	// FreeView releases a view created by CreateView.
	FreeView(id ViewID)

	// DefaultView returns the shared full-access view.
	DefaultView() ViewID

	// Entry returns the view's entry covering gpa.
	Entry(id ViewID, gpa hostarch.Addr) (Entry, bool)

	// SetEntry overrides the view's entry covering gpa. The view must
	// exist.
	SetEntry(id ViewID, gpa hostarch.Addr, e Entry)
}

// view is a single software view.
type view struct {
	base    Access
	entries map[hostarch.Addr]Entry
}

// entry resolves gpa, synthesizing the identity default.
func (v *view) entry(gpa hostarch.Addr) Entry {
	gpa = gpa.RoundDown()
	if e, ok := v.entries[gpa]; ok {
		return e
	}
	return Entry{Access: v.base, Frame: gpa}
}

// Tables is an in-memory Views implementation. Distinct views may be driven
// by distinct cores concurrently; the table of views itself is guarded.
type Tables struct {
	// mu protects views and next. Individual view entries are mutated only
	// by the core owning the view, so entry access needs no further
	// serialization once the view pointer is resolved.
	mu    sync.Mutex
	views map[ViewID]*view
	next  ViewID
}

// NewTables returns a Tables whose default view (id 0) grants full access.
func NewTables() *Tables {
	t := &Tables{views: make(map[ViewID]*view)}
	t.views[0] = &view{base: RWX, entries: make(map[hostarch.Addr]Entry)}
	t.next = 1
	return t
}

// lookup resolves a view id under the lock.
func (t *Tables) lookup(id ViewID) (*view, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.views[id]
	return v, ok
}

// CreateView implements Views.CreateView.
func (t *Tables) CreateView(base Access) (ViewID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.next == NoView {
		return NoView, fmt.Errorf("ept: view ids exhausted")
	}
	id := t.next
	t.next++
	t.views[id] = &view{base: base, entries: make(map[hostarch.Addr]Entry)}
	return id, nil
}

// FreeView implements Views.FreeView.
func (t *Tables) FreeView(id ViewID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.views, id)
}

// DefaultView implements Views.DefaultView.
func (t *Tables) DefaultView() ViewID {
	return 0
}

// Entry implements Views.Entry.
func (t *Tables) Entry(id ViewID, gpa hostarch.Addr) (Entry, bool) {
	v, ok := t.lookup(id)
	if !ok {
		return Entry{}, false
	}
	return v.entry(gpa), true
}

// SetEntry implements Views.SetEntry.
func (t *Tables) SetEntry(id ViewID, gpa hostarch.Addr, e Entry) {
	v, ok := t.lookup(id)
	if !ok {
		panic(fmt.Sprintf("ept: setting entry in unknown view %d", id))
	}
	v.entries[gpa.RoundDown()] = e
}

// Views returns the number of live views, the default included.
func (t *Tables) Views() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.views)
}
