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

// Package testutil provides collaborator fakes for sandbox tests.
package testutil

import (
	"fmt"
	"sync"

	"github.com/pmsandbox/pmsandbox/pkg/ept"
	"github.com/pmsandbox/pmsandbox/pkg/hostarch"
	"github.com/pmsandbox/pmsandbox/pkg/ptwalk"
	"github.com/pmsandbox/pmsandbox/pkg/sandbox"
)

// allocBase is where fake frame allocations start; far above any guest
// physical address a test uses.
const allocBase hostarch.Addr = 1 << 40

// Memory is an in-memory sandbox.Memory. Guest frames materialize zeroed on
// first touch; allocated frames are placed from allocBase up.
type Memory struct {
	mu sync.Mutex

	// frames maps a page-aligned physical address to its content.
	frames map[hostarch.Addr][]byte

	// next is the next never-allocated frame address.
	next hostarch.Addr

	// outstanding counts allocated, not yet freed frames.
	outstanding int

	// allocsLeft, when non-negative, fails AllocPage once it reaches
	// zero.
	allocsLeft int
}

// NewMemory returns an empty Memory that never fails allocation.
func NewMemory() *Memory {
	return &Memory{
		frames:     make(map[hostarch.Addr][]byte),
		next:       allocBase,
		allocsLeft: -1,
	}
}

// FailAllocAfter makes AllocPage fail after n more successes.
func (m *Memory) FailAllocAfter(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allocsLeft = n
}

// frame returns the content of the page covering addr, materializing guest
// frames on first touch. Call with mu held.
func (m *Memory) frame(addr hostarch.Addr) []byte {
	addr = addr.RoundDown()
	f, ok := m.frames[addr]
	if !ok {
		f = make([]byte, hostarch.PageSize)
		m.frames[addr] = f
	}
	return f
}

// Frame returns the content of the page covering addr, for test setup and
// assertions. The slice aliases the frame; writes through it are guest
// writes.
func (m *Memory) Frame(addr hostarch.Addr) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frame(addr)
}

// AllocPage implements sandbox.Memory.AllocPage.
func (m *Memory) AllocPage() (hostarch.Addr, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.allocsLeft == 0 {
		return 0, nil, fmt.Errorf("testutil: allocation quota exhausted: %w", sandbox.ErrNoMemory)
	}
	if m.allocsLeft > 0 {
		m.allocsLeft--
	}
	hpa := m.next
	m.next += hostarch.PageSize
	m.outstanding++
	return hpa, m.frame(hpa), nil
}

// FreePage implements sandbox.Memory.FreePage.
func (m *Memory) FreePage(hpa hostarch.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.frames[hpa.RoundDown()]; !ok {
		panic(fmt.Sprintf("testutil: freeing unallocated frame %#x", hpa))
	}
	delete(m.frames, hpa.RoundDown())
	m.outstanding--
}

// MapFrame implements sandbox.Memory.MapFrame.
func (m *Memory) MapFrame(gpa hostarch.Addr) ([]byte, error) {
	return m.Frame(gpa), nil
}

// UnmapFrame implements sandbox.Memory.UnmapFrame.
func (m *Memory) UnmapFrame(hva []byte) {}

// Outstanding returns the number of allocated, not yet freed frames.
func (m *Memory) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outstanding
}

// ProcessTable is an in-memory sandbox.Processes.
type ProcessTable struct {
	mu      sync.Mutex
	pgds    map[int32]hostarch.Addr
	current map[int]int32
}

// NewProcessTable returns an empty ProcessTable.
func NewProcessTable() *ProcessTable {
	return &ProcessTable{
		pgds:    make(map[int32]hostarch.Addr),
		current: make(map[int]int32),
	}
}

// Add registers a fake process.
func (p *ProcessTable) Add(pid int32, pgd hostarch.Addr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pgds[pid] = pgd
}

// SetCurrent sets the pid executing on a core.
func (p *ProcessTable) SetCurrent(core int, pid int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current[core] = pid
}

// PageDirectory implements sandbox.Processes.PageDirectory.
func (p *ProcessTable) PageDirectory(pid int32) (hostarch.Addr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pid <= 0 {
		return 0, fmt.Errorf("testutil: pid %d: %w", pid, sandbox.ErrInvalidArgument)
	}
	pgd, ok := p.pgds[pid]
	if !ok {
		return 0, fmt.Errorf("testutil: pid %d: %w", pid, sandbox.ErrProcessNotFound)
	}
	return pgd, nil
}

// Current implements sandbox.Processes.Current.
func (p *ProcessTable) Current(core int) int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current[core]
}

// Cores records view switches per core.
type Cores struct {
	mu     sync.Mutex
	active map[int]ept.ViewID
}

// NewCores returns a Cores with no core under any view.
func NewCores() *Cores {
	return &Cores{active: make(map[int]ept.ViewID)}
}

// SwitchView implements sandbox.Cores.SwitchView.
func (c *Cores) SwitchView(core int, view ept.ViewID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active[core] = view
}

// Active returns the view last switched to on core, or ept.NoView.
func (c *Cores) Active(core int) ept.ViewID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.active[core]; ok {
		return v
	}
	return ept.NoView
}

// PageTables is a sandbox.Walker answering from a fixed (pgd, gva) map.
type PageTables struct {
	mu   sync.Mutex
	ptes map[hostarch.Addr]map[hostarch.Addr]ptwalk.Entry
}

// NewPageTables returns an empty PageTables; every address is unmapped.
func NewPageTables() *PageTables {
	return &PageTables{ptes: make(map[hostarch.Addr]map[hostarch.Addr]ptwalk.Entry)}
}

// Set installs the entry returned for gva under pgd.
func (p *PageTables) Set(pgd, gva hostarch.Addr, e ptwalk.Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.ptes[pgd.RoundDown()]
	if !ok {
		m = make(map[hostarch.Addr]ptwalk.Entry)
		p.ptes[pgd.RoundDown()] = m
	}
	m[gva.RoundDown()] = e
}

// GuestPTE implements sandbox.Walker.GuestPTE.
func (p *PageTables) GuestPTE(pgd, gva hostarch.Addr) (ptwalk.Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.ptes[pgd.RoundDown()][gva.RoundDown()]
	return e, ok
}
