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

package sandbox

import (
	"github.com/google/btree"

	"github.com/pmsandbox/pmsandbox/pkg/ept"
	"github.com/pmsandbox/pmsandbox/pkg/hostarch"
)

// pageDegree is the btree degree for per-task page indexes. Tasks rarely
// hold more than a few hundred copied pages.
const pageDegree = 8

// Task is one sandboxed process.
//
// The registry owns every Task. The views slice and the page index are
// mutated without a lock: at most one core services faults for a given
// task's address space at a time (the hypervisor's per-process core
// affinity), and each core writes only its own views slot.
type Task struct {
	// pid is the registered process.
	pid int32

	// pgd is the process's page-directory base, the key a CR3 load is
	// matched against.
	pgd hostarch.Addr

	// views holds this task's isolated view per logical core,
	// ept.NoView until the first CR3 load observed on that core.
	views []ept.ViewID

	// pages indexes the task's copied pages by guest physical address.
	pages *btree.BTreeG[*cowPage]
}

// newTask returns a Task with every view slot unassigned.
func newTask(pid int32, pgd hostarch.Addr, cores int) *Task {
	t := &Task{
		pid:   pid,
		pgd:   pgd,
		views: make([]ept.ViewID, cores),
		pages: btree.NewG(pageDegree, func(a, b *cowPage) bool {
			return a.gpa < b.gpa
		}),
	}
	for i := range t.views {
		t.views[i] = ept.NoView
	}
	return t
}

// Pid returns the registered process id.
func (t *Task) Pid() int32 {
	return t.pid
}

// PageDirectory returns the task's page-directory base.
func (t *Task) PageDirectory() hostarch.Addr {
	return t.pgd
}

// Pages returns the number of pages copied for this task.
func (t *Task) Pages() int {
	return t.pages.Len()
}

// View returns the task's isolated view for the given core, or ept.NoView
// if no CR3 load has been observed there yet.
func (t *Task) View(core int) ept.ViewID {
	return t.views[core]
}

// findPage returns the copied page covering gpa, or nil.
func (t *Task) findPage(gpa hostarch.Addr) *cowPage {
	page, ok := t.pages.Get(&cowPage{gpa: gpa.RoundDown()})
	if !ok {
		return nil
	}
	return page
}

// taskByPid returns the registered task for pid, or nil.
func (s *Subsystem) taskByPid(pid int32) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byPid[pid]
}

// taskByPgd returns the registered task whose page-directory base is pgd,
// or nil.
func (s *Subsystem) taskByPgd(pgd hostarch.Addr) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byPgd[pgd]
}

// destroyTask frees the task's views and copied pages. The task must
// already be unlinked from the registry.
func (s *Subsystem) destroyTask(t *Task) {
	for core, view := range t.views {
		if view == ept.NoView {
			continue
		}
		s.views.FreeView(view)
		t.views[core] = ept.NoView
	}
	s.freePages(t)
}
