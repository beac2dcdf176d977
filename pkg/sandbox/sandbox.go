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

// Package sandbox isolates a guest process's physical memory with
// EPT-driven copy-on-write.
//
// A registered process runs under per-core isolated views that default
// every page to read+execute. Its first write to any page faults; the
// violation handler copies the frame and repoints the isolated view at the
// copy, so only that process observes the modified page while every other
// process keeps seeing the original frame.
//
// Not to be confused with full application sandboxing: nothing here
// mediates files or I/O, this isolates physical memory only.
package sandbox

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/pmsandbox/pmsandbox/pkg/ept"
	"github.com/pmsandbox/pmsandbox/pkg/hostarch"
)

// Config carries the collaborators the subsystem is built on.
type Config struct {
	// Cores is the number of logical cores faults may arrive on.
	Cores int

	// Processes resolves guest processes.
	Processes Processes

	// Memory allocates physical frames and maps guest frames.
	Memory Memory

	// Views is the EPT view table.
	Views ept.Views

	// Walker resolves guest virtual addresses.
	Walker Walker

	// CoreCtl switches the active view of a core.
	CoreCtl Cores

	// Log receives handler decisions at Debug level. Defaults to the
	// standard logger.
	Log *logrus.Logger
}

// Stats are informational counters, in the spirit of a vCPU's switch and
// fault counts.
type Stats struct {
	// Violations counts faults the handler accepted as its own.
	Violations uint64

	// PagesCopied counts private frames installed.
	PagesCopied uint64

	// AccessWidened counts in-place permission widenings.
	AccessWidened uint64

	// ViewsCreated counts isolated views lazily created on CR3 loads.
	ViewsCreated uint64

	// ViewSwitches counts CR3 loads that switched a core's view.
	ViewSwitches uint64
}

// Subsystem is the isolation subsystem. Create one at hypervisor bring-up
// and destroy it with Shutdown at teardown.
type Subsystem struct {
	cores   int
	procs   Processes
	mem     Memory
	views   ept.Views
	walker  Walker
	coreCtl Cores
	log     *logrus.Logger

	// mu protects the registry maps. Handlers on other cores must never
	// observe a partially linked task, so every lookup takes it too.
	mu    sync.Mutex
	byPid map[int32]*Task
	byPgd map[hostarch.Addr]*Task

	violations    atomic.Uint64
	pagesCopied   atomic.Uint64
	accessWidened atomic.Uint64
	viewsCreated  atomic.Uint64
	viewSwitches  atomic.Uint64
}

// New validates the configuration and returns a ready Subsystem.
func New(cfg Config) (*Subsystem, error) {
	if cfg.Cores <= 0 {
		return nil, fmt.Errorf("sandbox: %w: %d cores", ErrInvalidArgument, cfg.Cores)
	}
	if cfg.Processes == nil || cfg.Memory == nil || cfg.Views == nil ||
		cfg.Walker == nil || cfg.CoreCtl == nil {
		return nil, fmt.Errorf("sandbox: %w: missing collaborator", ErrInvalidArgument)
	}
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Subsystem{
		cores:   cfg.Cores,
		procs:   cfg.Processes,
		mem:     cfg.Memory,
		views:   cfg.Views,
		walker:  cfg.Walker,
		coreCtl: cfg.CoreCtl,
		log:     log,
		byPid:   make(map[int32]*Task),
		byPgd:   make(map[hostarch.Addr]*Task),
	}, nil
}

// Shutdown destroys every task, freeing all copied frames and per-core
// views. Called once at hypervisor teardown, after fault delivery stops.
func (s *Subsystem) Shutdown() {
	s.mu.Lock()
	tasks := s.byPid
	s.byPid = make(map[int32]*Task)
	s.byPgd = make(map[hostarch.Addr]*Task)
	s.mu.Unlock()

	for _, t := range tasks {
		s.destroyTask(t)
	}
}

// Sandbox registers pid for physical-memory isolation. Isolation takes
// effect at the process's next CR3 load on each core.
func (s *Subsystem) Sandbox(pid int32) error {
	pgd, err := s.procs.PageDirectory(pid)
	if err != nil {
		return fmt.Errorf("sandbox pid %d: %w", pid, err)
	}
	pgd = pgd.RoundDown()

	t := newTask(pid, pgd, s.cores)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byPid[pid]; ok {
		return fmt.Errorf("sandbox pid %d: %w", pid, ErrAlreadySandboxed)
	}
	if _, ok := s.byPgd[pgd]; ok {
		return fmt.Errorf("sandbox pid %d: pgd %#x: %w", pid, pgd, ErrAlreadySandboxed)
	}
	s.byPid[pid] = t
	s.byPgd[pgd] = t

	s.log.WithFields(logrus.Fields{
		"pid": pid,
		"pgd": fmt.Sprintf("%#x", pgd),
	}).Info("process sandboxed")
	return nil
}

// Unsandbox unregisters pid, releasing its copied frames and views. The
// process reverts to the shared default view at its next CR3 load.
func (s *Subsystem) Unsandbox(pid int32) error {
	s.mu.Lock()
	t, ok := s.byPid[pid]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unsandbox pid %d: %w", pid, ErrProcessNotFound)
	}
	delete(s.byPid, pid)
	delete(s.byPgd, t.pgd)
	s.mu.Unlock()

	s.destroyTask(t)
	s.log.WithField("pid", pid).Info("process unsandboxed")
	return nil
}

// Task returns the registered task for pid, or nil.
func (s *Subsystem) Task(pid int32) *Task {
	return s.taskByPid(pid)
}

// Stats returns a snapshot of the subsystem's counters.
func (s *Subsystem) Stats() Stats {
	return Stats{
		Violations:    s.violations.Load(),
		PagesCopied:   s.pagesCopied.Load(),
		AccessWidened: s.accessWidened.Load(),
		ViewsCreated:  s.viewsCreated.Load(),
		ViewSwitches:  s.viewSwitches.Load(),
	}
}
