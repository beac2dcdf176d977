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

package sandbox_test

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/pmsandbox/pmsandbox/pkg/ept"
	"github.com/pmsandbox/pmsandbox/pkg/hostarch"
	"github.com/pmsandbox/pmsandbox/pkg/ptwalk"
	"github.com/pmsandbox/pmsandbox/pkg/sandbox"
	"github.com/pmsandbox/pmsandbox/pkg/sandbox/testutil"
)

const (
	testPid int32         = 42
	testPgd hostarch.Addr = 0x1000
	testGPA hostarch.Addr = 0x2000
	testGVA hostarch.Addr = 0x7fff_4000
)

// env wires a Subsystem to fakes, in the way the surrounding hypervisor
// would wire it to hardware.
type env struct {
	s      *sandbox.Subsystem
	mem    *testutil.Memory
	procs  *testutil.ProcessTable
	tables *ept.Tables
	pts    *testutil.PageTables
	cores  *testutil.Cores
}

func newEnv(t *testing.T, cores int) *env {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	e := &env{
		mem:    testutil.NewMemory(),
		procs:  testutil.NewProcessTable(),
		tables: ept.NewTables(),
		pts:    testutil.NewPageTables(),
		cores:  testutil.NewCores(),
	}
	s, err := sandbox.New(sandbox.Config{
		Cores:     cores,
		Processes: e.procs,
		Memory:    e.mem,
		Views:     e.tables,
		Walker:    e.pts,
		CoreCtl:   e.cores,
		Log:       log,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	e.s = s
	return e
}

// sandboxTask registers the canonical test process and binds it to core 0
// via a CR3 load, returning its isolated view.
func (e *env) sandboxTask(t *testing.T) ept.ViewID {
	t.Helper()
	e.procs.Add(testPid, testPgd)
	e.procs.SetCurrent(0, testPid)
	if err := e.s.Sandbox(testPid); err != nil {
		t.Fatalf("Sandbox(%d) failed: %v", testPid, err)
	}
	e.s.HandleCR3Load(0, testPgd)
	view := e.cores.Active(0)
	if view == ept.NoView || view == e.tables.DefaultView() {
		t.Fatalf("CR3 load selected view %d, want a fresh isolated view", view)
	}
	return view
}

// writeViolation is the canonical first user-mode store of a sandboxed
// process: the guest's own tables do not map the address user-writable and
// the isolated view still carries its read+execute default.
func writeViolation(view ept.ViewID) *sandbox.Violation {
	return &sandbox.Violation{
		Core:      0,
		View:      view,
		DPL:       3,
		GPA:       testGPA,
		GVA:       testGVA,
		Current:   ept.RX,
		Requested: ept.Write,
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := sandbox.New(sandbox.Config{Cores: 0}); !errors.Is(err, sandbox.ErrInvalidArgument) {
		t.Errorf("New with no cores: got %v, want ErrInvalidArgument", err)
	}
	if _, err := sandbox.New(sandbox.Config{Cores: 4}); !errors.Is(err, sandbox.ErrInvalidArgument) {
		t.Errorf("New with nil collaborators: got %v, want ErrInvalidArgument", err)
	}
}

func TestSandboxUnknownProcess(t *testing.T) {
	e := newEnv(t, 1)
	if err := e.s.Sandbox(99); !errors.Is(err, sandbox.ErrProcessNotFound) {
		t.Errorf("Sandbox(99): got %v, want ErrProcessNotFound", err)
	}
	if err := e.s.Sandbox(-1); !errors.Is(err, sandbox.ErrInvalidArgument) {
		t.Errorf("Sandbox(-1): got %v, want ErrInvalidArgument", err)
	}
}

func TestSandboxTwiceRejected(t *testing.T) {
	e := newEnv(t, 1)
	e.procs.Add(testPid, testPgd)
	if err := e.s.Sandbox(testPid); err != nil {
		t.Fatalf("first Sandbox failed: %v", err)
	}
	if err := e.s.Sandbox(testPid); !errors.Is(err, sandbox.ErrAlreadySandboxed) {
		t.Errorf("second Sandbox: got %v, want ErrAlreadySandboxed", err)
	}
	if e.s.Task(testPid) == nil {
		t.Error("rejected re-registration destroyed the original task")
	}
}

func TestCR3LoadBindsStableView(t *testing.T) {
	e := newEnv(t, 2)
	view := e.sandboxTask(t)

	// Same core again: the cached view, no duplicate.
	e.s.HandleCR3Load(0, testPgd)
	if got := e.cores.Active(0); got != view {
		t.Errorf("repeated CR3 load selected view %d, want %d", got, view)
	}
	if got := e.s.Stats().ViewsCreated; got != 1 {
		t.Errorf("got %d views created, want 1", got)
	}

	// Another core gets its own view.
	e.s.HandleCR3Load(1, testPgd)
	other := e.cores.Active(1)
	if other == view || other == e.tables.DefaultView() {
		t.Errorf("core 1 bound to view %d, want a distinct isolated view", other)
	}

	// CR3 bits below the page boundary must not defeat the match.
	e.s.HandleCR3Load(0, testPgd|0x18)
	if got := e.cores.Active(0); got != view {
		t.Errorf("CR3 load with PCD/PWT bits selected view %d, want %d", got, view)
	}
}

func TestCR3LoadUnregisteredSelectsDefault(t *testing.T) {
	e := newEnv(t, 1)
	e.s.HandleCR3Load(0, 0x9000)
	if got := e.cores.Active(0); got != e.tables.DefaultView() {
		t.Errorf("got view %d, want default", got)
	}
	if got := e.tables.Views(); got != 1 {
		t.Errorf("got %d views, want only the default", got)
	}
	if got := e.s.Stats().ViewsCreated; got != 0 {
		t.Errorf("got %d views created, want 0", got)
	}
}

// TestViolationCopyOnWrite is the first-store scenario: a user-mode write
// to a page the guest's own tables do not map user-writable gets a private
// copy, and other observers of the original frame see pre-write content.
func TestViolationCopyOnWrite(t *testing.T) {
	e := newEnv(t, 1)
	view := e.sandboxTask(t)

	original := e.mem.Frame(testGPA)
	copy(original, []byte("original frame content"))
	pristine := bytes.Clone(original)

	v := writeViolation(view)
	if !e.s.HandleViolation(v) {
		t.Fatal("HandleViolation returned unhandled")
	}
	if !v.Invalidate {
		t.Error("handler did not request invalidation")
	}
	if v.Switch {
		t.Error("handler requested a view switch on the task's own fault")
	}

	entry, ok := e.tables.Entry(view, testGPA)
	if !ok {
		t.Fatal("isolated view lost")
	}
	want := ept.Entry{Access: ept.RWX}
	if entry.Frame == testGPA {
		t.Fatal("view entry still points at the original frame")
	}
	want.Frame = entry.Frame
	if diff := cmp.Diff(want, entry); diff != "" {
		t.Errorf("view entry mismatch (-want +got):\n%s", diff)
	}

	// The copy carries the original content...
	shadow := e.mem.Frame(entry.Frame)
	if !bytes.Equal(shadow, pristine) {
		t.Error("private copy does not match the original frame")
	}
	// ...and the task's writes land only there.
	copy(shadow, []byte("sandboxed modification"))
	if !bytes.Equal(e.mem.Frame(testGPA), pristine) {
		t.Error("write to the private copy leaked into the original frame")
	}

	if got := e.s.Task(testPid).Pages(); got != 1 {
		t.Errorf("task owns %d pages, want 1", got)
	}
	if got := e.mem.Outstanding(); got != 1 {
		t.Errorf("allocator reports %d outstanding frames, want 1", got)
	}
}

func TestViolationSecondWriteIsIdempotent(t *testing.T) {
	e := newEnv(t, 1)
	view := e.sandboxTask(t)

	if !e.s.HandleViolation(writeViolation(view)) {
		t.Fatal("first violation unhandled")
	}
	first, _ := e.tables.Entry(view, testGPA)

	if !e.s.HandleViolation(writeViolation(view)) {
		t.Fatal("second violation unhandled")
	}
	second, _ := e.tables.Entry(view, testGPA)

	if first.Frame != second.Frame {
		t.Errorf("second write re-copied: frame %#x then %#x", first.Frame, second.Frame)
	}
	if got := e.s.Stats().PagesCopied; got != 1 {
		t.Errorf("got %d pages copied, want 1", got)
	}
	if got := e.mem.Outstanding(); got != 1 {
		t.Errorf("allocator reports %d outstanding frames, want 1", got)
	}
}

// TestViolationWidensInPlace covers the pass-through faults: a read, and a
// write to an address the guest's own tables already map user-writable.
func TestViolationWidensInPlace(t *testing.T) {
	for _, tc := range []struct {
		name  string
		setup func(e *env)
		fault func(view ept.ViewID) *sandbox.Violation
	}{
		{
			name:  "read",
			setup: func(e *env) {},
			fault: func(view ept.ViewID) *sandbox.Violation {
				v := writeViolation(view)
				v.Requested = ept.Read
				v.Current = 0
				return v
			},
		},
		{
			name: "user-writable mapping",
			setup: func(e *env) {
				e.pts.Set(testPgd, testGVA, ptwalk.Present|ptwalk.Write|ptwalk.User|ptwalk.Entry(testGPA))
			},
			fault: writeViolation,
		},
		{
			name:  "kernel-mode write",
			setup: func(e *env) {},
			fault: func(view ept.ViewID) *sandbox.Violation {
				v := writeViolation(view)
				v.DPL = 0
				return v
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t, 1)
			view := e.sandboxTask(t)
			tc.setup(e)

			v := tc.fault(view)
			if !e.s.HandleViolation(v) {
				t.Fatal("HandleViolation returned unhandled")
			}
			if !v.Invalidate {
				t.Error("handler did not request invalidation")
			}

			entry, _ := e.tables.Entry(view, testGPA)
			if entry.Frame != testGPA {
				t.Errorf("entry repointed to %#x, want the original frame", entry.Frame)
			}
			if entry.Access&v.Requested != v.Requested {
				t.Errorf("entry access %v does not include requested %v", entry.Access, v.Requested)
			}
			if got := e.s.Task(testPid).Pages(); got != 0 {
				t.Errorf("pass-through fault copied %d pages", got)
			}
			if got := e.mem.Outstanding(); got != 0 {
				t.Errorf("allocator reports %d outstanding frames, want 0", got)
			}
		})
	}
}

// TestViolationForeignProcess covers faults arriving while an unregistered
// process runs: not the subsystem's fault, switch back to the default view.
func TestViolationForeignProcess(t *testing.T) {
	e := newEnv(t, 1)
	view := e.sandboxTask(t)
	e.procs.SetCurrent(0, 7) // never registered

	v := writeViolation(view)
	if !e.s.HandleViolation(v) {
		t.Fatal("HandleViolation returned unhandled")
	}
	if !v.Switch || v.SwitchTo != e.tables.DefaultView() {
		t.Errorf("got switch=%t to view %d, want switch to default", v.Switch, v.SwitchTo)
	}
	if v.Invalidate {
		t.Error("foreign fault requested invalidation")
	}
	if got := e.s.Task(testPid).Pages(); got != 0 {
		t.Errorf("foreign fault touched the task: %d pages", got)
	}
	if got := e.s.Stats().Violations; got != 0 {
		t.Errorf("foreign fault counted as a sandbox violation: %d", got)
	}
}

func TestViolationViewMismatchPanics(t *testing.T) {
	e := newEnv(t, 1)
	view := e.sandboxTask(t)

	defer func() {
		if recover() == nil {
			t.Error("fault in a foreign view did not panic")
		}
	}()
	v := writeViolation(view + 100)
	e.s.HandleViolation(v)
}

func TestViolationAllocFailure(t *testing.T) {
	e := newEnv(t, 1)
	view := e.sandboxTask(t)
	e.mem.FailAllocAfter(0)

	if e.s.HandleViolation(writeViolation(view)) {
		t.Fatal("HandleViolation swallowed an allocation failure")
	}
	if got := e.s.Task(testPid).Pages(); got != 0 {
		t.Errorf("failed copy left %d pages behind", got)
	}
	if got := e.mem.Outstanding(); got != 0 {
		t.Errorf("failed copy leaked %d frames", got)
	}

	// The subsystem stays usable once memory returns.
	e.mem.FailAllocAfter(-1)
	if !e.s.HandleViolation(writeViolation(view)) {
		t.Fatal("HandleViolation failed after memory recovered")
	}
}

func TestShutdownReleasesEverything(t *testing.T) {
	e := newEnv(t, 2)
	view := e.sandboxTask(t)
	e.s.HandleCR3Load(1, testPgd)

	if !e.s.HandleViolation(writeViolation(view)) {
		t.Fatal("violation unhandled")
	}
	if got := e.mem.Outstanding(); got != 1 {
		t.Fatalf("allocator reports %d outstanding frames, want 1", got)
	}

	e.s.Shutdown()
	if got := e.mem.Outstanding(); got != 0 {
		t.Errorf("shutdown leaked %d frames", got)
	}
	if got := e.tables.Views(); got != 1 {
		t.Errorf("shutdown left %d views, want only the default", got)
	}
	if e.s.Task(testPid) != nil {
		t.Error("shutdown left the task registered")
	}
}

func TestUnsandboxReleasesTask(t *testing.T) {
	e := newEnv(t, 1)
	view := e.sandboxTask(t)
	if !e.s.HandleViolation(writeViolation(view)) {
		t.Fatal("violation unhandled")
	}

	if err := e.s.Unsandbox(testPid); err != nil {
		t.Fatalf("Unsandbox failed: %v", err)
	}
	if got := e.mem.Outstanding(); got != 0 {
		t.Errorf("unsandbox leaked %d frames", got)
	}
	if got := e.tables.Views(); got != 1 {
		t.Errorf("unsandbox left %d views, want only the default", got)
	}

	// The process now runs unsandboxed.
	e.s.HandleCR3Load(0, testPgd)
	if got := e.cores.Active(0); got != e.tables.DefaultView() {
		t.Errorf("CR3 load after unsandbox selected view %d, want default", got)
	}

	if err := e.s.Unsandbox(testPid); !errors.Is(err, sandbox.ErrProcessNotFound) {
		t.Errorf("second Unsandbox: got %v, want ErrProcessNotFound", err)
	}
}

// TestConcurrentRegistration exercises the registry lock: registrations,
// lookups and CR3 loads race on distinct cores.
func TestConcurrentRegistration(t *testing.T) {
	const procs = 64
	e := newEnv(t, procs)

	for i := 0; i < procs; i++ {
		e.procs.Add(int32(i+1), testPgd+hostarch.Addr(i+1)*hostarch.PageSize)
	}

	var g errgroup.Group
	for i := 0; i < procs; i++ {
		pid := int32(i + 1)
		core := i
		g.Go(func() error {
			if err := e.s.Sandbox(pid); err != nil {
				return err
			}
			pgd, _ := e.procs.PageDirectory(pid)
			e.s.HandleCR3Load(core, pgd)
			if e.s.Task(pid) == nil {
				return fmt.Errorf("pid %d not visible after registration", pid)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if got := e.s.Stats().ViewsCreated; got != procs {
		t.Errorf("got %d views created, want %d", got, procs)
	}
	for i := 0; i < procs; i++ {
		if got := e.cores.Active(i); got == ept.NoView || got == e.tables.DefaultView() {
			t.Errorf("core %d bound to view %d, want an isolated view", i, got)
		}
	}

	e.s.Shutdown()
	if got := e.tables.Views(); got != 1 {
		t.Errorf("shutdown left %d views, want only the default", got)
	}
	if got := e.mem.Outstanding(); got != 0 {
		t.Errorf("shutdown leaked %d frames", got)
	}
}
