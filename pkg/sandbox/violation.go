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
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/pmsandbox/pmsandbox/pkg/ept"
	"github.com/pmsandbox/pmsandbox/pkg/hostarch"
)

// Violation describes one EPT violation and carries the handler's verdict
// back to the VM-exit dispatcher.
type Violation struct {
	// Core is the logical core the fault arrived on.
	Core int

	// View is the view the fault occurred in.
	View ept.ViewID

	// DPL is the privilege level of the faulting access; nonzero means
	// user mode.
	DPL uint8

	// GPA and GVA are the faulting guest physical and virtual addresses.
	GPA hostarch.Addr
	GVA hostarch.Addr

	// Current is the rights present on the view entry at fault time.
	Current ept.Access

	// Requested is the rights the access needed.
	Requested ept.Access

	// Invalidate is set by the handler when the caller must flush the
	// combined translations for this view.
	Invalidate bool

	// SwitchTo, when Switch is set, is the view the caller must place
	// the core under before resuming.
	Switch   bool
	SwitchTo ept.ViewID
}

// HandleViolation is invoked on every EPT violation while any task is
// sandboxed. It returns false only when installing a copy fails for lack of
// memory; the caller then decides the guest's fate.
//
// A fault from a process with no registered task is not the subsystem's:
// the verdict is a switch to the shared default view. A fault from a
// registered task must arrive in that task's own view for the faulting
// core; anything else means the isolation state is corrupt, and the handler
// panics rather than risk leaking one process's copied content to another.
func (s *Subsystem) HandleViolation(v *Violation) bool {
	pid := s.procs.Current(v.Core)
	t := s.taskByPid(pid)
	if t == nil {
		v.Switch = true
		v.SwitchTo = s.views.DefaultView()
		return true
	}

	view := t.views[v.Core]
	if view == ept.NoView || view != v.View {
		panic(fmt.Sprintf("sandbox: pid %d faulted in view %d, core %d expects view %d",
			pid, v.View, v.Core, view))
	}
	s.violations.Add(1)

	log := s.log.WithFields(logrus.Fields{
		"pid":  pid,
		"core": v.Core,
		"gpa":  fmt.Sprintf("%#x", v.GPA),
		"gva":  fmt.Sprintf("%#x", v.GVA),
	})
	log.Debug("sandbox violation")

	gpa := v.GPA.RoundDown()
	if s.shouldCopy(t, v) {
		page := t.findPage(gpa)
		if page == nil {
			var err error
			page, err = s.copyPage(t, gpa)
			if err != nil {
				log.WithError(err).Error("cannot install private copy")
				return false
			}
			s.pagesCopied.Add(1)
			log.Debug("private copy installed")
		}
		s.views.SetEntry(view, gpa, ept.Entry{
			Access: v.Current | v.Requested,
			Frame:  page.hpa,
		})
	} else {
		// Not a store the task needs shielding from; widen the entry
		// in place and let it through.
		entry, _ := s.views.Entry(view, gpa)
		entry.Access |= v.Requested
		s.views.SetEntry(view, gpa, entry)
		s.accessWidened.Add(1)
		log.Debug("access widened")
	}
	v.Invalidate = true
	return true
}

// shouldCopy decides copy versus widen: copy exactly when a user-privilege
// write targets an address whose own guest page tables do not already grant
// unrestricted user write access, and the isolated view has not already
// granted write on the entry.
func (s *Subsystem) shouldCopy(t *Task, v *Violation) bool {
	if v.Requested&ept.Write == 0 || v.DPL == 0 {
		return false
	}
	if v.Current&ept.Write != 0 {
		return false
	}
	pte, ok := s.walker.GuestPTE(t.pgd, v.GVA)
	return !ok || !pte.UserWritable()
}
