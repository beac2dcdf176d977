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

// HandleCR3Load is invoked on every guest control-register-3 write. If the
// loaded page-directory base belongs to a sandboxed task, the core is
// switched to the task's isolated view for this core, created on first use
// with read+execute defaults so that the task's first store faults.
// Otherwise the core is switched to the shared default view.
func (s *Subsystem) HandleCR3Load(core int, cr3 hostarch.Addr) {
	if core < 0 || core >= s.cores {
		panic(fmt.Sprintf("sandbox: cr3 load on core %d of %d", core, s.cores))
	}

	pgd := cr3.RoundDown()
	t := s.taskByPgd(pgd)
	if t == nil {
		s.coreCtl.SwitchView(core, s.views.DefaultView())
		return
	}

	view := t.views[core]
	if view == ept.NoView {
		var err error
		view, err = s.views.CreateView(ept.RX)
		if err != nil {
			// A core is entering a sandboxed address space with no
			// isolated view to run it under; there is no safe way
			// to continue.
			panic(fmt.Sprintf("sandbox: creating view for pid %d on core %d: %v", t.pid, core, err))
		}
		t.views[core] = view
		s.viewsCreated.Add(1)
		s.log.WithFields(logrus.Fields{
			"pid":  t.pid,
			"core": core,
			"view": view,
		}).Debug("isolated view created")
	}

	s.coreCtl.SwitchView(core, view)
	s.viewSwitches.Add(1)
}
