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
	"github.com/pmsandbox/pmsandbox/pkg/ept"
	"github.com/pmsandbox/pmsandbox/pkg/hostarch"
	"github.com/pmsandbox/pmsandbox/pkg/ptwalk"
)

// Processes resolves guest processes. Implemented by the surrounding
// hypervisor's process subsystem.
type Processes interface {
	// PageDirectory resolves a pid to its page-directory base. It fails
	// with an error wrapping ErrProcessNotFound or ErrInvalidArgument.
	PageDirectory(pid int32) (hostarch.Addr, error)

	// Current returns the pid executing on the given core.
	Current(core int) int32
}

// Memory is the physical memory allocator. Implemented by hostmem.FileMem,
// or by the hypervisor's own allocator.
type Memory interface {
	// AllocPage reserves a zeroed frame and returns its physical address
	// together with a host mapping that stays valid until FreePage.
	AllocPage() (hostarch.Addr, []byte, error)

	// FreePage returns a frame obtained from AllocPage.
	FreePage(hpa hostarch.Addr)

	// MapFrame temporarily maps a guest physical frame.
	MapFrame(gpa hostarch.Addr) ([]byte, error)

	// UnmapFrame releases a mapping returned by MapFrame.
	UnmapFrame(hva []byte)
}

// Walker resolves guest virtual addresses against a guest's own page
// tables. Implemented by ptwalk.Walker.
type Walker interface {
	// GuestPTE returns the entry mapping gva under pgd; ok is false if
	// the address is unmapped.
	GuestPTE(pgd, gva hostarch.Addr) (e ptwalk.Entry, ok bool)
}

// Cores switches the translation view a logical core executes under.
// Implemented by the hypervisor's per-vCPU control surface.
type Cores interface {
	// SwitchView makes the view the core's active translation root. For
	// the core handling its own VM-exit this takes effect on the next
	// guest entry.
	SwitchView(core int, view ept.ViewID)
}
