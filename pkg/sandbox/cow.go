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

	"github.com/pmsandbox/pmsandbox/pkg/hostarch"
)

// cowPage is a private copy of one guest frame. Content is fixed at copy
// time; the frame lives until the owning task is destroyed.
type cowPage struct {
	// gpa is the guest physical page the copy shadows.
	gpa hostarch.Addr

	// hpa is the physical address of the private frame.
	hpa hostarch.Addr

	// hva is the allocator's host mapping of the private frame.
	hva []byte
}

// copyPage duplicates the guest frame at gpa into a fresh private frame and
// records it in the task's page index. gpa must be page-aligned. On failure
// every partially acquired resource is released and the index is untouched.
func (s *Subsystem) copyPage(t *Task, gpa hostarch.Addr) (*cowPage, error) {
	src, err := s.mem.MapFrame(gpa)
	if err != nil {
		return nil, fmt.Errorf("map guest frame %#x: %w: %v", gpa, ErrNoMemory, err)
	}
	defer s.mem.UnmapFrame(src)

	hpa, hva, err := s.mem.AllocPage()
	if err != nil {
		return nil, fmt.Errorf("copy frame %#x: %w: %v", gpa, ErrNoMemory, err)
	}
	copy(hva, src)

	page := &cowPage{gpa: gpa, hpa: hpa, hva: hva}
	t.pages.ReplaceOrInsert(page)
	return page, nil
}

// freePages releases every copied frame the task owns.
func (s *Subsystem) freePages(t *Task) {
	t.pages.Ascend(func(page *cowPage) bool {
		s.mem.FreePage(page.hpa)
		return true
	})
	t.pages.Clear(false)
}
