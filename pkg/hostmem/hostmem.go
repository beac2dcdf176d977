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

//go:build linux

// Package hostmem backs guest physical memory with a host memfd.
//
// The file is the machine's physical memory: a physical address is an
// offset into it. Frames below the guest-visible size belong to the guest;
// frames handed out by AllocPage are appended past it, so the two ranges
// never collide.
package hostmem

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/pmsandbox/pmsandbox/pkg/hostarch"
)

// FileMem is a memfd-backed page pool.
type FileMem struct {
	fd        int
	guestSize hostarch.Addr

	// mu protects everything below.
	mu sync.Mutex

	// size is the current file size; the file grows as pages are
	// allocated past the guest range.
	size hostarch.Addr

	// free holds recycled frame offsets, most recently freed first.
	free []hostarch.Addr

	// windows maps an allocated frame to its long-lived host mapping.
	windows map[hostarch.Addr][]byte
}

// NewFileMem creates physical memory with the given guest-visible size,
// which must be page-aligned.
func NewFileMem(guestSize uint64) (*FileMem, error) {
	if !hostarch.Addr(guestSize).PageAligned() {
		return nil, fmt.Errorf("hostmem: guest size %#x not page-aligned", guestSize)
	}
	fd, err := unix.MemfdCreate("pmsandbox-mem", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("hostmem: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(guestSize)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("hostmem: ftruncate: %w", err)
	}
	return &FileMem{
		fd:        fd,
		guestSize: hostarch.Addr(guestSize),
		size:      hostarch.Addr(guestSize),
		windows:   make(map[hostarch.Addr][]byte),
	}, nil
}

// Destroy releases the backing file and every outstanding mapping.
func (f *FileMem) Destroy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, hva := range f.windows {
		unix.Munmap(hva)
	}
	f.windows = nil
	unix.Close(f.fd)
	f.fd = -1
}

// GuestSize returns the guest-visible size of physical memory.
func (f *FileMem) GuestSize() uint64 {
	return uint64(f.guestSize)
}

// mapAt maps one page of the file at the given offset.
func (f *FileMem) mapAt(offset hostarch.Addr) ([]byte, error) {
	hva, err := unix.Mmap(f.fd, int64(offset), hostarch.PageSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("hostmem: mmap frame %#x: %w", offset, err)
	}
	return hva, nil
}

// AllocPage reserves a zeroed frame outside the guest-visible range and
// returns its physical address together with a host mapping that stays
// valid until FreePage.
func (f *FileMem) AllocPage() (hostarch.Addr, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var hpa hostarch.Addr
	if n := len(f.free); n > 0 {
		hpa = f.free[n-1]
		f.free = f.free[:n-1]
	} else {
		hpa = f.size
		if err := unix.Ftruncate(f.fd, int64(f.size)+hostarch.PageSize); err != nil {
			return 0, nil, fmt.Errorf("hostmem: grow to %#x: %w", f.size+hostarch.PageSize, err)
		}
		f.size += hostarch.PageSize
	}

	hva, err := f.mapAt(hpa)
	if err != nil {
		f.free = append(f.free, hpa)
		return 0, nil, err
	}
	clear(hva)
	f.windows[hpa] = hva
	return hpa, hva, nil
}

// FreePage returns a frame obtained from AllocPage to the pool and unmaps
// its window.
func (f *FileMem) FreePage(hpa hostarch.Addr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hva, ok := f.windows[hpa]
	if !ok {
		panic(fmt.Sprintf("hostmem: freeing unallocated frame %#x", hpa))
	}
	unix.Munmap(hva)
	delete(f.windows, hpa)
	f.free = append(f.free, hpa)
}

// Outstanding returns the number of allocated, not yet freed frames.
func (f *FileMem) Outstanding() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.windows)
}

// MapFrame maps any frame, guest or allocated, into host memory. The
// mapping is independent of the windows AllocPage maintains and must be
// released with UnmapFrame.
func (f *FileMem) MapFrame(gpa hostarch.Addr) ([]byte, error) {
	gpa = gpa.RoundDown()
	f.mu.Lock()
	size := f.size
	f.mu.Unlock()
	if gpa >= size {
		return nil, fmt.Errorf("hostmem: frame %#x out of range", gpa)
	}
	return f.mapAt(gpa)
}

// UnmapFrame releases a mapping returned by MapFrame.
func (f *FileMem) UnmapFrame(hva []byte) {
	unix.Munmap(hva)
}
