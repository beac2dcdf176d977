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

import "errors"

var (
	// ErrNoMemory indicates a physical page or record allocation failed.
	ErrNoMemory = errors.New("out of memory")

	// ErrProcessNotFound indicates the pid does not name a live process.
	ErrProcessNotFound = errors.New("process not found")

	// ErrInvalidArgument indicates a malformed registration target.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrAlreadySandboxed indicates the pid is already registered. A
	// second task for the same address space would make pgd lookup
	// ambiguous, so re-registration is refused.
	ErrAlreadySandboxed = errors.New("process already sandboxed")
)
