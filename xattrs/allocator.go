// Copyright 2024 Google Inc. All Rights Reserved.
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

package xattrs

import "github.com/bigdigdata/fusezstd/logger"

// Allocator mints MIs, monotonically decreasing from MaxMI, persisting the
// next value as user.ino_idx on the data-directory root so identity
// survives a restart. Not safe for concurrent use; callers serialize
// access (the dispatcher is single-threaded).
type Allocator struct {
	rootPath string
	next     uint64
}

// NewAllocator loads the counter from rootPath's user.ino_idx xattr,
// starting fresh at MaxMI if absent.
func NewAllocator(rootPath string) (*Allocator, error) {
	next, ok, err := ReadInoIdx(rootPath)
	if err != nil {
		return nil, err
	}
	if !ok {
		next = MaxMI
	}
	return &Allocator{rootPath: rootPath, next: next}, nil
}

// Next mints a fresh MI and persists the updated counter. Reset to MaxMI on
// exhaustion (collision with FuseRootID or wraparound); this is logged
// rather than treated as an error.
func (a *Allocator) Next() (uint64, error) {
	if a.next <= FuseRootID+1 {
		logger.Warnf("xattrs: MI counter exhausted, resetting to MaxMI")
		a.next = MaxMI
	}

	mi := a.next
	a.next--

	if err := WriteInoIdx(a.rootPath, a.next); err != nil {
		return 0, err
	}
	return mi, nil
}
