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

// Package openfiles implements the open-file table: FH -> working-file
// bookkeeping, with duplicate-open descriptor sharing and unlink-marking.
package openfiles

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ErrHandleSpaceExhausted is returned by Insert when every 64-bit FH value
// is in use. The dispatcher maps this to fuse.EBUSY.
var ErrHandleSpaceExhausted = errors.New("openfiles: handle space exhausted")

// Refs is the back-reference an FH carries to the entity it was opened
// against. Cleared (MI zeroed, Live set false) by Unlink so later commits
// silently skip.
type Refs struct {
	MI   uint64
	Path string
	Live bool
}

// Handle is one entry in the open-file table: a working file plus its
// dirty flag and back-reference.
type Handle struct {
	FH      uint64
	Flags   uint32
	Working *os.File
	Dirty   bool
	Refs    Refs
}

// Table holds all currently-open handles, indexed both by FH and by MI (to
// support duplicate-open and the setattr/truncate fan-out across sharers).
type Table struct {
	nextFH uint64
	byFH   map[uint64]*Handle
	byMI   map[uint64]map[uint64]struct{} // MI -> set of FH
}

// New returns an empty open-file table. FH numbering starts at 1 so zero
// can serve as a sentinel "no handle" value.
func New() *Table {
	return &Table{
		nextFH: 1,
		byFH:   make(map[uint64]*Handle),
		byMI:   make(map[uint64]map[uint64]struct{}),
	}
}

// Insert allocates the next FH from an increasing counter (closed FHs are
// not reused), records the handle, and indexes it under mi. Fails only in
// the theoretical case of 64-bit FH-space exhaustion.
func (t *Table) Insert(mi uint64, flags uint32, working *os.File, path string) (uint64, error) {
	if t.nextFH == 0 {
		return 0, ErrHandleSpaceExhausted
	}

	fh := t.nextFH
	t.nextFH++

	t.byFH[fh] = &Handle{
		FH:      fh,
		Flags:   flags,
		Working: working,
		Dirty:   false,
		Refs:    Refs{MI: mi, Path: path, Live: true},
	}
	t.indexUnderMI(mi, fh)

	return fh, nil
}

// Duplicate host-clones the working file descriptor of any FH already
// bound to mi, producing a new FH that shares the underlying content but
// has its own flags and dirty state. The cloned descriptor shares the file
// offset with its source; the dispatcher reads and writes at explicit
// offsets. Returns ok=false when mi is not open.
func (t *Table) Duplicate(mi uint64, flags uint32) (fh uint64, ok bool, err error) {
	fhs, found := t.byMI[mi]
	if !found || len(fhs) == 0 {
		return 0, false, nil
	}

	var source *Handle
	for existingFH := range fhs {
		source = t.byFH[existingFH]
		break
	}

	newFD, err := unix.Dup(int(source.Working.Fd()))
	if err != nil {
		return 0, false, fmt.Errorf("openfiles: dup: %w", err)
	}
	working := os.NewFile(uintptr(newFD), source.Working.Name())

	newFH, err := t.Insert(mi, flags, working, source.Refs.Path)
	if err != nil {
		working.Close()
		return 0, false, err
	}

	return newFH, true, nil
}

// Close removes fh and returns its record so the dispatcher can decide
// whether to commit.
func (t *Table) Close(fh uint64) (*Handle, bool) {
	h, ok := t.byFH[fh]
	if !ok {
		return nil, false
	}

	delete(t.byFH, fh)
	if set, ok := t.byMI[h.Refs.MI]; ok {
		delete(set, fh)
		if len(set) == 0 {
			delete(t.byMI, h.Refs.MI)
		}
	}

	return h, true
}

// Unlink clears the refs field of every FH bound to mi so later commits
// through those FHs silently skip, drops the MI index, and returns the
// affected FHs.
func (t *Table) Unlink(mi uint64) []*Handle {
	fhs, ok := t.byMI[mi]
	if !ok {
		return nil
	}

	var affected []*Handle
	for fh := range fhs {
		h := t.byFH[fh]
		h.Refs.Live = false
		h.Refs.MI = 0
		h.Refs.Path = ""
		affected = append(affected, h)
	}
	delete(t.byMI, mi)

	return affected
}

// Get returns the handle for fh, if any. Callers may mutate fields
// (Dirty, Refs) directly on the returned pointer.
func (t *Table) Get(fh uint64) (*Handle, bool) {
	h, ok := t.byFH[fh]
	return h, ok
}

// GetFHs returns every FH currently bound to mi, used by setattr/truncate
// to propagate a size change across all sharers.
func (t *Table) GetFHs(mi uint64) []uint64 {
	set, ok := t.byMI[mi]
	if !ok {
		return nil
	}

	fhs := make([]uint64, 0, len(set))
	for fh := range set {
		fhs = append(fhs, fh)
	}
	return fhs
}

func (t *Table) indexUnderMI(mi uint64, fh uint64) {
	set, ok := t.byMI[mi]
	if !ok {
		set = make(map[uint64]struct{})
		t.byMI[mi] = set
	}
	set[fh] = struct{}{}
}
