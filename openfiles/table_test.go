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

package openfiles

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempWorkingFile(t *testing.T) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "working")
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestInsertAssignsDistinctFHs(t *testing.T) {
	tbl := New()

	fh1, err := tbl.Insert(10, 0, tempWorkingFile(t), "a.zst")
	require.NoError(t, err)
	fh2, err := tbl.Insert(10, 0, tempWorkingFile(t), "a.zst")
	require.NoError(t, err)

	assert.NotEqual(t, fh1, fh2)
	assert.ElementsMatch(t, []uint64{fh1, fh2}, tbl.GetFHs(10))
}

func TestDuplicateSharesUnderlyingContent(t *testing.T) {
	tbl := New()
	working := tempWorkingFile(t)
	_, err := working.WriteString("hello")
	require.NoError(t, err)

	fh1, err := tbl.Insert(5, 0, working, "f.zst")
	require.NoError(t, err)

	fh2, ok, err := tbl.Duplicate(5, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEqual(t, fh1, fh2)

	h1, _ := tbl.Get(fh1)
	h2, _ := tbl.Get(fh2)

	buf := make([]byte, 5)
	n, err := h2.Working.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
	assert.Equal(t, h1.Refs.Path, h2.Refs.Path)
}

func TestDuplicateMissReturnsNotOK(t *testing.T) {
	tbl := New()
	_, ok, err := tbl.Duplicate(999, 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCloseRemovesAndReturnsHandle(t *testing.T) {
	tbl := New()
	fh, err := tbl.Insert(1, 0, tempWorkingFile(t), "p")
	require.NoError(t, err)

	h, ok := tbl.Close(fh)
	require.True(t, ok)
	assert.Equal(t, fh, h.FH)

	_, ok = tbl.Get(fh)
	assert.False(t, ok)
	assert.Empty(t, tbl.GetFHs(1))
}

func TestUnlinkClearsRefsButKeepsHandleOpen(t *testing.T) {
	tbl := New()
	fh, err := tbl.Insert(3, 0, tempWorkingFile(t), "p.zst")
	require.NoError(t, err)

	affected := tbl.Unlink(3)
	require.Len(t, affected, 1)

	h, ok := tbl.Get(fh)
	require.True(t, ok, "FH must survive unlink")
	assert.False(t, h.Refs.Live)
	assert.Equal(t, uint64(0), h.Refs.MI)
	assert.Empty(t, tbl.GetFHs(3))
}
