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

package commit

import (
	"io"
	"os"
	"testing"

	"github.com/bigdigdata/fusezstd/xattrs"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWorkingFile(t *testing.T, contents string) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "working")
	require.NoError(t, err)
	_, err = f.WriteString(contents)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func decompress(t *testing.T, path string) string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	dec, err := zstd.NewReader(f)
	require.NoError(t, err)
	defer dec.Close()

	b, err := io.ReadAll(dec)
	require.NoError(t, err)
	return string(b)
}

func TestCommitProducesReadableCompressedObject(t *testing.T) {
	dir := t.TempDir()
	alloc, err := xattrs.NewAllocator(dir)
	require.NoError(t, err)

	working := newWorkingFile(t, "hello, fuse-zstd")
	res, err := Commit(working, dir, "greeting.zst", 0, alloc)
	require.NoError(t, err)
	defer res.Dest.Close()

	assert.Equal(t, uint64(len("hello, fuse-zstd")), res.Size)
	assert.NotZero(t, res.MI)
	assert.Equal(t, "hello, fuse-zstd", decompress(t, dir+"/greeting.zst"))

	gotSize, err := xattrs.ReadRealSize(dir + "/greeting.zst")
	require.NoError(t, err)
	assert.Equal(t, res.Size, gotSize)

	gotMI, ok, err := xattrs.ReadMI(dir + "/greeting.zst")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, res.MI, gotMI)
}

func TestCommitReusesExistingMIOnOverwrite(t *testing.T) {
	dir := t.TempDir()
	alloc, err := xattrs.NewAllocator(dir)
	require.NoError(t, err)

	first, err := Commit(newWorkingFile(t, "v1"), dir, "doc.zst", 0, alloc)
	require.NoError(t, err)
	first.Dest.Close()

	second, err := Commit(newWorkingFile(t, "v2, longer content"), dir, "doc.zst", 0, alloc)
	require.NoError(t, err)
	defer second.Dest.Close()

	assert.Equal(t, first.MI, second.MI, "MI must survive the atomic replace")
	assert.Equal(t, "v2, longer content", decompress(t, dir+"/doc.zst"))
}

func TestCommitAllocatesFreshMIForNewDestination(t *testing.T) {
	dir := t.TempDir()
	alloc, err := xattrs.NewAllocator(dir)
	require.NoError(t, err)

	a, err := Commit(newWorkingFile(t, "a"), dir, "a.zst", 0, alloc)
	require.NoError(t, err)
	defer a.Dest.Close()

	b, err := Commit(newWorkingFile(t, "b"), dir, "b.zst", 0, alloc)
	require.NoError(t, err)
	defer b.Dest.Close()

	assert.NotEqual(t, a.MI, b.MI)
}
