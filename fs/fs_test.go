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

package fs

import (
	"os"
	"testing"

	"github.com/bigdigdata/fusezstd/clock"
	"github.com/bigdigdata/fusezstd/inodecache"
	"github.com/bigdigdata/fusezstd/openfiles"
	"github.com/bigdigdata/fusezstd/xattrs"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFS(t *testing.T) *fileSystem {
	t.Helper()
	dir := t.TempDir()

	require.NoError(t, os.MkdirAll(dir+"/.fuse-zstd-inode_cache", 0o777))

	alloc, err := xattrs.NewAllocator(dir)
	require.NoError(t, err)

	clk := clock.RealClock{}
	return &fileSystem{
		dataDir:      dir,
		cacheDirName: ".fuse-zstd-inode_cache",
		clock:        clk,
		alloc:        alloc,
		cache:        inodecache.New(clk, inodecache.DefaultCapacity, inodecache.DefaultTTL),
		handles:      openfiles.New(),
		nextHandleID: 1,
		dirHandles:   make(map[fuseops.HandleID]*dirHandle),
	}
}

func TestCreateFileThenReadWriteRoundTrip(t *testing.T) {
	zfs := newTestFS(t)

	createOp := &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: "greeting"}
	require.NoError(t, zfs.CreateFile(createOp))
	assert.NotZero(t, createOp.Handle)
	assert.Equal(t, uint64(0), createOp.Entry.Attributes.Size)

	writeOp := &fuseops.WriteFileOp{Handle: createOp.Handle, Offset: 0, Data: []byte("hello, fuse-zstd")}
	require.NoError(t, zfs.WriteFile(writeOp))

	flushOp := &fuseops.FlushFileOp{Handle: createOp.Handle}
	require.NoError(t, zfs.FlushFile(flushOp))

	readOp := &fuseops.ReadFileOp{Handle: createOp.Handle, Offset: 0, Size: 64}
	require.NoError(t, zfs.ReadFile(readOp))
	assert.Equal(t, "hello, fuse-zstd", string(readOp.Data))

	releaseOp := &fuseops.ReleaseFileHandleOp{Handle: createOp.Handle}
	require.NoError(t, zfs.ReleaseFileHandle(releaseOp))

	lookupOp := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "greeting"}
	require.NoError(t, zfs.LookUpInode(lookupOp))
	assert.Equal(t, uint64(len("hello, fuse-zstd")), lookupOp.Entry.Attributes.Size)
}

func TestLookUpInodeMissingReturnsENOENT(t *testing.T) {
	zfs := newTestFS(t)

	err := zfs.LookUpInode(&fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "nope"})
	assert.Equal(t, fuse.ENOENT, err)
}

func TestMkDirThenLookUpFindsDirectory(t *testing.T) {
	zfs := newTestFS(t)

	mkdirOp := &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "sub"}
	require.NoError(t, zfs.MkDir(mkdirOp))
	assert.True(t, mkdirOp.Entry.Attributes.Mode.IsDir())

	lookupOp := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "sub"}
	require.NoError(t, zfs.LookUpInode(lookupOp))
	assert.Equal(t, mkdirOp.Entry.Child, lookupOp.Entry.Child)
}

func TestRenamePreservesMI(t *testing.T) {
	zfs := newTestFS(t)

	createOp := &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: "old"}
	require.NoError(t, zfs.CreateFile(createOp))
	require.NoError(t, zfs.ReleaseFileHandle(&fuseops.ReleaseFileHandleOp{Handle: createOp.Handle}))

	renameOp := &fuseops.RenameOp{
		OldParent: fuseops.RootInodeID, OldName: "old",
		NewParent: fuseops.RootInodeID, NewName: "new",
	}
	require.NoError(t, zfs.Rename(renameOp))

	lookupOp := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "new"}
	require.NoError(t, zfs.LookUpInode(lookupOp))
	assert.Equal(t, createOp.Entry.Child, lookupOp.Entry.Child)

	err := zfs.LookUpInode(&fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "old"})
	assert.Equal(t, fuse.ENOENT, err)
}

func TestUnlinkRemovesFile(t *testing.T) {
	zfs := newTestFS(t)

	createOp := &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: "doomed"}
	require.NoError(t, zfs.CreateFile(createOp))
	require.NoError(t, zfs.ReleaseFileHandle(&fuseops.ReleaseFileHandleOp{Handle: createOp.Handle}))

	require.NoError(t, zfs.Unlink(&fuseops.UnlinkOp{Parent: fuseops.RootInodeID, Name: "doomed"}))

	err := zfs.LookUpInode(&fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "doomed"})
	assert.Equal(t, fuse.ENOENT, err)
}

func TestReadDirReturnsEntries(t *testing.T) {
	zfs := newTestFS(t)

	createOp := &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: "visible"}
	require.NoError(t, zfs.CreateFile(createOp))
	require.NoError(t, zfs.ReleaseFileHandle(&fuseops.ReleaseFileHandleOp{Handle: createOp.Handle}))

	openOp := &fuseops.OpenDirOp{Inode: fuseops.RootInodeID}
	require.NoError(t, zfs.OpenDir(openOp))

	readOp := &fuseops.ReadDirOp{Handle: openOp.Handle, Offset: 0, Size: 4096}
	require.NoError(t, zfs.ReadDir(readOp))
	assert.Greater(t, len(readOp.Data), 0)
}

func TestConvertModePromotesPlainFile(t *testing.T) {
	zfs := newTestFS(t)
	zfs.convert = true

	require.NoError(t, os.WriteFile(zfs.dataDir+"/legacy.txt", []byte("pre-existing"), 0o666))

	lookupOp := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "legacy.txt"}
	require.NoError(t, zfs.LookUpInode(lookupOp))
	assert.Equal(t, uint64(len("pre-existing")), lookupOp.Entry.Attributes.Size)

	_, err := os.Lstat(zfs.dataDir + "/legacy.txt")
	assert.True(t, os.IsNotExist(err), "plain source must be removed after promotion")
	_, err = os.Lstat(zfs.dataDir + "/legacy.txt.zst")
	assert.NoError(t, err)
}
