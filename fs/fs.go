// Copyright 2015 Google Inc. All Rights Reserved.
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

// Package fs implements the filesystem operation dispatcher. It wires the
// path builder (pathutil), the inode cache
// (inodecache), the open-file table (openfiles) and the commit engine
// (commit) together into a github.com/jacobsa/fuse/fuseutil.FileSystem.
//
// The dispatcher runs every operation under a single mutex, matching the
// single-threaded cooperative scheduling model this design requires: a
// kernel request runs to completion before the next is observed, and no
// operation suspends waiting on another.
package fs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bigdigdata/fusezstd/clock"
	"github.com/bigdigdata/fusezstd/commit"
	"github.com/bigdigdata/fusezstd/inodecache"
	"github.com/bigdigdata/fusezstd/logger"
	"github.com/bigdigdata/fusezstd/openfiles"
	"github.com/bigdigdata/fusezstd/pathutil"
	"github.com/bigdigdata/fusezstd/xattrs"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sys/unix"
)

const zstSuffix = ".zst"

// entryTTL is the dentry lifetime advertised to the kernel, used to stamp
// ChildInodeEntry.*Expiration.
const entryTTL = 1 * time.Second

// ServerConfig configures the dispatcher.
type ServerConfig struct {
	// Clock is used to stamp cache/entry expirations.
	Clock clock.Clock

	// DataDir is the host directory backing the mount.
	DataDir string

	// CacheDirName is the reserved scratch subdirectory, hidden from
	// lookup/readdir and undeletable through the mount.
	CacheDirName string

	// CompressionLevel is the zstd level (0 = codec default, 1-19 explicit).
	CompressionLevel int

	// Convert widens lookup/readdir/unlink to handle pre-existing unsuffixed
	// files.
	Convert bool

	// Uid/Gid are reported as the owner of every inode; the mount overrides
	// permission bits uniformly rather than enforcing host ownership.
	Uid uint32
	Gid uint32

	// CacheCapacity and CacheTTL bound the inode cache.
	CacheCapacity int
	CacheTTL      time.Duration
}

// dirHandle is the state behind an OpenDirOp handle: the absolute path to
// list, snapshotted at open time.
type dirHandle struct {
	path string
}

type fileSystem struct {
	fuseutil.NotImplementedFileSystem

	dataDir      string
	cacheDirName string
	convert      bool
	level        int
	uid          uint32
	gid          uint32

	clock   clock.Clock
	alloc   *xattrs.Allocator
	cache   *inodecache.Cache
	handles *openfiles.Table

	// mu serializes every operation: a kernel request runs to completion
	// before the next is observed. Neither the cache nor the open-file table
	// does its own locking; this is the only synchronization in the
	// dispatcher.
	mu sync.Mutex

	nextHandleID fuseops.HandleID
	dirHandles   map[fuseops.HandleID]*dirHandle
}

// NewServer builds a fuse.Server implementing fuse-zstd's filesystem
// semantics over cfg.DataDir.
func NewServer(cfg *ServerConfig) (fuse.Server, error) {
	if cfg.DataDir == "" {
		return nil, errors.New("fs: DataDir must be set")
	}

	cacheDirName := cfg.CacheDirName
	if cacheDirName == "" {
		cacheDirName = ".fuse-zstd-inode_cache"
	}

	if err := os.MkdirAll(filepath.Join(cfg.DataDir, cacheDirName), 0o777); err != nil {
		return nil, fmt.Errorf("fs: create cache dir: %w", err)
	}

	alloc, err := xattrs.NewAllocator(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("fs: new MI allocator: %w", err)
	}

	cacheCapacity := cfg.CacheCapacity
	if cacheCapacity == 0 {
		cacheCapacity = inodecache.DefaultCapacity
	}
	cacheTTL := cfg.CacheTTL
	if cacheTTL == 0 {
		cacheTTL = inodecache.DefaultTTL
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}

	zfs := &fileSystem{
		dataDir:      filepath.Clean(cfg.DataDir),
		cacheDirName: cacheDirName,
		convert:      cfg.Convert,
		level:        cfg.CompressionLevel,
		uid:          cfg.Uid,
		gid:          cfg.Gid,
		clock:        clk,
		alloc:        alloc,
		cache:        inodecache.New(clk, cacheCapacity, cacheTTL),
		handles:      openfiles.New(),
		nextHandleID: 1,
		dirHandles:   make(map[fuseops.HandleID]*dirHandle),
	}

	return fuseutil.NewFileSystemServer(zfs), nil
}

func (zfs *fileSystem) cacheDir() string {
	return filepath.Join(zfs.dataDir, zfs.cacheDirName)
}

// errToFuseErr maps a host error to the errno the kernel expects. Errors
// that already carry a syscall.Errno (as *os.PathError usually
// does) pass through unchanged; other not-exist errors become ENOENT and
// everything else becomes EIO.
func errToFuseErr(err error) error {
	if err == nil {
		return nil
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	if os.IsNotExist(err) {
		return fuse.ENOENT
	}
	return fuse.EIO
}

// resolvePath finds the absolute path bound to mi: the root is a fixed
// special case, otherwise the cache is consulted, and on a miss the
// open-file table is scanned as the documented fallback.
func (zfs *fileSystem) resolvePath(mi uint64) (string, bool) {
	if mi == uint64(fuseops.RootInodeID) {
		return zfs.dataDir, true
	}

	if path, ok := zfs.cache.Get(mi); ok {
		return path, true
	}

	for _, fh := range zfs.handles.GetFHs(mi) {
		h, ok := zfs.handles.Get(fh)
		if ok && h.Refs.Live {
			zfs.cache.Set(mi, h.Refs.Path)
			return h.Refs.Path, true
		}
	}

	return "", false
}

func (zfs *fileSystem) mintMI(path string) (uint64, error) {
	mi, err := zfs.alloc.Next()
	if err != nil {
		return 0, err
	}
	if err := xattrs.WriteMI(path, mi); err != nil {
		return 0, err
	}
	return mi, nil
}

// readOrMintMI reuses an existing user.ino on path, or mints and persists a
// fresh one.
func (zfs *fileSystem) readOrMintMI(path string) (uint64, error) {
	mi, ok, err := xattrs.ReadMI(path)
	if err != nil {
		return 0, err
	}
	if ok {
		return mi, nil
	}
	return zfs.mintMI(path)
}

func (zfs *fileSystem) dirAttributes(info os.FileInfo) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Nlink: 1,
		Mode:  os.ModeDir | 0o777,
		Atime: info.ModTime(),
		Mtime: info.ModTime(),
		Ctime: info.ModTime(),
		Uid:   zfs.uid,
		Gid:   zfs.gid,
	}
}

func (zfs *fileSystem) fileAttributes(info os.FileInfo, size uint64) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Size:  size,
		Nlink: 1,
		Mode:  0o666,
		Atime: info.ModTime(),
		Mtime: info.ModTime(),
		Ctime: info.ModTime(),
		Uid:   zfs.uid,
		Gid:   zfs.gid,
	}
}

// fileSize reports the live size of mi: the length of an open working file
// if one exists, so getattr reflects in-progress writes, otherwise
// user.real_size (or zero if absent).
func (zfs *fileSystem) fileSize(mi uint64, path string) (uint64, error) {
	if fhs := zfs.handles.GetFHs(mi); len(fhs) > 0 {
		if h, ok := zfs.handles.Get(fhs[0]); ok {
			info, err := h.Working.Stat()
			if err != nil {
				return 0, err
			}
			return uint64(info.Size()), nil
		}
	}
	return xattrs.ReadRealSize(path)
}

func childEntry(zfs *fileSystem, mi uint64, attrs fuseops.InodeAttributes) fuseops.ChildInodeEntry {
	expiry := zfs.clock.Now().Add(entryTTL)
	return fuseops.ChildInodeEntry{
		Child:                fuseops.InodeID(mi),
		Attributes:           attrs,
		AttributesExpiration: expiry,
		EntryExpiration:      expiry,
	}
}

func (zfs *fileSystem) statDir(path string) (fuseops.ChildInodeEntry, error) {
	mi, err := zfs.readOrMintMI(path)
	if err != nil {
		return fuseops.ChildInodeEntry{}, err
	}
	info, err := os.Lstat(path)
	if err != nil {
		return fuseops.ChildInodeEntry{}, err
	}

	zfs.cache.Set(mi, path)
	return childEntry(zfs, mi, zfs.dirAttributes(info)), nil
}

func (zfs *fileSystem) statFile(path string, info os.FileInfo) (fuseops.ChildInodeEntry, error) {
	mi, err := zfs.readOrMintMI(path)
	if err != nil {
		return fuseops.ChildInodeEntry{}, err
	}
	size, err := zfs.fileSize(mi, path)
	if err != nil {
		return fuseops.ChildInodeEntry{}, err
	}

	zfs.cache.Set(mi, path)
	return childEntry(zfs, mi, zfs.fileAttributes(info, size)), nil
}

// convertPlainFile promotes a pre-existing unsuffixed file into a .zst
// object.
func (zfs *fileSystem) convertPlainFile(parentPath, name, plainPath string) (fuseops.ChildInodeEntry, error) {
	working, err := os.Open(plainPath)
	if err != nil {
		return fuseops.ChildInodeEntry{}, err
	}
	defer working.Close()

	res, err := commit.Commit(working, parentPath, name+zstSuffix, zfs.level, zfs.alloc)
	if err != nil {
		return fuseops.ChildInodeEntry{}, err
	}
	defer res.Dest.Close()

	if err := os.Remove(plainPath); err != nil {
		logger.Warnf("fs: convert mode: remove source %s after commit: %v", plainPath, err)
	}

	destPath, err := pathutil.Join(parentPath, name+zstSuffix)
	if err != nil {
		return fuseops.ChildInodeEntry{}, err
	}
	zfs.cache.Set(res.MI, destPath)

	info, err := res.Dest.Stat()
	if err != nil {
		return fuseops.ChildInodeEntry{}, err
	}

	return childEntry(zfs, res.MI, zfs.fileAttributes(info, res.Size)), nil
}

// lookup tries a directory named name, then a compressed file
// name+".zst", then (in convert mode) a bare file name.
func (zfs *fileSystem) lookup(parentPath, name string) (fuseops.ChildInodeEntry, error) {
	dirPath, err := pathutil.Join(parentPath, name)
	if err != nil {
		return fuseops.ChildInodeEntry{}, err
	}
	if info, statErr := os.Lstat(dirPath); statErr == nil && info.IsDir() {
		return zfs.statDir(dirPath)
	}

	zstPath, err := pathutil.Join(parentPath, name+zstSuffix)
	if err != nil {
		return fuseops.ChildInodeEntry{}, err
	}
	if info, statErr := os.Lstat(zstPath); statErr == nil && !info.IsDir() {
		return zfs.statFile(zstPath, info)
	}

	if zfs.convert && !strings.HasSuffix(name, zstSuffix) {
		plainPath, perr := pathutil.Join(parentPath, name)
		if perr != nil {
			return fuseops.ChildInodeEntry{}, perr
		}
		if info, statErr := os.Lstat(plainPath); statErr == nil && !info.IsDir() {
			return zfs.convertPlainFile(parentPath, name, plainPath)
		}
	}

	return fuseops.ChildInodeEntry{}, fuse.ENOENT
}

////////////////////////////////////////////////////////////////////////
// Inodes
////////////////////////////////////////////////////////////////////////

func (zfs *fileSystem) Init(op *fuseops.InitOp) error {
	return nil
}

func (zfs *fileSystem) LookUpInode(op *fuseops.LookUpInodeOp) error {
	zfs.mu.Lock()
	defer zfs.mu.Unlock()

	parentPath, ok := zfs.resolvePath(uint64(op.Parent))
	if !ok {
		return fuse.ENOENT
	}

	entry, err := zfs.lookup(parentPath, op.Name)
	if err != nil {
		return errToFuseErr(err)
	}

	op.Entry = entry
	return nil
}

func (zfs *fileSystem) GetInodeAttributes(op *fuseops.GetInodeAttributesOp) error {
	zfs.mu.Lock()
	defer zfs.mu.Unlock()

	mi := uint64(op.Inode)
	path, ok := zfs.resolvePath(mi)
	if !ok {
		return fuse.ENOENT
	}

	info, err := os.Lstat(path)
	if err != nil {
		return errToFuseErr(err)
	}

	op.AttributesExpiration = zfs.clock.Now().Add(entryTTL)

	if info.IsDir() {
		op.Attributes = zfs.dirAttributes(info)
		return nil
	}

	size, err := zfs.fileSize(mi, path)
	if err != nil {
		return errToFuseErr(err)
	}
	op.Attributes = zfs.fileAttributes(info, size)
	return nil
}

// SetInodeAttributes honors only size changes. When FHs are open on mi,
// every one of their working files is
// truncated so all sharers observe the new length. When none is open, the
// object is truncated by an ephemeral decode-truncate-commit cycle so
// getattr still reflects the change.
func (zfs *fileSystem) SetInodeAttributes(op *fuseops.SetInodeAttributesOp) error {
	zfs.mu.Lock()
	defer zfs.mu.Unlock()

	mi := uint64(op.Inode)
	path, ok := zfs.resolvePath(mi)
	if !ok {
		return fuse.ENOENT
	}

	if op.Size != nil {
		newSize := int64(*op.Size)
		fhs := zfs.handles.GetFHs(mi)

		if len(fhs) == 0 {
			if err := zfs.truncateUnopened(path, newSize); err != nil {
				return errToFuseErr(err)
			}
		} else {
			for _, fh := range fhs {
				h, ok := zfs.handles.Get(fh)
				if !ok {
					continue
				}
				if err := h.Working.Truncate(newSize); err != nil {
					return errToFuseErr(err)
				}
				h.Dirty = true
			}
		}
	}

	info, err := os.Lstat(path)
	if err != nil {
		return errToFuseErr(err)
	}
	op.AttributesExpiration = zfs.clock.Now().Add(entryTTL)
	if info.IsDir() {
		op.Attributes = zfs.dirAttributes(info)
		return nil
	}
	size, err := zfs.fileSize(mi, path)
	if err != nil {
		return errToFuseErr(err)
	}
	op.Attributes = zfs.fileAttributes(info, size)
	return nil
}

// truncateUnopened handles setattr(size) against a file with no open FH: a
// decode/truncate/commit cycle with no handle left behind.
func (zfs *fileSystem) truncateUnopened(path string, newSize int64) error {
	working, _, err := zfs.decodeToWorking(path)
	if err != nil {
		return err
	}
	defer working.Close()

	if err := working.Truncate(newSize); err != nil {
		return err
	}
	if _, err := working.Seek(0, io.SeekStart); err != nil {
		return err
	}

	dir, name := filepath.Split(path)
	res, err := commit.Commit(working, filepath.Clean(dir), name, zfs.level, zfs.alloc)
	if err != nil {
		return err
	}
	defer res.Dest.Close()

	zfs.cache.Set(res.MI, path)
	return nil
}

func (zfs *fileSystem) ForgetInode(op *fuseops.ForgetInodeOp) error {
	return nil
}

////////////////////////////////////////////////////////////////////////
// Inode creation
////////////////////////////////////////////////////////////////////////

func (zfs *fileSystem) MkDir(op *fuseops.MkDirOp) error {
	zfs.mu.Lock()
	defer zfs.mu.Unlock()

	parentPath, ok := zfs.resolvePath(uint64(op.Parent))
	if !ok {
		return fuse.ENOENT
	}

	childPath, err := pathutil.Join(parentPath, op.Name)
	if err != nil {
		return errToFuseErr(err)
	}

	if err := os.Mkdir(childPath, 0o777); err != nil {
		return errToFuseErr(err)
	}

	entry, err := zfs.statDir(childPath)
	if err != nil {
		return errToFuseErr(err)
	}
	op.Entry = entry
	return nil
}

// CreateFile commits an empty working file immediately to materialize the
// .zst object (allocating its MI
// and writing real_size=0), then a fresh FH is bound to it.
func (zfs *fileSystem) CreateFile(op *fuseops.CreateFileOp) error {
	zfs.mu.Lock()
	defer zfs.mu.Unlock()

	parentPath, ok := zfs.resolvePath(uint64(op.Parent))
	if !ok {
		return fuse.ENOENT
	}

	working, err := os.CreateTemp(zfs.cacheDir(), "create-")
	if err != nil {
		return errToFuseErr(err)
	}
	os.Remove(working.Name())

	res, err := commit.Commit(working, parentPath, op.Name+zstSuffix, zfs.level, zfs.alloc)
	if err != nil {
		working.Close()
		return errToFuseErr(err)
	}
	res.Dest.Close()

	destPath, err := pathutil.Join(parentPath, op.Name+zstSuffix)
	if err != nil {
		working.Close()
		return errToFuseErr(err)
	}
	zfs.cache.Set(res.MI, destPath)

	fh, err := zfs.handles.Insert(res.MI, uint32(op.Flags), working, destPath)
	if err != nil {
		working.Close()
		return errToFuseErr(err)
	}

	info, err := os.Lstat(destPath)
	if err != nil {
		return errToFuseErr(err)
	}

	op.Entry = childEntry(zfs, res.MI, zfs.fileAttributes(info, res.Size))
	op.Handle = fuseops.HandleID(fh)
	return nil
}

////////////////////////////////////////////////////////////////////////
// Unlinking
////////////////////////////////////////////////////////////////////////

func (zfs *fileSystem) RmDir(op *fuseops.RmDirOp) error {
	zfs.mu.Lock()
	defer zfs.mu.Unlock()

	parentPath, ok := zfs.resolvePath(uint64(op.Parent))
	if !ok {
		return fuse.ENOENT
	}

	// The reserved cache subdirectory may never be removed through the
	// mount.
	if parentPath == zfs.dataDir && op.Name == zfs.cacheDirName {
		return fuse.ENOENT
	}

	childPath, err := pathutil.Join(parentPath, op.Name)
	if err != nil {
		return errToFuseErr(err)
	}

	mi, hadMI, _ := xattrs.ReadMI(childPath)

	if err := os.Remove(childPath); err != nil {
		return errToFuseErr(err)
	}

	if hadMI {
		zfs.cache.Del(mi)
	}
	return nil
}

// Unlink tries <name>.zst first, and only on ENOENT (in convert mode)
// falls back to the unsuffixed name.
func (zfs *fileSystem) Unlink(op *fuseops.UnlinkOp) error {
	zfs.mu.Lock()
	defer zfs.mu.Unlock()

	parentPath, ok := zfs.resolvePath(uint64(op.Parent))
	if !ok {
		return fuse.ENOENT
	}

	targetPath, err := pathutil.Join(parentPath, op.Name+zstSuffix)
	if err != nil {
		return errToFuseErr(err)
	}

	mi, hadMI, _ := xattrs.ReadMI(targetPath)
	removeErr := os.Remove(targetPath)

	if zfs.convert && os.IsNotExist(removeErr) {
		plainPath, perr := pathutil.Join(parentPath, op.Name)
		if perr != nil {
			return errToFuseErr(perr)
		}
		mi, hadMI, _ = xattrs.ReadMI(plainPath)
		removeErr = os.Remove(plainPath)
	}

	if removeErr != nil {
		return errToFuseErr(removeErr)
	}

	if hadMI {
		zfs.cache.Del(mi)
		zfs.handles.Unlink(mi)
	}
	return nil
}

// Rename preserves the source MI and mutates the cache binding to the new
// path, the one place that updates a binding in place rather than minting
// a fresh one.
func (zfs *fileSystem) Rename(op *fuseops.RenameOp) error {
	zfs.mu.Lock()
	defer zfs.mu.Unlock()

	oldParent, ok := zfs.resolvePath(uint64(op.OldParent))
	if !ok {
		return fuse.ENOENT
	}
	newParent, ok := zfs.resolvePath(uint64(op.NewParent))
	if !ok {
		return fuse.ENOENT
	}

	entry, err := zfs.lookup(oldParent, op.OldName)
	if err != nil {
		return errToFuseErr(err)
	}
	mi := uint64(entry.Child)
	isDir := entry.Attributes.Mode.IsDir()

	oldName, newName := op.OldName, op.NewName
	if !isDir {
		oldName += zstSuffix
		newName += zstSuffix
	}

	oldPath, err := pathutil.Join(oldParent, oldName)
	if err != nil {
		return errToFuseErr(err)
	}
	newPath, err := pathutil.Join(newParent, newName)
	if err != nil {
		return errToFuseErr(err)
	}

	if destMI, ok, _ := xattrs.ReadMI(newPath); ok {
		zfs.cache.Del(destMI)
		zfs.handles.Unlink(destMI)
	}

	if err := os.Rename(oldPath, newPath); err != nil {
		return errToFuseErr(err)
	}

	zfs.cache.Set(mi, newPath)
	return nil
}

////////////////////////////////////////////////////////////////////////
// Directory handles
////////////////////////////////////////////////////////////////////////

func (zfs *fileSystem) OpenDir(op *fuseops.OpenDirOp) error {
	zfs.mu.Lock()
	defer zfs.mu.Unlock()

	path, ok := zfs.resolvePath(uint64(op.Inode))
	if !ok {
		return fuse.ENOENT
	}

	id := zfs.nextHandleID
	zfs.nextHandleID++
	zfs.dirHandles[id] = &dirHandle{path: path}
	op.Handle = id
	return nil
}

// ReadDir passes directories through unchanged, presents "<name>.zst"
// files with the suffix stripped, hides unsuffixed files unless convert
// mode is on, and skips the reserved cache directory at the root.
func (zfs *fileSystem) ReadDir(op *fuseops.ReadDirOp) error {
	zfs.mu.Lock()
	defer zfs.mu.Unlock()

	dh, ok := zfs.dirHandles[op.Handle]
	if !ok {
		return fuse.ENOENT
	}

	entries, err := os.ReadDir(dh.path)
	if err != nil {
		return errToFuseErr(err)
	}

	isRoot := dh.path == zfs.dataDir
	idx := int(op.Offset)
	tmp := make([]byte, 512)

	for idx < len(entries) {
		de := entries[idx]
		name := de.Name()

		if isRoot && name == zfs.cacheDirName {
			idx++
			continue
		}

		var visibleName string
		var dtype fuseutil.DirentType
		childPath := filepath.Join(dh.path, name)

		switch {
		case de.IsDir():
			visibleName, dtype = name, fuseutil.DT_Directory
		case strings.HasSuffix(name, zstSuffix):
			visibleName, dtype = strings.TrimSuffix(name, zstSuffix), fuseutil.DT_File
		case zfs.convert:
			visibleName, dtype = name, fuseutil.DT_File
		default:
			idx++
			continue
		}

		mi, err := zfs.readOrMintMI(childPath)
		if err != nil {
			idx++
			continue
		}
		zfs.cache.Set(mi, childPath)

		dirent := fuseutil.Dirent{
			Offset: fuseops.DirOffset(idx + 1),
			Inode:  fuseops.InodeID(mi),
			Name:   visibleName,
			Type:   dtype,
		}

		if len(op.Data) >= op.Size {
			break
		}
		n := fuseutil.WriteDirent(tmp, dirent)
		if n == 0 || len(op.Data)+n > op.Size {
			break
		}
		op.Data = append(op.Data, tmp[:n]...)
		idx++
	}

	return nil
}

func (zfs *fileSystem) ReleaseDirHandle(op *fuseops.ReleaseDirHandleOp) error {
	zfs.mu.Lock()
	defer zfs.mu.Unlock()

	delete(zfs.dirHandles, op.Handle)
	return nil
}

////////////////////////////////////////////////////////////////////////
// File handles
////////////////////////////////////////////////////////////////////////

// decodeToWorking streams the compressed source into a fresh unnamed
// working file, refreshes user.real_size on the source from the measured
// length, and durably flushes the source.
func (zfs *fileSystem) decodeToWorking(srcPath string) (working *os.File, size uint64, err error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return nil, 0, err
	}
	defer src.Close()

	working, err = os.CreateTemp(zfs.cacheDir(), "open-")
	if err != nil {
		return nil, 0, err
	}
	os.Remove(working.Name())

	dec, err := zstd.NewReader(src)
	if err != nil {
		working.Close()
		return nil, 0, fuse.EFAULT
	}
	defer dec.Close()

	n, err := io.Copy(working, dec)
	if err != nil {
		working.Close()
		return nil, 0, fuse.EFAULT
	}

	if _, err := working.Seek(0, io.SeekStart); err != nil {
		working.Close()
		return nil, 0, err
	}

	size = uint64(n)
	if err := xattrs.WriteRealSize(srcPath, size); err != nil {
		working.Close()
		return nil, 0, err
	}
	if err := src.Sync(); err != nil {
		working.Close()
		return nil, 0, err
	}

	return working, size, nil
}

func (zfs *fileSystem) OpenFile(op *fuseops.OpenFileOp) error {
	zfs.mu.Lock()
	defer zfs.mu.Unlock()

	mi := uint64(op.Inode)

	if fh, ok, err := zfs.handles.Duplicate(mi, uint32(op.Flags)); err != nil {
		return errToFuseErr(err)
	} else if ok {
		op.Handle = fuseops.HandleID(fh)
		return nil
	}

	path, ok := zfs.resolvePath(mi)
	if !ok {
		return fuse.ENOENT
	}

	working, _, err := zfs.decodeToWorking(path)
	if err != nil {
		return errToFuseErr(err)
	}

	fh, err := zfs.handles.Insert(mi, uint32(op.Flags), working, path)
	if err != nil {
		working.Close()
		if errors.Is(err, openfiles.ErrHandleSpaceExhausted) {
			return fuse.EBUSY
		}
		return errToFuseErr(err)
	}

	op.Handle = fuseops.HandleID(fh)
	return nil
}

func (zfs *fileSystem) ReadFile(op *fuseops.ReadFileOp) error {
	zfs.mu.Lock()
	defer zfs.mu.Unlock()

	h, ok := zfs.handles.Get(uint64(op.Handle))
	if !ok {
		return fuse.ENOENT
	}
	if h.Refs.Live {
		zfs.cache.Set(h.Refs.MI, h.Refs.Path)
	}

	buf := make([]byte, op.Size)
	n, err := h.Working.ReadAt(buf, op.Offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return errToFuseErr(err)
	}
	op.Data = buf[:n]
	return nil
}

// WriteFile sends append-mode FHs to end-of-file regardless of the
// kernel-supplied offset.
func (zfs *fileSystem) WriteFile(op *fuseops.WriteFileOp) error {
	zfs.mu.Lock()
	defer zfs.mu.Unlock()

	h, ok := zfs.handles.Get(uint64(op.Handle))
	if !ok {
		return fuse.EBADF
	}
	if h.Refs.Live {
		zfs.cache.Set(h.Refs.MI, h.Refs.Path)
	}

	offset := op.Offset
	if h.Flags&uint32(unix.O_APPEND) != 0 {
		info, err := h.Working.Stat()
		if err != nil {
			return errToFuseErr(err)
		}
		offset = info.Size()
	}

	if _, err := h.Working.WriteAt(op.Data, offset); err != nil {
		return errToFuseErr(err)
	}
	h.Dirty = true
	return nil
}

// commitHandle runs the commit engine against h's working file, skipping
// silently if h was unlink-marked.
func (zfs *fileSystem) commitHandle(h *openfiles.Handle) error {
	if !h.Refs.Live {
		return nil
	}

	dir, name := filepath.Split(h.Refs.Path)
	res, err := commit.Commit(h.Working, filepath.Clean(dir), name, zfs.level, zfs.alloc)
	if err != nil {
		return err
	}
	res.Dest.Close()

	zfs.cache.Set(res.MI, h.Refs.Path)
	h.Dirty = false
	return nil
}

func (zfs *fileSystem) SyncFile(op *fuseops.SyncFileOp) error {
	zfs.mu.Lock()
	defer zfs.mu.Unlock()

	h, ok := zfs.handles.Get(uint64(op.Handle))
	if !ok {
		return fuse.ENOENT
	}

	// fsync commits unconditionally, dirty or not.
	if err := zfs.commitHandle(h); err != nil {
		return errToFuseErr(err)
	}
	return nil
}

func (zfs *fileSystem) FlushFile(op *fuseops.FlushFileOp) error {
	zfs.mu.Lock()
	defer zfs.mu.Unlock()

	h, ok := zfs.handles.Get(uint64(op.Handle))
	if !ok {
		return fuse.ENOENT
	}
	if !h.Dirty {
		return nil
	}

	if err := zfs.commitHandle(h); err != nil {
		return errToFuseErr(err)
	}
	return nil
}

// ReleaseFileHandle treats an already-released FH as a no-op, not an error
// (the kernel may race with an explicit close).
func (zfs *fileSystem) ReleaseFileHandle(op *fuseops.ReleaseFileHandleOp) error {
	zfs.mu.Lock()
	defer zfs.mu.Unlock()

	h, ok := zfs.handles.Close(uint64(op.Handle))
	if !ok {
		return nil
	}
	defer h.Working.Close()

	if !h.Dirty {
		return nil
	}

	if err := zfs.commitHandle(h); err != nil {
		return errToFuseErr(err)
	}
	return nil
}
