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

// Package xattrs wraps the three extended attributes fuse-zstd persists on
// the data directory: user.ino (the mount inode), user.real_size (the
// decompressed size), and user.ino_idx (the next-MI-to-allocate counter).
package xattrs

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/pkg/xattr"
)

const (
	Ino      = "user.ino"
	RealSize = "user.real_size"
	InoIdx   = "user.ino_idx"
)

// FuseRootID is the kernel's reserved root inode number; MIs are minted
// above it, descending from MaxMI.
const FuseRootID uint64 = 1

// MaxMI is the starting point for the monotonically-decreasing MI counter.
const MaxMI uint64 = ^uint64(0)

func encode(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func decode(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("xattrs: expected 8-byte value, got %d bytes", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// ReadMI reads user.ino from path. ok is false if the attribute is absent.
func ReadMI(path string) (mi uint64, ok bool, err error) {
	b, err := xattr.Get(path, Ino)
	if err != nil {
		if isNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	v, err := decode(b)
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

// WriteMI persists mi as user.ino on path.
func WriteMI(path string, mi uint64) error {
	return xattr.Set(path, Ino, encode(mi))
}

// ReadMIFd / WriteMIFd operate via an already-open *os.File, used by the
// commit engine on its temp file before the destination path exists.
func ReadMIFd(f *os.File) (mi uint64, ok bool, err error) {
	b, err := xattr.FGet(f, Ino)
	if err != nil {
		if isNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	v, err := decode(b)
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

func WriteMIFd(f *os.File, mi uint64) error {
	return xattr.FSet(f, Ino, encode(mi))
}

// ReadRealSize reads user.real_size from path, returning 0 when the
// attribute is absent.
func ReadRealSize(path string) (size uint64, err error) {
	b, err := xattr.Get(path, RealSize)
	if err != nil {
		if isNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return decode(b)
}

func WriteRealSize(path string, size uint64) error {
	return xattr.Set(path, RealSize, encode(size))
}

func WriteRealSizeFd(f *os.File, size uint64) error {
	return xattr.FSet(f, RealSize, encode(size))
}

// ReadInoIdx / WriteInoIdx persist the MI allocation counter on the
// data-directory root so MIs survive restart.
func ReadInoIdx(rootPath string) (next uint64, ok bool, err error) {
	b, err := xattr.Get(rootPath, InoIdx)
	if err != nil {
		if isNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	v, err := decode(b)
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

func WriteInoIdx(rootPath string, next uint64) error {
	return xattr.Set(rootPath, InoIdx, encode(next))
}

func isNotExist(err error) bool {
	if xerr, ok := err.(*xattr.Error); ok {
		return os.IsNotExist(xerr.Err) || xerr.Err.Error() == "no data available" || xerr.Err.Error() == "attribute not found"
	}
	return false
}
