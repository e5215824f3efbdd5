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

// Package commit implements the atomic compressed-file commit protocol.
// It turns a working file's current bytes into the visible `<name>.zst`
// object without ever leaving the on-disk object in a torn state, and
// carries the object's MI across the host-inode churn an atomic rename
// causes.
package commit

import (
	"fmt"
	"io"
	"os"

	"github.com/bigdigdata/fusezstd/xattrs"
	"github.com/google/renameio/v2"
	"github.com/klauspost/compress/zstd"
)

// Result is what the dispatcher needs after a successful commit.
type Result struct {
	Dest *os.File // reopened handle on the destination, per step 10
	MI   uint64
	Size uint64
}

// Commit compresses working's current bytes into dir/name atomically:
// encode to a temp file in the same directory, stamp it with the
// destination's existing MI (or a freshly minted one), fsync, rename over
// the destination, then write user.real_size on the result.
// level is the zstd compression level (0 = codec default). alloc mints a
// fresh MI if the destination doesn't already carry one.
func Commit(working *os.File, dir, name string, level int, alloc *xattrs.Allocator) (res Result, err error) {
	destPath := dir + "/" + name

	// 1. Durably flush W so measured size is accurate.
	if err = working.Sync(); err != nil {
		return res, fmt.Errorf("commit: sync working file: %w", err)
	}

	// 2. Read W's uncompressed byte length S.
	info, err := working.Stat()
	if err != nil {
		return res, fmt.Errorf("commit: stat working file: %w", err)
	}
	size := uint64(info.Size())

	if _, err = working.Seek(0, io.SeekStart); err != nil {
		return res, fmt.Errorf("commit: seek working file: %w", err)
	}

	// 3. Open a named temporary file inside D using the host's atomic-temp
	// primitive.
	pending, err := renameio.NewPendingFile(destPath, renameio.WithTempDir(dir), renameio.WithPermissions(0o666))
	if err != nil {
		return res, fmt.Errorf("commit: create temp file: %w", err)
	}
	defer pending.Cleanup()

	// 4. Stream-encode the entire content of W into the temp file, with
	// checksum framing enabled.
	encOpts := []zstd.EOption{zstd.WithEncoderCRC(true)}
	if level > 0 {
		encOpts = append(encOpts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	}
	enc, err := zstd.NewWriter(pending.File, encOpts...)
	if err != nil {
		return res, fmt.Errorf("commit: new zstd writer: %w", err)
	}
	if _, err = io.Copy(enc, working); err != nil {
		enc.Close()
		return res, fmt.Errorf("commit: encode: %w", err)
	}
	if err = enc.Close(); err != nil {
		return res, fmt.Errorf("commit: close encoder: %w", err)
	}

	// 5. Determine the target MI: reuse the destination's existing user.ino
	// if present, otherwise allocate a fresh one.
	mi, ok, err := xattrs.ReadMI(destPath)
	if err != nil {
		return res, fmt.Errorf("commit: read existing MI: %w", err)
	}
	if !ok {
		mi, err = alloc.Next()
		if err != nil {
			return res, fmt.Errorf("commit: allocate MI: %w", err)
		}
	}

	// 6. Write user.ino on the temp file; durably flush the temp file.
	if err = xattrs.WriteMIFd(pending.File, mi); err != nil {
		return res, fmt.Errorf("commit: write MI xattr: %w", err)
	}
	if err = pending.File.Sync(); err != nil {
		return res, fmt.Errorf("commit: sync temp file: %w", err)
	}

	// 7. Atomically rename temp -> D/N, replacing any existing destination.
	if err = pending.CloseAtomicallyReplace(); err != nil {
		return res, fmt.Errorf("commit: atomic rename: %w", err)
	}

	// 8. Set user.real_size on the destination to S.
	if err = xattrs.WriteRealSize(destPath, size); err != nil {
		return res, fmt.Errorf("commit: write real_size xattr: %w", err)
	}

	// 9/10. Durably flush the destination and return its handle and MI.
	dest, err := os.Open(destPath)
	if err != nil {
		return res, fmt.Errorf("commit: reopen destination: %w", err)
	}
	if err = dest.Sync(); err != nil {
		dest.Close()
		return res, fmt.Errorf("commit: sync destination: %w", err)
	}

	return Result{Dest: dest, MI: mi, Size: size}, nil
}
