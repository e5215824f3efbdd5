// Copyright 2024 Google LLC
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

package cmd

import (
	"context"
	"fmt"

	"github.com/bigdigdata/fusezstd/cfg"
	zfs "github.com/bigdigdata/fusezstd/fs"
	"github.com/bigdigdata/fusezstd/logger"
	"github.com/jacobsa/fuse"
	"golang.org/x/sys/unix"
)

// mount builds the dispatcher, mounts it at newConfig.MountPoint, and blocks
// until it is unmounted.
func mount(ctx context.Context, newConfig *cfg.Config) error {
	logger.Infof("creating dispatcher over data dir %q", newConfig.DataDir)

	server, err := zfs.NewServer(&zfs.ServerConfig{
		DataDir:          newConfig.DataDir,
		CacheDirName:     cfg.DefaultCacheDirName,
		CompressionLevel: newConfig.CompressionLevel,
		Convert:          newConfig.Convert,
		Uid:              uint32(unix.Getuid()),
		Gid:              uint32(unix.Getgid()),
	})
	if err != nil {
		return fmt.Errorf("fs.NewServer: %w", err)
	}

	mountCfg := &fuse.MountConfig{
		FSName:     "fuse-zstd",
		Subtype:    "fuse-zstd",
		VolumeName: "fuse-zstd",

		// The dispatcher runs under a single mutex; letting the kernel send
		// overlapping LookUpInode/ReadDir calls would only add contention,
		// not concurrency, so parallel dir ops are left off.
		EnableParallelDirOps: false,
	}

	if newConfig.Verbosity > 0 {
		mountCfg.DebugLogger = logger.NewStdLogger(logger.LevelDebug, "fuse: ")
	}

	logger.Infof("mounting at %q", newConfig.MountPoint)
	mfs, err := fuse.Mount(newConfig.MountPoint, server, mountCfg)
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}

	if err := mfs.Join(ctx); err != nil {
		return fmt.Errorf("mfs.Join: %w", err)
	}

	return nil
}
