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

package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bigdigdata/fusezstd/cfg"
	"github.com/bigdigdata/fusezstd/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	bindErr      error
	unmarshalErr error
	MountConfig  cfg.Config
)

var rootCmd = &cobra.Command{
	Use:   "fuse-zstd [flags] mount-point",
	Short: "Mount a directory of zstd-compressed files as a FUSE filesystem",
	Long: `fuse-zstd is a FUSE filesystem that stores every regular file as a
zstd-compressed object on the host filesystem while presenting an
uncompressed view of it to applications.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		if unmarshalErr != nil {
			return unmarshalErr
		}

		if len(args) == 1 {
			MountConfig.MountPoint = args[0]
		}

		mountPoint, err := resolvePath(MountConfig.MountPoint)
		if err != nil {
			return fmt.Errorf("resolving mount point: %w", err)
		}
		MountConfig.MountPoint = mountPoint

		dataDir, err := resolvePath(MountConfig.DataDir)
		if err != nil {
			return fmt.Errorf("resolving data dir: %w", err)
		}
		MountConfig.DataDir = dataDir

		if err := cfg.Validate(&MountConfig); err != nil {
			return err
		}

		logger.Init(defaultLogFormat, MountConfig.Verbosity)

		return mount(cmd.Context(), &MountConfig)
	},
}

const defaultLogFormat = "text"

func resolvePath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

// Execute runs the root command, exiting the process with a non-zero status
// on failure.
func Execute() {
	defer recoverToCrashLog()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// recoverToCrashLog appends a recovered panic to --crash-log, if one was
// configured, before re-panicking.
func recoverToCrashLog() {
	r := recover()
	if r == nil {
		return
	}
	if MountConfig.CrashLog != "" {
		fmt.Fprintf(NewCrashWriter(MountConfig.CrashLog), "panic: %v\n", r)
	}
	panic(r)
}

func init() {
	bindErr = cfg.BindFlags(rootCmd.Flags())
	cobra.OnInitialize(func() {
		unmarshalErr = viper.Unmarshal(&MountConfig)
	})
}
