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

package cfg

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds every value the CLI surface accepts, bound from flags and
// their FUSE_ZSTD_-prefixed environment equivalents.
type Config struct {
	MountPoint string `mapstructure:"mount-point"`

	DataDir string `mapstructure:"data-dir"`

	// 0-19; 0 means "codec default".
	CompressionLevel int `mapstructure:"compression-level"`

	Convert bool `mapstructure:"convert"`

	// Repeat count of -v; translated to a log severity by the logger package.
	Verbosity int `mapstructure:"verbosity"`

	CrashLog string `mapstructure:"crash-log"`
}

// BindFlags registers the CLI surface on flagSet and binds each flag to its
// viper key.
func BindFlags(flagSet *pflag.FlagSet) error {
	flagSet.StringP("mount-point", "", "", "Directory at which to mount the filesystem.")
	if err := viper.BindPFlag("mount-point", flagSet.Lookup("mount-point")); err != nil {
		return err
	}

	flagSet.StringP("data-dir", "", "", "Backing directory holding compressed objects.")
	if err := viper.BindPFlag("data-dir", flagSet.Lookup("data-dir")); err != nil {
		return err
	}

	flagSet.IntP("compression-level", "", 0, "Zstandard compression level, 0-19 (0 = codec default).")
	if err := viper.BindPFlag("compression-level", flagSet.Lookup("compression-level")); err != nil {
		return err
	}

	flagSet.BoolP("convert", "", false, "Migrate pre-existing unsuffixed files into .zst form on access.")
	if err := viper.BindPFlag("convert", flagSet.Lookup("convert")); err != nil {
		return err
	}

	flagSet.CountP("v", "v", "Increase logging verbosity; may be repeated.")
	if err := viper.BindPFlag("verbosity", flagSet.Lookup("v")); err != nil {
		return err
	}

	flagSet.StringP("crash-log", "", "", "Optional file to receive recovered panic output.")
	if err := viper.BindPFlag("crash-log", flagSet.Lookup("crash-log")); err != nil {
		return err
	}

	return nil
}
