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

// Name of the scratch subdirectory holding the dispatcher's decompressed
// working files. Hidden from readdir/lookup.
const DefaultCacheDirName = ".fuse-zstd-inode_cache"

// Entry/attribute TTL advertised to the kernel.
const EntryTTLSeconds = 1

// GetDefaultConfig returns the configuration used before flags/env are
// parsed.
func GetDefaultConfig() Config {
	return Config{
		CompressionLevel: 0,
		Convert:          false,
		Verbosity:        0,
	}
}
