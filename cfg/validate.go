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

import "fmt"

// Validate checks the parsed configuration for required paths and a legal
// compression-level range.
func Validate(c *Config) error {
	if c.MountPoint == "" {
		return fmt.Errorf("mount-point is required")
	}

	if c.DataDir == "" {
		return fmt.Errorf("data-dir is required")
	}

	if c.CompressionLevel < 0 || c.CompressionLevel > 19 {
		return fmt.Errorf("compression-level must be between 0 and 19, got %d", c.CompressionLevel)
	}

	return nil
}
