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

// Package pathutil builds the combined path string the inode cache stores
// for a directory+name pair.
package pathutil

import "fmt"

// Join composes a directory path and a trailing name into the path string
// used everywhere the inode cache stores or retrieves a binding:
//
//   - both non-empty  -> p + "/" + n
//   - p empty, n set  -> n
//   - p set, n empty  -> p
//   - both empty      -> error
func Join(dir, name string) (string, error) {
	switch {
	case dir != "" && name != "":
		return dir + "/" + name, nil
	case dir == "" && name != "":
		return name, nil
	case dir != "" && name == "":
		return dir, nil
	default:
		return "", fmt.Errorf("pathutil: cannot join two empty path segments")
	}
}
