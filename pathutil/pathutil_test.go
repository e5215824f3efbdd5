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

package pathutil

import "testing"

func TestJoin(t *testing.T) {
	cases := []struct {
		dir, name, want string
	}{
		{"a/b", "c", "a/b/c"},
		{"", "c", "c"},
		{"a/b", "", "a/b"},
	}

	for _, c := range cases {
		got, err := Join(c.dir, c.name)
		if err != nil {
			t.Fatalf("Join(%q, %q): unexpected error: %v", c.dir, c.name, err)
		}
		if got != c.want {
			t.Errorf("Join(%q, %q) = %q, want %q", c.dir, c.name, got, c.want)
		}
	}
}

func TestJoinBothEmptyFails(t *testing.T) {
	if _, err := Join("", ""); err == nil {
		t.Errorf("Join(\"\", \"\"): expected error, got nil")
	}
}
