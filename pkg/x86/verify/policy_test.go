// Copyright 2024 The gVisor Authors.
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

package verify

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

const testPolicy = `
callable = ["host_print", "missing"]
callable_addrs = [0x2000]
allow_gs = false
max_functions = 4
`

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy(testPolicy)
	if err != nil {
		t.Fatalf("ParsePolicy failed: %v", err)
	}
	want := &Policy{
		Callable:      []string{"host_print", "missing"},
		CallableAddrs: []uint64{0x2000},
		AllowGS:       false,
		MaxFunctions:  4,
	}
	if diff := cmp.Diff(want, p, cmpopts.IgnoreUnexported(Policy{})); diff != "" {
		t.Errorf("ParsePolicy mismatch (-want +got):\n%s", diff)
	}

	p.Resolve(map[string]uint64{"host_print": 0x3000, "other": 0x4000})
	for _, tc := range []struct {
		addr uint64
		want bool
	}{
		{0x2000, true},
		{0x3000, true},
		{0x4000, false},
		{0, false},
	} {
		if got := p.IsCallable(tc.addr); got != tc.want {
			t.Errorf("IsCallable(%#x) = %t, want %t", tc.addr, got, tc.want)
		}
	}
}

func TestParsePolicyDefaults(t *testing.T) {
	p, err := ParsePolicy("")
	if err != nil {
		t.Fatalf("ParsePolicy failed: %v", err)
	}
	if !p.AllowGS {
		t.Errorf("AllowGS = false, want the default true")
	}
}

func TestParsePolicyUnknownKey(t *testing.T) {
	if _, err := ParsePolicy("allow_fs = true\n"); err == nil {
		t.Errorf("ParsePolicy succeeded with an unknown key")
	}
}

func TestLoadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.toml")
	if err := os.WriteFile(path, []byte(testPolicy), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	p, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy failed: %v", err)
	}
	if p.MaxFunctions != 4 {
		t.Errorf("MaxFunctions = %d, want 4", p.MaxFunctions)
	}
	if _, err := LoadPolicy(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Errorf("LoadPolicy of a missing file succeeded")
	}
}
