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

package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestGenerate(t *testing.T) {
	var buf bytes.Buffer
	generate(&buf, "ring0")
	out := buf.String()

	if got := strings.Count(out, "JMP isrCommon<>(SB)"); got != numVectors {
		t.Errorf("got %d stubs, want %d", got, numVectors)
	}
	for _, tc := range []struct {
		stub       string
		dummyError bool
	}{
		{"isr0<>", true},
		{"isr2<>", true},
		{"isr8<>", false},
		{"isr14<>", false},
		{"isr255<>", true},
	} {
		i := strings.Index(out, "TEXT "+tc.stub)
		if i < 0 {
			t.Fatalf("stub %s missing", tc.stub)
		}
		body := out[i:]
		body = body[:strings.Index(body, "JMP")]
		if got := strings.Contains(body, "PUSHQ $0\n"); got != tc.dummyError {
			t.Errorf("stub %s pushes dummy error code = %t, want %t", tc.stub, got, tc.dummyError)
		}
	}
	if !strings.Contains(out, "GLOBL isrStubs<>(SB), RODATA, $2048") {
		t.Errorf("stub table has the wrong size")
	}
}
