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

package oracle

import (
	"encoding/hex"
	"strings"
	"testing"
)

func TestCompare(t *testing.T) {
	for _, tc := range []struct {
		in       string
		opts     Options
		accepted bool
		length   int
	}{
		{in: "4889e5", accepted: true, length: 3},
		{in: "c3", accepted: true, length: 1},
		{in: "f08345fc01", accepted: true, length: 5},
		{in: "e905000000", accepted: true, length: 5},
		{in: "f20f10c1", accepted: true, length: 4},
		{in: "660f6ec0", accepted: true, length: 4},
		{in: "66480f6ec0", accepted: true, length: 5},
		{in: "99", accepted: true, length: 1},
		{in: "4899", accepted: true, length: 2},
		{in: "f20f1ac7", accepted: true, length: 4},
		{in: "7403", accepted: true, length: 2},
		{in: "f30fbcc1", accepted: true, length: 4},
		{in: "0f94c0", accepted: true, length: 3},
		{in: "0f4fc1", accepted: true, length: 3},
		{in: "83c0ff", accepted: true, length: 3},
		{in: "6aff", accepted: true, length: 2},
		{in: "488b0500000000", accepted: true, length: 7},
		{in: "8b0425f0ffffff", accepted: true, length: 7},
		{in: "0f1f440000", accepted: true, length: 5},
		{in: "0f1f440000", opts: Options{MnemonicOnly: true}, accepted: true, length: 5},
		{in: "0f05", accepted: false, length: 2},
		{in: "f083c001", accepted: false, length: 4},
	} {
		t.Run(tc.in, func(t *testing.T) {
			src, err := hex.DecodeString(tc.in)
			if err != nil {
				t.Fatalf("bad hex: %v", err)
			}
			r := Compare(src, tc.opts)
			if r.Accepted != tc.accepted {
				t.Fatalf("Compare(%s).Accepted = %t, want %t", tc.in, r.Accepted, tc.accepted)
			}
			if !r.Accepted {
				if tc.length != 0 && r.Len != tc.length {
					t.Errorf("Compare(%s).Len = %d, want %d", tc.in, r.Len, tc.length)
				}
				return
			}
			if r.Len != tc.length {
				t.Errorf("Compare(%s).Len = %d, want %d", tc.in, r.Len, tc.length)
			}
			if r.Mismatch != "" {
				t.Errorf("Compare(%s) = %q, reference %q: %s", tc.in, r.Ours, r.Theirs, r.Mismatch)
			}
		})
	}
}

func TestUnsupportedSkipsReference(t *testing.T) {
	for _, tc := range []struct {
		in   []byte
		want string
	}{
		{[]byte{0xf2, 0x0f, 0x1a, 0xc7}, "bndcu"},
		{[]byte{0x48, 0x0f, 0x1f, 0x00}, "nop"},
	} {
		r := Compare(tc.in, Options{})
		if !r.Accepted {
			t.Errorf("Compare(%x) rejected", tc.in)
			continue
		}
		if r.Theirs != "" {
			t.Errorf("Compare(%x) consulted the reference: %q", tc.in, r.Theirs)
		}
		if !strings.HasPrefix(r.Ours, tc.want) {
			t.Errorf("Compare(%x).Ours = %q, want %s", tc.in, r.Ours, tc.want)
		}
	}
}

func TestNormalize(t *testing.T) {
	for _, tc := range []struct {
		a, b  string
		equal bool
	}{
		{"add dword ptr [rbp-0x4], 0x1", "add dword ptr [rbp-4], 1", true},
		{"jmp .+0x5", "jmp +5", true},
		{"MOV  RAX, QWORD PTR [RSP+0x10]", "mov rax, qword ptr [rsp+16]", true},
		{"lea rax, ptr [rbx+0x8]", "lea rax, [rbx+8]", true},
		{"mov r8d, 0xa", "mov r8d, 10", true},
		{"add eax, 0xffffffff", "add eax, -1", true},
		{"push 0xffffff80", "push -0x80", true},
		{"mov rax, 0xffffffffffffffff", "mov rax, -1", true},
		{"mov eax, dword ptr [-0x10]", "mov eax, dword ptr [0xfffffff0]", true},
		{"mov eax, dword ptr [rax+rbx*1]", "mov eax, dword ptr [rax+rbx]", true},
		{"mov rax, qword ptr [rip]", "mov rax, qword ptr [rip+0]", true},
		{"jz .+0x3", "je +3", true},
		{"jnbe .-0x2", "ja -2", true},
		{"setnz al", "setne al", true},
		{"cmovnle eax, ecx", "cmovg eax, ecx", true},
		{"add eax, 0x1", "add eax, 2", false},
		{"mov eax, dword ptr [rax+rbx*2]", "mov eax, dword ptr [rax+rbx]", false},
		{"jz .+0x3", "jne +3", false},
		{"mov r8d, 0x1", "mov r9d, 1", false},
	} {
		na, nb := Normalize(tc.a), Normalize(tc.b)
		if got := na == nb; got != tc.equal {
			t.Errorf("Normalize(%q) = %q, Normalize(%q) = %q, equal = %t, want %t", tc.a, na, tc.b, nb, got, tc.equal)
		}
	}
}

func TestCanonical(t *testing.T) {
	for _, tc := range []struct {
		in, want string
	}{
		{"0", "0"},
		{"0x7f", "127"},
		{"0xff", "-1"},
		{"0x100", "256"},
		{"0x8000", "-32768"},
		{"0x80000000", "-2147483648"},
		{"0x100000000", "4294967296"},
		{"0xffffffffffffffff", "-1"},
		{"-0x4", "-4"},
		{"+0x10", "+16"},
		{"+0xff", "-1"},
	} {
		if got := canonical(tc.in); got != tc.want {
			t.Errorf("canonical(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}
