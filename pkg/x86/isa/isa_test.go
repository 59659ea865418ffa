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

package isa

import (
	"encoding/hex"
	"math/rand"
	"testing"
)

func find(t *testing.T, name, key string) *Insn {
	t.Helper()
	for _, d := range Lookup(name) {
		if d.Key() == key {
			return d
		}
	}
	t.Fatalf("no %s with key %q", name, key)
	return nil
}

func TestCatalogueKeysUnique(t *testing.T) {
	seen := make(map[string]*Insn)
	for _, d := range Catalogue() {
		if prev, ok := seen[d.Key()]; ok {
			t.Errorf("%v and %v share key %q", prev, d, d.Key())
		}
		seen[d.Key()] = d
	}
}

func TestCatalogueExcludesPrivileged(t *testing.T) {
	for _, name := range []string{"syscall", "sysenter", "in", "out", "rdmsr", "wrmsr", "hlt", "cli", "sti", "lgdt", "int", "iret", "ljmp", "lcall"} {
		if got := Lookup(name); len(got) != 0 {
			t.Errorf("Lookup(%q) = %v, want none", name, got)
		}
	}
}

func TestPair(t *testing.T) {
	b := find(t, "add", "00")
	v := find(t, "add", "01")
	if b.Rule != Fixed || b.Size != S8 {
		t.Errorf("8-bit add has rule %d size %d, want fixed 8-bit", b.Rule, b.Size)
	}
	if v.Rule != OpSize {
		t.Errorf("sized add has rule %d, want OpSize", v.Rule)
	}
	if !b.Lock || !v.Lock {
		t.Errorf("add forms do not allow lock")
	}
	if c := find(t, "cmp", "39"); c.Lock {
		t.Errorf("cmp allows lock")
	}
}

func TestMnemonic(t *testing.T) {
	for _, tc := range []struct {
		d    *Insn
		size Size
		want string
	}{
		{find(t, "cdq", "99"), S16, "cwd"},
		{find(t, "cdq", "99"), S32, "cdq"},
		{find(t, "cdq", "99"), S64, "cqo"},
		{find(t, "stos", "aa"), S8, "stosb"},
		{find(t, "stos", "ab"), S64, "stosq"},
		{find(t, "movd", "66 0f 6e"), S64, "movq"},
		{find(t, "add", "01"), S16, "add"},
	} {
		if got := tc.d.Mnemonic(tc.size); got != tc.want {
			t.Errorf("%v.Mnemonic(%d) = %q, want %q", tc.d, tc.size.Bits(), got, tc.want)
		}
	}
}

func TestEncode(t *testing.T) {
	for _, tc := range []struct {
		name string
		d    *Insn
		form Form
		want string
	}{
		{"mov rbp, rsp", find(t, "mov", "89"), Form{Size: S64, RM: RBP, Reg: RSP}, "4889e5"},
		{"lock add [rbp-4], 1", find(t, "add", "83 /0"), Form{Mem: &Mem{Base: RBP, Index: NoReg, Disp: -4}, Imm: 1, Lock: true}, "f08345fc01"},
		{"jmp +5", find(t, "jmp", "e9"), Form{Disp: 5}, "e905000000"},
		{"push r15", find(t, "push", "57"), Form{High: true}, "4157"},
		{"mov sil, al", find(t, "mov", "88"), Form{RM: RSI, Reg: RAX}, "4088c6"},
		{"mov ax, cx", find(t, "mov", "89"), Form{Size: S16, RM: RAX, Reg: RCX}, "6689c8"},
		{"mov rax, [rsp+8]", find(t, "mov", "8b"), Form{Size: S64, Reg: RAX, Mem: &Mem{Base: RSP, Index: NoReg, Disp: 8}}, "488b442408"},
		{"mov eax, [rip+16]", find(t, "mov", "8b"), Form{Reg: RAX, Mem: &Mem{RIP: true, Disp: 16}}, "8b0510000000"},
		{"mov eax, [rbx+rcx*4]", find(t, "mov", "8b"), Form{Reg: RAX, Mem: &Mem{Base: RBX, Index: RCX, Scale: 4}}, "8b048b"},
		{"mov eax, [rbp]", find(t, "mov", "8b"), Form{Reg: RAX, Mem: &Mem{Base: RBP, Index: NoReg}}, "8b4500"},
		{"mov rax, gs:[0x28]", find(t, "mov", "8b"), Form{Size: S64, Reg: RAX, GS: true, Mem: &Mem{Base: NoReg, Index: NoReg, Disp: 0x28}}, "65488b042528000000"},
		{"popcnt ax, cx", find(t, "popcnt", "f3 0f b8"), Form{Size: S16, Reg: RAX, RM: RCX}, "66f30fb8c1"},
		{"movq xmm0, rax", find(t, "movd", "66 0f 6e"), Form{Size: S64}, "66480f6ec0"},
		{"bndcu bnd0, rdi", find(t, "bndcu", "f2 0f 1a"), Form{RM: RDI}, "f20f1ac7"},
		{"mov r8, imm64", find(t, "mov", "b8"), Form{Size: S64, High: true, Imm: 0x1122334455667788}, "49b88877665544332211"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b, err := tc.d.Encode(tc.form)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			if got := hex.EncodeToString(b); got != tc.want {
				t.Errorf("Encode = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestEncodeErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		d    *Insn
		form Form
	}{
		{"lock on register", find(t, "add", "83 /0"), Form{RM: RAX, Lock: true}},
		{"lock on cmp", find(t, "cmp", "83 /7"), Form{Mem: &Mem{Base: RBP, Index: NoReg}, Lock: true}},
		{"lea of register", find(t, "lea", "8d"), Form{Reg: RAX, RM: RCX}},
		{"bound check of memory", find(t, "bndcu", "f2 0f 1a"), Form{Mem: &Mem{Base: RAX, Index: NoReg}}},
		{"immediate too large", find(t, "add", "83 /0"), Form{RM: RAX, Imm: 128}},
		{"displacement too large", find(t, "jmp", "eb"), Form{Disp: 200}},
		{"16-bit push", find(t, "push", "50"), Form{Size: S16}},
		{"rsp index", find(t, "mov", "8b"), Form{Mem: &Mem{Base: RAX, Index: RSP}}},
		{"bad scale", find(t, "mov", "8b"), Form{Mem: &Mem{Base: RAX, Index: RCX, Scale: 3}}},
		{"gs without memory", find(t, "mov", "89"), Form{GS: true}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if b, err := tc.d.Encode(tc.form); err == nil {
				t.Errorf("Encode = %x, want error", b)
			}
		})
	}
}

func TestRandomFormEncodes(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, d := range Catalogue() {
		for i := 0; i < 10; i++ {
			f := RandomForm(rng, d)
			if _, err := d.Encode(f); err != nil {
				t.Errorf("%v: Encode(RandomForm) = %v", d, err)
			}
		}
	}
}
