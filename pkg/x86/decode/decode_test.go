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

package decode

import (
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"vkernel.dev/vkernel/pkg/x86/isa"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		t.Fatalf("bad hex %q: %v", s, err)
	}
	return b
}

func TestDecodeText(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want string
		len  int
	}{
		{"48 89 e5", "mov rbp, rsp", 3},
		{"f0 83 45 fc 01", "lock add dword ptr [rbp-4], 1", 5},
		{"e9 05 00 00 00", "jmp +5", 5},
		{"eb fe", "jmp -2", 2},
		{"74 10", "je +0x10", 2},
		{"0f 84 00 01 00 00", "je +0x100", 6},
		{"c3", "ret", 1},
		{"55", "push rbp", 1},
		{"41 57", "push r15", 2},
		{"5d", "pop rbp", 1},
		{"48 83 ec 20", "sub rsp, 0x20", 4},
		{"48 8b 44 24 08", "mov rax, qword ptr [rsp+8]", 5},
		{"48 8b 05 10 00 00 00", "mov rax, qword ptr [rip+0x10]", 7},
		{"8b 04 8b", "mov eax, dword ptr [rbx+rcx*4]", 3},
		{"65 48 8b 04 25 28 00 00 00", "mov rax, qword ptr gs:[0x28]", 9},
		{"40 88 c6", "mov sil, al", 3},
		{"88 c6", "mov dh, al", 2},
		{"66 89 c8", "mov ax, cx", 3},
		{"b8 01 00 00 00", "mov eax, 1", 5},
		{"48 b8 88 77 66 55 44 33 22 11", "mov rax, 0x1122334455667788", 10},
		{"48 c7 c0 ff ff ff ff", "mov rax, -1", 7},
		{"0f b6 c1", "movzx eax, cl", 3},
		{"48 63 c1", "movsxd rax, ecx", 3},
		{"48 8d 45 f0", "lea rax, [rbp-0x10]", 4},
		{"f3 48 0f b8 c1", "popcnt rax, rcx", 5},
		{"f2 0f 58 c1", "addsd xmm0, xmm1", 4},
		{"66 0f ef c0", "pxor xmm0, xmm0", 4},
		{"66 48 0f 6e c0", "movq xmm0, rax", 5},
		{"66 0f 6e c0", "movd xmm0, eax", 4},
		{"66 0f 38 00 c1", "pshufb xmm0, xmm1", 5},
		{"66 0f 3a 0f c1 08", "palignr xmm0, xmm1, 8", 6},
		{"48 ab", "stosq qword ptr [rdi], rax", 2},
		{"aa", "stosb byte ptr [rdi], al", 1},
		{"0f 1f 44 00 00", "nop dword ptr [rax+rax]", 5},
		{"f2 0f 1a c7", "bndcu bnd0, rdi", 4},
		{"99", "cdq", 1},
		{"48 99", "cqo", 2},
		{"c9", "leave", 1},
		{"0f 0b", "ud2", 2},
		{"d1 e0", "shl eax, 1", 2},
		{"48 d3 e8", "shr rax, cl", 3},
		{"e8 00 00 00 00", "call +0", 5},
		{"ff 15 10 00 00 00", "call qword ptr [rip+0x10]", 6},
		{"f0 48 0f c1 07", "lock xadd qword ptr [rdi], rax", 5},
	} {
		t.Run(tc.in, func(t *testing.T) {
			inst, err := Decode(mustHex(t, tc.in))
			if err != nil {
				t.Fatalf("Decode(%s) failed: %v", tc.in, err)
			}
			if got := inst.String(); got != tc.want {
				t.Errorf("Decode(%s) = %q, want %q", tc.in, got, tc.want)
			}
			if inst.Len != tc.len {
				t.Errorf("Decode(%s) length = %d, want %d", tc.in, inst.Len, tc.len)
			}
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	for _, tc := range []struct {
		name   string
		in     string
		kind   ErrorKind
		offset int
	}{
		{"syscall", "0f 05", UnknownOpcode, 0},
		{"in", "ec", UnknownOpcode, 0},
		{"far jmp", "ff 2d 00 00 00 00", UnknownOpcode, 0},
		{"wrmsr", "0f 30", UnknownOpcode, 0},
		{"lea register", "8d c0", UnknownOpcode, 0},
		{"call register", "ff d0", UnknownOpcode, 0},
		{"bound register 4", "f2 0f 1a e0", UnknownOpcode, 1},
		{"bound check of memory", "f2 0f 1a 00", UnknownOpcode, 1},
		{"duplicate prefix", "66 66 90", IllegalPrefix, 1},
		{"rep and repne", "f3 f2 90", IllegalPrefix, 1},
		{"four prefixes", "f0 65 66 f3 90", IllegalPrefix, 3},
		{"lock register", "f0 83 c0 01", IllegalPrefix, 0},
		{"lock cmp", "f0 83 7d fc 01", IllegalPrefix, 0},
		{"lock mov", "f0 89 45 fc", IllegalPrefix, 0},
		{"rex.w nop", "48 90", IllegalPrefix, 0},
		{"rex.b ret", "41 c3", IllegalPrefix, 0},
		{"empty rex", "40 88 c0", IllegalPrefix, 0},
		{"rex.x without sib", "42 8b 00", IllegalPrefix, 0},
		{"operand size ret", "66 c3", IllegalPrefix, 0},
		{"operand size push", "66 55", IllegalPrefix, 0},
		{"pause", "f3 90", IllegalPrefix, 0},
		{"operand size with rex.w", "66 48 89 c8", IllegalPrefix, 0},
		{"rep on sse", "f3 0f 57 c0", IllegalPrefix, 0},
		{"cs override", "2e 90", IllegalPrefix, 0},
		{"fs override", "64 48 8b 00", IllegalPrefix, 0},
		{"gs without memory", "65 89 c8", IllegalPrefix, 0},
		{"gs on stos", "65 aa", IllegalPrefix, 0},
		{"truncated modrm", "48 89", Truncated, 2},
		{"truncated displacement", "e9 05 00", Truncated, 3},
		{"truncated sib", "8b 04", Truncated, 2},
		{"overlong", "66 66 66 66 66 66 66 66 66 66 66 66 66 66 66 90", OverlongEncoding, 15},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(mustHex(t, tc.in))
			var de *Error
			if !errors.As(err, &de) {
				t.Fatalf("Decode(%s) = %v, want decode error", tc.in, err)
			}
			if de.Kind != tc.kind || de.Offset != tc.offset {
				t.Errorf("Decode(%s) = %v (%v at %d), want %v at %d", tc.in, err, de.Kind, de.Offset, tc.kind, tc.offset)
			}
		})
	}
}

func TestEffects(t *testing.T) {
	rbpMinus4 := Addr{Kind: AddrBase, Base: isa.RBP, Index: isa.NoReg, Scale: 1, Disp: -4, DispSize: Disp8}
	for _, tc := range []struct {
		in   string
		want []Effect
	}{
		{"48 89 e5", []Effect{{Kind: ClobReg, Reg: isa.RBP}}},
		{"f0 83 45 fc 01", []Effect{
			{Kind: ReadStack, Addr: rbpMinus4},
			{Kind: WriteStack, Addr: rbpMinus4},
			{Kind: Imm8, Value: 1},
		}},
		{"e9 05 00 00 00", []Effect{{Kind: Jmp32, Value: 5}}},
		{"75 fe", []Effect{{Kind: Jmp8, Value: -2, Cond: true}}},
		{"e8 10 00 00 00", []Effect{{Kind: Call32, Value: 16}}},
		{"ff 15 10 00 00 00", []Effect{{Kind: Call, Addr: Addr{Kind: AddrRip, Index: isa.NoReg, Base: isa.NoReg, Scale: 1, Disp: 16, DispSize: Disp32}}}},
		{"c3", []Effect{{Kind: Ret}}},
		{"0f 0b", []Effect{{Kind: Ud2}}},
		{"90", []Effect{{Kind: None}}},
		{"55", []Effect{{Kind: Push, Reg: isa.RBP}}},
		{"6a 07", []Effect{{Kind: Push, Reg: isa.NoReg}, {Kind: Imm8, Value: 7}}},
		{"41 5c", []Effect{{Kind: Pop, Reg: isa.R12}}},
		{"c9", []Effect{{Kind: Move, Reg: isa.RSP, Src: isa.RBP}, {Kind: Pop, Reg: isa.RBP}}},
		{"48 8b 07", []Effect{{Kind: Load, Reg: isa.RAX, Addr: Addr{Kind: AddrBase, Base: isa.RDI, Index: isa.NoReg, Scale: 1}}}},
		{"48 89 07", []Effect{{Kind: Store, Reg: isa.RAX, Addr: Addr{Kind: AddrBase, Base: isa.RDI, Index: isa.NoReg, Scale: 1}}}},
		{"48 8d 45 fc", []Effect{{Kind: Lea, Reg: isa.RAX, Addr: rbpMinus4}}},
		{"f2 0f 1a c7", []Effect{{Kind: CheckAddr, Reg: isa.RDI}}},
		{"01 07", []Effect{
			{Kind: ReadMem, Addr: Addr{Kind: AddrBase, Base: isa.RDI, Index: isa.NoReg, Scale: 1}},
			{Kind: WriteMem, Addr: Addr{Kind: AddrBase, Base: isa.RDI, Index: isa.NoReg, Scale: 1}},
		}},
		{"65 8b 07", []Effect{{Kind: Load, Reg: isa.RAX, Addr: Addr{Kind: AddrBase, Base: isa.RDI, Index: isa.NoReg, Scale: 1, GS: true}}}},
		{"88 e0", []Effect{{Kind: ClobReg, Reg: isa.RAX}}},
		{"48 f7 e1", []Effect{{Kind: ClobReg, Reg: isa.RAX}, {Kind: ClobReg, Reg: isa.RDX}}},
		{"66 b8 34 12", []Effect{{Kind: ClobReg, Reg: isa.RAX}, {Kind: Imm16, Value: 0x1234}}},
		{"48 b8 00 00 00 00 00 00 00 80", []Effect{{Kind: ClobReg, Reg: isa.RAX}, {Kind: Imm64, Value: -1 << 63}}},
		{"48 05 00 00 00 80", []Effect{{Kind: ClobReg, Reg: isa.RAX}, {Kind: Imm32, Value: -1 << 31}}},
	} {
		t.Run(tc.in, func(t *testing.T) {
			inst, err := Decode(mustHex(t, tc.in))
			if err != nil {
				t.Fatalf("Decode(%s) failed: %v", tc.in, err)
			}
			if diff := cmp.Diff(tc.want, inst.Effects); diff != "" {
				t.Errorf("Decode(%s) effects mismatch (-want +got):\n%s", tc.in, diff)
			}
		})
	}
}

func TestPrefixesAndRex(t *testing.T) {
	inst, err := Decode(mustHex(t, "f0 65 48 01 07"))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if diff := cmp.Diff([]byte{0xf0, 0x65}, inst.Prefixes); diff != "" {
		t.Errorf("prefixes mismatch (-want +got):\n%s", diff)
	}
	if inst.Rex != 0x48 || !inst.Lock || !inst.GS {
		t.Errorf("got rex %#x lock %v gs %v, want 0x48 true true", inst.Rex, inst.Lock, inst.GS)
	}
	if got, want := inst.String(), "lock add qword ptr gs:[rdi], rax"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestMandatoryPrefixSelectsOpcode(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want string
	}{
		{"0f 58 c1", "addps"},
		{"66 0f 58 c1", "addpd"},
		{"f3 0f 58 c1", "addss"},
		{"f2 0f 58 c1", "addsd"},
		{"0f 10 c1", "movups"},
		{"f3 0f 10 c1", "movss"},
		{"f2 0f 10 c1", "movsd"},
		{"66 f3 0f b8 c1", "popcnt"},
	} {
		inst, err := Decode(mustHex(t, tc.in))
		if err != nil {
			t.Errorf("Decode(%s) failed: %v", tc.in, err)
			continue
		}
		if inst.Mnemonic != tc.want {
			t.Errorf("Decode(%s) = %s, want %s", tc.in, inst.Mnemonic, tc.want)
		}
	}
	// With both 66 and f3, f3 selects popcnt and 66 sets the size.
	inst, err := Decode(mustHex(t, "66 f3 0f b8 c1"))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if inst.Size != isa.S16 {
		t.Errorf("popcnt size = %d, want 16 bits", inst.Size.Bits())
	}
}

func TestEffectTarget(t *testing.T) {
	inst, err := Decode(mustHex(t, "e9 05 00 00 00"))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got := inst.Effects[0].Target(0, inst.Len); got != 10 {
		t.Errorf("Target() = %d, want 10", got)
	}
}

func TestErrorConsumed(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want int
	}{
		{"0f 05", 2},
		{"f0 83 c0 01 90", 4},
		{"48 89", 2},
	} {
		_, err := Decode(mustHex(t, tc.in))
		var de *Error
		if !errors.As(err, &de) {
			t.Fatalf("Decode(%s) = %v, want decode error", tc.in, err)
		}
		if de.Consumed != tc.want {
			t.Errorf("Decode(%s).Consumed = %d, want %d", tc.in, de.Consumed, tc.want)
		}
	}
}
