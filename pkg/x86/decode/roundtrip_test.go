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
	"math/rand"
	"testing"

	"vkernel.dev/vkernel/pkg/x86/isa"
)

// forms returns a fixed set of forms covering the register, memory and
// extended register encodings of d.
func forms(d *isa.Insn) []isa.Form {
	var out []isa.Form
	rmOp := d.RM()
	mems := []*isa.Mem{
		{Base: isa.RBX, Index: isa.NoReg, Disp: 8},
		{RIP: true, Base: isa.NoReg, Index: isa.NoReg, Disp: -64},
		{Base: isa.R13, Index: isa.R14, Scale: 8, Disp: 0x1000},
		{Base: isa.RSP, Index: isa.NoReg},
	}
	for _, size := range d.Sizes() {
		base := isa.Form{Size: size, Reg: isa.RCX, RM: isa.RDX, Imm: 1, Disp: -2}
		if rmOp == nil || rmOp.Kind != isa.MemOperand {
			out = append(out, base)
			high := base
			high.Reg, high.RM, high.High = isa.R9, isa.R10, true
			for i := range d.Operands {
				if d.Operands[i].Class == isa.BND {
					high.Reg = 3
				}
			}
			out = append(out, high)
		}
		if rmOp != nil && !d.NoMem {
			for _, m := range mems {
				f := base
				f.Mem = m
				out = append(out, f)
			}
		}
	}
	return out
}

func argMatches(k isa.OperandKind, a Arg) bool {
	switch a.(type) {
	case RegArg:
		return k == isa.RegOperand || k == isa.RmOperand || k == isa.FixRegOperand || k == isa.FixRegRexOperand
	case MemArg:
		return k == isa.RmOperand || k == isa.MemOperand || k == isa.AddrOperand
	case ImmArg:
		return k == isa.ImmOperand || k == isa.FixImmOperand
	case RelArg:
		return k == isa.DispOperand
	}
	return false
}

func checkRoundTrip(t *testing.T, d *isa.Insn, f isa.Form, b []byte) {
	t.Helper()
	inst, err := Decode(b)
	if err != nil {
		t.Errorf("%v: Decode(%s) failed: %v", d, hex.EncodeToString(b), err)
		return
	}
	size := f.Size
	if size == 0 {
		size = d.DefaultSize()
	}
	if inst.Insn != d {
		t.Errorf("%v: Decode(%s) = %v, want the same descriptor", d, hex.EncodeToString(b), inst.Insn)
	}
	if inst.Len != len(b) {
		t.Errorf("%v: Decode(%s) length = %d, want %d", d, hex.EncodeToString(b), inst.Len, len(b))
	}
	if want := d.Mnemonic(size); inst.Mnemonic != want {
		t.Errorf("%v: Decode(%s) mnemonic = %s, want %s", d, hex.EncodeToString(b), inst.Mnemonic, want)
	}
	if len(inst.Args) != len(d.Operands) {
		t.Errorf("%v: Decode(%s) has %d operands, want %d", d, hex.EncodeToString(b), len(inst.Args), len(d.Operands))
		return
	}
	for i, a := range inst.Args {
		if !argMatches(d.Operands[i].Kind, a) {
			t.Errorf("%v: Decode(%s) operand %d = %T, want %v", d, hex.EncodeToString(b), i, a, d.Operands[i].Kind)
		}
	}
	if len(inst.Effects) == 0 {
		t.Errorf("%v: Decode(%s) has no effects", d, hex.EncodeToString(b))
	}
	// Decoding is a pure function of the bytes.
	again, err := Decode(b)
	if err != nil || again.String() != inst.String() {
		t.Errorf("%v: second Decode(%s) = %q, %v, want %q", d, hex.EncodeToString(b), again.String(), err, inst.String())
	}
}

func TestCatalogueRoundTrip(t *testing.T) {
	for _, d := range isa.Catalogue() {
		for _, f := range forms(d) {
			b, err := d.Encode(f)
			if err != nil {
				t.Errorf("%v: Encode(%+v) failed: %v", d, f, err)
				continue
			}
			checkRoundTrip(t, d, f, b)
		}
	}
}

func TestCatalogueRandomForms(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, d := range isa.Catalogue() {
		for i := 0; i < 20; i++ {
			f := isa.RandomForm(rng, d)
			b, err := d.Encode(f)
			if err != nil {
				t.Errorf("%v: Encode(%+v) failed: %v", d, f, err)
				continue
			}
			checkRoundTrip(t, d, f, b)
		}
	}
}
