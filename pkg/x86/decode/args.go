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
	"fmt"
	"strings"

	"vkernel.dev/vkernel/pkg/x86/isa"
)

// AddrKind is the form of a memory address.
type AddrKind uint8

// Address forms.
const (
	// AddrBase is [base + index*scale + disp]. Base or index may be absent.
	AddrBase AddrKind = iota

	// AddrRip is [rip + disp32].
	AddrRip
)

// DispSize is the encoded size of an address displacement.
type DispSize uint8

// Displacement sizes.
const (
	DispNone DispSize = iota
	Disp8
	Disp32
)

// Addr is a memory address form.
type Addr struct {
	Kind  AddrKind
	Base  isa.Reg
	Index isa.Reg
	Scale uint8
	Disp  int32

	DispSize DispSize

	// GS is set if the access has a gs: override.
	GS bool
}

// String renders the address in Intel syntax.
func (a Addr) String() string {
	var b strings.Builder
	if a.GS {
		b.WriteString("gs:")
	}
	b.WriteByte('[')
	if a.Kind == AddrRip {
		b.WriteString("rip")
		b.WriteString(signed(int64(a.Disp)))
		b.WriteByte(']')
		return b.String()
	}
	sep := ""
	if a.Base != isa.NoReg {
		b.WriteString(a.Base.String())
		sep = "+"
	}
	if a.Index != isa.NoReg {
		b.WriteString(sep)
		b.WriteString(a.Index.String())
		if a.Scale > 1 {
			fmt.Fprintf(&b, "*%d", a.Scale)
		}
		sep = "+"
	}
	switch {
	case sep == "":
		b.WriteString(number(int64(uint32(a.Disp))))
	case a.Disp != 0:
		b.WriteString(signed(int64(a.Disp)))
	}
	b.WriteByte(']')
	return b.String()
}

// Stack returns true if the address is stack or rip-relative.
func (a Addr) Stack() bool {
	if a.GS {
		return false
	}
	return a.Kind == AddrRip || a.Base == isa.RSP || a.Base == isa.RBP
}

// Arg is a decoded operand.
type Arg interface {
	fmt.Stringer
	isArg()
}

// RegArg is a register operand.
type RegArg struct {
	Reg   isa.Reg
	Class isa.Class
	Size  isa.Size

	// High is set for the legacy AH, CH, DH and BH encodings.
	High bool
}

// Full returns the register that an access to r modifies.
func (r RegArg) Full() isa.Reg {
	if r.High {
		return isa.HighByteReg(r.Reg)
	}
	return r.Reg
}

func (RegArg) isArg() {}

// String implements fmt.Stringer.
func (r RegArg) String() string {
	return isa.RegName(r.Reg, r.Class, r.Size, r.High)
}

// MemArg is a memory operand.
type MemArg struct {
	Addr Addr
	Size isa.Size

	// NoSize suppresses the size keyword, for lea.
	NoSize bool
}

func (MemArg) isArg() {}

// String implements fmt.Stringer.
func (m MemArg) String() string {
	if m.NoSize {
		return m.Addr.String()
	}
	return m.Size.Ptr() + " ptr " + m.Addr.String()
}

// ImmArg is an immediate operand, sign extended from its encoded size.
type ImmArg struct {
	Value int64

	// Size is the encoded size. It is zero for immediates implied by the
	// opcode.
	Size isa.Size
}

func (ImmArg) isArg() {}

// String implements fmt.Stringer.
func (i ImmArg) String() string {
	return number(i.Value)
}

// RelArg is a branch displacement relative to the next instruction.
type RelArg struct {
	Value int64
	Size  isa.Size
}

func (RelArg) isArg() {}

// String implements fmt.Stringer.
func (r RelArg) String() string {
	return signed(r.Value)
}

// number formats small values in decimal and others in hex.
func number(v int64) string {
	if v > -10 && v < 10 {
		return fmt.Sprintf("%d", v)
	}
	if v < 0 {
		return fmt.Sprintf("-%#x", uint64(-v))
	}
	return fmt.Sprintf("%#x", v)
}

// signed formats a value with an explicit sign.
func signed(v int64) string {
	if v < 0 {
		return number(v)
	}
	return "+" + number(v)
}
