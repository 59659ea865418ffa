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

import "fmt"

// Reg is a register number within its class. General purpose registers use
// the hardware numbering, so RSP is 4 and R8 is 8.
type Reg uint8

// General purpose registers.
const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15

	// NoReg marks an absent base or index register.
	NoReg Reg = 0xff
)

// NumRegs is the number of registers in each class.
const NumRegs = 16

// Class is a register class.
type Class uint8

// Register classes.
const (
	GPR Class = iota
	XMM
	// BND registers only appear as the bound operand of address checks.
	BND
)

// String implements fmt.Stringer.
func (c Class) String() string {
	switch c {
	case GPR:
		return "gpr"
	case XMM:
		return "xmm"
	case BND:
		return "bnd"
	default:
		return fmt.Sprintf("Class(%d)", uint8(c))
	}
}

// Size is an operand size in bytes.
type Size uint8

// Operand sizes.
const (
	S8   Size = 1
	S16  Size = 2
	S32  Size = 4
	S64  Size = 8
	S128 Size = 16
)

// Bits returns the size in bits.
func (s Size) Bits() int {
	return int(s) * 8
}

// Ptr returns the Intel syntax memory size keyword.
func (s Size) Ptr() string {
	switch s {
	case S8:
		return "byte"
	case S16:
		return "word"
	case S32:
		return "dword"
	case S64:
		return "qword"
	case S128:
		return "xmmword"
	default:
		return fmt.Sprintf("Size(%d)", uint8(s))
	}
}

// Postfix returns the mnemonic suffix used by size-postfixed instructions.
func (s Size) Postfix() string {
	switch s {
	case S8:
		return "b"
	case S16:
		return "w"
	case S32:
		return "d"
	case S64:
		return "q"
	default:
		return ""
	}
}

var (
	gpr64 = [NumRegs]string{"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi", "r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15"}
	gpr32 = [NumRegs]string{"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi", "r8d", "r9d", "r10d", "r11d", "r12d", "r13d", "r14d", "r15d"}
	gpr16 = [NumRegs]string{"ax", "cx", "dx", "bx", "sp", "bp", "si", "di", "r8w", "r9w", "r10w", "r11w", "r12w", "r13w", "r14w", "r15w"}
	gpr8  = [NumRegs]string{"al", "cl", "dl", "bl", "spl", "bpl", "sil", "dil", "r8b", "r9b", "r10b", "r11b", "r12b", "r13b", "r14b", "r15b"}
	high8 = [4]string{"ah", "ch", "dh", "bh"}
)

// String returns the 64-bit name of a general purpose register.
func (r Reg) String() string {
	if r < NumRegs {
		return gpr64[r]
	}
	if r == NoReg {
		return "none"
	}
	return fmt.Sprintf("Reg(%d)", uint8(r))
}

// RegName returns the name of register r of class c accessed with size s.
// high selects the legacy AH..BH encodings of byte registers 4..7.
func RegName(r Reg, c Class, s Size, high bool) string {
	if r >= NumRegs {
		return r.String()
	}
	switch c {
	case XMM:
		return fmt.Sprintf("xmm%d", r)
	case BND:
		return fmt.Sprintf("bnd%d", r)
	}
	switch s {
	case S8:
		if high && r >= RSP && r <= RDI {
			return high8[r-RSP]
		}
		return gpr8[r]
	case S16:
		return gpr16[r]
	case S32:
		return gpr32[r]
	default:
		return gpr64[r]
	}
}

// HighByteReg returns the full register aliased by a legacy high byte
// register encoding (AH is bits 8..15 of RAX).
func HighByteReg(r Reg) Reg {
	return r - RSP
}
