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

// Package isa is the catalogue of x86-64 instructions accepted by the
// verifier.
//
// Every supported instruction form is declared once as a list of option
// tags. The builder turns the tags into an Insn descriptor; the decoder
// derives its dispatch table from the descriptors and the encoder uses the
// same descriptors to produce test inputs, so the catalogue is the single
// source of truth for both directions.
package isa

import (
	"fmt"
	"strings"
)

// Mandatory prefixes. A mandatory prefix is part of an opcode's identity.
const (
	PrefixNone   byte = 0
	PrefixOpSize byte = 0x66
	PrefixREPNE  byte = 0xf2
	PrefixREP    byte = 0xf3
	PrefixLock   byte = 0xf0
	PrefixGS     byte = 0x65
)

// SizeRule determines an instruction's operand size.
type SizeRule uint8

// Operand size rules.
const (
	// Fixed instructions have a size that prefixes do not change.
	Fixed SizeRule = iota

	// RexSize instructions are 32 bits, or 64 bits with REX.W.
	RexSize

	// OpSize instructions are 32 bits, 16 bits with the operand size
	// prefix, or 64 bits with REX.W.
	OpSize
)

// OperandKind is the kind of an operand slot.
type OperandKind uint8

// Operand kinds.
const (
	// ImmOperand is an immediate.
	ImmOperand OperandKind = iota + 1

	// FixImmOperand is an immediate implied by the opcode, such as the
	// count of a shift by one.
	FixImmOperand

	// DispOperand is a branch displacement relative to the next
	// instruction.
	DispOperand

	// FixRegOperand is a register implied by the opcode.
	FixRegOperand

	// FixRegRexOperand is a register selected by the low opcode bits,
	// extended by REX.B.
	FixRegRexOperand

	// AddrOperand is an implicit memory reference through a fixed
	// register.
	AddrOperand

	// RmOperand is the ModRM r/m operand: a register or memory.
	RmOperand

	// RegOperand is the ModRM reg operand.
	RegOperand

	// MemOperand is a ModRM r/m operand that must be memory.
	MemOperand
)

var operandKindNames = map[OperandKind]string{
	ImmOperand:       "Imm",
	FixImmOperand:    "FixImm",
	DispOperand:      "Disp",
	FixRegOperand:    "FixReg",
	FixRegRexOperand: "FixRegRex",
	AddrOperand:      "Addr",
	RmOperand:        "Rm",
	RegOperand:       "Reg",
	MemOperand:       "Mem",
}

// String implements fmt.Stringer.
func (k OperandKind) String() string {
	if s, ok := operandKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("OperandKind(%d)", uint8(k))
}

// Access is the way an operand is used.
type Access uint8

// Access bits.
const (
	Read Access = 1 << iota
	Write

	ReadWrite = Read | Write
)

// ImmRule determines the size of an immediate.
type ImmRule uint8

// Immediate size rules.
const (
	// ImmOperandSize immediates have the operand size (iv).
	ImmOperandSize ImmRule = iota

	// ImmLimit32 immediates have the operand size limited to 32 bits and
	// are sign extended (iz).
	ImmLimit32

	// ImmFixed immediates have the operand's fixed size.
	ImmFixed
)

// Operand is one operand slot of an instruction.
type Operand struct {
	Kind  OperandKind
	Class Class

	// Size is the operand size, or zero for the instruction's operand
	// size.
	Size Size

	// Reg is the register of FixReg, FixRegRex and Addr operands.
	Reg Reg

	// Value is the value of a FixImm operand.
	Value int64

	Imm    ImmRule
	Access Access
}

// IsModRM returns true if the operand is encoded in the ModRM byte.
func (o *Operand) IsModRM() bool {
	switch o.Kind {
	case RmOperand, RegOperand, MemOperand:
		return true
	}
	return false
}

// Implicit is a register the instruction accesses without naming it.
type Implicit struct {
	Reg    Reg
	Access Access
}

// Flow is the control flow class of an instruction.
type Flow uint8

// Control flow classes.
const (
	FlowNone Flow = iota
	FlowJump
	FlowCond
	FlowCall
	FlowRet
	FlowTrap
)

// Semantic marks instructions whose effects are more specific than their
// operand accesses.
type Semantic uint8

// Semantics.
const (
	SemNone Semantic = iota
	SemMove
	SemLea
	SemPush
	SemPop
	SemLeave
	SemCheck
)

// Insn describes one instruction form.
type Insn struct {
	// Name is the mnemonic.
	Name string

	// Names, if set, replaces Name per operand size (16, 32 and 64 bits).
	Names [3]string

	// Prefix is the mandatory prefix, or PrefixNone.
	Prefix byte

	// Opcode is the opcode including any 0f, 0f38 or 0f3a escape.
	Opcode []byte

	// Ext is the ModRM.reg opcode extension, or -1.
	Ext int8

	Operands []Operand
	Implicit []Implicit

	// Rule and Size determine the operand size. Size is the operand size
	// for Fixed instructions.
	Rule SizeRule
	Size Size

	// Lock allows the LOCK prefix with a memory destination.
	Lock bool

	// OpSizePostfix appends the operand size letter to the mnemonic.
	OpSizePostfix bool

	// NoMem forbids memory in the r/m operand.
	NoMem bool

	// OpSizeLimit32 forbids REX.W.
	OpSizeLimit32 bool

	Flow     Flow
	Semantic Semantic
}

// HasModRM returns true if the instruction has a ModRM byte.
func (d *Insn) HasModRM() bool {
	if d.Ext >= 0 {
		return true
	}
	for i := range d.Operands {
		if d.Operands[i].IsModRM() {
			return true
		}
	}
	return false
}

// RM returns the r/m operand, or nil.
func (d *Insn) RM() *Operand {
	for i := range d.Operands {
		if k := d.Operands[i].Kind; k == RmOperand || k == MemOperand {
			return &d.Operands[i]
		}
	}
	return nil
}

// Sizes returns the operand sizes the instruction can be encoded with.
func (d *Insn) Sizes() []Size {
	switch d.Rule {
	case RexSize:
		if d.OpSizeLimit32 {
			return []Size{S32}
		}
		return []Size{S32, S64}
	case OpSize:
		if d.OpSizeLimit32 {
			return []Size{S16, S32}
		}
		return []Size{S16, S32, S64}
	default:
		return []Size{d.Size}
	}
}

// Mnemonic returns the mnemonic for operand size s.
func (d *Insn) Mnemonic(s Size) string {
	name := d.Name
	switch s {
	case S16:
		if d.Names[0] != "" {
			name = d.Names[0]
		}
	case S32:
		if d.Names[1] != "" {
			name = d.Names[1]
		}
	case S64:
		if d.Names[2] != "" {
			name = d.Names[2]
		}
	}
	if d.OpSizePostfix {
		name += s.Postfix()
	}
	return name
}

// OperandSize returns the size of operand o when the instruction has
// operand size s.
func (o *Operand) OperandSize(s Size) Size {
	if o.Size != 0 {
		return o.Size
	}
	return s
}

// ImmSize returns the encoded size of an immediate operand when the
// instruction has operand size s.
func (o *Operand) ImmSize(s Size) Size {
	switch o.Imm {
	case ImmLimit32:
		if s > S32 {
			return S32
		}
		return s
	case ImmFixed:
		return o.Size
	default:
		return o.OperandSize(s)
	}
}

// Key returns the dispatch key of the descriptor.
func (d *Insn) Key() string {
	var b strings.Builder
	if d.Prefix != PrefixNone {
		fmt.Fprintf(&b, "%02x ", d.Prefix)
	}
	for i, op := range d.Opcode {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%02x", op)
	}
	if d.Ext >= 0 {
		fmt.Fprintf(&b, " /%d", d.Ext)
	}
	return b.String()
}

// String implements fmt.Stringer.
func (d *Insn) String() string {
	var ops []string
	for _, o := range d.Operands {
		ops = append(ops, o.Kind.String())
	}
	return fmt.Sprintf("%s %s [%s]", d.Name, d.Key(), strings.Join(ops, ","))
}
