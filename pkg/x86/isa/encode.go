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
	"encoding/binary"
	"fmt"
	"math/rand"
)

// Mem is a memory operand.
type Mem struct {
	// RIP selects rip-relative addressing with Disp.
	RIP bool

	// Base and Index may be NoReg.
	Base  Reg
	Index Reg

	// Scale is 1, 2, 4 or 8. Zero means 1.
	Scale uint8

	Disp int32
}

// Form selects the variable parts of an encoding of a descriptor.
type Form struct {
	// Size is the operand size. Zero selects the descriptor's default.
	Size Size

	// Reg is the ModRM.reg register.
	Reg Reg

	// RM is the r/m register, used when Mem is nil.
	RM  Reg
	Mem *Mem

	// High selects r8..r15 for registers encoded in the opcode.
	High bool

	// Imm is the value of the first immediate operand.
	Imm int64

	// Disp is the branch displacement.
	Disp int64

	Lock bool
	GS   bool
}

// DefaultSize returns the operand size used when a form does not choose
// one.
func (d *Insn) DefaultSize() Size {
	if d.Rule == Fixed {
		return d.Size
	}
	return S32
}

// Encode encodes the descriptor with the given form.
func (d *Insn) Encode(f Form) ([]byte, error) {
	size := f.Size
	if size == 0 {
		size = d.DefaultSize()
	}
	if !containsSize(d.Sizes(), size) {
		return nil, fmt.Errorf("%s: operand size %d not encodable", d.Name, size.Bits())
	}
	rmOp := d.RM()
	if f.Mem != nil {
		if rmOp == nil || d.NoMem {
			return nil, fmt.Errorf("%s: no memory operand", d.Name)
		}
	} else if rmOp != nil && rmOp.Kind == MemOperand {
		return nil, fmt.Errorf("%s: memory operand required", d.Name)
	}
	if f.Lock && (!d.Lock || f.Mem == nil || rmOp.Access&Write == 0) {
		return nil, fmt.Errorf("%s: lock not allowed", d.Name)
	}
	if f.GS && f.Mem == nil {
		return nil, fmt.Errorf("%s: segment override without memory", d.Name)
	}

	var out []byte
	if f.Lock {
		out = append(out, PrefixLock)
	}
	if f.GS {
		out = append(out, PrefixGS)
	}
	if d.Rule == OpSize && size == S16 {
		out = append(out, PrefixOpSize)
	}
	if d.Prefix != PrefixNone {
		out = append(out, d.Prefix)
	}

	var rex byte
	if d.Rule != Fixed && size == S64 {
		rex |= 0x08
	}
	modrm := d.HasModRM()
	var regField, rmField byte
	if d.Ext >= 0 {
		regField = byte(d.Ext)
	}
	needsRex8 := false
	for i := range d.Operands {
		o := &d.Operands[i]
		osize := o.OperandSize(size)
		switch o.Kind {
		case RegOperand:
			if o.Class == BND && f.Reg > 3 {
				return nil, fmt.Errorf("%s: bad bound register %d", d.Name, f.Reg)
			}
			if f.Reg >= NumRegs {
				return nil, fmt.Errorf("%s: bad register %d", d.Name, f.Reg)
			}
			regField = byte(f.Reg & 7)
			if f.Reg >= 8 {
				rex |= 0x04
			}
			if o.Class == GPR && osize == S8 && f.Reg >= RSP && f.Reg <= RDI {
				needsRex8 = true
			}
		case RmOperand:
			if f.Mem != nil {
				continue
			}
			if f.RM >= NumRegs {
				return nil, fmt.Errorf("%s: bad register %d", d.Name, f.RM)
			}
			rmField = byte(f.RM & 7)
			if f.RM >= 8 {
				rex |= 0x01
			}
			if o.Class == GPR && osize == S8 && f.RM >= RSP && f.RM <= RDI {
				needsRex8 = true
			}
		case FixRegRexOperand:
			if f.High {
				rex |= 0x01
			} else if o.Class == GPR && osize == S8 && o.Reg >= RSP {
				needsRex8 = true
			}
		}
	}

	var sib []byte
	var dispBytes []byte
	mod := byte(3)
	if f.Mem != nil {
		var err error
		mod, rmField, sib, dispBytes, err = encodeMem(f.Mem, &rex)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.Name, err)
		}
	}
	if rex != 0 || needsRex8 {
		out = append(out, 0x40|rex)
	}
	out = append(out, d.Opcode...)
	if modrm {
		out = append(out, mod<<6|regField<<3|rmField)
		out = append(out, sib...)
		out = append(out, dispBytes...)
	}

	immDone := false
	for i := range d.Operands {
		o := &d.Operands[i]
		switch o.Kind {
		case ImmOperand:
			if immDone {
				return nil, fmt.Errorf("%s: more than one immediate", d.Name)
			}
			immDone = true
			b, err := encodeValue(f.Imm, o.ImmSize(size))
			if err != nil {
				return nil, fmt.Errorf("%s: immediate: %w", d.Name, err)
			}
			out = append(out, b...)
		case DispOperand:
			b, err := encodeValue(f.Disp, o.OperandSize(size))
			if err != nil {
				return nil, fmt.Errorf("%s: displacement: %w", d.Name, err)
			}
			out = append(out, b...)
		}
	}
	return out, nil
}

func containsSize(sizes []Size, s Size) bool {
	for _, x := range sizes {
		if x == s {
			return true
		}
	}
	return false
}

func encodeMem(m *Mem, rex *byte) (mod, rm byte, sib, disp []byte, err error) {
	if m.RIP {
		return 0, 5, nil, le32(m.Disp), nil
	}
	scale := m.Scale
	if scale == 0 {
		scale = 1
	}
	ss, ok := map[uint8]byte{1: 0, 2: 1, 4: 2, 8: 3}[scale]
	if !ok {
		return 0, 0, nil, nil, fmt.Errorf("bad scale %d", m.Scale)
	}
	if m.Index == RSP {
		return 0, 0, nil, nil, fmt.Errorf("rsp cannot be an index")
	}
	index := byte(4)
	if m.Index != NoReg {
		if m.Index >= NumRegs {
			return 0, 0, nil, nil, fmt.Errorf("bad index %d", m.Index)
		}
		index = byte(m.Index & 7)
		if m.Index >= 8 {
			*rex |= 0x02
		}
	}
	if m.Base == NoReg {
		return 0, 4, []byte{ss<<6 | index<<3 | 5}, le32(m.Disp), nil
	}
	if m.Base >= NumRegs {
		return 0, 0, nil, nil, fmt.Errorf("bad base %d", m.Base)
	}
	base := byte(m.Base & 7)
	if m.Base >= 8 {
		*rex |= 0x01
	}
	switch {
	case m.Disp == 0 && base != 5:
		mod = 0
	case m.Disp >= -128 && m.Disp <= 127:
		mod = 1
		disp = []byte{byte(int8(m.Disp))}
	default:
		mod = 2
		disp = le32(m.Disp)
	}
	if m.Index != NoReg || base == 4 {
		return mod, 4, []byte{ss<<6 | index<<3 | base}, disp, nil
	}
	return mod, base, nil, disp, nil
}

func le32(v int32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	return b[:]
}

// encodeValue encodes a sign-extended value of the given size.
func encodeValue(v int64, s Size) ([]byte, error) {
	switch s {
	case S8:
		if v < -1<<7 || v >= 1<<7 {
			return nil, fmt.Errorf("%d does not fit in 8 bits", v)
		}
		return []byte{byte(v)}, nil
	case S16:
		if v < -1<<15 || v >= 1<<15 {
			return nil, fmt.Errorf("%d does not fit in 16 bits", v)
		}
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(v))
		return b[:], nil
	case S32:
		if v < -1<<31 || v >= 1<<31 {
			return nil, fmt.Errorf("%d does not fit in 32 bits", v)
		}
		return le32(int32(v)), nil
	case S64:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(v))
		return b[:], nil
	default:
		return nil, fmt.Errorf("bad value size %d", s)
	}
}

// RandomForm returns a random encodable form of d.
func RandomForm(rng *rand.Rand, d *Insn) Form {
	sizes := d.Sizes()
	f := Form{
		Size: sizes[rng.Intn(len(sizes))],
		Reg:  Reg(rng.Intn(NumRegs)),
		RM:   Reg(rng.Intn(NumRegs)),
		High: rng.Intn(2) == 0,
	}
	for i := range d.Operands {
		o := &d.Operands[i]
		switch o.Kind {
		case RegOperand:
			if o.Class == BND {
				f.Reg = Reg(rng.Intn(4))
			}
		case ImmOperand:
			f.Imm = randomValue(rng, o.ImmSize(f.Size))
		case DispOperand:
			f.Disp = randomValue(rng, o.OperandSize(f.Size))
		}
	}
	rmOp := d.RM()
	if rmOp != nil && !d.NoMem && (rmOp.Kind == MemOperand || rng.Intn(2) == 0) {
		f.Mem = randomMem(rng)
		f.GS = rng.Intn(8) == 0
		f.Lock = d.Lock && rmOp.Access&Write != 0 && rng.Intn(4) == 0
	}
	return f
}

func randomMem(rng *rand.Rand) *Mem {
	m := &Mem{Base: NoReg, Index: NoReg}
	switch rng.Intn(4) {
	case 0:
		m.RIP = true
	case 1:
		m.Base = Reg(rng.Intn(NumRegs))
		m.Index = Reg(rng.Intn(NumRegs))
		if m.Index == RSP {
			m.Index = NoReg
		}
		m.Scale = 1 << rng.Intn(4)
	default:
		m.Base = Reg(rng.Intn(NumRegs))
	}
	switch rng.Intn(3) {
	case 0:
	case 1:
		m.Disp = int32(int8(rng.Uint32()))
	default:
		m.Disp = int32(rng.Uint32())
	}
	return m
}

func randomValue(rng *rand.Rand, s Size) int64 {
	v := int64(rng.Uint64())
	switch s {
	case S8:
		return int64(int8(v))
	case S16:
		return int64(int16(v))
	case S32:
		return int64(int32(v))
	default:
		return v
	}
}
