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

// Package decode decodes x86-64 machine code against the instruction
// catalogue.
//
// The decoder accepts only what the catalogue describes and enforces the
// encoding rules the verifier relies on: every prefix and REX bit must be
// used by the instruction, LOCK requires a written memory destination, and
// instructions are at most 15 bytes long.
package decode

import (
	"encoding/binary"
	"fmt"
	"strings"

	"vkernel.dev/vkernel/pkg/x86/isa"
)

// MaxLen is the architectural instruction length limit.
const MaxLen = 15

// ErrorKind is the reason a byte string does not decode.
type ErrorKind int

// Decoder error kinds.
const (
	// UnknownOpcode indicates an opcode or operand form absent from the
	// catalogue.
	UnknownOpcode ErrorKind = iota

	// IllegalPrefix indicates a duplicate, unsupported or unused prefix
	// or REX byte.
	IllegalPrefix

	// OverlongEncoding indicates an instruction longer than MaxLen.
	OverlongEncoding

	// Truncated indicates that the input ended inside an instruction.
	Truncated
)

// String implements fmt.Stringer.
func (k ErrorKind) String() string {
	switch k {
	case UnknownOpcode:
		return "unknown opcode"
	case IllegalPrefix:
		return "illegal prefix"
	case OverlongEncoding:
		return "overlong encoding"
	case Truncated:
		return "truncated instruction"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Error is a decoding failure.
type Error struct {
	Kind ErrorKind

	// Offset is the offset of the offending byte within the input.
	Offset int

	// Detail optionally describes the failure.
	Detail string

	// Consumed is the number of bytes read when the failure was found.
	// Bytes beyond it do not affect the outcome.
	Consumed int
}

// Error implements error.Error.
func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("at %d: %s: %s", e.Offset, e.Kind, e.Detail)
	}
	return fmt.Sprintf("at %d: %s", e.Offset, e.Kind)
}

// Inst is a decoded instruction.
type Inst struct {
	// Insn is the catalogue descriptor.
	Insn *isa.Insn

	Mnemonic string
	Len      int

	// Size is the operand size.
	Size isa.Size

	Args    []Arg
	Effects []Effect

	// Prefixes are the legacy prefix bytes in encoding order. All of them
	// are used by the instruction.
	Prefixes []byte

	// Rex is the REX byte, or zero. A present REX byte is always used.
	Rex byte

	Lock bool
	GS   bool
}

// String renders the instruction in Intel syntax.
func (i *Inst) String() string {
	var b strings.Builder
	if i.Lock {
		b.WriteString("lock ")
	}
	b.WriteString(i.Mnemonic)
	for n, a := range i.Args {
		if n == 0 {
			b.WriteByte(' ')
		} else {
			b.WriteString(", ")
		}
		b.WriteString(a.String())
	}
	return b.String()
}

// REX bits.
const (
	rexB = 0x01
	rexX = 0x02
	rexR = 0x04
	rexW = 0x08
)

type decoder struct {
	src []byte
	pos int
}

// next consumes one byte.
func (d *decoder) next() (byte, error) {
	if d.pos >= MaxLen {
		return 0, &Error{Kind: OverlongEncoding, Offset: d.pos}
	}
	if d.pos >= len(d.src) {
		return 0, &Error{Kind: Truncated, Offset: d.pos}
	}
	b := d.src[d.pos]
	d.pos++
	return b, nil
}

// value consumes a little-endian value of size s and sign extends it.
func (d *decoder) value(s isa.Size) (int64, error) {
	var buf [8]byte
	for i := 0; i < int(s); i++ {
		b, err := d.next()
		if err != nil {
			return 0, err
		}
		buf[i] = b
	}
	switch s {
	case isa.S8:
		return int64(int8(buf[0])), nil
	case isa.S16:
		return int64(int16(binary.LittleEndian.Uint16(buf[:]))), nil
	case isa.S32:
		return int64(int32(binary.LittleEndian.Uint32(buf[:]))), nil
	case isa.S64:
		return int64(binary.LittleEndian.Uint64(buf[:])), nil
	}
	return 0, fmt.Errorf("bad value size %d", s)
}

func illegal(off int, format string, args ...any) error {
	return &Error{Kind: IllegalPrefix, Offset: off, Detail: fmt.Sprintf(format, args...)}
}

func unknown(off int, format string, args ...any) error {
	return &Error{Kind: UnknownOpcode, Offset: off, Detail: fmt.Sprintf(format, args...)}
}

// prefixState records the legacy prefixes of an instruction.
type prefixState struct {
	bytes []byte

	// offsets of each prefix, or -1.
	opSize, rep, repne, lock, gs int
}

func (p *prefixState) offset(b byte) *int {
	switch b {
	case isa.PrefixOpSize:
		return &p.opSize
	case isa.PrefixREP:
		return &p.rep
	case isa.PrefixREPNE:
		return &p.repne
	case isa.PrefixLock:
		return &p.lock
	case isa.PrefixGS:
		return &p.gs
	}
	return nil
}

// Decode decodes the instruction at the start of src.
func Decode(src []byte) (Inst, error) {
	d := decoder{src: src}
	inst, err := d.decode()
	if e, ok := err.(*Error); ok {
		e.Consumed = d.pos
	}
	return inst, err
}

// decode reads the whole instruction before judging its prefixes, so that
// the length limit applies to encodings with bad prefixes too. The first
// prefix violation is reported once the instruction is complete.
func (d *decoder) decode() (Inst, error) {
	var bad error
	fail := func(err error) {
		if bad == nil {
			bad = err
		}
	}

	// Prefixes.
	p := prefixState{opSize: -1, rep: -1, repne: -1, lock: -1, gs: -1}
	var b byte
	count := 0
	for {
		var err error
		off := d.pos
		if b, err = d.next(); err != nil {
			return Inst{}, err
		}
		switch b {
		case 0x26, 0x2e, 0x36, 0x3e, 0x64, 0x67:
			fail(illegal(off, "unsupported prefix %#02x", b))
			count++
			continue
		}
		slot := p.offset(b)
		if slot == nil {
			break
		}
		count++
		if count > 3 {
			fail(illegal(off, "more than three prefixes"))
		}
		if *slot >= 0 {
			fail(illegal(off, "duplicate prefix %#02x", b))
			continue
		}
		*slot = off
		p.bytes = append(p.bytes, b)
	}

	// REX.
	var rex byte
	rexOff := -1
	if b&0xf0 == 0x40 {
		rex, rexOff = b, d.pos-1
		var err error
		if b, err = d.next(); err != nil {
			return Inst{}, err
		}
	}

	// Opcode.
	opOff := d.pos - 1
	m, op := mapOneByte, b
	if b == 0x0f {
		var err error
		if op, err = d.next(); err != nil {
			return Inst{}, err
		}
		switch op {
		case 0x38, 0x3a:
			m = map0F38
			if op == 0x3a {
				m = map0F3A
			}
			if op, err = d.next(); err != nil {
				return Inst{}, err
			}
		default:
			m = map0F
		}
	}

	// Dispatch, trying the mandatory prefix first.
	if p.rep >= 0 && p.repne >= 0 {
		fail(illegal(max(p.rep, p.repne), "both rep and repne"))
	}
	mandatory := isa.PrefixNone
	var e *entry
	switch {
	case p.rep >= 0:
		if e = dispatch.lookup(classREP, m, op); e != nil {
			mandatory = isa.PrefixREP
		}
	case p.repne >= 0:
		if e = dispatch.lookup(classREPNE, m, op); e != nil {
			mandatory = isa.PrefixREPNE
		}
	case p.opSize >= 0:
		if e = dispatch.lookup(classOpSize, m, op); e != nil {
			mandatory = isa.PrefixOpSize
		}
	}
	if e == nil {
		e = dispatch.lookup(classNone, m, op)
	}
	if e == nil {
		return Inst{}, unknown(opOff, "opcode %#02x in map %d", op, m)
	}

	modrm := -1
	insn := e.insn
	if e.hasExt {
		mb, err := d.next()
		if err != nil {
			return Inst{}, err
		}
		modrm = int(mb)
		if insn = e.ext[mb>>3&7]; insn == nil {
			return Inst{}, unknown(opOff, "opcode %#02x /%d", op, mb>>3&7)
		}
	} else if insn.HasModRM() {
		mb, err := d.next()
		if err != nil {
			return Inst{}, err
		}
		modrm = int(mb)
	}

	// Unused F2/F3 prefixes. The operand size prefix is checked below.
	if p.rep >= 0 && mandatory != isa.PrefixREP {
		fail(illegal(p.rep, "rep prefix not used"))
	}
	if p.repne >= 0 && mandatory != isa.PrefixREPNE {
		fail(illegal(p.repne, "repne prefix not used"))
	}

	// Operand size.
	var rexUsed byte
	w := rex&rexW != 0
	opSize := p.opSize >= 0 && mandatory != isa.PrefixOpSize
	size := insn.Size
	switch insn.Rule {
	case isa.RexSize:
		size = isa.S32
		if w {
			if insn.OpSizeLimit32 {
				fail(illegal(rexOff, "rex.w not allowed"))
			}
			size = isa.S64
		}
		rexUsed |= rexW
		if opSize {
			fail(illegal(p.opSize, "operand size prefix not used"))
		}
	case isa.OpSize:
		size = isa.S32
		switch {
		case w && insn.OpSizeLimit32:
			fail(illegal(rexOff, "rex.w not allowed"))
		case w && opSize:
			fail(illegal(p.opSize, "operand size prefix overridden by rex.w"))
		}
		switch {
		case w:
			size = isa.S64
		case opSize:
			size = isa.S16
		}
		rexUsed |= rexW
	default:
		if opSize {
			fail(illegal(p.opSize, "operand size prefix not used"))
		}
	}

	inst := Inst{
		Insn:     insn,
		Mnemonic: insn.Mnemonic(size),
		Size:     size,
		Prefixes: p.bytes,
		Rex:      rex,
	}

	// ModRM, SIB and displacement.
	var (
		rmArg    Arg
		regNum   isa.Reg
		hasMem   bool
		byteRegs bool
	)
	rmOp := insn.RM()
	if modrm >= 0 {
		mod, regField, rmField := byte(modrm)>>6, byte(modrm)>>3&7, byte(modrm)&7
		regNum = isa.Reg(regField)
		if rex&rexR != 0 {
			regNum += 8
		}
		if rmOp != nil && mod != 3 {
			if insn.NoMem {
				return Inst{}, unknown(opOff, "%s takes no memory operand", insn.Name)
			}
			addr, used, err := d.address(mod, rmField, rex)
			if err != nil {
				return Inst{}, err
			}
			rexUsed |= used
			addr.GS = p.gs >= 0
			hasMem = true
			rmArg = MemArg{Addr: addr, Size: rmOp.OperandSize(size), NoSize: insn.Semantic == isa.SemLea}
		} else if rmOp != nil {
			if rmOp.Kind == isa.MemOperand {
				return Inst{}, unknown(opOff, "%s requires a memory operand", insn.Name)
			}
			r := isa.Reg(rmField)
			if rex&rexB != 0 {
				r += 8
			}
			rexUsed |= rexB
			ra := RegArg{Reg: r, Class: rmOp.Class, Size: rmOp.OperandSize(size)}
			if ra.Class == isa.GPR && ra.Size == isa.S8 && r >= isa.RSP && r <= isa.RDI {
				byteRegs = true
				ra.High = rex == 0
			}
			rmArg = ra
		}
	}

	// Operands in catalogue order.
	for i := range insn.Operands {
		o := &insn.Operands[i]
		osize := o.OperandSize(size)
		switch o.Kind {
		case isa.RmOperand, isa.MemOperand:
			inst.Args = append(inst.Args, rmArg)
		case isa.RegOperand:
			if o.Class == isa.BND && regNum > 3 {
				return Inst{}, unknown(opOff, "bad bound register %d", regNum)
			}
			rexUsed |= rexR
			ra := RegArg{Reg: regNum, Class: o.Class, Size: osize}
			if ra.Class == isa.GPR && ra.Size == isa.S8 && regNum >= isa.RSP && regNum <= isa.RDI {
				byteRegs = true
				ra.High = rex == 0
			}
			inst.Args = append(inst.Args, ra)
		case isa.FixRegOperand:
			inst.Args = append(inst.Args, RegArg{Reg: o.Reg, Class: o.Class, Size: osize})
		case isa.FixRegRexOperand:
			r := o.Reg
			if rex&rexB != 0 {
				r += 8
			}
			rexUsed |= rexB
			ra := RegArg{Reg: r, Class: o.Class, Size: osize}
			if ra.Class == isa.GPR && ra.Size == isa.S8 && r >= isa.RSP && r <= isa.RDI {
				byteRegs = true
				ra.High = rex == 0
			}
			inst.Args = append(inst.Args, ra)
		case isa.AddrOperand:
			inst.Args = append(inst.Args, MemArg{Addr: Addr{Kind: AddrBase, Base: o.Reg, Index: isa.NoReg, Scale: 1}, Size: osize})
		case isa.ImmOperand:
			es := o.ImmSize(size)
			v, err := d.value(es)
			if err != nil {
				return Inst{}, err
			}
			inst.Args = append(inst.Args, ImmArg{Value: v, Size: es})
		case isa.FixImmOperand:
			inst.Args = append(inst.Args, ImmArg{Value: o.Value})
		case isa.DispOperand:
			v, err := d.value(osize)
			if err != nil {
				return Inst{}, err
			}
			inst.Args = append(inst.Args, RelArg{Value: v, Size: osize})
		}
	}

	// Every REX bit must select something.
	if rexOff >= 0 {
		if unused := rex & 0x0f &^ rexUsed; unused != 0 {
			fail(illegal(rexOff, "rex bits %#x not used", unused))
		}
		if rex&0x0f == 0 && !byteRegs {
			fail(illegal(rexOff, "rex not used"))
		}
	}

	// LOCK needs a written memory destination.
	if p.lock >= 0 {
		if !insn.Lock || !hasMem || rmOp.Access&isa.Write == 0 {
			fail(illegal(p.lock, "lock on %s without a memory destination", insn.Name))
		}
		inst.Lock = true
	}
	if p.gs >= 0 {
		if !hasMem {
			fail(illegal(p.gs, "segment override without a memory operand"))
		}
		inst.GS = true
	}
	if bad != nil {
		return Inst{}, bad
	}

	inst.Len = d.pos
	inst.Effects = effects(&inst)
	return inst, nil
}

// address decodes a ModRM memory operand and returns the REX bits it used.
func (d *decoder) address(mod, rm, rex byte) (Addr, byte, error) {
	a := Addr{Kind: AddrBase, Base: isa.NoReg, Index: isa.NoReg, Scale: 1}
	var used byte
	dispSize := DispNone
	switch {
	case rm == 4:
		sib, err := d.next()
		if err != nil {
			return a, 0, err
		}
		a.Scale = 1 << (sib >> 6)
		index := isa.Reg(sib >> 3 & 7)
		if rex&rexX != 0 {
			index += 8
		}
		used |= rexX
		if index != isa.RSP {
			a.Index = index
		} else {
			a.Scale = 1
		}
		base := sib & 7
		if base == 5 && mod == 0 {
			dispSize = Disp32
		} else {
			a.Base = isa.Reg(base)
			if rex&rexB != 0 {
				a.Base += 8
			}
			used |= rexB
		}
	case rm == 5 && mod == 0:
		a.Kind = AddrRip
		dispSize = Disp32
	default:
		a.Base = isa.Reg(rm)
		if rex&rexB != 0 {
			a.Base += 8
		}
		used |= rexB
	}
	switch mod {
	case 1:
		dispSize = Disp8
	case 2:
		dispSize = Disp32
	}
	a.DispSize = dispSize
	switch dispSize {
	case Disp8:
		v, err := d.value(isa.S8)
		if err != nil {
			return a, 0, err
		}
		a.Disp = int32(v)
	case Disp32:
		v, err := d.value(isa.S32)
		if err != nil {
			return a, 0, err
		}
		a.Disp = int32(v)
	}
	return a, used, nil
}
