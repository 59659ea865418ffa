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
	"fmt"
	"strconv"
	"strings"
)

// Option is a catalogue tag consumed by the builder.
type Option func(b *builder)

// builder accumulates one descriptor.
type builder struct {
	insn Insn

	// size is the size given to the next operands, or zero for the
	// instruction's operand size.
	size Size

	// access is the access of the next operand; zero means Read.
	access Access

	// immLimit32 makes the next immediate an iz immediate.
	immLimit32 bool
}

func (b *builder) operand(o Operand) {
	o.Size = b.size
	o.Access = b.access
	if o.Access == 0 {
		o.Access = Read
	}
	b.access = 0
	b.insn.Operands = append(b.insn.Operands, o)
}

// Size tags.
var (
	sz8   = fixedSize(S8)
	sz16  = fixedSize(S16)
	sz32  = fixedSize(S32)
	sz64  = fixedSize(S64)
	sz128 = fixedSize(S128)

	// szRex binds the operand size to REX.W.
	szRex Option = func(b *builder) {
		b.insn.Rule = RexSize
		b.size = 0
	}

	// szOp binds the operand size to REX.W and the 66 prefix.
	szOp Option = func(b *builder) {
		b.insn.Rule = OpSize
		b.size = 0
	}

	// opsz returns following operands to the instruction operand size.
	opsz Option = func(b *builder) {
		b.size = 0
	}

	// szImm makes the next immediate follow the immediate size rule.
	szImm Option = func(b *builder) {
		b.immLimit32 = true
	}
)

func fixedSize(s Size) Option {
	return func(b *builder) {
		if b.insn.Rule == Fixed && b.insn.Size == 0 {
			b.insn.Size = s
		}
		b.size = s
	}
}

// Operand tags.
var (
	imm Option = func(b *builder) {
		rule := ImmOperandSize
		switch {
		case b.immLimit32:
			rule = ImmLimit32
		case b.size != 0:
			rule = ImmFixed
		}
		b.immLimit32 = false
		b.operand(Operand{Kind: ImmOperand, Imm: rule})
	}

	disp Option = func(b *builder) {
		b.operand(Operand{Kind: DispOperand})
	}

	mem Option = func(b *builder) {
		b.operand(Operand{Kind: MemOperand, Class: GPR})
	}
)

func fixImm(v int64) Option {
	return func(b *builder) {
		b.operand(Operand{Kind: FixImmOperand, Value: v})
	}
}

func fixReg(r Reg, c Class) Option {
	return func(b *builder) {
		b.operand(Operand{Kind: FixRegOperand, Reg: r, Class: c})
	}
}

func fixRegRex(r Reg, c Class) Option {
	return func(b *builder) {
		b.operand(Operand{Kind: FixRegRexOperand, Reg: r, Class: c})
	}
}

func addr(r Reg) Option {
	return func(b *builder) {
		b.operand(Operand{Kind: AddrOperand, Reg: r})
	}
}

func rm(c Class) Option {
	return func(b *builder) {
		b.operand(Operand{Kind: RmOperand, Class: c})
	}
}

func reg(c Class) Option {
	return func(b *builder) {
		b.operand(Operand{Kind: RegOperand, Class: c})
	}
}

func rmOpcode(ext int8) Option {
	return func(b *builder) {
		b.insn.Ext = ext
	}
}

// Policy tags.
var (
	read Option = func(b *builder) {
		b.access = Read
	}

	write Option = func(b *builder) {
		b.access = Write
	}

	readWrite Option = func(b *builder) {
		b.access = ReadWrite
	}

	lock Option = func(b *builder) {
		b.insn.Lock = true
	}

	opSizePostfix Option = func(b *builder) {
		b.insn.OpSizePostfix = true
	}

	noMem Option = func(b *builder) {
		b.insn.NoMem = true
	}

	opSizeLimit32 Option = func(b *builder) {
		b.insn.OpSizeLimit32 = true
	}
)

func prefix(p byte) Option {
	return func(b *builder) {
		b.insn.Prefix = p
	}
}

func implicit(r Reg, a Access) Option {
	return func(b *builder) {
		b.insn.Implicit = append(b.insn.Implicit, Implicit{Reg: r, Access: a})
	}
}

func names(s16, s32, s64 string) Option {
	return func(b *builder) {
		b.insn.Names = [3]string{s16, s32, s64}
	}
}

func flow(f Flow) Option {
	return func(b *builder) {
		b.insn.Flow = f
	}
}

func sem(s Semantic) Option {
	return func(b *builder) {
		b.insn.Semantic = s
	}
}

// parseOpcode parses space separated hex bytes.
func parseOpcode(s string) []byte {
	var out []byte
	for _, f := range strings.Fields(s) {
		v, err := strconv.ParseUint(f, 16, 8)
		if err != nil {
			panic(fmt.Sprintf("bad opcode %q: %v", s, err))
		}
		out = append(out, byte(v))
	}
	return out
}

// table collects descriptors.
type table struct {
	insns []*Insn
}

// def declares one instruction form.
func (t *table) def(name, opcode string, opts ...Option) *Insn {
	b := builder{insn: Insn{Name: name, Opcode: parseOpcode(opcode), Ext: -1}}
	for _, o := range opts {
		o(&b)
	}
	d := &b.insn
	if err := d.check(); err != nil {
		panic(fmt.Sprintf("catalogue entry %v: %v", d, err))
	}
	t.insns = append(t.insns, d)
	return d
}

// pair declares the 8-bit form at opcode and the sized form at opcode+1.
func (t *table) pair(name, opcode string, opts ...Option) {
	code := parseOpcode(opcode)
	t.def(name, opcode, append([]Option{sz8}, opts...)...)
	code[len(code)-1]++
	t.def(name, formatOpcode(code), append([]Option{szOp}, opts...)...)
}

// regs declares eight forms with the register in the low opcode bits. A nil
// option marks where the register operand goes.
func (t *table) regs(name, opcode string, opts ...Option) {
	code := parseOpcode(opcode)
	for r := Reg(0); r < 8; r++ {
		c := append([]byte(nil), code...)
		c[len(c)-1] += byte(r)
		var all []Option
		for _, o := range opts {
			if o == nil {
				o = fixRegRex(r, GPR)
			}
			all = append(all, o)
		}
		t.def(name, formatOpcode(c), all...)
	}
}

func formatOpcode(code []byte) string {
	var parts []string
	for _, c := range code {
		parts = append(parts, fmt.Sprintf("%02x", c))
	}
	return strings.Join(parts, " ")
}

// check validates a descriptor.
func (d *Insn) check() error {
	modrm := 0
	hasReg := false
	for _, o := range d.Operands {
		switch o.Kind {
		case RmOperand, MemOperand:
			modrm++
		case RegOperand:
			hasReg = true
		case FixRegRexOperand:
			if o.Reg >= 8 {
				return fmt.Errorf("opcode register %d out of range", o.Reg)
			}
		}
	}
	if modrm > 1 {
		return fmt.Errorf("%d r/m operands", modrm)
	}
	if hasReg && d.Ext >= 0 {
		return fmt.Errorf("reg operand and opcode extension")
	}
	if d.Lock && modrm == 0 {
		return fmt.Errorf("lock without r/m operand")
	}
	if d.NoMem && modrm == 0 {
		return fmt.Errorf("register-only without r/m operand")
	}
	if d.Prefix != PrefixNone && d.Prefix != PrefixOpSize && d.Prefix != PrefixREP && d.Prefix != PrefixREPNE {
		return fmt.Errorf("bad mandatory prefix %#x", d.Prefix)
	}
	if d.Prefix == PrefixOpSize && d.Rule == OpSize {
		return fmt.Errorf("mandatory 66 on an operand size instruction")
	}
	return nil
}
