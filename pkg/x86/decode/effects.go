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

	"vkernel.dev/vkernel/pkg/x86/isa"
)

// EffectKind is the kind of an effect.
type EffectKind uint8

// Effect kinds.
const (
	None EffectKind = iota
	ClobReg
	ReadMem
	WriteMem
	ReadStack
	WriteStack
	Load
	Store
	Move
	Push
	Pop
	Lea
	CheckAddr
	Call
	Call32
	Jmp32
	Jmp8
	Ud2
	Imm8
	Imm16
	Imm32
	Imm64
	Ret
)

var effectNames = [...]string{
	None:       "None",
	ClobReg:    "ClobReg",
	ReadMem:    "ReadMem",
	WriteMem:   "WriteMem",
	ReadStack:  "ReadStack",
	WriteStack: "WriteStack",
	Load:       "Load",
	Store:      "Store",
	Move:       "Move",
	Push:       "Push",
	Pop:        "Pop",
	Lea:        "Lea",
	CheckAddr:  "CheckAddr",
	Call:       "Call",
	Call32:     "Call32",
	Jmp32:      "Jmp32",
	Jmp8:       "Jmp8",
	Ud2:        "Ud2",
	Imm8:       "Imm8",
	Imm16:      "Imm16",
	Imm32:      "Imm32",
	Imm64:      "Imm64",
	Ret:        "Ret",
}

// String implements fmt.Stringer.
func (k EffectKind) String() string {
	if int(k) < len(effectNames) {
		return effectNames[k]
	}
	return fmt.Sprintf("EffectKind(%d)", uint8(k))
}

// Effect is one thing an instruction does to the verifier's abstract
// state.
type Effect struct {
	Kind EffectKind

	// Reg is the register written by ClobReg, Load, Move, Pop and Lea,
	// read by Store and Push, or checked by CheckAddr. It is NoReg for a
	// push of an immediate.
	Reg   isa.Reg
	Class isa.Class

	// Src is the source register of Move.
	Src isa.Reg

	// Addr is the address of memory effects, Load, Store, Lea and Call.
	Addr Addr

	// Value is the immediate, or the displacement of a relative branch.
	Value int64

	// Cond is set on conditional branches.
	Cond bool
}

// String implements fmt.Stringer.
func (e Effect) String() string {
	switch e.Kind {
	case ClobReg, Push, Pop, CheckAddr:
		return fmt.Sprintf("%s(%s)", e.Kind, isa.RegName(e.Reg, e.Class, isa.S64, false))
	case ReadMem, WriteMem, ReadStack, WriteStack, Call:
		return fmt.Sprintf("%s(%s)", e.Kind, e.Addr)
	case Load, Lea:
		return fmt.Sprintf("%s(%s, %s)", e.Kind, isa.RegName(e.Reg, e.Class, isa.S64, false), e.Addr)
	case Store:
		return fmt.Sprintf("%s(%s, %s)", e.Kind, e.Addr, isa.RegName(e.Reg, e.Class, isa.S64, false))
	case Move:
		return fmt.Sprintf("%s(%s, %s)", e.Kind, e.Reg, e.Src)
	case Jmp8, Jmp32:
		if e.Cond {
			return fmt.Sprintf("%s(cond, %s)", e.Kind, signed(e.Value))
		}
		return fmt.Sprintf("%s(%s)", e.Kind, signed(e.Value))
	case Call32:
		return fmt.Sprintf("%s(%s)", e.Kind, signed(e.Value))
	case Imm8, Imm16, Imm32, Imm64:
		return fmt.Sprintf("%s(%d)", e.Kind, e.Value)
	default:
		return e.Kind.String()
	}
}

// Target returns the branch target of a relative branch effect at offset
// off in an instruction of length n.
func (e Effect) Target(off, n int) int64 {
	return int64(off) + int64(n) + e.Value
}

func immEffect(a ImmArg) (Effect, bool) {
	switch a.Size {
	case isa.S8:
		return Effect{Kind: Imm8, Value: a.Value}, true
	case isa.S16:
		return Effect{Kind: Imm16, Value: a.Value}, true
	case isa.S32:
		return Effect{Kind: Imm32, Value: a.Value}, true
	case isa.S64:
		return Effect{Kind: Imm64, Value: a.Value}, true
	}
	// Implied by the opcode.
	return Effect{}, false
}

func memEffect(addr Addr, write bool) Effect {
	switch {
	case addr.Stack() && write:
		return Effect{Kind: WriteStack, Addr: addr}
	case addr.Stack():
		return Effect{Kind: ReadStack, Addr: addr}
	case write:
		return Effect{Kind: WriteMem, Addr: addr}
	default:
		return Effect{Kind: ReadMem, Addr: addr}
	}
}

func clob(r RegArg) Effect {
	return Effect{Kind: ClobReg, Reg: r.Full(), Class: r.Class}
}

// effects derives the effect list of a decoded instruction.
func effects(inst *Inst) []Effect {
	var out []Effect
	insn := inst.Insn
	switch insn.Semantic {
	case isa.SemMove:
		out = moveEffects(inst)
	case isa.SemLea:
		dst := inst.Args[0].(RegArg)
		out = append(out, Effect{Kind: Lea, Reg: dst.Reg, Class: dst.Class, Addr: inst.Args[1].(MemArg).Addr})
	case isa.SemPush:
		switch a := inst.Args[0].(type) {
		case RegArg:
			out = append(out, Effect{Kind: Push, Reg: a.Reg})
		case ImmArg:
			out = append(out, Effect{Kind: Push, Reg: isa.NoReg})
			if e, ok := immEffect(a); ok {
				out = append(out, e)
			}
		}
	case isa.SemPop:
		out = append(out, Effect{Kind: Pop, Reg: inst.Args[0].(RegArg).Reg})
	case isa.SemLeave:
		out = append(out, Effect{Kind: Move, Reg: isa.RSP, Src: isa.RBP}, Effect{Kind: Pop, Reg: isa.RBP})
	case isa.SemCheck:
		r := inst.Args[1].(RegArg)
		out = append(out, Effect{Kind: CheckAddr, Reg: r.Reg})
	default:
		out = operandEffects(inst)
	}
	for _, im := range insn.Implicit {
		if im.Access&isa.Write != 0 {
			out = append(out, Effect{Kind: ClobReg, Reg: im.Reg})
		}
	}
	switch insn.Flow {
	case isa.FlowRet:
		out = append(out, Effect{Kind: Ret})
	case isa.FlowTrap:
		out = append(out, Effect{Kind: Ud2})
	}
	if len(out) == 0 {
		out = append(out, Effect{Kind: None})
	}
	return out
}

func moveEffects(inst *Inst) []Effect {
	var out []Effect
	switch dst := inst.Args[0].(type) {
	case RegArg:
		switch src := inst.Args[1].(type) {
		case MemArg:
			out = append(out, Effect{Kind: Load, Reg: dst.Full(), Class: dst.Class, Addr: src.Addr})
		case ImmArg:
			out = append(out, clob(dst))
			if e, ok := immEffect(src); ok {
				out = append(out, e)
			}
		default:
			out = append(out, clob(dst))
		}
	case MemArg:
		switch src := inst.Args[1].(type) {
		case RegArg:
			out = append(out, Effect{Kind: Store, Reg: src.Full(), Class: src.Class, Addr: dst.Addr})
		case ImmArg:
			out = append(out, memEffect(dst.Addr, true))
			if e, ok := immEffect(src); ok {
				out = append(out, e)
			}
		}
	}
	return out
}

func operandEffects(inst *Inst) []Effect {
	var out []Effect
	insn := inst.Insn
	for i, a := range inst.Args {
		o := &insn.Operands[i]
		switch a := a.(type) {
		case RegArg:
			if o.Access&isa.Write != 0 {
				out = append(out, clob(a))
			}
		case MemArg:
			if insn.Flow == isa.FlowCall {
				out = append(out, Effect{Kind: Call, Addr: a.Addr})
				continue
			}
			if o.Access&isa.Read != 0 {
				out = append(out, memEffect(a.Addr, false))
			}
			if o.Access&isa.Write != 0 {
				out = append(out, memEffect(a.Addr, true))
			}
		case ImmArg:
			if e, ok := immEffect(a); ok {
				out = append(out, e)
			}
		case RelArg:
			switch {
			case insn.Flow == isa.FlowCall:
				out = append(out, Effect{Kind: Call32, Value: a.Value})
			case a.Size == isa.S8:
				out = append(out, Effect{Kind: Jmp8, Value: a.Value, Cond: insn.Flow == isa.FlowCond})
			default:
				out = append(out, Effect{Kind: Jmp32, Value: a.Value, Cond: insn.Flow == isa.FlowCond})
			}
		}
	}
	return out
}
