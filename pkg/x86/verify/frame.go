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

package verify

import (
	"fmt"

	"vkernel.dev/vkernel/pkg/x86/decode"
	"vkernel.dev/vkernel/pkg/x86/isa"
)

// frameLimit bounds how far rsp, rbp and frame accesses may stray from rsp
// on entry. Anything further could step over the stack guard page.
const frameLimit = GuardSize

// bounds is a range of byte offsets, inclusive at both ends.
type bounds struct {
	lo, hi int64
}

func (b bounds) add(d int64) bounds {
	return bounds{b.lo + d, b.hi + d}
}

func (b bounds) exact() bool {
	return b.lo == b.hi
}

func (b bounds) hull(o bounds) bounds {
	return bounds{min(b.lo, o.lo), max(b.hi, o.hi)}
}

func (b bounds) String() string {
	if b.exact() {
		return fmt.Sprintf("%+d", b.lo)
	}
	return fmt.Sprintf("%+d..%+d", b.lo, b.hi)
}

// valueKind is what the frame pass knows about rbp or a saved slot.
type valueKind uint8

const (
	// anyValue may be any bit pattern.
	anyValue valueKind = iota

	// callerFrame is rbp as it was on entry, plus an offset.
	callerFrame

	// stackAddr is rsp as it was on entry, plus an offset.
	stackAddr
)

type value struct {
	kind valueKind
	b    bounds
}

// frame returns true if v may be used as a frame pointer.
func (v value) frame() bool {
	return v.kind != anyValue
}

// bounded returns v, or anyValue if v points too far from its base.
func (v value) bounded() value {
	if v.b.lo < -frameLimit || v.b.hi > frameLimit {
		return value{}
	}
	return v
}

func (v value) String() string {
	switch v.kind {
	case callerFrame:
		return "rbp on entry" + v.b.String()
	case stackAddr:
		return "rsp on entry" + v.b.String()
	default:
		return "an arbitrary value"
	}
}

func meetValue(a, b value) value {
	if a.kind != b.kind || a.kind == anyValue {
		return value{}
	}
	return value{kind: a.kind, b: a.b.hull(b.b)}
}

// frameState is what the frame pass knows before an instruction.
type frameState struct {
	// rsp is the offset of rsp from rsp on entry.
	rsp bounds

	rbp value

	// slots holds the frame pointers saved on the stack, keyed by their
	// offset from rsp on entry. Any other slot holds anyValue.
	slots map[int64]value
}

func (st *frameState) clone() *frameState {
	c := *st
	c.slots = make(map[int64]value, len(st.slots))
	for k, v := range st.slots {
		c.slots[k] = v
	}
	return &c
}

// meet merges o into st and returns true if st changed.
func (st *frameState) meet(o *frameState) bool {
	changed := false
	if rsp := st.rsp.hull(o.rsp); rsp != st.rsp {
		st.rsp = rsp
		changed = true
	}
	if rbp := meetValue(st.rbp, o.rbp); rbp != st.rbp {
		st.rbp = rbp
		changed = true
	}
	for k, v := range st.slots {
		if ov, ok := o.slots[k]; !ok || ov != v {
			delete(st.slots, k)
			changed = true
		}
	}
	return changed
}

// clobber forgets the saved slots overlapping [lo, hi).
func (st *frameState) clobber(lo, hi int64) {
	for k := range st.slots {
		if k < hi && lo < k+8 {
			delete(st.slots, k)
		}
	}
}

// successors returns the offsets execution may continue at after s.
func successors(s *span) []int {
	for _, e := range s.inst.Effects {
		switch e.Kind {
		case decode.Ret, decode.Ud2:
			return nil
		case decode.Jmp8, decode.Jmp32:
			t := int(e.Target(s.off, s.inst.Len))
			if e.Cond {
				return []int{t, s.end()}
			}
			return []int{t}
		}
	}
	return []int{s.end()}
}

// frames follows rsp and rbp along every path from the entry point. rsp
// must stay within frameLimit below its entry value and return to it
// exactly at every ret. rbp is a frame pointer on entry and stays one
// while it is only set from rsp or restored from the slot it was saved
// to; a frame access through anything else is rejected.
func (v *verifier) frames() *Error {
	in := map[int]*frameState{
		0: {rbp: value{kind: callerFrame}, slots: make(map[int64]value)},
	}
	work := []int{0}
	for len(work) > 0 {
		off := work[len(work)-1]
		work = work[:len(work)-1]
		s, ok := v.insts.Get(&span{off: off})
		if !ok {
			return v.fail(OutOfBounds, off, "no instruction at %#x", off)
		}
		st := in[off].clone()
		if err := v.step(s, st); err != nil {
			return err
		}
		for _, next := range successors(s) {
			old, ok := in[next]
			if !ok {
				in[next] = st.clone()
				work = append(work, next)
				continue
			}
			if old.meet(st) {
				work = append(work, next)
			}
		}
	}
	return nil
}

// step applies the instruction at s to st.
func (v *verifier) step(s *span, st *frameState) *Error {
	inst := &s.inst
	for _, e := range inst.Effects {
		switch e.Kind {
		case decode.ReadMem, decode.WriteMem, decode.ReadStack, decode.WriteStack, decode.Load, decode.Store:
			if err := v.frameAccess(s, st, e); err != nil {
				return err
			}
		case decode.ClobReg:
			if e.Class != isa.GPR {
				continue
			}
			switch e.Reg {
			case isa.RSP:
				if err := v.adjustRSP(s, st); err != nil {
					return err
				}
			case isa.RBP:
				// mov rbp, rsp
				st.rbp = value{kind: stackAddr, b: st.rsp}
			}
		case decode.Move:
			// The first half of leave.
			if err := v.rspFromRBP(s, st, 0); err != nil {
				return err
			}
		case decode.Lea:
			if err := v.leaFrame(s, st, e); err != nil {
				return err
			}
		case decode.Push:
			val := value{}
			if e.Reg == isa.RBP {
				val = st.rbp
			}
			if err := v.setRSP(s, st, st.rsp.add(-8)); err != nil {
				return err
			}
			st.clobber(st.rsp.lo, st.rsp.hi+8)
			if st.rsp.exact() && val.frame() {
				st.slots[st.rsp.lo] = val
			}
		case decode.Pop:
			val := value{}
			if st.rsp.exact() {
				val = st.slots[st.rsp.lo]
			}
			if err := v.setRSP(s, st, st.rsp.add(8)); err != nil {
				return err
			}
			if e.Reg == isa.RBP {
				st.rbp = val
			}
		case decode.Ret:
			if st.rsp != (bounds{}) {
				return v.fail(DisallowedInstruction, s.off, "return with rsp at entry%v", st.rsp)
			}
		}
	}
	return nil
}

// setRSP moves rsp to d, dropping the slots it releases.
func (v *verifier) setRSP(s *span, st *frameState, d bounds) *Error {
	if d.lo < -frameLimit || d.hi > 0 {
		return v.fail(DisallowedInstruction, s.off, "rsp moves to entry%v, outside the frame", d)
	}
	st.rsp = d
	for k := range st.slots {
		if k < d.hi {
			delete(st.slots, k)
		}
	}
	return nil
}

// adjustRSP applies one of the instructions allowed to write rsp.
func (v *verifier) adjustRSP(s *span, st *frameState) *Error {
	switch src := s.inst.Args[1].(type) {
	case decode.ImmArg:
		imm := src.Value
		switch s.inst.Insn.Name {
		case "sub":
			return v.setRSP(s, st, st.rsp.add(-imm))
		case "add":
			return v.setRSP(s, st, st.rsp.add(imm))
		case "and":
			// Alignment lowers rsp by at most the cleared low bits.
			if imm >= 0 || ^imm >= frameLimit {
				return v.fail(DisallowedInstruction, s.off, "rsp mask %#x is not an alignment", uint64(imm))
			}
			return v.setRSP(s, st, bounds{st.rsp.lo + imm + 1, st.rsp.hi})
		}
	case decode.RegArg:
		return v.rspFromRBP(s, st, 0)
	}
	return v.fail(DisallowedInstruction, s.off, "%s changes rsp", s.inst.Mnemonic)
}

// rspFromRBP sets rsp to rbp+disp.
func (v *verifier) rspFromRBP(s *span, st *frameState, disp int64) *Error {
	if st.rbp.kind != stackAddr {
		return v.fail(DisallowedInstruction, s.off, "rsp set from rbp holding %v", st.rbp)
	}
	return v.setRSP(s, st, st.rbp.b.add(disp))
}

// leaFrame applies a lea that may target rsp or rbp.
func (v *verifier) leaFrame(s *span, st *frameState, e decode.Effect) *Error {
	disp := int64(e.Addr.Disp)
	switch e.Reg {
	case isa.RSP:
		if e.Addr.Base == isa.RSP {
			return v.setRSP(s, st, st.rsp.add(disp))
		}
		return v.rspFromRBP(s, st, disp)
	case isa.RBP:
		base := st.rbp
		if e.Addr.Base == isa.RSP {
			base = value{kind: stackAddr, b: st.rsp}
		}
		if base.frame() {
			base = value{kind: base.kind, b: base.b.add(disp)}.bounded()
		}
		st.rbp = base
	}
	return nil
}

// frameAccess checks a memory access through rsp or rbp.
func (v *verifier) frameAccess(s *span, st *frameState, e decode.Effect) *Error {
	a := e.Addr
	if a.GS || a.Kind != decode.AddrBase {
		return nil
	}
	var base value
	switch a.Base {
	case isa.RSP:
		base = value{kind: stackAddr, b: st.rsp}
	case isa.RBP:
		base = st.rbp
	default:
		return nil
	}
	if !base.frame() {
		return v.fail(BadAddressing, s.off, "access to %s with rbp holding %v", a, base)
	}
	w := accessWidth(&s.inst)
	r := base.b.add(int64(a.Disp))
	if r.lo < -frameLimit || r.hi+w > frameLimit {
		return v.fail(BadAddressing, s.off, "access to %s is outside the frame", a)
	}
	switch e.Kind {
	case decode.WriteMem, decode.WriteStack, decode.Store:
		if base.kind == stackAddr {
			st.clobber(r.lo, r.hi+w)
		} else {
			clear(st.slots)
		}
	}
	return nil
}

// accessWidth returns the size of the memory operand of inst, or the
// largest operand size if it has no sized one.
func accessWidth(inst *decode.Inst) int64 {
	for _, arg := range inst.Args {
		if m, ok := arg.(decode.MemArg); ok && !m.NoSize && m.Size != 0 {
			return int64(m.Size)
		}
	}
	return int64(isa.S128)
}
