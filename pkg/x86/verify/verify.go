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

// Package verify checks that x86-64 machine code only does what a verified
// user program is allowed to do.
//
// A function is accepted if every instruction reachable from its entry is
// in the catalogue, control flow leaves the function only by returning,
// trapping or calling a host-callable address, the stack pointer and frame
// pointer follow the usual prologue and epilogue discipline, and every
// memory access is either stack-relative, rip-relative, gs-relative or
// through a register whose value was bounds checked earlier in the same
// straight-line run.
//
// Stack discipline is checked along every path: rsp stays within one guard
// page below its value on entry and is back at that value at every ret,
// and rbp may only address the frame while it holds the entry rbp or an
// address derived from rsp. Popping rbp restores a frame pointer only from
// the slot where one was pushed.
package verify

import (
	"errors"
	"fmt"
	"io"

	"github.com/google/btree"
	"vkernel.dev/vkernel/pkg/x86/decode"
	"vkernel.dev/vkernel/pkg/x86/isa"
)

// Kind is the reason a function was rejected.
type Kind int

// Possible values for Error.Kind.
const (
	// UnknownOpcode indicates bytes that are not an instruction at all. The
	// decoder cannot tell these apart from instructions left out of the
	// catalogue, so they are reported as DisallowedInstruction.
	UnknownOpcode Kind = iota

	// IllegalPrefix indicates a prefix or REX byte the instruction does not
	// use.
	IllegalPrefix

	// DisallowedInstruction indicates an instruction outside the catalogue,
	// or a catalogue instruction used in a way the policy forbids.
	DisallowedInstruction

	// BadAddressing indicates a memory access through an unchecked
	// address.
	BadAddressing

	// OverlongEncoding indicates an instruction longer than 15 bytes.
	OverlongEncoding

	// OutOfBounds indicates control flow leaving the function other than
	// by return or an allowed call.
	OutOfBounds

	// OverlappingTarget indicates a jump into the middle of another
	// instruction.
	OverlappingTarget
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case UnknownOpcode:
		return "UnknownOpcode"
	case IllegalPrefix:
		return "IllegalPrefix"
	case DisallowedInstruction:
		return "DisallowedInstruction"
	case BadAddressing:
		return "BadAddressing"
	case OverlongEncoding:
		return "OverlongEncoding"
	case OutOfBounds:
		return "OutOfBounds"
	case OverlappingTarget:
		return "OverlappingTarget"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is a rejection of a function.
type Error struct {
	// Kind indicates the kind of error that occurred.
	Kind Kind

	// Function is the name of the rejected function.
	Function string

	// Offset is the offset of the offending instruction from the start of
	// the function.
	Offset int

	// Bytes are the bytes at Offset, up to one maximum-length
	// instruction.
	Bytes []byte

	// Detail optionally describes the error.
	Detail string
}

// Error implements error.Error.
func (e *Error) Error() string {
	s := fmt.Sprintf("%s+%#x: %s", e.Function, e.Offset, e.Kind)
	if e.Detail != "" {
		s += ": " + e.Detail
	}
	if len(e.Bytes) > 0 {
		s += fmt.Sprintf(" [% x]", e.Bytes)
	}
	return s
}

// Function is a function to verify.
type Function struct {
	Name string

	// Addr is the virtual address of the first byte of Code. Call targets
	// are resolved against it.
	Addr uint64

	Code []byte
}

// Line is one instruction of a verified function.
type Line struct {
	Offset int
	Inst   decode.Inst
}

// Result is the outcome of verifying one function.
type Result struct {
	Function *Function

	// Lines holds the decoded instructions in address order. On failure it
	// holds those decoded before the failure was found.
	Lines []Line

	// Err is nil if the function was accepted.
	Err *Error
}

// WriteListing writes a disassembly of the function to w.
func (r *Result) WriteListing(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "%016x <%s>:\n", r.Function.Addr, r.Function.Name); err != nil {
		return err
	}
	for _, l := range r.Lines {
		code := r.Function.Code[l.Offset : l.Offset+l.Inst.Len]
		if _, err := fmt.Fprintf(w, "%8x:\t%-30x\t%s\n", r.Function.Addr+uint64(l.Offset), code, l.Inst.String()); err != nil {
			return err
		}
	}
	if r.Err != nil {
		if _, err := fmt.Fprintf(w, "\t%v\n", r.Err); err != nil {
			return err
		}
	}
	return nil
}

// GuardSize is the size of the unmapped region above every user data
// region. A checked base register may be offset by less than this.
const GuardSize = 4096

// span is a decoded instruction at an offset.
type span struct {
	off  int
	inst decode.Inst
}

func (s *span) end() int {
	return s.off + s.inst.Len
}

func spanLess(a, b *span) bool {
	return a.off < b.off
}

type verifier struct {
	fn     *Function
	policy *Policy

	// insts holds every instruction found by the worklist, keyed by
	// offset.
	insts *btree.BTreeG[*span]

	// targets are the offsets jumped to from within the function.
	targets map[int]bool
}

// Verify verifies fn under policy p. It is a pure function of its
// arguments.
func Verify(fn *Function, p *Policy) *Result {
	if p == nil {
		p = DefaultPolicy()
	}
	v := &verifier{
		fn:      fn,
		policy:  p,
		insts:   btree.NewG[*span](8, spanLess),
		targets: make(map[int]bool),
	}
	res := &Result{Function: fn}
	err := v.walk()
	if err == nil {
		err = v.check()
	}
	if err == nil {
		err = v.frames()
	}
	v.insts.Ascend(func(s *span) bool {
		res.Lines = append(res.Lines, Line{Offset: s.off, Inst: s.inst})
		return true
	})
	if err != nil {
		res.Err = err
	}
	return res
}

func (v *verifier) fail(kind Kind, off int, format string, args ...any) *Error {
	end := off + decode.MaxLen
	if end > len(v.fn.Code) {
		end = len(v.fn.Code)
	}
	var b []byte
	if off >= 0 && off < end {
		b = append([]byte(nil), v.fn.Code[off:end]...)
	}
	return &Error{
		Kind:     kind,
		Function: v.fn.Name,
		Offset:   off,
		Bytes:    b,
		Detail:   fmt.Sprintf(format, args...),
	}
}

// walk decodes every instruction reachable from the entry point.
func (v *verifier) walk() *Error {
	if len(v.fn.Code) == 0 {
		return v.fail(OutOfBounds, 0, "empty function")
	}
	work := []int{0}
	for len(work) > 0 {
		off := work[len(work)-1]
		work = work[:len(work)-1]
		for {
			if v.insts.Has(&span{off: off}) {
				break
			}
			if err := v.overlaps(off); err != nil {
				return err
			}
			inst, err := decode.Decode(v.fn.Code[off:])
			if err != nil {
				return v.decodeError(off, err)
			}
			s := &span{off: off, inst: inst}
			if next, ok := v.following(off); ok && next < s.end() {
				return v.fail(OverlappingTarget, next, "target inside instruction at %#x", off)
			}
			v.insts.ReplaceOrInsert(s)

			fallthru, ferr := v.flow(s, &work)
			if ferr != nil {
				return ferr
			}
			if !fallthru {
				break
			}
			off = s.end()
			if off >= len(v.fn.Code) {
				return v.fail(OutOfBounds, s.off, "execution falls off the end")
			}
		}
	}
	return nil
}

// overlaps reports an instruction already decoded that covers off.
func (v *verifier) overlaps(off int) *Error {
	var err *Error
	v.insts.DescendLessOrEqual(&span{off: off}, func(s *span) bool {
		if s.end() > off {
			err = v.fail(OverlappingTarget, off, "target inside instruction at %#x", s.off)
		}
		return false
	})
	return err
}

// following returns the offset of the first decoded instruction after off.
func (v *verifier) following(off int) (int, bool) {
	next, found := 0, false
	v.insts.AscendGreaterOrEqual(&span{off: off + 1}, func(s *span) bool {
		next, found = s.off, true
		return false
	})
	return next, found
}

func (v *verifier) decodeError(off int, err error) *Error {
	var de *decode.Error
	if !errors.As(err, &de) {
		return v.fail(DisallowedInstruction, off, "%v", err)
	}
	switch de.Kind {
	case decode.IllegalPrefix:
		return v.fail(IllegalPrefix, off, "%s", de.Detail)
	case decode.OverlongEncoding:
		return v.fail(OverlongEncoding, off, "%s", de.Detail)
	case decode.Truncated:
		return v.fail(OutOfBounds, off, "instruction crosses the end of the function")
	default:
		return v.fail(DisallowedInstruction, off, "%s", de.Detail)
	}
}

// flow queues the branch targets of s and returns whether execution may
// continue to the next instruction.
func (v *verifier) flow(s *span, work *[]int) (bool, *Error) {
	for _, e := range s.inst.Effects {
		switch e.Kind {
		case decode.Ret, decode.Ud2:
			return false, nil
		case decode.Jmp8, decode.Jmp32:
			t := e.Target(s.off, s.inst.Len)
			if t < 0 || t >= int64(len(v.fn.Code)) {
				return false, v.fail(OutOfBounds, s.off, "jump target %#x outside function", t)
			}
			v.targets[int(t)] = true
			*work = append(*work, int(t))
			return e.Cond, nil
		case decode.Call32:
			addr := v.fn.Addr + uint64(e.Target(s.off, s.inst.Len))
			if !v.policy.IsCallable(addr) {
				return false, v.fail(DisallowedInstruction, s.off, "call to %#x which is not callable", addr)
			}
		case decode.Call:
			// Only an indirect call through a rip-relative slot that
			// the host has marked callable has a known target.
			if e.Addr.Kind != decode.AddrRip || e.Addr.GS {
				return false, v.fail(DisallowedInstruction, s.off, "indirect call through %s", e.Addr)
			}
			slot := v.fn.Addr + uint64(int64(s.end())+int64(e.Addr.Disp))
			if !v.policy.IsCallable(slot) {
				return false, v.fail(DisallowedInstruction, s.off, "call through slot %#x which is not callable", slot)
			}
		}
	}
	return true, nil
}

// check runs over the decoded instructions in address order, tracking
// which registers hold checked addresses.
func (v *verifier) check() *Error {
	var (
		checked [isa.NumRegs]bool
		err     *Error
	)
	v.insts.Ascend(func(s *span) bool {
		if v.targets[s.off] {
			checked = [isa.NumRegs]bool{}
		}
		if err = v.checkInst(s, &checked); err != nil {
			return false
		}
		if s.inst.Insn.Flow != isa.FlowNone {
			checked = [isa.NumRegs]bool{}
		}
		return true
	})
	return err
}

func (v *verifier) checkInst(s *span, checked *[isa.NumRegs]bool) *Error {
	inst := &s.inst
	for _, e := range inst.Effects {
		switch e.Kind {
		case decode.ReadMem, decode.WriteMem, decode.ReadStack, decode.WriteStack, decode.Load, decode.Store:
			if !v.accessible(e.Addr, checked) {
				return v.fail(BadAddressing, s.off, "access to %s", e.Addr)
			}
		}
		switch e.Kind {
		case decode.ClobReg, decode.Load:
			if e.Class != isa.GPR {
				continue
			}
			if (e.Reg == isa.RSP || e.Reg == isa.RBP) && !stackDiscipline(inst, e.Reg) {
				return v.fail(DisallowedInstruction, s.off, "%s changes %s", inst.Mnemonic, e.Reg)
			}
			checked[e.Reg] = false
		case decode.Lea:
			if e.Reg == isa.RSP || e.Reg == isa.RBP {
				if !frameAddr(e.Addr) {
					return v.fail(DisallowedInstruction, s.off, "lea into %s from %s", e.Reg, e.Addr)
				}
				continue
			}
			checked[e.Reg] = false
		case decode.Pop:
			if e.Reg == isa.RSP {
				return v.fail(DisallowedInstruction, s.off, "pop into rsp")
			}
			checked[e.Reg] = false
		case decode.CheckAddr:
			checked[e.Reg] = true
		}
	}
	return nil
}

// accessible reports whether a memory access through a may be performed.
func (v *verifier) accessible(a decode.Addr, checked *[isa.NumRegs]bool) bool {
	if a.GS {
		return v.policy.AllowGS
	}
	if a.Kind == decode.AddrRip {
		return true
	}
	if a.Index != isa.NoReg || a.Base == isa.NoReg {
		return false
	}
	if a.Base == isa.RSP || a.Base == isa.RBP {
		return true
	}
	return checked[a.Base] && a.Disp >= 0 && a.Disp < GuardSize
}

// frameAddr reports whether a is [rsp+disp] or [rbp+disp].
func frameAddr(a decode.Addr) bool {
	return a.Kind == decode.AddrBase && !a.GS && a.Index == isa.NoReg && (a.Base == isa.RSP || a.Base == isa.RBP)
}

// stackDiscipline reports whether inst is one of the instructions allowed
// to change r, which is rsp or rbp.
func stackDiscipline(inst *decode.Inst, r isa.Reg) bool {
	if inst.Size != isa.S64 || len(inst.Args) != 2 {
		return false
	}
	dst, ok := inst.Args[0].(decode.RegArg)
	if !ok || dst.Class != isa.GPR || dst.Reg != r {
		return false
	}
	switch src := inst.Args[1].(type) {
	case decode.ImmArg:
		// Frame allocation, release and alignment.
		if r != isa.RSP {
			return false
		}
		switch inst.Insn.Name {
		case "add", "sub", "and":
			return true
		}
	case decode.RegArg:
		if inst.Insn.Name != "mov" || src.Class != isa.GPR {
			return false
		}
		return (r == isa.RSP && src.Reg == isa.RBP) || (r == isa.RBP && src.Reg == isa.RSP)
	}
	return false
}
