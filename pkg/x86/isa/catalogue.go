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

// Condition code suffixes in encoding order.
var conds = [16]string{"o", "no", "b", "ae", "e", "ne", "be", "a", "s", "ns", "p", "np", "l", "ge", "le", "g"}

// catalogue is built once at init.
var catalogue = build()

// Catalogue returns every instruction form. The result must not be
// modified.
func Catalogue() []*Insn {
	return catalogue
}

// Lookup returns the forms with the given base name.
func Lookup(name string) []*Insn {
	var out []*Insn
	for _, d := range catalogue {
		if d.Name == name {
			out = append(out, d)
		}
	}
	return out
}

func build() []*Insn {
	var t table

	// Integer arithmetic.
	for n, name := range []string{"add", "or", "adc", "sbb", "and", "sub", "xor", "cmp"} {
		base := n * 8
		dst, lk := readWrite, lock
		if name == "cmp" {
			dst, lk = read, func(*builder) {}
		}
		t.pair(name, opcodeHex(base), dst, rm(GPR), reg(GPR), lk)
		t.pair(name, opcodeHex(base+2), dst, reg(GPR), rm(GPR))
		t.pair(name, opcodeHex(base+4), dst, fixReg(RAX, GPR), szImm, imm)
		t.pair(name, "80", rmOpcode(int8(n)), dst, rm(GPR), szImm, imm, lk)
		t.def(name, "83", rmOpcode(int8(n)), szOp, dst, rm(GPR), sz8, imm, lk)
	}
	t.pair("test", "84", rm(GPR), reg(GPR))
	t.pair("test", "a8", fixReg(RAX, GPR), szImm, imm)
	t.pair("test", "f6", rmOpcode(0), rm(GPR), szImm, imm)
	t.pair("inc", "fe", rmOpcode(0), readWrite, rm(GPR), lock)
	t.pair("dec", "fe", rmOpcode(1), readWrite, rm(GPR), lock)
	t.pair("not", "f6", rmOpcode(2), readWrite, rm(GPR), lock)
	t.pair("neg", "f6", rmOpcode(3), readWrite, rm(GPR), lock)
	for n, name := range []string{"mul", "imul", "div", "idiv"} {
		ext := rmOpcode(int8(n + 4))
		t.def(name, "f6", ext, sz8, rm(GPR), implicit(RAX, ReadWrite))
		t.def(name, "f7", ext, szOp, rm(GPR), implicit(RAX, ReadWrite), implicit(RDX, ReadWrite))
	}
	t.def("imul", "0f af", szOp, readWrite, reg(GPR), rm(GPR))
	t.def("imul", "69", szOp, write, reg(GPR), rm(GPR), szImm, imm)
	t.def("imul", "6b", szOp, write, reg(GPR), rm(GPR), sz8, imm)
	for n, name := range []string{"rol", "ror", "rcl", "rcr", "shl", "shr", "", "sar"} {
		if name == "" {
			continue
		}
		ext := rmOpcode(int8(n))
		t.pair(name, "c0", ext, readWrite, rm(GPR), sz8, imm)
		t.pair(name, "d0", ext, readWrite, rm(GPR), sz8, fixImm(1))
		t.pair(name, "d2", ext, readWrite, rm(GPR), sz8, fixReg(RCX, GPR))
	}
	t.def("cdq", "99", szOp, names("cwd", "cdq", "cqo"), implicit(RAX, Read), implicit(RDX, Write))
	t.def("cdqe", "98", szOp, names("cbw", "cwde", "cdqe"), implicit(RAX, ReadWrite))
	t.def("popcnt", "0f b8", prefix(PrefixREP), szOp, write, reg(GPR), rm(GPR))
	t.def("tzcnt", "0f bc", prefix(PrefixREP), szOp, write, reg(GPR), rm(GPR))
	t.def("lzcnt", "0f bd", prefix(PrefixREP), szOp, write, reg(GPR), rm(GPR))
	t.def("bt", "0f a3", szOp, rm(GPR), reg(GPR))

	// Data movement.
	t.pair("mov", "88", sem(SemMove), write, rm(GPR), reg(GPR))
	t.pair("mov", "8a", sem(SemMove), write, reg(GPR), rm(GPR))
	t.regs("mov", "b0", sem(SemMove), sz8, write, nil, imm)
	t.regs("mov", "b8", sem(SemMove), szOp, write, nil, imm)
	t.pair("mov", "c6", rmOpcode(0), sem(SemMove), write, rm(GPR), szImm, imm)
	t.def("lea", "8d", sem(SemLea), szOp, write, reg(GPR), mem)
	t.def("movzx", "0f b6", szOp, write, reg(GPR), sz8, rm(GPR))
	t.def("movzx", "0f b7", szOp, write, reg(GPR), sz16, rm(GPR))
	t.def("movsx", "0f be", szOp, write, reg(GPR), sz8, rm(GPR))
	t.def("movsx", "0f bf", szOp, write, reg(GPR), sz16, rm(GPR))
	t.def("movsxd", "63", szRex, write, reg(GPR), sz32, rm(GPR))
	t.pair("xchg", "86", readWrite, rm(GPR), readWrite, reg(GPR), lock)
	t.pair("xadd", "0f c0", readWrite, rm(GPR), readWrite, reg(GPR), lock)
	t.pair("cmpxchg", "0f b0", readWrite, rm(GPR), reg(GPR), implicit(RAX, ReadWrite), lock)
	t.pair("stos", "aa", opSizePostfix, write, addr(RDI), fixReg(RAX, GPR), implicit(RDI, ReadWrite))
	for cc, c := range conds {
		t.def("cmov"+c, opcodeHex(0x0f, 0x40+cc), szOp, readWrite, reg(GPR), rm(GPR))
		t.def("set"+c, opcodeHex(0x0f, 0x90+cc), sz8, write, rm(GPR))
	}

	// Stack.
	t.regs("push", "50", sem(SemPush), sz64, nil)
	t.regs("pop", "58", sem(SemPop), sz64, write, nil)
	t.def("push", "6a", sem(SemPush), sz64, sz8, imm)
	t.def("push", "68", sem(SemPush), sz64, sz32, imm)
	t.def("leave", "c9", sem(SemLeave), sz64)

	// Control flow.
	t.def("call", "e8", flow(FlowCall), sz32, disp)
	t.def("call", "ff", rmOpcode(2), flow(FlowCall), sz64, mem)
	t.def("jmp", "e9", flow(FlowJump), sz32, disp)
	t.def("jmp", "eb", flow(FlowJump), sz8, disp)
	for cc, c := range conds {
		t.def("j"+c, opcodeHex(0x70+cc), flow(FlowCond), sz8, disp)
		t.def("j"+c, opcodeHex(0x0f, 0x80+cc), flow(FlowCond), sz32, disp)
	}
	t.def("ret", "c3", flow(FlowRet))
	t.def("ud2", "0f 0b", flow(FlowTrap))
	t.def("nop", "90")
	t.def("nop", "0f 1f", rmOpcode(0), szOp, rm(GPR))

	// Address checks. Only the upper bound check establishes that a
	// pointer is in the user range; the lower bound holds for any pointer
	// below the kernel half.
	t.def("bndcl", "0f 1a", prefix(PrefixREP), reg(BND), sz64, rm(GPR), noMem)
	t.def("bndcu", "0f 1a", prefix(PrefixREPNE), sem(SemCheck), reg(BND), sz64, rm(GPR), noMem)

	// SSE.
	for _, op := range []struct {
		name string
		code int
	}{
		{"add", 0x58}, {"mul", 0x59}, {"sub", 0x5c}, {"min", 0x5d}, {"div", 0x5e}, {"max", 0x5f},
	} {
		code := opcodeHex(0x0f, op.code)
		t.def(op.name+"ps", code, sz128, readWrite, reg(XMM), rm(XMM))
		t.def(op.name+"pd", code, prefix(PrefixOpSize), sz128, readWrite, reg(XMM), rm(XMM))
		t.def(op.name+"ss", code, prefix(PrefixREP), sz128, readWrite, reg(XMM), sz32, rm(XMM))
		t.def(op.name+"sd", code, prefix(PrefixREPNE), sz128, readWrite, reg(XMM), sz64, rm(XMM))
	}
	t.def("movups", "0f 10", sem(SemMove), sz128, write, reg(XMM), rm(XMM))
	t.def("movups", "0f 11", sem(SemMove), sz128, write, rm(XMM), reg(XMM))
	t.def("movss", "0f 10", prefix(PrefixREP), sem(SemMove), sz128, write, reg(XMM), sz32, rm(XMM))
	t.def("movss", "0f 11", prefix(PrefixREP), sem(SemMove), sz32, write, rm(XMM), sz128, reg(XMM))
	t.def("movsd", "0f 10", prefix(PrefixREPNE), sem(SemMove), sz128, write, reg(XMM), sz64, rm(XMM))
	t.def("movsd", "0f 11", prefix(PrefixREPNE), sem(SemMove), sz64, write, rm(XMM), sz128, reg(XMM))
	t.def("movaps", "0f 28", sem(SemMove), sz128, write, reg(XMM), rm(XMM))
	t.def("movaps", "0f 29", sem(SemMove), sz128, write, rm(XMM), reg(XMM))
	t.def("movdqa", "0f 6f", prefix(PrefixOpSize), sem(SemMove), sz128, write, reg(XMM), rm(XMM))
	t.def("movdqa", "0f 7f", prefix(PrefixOpSize), sem(SemMove), sz128, write, rm(XMM), reg(XMM))
	t.def("movdqu", "0f 6f", prefix(PrefixREP), sem(SemMove), sz128, write, reg(XMM), rm(XMM))
	t.def("movdqu", "0f 7f", prefix(PrefixREP), sem(SemMove), sz128, write, rm(XMM), reg(XMM))
	t.def("movd", "0f 6e", prefix(PrefixOpSize), names("", "movd", "movq"), sem(SemMove), szRex, write, sz128, reg(XMM), opsz, rm(GPR))
	t.def("movd", "0f 7e", prefix(PrefixOpSize), names("", "movd", "movq"), sem(SemMove), szRex, write, rm(GPR), sz128, reg(XMM))
	t.def("movq", "0f 7e", prefix(PrefixREP), sem(SemMove), sz128, write, reg(XMM), sz64, rm(XMM))
	t.def("movq", "0f d6", prefix(PrefixOpSize), sem(SemMove), sz64, write, rm(XMM), sz128, reg(XMM))
	t.def("xorps", "0f 57", sz128, readWrite, reg(XMM), rm(XMM))
	t.def("xorpd", "0f 57", prefix(PrefixOpSize), sz128, readWrite, reg(XMM), rm(XMM))
	t.def("andps", "0f 54", sz128, readWrite, reg(XMM), rm(XMM))
	t.def("andpd", "0f 54", prefix(PrefixOpSize), sz128, readWrite, reg(XMM), rm(XMM))
	t.def("pand", "0f db", prefix(PrefixOpSize), sz128, readWrite, reg(XMM), rm(XMM))
	t.def("por", "0f eb", prefix(PrefixOpSize), sz128, readWrite, reg(XMM), rm(XMM))
	t.def("pxor", "0f ef", prefix(PrefixOpSize), sz128, readWrite, reg(XMM), rm(XMM))
	t.def("paddq", "0f d4", prefix(PrefixOpSize), sz128, readWrite, reg(XMM), rm(XMM))
	t.def("pshufd", "0f 70", prefix(PrefixOpSize), sz128, write, reg(XMM), rm(XMM), sz8, imm)
	t.def("pshufb", "0f 38 00", prefix(PrefixOpSize), sz128, readWrite, reg(XMM), rm(XMM))
	t.def("palignr", "0f 3a 0f", prefix(PrefixOpSize), sz128, readWrite, reg(XMM), rm(XMM), sz8, imm)
	t.def("ucomiss", "0f 2e", sz128, reg(XMM), sz32, rm(XMM))
	t.def("ucomisd", "0f 2e", prefix(PrefixOpSize), sz128, reg(XMM), sz64, rm(XMM))
	t.def("comisd", "0f 2f", prefix(PrefixOpSize), sz128, reg(XMM), sz64, rm(XMM))
	t.def("cvtsi2ss", "0f 2a", prefix(PrefixREP), szRex, readWrite, sz128, reg(XMM), opsz, rm(GPR))
	t.def("cvtsi2sd", "0f 2a", prefix(PrefixREPNE), szRex, readWrite, sz128, reg(XMM), opsz, rm(GPR))
	t.def("cvttss2si", "0f 2c", prefix(PrefixREP), szRex, write, reg(GPR), sz32, rm(XMM))
	t.def("cvttsd2si", "0f 2c", prefix(PrefixREPNE), szRex, write, reg(GPR), sz64, rm(XMM))
	t.def("cvtss2sd", "0f 5a", prefix(PrefixREP), sz128, readWrite, reg(XMM), sz32, rm(XMM))
	t.def("cvtsd2ss", "0f 5a", prefix(PrefixREPNE), sz128, readWrite, reg(XMM), sz64, rm(XMM))

	return t.insns
}

// opcodeHex formats opcode bytes for def.
func opcodeHex(code ...int) string {
	var b []byte
	for _, c := range code {
		b = append(b, byte(c))
	}
	return formatOpcode(b)
}
