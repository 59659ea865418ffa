// Copyright 2018 The gVisor Authors.
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

package ring0

import (
	"fmt"
	"unsafe"
)

// Useful bits.
const (
	_CR0_PE = 1 << 0
	_CR0_ET = 1 << 4
	_CR0_NE = 1 << 5
	_CR0_WP = 1 << 16
	_CR0_PG = 1 << 31

	_CR4_PAE        = 1 << 5
	_CR4_PGE        = 1 << 7
	_CR4_OSFXSR     = 1 << 9
	_CR4_OSXMMEXCPT = 1 << 10
	_CR4_FSGSBASE   = 1 << 16

	_EFER_SCE = 0x001
	_EFER_LME = 0x100
	_EFER_LMA = 0x400
	_EFER_NX  = 0x800
)

// Model specific registers.
const (
	MSR_APIC_BASE = 0x1b
	MSR_PAT       = 0x277
	MSR_EFER      = 0xc0000080
	MSR_FS_BASE   = 0xc0000100
	MSR_GS_BASE   = 0xc0000101
)

// CR0 is the control register 0 value the trampoline and the BSP run with.
const CR0 = _CR0_PE | _CR0_ET | _CR0_NE | _CR0_WP | _CR0_PG

// CR4 is the control register 4 value the trampoline installs.
const CR4 = _CR4_PAE | _CR4_PGE | _CR4_OSFXSR | _CR4_OSXMMEXCPT

// EFER is the EFER value the trampoline installs.
const EFER = _EFER_LME | _EFER_NX

// Selector is a segment Selector.
type Selector uint16

// Segment indices and Selectors.
const (
	// Index into GDT array.
	_        = iota // Null descriptor first.
	segKcode        // Kernel code (64-bit).
	segKdata        // Kernel data.
	segTss          // Task segment descriptor.
	segTssHi        // Upper bits for TSS.
	segLast         // Last segment (terminal, not included).
)

// Selectors.
const (
	Kcode Selector = segKcode << 3
	Kdata Selector = segKdata << 3
	Tss   Selector = segTss << 3
)

// Segment descriptor flags.
const (
	SegmentDescriptorAccess     SegmentDescriptorFlags = 1 << 8  // Access bit (always set).
	SegmentDescriptorWrite                             = 1 << 9  // Write permission.
	SegmentDescriptorExpandDown                        = 1 << 10 // Grows down, not used.
	SegmentDescriptorExecute                           = 1 << 11 // Execute permission.
	SegmentDescriptorSystem                            = 1 << 12 // Zero => system, 1 => user code/data.
	SegmentDescriptorPresent                           = 1 << 15 // Present.
	SegmentDescriptorAVL                               = 1 << 20 // Available.
	SegmentDescriptorLong                              = 1 << 21 // Long mode.
	SegmentDescriptorDB                                = 1 << 22 // 16 or 32-bit.
	SegmentDescriptorG                                 = 1 << 23 // Granularity: page or byte.
)

// SegmentDescriptorFlags are typed flags within a descriptor.
type SegmentDescriptorFlags uint32

// SegmentDescriptor is a segment descriptor.
type SegmentDescriptor struct {
	bits [2]uint32
}

// Base returns the descriptor's base linear address.
func (d *SegmentDescriptor) Base() uint32 {
	return d.bits[1]&0xFF000000 | (d.bits[1]&0x000000FF)<<16 | d.bits[0]>>16
}

// Limit returns the descriptor size.
func (d *SegmentDescriptor) Limit() uint32 {
	l := d.bits[0]&0xFFFF | d.bits[1]&0xF0000
	if d.bits[1]&uint32(SegmentDescriptorG) != 0 {
		l <<= 12
		l |= 0xFFF
	}
	return l
}

// Flags returns descriptor flags.
func (d *SegmentDescriptor) Flags() SegmentDescriptorFlags {
	return SegmentDescriptorFlags(d.bits[1] & 0x00F09F00)
}

// DPL returns the descriptor privilege level.
func (d *SegmentDescriptor) DPL() int {
	return int((d.bits[1] >> 13) & 3)
}

func (d *SegmentDescriptor) setNull() {
	d.bits[0] = 0
	d.bits[1] = 0
}

func (d *SegmentDescriptor) set(base, limit uint32, dpl int, flags SegmentDescriptorFlags) {
	flags |= SegmentDescriptorPresent
	if limit>>12 != 0 {
		limit >>= 12
		flags |= SegmentDescriptorG
	}
	d.bits[0] = base<<16 | limit&0xFFFF
	d.bits[1] = base&0xFF000000 | (base>>16)&0xFF | limit&0x000F0000 | uint32(flags) | uint32(dpl)<<13
}

func (d *SegmentDescriptor) setCode64(base, limit uint32, dpl int) {
	d.set(base, limit, dpl,
		SegmentDescriptorDB|
			SegmentDescriptorExecute|
			SegmentDescriptorSystem)
	d.bits[1] |= uint32(SegmentDescriptorLong)
	d.bits[1] &^= uint32(SegmentDescriptorDB)
}

func (d *SegmentDescriptor) setData(base, limit uint32, dpl int) {
	d.set(base, limit, dpl,
		SegmentDescriptorWrite|
			SegmentDescriptorSystem)
}

// setHi is only used for the TSS segment, which is magically 64-bits.
func (d *SegmentDescriptor) setHi(base uint32) {
	d.bits[0] = base
	d.bits[1] = 0
}

// GDT is a per-CPU global descriptor table.
type GDT [segLast]SegmentDescriptor

// Init fills the GDT with the kernel segments and a TSS descriptor for tss.
func (g *GDT) Init(tss *TaskState64) {
	g[0].setNull()
	g[segKcode].setCode64(0, 0, 0)
	g[segKdata].setData(0, 0xffffffff, 0)
	tssBase := uint64(uintptr(unsafe.Pointer(tss)))
	g[segTss].set(
		uint32(tssBase),
		uint32(unsafe.Sizeof(*tss)-1),
		0,
		SegmentDescriptorAccess|SegmentDescriptorExecute)
	g[segTssHi].setHi(uint32(tssBase >> 32))
}

// Limit returns the lgdt limit of g.
func (g *GDT) Limit() uint16 {
	return uint16(unsafe.Sizeof(*g) - 1)
}

// TSSBase returns the full 64-bit base of the TSS descriptor.
func (g *GDT) TSSBase() uint64 {
	return uint64(g[segTssHi].bits[0])<<32 | uint64(g[segTss].Base())
}

// TaskState64 is a 64-bit task state structure.
type TaskState64 struct {
	_              uint32
	rsp0Lo, rsp0Hi uint32
	rsp1Lo, rsp1Hi uint32
	rsp2Lo, rsp2Hi uint32
	_              [2]uint32
	ist1Lo, ist1Hi uint32
	ist2Lo, ist2Hi uint32
	ist3Lo, ist3Hi uint32
	ist4Lo, ist4Hi uint32
	ist5Lo, ist5Hi uint32
	ist6Lo, ist6Hi uint32
	ist7Lo, ist7Hi uint32
	_              [2]uint32
	_              uint16
	ioPerm         uint16
}

// Interrupt stack table indices.
const (
	ISTNone        = 0
	ISTNMI         = 1
	ISTDoubleFault = 2
	ISTPageFault   = 3
)

// SetRSP0 sets the privilege level 0 stack.
func (t *TaskState64) SetRSP0(top uint64) {
	t.rsp0Lo = uint32(top)
	t.rsp0Hi = uint32(top >> 32)
}

// RSP0 returns the privilege level 0 stack.
func (t *TaskState64) RSP0() uint64 {
	return uint64(t.rsp0Hi)<<32 | uint64(t.rsp0Lo)
}

// SetIST sets interrupt stack table entry index (1-7) to top.
func (t *TaskState64) SetIST(index int, top uint64) {
	lo, hi := uint32(top), uint32(top>>32)
	switch index {
	case 1:
		t.ist1Lo, t.ist1Hi = lo, hi
	case 2:
		t.ist2Lo, t.ist2Hi = lo, hi
	case 3:
		t.ist3Lo, t.ist3Hi = lo, hi
	case 4:
		t.ist4Lo, t.ist4Hi = lo, hi
	case 5:
		t.ist5Lo, t.ist5Hi = lo, hi
	case 6:
		t.ist6Lo, t.ist6Hi = lo, hi
	case 7:
		t.ist7Lo, t.ist7Hi = lo, hi
	default:
		panic(fmt.Sprintf("invalid IST index %d", index))
	}
}

// IST returns interrupt stack table entry index (1-7).
func (t *TaskState64) IST(index int) uint64 {
	var lo, hi uint32
	switch index {
	case 1:
		lo, hi = t.ist1Lo, t.ist1Hi
	case 2:
		lo, hi = t.ist2Lo, t.ist2Hi
	case 3:
		lo, hi = t.ist3Lo, t.ist3Hi
	case 4:
		lo, hi = t.ist4Lo, t.ist4Hi
	case 5:
		lo, hi = t.ist5Lo, t.ist5Hi
	case 6:
		lo, hi = t.ist6Lo, t.ist6Hi
	case 7:
		lo, hi = t.ist7Lo, t.ist7Hi
	default:
		panic(fmt.Sprintf("invalid IST index %d", index))
	}
	return uint64(hi)<<32 | uint64(lo)
}

// BlockIO sets the I/O bitmap base beyond the end of the TSS, which denies
// access to every port.
func (t *TaskState64) BlockIO() {
	t.ioPerm = uint16(unsafe.Sizeof(*t))
}

// Gate64 is a 64-bit task, trap, or interrupt gate.
type Gate64 struct {
	bits [4]uint32
}

// Gate types.
const (
	gateTypeInterrupt = 0xE
	gateTypeTrap      = 0xF
	gatePresent       = 1 << 15
)

// SetInterrupt configures g as an interrupt gate: interrupts are disabled on
// entry.
func (g *Gate64) SetInterrupt(cs Selector, rip uint64, dpl int, ist int) {
	g.bits[0] = uint32(cs)<<16 | uint32(rip&0xFFFF)
	g.bits[1] = uint32(rip&0xFFFF0000) | gatePresent | uint32(dpl&3)<<13 | gateTypeInterrupt<<8 | uint32(ist&7)
	g.bits[2] = uint32(rip >> 32)
	g.bits[3] = 0
}

// setNull clears the gate.
func (g *Gate64) setNull() {
	g.bits = [4]uint32{}
}

// Offset returns the gate's target address.
func (g *Gate64) Offset() uint64 {
	return uint64(g.bits[2])<<32 | uint64(g.bits[1]&0xFFFF0000) | uint64(g.bits[0]&0xFFFF)
}

// Selector returns the gate's code segment.
func (g *Gate64) Selector() Selector {
	return Selector(g.bits[0] >> 16)
}

// IST returns the gate's interrupt stack table index.
func (g *Gate64) IST() int {
	return int(g.bits[1] & 7)
}

// Type returns the gate type.
func (g *Gate64) Type() int {
	return int(g.bits[1]>>8) & 0xF
}

// Present returns true if the present bit is set.
func (g *Gate64) Present() bool {
	return g.bits[1]&gatePresent != 0
}

// Clear clears the gate.
func (g *Gate64) Clear() {
	g.setNull()
}
