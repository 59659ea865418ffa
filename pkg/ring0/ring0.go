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

// Package ring0 defines the boundary between the kernel and the processor.
//
// Every privileged operation the kernel performs is a method of Processor
// (per-CPU state such as CR3, the descriptor tables, interrupt flag and the
// local APIC) or Machine (platform state shared by all CPUs). Native
// implements both on bare metal with tightly scoped assembly primitives;
// hosted machines implement them in software.
package ring0

import (
	"vkernel.dev/vkernel/pkg/hostarch"
)

// Vector is an interrupt vector.
type Vector uint8

// Architectural exception vectors.
const (
	DivideByZero               Vector = 0
	Debug                      Vector = 1
	NMI                        Vector = 2
	Breakpoint                 Vector = 3
	Overflow                   Vector = 4
	BoundRangeExceeded         Vector = 5
	InvalidOpcode              Vector = 6
	DeviceNotAvailable         Vector = 7
	DoubleFault                Vector = 8
	CoprocessorSegmentOverrun  Vector = 9
	InvalidTSS                 Vector = 10
	SegmentNotPresent          Vector = 11
	StackSegmentFault          Vector = 12
	GeneralProtectionFault     Vector = 13
	PageFault                  Vector = 14
	X87FloatingPointException  Vector = 16
	AlignmentCheck             Vector = 17
	MachineCheck               Vector = 18
	SIMDFloatingPointException Vector = 19
	VirtualizationException    Vector = 20
	SecurityException          Vector = 30

	// NumVectors is the number of IDT gates.
	NumVectors = 256
)

// HasErrorCode returns true if the processor pushes an error code for v.
func (v Vector) HasErrorCode() bool {
	switch v {
	case DoubleFault, InvalidTSS, SegmentNotPresent, StackSegmentFault,
		GeneralProtectionFault, PageFault, AlignmentCheck, SecurityException:
		return true
	}
	return false
}

// Frame is the state saved on interrupt entry, lowest address first.
//
// The ISR stubs push ErrorCode (a zero when the processor does not) and
// Vector, and the common entry pushes the general purpose registers.
type Frame struct {
	R15       uint64
	R14       uint64
	R13       uint64
	R12       uint64
	R11       uint64
	R10       uint64
	R9        uint64
	R8        uint64
	RBP       uint64
	RDI       uint64
	RSI       uint64
	RDX       uint64
	RCX       uint64
	RBX       uint64
	RAX       uint64
	Vector    uint64
	ErrorCode uint64

	// Pushed by the processor.
	RIP    uint64
	CS     uint64
	RFLAGS uint64
	RSP    uint64
	SS     uint64
}

// APICRegisters is a local APIC register window. Offsets are byte offsets
// of 32-bit registers.
type APICRegisters interface {
	Read(offset uint32) uint32
	Write(offset uint32, value uint32)
}

// Processor is a single logical CPU. All methods act on the CPU executing
// the call.
type Processor interface {
	// LoadPageTable writes CR3, flushing non-global translations.
	LoadPageTable(root hostarch.PhysAddr)

	// PageTable reads CR3.
	PageTable() hostarch.PhysAddr

	// InvalidatePage executes invlpg for addr.
	InvalidatePage(addr hostarch.Addr)

	// LoadGDT executes lgdt and reloads the segment registers.
	LoadGDT(base hostarch.Addr, limit uint16)

	// LoadIDT executes lidt.
	LoadIDT(base hostarch.Addr, limit uint16)

	// LoadTaskRegister executes ltr.
	LoadTaskRegister(sel Selector)

	// WriteGSBase sets the GS base to the per-CPU pointer.
	WriteGSBase(addr uintptr)

	// ReadGSBase returns the GS base.
	ReadGSBase() uintptr

	// ReadMSR executes rdmsr.
	ReadMSR(reg uint32) uint64

	// WriteMSR executes wrmsr.
	WriteMSR(reg uint32, value uint64)

	// CPUID executes cpuid.
	CPUID(fn, sub uint32) (eax, ebx, ecx, edx uint32)

	// DisableInterrupts executes cli.
	DisableInterrupts()

	// EnableInterrupts executes sti.
	EnableInterrupts()

	// Halt executes hlt. It returns after an interrupt has been handled.
	Halt()

	// Pause executes pause, the spin-wait hint.
	Pause()

	// Fence executes mfence.
	Fence()

	// APIC returns the local APIC register window.
	APIC() APICRegisters
}

// Machine is the platform shared by all processors.
type Machine interface {
	// Boot returns the processor executing the kernel entry point.
	Boot() Processor

	// PITTicks returns the number of PIT interrupts so far.
	PITTicks() uint64

	// PITFrequency returns the PIT interrupt rate in Hz.
	PITFrequency() uint64

	// SetAPICWindow records the virtual address at which the local APIC
	// registers are mapped.
	SetAPICWindow(addr hostarch.Addr)

	// SetInterruptEntry installs the function that the ISR stubs call.
	SetInterruptEntry(fn func(p Processor, f *Frame))

	// SetAPEntry installs the function that application processors call
	// once the trampoline reaches 64-bit mode. cpu is the address of the
	// CPU record the trampoline located by APIC ID.
	SetAPEntry(fn func(p Processor, cpu uintptr))
}

// HaltForever disables interrupts and halts until the machine goes away.
// Only NMIs can interrupt it.
//
//go:nosplit
func HaltForever(p Processor) {
	p.DisableInterrupts()
	for {
		p.Halt()
	}
}
