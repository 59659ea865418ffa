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

//go:build amd64
// +build amd64

package ring0

// The primitives below are implemented in lib_amd64.s. Each executes one
// privileged instruction (or the minimal sequence around it) and clobbers
// only the registers named.

// writeCR3 loads CR3. Clobbers AX.
func writeCR3(root uintptr)

// readCR3 reads CR3. Clobbers AX.
func readCR3() uintptr

// invlpg invalidates the TLB entry for addr. Clobbers AX.
func invlpg(addr uintptr)

// lgdt loads the GDT from the pseudo-descriptor at desc and reloads CS,
// DS, ES, SS with the kernel selectors. Clobbers AX, CX.
func lgdt(desc *descriptorPointer)

// lidt loads the IDT from the pseudo-descriptor at desc. Clobbers AX.
func lidt(desc *descriptorPointer)

// ltr loads the task register. Clobbers AX.
func ltr(sel uint16)

// wrgsbase writes the GS base address. Clobbers AX.
func wrgsbase(addr uintptr)

// rdgsbase reads the GS base address. Clobbers AX.
func rdgsbase() uintptr

// wrmsr writes the given MSR. Clobbers AX, CX, DX.
func wrmsr(reg, value uintptr)

// rdmsr reads the given MSR. Clobbers AX, CX, DX.
func rdmsr(reg uintptr) uintptr

// cpuid executes cpuid. Clobbers AX, BX, CX, DX.
func cpuid(fn, sub uint32) (eax, ebx, ecx, edx uint32)

// cli clears the interrupt flag.
func cli()

// sti sets the interrupt flag.
func sti()

// hlt halts until the next interrupt.
func hlt()

// pause is the spin-wait hint.
func pause()

// mfence is a full memory barrier.
func mfence()

// outb writes value to an I/O port. Clobbers AX, DX.
func outb(port uint16, value uint8)

// inb reads from an I/O port. Clobbers AX, DX.
func inb(port uint16) uint8

// descriptorPointer is the operand of lgdt and lidt.
type descriptorPointer struct {
	limit uint16
	base  [4]uint16 // Unaligned 64-bit base.
}

func newDescriptorPointer(base uintptr, limit uint16) descriptorPointer {
	return descriptorPointer{
		limit: limit,
		base:  [4]uint16{uint16(base), uint16(base >> 16), uint16(base >> 32), uint16(base >> 48)},
	}
}
