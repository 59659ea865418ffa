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

package smp

// Trampoline layout. The code runs at layout.TrampolinePage, so the
// absolute addresses in it assume that page.
const (
	// infoOffset is the offset of the packed bootstrap record in the page.
	// It puts every 64-bit field on a natural boundary.
	infoOffset = 0xefc

	// Offsets of the record fields.
	infoPML4           = 0
	infoAllowStart     = 4
	infoAPICRegisters  = 12
	infoCPUCount       = 20
	infoCPUSize        = 28
	infoCPUAPICOffset  = 36
	infoCPUStackOffset = 44
	infoCPUs           = 52
	infoSize           = 60

	// entryOffset is the offset of the 64-bit entry address operand.
	entryOffset = 0xa9
)

// trampolineCode takes an AP from real mode to long mode with the kernel
// tables, waits for allow_start, finds the CPU record whose APIC ID matches
// the local APIC, switches to the record's stack and calls the entry with
// the record address in DI.
var trampolineCode = [...]byte{
	0xfa,       // cli
	0x31, 0xc0, // xorw %ax,%ax
	0x8e, 0xd8, // movw %ax,%ds
	0x66, 0x0f, 0x01, 0x16, 0xd0, 0x80, // lgdtl 0x80d0
	0x0f, 0x20, 0xe0, // movl %cr4,%eax
	0x66, 0x83, 0xc8, 0x20, // orl $0x20,%eax
	0x0f, 0x22, 0xe0, // movl %eax,%cr4
	0x66, 0xa1, 0xfc, 0x8e, // movl 0x8efc,%eax
	0x0f, 0x22, 0xd8, // movl %eax,%cr3
	0x66, 0xb9, 0x80, 0x00, 0x00, 0xc0, // movl $0xc0000080,%ecx
	0x0f, 0x32, // rdmsr
	0x66, 0x0d, 0x00, 0x09, 0x00, 0x00, // orl $0x900,%eax
	0x0f, 0x30, // wrmsr
	0x0f, 0x20, 0xc0, // movl %cr0,%eax
	0x66, 0x0d, 0x01, 0x00, 0x01, 0x80, // orl $0x80010001,%eax
	0x0f, 0x22, 0xc0, // movl %eax,%cr0
	0x66, 0xea, 0x40, 0x80, 0x00, 0x00, 0x08, 0x00, // ljmpl $0x08, $0x8040
	// long:
	0x66, 0xb8, 0x10, 0x00, // movw $0x10,%ax
	0x8e, 0xd8, // movl %eax,%ds
	0x8e, 0xc0, // movl %eax,%es
	0x8e, 0xd0, // movl %eax,%ss
	// spin:
	0xf3, 0x90, // pause
	0x48, 0x8b, 0x04, 0x25, 0x00, 0x8f, 0x00, 0x00, // movq 0x8f00,%rax
	0x48, 0x85, 0xc0, // testq %rax,%rax
	0x74, 0xf1, // je spin
	0x48, 0x8b, 0x1c, 0x25, 0x08, 0x8f, 0x00, 0x00, // movq 0x8f08,%rbx
	0x8b, 0x43, 0x20, // movl 0x20(%rbx),%eax
	0xc1, 0xe8, 0x18, // shrl $0x18,%eax
	0x48, 0x8b, 0x34, 0x25, 0x30, 0x8f, 0x00, 0x00, // movq 0x8f30,%rsi
	0x48, 0x8b, 0x0c, 0x25, 0x10, 0x8f, 0x00, 0x00, // movq 0x8f10,%rcx
	0x48, 0x8b, 0x14, 0x25, 0x18, 0x8f, 0x00, 0x00, // movq 0x8f18,%rdx
	0x4c, 0x8b, 0x04, 0x25, 0x20, 0x8f, 0x00, 0x00, // movq 0x8f20,%r8
	0x4c, 0x8b, 0x0c, 0x25, 0x28, 0x8f, 0x00, 0x00, // movq 0x8f28,%r9
	// find:
	0x42, 0x39, 0x04, 0x06, // cmpl %eax,(%rsi,%r8,1)
	0x74, 0x0b, // je found
	0x48, 0x01, 0xd6, // addq %rdx,%rsi
	0x48, 0xff, 0xc9, // decq %rcx
	0x75, 0xf2, // jne find
	// stuck:
	0xf4,       // hlt
	0xeb, 0xfd, // jmp stuck
	// found:
	0x4a, 0x8b, 0x24, 0x0e, // movq (%rsi,%r9,1),%rsp
	0x48, 0x89, 0xf7, // movq %rsi,%rdi
	// entry:
	0x48, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, // movabsq $entry,%rax
	0xff, 0xd0, // callq *%rax
	// halt:
	0xf4,       // hlt
	0xeb, 0xfd, // jmp halt
	0x66, 0x90, // xchg %ax,%ax
	// gdt:
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x9a, 0x20, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x92, 0x00, 0x00,
	// gdtr:
	0x17, 0x00, 0xb8, 0x80, 0x00, 0x00,
}
