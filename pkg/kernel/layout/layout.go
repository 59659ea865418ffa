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

// Package layout defines the kernel's fixed virtual address layout.
//
//	0xffffff0000000000  L1 tables (recursive self-map, top index 510)
//	0xffffff7f80000000  L2 tables
//	0xffffff7fbfc00000  L3 tables
//	0xffffff7fbfdfe000  top table
//	0xffffffff80000000  kernel image
//	0xffffffffc0000000  physical allocator overhead window
//	0xffffffffc1000000  framebuffer
//	0xffffffffc3000000  per-CPU local pages
//	0xffffffffc3400000  general purpose allocator, to the end of memory
package layout

import (
	"vkernel.dev/vkernel/pkg/hostarch"
)

const (
	// KernelBase is the virtual base of the kernel image.
	KernelBase hostarch.Addr = 0xffffffff80000000

	// L2Span is the size of the address range covered by one L2 table.
	L2Span = 1 << 30

	// OverheadBase is the virtual base of the physical allocator overhead
	// window, one L2 span above the kernel image.
	OverheadBase = KernelBase + L2Span

	// OverheadSize is the size of the overhead window.
	OverheadSize = 16 << 20

	// ScratchPage is the last page of the overhead window. The paging code
	// maps frames there to zero them.
	ScratchPage = OverheadBase + OverheadSize - hostarch.PageSize

	// FramebufferBase is the virtual base of the framebuffer mapping.
	FramebufferBase = OverheadBase + OverheadSize

	// FramebufferSize is the largest framebuffer that can be mapped.
	FramebufferSize = 32 << 20

	// LocalPagesBase is the base of the per-CPU local pages.
	LocalPagesBase = FramebufferBase + FramebufferSize

	// LocalPagesPerCPU is the number of local pages for each CPU.
	LocalPagesPerCPU = 4

	// MaxLocalCPUs is the number of CPUs the local page area can hold.
	MaxLocalCPUs = 256

	// AllocatorStart is the first address of the general purpose virtual
	// allocator.
	AllocatorStart = LocalPagesBase + LocalPagesPerCPU*MaxLocalCPUs*hostarch.PageSize

	// AllocatorStartPage is AllocatorStart as a page number.
	AllocatorStartPage = uint64(AllocatorStart) >> hostarch.PageShift

	// AllocatorEndPage is the exclusive end page of the allocator: the end
	// of the address space.
	AllocatorEndPage = uint64(1) << (64 - hostarch.PageShift)

	// EarlyTablePages is the number of page table frames reserved with the
	// physical allocator overhead for building the initial tables.
	EarlyTablePages = 16

	// TrampolinePage is the physical (and identity mapped) page that holds
	// the AP start-up code.
	TrampolinePage hostarch.PhysAddr = 0x8000
)

// LocalPages returns the base of the local pages of the CPU with the given
// index.
func LocalPages(index int) hostarch.Addr {
	return LocalPagesBase + hostarch.Addr(index*LocalPagesPerCPU*hostarch.PageSize)
}
