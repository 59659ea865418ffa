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

// Package bootinfo defines the normalized record a firmware stub hands to the
// kernel entry point.
//
// Both the Multiboot and the UEFI stubs produce a BootInfo through a Builder,
// so the kernel never sees firmware-specific memory maps.
package bootinfo

import (
	"fmt"

	"vkernel.dev/vkernel/pkg/hostarch"
)

// Firmware identifies the stub that produced a BootInfo.
type Firmware uint8

const (
	// BIOS is the Multiboot stub.
	BIOS Firmware = iota

	// UEFI is the UEFI stub.
	UEFI
)

// String implements fmt.Stringer.String.
func (f Firmware) String() string {
	switch f {
	case BIOS:
		return "BIOS"
	case UEFI:
		return "UEFI"
	default:
		return fmt.Sprintf("Firmware(%d)", f)
	}
}

// RangeKind is the kind of a memory range.
type RangeKind uint8

const (
	// Usable memory may be handed to the physical allocator.
	Usable RangeKind = iota

	// ACPI memory holds firmware tables and must be preserved.
	ACPI
)

// String implements fmt.Stringer.String.
func (k RangeKind) String() string {
	switch k {
	case Usable:
		return "usable"
	case ACPI:
		return "acpi"
	default:
		return fmt.Sprintf("RangeKind(%d)", k)
	}
}

// MemoryRange is a physical range [Base, End) in an intrusive list.
type MemoryRange struct {
	Kind RangeKind
	Base hostarch.PhysAddr
	End  hostarch.PhysAddr
	next *MemoryRange
}

// Next returns the next range in the list, or nil.
func (r *MemoryRange) Next() *MemoryRange {
	return r.next
}

// Pages returns the number of whole pages in the range.
func (r *MemoryRange) Pages() uint64 {
	return uint64(r.End-r.Base) / hostarch.PageSize
}

// Contains returns true if p lies in [Base, End).
func (r *MemoryRange) Contains(p hostarch.PhysAddr) bool {
	return r.Base <= p && p < r.End
}

// String implements fmt.Stringer.String.
func (r *MemoryRange) String() string {
	return fmt.Sprintf("%s [%#x, %#x)", r.Kind, uint64(r.Base), uint64(r.End))
}

// SegmentKind is the kind of a kernel segment.
type SegmentKind uint8

const (
	// Code is executable and read-only.
	Code SegmentKind = iota

	// ReadOnlyData is read-only and not executable.
	ReadOnlyData

	// Data is writable and not executable.
	Data

	// Module is a boot module, such as the user image.
	Module

	// Symbols is the kernel symbol table blob.
	Symbols
)

// String implements fmt.Stringer.String.
func (k SegmentKind) String() string {
	switch k {
	case Code:
		return "code"
	case ReadOnlyData:
		return "rodata"
	case Data:
		return "data"
	case Module:
		return "module"
	case Symbols:
		return "symbols"
	default:
		return fmt.Sprintf("SegmentKind(%d)", k)
	}
}

// InImage returns true for the segments that make up the kernel image.
func (k SegmentKind) InImage() bool {
	return k == Code || k == ReadOnlyData || k == Data
}

// Segment describes a physical blob the allocator must never hand out.
type Segment struct {
	Kind        SegmentKind
	PhysBase    hostarch.PhysAddr
	PhysEnd     hostarch.PhysAddr
	VirtualBase hostarch.Addr
	Name        string

	// found is set by hole discovery.
	found bool
}

// Found returns true once hole discovery has located the segment.
func (s *Segment) Found() bool {
	return s.found
}

// Pages returns the number of pages spanned by the segment.
func (s *Segment) Pages() uint64 {
	return uint64(s.PhysEnd.RoundUp()-s.PhysBase.RoundDown()) / hostarch.PageSize
}

// String implements fmt.Stringer.String.
func (s *Segment) String() string {
	return fmt.Sprintf("%s %q [%#x, %#x) @ %v", s.Kind, s.Name, uint64(s.PhysBase), uint64(s.PhysEnd), s.VirtualBase)
}

// Symbol is a kernel function symbol.
type Symbol struct {
	Name  string
	Value uint64
	Size  uint64
}

// SymbolTable describes the kernel symbol table handed over by the stub.
type SymbolTable struct {
	// Base is the physical address of the ELF symbol table.
	Base hostarch.PhysAddr

	// Count is the number of entries.
	Count uint32

	// StringIndex is the section index of the associated string table.
	StringIndex uint32

	// Symbols is the decoded function symbol list, if the stub decoded it.
	Symbols []Symbol
}

// BootModule is a module loaded by the firmware.
type BootModule struct {
	Name string
	Base hostarch.PhysAddr
	End  hostarch.PhysAddr
}

// Framebuffer describes a linear framebuffer.
type Framebuffer struct {
	Phys   hostarch.PhysAddr
	Width  uint32
	Height uint32
	Pitch  uint32
	BPP    uint8
}

// Size returns the size of the framebuffer in bytes.
func (f *Framebuffer) Size() uint64 {
	return uint64(f.Pitch) * uint64(f.Height)
}

// CPU is a processor listed by the ACPI MADT, in table order.
type CPU struct {
	APICID  uint32
	ACPIID  uint32
	Enabled bool
}

// IOAPIC is an I/O APIC listed by the ACPI MADT.
type IOAPIC struct {
	ID      uint8
	Address hostarch.PhysAddr
	GSIBase uint32
}

// BootInfo is the normalized hand-off record.
type BootInfo struct {
	Firmware Firmware

	// Ranges is the head of the memory range list.
	Ranges *MemoryRange

	Segments    []Segment
	Symbols     SymbolTable
	Modules     []BootModule
	Framebuffer Framebuffer
	CPUs        []CPU
	IOAPICs     []IOAPIC

	// LocalAPIC is the physical address of the local APIC registers.
	LocalAPIC hostarch.PhysAddr

	// StackGuard is the virtual address of the boot stack guard page.
	StackGuard hostarch.Addr
}

// VisitUsable calls fn for each usable range until fn returns false.
func (bi *BootInfo) VisitUsable(fn func(r *MemoryRange) bool) {
	for r := bi.Ranges; r != nil; r = r.next {
		if r.Kind != Usable {
			continue
		}
		if !fn(r) {
			return
		}
	}
}

// UsablePages returns the total number of usable pages.
func (bi *BootInfo) UsablePages() uint64 {
	var n uint64
	bi.VisitUsable(func(r *MemoryRange) bool {
		n += r.Pages()
		return true
	})
	return n
}

// InKernelImage returns true if p lies inside a code, read-only data or data
// segment.
func (bi *BootInfo) InKernelImage(p hostarch.PhysAddr) bool {
	for i := range bi.Segments {
		s := &bi.Segments[i]
		if s.Kind.InImage() && s.PhysBase.RoundDown() <= p && p < s.PhysEnd.RoundUp() {
			return true
		}
	}
	return false
}

// Validate checks the invariants normalization establishes.
func (bi *BootInfo) Validate() error {
	var prev *MemoryRange
	for r := bi.Ranges; r != nil; r = r.next {
		if r.Base >= r.End {
			return fmt.Errorf("empty range %v", r)
		}
		if prev != nil && prev.End > r.Base {
			return fmt.Errorf("range %v overlaps or precedes %v", r, prev)
		}
		if r.Kind == Usable {
			if !r.Base.IsPageAligned() || !r.End.IsPageAligned() {
				return fmt.Errorf("usable range %v is not page aligned", r)
			}
			for i := range bi.Segments {
				s := &bi.Segments[i]
				if s.PhysBase.RoundDown() < r.End && r.Base < s.PhysEnd.RoundUp() {
					return fmt.Errorf("usable range %v contains segment %v", r, s)
				}
			}
		}
		prev = r
	}
	for i := range bi.Segments {
		if !bi.Segments[i].found {
			return fmt.Errorf("segment %v was not found in the memory map", &bi.Segments[i])
		}
	}
	return nil
}
