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

package bootinfo

import (
	"fmt"
	"sort"

	"vkernel.dev/vkernel/pkg/hostarch"
)

// LowMemoryEnd is the end of the real-mode area. Usable memory below it is
// never given to the allocator; the AP trampoline lives there.
const LowMemoryEnd = hostarch.PhysAddr(0x100000)

type span struct {
	base, end hostarch.PhysAddr
}

func (s span) overlaps(o span) bool {
	return s.base < o.end && o.base < s.end
}

// Builder accumulates firmware data in whatever order the stub discovers it
// and produces a normalized BootInfo.
type Builder struct {
	info   BootInfo
	usable []span
	acpi   []span
	err    error
}

// NewBuilder returns a Builder for the given firmware.
func NewBuilder(fw Firmware) *Builder {
	return &Builder{info: BootInfo{Firmware: fw}}
}

func (b *Builder) fail(format string, v ...any) {
	if b.err == nil {
		b.err = fmt.Errorf(format, v...)
	}
}

// AddRange records a firmware memory map entry.
func (b *Builder) AddRange(kind RangeKind, base, end hostarch.PhysAddr) *Builder {
	if base >= end {
		b.fail("empty %v range [%#x, %#x)", kind, uint64(base), uint64(end))
		return b
	}
	switch kind {
	case Usable:
		b.usable = append(b.usable, span{base, end})
	case ACPI:
		b.acpi = append(b.acpi, span{base, end})
	default:
		b.fail("unknown range kind %v", kind)
	}
	return b
}

// AddSegment records a kernel segment.
func (b *Builder) AddSegment(kind SegmentKind, name string, physBase, physEnd hostarch.PhysAddr, virtualBase hostarch.Addr) *Builder {
	if physBase >= physEnd {
		b.fail("empty segment %q", name)
		return b
	}
	b.info.Segments = append(b.info.Segments, Segment{
		Kind:        kind,
		PhysBase:    physBase,
		PhysEnd:     physEnd,
		VirtualBase: virtualBase,
		Name:        name,
	})
	return b
}

// AddModule records a boot module and reserves its memory.
func (b *Builder) AddModule(name string, base, end hostarch.PhysAddr) *Builder {
	b.info.Modules = append(b.info.Modules, BootModule{Name: name, Base: base, End: end})
	return b.AddSegment(Module, name, base, end, 0)
}

// SetSymbols records the symbol table and reserves the blob [base, end).
func (b *Builder) SetSymbols(t SymbolTable, end hostarch.PhysAddr) *Builder {
	b.info.Symbols = t
	if end > t.Base {
		b.AddSegment(Symbols, "symbols", t.Base, end, 0)
	}
	return b
}

// SetFramebuffer records the linear framebuffer.
func (b *Builder) SetFramebuffer(fb Framebuffer) *Builder {
	b.info.Framebuffer = fb
	return b
}

// AddCPU records a processor in MADT order.
func (b *Builder) AddCPU(apicID, acpiID uint32, enabled bool) *Builder {
	b.info.CPUs = append(b.info.CPUs, CPU{APICID: apicID, ACPIID: acpiID, Enabled: enabled})
	return b
}

// AddIOAPIC records an I/O APIC.
func (b *Builder) AddIOAPIC(id uint8, addr hostarch.PhysAddr, gsiBase uint32) *Builder {
	b.info.IOAPICs = append(b.info.IOAPICs, IOAPIC{ID: id, Address: addr, GSIBase: gsiBase})
	return b
}

// SetLocalAPIC records the local APIC register base.
func (b *Builder) SetLocalAPIC(addr hostarch.PhysAddr) *Builder {
	b.info.LocalAPIC = addr
	return b
}

// SetStackGuard records the boot stack guard page.
func (b *Builder) SetStackGuard(addr hostarch.Addr) *Builder {
	b.info.StackGuard = addr
	return b
}

// Build normalizes the accumulated data:
//
//   - usable ranges are sorted and merged, and ACPI ranges punched out;
//   - every segment is located in exactly one usable range and punched out;
//   - the real-mode area is dropped;
//   - usable ranges are shrunk to page boundaries and empty ones dropped.
//
// The result satisfies Validate.
func (b *Builder) Build() (*BootInfo, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.usable) == 0 {
		return nil, fmt.Errorf("no usable memory")
	}
	usable := merge(b.usable)
	acpi := merge(b.acpi)
	for _, a := range acpi {
		usable = punch(usable, a)
	}

	// Hole discovery runs against the ranges before any segment is punched,
	// so that segments sharing a page are each located once.
	for i := range b.info.Segments {
		s := &b.info.Segments[i]
		seg := span{s.PhysBase.RoundDown(), s.PhysEnd.RoundUp()}
		for _, u := range usable {
			if !u.overlaps(seg) {
				continue
			}
			if s.found {
				return nil, fmt.Errorf("segment %v spans more than one usable range", s)
			}
			s.found = true
		}
		if !s.found {
			return nil, fmt.Errorf("segment %v is outside usable memory", s)
		}
	}
	for i := range b.info.Segments {
		s := &b.info.Segments[i]
		usable = punch(usable, span{s.PhysBase.RoundDown(), s.PhysEnd.RoundUp()})
	}
	usable = punch(usable, span{0, LowMemoryEnd})

	var all []MemoryRange
	for _, u := range usable {
		base, end := u.base.RoundUp(), u.end.RoundDown()
		if base >= end {
			continue
		}
		all = append(all, MemoryRange{Kind: Usable, Base: base, End: end})
	}
	for _, a := range acpi {
		all = append(all, MemoryRange{Kind: ACPI, Base: a.base, End: a.end})
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("no usable memory after normalization")
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Base < all[j].Base })
	for i := 0; i+1 < len(all); i++ {
		all[i].next = &all[i+1]
	}
	b.info.Ranges = &all[0]

	bi := b.info
	if err := bi.Validate(); err != nil {
		return nil, err
	}
	return &bi, nil
}

// merge sorts spans and coalesces overlapping or adjacent ones.
func merge(in []span) []span {
	if len(in) == 0 {
		return nil
	}
	s := append([]span(nil), in...)
	sort.Slice(s, func(i, j int) bool { return s[i].base < s[j].base })
	out := s[:1]
	for _, r := range s[1:] {
		last := &out[len(out)-1]
		if r.base <= last.end {
			if r.end > last.end {
				last.end = r.end
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// punch removes hole from every span, splitting spans as needed.
func punch(in []span, hole span) []span {
	out := make([]span, 0, len(in)+1)
	for _, r := range in {
		if !r.overlaps(hole) {
			out = append(out, r)
			continue
		}
		if r.base < hole.base {
			out = append(out, span{r.base, hole.base})
		}
		if hole.end < r.end {
			out = append(out, span{hole.end, r.end})
		}
	}
	return out
}
