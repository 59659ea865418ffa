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

package pagetables

import (
	"fmt"

	"vkernel.dev/vkernel/pkg/bootinfo"
	"vkernel.dev/vkernel/pkg/hostarch"
	"vkernel.dev/vkernel/pkg/kernel/layout"
	"vkernel.dev/vkernel/pkg/log"
	"vkernel.dev/vkernel/pkg/ring0"
)

// BootAllocator is the physical allocator as seen by Bootstrap.
type BootAllocator interface {
	FrameAllocator

	// Overhead returns the physical extent of the allocator's metadata.
	Overhead() (hostarch.PhysAddr, uint64)

	// EarlyTables returns the frames reserved for the initial tables.
	EarlyTables() []hostarch.PhysAddr

	// Relocate rebinds the metadata to its mapping at virt.
	Relocate(virt hostarch.Addr)

	// SetZeroer installs the function used to clear allocated frames.
	SetZeroer(fn func(hostarch.PhysAddr))
}

// segmentFlags returns the leaf flags for a kernel image segment.
func segmentFlags(kind bootinfo.SegmentKind) PTE {
	switch kind {
	case bootinfo.Code:
		return KernelCode
	case bootinfo.ReadOnlyData:
		return KernelReadOnly
	default:
		return KernelData
	}
}

// Bootstrap builds the kernel tables, loads them on p and finishes the
// switch-over:
//
//   - the allocator overhead is mapped at layout.OverheadBase;
//   - the framebuffer is mapped write-combining at layout.FramebufferBase;
//   - the kernel code, read-only data and data segments are mapped at their
//     virtual bases;
//   - the self-map is installed and the tables are loaded;
//   - onSwitch runs, so the console can move to the mapped framebuffer;
//   - the boot stack guard page is unmapped;
//   - the allocator is relocated and zeroes frames through the scratch page.
//
// Fatal if the framebuffer or overhead does not fit its window.
func Bootstrap(p ring0.Processor, bi *bootinfo.BootInfo, alloc BootAllocator, onSwitch func()) *PageTables {
	p.WriteMSR(ring0.MSR_PAT, hostarch.PAT)
	pt := New(p, alloc, alloc.EarlyTables())

	overhead, pages := alloc.Overhead()
	if pages*hostarch.PageSize >= layout.OverheadSize {
		panic(fmt.Sprintf("allocator overhead of %d pages does not fit", pages))
	}
	pt.MapView(layout.OverheadBase, overhead, pages, KernelData)
	pt.EnsurePageEntry(layout.ScratchPage)

	if fb := &bi.Framebuffer; fb.Size() != 0 {
		base := fb.Phys.RoundDown()
		fbPages := uint64(fb.Phys-base+hostarch.PhysAddr(fb.Size())+hostarch.PageSize-1) / hostarch.PageSize
		if fbPages*hostarch.PageSize > layout.FramebufferSize {
			panic(fmt.Sprintf("framebuffer of %d bytes does not fit", fb.Size()))
		}
		pt.MapView(layout.FramebufferBase, base, fbPages, KernelData|CacheFlags(hostarch.MemoryTypeWriteCombine))
	}

	for i := range bi.Segments {
		s := &bi.Segments[i]
		if !s.Kind.InImage() {
			continue
		}
		log.Debugf("Mapping %v", s)
		pt.MapView(s.VirtualBase.RoundDown(), s.PhysBase.RoundDown(), s.Pages(), segmentFlags(s.Kind))
	}

	// Nothing may log between loading the tables and onSwitch: the console
	// still draws through the identity map, which the new tables lack.
	pt.Activate()
	if onSwitch != nil {
		onSwitch()
	}
	log.Infof("Paging enabled, root table at %v", pt.root)
	if bi.StackGuard != 0 {
		pt.UnmapView(bi.StackGuard.RoundDown(), 1)
	}

	alloc.Relocate(layout.OverheadBase)
	alloc.SetZeroer(func(frame hostarch.PhysAddr) {
		pt.ZeroFrame(layout.ScratchPage, frame)
	})
	pt.Seal(bi.InKernelImage)
	return pt
}
