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

// Package pgalloc is the physical frame allocator.
//
// Every usable memory range becomes a hole with one bit per page. The bitmaps
// of all holes live together in the first hole large enough to hold them,
// followed by the frames reserved for the initial page tables. Those
// overhead pages are marked allocated in their host hole, and bits past the
// end of each hole are permanently set. Allocation takes the lowest free
// page, scanning holes in address order.
package pgalloc

import (
	"fmt"

	"vkernel.dev/vkernel/pkg/bitmap"
	"vkernel.dev/vkernel/pkg/bootinfo"
	"vkernel.dev/vkernel/pkg/hostarch"
	"vkernel.dev/vkernel/pkg/kernel/kmem"
	"vkernel.dev/vkernel/pkg/kernel/layout"
	"vkernel.dev/vkernel/pkg/log"
	"vkernel.dev/vkernel/pkg/sync"
)

// hole is a contiguous run of usable frames.
type hole struct {
	base  hostarch.PhysAddr
	end   hostarch.PhysAddr
	pages uint64

	// offset is the byte offset of the bitmap from the overhead base.
	offset uint64

	// bits has one bit per page; set bits are allocated.
	bits bitmap.Bitmap
}

func (h *hole) contains(p hostarch.PhysAddr) bool {
	return h.base <= p && p < h.end
}

// reserveTail sets the bits past the last page.
func (h *hole) reserveTail() {
	if end := uint32(h.bits.Size()); uint32(h.pages) < end {
		h.bits.AddRange(uint32(h.pages), end)
	}
}

// Stats are allocator counters.
type Stats struct {
	// Total is the number of pages in all holes.
	Total uint64

	// Free is the number of pages available.
	Free uint64
}

// Allocator is the physical frame allocator.
type Allocator struct {
	mu sync.SpinLock

	// holes is immutable after New.
	holes []hole

	// overhead is the first overhead page and overheadPages their count,
	// including early.
	overhead      hostarch.PhysAddr
	overheadPages uint64

	early []hostarch.PhysAddr

	// zero clears an allocated frame. It runs without mu held.
	zero func(hostarch.PhysAddr)

	// free is the number of free pages. Protected by mu.
	free uint64
}

// identityZero clears a frame through the boot identity map.
func identityZero(p hostarch.PhysAddr) {
	kmem.Zero(hostarch.Addr(p), hostarch.PageSize)
}

// New builds the allocator from the usable ranges of bi, which must be
// reachable through the identity map.
//
// Fatal if no hole can host the overhead.
func New(bi *bootinfo.BootInfo) *Allocator {
	a := &Allocator{zero: identityZero}
	var words uint64
	bi.VisitUsable(func(r *bootinfo.MemoryRange) bool {
		pages := r.Pages()
		if pages > uint64(bitmap.MaxBitEntryLimit) {
			panic(fmt.Sprintf("usable range %v is too large", r))
		}
		a.holes = append(a.holes, hole{
			base:   r.Base,
			end:    r.End,
			pages:  pages,
			offset: words * 8,
		})
		words += uint64(bitmap.WordsFor(uint32(pages)))
		return true
	})
	bitmapPages := (words*8 + hostarch.PageSize - 1) / hostarch.PageSize
	a.overheadPages = bitmapPages + layout.EarlyTablePages

	host := -1
	for i := range a.holes {
		if a.holes[i].pages >= a.overheadPages {
			host = i
			break
		}
	}
	if host < 0 {
		panic(fmt.Sprintf("no hole can hold %d overhead pages", a.overheadPages))
	}
	a.overhead = a.holes[host].base
	kmem.Zero(hostarch.Addr(a.overhead), uintptr(bitmapPages*hostarch.PageSize))

	for i := range a.holes {
		h := &a.holes[i]
		h.bits = bitmap.FromWords(kmem.Words(hostarch.Addr(a.overhead)+hostarch.Addr(h.offset), uintptr(bitmap.WordsFor(uint32(h.pages)))))
		h.reserveTail()
		a.free += h.pages
	}
	a.holes[host].bits.AddRange(0, uint32(a.overheadPages))
	a.free -= a.overheadPages

	for i := uint64(0); i < layout.EarlyTablePages; i++ {
		a.early = append(a.early, a.overhead+hostarch.PhysAddr((bitmapPages+i)*hostarch.PageSize))
	}
	log.Infof("Physical allocator: %d holes, %d free pages, %d overhead pages at %v", len(a.holes), a.free, a.overheadPages, a.overhead)
	return a
}

// Overhead returns the first overhead page and the number of overhead
// pages.
func (a *Allocator) Overhead() (hostarch.PhysAddr, uint64) {
	return a.overhead, a.overheadPages
}

// EarlyTables returns the frames reserved for the initial page tables. They
// are allocated; the caller frees those it does not use.
func (a *Allocator) EarlyTables() []hostarch.PhysAddr {
	return append([]hostarch.PhysAddr(nil), a.early...)
}

// SetZeroer installs fn as the frame clearing function used by
// AllocatePage.
func (a *Allocator) SetZeroer(fn func(hostarch.PhysAddr)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.zero = fn
}

// Relocate rebinds the bitmaps to the overhead mapped at virt.
func (a *Allocator) Relocate(virt hostarch.Addr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.holes {
		h := &a.holes[i]
		h.bits.Rebind(kmem.Words(virt+hostarch.Addr(h.offset), uintptr(len(h.bits.Words()))))
	}
	log.Debugf("Physical allocator relocated to %v", virt)
}

// AllocateDirtyPage returns the lowest free frame without clearing it.
//
// Fatal if no frame is free.
func (a *Allocator) AllocateDirtyPage() hostarch.PhysAddr {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.holes {
		h := &a.holes[i]
		if h.bits.Full() {
			continue
		}
		bit, err := h.bits.FirstZero(0)
		if err != nil {
			continue
		}
		h.bits.Add(bit)
		a.free--
		return h.base + hostarch.PhysAddr(uint64(bit)*hostarch.PageSize)
	}
	panic("out of physical memory")
}

// AllocatePage returns the lowest free frame, cleared.
//
// Fatal if no frame is free.
func (a *Allocator) AllocatePage() hostarch.PhysAddr {
	p := a.AllocateDirtyPage()
	a.mu.Lock()
	zero := a.zero
	a.mu.Unlock()
	zero(p)
	return p
}

// FreePage returns p to the allocator.
//
// Fatal if p is not in any hole or is not allocated.
func (a *Allocator) FreePage(p hostarch.PhysAddr) {
	if !p.IsPageAligned() {
		panic(fmt.Sprintf("freeing unaligned frame %v", p))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.holes {
		h := &a.holes[i]
		if !h.contains(p) {
			continue
		}
		bit := uint32((p - h.base) / hostarch.PageSize)
		if !h.bits.Contains(bit) {
			panic(fmt.Sprintf("double free of frame %v", p))
		}
		h.bits.Remove(bit)
		a.free++
		return
	}
	panic(fmt.Sprintf("freeing frame %v outside usable memory", p))
}

// Stats returns the current counters.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	var s Stats
	for i := range a.holes {
		s.Total += a.holes[i].pages
	}
	s.Free = a.free
	return s
}
