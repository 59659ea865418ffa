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

// Package pagetables manages the kernel's four-level page tables.
//
// Entry SelfMapIndex of the top table points at the top table itself, so
// once the tables are loaded every table in the tree is reachable at a
// constant virtual address: the L1 tables at MappedL1Tables, the L2 tables
// at MappedL2Tables, the L3 tables at MappedL3Tables and the top table at
// TopTable. Before the tables are loaded they are reached through the
// boot identity map instead.
package pagetables

import (
	"fmt"

	"vkernel.dev/vkernel/pkg/hostarch"
	"vkernel.dev/vkernel/pkg/kernel/kmem"
	"vkernel.dev/vkernel/pkg/ring0"
	"vkernel.dev/vkernel/pkg/sync"
)

const (
	pteShift = 12
	pmdShift = 21
	pudShift = 30
	pgdShift = 39

	entriesPerPage = 512
	indexMask      = entriesPerPage - 1

	// SelfMapIndex is the top table entry that maps the top table.
	SelfMapIndex = 510

	// selfMapBase is the sign-extended base of the top-level slot.
	selfMapBase = hostarch.Addr(0xffff000000000000) | SelfMapIndex<<pgdShift

	// MappedL1Tables is the base of the window holding every L1 table.
	MappedL1Tables = selfMapBase

	// MappedL2Tables is the base of the window holding every L2 table.
	MappedL2Tables = MappedL1Tables | SelfMapIndex<<pudShift

	// MappedL3Tables is the base of the window holding every L3 table.
	MappedL3Tables = MappedL2Tables | SelfMapIndex<<pmdShift

	// TopTable is the address of the top table.
	TopTable = MappedL3Tables | SelfMapIndex<<pteShift
)

// L1Entry returns the address of the L1 entry that maps v.
func L1Entry(v hostarch.Addr) hostarch.Addr {
	return MappedL1Tables | (v>>(pteShift-3))&0x7ffffffff8
}

// L2Entry returns the address of the L2 entry covering v.
func L2Entry(v hostarch.Addr) hostarch.Addr {
	return MappedL2Tables | (v>>(pmdShift-3))&0x3ffffff8
}

// L3Entry returns the address of the L3 entry covering v.
func L3Entry(v hostarch.Addr) hostarch.Addr {
	return MappedL3Tables | (v>>(pudShift-3))&0x1ffff8
}

// L4Entry returns the address of the top table entry covering v.
func L4Entry(v hostarch.Addr) hostarch.Addr {
	return TopTable | (v>>(pgdShift-3))&0xff8
}

// index returns the index of v in its table at the given level.
func index(v hostarch.Addr, level int) uintptr {
	return uintptr(v>>(pteShift+9*(level-1))) & indexMask
}

// FrameAllocator supplies page frames. Its methods take their own lock, so
// they must never be called with the paging lock held.
type FrameAllocator interface {
	// AllocateDirtyPage returns a frame with unspecified contents.
	AllocateDirtyPage() hostarch.PhysAddr

	// FreePage returns a frame.
	FreePage(p hostarch.PhysAddr)
}

// PageTables is the kernel address space.
type PageTables struct {
	// mu guards all table mutation. It is never held across a call into
	// frames.
	mu sync.SpinLock

	frames FrameAllocator

	// proc executes TLB invalidations. Every CPU shares the kernel tables
	// and the kernel never changes a present translation on one CPU while
	// another depends on it.
	proc ring0.Processor

	// root is the physical address of the top table.
	root hostarch.PhysAddr

	// pool holds frames used for tables before the allocator is preferred.
	pool []hostarch.PhysAddr

	// active is set once root has been loaded into CR3.
	active bool

	// sealed is set once the initial mappings are complete. After that,
	// frames inside the kernel image can no longer be mapped.
	sealed bool

	// inImage reports whether a frame belongs to the kernel image.
	inImage func(hostarch.PhysAddr) bool
}

// New returns empty page tables whose tables come first from pool, then
// from frames. Tables are reached through the identity map until Activate.
func New(p ring0.Processor, frames FrameAllocator, pool []hostarch.PhysAddr) *PageTables {
	pt := &PageTables{
		frames: frames,
		proc:   p,
		pool:   pool,
	}
	pt.root = pt.tableFrame()
	kmem.Zero(hostarch.Addr(pt.root), hostarch.PageSize)
	return pt
}

// Root returns the physical address of the top table.
func (pt *PageTables) Root() hostarch.PhysAddr {
	return pt.root
}

// tableFrame returns a dirty frame for a new table.
func (pt *PageTables) tableFrame() hostarch.PhysAddr {
	if n := len(pt.pool); n > 0 {
		p := pt.pool[n-1]
		pt.pool = pt.pool[:n-1]
		return p
	}
	return pt.frames.AllocateDirtyPage()
}

// releasePool returns the unused table frames.
func (pt *PageTables) releasePool() {
	for _, p := range pt.pool {
		pt.frames.FreePage(p)
	}
	pt.pool = nil
}

// entryAddr returns the address of the entry for v in the table at the
// given level, with level 4 being the top. The tables above must be
// present. Precondition: mu is held.
func (pt *PageTables) entryAddr(v hostarch.Addr, level int) hostarch.Addr {
	if pt.active {
		switch level {
		case 4:
			return L4Entry(v)
		case 3:
			return L3Entry(v)
		case 2:
			return L2Entry(v)
		default:
			return L1Entry(v)
		}
	}
	table := pt.root
	for l := 4; l > level; l-- {
		e := PTE(kmem.Load64(hostarch.Addr(table) + hostarch.Addr(index(v, l)*8)))
		table = e.Address()
	}
	return hostarch.Addr(table) + hostarch.Addr(index(v, level)*8)
}

// lookup returns the address of the leaf entry for v, or false if an
// intermediate table is missing. Precondition: mu is held.
func (pt *PageTables) lookup(v hostarch.Addr) (hostarch.Addr, bool) {
	for level := 4; level > 1; level-- {
		e := PTE(kmem.Load64(pt.entryAddr(v, level)))
		if !e.Valid() {
			return 0, false
		}
		if level < 4 && e&PATBit != 0 {
			panic(fmt.Sprintf("huge page at level %d covering %v", level, v))
		}
	}
	return pt.entryAddr(v, 1), true
}

// ensure returns the address of the leaf entry for v, allocating missing
// intermediate tables. Precondition: mu is held; it is dropped around frame
// allocation.
func (pt *PageTables) ensure(v hostarch.Addr) hostarch.Addr {
	for level := 4; level > 1; level-- {
		addr := pt.entryAddr(v, level)
		if PTE(kmem.Load64(addr)).Valid() {
			continue
		}
		frame := pt.allocTable()
		if PTE(kmem.Load64(addr)).Valid() {
			// Lost a race with another CPU.
			pt.mu.Unlock()
			pt.frames.FreePage(frame)
			pt.mu.Lock()
			continue
		}
		kmem.Store64(addr, uint64(makePTE(frame, tableFlags)))
		pt.zeroTable(v, level-1, frame)
	}
	return pt.entryAddr(v, 1)
}

// allocTable returns a dirty table frame. Precondition: mu is held; it is
// dropped while the allocator runs.
func (pt *PageTables) allocTable() hostarch.PhysAddr {
	if len(pt.pool) > 0 {
		return pt.tableFrame()
	}
	pt.mu.Unlock()
	defer pt.mu.Lock()
	return pt.frames.AllocateDirtyPage()
}

// zeroTable clears the newly installed table at the given level on the walk
// to v.
func (pt *PageTables) zeroTable(v hostarch.Addr, level int, frame hostarch.PhysAddr) {
	if !pt.active {
		kmem.Zero(hostarch.Addr(frame), hostarch.PageSize)
		return
	}
	table := pt.entryAddr(v, level).RoundDown()
	pt.proc.InvalidatePage(table)
	kmem.Zero(table, hostarch.PageSize)
}

func checkPage(v hostarch.Addr) {
	if !v.IsPageAligned() || !v.IsCanonical() {
		panic(fmt.Sprintf("bad page address %v", v))
	}
}

// Map maps count pages at page to fresh zeroed frames with the given flags.
//
// Fatal if a page is already mapped.
func (pt *PageTables) Map(page hostarch.Addr, count uint64, flags PTE) {
	checkPage(page)
	for i := uint64(0); i < count; i++ {
		v := page + hostarch.Addr(i*hostarch.PageSize)
		frame := pt.frames.AllocateDirtyPage()
		pt.mu.Lock()
		pt.install(v, frame, flags)
		if pt.active {
			kmem.Zero(v, hostarch.PageSize)
		} else {
			kmem.Zero(hostarch.Addr(frame), hostarch.PageSize)
		}
		pt.mu.Unlock()
	}
}

// MapView maps count pages at page to the caller's frames starting at phys.
// The frames are not freed on unmap.
//
// Fatal if a page is already mapped, or if a frame lies inside the kernel
// image after Seal.
func (pt *PageTables) MapView(page hostarch.Addr, phys hostarch.PhysAddr, count uint64, flags PTE) {
	checkPage(page)
	for i := uint64(0); i < count; i++ {
		v := page + hostarch.Addr(i*hostarch.PageSize)
		frame := phys + hostarch.PhysAddr(i*hostarch.PageSize)
		if pt.sealed && pt.inImage != nil && pt.inImage(frame) {
			panic(fmt.Sprintf("mapping kernel image frame %v at %v", frame, v))
		}
		pt.mu.Lock()
		pt.install(v, frame, flags)
		pt.mu.Unlock()
	}
}

// install writes the leaf entry for v. Precondition: mu is held.
func (pt *PageTables) install(v hostarch.Addr, frame hostarch.PhysAddr, flags PTE) {
	addr := pt.ensure(v)
	if old := PTE(kmem.Load64(addr)); old.Valid() {
		panic(fmt.Sprintf("%v is already mapped to %v", v, old))
	}
	kmem.Store64(addr, uint64(makePTE(frame, flags|Present)))
	pt.proc.InvalidatePage(v)
}

// clear removes the leaf entry for v and returns it. Precondition: mu is
// held.
func (pt *PageTables) clear(v hostarch.Addr) PTE {
	addr, ok := pt.lookup(v)
	if !ok {
		return 0
	}
	old := PTE(kmem.Load64(addr))
	if !old.Valid() {
		return 0
	}
	kmem.Store64(addr, 0)
	pt.proc.InvalidatePage(v)
	return old
}

// Unmap unmaps count pages at page and frees their frames. Pages that are
// not mapped are skipped.
func (pt *PageTables) Unmap(page hostarch.Addr, count uint64) {
	checkPage(page)
	for i := uint64(0); i < count; i++ {
		v := page + hostarch.Addr(i*hostarch.PageSize)
		pt.mu.Lock()
		old := pt.clear(v)
		pt.mu.Unlock()
		if old.Valid() {
			pt.frames.FreePage(old.Address())
		}
	}
}

// UnmapView unmaps count pages at page without freeing their frames. Pages
// that are not mapped are skipped.
func (pt *PageTables) UnmapView(page hostarch.Addr, count uint64) {
	checkPage(page)
	for i := uint64(0); i < count; i++ {
		v := page + hostarch.Addr(i*hostarch.PageSize)
		pt.mu.Lock()
		pt.clear(v)
		pt.mu.Unlock()
	}
}

// EnsurePageEntry allocates the intermediate tables for page and returns
// the address of its leaf entry.
func (pt *PageTables) EnsurePageEntry(page hostarch.Addr) hostarch.Addr {
	checkPage(page)
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.ensure(page)
}

// Lookup returns the leaf entry for page, which is not present if page is
// unmapped.
func (pt *PageTables) Lookup(page hostarch.Addr) PTE {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	addr, ok := pt.lookup(page.RoundDown())
	if !ok {
		return 0
	}
	return PTE(kmem.Load64(addr))
}

// Translate returns the physical address addr maps to.
func (pt *PageTables) Translate(addr hostarch.Addr) (hostarch.PhysAddr, bool) {
	e := pt.Lookup(addr)
	if !e.Valid() {
		return 0, false
	}
	return e.Address() + hostarch.PhysAddr(addr.PageOffset()), true
}

// GetPhysicalPage returns the frame page is mapped to.
//
// Fatal if page is not mapped.
func (pt *PageTables) GetPhysicalPage(page hostarch.Addr) hostarch.PhysAddr {
	checkPage(page)
	p, ok := pt.Translate(page)
	if !ok {
		panic(fmt.Sprintf("%v is not mapped", page))
	}
	return p
}

// Activate installs the self-map and loads the tables on proc. From then on
// tables are reached through the self-map.
func (pt *PageTables) Activate() {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	top := hostarch.Addr(pt.root) + SelfMapIndex*8
	kmem.Store64(top, uint64(makePTE(pt.root, KernelData)))
	pt.proc.LoadPageTable(pt.root)
	pt.active = true
}

// Load loads the tables on another processor.
func (pt *PageTables) Load(p ring0.Processor) {
	p.LoadPageTable(pt.root)
}

// Seal ends the initial mapping phase. Subsequent MapView calls refuse
// frames for which inImage returns true, and leftover pool frames are
// returned to the allocator.
func (pt *PageTables) Seal(inImage func(hostarch.PhysAddr) bool) {
	pt.releasePool()
	pt.inImage = inImage
	pt.sealed = true
}

// ZeroFrame clears a frame that is not otherwise mapped by temporarily
// mapping it at scratch, whose leaf entry must exist.
func (pt *PageTables) ZeroFrame(scratch hostarch.Addr, frame hostarch.PhysAddr) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if !pt.active {
		kmem.Zero(hostarch.Addr(frame), hostarch.PageSize)
		return
	}
	addr, ok := pt.lookup(scratch)
	if !ok {
		panic(fmt.Sprintf("scratch page %v has no table", scratch))
	}
	kmem.Store64(addr, uint64(makePTE(frame, KernelData)))
	pt.proc.InvalidatePage(scratch)
	kmem.Zero(scratch, hostarch.PageSize)
	kmem.Store64(addr, 0)
	pt.proc.InvalidatePage(scratch)
}
