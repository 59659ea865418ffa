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

// Package vmalloc allocates kernel virtual address space.
//
// The allocator window is tiled by blocks. Block records live in an arena
// and refer to each other by BlockID. Three lists thread through the
// records: the linear list holds every block in address order, the free list
// holds exactly the Free blocks in address order, and the spare list holds
// unused records. The arena starts with a small static pool; when it runs
// dry a page is taken from the first free block, mapped, and carved into
// records. That page stays on the linear list as an Overhead block.
package vmalloc

import (
	"fmt"
	"unsafe"

	"vkernel.dev/vkernel/pkg/hostarch"
	"vkernel.dev/vkernel/pkg/kernel/kmem"
	"vkernel.dev/vkernel/pkg/log"
	"vkernel.dev/vkernel/pkg/ring0/pagetables"
	"vkernel.dev/vkernel/pkg/sync"
)

// Kind is the kind of a block.
type Kind uint32

const (
	// Free blocks are unused address space.
	Free Kind = iota

	// Overhead blocks hold block records. They are never freed.
	Overhead

	// Default blocks are backed by fresh frames.
	Default

	// Stack blocks are backed except for their lowest page, which guards
	// against overflow.
	Stack

	// UserAllocator blocks are reserved address space for the user heap.
	// Their owner maps them.
	UserAllocator

	// PhysicalView blocks map caller-provided frames.
	PhysicalView
)

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	switch k {
	case Free:
		return "free"
	case Overhead:
		return "overhead"
	case Default:
		return "default"
	case Stack:
		return "stack"
	case UserAllocator:
		return "user"
	case PhysicalView:
		return "view"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// BlockID names a block record. The zero value is no block.
type BlockID uint32

const noBlock BlockID = 0

// block is a record. It contains no Go pointers, so records can live in
// pages the allocator maps for itself.
type block struct {
	kind       Kind
	_          uint32
	page       uint64
	count      uint64
	linearPrev BlockID
	linearNext BlockID
	listPrev   BlockID
	listNext   BlockID
}

const (
	recordSize = unsafe.Sizeof(block{})

	// recordsPerPage is the number of records in a stolen page.
	recordsPerPage = hostarch.PageSize / recordSize

	// staticRecords is the size of the initial pool.
	staticRecords = 16
)

// Block describes an allocation.
type Block struct {
	ID    BlockID
	Kind  Kind
	Base  hostarch.Addr
	Pages uint64
}

// End returns the end of the block.
func (b Block) End() hostarch.Addr {
	return b.Base + hostarch.Addr(b.Pages*hostarch.PageSize)
}

// String implements fmt.Stringer.String.
func (b Block) String() string {
	return fmt.Sprintf("%s [%v, %v)", b.Kind, b.Base, b.End())
}

// PageMapper maps and unmaps pages.
type PageMapper interface {
	Map(page hostarch.Addr, count uint64, flags pagetables.PTE)
	MapView(page hostarch.Addr, phys hostarch.PhysAddr, count uint64, flags pagetables.PTE)
	Unmap(page hostarch.Addr, count uint64)
	UnmapView(page hostarch.Addr, count uint64)
}

// Allocator manages the page range [start, end).
type Allocator struct {
	// mu is the address space lock. It is taken before the paging lock.
	mu sync.SpinLock

	pt         PageMapper
	start, end uint64

	static [staticRecords]block

	// recordPages are the base addresses of stolen record pages.
	recordPages []hostarch.Addr

	linearHead BlockID
	freeHead   BlockID
	spareHead  BlockID
}

// New returns an allocator for the pages [start, end), mapping through pt.
func New(pt PageMapper, start, end uint64) *Allocator {
	if start >= end {
		panic(fmt.Sprintf("empty allocator window [%#x, %#x)", start, end))
	}
	a := &Allocator{pt: pt, start: start, end: end}
	for id := BlockID(staticRecords); id >= 1; id-- {
		a.release(id)
	}
	id := a.take()
	b := a.get(id)
	*b = block{kind: Free, page: start, count: end - start}
	a.linearHead = id
	a.freeHead = id
	log.Infof("Virtual allocator: pages [%#x, %#x)", start, end)
	return a
}

// get returns the record for id.
func (a *Allocator) get(id BlockID) *block {
	if id == noBlock {
		panic("nil block")
	}
	if id <= staticRecords {
		return &a.static[id-1]
	}
	i := uintptr(id - staticRecords - 1)
	page := i / recordsPerPage
	if page >= uintptr(len(a.recordPages)) {
		panic(fmt.Sprintf("block %d out of range", id))
	}
	addr := a.recordPages[page] + hostarch.Addr((i%recordsPerPage)*recordSize)
	return (*block)(unsafe.Pointer(&kmem.Bytes(addr, recordSize)[0]))
}

// release puts a record on the spare list.
func (a *Allocator) release(id BlockID) {
	b := a.get(id)
	*b = block{listNext: a.spareHead}
	a.spareHead = id
}

// take removes a record from the spare list.
func (a *Allocator) take() BlockID {
	id := a.spareHead
	if id == noBlock {
		panic("no spare block records")
	}
	a.spareHead = a.get(id).listNext
	*a.get(id) = block{}
	return id
}

// snapshot returns the public view of id.
func (a *Allocator) snapshot(id BlockID) Block {
	b := a.get(id)
	return Block{ID: id, Kind: b.kind, Base: hostarch.PageAddr(b.page), Pages: b.count}
}

// ensureSpare makes sure the spare list is not empty, stealing the first
// page of the first free block if needed. Precondition: mu is held.
func (a *Allocator) ensureSpare() {
	if a.spareHead != noBlock {
		return
	}
	fid := a.freeHead
	if fid == noBlock {
		panic("out of virtual address space for block records")
	}
	f := a.get(fid)
	page := f.page
	addr := hostarch.PageAddr(page)
	a.pt.Map(addr, 1, pagetables.KernelData)
	a.recordPages = append(a.recordPages, addr)
	first := BlockID(staticRecords + (len(a.recordPages)-1)*int(recordsPerPage) + 1)
	for id := first + BlockID(recordsPerPage) - 1; id >= first; id-- {
		a.release(id)
	}
	log.Debugf("Virtual allocator: record page at %v", addr)

	if f.count == 1 {
		a.unlinkFree(fid)
		f.kind = Overhead
		return
	}
	oid := a.take()
	o := a.get(oid)
	*o = block{kind: Overhead, page: page, count: 1}
	f = a.get(fid)
	f.page++
	f.count--
	a.linkBefore(oid, fid)
}

// linkBefore inserts id before next on the linear list.
func (a *Allocator) linkBefore(id, next BlockID) {
	b, n := a.get(id), a.get(next)
	b.linearNext = next
	b.linearPrev = n.linearPrev
	if n.linearPrev != noBlock {
		a.get(n.linearPrev).linearNext = id
	} else {
		a.linearHead = id
	}
	n.linearPrev = id
}

// unlinkLinear removes id from the linear list.
func (a *Allocator) unlinkLinear(id BlockID) {
	b := a.get(id)
	if b.linearPrev != noBlock {
		a.get(b.linearPrev).linearNext = b.linearNext
	} else {
		a.linearHead = b.linearNext
	}
	if b.linearNext != noBlock {
		a.get(b.linearNext).linearPrev = b.linearPrev
	}
	b.linearPrev, b.linearNext = noBlock, noBlock
}

// unlinkFree removes id from the free list.
func (a *Allocator) unlinkFree(id BlockID) {
	b := a.get(id)
	if b.listPrev != noBlock {
		a.get(b.listPrev).listNext = b.listNext
	} else {
		a.freeHead = b.listNext
	}
	if b.listNext != noBlock {
		a.get(b.listNext).listPrev = b.listPrev
	}
	b.listPrev, b.listNext = noBlock, noBlock
}

// linkFree inserts id into the free list after the nearest free block below
// it.
func (a *Allocator) linkFree(id BlockID) {
	prev := a.get(id).linearPrev
	for prev != noBlock && a.get(prev).kind != Free {
		prev = a.get(prev).linearPrev
	}
	b := a.get(id)
	b.listPrev = prev
	if prev == noBlock {
		b.listNext = a.freeHead
		a.freeHead = id
	} else {
		p := a.get(prev)
		b.listNext = p.listNext
		p.listNext = id
	}
	if b.listNext != noBlock {
		a.get(b.listNext).listPrev = id
	}
}

// Allocate allocates pages of address space of the given kind.
//
// Fatal if kind is Free, Overhead or PhysicalView, or if no free block is
// large enough.
func (a *Allocator) Allocate(kind Kind, pages uint64) Block {
	switch kind {
	case Default, Stack, UserAllocator:
	default:
		panic(fmt.Sprintf("cannot allocate %s blocks", kind))
	}
	if kind == Stack && pages < 2 {
		panic(fmt.Sprintf("stack of %d pages has no room for a guard", pages))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	b := a.allocate(kind, pages)
	switch kind {
	case Default:
		a.pt.Map(b.Base, b.Pages, pagetables.KernelData)
	case Stack:
		a.pt.Map(b.Base+hostarch.PageSize, b.Pages-1, pagetables.KernelData)
	}
	return b
}

// AllocateView maps pages frames starting at phys into a new block.
//
// Fatal if no free block is large enough.
func (a *Allocator) AllocateView(phys hostarch.PhysAddr, pages uint64, flags pagetables.PTE) Block {
	a.mu.Lock()
	defer a.mu.Unlock()
	b := a.allocate(PhysicalView, pages)
	a.pt.MapView(b.Base, phys, pages, flags)
	return b
}

// allocate carves a block. Precondition: mu is held.
func (a *Allocator) allocate(kind Kind, pages uint64) Block {
	if pages == 0 {
		panic("zero page allocation")
	}
	a.ensureSpare()
	for fid := a.freeHead; fid != noBlock; fid = a.get(fid).listNext {
		f := a.get(fid)
		if f.count < pages {
			continue
		}
		if f.count == pages {
			a.unlinkFree(fid)
			f.kind = kind
			return a.snapshot(fid)
		}
		id := a.take()
		b := a.get(id)
		*b = block{kind: kind, page: f.page, count: pages}
		f = a.get(fid)
		f.page += pages
		f.count -= pages
		a.linkBefore(id, fid)
		return a.snapshot(id)
	}
	panic(fmt.Sprintf("out of virtual address space for %d pages", pages))
}

// Free releases a block, merging it with free neighbours.
//
// Fatal if the block is free or overhead.
func (a *Allocator) Free(blk Block) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := blk.ID
	b := a.get(id)
	base := hostarch.PageAddr(b.page)
	switch b.kind {
	case Default, UserAllocator:
		a.pt.Unmap(base, b.count)
	case Stack:
		a.pt.Unmap(base+hostarch.PageSize, b.count-1)
	case PhysicalView:
		a.pt.UnmapView(base, b.count)
	default:
		panic(fmt.Sprintf("freeing %s block %v", b.kind, base))
	}
	b.kind = Free

	if next := b.linearNext; next != noBlock && a.get(next).kind == Free {
		n := a.get(next)
		b.count += n.count
		a.unlinkFree(next)
		a.unlinkLinear(next)
		a.release(next)
	}
	b = a.get(id)
	if prev := b.linearPrev; prev != noBlock && a.get(prev).kind == Free {
		a.get(prev).count += b.count
		a.unlinkLinear(id)
		a.release(id)
		return
	}
	a.linkFree(id)
}

// Blocks returns every block in address order.
func (a *Allocator) Blocks() []Block {
	a.mu.Lock()
	defer a.mu.Unlock()
	var bs []Block
	for id := a.linearHead; id != noBlock; id = a.get(id).linearNext {
		bs = append(bs, a.snapshot(id))
	}
	return bs
}

// Check verifies the list invariants: the linear list tiles the window in
// order, no two neighbours are both free, and the free list holds exactly
// the free blocks in address order.
func (a *Allocator) Check() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	page := a.start
	prev := noBlock
	prevFree := false
	var free []BlockID
	for id := a.linearHead; id != noBlock; id = a.get(id).linearNext {
		b := a.get(id)
		if b.linearPrev != prev {
			return fmt.Errorf("block %d has linear prev %d, want %d", id, b.linearPrev, prev)
		}
		if b.page != page {
			return fmt.Errorf("block %d starts at page %#x, want %#x", id, b.page, page)
		}
		if b.count == 0 {
			return fmt.Errorf("block %d is empty", id)
		}
		isFree := b.kind == Free
		if isFree && prevFree {
			return fmt.Errorf("blocks %d and %d are adjacent and free", prev, id)
		}
		if isFree {
			free = append(free, id)
		}
		prevFree = isFree
		page += b.count
		prev = id
	}
	if page != a.end {
		return fmt.Errorf("blocks end at page %#x, want %#x", page, a.end)
	}
	i := 0
	listPrev := noBlock
	for id := a.freeHead; id != noBlock; id = a.get(id).listNext {
		if i >= len(free) || free[i] != id {
			return fmt.Errorf("free list entry %d is block %d, not the next free block", i, id)
		}
		if a.get(id).listPrev != listPrev {
			return fmt.Errorf("block %d has list prev %d, want %d", id, a.get(id).listPrev, listPrev)
		}
		listPrev = id
		i++
	}
	if i != len(free) {
		return fmt.Errorf("free list has %d blocks, want %d", i, len(free))
	}
	return nil
}
