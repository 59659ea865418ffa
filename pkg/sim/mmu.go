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

package sim

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"vkernel.dev/vkernel/pkg/hostarch"
)

// Page table entry bits the walker interprets.
const (
	ptePresent = 1 << 0
	pteHuge    = 1 << 7
	pteAddress = 0x000ffffffffff000
)

// Fault is the panic value for an access to an unmapped address, or to a
// mapped address outside RAM.
type Fault struct {
	Addr hostarch.Addr
}

// Error implements error.Error.
func (f *Fault) Error() string {
	return fmt.Sprintf("page fault at %v", f.Addr)
}

// Bytes implements kmem.Window.Bytes.
func (m *Machine) Bytes(addr hostarch.Addr, n uintptr) []byte {
	phys, ok := m.translate(addr)
	if !ok {
		panic(&Fault{Addr: addr})
	}
	end := addr + hostarch.Addr(n)
	for page := addr.RoundDown() + hostarch.PageSize; page < end; page += hostarch.PageSize {
		next, ok := m.translate(page)
		if !ok {
			panic(&Fault{Addr: page})
		}
		if next != phys+hostarch.PhysAddr(page-addr) {
			panic(fmt.Sprintf("access [%v, %v) is not physically contiguous", addr, end))
		}
	}
	if uint64(phys)+uint64(n) > uint64(len(m.ram)) {
		panic(&Fault{Addr: addr})
	}
	return m.ram[phys : uint64(phys)+uint64(n) : uint64(phys)+uint64(n)]
}

// translate resolves a virtual address.
func (m *Machine) translate(addr hostarch.Addr) (hostarch.PhysAddr, bool) {
	if !addr.IsCanonical() {
		return 0, false
	}
	root := hostarch.PhysAddr(m.cr3.Load())
	if root == 0 {
		return m.bootTranslate(addr)
	}
	page := addr.RoundDown()
	off := hostarch.PhysAddr(addr.PageOffset())
	m.tlbMu.Lock()
	frame, ok := m.tlb[page]
	m.tlbMu.Unlock()
	if ok {
		return frame + off, true
	}
	frame, ok = m.walk(root, page)
	if !ok {
		return 0, false
	}
	m.tlbMu.Lock()
	m.tlb[page] = frame
	m.tlbMu.Unlock()
	return frame + off, true
}

// bootTranslate resolves addresses before paging is set up by the kernel.
func (m *Machine) bootTranslate(addr hostarch.Addr) (hostarch.PhysAddr, bool) {
	if uint64(addr) < uint64(len(m.ram)) {
		return hostarch.PhysAddr(addr), true
	}
	for _, bm := range m.bootMappings {
		if bm.virt <= addr && uint64(addr-bm.virt) < bm.size {
			return bm.phys + hostarch.PhysAddr(addr-bm.virt), true
		}
	}
	return 0, false
}

// loadEntry reads a page table entry from physical memory.
func (m *Machine) loadEntry(p hostarch.PhysAddr) (uint64, bool) {
	if uint64(p)+8 > uint64(len(m.ram)) {
		return 0, false
	}
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&m.ram[p]))), true
}

// walk translates page through the tables at root.
func (m *Machine) walk(root hostarch.PhysAddr, page hostarch.Addr) (hostarch.PhysAddr, bool) {
	table := root
	for level := 4; level >= 1; level-- {
		shift := 12 + 9*(level-1)
		index := hostarch.PhysAddr((uint64(page) >> shift) & 511)
		e, ok := m.loadEntry(table + index*8)
		if !ok || e&ptePresent == 0 {
			return 0, false
		}
		if level > 1 && e&pteHuge != 0 {
			if level == 4 {
				return 0, false
			}
			mask := uint64(1)<<shift - 1
			return hostarch.PhysAddr(e&pteAddress&^mask | uint64(page)&mask), true
		}
		table = hostarch.PhysAddr(e & pteAddress)
	}
	return table, true
}

// invalidate drops the TLB entry for page.
func (m *Machine) invalidate(page hostarch.Addr) {
	m.tlbMu.Lock()
	delete(m.tlb, page.RoundDown())
	m.tlbMu.Unlock()
}

// loadRoot switches to the tables at root and flushes the TLB.
func (m *Machine) loadRoot(root hostarch.PhysAddr) {
	m.tlbMu.Lock()
	clear(m.tlb)
	m.tlbMu.Unlock()
	m.cr3.Store(uint64(root))
}

// TLBSize returns the number of cached translations.
func (m *Machine) TLBSize() int {
	m.tlbMu.Lock()
	defer m.tlbMu.Unlock()
	return len(m.tlb)
}
