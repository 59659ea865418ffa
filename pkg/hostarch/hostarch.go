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

// Package hostarch contains x86-64 address and page size definitions shared
// by the kernel and its tools.
package hostarch

import "fmt"

const (
	// PageShift is the binary log of the page size.
	PageShift = 12

	// PageSize is the size of a page.
	PageSize = 1 << PageShift

	// HugePageShift is the binary log of the 2 MiB page size.
	HugePageShift = 21

	// HugePageSize is the size of a huge page.
	HugePageSize = 1 << HugePageShift

	// VirtualAddressBits is the number of implemented virtual address bits.
	VirtualAddressBits = 48

	// PhysicalAddressBits is the maximum number of physical address bits.
	PhysicalAddressBits = 52
)

// Addr represents a virtual address.
type Addr uintptr

// PhysAddr represents a physical address.
type PhysAddr uint64

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uintptr(v))
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v & ^Addr(PageSize-1)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = Addr(v + PageSize - 1).RoundDown()
	ok = addr >= v
	return
}

// MustRoundUp is equivalent to RoundUp, but panics if rounding up wraps
// around.
func (v Addr) MustRoundUp() Addr {
	addr, ok := v.RoundUp()
	if !ok {
		panic(fmt.Sprintf("hostarch.Addr(%#x).RoundUp() wraps", v))
	}
	return addr
}

// HugeRoundDown returns the address rounded down to the nearest huge page
// boundary.
func (v Addr) HugeRoundDown() Addr {
	return v & ^Addr(HugePageSize-1)
}

// PageOffset returns the offset of v into the current page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & Addr(PageSize-1))
}

// IsPageAligned returns true if v.PageOffset() == 0.
func (v Addr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// Page returns the page number containing v.
func (v Addr) Page() uint64 {
	return uint64(v) >> PageShift
}

// AddLength adds the given length to start and returns the result. ok is true
// iff adding the length did not overflow.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	// The second half of the following check is needed in case uintptr is
	// smaller than 64 bits.
	ok = end >= v && length <= uint64(^Addr(0))
	return
}

// IsCanonical returns true if v is a canonical 48-bit virtual address, i.e.
// bits 63:47 are all equal.
func (v Addr) IsCanonical() bool {
	top := int64(v) >> (VirtualAddressBits - 1)
	return top == 0 || top == -1
}

// PageAddr returns the virtual address of page number p.
func PageAddr(p uint64) Addr {
	return Addr(p << PageShift)
}

// String implements fmt.Stringer.String.
func (p PhysAddr) String() string {
	return fmt.Sprintf("P%#x", uint64(p))
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (p PhysAddr) RoundDown() PhysAddr {
	return p &^ PhysAddr(PageSize-1)
}

// RoundUp returns the address rounded up to the nearest page boundary.
func (p PhysAddr) RoundUp() PhysAddr {
	return (p + PageSize - 1).RoundDown()
}

// IsPageAligned returns true if p is a multiple of the page size.
func (p PhysAddr) IsPageAligned() bool {
	return p&(PageSize-1) == 0
}

// Page returns the frame number of p.
func (p PhysAddr) Page() uint64 {
	return uint64(p) >> PageShift
}
