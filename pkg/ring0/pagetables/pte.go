// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pagetables

import (
	"fmt"
	"strings"

	"vkernel.dev/vkernel/pkg/hostarch"
)

// PTE is a page table entry at any level.
type PTE uint64

// Entry flags.
const (
	Present      PTE = 1 << 0
	Write        PTE = 1 << 1
	User         PTE = 1 << 2
	WriteThrough PTE = 1 << 3
	CacheDisable PTE = 1 << 4
	Accessed     PTE = 1 << 5
	Dirty        PTE = 1 << 6

	// PATBit is the PAT selector bit in leaf entries. In L2 and L3 entries
	// the same bit marks a huge page, which the kernel never creates.
	PATBit PTE = 1 << 7

	Global      PTE = 1 << 8
	NoExecute   PTE = 1 << 63
	addressMask PTE = 0x000ffffffffff000

	// flagsMask covers every flag bit.
	flagsMask = ^addressMask
)

// Kernel mapping flag sets.
const (
	// KernelCode is read-only and executable.
	KernelCode = Present

	// KernelReadOnly is read-only and not executable.
	KernelReadOnly = Present | NoExecute

	// KernelData is writable and not executable.
	KernelData = Present | Write | NoExecute

	// tableFlags are set on every intermediate entry. Restrictions are
	// expressed only at the leaves.
	tableFlags = Present | Write
)

// CacheFlags returns the PAT selector bits for mt under hostarch.PAT.
func CacheFlags(mt hostarch.MemoryType) PTE {
	switch mt {
	case hostarch.MemoryTypeWriteBack:
		return 0
	case hostarch.MemoryTypeWriteCombine:
		return WriteThrough
	case hostarch.MemoryTypeUncached:
		return WriteThrough | CacheDisable
	default:
		panic(fmt.Sprintf("unknown memory type %v", mt))
	}
}

// Valid returns true if the entry is present.
func (p PTE) Valid() bool {
	return p&Present != 0
}

// Address returns the physical address the entry points to.
func (p PTE) Address() hostarch.PhysAddr {
	return hostarch.PhysAddr(p & addressMask)
}

// Flags returns the flag bits.
func (p PTE) Flags() PTE {
	return p & flagsMask
}

// Writeable returns true if the entry permits writes.
func (p PTE) Writeable() bool {
	return p&Write != 0
}

// Executable returns true if the entry permits instruction fetches.
func (p PTE) Executable() bool {
	return p&NoExecute == 0
}

// makePTE combines a frame with flags. The frame must be page aligned.
func makePTE(frame hostarch.PhysAddr, flags PTE) PTE {
	if !frame.IsPageAligned() {
		panic(fmt.Sprintf("unaligned frame %v", frame))
	}
	return PTE(frame)&addressMask | flags.Flags()
}

// String implements fmt.Stringer.String.
func (p PTE) String() string {
	if !p.Valid() {
		return "(not present)"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%v ", p.Address())
	for _, f := range []struct {
		bit  PTE
		name string
	}{
		{Write, "w"},
		{User, "u"},
		{WriteThrough, "wt"},
		{CacheDisable, "cd"},
		{Accessed, "a"},
		{Dirty, "d"},
		{PATBit, "pat"},
		{Global, "g"},
	} {
		if p&f.bit != 0 {
			b.WriteString(f.name)
		} else {
			b.WriteString("-")
		}
	}
	if p.Executable() {
		b.WriteString("x")
	} else {
		b.WriteString("-")
	}
	return b.String()
}
