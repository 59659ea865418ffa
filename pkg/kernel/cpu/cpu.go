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

// Package cpu holds the per-CPU records.
//
// The records live in a fixed array, indexed by CPU index. The boot CPU is
// always index 0; the others follow in ACPI order. The array is filled once
// by the boot CPU before any other CPU starts and is not resized.
package cpu

import (
	"fmt"
	"unsafe"

	"vkernel.dev/vkernel/pkg/atomicbitops"
	"vkernel.dev/vkernel/pkg/bootinfo"
	"vkernel.dev/vkernel/pkg/hostarch"
	"vkernel.dev/vkernel/pkg/kernel/layout"
	"vkernel.dev/vkernel/pkg/log"
	"vkernel.dev/vkernel/pkg/ring0"
)

// MaxCPUs is the capacity of the registry.
const MaxCPUs = 64

// CPU is a per-CPU record.
type CPU struct {
	// APICID and StackEnd are read by the AP start-up code, which finds
	// them through APICIDOffset and StackEndOffset.
	APICID   uint32
	ACPIID   uint32
	StackEnd uint64

	// Index is the position in the registry.
	Index int

	// Ends of the interrupt stacks.
	NMIStack         hostarch.Addr
	DoubleFaultStack hostarch.Addr
	PageFaultStack   hostarch.Addr

	// LocalPages is the base of the CPU's local page area.
	LocalPages hostarch.Addr

	// APICTickRate is the local timer rate in ticks per millisecond.
	APICTickRate uint64

	TSS ring0.TaskState64
	GDT ring0.GDT

	// Started is set once the CPU has finished bring-up.
	Started atomicbitops.Bool

	// Frozen is set by a CPU that has stopped for a panic.
	Frozen atomicbitops.Bool

	// HasIDT is set once the CPU has loaded the IDT and can take the
	// freeze NMI.
	HasIDT atomicbitops.Bool
}

// Offsets of the fields the AP start-up code reads.
const (
	APICIDOffset   = unsafe.Offsetof(CPU{}.APICID)
	StackEndOffset = unsafe.Offsetof(CPU{}.StackEnd)
	Size           = unsafe.Sizeof(CPU{})
)

var (
	cpus  [MaxCPUs]CPU
	count int
)

// Register fills the registry from the ACPI processor list. bsp is the APIC
// ID of the calling CPU. Disabled processors are skipped and processors
// past MaxCPUs are ignored.
//
// Fatal if bsp is not in the list.
func Register(list []bootinfo.CPU, bsp uint32) int {
	Reset()
	found := false
	for _, c := range list {
		if c.APICID == bsp {
			found = true
			add(c)
		}
	}
	if !found {
		panic(fmt.Sprintf("boot CPU APIC ID %d is not in the ACPI table", bsp))
	}
	for _, c := range list {
		if c.APICID == bsp || !c.Enabled {
			continue
		}
		if count == MaxCPUs {
			log.Warningf("Ignoring CPU with APIC ID %d: only %d CPUs are supported", c.APICID, MaxCPUs)
			continue
		}
		add(c)
	}
	log.Infof("%d CPUs registered", count)
	return count
}

func add(c bootinfo.CPU) {
	r := &cpus[count]
	r.Index = count
	r.APICID = c.APICID
	r.ACPIID = c.ACPIID
	r.LocalPages = layout.LocalPages(count)
	count++
}

// Reset empties the registry.
func Reset() {
	for i := range cpus {
		r := &cpus[i]
		r.APICID, r.ACPIID, r.StackEnd, r.Index = 0, 0, 0, 0
		r.NMIStack, r.DoubleFaultStack, r.PageFaultStack = 0, 0, 0
		r.LocalPages, r.APICTickRate = 0, 0
		r.TSS = ring0.TaskState64{}
		r.GDT = ring0.GDT{}
		r.Started.Store(false)
		r.Frozen.Store(false)
		r.HasIDT.Store(false)
	}
	count = 0
}

// Count returns the number of registered CPUs.
func Count() int {
	return count
}

// Get returns the CPU with index i.
func Get(i int) *CPU {
	if i < 0 || i >= count {
		panic(fmt.Sprintf("CPU index %d out of range [0, %d)", i, count))
	}
	return &cpus[i]
}

// ByAPICID returns the CPU with the given APIC ID, or nil.
func ByAPICID(id uint32) *CPU {
	for i := 0; i < count; i++ {
		if cpus[i].APICID == id {
			return &cpus[i]
		}
	}
	return nil
}

// Table returns the address of the first record.
func Table() uintptr {
	return uintptr(unsafe.Pointer(&cpus[0]))
}

// FromAddr returns the record at addr, which must be one returned by Table
// arithmetic.
func FromAddr(addr uintptr) *CPU {
	off := addr - Table()
	if addr < Table() || off%Size != 0 || int(off/Size) >= count {
		panic(fmt.Sprintf("%#x is not a CPU record", addr))
	}
	return &cpus[off/Size]
}

// Current returns the record of the executing CPU, or nil before the CPU
// has installed its per-CPU base.
func Current(p ring0.Processor) *CPU {
	base := p.ReadGSBase()
	if base == 0 {
		return nil
	}
	return FromAddr(base)
}

// SetStacks records the stack ends in the record and the TSS.
func (c *CPU) SetStacks(main, nmi, doubleFault, pageFault hostarch.Addr) {
	c.StackEnd = uint64(main)
	c.NMIStack = nmi
	c.DoubleFaultStack = doubleFault
	c.PageFaultStack = pageFault
	c.TSS.SetRSP0(uint64(main))
	c.TSS.SetIST(ring0.ISTNMI, uint64(nmi))
	c.TSS.SetIST(ring0.ISTDoubleFault, uint64(doubleFault))
	c.TSS.SetIST(ring0.ISTPageFault, uint64(pageFault))
}

// Install loads the CPU's GDT and TSS on p and points the per-CPU base at c.
func (c *CPU) Install(p ring0.Processor) {
	c.TSS.BlockIO()
	c.GDT.Init(&c.TSS)
	p.LoadGDT(hostarch.Addr(uintptr(unsafe.Pointer(&c.GDT))), c.GDT.Limit())
	p.LoadTaskRegister(ring0.Tss)
	p.WriteGSBase(uintptr(unsafe.Pointer(c)))
}

// String implements fmt.Stringer.String.
func (c *CPU) String() string {
	return fmt.Sprintf("cpu %d (APIC %d)", c.Index, c.APICID)
}
