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

// Package smp brings up the application processors.
//
// The boot CPU allocates stacks for every CPU, copies the start-up
// trampoline and a packed bootstrap record to low memory, and starts the
// other CPUs with INIT and STARTUP IPIs. Each AP switches itself to long
// mode, waits for allow_start, finds its CPU record by APIC ID and enters
// the kernel on the record's stack.
package smp

import (
	"fmt"
	"time"

	"vkernel.dev/vkernel/pkg/hostarch"
	"vkernel.dev/vkernel/pkg/kernel/apic"
	"vkernel.dev/vkernel/pkg/kernel/cpu"
	"vkernel.dev/vkernel/pkg/kernel/interrupts"
	"vkernel.dev/vkernel/pkg/kernel/kmem"
	"vkernel.dev/vkernel/pkg/kernel/kpanic"
	"vkernel.dev/vkernel/pkg/kernel/layout"
	"vkernel.dev/vkernel/pkg/kernel/vmalloc"
	"vkernel.dev/vkernel/pkg/log"
	"vkernel.dev/vkernel/pkg/ring0"
	"vkernel.dev/vkernel/pkg/ring0/pagetables"
)

const (
	// MainStackPages is the usable size of a CPU's main stack.
	MainStackPages = 4

	// ISTStackPages is the usable size of each interrupt stack.
	ISTStackPages = 5

	// calibrationTicks is the number of PIT ticks the APIC timer is
	// measured over.
	calibrationTicks = 2

	// initDelay is the wait after INIT.
	initDelay = 10 * time.Millisecond

	// startupDelay is the wait after each STARTUP.
	startupDelay = time.Millisecond
)

// Bringup holds what the boot CPU and the APs share during bring-up.
type Bringup struct {
	m          ring0.Machine
	pt         *pagetables.PageTables
	space      *vmalloc.Allocator
	apicWindow hostarch.Addr
	trampoline hostarch.PhysAddr
}

// New prepares bring-up. apicWindow is the virtual address of the local APIC
// registers. trampoline is a reserved frame below 1 MiB for the start-up
// code.
func New(m ring0.Machine, pt *pagetables.PageTables, space *vmalloc.Allocator, apicWindow hostarch.Addr, trampoline hostarch.PhysAddr) *Bringup {
	if !trampoline.IsPageAligned() || trampoline >= 1<<20 {
		panic(fmt.Sprintf("trampoline page %v is not a real mode page", trampoline))
	}
	b := &Bringup{
		m:          m,
		pt:         pt,
		space:      space,
		apicWindow: apicWindow,
		trampoline: trampoline,
	}
	m.SetAPICWindow(apicWindow)
	m.SetAPEntry(b.enter)
	interrupts.Register(apic.TimerVector, func(p ring0.Processor, _ *ring0.Frame) {
		apic.EOI(p.APIC())
	})
	interrupts.Register(apic.SpuriousVector, func(ring0.Processor, *ring0.Frame) {})
	return b
}

// allocateStacks gives c its main stack and interrupt stacks. Each stack
// has a guard page below it.
func (b *Bringup) allocateStacks(c *cpu.CPU) {
	main := b.space.Allocate(vmalloc.Stack, MainStackPages+1)
	nmi := b.space.Allocate(vmalloc.Stack, ISTStackPages+1)
	df := b.space.Allocate(vmalloc.Stack, ISTStackPages+1)
	pf := b.space.Allocate(vmalloc.Stack, ISTStackPages+1)
	c.SetStacks(main.End(), nmi.End(), df.End(), pf.End())
}

// initCPU finishes the per-CPU setup on p and marks c started.
func (b *Bringup) initCPU(p ring0.Processor, c *cpu.CPU) {
	c.Install(p)
	interrupts.Load(p, c)
	b.pt.Map(c.LocalPages, layout.LocalPagesPerCPU, pagetables.KernelData)
	apic.Enable(p.APIC())
	c.APICTickRate = CalibrateAPICTimer(b.m, p)
	c.Started.Store(true)
	log.Infof("%s started, APIC timer %d ticks/ms", c, c.APICTickRate)
}

// StartBSP sets up the boot CPU, which must be registry index 0.
func (b *Bringup) StartBSP(p ring0.Processor) {
	c := cpu.Get(0)
	if id := apic.ID(p.APIC()); id != c.APICID {
		panic(fmt.Sprintf("boot CPU has APIC ID %d, registry has %d", id, c.APICID))
	}
	b.allocateStacks(c)
	b.initCPU(p, c)
}

// infoAddr returns the address of a bootstrap record field through the
// identity mapping of the trampoline page.
func (b *Bringup) infoAddr(field uintptr) hostarch.Addr {
	return hostarch.Addr(b.trampoline) + infoOffset + hostarch.Addr(field)
}

// BootCPUs starts every registered AP and waits until all of them have
// started. It runs on the boot CPU after StartBSP.
func (b *Bringup) BootCPUs(p ring0.Processor) {
	n := cpu.Count()
	if n == 1 {
		return
	}
	for i := 1; i < n; i++ {
		b.allocateStacks(cpu.Get(i))
	}

	root := b.pt.Root()
	if root >= 1<<32 {
		panic(fmt.Sprintf("top table %v is above 4 GiB", root))
	}
	page := hostarch.Addr(b.trampoline)
	b.pt.MapView(page, b.trampoline, 1, pagetables.Present|pagetables.Write)
	defer b.pt.UnmapView(page, 1)

	code := trampolineCode
	entry := uint64(ring0.AddrOfAPStart())
	for i := 0; i < 8; i++ {
		code[entryOffset+i] = byte(entry >> (8 * i))
	}
	kmem.Zero(page, hostarch.PageSize)
	kmem.CopyIn(page, code[:])

	kmem.Store32(b.infoAddr(infoPML4), uint32(root))
	kmem.Store64(b.infoAddr(infoAllowStart), 0)
	kmem.Store64(b.infoAddr(infoAPICRegisters), uint64(b.apicWindow))
	kmem.Store64(b.infoAddr(infoCPUCount), uint64(n))
	kmem.Store64(b.infoAddr(infoCPUSize), uint64(cpu.Size))
	kmem.Store64(b.infoAddr(infoCPUAPICOffset), uint64(cpu.APICIDOffset))
	kmem.Store64(b.infoAddr(infoCPUStackOffset), uint64(cpu.StackEndOffset))
	kmem.Store64(b.infoAddr(infoCPUs), uint64(cpu.Table()))
	p.Fence()

	regs := p.APIC()
	for i := 1; i < n; i++ {
		apic.SendINIT(regs, cpu.Get(i).APICID)
	}
	Delay(b.m, p, initDelay)
	vector := uint8(b.trampoline >> hostarch.PageShift)
	for round := 0; round < 2; round++ {
		for i := 1; i < n; i++ {
			apic.SendStartup(regs, cpu.Get(i).APICID, vector)
		}
		Delay(b.m, p, startupDelay)
	}

	kmem.Store64(b.infoAddr(infoAllowStart), 1)
	for i := 1; i < n; i++ {
		c := cpu.Get(i)
		for !c.Started.Load() {
			p.Pause()
		}
	}
	log.Infof("All %d CPUs started", n)
}

// enter is the AP entry point. record is the CPU record the trampoline
// found.
func (b *Bringup) enter(p ring0.Processor, record uintptr) {
	defer kpanic.Recover(p)
	c := cpu.FromAddr(record)
	if kpanic.Panicking() {
		c.Frozen.Store(true)
		ring0.HaltForever(p)
	}
	b.initCPU(p, c)
	Idle(p)
}

// Idle enables interrupts and halts forever.
func Idle(p ring0.Processor) {
	p.EnableInterrupts()
	for {
		p.Halt()
	}
}

// Delay spins on p for at least d, measured in PIT ticks.
func Delay(m ring0.Machine, p ring0.Processor, d time.Duration) {
	hz := m.PITFrequency()
	ticks := (uint64(d)*hz + uint64(time.Second) - 1) / uint64(time.Second)
	start := m.PITTicks()
	for m.PITTicks()-start <= ticks {
		p.Pause()
	}
}

// CalibrateAPICTimer measures the local APIC timer against the PIT and
// returns its rate in ticks per millisecond.
//
// Fatal if the timer runs out before calibrationTicks PIT ticks.
func CalibrateAPICTimer(m ring0.Machine, p ring0.Processor) uint64 {
	regs := p.APIC()

	// Start on a tick edge.
	t0 := m.PITTicks()
	for m.PITTicks() == t0 {
		p.Pause()
	}
	start := m.PITTicks()
	const initial = ^uint32(0)
	apic.StartOneShot(regs, initial)
	for m.PITTicks()-start < calibrationTicks {
		if apic.CurrentCount(regs) == 0 {
			panic(fmt.Sprintf("APIC timer expired within %d PIT ticks", calibrationTicks))
		}
		p.Pause()
	}
	remaining := apic.CurrentCount(regs)
	apic.StopTimer(regs)
	if remaining == 0 {
		panic(fmt.Sprintf("APIC timer expired within %d PIT ticks", calibrationTicks))
	}
	elapsed := uint64(initial - remaining)
	rate := elapsed * m.PITFrequency() / (calibrationTicks * 1000)
	if rate == 0 {
		panic("APIC timer did not advance")
	}
	return rate
}
