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
	"runtime"

	"vkernel.dev/vkernel/pkg/atomicbitops"
	"vkernel.dev/vkernel/pkg/hostarch"
	"vkernel.dev/vkernel/pkg/ring0"
	"vkernel.dev/vkernel/pkg/sync"
)

const (
	apicBaseEnable = 1 << 11
	apicBaseBSP    = 1 << 8

	// idtLimit is the limit of a full IDT.
	idtLimit = ring0.NumVectors*16 - 1
)

// Processor is a simulated logical CPU.
type Processor struct {
	m      *Machine
	index  int
	apicID uint32
	apic   *LocalAPIC

	// running is set once the processor has a goroutine.
	running atomicbitops.Bool

	// initReceived is set by an INIT IPI.
	initReceived atomicbitops.Bool

	// interruptFlag is RFLAGS.IF.
	interruptFlag atomicbitops.Bool

	// idtLoaded is set by LoadIDT.
	idtLoaded atomicbitops.Bool

	gsBase atomicbitops.Uint64

	// halted is set while the processor waits in Halt.
	halted atomicbitops.Bool

	// wake is signalled when an interrupt is raised.
	wake chan struct{}

	// inNMI blocks nested NMIs. Only the processor's goroutine uses it.
	inNMI bool

	mu sync.Mutex

	// The fields below are protected by mu.
	msrs       map[uint32]uint64
	nmiPending bool
	pending    []ring0.Vector
	gdtBase    hostarch.Addr
	gdtLimit   uint16
	idtBase    hostarch.Addr
	tr         ring0.Selector
}

var _ ring0.Processor = (*Processor)(nil)

func newProcessor(m *Machine, index int, apicID uint32) *Processor {
	p := &Processor{
		m:      m,
		index:  index,
		apicID: apicID,
		wake:   make(chan struct{}, 1),
		msrs:   make(map[uint32]uint64),
	}
	base := uint64(LocalAPICBase) | apicBaseEnable
	if index == 0 {
		base |= apicBaseBSP
	}
	p.msrs[ring0.MSR_APIC_BASE] = base
	p.apic = newLocalAPIC(m, p)
	return p
}

// Index returns the ACPI index of the processor.
func (p *Processor) Index() int {
	return p.index
}

// APICID returns the APIC ID of the processor.
func (p *Processor) APICID() uint32 {
	return p.apicID
}

// Running returns true if the processor has been started.
func (p *Processor) Running() bool {
	return p.running.Load()
}

// Halted returns true if the processor is waiting in Halt.
func (p *Processor) Halted() bool {
	return p.halted.Load()
}

// InterruptsEnabled returns RFLAGS.IF.
func (p *Processor) InterruptsEnabled() bool {
	return p.interruptFlag.Load()
}

// Descriptors returns the GDT base, the IDT base and the task register.
func (p *Processor) Descriptors() (gdt hostarch.Addr, idt hostarch.Addr, tr ring0.Selector) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gdtBase, p.idtBase, p.tr
}

// LoadPageTable implements ring0.Processor.LoadPageTable.
func (p *Processor) LoadPageTable(root hostarch.PhysAddr) {
	p.m.loadRoot(root)
}

// PageTable implements ring0.Processor.PageTable.
func (p *Processor) PageTable() hostarch.PhysAddr {
	return hostarch.PhysAddr(p.m.cr3.Load())
}

// InvalidatePage implements ring0.Processor.InvalidatePage.
func (p *Processor) InvalidatePage(addr hostarch.Addr) {
	p.m.invalidate(addr)
}

// LoadGDT implements ring0.Processor.LoadGDT.
func (p *Processor) LoadGDT(base hostarch.Addr, limit uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gdtBase, p.gdtLimit = base, limit
}

// LoadIDT implements ring0.Processor.LoadIDT.
func (p *Processor) LoadIDT(base hostarch.Addr, limit uint16) {
	if limit != idtLimit {
		panic(fmt.Sprintf("cpu %d: IDT limit %#x", p.index, limit))
	}
	p.mu.Lock()
	p.idtBase = base
	p.mu.Unlock()
	p.idtLoaded.Store(true)
}

// LoadTaskRegister implements ring0.Processor.LoadTaskRegister.
func (p *Processor) LoadTaskRegister(sel ring0.Selector) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gdtLimit < uint16(sel)+15 {
		panic(fmt.Sprintf("cpu %d: task register %#x beyond GDT limit %#x", p.index, sel, p.gdtLimit))
	}
	p.tr = sel
}

// WriteGSBase implements ring0.Processor.WriteGSBase.
func (p *Processor) WriteGSBase(addr uintptr) {
	p.gsBase.Store(uint64(addr))
}

// ReadGSBase implements ring0.Processor.ReadGSBase.
func (p *Processor) ReadGSBase() uintptr {
	return uintptr(p.gsBase.Load())
}

// ReadMSR implements ring0.Processor.ReadMSR.
func (p *Processor) ReadMSR(reg uint32) uint64 {
	if reg == ring0.MSR_GS_BASE {
		return p.gsBase.Load()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.msrs[reg]
}

// WriteMSR implements ring0.Processor.WriteMSR.
func (p *Processor) WriteMSR(reg uint32, value uint64) {
	if reg == ring0.MSR_GS_BASE {
		p.gsBase.Store(value)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msrs[reg] = value
}

// CPUID implements ring0.Processor.CPUID.
func (p *Processor) CPUID(fn, sub uint32) (uint32, uint32, uint32, uint32) {
	switch fn {
	case 0:
		// "GenuineIntel" keeps feature probing conventional.
		return 0xb, 0x756e6547, 0x6c65746e, 0x49656e69
	case 1:
		const (
			edxMSR  = 1 << 5
			edxAPIC = 1 << 9
			edxPAT  = 1 << 16
		)
		return 0x000306a9, (p.apicID&0xff)<<24 | uint32(p.m.cfg.CPUs)<<16, 0, edxAPIC | edxMSR | edxPAT
	case 0xb:
		return 0, 1, sub, p.apicID
	default:
		return 0, 0, 0, 0
	}
}

// DisableInterrupts implements ring0.Processor.DisableInterrupts.
func (p *Processor) DisableInterrupts() {
	p.interruptFlag.Store(false)
}

// EnableInterrupts implements ring0.Processor.EnableInterrupts.
func (p *Processor) EnableInterrupts() {
	p.interruptFlag.Store(true)
	p.deliver()
}

// Halt implements ring0.Processor.Halt. It returns once an interrupt has
// been delivered. If the machine is shut down, the processor goroutine
// exits.
func (p *Processor) Halt() {
	p.halted.Store(true)
	defer p.halted.Store(false)
	for {
		p.m.checkStopped()
		if p.deliver() {
			return
		}
		select {
		case <-p.wake:
		case <-p.m.done:
			runtime.Goexit()
		}
	}
}

// Pause implements ring0.Processor.Pause.
func (p *Processor) Pause() {
	p.m.checkStopped()
	runtime.Gosched()
	p.deliver()
}

// Fence implements ring0.Processor.Fence.
func (p *Processor) Fence() {
	// A lock round trip is a full barrier for the Go memory model.
	p.m.tlbMu.Lock()
	p.m.tlbMu.Unlock()
}

// APIC implements ring0.Processor.APIC.
func (p *Processor) APIC() ring0.APICRegisters {
	return p.apic
}

// raise makes vector pending on p.
func (p *Processor) raise(v ring0.Vector) {
	p.mu.Lock()
	if v == ring0.NMI {
		p.nmiPending = true
	} else {
		p.pending = append(p.pending, v)
	}
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// next dequeues the next deliverable interrupt.
func (p *Processor) next() (ring0.Vector, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.idtLoaded.Load() {
		return 0, false
	}
	if p.nmiPending && !p.inNMI {
		p.nmiPending = false
		return ring0.NMI, true
	}
	if p.interruptFlag.Load() && len(p.pending) > 0 {
		v := p.pending[0]
		p.pending = p.pending[1:]
		return v, true
	}
	return 0, false
}

// deliver runs the handlers of every deliverable interrupt and reports
// whether there were any.
func (p *Processor) deliver() bool {
	delivered := false
	for {
		v, ok := p.next()
		if !ok {
			return delivered
		}
		delivered = true
		p.Interrupt(v, 0)
	}
}

// Interrupt enters the interrupt entry point on p's goroutine as if vector
// v had been raised with the given error code. It must be called from the
// processor's own goroutine.
func (p *Processor) Interrupt(v ring0.Vector, errorCode uint64) {
	fn := p.m.interruptEntry.Load()
	if fn == nil || !p.idtLoaded.Load() {
		panic(fmt.Sprintf("cpu %d: vector %d with no IDT", p.index, v))
	}
	f := &ring0.Frame{
		Vector:    uint64(v),
		ErrorCode: errorCode,
		CS:        uint64(ring0.Kcode),
		SS:        uint64(ring0.Kdata),
	}
	wasEnabled := p.interruptFlag.Swap(false)
	if wasEnabled {
		f.RFLAGS |= 1 << 9
	}
	if v == ring0.NMI {
		p.inNMI = true
	}
	(*fn)(p, f)
	if v == ring0.NMI {
		p.inNMI = false
	}
	p.interruptFlag.Store(wasEnabled)
}
