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

//go:build amd64
// +build amd64

package ring0

//go:generate go run vkernel.dev/vkernel/tools/genisr -out isr_amd64.s

import (
	"sync/atomic"

	"vkernel.dev/vkernel/pkg/atomicbitops"
	"vkernel.dev/vkernel/pkg/hostarch"
	"vkernel.dev/vkernel/pkg/kernel/kmem"
)

// Native is the Processor of the CPU executing the call, on bare metal.
type Native struct{}

var _ Processor = Native{}

// LoadPageTable implements Processor.LoadPageTable.
//
//go:nosplit
func (Native) LoadPageTable(root hostarch.PhysAddr) {
	writeCR3(uintptr(root))
}

// PageTable implements Processor.PageTable.
//
//go:nosplit
func (Native) PageTable() hostarch.PhysAddr {
	return hostarch.PhysAddr(readCR3())
}

// InvalidatePage implements Processor.InvalidatePage.
//
//go:nosplit
func (Native) InvalidatePage(addr hostarch.Addr) {
	invlpg(uintptr(addr))
}

// LoadGDT implements Processor.LoadGDT.
func (Native) LoadGDT(base hostarch.Addr, limit uint16) {
	d := newDescriptorPointer(uintptr(base), limit)
	lgdt(&d)
}

// LoadIDT implements Processor.LoadIDT.
func (Native) LoadIDT(base hostarch.Addr, limit uint16) {
	d := newDescriptorPointer(uintptr(base), limit)
	lidt(&d)
}

// LoadTaskRegister implements Processor.LoadTaskRegister.
//
//go:nosplit
func (Native) LoadTaskRegister(sel Selector) {
	ltr(uint16(sel))
}

// WriteGSBase implements Processor.WriteGSBase.
//
//go:nosplit
func (Native) WriteGSBase(addr uintptr) {
	wrgsbase(addr)
}

// ReadGSBase implements Processor.ReadGSBase.
//
//go:nosplit
func (Native) ReadGSBase() uintptr {
	return rdgsbase()
}

// ReadMSR implements Processor.ReadMSR.
//
//go:nosplit
func (Native) ReadMSR(reg uint32) uint64 {
	return uint64(rdmsr(uintptr(reg)))
}

// WriteMSR implements Processor.WriteMSR.
//
//go:nosplit
func (Native) WriteMSR(reg uint32, value uint64) {
	wrmsr(uintptr(reg), uintptr(value))
}

// CPUID implements Processor.CPUID.
//
//go:nosplit
func (Native) CPUID(fn, sub uint32) (uint32, uint32, uint32, uint32) {
	return cpuid(fn, sub)
}

// DisableInterrupts implements Processor.DisableInterrupts.
//
//go:nosplit
func (Native) DisableInterrupts() {
	cli()
}

// EnableInterrupts implements Processor.EnableInterrupts.
//
//go:nosplit
func (Native) EnableInterrupts() {
	sti()
}

// Halt implements Processor.Halt.
//
//go:nosplit
func (Native) Halt() {
	hlt()
}

// Pause implements Processor.Pause.
//
//go:nosplit
func (Native) Pause() {
	pause()
}

// Fence implements Processor.Fence.
//
//go:nosplit
func (Native) Fence() {
	mfence()
}

// APIC implements Processor.APIC.
func (Native) APIC() APICRegisters {
	return mmioAPIC(apicWindow.Load())
}

// mmioAPIC accesses the local APIC through its memory mapped registers.
type mmioAPIC hostarch.Addr

// Read implements APICRegisters.Read.
func (a mmioAPIC) Read(offset uint32) uint32 {
	return kmem.Load32(hostarch.Addr(a) + hostarch.Addr(offset))
}

// Write implements APICRegisters.Write.
func (a mmioAPIC) Write(offset uint32, value uint32) {
	kmem.Store32(hostarch.Addr(a)+hostarch.Addr(offset), value)
}

var (
	// apicWindow is the virtual address of the local APIC registers.
	apicWindow atomicbitops.Uint64

	// interruptEntry and apEntry are the Go entry points called from the
	// assembly stubs.
	interruptEntry atomic.Pointer[func(Processor, *Frame)]
	apEntry        atomic.Pointer[func(Processor, uintptr)]
)

// handleInterrupt is called by isrCommon with the saved frame.
func handleInterrupt(f *Frame) {
	if fn := interruptEntry.Load(); fn != nil {
		(*fn)(Native{}, f)
		return
	}
	HaltForever(Native{})
}

// startAP is called by apStart once the trampoline reaches 64-bit mode.
func startAP(cpu uintptr) {
	if fn := apEntry.Load(); fn != nil {
		(*fn)(Native{}, cpu)
	}
	HaltForever(Native{})
}

// apStart is the 64-bit entry point patched into the AP trampoline. The
// trampoline enters with the CPU record in DI and the stack set up.
func apStart()

// AddrOfAPStart returns the address of apStart.
//
// In Go 1.17+, Go references to assembly functions resolve to an ABIInternal
// wrapper function rather than the function itself. We must reference from
// assembly to get the ABI0 (i.e., primary) address.
func AddrOfAPStart() uintptr

// isrStubTable returns the table of ISR stub addresses.
func isrStubTable() *[NumVectors]uintptr

// StubAddress returns the address of the ISR stub for vector v.
func StubAddress(v Vector) uintptr {
	return isrStubTable()[v]
}

// NativeMachine is the bare-metal Machine.
type NativeMachine struct {
	pitTicks atomicbitops.Uint64
	pitHz    uint64
}

var _ Machine = (*NativeMachine)(nil)

const (
	pitBaseHz  = 1193182
	pitCommand = 0x43
	pitChannel = 0x40

	// pitRateGenerator selects channel 0, lobyte/hibyte access, mode 2.
	pitRateGenerator = 0x34
)

// NewNativeMachine programs PIT channel 0 to fire at pitHz and returns the
// bare-metal Machine. The caller must route the PIT interrupt to Tick.
func NewNativeMachine(pitHz uint64) *NativeMachine {
	divisor := pitBaseHz / pitHz
	if divisor == 0 || divisor > 0xffff {
		panic("unsupported PIT frequency")
	}
	outb(pitCommand, pitRateGenerator)
	outb(pitChannel, uint8(divisor))
	outb(pitChannel, uint8(divisor>>8))
	return &NativeMachine{pitHz: pitBaseHz / divisor}
}

const (
	com1           = 0x3f8
	com1LineStatus = com1 + 5
	lsrTHREmpty    = 0x20
)

// SerialWrite writes b to the first serial port, waiting for the transmit
// holding register to drain.
func SerialWrite(b []byte) {
	for _, c := range b {
		for inb(com1LineStatus)&lsrTHREmpty == 0 {
			pause()
		}
		outb(com1, c)
	}
}

// Tick is called from the PIT interrupt handler.
func (m *NativeMachine) Tick() {
	m.pitTicks.Add(1)
}

// Boot implements Machine.Boot.
func (m *NativeMachine) Boot() Processor {
	return Native{}
}

// PITTicks implements Machine.PITTicks.
func (m *NativeMachine) PITTicks() uint64 {
	return m.pitTicks.Load()
}

// PITFrequency implements Machine.PITFrequency.
func (m *NativeMachine) PITFrequency() uint64 {
	return m.pitHz
}

// SetAPICWindow implements Machine.SetAPICWindow.
func (m *NativeMachine) SetAPICWindow(addr hostarch.Addr) {
	apicWindow.Store(uint64(addr))
}

// SetInterruptEntry implements Machine.SetInterruptEntry.
func (m *NativeMachine) SetInterruptEntry(fn func(Processor, *Frame)) {
	interruptEntry.Store(&fn)
}

// SetAPEntry implements Machine.SetAPEntry.
func (m *NativeMachine) SetAPEntry(fn func(Processor, uintptr)) {
	apEntry.Store(&fn)
}
