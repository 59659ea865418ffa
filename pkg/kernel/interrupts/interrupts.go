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

// Package interrupts routes interrupts and faults to handlers.
//
// All CPUs share one IDT. Every gate points at the generated stub for its
// vector, and every stub enters Dispatch, which calls the handler installed
// for the vector. Vectors without a handler panic.
package interrupts

import (
	"sync/atomic"
	"unsafe"

	"vkernel.dev/vkernel/pkg/hostarch"
	"vkernel.dev/vkernel/pkg/kernel/cpu"
	"vkernel.dev/vkernel/pkg/kernel/kpanic"
	"vkernel.dev/vkernel/pkg/log"
	"vkernel.dev/vkernel/pkg/ring0"
)

// Handler handles an interrupt on p.
type Handler func(p ring0.Processor, f *ring0.Frame)

var (
	idt      [ring0.NumVectors]ring0.Gate64
	handlers [ring0.NumVectors]atomic.Pointer[Handler]
)

// istFor returns the interrupt stack of vector v. The fatal faults run on
// their own stacks so that they work with a broken kernel stack.
func istFor(v ring0.Vector) int {
	switch v {
	case ring0.NMI:
		return ring0.ISTNMI
	case ring0.DoubleFault:
		return ring0.ISTDoubleFault
	case ring0.PageFault:
		return ring0.ISTPageFault
	default:
		return ring0.ISTNone
	}
}

// Init fills the IDT, installs the freeze NMI handler and makes Dispatch
// the machine's interrupt entry.
func Init(m ring0.Machine) {
	for v := 0; v < ring0.NumVectors; v++ {
		vec := ring0.Vector(v)
		idt[v].SetInterrupt(ring0.Kcode, uint64(ring0.StubAddress(vec)), 0, istFor(vec))
	}
	Register(ring0.NMI, kpanic.HandleNMI)
	m.SetInterruptEntry(Dispatch)
	log.Debugf("IDT at %#x", uintptr(unsafe.Pointer(&idt[0])))
}

// Gate returns the IDT gate of v.
func Gate(v ring0.Vector) *ring0.Gate64 {
	return &idt[v]
}

// Load loads the IDT on p. Once it returns the CPU can take the freeze NMI.
func Load(p ring0.Processor, c *cpu.CPU) {
	p.LoadIDT(hostarch.Addr(uintptr(unsafe.Pointer(&idt[0]))), uint16(unsafe.Sizeof(idt)-1))
	c.HasIDT.Store(true)
}

// Register installs h for vector v, replacing any previous handler. A nil h
// restores the default.
func Register(v ring0.Vector, h Handler) {
	if h == nil {
		handlers[v].Store(nil)
		return
	}
	handlers[v].Store(&h)
}

// Dispatch calls the handler of the interrupt in f.
func Dispatch(p ring0.Processor, f *ring0.Frame) {
	defer kpanic.Recover(p)
	v := ring0.Vector(f.Vector)
	if h := handlers[v].Load(); h != nil {
		(*h)(p, f)
		return
	}
	unhandled(p, f)
}

// unhandled is the default handler.
func unhandled(p ring0.Processor, f *ring0.Frame) {
	index := -1
	if c := cpu.Current(p); c != nil {
		index = c.Index
	}
	kpanic.PanicFrame(p, f, "unhandled interrupt %d error code %#x on cpu %d at rip %#x", f.Vector, f.ErrorCode, index, f.RIP)
}

// Reset removes every handler.
func Reset() {
	for i := range handlers {
		handlers[i].Store(nil)
	}
}
