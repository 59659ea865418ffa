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

// Package kpanic implements the kernel panic path.
//
// The first CPU to panic stops every other CPU that can take an NMI, takes
// the console over and prints the message. Any CPU that panics while
// another one is already panicking halts. Nothing here has a timeout: a CPU
// that never reports frozen stalls the panicker, which is still halted.
package kpanic

import (
	"fmt"
	"sync/atomic"

	"vkernel.dev/vkernel/pkg/atomicbitops"
	"vkernel.dev/vkernel/pkg/kernel/apic"
	"vkernel.dev/vkernel/pkg/kernel/console"
	"vkernel.dev/vkernel/pkg/kernel/cpu"
	"vkernel.dev/vkernel/pkg/ring0"
)

var (
	// panicking is set by the first CPU to enter Panicf.
	panicking atomicbitops.Bool

	// freezing is set by the first CPU to enter FreezeOtherCores.
	freezing atomicbitops.Bool

	out     atomic.Pointer[console.Console]
	symbols atomic.Pointer[Symbolizer]
)

// SetConsole sets the console panics are printed on.
func SetConsole(c *console.Console) {
	out.Store(c)
}

// SetSymbolizer sets the symbol table used for backtraces.
func SetSymbolizer(s *Symbolizer) {
	symbols.Store(s)
}

// Panicking returns true once a CPU has entered the panic path.
func Panicking() bool {
	return panicking.Load()
}

// Reset clears the panic state. It exists for hosted machines, which run
// more than one kernel in a process.
func Reset() {
	panicking.Store(false)
	freezing.Store(false)
	out.Store(nil)
	symbols.Store(nil)
}

// Panicf stops the kernel with a message. It does not return.
func Panicf(p ring0.Processor, format string, args ...any) {
	panicFrame(p, nil, format, args...)
}

// PanicFrame stops the kernel with a message, the registers of f and a
// backtrace of the interrupted code. It does not return.
func PanicFrame(p ring0.Processor, f *ring0.Frame, format string, args ...any) {
	panicFrame(p, f, format, args...)
}

func panicFrame(p ring0.Processor, f *ring0.Frame, format string, args ...any) {
	p.DisableInterrupts()
	if panicking.Swap(true) {
		ring0.HaltForever(p)
	}
	FreezeOtherCores(p)

	if c := out.Load(); c != nil {
		c.ForceUnlock()
		who := "boot"
		if self := cpu.Current(p); self != nil {
			who = self.String()
		}
		fmt.Fprintf(c, "kernel panic on %s: %s\n", who, fmt.Sprintf(format, args...))
		if f != nil {
			printFrame(c, f)
			printBacktrace(c, symbols.Load(), f)
		}
	}
	ring0.HaltForever(p)
}

// FreezeOtherCores sends an NMI to every other CPU that has loaded the IDT
// and waits until each of them has frozen. A CPU that arrives while another
// is freezing halts.
func FreezeOtherCores(p ring0.Processor) {
	if freezing.Swap(true) {
		ring0.HaltForever(p)
	}
	self := cpu.Current(p)
	if self == nil {
		// No per-CPU base yet: the boot CPU has not started anyone.
		return
	}
	var targets []*cpu.CPU
	for i := 0; i < cpu.Count(); i++ {
		c := cpu.Get(i)
		if c == self || !c.HasIDT.Load() {
			continue
		}
		apic.SendNMI(p.APIC(), c.APICID)
		targets = append(targets, c)
	}
	for _, c := range targets {
		for !c.Frozen.Load() {
			p.Pause()
		}
	}
}

// HandleNMI is the NMI handler: the CPU marks itself frozen and halts.
func HandleNMI(p ring0.Processor, _ *ring0.Frame) {
	if c := cpu.Current(p); c != nil {
		c.Frozen.Store(true)
	}
	ring0.HaltForever(p)
}

// Recover turns a Go panic in kernel code into a kernel panic. Entry points
// defer it.
func Recover(p ring0.Processor) {
	if r := recover(); r != nil {
		Panicf(p, "%v", r)
	}
}
