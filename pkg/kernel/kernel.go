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

// Package kernel is the kernel entry point. It brings the core up in lock
// order: console, physical memory, paging, virtual memory, interrupts and
// then the other CPUs.
package kernel

import (
	"fmt"
	"io"

	"vkernel.dev/vkernel/pkg/bootinfo"
	"vkernel.dev/vkernel/pkg/hostarch"
	"vkernel.dev/vkernel/pkg/kernel/apic"
	"vkernel.dev/vkernel/pkg/kernel/console"
	"vkernel.dev/vkernel/pkg/kernel/cpu"
	"vkernel.dev/vkernel/pkg/kernel/interrupts"
	"vkernel.dev/vkernel/pkg/kernel/kpanic"
	"vkernel.dev/vkernel/pkg/kernel/layout"
	"vkernel.dev/vkernel/pkg/kernel/pgalloc"
	"vkernel.dev/vkernel/pkg/kernel/smp"
	"vkernel.dev/vkernel/pkg/kernel/vmalloc"
	"vkernel.dev/vkernel/pkg/log"
	"vkernel.dev/vkernel/pkg/ring0"
	"vkernel.dev/vkernel/pkg/ring0/pagetables"
)

// Config configures the kernel.
type Config struct {
	// Serial, if set, receives a copy of the console output.
	Serial io.Writer

	// Debug enables debug logging and boot info validation.
	Debug bool
}

// Kernel is the state built by Boot.
type Kernel struct {
	Console    console.Console
	Text       *console.Text
	Frames     *pgalloc.Allocator
	PageTables *pagetables.PageTables
	Space      *vmalloc.Allocator
	APICWindow vmalloc.Block
}

// Main boots the kernel on the boot processor and idles. It does not
// return.
func Main(bi *bootinfo.BootInfo, m ring0.Machine, cfg Config) {
	p := m.Boot()
	defer kpanic.Recover(p)
	Boot(bi, m, cfg)
	smp.Idle(p)
}

// Boot brings the kernel up on the boot processor and starts the other
// CPUs.
func Boot(bi *bootinfo.BootInfo, m ring0.Machine, cfg Config) *Kernel {
	p := m.Boot()
	k := &Kernel{}
	if cfg.Serial != nil {
		k.Console.Attach(cfg.Serial)
	}
	if fb := &bi.Framebuffer; fb.Size() != 0 && fb.BPP == 16 {
		k.Text = console.NewText(fb)
		k.Console.Attach(k.Text)
	}
	log.SetTarget(&log.Writer{Next: &k.Console})
	if cfg.Debug {
		log.SetLevel(log.Debug)
	}
	kpanic.SetConsole(&k.Console)
	kpanic.SetSymbolizer(kpanic.NewSymbolizer(bi.Symbols.Symbols))
	log.Infof("Booting from %v, %d usable pages", bi.Firmware, bi.UsablePages())
	if cfg.Debug {
		if err := bi.Validate(); err != nil {
			panic(fmt.Sprintf("invalid boot info: %v", err))
		}
	}

	k.Frames = pgalloc.New(bi)
	k.PageTables = pagetables.Bootstrap(p, bi, k.Frames, func() {
		if k.Text != nil {
			k.Text.Relocate(&bi.Framebuffer)
		}
	})
	k.Space = vmalloc.New(k.PageTables, layout.AllocatorStartPage, layout.AllocatorEndPage)
	k.APICWindow = k.Space.AllocateView(bi.LocalAPIC.RoundDown(), 1,
		pagetables.KernelData|pagetables.CacheFlags(hostarch.MemoryTypeUncached))

	interrupts.Init(m)
	b := smp.New(m, k.PageTables, k.Space, k.APICWindow.Base, layout.TrampolinePage)
	cpu.Register(bi.CPUs, apic.ID(p.APIC()))
	b.StartBSP(p)
	b.BootCPUs(p)

	s := k.Frames.Stats()
	log.Infof("Kernel up: %d CPUs, %d of %d frames free", cpu.Count(), s.Free, s.Total)
	return k
}
