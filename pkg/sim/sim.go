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

// Package sim is a hosted x86-64 machine for testing the kernel.
//
// Physical memory is an anonymous mapping. Every kernel memory access goes
// through the kmem window, which Machine implements with a page table
// walker over that memory: before a page table is loaded the kernel sees the
// boot identity map plus its image at the virtual bases in the BootInfo;
// afterwards it sees exactly what its tables map, recursive self-map
// included. Translations are cached in a TLB that only invlpg and CR3
// loads invalidate, as on hardware.
//
// Each processor is a goroutine. Application processors are started by
// INIT and STARTUP IPIs sent through the local APIC model, and then follow
// the trampoline contract by reading the APBootstrapInfo record from
// simulated low memory. Interrupts are delivered when the target executes
// Halt, Pause or EnableInterrupts.
package sim

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"vkernel.dev/vkernel/pkg/atomicbitops"
	"vkernel.dev/vkernel/pkg/bootinfo"
	"vkernel.dev/vkernel/pkg/hostarch"
	"vkernel.dev/vkernel/pkg/kernel/kmem"
	"vkernel.dev/vkernel/pkg/kernel/layout"
	"vkernel.dev/vkernel/pkg/log"
	"vkernel.dev/vkernel/pkg/ring0"
	"vkernel.dev/vkernel/pkg/sync"
)

// Physical layout of a simulated machine. The kernel image starts at
// ImageBase; the framebuffer and the ACPI tables sit at the top of memory.
const (
	ImageBase hostarch.PhysAddr = 0x100000

	CodePages     = 4
	ReadOnlyPages = 2
	DataPages     = 8
	SymbolPages   = 1

	// LocalAPICBase is the physical address of the APIC registers.
	LocalAPICBase hostarch.PhysAddr = 0xfee00000

	acpiSize = 64 << 10
)

// Config configures a Machine.
type Config struct {
	// Memory is the amount of RAM in bytes. Defaults to 64 MiB.
	Memory uint64

	// CPUs is the number of processors. Defaults to 1.
	CPUs int

	// APICIDs optionally assigns APIC IDs in ACPI order. Defaults to the
	// processor index.
	APICIDs []uint32

	// PITFrequency is the PIT interrupt rate. Defaults to 1000 Hz.
	PITFrequency uint64

	// APICTimerFrequency is the APIC timer input clock before the divider.
	// Defaults to 100 MHz.
	APICTimerFrequency uint64

	// Framebuffer, if set, reserves a linear text framebuffer of the given
	// dimensions in character cells.
	FramebufferColumns uint32
	FramebufferRows    uint32

	// Symbols are passed through in the BootInfo.
	Symbols []bootinfo.Symbol
}

func (c *Config) setDefaults() {
	if c.Memory == 0 {
		c.Memory = 64 << 20
	}
	if c.CPUs == 0 {
		c.CPUs = 1
	}
	if c.PITFrequency == 0 {
		c.PITFrequency = 1000
	}
	if c.APICTimerFrequency == 0 {
		c.APICTimerFrequency = 100_000_000
	}
}

// bootMapping is a boot-time virtual mapping of a kernel segment.
type bootMapping struct {
	virt hostarch.Addr
	phys hostarch.PhysAddr
	size uint64
}

// Machine is a simulated machine.
type Machine struct {
	cfg Config
	ram []byte

	// bootMappings are visible until the first CR3 load.
	bootMappings []bootMapping

	// cr3 is the page table root shared by all processors. Zero means the
	// boot mappings are in effect.
	cr3 atomicbitops.Uint64

	tlbMu sync.Mutex
	tlb   map[hostarch.Addr]hostarch.PhysAddr

	procs []*Processor

	start time.Time

	apicWindow     atomicbitops.Uint64
	interruptEntry atomic.Pointer[func(ring0.Processor, *ring0.Frame)]
	apEntry        atomic.Pointer[func(ring0.Processor, uintptr)]

	group   errgroup.Group
	done    chan struct{}
	stopped atomicbitops.Bool
	closed  bool

	restoreWindow func()
}

var _ ring0.Machine = (*Machine)(nil)

// New creates a machine and installs it as the kmem window. Close must be
// called to release it.
func New(cfg Config) (*Machine, error) {
	cfg.setDefaults()
	if cfg.APICIDs != nil && len(cfg.APICIDs) != cfg.CPUs {
		return nil, fmt.Errorf("%d APIC IDs for %d CPUs", len(cfg.APICIDs), cfg.CPUs)
	}
	if cfg.Memory%hostarch.PageSize != 0 || cfg.Memory < 4<<20 {
		return nil, fmt.Errorf("bad memory size %#x", cfg.Memory)
	}
	ram, err := unix.Mmap(-1, 0, int(cfg.Memory), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mapping %d bytes of RAM: %w", cfg.Memory, err)
	}
	m := &Machine{
		cfg:   cfg,
		ram:   ram,
		tlb:   make(map[hostarch.Addr]hostarch.PhysAddr),
		start: time.Now(),
		done:  make(chan struct{}),
	}
	for i := 0; i < cfg.CPUs; i++ {
		id := uint32(i)
		if cfg.APICIDs != nil {
			id = cfg.APICIDs[i]
		}
		m.procs = append(m.procs, newProcessor(m, i, id))
	}
	m.restoreWindow = kmem.SetWindow(m)
	log.Debugf("Simulated machine: %d MiB, %d CPUs", cfg.Memory>>20, cfg.CPUs)
	return m, nil
}

// RAM returns the physical memory. Tests use it to inspect frames.
func (m *Machine) RAM() []byte {
	return m.ram
}

// Processor returns the processor with the given ACPI index.
func (m *Machine) Processor(i int) *Processor {
	return m.procs[i]
}

// BootInfo builds the hand-off record a firmware stub would produce for
// this machine and installs the boot mappings of the kernel image.
func (m *Machine) BootInfo() (*bootinfo.BootInfo, error) {
	size := hostarch.PhysAddr(m.cfg.Memory)
	b := bootinfo.NewBuilder(bootinfo.BIOS)
	top := size - acpiSize
	b.AddRange(bootinfo.ACPI, top, size)

	if m.cfg.FramebufferColumns != 0 {
		fb := bootinfo.Framebuffer{
			Width:  m.cfg.FramebufferColumns,
			Height: m.cfg.FramebufferRows,
			Pitch:  m.cfg.FramebufferColumns * 2,
			BPP:    16,
		}
		top = (top - hostarch.PhysAddr(fb.Size())).RoundDown()
		fb.Phys = top
		b.SetFramebuffer(fb)
	}
	b.AddRange(bootinfo.Usable, 0, top)

	phys := ImageBase
	for _, seg := range []struct {
		kind  bootinfo.SegmentKind
		name  string
		pages uint64
	}{
		{bootinfo.Code, ".text", CodePages},
		{bootinfo.ReadOnlyData, ".rodata", ReadOnlyPages},
		{bootinfo.Data, ".data", DataPages},
	} {
		end := phys + hostarch.PhysAddr(seg.pages*hostarch.PageSize)
		virt := layout.KernelBase + hostarch.Addr(phys-ImageBase)
		b.AddSegment(seg.kind, seg.name, phys, end, virt)
		m.bootMappings = append(m.bootMappings, bootMapping{virt: virt, phys: phys, size: uint64(end - phys)})
		phys = end
	}
	dataVirt := m.bootMappings[len(m.bootMappings)-1].virt
	b.SetStackGuard(dataVirt)

	symEnd := phys + SymbolPages*hostarch.PageSize
	b.SetSymbols(bootinfo.SymbolTable{Base: phys, Count: uint32(len(m.cfg.Symbols)), Symbols: m.cfg.Symbols}, symEnd)

	for i, p := range m.procs {
		b.AddCPU(p.apicID, uint32(i), true)
	}
	b.SetLocalAPIC(LocalAPICBase)
	return b.Build()
}

// Boot implements ring0.Machine.Boot.
func (m *Machine) Boot() ring0.Processor {
	return m.procs[0]
}

// PITTicks implements ring0.Machine.PITTicks.
func (m *Machine) PITTicks() uint64 {
	return uint64(time.Since(m.start)) * m.cfg.PITFrequency / uint64(time.Second)
}

// PITFrequency implements ring0.Machine.PITFrequency.
func (m *Machine) PITFrequency() uint64 {
	return m.cfg.PITFrequency
}

// SetAPICWindow implements ring0.Machine.SetAPICWindow.
func (m *Machine) SetAPICWindow(addr hostarch.Addr) {
	m.apicWindow.Store(uint64(addr))
}

// APICWindow returns the address recorded by SetAPICWindow.
func (m *Machine) APICWindow() hostarch.Addr {
	return hostarch.Addr(m.apicWindow.Load())
}

// SetInterruptEntry implements ring0.Machine.SetInterruptEntry.
func (m *Machine) SetInterruptEntry(fn func(ring0.Processor, *ring0.Frame)) {
	m.interruptEntry.Store(&fn)
}

// SetAPEntry implements ring0.Machine.SetAPEntry.
func (m *Machine) SetAPEntry(fn func(ring0.Processor, uintptr)) {
	m.apEntry.Store(&fn)
}

// Start runs fn on the boot processor's goroutine.
func (m *Machine) Start(fn func(p ring0.Processor)) {
	bsp := m.procs[0]
	bsp.running.Store(true)
	m.run(bsp, func() error {
		fn(bsp)
		return nil
	})
}

// run runs fn as processor p. A Go panic escaping fn is the simulated
// equivalent of a triple fault and is reported by Wait.
func (m *Machine) run(p *Processor, fn func() error) {
	m.group.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("cpu %d: triple fault: %v", p.index, r)
			}
		}()
		return fn()
	})
}

// Shutdown stops every processor the next time it halts or spins.
func (m *Machine) Shutdown() {
	if !m.stopped.Swap(true) {
		close(m.done)
	}
}

// Wait waits for every processor goroutine to exit.
func (m *Machine) Wait() error {
	return m.group.Wait()
}

// Close shuts the machine down, waits for its processors, uninstalls the
// window and releases memory. Processor errors are reported by Wait, not
// Close.
func (m *Machine) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	m.Shutdown()
	m.Wait()
	m.restoreWindow()
	return unix.Munmap(m.ram)
}

// checkStopped exits the calling processor goroutine if the machine has been
// shut down.
func (m *Machine) checkStopped() {
	if m.stopped.Load() {
		runtime.Goexit()
	}
}
