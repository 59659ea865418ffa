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
	"errors"
	"testing"
	"time"

	"vkernel.dev/vkernel/pkg/hostarch"
	"vkernel.dev/vkernel/pkg/kernel/kmem"
	"vkernel.dev/vkernel/pkg/kernel/layout"
	"vkernel.dev/vkernel/pkg/ring0"
)

func newMachine(t *testing.T, cfg Config) *Machine {
	t.Helper()
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() {
		if err := m.Close(); err != nil {
			t.Errorf("Close() failed: %v", err)
		}
	})
	return m
}

func expectFault(t *testing.T, addr hostarch.Addr) {
	t.Helper()
	defer func() {
		r := recover()
		if f, ok := r.(*Fault); !ok || f.Addr != addr {
			t.Errorf("access to %v: recovered %v, want fault", addr, r)
		}
	}()
	kmem.Load64(addr)
}

func TestBootMappings(t *testing.T) {
	m := newMachine(t, Config{})
	bi, err := m.BootInfo()
	if err != nil {
		t.Fatalf("BootInfo() failed: %v", err)
	}
	if err := bi.Validate(); err != nil {
		t.Errorf("Validate() failed: %v", err)
	}

	kmem.Store64(0x5000, 42)
	if got := m.RAM()[0x5000]; got != 42 {
		t.Errorf("identity store landed elsewhere: ram[0x5000] = %d", got)
	}
	kmem.Store64(layout.KernelBase+8, 7)
	if got := m.RAM()[ImageBase+8]; got != 7 {
		t.Errorf("kernel image store landed elsewhere: got %d", got)
	}
	expectFault(t, hostarch.Addr(len(m.RAM())))
	expectFault(t, 0x0000800000000000)

	for i := range bi.Segments {
		if s := &bi.Segments[i]; s.Kind.InImage() && s.VirtualBase < layout.KernelBase {
			t.Errorf("segment %v below the kernel base", s)
		}
	}
	if bi.UsablePages() == 0 {
		t.Errorf("no usable pages")
	}
}

// buildTables maps virt to frame through tables at the given physical
// pages, and self-maps the top table at 510.
func buildTables(m *Machine, tables [4]hostarch.PhysAddr, virt hostarch.Addr, frame hostarch.PhysAddr) {
	put := func(table hostarch.PhysAddr, index uint64, v uint64) {
		kmem.Store64(hostarch.Addr(table)+hostarch.Addr(index*8), v)
	}
	for _, tbl := range tables {
		kmem.Zero(hostarch.Addr(tbl), hostarch.PageSize)
	}
	const flags = ptePresent | 2
	put(tables[0], uint64(virt>>39)&511, uint64(tables[1])|flags)
	put(tables[1], uint64(virt>>30)&511, uint64(tables[2])|flags)
	put(tables[2], uint64(virt>>21)&511, uint64(tables[3])|flags)
	put(tables[3], uint64(virt>>12)&511, uint64(frame)|flags)
	put(tables[0], 510, uint64(tables[0])|flags)
}

func TestWalkAndTLB(t *testing.T) {
	m := newMachine(t, Config{})
	p := m.Boot()
	tables := [4]hostarch.PhysAddr{0x200000, 0x201000, 0x202000, 0x203000}
	const virt = hostarch.Addr(0xffffffffc0000000)
	buildTables(m, tables, virt, 0x300000)
	m.RAM()[0x300000] = 1
	m.RAM()[0x301000] = 2

	p.LoadPageTable(tables[0])
	if got := kmem.Bytes(virt, 1)[0]; got != 1 {
		t.Fatalf("read through mapping = %d, want 1", got)
	}
	// The identity map is gone.
	expectFault(t, 0x5000)

	// The top table is visible through the self-map.
	const top = hostarch.Addr(0xffffff7fbfdfe000)
	if got := kmem.Load64(top + 510*8); hostarch.PhysAddr(got)&^0xfff != tables[0] {
		t.Errorf("self-map entry = %#x, want %v", got, tables[0])
	}

	// Retarget the leaf through the self-map. The TLB still holds the old
	// translation until it is invalidated.
	const l1 = hostarch.Addr(0xffffff0000000000)
	leaf := l1 | (virt>>9)&0x7ffffffff8
	kmem.Store64(leaf, 0x301000|ptePresent|2)
	if got := kmem.Bytes(virt, 1)[0]; got != 1 {
		t.Errorf("read before invlpg = %d, want stale 1", got)
	}
	p.InvalidatePage(virt)
	if got := kmem.Bytes(virt, 1)[0]; got != 2 {
		t.Errorf("read after invlpg = %d, want 2", got)
	}

	kmem.Store64(leaf, 0)
	p.InvalidatePage(virt)
	expectFault(t, virt)
}

func TestStartupRequiresInit(t *testing.T) {
	m := newMachine(t, Config{CPUs: 2, APICIDs: []uint32{0, 4}})
	bsp := m.Boot()
	ap := m.Processor(1)

	sendStartup := func() {
		bsp.APIC().Write(regICRHigh, 4<<24)
		bsp.APIC().Write(regICRLow, modeStartup<<icrModeShift|0x08)
	}
	sendStartup()
	if ap.Running() {
		t.Fatalf("AP started without INIT")
	}
	bsp.APIC().Write(regICRHigh, 4<<24)
	bsp.APIC().Write(regICRLow, modeINIT<<icrModeShift)
	sendStartup()
	if !ap.Running() {
		t.Fatalf("AP did not start after INIT and STARTUP")
	}

	// There is no trampoline at 0x8000, so the AP fails.
	if err := m.Wait(); err == nil {
		t.Errorf("Wait() = nil, want missing trampoline error")
	}
}

func TestNMIDelivery(t *testing.T) {
	m := newMachine(t, Config{CPUs: 2})
	var got []ring0.Vector
	m.SetInterruptEntry(func(p ring0.Processor, f *ring0.Frame) {
		got = append(got, ring0.Vector(f.Vector))
	})
	bsp := m.Processor(0)

	bsp.raise(ring0.NMI)
	bsp.Pause()
	if len(got) != 0 {
		t.Errorf("NMI delivered before lidt")
	}
	bsp.LoadIDT(0x1000, idtLimit)
	bsp.Pause()
	bsp.raise(0x40)
	bsp.Pause()
	if len(got) != 1 || got[0] != ring0.NMI {
		t.Errorf("delivered %v, want only NMI with interrupts disabled", got)
	}
	bsp.EnableInterrupts()
	if len(got) != 2 || got[1] != 0x40 {
		t.Errorf("delivered %v, want NMI then 0x40", got)
	}
}

func TestAPICTimer(t *testing.T) {
	m := newMachine(t, Config{APICTimerFrequency: 1_000_000})
	a := m.Boot().APIC()
	a.Write(regDivide, 0xb)
	a.Write(regInitialCount, 1_000_000)
	time.Sleep(20 * time.Millisecond)
	cur := a.Read(regCurrentCount)
	if cur == 0 || cur >= 1_000_000 {
		t.Errorf("current count = %d, want strictly between 0 and the initial count", cur)
	}
	a.Write(regInitialCount, 1)
	time.Sleep(time.Millisecond)
	if got := a.Read(regCurrentCount); got != 0 {
		t.Errorf("current count after expiry = %d, want 0", got)
	}
}

func TestPITTicks(t *testing.T) {
	m := newMachine(t, Config{PITFrequency: 1000})
	start := m.PITTicks()
	time.Sleep(10 * time.Millisecond)
	if got := m.PITTicks() - start; got < 10 {
		t.Errorf("PIT advanced %d ticks in 10ms, want at least 10", got)
	}
}

func TestBadConfig(t *testing.T) {
	if _, err := New(Config{CPUs: 2, APICIDs: []uint32{0}}); err == nil {
		t.Errorf("New() with mismatched APIC IDs succeeded")
	}
	if _, err := New(Config{Memory: 4097}); err == nil {
		t.Errorf("New() with an unaligned memory size succeeded")
	}
}

func TestFaultIsError(t *testing.T) {
	var err error = &Fault{Addr: 0x1000}
	var f *Fault
	if !errors.As(err, &f) || f.Addr != 0x1000 {
		t.Errorf("errors.As(%v) failed", err)
	}
}
