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

package kpanic

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"vkernel.dev/vkernel/pkg/bootinfo"
	"vkernel.dev/vkernel/pkg/hostarch"
	"vkernel.dev/vkernel/pkg/kernel/console"
	"vkernel.dev/vkernel/pkg/kernel/cpu"
	"vkernel.dev/vkernel/pkg/kernel/kmem"
	"vkernel.dev/vkernel/pkg/ring0"
	"vkernel.dev/vkernel/pkg/sim"
)

func TestSymbolizer(t *testing.T) {
	s := NewSymbolizer([]bootinfo.Symbol{
		{Name: "main", Value: 0x2000, Size: 0x100},
		{Name: "entry", Value: 0x1000, Size: 0x20},
		{Name: "tail", Value: 0x3000},
	})
	for _, tc := range []struct {
		pc   uint64
		want string
	}{
		{0x1000, "entry+0x0"},
		{0x101f, "entry+0x1f"},
		{0x1020, "0x1020"},
		{0x20ff, "main+0xff"},
		{0x0fff, "0xfff"},
		{0x9000, "tail+0x6000"},
	} {
		if got := s.Format(tc.pc); got != tc.want {
			t.Errorf("Format(%#x) = %q, want %q", tc.pc, got, tc.want)
		}
	}
	var nilSymbolizer *Symbolizer
	if got := nilSymbolizer.Format(0x1234); got != "0x1234" {
		t.Errorf("nil Format(0x1234) = %q, want %q", got, "0x1234")
	}
}

func TestBacktrace(t *testing.T) {
	const base = 0x10000
	mem := make([]byte, hostarch.PageSize)
	defer kmem.SetWindow(&kmem.Flat{Base: base, Mem: mem})()

	// Three frames: each holds the caller's frame pointer, then the return
	// address.
	frame := func(at, next, ret uint64) {
		binary.LittleEndian.PutUint64(mem[at-base:], next)
		binary.LittleEndian.PutUint64(mem[at-base+8:], ret)
	}
	frame(0x10100, 0x10200, 0xaaa)
	frame(0x10200, 0x10300, 0xbbb)
	frame(0x10300, 0, 0xccc)
	if diff := cmp.Diff([]uint64{0xaaa, 0xbbb, 0xccc}, Backtrace(0x10100)); diff != "" {
		t.Errorf("Backtrace mismatch (-want +got):\n%s", diff)
	}

	// A frame pointer outside the window stops the walk.
	frame(0x10300, 0x90000, 0xccc)
	if diff := cmp.Diff([]uint64{0xaaa, 0xbbb, 0xccc}, Backtrace(0x10100)); diff != "" {
		t.Errorf("Backtrace with bad link mismatch (-want +got):\n%s", diff)
	}

	// A loop stops the walk.
	frame(0x10300, 0x10100, 0xccc)
	if got := len(Backtrace(0x10100)); got != 3 {
		t.Errorf("Backtrace of a loop has %d frames, want 3", got)
	}

	if got := Backtrace(0x10101); len(got) != 0 {
		t.Errorf("Backtrace of misaligned rbp = %v, want none", got)
	}
}

func waitHalted(t *testing.T, p *sim.Processor) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !p.Halted() {
		if time.Now().After(deadline) {
			t.Fatalf("cpu %d did not halt", p.Index())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPanicf(t *testing.T) {
	m, err := sim.New(sim.Config{})
	if err != nil {
		t.Fatalf("sim.New() failed: %v", err)
	}
	t.Cleanup(func() {
		m.Close()
		cpu.Reset()
		Reset()
	})
	var buf bytes.Buffer
	var out console.Console
	out.Attach(&buf)
	SetConsole(&out)

	p := m.Processor(0)
	cpu.Register([]bootinfo.CPU{{APICID: p.APICID(), Enabled: true}}, p.APICID())
	m.Start(func(rp ring0.Processor) {
		cpu.Get(0).Install(rp)
		rp.EnableInterrupts()
		defer Recover(rp)
		panic("out of physical memory")
	})
	waitHalted(t, p)

	if !Panicking() {
		t.Errorf("Panicking() = false")
	}
	if p.InterruptsEnabled() {
		t.Errorf("interrupts enabled on the halted panicker")
	}
	if got, want := buf.String(), "kernel panic on cpu 0 (APIC 0): out of physical memory\n"; got != want {
		t.Errorf("console got %q, want %q", got, want)
	}
}

func TestPanicFramePrintsBacktrace(t *testing.T) {
	m, err := sim.New(sim.Config{})
	if err != nil {
		t.Fatalf("sim.New() failed: %v", err)
	}
	t.Cleanup(func() {
		m.Close()
		Reset()
	})
	var buf bytes.Buffer
	var out console.Console
	out.Attach(&buf)
	SetConsole(&out)
	SetSymbolizer(NewSymbolizer([]bootinfo.Symbol{{Name: "kernel.idle", Value: 0xffffffff80001000, Size: 0x40}}))

	m.Start(func(rp ring0.Processor) {
		PanicFrame(rp, &ring0.Frame{Vector: 14, ErrorCode: 2, RIP: 0xffffffff80001010}, "page fault")
	})
	waitHalted(t, m.Processor(0))
	msg := buf.String()
	for _, want := range []string{"kernel panic on boot: page fault", "vector 14 error 0x2", "  kernel.idle+0x10\n"} {
		if !strings.Contains(msg, want) {
			t.Errorf("panic output %q does not contain %q", msg, want)
		}
	}
}

func TestHandleNMI(t *testing.T) {
	m, err := sim.New(sim.Config{})
	if err != nil {
		t.Fatalf("sim.New() failed: %v", err)
	}
	t.Cleanup(func() {
		m.Close()
		cpu.Reset()
	})
	p := m.Processor(0)
	cpu.Register([]bootinfo.CPU{{APICID: p.APICID(), Enabled: true}}, p.APICID())
	c := cpu.Get(0)
	m.SetInterruptEntry(HandleNMI)
	m.Start(func(rp ring0.Processor) {
		c.Install(rp)
		rp.LoadIDT(0, ring0.NumVectors*16-1)
		p.Interrupt(ring0.NMI, 0)
	})
	waitHalted(t, p)
	if !c.Frozen.Load() {
		t.Errorf("Frozen not set by the NMI handler")
	}
}
