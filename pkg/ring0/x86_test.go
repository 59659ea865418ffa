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

package ring0

import (
	"testing"
	"unsafe"
)

func TestGateSplitsOffset(t *testing.T) {
	var g Gate64
	const rip = 0xffffffff80123456
	g.SetInterrupt(Kcode, rip, 0, ISTPageFault)
	if got := g.Offset(); got != rip {
		t.Errorf("Offset() = %#x, want %#x", got, uint64(rip))
	}
	if got := g.Selector(); got != Kcode {
		t.Errorf("Selector() = %#x, want %#x", got, Kcode)
	}
	if got := g.IST(); got != ISTPageFault {
		t.Errorf("IST() = %d, want %d", got, ISTPageFault)
	}
	if got := g.Type(); got != 0xE {
		t.Errorf("Type() = %#x, want 0xe", got)
	}
	if !g.Present() {
		t.Errorf("Present() = false")
	}
	if got, want := g.bits[1]&0xFF00, uint32(0x8E00); got != want {
		t.Errorf("attribute byte = %#x, want %#x", got, want)
	}
	g.Clear()
	if g.Present() {
		t.Errorf("Present() = true after Clear")
	}
}

func TestSegmentDescriptor(t *testing.T) {
	for _, test := range []struct {
		base  uint32
		limit uint32
	}{
		{0, 0xfff},
		{0x12345678, 0x67},
		{0, 0xffffffff},
	} {
		var d SegmentDescriptor
		d.setData(test.base, test.limit, 0)
		if got := d.Base(); got != test.base {
			t.Errorf("Base() = %#x, want %#x", got, test.base)
		}
		if got := d.Limit(); got != test.limit {
			t.Errorf("Limit() = %#x, want %#x", got, test.limit)
		}
		if d.Flags()&SegmentDescriptorPresent == 0 {
			t.Errorf("descriptor %+v not present", d)
		}
	}
}

func TestCode64IsLong(t *testing.T) {
	var g GDT
	var tss TaskState64
	g.Init(&tss)
	f := g[segKcode].Flags()
	if f&SegmentDescriptorLong == 0 || f&SegmentDescriptorDB != 0 {
		t.Errorf("kernel code flags = %#x, want L set and D clear", f)
	}
	if got, want := g.TSSBase(), uint64(uintptr(unsafe.Pointer(&tss))); got != want {
		t.Errorf("TSSBase() = %#x, want %#x", got, want)
	}
	if got, want := g.Limit(), uint16(8*segLast-1); got != want {
		t.Errorf("Limit() = %d, want %d", got, want)
	}
}

func TestTaskState(t *testing.T) {
	if got := unsafe.Sizeof(TaskState64{}); got != 104 {
		t.Fatalf("sizeof(TaskState64) = %d, want 104", got)
	}
	var tss TaskState64
	for i := 1; i <= 7; i++ {
		tss.SetIST(i, 0xffffffffc3400000+uint64(i)<<12)
	}
	for i := 1; i <= 7; i++ {
		if got, want := tss.IST(i), 0xffffffffc3400000+uint64(i)<<12; got != want {
			t.Errorf("IST(%d) = %#x, want %#x", i, got, want)
		}
	}
	tss.SetRSP0(0x1234)
	if tss.RSP0() != 0x1234 {
		t.Errorf("RSP0() = %#x", tss.RSP0())
	}
	tss.BlockIO()
	if tss.ioPerm != 104 {
		t.Errorf("ioPerm = %d, want 104", tss.ioPerm)
	}
}

func TestHasErrorCode(t *testing.T) {
	for v := Vector(0); v < 32; v++ {
		want := v == 8 || (v >= 10 && v <= 14) || v == 17 || v == 30
		if got := v.HasErrorCode(); got != want {
			t.Errorf("Vector(%d).HasErrorCode() = %v, want %v", v, got, want)
		}
	}
}
