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

package apic

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

type write struct {
	Offset, Value uint32
}

// registers records writes and serves reads from the last write.
type registers struct {
	writes []write
	regs   map[uint32]uint32
}

func newRegisters() *registers {
	return &registers{regs: map[uint32]uint32{RegID: 3 << 24}}
}

func (r *registers) Read(offset uint32) uint32 {
	return r.regs[offset]
}

func (r *registers) Write(offset, value uint32) {
	r.writes = append(r.writes, write{offset, value})
	r.regs[offset] = value
}

func TestIPIs(t *testing.T) {
	for _, tc := range []struct {
		name string
		send func(r *registers)
		want []write
	}{
		{
			name: "INIT",
			send: func(r *registers) { SendINIT(r, 4) },
			want: []write{{RegICRHigh, 4 << 24}, {RegICRLow, 0x4500}},
		},
		{
			name: "STARTUP",
			send: func(r *registers) { SendStartup(r, 1, 0x08) },
			want: []write{{RegICRHigh, 1 << 24}, {RegICRLow, 0x4608}},
		},
		{
			name: "NMI",
			send: func(r *registers) { SendNMI(r, 2) },
			want: []write{{RegICRHigh, 2 << 24}, {RegICRLow, 0x4400}},
		},
		{
			name: "fixed",
			send: func(r *registers) { SendFixed(r, 0, 0x40) },
			want: []write{{RegICRHigh, 0}, {RegICRLow, 0x4040}},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := newRegisters()
			tc.send(r)
			if diff := cmp.Diff(tc.want, r.writes); diff != "" {
				t.Errorf("register writes mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTimer(t *testing.T) {
	r := newRegisters()
	Enable(r)
	StartOneShot(r, 1000)
	StopTimer(r)
	want := []write{
		{RegSpurious, 0x1ff},
		{RegLVTTimer, 0x10020},
		{RegDivide, 3},
		{RegLVTTimer, 0x20},
		{RegInitialCount, 1000},
		{RegLVTTimer, 0x10020},
		{RegInitialCount, 0},
	}
	if diff := cmp.Diff(want, r.writes); diff != "" {
		t.Errorf("register writes mismatch (-want +got):\n%s", diff)
	}
}

func TestID(t *testing.T) {
	if got := ID(newRegisters()); got != 3 {
		t.Errorf("ID() = %d, want 3", got)
	}
}
