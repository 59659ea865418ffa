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

package kmem

import (
	"testing"

	"vkernel.dev/vkernel/pkg/hostarch"
)

func TestWindowAccess(t *testing.T) {
	mem := make([]byte, 2*hostarch.PageSize)
	restore := SetWindow(&Flat{Base: 0xffff800000000000, Mem: mem})
	defer restore()

	Store64(0xffff800000000008, 0x1122334455667788)
	if got := mem[8]; got != 0x88 {
		t.Errorf("mem[8] = %#x, want 0x88", got)
	}
	if got := Load64(0xffff800000000008); got != 0x1122334455667788 {
		t.Errorf("Load64 = %#x", got)
	}
	tbl := Table(0xffff800000001000)
	tbl[3] = 7
	if got := Load64(0xffff800000001018); got != 7 {
		t.Errorf("Table write not visible: got %d", got)
	}
	CopyIn(0xffff800000000100, []byte{1, 2, 3})
	Zero(0xffff800000000101, 1)
	if mem[0x100] != 1 || mem[0x101] != 0 || mem[0x102] != 3 {
		t.Errorf("CopyIn/Zero produced %v", mem[0x100:0x103])
	}
}

func TestUnalignedWordsPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("unaligned Words did not panic")
		}
	}()
	Words(0x1001, 1)
}

func TestFlatOutOfRangePanics(t *testing.T) {
	restore := SetWindow(&Flat{Base: 0x1000, Mem: make([]byte, hostarch.PageSize)})
	defer restore()
	for _, addr := range []hostarch.Addr{0, 0xff8, 0x2000, 0x3000} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("Load64(%v) did not fault", addr)
				}
			}()
			Load64(addr)
		}()
	}
}
