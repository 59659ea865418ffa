// Copyright 2021 The gVisor Authors.
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

package bitmap

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFirstZero(t *testing.T) {
	b := New(128)
	for _, i := range []uint32{0, 1, 2, 4} {
		b.Add(i)
	}
	for _, test := range []struct {
		start uint32
		want  uint32
	}{
		{0, 3},
		{3, 3},
		{4, 5},
		{64, 64},
	} {
		got, err := b.FirstZero(test.start)
		if err != nil {
			t.Errorf("FirstZero(%d) failed: %v", test.start, err)
			continue
		}
		if got != test.want {
			t.Errorf("FirstZero(%d) = %d, want %d", test.start, got, test.want)
		}
	}
}

func TestFirstZeroFull(t *testing.T) {
	b := New(64)
	b.AddRange(0, 64)
	if !b.Full() {
		t.Fatalf("Full() = false after AddRange(0, 64)")
	}
	if _, err := b.FirstZero(0); err == nil {
		t.Errorf("FirstZero on a full bitmap succeeded")
	}
}

func TestFromWordsBorrowsStorage(t *testing.T) {
	words := []uint64{0x5, 0}
	b := FromWords(words)
	if got := b.GetNumOnes(); got != 2 {
		t.Errorf("GetNumOnes() = %d, want 2", got)
	}
	b.Add(64)
	if words[1] != 1 {
		t.Errorf("Add(64) did not write through to backing words: %#x", words[1])
	}
	b.Remove(0)
	if words[0] != 0x4 {
		t.Errorf("Remove(0) did not write through to backing words: %#x", words[0])
	}
}

func TestAddRange(t *testing.T) {
	b := New(200)
	b.AddRange(60, 140)
	want := make([]uint32, 0, 80)
	for i := uint32(60); i < 140; i++ {
		want = append(want, i)
	}
	if diff := cmp.Diff(want, b.ToSlice()); diff != "" {
		t.Errorf("ToSlice() mismatch (-want +got):\n%s", diff)
	}
	if got := b.GetNumOnes(); got != 80 {
		t.Errorf("GetNumOnes() = %d, want 80", got)
	}
}

func TestRebind(t *testing.T) {
	b := New(64)
	b.Add(7)
	moved := append([]uint64(nil), b.Words()...)
	b.Rebind(moved)
	b.Add(8)
	if moved[0] != 0x180 {
		t.Errorf("after Rebind, word = %#x, want 0x180", moved[0])
	}
	defer func() {
		if recover() == nil {
			t.Errorf("Rebind with mismatched length did not panic")
		}
	}()
	b.Rebind(make([]uint64, 2))
}
