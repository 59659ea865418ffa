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

package vmalloc

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"vkernel.dev/vkernel/pkg/hostarch"
	"vkernel.dev/vkernel/pkg/kernel/kmem"
	"vkernel.dev/vkernel/pkg/kernel/layout"
	"vkernel.dev/vkernel/pkg/kernel/pgalloc"
	"vkernel.dev/vkernel/pkg/ring0/pagetables"
	"vkernel.dev/vkernel/pkg/sim"
)

type env struct {
	frames *pgalloc.Allocator
	pt     *pagetables.PageTables
}

func setup(t *testing.T) *env {
	t.Helper()
	m, err := sim.New(sim.Config{})
	if err != nil {
		t.Fatalf("sim.New() failed: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	bi, err := m.BootInfo()
	if err != nil {
		t.Fatalf("BootInfo() failed: %v", err)
	}
	frames := pgalloc.New(bi)
	return &env{frames: frames, pt: pagetables.Bootstrap(m.Boot(), bi, frames, func() {})}
}

func (e *env) newAllocator(t *testing.T, pages uint64) *Allocator {
	t.Helper()
	a := New(e.pt, layout.AllocatorStartPage, layout.AllocatorStartPage+pages)
	t.Cleanup(func() {
		if err := a.Check(); err != nil {
			t.Errorf("Check() failed: %v", err)
		}
	})
	return a
}

func mustPanic(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s did not panic", name)
		}
	}()
	fn()
}

func page(i uint64) hostarch.Addr {
	return hostarch.PageAddr(layout.AllocatorStartPage + i)
}

// ignoreID compares blocks by extent and kind.
var ignoreID = cmpopts.IgnoreFields(Block{}, "ID")

func TestAllocateAndMerge(t *testing.T) {
	e := setup(t)
	a := e.newAllocator(t, 1024)

	x := a.Allocate(Default, 3)
	s := a.Allocate(Stack, 5)
	y := a.Allocate(Default, 2)
	want := []Block{
		{Kind: Default, Base: page(0), Pages: 3},
		{Kind: Stack, Base: page(3), Pages: 5},
		{Kind: Default, Base: page(8), Pages: 2},
		{Kind: Free, Base: page(10), Pages: 1014},
	}
	if diff := cmp.Diff(want, a.Blocks(), ignoreID); diff != "" {
		t.Errorf("Blocks() mismatch (-want +got):\n%s", diff)
	}
	if err := a.Check(); err != nil {
		t.Fatalf("Check() failed: %v", err)
	}

	a.Free(s)
	a.Free(x)
	want = []Block{
		{Kind: Free, Base: page(0), Pages: 8},
		{Kind: Default, Base: page(8), Pages: 2},
		{Kind: Free, Base: page(10), Pages: 1014},
	}
	if diff := cmp.Diff(want, a.Blocks(), ignoreID); diff != "" {
		t.Errorf("Blocks() after two frees mismatch (-want +got):\n%s", diff)
	}

	a.Free(y)
	want = []Block{{Kind: Free, Base: page(0), Pages: 1024}}
	if diff := cmp.Diff(want, a.Blocks(), ignoreID); diff != "" {
		t.Errorf("Blocks() after all frees mismatch (-want +got):\n%s", diff)
	}
}

func TestFirstFit(t *testing.T) {
	e := setup(t)
	a := e.newAllocator(t, 64)

	x := a.Allocate(Default, 4)
	a.Allocate(Default, 1)
	a.Free(x)
	if got := a.Allocate(Default, 2); got.Base != page(0) {
		t.Errorf("Allocate(2) = %v, want base %v", got, page(0))
	}
	if got := a.Allocate(Default, 4); got.Base != page(5) {
		t.Errorf("Allocate(4) = %v, want base %v", got, page(5))
	}
	if got := a.Allocate(Default, 2); got.Base != page(2) {
		t.Errorf("Allocate(2) = %v, want base %v", got, page(2))
	}
}

func TestBacking(t *testing.T) {
	e := setup(t)
	a := e.newAllocator(t, 64)

	d := a.Allocate(Default, 2)
	s := a.Allocate(Stack, 5)
	u := a.Allocate(UserAllocator, 3)
	for _, tc := range []struct {
		name   string
		v      hostarch.Addr
		mapped bool
	}{
		{"default first", d.Base, true},
		{"default last", d.Base + hostarch.PageSize, true},
		{"stack guard", s.Base, false},
		{"stack bottom", s.Base + hostarch.PageSize, true},
		{"stack top", s.End() - hostarch.PageSize, true},
		{"user", u.Base, false},
	} {
		pte := e.pt.Lookup(tc.v)
		if pte.Valid() != tc.mapped {
			t.Errorf("%s: %v mapped = %t, want %t", tc.name, tc.v, pte.Valid(), tc.mapped)
		}
		if tc.mapped && (!pte.Writeable() || pte.Executable()) {
			t.Errorf("%s: %v has flags %v, want writable no-execute", tc.name, tc.v, pte)
		}
	}

	top := s.End() - 8
	kmem.Store64(top, 0xfeedface)
	if got := kmem.Load64(top); got != 0xfeedface {
		t.Errorf("stack word = %#x, want 0xfeedface", got)
	}
	if got := kmem.Load64(d.Base); got != 0 {
		t.Errorf("default block word = %#x, want 0", got)
	}

	a.Free(s)
	if e.pt.Lookup(s.End() - hostarch.PageSize).Valid() {
		t.Errorf("stack still mapped after Free")
	}
}

func TestRecordPageStealing(t *testing.T) {
	e := setup(t)
	a := e.newAllocator(t, 256)

	// The static pool covers the initial free block and fifteen splits.
	var blocks []Block
	for i := 0; i < 20; i++ {
		blocks = append(blocks, a.Allocate(Default, 1))
	}
	if err := a.Check(); err != nil {
		t.Fatalf("Check() failed: %v", err)
	}
	if got, want := blocks[15].Base, page(16); got != want {
		t.Errorf("block 15 at %v, want %v", got, want)
	}
	overhead := page(15)
	if !e.pt.Lookup(overhead).Valid() {
		t.Errorf("record page %v is not mapped", overhead)
	}

	for _, b := range blocks {
		a.Free(b)
	}
	want := []Block{
		{Kind: Free, Base: page(0), Pages: 15},
		{Kind: Overhead, Base: overhead, Pages: 1},
		{Kind: Free, Base: page(16), Pages: 240},
	}
	if diff := cmp.Diff(want, a.Blocks(), ignoreID); diff != "" {
		t.Errorf("Blocks() mismatch (-want +got):\n%s", diff)
	}
}

func TestAllocateView(t *testing.T) {
	e := setup(t)
	a := e.newAllocator(t, 64)

	frame := e.frames.AllocatePage()
	v := a.AllocateView(frame, 1, pagetables.KernelData)
	before := e.frames.Stats()
	if got, ok := e.pt.Translate(v.Base + 0x10); !ok || got != frame+0x10 {
		t.Errorf("Translate(%v) = %v, %t, want %v", v.Base+0x10, got, ok, frame+0x10)
	}
	a.Free(v)
	if e.pt.Lookup(v.Base).Valid() {
		t.Errorf("view still mapped after Free")
	}
	if diff := cmp.Diff(before, e.frames.Stats()); diff != "" {
		t.Errorf("freeing a view changed frame stats (-want +got):\n%s", diff)
	}
}

func TestFatalErrors(t *testing.T) {
	e := setup(t)
	a := e.newAllocator(t, 8)

	mustPanic(t, "Allocate(Free)", func() { a.Allocate(Free, 1) })
	mustPanic(t, "Allocate(Overhead)", func() { a.Allocate(Overhead, 1) })
	mustPanic(t, "one page stack", func() { a.Allocate(Stack, 1) })
	mustPanic(t, "zero pages", func() { a.Allocate(Default, 0) })
	mustPanic(t, "too large", func() { a.Allocate(UserAllocator, 9) })

	b := a.Allocate(UserAllocator, 2)
	a.Free(b)
	mustPanic(t, "double free", func() { a.Free(b) })
}

func TestKindString(t *testing.T) {
	for k, want := range map[Kind]string{
		Free:         "free",
		Overhead:     "overhead",
		Stack:        "stack",
		PhysicalView: "view",
		Kind(42):     "Kind(42)",
	} {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", uint32(k), got, want)
		}
	}
}
