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
	"fmt"
	"io"

	"github.com/google/btree"
	"vkernel.dev/vkernel/pkg/bootinfo"
	"vkernel.dev/vkernel/pkg/hostarch"
	"vkernel.dev/vkernel/pkg/kernel/kmem"
	"vkernel.dev/vkernel/pkg/ring0"
)

// maxFrames bounds the frame pointer walk.
const maxFrames = 32

// Symbolizer maps code addresses to function symbols.
type Symbolizer struct {
	tree *btree.BTreeG[bootinfo.Symbol]
}

// NewSymbolizer indexes syms by address.
func NewSymbolizer(syms []bootinfo.Symbol) *Symbolizer {
	tree := btree.NewG(8, func(a, b bootinfo.Symbol) bool {
		return a.Value < b.Value
	})
	for _, s := range syms {
		tree.ReplaceOrInsert(s)
	}
	return &Symbolizer{tree: tree}
}

// Lookup returns the symbol containing pc and the offset of pc in it. A
// symbol without a size covers everything up to the next one.
func (s *Symbolizer) Lookup(pc uint64) (bootinfo.Symbol, uint64, bool) {
	var (
		found bootinfo.Symbol
		ok    bool
	)
	s.tree.DescendLessOrEqual(bootinfo.Symbol{Value: pc}, func(sym bootinfo.Symbol) bool {
		found, ok = sym, true
		return false
	})
	if !ok || (found.Size != 0 && pc >= found.Value+found.Size) {
		return bootinfo.Symbol{}, 0, false
	}
	return found, pc - found.Value, true
}

// Format renders pc as "name+0xoff", or as a bare address.
func (s *Symbolizer) Format(pc uint64) string {
	if s != nil {
		if sym, off, ok := s.Lookup(pc); ok {
			return fmt.Sprintf("%s+%#x", sym.Name, off)
		}
	}
	return fmt.Sprintf("%#x", pc)
}

// Backtrace walks the frame pointer chain starting at rbp and returns the
// return addresses. The walk stops at a null, misaligned or descending frame
// pointer, or at an unmapped frame.
func Backtrace(rbp uint64) (pcs []uint64) {
	defer func() {
		// An unmapped frame ends the walk.
		recover()
	}()
	for len(pcs) < maxFrames && rbp != 0 && rbp&7 == 0 {
		frame := kmem.Words(hostarch.Addr(rbp), 2)
		next, ret := frame[0], frame[1]
		if ret == 0 {
			break
		}
		pcs = append(pcs, ret)
		if next <= rbp {
			break
		}
		rbp = next
	}
	return pcs
}

func printFrame(w io.Writer, f *ring0.Frame) {
	fmt.Fprintf(w, "vector %d error %#x\n", f.Vector, f.ErrorCode)
	fmt.Fprintf(w, "rip %#016x rsp %#016x rflags %#x\n", f.RIP, f.RSP, f.RFLAGS)
	fmt.Fprintf(w, "rax %#016x rbx %#016x rcx %#016x rdx %#016x\n", f.RAX, f.RBX, f.RCX, f.RDX)
	fmt.Fprintf(w, "rsi %#016x rdi %#016x rbp %#016x\n", f.RSI, f.RDI, f.RBP)
}

func printBacktrace(w io.Writer, s *Symbolizer, f *ring0.Frame) {
	fmt.Fprintf(w, "  %s\n", s.Format(f.RIP))
	for _, pc := range Backtrace(f.RBP) {
		fmt.Fprintf(w, "  %s\n", s.Format(pc))
	}
}
