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

package console

import (
	"fmt"

	"vkernel.dev/vkernel/pkg/bootinfo"
	"vkernel.dev/vkernel/pkg/hostarch"
	"vkernel.dev/vkernel/pkg/kernel/kmem"
	"vkernel.dev/vkernel/pkg/kernel/layout"
)

// defaultAttribute is light grey on black.
const defaultAttribute = 0x07

// Text is a text mode framebuffer of 16-bit character cells.
type Text struct {
	base       hostarch.Addr
	cols, rows int
	pitch      int
	row, col   int
}

// NewText returns a text console drawing to fb through the boot identity
// mapping. It clears the screen.
//
// Fatal if fb is not a 16 bits per cell text buffer.
func NewText(fb *bootinfo.Framebuffer) *Text {
	if fb.BPP != 16 || fb.Pitch < fb.Width*2 {
		panic(fmt.Sprintf("unsupported text framebuffer: %dx%d pitch %d bpp %d", fb.Width, fb.Height, fb.Pitch, fb.BPP))
	}
	t := &Text{
		base:  hostarch.Addr(fb.Phys),
		cols:  int(fb.Width),
		rows:  int(fb.Height),
		pitch: int(fb.Pitch),
	}
	kmem.Zero(t.base, uintptr(t.pitch*t.rows))
	return t
}

// Relocate moves the console to the higher-half framebuffer mapping. It is
// called once paging is enabled.
func (t *Text) Relocate(fb *bootinfo.Framebuffer) {
	t.base = layout.FramebufferBase + hostarch.Addr(fb.Phys-fb.Phys.RoundDown())
}

// Base returns the address the console currently draws through.
func (t *Text) Base() hostarch.Addr {
	return t.base
}

// Cursor returns the current row and column.
func (t *Text) Cursor() (row, col int) {
	return t.row, t.col
}

// Write implements io.Writer.Write.
func (t *Text) Write(b []byte) (int, error) {
	for _, c := range b {
		t.put(c)
	}
	return len(b), nil
}

func (t *Text) put(c byte) {
	switch c {
	case '\n':
		t.newline()
		return
	case '\r':
		t.col = 0
		return
	}
	cell := kmem.Bytes(t.base+hostarch.Addr(t.row*t.pitch+t.col*2), 2)
	cell[0] = c
	cell[1] = defaultAttribute
	t.col++
	if t.col == t.cols {
		t.newline()
	}
}

func (t *Text) newline() {
	t.col = 0
	if t.row+1 < t.rows {
		t.row++
		return
	}
	screen := kmem.Bytes(t.base, uintptr(t.pitch*t.rows))
	copy(screen, screen[t.pitch:])
	clear(screen[t.pitch*(t.rows-1):])
}

// Line returns the text of a row, without trailing blanks.
func (t *Text) Line(row int) string {
	cells := kmem.Bytes(t.base+hostarch.Addr(row*t.pitch), uintptr(t.cols*2))
	var s []byte
	for i := 0; i < t.cols; i++ {
		s = append(s, cells[2*i])
	}
	end := len(s)
	for end > 0 && (s[end-1] == 0 || s[end-1] == ' ') {
		end--
	}
	return string(s[:end])
}
