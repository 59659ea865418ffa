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

// Package kmem provides access to kernel virtual memory.
//
// On hardware a kernel virtual address is directly dereferenceable. Hosted
// machines install a Window that translates through their own MMU model, so
// that every access the kernel makes, including page table accesses through
// the recursive self-map, follows the tables the kernel built.
package kmem

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"vkernel.dev/vkernel/pkg/hostarch"
)

// Window resolves kernel virtual addresses.
type Window interface {
	// Bytes returns the n bytes at virtual address addr. The whole range
	// must be mapped and physically contiguous, otherwise Bytes panics as
	// the hardware would fault.
	Bytes(addr hostarch.Addr, n uintptr) []byte
}

// direct dereferences addresses as-is.
type direct struct{}

// Bytes implements Window.Bytes.
func (direct) Bytes(addr hostarch.Addr, n uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), n)
}

// Flat is a Window over memory that is mapped linearly at Base.
type Flat struct {
	Base hostarch.Addr
	Mem  []byte
}

// Bytes implements Window.Bytes.
func (f *Flat) Bytes(addr hostarch.Addr, n uintptr) []byte {
	off := uintptr(addr - f.Base)
	if addr < f.Base || off+n > uintptr(len(f.Mem)) || off+n < off {
		panic(fmt.Sprintf("fault: [%v, +%#x) is outside [%v, +%#x)", addr, n, f.Base, len(f.Mem)))
	}
	return f.Mem[off : off+n : off+n]
}

var window atomic.Pointer[Window]

func init() {
	var w Window = direct{}
	window.Store(&w)
}

// SetWindow installs w and returns a function that restores the previous
// window.
func SetWindow(w Window) (restore func()) {
	old := window.Swap(&w)
	return func() {
		window.Store(old)
	}
}

// Bytes returns the n bytes at addr.
func Bytes(addr hostarch.Addr, n uintptr) []byte {
	if n == 0 {
		return nil
	}
	return (*window.Load()).Bytes(addr, n)
}

// Words returns the n 64-bit words at addr, which must be 8-byte aligned.
func Words(addr hostarch.Addr, n uintptr) []uint64 {
	if addr&7 != 0 {
		panic(fmt.Sprintf("unaligned word access at %v", addr))
	}
	if n == 0 {
		return nil
	}
	b := Bytes(addr, n*8)
	return unsafe.Slice((*uint64)(unsafe.Pointer(&b[0])), n)
}

// Table returns the 512-entry page table at addr.
func Table(addr hostarch.Addr) *[512]uint64 {
	return (*[512]uint64)(Words(addr, 512))
}

// Load64 atomically loads the word at addr.
func Load64(addr hostarch.Addr) uint64 {
	return atomic.LoadUint64(&Words(addr, 1)[0])
}

// Store64 atomically stores v at addr.
func Store64(addr hostarch.Addr, v uint64) {
	atomic.StoreUint64(&Words(addr, 1)[0], v)
}

// Load32 atomically loads the 32-bit word at addr.
func Load32(addr hostarch.Addr) uint32 {
	b := Bytes(addr, 4)
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&b[0])))
}

// Store32 atomically stores v at addr.
func Store32(addr hostarch.Addr, v uint32) {
	b := Bytes(addr, 4)
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&b[0])), v)
}

// Zero clears n bytes at addr.
func Zero(addr hostarch.Addr, n uintptr) {
	clear(Bytes(addr, n))
}

// CopyIn copies src to addr.
func CopyIn(addr hostarch.Addr, src []byte) {
	copy(Bytes(addr, uintptr(len(src))), src)
}
