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

// Package apic drives the local APIC in xAPIC mode.
package apic

import (
	"vkernel.dev/vkernel/pkg/ring0"
)

// Register offsets.
const (
	RegID           = 0x20
	RegVersion      = 0x30
	RegEOI          = 0xb0
	RegSpurious     = 0xf0
	RegICRLow       = 0x300
	RegICRHigh      = 0x310
	RegLVTTimer     = 0x320
	RegInitialCount = 0x380
	RegCurrentCount = 0x390
	RegDivide       = 0x3e0
)

// Interrupt command register fields.
const (
	icrFixed   = 0 << 8
	icrNMI     = 4 << 8
	icrINIT    = 5 << 8
	icrStartup = 6 << 8
	icrAssert  = 1 << 14
	icrPending = 1 << 12
	spuriousOn = 1 << 8
	lvtMasked  = 1 << 16
	divideBy16 = 3
	destShift  = 24
	idShift    = 24
)

// SpuriousVector is the vector the APIC uses for spurious interrupts.
const SpuriousVector ring0.Vector = 0xff

// TimerVector is the vector of the local timer.
const TimerVector ring0.Vector = 0x20

// Enable software-enables the APIC and masks its timer.
func Enable(r ring0.APICRegisters) {
	r.Write(RegSpurious, spuriousOn|uint32(SpuriousVector))
	r.Write(RegLVTTimer, lvtMasked|uint32(TimerVector))
}

// ID returns the APIC ID of the executing CPU.
func ID(r ring0.APICRegisters) uint32 {
	return r.Read(RegID) >> idShift
}

// EOI signals the end of an interrupt.
func EOI(r ring0.APICRegisters) {
	r.Write(RegEOI, 0)
}

func send(r ring0.APICRegisters, dest uint32, cmd uint32) {
	r.Write(RegICRHigh, dest<<destShift)
	r.Write(RegICRLow, cmd)
	for r.Read(RegICRLow)&icrPending != 0 {
	}
}

// SendINIT sends an INIT IPI to dest.
func SendINIT(r ring0.APICRegisters, dest uint32) {
	send(r, dest, icrINIT|icrAssert)
}

// SendStartup sends a STARTUP IPI to dest. The processor starts executing
// in real mode at page.
func SendStartup(r ring0.APICRegisters, dest uint32, page uint8) {
	send(r, dest, icrStartup|icrAssert|uint32(page))
}

// SendNMI sends a non-maskable interrupt to dest.
func SendNMI(r ring0.APICRegisters, dest uint32) {
	send(r, dest, icrNMI|icrAssert)
}

// SendFixed sends vector v to dest.
func SendFixed(r ring0.APICRegisters, dest uint32, v ring0.Vector) {
	send(r, dest, icrFixed|icrAssert|uint32(v))
}

// StartOneShot arms the timer to count down from count with a divisor of 16
// and raise TimerVector when it reaches zero.
func StartOneShot(r ring0.APICRegisters, count uint32) {
	r.Write(RegDivide, divideBy16)
	r.Write(RegLVTTimer, uint32(TimerVector))
	r.Write(RegInitialCount, count)
}

// StopTimer disarms and masks the timer.
func StopTimer(r ring0.APICRegisters) {
	r.Write(RegLVTTimer, lvtMasked|uint32(TimerVector))
	r.Write(RegInitialCount, 0)
}

// CurrentCount returns the timer's current count.
func CurrentCount(r ring0.APICRegisters) uint32 {
	return r.Read(RegCurrentCount)
}
