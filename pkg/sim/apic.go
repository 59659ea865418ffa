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

package sim

import (
	"time"

	"vkernel.dev/vkernel/pkg/log"
	"vkernel.dev/vkernel/pkg/ring0"
	"vkernel.dev/vkernel/pkg/sync"
)

// Local APIC register offsets.
const (
	regID           = 0x20
	regVersion      = 0x30
	regEOI          = 0xb0
	regSpurious     = 0xf0
	regICRLow       = 0x300
	regICRHigh      = 0x310
	regLVTTimer     = 0x320
	regInitialCount = 0x380
	regCurrentCount = 0x390
	regDivide       = 0x3e0
)

// Interrupt command fields.
const (
	icrModeShift      = 8
	icrModeMask       = 7
	icrShorthandShift = 18
	icrShorthandMask  = 3

	modeFixed   = 0
	modeNMI     = 4
	modeINIT    = 5
	modeStartup = 6

	shorthandNone       = 0
	shorthandSelf       = 1
	shorthandAll        = 2
	shorthandAllButSelf = 3

	lvtMasked = 1 << 16
)

// LocalAPIC models the registers of a local APIC in xAPIC mode.
type LocalAPIC struct {
	m *Machine
	p *Processor

	mu sync.Mutex

	// regs holds plain read/write registers. Protected by mu.
	regs map[uint32]uint32

	// Timer state. Protected by mu.
	timerStart   time.Time
	timerInitial uint32
	timer        *time.Timer

	// eoi counts EOI writes. Protected by mu.
	eoi int
}

var _ ring0.APICRegisters = (*LocalAPIC)(nil)

func newLocalAPIC(m *Machine, p *Processor) *LocalAPIC {
	return &LocalAPIC{
		m: m,
		p: p,
		regs: map[uint32]uint32{
			regLVTTimer: lvtMasked,
			regSpurious: 0xff,
		},
	}
}

// divisor decodes the divide configuration register.
func divisor(v uint32) uint64 {
	shift := (v&3 | (v>>1)&4) + 1
	if shift == 8 {
		return 1
	}
	return 1 << shift
}

// Read implements ring0.APICRegisters.Read.
func (a *LocalAPIC) Read(offset uint32) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch offset {
	case regID:
		return a.p.apicID << 24
	case regVersion:
		return 0x14 | 6<<16
	case regICRLow:
		// Delivery is instantaneous, so the status bit is always idle.
		return a.regs[regICRLow] &^ (1 << 12)
	case regInitialCount:
		return a.timerInitial
	case regCurrentCount:
		return a.currentLocked()
	default:
		return a.regs[offset]
	}
}

// currentLocked returns the timer's current count. Precondition: mu is held.
func (a *LocalAPIC) currentLocked() uint32 {
	if a.timerInitial == 0 {
		return 0
	}
	rate := a.rateLocked()
	since := time.Since(a.timerStart)
	if since >= countDuration(a.timerInitial, rate) {
		return 0
	}
	elapsed := uint64(since) * rate / uint64(time.Second)
	return a.timerInitial - uint32(elapsed)
}

// rateLocked returns the timer rate in ticks per second. Precondition: mu
// is held.
func (a *LocalAPIC) rateLocked() uint64 {
	return a.m.cfg.APICTimerFrequency / divisor(a.regs[regDivide])
}

// countDuration returns how long the timer takes to count down from n.
func countDuration(n uint32, rate uint64) time.Duration {
	return time.Duration(uint64(n) * uint64(time.Second) / rate)
}

// Write implements ring0.APICRegisters.Write.
func (a *LocalAPIC) Write(offset uint32, value uint32) {
	a.mu.Lock()
	switch offset {
	case regID, regVersion, regCurrentCount:
		// Read-only.
		a.mu.Unlock()
	case regEOI:
		a.eoi++
		a.mu.Unlock()
	case regICRLow:
		a.regs[regICRLow] = value
		dest := a.regs[regICRHigh] >> 24
		a.mu.Unlock()
		a.m.sendIPI(a.p, dest, value)
	case regInitialCount:
		a.startTimerLocked(value)
		a.mu.Unlock()
	default:
		a.regs[offset] = value
		a.mu.Unlock()
	}
}

// startTimerLocked arms the one-shot timer. Precondition: mu is held.
func (a *LocalAPIC) startTimerLocked(initial uint32) {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.timerInitial = initial
	a.timerStart = time.Now()
	if initial == 0 {
		return
	}
	a.timer = time.AfterFunc(countDuration(initial, a.rateLocked()), func() {
		a.mu.Lock()
		lvt := a.regs[regLVTTimer]
		a.mu.Unlock()
		if lvt&lvtMasked == 0 {
			a.p.raise(ring0.Vector(lvt & 0xff))
		}
	})
}

// EOIs returns the number of end-of-interrupt writes.
func (a *LocalAPIC) EOIs() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.eoi
}

// sendIPI delivers an interrupt command written by from.
func (m *Machine) sendIPI(from *Processor, dest uint32, icr uint32) {
	mode := (icr >> icrModeShift) & icrModeMask
	vector := uint8(icr)
	var targets []*Processor
	switch (icr >> icrShorthandShift) & icrShorthandMask {
	case shorthandNone:
		for _, p := range m.procs {
			if p.apicID == dest {
				targets = append(targets, p)
			}
		}
	case shorthandSelf:
		targets = []*Processor{from}
	case shorthandAll:
		targets = m.procs
	case shorthandAllButSelf:
		for _, p := range m.procs {
			if p != from {
				targets = append(targets, p)
			}
		}
	}
	for _, t := range targets {
		switch mode {
		case modeFixed:
			t.raise(ring0.Vector(vector))
		case modeNMI:
			t.raise(ring0.NMI)
		case modeINIT:
			if t.index != 0 {
				t.initReceived.Store(true)
			}
		case modeStartup:
			if !t.initReceived.Load() || t.running.Swap(true) {
				continue
			}
			log.Debugf("cpu %d: STARTUP at %#x", t.index, uint64(vector)<<12)
			t := t
			m.run(t, func() error {
				return m.trampoline(t, vector)
			})
		default:
			log.Warningf("cpu %d: unsupported IPI delivery mode %d", from.index, mode)
		}
	}
}
