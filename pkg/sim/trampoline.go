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
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"

	"vkernel.dev/vkernel/pkg/hostarch"
	"vkernel.dev/vkernel/pkg/log"
	"vkernel.dev/vkernel/pkg/ring0"
)

// TrampolineInfoOffset is the offset of the packed APBootstrapInfo record in
// the trampoline page. It places every 64-bit field on a natural boundary.
const TrampolineInfoOffset = 0xefc

// APBootstrapInfo field offsets.
const (
	infoPML4           = 0
	infoAllowStart     = 4
	infoAPICRegisters  = 12
	infoCPUCount       = 20
	infoCPUSize        = 28
	infoCPUAPICOffset  = 36
	infoCPUStackOffset = 44
	infoCPUs           = 52
	infoSize           = 60
)

// cli is the first instruction of any valid trampoline.
const cli = 0xfa

// trampoline does what the real-mode start-up code does on hardware: switch
// to long mode with the kernel tables, wait for allow_start, find this
// processor's record by APIC ID, take its stack and call the AP entry.
func (m *Machine) trampoline(p *Processor, vector uint8) error {
	page := hostarch.PhysAddr(vector) << hostarch.PageShift
	if uint64(page)+hostarch.PageSize > uint64(len(m.ram)) {
		return fmt.Errorf("cpu %d: STARTUP vector %#x outside RAM", p.index, vector)
	}
	if m.ram[page] != cli {
		return fmt.Errorf("cpu %d: no trampoline at %v (first byte %#x)", p.index, page, m.ram[page])
	}
	info := m.ram[page+TrampolineInfoOffset : page+TrampolineInfoOffset+infoSize]
	field := func(off int) *uint64 {
		return (*uint64)(unsafe.Pointer(&info[off]))
	}

	// The latch is polled before anything else is read, as the BSP fills
	// in the record before flipping it.
	for atomic.LoadUint64(field(infoAllowStart)) == 0 {
		p.Pause()
	}

	pml4 := hostarch.PhysAddr(binary.LittleEndian.Uint32(info[infoPML4:]))
	count := atomic.LoadUint64(field(infoCPUCount))
	size := uintptr(atomic.LoadUint64(field(infoCPUSize)))
	apicOffset := uintptr(atomic.LoadUint64(field(infoCPUAPICOffset)))
	stackOffset := uintptr(atomic.LoadUint64(field(infoCPUStackOffset)))
	cpus := uintptr(atomic.LoadUint64(field(infoCPUs)))

	var record uintptr
	for i := uint64(0); i < count; i++ {
		r := cpus + uintptr(i)*size
		if *(*uint32)(unsafe.Pointer(r + apicOffset)) == p.apicID {
			record = r
			break
		}
	}
	if record == 0 {
		return fmt.Errorf("cpu %d: APIC ID %d not in the CPU table", p.index, p.apicID)
	}
	if *(*uint64)(unsafe.Pointer(record + stackOffset)) == 0 {
		return fmt.Errorf("cpu %d: no stack", p.index)
	}

	p.LoadPageTable(pml4)
	entry := m.apEntry.Load()
	if entry == nil {
		return fmt.Errorf("cpu %d: no AP entry point", p.index)
	}
	log.Debugf("cpu %d: entering kernel with record %#x", p.index, record)
	(*entry)(p, record)
	ring0.HaltForever(p)
	return nil
}
