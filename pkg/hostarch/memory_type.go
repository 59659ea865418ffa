// Copyright 2025 The gVisor Authors.
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

package hostarch

import "fmt"

// MemoryType specifies CPU memory access behavior.
type MemoryType uint8

const (
	// MemoryTypeWriteBack is the default write-back (WB) type. It selects PAT
	// entry 0 and must be the zero value for MemoryType.
	MemoryTypeWriteBack MemoryType = iota

	// MemoryTypeWriteCombine is write-combining (WC), used for framebuffers.
	// The kernel programs PAT entry 1 (PWT only) to WC.
	MemoryTypeWriteCombine

	// MemoryTypeUncached is strong uncacheable (UC), used for MMIO such as
	// the local APIC register window. It selects PAT entry 3 (PWT|PCD).
	MemoryTypeUncached

	// NumMemoryTypes is the number of memory types.
	NumMemoryTypes
)

// PAT is the IA32_PAT value the kernel installs on every CPU: entry 0 WB,
// entry 1 WC, entry 2 UC-, entry 3 UC, and the power-on defaults for the
// remaining entries.
const PAT = 0x0007040600070106

// String implements fmt.Stringer.String.
func (mt MemoryType) String() string {
	switch mt {
	case MemoryTypeWriteBack:
		return "WriteBack"
	case MemoryTypeWriteCombine:
		return "WriteCombine"
	case MemoryTypeUncached:
		return "Uncached"
	default:
		return fmt.Sprintf("%d", mt)
	}
}

// ShortString returns a two-character string compactly representing the
// MemoryType.
func (mt MemoryType) ShortString() string {
	switch mt {
	case MemoryTypeWriteBack:
		return "WB"
	case MemoryTypeWriteCombine:
		return "WC"
	case MemoryTypeUncached:
		return "UC"
	default:
		return fmt.Sprintf("%02d", mt)
	}
}
