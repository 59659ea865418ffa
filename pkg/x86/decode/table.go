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

package decode

import (
	"fmt"

	"vkernel.dev/vkernel/pkg/x86/isa"
)

// Opcode maps.
const (
	mapOneByte = iota
	map0F
	map0F38
	map0F3A
	numMaps
)

// Mandatory prefix classes.
const (
	classNone = iota
	classOpSize
	classREP
	classREPNE
	numClasses
)

// entry is the dispatch result for one opcode.
type entry struct {
	insn *isa.Insn

	// ext, if any element is set, selects by ModRM.reg.
	ext    [8]*isa.Insn
	hasExt bool
}

// dispatch is derived from the catalogue at init.
var dispatch = buildTable(isa.Catalogue())

type table [numClasses][numMaps][256]*entry

func prefixClass(p byte) int {
	switch p {
	case isa.PrefixOpSize:
		return classOpSize
	case isa.PrefixREP:
		return classREP
	case isa.PrefixREPNE:
		return classREPNE
	default:
		return classNone
	}
}

// opcodeMap splits an opcode into its map and final byte.
func opcodeMap(code []byte) (int, byte, error) {
	switch {
	case len(code) == 1 && code[0] != 0x0f:
		return mapOneByte, code[0], nil
	case len(code) == 2 && code[0] == 0x0f && code[1] != 0x38 && code[1] != 0x3a:
		return map0F, code[1], nil
	case len(code) == 3 && code[0] == 0x0f && code[1] == 0x38:
		return map0F38, code[2], nil
	case len(code) == 3 && code[0] == 0x0f && code[1] == 0x3a:
		return map0F3A, code[2], nil
	}
	return 0, 0, fmt.Errorf("bad opcode % x", code)
}

func buildTable(insns []*isa.Insn) *table {
	var t table
	for _, d := range insns {
		m, op, err := opcodeMap(d.Opcode)
		if err != nil {
			panic(fmt.Sprintf("%v: %v", d, err))
		}
		slot := &t[prefixClass(d.Prefix)][m][op]
		if *slot == nil {
			*slot = &entry{}
		}
		e := *slot
		if d.Ext < 0 {
			if e.insn != nil || e.hasExt {
				panic(fmt.Sprintf("%v: duplicate catalogue key %s", d, d.Key()))
			}
			e.insn = d
			continue
		}
		if e.insn != nil || e.ext[d.Ext] != nil {
			panic(fmt.Sprintf("%v: duplicate catalogue key %s", d, d.Key()))
		}
		e.ext[d.Ext] = d
		e.hasExt = true
	}
	return &t
}

// lookup returns the dispatch entry for a mandatory prefix class.
func (t *table) lookup(class, m int, op byte) *entry {
	return t[class][m][op]
}
