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

package verify

import (
	"debug/elf"
	"fmt"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"
	"vkernel.dev/vkernel/pkg/log"
)

// Report is the outcome of verifying an image.
type Report struct {
	// Results holds one result per function, in address order.
	Results []*Result
}

// Errors returns the rejections in the report, in address order.
func (r *Report) Errors() []*Error {
	var errs []*Error
	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	return errs
}

// Functions returns the function symbols of the .text section of f and a
// table of all defined symbols.
func Functions(f *elf.File) ([]*Function, map[string]uint64, error) {
	text := f.Section(".text")
	if text == nil {
		return nil, nil, fmt.Errorf("no .text section")
	}
	data, err := text.Data()
	if err != nil {
		return nil, nil, fmt.Errorf("reading .text: %w", err)
	}
	syms, err := f.Symbols()
	if err != nil {
		return nil, nil, fmt.Errorf("reading symbols: %w", err)
	}
	textIndex := elf.SectionIndex(-1)
	for i, s := range f.Sections {
		if s == text {
			textIndex = elf.SectionIndex(i)
		}
	}

	table := make(map[string]uint64)
	var fns []*Function
	for _, s := range syms {
		if s.Section == elf.SHN_UNDEF {
			continue
		}
		table[s.Name] = s.Value
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Section != textIndex || s.Size == 0 {
			continue
		}
		if s.Value < text.Addr || s.Value+s.Size > text.Addr+uint64(len(data)) {
			return nil, nil, fmt.Errorf("function %q [%#x, %#x) outside .text", s.Name, s.Value, s.Value+s.Size)
		}
		start := s.Value - text.Addr
		fns = append(fns, &Function{
			Name: s.Name,
			Addr: s.Value,
			Code: data[start : start+s.Size],
		})
	}
	sort.Slice(fns, func(i, j int) bool { return fns[i].Addr < fns[j].Addr })
	return fns, table, nil
}

// VerifyELF verifies every function of the ELF image at path. Functions are
// verified in parallel; a rejected function does not stop the others.
func VerifyELF(path string, p *Policy) (*Report, error) {
	if p == nil {
		p = DefaultPolicy()
	}
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("%s: not an x86-64 ELF image", path)
	}
	fns, syms, err := Functions(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if p.MaxFunctions > 0 && len(fns) > p.MaxFunctions {
		return nil, fmt.Errorf("%s: %d functions, policy allows %d", path, len(fns), p.MaxFunctions)
	}
	p.Resolve(syms)
	log.Debugf("Verifying %d functions of %s", len(fns), path)
	return VerifyAll(fns, p), nil
}

// VerifyAll verifies fns in parallel.
func VerifyAll(fns []*Function, p *Policy) *Report {
	r := &Report{Results: make([]*Result, len(fns))}
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, fn := range fns {
		g.Go(func() error {
			r.Results[i] = Verify(fn, p)
			return nil
		})
	}
	g.Wait()
	return r
}
