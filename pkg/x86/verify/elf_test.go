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
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const textAddr = 0x401000

// testSym is a function in the test image.
type testSym struct {
	name string
	code string
}

// writeELF writes a minimal x86-64 executable whose .text holds syms back
// to back, and returns its path.
func writeELF(t *testing.T, syms []testSym) string {
	t.Helper()

	var text []byte
	strtab := []byte{0}
	symtab := []elf.Sym64{{}}
	for _, s := range syms {
		c := code(t, s.code)
		symtab = append(symtab, elf.Sym64{
			Name:  uint32(len(strtab)),
			Info:  elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC),
			Shndx: 1,
			Value: textAddr + uint64(len(text)),
			Size:  uint64(len(c)),
		})
		strtab = append(strtab, s.name...)
		strtab = append(strtab, 0)
		text = append(text, c...)
	}
	var symBuf bytes.Buffer
	for _, s := range symtab {
		binary.Write(&symBuf, binary.LittleEndian, s)
	}
	shstrtab := []byte("\x00.text\x00.symtab\x00.strtab\x00.shstrtab\x00")
	name := func(s string) uint32 {
		return uint32(strings.Index(string(shstrtab), "\x00"+s+"\x00") + 1)
	}

	const ehsize = 64
	textOff := uint64(ehsize)
	symOff := textOff + uint64(len(text))
	strOff := symOff + uint64(symBuf.Len())
	shstrOff := strOff + uint64(len(strtab))
	shOff := shstrOff + uint64(len(shstrtab))

	var hdr elf.Header64
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	hdr.Type = uint16(elf.ET_EXEC)
	hdr.Machine = uint16(elf.EM_X86_64)
	hdr.Version = uint32(elf.EV_CURRENT)
	hdr.Entry = textAddr
	hdr.Shoff = shOff
	hdr.Ehsize = ehsize
	hdr.Shentsize = 64
	hdr.Shnum = 5
	hdr.Shstrndx = 4

	sections := []elf.Section64{
		{},
		{
			Name:      name(".text"),
			Type:      uint32(elf.SHT_PROGBITS),
			Flags:     uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR),
			Addr:      textAddr,
			Off:       textOff,
			Size:      uint64(len(text)),
			Addralign: 1,
		},
		{
			Name:      name(".symtab"),
			Type:      uint32(elf.SHT_SYMTAB),
			Off:       symOff,
			Size:      uint64(symBuf.Len()),
			Link:      3,
			Info:      1,
			Addralign: 8,
			Entsize:   24,
		},
		{
			Name:      name(".strtab"),
			Type:      uint32(elf.SHT_STRTAB),
			Off:       strOff,
			Size:      uint64(len(strtab)),
			Addralign: 1,
		},
		{
			Name:      name(".shstrtab"),
			Type:      uint32(elf.SHT_STRTAB),
			Off:       shstrOff,
			Size:      uint64(len(shstrtab)),
			Addralign: 1,
		},
	}

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, hdr)
	out.Write(text)
	out.Write(symBuf.Bytes())
	out.Write(strtab)
	out.Write(shstrtab)
	for _, s := range sections {
		binary.Write(&out, binary.LittleEndian, s)
	}

	path := filepath.Join(t.TempDir(), "image")
	if err := os.WriteFile(path, out.Bytes(), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

var testImage = []testSym{
	{"good", "48 89 e5 c3"},
	{"bad", "0f 05 c3"},
	{"callme", "c3"},
	// call callme; ret
	{"caller", "e8 fa ff ff ff c3"},
}

func TestVerifyELF(t *testing.T) {
	path := writeELF(t, testImage)
	p, err := ParsePolicy(`callable = ["callme"]`)
	if err != nil {
		t.Fatalf("ParsePolicy failed: %v", err)
	}
	r, err := VerifyELF(path, p)
	if err != nil {
		t.Fatalf("VerifyELF failed: %v", err)
	}
	var names []string
	for _, res := range r.Results {
		names = append(names, res.Function.Name)
	}
	if got, want := strings.Join(names, ","), "good,bad,callme,caller"; got != want {
		t.Errorf("functions = %s, want %s", got, want)
	}
	errs := r.Errors()
	if len(errs) != 1 {
		t.Fatalf("Errors() = %v, want one failure", errs)
	}
	if errs[0].Function != "bad" || errs[0].Kind != DisallowedInstruction || errs[0].Offset != 0 {
		t.Errorf("Errors()[0] = %v, want DisallowedInstruction in bad at 0", errs[0])
	}
}

func TestVerifyELFCallNotCallable(t *testing.T) {
	r, err := VerifyELF(writeELF(t, testImage), nil)
	if err != nil {
		t.Fatalf("VerifyELF failed: %v", err)
	}
	var failed []string
	for _, e := range r.Errors() {
		failed = append(failed, e.Function)
	}
	if got, want := strings.Join(failed, ","), "bad,caller"; got != want {
		t.Errorf("failed functions = %s, want %s", got, want)
	}
}

func TestVerifyELFMaxFunctions(t *testing.T) {
	if _, err := VerifyELF(writeELF(t, testImage), &Policy{MaxFunctions: 3}); err == nil {
		t.Errorf("VerifyELF succeeded with more functions than allowed")
	}
}

func TestVerifyELFNotELF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk")
	if err := os.WriteFile(path, []byte("not an image"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := VerifyELF(path, nil); err == nil {
		t.Errorf("VerifyELF of a non-ELF file succeeded")
	}
}
