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

// Package oracle compares the decoder against the x86asm reference
// disassembler.
package oracle

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/arch/x86/x86asm"
	"vkernel.dev/vkernel/pkg/x86/decode"
)

// rexW is the operand size bit of the REX prefix.
const rexW = 0x08

// unsupported returns true for instructions the reference does not decode
// the way the architecture manuals do. They are not compared.
func unsupported(inst *decode.Inst) bool {
	switch inst.Mnemonic {
	case "bndcl", "bndcu":
		// x86asm predates MPX.
		return true
	case "nop":
		// x86asm has no REX.W form of the multi-byte nop.
		return inst.Rex&rexW != 0
	}
	return false
}

// aliases map our mnemonic to the reference's name for the same
// instruction.
var aliases = map[string]string{
	// x86asm predates BMI and decodes these as bsf and bsr.
	"tzcnt": "bsf",
	"lzcnt": "bsr",
}

// Result is the outcome of comparing one input.
type Result struct {
	// Accepted is true if our decoder accepted the input. Inputs it
	// rejects are not compared.
	Accepted bool

	// Len is the number of bytes that determined the outcome.
	Len int

	// RefLen is the reference's instruction length, when it was
	// consulted.
	RefLen int

	// Ours and Theirs are the two renderings, when Accepted.
	Ours   string
	Theirs string

	// Mismatch describes a disagreement, or is empty.
	Mismatch string
}

// Options control a comparison. The zero value compares lengths,
// mnemonics and normalized Intel syntax.
type Options struct {
	// MnemonicOnly skips the text comparison.
	MnemonicOnly bool
}

// Compare decodes src with both decoders.
func Compare(src []byte, opts Options) Result {
	inst, err := decode.Decode(src)
	if err != nil {
		n := len(src)
		if de, ok := err.(*decode.Error); ok && de.Consumed > 0 && de.Consumed < n {
			n = de.Consumed
		}
		return Result{Len: n}
	}
	r := Result{Accepted: true, Len: inst.Len, Ours: inst.String()}
	mnemonic := inst.Mnemonic
	if unsupported(&inst) {
		return r
	}
	ref, err := x86asm.Decode(src, 64)
	if err != nil {
		r.Mismatch = fmt.Sprintf("reference rejects: %v", err)
		return r
	}
	r.RefLen = ref.Len
	r.Theirs = x86asm.IntelSyntax(ref, 0, nil)
	theirs := strings.TrimSuffix(strings.ToLower(ref.Op.String()), "_xmm")
	switch {
	case ref.Len != inst.Len:
		r.Mismatch = fmt.Sprintf("length %d, reference %d", inst.Len, ref.Len)
	case theirs != mnemonic && aliases[mnemonic] != theirs:
		r.Mismatch = fmt.Sprintf("mnemonic %s, reference %s", mnemonic, theirs)
	case !opts.MnemonicOnly && Normalize(ours(mnemonic, theirs, r.Ours)) != Normalize(reference(mnemonic, r.Theirs)):
		r.Mismatch = "text differs"
	}
	return r
}

// ours renames an aliased mnemonic in text to the reference's name.
func ours(mnemonic, theirs, text string) string {
	if aliases[mnemonic] != theirs {
		return text
	}
	return strings.Replace(text, mnemonic, theirs, 1)
}

// reference drops the register operand that x86asm appends to the
// multi-byte nop.
func reference(mnemonic, text string) string {
	if mnemonic != "nop" {
		return text
	}
	for _, r := range []string{", eax", ", ax"} {
		if t, ok := strings.CutSuffix(text, r); ok {
			return t
		}
	}
	return text
}

var (
	numberRE  = regexp.MustCompile(`[+-]?\b(0x[0-9a-f]+|[0-9]+)\b`)
	sizeRE    = regexp.MustCompile(`\b(byte|word|dword|qword|xmmword|ymmword|zmmword|ptr) `)
	spaceRE   = regexp.MustCompile(`\s+`)
	relJumpRE = regexp.MustCompile(`\.([+-])`)
	scaleRE   = regexp.MustCompile(`\*1\b`)
	zeroRE    = regexp.MustCompile(`[+-]0\]`)
	condRE    = regexp.MustCompile(`\b(j|set|cmov)(nbe|nb|nle|nl|nz|z)\b`)
)

// conds maps the condition names x86asm prints to ours.
var conds = map[string]string{
	"nbe": "a",
	"nb":  "ae",
	"nle": "g",
	"nl":  "ge",
	"nz":  "ne",
	"z":   "e",
}

// Normalize reduces Intel syntax to a form in which both renderings of an
// instruction agree. Case, spacing and size keywords are dropped. Numbers
// become signed decimal, read as two's complement at the narrowest of 8,
// 16 or 32 bits that holds them, so 0xffffffff and -1 agree. A scale of 1,
// a zero displacement and condition code synonyms are canonicalized.
func Normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = relJumpRE.ReplaceAllString(s, "$1")
	s = sizeRE.ReplaceAllString(s, "")
	s = condRE.ReplaceAllStringFunc(s, func(m string) string {
		sub := condRE.FindStringSubmatch(m)
		return sub[1] + conds[sub[2]]
	})
	s = numberRE.ReplaceAllStringFunc(s, canonical)
	s = scaleRE.ReplaceAllString(s, "")
	s = zeroRE.ReplaceAllString(s, "]")
	return spaceRE.ReplaceAllString(s, " ")
}

// canonical renders a number with an optional sign as signed decimal.
func canonical(n string) string {
	sign := ""
	if n[0] == '+' || n[0] == '-' {
		sign, n = n[:1], n[1:]
	}
	u, err := strconv.ParseUint(n, 0, 64)
	if err != nil {
		return sign + n
	}
	v := int64(u)
	if sign == "-" {
		v = -v
	}
	for _, w := range []uint{8, 16, 32} {
		if v >= 0 && v < 1<<w {
			if v >= 1<<(w-1) {
				v -= 1 << w
			}
			break
		}
	}
	if v >= 0 && sign != "" {
		return "+" + strconv.FormatInt(v, 10)
	}
	return strconv.FormatInt(v, 10)
}
