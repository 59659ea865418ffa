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

// Binary genisr generates the interrupt service routine stubs for every IDT
// vector.
//
// Each stub pushes a zero error code if the processor does not push one,
// pushes its vector number and jumps to the common entry, which saves the
// general purpose registers and calls into Go. The output also contains the
// table of stub addresses used to build the IDT.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"

	"vkernel.dev/vkernel/pkg/log"
)

// Flags.
var (
	outFileName = flag.String("out", "isr_amd64.s", "assembly file to write")
	pkgName     = flag.String("package", "ring0", "package the stubs belong to")
)

const numVectors = 256

// errorCodeVectors are the vectors for which the processor pushes an error
// code. This must agree with ring0.Vector.HasErrorCode.
var errorCodeVectors = map[int]bool{
	8:  true, // #DF
	10: true, // #TS
	11: true, // #NP
	12: true, // #SS
	13: true, // #GP
	14: true, // #PF
	17: true, // #AC
	30: true, // #SX
}

// gprs lists the general purpose registers in push order. The resulting
// layout must match ring0.Frame.
var gprs = []string{
	"AX", "BX", "CX", "DX", "SI", "DI", "BP",
	"R8", "R9", "R10", "R11", "R12", "R13", "R14", "R15",
}

const header = `// Code generated by genisr. DO NOT EDIT.

#include "textflag.h"

// isrCommon is entered from a stub with the error code and vector on the
// stack above the processor's interrupt frame.
TEXT isrCommon<>(SB),NOSPLIT|NOFRAME,$0
`

func main() {
	if err := run(); err != nil {
		log.Warningf("%v", err)
		os.Exit(1)
	}
}

func run() error {
	flag.Parse()

	output, err := os.Create(*outFileName)
	if err != nil {
		return fmt.Errorf("failed to open output file %s: %w", *outFileName, err)
	}
	defer output.Close()

	w := bufio.NewWriter(output)
	generate(w, *pkgName)
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write %s: %w", *outFileName, err)
	}
	log.Infof("Wrote %d stubs for package %s to %s", numVectors, *pkgName, *outFileName)
	return nil
}

func generate(w io.Writer, pkg string) {
	fmt.Fprint(w, header)
	for _, r := range gprs {
		fmt.Fprintf(w, "\tPUSHQ %s\n", r)
	}
	fmt.Fprint(w, "\tMOVQ SP, AX\n")
	fmt.Fprint(w, "\tSUBQ $8, SP\n")
	fmt.Fprint(w, "\tMOVQ AX, 0(SP)\n")
	fmt.Fprint(w, "\tCALL ·handleInterrupt(SB)\n")
	fmt.Fprint(w, "\tADDQ $8, SP\n")
	for i := len(gprs) - 1; i >= 0; i-- {
		fmt.Fprintf(w, "\tPOPQ %s\n", gprs[i])
	}
	fmt.Fprint(w, "\tADDQ $16, SP\n")
	fmt.Fprint(w, "\tIRETQ\n")

	for v := 0; v < numVectors; v++ {
		fmt.Fprintf(w, "\nTEXT isr%d<>(SB),NOSPLIT|NOFRAME,$0\n", v)
		if !errorCodeVectors[v] {
			fmt.Fprint(w, "\tPUSHQ $0\n")
		}
		fmt.Fprintf(w, "\tPUSHQ $%d\n", v)
		fmt.Fprint(w, "\tJMP isrCommon<>(SB)\n")
	}

	fmt.Fprint(w, "\n")
	for v := 0; v < numVectors; v++ {
		fmt.Fprintf(w, "DATA isrStubs<>+%d(SB)/8, $isr%d<>(SB)\n", v*8, v)
	}
	fmt.Fprintf(w, "GLOBL isrStubs<>(SB), RODATA, $%d\n", numVectors*8)

	fmt.Fprintf(w, "\n// func isrStubTable() *[%d]uintptr\n", numVectors)
	fmt.Fprint(w, "TEXT ·isrStubTable(SB),NOSPLIT,$0-8\n")
	fmt.Fprint(w, "\tLEAQ isrStubs<>(SB), AX\n")
	fmt.Fprint(w, "\tMOVQ AX, ret+0(FP)\n")
	fmt.Fprint(w, "\tRET\n")
}
