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

// Binary verify checks every function of an x86-64 ELF image against the
// user code policy.
//
// Usage: verify -f <elf> [-b] [-p policy.toml]
//
// The exit status is 0 if every function is accepted, 1 if any function is
// rejected and 2 if the image could not be verified at all.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"

	"vkernel.dev/vkernel/pkg/config"
	"vkernel.dev/vkernel/pkg/log"
	"vkernel.dev/vkernel/pkg/x86/verify"
)

// Flags.
var (
	fileName   = flag.String("f", "", "ELF image to verify")
	brief      = flag.Bool("b", false, "print one line per rejected function instead of a full disassembly")
	policyName = flag.String("p", "", "TOML policy file; by default nothing is callable and gs-relative accesses are allowed")
)

func main() {
	os.Exit(run())
}

func run() int {
	config.RegisterFlags(flag.CommandLine)
	flag.Parse()
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		fmt.Fprintf(os.Stderr, "verify: %v\n", err)
		return 2
	}
	closeLog, err := conf.SetupLogging("verify")
	if err != nil {
		fmt.Fprintf(os.Stderr, "verify: %v\n", err)
		return 2
	}
	defer closeLog()
	if conf.Debug {
		conf.Log()
	}
	if *fileName == "" || flag.NArg() != 0 {
		flag.Usage()
		return 2
	}

	policy := verify.DefaultPolicy()
	if *policyName != "" {
		if policy, err = verify.LoadPolicy(*policyName); err != nil {
			log.Warningf("%v", err)
			return 2
		}
	}
	report, err := verify.VerifyELF(*fileName, policy)
	if err != nil {
		log.Warningf("%v", err)
		return 2
	}

	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()
	for _, res := range report.Results {
		if *brief {
			if res.Err != nil {
				fmt.Fprintln(w, res.Err)
			}
			continue
		}
		if err := res.WriteListing(w); err != nil {
			log.Warningf("writing listing: %v", err)
			return 2
		}
		fmt.Fprintln(w)
	}
	if errs := report.Errors(); len(errs) > 0 {
		log.Warningf("%d of %d functions rejected", len(errs), len(report.Results))
		return 1
	}
	log.Infof("All %d functions verified", len(report.Results))
	return 0
}
