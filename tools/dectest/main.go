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

// Binary dectest compares the instruction decoder with a reference
// disassembler.
//
// Mismatching inputs are appended to the errors file, one lowercase hex
// input per line, and described on stderr. The exit status is 1 if any
// mismatch was found.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"
	"vkernel.dev/vkernel/pkg/config"
	"vkernel.dev/vkernel/pkg/log"
	"vkernel.dev/vkernel/pkg/x86/harness"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(All), "drivers")
	subcommands.Register(new(Random), "drivers")
	subcommands.Register(new(Cases), "drivers")
	subcommands.Register(new(Gen), "drivers")

	config.RegisterFlags(flag.CommandLine)
	flag.Parse()
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dectest: %v\n", err)
		os.Exit(int(subcommands.ExitUsageError))
	}
	closeLog, err := conf.SetupLogging(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "dectest: %v\n", err)
		os.Exit(int(subcommands.ExitFailure))
	}
	if conf.Debug {
		conf.Log()
	}

	h := harness.New(harness.Config{
		Errors:       harness.NewErrorsFile(conf.ErrorsFile),
		MnemonicOnly: !conf.Text,
		Out:          os.Stderr,
		Progress:     harness.TerminalProgress(os.Stderr, time.Second),
	})

	// Stop cleanly on interrupt, keeping what was found so far.
	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	status := subcommands.Execute(ctx, conf, h)
	stop()

	if status == subcommands.ExitSuccess && h.Mismatches() > 0 {
		status = subcommands.ExitFailure
	}
	log.Infof("%v; exiting with status %d", h, status)
	closeLog()
	os.Exit(int(status))
}

// Fatalf logs to stderr and exits with a failure status code.
func Fatalf(format string, args ...any) {
	log.Warningf(format, args...)
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(int(subcommands.ExitFailure))
}
