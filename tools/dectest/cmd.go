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

package main

import (
	"context"
	"errors"
	"flag"
	"runtime"
	"strconv"

	"github.com/google/subcommands"
	"vkernel.dev/vkernel/pkg/config"
	"vkernel.dev/vkernel/pkg/log"
	"vkernel.dev/vkernel/pkg/x86/harness"
)

// finish converts the outcome of a driver to an exit status. Interruption
// is not a failure: the mismatches found so far decide.
func finish(name string, err error) subcommands.ExitStatus {
	switch {
	case err == nil:
		return subcommands.ExitSuccess
	case errors.Is(err, context.Canceled):
		log.Infof("%s interrupted", name)
		return subcommands.ExitSuccess
	default:
		Fatalf("%s: %v", name, err)
		panic("unreachable")
	}
}

func workers(conf *config.Config) int {
	if conf.Workers > 0 {
		return conf.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// All implements subcommands.Command for the "all" command.
type All struct{}

// Name implements subcommands.Command.Name.
func (*All) Name() string {
	return "all"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*All) Synopsis() string {
	return "exhaustively enumerate inputs"
}

// Usage implements subcommands.Command.Usage.
func (*All) Usage() string {
	return `all <stride> <offset>

Enumerates every distinct input whose leading byte is offset modulo stride.
Run stride processes with offsets 0 to stride-1 to cover the whole space.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*All) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*All) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	stride, err := strconv.Atoi(f.Arg(0))
	if err != nil {
		f.Usage()
		return subcommands.ExitUsageError
	}
	offset, err := strconv.Atoi(f.Arg(1))
	if err != nil {
		f.Usage()
		return subcommands.ExitUsageError
	}
	h := args[1].(*harness.Harness)
	return finish("all", h.All(ctx, stride, offset))
}

// Random implements subcommands.Command for the "rnd" command.
type Random struct{}

// Name implements subcommands.Command.Name.
func (*Random) Name() string {
	return "rnd"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Random) Synopsis() string {
	return "check random inputs until the deadline"
}

// Usage implements subcommands.Command.Usage.
func (*Random) Usage() string {
	return "rnd\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Random) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Random) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	h := args[1].(*harness.Harness)
	return finish("rnd", h.Random(ctx, conf.Deadline, conf.Seed, workers(conf)))
}

// Cases implements subcommands.Command for the "cases" command.
type Cases struct{}

// Name implements subcommands.Command.Name.
func (*Cases) Name() string {
	return "cases"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Cases) Synopsis() string {
	return "replay the errors file"
}

// Usage implements subcommands.Command.Usage.
func (*Cases) Usage() string {
	return "cases\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Cases) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Cases) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	h := args[1].(*harness.Harness)
	return finish("cases", h.Cases(ctx))
}

// Gen implements subcommands.Command for the "gen" command.
type Gen struct {
	count int
}

// Name implements subcommands.Command.Name.
func (*Gen) Name() string {
	return "gen"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Gen) Synopsis() string {
	return "check random encodings of every catalogue instruction"
}

// Usage implements subcommands.Command.Usage.
func (*Gen) Usage() string {
	return "gen [-n count]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (g *Gen) SetFlags(f *flag.FlagSet) {
	f.IntVar(&g.count, "n", 1000, "encodings per catalogue instruction")
}

// Execute implements subcommands.Command.Execute.
func (g *Gen) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || g.count < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	h := args[1].(*harness.Harness)
	return finish("gen", h.Gen(ctx, g.count, conf.Seed))
}
