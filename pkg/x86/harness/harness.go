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

// Package harness drives the decoder over large input spaces and compares
// every input it accepts with the reference disassembler.
//
// Four drivers exist. All enumerates inputs in counter order, Random draws
// them until a deadline, Cases replays the errors file and Gen encodes
// random forms of every catalogue entry. Disagreements are appended to the
// errors file and described on the output.
package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"
	"vkernel.dev/vkernel/pkg/atomicbitops"
	"vkernel.dev/vkernel/pkg/log"
	"vkernel.dev/vkernel/pkg/sync"
	"vkernel.dev/vkernel/pkg/x86/decode"
	"vkernel.dev/vkernel/pkg/x86/isa"
	"vkernel.dev/vkernel/pkg/x86/oracle"
)

// InputLen is the size of every generated input. It exceeds the longest
// instruction so that an instruction is never cut short.
const InputLen = 16

// progressEvery is the number of inputs between progress reports.
const progressEvery = 1 << 12

// Config configures a Harness.
type Config struct {
	// Errors receives mismatching inputs. It may be nil.
	Errors *ErrorsFile

	// MnemonicOnly skips comparing normalized Intel syntax.
	MnemonicOnly bool

	// Out receives a line per mismatch.
	Out io.Writer

	// Progress receives periodic progress reports. It may be nil.
	Progress log.Logger
}

// Harness compares the decoder with the reference.
type Harness struct {
	cfg Config

	// mu serializes writes to cfg.Out.
	mu sync.Mutex

	checked    atomicbitops.Uint64
	accepted   atomicbitops.Uint64
	mismatches atomicbitops.Uint64
}

// New returns a new Harness.
func New(cfg Config) *Harness {
	if cfg.Out == nil {
		cfg.Out = io.Discard
	}
	return &Harness{cfg: cfg}
}

// Mismatches returns the number of mismatches found so far.
func (h *Harness) Mismatches() uint64 {
	return h.mismatches.Load()
}

// String implements fmt.Stringer.
func (h *Harness) String() string {
	return fmt.Sprintf("%d inputs, %d accepted, %d mismatches", h.checked.Load(), h.accepted.Load(), h.mismatches.Load())
}

func (h *Harness) progress(in []byte) {
	if h.cfg.Progress != nil {
		h.cfg.Progress.Infof("%v; at %x", h, in)
	}
}

// Check compares one input and returns the number of leading bytes that
// determined the outcome.
func (h *Harness) Check(ctx context.Context, in []byte) (int, error) {
	return h.check(ctx, in, true)
}

func (h *Harness) check(ctx context.Context, in []byte, record bool) (int, error) {
	r := oracle.Compare(in, oracle.Options{MnemonicOnly: h.cfg.MnemonicOnly})
	h.checked.Add(1)
	if r.Accepted {
		h.accepted.Add(1)
	}
	if r.Mismatch == "" {
		return r.Len, nil
	}
	n := r.Len
	if r.RefLen > n {
		n = r.RefLen
	}
	if n > len(in) {
		n = len(in)
	}
	return r.Len, h.mismatch(ctx, in[:n], fmt.Sprintf("%s; ours %q, reference %q", r.Mismatch, r.Ours, r.Theirs), record)
}

func (h *Harness) mismatch(ctx context.Context, in []byte, why string, record bool) error {
	h.mismatches.Add(1)
	h.mu.Lock()
	fmt.Fprintf(h.cfg.Out, "%x: %s\n", in, why)
	h.mu.Unlock()
	if !record || h.cfg.Errors == nil {
		return nil
	}
	return h.cfg.Errors.Append(ctx, in)
}

// All enumerates inputs as a big-endian counter. After each input the
// counter advances by one at the last byte that affected the outcome and
// the bytes after it are cleared, so inputs differing only in ignored
// trailing bytes are visited once.
//
// Stride applies to the leading byte, not the lowest one: the leading byte
// starts at offset and advances by stride, so processes run with offsets 0
// through stride-1 partition the space.
func (h *Harness) All(ctx context.Context, stride, offset int) error {
	if stride < 1 || stride > 256 || offset < 0 || offset >= stride {
		return fmt.Errorf("bad stride %d and offset %d", stride, offset)
	}
	var in [InputLen]byte
	in[0] = byte(offset)
	for i := uint64(0); ; i++ {
		if i%progressEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			h.progress(in[:])
		}
		n, err := h.Check(ctx, in[:])
		if err != nil {
			return err
		}
		if !advance(&in, n, stride) {
			return nil
		}
	}
}

// advance moves in to the next input that differs in its first n bytes. It
// returns false when the leading byte overflows.
func advance(in *[InputLen]byte, n, stride int) bool {
	if n < 1 {
		n = 1
	}
	if n > InputLen {
		n = InputLen
	}
	for i := n; i < InputLen; i++ {
		in[i] = 0
	}
	for i := n - 1; i > 0; i-- {
		in[i]++
		if in[i] != 0 {
			return true
		}
	}
	v := int(in[0]) + stride
	if v > 0xff {
		return false
	}
	in[0] = byte(v)
	return true
}

// Random checks random inputs on workers goroutines until d has elapsed.
func (h *Harness) Random(ctx context.Context, d time.Duration, seed int64, workers int) error {
	if workers < 1 {
		workers = 1
	}
	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	g, gctx := errgroup.WithContext(tctx)
	for w := 0; w < workers; w++ {
		rng := rand.New(rand.NewSource(seed + int64(w)))
		g.Go(func() error {
			var in [InputLen]byte
			for i := 0; gctx.Err() == nil; i++ {
				rng.Read(in[:])
				if _, err := h.Check(gctx, in[:]); err != nil {
					return err
				}
				if w == 0 && i%progressEvery == 0 {
					h.progress(in[:])
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	// The deadline is the normal end; cancellation by the caller is not.
	return ctx.Err()
}

// Cases replays the errors file after sorting and deduping it. Inputs that
// still mismatch are reported but not recorded again.
func (h *Harness) Cases(ctx context.Context) error {
	if h.cfg.Errors == nil {
		return fmt.Errorf("no errors file")
	}
	inputs, err := h.cfg.Errors.Normalize(ctx)
	if err != nil {
		return err
	}
	log.Infof("Replaying %d inputs from %s", len(inputs), h.cfg.Errors.Path())
	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := h.check(ctx, in, false); err != nil {
			return err
		}
	}
	return nil
}

// Gen encodes perInsn random forms of every catalogue entry. Each encoding
// must decode back to its entry with the same length, and is then compared
// with the reference like any other input.
func (h *Harness) Gen(ctx context.Context, perInsn int, seed int64) error {
	rng := rand.New(rand.NewSource(seed))
	for _, d := range isa.Catalogue() {
		if err := ctx.Err(); err != nil {
			return err
		}
		for i := 0; i < perInsn; i++ {
			code, err := d.Encode(isa.RandomForm(rng, d))
			if err != nil {
				return fmt.Errorf("encoding %v: %w", d, err)
			}
			var in [InputLen]byte
			rng.Read(in[:])
			copy(in[:], code)
			inst, err := decode.Decode(in[:])
			switch {
			case err != nil:
				err = h.mismatch(ctx, code, fmt.Sprintf("encoding of %v rejected: %v", d, err), true)
			case inst.Insn != d || inst.Len != len(code):
				err = h.mismatch(ctx, code, fmt.Sprintf("encoding of %v decodes as %v, length %d", d, inst.Insn, inst.Len), true)
			default:
				_, err = h.Check(ctx, in[:])
			}
			if err != nil {
				return err
			}
		}
		h.progress(d.Opcode)
	}
	return nil
}
