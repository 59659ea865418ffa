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

package harness

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gofrs/flock"
	"vkernel.dev/vkernel/pkg/sync"
)

// ErrorsFile is the line-delimited hex file of inputs on which the decoder
// and the reference disagreed. Several harness processes may share it; every
// access holds an exclusive flock.
type ErrorsFile struct {
	path string

	// mu serializes users within this process, which the flock does not.
	mu   sync.Mutex
	lock *flock.Flock
}

// NewErrorsFile returns the errors file at path. The file is created on
// first append.
func NewErrorsFile(path string) *ErrorsFile {
	return &ErrorsFile{
		path: path,
		lock: flock.New(path + ".lock"),
	}
}

// Path returns the path of the file.
func (f *ErrorsFile) Path() string {
	return f.path
}

// withLock runs fn holding the lock, retrying acquisition until ctx is
// done.
func (f *ErrorsFile) withLock(ctx context.Context, fn func() error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	op := func() error {
		ok, err := f.lock.TryLock()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("locking %q: %w", f.lock.Path(), err))
		}
		if !ok {
			return fmt.Errorf("%q is locked", f.lock.Path())
		}
		return nil
	}
	b := backoff.WithContext(backoff.NewConstantBackOff(10*time.Millisecond), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return err
	}
	defer f.lock.Unlock()
	return fn()
}

// Append records input.
func (f *ErrorsFile) Append(ctx context.Context, input []byte) error {
	return f.withLock(ctx, func() error {
		w, err := os.OpenFile(f.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%x\n", input); err != nil {
			w.Close()
			return err
		}
		return w.Close()
	})
}

// Normalize sorts and dedupes the file in place and returns its inputs.
// Blank lines are dropped. A missing file holds no inputs.
func (f *ErrorsFile) Normalize(ctx context.Context) ([][]byte, error) {
	var inputs [][]byte
	err := f.withLock(ctx, func() error {
		data, err := os.ReadFile(f.path)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		inputs, err = parseInputs(data)
		if err != nil {
			return fmt.Errorf("%s: %w", f.path, err)
		}
		var out bytes.Buffer
		for _, in := range inputs {
			fmt.Fprintf(&out, "%x\n", in)
		}
		tmp := f.path + ".tmp"
		if err := os.WriteFile(tmp, out.Bytes(), 0644); err != nil {
			return err
		}
		return os.Rename(tmp, f.path)
	})
	return inputs, err
}

// parseInputs parses hex lines, returning them sorted and deduped.
func parseInputs(data []byte) ([][]byte, error) {
	seen := make(map[string]bool)
	var lines []string
	s := bufio.NewScanner(bytes.NewReader(data))
	for n := 1; s.Scan(); n++ {
		line := strings.ToLower(strings.TrimSpace(s.Text()))
		if line == "" || seen[line] {
			continue
		}
		if _, err := hex.DecodeString(line); err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		seen[line] = true
		lines = append(lines, line)
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	sort.Strings(lines)
	inputs := make([][]byte, 0, len(lines))
	for _, line := range lines {
		b, _ := hex.DecodeString(line)
		inputs = append(inputs, b)
	}
	return inputs, nil
}
