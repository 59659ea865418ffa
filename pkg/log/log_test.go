// Copyright 2018 The gVisor Authors.
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

package log

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type testWriter struct {
	lines []string
	fail  bool
	limit int
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	if w.limit > 0 && len(w.lines) >= w.limit {
		return len(bytes), nil
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	expected := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if len(tw.lines) != len(expected) {
		t.Fatalf("Writer should have logged %d lines, got: %v, expected: %v", len(expected), tw.lines, expected)
	}
	for i, l := range tw.lines {
		if l != expected[i] {
			t.Fatalf("line %d doesn't match, got: %v, expected: %v", i, l, expected[i])
		}
	}
}

func TestCaller(t *testing.T) {
	tw := &testWriter{}
	e := GoogleEmitter{
		Writer: &Writer{
			Next: tw,
		},
	}
	bl := &BasicLogger{
		Emitter: e,
		Level:   Debug,
	}
	bl.Debugf("testing...\n") // Just for file/line.
	if len(tw.lines) != 1 {
		t.Errorf("expected 1 line, got %d", len(tw.lines))
	}
	if !strings.Contains(tw.lines[0], "log_test.go") {
		t.Errorf("expected log_test.go, got %q", tw.lines[0])
	}
}

func BenchmarkGoogleLogging(b *testing.B) {
	tw := &testWriter{
		limit: 1, // Only record one message.
	}
	e := GoogleEmitter{
		Writer: &Writer{
			Next: tw,
		},
	}
	bl := &BasicLogger{
		Emitter: e,
		Level:   Debug,
	}
	for i := 0; i < b.N; i++ {
		bl.Debugf("hello %d, %d, %d", 1, 2, 3)
	}
}

func TestLevelFiltering(t *testing.T) {
	tw := &testWriter{}
	bl := &BasicLogger{
		Emitter: GoogleEmitter{Writer: &Writer{Next: tw}},
		Level:   Info,
	}
	bl.Debugf("hidden")
	bl.Infof("shown")
	bl.Warningf("shown too")
	if len(tw.lines) != 2 {
		t.Errorf("got lines %q, want 2 lines", tw.lines)
	}
	bl.SetLevel(Debug)
	if !bl.IsLogging(Debug) {
		t.Errorf("IsLogging(Debug) = false after SetLevel(Debug)")
	}
}

func TestWriterTerminatesLines(t *testing.T) {
	tw := &testWriter{}
	w := &Writer{Next: tw}
	w.Emit(0, Info, time.Now(), "no newline %d", 1)
	if want := []string{"no newline 1", "\n"}; strings.Join(tw.lines, "|") != strings.Join(want, "|") {
		t.Errorf("got writes %q, want %q", tw.lines, want)
	}
}

func TestRateLimitedLogger(t *testing.T) {
	tw := &testWriter{}
	bl := &BasicLogger{
		Emitter: GoogleEmitter{Writer: &Writer{Next: tw}},
		Level:   Info,
	}
	rl := RateLimitedLogger(bl, time.Hour)
	for i := 0; i < 10; i++ {
		rl.Infof("progress %d", i)
	}
	if len(tw.lines) != 1 {
		t.Fatalf("got %d lines through a limiter with burst 1, want 1", len(tw.lines))
	}
	if !strings.HasSuffix(tw.lines[0], "progress 0\n") {
		t.Errorf("line %q is not the first message", tw.lines[0])
	}
	if got := rl.Suppressed(); got != 9 {
		t.Errorf("Suppressed() = %d, want 9", got)
	}

	// Messages below the level are not counted as suppressed.
	rl.Debugf("hidden")
	if got := rl.Suppressed(); got != 9 {
		t.Errorf("Suppressed() after a filtered message = %d, want 9", got)
	}
}

func TestRateLimitedReportsSuppressed(t *testing.T) {
	tw := &testWriter{}
	bl := &BasicLogger{
		Emitter: GoogleEmitter{Writer: &Writer{Next: tw}},
		Level:   Info,
	}
	rl := RateLimitedLogger(bl, time.Millisecond)
	rl.Infof("first")
	rl.Infof("dropped")
	time.Sleep(5 * time.Millisecond)
	rl.Infof("second")
	if len(tw.lines) != 2 {
		t.Fatalf("got lines %q, want 2", tw.lines)
	}
	if !strings.HasSuffix(tw.lines[1], "second (1 suppressed)\n") {
		t.Errorf("line %q does not account for the dropped message", tw.lines[1])
	}
	if got := rl.Suppressed(); got != 0 {
		t.Errorf("Suppressed() = %d after an emitted message, want 0", got)
	}
}

func TestOpenFile(t *testing.T) {
	dir := t.TempDir()
	opts := PatternOpts{Command: "rnd", Now: time.Unix(0, 42)}
	f, err := OpenFile(filepath.Join(dir, "sub", "%COMMAND%-%TIMESTAMP%.log"), os.O_CREATE|os.O_WRONLY, opts)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	defer f.Close()
	if got, want := filepath.Base(f.Name()), "rnd-42.log"; got != want {
		t.Errorf("log file name = %q, want %q", got, want)
	}
	if f, err := OpenFile("", os.O_CREATE, opts); f != nil || err != nil {
		t.Errorf("OpenFile(\"\") = (%v, %v), want (nil, nil)", f, err)
	}
}
