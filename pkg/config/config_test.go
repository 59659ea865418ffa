// Copyright 2020 The gVisor Authors.
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

package config

import (
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"vkernel.dev/vkernel/pkg/log"
)

func parse(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse(%v) failed: %v", args, err)
	}
	return NewFromFlags(fs)
}

func TestDefaults(t *testing.T) {
	c, err := parse(t)
	if err != nil {
		t.Fatalf("NewFromFlags failed: %v", err)
	}
	want := &Config{
		LogFormat:  "text",
		ErrorsFile: "errors",
		Text:       true,
		Seed:       1,
		Deadline:   5 * time.Minute,
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("NewFromFlags mismatch (-want +got):\n%s", diff)
	}
	if got := c.ToFlags(); len(got) != 0 {
		t.Errorf("ToFlags() = %v, want none for defaults", got)
	}
}

func TestToFlags(t *testing.T) {
	c, err := parse(t, "-debug", "-log-format=json", "-text=false", "-seed=7", "-deadline=1s")
	if err != nil {
		t.Fatalf("NewFromFlags failed: %v", err)
	}
	want := []string{"--debug=true", "--log-format=json", "--text=false", "--seed=7", "--deadline=1s"}
	if diff := cmp.Diff(want, c.ToFlags()); diff != "" {
		t.Errorf("ToFlags mismatch (-want +got):\n%s", diff)
	}
}

func TestValidate(t *testing.T) {
	for _, args := range [][]string{
		{"-log-format=xml"},
		{"-workers=-1"},
		{"-deadline=0s"},
		{"-errors="},
	} {
		if _, err := parse(t, args...); err == nil {
			t.Errorf("NewFromFlags(%v) succeeded", args)
		}
	}
}

func TestSetupLogging(t *testing.T) {
	old := log.Log()
	t.Cleanup(func() {
		log.SetTarget(old.Emitter)
		log.SetLevel(old.Level)
	})

	path := filepath.Join(t.TempDir(), "%COMMAND%.log")
	c, err := parse(t, "-debug", "-log="+path, "-log-format=json")
	if err != nil {
		t.Fatalf("NewFromFlags failed: %v", err)
	}
	closeLog, err := c.SetupLogging("verify")
	if err != nil {
		t.Fatalf("SetupLogging failed: %v", err)
	}
	log.Debugf("hello %d", 42)
	if err := closeLog(); err != nil {
		t.Fatalf("closing log failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(filepath.Dir(path), "verify.log"))
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	var e log.Entry
	if err := json.Unmarshal(data, &e); err != nil {
		t.Fatalf("log file %q is not one JSON entry: %v", data, err)
	}
	if e.Msg != "hello 42" || e.Command != "verify" || e.Level != log.Debug {
		t.Errorf("log entry = %+v, want debug message \"hello 42\" from verify", e)
	}
}
