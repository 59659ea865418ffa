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

// Package config provides the configuration shared by the vkernel tools.
package config

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"time"

	"vkernel.dev/vkernel/pkg/log"
)

// Config holds the configuration of a tool run. Fields with a flag tag are
// populated from the flag of that name by NewFromFlags.
type Config struct {
	// Debug enables debug logging.
	Debug bool `flag:"debug"`

	// LogFilename is the file to which logs are written. Empty means
	// stderr. %TIMESTAMP% and %COMMAND% are expanded.
	LogFilename string `flag:"log"`

	// LogFormat is the log format, "text" or "json".
	LogFormat string `flag:"log-format"`

	// ErrorsFile is the file that the test harness records mismatching
	// inputs in.
	ErrorsFile string `flag:"errors"`

	// Text makes the test harness compare normalized disassembly text in
	// addition to mnemonics and lengths. It is on by default.
	Text bool `flag:"text"`

	// Seed seeds the random test harness drivers.
	Seed int64 `flag:"seed"`

	// Workers is the number of goroutines used by parallel drivers. Zero
	// means one per CPU.
	Workers int `flag:"workers"`

	// Deadline bounds the random test harness driver.
	Deadline time.Duration `flag:"deadline"`
}

// validate checks the consistency of the configuration.
func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be text or json", c.LogFormat)
	}
	if c.Workers < 0 {
		return fmt.Errorf("invalid number of workers %d", c.Workers)
	}
	if c.Deadline <= 0 {
		return fmt.Errorf("invalid deadline %v", c.Deadline)
	}
	if c.ErrorsFile == "" {
		return fmt.Errorf("errors file must be set")
	}
	return nil
}

// Log logs the configuration at info level.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		if _, ok := f.Tag.Lookup("flag"); !ok {
			continue
		}
		log.Infof("\t%s: %s", f.Name, getVal(obj.Field(i)))
	}
}

// NewEmitter returns an emitter in the given format writing to w. JSON
// entries are tagged with command.
func NewEmitter(format, command string, w io.Writer) log.Emitter {
	if format == "json" {
		return log.JSONEmitter{Writer: &log.Writer{Next: w}, Command: command}
	}
	return log.GoogleEmitter{Writer: &log.Writer{Next: w}}
}

// SetupLogging points the global logger at the configured destination and
// level. command names the running command for the log file pattern. The
// returned function closes the log file, if any.
func (c *Config) SetupLogging(command string) (func() error, error) {
	if c.Debug {
		log.SetLevel(log.Debug)
	}
	var w io.Writer = os.Stderr
	closer := func() error { return nil }
	if c.LogFilename != "" {
		f, err := log.OpenFile(c.LogFilename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, log.PatternOpts{Command: command})
		if err != nil {
			return nil, fmt.Errorf("opening log file %q: %w", c.LogFilename, err)
		}
		w = f
		closer = f.Close
	}
	log.SetTarget(NewEmitter(c.LogFormat, command, w))
	return closer, nil
}
