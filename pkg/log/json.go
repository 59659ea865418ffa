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
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Entry is one line of JSON output.
type Entry struct {
	Time    time.Time `json:"time"`
	Level   Level     `json:"level"`
	Command string    `json:"command,omitempty"`
	Caller  string    `json:"caller,omitempty"`
	Msg     string    `json:"msg"`
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	switch l {
	case Warning, Info, Debug:
		return []byte(strings.ToLower(l.String())), nil
	default:
		return nil, fmt.Errorf("unknown level %d", uint32(l))
	}
}

// UnmarshalJSON implements json.Unmarshaler. It accepts both the level
// names and their numeric values.
func (l *Level) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return l.UnmarshalText([]byte(s))
	}
	var n uint32
	if err := json.Unmarshal(b, &n); err != nil || n > uint32(Debug) {
		return fmt.Errorf("unknown level %s", b)
	}
	*l = Level(n)
	return nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(b []byte) error {
	switch s := string(b); s {
	case "warning":
		*l = Warning
	case "info":
		*l = Info
	case "debug":
		*l = Debug
	default:
		return fmt.Errorf("unknown level %q", s)
	}
	return nil
}

// JSONEmitter emits one Entry per line.
type JSONEmitter struct {
	*Writer

	// Command, if set, tags every entry with the running command.
	Command string
}

// Emit implements Emitter.Emit.
func (e JSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	entry := Entry{
		Time:    timestamp,
		Level:   level,
		Command: e.Command,
		Msg:     fmt.Sprintf(format, v...),
	}
	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		if slash := strings.LastIndexByte(file, '/'); slash >= 0 {
			file = file[slash+1:]
		}
		entry.Caller = fmt.Sprintf("%s:%d", file, line)
	}
	b, err := json.Marshal(&entry)
	if err != nil {
		panic(err)
	}
	e.Writer.Write(append(b, '\n'))
}
