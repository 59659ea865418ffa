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
	"os"
	"time"

	"golang.org/x/term"
	"vkernel.dev/vkernel/pkg/log"
)

// TerminalProgress returns a logger for progress reports that logs at most
// once per every, or nil if f is not a terminal. Progress in a log file
// is noise.
func TerminalProgress(f *os.File, every time.Duration) log.Logger {
	if !term.IsTerminal(int(f.Fd())) {
		return nil
	}
	return log.BasicRateLimitedLogger(every)
}
