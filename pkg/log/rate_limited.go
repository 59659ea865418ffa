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
	"time"

	"golang.org/x/time/rate"

	"vkernel.dev/vkernel/pkg/atomicbitops"
)

// RateLimited is a Logger that emits at most one message per interval and
// drops the rest. The next message emitted after a drop notes how many were
// dropped.
type RateLimited struct {
	logger     Logger
	limit      *rate.Limiter
	suppressed atomicbitops.Uint64
}

// RateLimitedLogger returns a Logger that logs to logger at most once per
// every.
func RateLimitedLogger(logger Logger, every time.Duration) *RateLimited {
	return &RateLimited{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), 1),
	}
}

// BasicRateLimitedLogger returns a rate limited wrapper of the global logger.
func BasicRateLimitedLogger(every time.Duration) *RateLimited {
	return RateLimitedLogger(Log(), every)
}

// Suppressed returns the number of messages dropped since the last one that
// was emitted.
func (rl *RateLimited) Suppressed() uint64 {
	return rl.suppressed.Load()
}

// allow reports whether a message may be emitted now and, if so, returns
// the suffix that accounts for dropped messages.
func (rl *RateLimited) allow(level Level) (string, bool) {
	if !rl.logger.IsLogging(level) {
		return "", false
	}
	if !rl.limit.Allow() {
		rl.suppressed.Add(1)
		return "", false
	}
	if n := rl.suppressed.Swap(0); n > 0 {
		return fmt.Sprintf(" (%d suppressed)", n), true
	}
	return "", true
}

// Debugf implements Logger.Debugf.
func (rl *RateLimited) Debugf(format string, v ...any) {
	if suffix, ok := rl.allow(Debug); ok {
		rl.logger.Debugf("%s%s", fmt.Sprintf(format, v...), suffix)
	}
}

// Infof implements Logger.Infof.
func (rl *RateLimited) Infof(format string, v ...any) {
	if suffix, ok := rl.allow(Info); ok {
		rl.logger.Infof("%s%s", fmt.Sprintf(format, v...), suffix)
	}
}

// Warningf implements Logger.Warningf.
func (rl *RateLimited) Warningf(format string, v ...any) {
	if suffix, ok := rl.allow(Warning); ok {
		rl.logger.Warningf("%s%s", fmt.Sprintf(format, v...), suffix)
	}
}

// IsLogging implements Logger.IsLogging.
func (rl *RateLimited) IsLogging(level Level) bool {
	return rl.logger.IsLogging(level)
}
