// Copyright 2025 The Whyred Authors.
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
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// throttledLogger bounds the rate of another Logger with a token bucket.
// Lines over budget are dropped and counted; the count is reported with the
// next line that gets through, so a storm still leaves a trace of its size.
type throttledLogger struct {
	logger  Logger
	limit   *rate.Limiter
	dropped atomic.Uint64
}

func (t *throttledLogger) emit(logf func(format string, v ...any), format string, v ...any) {
	if !t.limit.Allow() {
		t.dropped.Add(1)
		return
	}
	if n := t.dropped.Swap(0); n > 0 {
		t.logger.Warningf("(%d log lines suppressed)", n)
	}
	logf(format, v...)
}

// Debugf implements Logger.Debugf.
func (t *throttledLogger) Debugf(format string, v ...any) { t.emit(t.logger.Debugf, format, v...) }

// Infof implements Logger.Infof.
func (t *throttledLogger) Infof(format string, v ...any) { t.emit(t.logger.Infof, format, v...) }

// Warningf implements Logger.Warningf.
func (t *throttledLogger) Warningf(format string, v ...any) {
	t.emit(t.logger.Warningf, format, v...)
}

// IsLogging implements Logger.IsLogging.
func (t *throttledLogger) IsLogging(level Level) bool {
	return t.logger.IsLogging(level)
}

// RateLimitedLogger returns a Logger forwarding at most burst lines per
// every interval to logger, dropping and counting the excess. Fault service
// wraps its logging in one so a wedged master cannot flood the log.
func RateLimitedLogger(logger Logger, every time.Duration, burst int) Logger {
	if burst < 1 {
		burst = 1
	}
	return &throttledLogger{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), burst),
	}
}
