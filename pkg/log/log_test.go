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
	"sync"
	"testing"
	"time"
)

type countingEmitter struct {
	mu    sync.Mutex
	lines int
}

func (e *countingEmitter) Emit(level Level, timestamp time.Time, format string, v ...any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lines++
}

func (e *countingEmitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lines
}

func TestLevelFiltering(t *testing.T) {
	e := &countingEmitter{}
	l := &BasicLogger{Level: Warning, Emitter: e}

	l.Debugf("dropped")
	l.Infof("dropped")
	l.Warningf("kept")
	if got := e.count(); got != 1 {
		t.Errorf("emitted %d lines at warning level, want 1", got)
	}

	l.SetLevel(Debug)
	l.Debugf("kept")
	if got := e.count(); got != 2 {
		t.Errorf("emitted %d lines after raising level, want 2", got)
	}
	if !l.IsLogging(Debug) {
		t.Error("IsLogging(Debug) false at debug level")
	}
}

func TestRateLimitedLogger(t *testing.T) {
	e := &countingEmitter{}
	l := RateLimitedLogger(&BasicLogger{Level: Warning, Emitter: e}, time.Hour, 1)

	for i := 0; i < 100; i++ {
		l.Warningf("flood")
	}
	if got := e.count(); got != 1 {
		t.Errorf("emitted %d lines in one window, want 1", got)
	}
}

func TestRateLimitedLoggerBurst(t *testing.T) {
	e := &countingEmitter{}
	l := RateLimitedLogger(&BasicLogger{Level: Warning, Emitter: e}, time.Hour, 3)

	for i := 0; i < 100; i++ {
		l.Warningf("flood")
	}
	if got := e.count(); got != 3 {
		t.Errorf("emitted %d lines with burst 3, want 3", got)
	}
}
