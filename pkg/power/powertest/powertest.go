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

// Package powertest provides fake clocks and regulators for driver tests
// and simulation.
package powertest

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Clock is a fake power.Clock recording its state.
type Clock struct {
	ClockName string

	// FailPrepare / FailEnable force the next matching call to fail.
	FailPrepare bool
	FailEnable  bool

	prepared atomic.Int64
	enabled  atomic.Int64
}

// Name implements power.Clock.Name.
func (c *Clock) Name() string { return c.ClockName }

// Prepare implements power.Clock.Prepare.
func (c *Clock) Prepare() error {
	if c.FailPrepare {
		return fmt.Errorf("clock %s: prepare failed", c.ClockName)
	}
	c.prepared.Add(1)
	return nil
}

// Unprepare implements power.Clock.Unprepare.
func (c *Clock) Unprepare() { c.prepared.Add(-1) }

// Enable implements power.Clock.Enable.
func (c *Clock) Enable() error {
	if c.FailEnable {
		return fmt.Errorf("clock %s: enable failed", c.ClockName)
	}
	c.enabled.Add(1)
	return nil
}

// Disable implements power.Clock.Disable.
func (c *Clock) Disable() { c.enabled.Add(-1) }

// Prepared returns the net prepare count.
func (c *Clock) Prepared() int64 { return c.prepared.Load() }

// Enabled returns the net enable count.
func (c *Clock) Enabled() int64 { return c.enabled.Load() }

// Regulator is a fake power.Regulator.
type Regulator struct {
	FailEnable bool

	enabled  atomic.Int64
	deferred atomic.Int64
}

// Enable implements power.Regulator.Enable.
func (r *Regulator) Enable() error {
	if r.FailEnable {
		return fmt.Errorf("regulator: enable failed")
	}
	r.enabled.Add(1)
	return nil
}

// Disable implements power.Regulator.Disable.
func (r *Regulator) Disable() error {
	r.enabled.Add(-1)
	return nil
}

// DisableDeferred implements power.Regulator.DisableDeferred. The fake
// disables immediately and counts the deferral.
func (r *Regulator) DisableDeferred(time.Duration) error {
	r.deferred.Add(1)
	return r.Disable()
}

// Enabled returns the net enable count.
func (r *Regulator) Enabled() int64 { return r.enabled.Load() }

// Bus is a fake power.BusScaler.
type Bus struct {
	active atomic.Int64
}

// Request implements power.BusScaler.Request.
func (b *Bus) Request(active bool) error {
	if active {
		b.active.Add(1)
	} else {
		b.active.Add(-1)
	}
	return nil
}

// Active returns the net active-vote count.
func (b *Bus) Active() int64 { return b.active.Load() }
