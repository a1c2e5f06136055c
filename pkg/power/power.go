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

// Package power gates register access behind reference-counted clock and
// regulator state.
//
// Every hardware register access in the driver must happen with the gate
// held. Acquire may sleep (regulator and bus votes); AcquireClocks only
// toggles already-prepared clocks and is safe from non-blocking contexts.
package power

import (
	"errors"
	"fmt"
	"time"

	"github.com/akhilnarang/whyred/pkg/log"
	"github.com/akhilnarang/whyred/pkg/sync"
)

// ErrUnbalanced is returned when a release has no matching acquire.
var ErrUnbalanced = errors.New("unbalanced power release")

// Clock is one gateable clock. Prepare may sleep; Enable and Disable must
// not.
type Clock interface {
	Name() string
	Prepare() error
	Unprepare()
	Enable() error
	Disable()
}

// Regulator is the power rail feeding the device.
type Regulator interface {
	Enable() error
	Disable() error

	// DisableDeferred requests a disable after the given delay, used to
	// debounce rapid detach/attach cycles.
	DisableDeferred(d time.Duration) error
}

// BusScaler carries the bus-bandwidth vote taken while powered.
type BusScaler interface {
	Request(active bool) error
}

// Gate is the reference-counted power/clock gate for one device instance.
type Gate struct {
	clocks         []Clock
	regulator      Regulator // may be nil
	bus            BusScaler // may be nil
	regulatorDefer time.Duration

	// powerMu protects powerCount and the rail/bus/prepare state.
	powerMu    sync.Mutex
	powerCount int

	// clockMu protects clockRefs and the enable state of the clocks. It
	// is spinlock class: held only across clock toggling.
	clockMu   sync.SpinLock
	clockRefs int
}

// Options configures a Gate.
type Options struct {
	Clocks         []Clock
	Regulator      Regulator
	Bus            BusScaler
	RegulatorDefer time.Duration
}

// NewGate returns a Gate over the given resources. All clocks start
// unprepared and disabled.
func NewGate(opts Options) *Gate {
	return &Gate{
		clocks:         opts.Clocks,
		regulator:      opts.Regulator,
		bus:            opts.Bus,
		regulatorDefer: opts.RegulatorDefer,
	}
}

// prepareClocks prepares every clock in registration order, unwinding on
// failure.
func (g *Gate) prepareClocks() error {
	for i, c := range g.clocks {
		if err := c.Prepare(); err != nil {
			for j := i - 1; j >= 0; j-- {
				g.clocks[j].Unprepare()
			}
			return fmt.Errorf("prepare clock %s: %w", c.Name(), err)
		}
	}
	return nil
}

func (g *Gate) unprepareClocks() {
	for i := len(g.clocks) - 1; i >= 0; i-- {
		g.clocks[i].Unprepare()
	}
}

// PowerOn takes a power vote: on the 0->1 transition it enables the rail,
// requests bus bandwidth, and prepares every clock; a failure unwinds
// everything already enabled.
func (g *Gate) PowerOn() error {
	g.powerMu.Lock()
	defer g.powerMu.Unlock()
	if g.powerCount > 0 {
		g.powerCount++
		return nil
	}

	if g.regulator != nil {
		if err := g.regulator.Enable(); err != nil {
			return fmt.Errorf("regulator enable: %w", err)
		}
	}
	if g.bus != nil {
		if err := g.bus.Request(true); err != nil {
			if g.regulator != nil {
				g.regulator.Disable()
			}
			return fmt.Errorf("bus request: %w", err)
		}
	}
	if err := g.prepareClocks(); err != nil {
		if g.bus != nil {
			g.bus.Request(false)
		}
		if g.regulator != nil {
			g.regulator.Disable()
		}
		return err
	}
	g.powerCount = 1
	return nil
}

// PowerOff drops a power vote, tearing down in reverse order on the 1->0
// transition. An unmatched release warns and returns ErrUnbalanced.
func (g *Gate) PowerOff() error {
	g.powerMu.Lock()
	defer g.powerMu.Unlock()
	switch {
	case g.powerCount == 0:
		log.Warningf("power: mismatched power count")
		return ErrUnbalanced
	case g.powerCount > 1:
		g.powerCount--
		return nil
	}

	g.unprepareClocks()
	if g.bus != nil {
		if err := g.bus.Request(false); err != nil {
			log.Warningf("power: bus unrequest failed: %v", err)
		}
	}
	if g.regulator != nil {
		var err error
		if g.regulatorDefer > 0 {
			err = g.regulator.DisableDeferred(g.regulatorDefer)
		} else {
			err = g.regulator.Disable()
		}
		if err != nil {
			log.Warningf("power: regulator disable failed: %v", err)
		}
	}
	g.powerCount = 0
	return nil
}

// AcquireClocks enables the (already prepared) clocks, reference counted.
// It never sleeps and is the only acquire permitted from non-blocking
// contexts.
func (g *Gate) AcquireClocks() error {
	g.clockMu.Lock()
	defer g.clockMu.Unlock()
	if g.clockRefs > 0 {
		g.clockRefs++
		return nil
	}
	for i, c := range g.clocks {
		if err := c.Enable(); err != nil {
			for j := i - 1; j >= 0; j-- {
				g.clocks[j].Disable()
			}
			return fmt.Errorf("enable clock %s: %w", c.Name(), err)
		}
	}
	g.clockRefs = 1
	return nil
}

// ReleaseClocks drops a clock reference, disabling the clocks in reverse
// order on the last release.
func (g *Gate) ReleaseClocks() {
	g.clockMu.Lock()
	defer g.clockMu.Unlock()
	if g.clockRefs == 0 {
		log.Warningf("power: mismatched clock refs")
		return
	}
	if g.clockRefs--; g.clockRefs > 0 {
		return
	}
	for i := len(g.clocks) - 1; i >= 0; i-- {
		g.clocks[i].Disable()
	}
}

// Acquire powers the device and enables its clocks. Register access is
// legal until the matching Release.
func (g *Gate) Acquire() error {
	if err := g.PowerOn(); err != nil {
		return err
	}
	if err := g.AcquireClocks(); err != nil {
		g.PowerOff()
		return err
	}
	return nil
}

// Release undoes Acquire.
func (g *Gate) Release() {
	g.ReleaseClocks()
	g.PowerOff()
}

// Held reports whether any power vote is outstanding. Test hook.
func (g *Gate) Held() bool {
	g.powerMu.Lock()
	defer g.powerMu.Unlock()
	return g.powerCount > 0
}
