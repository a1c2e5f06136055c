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

// smmuctl is a diagnostics tool that drives the SMMU driver against a
// simulated register file described by a YAML topology.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/akhilnarang/whyred/pkg/log"
	"github.com/akhilnarang/whyred/pkg/power"
	"github.com/akhilnarang/whyred/pkg/smmu"
	"github.com/akhilnarang/whyred/pkg/smmu/sim"
)

var (
	configPath = flag.String("config", "", "path to the YAML topology describing the instance")
	debug      = flag.Bool("debug", false, "enable debug logging")
)

// env is the shared state handed to every subcommand.
type env struct {
	topo *sim.Topology
	hw   *sim.Hardware
	dev  *smmu.Device
}

// buildEnv loads the topology, builds the simulated register file, and
// probes a device over it, registering the topology's masters.
func buildEnv(path string) (*env, error) {
	if path == "" {
		return nil, fmt.Errorf("-config is required")
	}
	topo, err := sim.LoadTopology(path)
	if err != nil {
		return nil, err
	}
	hw, err := sim.New(topo)
	if err != nil {
		return nil, err
	}
	dev, err := smmu.New(smmu.Config{
		Name:  topo.Name,
		Space: hw.Space,
		Gate:  power.NewGate(power.Options{}),
		// The simulated window is zeroed by a collapse, so the device
		// needs the software snapshot for powercycle to round-trip.
		Options: smmu.OptRegisterSave,
	})
	if err != nil {
		return nil, err
	}
	for _, m := range topo.Masters {
		if _, err := dev.RegisterMaster(m.DeviceID, m.StreamIDs); err != nil {
			return nil, fmt.Errorf("master %s: %w", m.DeviceID, err)
		}
	}
	return &env{topo: topo, hw: hw, dev: dev}, nil
}

// fatalf prints an error and exits. Subcommand helpers use it for argument
// and environment failures.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "smmuctl: "+format+"\n", args...)
	os.Exit(int(subcommands.ExitFailure))
}

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(infoCmd), "")
	subcommands.Register(new(peekCmd), "")
	subcommands.Register(new(pokeCmd), "")
	subcommands.Register(new(translateCmd), "")
	subcommands.Register(new(faultCmd), "")
	subcommands.Register(new(powerCycleCmd), "")

	flag.Parse()
	if *debug {
		log.SetLevel(log.Debug)
	}

	e, err := buildEnv(*configPath)
	if err != nil {
		fatalf("%v", err)
	}
	os.Exit(int(subcommands.Execute(context.Background(), e)))
}
