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

package main

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"github.com/google/subcommands"

	"github.com/akhilnarang/whyred/pkg/smmu"
)

// infoCmd implements subcommands.Command for the "info" command.
type infoCmd struct{}

// Name implements subcommands.Command.Name.
func (*infoCmd) Name() string {
	return "info"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*infoCmd) Synopsis() string {
	return "print the probed device geometry, features, and bindings"
}

// Usage implements subcommands.Command.Usage.
func (*infoCmd) Usage() string {
	return `info

Prints what the driver probed from the instance: context banks, mapping
groups, features, firmware bindings, and registered masters.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*infoCmd) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*infoCmd) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	e := args[0].(*env)
	d := e.dev

	var feats []string
	for _, fd := range []struct {
		f    smmu.Feature
		name string
	}{
		{smmu.FeatStage1, "stage1"},
		{smmu.FeatStage2, "stage2"},
		{smmu.FeatNested, "nested"},
		{smmu.FeatStreamMatch, "stream-match"},
		{smmu.FeatCoherentWalk, "coherent-walk"},
		{smmu.FeatTransOps, "trans-ops"},
	} {
		if d.HasFeature(fd.f) {
			feats = append(feats, fd.name)
		}
	}

	fmt.Printf("device:         %s\n", d.Name())
	fmt.Printf("context banks:  %d\n", d.NumContextBanks())
	fmt.Printf("mapping groups: %d\n", d.NumMappingGroups())
	fmt.Printf("page sizes:     %#x\n", d.PageSizes())
	fmt.Printf("features:       %s\n", strings.Join(feats, ", "))

	for _, s := range d.StaticEntries() {
		fmt.Printf("static: sid=%d smr=%d cb=%d type=%d\n", s.SID, s.SMRIdx, s.ContextIdx, s.Type)
	}
	for _, m := range e.topo.Masters {
		fmt.Printf("master: %s sids=%v\n", m.DeviceID, m.StreamIDs)
	}
	return subcommands.ExitSuccess
}
