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

	"github.com/google/subcommands"

	"github.com/akhilnarang/whyred/pkg/smmu"
	"github.com/akhilnarang/whyred/pkg/smmu/sim"
)

// faultCmd implements subcommands.Command for the "fault" command.
type faultCmd struct {
	fsr uint64
}

// Name implements subcommands.Command.Name.
func (*faultCmd) Name() string {
	return "fault"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*faultCmd) Synopsis() string {
	return "inject a context fault and run it through the fault path"
}

// Usage implements subcommands.Command.Usage.
func (*faultCmd) Usage() string {
	return `fault <device>

Attaches a domain for the named master, injects a fault through the restore
register, and services it end to end, printing what the handler saw.

OPTIONS:
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *faultCmd) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&c.fsr, "fsr", smmu.FSRTF, "fault status bits to inject")
}

// Execute implements subcommands.Command.Execute.
func (c *faultCmd) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	e := args[0].(*env)
	device := f.Arg(0)

	dom := smmu.NewDomain(smmu.Stage1, sim.NewAllocator(0x8000_0000))
	if err := dom.SetAttr(smmu.AttrNonFatalFaults, true); err != nil {
		fatalf("attrs: %v", err)
	}
	if err := dom.Attach(e.dev, device); err != nil {
		fatalf("attach %s: %v", device, err)
	}
	defer dom.Detach()

	dom.SetFaultHandler(func(iova uint64, flags smmu.FaultFlags) smmu.FaultStatus {
		fmt.Printf("fault: iova=%#x flags=%#x\n", iova, flags)
		return smmu.FaultHandled
	})
	e.hw.SetFaultDispatcher(func(bank uint32) {
		if err := e.dev.HandleContextFault(bank); err != nil {
			fmt.Printf("service bank %d: %v\n", bank, err)
		}
	})

	if err := dom.TriggerFault(uint32(c.fsr)); err != nil {
		fatalf("trigger: %v", err)
	}
	fmt.Println("fault serviced")
	return subcommands.ExitSuccess
}
