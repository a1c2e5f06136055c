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
	"strconv"

	"github.com/google/subcommands"
)

func parseU64(f *flag.FlagSet, n int) uint64 {
	v, err := strconv.ParseUint(f.Arg(n), 0, 64)
	if err != nil {
		fatalf("argument %q: %v", f.Arg(n), err)
	}
	return v
}

// peekCmd implements subcommands.Command for the "peek" command.
type peekCmd struct{}

// Name implements subcommands.Command.Name.
func (*peekCmd) Name() string {
	return "peek"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*peekCmd) Synopsis() string {
	return "read a register from the simulated window"
}

// Usage implements subcommands.Command.Usage.
func (*peekCmd) Usage() string {
	return `peek <offset>

Reads the 32-bit register at the given window offset, bypassing the driver.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*peekCmd) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*peekCmd) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	e := args[0].(*env)
	off := parseU64(f, 0)
	fmt.Printf("%#x: %#x\n", off, e.hw.Space.Peek(off))
	return subcommands.ExitSuccess
}

// pokeCmd implements subcommands.Command for the "poke" command.
type pokeCmd struct{}

// Name implements subcommands.Command.Name.
func (*pokeCmd) Name() string {
	return "poke"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*pokeCmd) Synopsis() string {
	return "write a register in the simulated window"
}

// Usage implements subcommands.Command.Usage.
func (*pokeCmd) Usage() string {
	return `poke <offset> <value>

Writes the 32-bit register at the given window offset, bypassing the driver.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*pokeCmd) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*pokeCmd) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	e := args[0].(*env)
	off, v := parseU64(f, 0), parseU64(f, 1)
	e.hw.Space.Poke(off, uint32(v))
	fmt.Printf("%#x <- %#x\n", off, uint32(v))
	return subcommands.ExitSuccess
}
