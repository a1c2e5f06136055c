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

// Package mmio abstracts a device register window.
//
// The driver core performs all hardware access through Space, so the same
// code runs against a mapped physical window or a RAM-backed simulation.
package mmio

import (
	"encoding/binary"
	"fmt"

	"github.com/akhilnarang/whyred/pkg/sync"
)

// Space is a little-endian register window. Offsets are byte offsets from
// the window base and must be naturally aligned for the access width.
type Space interface {
	// Read32 reads the 32-bit register at off.
	Read32(off uint64) uint32

	// Write32 writes the 32-bit register at off.
	Write32(off uint64, v uint32)

	// Read64 reads the 64-bit register at off.
	Read64(off uint64) uint64

	// Write64 writes the 64-bit register at off.
	Write64(off uint64, v uint64)

	// Size returns the window size in bytes.
	Size() uint64
}

// ReadHook observes or overrides a register read. It receives the value
// backing RAM would return and returns the value the caller sees. Hooks run
// outside the space lock, so they may Peek and Poke other registers.
type ReadHook func(off uint64, width int, v uint64) uint64

// WriteHook observes a register write before it lands in backing RAM. It
// returns false to swallow the write. Hooks run outside the space lock, so
// they may Peek and Poke other registers.
type WriteHook func(off uint64, width int, v uint64) bool

// RAMSpace is a Space backed by ordinary memory, with optional hooks for
// simulating register side effects. The zero value of every register is 0.
type RAMSpace struct {
	// mu serializes all accesses. Real register access is device-ordered;
	// the simulation gets the same property from a lock.
	mu sync.SpinLock

	mem []byte

	// OnRead, if non-nil, is consulted on every read.
	OnRead ReadHook

	// OnWrite, if non-nil, is consulted on every write.
	OnWrite WriteHook
}

// NewRAMSpace returns a RAMSpace of the given size.
func NewRAMSpace(size uint64) *RAMSpace {
	return &RAMSpace{mem: make([]byte, size)}
}

func (s *RAMSpace) check(off uint64, width int) {
	if off+uint64(width) > uint64(len(s.mem)) || off%uint64(width) != 0 {
		panic(fmt.Sprintf("mmio: bad %d-byte access at %#x (window %#x)", width, off, len(s.mem)))
	}
}

// Read32 implements Space.Read32.
func (s *RAMSpace) Read32(off uint64) uint32 {
	s.check(off, 4)
	s.mu.Lock()
	v := uint64(binary.LittleEndian.Uint32(s.mem[off:]))
	s.mu.Unlock()
	if s.OnRead != nil {
		v = s.OnRead(off, 4, v)
	}
	return uint32(v)
}

// Write32 implements Space.Write32.
func (s *RAMSpace) Write32(off uint64, v uint32) {
	s.check(off, 4)
	if s.OnWrite != nil && !s.OnWrite(off, 4, uint64(v)) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	binary.LittleEndian.PutUint32(s.mem[off:], v)
}

// Read64 implements Space.Read64.
func (s *RAMSpace) Read64(off uint64) uint64 {
	s.check(off, 8)
	s.mu.Lock()
	v := binary.LittleEndian.Uint64(s.mem[off:])
	s.mu.Unlock()
	if s.OnRead != nil {
		v = s.OnRead(off, 8, v)
	}
	return v
}

// Write64 implements Space.Write64.
func (s *RAMSpace) Write64(off uint64, v uint64) {
	s.check(off, 8)
	if s.OnWrite != nil && !s.OnWrite(off, 8, v) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	binary.LittleEndian.PutUint64(s.mem[off:], v)
}

// Size implements Space.Size.
func (s *RAMSpace) Size() uint64 {
	return uint64(len(s.mem))
}

// Poke writes backing RAM directly, bypassing hooks. Simulations use it to
// pre-program register state (e.g. firmware-configured stream matches).
func (s *RAMSpace) Poke(off uint64, v uint32) {
	s.check(off, 4)
	s.mu.Lock()
	defer s.mu.Unlock()
	binary.LittleEndian.PutUint32(s.mem[off:], v)
}

// Peek reads backing RAM directly, bypassing hooks.
func (s *RAMSpace) Peek(off uint64) uint32 {
	s.check(off, 4)
	s.mu.Lock()
	defer s.mu.Unlock()
	return binary.LittleEndian.Uint32(s.mem[off:])
}
