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

// Package securetest provides a recording fake Hypervisor.
package securetest

import (
	"fmt"

	"github.com/akhilnarang/whyred/pkg/secure"
	"github.com/akhilnarang/whyred/pkg/sync"
)

// Call records one AssignPhys invocation.
type Call struct {
	Phys      uint64
	Size      uint64
	SrcVMIDs  []secure.VMID
	DestVMIDs []secure.VMID
	DestPerms []secure.Perm
}

// Hypervisor is a fake secure.Hypervisor recording every call.
type Hypervisor struct {
	// FailAfter, if > 0, fails every AssignPhys call after that many
	// successes.
	FailAfter int

	mu       sync.Mutex
	calls    []Call
	restores []int
	ioWrites map[uint64]uint32
}

// AssignPhys implements secure.Hypervisor.AssignPhys.
func (h *Hypervisor) AssignPhys(phys, size uint64, src, dest []secure.VMID, perms []secure.Perm) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.FailAfter > 0 && len(h.calls) >= h.FailAfter {
		return fmt.Errorf("hypervisor: assign of %#x refused", phys)
	}
	h.calls = append(h.calls, Call{
		Phys:      phys,
		Size:      size,
		SrcVMIDs:  append([]secure.VMID(nil), src...),
		DestVMIDs: append([]secure.VMID(nil), dest...),
		DestPerms: append([]secure.Perm(nil), perms...),
	})
	return nil
}

// RestoreConfig implements secure.Hypervisor.RestoreConfig.
func (h *Hypervisor) RestoreConfig(deviceID int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.restores = append(h.restores, deviceID)
	return nil
}

// IOWrite implements secure.Hypervisor.IOWrite.
func (h *Hypervisor) IOWrite(phys uint64, v uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ioWrites == nil {
		h.ioWrites = make(map[uint64]uint32)
	}
	h.ioWrites[phys] = v
	return nil
}

// Calls returns a copy of the recorded AssignPhys calls.
func (h *Hypervisor) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Call(nil), h.calls...)
}

// Restores returns the device IDs passed to RestoreConfig.
func (h *Hypervisor) Restores() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int(nil), h.restores...)
}
