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

// Package secure defines the secure-world collaborator contract.
//
// Page-table memory lent to a restricted secure VM changes ownership
// through explicit hypervisor calls; the driver core consumes that protocol
// through the Hypervisor interface and never implements it.
package secure

// VMID identifies a virtual machine for memory-ownership purposes.
type VMID int

const (
	// VMIDInvalid is the "no secure owner" sentinel.
	VMIDInvalid VMID = -1

	// VMIDHLOS is the normal-world (high-level OS) owner.
	VMIDHLOS VMID = 3
)

// Perm is a memory access permission mask used in ownership transfers.
type Perm int

const (
	// PermExec allows instruction fetch.
	PermExec Perm = 1 << 0

	// PermWrite allows writes.
	PermWrite Perm = 1 << 1

	// PermRead allows reads.
	PermRead Perm = 1 << 2
)

// Hypervisor is the secure-monitor call surface the driver depends on.
type Hypervisor interface {
	// AssignPhys transfers ownership of [phys, phys+size) from the
	// source VMs to the destination VMs with the given per-destination
	// permissions. len(destVMIDs) must equal len(destPerms).
	AssignPhys(phys uint64, size uint64, srcVMIDs []VMID, destVMIDs []VMID, destPerms []Perm) error

	// RestoreConfig re-establishes secure register-access windows for
	// the device after a power transition.
	RestoreConfig(deviceID int) error

	// IOWrite writes a register by physical address on behalf of the
	// normal world when direct access is not permitted.
	IOWrite(phys uint64, v uint32) error
}
