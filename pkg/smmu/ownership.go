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

package smmu

// Secure memory ownership tracking for master-side-secure domains: the
// normal world owns page-table memory and must explicitly lend it to the
// secure VM before the secure side may walk it, and take it back before the
// memory can rejoin the general pool.
//
// Hypervisor calls may sleep, so they never happen under the page-table
// lock. Allocation and free callbacks only queue work on the pending lists;
// the lists are drained after every table mutation, under assignMu.

import (
	"github.com/akhilnarang/whyred/pkg/log"
	"github.com/akhilnarang/whyred/pkg/secure"
)

// securePage is one physically contiguous chunk of table memory whose
// ownership transfer is pending.
type securePage struct {
	phys uint64
	size uint64
}

// secureAllocator adapts the domain's page allocator to defer ownership
// transfer around table mutation. Callbacks run with assignMu held by the
// enclosing operation.
type secureAllocator struct {
	dom *Domain
}

// AllocExact implements iopgtable.PageAllocator.AllocExact. A same-size
// chunk awaiting unassign is reused first: it still carries secure
// ownership, so reuse costs no hypervisor round trip. Reused chunks hold
// stale descriptors and must be scrubbed before handout, per the
// PageAllocator zeroed-memory contract.
func (a *secureAllocator) AllocExact(size uint64) (uint64, error) {
	dom := a.dom
	for i, pg := range dom.pendingUnassign {
		if pg.size == size {
			dom.pendingUnassign = append(dom.pendingUnassign[:i], dom.pendingUnassign[i+1:]...)
			return pg.phys, nil
		}
	}
	phys, err := dom.alloc.AllocExact(size)
	if err != nil {
		return 0, err
	}
	dom.pendingAssign = append(dom.pendingAssign, securePage{phys: phys, size: size})
	return phys, nil
}

// FreeExact implements iopgtable.PageAllocator.FreeExact. The memory is
// still secure-owned; it is queued for unassign rather than freed.
func (a *secureAllocator) FreeExact(phys, size uint64) {
	a.dom.pendingUnassign = append(a.dom.pendingUnassign, securePage{phys: phys, size: size})
}

// drainAssignLocked lends every pending page to the secure VM: one
// hypervisor call per page, normal-world source, destination
// [normal-world read-write, secure-VM read]. The loop aborts on the first
// failure; either way the list is cleared. Draining an empty list is a
// no-op.
func (dom *Domain) drainAssignLocked() {
	if len(dom.pendingAssign) == 0 {
		return
	}
	hyp := dom.dev.hyp
	src := []secure.VMID{secure.VMIDHLOS}
	dest := []secure.VMID{secure.VMIDHLOS, dom.secureVMID}
	perms := []secure.Perm{secure.PermRead | secure.PermWrite, secure.PermRead}
	for i, pg := range dom.pendingAssign {
		if err := hyp.AssignPhys(pg.phys, pg.size, src, dest, perms); err != nil {
			log.Warningf("smmu %s: secure assign of %#x failed, abandoning %d pages: %v",
				dom.dev.name, pg.phys, len(dom.pendingAssign)-i, err)
			break
		}
	}
	dom.pendingAssign = dom.pendingAssign[:0]
}

// drainUnassignLocked hands every pending page back to the normal world and
// frees it. A failed unassign abandons the page and the rest of the list:
// leaking is safer than returning secure-owned memory to the general pool.
func (dom *Domain) drainUnassignLocked() {
	if len(dom.pendingUnassign) == 0 {
		return
	}
	hyp := dom.dev.hyp
	src := []secure.VMID{dom.secureVMID, secure.VMIDHLOS}
	dest := []secure.VMID{secure.VMIDHLOS}
	perms := []secure.Perm{secure.PermRead | secure.PermWrite | secure.PermExec}
	for i, pg := range dom.pendingUnassign {
		if err := hyp.AssignPhys(pg.phys, pg.size, src, dest, perms); err != nil {
			log.Warningf("smmu %s: secure unassign of %#x failed, leaking %d pages: %v",
				dom.dev.name, pg.phys, len(dom.pendingUnassign)-i, err)
			break
		}
		dom.alloc.FreeExact(pg.phys, pg.size)
	}
	dom.pendingUnassign = dom.pendingUnassign[:0]
}
