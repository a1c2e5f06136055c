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

import (
	"fmt"

	"github.com/akhilnarang/whyred/pkg/log"
)

// ErrNoTranslation is returned by the hardware translation probe when the
// address has no mapping.
var ErrNoTranslation = fmt.Errorf("no translation")

// FaultFlags describe a context fault to the domain owner.
type FaultFlags uint32

const (
	// FaultWrite indicates the faulting access was a write.
	FaultWrite FaultFlags = 1 << iota

	// FaultTranslation indicates a translation fault.
	FaultTranslation

	// FaultPermission indicates a permission fault.
	FaultPermission

	// FaultExternal indicates an external abort.
	FaultExternal

	// FaultStalled indicates the transaction is stalled awaiting a
	// resume or terminate.
	FaultStalled
)

// FaultStatus is the domain owner's verdict on a context fault.
type FaultStatus int

const (
	// FaultHandled resolves the fault; the transaction is retried.
	FaultHandled FaultStatus = iota

	// FaultBusy keeps the transaction stalled; the owner clears and
	// resumes later.
	FaultBusy

	// FaultUnhandled lets the driver terminate or escalate.
	FaultUnhandled
)

// FaultHandler is the owner callback invoked on context faults. It runs in
// blocking context and may not call back into domain attach/detach.
type FaultHandler func(iova uint64, flags FaultFlags) FaultStatus

// HandleContextFault services a context fault on the given bank. It is the
// deferred-interrupt entry point: it may block on the power gate and on the
// owning domain's init lock.
//
// Clearing discipline: a FaultBusy verdict leaves the fault status register
// untouched. Every other verdict clears it exactly once, writing back the
// value read, then conditionally resumes or terminates the stalled
// transaction.
func (d *Device) HandleContextFault(cbndx uint32) error {
	if err := d.gate.Acquire(); err != nil {
		return err
	}
	defer d.gate.Release()

	cb := d.CB(cbndx)
	fsr := d.read32(cb + RegCBFSR)
	if fsr&FSRFaultMask == 0 {
		return nil
	}
	fsynr := d.read32(cb + RegCBFSYNR0)
	far := d.read64(cb + RegCBFARLo)
	frsynra := d.read32(d.CBFRSYNRA(cbndx))

	// An address-size fault means the table format itself is wrong;
	// nothing the owner does can make the next walk safe.
	if d.opts&OptFatalASF != 0 && fsr&FSRASF != 0 {
		panic(fmt.Sprintf("smmu %s: address size fault, cb=%d FSR=%#x FAR=%#x", d.name, cbndx, fsr, far))
	}

	var flags FaultFlags
	if fsynr&FSYNR0WNR != 0 {
		flags |= FaultWrite
	}
	if fsr&FSRTF != 0 {
		flags |= FaultTranslation
	}
	if fsr&FSRPF != 0 {
		flags |= FaultPermission
	}
	if fsr&FSREF != 0 {
		flags |= FaultExternal
	}
	if fsr&FSRSS != 0 {
		flags |= FaultStalled
	}

	d.faultMu.Lock()
	dom := d.faultOwners[cbndx]
	d.faultMu.Unlock()

	status := FaultUnhandled
	nonFatal := false
	if dom != nil {
		// initMu serializes fault service against detach, attribute
		// changes, and handler swaps. A domain that detached between
		// the lookup and here no longer owns the bank; its fault state
		// belongs to whoever claims the bank next.
		dom.initMu.Lock()
		defer dom.initMu.Unlock()
		if !dom.attached || dom.dev != d || dom.cbndx != cbndx {
			return nil
		}
		nonFatal = dom.nonFatal
		if dom.handler != nil {
			status = dom.handler(far, flags)
		}
	}

	if status == FaultBusy {
		// The owner keeps the transaction stalled for debugging and is
		// responsible for clearing and resuming.
		return nil
	}

	resume := uint32(ResumeRetry)
	if status != FaultHandled {
		if dom != nil && d.HasFeature(FeatTransOps) {
			if phys, err := d.verifyFault(dom, far); err == nil {
				d.faultLog.Warningf("smmu %s: cb=%d fault at %#x, hardware walk resolves to %#x", d.name, cbndx, far, phys)
			} else {
				d.faultLog.Warningf("smmu %s: cb=%d fault at %#x, hardware walk: %v", d.name, cbndx, far, err)
			}
		}
		if !nonFatal {
			panic(fmt.Sprintf("smmu %s: unhandled context fault, cb=%d FSR=%#x FAR=%#x FSYNR0=%#x FRSYNRA=%#x",
				d.name, cbndx, fsr, far, fsynr, frsynra))
		}
		d.faultLog.Warningf("smmu %s: unhandled context fault (non-fatal), cb=%d FSR=%#x FAR=%#x FSYNR0=%#x FRSYNRA=%#x",
			d.name, cbndx, fsr, far, fsynr, frsynra)
		resume = ResumeTerminate
	}

	d.write32(cb+RegCBFSR, fsr)
	if fsr&FSRSS != 0 {
		if d.opts&OptErrataCtxFaultHang != 0 {
			d.tlbSyncContext(cbndx)
		}
		d.write32(cb+RegCBResume, resume)
	}
	return nil
}

// HandleGlobalFault services a global (non-context) fault: decode, log,
// clear. There is no owner and no recovery action.
func (d *Device) HandleGlobalFault() error {
	if err := d.gate.Acquire(); err != nil {
		return err
	}
	defer d.gate.Release()

	gfsr := d.read32(RegSGFSR)
	if gfsr == 0 {
		return nil
	}
	gfsynr0 := d.read32(RegSGFSYNR0)
	gfsynr1 := d.read32(RegSGFSYNR1)
	gfsynr2 := d.read32(RegSGFSYNR2)
	d.faultLog.Warningf("smmu %s: unexpected global fault GFSR=%#x GFSYNR0=%#x GFSYNR1=%#x GFSYNR2=%#x",
		d.name, gfsr, gfsynr0, gfsynr1, gfsynr2)
	d.write32(RegSGFSR, gfsr)
	return nil
}

// verifyFault runs a diagnostic hardware walk for a faulting address. The
// stalled transaction is terminated so the micro-controller can idle, the
// context's stall-on-fault is suppressed around the probe, and everything
// is restored afterwards.
func (d *Device) verifyFault(dom *Domain, iova uint64) (uint64, error) {
	cb := d.CB(dom.cbndx)

	d.haltRequest(false)
	d.write32(cb+RegCBResume, ResumeTerminate)
	if err := d.haltRequest(true); err != nil {
		d.haltResume()
		return 0, err
	}
	sctlr := d.read32(cb + RegCBSCTLR)
	d.write32(cb+RegCBSCTLR, sctlr&^uint32(SCTLRCFCFG))

	phys, err := d.atosProbe(dom, iova)

	d.write32(cb+RegCBSCTLR, sctlr)
	d.haltResume()
	return phys, err
}

// atosProbe performs the hardware translation lookup with one retry: a
// first failure forces a full TLB invalidation before the second attempt.
// Both failures are logged.
func (d *Device) atosProbe(dom *Domain, iova uint64) (uint64, error) {
	d.atosMu.Lock()
	defer d.atosMu.Unlock()

	phys, err := d.atosOnce(dom, iova)
	if err == nil {
		return phys, nil
	}
	log.Warningf("smmu %s: translation probe of %#x failed (%v), retrying after invalidate", d.name, iova, err)
	d.tlbInvalidateAll()
	phys, err = d.atosOnce(dom, iova)
	if err != nil {
		log.Warningf("smmu %s: translation probe of %#x failed twice: %v", d.name, iova, err)
		return 0, err
	}
	return phys, nil
}

func (d *Device) atosOnce(dom *Domain, iova uint64) (uint64, error) {
	cb := d.CB(dom.cbndx)
	pageMask := uint64(1)<<d.PageShift - 1

	d.write64(cb+RegCBATS1PR, iova&^pageMask)
	if err := d.poll(d.probeTimeout, func() bool {
		return d.read32(cb+RegCBATSR)&ATSRActive == 0
	}); err != nil {
		return 0, err
	}
	par := d.read64(cb + RegCBPARLo)
	if par&PARFault != 0 {
		return 0, fmt.Errorf("%w: PAR=%#x", ErrNoTranslation, par)
	}
	return par&^pageMask | iova&pageMask, nil
}

// IOVAToPhysHard resolves iova through the hardware translation probe,
// independent of the software walk. A halt failure aborts the probe; the
// caller may fall back to IOVAToPhys.
func (dom *Domain) IOVAToPhysHard(iova uint64) (uint64, error) {
	dev := dom.dev
	if dev == nil {
		return 0, ErrDetached
	}
	if !dev.HasFeature(FeatTransOps) {
		return 0, fmt.Errorf("hardware translation probe: %w", ErrUnsupported)
	}
	if err := dev.gate.Acquire(); err != nil {
		return 0, err
	}
	defer dev.gate.Release()

	if dev.opts&OptHaltAndTLBOnATOS != 0 {
		if err := dev.haltRequest(true); err != nil {
			dev.haltResume()
			return 0, err
		}
		dev.tlbInvalidateAll()
		defer dev.haltResume()
	}
	return dev.atosProbe(dom, iova)
}

// TriggerFault injects a fault-status value into the domain's bank and
// waits for it to be serviced. Test-harness surface.
func (dom *Domain) TriggerFault(fsr uint32) error {
	dev := dom.dev
	if dev == nil {
		return ErrDetached
	}
	if err := dev.gate.Acquire(); err != nil {
		return err
	}
	defer dev.gate.Release()

	cb := dev.CB(dom.cbndx)
	dev.write32(cb+RegCBFSRRestore, fsr)
	err := dev.poll(dev.probeTimeout, func() bool {
		return dev.read32(cb+RegCBFSR)&fsr == 0
	})
	if err != nil {
		log.Warningf("smmu %s: injected fault %#x on cb=%d not serviced", dev.name, fsr, dom.cbndx)
	}
	return err
}
