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

import "github.com/akhilnarang/whyred/pkg/log"

// Suspend/resume snapshot across a power-collapse-class sleep transition.
// The register file does not survive the collapse; software captures every
// in-use context bank, every stream-mapping group, and the global enable
// register, and replays them on resume.

// cbSnapshotLen is the number of saved values per bank: SCTLR, ACTLR,
// TTBCR2, TTBR0, TTBR1, TTBCR, CONTEXTIDR, MAIR0, MAIR1, CBA2R, CBAR.
const cbSnapshotLen = 11

// snapshotBank reads one bank's saved tuple in capture order.
func (d *Device) snapshotBank(cbndx uint32) []uint64 {
	cb := d.CB(cbndx)
	return []uint64{
		uint64(d.read32(cb + RegCBSCTLR)),
		uint64(d.read32(cb + RegCBACTLR)),
		uint64(d.read32(cb + RegCBTTBCR2)),
		d.read64(cb + RegCBTTBR0),
		d.read64(cb + RegCBTTBR1),
		uint64(d.read32(cb + RegCBTTBCR)),
		uint64(d.read32(cb + RegCBContextIDR)),
		uint64(d.read32(cb + RegCBMAIR0)),
		uint64(d.read32(cb + RegCBMAIR1)),
		uint64(d.read32(d.CBA2R(cbndx))),
		uint64(d.read32(d.CBAR(cbndx))),
	}
}

// restoreBank writes one bank's saved tuple back in capture order.
func (d *Device) restoreBank(cbndx uint32, s []uint64) {
	cb := d.CB(cbndx)
	d.write32(cb+RegCBSCTLR, uint32(s[0]))
	d.write32(cb+RegCBACTLR, uint32(s[1]))
	d.write32(cb+RegCBTTBCR2, uint32(s[2]))
	d.write64(cb+RegCBTTBR0, s[3])
	d.write64(cb+RegCBTTBR1, s[4])
	d.write32(cb+RegCBTTBCR, uint32(s[5]))
	d.write32(cb+RegCBContextIDR, uint32(s[6]))
	d.write32(cb+RegCBMAIR0, uint32(s[7]))
	d.write32(cb+RegCBMAIR1, uint32(s[8]))
	d.write32(d.CBA2R(cbndx), uint32(s[9]))
	d.write32(d.CBAR(cbndx), uint32(s[10]))
}

// Suspend captures the register state of every in-use context bank, the
// stream-match table, and the global enable register. Only OptRegisterSave
// devices lose their register file across the collapse; everything else
// keeps state through the retained attach vote. A device with no attached
// domains has nothing to preserve; Suspend is then a no-op.
func (d *Device) Suspend() error {
	if d.opts&OptRegisterSave == 0 {
		return nil
	}
	d.attachMu.Lock()
	defer d.attachMu.Unlock()
	if d.attachCount == 0 {
		return nil
	}
	if err := d.gate.Acquire(); err != nil {
		return err
	}
	defer d.gate.Release()

	d.snapMu.Lock()
	defer d.snapMu.Unlock()
	for _, cbndx := range d.contextMap.ToSlice() {
		d.cbShadow[cbndx] = d.snapshotBank(cbndx)
	}
	for i := uint32(0); i < d.numMappingGroups; i++ {
		d.smrShadow[i] = [2]uint32{d.read32(RegS2CR(i)), d.read32(RegSMR(i))}
	}
	d.scr0Saved = d.read32(RegSCR0)
	d.saved = true
	log.Infof("smmu %s: suspended, %d banks captured", d.name, d.contextMap.NumSet())
	return nil
}

// Resume replays the captured state and forces a full TLB invalidation;
// whatever the TLB held across the collapse is untrusted. A no-op with zero
// attached domains, mirroring Suspend.
func (d *Device) Resume() error {
	d.attachMu.Lock()
	defer d.attachMu.Unlock()
	if d.attachCount == 0 {
		return nil
	}
	if err := d.gate.Acquire(); err != nil {
		return err
	}
	defer d.gate.Release()

	// Statically-bound banks need their secure register-access windows
	// re-established before any write lands.
	if d.opts&(OptStaticCB|OptSecureConfigAccess) != 0 {
		if err := d.hyp.RestoreConfig(d.deviceID); err != nil {
			log.Warningf("smmu %s: secure config restore: %v", d.name, err)
		}
	}

	d.snapMu.Lock()
	defer d.snapMu.Unlock()
	if !d.saved {
		return nil
	}
	for _, cbndx := range d.contextMap.ToSlice() {
		if s := d.cbShadow[cbndx]; len(s) == cbSnapshotLen {
			d.restoreBank(cbndx, s)
		}
	}
	for i := uint32(0); i < d.numMappingGroups; i++ {
		d.write32(RegS2CR(i), d.smrShadow[i][0])
		d.write32(RegSMR(i), d.smrShadow[i][1])
	}
	d.write32(RegSCR0, d.scr0Saved)
	d.tlbInvalidateAll()
	log.Infof("smmu %s: resumed", d.name)
	return nil
}
