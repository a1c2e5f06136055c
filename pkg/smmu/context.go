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

// Context-bank programming: pure translation from a domain's configuration
// to register values. The weakest shareability and memory-type overrides
// are used so page-table-entry attributes win.

// initContextBank programs the bank bound to dom. The system control
// register is written last; a stream must never observe a half-configured
// bank.
func (d *Device) initContextBank(dom *Domain) error {
	cb := d.CB(dom.cbndx)
	cfg := &dom.pgtblCfg

	var cbar uint32
	if dom.stage == Stage2 {
		cbar = CBARTypeS2Trans<<CBARTypeShift | dom.vmid<<CBARVMIDShift
	} else {
		cbar = CBARTypeS1S2Byp<<CBARTypeShift |
			CBARBPSHCFGNSH<<CBARBPSHCFGShift |
			CBARMemAttrWB<<CBARMemAttrShift
	}
	cbar |= dom.irptndx << CBARIRPTShift
	d.write32(d.CBAR(dom.cbndx), cbar)

	if d.version == V2 {
		// VA64 format.
		d.write32(d.CBA2R(dom.cbndx), 1)
	}

	if dom.stage == Stage2 {
		d.write64(cb+RegCBTTBR0, cfg.VTTBR)
		d.write32(cb+RegCBTTBCR, cfg.VTCR)
	} else {
		d.write64(cb+RegCBTTBR0, cfg.TTBR[0]|uint64(dom.asid)<<TTBRASIDShift)
		d.write64(cb+RegCBTTBR1, cfg.TTBR[1]|uint64(dom.asid)<<TTBRASIDShift)
		d.write32(cb+RegCBTTBCR, uint32(cfg.TCR))
		d.write32(cb+RegCBTTBCR2, uint32(cfg.TCR>>32))
		d.write32(cb+RegCBMAIR0, cfg.MAIR[0])
		d.write32(cb+RegCBMAIR1, cfg.MAIR[1])
		d.write32(cb+RegCBContextIDR, dom.procID)
	}

	sctlr := uint32(SCTLRCFIE | SCTLRCFRE | SCTLRAFE | SCTLRTRE)
	if dom.stage != Stage2 {
		sctlr |= SCTLRASIDPNE
	}
	if dom.stallDisable {
		sctlr |= SCTLRHUPCF
	} else {
		sctlr |= SCTLRCFCFG
	}
	// Translation stays off for S1 bypass, and for early-map domains until
	// the owner releases it.
	if !dom.s1Bypass && !dom.earlyMap {
		sctlr |= SCTLRM
	}
	d.write32(cb+RegCBSCTLR, sctlr)
	return nil
}

// disableContextBank turns translation off and clears any latched fault.
func (d *Device) disableContextBank(cbndx uint32) {
	cb := d.CB(cbndx)
	d.write32(cb+RegCBSCTLR, 0)
	d.write32(cb+RegCBFSR, FSRFaultMask)
}
