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

// Package sim models an SMMU register file behind a RAM-backed window: ID
// registers, stream-match state, TLB sync completion, the micro-controller
// halt handshake, the hardware translation probe, and fault injection.
// Tests and the diagnostics CLI drive the real driver against it.
package sim

import (
	"fmt"

	"github.com/akhilnarang/whyred/pkg/mmio"
	"github.com/akhilnarang/whyred/pkg/smmu"
	"github.com/akhilnarang/whyred/pkg/sync"
)

// Hardware is one simulated SMMU instance.
type Hardware struct {
	// Space is the register window to hand to smmu.New.
	Space *mmio.RAMSpace

	topo   *Topology
	layout smmu.Layout

	// mu protects the mutable model state below.
	mu           sync.Mutex
	translations map[uint64]uint64
	atsStalls    int
	haltStuck    bool
	dispatch     func(bank uint32)
}

// New builds the register window described by topo, with ID registers and
// firmware stream bindings pre-programmed.
func New(topo *Topology) (*Hardware, error) {
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	pageShift := uint(12)
	if topo.LargePages {
		pageShift = 16
	}
	// The context-bank half needs one page per bank; global space needs
	// pages 0, 1 and the implementation-defined page 6.
	numPages := uint64(8)
	numPageNdxB := uint32(2) // 2 << 2 == 8
	for numPages < uint64(topo.ContextBanks) {
		numPages <<= 1
		numPageNdxB++
	}
	size := 2 * numPages << pageShift

	h := &Hardware{
		Space:        mmio.NewRAMSpace(size),
		topo:         topo,
		layout:       smmu.Layout{PageShift: pageShift, Size: size},
		translations: make(map[uint64]uint64),
	}

	id0 := uint32(smmu.ID0S1TS | smmu.ID0S2TS | smmu.ID0NTS)
	if topo.MappingGroups > 0 {
		id0 |= smmu.ID0SMS | topo.MappingGroups
	}
	if topo.CoherentWalk {
		id0 |= smmu.ID0CTTW
	}
	h.Space.Poke(smmu.RegID0, id0)

	id1 := numPageNdxB<<smmu.ID1NumPageShift | topo.Stage2Banks<<smmu.ID1NumS2CBShift | topo.ContextBanks
	if topo.LargePages {
		id1 |= smmu.ID1PageSize
	}
	h.Space.Poke(smmu.RegID1, id1)

	// 40-bit input and output, 42-bit upstream bus.
	h.Space.Poke(smmu.RegID2, 2<<smmu.ID2IASShift|2<<smmu.ID2OASShift|3<<smmu.ID2UBSShift)

	for _, b := range topo.Static {
		h.Space.Poke(smmu.RegSMR(b.SMRIdx), smmu.SMRValid|b.SID)
		h.Space.Poke(smmu.RegS2CR(b.SMRIdx), b.s2crType()<<smmu.S2CRTypeShift|b.ContextBank)
	}

	h.Space.OnRead = h.onRead
	h.Space.OnWrite = h.onWrite
	return h, nil
}

// Layout returns the register window geometry.
func (h *Hardware) Layout() smmu.Layout { return h.layout }

// AddTranslation programs the model's backing translation for the hardware
// probe. Addresses are truncated to page granularity.
func (h *Hardware) AddTranslation(iova, phys uint64) {
	mask := uint64(1)<<h.layout.PageShift - 1
	h.mu.Lock()
	defer h.mu.Unlock()
	h.translations[iova&^mask] = phys &^ mask
}

// StallProbes makes the next n translation probes hang (ATSR stays active),
// exercising the driver's timeout-and-retry path.
func (h *Hardware) StallProbes(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.atsStalls = n
}

// StickHalt makes halt requests never reach idle.
func (h *Hardware) StickHalt(stuck bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.haltStuck = stuck
}

// SetFaultDispatcher registers the callback invoked when a fault-status
// value is injected through the restore register, standing in for the
// interrupt line.
func (h *Hardware) SetFaultDispatcher(f func(bank uint32)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dispatch = f
}

// bankFor resolves a window offset to (bank, offset-within-bank).
func (h *Hardware) bankFor(off uint64) (uint32, uint64, bool) {
	cbBase := h.layout.CBBase()
	if off < cbBase {
		return 0, 0, false
	}
	rel := off - cbBase
	return uint32(rel >> h.layout.PageShift), rel & (uint64(1)<<h.layout.PageShift - 1), true
}

func (h *Hardware) onRead(off uint64, width int, v uint64) uint64 {
	if off == h.layout.ImplDef1()+smmu.RegMicroMMUCtrl {
		h.mu.Lock()
		stuck := h.haltStuck
		h.mu.Unlock()
		if v&smmu.MicroCtrlHaltReq != 0 && !stuck {
			v |= smmu.MicroCtrlIdle
		}
	}
	return v
}

func (h *Hardware) onWrite(off uint64, width int, v uint64) bool {
	if off == smmu.RegSGFSR {
		// Write-1-to-clear.
		h.Space.Poke(smmu.RegSGFSR, h.Space.Peek(smmu.RegSGFSR)&^uint32(v))
		return false
	}
	bank, rel, ok := h.bankFor(off)
	if !ok {
		return true
	}
	switch rel {
	case smmu.RegCBATS1PR:
		h.probe(bank, v)
	case smmu.RegCBFSRRestore:
		h.inject(bank, uint32(v))
	case smmu.RegCBFSR:
		// Write-1-to-clear.
		cb := h.layout.CB(bank)
		h.Space.Poke(cb+smmu.RegCBFSR, h.Space.Peek(cb+smmu.RegCBFSR)&^uint32(v))
		return false
	}
	return true
}

// probe completes (or stalls) a hardware translation lookup.
func (h *Hardware) probe(bank uint32, iova uint64) {
	cb := h.layout.CB(bank)
	h.mu.Lock()
	if h.atsStalls > 0 {
		h.atsStalls--
		h.mu.Unlock()
		h.Space.Poke(cb+smmu.RegCBATSR, smmu.ATSRActive)
		return
	}
	mask := uint64(1)<<h.layout.PageShift - 1
	phys, found := h.translations[iova&^mask]
	h.mu.Unlock()

	if found {
		h.Space.Poke(cb+smmu.RegCBPARLo, uint32(phys))
		h.Space.Poke(cb+smmu.RegCBPARHi, uint32(phys>>32))
	} else {
		h.Space.Poke(cb+smmu.RegCBPARLo, smmu.PARFault)
		h.Space.Poke(cb+smmu.RegCBPARHi, 0)
	}
	h.Space.Poke(cb+smmu.RegCBATSR, 0)
}

// inject raises a fault: the restore value lands in the fault status
// register and the dispatcher (the simulated interrupt) fires.
func (h *Hardware) inject(bank uint32, fsr uint32) {
	cb := h.layout.CB(bank)
	h.Space.Poke(cb+smmu.RegCBFSR, h.Space.Peek(cb+smmu.RegCBFSR)|fsr)
	h.mu.Lock()
	dispatch := h.dispatch
	h.mu.Unlock()
	if dispatch != nil {
		dispatch(bank)
	}
}

// Allocator is a bump allocator for simulated page-table memory. FreeExact
// only counts; simulated physical memory is never reused.
type Allocator struct {
	mu    sync.Mutex
	next  uint64
	frees int
}

// NewAllocator returns an Allocator handing out pages from base upward.
func NewAllocator(base uint64) *Allocator {
	return &Allocator{next: base}
}

// AllocExact implements iopgtable.PageAllocator.AllocExact.
func (a *Allocator) AllocExact(size uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("zero-size table allocation")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	phys := a.next
	a.next += (size + 0xfff) &^ uint64(0xfff)
	return phys, nil
}

// FreeExact implements iopgtable.PageAllocator.FreeExact.
func (a *Allocator) FreeExact(phys, size uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.frees++
}
