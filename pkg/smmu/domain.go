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

	"github.com/akhilnarang/whyred/pkg/iopgtable"
	"github.com/akhilnarang/whyred/pkg/log"
	"github.com/akhilnarang/whyred/pkg/secure"
	"github.com/akhilnarang/whyred/pkg/sync"
)

// Stage is the translation regime of a domain.
type Stage int

const (
	// Stage1 translates VA to IPA.
	Stage1 Stage = iota

	// Stage2 translates IPA to PA.
	Stage2

	// Nested chains stage-1 over stage-2.
	Nested
)

// Geometry is the IOVA aperture of a domain.
type Geometry struct {
	Start uint64
	End   uint64
}

// Attr identifies a settable domain attribute. Attributes are fixed while
// the domain is attached, with the single exception of clearing EarlyMap.
type Attr int

const (
	// AttrNesting selects the nested translation regime.
	AttrNesting Attr = iota

	// AttrSecureVMID sets the secure ownership VMID (secure.VMID).
	AttrSecureVMID

	// AttrSlaveSideSecure selects slave-side secure ownership mode.
	AttrSlaveSideSecure

	// AttrAtomic declares that unmap runs in non-blocking context.
	AttrAtomic

	// AttrProcID sets the context identifier register value.
	AttrProcID

	// AttrDynamic marks the domain dynamic (ASID-only attach).
	AttrDynamic

	// AttrContextBank presets the context-bank index (dynamic domains).
	AttrContextBank

	// AttrNonFatalFaults downgrades unhandled faults to logged/terminated.
	AttrNonFatalFaults

	// AttrS1Bypass disables translation for the bound streams.
	AttrS1Bypass

	// AttrFast selects the fast page-table format.
	AttrFast

	// AttrEarlyMap defers translation enable until explicitly released.
	AttrEarlyMap

	// AttrGeometry sets the IOVA aperture (Geometry).
	AttrGeometry

	// AttrForceCoherent forces coherent table-walk attributes.
	AttrForceCoherent

	// AttrEnableTTBR1 splits the address space across two table bases.
	AttrEnableTTBR1

	// AttrStallDisable replaces stall-on-fault with halt-on-fault.
	AttrStallDisable
)

// Domain is the unit of isolation: one page table, one context-bank
// binding, one TLB-invalidation scope.
type Domain struct {
	// initMu serializes attach, detach, attribute access, and fault
	// handling for this domain.
	initMu sync.Mutex

	dev    *Device
	master *Master

	stage         Stage
	geometry      Geometry
	secureVMID    secure.VMID
	slaveSide     bool
	forcedSlave   bool
	atomicCtx     bool
	dynamic       bool
	fast          bool
	earlyMap      bool
	nonFatal      bool
	forceCoherent bool
	ttbr1         bool
	stallDisable  bool
	s1Bypass      bool
	procID        uint32
	cbndxOverride int

	cbndx      uint32
	irptndx    uint32
	asid       uint32
	vmid       uint32
	staticBank bool
	attached   bool

	alloc    iopgtable.PageAllocator
	pgtblCfg iopgtable.Config
	ops      iopgtable.Ops

	// Exactly one of these guards page-table mutation, selected at attach:
	// the spinlock normally, the mutex for slave-side secure domains whose
	// mutations may block on the secure world.
	pgtblSpin sync.SpinLock
	pgtblMu   sync.Mutex

	// assignMu serializes the pending secure ownership lists and their
	// draining. Master-side secure domains only.
	assignMu        sync.Mutex
	pendingAssign   []securePage
	pendingUnassign []securePage

	handler FaultHandler
}

// NewDomain allocates a domain with all bindings invalid. alloc provides
// page-table memory once the domain attaches.
func NewDomain(stage Stage, alloc iopgtable.PageAllocator) *Domain {
	return &Domain{
		stage:         stage,
		alloc:         alloc,
		secureVMID:    secure.VMIDInvalid,
		cbndxOverride: -1,
		cbndx:         InvalidCBNDX,
		irptndx:       InvalidIRPTNDX,
		asid:          InvalidASID,
		vmid:          InvalidVMID,
	}
}

// Attached reports whether the domain is live on a device.
func (dom *Domain) Attached() bool {
	dom.initMu.Lock()
	defer dom.initMu.Unlock()
	return dom.attached
}

// ContextBank returns the bound context-bank index, or InvalidCBNDX.
func (dom *Domain) ContextBank() uint32 { return dom.cbndx }

// ASID returns the bound address-space identifier, or InvalidASID.
func (dom *Domain) ASID() uint32 { return dom.asid }

// SetFaultHandler registers the owner callback invoked on context faults.
func (dom *Domain) SetFaultHandler(h FaultHandler) {
	dom.initMu.Lock()
	defer dom.initMu.Unlock()
	dom.handler = h
}

// SetAttr sets a domain attribute. Attributes are rejected while attached,
// except clearing AttrEarlyMap, which enables translation in place.
func (dom *Domain) SetAttr(attr Attr, val any) error {
	dom.initMu.Lock()
	defer dom.initMu.Unlock()

	if dom.attached {
		if attr == AttrEarlyMap {
			if en, ok := val.(bool); ok && !en && dom.earlyMap {
				return dom.enableS1TranslationsLocked()
			}
		}
		return fmt.Errorf("%w: attribute change while attached", ErrInvalid)
	}

	bad := func() error {
		return fmt.Errorf("%w: wrong value type for attribute %d", ErrInvalid, attr)
	}
	switch attr {
	case AttrNesting:
		v, ok := val.(bool)
		if !ok {
			return bad()
		}
		if v {
			dom.stage = Nested
		}
	case AttrSecureVMID:
		v, ok := val.(secure.VMID)
		if !ok {
			return bad()
		}
		dom.secureVMID = v
	case AttrSlaveSideSecure:
		v, ok := val.(bool)
		if !ok {
			return bad()
		}
		dom.slaveSide = v
	case AttrAtomic:
		v, ok := val.(bool)
		if !ok {
			return bad()
		}
		dom.atomicCtx = v
	case AttrProcID:
		v, ok := val.(uint32)
		if !ok {
			return bad()
		}
		dom.procID = v
	case AttrDynamic:
		v, ok := val.(bool)
		if !ok {
			return bad()
		}
		dom.dynamic = v
	case AttrContextBank:
		v, ok := val.(int)
		if !ok {
			return bad()
		}
		if v < 0 || v >= MaxContextBanks {
			return fmt.Errorf("%w: context bank %d out of range", ErrInvalid, v)
		}
		dom.cbndxOverride = v
	case AttrNonFatalFaults:
		v, ok := val.(bool)
		if !ok {
			return bad()
		}
		dom.nonFatal = v
	case AttrS1Bypass:
		v, ok := val.(bool)
		if !ok {
			return bad()
		}
		dom.s1Bypass = v
	case AttrFast:
		v, ok := val.(bool)
		if !ok {
			return bad()
		}
		if v && dom.geometry.End >= 1<<32 {
			return fmt.Errorf("%w: fast format with aperture end %#x", ErrInvalid, dom.geometry.End)
		}
		dom.fast = v
	case AttrEarlyMap:
		v, ok := val.(bool)
		if !ok {
			return bad()
		}
		dom.earlyMap = v
	case AttrGeometry:
		v, ok := val.(Geometry)
		if !ok {
			return bad()
		}
		if dom.fast && v.End >= 1<<32 {
			return fmt.Errorf("%w: fast format with aperture end %#x", ErrInvalid, v.End)
		}
		dom.geometry = v
	case AttrForceCoherent:
		v, ok := val.(bool)
		if !ok {
			return bad()
		}
		dom.forceCoherent = v
	case AttrEnableTTBR1:
		v, ok := val.(bool)
		if !ok {
			return bad()
		}
		dom.ttbr1 = v
	case AttrStallDisable:
		v, ok := val.(bool)
		if !ok {
			return bad()
		}
		dom.stallDisable = v
	default:
		return fmt.Errorf("%w: unknown attribute %d", ErrInvalid, attr)
	}
	return nil
}

// GetAttr returns the current value of a domain attribute.
func (dom *Domain) GetAttr(attr Attr) (any, error) {
	dom.initMu.Lock()
	defer dom.initMu.Unlock()
	switch attr {
	case AttrNesting:
		return dom.stage == Nested, nil
	case AttrSecureVMID:
		return dom.secureVMID, nil
	case AttrSlaveSideSecure:
		return dom.slaveSide, nil
	case AttrAtomic:
		return dom.atomicCtx, nil
	case AttrProcID:
		return dom.procID, nil
	case AttrDynamic:
		return dom.dynamic, nil
	case AttrContextBank:
		return dom.cbndxOverride, nil
	case AttrNonFatalFaults:
		return dom.nonFatal, nil
	case AttrS1Bypass:
		return dom.s1Bypass, nil
	case AttrFast:
		return dom.fast, nil
	case AttrEarlyMap:
		return dom.earlyMap, nil
	case AttrGeometry:
		return dom.geometry, nil
	case AttrForceCoherent:
		return dom.forceCoherent, nil
	case AttrEnableTTBR1:
		return dom.ttbr1, nil
	case AttrStallDisable:
		return dom.stallDisable, nil
	default:
		return nil, fmt.Errorf("%w: unknown attribute %d", ErrInvalid, attr)
	}
}

// masterSideSecure reports whether page-table memory needs explicit
// ownership transfer to the secure world.
func (dom *Domain) masterSideSecure() bool {
	return dom.secureVMID != secure.VMIDInvalid && !dom.slaveSide
}

func (dom *Domain) lockTable() {
	if dom.slaveSide {
		dom.pgtblMu.Lock()
	} else {
		dom.pgtblSpin.Lock()
	}
}

func (dom *Domain) unlockTable() {
	if dom.slaveSide {
		dom.pgtblMu.Unlock()
	} else {
		dom.pgtblSpin.Unlock()
	}
}

// pgtblFormat selects the page-table format for the domain configuration.
func (dom *Domain) pgtblFormat() iopgtable.Format {
	switch {
	case dom.secureVMID != secure.VMIDInvalid && dom.slaveSide:
		return iopgtable.SecureSlave
	case dom.stage == Stage2:
		return iopgtable.LPAE64S2
	case dom.fast:
		return iopgtable.FastV8L
	default:
		return iopgtable.LPAE64S1
	}
}

// allocPgtbl builds the page-table instance and fills the translation
// register values in dom.pgtblCfg.
func (dom *Domain) allocPgtbl(dev *Device) error {
	if dom.alloc == nil && dom.pgtblFormat() != iopgtable.SecureSlave {
		return fmt.Errorf("%w: domain has no page allocator", ErrInvalid)
	}
	if dom.masterSideSecure() && dev.hyp == nil {
		return fmt.Errorf("%w: secure domain on smmu without a hypervisor", ErrInvalid)
	}
	var quirks iopgtable.Quirk
	if dom.ttbr1 {
		quirks |= iopgtable.QuirkTTBR1
	}
	if dom.forceCoherent || dev.HasFeature(FeatCoherentWalk) {
		quirks |= iopgtable.QuirkCoherent
	}
	dom.pgtblCfg = iopgtable.Config{
		Quirks:   quirks,
		IAS:      dev.ias,
		OAS:      dev.oas,
		IOVABase: dom.geometry.Start,
		IOVAEnd:  dom.geometry.End,
		TLB:      domainTLB{dom},
		Alloc:    dom.alloc,
	}
	if dom.masterSideSecure() {
		dom.pgtblCfg.Alloc = &secureAllocator{dom: dom}
	}
	ops, err := iopgtable.New(dom.pgtblFormat(), &dom.pgtblCfg)
	if err != nil {
		return fmt.Errorf("page table: %w", err)
	}
	dom.ops = ops
	return nil
}

// Attach binds the domain to the device instance controlling deviceID. On
// success the device stays powered until the matching Detach.
func (dom *Domain) Attach(dev *Device, deviceID string) error {
	dom.initMu.Lock()
	defer dom.initMu.Unlock()
	if dom.attached {
		return fmt.Errorf("%w: already attached", ErrBusy)
	}
	if dom.fast && dom.geometry.End >= 1<<32 {
		return fmt.Errorf("%w: fast format with aperture end %#x", ErrInvalid, dom.geometry.End)
	}
	if dom.dynamic {
		return dom.attachDynamic(dev)
	}

	dev.attachMu.Lock()
	defer dev.attachMu.Unlock()

	master := dev.MasterForDevice(deviceID)
	if master == nil {
		return fmt.Errorf("%w: no master %q on smmu %s", ErrInvalid, deviceID, dev.name)
	}
	if master.bound {
		return fmt.Errorf("master %q: %w", deviceID, ErrBusy)
	}

	if err := dev.gate.Acquire(); err != nil {
		return fmt.Errorf("attach power-up: %w", err)
	}
	if dev.attachCount == 0 {
		dev.reset()
		dev.implDefProgramming()
	}

	// Static-CB devices take the firmware binding for the master's first
	// stream ID and force slave-side secure ownership.
	if dev.opts&OptStaticCB != 0 {
		e := dev.staticForSID(master.StreamIDs[0])
		if e == nil || e.Type != BindTranslate {
			dev.gate.Release()
			return fmt.Errorf("%w: no static binding for stream %d", ErrInvalid, master.StreamIDs[0])
		}
		dom.forcedSlave = !dom.slaveSide
		dom.slaveSide = true
		dom.cbndx = e.ContextIdx
		dom.staticBank = true
	} else {
		cbndx, static, err := dev.allocContextIdx(master.StreamIDs, dom.stage)
		if err != nil {
			dev.gate.Release()
			return err
		}
		dom.cbndx = cbndx
		dom.staticBank = static
	}
	dom.irptndx = dom.cbndx
	dom.asid = dom.cbndx + 1
	dom.vmid = dom.cbndx + 2
	dom.dev = dev

	unwind := func() {
		dom.ops = nil
		dev.freeContextIdx(dom.cbndx, dom.staticBank)
		dom.cbndx, dom.irptndx = InvalidCBNDX, InvalidIRPTNDX
		dom.asid, dom.vmid = InvalidASID, InvalidVMID
		dom.staticBank = false
		if dom.forcedSlave {
			dom.slaveSide, dom.forcedSlave = false, false
		}
		dom.dev = nil
		dev.gate.Release()
	}

	if err := dom.allocPgtbl(dev); err != nil {
		unwind()
		return err
	}
	if dom.masterSideSecure() {
		// Root-table pages must carry secure ownership before the bank
		// points at them.
		dom.assignMu.Lock()
		dom.drainAssignLocked()
		dom.drainUnassignLocked()
		dom.assignMu.Unlock()
	}
	if err := dev.initContextBank(dom); err != nil {
		// A context poll timeout is recoverable; the bank is programmed.
		log.Warningf("smmu %s: context bank %d init: %v", dev.name, dom.cbndx, err)
	}

	// The fault handler is registered only once the bank is fully
	// programmed, so it never observes a half-initialized domain.
	dev.faultMu.Lock()
	dev.faultOwners[dom.cbndx] = dom
	dev.faultMu.Unlock()

	if err := dom.bindStreams(dev, master); err != nil {
		dev.faultMu.Lock()
		delete(dev.faultOwners, dom.cbndx)
		dev.faultMu.Unlock()
		if !dom.staticBank {
			dev.disableContextBank(dom.cbndx)
		}
		dom.releasePgtbl()
		unwind()
		return err
	}

	master.bound = true
	dom.master = master
	dom.attached = true
	dev.attachCount++
	return nil
}

// bindStreams points the master's stream-match entries at the bound bank.
// Stream-to-context writes happen only after the bank is fully programmed.
func (dom *Domain) bindStreams(dev *Device, master *Master) error {
	master.smrIdxs = master.smrIdxs[:0]
	master.smrStatic = master.smrStatic[:0]
	for _, sid := range master.StreamIDs {
		idx, static, err := dev.allocSMRIdx(sid)
		if err != nil {
			dom.unbindStreams(dev, master)
			return err
		}
		if !static {
			dev.write32(RegSMR(idx), SMRValid|sid<<SMRIDShift)
			s2cr := uint32(S2CRTypeTrans<<S2CRTypeShift) | (dom.cbndx & S2CRCBNDXMask)
			if dom.s1Bypass {
				s2cr = S2CRTypeBypass << S2CRTypeShift
			}
			dev.write32(RegS2CR(idx), s2cr)
		}
		master.smrIdxs = append(master.smrIdxs, idx)
		master.smrStatic = append(master.smrStatic, static)
	}
	return nil
}

// unbindStreams reverses bindStreams: bypass the stream, invalidate the
// match entry, and only then return the index to the pool.
func (dom *Domain) unbindStreams(dev *Device, master *Master) {
	for i, idx := range master.smrIdxs {
		if !master.smrStatic[i] {
			dev.write32(RegS2CR(idx), S2CRTypeBypass<<S2CRTypeShift)
			dev.write32(RegSMR(idx), 0)
		}
		dev.freeSMRIdx(idx, master.smrStatic[i])
	}
	master.smrIdxs = master.smrIdxs[:0]
	master.smrStatic = master.smrStatic[:0]
}

// attachDynamic is the ASID-only attach path: no stream discovery, no
// hardware programming, no power vote. The context bank must be preset and
// is shared with the non-dynamic domain owning it.
func (dom *Domain) attachDynamic(dev *Device) error {
	if dev.opts&OptDynamic == 0 {
		return fmt.Errorf("dynamic domains: %w", ErrUnsupported)
	}
	if dom.cbndxOverride < 0 || uint32(dom.cbndxOverride) >= dev.numContextBanks {
		return fmt.Errorf("%w: dynamic domain needs a context bank in [0, %d)", ErrInvalid, dev.numContextBanks)
	}
	asid, err := dev.allocDynamicASID()
	if err != nil {
		return err
	}
	dom.cbndx = uint32(dom.cbndxOverride)
	dom.asid = asid
	dom.dev = dev
	if err := dom.allocPgtbl(dev); err != nil {
		dev.freeDynamicASID(asid)
		dom.cbndx, dom.asid, dom.dev = InvalidCBNDX, InvalidASID, nil
		return err
	}
	dom.attached = true
	return nil
}

// Detach unbinds the domain, freeing every resource attach claimed. It is
// the exact inverse of Attach.
func (dom *Domain) Detach() error {
	dom.initMu.Lock()
	defer dom.initMu.Unlock()
	if !dom.attached {
		return ErrDetached
	}
	dev := dom.dev

	if dom.dynamic {
		dom.releasePgtbl()
		dev.freeDynamicASID(dom.asid)
		dom.resetBindings()
		return nil
	}

	dev.attachMu.Lock()
	dom.unbindStreams(dev, dom.master)
	dev.faultMu.Lock()
	delete(dev.faultOwners, dom.cbndx)
	dev.faultMu.Unlock()
	if !dom.staticBank {
		dev.disableContextBank(dom.cbndx)
	}
	dom.releasePgtbl()
	dev.freeContextIdx(dom.cbndx, dom.staticBank)
	dom.master.bound = false
	dev.attachCount--
	dev.attachMu.Unlock()

	dev.gate.Release()
	dom.resetBindings()
	return nil
}

// releasePgtbl frees the page table and settles secure ownership.
func (dom *Domain) releasePgtbl() {
	if dom.masterSideSecure() {
		dom.assignMu.Lock()
		defer dom.assignMu.Unlock()
	}
	if dom.ops != nil {
		dom.lockTable()
		dom.ops.Release()
		dom.unlockTable()
		dom.ops = nil
	}
	if dom.masterSideSecure() {
		dom.drainAssignLocked()
		dom.drainUnassignLocked()
	}
}

func (dom *Domain) resetBindings() {
	dom.master = nil
	dom.dev = nil
	dom.attached = false
	dom.staticBank = false
	// Slave-side mode forced by a static-CB attach does not outlive it.
	if dom.forcedSlave {
		dom.slaveSide, dom.forcedSlave = false, false
	}
	dom.cbndx, dom.irptndx = InvalidCBNDX, InvalidIRPTNDX
	dom.asid, dom.vmid = InvalidASID, InvalidVMID
}

// Map establishes a translation. The mapped region's secure ownership is
// settled before Map returns.
func (dom *Domain) Map(iova, phys, size uint64, prot iopgtable.Prot) error {
	dev := dom.dev
	if dev == nil || dom.ops == nil {
		return ErrDetached
	}
	if err := dev.gate.Acquire(); err != nil {
		return err
	}
	defer dev.gate.Release()

	secureDrain := dom.masterSideSecure()
	if secureDrain {
		dom.assignMu.Lock()
		defer dom.assignMu.Unlock()
	}
	dom.lockTable()
	err := dom.ops.Map(iova, phys, size, prot)
	dom.unlockTable()

	if err == nil && dev.opts&OptInvalidateOnMap != 0 {
		tlb := domainTLB{dom}
		tlb.FlushAll()
		tlb.Sync()
	}
	if secureDrain {
		dom.drainAssignLocked()
		dom.drainUnassignLocked()
	}
	return err
}

// MapSG maps a scatter list as one contiguous IOVA run. A partial failure
// unmaps the already-mapped prefix; either everything is mapped or nothing.
func (dom *Domain) MapSG(iova uint64, sg []iopgtable.ScatterEntry, prot iopgtable.Prot) (uint64, error) {
	dev := dom.dev
	if dev == nil || dom.ops == nil {
		return 0, ErrDetached
	}
	if err := dev.gate.Acquire(); err != nil {
		return 0, err
	}
	defer dev.gate.Release()

	secureDrain := dom.masterSideSecure()
	if secureDrain {
		dom.assignMu.Lock()
		defer dom.assignMu.Unlock()
	}
	dom.lockTable()
	mapped, err := dom.ops.MapSG(iova, sg, prot)
	if err != nil && mapped > 0 {
		dom.ops.Unmap(iova, mapped)
		mapped = 0
	}
	dom.unlockTable()

	if secureDrain {
		dom.drainAssignLocked()
		dom.drainUnassignLocked()
	}
	if err != nil {
		return 0, err
	}
	return mapped, nil
}

// Unmap removes a translation and returns the bytes actually unmapped.
// Atomic domains only toggle clocks, never the rail, so this path never
// sleeps on power.
func (dom *Domain) Unmap(iova, size uint64) uint64 {
	dev := dom.dev
	if dev == nil || dom.ops == nil {
		return 0
	}
	if dom.atomicCtx {
		if err := dev.gate.AcquireClocks(); err != nil {
			log.Warningf("smmu %s: unmap clock vote: %v", dev.name, err)
			return 0
		}
		defer dev.gate.ReleaseClocks()
	} else {
		if err := dev.gate.Acquire(); err != nil {
			log.Warningf("smmu %s: unmap power vote: %v", dev.name, err)
			return 0
		}
		defer dev.gate.Release()
	}

	secureDrain := dom.masterSideSecure()
	if secureDrain {
		dom.assignMu.Lock()
		defer dom.assignMu.Unlock()
	}
	dom.lockTable()
	done := dom.ops.Unmap(iova, size)
	dom.unlockTable()

	if secureDrain {
		dom.drainAssignLocked()
		dom.drainUnassignLocked()
	}
	return done
}

// IOVAToPhys walks the page table in software.
func (dom *Domain) IOVAToPhys(iova uint64) uint64 {
	if dom.ops == nil {
		return 0
	}
	dom.lockTable()
	defer dom.unlockTable()
	return dom.ops.IOVAToPhys(iova)
}

// IOVAToPTE returns the raw leaf descriptor for iova.
func (dom *Domain) IOVAToPTE(iova uint64) uint64 {
	if dom.ops == nil {
		return 0
	}
	dom.lockTable()
	defer dom.unlockTable()
	return dom.ops.IOVAToPTE(iova)
}

// TLBInvalidate invalidates the domain's whole TLB scope and waits for
// completion.
func (dom *Domain) TLBInvalidate() error {
	dev := dom.dev
	if dev == nil {
		return ErrDetached
	}
	if err := dev.gate.Acquire(); err != nil {
		return err
	}
	defer dev.gate.Release()
	tlb := domainTLB{dom}
	tlb.FlushAll()
	tlb.Sync()
	return nil
}

// enableS1TranslationsLocked releases an early-map domain: translation was
// deferred at attach and is switched on now. initMu is held.
func (dom *Domain) enableS1TranslationsLocked() error {
	dev := dom.dev
	if err := dev.gate.Acquire(); err != nil {
		return err
	}
	defer dev.gate.Release()
	cb := dev.CB(dom.cbndx)
	dev.write32(cb+RegCBSCTLR, dev.read32(cb+RegCBSCTLR)|SCTLRM)
	dom.earlyMap = false
	return nil
}

// RegRead reads one diagnostic register in the domain's context-bank
// window. Offsets are bounded to the first 4KiB of the bank.
func (dom *Domain) RegRead(off uint64) (uint32, error) {
	dom.initMu.Lock()
	defer dom.initMu.Unlock()
	if !dom.attached {
		return 0, ErrDetached
	}
	if off >= 4096 || off%4 != 0 {
		return 0, fmt.Errorf("%w: register offset %#x", ErrInvalid, off)
	}
	dev := dom.dev
	if err := dev.gate.Acquire(); err != nil {
		return 0, err
	}
	defer dev.gate.Release()
	return dev.read32(dev.CB(dom.cbndx) + off), nil
}

// RegWrite writes one diagnostic register in the domain's context-bank
// window, bounded like RegRead.
func (dom *Domain) RegWrite(off uint64, v uint32) error {
	dom.initMu.Lock()
	defer dom.initMu.Unlock()
	if !dom.attached {
		return ErrDetached
	}
	if off >= 4096 || off%4 != 0 {
		return fmt.Errorf("%w: register offset %#x", ErrInvalid, off)
	}
	dev := dom.dev
	if err := dev.gate.Acquire(); err != nil {
		return err
	}
	defer dev.gate.Release()
	dev.write32(dev.CB(dom.cbndx)+off, v)
	return nil
}

// EnableConfigAccess powers the device for direct register access outside a
// mapped operation. Must be balanced with DisableConfigAccess.
func (dom *Domain) EnableConfigAccess() error {
	dev := dom.dev
	if dev == nil {
		return ErrDetached
	}
	return dev.gate.Acquire()
}

// DisableConfigAccess drops the vote taken by EnableConfigAccess.
func (dom *Domain) DisableConfigAccess() {
	if dev := dom.dev; dev != nil {
		dev.gate.Release()
	}
}

// domainTLB adapts the device's TLB maintenance to the page-table
// collaborator contract, scoped by the domain's ASID or VMID. The gate must
// be held by the mutation that triggers these callbacks.
type domainTLB struct {
	dom *Domain
}

// FlushAll implements iopgtable.TLB.FlushAll.
func (t domainTLB) FlushAll() {
	dom := t.dom
	dev := dom.dev
	if dev == nil {
		return
	}
	if dom.stage == Stage2 {
		dev.write32(RegTLBIVMID, dom.vmid)
		return
	}
	dev.write32(dev.CB(dom.cbndx)+RegCBTLBIASID, dom.asid)
}

// AddFlush implements iopgtable.TLB.AddFlush.
func (t domainTLB) AddFlush(iova, size uint64, leaf bool) {
	dom := t.dom
	dev := dom.dev
	if dev == nil {
		return
	}
	cb := dev.CB(dom.cbndx)
	step := uint64(1) << dev.PageShift
	if dom.stage == Stage2 {
		reg := cb + RegCBTLBIIPAS2
		if leaf {
			reg = cb + RegCBTLBIIPAS2L
		}
		for off := uint64(0); off < size; off += step {
			dev.write64(reg, (iova+off)>>12)
		}
		return
	}
	reg := cb + RegCBTLBIVA
	if leaf {
		reg = cb + RegCBTLBIVAL
	}
	for off := uint64(0); off < size; off += step {
		dev.write64(reg, (iova+off)&^(step-1)|uint64(dom.asid)<<TTBRASIDShift)
	}
}

// Sync implements iopgtable.TLB.Sync.
func (t domainTLB) Sync() {
	dom := t.dom
	dev := dom.dev
	if dev == nil {
		return
	}
	if dom.stage == Stage2 {
		dev.tlbSyncGlobal()
		return
	}
	dev.tlbSyncContext(dom.cbndx)
}
