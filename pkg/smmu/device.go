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

// Package smmu implements the resource-management and translation-context
// engine for an ARM-architected system MMU.
//
// One Device exists per physical SMMU instance. It owns the context-bank
// and stream-mapping-group index spaces, the registry of bus masters, the
// static (firmware-configured) stream bindings, and the suspend snapshot.
// Translation is expressed through Domains, which bind to a Device on
// attach. All register access goes through an injected mmio.Space and is
// legal only while the device's power gate is held.
package smmu

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/btree"

	"github.com/akhilnarang/whyred/pkg/bitmap"
	"github.com/akhilnarang/whyred/pkg/log"
	"github.com/akhilnarang/whyred/pkg/mmio"
	"github.com/akhilnarang/whyred/pkg/power"
	"github.com/akhilnarang/whyred/pkg/secure"
	"github.com/akhilnarang/whyred/pkg/sync"
)

// Errors surfaced by the package.
var (
	// ErrExhausted indicates no free context bank, mapping group, or ASID.
	ErrExhausted = bitmap.ErrExhausted

	// ErrTimeout indicates a bounded register poll expired.
	ErrTimeout = errors.New("register poll timed out")

	// ErrBusy indicates the operation conflicts with an in-flight one.
	ErrBusy = errors.New("resource busy")

	// ErrExists indicates a duplicate registration.
	ErrExists = errors.New("already registered")

	// ErrDetached indicates the domain is not attached.
	ErrDetached = errors.New("domain not attached")

	// ErrInvalid indicates an argument or state conflict, rejected before
	// any hardware mutation.
	ErrInvalid = errors.New("invalid configuration")

	// ErrUnsupported indicates the device lacks a required feature.
	ErrUnsupported = errors.New("unsupported by this device")
)

// Version is the SMMU architecture version.
type Version int

const (
	// V1 is SMMUv1.
	V1 Version = 1

	// V2 is SMMUv2.
	V2 Version = 2
)

// Feature is a capability bit decoded from the ID registers.
type Feature uint32

const (
	// FeatStage1 indicates stage-1 translation support.
	FeatStage1 Feature = 1 << iota

	// FeatStage2 indicates stage-2 translation support.
	FeatStage2

	// FeatNested indicates nested (stage-1 over stage-2) support.
	FeatNested

	// FeatStreamMatch indicates stream-matching (SMR) support.
	FeatStreamMatch

	// FeatCoherentWalk indicates coherent table walks.
	FeatCoherentWalk

	// FeatTransOps indicates the hardware translation probe is usable
	// from the non-secure side.
	FeatTransOps
)

// Option is a behavior flag, mirroring firmware-described device quirks.
type Option uint32

const (
	// OptInvalidateOnMap forces a context TLB invalidation after every
	// map call.
	OptInvalidateOnMap Option = 1 << iota

	// OptHaltAndTLBOnATOS halts the SMMU and invalidates the TLB around
	// every hardware translation probe.
	OptHaltAndTLBOnATOS

	// OptRegisterSave marks devices whose register file survives power
	// collapse only via the software snapshot.
	OptRegisterSave

	// OptSkipInit leaves firmware-programmed stream-match state alone at
	// reset.
	OptSkipInit

	// OptErrataCtxFaultHang works around contexts that hang unless a TLB
	// sync precedes the fault resume write.
	OptErrataCtxFaultHang

	// OptFatalASF escalates address-size faults straight to fatal.
	OptFatalASF

	// OptNoSMRCheck skips the stream-match mask probing at reset.
	OptNoSMRCheck

	// OptDynamic permits dynamic domains (ASID-only attach).
	OptDynamic

	// OptHalt permits halting the SMMU micro-controller.
	OptHalt

	// OptStaticCB marks devices whose context banks are owned by another
	// execution environment; bindings come from the static table and
	// micro-control writes detour through the hypervisor.
	OptStaticCB

	// OptSecureConfigAccess requires a secure-side restore of register
	// access windows after power transitions.
	OptSecureConfigAccess
)

// RegInit is one implementation-defined register write replayed on first
// attach.
type RegInit struct {
	Off uint64
	Val uint32
}

// Config describes one SMMU instance.
type Config struct {
	// Name identifies the instance in logs and the registry.
	Name string

	// Space is the register window.
	Space mmio.Space

	// Gate guards all register access.
	Gate *power.Gate

	// Hyp is the secure-world collaborator. Required when any secure
	// feature (static CB, secure VMIDs, secure config access) is used.
	Hyp secure.Hypervisor

	// DeviceID is the identifier passed to secure config restore calls.
	DeviceID int

	// PhysBase is the physical address of the register window, used for
	// hypervisor-mediated register writes.
	PhysBase uint64

	// Version selects SMMUv1/v2 semantics. Defaults to V2.
	Version Version

	// Options are the device behavior flags.
	Options Option

	// ImplDef is replayed into implementation-defined registers on first
	// attach, under halt.
	ImplDef []RegInit

	// SyncTimeout bounds TLB sync polls. Defaults to 10ms.
	SyncTimeout time.Duration

	// HaltTimeout bounds halt-request polls. Defaults to 10ms.
	HaltTimeout time.Duration

	// ProbeTimeout bounds translation-probe polls. Defaults to 1ms.
	ProbeTimeout time.Duration
}

// Device is one SMMU instance.
type Device struct {
	Layout

	name     string
	space    mmio.Space
	gate     *power.Gate
	hyp      secure.Hypervisor
	deviceID int
	physBase uint64
	version  Version
	opts     Option
	implDef  []RegInit

	syncTimeout  time.Duration
	haltTimeout  time.Duration
	probeTimeout time.Duration

	features          Feature
	numContextBanks   uint32
	numS2ContextBanks uint32
	numMappingGroups  uint32
	smrMask           uint32
	ias, oas, vaSize  uint

	// contextMap and smrMap allocate context-bank and mapping-group
	// indices. Static bindings are pre-claimed at probe and never freed.
	contextMap *bitmap.Bitmap
	smrMap     *bitmap.Bitmap

	static []StaticEntry

	// attachMu serializes attach/detach and first-attach power-up.
	attachMu    sync.Mutex
	attachCount int

	// mastersMu protects masters.
	mastersMu sync.Mutex
	masters   *btree.BTreeG[*Master]

	// faultMu protects faultOwners, the per-bank fault dispatch table.
	faultMu     sync.Mutex
	faultOwners map[uint32]*Domain

	// asidMu protects the dynamic-domain ASID space.
	asidMu     sync.Mutex
	asidCursor uint32
	asidsInUse map[uint32]bool

	// atosMu serializes hardware translation probes; the probe registers
	// are a single shared resource per device.
	atosMu sync.Mutex

	// faultLog rate-limits fault-path logging so a misbehaving master
	// cannot flood the log.
	faultLog log.Logger

	// snapMu protects the suspend snapshot buffers.
	snapMu    sync.Mutex
	cbShadow  [][]uint64
	smrShadow [][2]uint32
	scr0Saved uint32
	saved     bool
}

// New probes and initializes one SMMU instance. The gate is acquired for
// the duration of the probe only.
func New(cfg Config) (*Device, error) {
	if cfg.Space == nil || cfg.Gate == nil {
		return nil, fmt.Errorf("%w: nil register space or power gate", ErrInvalid)
	}
	if cfg.Version == 0 {
		cfg.Version = V2
	}
	if cfg.SyncTimeout == 0 {
		cfg.SyncTimeout = 10 * time.Millisecond
	}
	if cfg.HaltTimeout == 0 {
		cfg.HaltTimeout = 10 * time.Millisecond
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = time.Millisecond
	}
	d := &Device{
		name:         cfg.Name,
		space:        cfg.Space,
		gate:         cfg.Gate,
		hyp:          cfg.Hyp,
		deviceID:     cfg.DeviceID,
		physBase:     cfg.PhysBase,
		version:      cfg.Version,
		opts:         cfg.Options,
		implDef:      append([]RegInit(nil), cfg.ImplDef...),
		syncTimeout:  cfg.SyncTimeout,
		haltTimeout:  cfg.HaltTimeout,
		probeTimeout: cfg.ProbeTimeout,
		masters:      btree.NewG(8, func(a, b *Master) bool { return a.DeviceID < b.DeviceID }),
		faultOwners:  make(map[uint32]*Domain),
		asidsInUse:   make(map[uint32]bool),
		faultLog:     log.RateLimitedLogger(log.Log(), 500*time.Millisecond, 4),
	}
	if d.opts&(OptStaticCB|OptSecureConfigAccess) != 0 && d.hyp == nil {
		return nil, fmt.Errorf("%w: secure options require a hypervisor", ErrInvalid)
	}

	if err := d.gate.Acquire(); err != nil {
		return nil, fmt.Errorf("probe power-up: %w", err)
	}
	defer d.gate.Release()

	if err := d.probeIDs(); err != nil {
		return nil, err
	}
	d.contextMap = bitmap.New(d.numContextBanks)
	d.smrMap = bitmap.New(d.numMappingGroups)
	d.cbShadow = make([][]uint64, d.numContextBanks)
	d.smrShadow = make([][2]uint32, d.numMappingGroups)

	// Firmware-owned bindings must be learned before reset touches the
	// stream-match table.
	d.populateStatic()
	d.smrCheck()
	d.reset()
	return d, nil
}

// probeIDs decodes the identification registers into features and sizes.
func (d *Device) probeIDs() error {
	id0 := d.read32(RegID0)
	if id0&ID0S1TS != 0 {
		d.features |= FeatStage1
	}
	if id0&ID0S2TS != 0 {
		d.features |= FeatStage2
	}
	if id0&ID0NTS != 0 {
		d.features |= FeatNested
	}
	if id0&ID0SMS != 0 {
		d.features |= FeatStreamMatch
	}
	if id0&ID0CTTW != 0 {
		d.features |= FeatCoherentWalk
	}
	if id0&ID0S1TS != 0 && (d.version == V1 || id0&ID0ATOSNS == 0) {
		d.features |= FeatTransOps
	}
	if d.features&(FeatStage1|FeatStage2) == 0 {
		return fmt.Errorf("%w: no translation stage supported (ID0=%#x)", ErrUnsupported, id0)
	}

	id1 := d.read32(RegID1)
	d.PageShift = 12
	if id1&ID1PageSize != 0 {
		d.PageShift = 16
	}
	numPages := uint64(2) << ((id1 >> ID1NumPageShift) & ID1NumPageMask)
	d.Size = d.space.Size()
	if want := 2 * numPages << d.PageShift; d.Size != want {
		log.Warningf("smmu %s: window size %#x differs from ID1 implied %#x", d.name, d.Size, want)
	}
	d.numS2ContextBanks = (id1 >> ID1NumS2CBShift) & ID1NumS2CBMask
	d.numContextBanks = id1 & ID1NumCBMask
	if d.numContextBanks == 0 || d.numContextBanks > MaxContextBanks || d.numS2ContextBanks > d.numContextBanks {
		return fmt.Errorf("%w: bad context bank counts cb=%d s2cb=%d", ErrInvalid, d.numContextBanks, d.numS2ContextBanks)
	}
	if d.features&FeatStreamMatch != 0 {
		d.numMappingGroups = id0 & ID0NumSMRMask
		if d.numMappingGroups == 0 || d.numMappingGroups > MaxMappingGroups {
			return fmt.Errorf("%w: bad mapping group count %d", ErrInvalid, d.numMappingGroups)
		}
	}

	id2 := d.read32(RegID2)
	d.ias = sizeToBits((id2 >> ID2IASShift) & ID2Nibble)
	d.oas = sizeToBits((id2 >> ID2OASShift) & ID2Nibble)
	d.vaSize = sizeToBits((id2 >> ID2UBSShift) & ID2Nibble)
	if d.vaSize > 39 {
		d.vaSize = 39
	}
	log.Infof("smmu %s: v%d, %d context banks (%d stage-2), %d mapping groups, ias=%d oas=%d",
		d.name, d.version, d.numContextBanks, d.numS2ContextBanks, d.numMappingGroups, d.ias, d.oas)
	return nil
}

// populateStatic records pre-existing valid stream-match entries. These are
// firmware/bootloader bindings that must survive the driver; their indices
// never enter the free pools.
func (d *Device) populateStatic() {
	for i := uint32(0); i < d.numMappingGroups; i++ {
		smr := d.read32(RegSMR(i))
		if smr&SMRValid == 0 {
			continue
		}
		s2cr := d.read32(RegS2CR(i))
		e := StaticEntry{
			SID:        (smr >> SMRIDShift) & SMRIDMask,
			SMRIdx:     i,
			ContextIdx: s2cr & S2CRCBNDXMask,
		}
		switch (s2cr >> S2CRTypeShift) & 3 {
		case S2CRTypeTrans:
			e.Type = BindTranslate
		case S2CRTypeBypass:
			e.Type = BindBypass
		default:
			e.Type = BindFault
		}
		d.static = append(d.static, e)
		d.smrMap.TestAndSet(i)
		if e.Type == BindTranslate {
			d.contextMap.TestAndSet(e.ContextIdx)
		}
		log.Infof("smmu %s: static binding sid=%d smr=%d cb=%d type=%d", d.name, e.SID, e.SMRIdx, e.ContextIdx, e.Type)
	}
}

// smrCheck probes the stream-match table with a test pattern to learn which
// stream-ID bits the implementation wires up. OptNoSMRCheck skips the probe
// on devices whose stream table must not be written at probe time; they get
// the architectural mask.
func (d *Device) smrCheck() {
	d.smrMask = SMRIDMask
	if d.features&FeatStreamMatch == 0 || d.opts&OptNoSMRCheck != 0 {
		return
	}
	idx := d.numMappingGroups
	for i := d.numMappingGroups; i > 0; i-- {
		if d.staticForSMRIdx(i-1) == nil {
			idx = i - 1
			break
		}
	}
	if idx == d.numMappingGroups {
		log.Warningf("smmu %s: every stream-match entry is firmware-owned, skipping probe", d.name)
		return
	}
	d.write32(RegSMR(idx), SMRValid|SMRIDMask<<SMRIDShift)
	back := d.read32(RegSMR(idx))
	d.write32(RegSMR(idx), 0)
	if back&SMRValid == 0 {
		log.Warningf("smmu %s: stream-match probe did not latch, disabling stream matching", d.name)
		d.features &^= FeatStreamMatch
		return
	}
	d.smrMask = (back >> SMRIDShift) & SMRIDMask
	if d.smrMask != SMRIDMask {
		log.Infof("smmu %s: implemented stream-ID mask %#x", d.name, d.smrMask)
	}
}

// reset brings the device to a known state: faults cleared, unclaimed
// streams bypassed, banks disabled, TLB clean, global faulting enabled.
func (d *Device) reset() {
	d.write32(RegSGFSR, d.read32(RegSGFSR))

	if d.opts&OptSkipInit == 0 {
		for i := uint32(0); i < d.numMappingGroups; i++ {
			if d.staticForSMRIdx(i) != nil {
				continue
			}
			d.write32(RegSMR(i), 0)
			d.write32(RegS2CR(i), S2CRTypeBypass<<S2CRTypeShift)
		}
	}
	for i := uint32(0); i < d.numContextBanks; i++ {
		if d.staticForContextIdx(i) != nil {
			continue
		}
		cb := d.CB(i)
		d.write32(cb+RegCBSCTLR, 0)
		d.write32(cb+RegCBFSR, FSRFaultMask)
	}
	d.tlbInvalidateAll()

	scr0 := uint32(SCR0GFRE | SCR0GFIE | SCR0GCFGFRE | SCR0GCFGFIE |
		SCR0USFCFG | SCR0VMIDPNE | SCR0PTM)
	d.write32(RegSCR0, scr0)
}

// implDefProgramming replays the implementation-defined register list under
// halt. Runs on the first attach after a power-up.
func (d *Device) implDefProgramming() {
	if len(d.implDef) == 0 {
		return
	}
	if err := d.haltRequest(true); err != nil {
		log.Warningf("smmu %s: halt before impl-def programming: %v", d.name, err)
	}
	for _, r := range d.implDef {
		d.write32(r.Off, r.Val)
	}
	d.haltResume()
}

// Register access. The gate must be held.

func (d *Device) read32(off uint64) uint32 { return d.space.Read32(off) }

func (d *Device) write32(off uint64, v uint32) { d.space.Write32(off, v) }

func (d *Device) read64(off uint64) uint64 { return d.space.Read64(off) }

func (d *Device) write64(off uint64, v uint64) { d.space.Write64(off, v) }

// writeMicro writes the micro-controller control register. Static-CB
// devices do not own that register and must go through the hypervisor.
func (d *Device) writeMicro(v uint32) {
	off := d.ImplDef1() + RegMicroMMUCtrl
	if d.opts&OptStaticCB != 0 {
		if err := d.hyp.IOWrite(d.physBase+off, v); err != nil {
			log.Warningf("smmu %s: secure micro-control write: %v", d.name, err)
		}
		return
	}
	d.write32(off, v)
}

var errPollPending = errors.New("condition pending")

// poll spins on ready with a constant interval until timeout.
func (d *Device) poll(timeout time.Duration, ready func() bool) error {
	const interval = 10 * time.Microsecond
	tries := uint64(timeout / interval)
	if tries == 0 {
		tries = 1
	}
	op := func() error {
		if ready() {
			return nil
		}
		return errPollPending
	}
	if err := backoff.Retry(op, backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), tries)); err != nil {
		return ErrTimeout
	}
	return nil
}

// tlbSyncGlobal issues a global TLB sync and waits for completion. Timeout
// is logged, not fatal; the invalidation is treated as eventually complete.
func (d *Device) tlbSyncGlobal() error {
	d.write32(RegSTLBGSYNC, 0)
	err := d.poll(d.syncTimeout, func() bool {
		return d.read32(RegSTLBGSTATUS)&TLBGStatusGActive == 0
	})
	if err != nil {
		log.Warningf("smmu %s: global TLB sync timed out", d.name)
	}
	return err
}

// tlbSyncContext issues a TLB sync scoped to one context bank.
func (d *Device) tlbSyncContext(cbndx uint32) error {
	cb := d.CB(cbndx)
	d.write32(cb+RegCBTLBSYNC, 0)
	err := d.poll(d.syncTimeout, func() bool {
		return d.read32(cb+RegCBTLBSTATUS)&TLBStatusSActive == 0
	})
	if err != nil {
		log.Warningf("smmu %s: context %d TLB sync timed out", d.name, cbndx)
	}
	return err
}

// tlbInvalidateAll invalidates every TLB entry and waits for the sync.
func (d *Device) tlbInvalidateAll() {
	d.write32(RegTLBIALLNSNH, 0)
	d.write32(RegTLBIALLH, 0)
	d.tlbSyncGlobal()
}

// tlbInvalidateVMID invalidates all entries tagged with a stage-2 VMID.
func (d *Device) tlbInvalidateVMID(vmid uint32) {
	d.write32(RegTLBIVMID, vmid)
	d.tlbSyncGlobal()
}

// haltRequest asks the micro-controller to halt. With wait set it polls for
// idle; a timeout is returned so ATS probing can abort.
func (d *Device) haltRequest(wait bool) error {
	if d.opts&OptHalt == 0 && d.opts&OptStaticCB == 0 {
		return nil
	}
	off := d.ImplDef1() + RegMicroMMUCtrl
	d.writeMicro(d.read32(off) | MicroCtrlHaltReq)
	if !wait {
		return nil
	}
	err := d.poll(d.haltTimeout, func() bool {
		return d.read32(off)&MicroCtrlIdle != 0
	})
	if err != nil {
		log.Warningf("smmu %s: halt request timed out", d.name)
	}
	return err
}

// haltResume releases a halt request.
func (d *Device) haltResume() {
	if d.opts&OptHalt == 0 && d.opts&OptStaticCB == 0 {
		return
	}
	off := d.ImplDef1() + RegMicroMMUCtrl
	d.writeMicro(d.read32(off) &^ MicroCtrlHaltReq)
}

// allocDynamicASID claims an ASID from the dynamic range, cyclically so a
// just-freed identifier is not immediately reused. The range starts above
// every static bank-derived ASID (cbndx+1 <= numContextBanks) with one
// spare slot.
func (d *Device) allocDynamicASID() (uint32, error) {
	base := d.numContextBanks + 2
	if base > MaxASID {
		return 0, fmt.Errorf("dynamic ASID space empty: %w", ErrExhausted)
	}
	span := MaxASID + 1 - base

	d.asidMu.Lock()
	defer d.asidMu.Unlock()
	for i := uint32(0); i < span; i++ {
		cand := base + (d.asidCursor+i)%span
		if d.asidsInUse[cand] {
			continue
		}
		d.asidsInUse[cand] = true
		d.asidCursor = (cand - base + 1) % span
		return cand, nil
	}
	return 0, fmt.Errorf("dynamic ASIDs: %w", ErrExhausted)
}

// freeDynamicASID returns an ASID to the dynamic pool.
func (d *Device) freeDynamicASID(asid uint32) {
	d.asidMu.Lock()
	defer d.asidMu.Unlock()
	delete(d.asidsInUse, asid)
}

// Name returns the instance name.
func (d *Device) Name() string { return d.name }

// HasFeature reports whether the device supports f.
func (d *Device) HasFeature(f Feature) bool { return d.features&f == f }

// NumContextBanks returns the size of the context-bank index space.
func (d *Device) NumContextBanks() uint32 { return d.numContextBanks }

// NumMappingGroups returns the size of the stream-mapping-group space.
func (d *Device) NumMappingGroups() uint32 { return d.numMappingGroups }

// AttachCount returns the number of attached domains.
func (d *Device) AttachCount() int {
	d.attachMu.Lock()
	defer d.attachMu.Unlock()
	return d.attachCount
}

// PageSizes returns the supported mapping-size bitmask.
func (d *Device) PageSizes() uint64 {
	if d.PageShift == 16 {
		return (64 << 10) | (512 << 20)
	}
	return (4 << 10) | (2 << 20) | (1 << 30)
}

// DMASupported reports whether a master with the given DMA address mask can
// be translated by this device.
func (d *Device) DMASupported(mask uint64) bool {
	return mask >= (uint64(1)<<d.vaSize)-1
}
