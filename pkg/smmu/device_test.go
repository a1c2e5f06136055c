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
	"errors"
	"fmt"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/akhilnarang/whyred/pkg/mmio"
	"github.com/akhilnarang/whyred/pkg/power"
	"github.com/akhilnarang/whyred/pkg/power/powertest"
)

// testAlloc hands out ascending fake table pages and remembers them.
type testAlloc struct {
	next  uint64
	pages map[uint64]uint64
	frees int
}

func newTestAlloc() *testAlloc {
	return &testAlloc{next: 0x4000_0000, pages: make(map[uint64]uint64)}
}

func (a *testAlloc) AllocExact(size uint64) (uint64, error) {
	phys := a.next
	a.next += size
	a.pages[phys] = size
	return phys, nil
}

func (a *testAlloc) FreeExact(phys, size uint64) {
	a.frees++
	delete(a.pages, phys)
}

// newTestSpace builds a register window with ID registers programmed for
// the given geometry: stage-1/2/nested, stream matching, coherent walk, and
// a usable translation probe.
func newTestSpace(numCB, numS2CB, numSMR uint32) *mmio.RAMSpace {
	const pageShift = 12
	numPages, ndx := uint64(8), uint32(2)
	for numPages < uint64(numCB) {
		numPages <<= 1
		ndx++
	}
	s := mmio.NewRAMSpace(2 * numPages << pageShift)
	s.Poke(RegID0, ID0S1TS|ID0S2TS|ID0NTS|ID0SMS|ID0CTTW|numSMR)
	s.Poke(RegID1, ndx<<ID1NumPageShift|numS2CB<<ID1NumS2CBShift|numCB)
	s.Poke(RegID2, 2<<ID2IASShift|2<<ID2OASShift|3<<ID2UBSShift)
	return s
}

func newTestGate() *power.Gate {
	return power.NewGate(power.Options{
		Clocks:    []power.Clock{&powertest.Clock{}},
		Regulator: &powertest.Regulator{},
	})
}

func newTestDevice(t *testing.T, space *mmio.RAMSpace, opts Option) *Device {
	t.Helper()
	d, err := New(Config{
		Name:    "test-smmu",
		Space:   space,
		Gate:    newTestGate(),
		Options: opts,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func TestAttachDetachRoundTrip(t *testing.T) {
	space := newTestSpace(4, 0, 4)
	d := newTestDevice(t, space, 0)
	if _, err := d.RegisterMaster("gpu", []uint32{5}); err != nil {
		t.Fatalf("RegisterMaster: %v", err)
	}

	dom := NewDomain(Stage1, newTestAlloc())
	if err := dom.Attach(d, "gpu"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if dom.cbndx != 0 {
		t.Errorf("cbndx = %d, want 0", dom.cbndx)
	}
	if got := space.Peek(RegSMR(0)); got != SMRValid|5 {
		t.Errorf("SMR0 = %#x, want %#x", got, uint32(SMRValid|5))
	}
	if got := space.Peek(RegS2CR(0)); got != S2CRTypeTrans<<S2CRTypeShift|0 {
		t.Errorf("S2CR0 = %#x, want translate->cb0", got)
	}
	if sctlr := space.Peek(d.CB(0) + RegCBSCTLR); sctlr&SCTLRM == 0 {
		t.Errorf("SCTLR = %#x, translation not enabled", sctlr)
	}
	if !d.gate.Held() {
		t.Error("gate not held while attached")
	}
	if d.AttachCount() != 1 {
		t.Errorf("AttachCount = %d, want 1", d.AttachCount())
	}

	if err := dom.Detach(); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if got := space.Peek(RegS2CR(0)); got != S2CRTypeBypass<<S2CRTypeShift {
		t.Errorf("S2CR0 after detach = %#x, want bypass", got)
	}
	if space.Peek(RegSMR(0)) != 0 {
		t.Error("SMR0 still valid after detach")
	}
	if d.contextMap.NumSet() != 0 || d.smrMap.NumSet() != 0 {
		t.Error("indices not returned to the pools")
	}
	if len(d.faultOwners) != 0 {
		t.Error("fault owner still registered after detach")
	}
	if d.AttachCount() != 0 {
		t.Errorf("AttachCount = %d, want 0", d.AttachCount())
	}
	if d.gate.Held() {
		t.Error("gate still held after detach")
	}
	if err := dom.Detach(); !errors.Is(err, ErrDetached) {
		t.Errorf("double Detach = %v, want ErrDetached", err)
	}
}

func TestStaticBindingPriority(t *testing.T) {
	space := newTestSpace(4, 0, 4)
	// Firmware left stream 7 bound through SMR 2 to bank 3.
	space.Poke(RegSMR(2), SMRValid|7)
	space.Poke(RegS2CR(2), S2CRTypeTrans<<S2CRTypeShift|3)
	d := newTestDevice(t, space, 0)

	if got := len(d.StaticEntries()); got != 1 {
		t.Fatalf("static entries = %d, want 1", got)
	}
	if !d.contextMap.IsSet(3) || !d.smrMap.IsSet(2) {
		t.Fatal("static indices not pre-claimed")
	}
	if _, err := d.RegisterMaster("venus", []uint32{7}); err != nil {
		t.Fatalf("RegisterMaster: %v", err)
	}

	dom := NewDomain(Stage1, newTestAlloc())
	if err := dom.Attach(d, "venus"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if dom.cbndx != 3 || !dom.staticBank {
		t.Errorf("cbndx = %d static=%v, want static bank 3", dom.cbndx, dom.staticBank)
	}
	// The static attach must not consume bitmap slots beyond the
	// pre-claimed ones.
	if got := d.contextMap.NumSet(); got != 1 {
		t.Errorf("context banks in use = %d, want 1", got)
	}

	// Concurrent dynamic allocations never collide with the static index.
	var g errgroup.Group
	for i := 0; i < 3; i++ {
		g.Go(func() error {
			idx, err := d.contextMap.Allocate(0, d.numContextBanks)
			if err != nil {
				return err
			}
			if idx == 3 {
				return fmt.Errorf("allocator handed out the static bank")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if err := dom.Detach(); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	// Static bindings survive detach.
	if !d.contextMap.IsSet(3) || !d.smrMap.IsSet(2) {
		t.Error("static indices freed on detach")
	}
	if space.Peek(RegSMR(2)) != SMRValid|7 {
		t.Error("static SMR invalidated on detach")
	}
}

func TestSMRCheckDerivesIDMask(t *testing.T) {
	space := newTestSpace(4, 0, 8)
	// This implementation only wires the low 8 stream-ID bits.
	space.OnWrite = func(off uint64, width int, v uint64) bool {
		if off >= RegSMR(0) && off < RegSMR(8) {
			space.Poke(off, uint32(v)&(SMRValid|0xff))
			return false
		}
		return true
	}
	d := newTestDevice(t, space, 0)
	if d.smrMask != 0xff {
		t.Errorf("smrMask = %#x, want 0xff", d.smrMask)
	}
	if _, err := d.RegisterMaster("wide", []uint32{0x100}); !errors.Is(err, ErrInvalid) {
		t.Errorf("stream ID beyond implemented mask = %v, want ErrInvalid", err)
	}
	if _, err := d.RegisterMaster("gpu", []uint32{0x55}); err != nil {
		t.Fatalf("RegisterMaster: %v", err)
	}
}

func TestNoSMRCheckLeavesStreamTableAlone(t *testing.T) {
	space := newTestSpace(4, 0, 4)
	// Firmware owns stream 7; nothing at probe time may scribble on the
	// stream-match table.
	space.Poke(RegSMR(2), SMRValid|7)
	space.Poke(RegS2CR(2), S2CRTypeTrans<<S2CRTypeShift|3)

	var smrWrites int
	space.OnWrite = func(off uint64, width int, v uint64) bool {
		if off >= RegSMR(0) && off < RegSMR(4) {
			smrWrites++
		}
		return true
	}
	d := newTestDevice(t, space, OptNoSMRCheck|OptSkipInit)
	if smrWrites != 0 {
		t.Errorf("probe wrote %d stream-match entries", smrWrites)
	}
	if d.smrMask != SMRIDMask {
		t.Errorf("smrMask = %#x, want architectural %#x", d.smrMask, uint32(SMRIDMask))
	}
	if space.Peek(RegSMR(2)) != SMRValid|7 {
		t.Error("firmware stream-match entry disturbed")
	}
}

func TestContextBankExhaustion(t *testing.T) {
	space := newTestSpace(2, 0, 4)
	d := newTestDevice(t, space, 0)
	for i := 0; i < 3; i++ {
		if _, err := d.RegisterMaster(fmt.Sprintf("dev%d", i), []uint32{uint32(10 + i)}); err != nil {
			t.Fatalf("RegisterMaster: %v", err)
		}
	}
	doms := make([]*Domain, 3)
	for i := range doms {
		doms[i] = NewDomain(Stage1, newTestAlloc())
	}
	if err := doms[0].Attach(d, "dev0"); err != nil {
		t.Fatalf("Attach dev0: %v", err)
	}
	if err := doms[1].Attach(d, "dev1"); err != nil {
		t.Fatalf("Attach dev1: %v", err)
	}
	err := doms[2].Attach(d, "dev2")
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("third Attach = %v, want ErrExhausted", err)
	}
	if doms[2].Attached() {
		t.Error("failed attach left domain live")
	}
	if doms[2].cbndx != InvalidCBNDX || doms[2].asid != InvalidASID {
		t.Error("failed attach left bindings set")
	}
	if d.AttachCount() != 2 {
		t.Errorf("AttachCount = %d, want 2", d.AttachCount())
	}
}

func TestDynamicDomainASIDCycling(t *testing.T) {
	space := newTestSpace(4, 0, 4)
	d := newTestDevice(t, space, OptDynamic)

	attach := func() *Domain {
		t.Helper()
		dom := NewDomain(Stage1, newTestAlloc())
		if err := dom.SetAttr(AttrDynamic, true); err != nil {
			t.Fatal(err)
		}
		if err := dom.SetAttr(AttrContextBank, 0); err != nil {
			t.Fatal(err)
		}
		if err := dom.Attach(d, ""); err != nil {
			t.Fatalf("dynamic Attach: %v", err)
		}
		return dom
	}

	// The dynamic range starts above every static bank-derived ASID.
	first := attach()
	if want := d.numContextBanks + 2; first.asid != want {
		t.Errorf("first dynamic ASID = %d, want %d", first.asid, want)
	}
	if first.ASID() <= d.numContextBanks {
		t.Error("dynamic ASID collides with static bank ASIDs")
	}

	// A freed ASID is not immediately reused.
	freed := first.asid
	if err := first.Detach(); err != nil {
		t.Fatal(err)
	}
	second := attach()
	if second.asid == freed {
		t.Errorf("ASID %d reused immediately after free", freed)
	}

	// Dynamic attach takes no power vote and no attach count.
	if d.AttachCount() != 0 {
		t.Errorf("AttachCount = %d, want 0 for dynamic domains", d.AttachCount())
	}
	if d.gate.Held() {
		t.Error("gate held by dynamic attach")
	}
}

func TestDynamicDomainNeedsOption(t *testing.T) {
	space := newTestSpace(4, 0, 4)
	d := newTestDevice(t, space, 0)
	dom := NewDomain(Stage1, newTestAlloc())
	if err := dom.SetAttr(AttrDynamic, true); err != nil {
		t.Fatal(err)
	}
	if err := dom.SetAttr(AttrContextBank, 0); err != nil {
		t.Fatal(err)
	}
	if err := dom.Attach(d, ""); !errors.Is(err, ErrUnsupported) {
		t.Errorf("dynamic Attach = %v, want ErrUnsupported", err)
	}
}

func TestAttrsRejectedWhileAttached(t *testing.T) {
	space := newTestSpace(4, 0, 4)
	d := newTestDevice(t, space, 0)
	if _, err := d.RegisterMaster("gpu", []uint32{5}); err != nil {
		t.Fatal(err)
	}
	dom := NewDomain(Stage1, newTestAlloc())
	if err := dom.Attach(d, "gpu"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer dom.Detach()
	if err := dom.SetAttr(AttrAtomic, true); !errors.Is(err, ErrInvalid) {
		t.Errorf("SetAttr while attached = %v, want ErrInvalid", err)
	}
}

func TestFastFormatGeometryRejected(t *testing.T) {
	dom := NewDomain(Stage1, newTestAlloc())
	if err := dom.SetAttr(AttrFast, true); err != nil {
		t.Fatal(err)
	}
	err := dom.SetAttr(AttrGeometry, Geometry{Start: 0, End: 1 << 32})
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("4GiB aperture with fast format = %v, want ErrInvalid", err)
	}
}

func TestEarlyMapRelease(t *testing.T) {
	space := newTestSpace(4, 0, 4)
	d := newTestDevice(t, space, 0)
	if _, err := d.RegisterMaster("gpu", []uint32{5}); err != nil {
		t.Fatal(err)
	}
	dom := NewDomain(Stage1, newTestAlloc())
	if err := dom.SetAttr(AttrEarlyMap, true); err != nil {
		t.Fatal(err)
	}
	if err := dom.Attach(d, "gpu"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer dom.Detach()

	cb := d.CB(dom.cbndx)
	if space.Peek(cb+RegCBSCTLR)&SCTLRM != 0 {
		t.Fatal("translation enabled despite early-map")
	}
	if err := dom.SetAttr(AttrEarlyMap, false); err != nil {
		t.Fatalf("early-map release: %v", err)
	}
	if space.Peek(cb+RegCBSCTLR)&SCTLRM == 0 {
		t.Error("translation still disabled after early-map release")
	}
}

func TestRegPeekPokeBounded(t *testing.T) {
	space := newTestSpace(4, 0, 4)
	d := newTestDevice(t, space, 0)
	if _, err := d.RegisterMaster("gpu", []uint32{5}); err != nil {
		t.Fatal(err)
	}
	dom := NewDomain(Stage1, newTestAlloc())
	if err := dom.Attach(d, "gpu"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer dom.Detach()

	if err := dom.RegWrite(RegCBContextIDR, 0xabcd); err != nil {
		t.Fatalf("RegWrite: %v", err)
	}
	v, err := dom.RegRead(RegCBContextIDR)
	if err != nil || v != 0xabcd {
		t.Errorf("RegRead = %#x, %v", v, err)
	}
	if _, err := dom.RegRead(4096); !errors.Is(err, ErrInvalid) {
		t.Errorf("out-of-window RegRead = %v, want ErrInvalid", err)
	}
	if err := dom.RegWrite(2, 0); !errors.Is(err, ErrInvalid) {
		t.Errorf("misaligned RegWrite = %v, want ErrInvalid", err)
	}
}

func TestRegistryFindForDevice(t *testing.T) {
	r := NewRegistry()
	space := newTestSpace(4, 0, 4)
	d := newTestDevice(t, space, 0)
	if err := r.Add(d); err != nil {
		t.Fatal(err)
	}
	if err := r.Add(d); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate Add = %v, want ErrExists", err)
	}
	if _, err := d.RegisterMaster("gpu", []uint32{5}); err != nil {
		t.Fatal(err)
	}
	found, m, err := r.FindForDevice("gpu")
	if err != nil || found != d || m.DeviceID != "gpu" {
		t.Errorf("FindForDevice = %v, %v, %v", found, m, err)
	}
	if _, _, err := r.FindForDevice("nosuch"); err == nil {
		t.Error("FindForDevice for unknown device succeeded")
	}
}

func TestMapUnmapThroughDomain(t *testing.T) {
	space := newTestSpace(4, 0, 4)
	d := newTestDevice(t, space, 0)
	if _, err := d.RegisterMaster("gpu", []uint32{5}); err != nil {
		t.Fatal(err)
	}
	dom := NewDomain(Stage1, newTestAlloc())
	if err := dom.Attach(d, "gpu"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer dom.Detach()

	if err := dom.Map(0x10000, 0xa0000, 0x2000, 0b111); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if got := dom.IOVAToPhys(0x11008); got != 0xa1008 {
		t.Errorf("IOVAToPhys = %#x, want 0xa1008", got)
	}
	if got := dom.Unmap(0x10000, 0x2000); got != 0x2000 {
		t.Errorf("Unmap = %#x, want 0x2000", got)
	}
	if got := dom.IOVAToPhys(0x10000); got != 0 {
		t.Errorf("IOVAToPhys after unmap = %#x, want 0", got)
	}
}
