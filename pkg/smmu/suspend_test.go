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
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/akhilnarang/whyred/pkg/secure/securetest"
)

// hwState captures everything Suspend is responsible for preserving.
type hwState struct {
	Banks map[uint32][]uint64
	SMRs  [][2]uint32
	SCR0  uint32
}

func captureState(d *Device) hwState {
	st := hwState{Banks: make(map[uint32][]uint64)}
	for _, cbndx := range d.contextMap.ToSlice() {
		st.Banks[cbndx] = d.snapshotBank(cbndx)
	}
	for i := uint32(0); i < d.numMappingGroups; i++ {
		st.SMRs = append(st.SMRs, [2]uint32{d.read32(RegS2CR(i)), d.read32(RegSMR(i))})
	}
	st.SCR0 = d.read32(RegSCR0)
	return st
}

func TestSuspendResumeRestoresState(t *testing.T) {
	space := newTestSpace(4, 0, 4)
	d := newTestDevice(t, space, OptRegisterSave)
	for i, name := range []string{"gpu", "venus"} {
		if _, err := d.RegisterMaster(name, []uint32{uint32(5 + i)}); err != nil {
			t.Fatal(err)
		}
		dom := NewDomain(Stage1, newTestAlloc())
		if err := dom.Attach(d, name); err != nil {
			t.Fatalf("Attach %s: %v", name, err)
		}
		defer dom.Detach()
	}

	before := captureState(d)
	if err := d.Suspend(); err != nil {
		t.Fatalf("Suspend: %v", err)
	}

	// Power collapse: scribble over everything software is expected to
	// bring back.
	for _, cbndx := range d.contextMap.ToSlice() {
		cb := d.CB(cbndx)
		space.Poke(cb+RegCBSCTLR, 0xdeadbeef)
		space.Poke(cb+RegCBTTBCR, 0xdeadbeef)
		space.Poke(cb+RegCBMAIR0, 0xdeadbeef)
		space.Poke(d.CBAR(cbndx), 0xdeadbeef)
		space.Poke(d.CBA2R(cbndx), 0xdeadbeef)
	}
	for i := uint32(0); i < d.numMappingGroups; i++ {
		space.Poke(RegSMR(i), 0xdeadbeef)
		space.Poke(RegS2CR(i), 0xdeadbeef)
	}
	space.Poke(RegSCR0, 0xdeadbeef)

	var invalidates int
	space.OnWrite = func(off uint64, width int, v uint64) bool {
		if off == RegTLBIALLNSNH {
			invalidates++
		}
		return true
	}

	if err := d.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if diff := cmp.Diff(before, captureState(d)); diff != "" {
		t.Errorf("state after resume differs (-before +after):\n%s", diff)
	}
	if invalidates == 0 {
		t.Error("resume did not invalidate the TLB")
	}
}

func TestSuspendResumeNoopWhenIdle(t *testing.T) {
	space := newTestSpace(4, 0, 4)
	d := newTestDevice(t, space, OptRegisterSave)

	var writes int
	space.OnWrite = func(off uint64, width int, v uint64) bool {
		writes++
		return true
	}
	if err := d.Suspend(); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if err := d.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if d.saved {
		t.Error("idle suspend captured a snapshot")
	}
	if writes != 0 {
		t.Errorf("idle suspend/resume wrote %d registers", writes)
	}
	if d.gate.Held() {
		t.Error("gate held after idle suspend/resume")
	}
}

func TestResumeRestoresSecureConfig(t *testing.T) {
	space := newTestSpace(4, 0, 4)
	// Firmware binding for the statically-owned bank.
	space.Poke(RegSMR(0), SMRValid|5)
	space.Poke(RegS2CR(0), S2CRTypeTrans<<S2CRTypeShift|1)

	hyp := &securetest.Hypervisor{}
	d, err := New(Config{
		Name:     "test-smmu",
		Space:    space,
		Gate:     newTestGate(),
		Hyp:      hyp,
		DeviceID: 7,
		Options:  OptStaticCB,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := d.RegisterMaster("gpu", []uint32{5}); err != nil {
		t.Fatal(err)
	}
	dom := NewDomain(Stage1, newTestAlloc())
	if err := dom.Attach(d, "gpu"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer dom.Detach()

	if err := d.Suspend(); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if err := d.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	restores := hyp.Restores()
	if len(restores) == 0 || restores[len(restores)-1] != 7 {
		t.Errorf("secure config restores = %v, want trailing device 7", restores)
	}
}

// Exercising resume against a fresh window proves the replay is complete:
// nothing in the restored state depends on residue the collapse would have
// destroyed.
func TestResumeOntoClearedWindow(t *testing.T) {
	space := newTestSpace(4, 0, 4)
	d := newTestDevice(t, space, OptRegisterSave)
	if _, err := d.RegisterMaster("gpu", []uint32{5}); err != nil {
		t.Fatal(err)
	}
	dom := NewDomain(Stage1, newTestAlloc())
	if err := dom.Attach(d, "gpu"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer dom.Detach()

	before := captureState(d)
	if err := d.Suspend(); err != nil {
		t.Fatalf("Suspend: %v", err)
	}

	cb := d.CB(dom.cbndx)
	for off := uint64(0); off < 0x100; off += 4 {
		space.Poke(cb+off, 0)
	}
	if err := d.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if diff := cmp.Diff(before, captureState(d)); diff != "" {
		t.Errorf("state after resume differs (-before +after):\n%s", diff)
	}
	// The bank must be live again, not just byte-restored.
	if space.Peek(cb+RegCBSCTLR)&SCTLRM == 0 {
		t.Error("translation not re-enabled after resume")
	}
}

// A device without the register-save option keeps its register file across
// the transition; suspend must not capture and resume must not replay.
func TestSuspendWithoutRegisterSaveCapturesNothing(t *testing.T) {
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

	var writes int
	space.OnWrite = func(off uint64, width int, v uint64) bool {
		writes++
		return true
	}
	if err := d.Suspend(); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if d.saved {
		t.Error("suspend captured a snapshot without the register-save option")
	}
	if err := d.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if writes != 0 {
		t.Errorf("suspend/resume wrote %d registers", writes)
	}
}
