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

package sim

import (
	"strings"
	"testing"

	"github.com/akhilnarang/whyred/pkg/power"
	"github.com/akhilnarang/whyred/pkg/power/powertest"
	"github.com/akhilnarang/whyred/pkg/smmu"
)

const topologyYAML = `
name: apps-smmu
context_banks: 8
stage2_banks: 2
mapping_groups: 16
coherent_walk: true
static:
  - sid: 7
    smr: 2
    context_bank: 3
    type: translate
  - sid: 9
    smr: 5
    context_bank: 0
    type: bypass
masters:
  - device: gpu
    stream_ids: [5, 6]
  - device: venus
    stream_ids: [7]
`

func TestParseTopology(t *testing.T) {
	topo, err := ParseTopology([]byte(topologyYAML))
	if err != nil {
		t.Fatalf("ParseTopology: %v", err)
	}
	if topo.Name != "apps-smmu" || topo.ContextBanks != 8 || topo.Stage2Banks != 2 {
		t.Errorf("parsed geometry = %+v", topo)
	}
	if len(topo.Static) != 2 || topo.Static[0].ContextBank != 3 {
		t.Errorf("static bindings = %+v", topo.Static)
	}
	if len(topo.Masters) != 2 || topo.Masters[0].StreamIDs[1] != 6 {
		t.Errorf("masters = %+v", topo.Masters)
	}
}

func TestTopologyValidation(t *testing.T) {
	for _, tc := range []struct {
		name string
		edit func(*Topology)
	}{
		{"no banks", func(t *Topology) { t.ContextBanks = 0 }},
		{"too many banks", func(t *Topology) { t.ContextBanks = smmu.MaxContextBanks + 1 }},
		{"stage2 overflow", func(t *Topology) { t.Stage2Banks = t.ContextBanks + 1 }},
		{"static smr out of range", func(t *Topology) { t.Static[0].SMRIdx = t.MappingGroups }},
		{"static bank out of range", func(t *Topology) { t.Static[0].ContextBank = t.ContextBanks }},
		{"bad binding type", func(t *Topology) { t.Static[0].Type = "mirror" }},
		{"master without streams", func(t *Topology) { t.Masters[0].StreamIDs = nil }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			topo, err := ParseTopology([]byte(topologyYAML))
			if err != nil {
				t.Fatal(err)
			}
			tc.edit(topo)
			if err := topo.Validate(); err == nil {
				t.Error("bad topology validated")
			}
		})
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := ParseTopology([]byte("context_banks: [not a number]")); err == nil || !strings.Contains(err.Error(), "topology") {
		t.Errorf("garbage parse = %v", err)
	}
}

func TestProbeAndStall(t *testing.T) {
	topo, err := ParseTopology([]byte(topologyYAML))
	if err != nil {
		t.Fatal(err)
	}
	h, err := New(topo)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.AddTranslation(0x10000, 0xa0000)

	cb := h.Layout().CB(1)
	h.Space.Write64(cb+smmu.RegCBATS1PR, 0x10000)
	if got := h.Space.Peek(cb + smmu.RegCBATSR); got != 0 {
		t.Errorf("ATSR = %#x after probe, want idle", got)
	}
	if got := h.Space.Peek(cb + smmu.RegCBPARLo); got != 0xa0000 {
		t.Errorf("PAR = %#x, want 0xa0000", got)
	}

	// Unknown addresses fault.
	h.Space.Write64(cb+smmu.RegCBATS1PR, 0x999000)
	if got := h.Space.Peek(cb + smmu.RegCBPARLo); got&smmu.PARFault == 0 {
		t.Errorf("PAR = %#x for unmapped address, want fault", got)
	}

	// A stalled probe leaves ATSR active; the stall is consumed.
	h.StallProbes(1)
	h.Space.Write64(cb+smmu.RegCBATS1PR, 0x10000)
	if got := h.Space.Peek(cb + smmu.RegCBATSR); got != smmu.ATSRActive {
		t.Errorf("ATSR = %#x during stall, want active", got)
	}
	h.Space.Write64(cb+smmu.RegCBATS1PR, 0x10000)
	if got := h.Space.Peek(cb + smmu.RegCBATSR); got != 0 {
		t.Errorf("ATSR = %#x after stall consumed, want idle", got)
	}
}

func TestHaltHandshake(t *testing.T) {
	topo, err := ParseTopology([]byte(topologyYAML))
	if err != nil {
		t.Fatal(err)
	}
	h, err := New(topo)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	off := h.Layout().ImplDef1() + smmu.RegMicroMMUCtrl

	h.Space.Write32(off, smmu.MicroCtrlHaltReq)
	if got := h.Space.Read32(off); got&smmu.MicroCtrlIdle == 0 {
		t.Errorf("micro ctrl = %#x, want idle reflected", got)
	}

	h.StickHalt(true)
	if got := h.Space.Read32(off); got&smmu.MicroCtrlIdle != 0 {
		t.Errorf("micro ctrl = %#x with stuck halt, want not idle", got)
	}
}

func TestFaultInjectionDispatch(t *testing.T) {
	topo, err := ParseTopology([]byte(topologyYAML))
	if err != nil {
		t.Fatal(err)
	}
	h, err := New(topo)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var fired []uint32
	h.SetFaultDispatcher(func(bank uint32) { fired = append(fired, bank) })

	cb := h.Layout().CB(2)
	h.Space.Write32(cb+smmu.RegCBFSRRestore, smmu.FSRTF)
	if got := h.Space.Peek(cb + smmu.RegCBFSR); got&smmu.FSRTF == 0 {
		t.Errorf("FSR = %#x after injection, want TF set", got)
	}
	if len(fired) != 1 || fired[0] != 2 {
		t.Errorf("dispatch = %v, want [2]", fired)
	}
}

// TestDriverOverSimulator drives the real driver end to end against the
// model: probe, firmware bindings, attach, map, hardware translation probe,
// and detach.
func TestDriverOverSimulator(t *testing.T) {
	topo, err := ParseTopology([]byte(topologyYAML))
	if err != nil {
		t.Fatal(err)
	}
	h, err := New(topo)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	gate := power.NewGate(power.Options{
		Clocks:    []power.Clock{&powertest.Clock{}},
		Regulator: &powertest.Regulator{},
	})
	d, err := smmu.New(smmu.Config{Name: topo.Name, Space: h.Space, Gate: gate})
	if err != nil {
		t.Fatalf("smmu.New: %v", err)
	}
	if got := len(d.StaticEntries()); got != 2 {
		t.Fatalf("static entries = %d, want 2 from the topology", got)
	}
	for _, m := range topo.Masters {
		if _, err := d.RegisterMaster(m.DeviceID, m.StreamIDs); err != nil {
			t.Fatalf("RegisterMaster %s: %v", m.DeviceID, err)
		}
	}

	dom := smmu.NewDomain(smmu.Stage1, NewAllocator(0x8000_0000))
	if err := dom.Attach(d, "gpu"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer dom.Detach()

	if err := dom.Map(0x10000, 0xa0000, 0x1000, 0b011); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if got := dom.IOVAToPhys(0x10040); got != 0xa0040 {
		t.Errorf("IOVAToPhys = %#x, want 0xa0040", got)
	}

	// The hardware probe resolves from the model's translation table, not
	// the software one.
	h.AddTranslation(0x10000, 0xa0000)
	phys, err := dom.IOVAToPhysHard(0x10040)
	if err != nil {
		t.Fatalf("IOVAToPhysHard: %v", err)
	}
	if phys != 0xa0040 {
		t.Errorf("hard probe = %#x, want 0xa0040", phys)
	}
}
