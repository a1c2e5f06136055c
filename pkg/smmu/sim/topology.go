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
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/akhilnarang/whyred/pkg/smmu"
)

// StaticBinding is one firmware-preconfigured stream binding in a topology
// file.
type StaticBinding struct {
	SID         uint32 `yaml:"sid"`
	SMRIdx      uint32 `yaml:"smr"`
	ContextBank uint32 `yaml:"context_bank"`
	Type        string `yaml:"type"` // translate, bypass, or fault
}

func (b *StaticBinding) s2crType() uint32 {
	switch b.Type {
	case "bypass":
		return smmu.S2CRTypeBypass
	case "fault":
		return smmu.S2CRTypeFault
	default:
		return smmu.S2CRTypeTrans
	}
}

// MasterSpec is one bus master in a topology file.
type MasterSpec struct {
	DeviceID  string   `yaml:"device"`
	StreamIDs []uint32 `yaml:"stream_ids"`
}

// Topology describes a simulated SMMU instance.
type Topology struct {
	Name          string          `yaml:"name"`
	ContextBanks  uint32          `yaml:"context_banks"`
	Stage2Banks   uint32          `yaml:"stage2_banks"`
	MappingGroups uint32          `yaml:"mapping_groups"`
	LargePages    bool            `yaml:"large_pages"`
	CoherentWalk  bool            `yaml:"coherent_walk"`
	Static        []StaticBinding `yaml:"static"`
	Masters       []MasterSpec    `yaml:"masters"`
}

// Validate checks the topology against the architectural maxima.
func (t *Topology) Validate() error {
	if t.ContextBanks == 0 || t.ContextBanks > smmu.MaxContextBanks {
		return fmt.Errorf("context_banks %d outside (0, %d]", t.ContextBanks, smmu.MaxContextBanks)
	}
	if t.Stage2Banks > t.ContextBanks {
		return fmt.Errorf("stage2_banks %d exceeds context_banks %d", t.Stage2Banks, t.ContextBanks)
	}
	if t.MappingGroups > smmu.MaxMappingGroups {
		return fmt.Errorf("mapping_groups %d exceeds %d", t.MappingGroups, smmu.MaxMappingGroups)
	}
	for i := range t.Static {
		b := &t.Static[i]
		if b.SMRIdx >= t.MappingGroups {
			return fmt.Errorf("static binding %d: smr %d outside %d mapping groups", i, b.SMRIdx, t.MappingGroups)
		}
		if b.ContextBank >= t.ContextBanks {
			return fmt.Errorf("static binding %d: context bank %d outside %d banks", i, b.ContextBank, t.ContextBanks)
		}
		switch b.Type {
		case "", "translate", "bypass", "fault":
		default:
			return fmt.Errorf("static binding %d: unknown type %q", i, b.Type)
		}
	}
	for i, m := range t.Masters {
		if m.DeviceID == "" || len(m.StreamIDs) == 0 {
			return fmt.Errorf("master %d: needs device and stream_ids", i)
		}
	}
	return nil
}

// ParseTopology decodes and validates a YAML topology.
func ParseTopology(data []byte) (*Topology, error) {
	var t Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("topology: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("topology: %w", err)
	}
	return &t, nil
}

// LoadTopology reads a topology file.
func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseTopology(data)
}
