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

import "fmt"

// BindingType is the stream-to-context policy of a static entry.
type BindingType int

const (
	// BindTranslate routes the stream through a context bank.
	BindTranslate BindingType = iota

	// BindBypass passes the stream through untranslated.
	BindBypass

	// BindFault aborts all transactions on the stream.
	BindFault
)

// StaticEntry is one firmware-preconfigured stream binding. Immutable after
// probe; its indices never pass through the bitmaps.
type StaticEntry struct {
	SID        uint32
	SMRIdx     uint32
	ContextIdx uint32
	Type       BindingType
}

// StaticEntries returns a copy of the static binding table.
func (d *Device) StaticEntries() []StaticEntry {
	return append([]StaticEntry(nil), d.static...)
}

// staticForSID returns the static entry for a stream ID, or nil.
func (d *Device) staticForSID(sid uint32) *StaticEntry {
	for i := range d.static {
		if d.static[i].SID == sid {
			return &d.static[i]
		}
	}
	return nil
}

// staticForSMRIdx returns the static entry holding SMR index i, or nil.
func (d *Device) staticForSMRIdx(i uint32) *StaticEntry {
	for j := range d.static {
		if d.static[j].SMRIdx == i {
			return &d.static[j]
		}
	}
	return nil
}

// staticForContextIdx returns the static translate entry holding context
// bank i, or nil.
func (d *Device) staticForContextIdx(i uint32) *StaticEntry {
	for j := range d.static {
		if d.static[j].Type == BindTranslate && d.static[j].ContextIdx == i {
			return &d.static[j]
		}
	}
	return nil
}

// allocContextIdx negotiates a context-bank index for the given candidate
// stream IDs. A static translate binding for any of them wins outright and
// never consumes a bitmap slot. Otherwise the first clear index in
// [start, numContextBanks) is claimed; stage-1 banks start above the
// stage-2-capable ones.
func (d *Device) allocContextIdx(sids []uint32, stage Stage) (idx uint32, static bool, err error) {
	for _, sid := range sids {
		if e := d.staticForSID(sid); e != nil && e.Type == BindTranslate {
			return e.ContextIdx, true, nil
		}
	}
	start := uint32(0)
	if stage == Stage1 {
		start = d.numS2ContextBanks
	}
	idx, err = d.contextMap.Allocate(start, d.numContextBanks)
	if err != nil {
		return 0, false, fmt.Errorf("context banks: %w", err)
	}
	return idx, false, nil
}

// freeContextIdx returns a context-bank index to the pool. Static banks are
// never freed.
func (d *Device) freeContextIdx(idx uint32, static bool) {
	if static {
		return
	}
	d.contextMap.Clear(idx)
}

// allocSMRIdx negotiates a stream-match-register index for one stream ID,
// static-first like allocContextIdx.
func (d *Device) allocSMRIdx(sid uint32) (idx uint32, static bool, err error) {
	if e := d.staticForSID(sid); e != nil {
		return e.SMRIdx, true, nil
	}
	idx, err = d.smrMap.Allocate(0, d.numMappingGroups)
	if err != nil {
		return 0, false, fmt.Errorf("mapping groups: %w", err)
	}
	return idx, false, nil
}

// freeSMRIdx returns a mapping-group index to the pool. The caller must
// have already invalidated the hardware entry.
func (d *Device) freeSMRIdx(idx uint32, static bool) {
	if static {
		return
	}
	d.smrMap.Clear(idx)
}
