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

// Master is one bus master: a stable device identifier plus the stream IDs
// its transactions carry. Stream-match bindings (smrIdxs) are populated on
// domain attach and removed on detach; everything else is immutable after
// registration.
type Master struct {
	// DeviceID is the stable identity the master is looked up by.
	DeviceID string

	// StreamIDs are the stream identifiers the master emits.
	StreamIDs []uint32

	// smrIdxs[i] is the mapping-group index bound for StreamIDs[i], with
	// a parallel static marker. Valid only while attached.
	smrIdxs   []uint32
	smrStatic []bool
	bound     bool
}

// RegisterMaster records a bus master on this device instance.
func (d *Device) RegisterMaster(deviceID string, streamIDs []uint32) (*Master, error) {
	if deviceID == "" || len(streamIDs) == 0 {
		return nil, fmt.Errorf("%w: master needs an identity and stream IDs", ErrInvalid)
	}
	if uint32(len(streamIDs)) > d.numMappingGroups {
		return nil, fmt.Errorf("%w: %d stream IDs exceed %d mapping groups", ErrInvalid, len(streamIDs), d.numMappingGroups)
	}
	for _, sid := range streamIDs {
		if sid&^d.smrMask != 0 {
			return nil, fmt.Errorf("%w: stream ID %#x beyond implemented mask %#x", ErrInvalid, sid, d.smrMask)
		}
	}
	m := &Master{
		DeviceID:  deviceID,
		StreamIDs: append([]uint32(nil), streamIDs...),
	}
	d.mastersMu.Lock()
	defer d.mastersMu.Unlock()
	if _, ok := d.masters.Get(m); ok {
		return nil, fmt.Errorf("master %q: %w", deviceID, ErrExists)
	}
	d.masters.ReplaceOrInsert(m)
	return m, nil
}

// MasterForDevice returns the master registered under deviceID, or nil.
func (d *Device) MasterForDevice(deviceID string) *Master {
	d.mastersMu.Lock()
	defer d.mastersMu.Unlock()
	m, _ := d.masters.Get(&Master{DeviceID: deviceID})
	return m
}

// MasterForSID returns the master emitting the given stream ID, or nil.
func (d *Device) MasterForSID(sid uint32) *Master {
	d.mastersMu.Lock()
	defer d.mastersMu.Unlock()
	var found *Master
	d.masters.Ascend(func(m *Master) bool {
		for _, s := range m.StreamIDs {
			if s == sid {
				found = m
				return false
			}
		}
		return true
	})
	return found
}
