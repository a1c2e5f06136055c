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

	"github.com/akhilnarang/whyred/pkg/log"
	"github.com/akhilnarang/whyred/pkg/sync"
)

// Registry owns the set of live device instances. Callers resolve a bus
// master's controlling SMMU through it rather than through process-global
// state.
type Registry struct {
	// mu protects devices.
	mu      sync.Mutex
	devices map[string]*Device
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]*Device)}
}

// Add records a device instance.
func (r *Registry) Add(d *Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[d.Name()]; ok {
		return fmt.Errorf("device %q: %w", d.Name(), ErrExists)
	}
	r.devices[d.Name()] = d
	return nil
}

// Remove drops a device instance. A device with live domains is a caller
// bug; it is logged and removed anyway.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[name]
	if !ok {
		return
	}
	if n := d.AttachCount(); n > 0 {
		log.Warningf("smmu %s: removed with %d domains still attached", name, n)
	}
	delete(r.devices, name)
}

// Get returns the device registered under name, or nil.
func (r *Registry) Get(name string) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.devices[name]
}

// FindForDevice resolves the device instance and master record controlling
// the given bus-master identity.
func (r *Registry) FindForDevice(deviceID string) (*Device, *Master, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.devices {
		if m := d.MasterForDevice(deviceID); m != nil {
			return d, m, nil
		}
	}
	return nil, nil, fmt.Errorf("%w: no SMMU controls device %q", ErrInvalid, deviceID)
}
