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

package iopgtable

// secureSlaveTable mirrors mappings for a table owned and walked by the
// secure world. No normal-world table memory exists, so the allocator and
// TLB callbacks are never invoked; the secure side performs its own
// maintenance on mutation.
type secureSlaveTable struct {
	ptes map[uint64]uint64
}

func newSecureSlaveTable(cfg *Config) (Ops, error) {
	return &secureSlaveTable{ptes: make(map[uint64]uint64)}, nil
}

// Map implements Ops.Map.
func (t *secureSlaveTable) Map(iova, phys, size uint64, prot Prot) error {
	for off := uint64(0); off < size; off += pageSize {
		if _, ok := t.ptes[(iova+off)/pageSize]; ok {
			return ErrExists
		}
	}
	for off := uint64(0); off < size; off += pageSize {
		t.ptes[(iova+off)/pageSize] = encodePTE(phys+off, prot)
	}
	return nil
}

// MapSG implements Ops.MapSG.
func (t *secureSlaveTable) MapSG(iova uint64, sg []ScatterEntry, prot Prot) (uint64, error) {
	var mapped uint64
	for _, ent := range sg {
		if err := t.Map(iova+mapped, ent.Phys, ent.Size, prot); err != nil {
			return mapped, err
		}
		mapped += ent.Size
	}
	return mapped, nil
}

// Unmap implements Ops.Unmap.
func (t *secureSlaveTable) Unmap(iova, size uint64) uint64 {
	var done uint64
	for off := uint64(0); off < size; off += pageSize {
		idx := (iova + off) / pageSize
		if _, ok := t.ptes[idx]; !ok {
			break
		}
		delete(t.ptes, idx)
		done += pageSize
	}
	return done
}

// IOVAToPhys implements Ops.IOVAToPhys.
func (t *secureSlaveTable) IOVAToPhys(iova uint64) uint64 {
	pte, ok := t.ptes[iova/pageSize]
	if !ok {
		return 0
	}
	return (pte &^ uint64(pageMask)) | (iova & pageMask)
}

// IOVAToPTE implements Ops.IOVAToPTE.
func (t *secureSlaveTable) IOVAToPTE(iova uint64) uint64 {
	return t.ptes[iova/pageSize]
}

// Release implements Ops.Release.
func (t *secureSlaveTable) Release() {
	t.ptes = make(map[uint64]uint64)
}
