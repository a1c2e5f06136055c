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

import (
	"fmt"
)

const (
	pageSize  = 4096
	pageMask  = pageSize - 1
	blockSize = 2 << 20 // second-level table span

	// Leaf descriptor bits. Low 12 bits of a PTE carry attributes.
	pteValid  = 1 << 0
	pteWrite  = 1 << 1
	pteRead   = 1 << 2
	pteCache  = 1 << 3
	pteNoExec = 1 << 4

	// TCR/MAIR values handed to the context-bank programmer. The driver
	// treats them as opaque; fixed normal-memory attributes suffice.
	tcrDefault  = 0x80803518
	mairDevice  = 0x04
	mairNormal  = 0xff
	tcrTTBR1En  = 1 << 23
	vtcrDefault = 0x80803558
)

// table is the built-in map-backed instance behind LPAE64S1/LPAE64S2/FastV8L.
type table struct {
	cfg    *Config
	stage2 bool

	root uint64 // root table page

	// subtables maps block index (iova / blockSize) to the physical
	// page backing that block's leaf table.
	subtables map[uint64]uint64

	// live counts valid leaves per block index; a block's table page is
	// reclaimed when it drains.
	live map[uint64]int

	// ptes maps page index (iova / pageSize) to leaf descriptor.
	ptes map[uint64]uint64
}

func newTable(format Format, cfg *Config) (Ops, error) {
	if cfg.Alloc == nil {
		return nil, fmt.Errorf("page-table config missing allocator")
	}
	if cfg.PageSizes != 0 && cfg.PageSizes&pageSize == 0 {
		return nil, fmt.Errorf("4KiB granule unsupported by configured page sizes %#x", cfg.PageSizes)
	}
	if format == FastV8L && cfg.IOVAEnd >= 1<<32 {
		return nil, fmt.Errorf("fast format limited to 32-bit apertures, end %#x", cfg.IOVAEnd)
	}
	t := &table{
		cfg:       cfg,
		stage2:    format == LPAE64S2,
		subtables: make(map[uint64]uint64),
		live:      make(map[uint64]int),
		ptes:      make(map[uint64]uint64),
	}
	root, err := cfg.Alloc.AllocExact(pageSize)
	if err != nil {
		return nil, fmt.Errorf("root table: %w", err)
	}
	t.root = root

	if t.stage2 {
		cfg.VTTBR = root
		cfg.VTCR = vtcrDefault
	} else {
		cfg.TTBR[0] = root
		cfg.TCR = tcrDefault
		if cfg.Quirks&QuirkTTBR1 != 0 {
			tt1, err := cfg.Alloc.AllocExact(pageSize)
			if err != nil {
				cfg.Alloc.FreeExact(root, pageSize)
				return nil, fmt.Errorf("ttbr1 table: %w", err)
			}
			cfg.TTBR[1] = tt1
			cfg.TCR |= tcrTTBR1En
		}
		cfg.MAIR[0] = mairDevice | mairNormal<<8
		cfg.MAIR[1] = 0
	}
	return t, nil
}

func (t *table) inRange(iova, size uint64) bool {
	if t.cfg.IOVAEnd == 0 {
		return true
	}
	return iova >= t.cfg.IOVABase && iova+size-1 <= t.cfg.IOVAEnd
}

func encodePTE(phys uint64, prot Prot) uint64 {
	pte := (phys &^ uint64(pageMask)) | pteValid
	if prot&ProtRead != 0 {
		pte |= pteRead
	}
	if prot&ProtWrite != 0 {
		pte |= pteWrite
	}
	if prot&ProtCache != 0 {
		pte |= pteCache
	}
	if prot&ProtNoExec != 0 {
		pte |= pteNoExec
	}
	return pte
}

// Map implements Ops.Map.
func (t *table) Map(iova, phys, size uint64, prot Prot) error {
	if size == 0 || iova&pageMask != 0 || phys&pageMask != 0 || size&pageMask != 0 {
		return fmt.Errorf("unaligned map iova=%#x phys=%#x size=%#x", iova, phys, size)
	}
	if !t.inRange(iova, size) {
		return fmt.Errorf("map %#x+%#x: %w", iova, size, ErrOutOfRange)
	}
	// Validate before mutating: overlapping ranges fail whole.
	for off := uint64(0); off < size; off += pageSize {
		if _, ok := t.ptes[(iova+off)/pageSize]; ok {
			return fmt.Errorf("map %#x: %w", iova+off, ErrExists)
		}
	}
	for off := uint64(0); off < size; off += pageSize {
		va := iova + off
		blk := va / blockSize
		if _, ok := t.subtables[blk]; !ok {
			pg, err := t.cfg.Alloc.AllocExact(pageSize)
			if err != nil {
				// Unwind leaves already installed; table pages
				// stay for reuse.
				t.Unmap(iova, off)
				return fmt.Errorf("leaf table: %w", err)
			}
			t.subtables[blk] = pg
		}
		t.ptes[va/pageSize] = encodePTE(phys+off, prot)
		t.live[blk]++
	}
	return nil
}

// MapSG implements Ops.MapSG.
func (t *table) MapSG(iova uint64, sg []ScatterEntry, prot Prot) (uint64, error) {
	var mapped uint64
	for _, ent := range sg {
		if err := t.Map(iova+mapped, ent.Phys, ent.Size, prot); err != nil {
			return mapped, err
		}
		mapped += ent.Size
	}
	return mapped, nil
}

// Unmap implements Ops.Unmap. Drained leaf tables are handed back to the
// allocator only after the TLB maintenance for their span is queued and
// synced.
func (t *table) Unmap(iova, size uint64) uint64 {
	if iova&pageMask != 0 || size&pageMask != 0 {
		return 0
	}
	var done uint64
	var reclaim []uint64
	for off := uint64(0); off < size; off += pageSize {
		va := iova + off
		idx := va / pageSize
		if _, ok := t.ptes[idx]; !ok {
			break
		}
		delete(t.ptes, idx)
		done += pageSize
		if t.cfg.TLB != nil {
			t.cfg.TLB.AddFlush(va, pageSize, true)
		}
		blk := va / blockSize
		if t.live[blk]--; t.live[blk] == 0 {
			delete(t.live, blk)
			pg := t.subtables[blk]
			delete(t.subtables, blk)
			if t.cfg.TLB != nil {
				t.cfg.TLB.AddFlush(blk*blockSize, blockSize, false)
			}
			reclaim = append(reclaim, pg)
		}
	}
	if done > 0 && t.cfg.TLB != nil {
		t.cfg.TLB.Sync()
	}
	// Safe to reclaim: invalidation for the spans above has completed.
	for _, pg := range reclaim {
		t.cfg.Alloc.FreeExact(pg, pageSize)
	}
	return done
}

// IOVAToPhys implements Ops.IOVAToPhys.
func (t *table) IOVAToPhys(iova uint64) uint64 {
	pte, ok := t.ptes[iova/pageSize]
	if !ok {
		return 0
	}
	return (pte &^ uint64(pageMask)) | (iova & pageMask)
}

// IOVAToPTE implements Ops.IOVAToPTE.
func (t *table) IOVAToPTE(iova uint64) uint64 {
	return t.ptes[iova/pageSize]
}

// Release implements Ops.Release.
func (t *table) Release() {
	for blk, pg := range t.subtables {
		delete(t.subtables, blk)
		t.cfg.Alloc.FreeExact(pg, pageSize)
	}
	t.ptes = make(map[uint64]uint64)
	t.live = make(map[uint64]int)
	if t.root != 0 {
		t.cfg.Alloc.FreeExact(t.root, pageSize)
		t.root = 0
	}
	if t.cfg.TTBR[1] != 0 {
		t.cfg.Alloc.FreeExact(t.cfg.TTBR[1], pageSize)
		t.cfg.TTBR[1] = 0
	}
}
