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
	"errors"
	"testing"
)

// countingAlloc hands out ascending fake physical pages.
type countingAlloc struct {
	next   uint64
	allocs int
	frees  int
	held   map[uint64]uint64
}

func newCountingAlloc() *countingAlloc {
	return &countingAlloc{next: 0x8000_0000, held: make(map[uint64]uint64)}
}

func (a *countingAlloc) AllocExact(size uint64) (uint64, error) {
	phys := a.next
	a.next += size
	a.allocs++
	a.held[phys] = size
	return phys, nil
}

func (a *countingAlloc) FreeExact(phys, size uint64) {
	a.frees++
	delete(a.held, phys)
}

// recordingTLB records invalidation ordering.
type recordingTLB struct {
	flushes int
	syncs   int
	order   []string
}

func (r *recordingTLB) FlushAll() { r.flushes++; r.order = append(r.order, "flushall") }
func (r *recordingTLB) AddFlush(iova, size uint64, leaf bool) {
	r.order = append(r.order, "flush")
}
func (r *recordingTLB) Sync() { r.syncs++; r.order = append(r.order, "sync") }

func TestMapUnmapRoundTrip(t *testing.T) {
	cfg := &Config{Alloc: newCountingAlloc(), TLB: &recordingTLB{}}
	ops, err := New(LPAE64S1, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if cfg.TTBR[0] == 0 {
		t.Error("TTBR0 not populated")
	}
	if err := ops.Map(0x1000, 0xa000, 0x2000, ProtRead|ProtWrite); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if got := ops.IOVAToPhys(0x1004); got != 0xa004 {
		t.Errorf("IOVAToPhys = %#x, want 0xa004", got)
	}
	if got := ops.IOVAToPhys(0x2abc); got != 0xbabc {
		t.Errorf("IOVAToPhys = %#x, want 0xbabc", got)
	}
	if pte := ops.IOVAToPTE(0x1000); pte&pteValid == 0 || pte&pteWrite == 0 {
		t.Errorf("PTE = %#x, want valid+write", pte)
	}
	if err := ops.Map(0x1000, 0xc000, 0x1000, ProtRead); !errors.Is(err, ErrExists) {
		t.Errorf("overlapping Map = %v, want ErrExists", err)
	}
	if got := ops.Unmap(0x1000, 0x2000); got != 0x2000 {
		t.Errorf("Unmap = %#x, want 0x2000", got)
	}
	if got := ops.IOVAToPhys(0x1000); got != 0 {
		t.Errorf("IOVAToPhys after unmap = %#x, want 0", got)
	}
}

func TestUnmapSyncsBeforeTableReclaim(t *testing.T) {
	alloc := newCountingAlloc()
	tlb := &recordingTLB{}
	cfg := &Config{Alloc: alloc, TLB: tlb}
	ops, err := New(LPAE64S1, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := ops.Map(0, 0xa000, pageSize, ProtRead); err != nil {
		t.Fatalf("Map: %v", err)
	}
	freesBefore := alloc.frees
	ops.Unmap(0, pageSize)
	if alloc.frees != freesBefore+1 {
		t.Fatalf("drained leaf table not reclaimed")
	}
	// The last TLB event before reclaim must be a sync.
	if tlb.syncs == 0 || tlb.order[len(tlb.order)-1] != "sync" {
		t.Errorf("TLB events %v: want trailing sync before reclaim", tlb.order)
	}
}

func TestMapSGPartialFailure(t *testing.T) {
	cfg := &Config{Alloc: newCountingAlloc(), TLB: &recordingTLB{}}
	ops, err := New(LPAE64S1, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := ops.Map(0x2000, 0xf000, 0x1000, ProtRead); err != nil {
		t.Fatalf("Map: %v", err)
	}
	sg := []ScatterEntry{
		{Phys: 0xa000, Size: 0x1000},
		{Phys: 0xb000, Size: 0x2000}, // collides with 0x2000
	}
	mapped, err := ops.MapSG(0x1000, sg, ProtRead)
	if err == nil {
		t.Fatal("MapSG succeeded over existing mapping")
	}
	if mapped != 0x1000 {
		t.Errorf("MapSG mapped %#x before failing, want 0x1000", mapped)
	}
}

func TestFastFormatRejectsWideAperture(t *testing.T) {
	cfg := &Config{Alloc: newCountingAlloc(), IOVAEnd: 1 << 32}
	if _, err := New(FastV8L, cfg); err == nil {
		t.Error("FastV8L accepted >=4GiB aperture")
	}
}

func TestReleaseReturnsAllTableMemory(t *testing.T) {
	alloc := newCountingAlloc()
	cfg := &Config{Alloc: alloc, TLB: &recordingTLB{}, Quirks: QuirkTTBR1}
	ops, err := New(LPAE64S1, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := uint64(0); i < 4; i++ {
		if err := ops.Map(i*blockSize, 0xa000, pageSize, ProtRead); err != nil {
			t.Fatalf("Map: %v", err)
		}
	}
	ops.Release()
	if len(alloc.held) != 0 {
		t.Errorf("%d table pages leaked after Release", len(alloc.held))
	}
}
