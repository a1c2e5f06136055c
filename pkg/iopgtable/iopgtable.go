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

// Package iopgtable defines the page-table collaborator contract consumed
// by the SMMU driver core.
//
// The driver treats the table format as opaque: it supplies TLB and
// page-allocation callbacks, receives Ops, and reads back the translation
// register values (TTBRs, TCR, MAIRs) computed for the chosen format. The
// built-in implementation here is deliberately minimal (4 KiB granules,
// two-level bookkeeping): enough to exercise allocation callbacks and TLB
// ordering, not a faithful LPAE walker.
package iopgtable

import (
	"errors"
	"fmt"
)

// Format selects a page-table format.
type Format int

const (
	// LPAE64S1 is the 64-bit stage-1 long-descriptor format.
	LPAE64S1 Format = iota

	// LPAE64S2 is the 64-bit stage-2 long-descriptor format.
	LPAE64S2

	// FastV8L is the preallocated stage-1 format used by fast-path DMA
	// domains; apertures are limited to 32-bit IOVAs.
	FastV8L

	// SecureSlave is the format whose tables live in (and are mutated
	// by) the secure world. No normal-world page memory is allocated.
	SecureSlave
)

// Quirk adjusts format behavior.
type Quirk uint32

const (
	// QuirkTTBR1 maps the upper half of the address space through
	// TTBR1.
	QuirkTTBR1 Quirk = 1 << iota

	// QuirkCoherent marks table memory as coherent with the walker, so
	// no cache maintenance is generated.
	QuirkCoherent
)

// Prot is a mapping permission mask.
type Prot int

const (
	// ProtRead allows device reads.
	ProtRead Prot = 1 << iota

	// ProtWrite allows device writes.
	ProtWrite

	// ProtCache maps the region cacheable.
	ProtCache

	// ProtNoExec forbids instruction fetch.
	ProtNoExec
)

// Errors returned by Ops.
var (
	// ErrExists indicates an overlapping mapping.
	ErrExists = errors.New("iova already mapped")

	// ErrOutOfRange indicates an IOVA outside the configured aperture.
	ErrOutOfRange = errors.New("iova out of range")
)

// ScatterEntry is one physically contiguous run in a scatter list.
type ScatterEntry struct {
	Phys uint64
	Size uint64
}

// TLB receives invalidation callbacks during table mutation. Implementations
// must tolerate calls while the table lock is held.
type TLB interface {
	// FlushAll invalidates the whole context.
	FlushAll()

	// AddFlush queues invalidation of [iova, iova+size). leaf is true
	// when only leaf entries changed.
	AddFlush(iova, size uint64, leaf bool)

	// Sync waits for queued invalidations to complete.
	Sync()
}

// PageAllocator provides physical memory for table construction. The driver
// routes these through secure ownership tracking when the domain requires
// it.
type PageAllocator interface {
	// AllocExact returns the physical address of size bytes of table
	// memory. The memory must be zeroed: a walker treats any nonzero
	// descriptor as live, so recycled chunks must be scrubbed before
	// they are handed out again.
	AllocExact(size uint64) (uint64, error)

	// FreeExact releases table memory.
	FreeExact(phys, size uint64)
}

// Config carries format inputs and, after New, register outputs.
type Config struct {
	Quirks    Quirk
	PageSizes uint64
	IAS, OAS  uint
	SEP       int
	IOVABase  uint64
	IOVAEnd   uint64

	TLB   TLB
	Alloc PageAllocator

	// Outputs, valid after New.
	TTBR  [2]uint64
	TCR   uint64
	MAIR  [2]uint32
	VTTBR uint64
	VTCR  uint32
}

// Ops is a live page-table instance.
type Ops interface {
	// Map establishes iova -> phys for size bytes.
	Map(iova, phys, size uint64, prot Prot) error

	// MapSG maps a scatter list at iova and returns the number of bytes
	// mapped. On error the caller unmaps the mapped prefix.
	MapSG(iova uint64, sg []ScatterEntry, prot Prot) (uint64, error)

	// Unmap removes up to size bytes at iova, returning the bytes
	// actually unmapped.
	Unmap(iova, size uint64) uint64

	// IOVAToPhys walks the table in software.
	IOVAToPhys(iova uint64) uint64

	// IOVAToPTE returns the raw leaf descriptor for iova, or 0.
	IOVAToPTE(iova uint64) uint64

	// Release frees all table memory through the configured allocator.
	Release()
}

// New allocates a page-table instance. The caller's allocation callbacks
// may fire before New returns (root table construction).
func New(format Format, cfg *Config) (Ops, error) {
	switch format {
	case LPAE64S1, LPAE64S2, FastV8L:
		return newTable(format, cfg)
	case SecureSlave:
		return newSecureSlaveTable(cfg)
	default:
		return nil, fmt.Errorf("unknown page-table format %d", format)
	}
}
