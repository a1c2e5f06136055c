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

// Package bitmap provides fixed-size index bitmaps with atomic claim
// semantics, used to allocate context-bank and stream-match-register
// indices.
package bitmap

import (
	"errors"
	"fmt"
	"math/bits"
	"sync/atomic"
)

// ErrExhausted is returned by Allocate when no clear bit remains in range.
var ErrExhausted = errors.New("no free index in range")

// Bitmap is a fixed-size bitmap. Bits are claimed with compare-and-swap so
// concurrent allocators never hand out the same index twice.
type Bitmap struct {
	size  uint32
	words []atomic.Uint64
}

// New creates a Bitmap holding size bits, all clear.
func New(size uint32) *Bitmap {
	return &Bitmap{
		size:  size,
		words: make([]atomic.Uint64, (size+63)/64),
	}
}

// Size returns the number of bits in the bitmap.
func (b *Bitmap) Size() uint32 {
	return b.size
}

// firstZero returns the first clear bit in [start, end), or end if none.
func (b *Bitmap) firstZero(start, end uint32) uint32 {
	i, nbit := int(start/64), start%64
	w := b.words[i].Load() | ((1 << nbit) - 1)
	for {
		if w != ^uint64(0) {
			r := uint32(bits.TrailingZeros64(^w)) + uint32(i*64)
			if r >= end {
				return end
			}
			return r
		}
		i++
		if uint32(i*64) >= end {
			return end
		}
		w = b.words[i].Load()
	}
}

// TestAndSet sets bit idx and reports whether it was already set.
func (b *Bitmap) TestAndSet(idx uint32) bool {
	word, mask := &b.words[idx/64], uint64(1)<<(idx%64)
	for {
		old := word.Load()
		if old&mask != 0 {
			return true
		}
		if word.CompareAndSwap(old, old|mask) {
			return false
		}
	}
}

// Clear clears bit idx. The caller must guarantee no concurrent user of the
// index.
func (b *Bitmap) Clear(idx uint32) {
	word, mask := &b.words[idx/64], uint64(1)<<(idx%64)
	for {
		old := word.Load()
		if word.CompareAndSwap(old, old&^mask) {
			return
		}
	}
}

// IsSet reports whether bit idx is set.
func (b *Bitmap) IsSet(idx uint32) bool {
	return b.words[idx/64].Load()&(uint64(1)<<(idx%64)) != 0
}

// Allocate claims the first clear bit in [start, end) and returns its index.
// A lost claim race retries the scan. Returns ErrExhausted when no clear bit
// remains in range.
func (b *Bitmap) Allocate(start, end uint32) (uint32, error) {
	if end > b.size {
		end = b.size
	}
	if start >= end {
		return 0, fmt.Errorf("bad range [%d, %d): %w", start, end, ErrExhausted)
	}
	for {
		idx := b.firstZero(start, end)
		if idx == end {
			return 0, ErrExhausted
		}
		if !b.TestAndSet(idx) {
			return idx, nil
		}
	}
}

// NumSet returns the number of set bits.
func (b *Bitmap) NumSet() uint32 {
	var ones uint32
	for i := range b.words {
		ones += uint32(bits.OnesCount64(b.words[i].Load()))
	}
	return ones
}

// ToSlice returns the indices of all set bits in ascending order.
func (b *Bitmap) ToSlice() []uint32 {
	var set []uint32
	for i := range b.words {
		w := b.words[i].Load()
		base := uint32(i * 64)
		for w != 0 {
			j := w & -w
			set = append(set, base+uint32(bits.OnesCount64(j-1)))
			w ^= j
		}
	}
	return set
}
