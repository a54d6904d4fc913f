// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package buddy implements the local per-process buddy allocator
// backing local (segment-0) global pointers. It is
// grounded on dart_buddy_alloc/dart_buddy_free (referenced from
// dart_globmem.c in _examples/original_source/dart-impl/mpi/src) and
// in shape on the order-indexed free-list buddy allocators surveyed in
// the example pack (e.g. LeftHandCold-hybridAllocator's BuddyAllocator).
package buddy

import (
	"math/bits"
	"sync"

	"github.com/dartgo/dart/errs"
	"github.com/spaolacci/murmur3"
)

// MaxOrder bounds the largest single allocation class this allocator
// will track; orders index block sizes of 2^order bytes.
const MaxOrder = 48

// Pool is a fixed-size arena managed by a buddy allocator, yielding
// 64-bit offsets relative to the arena's base. The zero value is not
// usable; use New.
type Pool struct {
	mu      sync.Mutex
	size    uint64
	free    [MaxOrder + 1][]uint64 // free[order] holds free block offsets of size 2^order
	minSize uint64
	minOrd  int
	// allocated maps an offset to the order it was carved at, so Free
	// can find its buddy without a separate bitmap.
	allocated map[uint64]int
}

// New returns a Pool managing an arena of size bytes, with allocations
// rounded up to at least minBlock bytes (a power of two).
func New(size uint64, minBlock uint64) *Pool {
	if minBlock == 0 {
		minBlock = 64
	}
	minOrd := bits.Len64(minBlock - 1)
	p := &Pool{
		size:      size,
		minSize:   uint64(1) << minOrd,
		minOrd:    minOrd,
		allocated: make(map[uint64]int),
	}
	// Seed the free lists by carving the arena into the largest
	// power-of-two blocks that fit, largest first. Offset 0 is
	// reserved for the zero-byte allocation sentinel (see Alloc) and
	// is never carved into a free list, so it can never alias a real
	// block's offset.
	off := p.minSize
	for off < size {
		remaining := size - off
		order := bits.Len64(remaining) - 1
		if order > MaxOrder {
			order = MaxOrder
		}
		for order > p.minOrd && (uint64(1)<<order) > remaining {
			order--
		}
		p.free[order] = append(p.free[order], off)
		off += uint64(1) << order
	}
	return p
}

func orderFor(n uint64, minOrd int) int {
	if n == 0 {
		return minOrd
	}
	ord := bits.Len64(n - 1)
	if ord < minOrd {
		ord = minOrd
	}
	return ord
}

// Alloc returns the offset of a block of at least nbytes, or
// Exhausted if the arena cannot satisfy the request. A zero-byte
// request always returns offset 0 without consuming any free-list
// space, matching the source's "allocation of zero bytes returns a
// valid pointer with offset 0" boundary case; New never hands offset
// 0 to a real allocation, so this can't alias one.
func (p *Pool) Alloc(nbytes uint64) (uint64, error) {
	if nbytes == 0 {
		return 0, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	order := orderFor(nbytes, p.minOrd)
	if order > MaxOrder {
		return 0, errs.E(errs.Exhausted, "buddy: request exceeds max block size")
	}
	off, ok := p.take(order)
	if !ok {
		return 0, errs.E(errs.Exhausted, "buddy: pool exhausted")
	}
	p.allocated[off] = order
	return off, nil
}

// take finds a free block at order, splitting a larger block if
// necessary, and returns its offset.
func (p *Pool) take(order int) (uint64, bool) {
	if order > MaxOrder {
		return 0, false
	}
	if n := len(p.free[order]); n > 0 {
		off := p.free[order][n-1]
		p.free[order] = p.free[order][:n-1]
		return off, true
	}
	parentOff, ok := p.take(order + 1)
	if !ok {
		return 0, false
	}
	buddyOff := parentOff + (uint64(1) << order)
	p.free[order] = append(p.free[order], buddyOff)
	return parentOff, true
}

// Free releases the block at offset, coalescing with its buddy when
// possible. Unknown offsets surface Invalid: freeing an offset this
// pool never handed out is an error, and so is freeing it a second
// time, since the first Free already removed it from allocated.
// Offset 0, the zero-byte allocation sentinel, frees as a no-op: it
// was never taken from a free list or recorded in allocated.
func (p *Pool) Free(offset uint64) error {
	if offset == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.allocated[offset]
	if !ok {
		return errs.E(errs.Invalid, "buddy: invalid offset", offset)
	}
	delete(p.allocated, offset)
	p.release(offset, order)
	return nil
}

func (p *Pool) release(offset uint64, order int) {
	for order < MaxOrder {
		size := uint64(1) << order
		buddyOff := offset ^ size // offset±size: an adjacent block of the same order (blocks start at minSize, so they need not be size-aligned)
		idx := -1
		for i, o := range p.free[order] {
			if o == buddyOff {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		p.free[order] = append(p.free[order][:idx], p.free[order][idx+1:]...)
		if buddyOff < offset {
			offset = buddyOff
		}
		order++
	}
	p.free[order] = append(p.free[order], offset)
}

// FreeSize returns the total number of bytes currently unallocated
// across all free-list orders, for the idempotence property "the
// pool's free size is restored" after memfree(memalloc(n)).
func (p *Pool) FreeSize() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total uint64
	for order, blocks := range p.free {
		total += uint64(len(blocks)) * (uint64(1) << order)
	}
	return total
}

// sizeClassHash distributes an allocation's requested size across a
// fixed number of instrumentation buckets, used only for the Runtime's
// stats reporting of allocation-size distribution; it has no bearing
// on allocator correctness.
func sizeClassHash(nbytes uint64, buckets uint32) uint32 {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(nbytes >> (8 * i))
	}
	return murmur3.Sum32(b[:]) % buckets
}

// SizeClassHash exposes sizeClassHash for callers (e.g. Runtime)
// instrumenting allocation patterns with stats.Map.
func SizeClassHash(nbytes uint64, buckets uint32) uint32 { return sizeClassHash(nbytes, buckets) }
