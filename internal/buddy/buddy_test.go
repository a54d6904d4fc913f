// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package buddy

import (
	"testing"

	fuzz "github.com/google/gofuzz"
)

// TestAllocFreeRoundTrip fuzzes a sequence of allocation sizes the way
// exec/store_test.go's testStore fuzzes its payload, and checks that
// every allocation is freeable and that FreeSize returns to its
// starting value once everything handed out has been freed back
//.
func TestAllocFreeRoundTrip(t *testing.T) {
	p := New(1<<20, 64)
	start := p.FreeSize()

	fz := fuzz.New().NumElements(16, 64).NilChance(0)
	var sizes []uint64
	fz.Fuzz(&sizes)

	var offsets []uint64
	for _, n := range sizes {
		n = n%(1<<16) + 1
		off, err := p.Alloc(n)
		if err != nil {
			// Pool exhaustion is expected once the fuzzed sizes
			// outrun the arena; stop allocating, not an error.
			break
		}
		offsets = append(offsets, off)
	}
	for _, off := range offsets {
		if err := p.Free(off); err != nil {
			t.Fatalf("Free(%d): %v", off, err)
		}
	}
	if got := p.FreeSize(); got != start {
		t.Errorf("FreeSize after round trip = %d, want %d", got, start)
	}
}

func TestAllocZeroBytes(t *testing.T) {
	p := New(4096, 64)
	start := p.FreeSize()
	off, err := p.Alloc(0)
	if err != nil {
		t.Fatalf("Alloc(0): %v", err)
	}
	if off != 0 {
		t.Errorf("Alloc(0) offset = %d, want 0", off)
	}
	if got := p.FreeSize(); got != start {
		t.Errorf("Alloc(0) consumed free-list space: FreeSize = %d, want %d", got, start)
	}
	if err := p.Free(off); err != nil {
		t.Fatalf("Free(%d): %v", off, err)
	}
}

// TestAllocZeroBytesNeverAliasesRealOffset confirms New reserves
// offset 0 for the zero-byte sentinel: the first real allocation
// never lands at 0, so Free(0) can always be treated as the sentinel
// case without risking a double-free of a real block.
func TestAllocZeroBytesNeverAliasesRealOffset(t *testing.T) {
	p := New(4096, 64)
	off, err := p.Alloc(64)
	if err != nil {
		t.Fatalf("Alloc(64): %v", err)
	}
	if off == 0 {
		t.Fatalf("Alloc(64) returned offset 0, which collides with the zero-byte sentinel")
	}
}

func TestAllocExhaustion(t *testing.T) {
	p := New(128, 64)
	if _, err := p.Alloc(64); err != nil {
		t.Fatalf("first Alloc: %v", err)
	}
	if _, err := p.Alloc(64); err != nil {
		t.Fatalf("second Alloc: %v", err)
	}
	if _, err := p.Alloc(64); err == nil {
		t.Error("third Alloc should have exhausted the pool")
	}
}

func TestFreeUnknownOffset(t *testing.T) {
	p := New(4096, 64)
	if err := p.Free(12345); err == nil {
		t.Error("Free of an offset never allocated should fail")
	}
}

func TestFreeDoubleFreeRejected(t *testing.T) {
	p := New(4096, 64)
	off, err := p.Alloc(64)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := p.Free(off); err != nil {
		t.Fatalf("first Free: %v", err)
	}
	if err := p.Free(off); err == nil {
		t.Error("second Free of the same offset should fail")
	}
}

func TestSizeClassHashBounded(t *testing.T) {
	for _, n := range []uint64{0, 1, 63, 64, 1 << 20, 1 << 40} {
		h := SizeClassHash(n, 16)
		if h >= 16 {
			t.Errorf("SizeClassHash(%d, 16) = %d, out of range", n, h)
		}
	}
}
