// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package teamreg

import (
	"testing"

	"github.com/dartgo/dart/errs"
	"github.com/dartgo/dart/internal/group"
)

func TestNewSeedsUniversalTeam(t *testing.T) {
	r := New(4)
	if got, want := r.Len(), 1; got != want {
		t.Errorf("Len() = %d, want %d", got, want)
	}
	idx, err := r.Convert(UniversalTeamID)
	if err != nil {
		t.Fatal(err)
	}
	if idx != 0 {
		t.Errorf("universal team at slot %d, want 0", idx)
	}
}

func TestAllocPopulateConvert(t *testing.T) {
	r := New(4)
	idx, err := r.Alloc(1)
	if err != nil {
		t.Fatal(err)
	}
	g, err := group.New(4, []int32{0, 1})
	if err != nil {
		t.Fatal(err)
	}
	r.Populate(idx, g, "handle-1")

	got, err := r.Convert(1)
	if err != nil {
		t.Fatal(err)
	}
	if got != idx {
		t.Errorf("Convert(1) = %d, want %d", got, idx)
	}
	slot, err := r.Slot(idx)
	if err != nil {
		t.Fatal(err)
	}
	if slot.GroupHandle != "handle-1" {
		t.Errorf("Slot(%d).GroupHandle = %v, want handle-1", idx, slot.GroupHandle)
	}
}

func TestRecycleBumpsGeneration(t *testing.T) {
	r := New(4)
	idx, err := r.Alloc(1)
	if err != nil {
		t.Fatal(err)
	}
	r.Populate(idx, group.Universe(4), nil)
	before, err := r.Slot(idx)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Recycle(idx, 1); err != nil {
		t.Fatal(err)
	}
	idx2, err := r.Alloc(2)
	if err != nil {
		t.Fatal(err)
	}
	if idx2 != idx {
		t.Skip("allocator reused a different slot; generation check not applicable")
	}
	after, err := r.Slot(idx2)
	if err != nil {
		t.Fatal(err)
	}
	if after.Generation == before.Generation {
		t.Errorf("Generation did not advance across recycle: before=%d after=%d", before.Generation, after.Generation)
	}
}

func TestRecycleRejectsUniversalTeam(t *testing.T) {
	r := New(4)
	if err := r.Recycle(0, UniversalTeamID); !errs.Is(errs.Invalid, err) {
		t.Errorf("Recycle(universal team) = %v, want Invalid", err)
	}
}

func TestRecycleRejectsMismatch(t *testing.T) {
	r := New(4)
	idx, err := r.Alloc(1)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Recycle(idx, 999); !errs.Is(errs.Invalid, err) {
		t.Errorf("Recycle with wrong teamID = %v, want Invalid", err)
	}
}

func TestAllocExhaustion(t *testing.T) {
	r := New(4)
	for i := int64(1); i < Cap; i++ {
		if _, err := r.Alloc(i); err != nil {
			t.Fatalf("Alloc(%d): %v", i, err)
		}
	}
	if _, err := r.Alloc(int64(Cap)); !errs.Is(errs.Exhausted, err) {
		t.Errorf("Alloc beyond Cap = %v, want Exhausted", err)
	}
}

func TestConvertUnknownTeam(t *testing.T) {
	r := New(4)
	if _, err := r.Convert(42); !errs.Is(errs.NotFound, err) {
		t.Errorf("Convert(42) = %v, want NotFound", err)
	}
}
