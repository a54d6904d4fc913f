// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package transtable

import (
	"testing"

	"github.com/dartgo/dart/errs"
)

func TestAddGetRemove(t *testing.T) {
	tab := New()
	seg := &Segment{ID: 1, Nbytes: 1024, DispSet: []uint64{0, 128}, LocalBase: 0xf00d}
	if err := tab.Add(seg); err != nil {
		t.Fatal(err)
	}
	got, err := tab.Get(1)
	if err != nil {
		t.Fatal(err)
	}
	if got != seg {
		t.Error("Get returned a different *Segment than Add was given")
	}
	base, err := tab.GetSelfBasePtr(1)
	if err != nil {
		t.Fatal(err)
	}
	if base != 0xf00d {
		t.Errorf("GetSelfBasePtr = %x, want f00d", base)
	}
	disp, err := tab.GetDisp(1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if disp != 128 {
		t.Errorf("GetDisp(1, 1) = %d, want 128", disp)
	}
	if err := tab.Remove(1); err != nil {
		t.Fatal(err)
	}
	if _, err := tab.Get(1); !errs.Is(errs.Invalid, err) {
		t.Errorf("Get after Remove = %v, want Invalid", err)
	}
}

func TestAddDuplicateRejected(t *testing.T) {
	tab := New()
	if err := tab.Add(&Segment{ID: 1}); err != nil {
		t.Fatal(err)
	}
	if err := tab.Add(&Segment{ID: 1}); !errs.Is(errs.Invalid, err) {
		t.Errorf("duplicate Add = %v, want Invalid", err)
	}
}

func TestRemoveUnknown(t *testing.T) {
	tab := New()
	if err := tab.Remove(99); !errs.Is(errs.Invalid, err) {
		t.Errorf("Remove of unknown segment = %v, want Invalid", err)
	}
}

func TestGetDispOutOfRange(t *testing.T) {
	tab := New()
	if err := tab.Add(&Segment{ID: 1, DispSet: []uint64{0, 1}}); err != nil {
		t.Fatal(err)
	}
	if _, err := tab.GetDisp(1, 5); !errs.Is(errs.Invalid, err) {
		t.Errorf("GetDisp out of range = %v, want Invalid", err)
	}
}

// TestLenTracksMixedAllocFree exercises a mixed sequence of adds and
// removes, checking that Len reflects exactly the live set at every
// step.
func TestLenTracksMixedAllocFree(t *testing.T) {
	tab := New()
	if got, want := tab.Len(), 0; got != want {
		t.Fatalf("Len() = %d, want %d", got, want)
	}
	for _, id := range []int16{1, 2, 3} {
		if err := tab.Add(&Segment{ID: id}); err != nil {
			t.Fatal(err)
		}
	}
	if got, want := tab.Len(), 3; got != want {
		t.Fatalf("Len() after three adds = %d, want %d", got, want)
	}
	if err := tab.Remove(2); err != nil {
		t.Fatal(err)
	}
	if got, want := tab.Len(), 2; got != want {
		t.Fatalf("Len() after remove = %d, want %d", got, want)
	}
	if err := tab.Add(&Segment{ID: 4}); err != nil {
		t.Fatal(err)
	}
	if got, want := tab.Len(), 3; got != want {
		t.Fatalf("Len() after re-add = %d, want %d", got, want)
	}
	for _, id := range []int16{1, 3, 4} {
		if _, err := tab.Get(id); err != nil {
			t.Errorf("Get(%d): %v", id, err)
		}
	}
	if _, err := tab.Get(2); !errs.Is(errs.Invalid, err) {
		t.Errorf("Get(2) after removal = %v, want Invalid", err)
	}
}
