// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stats

import "testing"

func TestStats(t *testing.T) {
	coll := NewMap()
	var (
		x = coll.Int("x")
		_ = coll.Int("y")
	)
	if got, want := x.Get(), int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	x.Add(123)
	x.Add(123)
	if got, want := x.Get(), int64(123*2); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	all := make(Values)
	coll.AddAll(all)
	coll.AddAll(all)
	if got, want := len(all), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := all["x"], int64(123*4); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := all["y"], int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// TestSnapshot checks that Snapshot reflects every counter touched so
// far without disturbing the Map's own running totals, the way a
// Runtime's status reporting reads allocation and team-create counters
// mid-run.
func TestSnapshot(t *testing.T) {
	coll := NewMap()
	coll.Int("memalloc.count").Add(3)
	coll.Int("team.create.count").Add(1)

	snap := coll.Snapshot()
	if got, want := snap["memalloc.count"], int64(3); got != want {
		t.Errorf("Snapshot()[memalloc.count] = %v, want %v", got, want)
	}
	if got, want := snap["team.create.count"], int64(1); got != want {
		t.Errorf("Snapshot()[team.create.count] = %v, want %v", got, want)
	}

	coll.Int("memalloc.count").Add(1)
	snap2 := coll.Snapshot()
	if got, want := snap2["memalloc.count"], int64(4); got != want {
		t.Errorf("second Snapshot()[memalloc.count] = %v, want %v", got, want)
	}
	if got, want := snap["memalloc.count"], int64(3); got != want {
		t.Errorf("earlier snapshot mutated by later Add: got %v, want %v", got, want)
	}
}
