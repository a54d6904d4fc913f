// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package group implements the pure-data group descriptor:
// an ordered, deduplicated set of global ranks plus its reverse map.
// It is grounded on dart_team_group.c's l2g/g2l arrays in both the
// MPI and GASPI DART backends (_examples/original_source/dart-impl).
package group

import (
	"sort"

	"github.com/dartgo/dart/errs"
)

// None is the sentinel local-rank value for a unit that is not a
// member of a group, stored in g2l.
const None = -1

// Group is an ordered, deduplicated set of global ranks. The zero
// value is an empty group.
//
// Invariants: L2G is strictly increasing; G2L[L2G[i]] == i for every
// i < len(L2G); every other entry of G2L is None.
type Group struct {
	l2g []int32
	g2l []int32 // indexed by global rank, sized to worldSize
}

// New builds a Group from an arbitrary (possibly unsorted, possibly
// duplicated) set of global ranks, canonicalizing it into increasing
// order as dart_group_t requires.
func New(worldSize int, ranks []int32) (*Group, error) {
	dedup := make(map[int32]struct{}, len(ranks))
	for _, r := range ranks {
		if r < 0 || int(r) >= worldSize {
			return nil, errs.E(errs.Invalid, "group: rank out of range", r)
		}
		dedup[r] = struct{}{}
	}
	l2g := make([]int32, 0, len(dedup))
	for r := range dedup {
		l2g = append(l2g, r)
	}
	sort.Slice(l2g, func(i, j int) bool { return l2g[i] < l2g[j] })

	g2l := make([]int32, worldSize)
	for i := range g2l {
		g2l[i] = None
	}
	for i, r := range l2g {
		g2l[r] = int32(i)
	}
	return &Group{l2g: l2g, g2l: g2l}, nil
}

// Universe returns the group containing every rank in [0, worldSize).
func Universe(worldSize int) *Group {
	ranks := make([]int32, worldSize)
	for i := range ranks {
		ranks[i] = int32(i)
	}
	g, _ := New(worldSize, ranks)
	return g
}

// Size returns the number of members in the group (nmem).
func (g *Group) Size() int { return len(g.l2g) }

// L2G translates a team-local rank to its global rank.
func (g *Group) L2G(local int32) (int32, error) {
	if local < 0 || int(local) >= len(g.l2g) {
		return 0, errs.E(errs.Invalid, "group: local rank out of range", local)
	}
	return g.l2g[local], nil
}

// G2L translates a global rank to its team-local rank, or returns
// NotFound if global is not a member of the group.
func (g *Group) G2L(global int32) (int32, error) {
	if global < 0 || int(global) >= len(g.g2l) {
		return 0, errs.E(errs.Invalid, "group: global rank out of range", global)
	}
	local := g.g2l[global]
	if local == None {
		return 0, errs.E(errs.NotFound, "group: not a member", global)
	}
	return local, nil
}

// IsMember reports whether global is a member of the group.
func (g *Group) IsMember(global int32) bool {
	_, err := g.G2L(global)
	return err == nil
}

// Members returns a copy of the group's members in canonical
// (increasing) order.
func (g *Group) Members() []int32 {
	out := make([]int32, len(g.l2g))
	copy(out, g.l2g)
	return out
}
