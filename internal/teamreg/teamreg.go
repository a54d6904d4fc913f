// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package teamreg implements the process-local team registry (spec
// §4.B): a fixed-capacity table of active teams, with slot allocation,
// lookup, and recycling. It is grounded on dart_adapt_teamlist_{convert,
// alloc,recycle} in _examples/original_source/dart-impl/{mpi,gaspi}.
package teamreg

import (
	"sync"

	"github.com/dartgo/dart/errs"
	"github.com/dartgo/dart/internal/group"
)

// Cap is the maximum number of live teams per process, matching the
// source's TEAM_CAP of 256.
const Cap = 256

// UniversalTeamID is the reserved id of the universal team occupying
// slot zero.
const UniversalTeamID int64 = 0

// Slot holds everything a team needs beyond its group: the transport
// group handle (opaque to this package), and a generation counter so
// that a stale slot index (from a destroyed-and-recycled team) is
// detected rather than silently aliasing a newer team, per design
// note §9 ("use generational indices... to detect stale pointers").
type Slot struct {
	TeamID     int64
	Generation uint32
	Group      *group.Group
	// GroupHandle is the transport's opaque group handle; it's typed
	// as interface{} because the registry doesn't know about any
	// particular transport.
	GroupHandle interface{}
	free        bool
}

// Registry is the fixed-capacity, process-local team table.
type Registry struct {
	mu    sync.Mutex
	slots [Cap]Slot
	used  int
	// byID indexes slots by TeamID so Convert stays O(1) amortised
	// rather than scanning all Cap slots per lookup.
	byID map[int64]int
}

// New returns a Registry with slot zero permanently bound to the
// universal team.
func New(worldSize int) *Registry {
	r := &Registry{byID: make(map[int64]int, Cap)}
	for i := range r.slots {
		r.slots[i].free = true
	}
	r.slots[0] = Slot{
		TeamID: UniversalTeamID,
		Group:  group.Universe(worldSize),
		free:   false,
	}
	r.byID[UniversalTeamID] = 0
	r.used = 1
	return r
}

// Convert looks up the slot index holding teamID, or returns
// NotFound. This mirrors dart_adapt_teamlist_convert.
func (r *Registry) Convert(teamID int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.byID[teamID]
	if !ok {
		return 0, errs.E(errs.NotFound, "teamreg: unknown team", teamID)
	}
	return i, nil
}

// Alloc reserves a free slot for a newly created team and returns its
// index. It returns Exhausted if the registry is full, mirroring
// dart_adapt_teamlist_alloc's DART_ERR_OTHER-on-full case (promoted
// here to the core's Exhausted kind).
func (r *Registry) Alloc(teamID int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.used >= Cap {
		return 0, errs.E(errs.Exhausted, "teamreg: team table full")
	}
	for i := range r.slots {
		if r.slots[i].free {
			r.slots[i] = Slot{TeamID: teamID, Generation: r.slots[i].Generation}
			r.byID[teamID] = i
			r.used++
			return i, nil
		}
	}
	return 0, errs.E(errs.Exhausted, "teamreg: team table full")
}

// Populate fills in the group and transport group handle for a slot
// previously returned by Alloc. It is a separate step from Alloc so
// that callers can fail the collective (freeing the slot again)
// before the slot is made visible to Convert-based lookups from other
// goroutines in the same process.
func (r *Registry) Populate(index int, grp *group.Group, handle interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots[index].Group = grp
	r.slots[index].GroupHandle = handle
}

// Recycle frees the slot holding teamID, bumping its generation so
// that any Slot value captured before the recycle becomes stale.
// Recycling happens before the transport group is deleted, matching
// dart_team_destroy's source order (recycle-then-delete); see design
// note §9 on the race this implies if another goroutine allocates the
// slot before the transport delete completes — Recycle and Alloc
// share r.mu so that window doesn't exist within one process.
func (r *Registry) Recycle(index int, teamID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if index < 0 || index >= Cap {
		return errs.E(errs.Invalid, "teamreg: slot index out of range", index)
	}
	if r.slots[index].free || r.slots[index].TeamID != teamID {
		return errs.E(errs.Invalid, "teamreg: slot/team mismatch on recycle", index, teamID)
	}
	if index == 0 {
		return errs.E(errs.Invalid, "teamreg: cannot recycle the universal team")
	}
	delete(r.byID, teamID)
	r.slots[index] = Slot{free: true, Generation: r.slots[index].Generation + 1}
	r.used--
	return nil
}

// Slot returns a copy of the slot at index, for callers that already
// hold a validated index (e.g., from a GlobalPtr's flags field).
func (r *Registry) Slot(index int) (Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if index < 0 || index >= Cap || r.slots[index].free {
		return Slot{}, errs.E(errs.Invalid, "teamreg: invalid slot", index)
	}
	return r.slots[index], nil
}

// Len returns the number of live teams, including the universal team.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.used
}
