// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package transtable implements the translation table: a
// map from segment id to the segment descriptor backing a collective
// allocation, grounded on dart_adapt_transtable_{add,remove,get_win,
// get_selfbaseptr,get_disp} as used from dart_team_memalloc_aligned in
// _examples/original_source/dart-impl/mpi/src/dart_globmem.c.
package transtable

import (
	"sync"

	"github.com/dartgo/dart/errs"
	"github.com/dartgo/dart/internal/xport"
)

// Segment is the translation table's entry for one collectively
// allocated segment.
type Segment struct {
	ID     int16
	Nbytes uint64
	// DispSet holds unit i's sub-memory address within the team, one
	// entry per team member, gathered by an all-gather at allocation
	// time.
	DispSet []uint64
	// LocalBase is this unit's own base address/handle for the
	// segment (the "selfbaseptr" path, used when the shared-memory
	// fast path is disabled).
	LocalBase uint64
	// TransportHandle is the transport-opaque window handle for this
	// segment, used to address remote Get/Put calls against it.
	TransportHandle interface{}
	// LocalBuf is this unit's own registered backing storage for the
	// segment, used to resolve a GlobalPtr into a local address
	// (GetAddr) without going through Get/Put. It is nil on transports
	// with no locally addressable backing.
	LocalBuf xport.LocalBuffer
	// SharedBase, when non-nil, holds the per-peer base pointers for
	// node-local peers reachable via the shared-memory fast path,
	// indexed by team-local rank.
	SharedBase []uint64
}

// Table is the process-local segment-id -> Segment map. Mutation is
// only legal on the collective alloc/free path; the source this is
// grounded on has no lock there, but this implementation serializes
// mutation with a mutex since a Go process may run the collective
// path concurrently with other goroutines reading the table.
type Table struct {
	mu   sync.RWMutex
	segs map[int16]*Segment
}

// New returns an empty translation table.
func New() *Table {
	return &Table{segs: make(map[int16]*Segment)}
}

// Add inserts a new translation entry. It is an error to Add a
// segment id that is already present.
func (t *Table) Add(seg *Segment) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.segs[seg.ID]; ok {
		return errs.E(errs.Invalid, "transtable: segment id already present", seg.ID)
	}
	t.segs[seg.ID] = seg
	return nil
}

// Remove deletes the translation entry for id. Removal is by id, not
// LIFO order.
func (t *Table) Remove(id int16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.segs[id]; !ok {
		return errs.E(errs.Invalid, "transtable: unknown segment", id)
	}
	delete(t.segs, id)
	return nil
}

// Get returns the segment descriptor for id.
func (t *Table) Get(id int16) (*Segment, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seg, ok := t.segs[id]
	if !ok {
		return nil, errs.E(errs.Invalid, "transtable: unknown segment", id)
	}
	return seg, nil
}

// GetSelfBasePtr returns the caller's own base address/handle for
// segment id, i.e. the non-shared-memory fast path.
func (t *Table) GetSelfBasePtr(id int16) (uint64, error) {
	seg, err := t.Get(id)
	if err != nil {
		return 0, err
	}
	return seg.LocalBase, nil
}

// GetDisp returns the absolute address on team-local rank peer for
// segment id, gathered at allocation time.
func (t *Table) GetDisp(id int16, peer int) (uint64, error) {
	seg, err := t.Get(id)
	if err != nil {
		return 0, err
	}
	if peer < 0 || peer >= len(seg.DispSet) {
		return 0, errs.E(errs.Invalid, "transtable: peer out of range", peer)
	}
	return seg.DispSet[peer], nil
}

// GetWin returns the transport handle for segment id. It is named
// GetWin for continuity with dart_adapt_transtable_get_win, though
// the handle may represent a window, a registration, or any other
// transport-specific resource.
func (t *Table) GetWin(id int16) (interface{}, error) {
	seg, err := t.Get(id)
	if err != nil {
		return nil, err
	}
	return seg.TransportHandle, nil
}

// Len reports the number of live segments, for tests asserting
// byte-identical pre/post-allocation state.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.segs)
}
