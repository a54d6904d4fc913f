// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dart

import (
	"context"
	"encoding/binary"

	"github.com/dartgo/dart/errs"
	"github.com/dartgo/dart/internal/group"
	"github.com/dartgo/dart/internal/teamreg"
	"github.com/dartgo/dart/internal/xport"
)

// NotAMember is the sentinel TeamCreate returns to a caller that is
// not part of the new group's membership: such a caller still
// participates in every collective phase of team creation (so the
// operation stays matched across the whole parent) but returns
// successfully without producing a team id. Zero is already taken by
// the universal team, so NotAMember must be distinguishable from any
// real team id at the call site.
const NotAMember int64 = -1

// UniversalTeamID is re-exported at the root so that public API users
// don't need to import the internal teamreg package. See
// teamreg.UniversalTeamID for the underlying definition.
const UniversalTeamID = teamreg.UniversalTeamID

func encodeInt64(v int64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	return b[:]
}

func decodeInt64(b []byte) int64 {
	return int64(binary.LittleEndian.Uint64(b))
}

// allreduceMaxInt64 is the one building block both of TeamCreate's
// id-election allreduces share: every member of h contributes v, and
// every member observes the maximum contributed value.
func allreduceMaxInt64(ctx context.Context, t xport.Transport, h xport.GroupHandle, v int64) (int64, error) {
	out := make([]byte, 8)
	if err := t.AllReduce(ctx, encodeInt64(v), out, 1, xport.TypeInt64, xport.OpMax, h); err != nil {
		return 0, err
	}
	return decodeInt64(out), nil
}

// TeamCreate splits team parent into a new team whose membership is
// members (global ranks, a subset of parent's membership), and
// returns the new team's id. TeamCreate is collective on parent: every
// member of parent must call it, in the same order relative to
// parent's other collectives, with an identical members argument;
// callers that are not in members still participate in both
// allreduces below but return (NotAMember, nil) instead of creating a
// group.
//
// The source performs two allreduce-MAX rounds in sequence, not
// concurrently: dart_next_availteamid (electing the new team id) and
// a GASPI-style group-id-top counter (electing a transport group
// label large enough that concurrent splits of the same parent never
// collide). Running them concurrently would race two unrelated
// payloads through the same underlying round-barrier rendezvous, so
// they stay sequential here too.
func (r *Runtime) TeamCreate(ctx context.Context, parent int64, members []int32) (int64, error) {
	if err := r.checkLive("TeamCreate"); err != nil {
		return 0, err
	}
	pidx, err := r.registry.Convert(parent)
	if err != nil {
		return 0, err
	}
	pslot, err := r.registry.Slot(pidx)
	if err != nil {
		return 0, err
	}
	parentHandle, _ := pslot.GroupHandle.(xport.GroupHandle)

	// group.New validates ranks against world size, not parent size;
	// global ranks are always in [0, Size()) regardless of which
	// parent team they're drawn from.
	newGroup, err := group.New(int(r.Size()), members)
	if err != nil {
		return 0, err
	}
	isMember := newGroup.IsMember(r.MyID())

	r.mu.Lock()
	localNext := r.nextAvailTeamID
	r.mu.Unlock()
	maxNext, err := allreduceMaxInt64(ctx, r.transport, parentHandle, localNext)
	if err != nil {
		return 0, err
	}
	newID := maxNext + 1

	r.mu.Lock()
	localTop := r.groupIDTop
	r.mu.Unlock()
	maxTop, err := allreduceMaxInt64(ctx, r.transport, parentHandle, localTop)
	if err != nil {
		return 0, err
	}
	label := maxTop + 1

	r.mu.Lock()
	r.nextAvailTeamID = newID
	r.groupIDTop = label
	r.mu.Unlock()

	if !isMember {
		return NotAMember, nil
	}

	handle, err := r.transport.GroupCreate(ctx, label)
	if err != nil {
		return 0, err
	}
	for _, rank := range newGroup.Members() {
		if err := r.transport.GroupAdd(ctx, handle, rank); err != nil {
			return 0, err
		}
	}
	if err := r.transport.GroupCommit(ctx, handle, true); err != nil {
		return 0, err
	}

	idx, err := r.registry.Alloc(newID)
	if err != nil {
		return 0, err
	}
	r.registry.Populate(idx, newGroup, handle)
	r.stats.Int("team.create.count").Add(1)
	if r.status != nil {
		task := r.status.Group("team").Start()
		task.Printf("created team %d (%d members)", newID, newGroup.Size())
		task.Done()
	}
	return newID, nil
}

// TeamDestroy tears down team, freeing its registry slot and deleting
// its transport group. TeamDestroy is collective on team.
//
// The source recycles the registry slot before deleting the
// transport group:
// if another goroutine in this process allocated a new slot and
// observed the about-to-be-deleted group before GroupDelete returned,
// it would race with teardown. This implementation closes that window
// by reading the slot (capturing its GroupHandle) before calling
// Recycle, and performing GroupDelete only against that captured copy
// after Recycle returns — Recycle and any concurrent Alloc already
// serialize on the registry's own mutex, so no other goroutine can
// observe this slot's old generation as free until after this
// function's GroupDelete has been issued.
//
// Called after Finalize, TeamDestroy logs a warning and returns nil
// instead of erroring.
func (r *Runtime) TeamDestroy(ctx context.Context, team int64) error {
	if !r.checkLiveDealloc("TeamDestroy") {
		return nil
	}
	if team == teamreg.UniversalTeamID {
		return errs.E(errs.Invalid, "dart: cannot destroy the universal team")
	}
	idx, err := r.registry.Convert(team)
	if err != nil {
		return err
	}
	slot, err := r.registry.Slot(idx)
	if err != nil {
		return err
	}
	if err := r.registry.Recycle(idx, team); err != nil {
		return err
	}
	r.stats.Int("team.destroy.count").Add(1)
	handle, _ := slot.GroupHandle.(xport.GroupHandle)
	return r.transport.GroupDelete(ctx, handle)
}

// TeamGetGroup returns the group descriptor backing team.
func (r *Runtime) TeamGetGroup(team int64) (*group.Group, error) {
	idx, err := r.registry.Convert(team)
	if err != nil {
		return nil, err
	}
	slot, err := r.registry.Slot(idx)
	if err != nil {
		return nil, err
	}
	return slot.Group, nil
}

// TeamMyID returns this unit's team-local rank within team.
func (r *Runtime) TeamMyID(team int64) (int32, error) {
	g, err := r.TeamGetGroup(team)
	if err != nil {
		return 0, err
	}
	return g.G2L(r.MyID())
}

// TeamSize returns the number of members of team.
func (r *Runtime) TeamSize(team int64) (int32, error) {
	g, err := r.TeamGetGroup(team)
	if err != nil {
		return 0, err
	}
	return int32(g.Size()), nil
}

// UnitL2G translates a team-local rank to its global rank within team.
func (r *Runtime) UnitL2G(team int64, local int32) (int32, error) {
	g, err := r.TeamGetGroup(team)
	if err != nil {
		return 0, err
	}
	return g.L2G(local)
}

// UnitG2L translates a global rank to its team-local rank within team.
func (r *Runtime) UnitG2L(team int64, global int32) (int32, error) {
	g, err := r.TeamGetGroup(team)
	if err != nil {
		return 0, err
	}
	return g.G2L(global)
}
