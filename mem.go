// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dart

import (
	"context"
	"encoding/binary"

	"github.com/dartgo/dart/internal/transtable"
	"github.com/dartgo/dart/internal/xport"
)

func encodeUint64(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}

func decodeUint64s(b []byte, count int) []uint64 {
	out := make([]uint64, count)
	for i := 0; i < count && (i+1)*8 <= len(b); i++ {
		out[i] = binary.LittleEndian.Uint64(b[i*8:])
	}
	return out
}

// TeamMemallocAligned collectively allocates nbytes of remotely
// accessible memory on every member of team and returns a GlobalPtr
// to the allocation, owned by the team's local rank 0.
// Every member must call this with the same nbytes, in the same
// relative order as team's other collectives; the segment id is drawn
// from a process-wide counter advanced once per call on every member,
// so every participant assigns the same id without a separate
// election round.
func (r *Runtime) TeamMemallocAligned(ctx context.Context, team int64, nbytes uint64) (GlobalPtr, error) {
	if err := r.checkLive("TeamMemallocAligned"); err != nil {
		return GlobalPtr{}, err
	}
	idx, err := r.registry.Convert(team)
	if err != nil {
		return GlobalPtr{}, err
	}
	slot, err := r.registry.Slot(idx)
	if err != nil {
		return GlobalPtr{}, err
	}
	handle, _ := slot.GroupHandle.(xport.GroupHandle)

	// Prefer the shared-memory fast path when the transport offers
	// one: AllocShared both registers and attaches the buffer in one
	// call, and a node-local peer's address becomes directly
	// resolvable later without a Get/Put round trip.
	shared, sharable := r.transport.(xport.SharedMemory)
	useShared := sharable && r.transport.Capabilities().SharedMemory

	var (
		buf xport.LocalBuffer
		win xport.WindowHandle
	)
	if useShared {
		buf, win, err = shared.AllocShared(ctx, handle, nbytes)
	} else {
		buf, err = r.transport.Register(ctx, nbytes)
		if err == nil {
			win, err = r.transport.NewWindow(ctx, handle)
		}
		if err == nil {
			err = r.transport.Attach(ctx, win, buf)
		}
	}
	if err != nil {
		return GlobalPtr{}, err
	}

	// Every member's sub-memory starts at offset 0 within its own
	// attached buffer; the all-gather below is how peers learn each
	// other's displacements, kept even though every value is currently
	// identical so that a transport with non-uniform per-peer base
	// offsets can be wired in later without changing this call site.
	n := int(slot.Group.Size())
	out := make([]byte, 8*n)
	if err := r.transport.AllGather(ctx, encodeUint64(0), out, handle); err != nil {
		return GlobalPtr{}, err
	}
	dispSet := decodeUint64s(out, n)

	// When the fast path is available, learn every member's shared
	// base pointer too, so GetAddr can resolve a remote member's
	// segment directly instead of falling back to Get/Put. A member
	// not reachable through shared memory (a different node) leaves
	// its entry at zero, the sentinel GetAddr treats as unresolvable.
	var sharedBase []uint64
	if useShared {
		sharedBase = make([]uint64, n)
		for i := 0; i < n; i++ {
			peer, err := slot.Group.L2G(int32(i))
			if err != nil {
				return GlobalPtr{}, err
			}
			base, err := shared.SharedQuery(ctx, win, peer)
			if err != nil {
				continue
			}
			sharedBase[i] = base
		}
	}

	segID := r.nextSegmentID()
	seg := &transtable.Segment{
		ID:              segID,
		Nbytes:          nbytes,
		DispSet:         dispSet,
		TransportHandle: win,
		LocalBuf:        buf,
		SharedBase:      sharedBase,
	}
	if err := r.trans.Add(seg); err != nil {
		return GlobalPtr{}, err
	}

	owner, err := slot.Group.L2G(0)
	if err != nil {
		return GlobalPtr{}, err
	}
	r.stats.Int("team.memalloc.count").Add(1)
	r.stats.Int("team.memalloc.bytes").Add(int64(nbytes))
	return GlobalPtr{Unit: owner, Segment: segID, Offset: 0, Flags: uint16(idx)}, nil
}

// TeamMemFree releases a collective allocation previously returned by
// TeamMemallocAligned: it detaches this unit's backing buffer,
// deletes the shared window, and removes the translation entry.
// TeamMemFree is collective on team. Called after Finalize, it logs
// a warning and returns nil instead of erroring.
func (r *Runtime) TeamMemFree(ctx context.Context, team int64, gptr GlobalPtr) error {
	if !r.checkLiveDealloc("TeamMemFree") {
		return nil
	}
	idx, err := r.registry.Convert(team)
	if err != nil {
		return err
	}
	slot, err := r.registry.Slot(idx)
	if err != nil {
		return err
	}
	handle, _ := slot.GroupHandle.(xport.GroupHandle)
	seg, err := r.trans.Get(gptr.Segment)
	if err != nil {
		return err
	}
	win, _ := seg.TransportHandle.(xport.WindowHandle)
	if err := r.transport.Detach(ctx, win, seg.LocalBuf); err != nil {
		return err
	}
	// Every unit detaches before any unit deletes the window.
	if err := r.transport.Barrier(ctx, handle); err != nil {
		return err
	}
	if err := r.transport.DeleteWindow(ctx, win); err != nil {
		return err
	}
	if err := r.trans.Remove(gptr.Segment); err != nil {
		return err
	}
	r.stats.Int("team.memfree.count").Add(1)
	return nil
}
