// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dart

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/dartgo/dart/errs"
	"github.com/dartgo/dart/internal/xport"
)

// DType and ReduceOp are re-exported from the transport package so
// that public API users don't need to import it directly, the same
// reason errs_alias.go re-exports error kinds.
type DType = xport.DType
type ReduceOp = xport.ReduceOp

const (
	TypeInt64 = xport.TypeInt64
	TypeByte  = xport.TypeByte
	OpSum     = xport.OpSum
	OpMax     = xport.OpMax
	OpMin     = xport.OpMin
)

func (r *Runtime) groupHandle(team int64) (xport.GroupHandle, *teamSlotView, error) {
	idx, err := r.registry.Convert(team)
	if err != nil {
		return nil, nil, err
	}
	slot, err := r.registry.Slot(idx)
	if err != nil {
		return nil, nil, err
	}
	h, _ := slot.GroupHandle.(xport.GroupHandle)
	return h, &teamSlotView{index: idx, group: slot.Group}, nil
}

// teamSlotView is the subset of a teamreg.Slot collectives.go needs,
// named locally so this file doesn't have to import teamreg for a
// two-field read.
type teamSlotView struct {
	index int
	group interface {
		G2L(int32) (int32, error)
		L2G(int32) (int32, error)
		Size() int
		Members() []int32
	}
}

// Barrier blocks until every member of team has called Barrier.
func (r *Runtime) Barrier(ctx context.Context, team int64) error {
	h, _, err := r.groupHandle(team)
	if err != nil {
		return err
	}
	return r.transport.Barrier(ctx, h)
}

// Allreduce reduces in across every member of team into out, using op
// over count elements of dtype. Collective on team.
func (r *Runtime) Allreduce(ctx context.Context, team int64, in, out []byte, count int, dtype DType, op ReduceOp) error {
	h, _, err := r.groupHandle(team)
	if err != nil {
		return err
	}
	return r.transport.AllReduce(ctx, in, out, count, dtype, op, h)
}

// Allgather gathers each member's in (identical length on every
// member) into out, ordered by team-local rank. len(out) must equal
// len(in) times team's size. Collective on team.
func (r *Runtime) Allgather(ctx context.Context, team int64, in, out []byte) error {
	h, _, err := r.groupHandle(team)
	if err != nil {
		return err
	}
	return r.transport.AllGather(ctx, in, out, h)
}

// Bcast copies buf from root to every other member of team: on entry,
// root's buf holds the data to broadcast; on every member's return,
// buf holds that data. Collective on team; every member must pass a
// buf of the same length.
//
// No transport in this package exposes a native broadcast primitive
//, so this is built out of the same
// register/attach/RMA primitives the sort driver's exchange phase
// uses: every member exposes a same-size receive buffer, and root
// Puts into every peer's copy. The fan-out across peers uses
// errgroup, the same shape exec/slicemachine.go uses for concurrent
// machine RPCs, since root's n-1 Puts are independent of one another.
func (r *Runtime) Bcast(ctx context.Context, team int64, root int32, buf []byte) error {
	h, view, err := r.groupHandle(team)
	if err != nil {
		return err
	}
	nbytes := uint64(len(buf))
	lbuf, err := r.transport.Register(ctx, nbytes)
	if err != nil {
		return err
	}
	win, err := r.transport.NewWindow(ctx, h)
	if err != nil {
		return err
	}
	defer r.transport.DeleteWindow(ctx, win)
	if err := r.transport.Attach(ctx, win, lbuf); err != nil {
		return err
	}
	defer r.transport.Detach(ctx, win, lbuf)

	// Every member must have attached its receive buffer before root
	// issues a single Put against it; without this barrier a slow
	// peer that hasn't reached Attach yet would surface root's Put as
	// a transport error instead of a genuine broadcast race.
	if err := r.transport.Barrier(ctx, h); err != nil {
		return err
	}

	isRoot := r.MyID() == root
	if isRoot {
		copy(lbuf.Bytes(), buf)
	}

	if isRoot {
		g, gctx := errgroup.WithContext(ctx)
		for _, member := range view.group.Members() {
			member := member
			if member == root {
				continue
			}
			g.Go(func() error {
				dst := xport.GlobalAddr{Win: win, Unit: member, Disp: 0}
				h, err := r.transport.Put(gctx, dst, lbuf.Bytes()[:nbytes], nbytes)
				if err != nil {
					return err
				}
				return h.Wait()
			})
		}
		if err := g.Wait(); err != nil {
			return errs.E(errs.TransportFailure, err)
		}
	}

	if err := r.transport.Barrier(ctx, h); err != nil {
		return err
	}
	if !isRoot {
		copy(buf, lbuf.Bytes()[:nbytes])
	}
	return nil
}
