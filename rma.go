// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dart

import (
	"context"

	"github.com/dartgo/dart/errs"
	"github.com/dartgo/dart/internal/handlemgr"
	"github.com/dartgo/dart/internal/xport"
)

// resolveRemote turns a GlobalPtr into the transport's addressing
// scheme for a Get/Put: the window shared by gptr's owning team
// (learned from this unit's own translation-table entry for the
// segment, which already carries every member's gathered
// displacement) plus gptr's owning unit's displacement within it,
// offset by gptr.Offset.
func (r *Runtime) resolveRemote(gptr GlobalPtr) (xport.GlobalAddr, error) {
	if gptr.Segment == 0 {
		return xport.GlobalAddr{}, errs.E(errs.Invalid, "dart: cannot RMA a local (segment-0) pointer")
	}
	seg, err := r.trans.Get(gptr.Segment)
	if err != nil {
		return xport.GlobalAddr{}, err
	}
	slot, err := r.registry.Slot(int(gptr.Flags))
	if err != nil {
		return xport.GlobalAddr{}, err
	}
	local, err := slot.Group.G2L(gptr.Unit)
	if err != nil {
		return xport.GlobalAddr{}, err
	}
	if int(local) >= len(seg.DispSet) {
		return xport.GlobalAddr{}, errs.E(errs.Invalid, "dart: no gathered displacement for unit", gptr.Unit)
	}
	win, _ := seg.TransportHandle.(xport.WindowHandle)
	return xport.GlobalAddr{Win: win, Unit: gptr.Unit, Disp: seg.DispSet[local] + gptr.Offset}, nil
}

// GetHandle issues a non-blocking read of nbytes from src into dst,
// returning a handle the caller must eventually Wait or Test (spec
// §4.G). dst must remain valid until the handle completes.
func (r *Runtime) GetHandle(ctx context.Context, src GlobalPtr, dst []byte, nbytes uint64) (*handlemgr.Handle, error) {
	addr, err := r.resolveRemote(src)
	if err != nil {
		return nil, err
	}
	return r.transport.Get(ctx, addr, dst, nbytes)
}

// PutHandle issues a non-blocking write of nbytes from src into dst,
// returning a handle the caller must eventually Wait or Test.
func (r *Runtime) PutHandle(ctx context.Context, dst GlobalPtr, src []byte, nbytes uint64) (*handlemgr.Handle, error) {
	addr, err := r.resolveRemote(dst)
	if err != nil {
		return nil, err
	}
	return r.transport.Put(ctx, addr, src, nbytes)
}

// Get is GetHandle followed by an immediate Wait, for callers that
// have no use for overlapping the transfer with other work.
func (r *Runtime) Get(ctx context.Context, src GlobalPtr, dst []byte, nbytes uint64) error {
	h, err := r.GetHandle(ctx, src, dst, nbytes)
	if err != nil {
		return err
	}
	return h.Wait()
}

// Put is PutHandle followed by an immediate Wait.
func (r *Runtime) Put(ctx context.Context, dst GlobalPtr, src []byte, nbytes uint64) error {
	h, err := r.PutHandle(ctx, dst, src, nbytes)
	if err != nil {
		return err
	}
	return h.Wait()
}

// Wait blocks until h's operation completes, resetting h to null.
// Waiting on a null handle is a no-op.
func Wait(h *handlemgr.Handle) error { return h.Wait() }

// Test reports whether h's operation has completed, without
// blocking.
func Test(h *handlemgr.Handle) bool { return h.Test() }
