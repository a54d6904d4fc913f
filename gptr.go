// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dart

import (
	"context"
	"fmt"

	"github.com/dartgo/dart/errs"
	"github.com/dartgo/dart/internal/buddy"
	"github.com/dartgo/dart/internal/xport"
)

// GlobalPtr is a PGAS global pointer: a triple identifying
// a byte range owned by some unit, plus a flags field carrying the
// owning team's slot index for collective segments. Segment 0 names a
// local (process-private) allocation; any other segment names a
// collectively allocated one.
type GlobalPtr struct {
	Unit    int32
	Segment int16
	Offset  uint64
	Flags   uint16
}

// LocalAddr is a local-process address resolved from a GlobalPtr: a
// backing byte slice plus the pointer's offset within it. It stands
// in for the source's raw pointer arithmetic (gptr_getaddr returns
// `*mut u8`) without reaching for unsafe.Pointer, since Go's slices
// already carry both the base and the bound the source gets for free
// from the process address space.
type LocalAddr struct {
	Bytes  []byte
	offset uint64
}

// Addr returns the slice of the backing storage starting at the
// pointer's offset, suitable for reading or writing nbytes in place.
func (a LocalAddr) Addr(nbytes uint64) []byte {
	return a.Bytes[a.offset : a.offset+nbytes]
}

// GetAddr translates gptr to a LocalAddr iff it is locally
// addressable: either gptr.Unit names this unit, or gptr names a
// collective segment reachable through the transport's shared-memory
// fast path; otherwise it returns ok == false, not an error. For a
// local segment (Segment == 0) the base is the Runtime's local pool
// arena; for a collective segment owned by this unit the base is the
// registered buffer recorded in the translation table at
// team_memalloc_aligned time; for a collective segment owned by a
// node-local peer the base is resolved via the transport's
// SharedMemory.ResolveShared.
//
// The source's gptr_getaddr contains a second, redundant unit check
// nested inside a branch already guarded by the same condition; this
// implementation has one guard, the outer one, and treats it as
// authoritative.
func (r *Runtime) GetAddr(ctx context.Context, gptr GlobalPtr) (LocalAddr, bool, error) {
	if gptr.Unit == r.MyID() {
		if gptr.Segment == 0 {
			return LocalAddr{Bytes: r.localArena, offset: gptr.Offset}, true, nil
		}
		seg, err := r.trans.Get(gptr.Segment)
		if err != nil {
			return LocalAddr{}, false, err
		}
		if seg.LocalBuf == nil || seg.LocalBuf.Bytes() == nil {
			// A remote-only transport (e.g. the bigmachine path) has no
			// locally addressable backing for this segment; every access
			// must go through Put/Get instead of GetAddr, which is fine
			// since one-sided addressing is never required to be bit-exact
			// across every transport.
			return LocalAddr{}, false, errs.E(errs.NotImplemented, "dart: segment has no local address on this transport", gptr.Segment)
		}
		return LocalAddr{Bytes: seg.LocalBuf.Bytes(), offset: gptr.Offset}, true, nil
	}

	// gptr names a different unit. A local (segment-0) pointer on a
	// remote unit is never locally addressable under any transport.
	// A collective segment might be, if this unit and gptr.Unit are
	// node-local peers under a transport that exposes the
	// shared-memory fast path.
	if gptr.Segment == 0 {
		return LocalAddr{}, false, nil
	}
	shared, ok := r.transport.(xport.SharedMemory)
	if !ok || !r.transport.Capabilities().SharedMemory {
		return LocalAddr{}, false, nil
	}
	seg, err := r.trans.Get(gptr.Segment)
	if err != nil {
		return LocalAddr{}, false, err
	}
	if len(seg.SharedBase) == 0 {
		return LocalAddr{}, false, nil
	}
	slot, err := r.registry.Slot(int(gptr.Flags))
	if err != nil {
		return LocalAddr{}, false, err
	}
	localRank, err := slot.Group.G2L(gptr.Unit)
	if err != nil {
		// gptr.Unit is not a member of the team that owns this
		// segment: not locally addressable, not an error.
		return LocalAddr{}, false, nil
	}
	if int(localRank) >= len(seg.SharedBase) || seg.SharedBase[localRank] == 0 {
		return LocalAddr{}, false, nil
	}
	buf, err := shared.ResolveShared(ctx, seg.SharedBase[localRank])
	if err != nil {
		return LocalAddr{}, false, err
	}
	return LocalAddr{Bytes: buf.Bytes(), offset: gptr.Offset}, true, nil
}

// SetAddr is the inverse of GetAddr: it writes addr's offset back
// into gptr, leaving Unit, Segment, and Flags untouched. Calling
// SetAddr with the LocalAddr GetAddr(gptr) just returned is a no-op
// on gptr's Offset.
func SetAddr(gptr *GlobalPtr, addr LocalAddr) {
	gptr.Offset = addr.offset
}

// IncAddr advances gptr's offset by delta, with no validity check
// against the underlying segment's bounds — a deliberate hot-path
// design choice carried from the source.
func IncAddr(gptr *GlobalPtr, delta int64) {
	gptr.Offset = uint64(int64(gptr.Offset) + delta)
}

// SetUnit overwrites gptr's owning unit.
func SetUnit(gptr *GlobalPtr, unit int32) {
	gptr.Unit = unit
}

// MemAlloc allocates nbytes from this unit's local pool and returns a
// local (segment-0) GlobalPtr owned by this unit. It is not
// collective: every unit manages its own local pool independently.
func (r *Runtime) MemAlloc(nbytes uint64) (GlobalPtr, error) {
	if err := r.checkLive("MemAlloc"); err != nil {
		return GlobalPtr{}, err
	}
	off, err := r.local.Alloc(nbytes)
	if err != nil {
		r.stats.Int("memalloc.failed").Add(1)
		return GlobalPtr{}, err
	}
	r.stats.Int("memalloc.count").Add(1)
	r.stats.Int("memalloc.bytes").Add(int64(nbytes))
	r.stats.Int(fmt.Sprintf("memalloc.sizeclass.%d", buddy.SizeClassHash(nbytes, sizeClassBuckets))).Add(1)
	return GlobalPtr{Unit: r.MyID(), Segment: 0, Offset: off}, nil
}

// MemFree releases a local (segment-0) GlobalPtr previously returned
// by MemAlloc. It fails with Invalid if gptr.Segment != 0 or the
// offset is unknown to the local pool. Called after Finalize, it
// logs a warning and returns nil instead of erroring.
func (r *Runtime) MemFree(gptr GlobalPtr) error {
	if !r.checkLiveDealloc("MemFree") {
		return nil
	}
	if gptr.Segment != 0 {
		return errs.E(errs.Invalid, "dart: MemFree on a non-local segment", gptr.Segment)
	}
	if err := r.local.Free(gptr.Offset); err != nil {
		return err
	}
	r.stats.Int("memfree.count").Add(1)
	return nil
}
