// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package xport defines the transport abstraction the core consumes
// and provides two implementations: a single-process,
// channel-based transport (chanxport.go) used for tests and for
// running a whole SPMD program in one binary for development, and a
// bigmachine-backed transport (bigmachine_transport.go) that emulates
// one-sided RMA over bigmachine's Machine.Call RPC, since one-sided
// addressing has no obligation to be bit-exact across transports.
package xport

import (
	"context"

	"github.com/dartgo/dart/internal/handlemgr"
)

// GroupHandle is a transport-opaque handle returned by GroupCreate.
type GroupHandle interface{}

// WindowHandle is a transport-opaque handle for an attached memory
// region (a "window" in RMA terminology, a "segment" in the core's
// vocabulary).
type WindowHandle interface{}

// LocalBuffer is a transport-opaque handle for memory registered via
// Register, suitable for Attach.
type LocalBuffer interface {
	// Bytes exposes the underlying storage for local reads/writes.
	Bytes() []byte
}

// ReduceOp names a reduction operator for AllReduce.
type ReduceOp int

const (
	OpSum ReduceOp = iota
	OpMax
	OpMin
)

// DType names the element type reduced or gathered, restricted to
// what the core actually needs.
type DType int

const (
	TypeInt64 DType = iota
	TypeByte
)

// Capabilities describes what a transport implementation supports,
// queried once at Runtime construction rather than selected via
// compile-time flags, since a single binary may run against either
// transport depending on how it's launched.
type Capabilities struct {
	// SharedMemory is true when AllocShared/SharedQuery (the
	// node-local fast path) are implemented and meaningful.
	SharedMemory bool
}

// GlobalAddr names a remote location to Get from or Put to: a window
// (attached memory region) on a specific unit, at a byte
// displacement within that unit's sub-memory for the window.
type GlobalAddr struct {
	Win  WindowHandle
	Unit int32
	Disp uint64
}

// Transport is the minimal capability set the core consumes from a
// one-sided RMA substrate. Implementations must be safe
// for concurrent use by multiple goroutines issuing independent
// operations, except where documented otherwise (e.g. per-handle
// Wait is single-consumer).
type Transport interface {
	// Rank returns this process's rank in the universal team.
	Rank() int32
	// NumRanks returns the size of the universal team.
	NumRanks() int32

	// GroupCreate allocates a new, empty transport group, identified by
	// label: every member of the group-to-be must pass the same label,
	// agreed beforehand (e.g. by allreduce-MAX, per the core's
	// group-id-top election), so independently issued calls resolve to
	// one shared group rather than one private group per caller.
	GroupCreate(ctx context.Context, label int64) (GroupHandle, error)
	// GroupAdd adds rank to the (uncommitted) group h. Callers must add
	// every member in increasing global-rank order (the canonical order
	// group.Group already produces); coordinator-style implementations
	// use this to converge on a shared coordinator without a separate
	// election round.
	GroupAdd(ctx context.Context, h GroupHandle, rank int32) error
	// GroupCommit finalizes h so it may be used in collectives. If
	// blocking is true, GroupCommit does not return until every
	// member of h has committed.
	GroupCommit(ctx context.Context, h GroupHandle, blocking bool) error
	// GroupDelete releases h.
	GroupDelete(ctx context.Context, h GroupHandle) error

	// AllReduce reduces in across every member of group into out,
	// using op over count elements of dtype. Collective.
	AllReduce(ctx context.Context, in, out []byte, count int, dtype DType, op ReduceOp, group GroupHandle) error
	// Barrier blocks until every member of group has called Barrier.
	Barrier(ctx context.Context, group GroupHandle) error
	// AllGather gathers each member's in (identical length on every
	// member) into out, ordered by team-local rank. len(out) must
	// equal len(in) * group size.
	AllGather(ctx context.Context, in []byte, out []byte, group GroupHandle) error

	// Register registers nbytes of local memory for later Attach,
	// returning a transport-specific handle for it.
	Register(ctx context.Context, nbytes uint64) (LocalBuffer, error)
	// Attach exposes buf under window win for remote RMA access.
	Attach(ctx context.Context, win WindowHandle, buf LocalBuffer) error
	// Detach withdraws buf's exposure under win.
	Detach(ctx context.Context, win WindowHandle, buf LocalBuffer) error
	// NewWindow allocates a window handle scoped to group, used by a
	// subsequent Attach on every member.
	NewWindow(ctx context.Context, group GroupHandle) (WindowHandle, error)
	// DeleteWindow releases a window handle.
	DeleteWindow(ctx context.Context, win WindowHandle) error

	// Get issues a non-blocking read of nbytes from src into dst,
	// returning a handle to await completion. dst must remain valid
	// until Wait.
	Get(ctx context.Context, src GlobalAddr, dst []byte, nbytes uint64) (*handlemgr.Handle, error)
	// Put issues a non-blocking write of nbytes from src into dst.
	Put(ctx context.Context, dst GlobalAddr, src []byte, nbytes uint64) (*handlemgr.Handle, error)

	// Capabilities reports which optional features this transport
	// implements.
	Capabilities() Capabilities
}

// SharedMemory is implemented by transports whose Capabilities report
// SharedMemory: true. It exposes the node-local fast path: allocate
// memory directly in a shared segment, and query peers' base pointers
// within it without an RMA round trip.
type SharedMemory interface {
	// AllocShared allocates nbytes in a segment shared by every
	// member of group that resides on the same node as the caller,
	// returning the caller's own base pointer (as an opaque handle)
	// and a window handle peers can SharedQuery against.
	AllocShared(ctx context.Context, group GroupHandle, nbytes uint64) (LocalBuffer, WindowHandle, error)
	// SharedQuery returns peer's base pointer within win, valid only
	// if peer is on the same node as the caller.
	SharedQuery(ctx context.Context, win WindowHandle, peer int32) (uint64, error)
	// ResolveShared turns a base pointer previously returned by
	// SharedQuery into this process's own addressable view of the
	// same shared buffer, so a caller can read or write it directly
	// instead of issuing a Get/Put round trip.
	ResolveShared(ctx context.Context, base uint64) (LocalBuffer, error)
}
