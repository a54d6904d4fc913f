// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dsort

import (
	"context"
	"encoding/binary"

	"github.com/dartgo/dart/errs"
	"github.com/dartgo/dart/internal/handlemgr"
	"github.com/dartgo/dart/internal/xport"
)

// Exchanger implements phase 4: given this unit's partition plan, it
// issues the non-blocking network gets that pull every remote
// partition's data toward this unit, and reports target_counts (how
// many elements self must pull from each unit, including itself) so
// that phase 3's remote_partitions set and phase 6's working-buffer
// offsets can be derived from it. Exchanger does not wait on
// anything itself — phase 5's scheduling (merge.go's scheduleChunks)
// owns that, mirroring psort__exchange_data's split from
// psort__schedule_copy_tasks in the source this phase is grounded on.
type Exchanger[T any] interface {
	Exchange(ctx context.Context, plan Plan[T]) (*ExchangeResult[T], error)
}

// Codec marshals and unmarshals a whole bucket of records to bytes,
// so an Exchanger can move them over a byte-oriented transport.
type Codec[T any] interface {
	EncodeBucket(records []T) ([]byte, error)
	DecodeBucket(b []byte) ([]T, error)
}

// ExchangeResult is phase 4's output: everything phase 5 needs to
// build chunk_dependencies and phase 6 needs to size the merge
// tree's working buffer.
type ExchangeResult[T any] struct {
	// TargetCounts[u] is the number of elements self must pull from
	// unit u, including TargetCounts[self] (this unit's own local
	// bucket's length after partitioning).
	TargetCounts []int
	// RemotePartitions is phase 3's ordered, self- and zero-count-
	// excluding unit list, derived from TargetCounts.
	RemotePartitions []int32

	self   int32
	codec  Codec[T]
	local  []byte
	remote map[int32]remoteFetch
}

type remoteFetch struct {
	handle *handlemgr.Handle
	bytes  []byte
}

// resolve blocks on u's transfer, if one is in flight, and returns
// u's decoded records. u must be self or a member of
// RemotePartitions; any other unit has TargetCounts[u] == 0 and
// nothing to resolve.
func (r *ExchangeResult[T]) resolve(u int32) ([]T, error) {
	if u == r.self {
		return r.codec.DecodeBucket(r.local)
	}
	rf := r.remote[u]
	if err := rf.handle.Wait(); err != nil {
		return nil, errs.E(errs.TransportFailure, err)
	}
	return r.codec.DecodeBucket(rf.bytes)
}

// xportExchanger is the dart-native Exchanger: it moves buckets with
// one-sided Get calls against the core's own Transport,
// the same substrate the rest of the runtime uses. Every unit
// publishes its outgoing buckets, concatenated in destination-rank
// order, in a single registered+attached window; every unit first
// learns every other unit's per-destination byte lengths and record
// counts via one AllGather round, then Gets exactly its own slice out
// of each peer's window. This keeps the wire shape symmetric with the
// core's put/get primitives instead of inventing a side-channel RPC,
// keeping the sort driver built out of the transport abstraction like
// every other collaborator, rather than a side channel of its own.
type xportExchanger[T any] struct {
	transport xport.Transport
	group     xport.GroupHandle
	codec     Codec[T]
}

// NewExchanger returns an Exchanger that moves buckets over transport
// using codec, scoped to group (ordinarily the universal team).
func NewExchanger[T any](transport xport.Transport, group xport.GroupHandle, codec Codec[T]) Exchanger[T] {
	return &xportExchanger[T]{transport: transport, group: group, codec: codec}
}

func (x *xportExchanger[T]) Exchange(ctx context.Context, plan Plan[T]) (*ExchangeResult[T], error) {
	n := int(x.transport.NumRanks())
	self := x.transport.Rank()

	encoded := make([][]byte, n)
	myCounts := make([]uint64, n)
	myLengths := make([]uint64, n)
	var total uint64
	for _, b := range plan.Buckets {
		enc, err := x.codec.EncodeBucket(b.Records)
		if err != nil {
			return nil, err
		}
		encoded[b.Dest] = enc
		myLengths[b.Dest] = uint64(len(enc))
		myCounts[b.Dest] = uint64(len(b.Records))
		total += uint64(len(enc))
	}

	// Publish our concatenated outgoing buffer.
	buf, err := x.transport.Register(ctx, total)
	if err != nil {
		return nil, err
	}
	storage := buf.Bytes()
	var off uint64
	for dest := 0; dest < n; dest++ {
		copy(storage[off:], encoded[dest])
		off += myLengths[dest]
	}
	win, err := x.transport.NewWindow(ctx, x.group)
	if err != nil {
		return nil, err
	}
	defer x.transport.DeleteWindow(ctx, win)
	if err := x.transport.Attach(ctx, win, buf); err != nil {
		return nil, err
	}
	defer x.transport.Detach(ctx, win, buf)

	// Learn every unit's per-destination byte lengths and record
	// counts in one AllGather round: the record counts are
	// target_counts in element terms, sizing phase 6's working
	// buffer; the byte lengths size the actual Get.
	in := make([]byte, 16*n)
	for dest := 0; dest < n; dest++ {
		binary.LittleEndian.PutUint64(in[dest*8:], myLengths[dest])
		binary.LittleEndian.PutUint64(in[(n+dest)*8:], myCounts[dest])
	}
	out := make([]byte, len(in)*n)
	if err := x.transport.AllGather(ctx, in, out, x.group); err != nil {
		return nil, err
	}
	lengths := make([][]uint64, n) // lengths[src][dest], bytes
	counts := make([][]uint64, n)  // counts[src][dest], elements
	for src := 0; src < n; src++ {
		row := out[src*16*n : (src+1)*16*n]
		lengths[src] = decodeUint64s(row[:8*n], n)
		counts[src] = decodeUint64s(row[8*n:], n)
	}
	offsets := make([][]uint64, n) // byte offsets[src][dest]
	for src := 0; src < n; src++ {
		offsets[src] = make([]uint64, n)
		var o uint64
		for dest := 0; dest < n; dest++ {
			offsets[src][dest] = o
			o += lengths[src][dest]
		}
	}

	targetCounts := make([]int, n)
	for src := 0; src < n; src++ {
		targetCounts[src] = int(counts[src][self])
	}
	remotes := remotePartitions(targetCounts, self)

	// Phase 4: issue every remote Get up front (Get itself does not
	// block, by contract); phase 5 (merge.go's scheduleChunks) is
	// what waits on these.
	remote := make(map[int32]remoteFetch, len(remotes))
	for _, u := range remotes {
		nbytes := lengths[u][self]
		dst := make([]byte, nbytes)
		h, err := x.transport.Get(ctx, xport.GlobalAddr{Win: win, Unit: u, Disp: offsets[u][self]}, dst, nbytes)
		if err != nil {
			return nil, err
		}
		remote[u] = remoteFetch{handle: h, bytes: dst}
	}
	// No unit detaches its buffer or deletes the window (the deferred
	// calls above) until every unit has issued its Gets against it.
	if err := x.transport.Barrier(ctx, x.group); err != nil {
		return nil, err
	}

	return &ExchangeResult[T]{
		TargetCounts:     targetCounts,
		RemotePartitions: remotes,
		self:             self,
		codec:            x.codec,
		local:            encoded[self],
		remote:           remote,
	}, nil
}

func decodeUint64s(b []byte, count int) []uint64 {
	out := make([]uint64, count)
	for i := 0; i < count && (i+1)*8 <= len(b); i++ {
		out[i] = binary.LittleEndian.Uint64(b[i*8:])
	}
	return out
}
