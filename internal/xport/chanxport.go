// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package xport

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/dartgo/dart/errs"
	"github.com/dartgo/dart/internal/handlemgr"
)

// World is the shared state backing every unit's in-process
// transport in a single-binary SPMD simulation, analogous to the
// teacher's localExecutor (exec/local.go) running a whole bigslice
// program's "cluster" as goroutines in one process. It plays the role
// that a real RMA fabric's switch/NIC state plays for a
// bigmachineTransport.
type World struct {
	n int32

	groupsMu sync.Mutex
	groups   map[int64]*chanGroup

	nextWinID int64
	winsMu    sync.Mutex
	wins      map[int64]*chanWindow

	sharedMu sync.Mutex
	shared   map[int64]map[int32]LocalBuffer // winID -> rank -> buffer, for the shared-memory fast path
}

// NewWorld returns a World for a simulated cluster of n units.
func NewWorld(n int32) *World {
	return &World{
		n:      n,
		groups: make(map[int64]*chanGroup),
		wins:   make(map[int64]*chanWindow),
		shared: make(map[int64]map[int32]LocalBuffer),
	}
}

type chanGroup struct {
	mu        sync.Mutex
	members   map[int32]struct{}
	committed map[int32]struct{}
	rb        *roundBarrier
}

type chanWindow struct {
	mu   sync.Mutex
	bufs map[int32]LocalBuffer
}

// chanTransport is a World-backed Transport for one unit (rank).
type chanTransport struct {
	world *World
	rank  int32
}

// NewChanTransport returns the Transport view for rank within world.
// Every unit of the simulated cluster calls this with its own rank
// but a shared world.
func NewChanTransport(world *World, rank int32) Transport {
	return &chanTransport{world: world, rank: rank}
}

func (t *chanTransport) Rank() int32     { return t.rank }
func (t *chanTransport) NumRanks() int32 { return t.world.n }

func (t *chanTransport) Capabilities() Capabilities {
	return Capabilities{SharedMemory: true}
}

func (t *chanTransport) GroupCreate(ctx context.Context, label int64) (GroupHandle, error) {
	t.world.groupsMu.Lock()
	g := t.world.groups[label]
	if g == nil {
		g = &chanGroup{members: make(map[int32]struct{}), committed: make(map[int32]struct{})}
		t.world.groups[label] = g
	}
	t.world.groupsMu.Unlock()
	return label, nil
}

func (t *chanTransport) group(h GroupHandle) (*chanGroup, error) {
	id, ok := h.(int64)
	if !ok {
		return nil, errs.E(errs.Invalid, "xport: malformed group handle")
	}
	t.world.groupsMu.Lock()
	g := t.world.groups[id]
	t.world.groupsMu.Unlock()
	if g == nil {
		return nil, errs.E(errs.NotFound, "xport: unknown group", id)
	}
	return g, nil
}

func (t *chanTransport) GroupAdd(ctx context.Context, h GroupHandle, rank int32) error {
	g, err := t.group(h)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.members[rank] = struct{}{}
	g.mu.Unlock()
	return nil
}

func (t *chanTransport) GroupCommit(ctx context.Context, h GroupHandle, blocking bool) error {
	g, err := t.group(h)
	if err != nil {
		return err
	}
	g.mu.Lock()
	if g.rb == nil {
		g.rb = newRoundBarrier(len(g.members))
	}
	rb := g.rb
	g.committed[t.rank] = struct{}{}
	g.mu.Unlock()
	if !blocking {
		return nil
	}
	_, err = rb.Round(ctx, t.rank, nil, func(map[int32][]byte) []byte { return nil })
	return err
}

func (t *chanTransport) GroupDelete(ctx context.Context, h GroupHandle) error {
	id, ok := h.(int64)
	if !ok {
		return errs.E(errs.Invalid, "xport: malformed group handle")
	}
	t.world.groupsMu.Lock()
	delete(t.world.groups, id)
	t.world.groupsMu.Unlock()
	return nil
}

func (t *chanTransport) AllReduce(ctx context.Context, in, out []byte, count int, dtype DType, op ReduceOp, h GroupHandle) error {
	g, err := t.group(h)
	if err != nil {
		return err
	}
	g.mu.Lock()
	if g.rb == nil {
		g.rb = newRoundBarrier(len(g.members))
	}
	rb := g.rb
	g.mu.Unlock()

	payload := make([]byte, len(in))
	copy(payload, in)
	res, err := rb.Round(ctx, t.rank, payload, func(contrib map[int32][]byte) []byte {
		return reduceInt64(contrib, count, op)
	})
	if err != nil {
		return err
	}
	if dtype == TypeInt64 {
		copy(out, res)
	} else {
		// TypeByte payloads are reduced the same way, as
		// little-endian int64 words.
		copy(out, res)
	}
	return nil
}

func reduceInt64(contrib map[int32][]byte, count int, op ReduceOp) []byte {
	acc := make([]int64, count)
	first := true
	for _, b := range contrib {
		vals := decodeInt64s(b, count)
		if first {
			copy(acc, vals)
			first = false
			continue
		}
		for i := range acc {
			switch op {
			case OpSum:
				acc[i] += vals[i]
			case OpMax:
				if vals[i] > acc[i] {
					acc[i] = vals[i]
				}
			case OpMin:
				if vals[i] < acc[i] {
					acc[i] = vals[i]
				}
			}
		}
	}
	return encodeInt64s(acc)
}

func encodeInt64s(vals []int64) []byte {
	out := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(out[i*8:], uint64(v))
	}
	return out
}

func decodeInt64s(b []byte, count int) []int64 {
	out := make([]int64, count)
	for i := 0; i < count && (i+1)*8 <= len(b); i++ {
		out[i] = int64(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return out
}

func (t *chanTransport) Barrier(ctx context.Context, h GroupHandle) error {
	g, err := t.group(h)
	if err != nil {
		return err
	}
	g.mu.Lock()
	if g.rb == nil {
		g.rb = newRoundBarrier(len(g.members))
	}
	rb := g.rb
	g.mu.Unlock()
	_, err = rb.Round(ctx, t.rank, nil, func(map[int32][]byte) []byte { return nil })
	return err
}

func (t *chanTransport) AllGather(ctx context.Context, in []byte, out []byte, h GroupHandle) error {
	g, err := t.group(h)
	if err != nil {
		return err
	}
	g.mu.Lock()
	if g.rb == nil {
		g.rb = newRoundBarrier(len(g.members))
	}
	rb := g.rb
	members := make([]int32, 0, len(g.members))
	for r := range g.members {
		members = append(members, r)
	}
	g.mu.Unlock()
	sortInt32s(members)

	payload := make([]byte, len(in))
	copy(payload, in)
	res, err := rb.Round(ctx, t.rank, payload, func(contrib map[int32][]byte) []byte {
		buf := make([]byte, 0, len(in)*len(members))
		for _, r := range members {
			buf = append(buf, contrib[r]...)
		}
		return buf
	})
	if err != nil {
		return err
	}
	copy(out, res)
	return nil
}

func sortInt32s(s []int32) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

type chanBuffer struct{ b []byte }

func (c *chanBuffer) Bytes() []byte { return c.b }

func (t *chanTransport) Register(ctx context.Context, nbytes uint64) (LocalBuffer, error) {
	return &chanBuffer{b: make([]byte, nbytes)}, nil
}

// NewWindow is collective on h's group: every member proposes a
// locally unique candidate id and the group's round barrier elects
// their max, so independently issued calls (each rank calls this with
// no a priori shared id, same as GroupCreate's cold-start problem)
// still agree on one shared window rather than one private window per
// caller.
func (t *chanTransport) NewWindow(ctx context.Context, h GroupHandle) (WindowHandle, error) {
	g, err := t.group(h)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	if g.rb == nil {
		g.rb = newRoundBarrier(len(g.members))
	}
	rb := g.rb
	g.mu.Unlock()

	proposal := atomic.AddInt64(&t.world.nextWinID, 1)
	res, err := rb.Round(ctx, t.rank, encodeInt64s([]int64{proposal}), func(contrib map[int32][]byte) []byte {
		var max int64
		for _, b := range contrib {
			if v := decodeInt64s(b, 1)[0]; v > max {
				max = v
			}
		}
		return encodeInt64s([]int64{max})
	})
	if err != nil {
		return nil, err
	}
	id := decodeInt64s(res, 1)[0]

	t.world.winsMu.Lock()
	w := t.world.wins[id]
	if w == nil {
		w = &chanWindow{bufs: make(map[int32]LocalBuffer)}
		t.world.wins[id] = w
	}
	t.world.winsMu.Unlock()
	return id, nil
}

func (t *chanTransport) DeleteWindow(ctx context.Context, h WindowHandle) error {
	id, ok := h.(int64)
	if !ok {
		return errs.E(errs.Invalid, "xport: malformed window handle")
	}
	t.world.winsMu.Lock()
	delete(t.world.wins, id)
	t.world.winsMu.Unlock()
	return nil
}

func (t *chanTransport) window(h WindowHandle) (*chanWindow, error) {
	id, ok := h.(int64)
	if !ok {
		return nil, errs.E(errs.Invalid, "xport: malformed window handle")
	}
	t.world.winsMu.Lock()
	w := t.world.wins[id]
	t.world.winsMu.Unlock()
	if w == nil {
		return nil, errs.E(errs.NotFound, "xport: unknown window", id)
	}
	return w, nil
}

func (t *chanTransport) Attach(ctx context.Context, h WindowHandle, buf LocalBuffer) error {
	w, err := t.window(h)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.bufs[t.rank] = buf
	w.mu.Unlock()
	return nil
}

func (t *chanTransport) Detach(ctx context.Context, h WindowHandle, buf LocalBuffer) error {
	w, err := t.window(h)
	if err != nil {
		return err
	}
	w.mu.Lock()
	delete(w.bufs, t.rank)
	w.mu.Unlock()
	return nil
}

func closedHandle(err error) *handlemgr.Handle {
	done := make(chan struct{})
	close(done)
	return handlemgr.New(done, func() error { return err })
}

func (t *chanTransport) Get(ctx context.Context, src GlobalAddr, dst []byte, nbytes uint64) (*handlemgr.Handle, error) {
	w, err := t.window(src.Win)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	buf, ok := w.bufs[src.Unit]
	w.mu.Unlock()
	if !ok {
		return nil, errs.E(errs.Invalid, "xport: target unit has no attached buffer", src.Unit)
	}
	b := buf.Bytes()
	if src.Disp+nbytes > uint64(len(b)) {
		return closedHandle(errs.E(errs.Invalid, "xport: get out of bounds")), nil
	}
	copy(dst[:nbytes], b[src.Disp:src.Disp+nbytes])
	return closedHandle(nil), nil
}

func (t *chanTransport) Put(ctx context.Context, dst GlobalAddr, src []byte, nbytes uint64) (*handlemgr.Handle, error) {
	w, err := t.window(dst.Win)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	buf, ok := w.bufs[dst.Unit]
	w.mu.Unlock()
	if !ok {
		return nil, errs.E(errs.Invalid, "xport: target unit has no attached buffer", dst.Unit)
	}
	b := buf.Bytes()
	if dst.Disp+nbytes > uint64(len(b)) {
		return closedHandle(errs.E(errs.Invalid, "xport: put out of bounds")), nil
	}
	copy(b[dst.Disp:dst.Disp+nbytes], src[:nbytes])
	return closedHandle(nil), nil
}

// AllocShared and SharedQuery implement the SharedMemory fast path
// (xport.SharedMemory): since chanTransport already runs every unit
// in the same address space, the "shared segment" is simply a buffer
// visible through the World, and every peer is always "on the same
// node".
func (t *chanTransport) AllocShared(ctx context.Context, h GroupHandle, nbytes uint64) (LocalBuffer, WindowHandle, error) {
	win, err := t.NewWindow(ctx, h)
	if err != nil {
		return nil, nil, err
	}
	buf := &chanBuffer{b: make([]byte, nbytes)}
	id := win.(int64)
	t.world.sharedMu.Lock()
	if t.world.shared[id] == nil {
		t.world.shared[id] = make(map[int32]LocalBuffer)
	}
	t.world.shared[id][t.rank] = buf
	t.world.sharedMu.Unlock()
	if err := t.Attach(ctx, win, buf); err != nil {
		return nil, nil, err
	}
	return buf, win, nil
}

func (t *chanTransport) SharedQuery(ctx context.Context, h WindowHandle, peer int32) (uint64, error) {
	id, ok := h.(int64)
	if !ok {
		return 0, errs.E(errs.Invalid, "xport: malformed window handle")
	}
	t.world.sharedMu.Lock()
	buf := t.world.shared[id][peer]
	t.world.sharedMu.Unlock()
	if buf == nil {
		return 0, errs.E(errs.NotFound, "xport: no shared buffer for peer", peer)
	}
	// The chanTransport's address space is simulated: the "base
	// pointer" is represented as the window id and peer rank packed
	// into a stable non-zero handle, since Go slices have no stable
	// integer address. ResolveShared unpacks the same handle to look
	// the buffer back up.
	return uint64(id)<<32 | uint64(uint32(peer)), nil
}

// ResolveShared unpacks the window id/peer handle SharedQuery
// returned and looks the peer's buffer back up in the World, giving
// the caller a LocalBuffer it can read or write directly rather than
// issuing a Get/Put against the attached window.
func (t *chanTransport) ResolveShared(ctx context.Context, base uint64) (LocalBuffer, error) {
	id := int64(base >> 32)
	peer := int32(uint32(base))
	t.world.sharedMu.Lock()
	buf := t.world.shared[id][peer]
	t.world.sharedMu.Unlock()
	if buf == nil {
		return nil, errs.E(errs.NotFound, "xport: no shared buffer for handle", base)
	}
	return buf, nil
}

var _ SharedMemory = (*chanTransport)(nil)
