// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package xport

import (
	"context"
	"sync"

	"github.com/dartgo/dart/ctxsync"
)

// roundBarrier implements one recurring collective rendezvous point
// for a fixed-size set of participants: every participant submits a
// contribution and blocks until all n have arrived, at which point a
// single combine function (run by whichever goroutine happens to
// arrive last) computes the round's result and releases every
// waiter with the same value. It backs chanTransport's AllReduce,
// Barrier, and AllGather, which all reduce to "gather n contributions,
// combine, broadcast" with different combine functions.
type roundBarrier struct {
	mu         sync.Mutex
	cond       *ctxsync.Cond
	n          int
	generation int
	contrib    map[int32][]byte
	result     []byte
}

func newRoundBarrier(n int) *roundBarrier {
	b := &roundBarrier{n: n, contrib: make(map[int32][]byte)}
	b.cond = ctxsync.NewCond(&b.mu)
	return b
}

// Round submits rank's payload and returns the combined result once
// every participant has submitted. combine is called exactly once per
// round, by the last arrival, with every rank's contribution.
func (b *roundBarrier) Round(ctx context.Context, rank int32, payload []byte, combine func(map[int32][]byte) []byte) ([]byte, error) {
	b.mu.Lock()
	myGen := b.generation
	b.contrib[rank] = payload
	if len(b.contrib) == b.n {
		b.result = combine(b.contrib)
		b.contrib = make(map[int32][]byte)
		b.generation++
		res := b.result
		b.cond.Broadcast()
		b.mu.Unlock()
		return res, nil
	}
	for b.generation == myGen {
		if err := b.cond.Wait(ctx); err != nil {
			b.mu.Unlock()
			return nil, err
		}
	}
	res := b.result
	b.mu.Unlock()
	return res, nil
}
