// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pool

import (
	"context"
	"sync/atomic"
	"testing"
)

func TestPoolRunsEverySubmission(t *testing.T) {
	p := New(4)
	defer p.Close()

	const n = 200
	futures := make([]*Future[int], n)
	for i := 0; i < n; i++ {
		i := i
		futures[i] = Submit(p, func() (int, error) { return i * i, nil })
	}
	for i, f := range futures {
		got, err := f.Get(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if want := i * i; got != want {
			t.Errorf("future %d: got %d, want %d", i, got, want)
		}
	}
}

func TestFutureSingleConsumer(t *testing.T) {
	p := New(1)
	defer p.Close()

	f := Submit(p, func() (int, error) { return 7, nil })
	if !f.Valid() {
		t.Fatal("future reports consumed before Get")
	}
	if got, err := f.Get(context.Background()); err != nil || got != 7 {
		t.Fatalf("got (%d, %v), want (7, nil)", got, err)
	}
	if f.Valid() {
		t.Fatal("future reports unconsumed after Get")
	}
	if _, err := f.Get(context.Background()); err == nil {
		t.Fatal("expected error on second Get")
	}
}

func TestFutureRunsConcurrently(t *testing.T) {
	p := New(8)
	defer p.Close()

	var inflight int32
	var maxSeen int32
	const n = 32
	futures := make([]*Future[struct{}], n)
	for i := 0; i < n; i++ {
		futures[i] = Submit(p, func() (struct{}, error) {
			cur := atomic.AddInt32(&inflight, 1)
			for {
				max := atomic.LoadInt32(&maxSeen)
				if cur <= max || atomic.CompareAndSwapInt32(&maxSeen, max, cur) {
					break
				}
			}
			atomic.AddInt32(&inflight, -1)
			return struct{}{}, nil
		})
	}
	for _, f := range futures {
		if _, err := f.Get(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if atomic.LoadInt32(&maxSeen) < 2 {
		t.Errorf("pool never ran more than one task concurrently")
	}
}

func TestFutureContextCancel(t *testing.T) {
	p := New(1)
	defer p.Close()

	block := make(chan struct{})
	defer close(block)
	Submit(p, func() (struct{}, error) { <-block; return struct{}{}, nil })

	f := Submit(p, func() (struct{}, error) { return struct{}{}, nil })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Get(ctx); err == nil {
		t.Fatal("expected context error")
	}
}
