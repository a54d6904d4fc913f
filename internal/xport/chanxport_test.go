// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package xport

import (
	"context"
	"sync"
	"testing"
)

// TestSharedMemoryFastPath exercises AllocShared/SharedQuery/
// ResolveShared end to end across two ranks of a World: each rank
// allocates a shared segment, learns the other rank's base pointer,
// resolves it to a LocalBuffer, and reads what the other rank wrote
// without going through Get/Put.
func TestSharedMemoryFastPath(t *testing.T) {
	const n = 2
	world := NewWorld(n)
	t0 := NewChanTransport(world, 0)
	t1 := NewChanTransport(world, 1)

	if !t0.Capabilities().SharedMemory {
		t.Fatal("chanTransport should report SharedMemory: true")
	}

	ctx := context.Background()
	const label = int64(1)
	h, err := t0.GroupCreate(ctx, label)
	if err != nil {
		t.Fatal(err)
	}
	if err := t0.GroupAdd(ctx, h, 0); err != nil {
		t.Fatal(err)
	}
	if err := t0.GroupAdd(ctx, h, 1); err != nil {
		t.Fatal(err)
	}

	type result struct {
		buf LocalBuffer
		win WindowHandle
		err error
	}
	results := make([]result, n)
	var wg sync.WaitGroup
	for rank := int32(0); rank < n; rank++ {
		rank := rank
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr := t0
			if rank == 1 {
				tr = t1
			}
			shared := tr.(SharedMemory)
			buf, win, err := shared.AllocShared(ctx, h, 32)
			results[rank] = result{buf: buf, win: win, err: err}
		}()
	}
	wg.Wait()
	for rank, res := range results {
		if res.err != nil {
			t.Fatalf("rank %d: AllocShared: %v", rank, res.err)
		}
	}

	copy(results[0].buf.Bytes(), []byte("hello from rank 0"))

	shared1 := t1.(SharedMemory)
	base, err := shared1.SharedQuery(ctx, results[1].win, 0)
	if err != nil {
		t.Fatalf("SharedQuery: %v", err)
	}
	peerBuf, err := shared1.ResolveShared(ctx, base)
	if err != nil {
		t.Fatalf("ResolveShared: %v", err)
	}
	if got, want := string(peerBuf.Bytes()[:len("hello from rank 0")]), "hello from rank 0"; got != want {
		t.Errorf("rank 1 resolved rank 0's buffer as %q, want %q", got, want)
	}
}

// TestSharedMemoryQueryUnknownHandle checks ResolveShared rejects a
// handle that never came from SharedQuery rather than panicking on a
// malformed window id.
func TestSharedMemoryQueryUnknownHandle(t *testing.T) {
	world := NewWorld(1)
	tr := NewChanTransport(world, 0).(SharedMemory)
	if _, err := tr.ResolveShared(context.Background(), 0); err == nil {
		t.Error("ResolveShared on a handle with no backing buffer should error")
	}
}
