// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pmem

import (
	"bytes"
	"context"
	"testing"

	"github.com/dartgo/dart/internal/xport"
)

func TestAllocateAttachDetachRelocate(t *testing.T) {
	ctx := context.Background()
	p, err := Open(ctx, 1, 1, 0, ModeCreate)
	if err != nil {
		t.Fatal(err)
	}

	oid, err := p.AllocateLocal(64)
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.Bucket(oid)
	if err != nil {
		t.Fatal(err)
	}
	copy(b.local, []byte("hello pmem"))
	p.buckets[oid] = b

	world := xport.NewWorld(1)
	transport := xport.NewChanTransport(world, 0)
	group, err := transport.GroupCreate(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := transport.GroupAdd(ctx, group, 0); err != nil {
		t.Fatal(err)
	}
	if err := transport.GroupCommit(ctx, group, true); err != nil {
		t.Fatal(err)
	}

	addr, err := p.Attach(ctx, transport, group, oid)
	if err != nil {
		t.Fatal(err)
	}
	if addr.Unit != 0 {
		t.Fatalf("got unit %d, want 0", addr.Unit)
	}

	if err := p.Detach(ctx, transport, addr.Win, oid, false); err != nil {
		t.Fatal(err)
	}

	p2, err := Open(ctx, 1, 1, 0, ModeOpen)
	if err != nil {
		t.Fatal(err)
	}
	got, err := p2.Bucket(oid)
	if err != nil {
		t.Fatal(err)
	}
	if got.Nbytes != 64 {
		t.Fatalf("got %d bytes, want 64", got.Nbytes)
	}
	if !bytes.HasPrefix(got.local, []byte("hello pmem")) {
		t.Fatalf("got %q, want prefix %q", got.local, "hello pmem")
	}
	if !p.Equal(p2) {
		t.Fatal("relocated pool is not Equal to original")
	}
}

func TestCloneRejected(t *testing.T) {
	ctx := context.Background()
	p, err := Open(ctx, 2, 1, 0, ModeCreate)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Clone(); err == nil {
		t.Fatal("expected Clone to fail")
	}
}

func TestDetachZeroRecyclesOID(t *testing.T) {
	ctx := context.Background()
	p, err := Open(ctx, 3, 1, 0, ModeCreate)
	if err != nil {
		t.Fatal(err)
	}
	world := xport.NewWorld(1)
	transport := xport.NewChanTransport(world, 0)
	group, _ := transport.GroupCreate(ctx, 0)
	transport.GroupAdd(ctx, group, 0)
	transport.GroupCommit(ctx, group, true)

	oid, _ := p.AllocateLocal(8)
	addr, err := p.Attach(ctx, transport, group, oid)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Detach(ctx, transport, addr.Win, oid, true); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Bucket(oid); err == nil {
		t.Fatal("expected zeroed bucket to be gone")
	}
	next, err := p.AllocateLocal(16)
	if err != nil {
		t.Fatal(err)
	}
	if next != oid {
		t.Fatalf("got OID %d, want recycled %d", next, oid)
	}
}
