// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dsort

import (
	"context"
	"testing"

	"github.com/dartgo/dart/internal/pool"
)

// fakeExchangeResult builds an ExchangeResult[int] directly from
// per-unit buckets, standing in for what a real Exchanger would have
// produced by phase 4, so mergeChunks can be exercised without a
// transport.
func fakeExchangeResult(self int32, buckets [][]int) *ExchangeResult[int] {
	codec := intCodec{}
	n := len(buckets)
	targetCounts := make([]int, n)
	for u, b := range buckets {
		targetCounts[u] = len(b)
	}
	remote := make(map[int32]remoteFetch, n)
	for u := 0; u < n; u++ {
		if int32(u) == self || len(buckets[u]) == 0 {
			continue
		}
		enc, _ := codec.EncodeBucket(buckets[u])
		remote[int32(u)] = remoteFetch{handle: nil, bytes: enc}
	}
	local, _ := codec.EncodeBucket(buckets[self])
	return &ExchangeResult[int]{
		TargetCounts:     targetCounts,
		RemotePartitions: remotePartitions(targetCounts, self),
		self:             self,
		codec:            codec,
		local:            local,
		remote:           remote,
	}
}

// TestMergeChunksPoolSizedToTreeHeight merges 8 per-unit chunks (a
// balanced tree of height 3) on a pool with exactly
// ceil(log2(8))+1 = 4 workers, the minimum Config.Pool's sizing
// contract allows. Every internal node of the merge tree is itself a
// task that blocks on its children's Futures from inside the pool, so
// undersizing this pool by even one worker risks the deepest pending
// child having nowhere to run.
func TestMergeChunksPoolSizedToTreeHeight(t *testing.T) {
	p := pool.New(4)
	defer p.Close()
	d := &Driver[int]{cfg: Config{Pool: p}, less: lessInt}

	buckets := [][]int{
		{1, 9}, {2, 10}, {3, 11}, {4, 12},
		{5, 13}, {6, 14}, {7, 15}, {8, 16},
	}
	res := fakeExchangeResult(0, buckets)
	got, err := d.mergeChunks(context.Background(), res)
	if err != nil {
		t.Fatal(err)
	}
	want := []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestMergeChunksSingleUnit(t *testing.T) {
	p := pool.New(1)
	defer p.Close()
	d := &Driver[int]{cfg: Config{Pool: p}, less: lessInt}
	res := fakeExchangeResult(0, [][]int{{1, 2, 3}})
	got, err := d.mergeChunks(context.Background(), res)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("got %v, want [1 2 3]", got)
	}
}

// TestMergeChunksSkipsZeroTargetUnits exercises units with
// TargetCounts[u] == 0, which get no chunk_dependencies entry at all
// and must be tolerated by the merge tree's missing-dependency guard
// rather than causing a deadlock or panic.
func TestMergeChunksSkipsZeroTargetUnits(t *testing.T) {
	p := pool.New(3)
	defer p.Close()
	d := &Driver[int]{cfg: Config{Pool: p}, less: lessInt}
	res := fakeExchangeResult(1, [][]int{{}, {1, 3}, {}, {2, 4}})
	got, err := d.mergeChunks(context.Background(), res)
	if err != nil {
		t.Fatal(err)
	}
	want := []int{1, 2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

// TestMergeChunksOddUnitCount exercises a non-power-of-two unit
// count, where the tree carries a lonely unpaired chunk forward a
// level, the way psort__merge_tree's min(f+dist, npartitions) bound
// and nchunks -= nmerges accounting do.
func TestMergeChunksOddUnitCount(t *testing.T) {
	p := pool.New(4)
	defer p.Close()
	d := &Driver[int]{cfg: Config{Pool: p}, less: lessInt}
	res := fakeExchangeResult(2, [][]int{{1, 6}, {2, 7}, {3, 8}, {4, 9}, {5, 10}})
	got, err := d.mergeChunks(context.Background(), res)
	if err != nil {
		t.Fatal(err)
	}
	want := []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}
