// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dsort

import (
	"context"
	"encoding/binary"
	"math/rand"
	"sort"
	"testing"

	"github.com/dartgo/dart/internal/pool"
	"github.com/dartgo/dart/internal/xport"
)

func lessInt(a, b int) bool { return a < b }

type intCodec struct{}

func (intCodec) EncodeBucket(records []int) ([]byte, error) {
	b := make([]byte, 8*len(records))
	for i, v := range records {
		binary.LittleEndian.PutUint64(b[i*8:], uint64(v))
	}
	return b, nil
}

func (intCodec) DecodeBucket(b []byte) ([]int, error) {
	out := make([]int, len(b)/8)
	for i := range out {
		out[i] = int(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return out, nil
}

func sampleSplitter[T any]() SplitterFunc[T] {
	return func(ctx context.Context, local []T, less Less[T]) ([]T, error) {
		return nil, nil
	}
}

// regularSplitter picks evenly spaced keys from the union of every
// unit's local data, the simplest correct instance of the Splitter
// collaborator: each rank proposes its own regular sample, and an
// AllGather plus a local sort-and-subsample agrees on a single global
// splitter sequence, independently computed but identically derived
// on every rank.
type regularSplitter struct {
	transport xport.Transport
	group     xport.GroupHandle
}

func (s regularSplitter) Splitters(ctx context.Context, local []int, less Less[int]) ([]int, error) {
	const samples = 8
	mine := make([]int, samples)
	for i := range mine {
		if len(local) == 0 {
			mine[i] = 0
			continue
		}
		mine[i] = local[i*len(local)/samples]
	}
	in := make([]byte, 8*samples)
	for i, v := range mine {
		binary.LittleEndian.PutUint64(in[i*8:], uint64(v))
	}
	n := int(s.transport.NumRanks())
	out := make([]byte, len(in)*n)
	if err := s.transport.AllGather(ctx, in, out, s.group); err != nil {
		return nil, err
	}
	all := make([]int, 0, samples*n)
	for i := 0; i < samples*n; i++ {
		all = append(all, int(binary.LittleEndian.Uint64(out[i*8:])))
	}
	sort.Ints(all)
	numSplitters := n - 1
	splitters := make([]int, numSplitters)
	for i := range splitters {
		splitters[i] = all[(i+1)*len(all)/n]
	}
	return splitters, nil
}

func TestDriverSortSingleRank(t *testing.T) {
	p := pool.New(2)
	defer p.Close()
	d := New(Config{Rank: 0, NumRanks: 1, Pool: p}, lessInt, sampleSplitter[int](), nil)
	got, err := d.Sort(context.Background(), []int{5, 3, 1, 4, 2})
	if err != nil {
		t.Fatal(err)
	}
	want := []int{1, 2, 3, 4, 5}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestDistributedSort(t *testing.T) {
	const n = 4
	world := xport.NewWorld(n)
	rng := rand.New(rand.NewSource(1))

	var allInput []int
	inputs := make([][]int, n)
	for r := 0; r < n; r++ {
		for i := 0; i < 37; i++ {
			v := rng.Intn(1000)
			inputs[r] = append(inputs[r], v)
			allInput = append(allInput, v)
		}
	}

	results := make([][]int, n)
	errs := make([]error, n)
	done := make(chan struct{}, n)
	for r := 0; r < n; r++ {
		r := r
		go func() {
			defer func() { done <- struct{}{} }()
			transport := xport.NewChanTransport(world, int32(r))
			group, err := transport.GroupCreate(context.Background(), 0)
			if err != nil {
				errs[r] = err
				return
			}
			for m := int32(0); m < n; m++ {
				transport.GroupAdd(context.Background(), group, m)
			}
			if err := transport.GroupCommit(context.Background(), group, true); err != nil {
				errs[r] = err
				return
			}
			p := pool.New(4)
			defer p.Close()
			splitter := regularSplitter{transport: transport, group: group}
			exch := NewExchanger[int](transport, group, intCodec{})
			d := New(Config{Rank: int32(r), NumRanks: n, Pool: p}, lessInt, splitter, exch)
			got, err := d.Sort(context.Background(), append([]int(nil), inputs[r]...))
			results[r] = got
			errs[r] = err
		}()
	}
	for i := 0; i < n; i++ {
		<-done
	}
	for r := 0; r < n; r++ {
		if errs[r] != nil {
			t.Fatalf("rank %d: %v", r, errs[r])
		}
	}

	var merged []int
	for r := 0; r < n; r++ {
		if !sort.IntsAreSorted(results[r]) {
			t.Fatalf("rank %d result not sorted: %v", r, results[r])
		}
		merged = append(merged, results[r]...)
	}
	if len(merged) != len(allInput) {
		t.Fatalf("got %d records total, want %d", len(merged), len(allInput))
	}
	sort.Ints(allInput)
	sort.Ints(merged)
	for i := range allInput {
		if merged[i] != allInput[i] {
			t.Fatalf("record %d: got %d, want %d", i, merged[i], allInput[i])
		}
	}

	for r := 0; r+1 < n; r++ {
		if len(results[r]) == 0 || len(results[r+1]) == 0 {
			continue
		}
		if results[r][len(results[r])-1] > results[r+1][0] {
			t.Errorf("rank %d's range overlaps rank %d's: %d > %d",
				r, r+1, results[r][len(results[r])-1], results[r+1][0])
		}
	}
}

func TestKWayMerge(t *testing.T) {
	got := KWayMerge(lessInt, []int{1, 4, 7}, []int{2, 3}, nil, []int{0, 5, 6, 8})
	want := []int{0, 1, 2, 3, 4, 5, 6, 7, 8}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
