// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dsort

import "context"

// Splitter selects the NumRanks-1 splitter keys that divide the
// global key space into one contiguous range per unit, given this
// unit's already-sorted local run. Splitter is an external
// collaborator: dsort only needs an agreed-upon, globally-identical
// splitter sequence, however it was produced.
type Splitter[T any] interface {
	Splitters(ctx context.Context, local []T, less Less[T]) ([]T, error)
}

// SplitterFunc adapts a function to a Splitter.
type SplitterFunc[T any] func(ctx context.Context, local []T, less Less[T]) ([]T, error)

func (f SplitterFunc[T]) Splitters(ctx context.Context, local []T, less Less[T]) ([]T, error) {
	return f(ctx, local, less)
}

// Bucket is one unit's share of a partitioned local run: the records
// from this unit that belong in destination unit's range.
type Bucket[T any] struct {
	Dest    int32
	Records []T
}

// Plan is the full set of outgoing buckets produced by phase 3, one
// per destination rank (including, for uniformity, this unit's own
// rank, whose bucket never leaves the process).
type Plan[T any] struct {
	Buckets []Bucket[T]
}

// partition buckets the local run by destination unit ahead of phase
// 3 proper: splitters must be sorted and have length NumRanks-1;
// record i belongs to destination rank equal to the number of
// splitters it is greater than or equal to, i.e. the rank of its
// range in the splitter-induced partition. Every splitter index here
// is valid (this scheme never produces a degenerate, empty-range
// splitter the way an adaptively-sampled one might), so the
// splitter-index set psort__remote_partitions calls valid_splitters
// is simply every index 0..NumRanks-2.
func (d *Driver[T]) partition(local []T, splitters []T) Plan[T] {
	n := int(d.cfg.NumRanks)
	buckets := make([]Bucket[T], n)
	for i := range buckets {
		buckets[i].Dest = int32(i)
	}
	for _, rec := range local {
		dest := destRank(rec, splitters, d.less)
		buckets[dest].Records = append(buckets[dest].Records, rec)
	}
	return Plan[T]{Buckets: buckets}
}

// destRank returns the index of the range rec falls into, via binary
// search over the sorted splitters.
func destRank[T any](rec T, splitters []T, less Less[T]) int {
	lo, hi := 0, len(splitters)
	for lo < hi {
		mid := (lo + hi) / 2
		if less(rec, splitters[mid]) {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

// remotePartitions builds phase 3's remote_partitions set: the units
// other than self from which self must actually pull data, in the
// order that fixes chunk-dependency-key assignment for phase 5/6.
// This driver's global range always begins at unit 0 — there is no
// sub-range "begin" offset the way a distributed-array pattern's
// global iterator allows — so unit_at_begin is always 0, and
// psort__remote_partitions' general rule (unit_at_begin first, then
// each valid splitter's right-hand unit in splitter order) collapses
// to plain ascending unit order. A unit with targetCounts[u] == 0,
// including self via the u == self guard, contributes nothing and is
// skipped, mirroring psort__remote_partitions filtering out
// DART_UNDEFINED_UNIT_ID entries.
func remotePartitions(targetCounts []int, self int32) []int32 {
	var out []int32
	for u := int32(0); u < int32(len(targetCounts)); u++ {
		if u == self {
			continue
		}
		if targetCounts[u] > 0 {
			out = append(out, u)
		}
	}
	return out
}
