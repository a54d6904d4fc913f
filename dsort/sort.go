// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package dsort implements the distributed sort driver:
// every unit sorts its local records, the units agree on a set of
// splitters that divide the global key space into one range per
// unit, each unit exchanges its out-of-range records with the units
// that own them over the transport, and finally each unit merges its
// own sorted run with the runs it received into one globally-ordered
// local output.
//
// The six phases below mirror sortio.SortReader/NewMergeReader's
// local-sort-then-merge shape (grailbio/bigslice's single-process
// spilling sorter), generalized across units and reimplemented with
// Go generics in place of a reflect-based frame type, since this
// module targets a newer Go version than that sorter's original did.
package dsort

import (
	"context"
	"sort"

	"github.com/dartgo/dart/internal/pool"
)

// Less reports whether a orders before b. Implementations must be a
// strict weak ordering consistent with the Splitter used in the same
// Driver.
type Less[T any] func(a, b T) bool

// Config controls a Driver's resource usage.
type Config struct {
	// Rank and NumRanks place this Driver within its team.
	Rank, NumRanks int32
	// Pool runs the merge tree (phase 6). Its worker count should be
	// at least ceil(log2(NumRanks))+1 so no level of the merge tree
	// can deadlock waiting on a sibling that has nowhere to run.
	Pool *pool.Pool
}

// Driver runs one unit's side of a distributed sort of type T.
type Driver[T any] struct {
	cfg    Config
	less   Less[T]
	splitR Splitter[T]
	xch    Exchanger[T]
}

// New returns a Driver that sorts with less, selects splitters with
// splitter, and exchanges out-of-range records with xch.
func New[T any](cfg Config, less Less[T], splitter Splitter[T], xch Exchanger[T]) *Driver[T] {
	return &Driver[T]{cfg: cfg, less: less, splitR: splitter, xch: xch}
}

// Sort runs all six phases and returns this unit's share of the
// globally sorted sequence.
func (d *Driver[T]) Sort(ctx context.Context, local []T) ([]T, error) {
	// Phase 1: local sort.
	d.localSort(local)

	if d.cfg.NumRanks <= 1 {
		return local, nil
	}

	// Phase 2: agree on NumRanks-1 splitters partitioning the global
	// key space into NumRanks contiguous ranges, one per unit.
	splitters, err := d.splitR.Splitters(ctx, local, d.less)
	if err != nil {
		return nil, err
	}

	// Phase 3: partition the local run against the splitters into one
	// outgoing bucket per destination unit.
	plan := d.partition(local, splitters)

	// Phase 4: issue non-blocking gets for every remote partition we
	// need, without waiting on any of them yet.
	res, err := d.xch.Exchange(ctx, plan)
	if err != nil {
		return nil, err
	}

	// Phases 5-6: schedule chunk_dependencies and walk the level-doubling
	// merge tree to combine our own bucket with everything we
	// received into one sorted sequence.
	return d.mergeChunks(ctx, res)
}

// localSort implements phase 1: an in-place sort of this unit's
// records by less, mirroring sortio.SortReader's sort.Sort(g) over
// each canary batch, simplified to one in-memory pass since the core
// does not target spilling to disk; a standalone storage engine is
// out of scope (see DESIGN.md).
func (d *Driver[T]) localSort(s []T) {
	sort.Slice(s, func(i, j int) bool { return d.less(s[i], s[j]) })
}
