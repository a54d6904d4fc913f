// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dsort

import (
	"container/heap"
	"context"

	"github.com/dartgo/dart/internal/pool"
)

// chunkRange identifies a half-open range of unit indices [lo, hi) in
// the merge tree, exactly dash::impl::ChunkRange.
type chunkRange struct{ lo, hi int }

// scheduleChunks implements phase 5: for every unit self actually
// needs data from, a pool task that resolves that unit's transfer
// (blocking on its Get if one is in flight) and copies the decoded
// records into work at the offset phase 6 already assigned them; the
// task's Future is stored under chunk_dependencies' [u, u+1) key. A
// unit with TargetCounts[u] == 0 contributes nothing and gets no
// entry, mirroring psort__remote_partitions filtering such units out
// of remote_partitions to begin with. self's own local bucket gets
// the same treatment as a "local_copy" task under [self, self+1),
// exactly psort__schedule_copy_tasks' extra emplace after the
// remote_partitions transform; together these are the "exactly
// |remote_partitions|+1 entries" the source asserts.
//
// chunk_dependencies is built and read only by the goroutine running
// Sort: every task submitted by mergeChunks closes over the specific
// Future it depends on, captured here before submission, rather than
// looking the map up at run time the way the source's task closures
// do against a live std::map — so the map itself never needs a lock
// even though later levels are added while earlier tasks may still
// be running.
func (d *Driver[T]) scheduleChunks(res *ExchangeResult[T], work []T, offsets []int) map[chunkRange]*pool.Future[struct{}] {
	deps := make(map[chunkRange]*pool.Future[struct{}], len(res.RemotePartitions)+1)
	for _, p := range res.RemotePartitions {
		p := p
		f := pool.Submit(d.cfg.Pool, func() (struct{}, error) {
			recs, err := res.resolve(p)
			if err != nil {
				return struct{}{}, err
			}
			copy(work[offsets[p]:offsets[p+1]], recs)
			return struct{}{}, nil
		})
		deps[chunkRange{int(p), int(p) + 1}] = f
	}
	self := res.self
	localF := pool.Submit(d.cfg.Pool, func() (struct{}, error) {
		recs, err := res.resolve(self)
		if err != nil {
			return struct{}{}, err
		}
		copy(work[offsets[self]:offsets[self+1]], recs)
		return struct{}{}, nil
	})
	deps[chunkRange{int(self), int(self) + 1}] = localF
	return deps
}

// mergeChunks implements phases 5 and 6. It lays every unit's target
// share out contiguously in a single working buffer (work), ordered
// by unit index and sized from ExchangeResult.TargetCounts — exactly
// the prefix sum psort__merge_tree's caller computes "to find the
// offsets for merging" — then walks the level-doubling tree
// psort__merge_tree itself describes: for d = 0..depth-1, step =
// 1<<d, dist = step<<1, nmerges = nchunks>>1; for each of the nmerges
// merges at this level, f = m*dist, mi = f+step, l = min(f+dist, n);
// a pool task waits on the dependency entries at keys [f,mi) and
// [mi,l) when chunk_dependencies holds them (a unit with no entry
// contributed nothing, so there is nothing to wait for, matching the
// source's chunk_dependencies[dep].valid() guard) and then runs
// mergeOp, storing its own Future under [f,l); nchunks -= nmerges
// after the level. The level where nchunks == 2 — equivalently
// d == depth-1, the last iteration — always resolves to the single
// merge spanning [0,n): merge_inplace_and_copy treats only that
// merge as final, running it non-inplace into a separate output
// buffer after a barrier, while every earlier level merges its
// working buffer's own sub-range in place.
func (d *Driver[T]) mergeChunks(ctx context.Context, res *ExchangeResult[T]) ([]T, error) {
	n := len(res.TargetCounts)
	offsets := make([]int, n+1)
	for u := 0; u < n; u++ {
		offsets[u+1] = offsets[u] + res.TargetCounts[u]
	}
	total := offsets[n]
	work := make([]T, total)

	deps := d.scheduleChunks(res, work, offsets)

	if n == 1 {
		if _, err := deps[chunkRange{0, 1}].Get(ctx); err != nil {
			return nil, err
		}
		return work, nil
	}

	out := make([]T, total)
	depth := ceilLog2(n)
	nchunks := n
	for dlevel := 0; dlevel < depth; dlevel++ {
		step := 1 << dlevel
		dist := step << 1
		nmerges := nchunks >> 1
		isFinal := dlevel == depth-1
		for m := 0; m < nmerges; m++ {
			f := m * dist
			mi := f + step
			l := f + dist
			if l > n {
				l = n
			}
			leftDep, hasLeft := deps[chunkRange{f, mi}]
			rightDep, hasRight := deps[chunkRange{mi, l}]
			f, mi, l, isFinal := f, mi, l, isFinal
			merged := pool.Submit(d.cfg.Pool, func() (struct{}, error) {
				if hasLeft {
					if _, err := leftDep.Get(ctx); err != nil {
						return struct{}{}, err
					}
				}
				if hasRight {
					if _, err := rightDep.Get(ctx); err != nil {
						return struct{}{}, err
					}
				}
				if isFinal {
					d.mergeTwo(work[offsets[f]:offsets[mi]], work[offsets[mi]:offsets[l]], out[offsets[f]:offsets[l]])
				} else {
					d.mergeInplace(work, offsets[f], offsets[mi], offsets[l])
				}
				return struct{}{}, nil
			})
			deps[chunkRange{f, l}] = merged
		}
		nchunks -= nmerges
	}

	if _, err := deps[chunkRange{0, n}].Get(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

// ceilLog2 returns ceil(log2(n)) for n >= 1, the merge tree's depth.
func ceilLog2(n int) int {
	depth := 0
	for (1 << depth) < n {
		depth++
	}
	return depth
}

// mergeInplace merges work[f:mi] and work[mi:l] back into work[f:l]
// via a scratch buffer copied back in place. Go has no
// std::inplace_merge; copy-back is the idiomatic rendering of "the
// result replaces the same sub-range of the shared working buffer"
// rather than landing in a separate output buffer, which is the
// distinction mergeChunks' levels actually depend on.
func (d *Driver[T]) mergeInplace(work []T, f, mi, l int) {
	scratch := make([]T, l-f)
	d.mergeTwo(work[f:mi], work[mi:l], scratch)
	copy(work[f:l], scratch)
}

// mergeTwo merges sorted a and b into dst, which must have length
// exactly len(a)+len(b) and must not alias a or b.
func (d *Driver[T]) mergeTwo(a, b []T, dst []T) {
	i, j, k := 0, 0, 0
	for i < len(a) && j < len(b) {
		if d.less(b[j], a[i]) {
			dst[k] = b[j]
			j++
		} else {
			dst[k] = a[i]
			i++
		}
		k++
	}
	for i < len(a) {
		dst[k] = a[i]
		i++
		k++
	}
	for j < len(b) {
		dst[k] = b[j]
		j++
		k++
	}
}

// KWayMerge merges several already-sorted inputs into a single
// sorted output in one pass, mirroring sortio.mergeReader's
// heap-of-FrameBuffer approach directly (one heap, k inputs) for
// callers that want a single-goroutine merge without the pool, e.g.
// a final local consolidation pass or a unit test oracle.
func KWayMerge[T any](less Less[T], inputs ...[]T) []T {
	h := &kheap[T]{less: less}
	total := 0
	for _, in := range inputs {
		total += len(in)
		if len(in) > 0 {
			h.items = append(h.items, &kitem[T]{data: in})
		}
	}
	heap.Init(h)
	out := make([]T, 0, total)
	for h.Len() > 0 {
		it := h.items[0]
		out = append(out, it.data[it.idx])
		it.idx++
		if it.idx == len(it.data) {
			heap.Remove(h, 0)
		} else {
			heap.Fix(h, 0)
		}
	}
	return out
}

type kitem[T any] struct {
	data []T
	idx  int
}

type kheap[T any] struct {
	items []*kitem[T]
	less  Less[T]
}

func (h *kheap[T]) Len() int { return len(h.items) }
func (h *kheap[T]) Less(i, j int) bool {
	return h.less(h.items[i].data[h.items[i].idx], h.items[j].data[h.items[j].idx])
}
func (h *kheap[T]) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *kheap[T]) Push(x interface{}) {
	h.items = append(h.items, x.(*kitem[T]))
}
func (h *kheap[T]) Pop() interface{} {
	n := len(h.items)
	it := h.items[n-1]
	h.items = h.items[:n-1]
	return it
}
