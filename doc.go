// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package dart implements the core of a partitioned global address
// space (PGAS) runtime: team and group management, a segment allocator
// with global-pointer translation, and one-sided RMA primitives layered
// over a pluggable transport. The distributed sort built on top of this
// substrate lives in the sibling dsort package; the persistent bucket
// allocator lives in pmem.
//
// A single process (a "unit" in PGAS terminology) holds exactly one
// *Runtime, created by Init and torn down by Finalize. All collective
// operations on a Runtime must be called in the same order by every
// member of the team they operate on; mismatched call order is a
// programmer error and may deadlock, per the transport's collective
// semantics.
package dart
