// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package pmem implements the optional persistent bucket allocator
//: a pool of named, fixed-size byte buckets backed by a
// single pool file per (team, pool) pair, each bucket registerable
// with the transport as RMA-addressable memory. It is grounded on
// exec/store.go's Store/writeCommitter abstraction, generalized from
// "one file per task partition" to "one file per pool, many buckets
// inside it", and reads/writes the pool file through
// github.com/grailbio/base/file so the pool can live on any storage
// backend that package supports, not just a local path.
//
// github.com/grailbio/base/file models storage as create-once,
// sequential-write, then seekable-read (the natural shape for an
// object store), with no in-place random write. persist therefore
// rewrites the pool file's bucket region in full on every Detach
// rather than seeking to one bucket's offset, the same tradeoff
// exec/store.go makes by writing a whole committed partition at once
// instead of patching an existing one.
package pmem

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/grailbio/base/file"

	"github.com/dartgo/dart/errs"
	"github.com/dartgo/dart/internal/xport"
)

// OID identifies a bucket within a pool, stable across process
// restarts (it is the bucket's index in the pool file).
type OID uint64

// Bucket is one allocation in the pool: its local bytes, size, and
// (once attached) the RMA handle the rest of the runtime uses to
// address it remotely.
type Bucket struct {
	OID    OID
	Nbytes uint64
	local  []byte

	attached bool
	gptr     xport.GlobalAddr
	buf      xport.LocalBuffer
}

// Nil reports whether the bucket is the zero value: free, or never
// allocated.
func (b Bucket) Nil() bool { return b.Nbytes == 0 && b.local == nil }

const headerMagic = uint64(0xda27_6d31_706d_656d)

// Pool is a reopenable, team-scoped persistent bucket allocator.
// Equality of two Pool values holds exactly
// when their team id, pool id, and total size agree; Pool carries no
// exported fields so callers must go through Equal rather than struct
// comparison, since copy-constructing a Pool would otherwise silently
// duplicate a live file handle.
type Pool struct {
	mu      sync.Mutex
	teamID  int64
	poolID  int64
	f       file.File
	buckets []Bucket // index i holds OID i; Nil() entries are free/unallocated
}

// Mode selects how Open treats an existing or missing pool file.
type Mode int

const (
	// ModeCreate truncates (or creates) the pool file.
	ModeCreate Mode = iota
	// ModeOpen requires the pool file to already exist and calls
	// relocate_pmem_buckets to rebuild the in-memory bucket list.
	ModeOpen
)

// Flags is reserved for future use; no concrete flag semantics beyond
// what Mode already captures are defined yet.
type Flags uint32

// path names the pool file for (teamID, poolID). A real deployment
// would make the containing directory configurable; this mirrors
// exec/store.go's fileStore, which likewise derives a path instead of
// taking one as a parameter, keeping the allocator's on-disk layout
// an implementation detail.
func path(teamID, poolID int64) string {
	return fmt.Sprintf("dart-pmem-%d-%d.pool", teamID, poolID)
}

// Open opens or creates the pool named by (teamID, poolID), depending
// on mode.
func Open(ctx context.Context, teamID, poolID int64, flags Flags, mode Mode) (*Pool, error) {
	p := &Pool{teamID: teamID, poolID: poolID}
	switch mode {
	case ModeCreate:
		if err := p.rewrite(ctx); err != nil {
			return nil, err
		}
	case ModeOpen:
		f, err := file.Open(ctx, path(teamID, poolID))
		if err != nil {
			return nil, errs.E(errs.NotFound, err)
		}
		defer f.Close(ctx)
		if err := p.relocate(ctx, f); err != nil {
			return nil, err
		}
	default:
		return nil, errs.E(errs.Invalid, "pmem: unknown mode", mode)
	}
	return p, nil
}

// Equal reports whether p and other name the same team, pool, and
// total size. Copy-constructing a Pool (e.g. `other := *p`) shares the
// Go value but not a second physical file handle; callers that need an
// independent handle must Open again, which Clone rejects outright as
// not implemented.
func (p *Pool) Equal(other *Pool) bool {
	if p == nil || other == nil {
		return p == other
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	other.mu.Lock()
	defer other.mu.Unlock()
	return p.teamID == other.teamID && p.poolID == other.poolID && p.totalSize() == other.totalSize()
}

// Clone always fails: a pool allocator's physical handle cannot be
// replayed, so copy-construction is rejected rather than silently
// producing a second handle over the same file.
func (p *Pool) Clone() (*Pool, error) {
	return nil, errs.E(errs.NotImplemented, "pmem: pool handles cannot be copy-constructed")
}

func (p *Pool) totalSize() uint64 {
	var total uint64
	for _, b := range p.buckets {
		total += b.Nbytes
	}
	return total
}

// AllocateLocal implements `allocate_local(n)`: reserves n persistent
// bytes, records a bucket for them, and returns its OID. The bytes
// are held in memory until Detach persists them; a freshly allocated
// bucket is zero-filled.
func (p *Pool) AllocateLocal(n uint64) (OID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	oid := OID(len(p.buckets))
	for i, b := range p.buckets {
		if b.Nil() {
			oid = OID(i)
			break
		}
	}
	b := Bucket{OID: oid, Nbytes: n, local: make([]byte, n)}
	if int(oid) == len(p.buckets) {
		p.buckets = append(p.buckets, b)
	} else {
		p.buckets[oid] = b
	}
	return oid, nil
}

// Bucket returns a copy of the bucket descriptor for oid.
func (p *Pool) Bucket(oid OID) (Bucket, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(oid) >= len(p.buckets) || p.buckets[oid].Nil() {
		return Bucket{}, errs.E(errs.NotFound, "pmem: no such bucket", oid)
	}
	return p.buckets[oid], nil
}

// Attach implements `attach(lptr, n)`: registers the bucket's memory
// with the transport and assigns it a global address, collectively
// (every member of group must call Attach for the same oid in the
// same order).
func (p *Pool) Attach(ctx context.Context, transport xport.Transport, group xport.GroupHandle, oid OID) (xport.GlobalAddr, error) {
	p.mu.Lock()
	if int(oid) >= len(p.buckets) || p.buckets[oid].Nil() {
		p.mu.Unlock()
		return xport.GlobalAddr{}, errs.E(errs.NotFound, "pmem: no such bucket", oid)
	}
	b := p.buckets[oid]
	p.mu.Unlock()

	buf, err := transport.Register(ctx, b.Nbytes)
	if err != nil {
		return xport.GlobalAddr{}, err
	}
	copy(buf.Bytes(), b.local)
	win, err := transport.NewWindow(ctx, group)
	if err != nil {
		return xport.GlobalAddr{}, err
	}
	if err := transport.Attach(ctx, win, buf); err != nil {
		return xport.GlobalAddr{}, err
	}
	addr := xport.GlobalAddr{Win: win, Unit: transport.Rank(), Disp: 0}

	p.mu.Lock()
	b.attached = true
	b.buf = buf
	b.gptr = addr
	p.buckets[oid] = b
	p.mu.Unlock()
	return addr, nil
}

// Detach implements `detach(gptr)`: deregisters the bucket's RMA
// exposure and persists its backing bytes. zero, if true, also clears
// the bucket so a later AllocateLocal can recycle its OID.
func (p *Pool) Detach(ctx context.Context, transport xport.Transport, win xport.WindowHandle, oid OID, zero bool) error {
	p.mu.Lock()
	if int(oid) >= len(p.buckets) || p.buckets[oid].Nil() {
		p.mu.Unlock()
		return errs.E(errs.NotFound, "pmem: no such bucket", oid)
	}
	b := p.buckets[oid]
	p.mu.Unlock()

	if b.attached {
		copy(b.local, b.buf.Bytes())
		if err := transport.Detach(ctx, win, b.buf); err != nil {
			return err
		}
	}

	p.mu.Lock()
	if zero {
		p.buckets[oid] = Bucket{}
	} else {
		b.attached = false
		b.buf = nil
		p.buckets[oid] = b
	}
	p.mu.Unlock()

	return p.persist(ctx)
}

// persist makes one bucket's current bytes durable. On real
// persistent memory this would flush the CPU cache lines covering the
// bucket; since the backing store here is a regular file opened
// through a sequential-write API rather than mapped NVM, the
// durability-equivalent operation is a full, synchronous rewrite of
// the file rather than a targeted cache-line flush.
func (p *Pool) persist(ctx context.Context) error {
	return p.rewrite(ctx)
}

// rewrite (re)creates the pool file from p.buckets: a 16-byte header
// (magic, bucket count) followed by, for every bucket slot, an
// 8-byte size (0 for a free slot) and that many bytes of data.
func (p *Pool) rewrite(ctx context.Context) error {
	p.mu.Lock()
	buckets := make([]Bucket, len(p.buckets))
	copy(buckets, p.buckets)
	teamID, poolID := p.teamID, p.poolID
	p.mu.Unlock()

	f, err := file.Create(ctx, path(teamID, poolID))
	if err != nil {
		return errs.E(errs.TransportFailure, err)
	}
	w := f.Writer(ctx)

	var hdr [16]byte
	binary.LittleEndian.PutUint64(hdr[0:], headerMagic)
	binary.LittleEndian.PutUint64(hdr[8:], uint64(len(buckets)))
	if _, err := w.Write(hdr[:]); err != nil {
		f.Close(ctx)
		return errs.E(errs.TransportFailure, err)
	}
	for _, b := range buckets {
		var sizeHdr [8]byte
		binary.LittleEndian.PutUint64(sizeHdr[:], b.Nbytes)
		if _, err := w.Write(sizeHdr[:]); err != nil {
			f.Close(ctx)
			return errs.E(errs.TransportFailure, err)
		}
		if b.Nbytes == 0 {
			continue
		}
		if _, err := w.Write(b.local); err != nil {
			f.Close(ctx)
			return errs.E(errs.TransportFailure, err)
		}
	}
	return f.Close(ctx)
}

// relocate implements `relocate_pmem_buckets()`: on reopen, walk the
// pool file's OIDs (fetch_all), materialize each bucket's bytes
// (getaddr) and size (oid_size), and rebuild the in-memory bucket
// list. A pool file with zero recorded buckets relocates to an empty
// list, not an error.
func (p *Pool) relocate(ctx context.Context, f file.File) error {
	r := f.Reader(ctx)
	var hdr [16]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return errs.E(errs.TransportFailure, err)
	}
	if binary.LittleEndian.Uint64(hdr[0:]) != headerMagic {
		return errs.E(errs.Invalid, "pmem: not a pool file")
	}
	n := binary.LittleEndian.Uint64(hdr[8:])

	buckets := make([]Bucket, 0, n)
	for i := uint64(0); i < n; i++ {
		size, err := oidSize(r)
		if err != nil {
			return err
		}
		if size == 0 {
			buckets = append(buckets, Bucket{})
			continue
		}
		local, err := getaddr(r, size)
		if err != nil {
			return err
		}
		buckets = append(buckets, Bucket{OID: OID(i), Nbytes: size, local: local})
	}

	p.mu.Lock()
	p.buckets = buckets
	p.mu.Unlock()
	return nil
}

// oidSize reads the size recorded for the next bucket slot in r, the
// `oid_size` primitive DASH's NVM allocator exposes.
func oidSize(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, errs.E(errs.TransportFailure, err)
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// getaddr materializes the next bucket's bytes from r into a local,
// in-memory pointer, the `getaddr` primitive DASH's NVM allocator
// exposes.
func getaddr(r io.Reader, size uint64) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errs.E(errs.TransportFailure, err)
	}
	return buf, nil
}
