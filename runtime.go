// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dart

import (
	"context"
	"sync"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"

	"github.com/dartgo/dart/errs"
	"github.com/dartgo/dart/internal/buddy"
	"github.com/dartgo/dart/internal/teamreg"
	"github.com/dartgo/dart/internal/transtable"
	"github.com/dartgo/dart/internal/xport"
	"github.com/dartgo/dart/stats"
)

// universalGroupLabel is the transport group label every unit agrees
// on without a prior allreduce, since the universal team always
// exists before any election could run: it is simply the lowest
// label TeamCreate's own election (which starts counting from 1) will
// never produce.
const universalGroupLabel int64 = 0

// DefaultLocalArenaSize is the size of the process-private local pool
// backing segment-0 (local) global pointers when WithLocalArenaSize
// is not supplied.
const DefaultLocalArenaSize = 64 << 20

// sizeClassBuckets bounds the number of distinct size-class counters
// MemAlloc reports into the Runtime's stats.Map, via
// buddy.SizeClassHash.
const sizeClassBuckets = 16

// Runtime is the single process-wide owner of every piece of mutable
// state a unit's PGAS session needs: the team registry, the
// translation table, the local buddy allocator, and the counters that
// must advance in lockstep across a team. It is an explicit value
// threaded through the API rather than hidden behind package-level
// globals, so a process can in principle run more than one session.
// A process holds exactly one Runtime, created by Init and torn down
// by Finalize.
type Runtime struct {
	transport  xport.Transport
	registry   *teamreg.Registry
	local      *buddy.Pool
	localArena []byte
	trans      *transtable.Table
	status     *status.Status
	stats      *stats.Map

	mu              sync.Mutex
	nextAvailTeamID int64
	groupIDTop      int64
	nextSegID       int16
	finalized       bool
}

// Option configures a Runtime at Init time, the functional-options
// idiom exec.Start uses for Session configuration.
type Option func(r *Runtime)

// WithStatus attaches a status.Status to which team creation and, at
// Finalize, the Runtime's counters are reported. Optional; nil by
// default, checked at every report site.
func WithStatus(s *status.Status) Option {
	return func(r *Runtime) { r.status = s }
}

// WithLocalArenaSize sets the size in bytes of the process-private
// local pool backing segment-0 global pointers. Default DefaultLocalArenaSize.
func WithLocalArenaSize(nbytes uint64) Option {
	return func(r *Runtime) {
		r.local = buddy.New(nbytes, 0)
		r.localArena = make([]byte, nbytes)
	}
}

// WithStats attaches a stats.Map that allocation and team-create call
// sites record counters into. Optional; a fresh Map is used if not
// supplied.
func WithStats(m *stats.Map) Option {
	return func(r *Runtime) { r.stats = m }
}

// Init creates a Runtime bound to transport, with slot zero of its
// team registry pre-populated with the universal team. This corresponds
// to dart_init; there is no argc/argv equivalent since transport
// construction (and any process-launch bookkeeping it implies) is the
// caller's responsibility. Init is collective across every unit the
// transport knows about: it commits the universal team's transport
// group, which every subsequent TeamCreate call uses as its ultimate
// parent.
func Init(ctx context.Context, transport xport.Transport, opts ...Option) (*Runtime, error) {
	if transport == nil {
		return nil, errs.E(errs.Invalid, "dart: nil transport")
	}
	r := &Runtime{
		transport: transport,
		registry:  teamreg.New(int(transport.NumRanks())),
		trans:     transtable.New(),
		stats:     stats.NewMap(),
		nextSegID: 1, // segment 0 is reserved for local pointers
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.local == nil {
		r.local = buddy.New(DefaultLocalArenaSize, 0)
		r.localArena = make([]byte, DefaultLocalArenaSize)
	}

	handle, err := transport.GroupCreate(ctx, universalGroupLabel)
	if err != nil {
		return nil, err
	}
	for rank := int32(0); rank < transport.NumRanks(); rank++ {
		if err := transport.GroupAdd(ctx, handle, rank); err != nil {
			return nil, err
		}
	}
	if err := transport.GroupCommit(ctx, handle, true); err != nil {
		return nil, err
	}
	universe, err := r.registry.Slot(0)
	if err != nil {
		// teamreg.New unconditionally populates slot zero.
		panic(err)
	}
	r.registry.Populate(0, universe.Group, handle)

	return r, nil
}

// Finalize marks the Runtime finalized and, with WithStatus, reports
// its counters; the universal team's transport group is not deleted.
// Finalize is idempotent; calling it twice is a no-op rather than an
// error, since shutdown ordering across goroutines routinely triggers
// double teardown.
// After Finalize, Runtime methods that allocate log a warning and
// return NotInitialized, and methods that deallocate log a warning and
// return nil, instead of panicking.
func Finalize(r *Runtime) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return nil
	}
	r.finalized = true
	if r.status != nil {
		task := r.status.Group("team").Start()
		for name, val := range r.stats.Snapshot() {
			task.Printf("%s: %d", name, val)
		}
		task.Done()
	}
	return nil
}

// StatsSnapshot returns a point-in-time copy of every counter this
// Runtime has recorded (allocation counts and sizes, team create/
// destroy counts), for a caller instrumenting a long-running unit
// without waiting for Finalize's own summary.
func (r *Runtime) StatsSnapshot() stats.Values { return r.stats.Snapshot() }

// finalizedErr returns NotInitialized and logs a warning, for any
// allocating call made after Finalize.
func (r *Runtime) finalizedErr(op string) error {
	log.Error.Printf("dart: %s called on a finalized Runtime, ignoring", op)
	return errs.E(errs.NotInitialized, "dart: runtime finalized")
}

// checkLive guards an allocating entry point (MemAlloc,
// TeamMemallocAligned, TeamCreate): after Finalize these fail with
// NotInitialized, since there is no live registry or pool left to
// allocate from.
func (r *Runtime) checkLive(op string) error {
	r.mu.Lock()
	finalized := r.finalized
	r.mu.Unlock()
	if finalized {
		return r.finalizedErr(op)
	}
	return nil
}

// checkLiveDealloc guards a deallocating entry point (MemFree,
// TeamMemFree, TeamDestroy): after Finalize these become no-ops that
// log a warning and report success rather than an error, since the
// resource they'd release is already gone along with the rest of the
// Runtime's state, and a caller freeing on a teardown path shouldn't
// have to special-case a finalized Runtime to avoid a spurious error.
// It reports whether the Runtime is still live; callers proceed only
// when it returns true.
func (r *Runtime) checkLiveDealloc(op string) bool {
	r.mu.Lock()
	finalized := r.finalized
	r.mu.Unlock()
	if finalized {
		log.Error.Printf("dart: %s called on a finalized Runtime, ignoring", op)
		return false
	}
	return true
}

// MyID returns this unit's rank in the universal team.
func (r *Runtime) MyID() int32 { return r.transport.Rank() }

// Size returns the universal team's size.
func (r *Runtime) Size() int32 { return r.transport.NumRanks() }

// Transport exposes the Runtime's underlying transport, for
// collaborators (dsort, pmem) that must issue transport operations
// directly rather than through the facade.
func (r *Runtime) Transport() xport.Transport { return r.transport }

// nextSegmentID draws the next segment id from the process-wide
// counter shared by every collective allocation path.
func (r *Runtime) nextSegmentID() int16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSegID
	r.nextSegID++
	return id
}
