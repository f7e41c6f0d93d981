// Package tombstone tracks deleted primary keys with their deletion
// timestamps. Deletes arrive from two sources: a live in-memory buffer
// fed by the delete stream, and an immutable delta log attached to a
// sealed segment after flush. A Set unifies both behind a single
// visibility check.
//
// Visibility is per row occurrence: an occurrence inserted at insertTs
// is hidden at servingTs iff some tombstone for its key satisfies
// insertTs < deleteTs <= servingTs. A key deleted and later re-inserted
// therefore stays visible through its newer occurrence.
package tombstone

import (
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/strata/model"
)

const (
	numShards = 64
	shardMask = numShards - 1
)

type shard struct {
	mu sync.RWMutex
	m  map[model.PrimaryKey][]model.Timestamp
}

// Buffer is the append-only in-memory delete buffer. Appends and reads
// may run concurrently; readers never block writers on other shards.
type Buffer struct {
	shards [numShards]shard
	count  atomic.Int64
	maxTs  atomic.Uint64
}

func NewBuffer() *Buffer {
	b := &Buffer{}
	for i := range b.shards {
		b.shards[i].m = make(map[model.PrimaryKey][]model.Timestamp)
	}
	return b
}

func (b *Buffer) shardFor(pk model.PrimaryKey) *shard {
	return &b.shards[hashPK(pk)&shardMask]
}

// Append records a deletion of pk at ts. Duplicate (pk, ts) pairs are
// harmless; visibility is idempotent over them.
func (b *Buffer) Append(pk model.PrimaryKey, ts model.Timestamp) {
	s := b.shardFor(pk)
	s.mu.Lock()
	s.m[pk] = append(s.m[pk], ts)
	s.mu.Unlock()

	b.count.Add(1)
	for {
		cur := b.maxTs.Load()
		if uint64(ts) <= cur || b.maxTs.CompareAndSwap(cur, uint64(ts)) {
			break
		}
	}
}

// Covers reports whether a tombstone in (floor, servingTs] hides an
// occurrence inserted at insertTs. floor excludes deletes already
// subsumed by a delta log.
func (b *Buffer) Covers(pk model.PrimaryKey, insertTs, servingTs, floor model.Timestamp) bool {
	s := b.shardFor(pk)
	s.mu.RLock()
	lst := s.m[pk]
	s.mu.RUnlock()

	for _, ts := range lst {
		if ts > floor && ts <= servingTs && insertTs < ts {
			return true
		}
	}
	return false
}

// Has reports whether any tombstone for pk exists in (floor, maxTs].
func (b *Buffer) Has(pk model.PrimaryKey, floor model.Timestamp) bool {
	s := b.shardFor(pk)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ts := range s.m[pk] {
		if ts > floor {
			return true
		}
	}
	return false
}

// Len returns the number of appended tombstones, duplicates included.
func (b *Buffer) Len() int { return int(b.count.Load()) }

// MaxTs returns the highest deletion timestamp ever appended.
func (b *Buffer) MaxTs() model.Timestamp { return model.Timestamp(b.maxTs.Load()) }

// Drain returns all buffered tombstones with ts <= upTo, in no
// particular order. Used by flush to build a delta log.
func (b *Buffer) Drain(upTo model.Timestamp) []model.Tombstone {
	var out []model.Tombstone
	for i := range b.shards {
		s := &b.shards[i]
		s.mu.RLock()
		for pk, lst := range s.m {
			for _, ts := range lst {
				if ts <= upTo {
					out = append(out, model.Tombstone{PK: pk, Ts: ts})
				}
			}
		}
		s.mu.RUnlock()
	}
	return out
}

func hashPK(pk model.PrimaryKey) uint32 {
	if pk.Type() == model.PKInt64 {
		v := uint64(pk.Int64())
		v ^= v >> 33
		v *= 0xff51afd7ed558ccd
		v ^= v >> 33
		return uint32(v)
	}
	// FNV-1a over the string form.
	h := uint32(2166136261)
	for _, c := range []byte(pk.VarChar()) {
		h ^= uint32(c)
		h *= 16777619
	}
	return h
}

// DeltaLog is an immutable set of persisted tombstones attached to a
// sealed segment. Its watermark is the highest deletion timestamp it
// contains; buffered deletes at or below the watermark are subsumed.
type DeltaLog struct {
	m         map[model.PrimaryKey][]model.Timestamp
	watermark model.Timestamp
	n         int
}

func NewDeltaLog(entries []model.Tombstone) *DeltaLog {
	d := &DeltaLog{m: make(map[model.PrimaryKey][]model.Timestamp, len(entries))}
	for _, e := range entries {
		d.m[e.PK] = append(d.m[e.PK], e.Ts)
		if e.Ts > d.watermark {
			d.watermark = e.Ts
		}
		d.n++
	}
	return d
}

func (d *DeltaLog) Covers(pk model.PrimaryKey, insertTs, servingTs model.Timestamp) bool {
	for _, ts := range d.m[pk] {
		if ts <= servingTs && insertTs < ts {
			return true
		}
	}
	return false
}

// Has reports whether the log contains any tombstone for pk.
func (d *DeltaLog) Has(pk model.PrimaryKey) bool {
	_, ok := d.m[pk]
	return ok
}

// Watermark is the highest deletion timestamp in the log.
func (d *DeltaLog) Watermark() model.Timestamp { return d.watermark }

// Len returns the number of tombstones in the log.
func (d *DeltaLog) Len() int { return d.n }

// Entries materializes the log's tombstones for persistence.
func (d *DeltaLog) Entries() []model.Tombstone {
	out := make([]model.Tombstone, 0, d.n)
	for pk, lst := range d.m {
		for _, ts := range lst {
			out = append(out, model.Tombstone{PK: pk, Ts: ts})
		}
	}
	return out
}

// State tracks which delete sources a segment must consult.
type State uint32

const (
	// StatePendingFlush: only the live buffer holds this segment's
	// deletes.
	StatePendingFlush State = iota
	// StateFlushedDelta: a delta log subsumes buffered deletes up to
	// its watermark; the buffer is consulted only above it.
	StateFlushedDelta
)

func (s State) String() string {
	switch s {
	case StatePendingFlush:
		return "PendingFlush"
	case StateFlushedDelta:
		return "FlushedDelta"
	default:
		return "Unknown"
	}
}

// Set is a segment's unified view over both delete sources. The
// PendingFlush -> FlushedDelta transition is one-way; each delete is
// observed from exactly one source at any serving timestamp.
type Set struct {
	buf   *Buffer
	state atomic.Uint32
	delta atomic.Pointer[DeltaLog]
}

func NewSet(buf *Buffer) *Set {
	return &Set{buf: buf}
}

// State returns the current delete-source state.
func (s *Set) State() State { return State(s.state.Load()) }

// AttachDelta installs a persisted delta log and flips the set to
// FlushedDelta. Subsequent AttachDelta calls replace the log only if
// the new watermark is higher.
func (s *Set) AttachDelta(d *DeltaLog) {
	for {
		cur := s.delta.Load()
		if cur != nil && cur.Watermark() >= d.Watermark() {
			return
		}
		if s.delta.CompareAndSwap(cur, d) {
			s.state.Store(uint32(StateFlushedDelta))
			return
		}
	}
}

// IsDeleted reports whether an occurrence of pk inserted at insertTs is
// hidden at servingTs.
func (s *Set) IsDeleted(pk model.PrimaryKey, insertTs, servingTs model.Timestamp) bool {
	if State(s.state.Load()) == StateFlushedDelta {
		d := s.delta.Load()
		if d.Covers(pk, insertTs, servingTs) {
			return true
		}
		return s.buf.Covers(pk, insertTs, servingTs, d.Watermark())
	}
	return s.buf.Covers(pk, insertTs, servingTs, 0)
}

// Affected builds a bitmap of rows whose primary key has any recorded
// tombstone. rows maps a key to its occurrences in the segment. Rows
// outside the bitmap can skip the per-occurrence check entirely.
func (s *Set) Affected(keys func(yield func(model.PrimaryKey, []model.RowID) bool)) *roaring.Bitmap {
	bm := roaring.New()
	var floor model.Timestamp
	d := s.delta.Load()
	if d != nil {
		floor = d.Watermark()
	}
	keys(func(pk model.PrimaryKey, rows []model.RowID) bool {
		if (d != nil && d.Has(pk)) || s.buf.Has(pk, floor) {
			for _, r := range rows {
				bm.Add(uint32(r))
			}
		}
		return true
	})
	return bm
}
