package strata

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/strata/blobstore"
	"github.com/hupe1980/strata/index"

	// Index providers self-register, like database/sql drivers.
	_ "github.com/hupe1980/strata/index/binary"
	_ "github.com/hupe1980/strata/index/flat"
	_ "github.com/hupe1980/strata/index/hnsw"
	_ "github.com/hupe1980/strata/index/ivf"

	"github.com/hupe1980/strata/internal/consistency"
	"github.com/hupe1980/strata/internal/segment"
	"github.com/hupe1980/strata/internal/tombstone"
	"github.com/hupe1980/strata/model"
	"github.com/hupe1980/strata/persistence"
	"github.com/hupe1980/strata/resource"
	"github.com/hupe1980/strata/scalar"
	"github.com/hupe1980/strata/schema"
	"github.com/hupe1980/strata/tso"
)

// DefaultPartition is the partition every collection starts with.
const DefaultPartition = "_default"

// ConsistencyLevel selects how fresh a snapshot a search must observe.
type ConsistencyLevel = consistency.Level

const (
	Strong     = consistency.Strong
	Bounded    = consistency.Bounded
	Session    = consistency.Session
	Eventually = consistency.Eventually
)

// Collection is a named set of entities sharing one schema. Writes land
// in per-partition growing segments; Flush seals them, builds indexes
// and persists them to the blob store together with the buffered
// deletes.
type Collection struct {
	name    string
	sch     *schema.Schema
	logger  *Logger
	metrics MetricsCollector
	store   blobstore.Store

	manifests *persistence.ManifestStore
	indexes   map[string]map[string]index.Descriptor

	oracle tso.Oracle
	coord  *consistency.Coordinator
	admit  *resource.Controller
	buf    *tombstone.Buffer

	mu         sync.RWMutex
	partitions map[string]*partition
	nextSeg    model.SegmentID
	sealing    map[model.SegmentID]struct{}

	loaded bool
	closed bool

	pool *workerPool
}

type partition struct {
	name    string
	growing *segment.Growing
	sealed  []*segment.Sealed

	// flushing holds frozen growing segments whose sealed replacement
	// is still being built. They stay searchable until the swap.
	flushing []*segment.Growing
}

// NewCollection creates an empty collection with the default partition.
// Call Load before searching; call Load before writing too when the
// blob store already holds data for this collection.
func NewCollection(sch *schema.Schema, opts ...Option) (*Collection, error) {
	if sch == nil {
		return nil, fmt.Errorf("nil schema")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	c := &Collection{
		name:       o.name,
		sch:        sch,
		logger:     o.logger.WithCollection(o.name),
		metrics:    o.metrics,
		store:      o.store,
		manifests:  persistence.NewManifestStore(o.store),
		indexes:    o.indexes,
		admit:      resource.NewController(o.resources),
		buf:        tombstone.NewBuffer(),
		partitions: map[string]*partition{DefaultPartition: {name: DefaultPartition}},
		sealing:    make(map[model.SegmentID]struct{}),
		pool:       newWorkerPool(o.searchWorkers),
	}
	c.coord = consistency.NewCoordinator(&c.oracle, o.staleness)

	return c, nil
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.name }

// Schema returns the collection schema.
func (c *Collection) Schema() *schema.Schema { return c.sch }

// Close releases the worker pool. The collection must not be used
// afterwards.
func (c *Collection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	// In-flight async searches observe the closed flag and finish, so
	// the pool drains without holding c.mu.
	c.pool.close()

	return nil
}

// CreatePartition adds an empty partition.
func (c *Collection) CreatePartition(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return opError(c.name, "create partition", ErrClosed)
	}

	if _, ok := c.partitions[name]; ok {
		return opError(c.name, "create partition", &PartitionError{Partition: name, cause: ErrPartitionExists})
	}

	c.partitions[name] = &partition{name: name}

	return nil
}

// DropPartition removes a partition and deletes its persisted segments.
// The default partition cannot be dropped.
func (c *Collection) DropPartition(ctx context.Context, name string) error {
	if name == DefaultPartition {
		return opError(c.name, "drop partition", fmt.Errorf("cannot drop partition %q", DefaultPartition))
	}

	c.mu.Lock()
	p, ok := c.partitions[name]
	if !ok {
		c.mu.Unlock()
		return opError(c.name, "drop partition", &PartitionError{Partition: name, cause: ErrPartitionNotFound})
	}
	delete(c.partitions, name)
	c.mu.Unlock()

	for _, s := range p.sealed {
		if err := persistence.DeleteSegment(ctx, c.store, s.ID()); err != nil {
			return opError(c.name, "drop partition", err)
		}
	}

	return c.rewriteManifest(ctx)
}

// Partitions returns the partition names, sorted.
func (c *Collection) Partitions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.partitions))
	for name := range c.partitions {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// HasPartition reports whether the partition exists.
func (c *Collection) HasPartition(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.partitions[name]

	return ok
}

func (c *Collection) ensureGrowing(p *partition) *segment.Growing {
	if p.growing == nil {
		c.nextSeg++
		p.growing = segment.NewGrowing(c.nextSeg, c.sch, tombstone.NewSet(c.buf))
	}

	return p.growing
}

// Insert appends rows to the named partition ("" means the default
// partition) and returns the timestamp they become visible at.
func (c *Collection) Insert(ctx context.Context, partitionName string, rows []model.Row) (model.Timestamp, error) {
	start := time.Now()

	ts, err := c.insert(partitionName, rows)
	c.metrics.RecordInsert(len(rows), time.Since(start), err)

	if err != nil {
		c.logger.LogError(ctx, "insert", err)
		return 0, opError(c.name, "insert", err)
	}

	c.logger.LogInsert(ctx, partitionName, len(rows), uint64(ts), time.Since(start))

	return ts, nil
}

func (c *Collection) insert(partitionName string, rows []model.Row) (model.Timestamp, error) {
	if partitionName == "" {
		partitionName = DefaultPartition
	}

	ts := c.oracle.Alloc()
	// The coordinator must learn about every issued timestamp, or
	// Strong searches would wait out their deadline after a failed
	// write.
	defer c.coord.Advance(ts)

	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return 0, ErrClosed
		}

		p, ok := c.partitions[partitionName]
		if !ok {
			c.mu.Unlock()
			return 0, &PartitionError{Partition: partitionName, cause: ErrPartitionNotFound}
		}

		g := c.ensureGrowing(p)
		c.mu.Unlock()

		err := g.Append(rows, ts)
		if errors.Is(err, segment.ErrSealed) {
			// A concurrent flush froze the segment between lookup
			// and append. Retry lands in the fresh one.
			continue
		}

		if err != nil {
			return 0, err
		}

		return ts, nil
	}
}

// DeleteResult reports the outcome of a Delete call.
type DeleteResult struct {
	// DeleteCount is the number of submitted keys, duplicates
	// included. It does not say how many rows matched.
	DeleteCount int64
	Ts          model.Timestamp
}

// Delete buffers a tombstone per submitted key. Keys that match
// nothing, or are submitted twice, still count.
func (c *Collection) Delete(ctx context.Context, pks []model.PrimaryKey) (DeleteResult, error) {
	start := time.Now()

	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()

	if closed {
		c.metrics.RecordDelete(len(pks), time.Since(start), ErrClosed)
		return DeleteResult{}, opError(c.name, "delete", ErrClosed)
	}

	ts := c.oracle.Alloc()
	defer c.coord.Advance(ts)

	for _, pk := range pks {
		c.buf.Append(pk, ts)
	}

	c.metrics.RecordDelete(len(pks), time.Since(start), nil)
	c.logger.LogDelete(ctx, len(pks), uint64(ts), time.Since(start))

	return DeleteResult{DeleteCount: int64(len(pks)), Ts: ts}, nil
}

// Flush seals every non-empty growing segment, builds its indexes,
// persists it, and merges the buffered deletes into every sealed
// segment's delta log.
func (c *Collection) Flush(ctx context.Context) error {
	start := time.Now()

	rows, err := c.flush(ctx)
	c.metrics.RecordFlush(rows, time.Since(start), err)

	if err != nil {
		c.logger.LogError(ctx, "flush", err)
		return opError(c.name, "flush", err)
	}

	return nil
}

func (c *Collection) flush(ctx context.Context) (int, error) {
	if err := c.admit.AcquireFlush(ctx); err != nil {
		return 0, err
	}
	defer c.admit.ReleaseFlush()

	flushTs := c.oracle.Alloc()

	entries := c.buf.Drain(flushTs)
	delta := tombstone.NewDeltaLog(entries)

	// Frozen segments stay searchable until their sealed replacement
	// is swapped in, so the barrier can move before sealing starts.
	c.coord.Advance(flushTs)

	type pending struct {
		p  *partition
		g  *segment.Growing
		fz *segment.Frozen
	}

	var work []pending
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	for _, p := range c.partitions {
		if p.growing != nil && p.growing.RowCount() > 0 {
			p.flushing = append(p.flushing, p.growing)
			p.growing = nil
		}
		// Segments left frozen by a failed flush are retried.
		for _, g := range p.flushing {
			if _, busy := c.sealing[g.ID()]; busy {
				continue
			}
			c.sealing[g.ID()] = struct{}{}
			work = append(work, pending{p: p, g: g, fz: g.Freeze()})
		}
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		for _, w := range work {
			delete(c.sealing, w.g.ID())
		}
		c.mu.Unlock()
	}()

	var flushed int
	for _, w := range work {
		flushStart := time.Now()

		set := w.g.Tombstones()
		set.AttachDelta(delta)

		sealed, err := segment.Seal(ctx, w.g.ID(), c.sch, w.fz, set, c.indexes)
		if err != nil {
			return flushed, fmt.Errorf("seal segment %d: %w", w.g.ID(), err)
		}

		if err := persistence.SaveSegment(ctx, c.store, sealed.ID(), c.sch, w.fz); err != nil {
			return flushed, err
		}

		if err := persistence.SaveDelta(ctx, c.store, sealed.ID(), entries); err != nil {
			return flushed, err
		}

		flushed += w.fz.Rows

		// Swap atomically: the rows are never visible twice, and never
		// not at all.
		c.mu.Lock()
		w.p.sealed = append(w.p.sealed, sealed)
		w.p.flushing = dropFlushing(w.p.flushing, w.g)
		c.mu.Unlock()

		c.logger.LogFlush(ctx, w.p.name, uint64(sealed.ID()), w.fz.Rows, time.Since(flushStart))
	}

	// Merge the drained deletes into previously sealed segments too,
	// so restarts do not lose them.
	c.mu.RLock()
	var sealed []*segment.Sealed
	for _, p := range c.partitions {
		sealed = append(sealed, p.sealed...)
	}
	c.mu.RUnlock()

	for _, s := range sealed {
		s.Tombstones().AttachDelta(delta)
		if err := persistence.SaveDelta(ctx, c.store, s.ID(), entries); err != nil {
			return flushed, err
		}
	}

	return flushed, c.rewriteManifest(ctx)
}

func dropFlushing(list []*segment.Growing, g *segment.Growing) []*segment.Growing {
	for i, x := range list {
		if x == g {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func (c *Collection) rewriteManifest(ctx context.Context) error {
	m, err := c.manifests.Load(ctx)
	if err != nil {
		return err
	}

	c.mu.RLock()
	m.NextSegmentID = c.nextSeg + 1
	m.Segments = m.Segments[:0]
	for _, p := range c.partitions {
		for _, s := range p.sealed {
			m.Segments = append(m.Segments, persistence.SegmentInfo{
				ID:        s.ID(),
				Partition: p.name,
				Rows:      s.RowCount(),
				MinTs:     s.MinTs(),
				MaxTs:     s.MaxTs(),
			})
		}
	}
	c.mu.RUnlock()

	sort.Slice(m.Segments, func(i, j int) bool { return m.Segments[i].ID < m.Segments[j].ID })

	return c.manifests.Save(ctx, m)
}

// Load restores persisted segments from the blob store and makes the
// collection searchable. Loading an already loaded collection is a
// no-op.
func (c *Collection) Load(ctx context.Context) error {
	c.mu.RLock()
	loaded := c.loaded
	c.mu.RUnlock()

	if loaded {
		return nil
	}

	m, err := c.manifests.Load(ctx)
	if err != nil {
		return opError(c.name, "load", err)
	}

	type restored struct {
		partition string
		seg       *segment.Sealed
	}

	var segs []restored
	for _, info := range m.Segments {
		fz, err := persistence.LoadSegment(ctx, c.store, info.ID, c.sch)
		if err != nil {
			return opError(c.name, "load", err)
		}

		entries, err := persistence.LoadDelta(ctx, c.store, info.ID)
		if err != nil {
			return opError(c.name, "load", err)
		}

		set := tombstone.NewSet(c.buf)
		if len(entries) > 0 {
			set.AttachDelta(tombstone.NewDeltaLog(entries))
		}

		sealed, err := segment.Seal(ctx, info.ID, c.sch, fz, set, c.indexes)
		if err != nil {
			return opError(c.name, "load", err)
		}

		segs = append(segs, restored{partition: info.Partition, seg: sealed})
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return opError(c.name, "load", ErrClosed)
	}

	if c.loaded {
		return nil
	}

	for _, r := range segs {
		p, ok := c.partitions[r.partition]
		if !ok {
			p = &partition{name: r.partition}
			c.partitions[r.partition] = p
		}

		replaced := false
		for i, s := range p.sealed {
			if s.ID() == r.seg.ID() {
				p.sealed[i] = r.seg
				replaced = true
				break
			}
		}
		if !replaced {
			p.sealed = append(p.sealed, r.seg)
		}

		if r.seg.ID() > c.nextSeg {
			c.nextSeg = r.seg.ID()
		}
	}

	if m.NextSegmentID > c.nextSeg {
		c.nextSeg = m.NextSegmentID - 1
	}

	c.loaded = true

	return nil
}

// Release makes the collection unsearchable and drops the in-memory
// sealed segments. Growing data stays; Load brings the sealed segments
// back from the blob store.
func (c *Collection) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.loaded = false
	for _, p := range c.partitions {
		p.sealed = nil
	}
}

// Loaded reports whether the collection is currently searchable.
func (c *Collection) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.loaded
}

// segmentsFor snapshots the searchable segments of the named partitions.
// An empty list means all partitions.
func (c *Collection) segmentsFor(partitions []string, ignoreGrowing bool) ([]segment.Segment, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrClosed
	}

	if !c.loaded {
		return nil, ErrCollectionNotLoaded
	}

	var parts []*partition
	if len(partitions) == 0 {
		for _, p := range c.partitions {
			parts = append(parts, p)
		}
	} else {
		for _, name := range partitions {
			p, ok := c.partitions[name]
			if !ok {
				return nil, &PartitionError{Partition: name, cause: ErrPartitionNotFound}
			}
			parts = append(parts, p)
		}
	}

	var segs []segment.Segment
	for _, p := range parts {
		for _, s := range p.sealed {
			segs = append(segs, s)
		}
		if ignoreGrowing {
			continue
		}
		for _, g := range p.flushing {
			segs = append(segs, g)
		}
		if p.growing != nil && p.growing.RowCount() > 0 {
			segs = append(segs, p.growing)
		}
	}

	return segs, nil
}

// QueryRequest retrieves rows by scalar filter instead of vector
// similarity.
type QueryRequest struct {
	Filter       *scalar.FilterSet
	OutputFields []string
	Partitions   []string
	Limit        int // <= 0 means no limit
	Offset       int

	ConsistencyLevel ConsistencyLevel
	GuaranteeTs      model.Timestamp
}

// Query returns the rows matching the filter, ordered by segment and
// row for determinism.
func (c *Collection) Query(ctx context.Context, req QueryRequest) ([]model.Hit, error) {
	start := time.Now()

	hits, err := c.query(ctx, req)
	c.metrics.RecordQuery(time.Since(start), err)

	if err != nil {
		return nil, opError(c.name, "query", err)
	}

	return hits, nil
}

func (c *Collection) query(ctx context.Context, req QueryRequest) ([]model.Hit, error) {
	if req.Offset < 0 {
		return nil, fmt.Errorf("%w: offset [%d]", ErrInvalidOffset, req.Offset)
	}

	outputs, err := c.resolveOutputFields(req.OutputFields)
	if err != nil {
		return nil, err
	}

	if req.Filter != nil {
		for _, name := range req.Filter.Fields() {
			if _, ok := c.sch.Field(name); !ok {
				return nil, fmt.Errorf("%w: %q", ErrUnknownField, name)
			}
		}
	}

	servingTs := c.coord.Resolve(req.ConsistencyLevel, req.GuaranteeTs, 0)
	if err := c.coord.WaitServiceable(ctx, servingTs); err != nil {
		return nil, err
	}

	segs, err := c.segmentsFor(req.Partitions, false)
	if err != nil {
		return nil, err
	}

	sort.Slice(segs, func(i, j int) bool { return segs[i].ID() < segs[j].ID() })

	var hits []model.Hit
	skip := req.Offset

	for _, seg := range segs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		done := false
		seg.Scan(servingTs, req.Filter, func(row model.RowID) bool {
			if skip > 0 {
				skip--
				return true
			}

			hits = append(hits, model.Hit{
				PK:     seg.PK(row),
				Fields: seg.Fields(row, outputs),
			})

			if req.Limit > 0 && len(hits) >= req.Limit {
				done = true
				return false
			}
			return true
		})

		if done {
			break
		}
	}

	return hits, nil
}

// resolveOutputFields validates the requested fields and expands the
// "*" wildcard to every schema field.
func (c *Collection) resolveOutputFields(names []string) ([]string, error) {
	var out []string
	seen := make(map[string]struct{})

	add := func(name string) {
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}

	for _, name := range names {
		if name == "*" {
			for _, f := range c.sch.Fields() {
				add(f.Name)
			}
			continue
		}

		if _, ok := c.sch.Field(name); !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownField, name)
		}
		add(name)
	}

	return out, nil
}
