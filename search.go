package strata

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/strata/distance"
	"github.com/hupe1980/strata/index"
	"github.com/hupe1980/strata/internal/reduce"
	"github.com/hupe1980/strata/internal/segment"
	"github.com/hupe1980/strata/model"
	"github.com/hupe1980/strata/scalar"
	"github.com/hupe1980/strata/schema"
)

// MaxTopK is the ceiling for limit plus offset.
const MaxTopK = segment.MaxTopK

// SearchBuilder assembles a similarity search. Obtain one through
// Collection.Search or Collection.SearchBinary and finish with Execute.
type SearchBuilder struct {
	col *Collection

	data      [][]float32
	bin       [][]byte
	annsField string
	indexName string
	metric    distance.Metric
	metricSet bool
	limit     int
	offset    int
	params    index.Params

	radius      float64
	rangeFilter float64
	hasRadius   bool
	hasRange    bool

	filter        *scalar.FilterSet
	partitions    []string
	outputFields  []string
	level         ConsistencyLevel
	guaranteeTs   model.Timestamp
	session       *SessionHandle
	groupBy       string
	roundDecimal  int
	ignoreGrowing bool
}

// Search starts a float vector search.
func (c *Collection) Search(data [][]float32) *SearchBuilder {
	return &SearchBuilder{
		col:          c,
		data:         data,
		limit:        10,
		level:        Bounded,
		roundDecimal: -1,
	}
}

// SearchBinary starts a binary vector search.
func (c *Collection) SearchBinary(data [][]byte) *SearchBuilder {
	return &SearchBuilder{
		col:          c,
		bin:          data,
		limit:        10,
		level:        Bounded,
		roundDecimal: -1,
	}
}

// AnnsField names the vector field to search. It may be omitted when
// the schema has exactly one vector field.
func (b *SearchBuilder) AnnsField(name string) *SearchBuilder {
	b.annsField = name
	return b
}

// IndexName names the index used on sealed segments. It may be omitted
// when the field carries at most one index.
func (b *SearchBuilder) IndexName(name string) *SearchBuilder {
	b.indexName = name
	return b
}

// Metric overrides the metric. The default is the metric the field's
// index was configured with.
func (b *SearchBuilder) Metric(m distance.Metric) *SearchBuilder {
	b.metric = m
	b.metricSet = true
	return b
}

// Limit sets the number of results per query vector.
func (b *SearchBuilder) Limit(n int) *SearchBuilder {
	b.limit = n
	return b
}

// Offset skips the first n results per query vector, after merging.
func (b *SearchBuilder) Offset(n int) *SearchBuilder {
	b.offset = n
	return b
}

// Params sets index-specific search parameters, like ef or nprobe.
func (b *SearchBuilder) Params(p index.Params) *SearchBuilder {
	b.params = p
	return b
}

// Radius bounds results to distances better than the given value,
// turning the search into a range search.
func (b *SearchBuilder) Radius(r float64) *SearchBuilder {
	b.radius = r
	b.hasRadius = true
	return b
}

// RangeFilter sets the inner boundary of a range search.
func (b *SearchBuilder) RangeFilter(r float64) *SearchBuilder {
	b.rangeFilter = r
	b.hasRange = true
	return b
}

// Filter restricts candidates with a scalar predicate.
func (b *SearchBuilder) Filter(fs *scalar.FilterSet) *SearchBuilder {
	b.filter = fs
	return b
}

// Partitions restricts the search to the named partitions.
func (b *SearchBuilder) Partitions(names ...string) *SearchBuilder {
	b.partitions = names
	return b
}

// OutputFields selects the fields materialized on each hit. "*"
// expands to every schema field.
func (b *SearchBuilder) OutputFields(names ...string) *SearchBuilder {
	b.outputFields = names
	return b
}

// ConsistencyLevel sets the snapshot freshness requirement. The
// default is Bounded.
func (b *SearchBuilder) ConsistencyLevel(l ConsistencyLevel) *SearchBuilder {
	b.level = l
	return b
}

// GuaranteeTs pins the snapshot to a specific timestamp, overriding
// the consistency level.
func (b *SearchBuilder) GuaranteeTs(ts model.Timestamp) *SearchBuilder {
	b.guaranteeTs = ts
	return b
}

// WithSession makes Session-level searches observe the session's own
// prior writes.
func (b *SearchBuilder) WithSession(s *SessionHandle) *SearchBuilder {
	b.session = s
	return b
}

// GroupBy keeps only the best hit per distinct value of the named
// scalar field.
func (b *SearchBuilder) GroupBy(field string) *SearchBuilder {
	b.groupBy = field
	return b
}

// RoundDecimal rounds returned distances to the given number of
// decimals. -1 disables rounding.
func (b *SearchBuilder) RoundDecimal(n int) *SearchBuilder {
	b.roundDecimal = n
	return b
}

// IgnoreGrowing excludes growing segments from the search.
func (b *SearchBuilder) IgnoreGrowing() *SearchBuilder {
	b.ignoreGrowing = true
	return b
}

// Execute runs the search and returns one result set per query vector,
// in input order.
func (b *SearchBuilder) Execute(ctx context.Context) ([]model.ResultSet, error) {
	start := time.Now()

	out, err := b.execute(ctx)
	b.col.metrics.RecordSearch(b.nq(), time.Since(start), err)

	if err != nil {
		b.col.logger.LogError(ctx, "search", err)
		return nil, opError(b.col.name, "search", err)
	}

	return out, nil
}

// ExecuteAsync schedules the search on the collection's worker pool.
func (b *SearchBuilder) ExecuteAsync(ctx context.Context) *SearchFuture {
	return newSearchFuture(ctx, b)
}

func (b *SearchBuilder) nq() int {
	if b.bin != nil {
		return len(b.bin)
	}
	return len(b.data)
}

func (b *SearchBuilder) execute(ctx context.Context) ([]model.ResultSet, error) {
	began := time.Now()
	c := b.col

	if b.nq() == 0 {
		return []model.ResultSet{}, nil
	}

	field, metric, err := b.resolveTarget()
	if err != nil {
		return nil, err
	}

	if err := b.validate(field); err != nil {
		return nil, err
	}

	outputs, err := c.resolveOutputFields(b.outputFields)
	if err != nil {
		return nil, err
	}

	var rng *segment.RangeSpec
	if b.hasRadius {
		rng = &segment.RangeSpec{
			Radius:      float32(b.radius),
			RangeFilter: float32(b.rangeFilter),
			HasFilter:   b.hasRange,
		}
		if err := rng.Validate(metric); err != nil {
			return nil, err
		}
	}

	if err := c.admit.AcquireSearch(ctx); err != nil {
		return nil, err
	}
	defer c.admit.ReleaseSearch()

	var sessionTs model.Timestamp
	if b.session != nil {
		sessionTs = b.session.LastWriteTs()
	}

	servingTs := c.coord.Resolve(b.level, b.guaranteeTs, sessionTs)
	if err := c.coord.WaitServiceable(ctx, servingTs); err != nil {
		return nil, err
	}

	segs, err := c.segmentsFor(b.partitions, b.ignoreGrowing)
	if err != nil {
		return nil, err
	}

	nq := b.nq()
	fetchK := b.offset + b.limit
	if b.groupBy != "" {
		// Dedup by group value eats candidates, so over-fetch.
		fetchK = min(MaxTopK, fetchK*4)
	}

	// results[seg][q]
	results := make([][][]model.Candidate, len(segs))

	g, gctx := errgroup.WithContext(ctx)
	for i, seg := range segs {
		g.Go(func() error {
			perQuery := make([][]model.Candidate, nq)
			for q := 0; q < nq; q++ {
				in := segment.SearchInput{
					Field:     field.Name,
					IndexName: b.indexName,
					Metric:    metric,
					K:         fetchK,
					Params:    b.params,
					Filter:    b.filter,
					Range:     rng,
					ServingTs: servingTs,
				}
				if b.bin != nil {
					in.Query = index.Query{Binary: b.bin[q]}
				} else {
					in.Query = index.Query{Float: b.data[q]}
				}

				cands, err := seg.Search(gctx, in)
				if err != nil {
					return err
				}
				perQuery[q] = cands
			}
			results[i] = perQuery
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	byID := make(map[model.SegmentID]segment.Segment, len(segs))
	for _, seg := range segs {
		byID[seg.ID()] = seg
	}

	out := make([]model.ResultSet, nq)
	for q := 0; q < nq; q++ {
		lists := make([][]model.Candidate, len(segs))
		for i := range segs {
			lists[i] = results[i][q]
		}

		var ranked []model.Candidate
		if b.groupBy != "" {
			ranked = reduce.Merge(lists, metric, 0, fetchK)
			ranked = reduce.GroupBy(ranked, func(loc model.Location) (any, bool) {
				seg := byID[loc.SegmentID]
				v, ok := seg.Fields(loc.RowID, []string{b.groupBy})[b.groupBy]
				return v, ok
			}, b.offset+b.limit)
			if b.offset >= len(ranked) {
				ranked = nil
			} else {
				ranked = ranked[b.offset:]
			}
		} else {
			ranked = reduce.Merge(lists, metric, b.offset, b.limit)
		}

		hits := make([]model.Hit, 0, len(ranked))
		for _, cand := range ranked {
			seg := byID[cand.Loc.SegmentID]
			hits = append(hits, model.Hit{
				PK:       cand.PK,
				Distance: reduce.Round(cand.Distance, b.roundDecimal),
				Fields:   seg.Fields(cand.Loc.RowID, outputs),
			})
		}
		out[q] = model.ResultSet{Hits: hits}
	}

	c.logger.LogSearch(ctx, nq, b.limit, len(segs), uint64(servingTs), time.Since(began))

	return out, nil
}

// resolveTarget picks the anns field and the metric to search with.
func (b *SearchBuilder) resolveTarget() (schema.Field, distance.Metric, error) {
	sch := b.col.sch

	field, err := sch.ResolveAnnsField(b.annsField)
	if err != nil {
		if b.annsField == "" && len(sch.VectorFields()) > 1 {
			return schema.Field{}, 0, ErrAmbiguousAnnsField
		}
		return schema.Field{}, 0, err
	}

	descs := b.col.indexes[field.Name]
	if b.indexName != "" {
		// Undeclared fields still get an implicit default index at seal.
		implicit := len(descs) == 0 && b.indexName == segment.DefaultIndexName
		if _, ok := descs[b.indexName]; !ok && !implicit {
			return schema.Field{}, 0, fmt.Errorf("%w: field %q has no index %q",
				ErrUnknownIndex, field.Name, b.indexName)
		}
	} else if len(descs) > 1 {
		return schema.Field{}, 0, fmt.Errorf("%w: field %q", ErrAmbiguousIndex, field.Name)
	}

	if b.metricSet {
		return field, b.metric, nil
	}

	if b.indexName != "" {
		return field, descs[b.indexName].Metric, nil
	}
	for _, desc := range descs {
		return field, desc.Metric, nil
	}

	if field.Type == schema.TypeBinaryVector {
		return field, distance.MetricHamming, nil
	}

	return field, distance.MetricL2, nil
}

func (b *SearchBuilder) validate(field schema.Field) error {
	if b.limit <= 0 || b.limit > MaxTopK {
		return fmt.Errorf("%w: topk [%d] is invalid, top k should be in range [1, %d]",
			ErrInvalidTopK, b.limit, MaxTopK)
	}

	if b.offset < 0 || b.offset+b.limit > MaxTopK {
		return fmt.Errorf("%w: offset [%d] with limit [%d] exceeds %d",
			ErrInvalidOffset, b.offset, b.limit, MaxTopK)
	}

	if b.roundDecimal < -1 || b.roundDecimal > 6 {
		return fmt.Errorf("%w: got %d", ErrInvalidRoundDecimal, b.roundDecimal)
	}

	if b.hasRange && !b.hasRadius {
		return fmt.Errorf("%w: range_filter set without radius", ErrInvalidRange)
	}

	if b.bin != nil && field.Type != schema.TypeBinaryVector {
		return fmt.Errorf("%w: field %q is not a binary vector", ErrDimMismatch, field.Name)
	}

	if b.bin == nil && field.Type != schema.TypeFloatVector {
		return fmt.Errorf("%w: field %q is not a float vector", ErrDimMismatch, field.Name)
	}

	for i, v := range b.data {
		if len(v) != field.Dim {
			return fmt.Errorf("%w: query %d has dimension %d, field %q expects %d",
				ErrDimMismatch, i, len(v), field.Name, field.Dim)
		}
	}

	for i, v := range b.bin {
		if len(v) != field.Dim/8 {
			return fmt.Errorf("%w: query %d has %d bytes, field %q expects %d",
				ErrDimMismatch, i, len(v), field.Name, field.Dim/8)
		}
	}

	if b.groupBy != "" {
		f, ok := b.col.sch.Field(b.groupBy)
		if !ok || !f.Type.Groupable() {
			return fmt.Errorf("%w: %q", ErrInvalidGroupByField, b.groupBy)
		}
	}

	if b.filter != nil {
		for _, name := range b.filter.Fields() {
			if _, ok := b.col.sch.Field(name); !ok {
				return fmt.Errorf("%w: %q", ErrUnknownField, name)
			}
		}
	}

	return nil
}
