package segment

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/strata/internal/searcher"
	"github.com/hupe1980/strata/internal/tombstone"
	"github.com/hupe1980/strata/model"
	"github.com/hupe1980/strata/scalar"
	"github.com/hupe1980/strata/schema"
)

// Growing is the mutable in-memory segment. Appends publish a new row
// count last, so concurrent searches always observe fully written rows.
// Search is brute force over the visible prefix.
type Growing struct {
	id  model.SegmentID
	sch *schema.Schema
	ts  *tombstone.Set

	mu       sync.Mutex // serializes appenders
	rows     atomic.Int64
	pks      []model.PrimaryKey
	insertTs []model.Timestamp
	vecs     map[string][]float32 // row-major, dim from schema
	bins     map[string][]byte
	cols     map[string][]any

	minTs atomic.Uint64
	maxTs atomic.Uint64

	sealed atomic.Bool
}

// NewGrowing creates an empty growing segment sharing the collection's
// delete buffer through ts.
func NewGrowing(id model.SegmentID, sch *schema.Schema, ts *tombstone.Set) *Growing {
	g := &Growing{
		id:   id,
		sch:  sch,
		ts:   ts,
		vecs: make(map[string][]float32),
		bins: make(map[string][]byte),
		cols: make(map[string][]any),
	}
	for _, f := range sch.Fields() {
		switch {
		case f.Type == schema.TypeFloatVector:
			g.vecs[f.Name] = nil
		case f.Type == schema.TypeBinaryVector:
			g.bins[f.Name] = nil
		case !f.PrimaryKey:
			g.cols[f.Name] = nil
		}
	}
	g.minTs.Store(^uint64(0))
	return g
}

func (g *Growing) ID() model.SegmentID           { return g.id }
func (g *Growing) Kind() Type                    { return TypeGrowing }
func (g *Growing) Schema() *schema.Schema        { return g.sch }
func (g *Growing) RowCount() int                 { return int(g.rows.Load()) }
func (g *Growing) Tombstones() *tombstone.Set    { return g.ts }
func (g *Growing) MaxTs() model.Timestamp        { return model.Timestamp(g.maxTs.Load()) }

func (g *Growing) MinTs() model.Timestamp {
	if g.rows.Load() == 0 {
		return 0
	}
	return model.Timestamp(g.minTs.Load())
}

// Append adds rows stamped with ts. Returns ErrSealed once the segment
// has been sealed.
func (g *Growing) Append(rows []model.Row, ts model.Timestamp) error {
	if g.sealed.Load() {
		return ErrSealed
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sealed.Load() {
		return ErrSealed
	}

	for _, r := range rows {
		for name := range g.vecs {
			f, _ := g.sch.Field(name)
			v := r.Vectors[name]
			if len(v) != f.Dim {
				return fmt.Errorf("%w: field %q expects dimension %d, got %d",
					ErrDimMismatch, name, f.Dim, len(v))
			}
		}
		for name := range g.bins {
			f, _ := g.sch.Field(name)
			v := r.BinVecs[name]
			if len(v) != f.Dim/8 {
				return fmt.Errorf("%w: field %q expects %d bytes, got %d",
					ErrDimMismatch, name, f.Dim/8, len(v))
			}
		}
	}

	for _, r := range rows {
		g.pks = append(g.pks, r.PK)
		g.insertTs = append(g.insertTs, ts)
		for name := range g.vecs {
			g.vecs[name] = append(g.vecs[name], r.Vectors[name]...)
		}
		for name := range g.bins {
			g.bins[name] = append(g.bins[name], r.BinVecs[name]...)
		}
		for name := range g.cols {
			g.cols[name] = append(g.cols[name], scalar.Normalize(r.Fields[name]))
		}
	}

	for {
		cur := g.minTs.Load()
		if uint64(ts) >= cur || g.minTs.CompareAndSwap(cur, uint64(ts)) {
			break
		}
	}
	for {
		cur := g.maxTs.Load()
		if uint64(ts) <= cur || g.maxTs.CompareAndSwap(cur, uint64(ts)) {
			break
		}
	}

	// Publish last.
	g.rows.Add(int64(len(rows)))
	return nil
}

func (g *Growing) PK(row model.RowID) model.PrimaryKey { return g.pks[row] }

// InsertTs returns the insertion timestamp of row.
func (g *Growing) InsertTs(row model.RowID) model.Timestamp { return g.insertTs[row] }

func (g *Growing) Fields(row model.RowID, names []string) map[string]any {
	out := make(map[string]any, len(names))
	for _, name := range names {
		f, ok := g.sch.Field(name)
		if !ok {
			continue
		}
		switch {
		case f.PrimaryKey:
			out[name] = pkValue(g.pks[row])
		case f.Type == schema.TypeFloatVector:
			v := g.vecs[name][int(row)*f.Dim : (int(row)+1)*f.Dim]
			out[name] = append([]float32(nil), v...)
		case f.Type == schema.TypeBinaryVector:
			n := f.Dim / 8
			v := g.bins[name][int(row)*n : (int(row)+1)*n]
			out[name] = append([]byte(nil), v...)
		default:
			out[name] = g.cols[name][row]
		}
	}
	return out
}

func pkValue(pk model.PrimaryKey) any {
	if pk.Type() == model.PKVarChar {
		return pk.VarChar()
	}
	return pk.Int64()
}

// filterFields materializes just the columns a filter references.
func (g *Growing) filterFields(row model.RowID, names []string, scratch map[string]any) map[string]any {
	clear(scratch)
	pkName := g.sch.PKField().Name
	for _, name := range names {
		if name == pkName {
			scratch[name] = pkValue(g.pks[row])
			continue
		}
		if col, ok := g.cols[name]; ok {
			scratch[name] = col[row]
		}
	}
	return scratch
}

func (g *Growing) visible(row int, servingTs model.Timestamp) bool {
	return g.insertTs[row] <= servingTs
}

func (g *Growing) Scan(servingTs model.Timestamp, filter *scalar.FilterSet, visit func(row model.RowID) bool) {
	eff := effectiveTs(servingTs)
	n := int(g.rows.Load())

	var filterNames []string
	var scratch map[string]any
	if filter != nil {
		filterNames = filter.Fields()
		scratch = make(map[string]any, len(filterNames))
	}

	for i := 0; i < n; i++ {
		if !g.visible(i, eff) {
			continue
		}
		if g.ts.IsDeleted(g.pks[i], g.insertTs[i], eff) {
			continue
		}
		if filter != nil && !filter.Matches(g.filterFields(model.RowID(i), filterNames, scratch)) {
			continue
		}
		if !visit(model.RowID(i)) {
			return
		}
	}
}

// Search brute-forces the visible prefix, applying tombstones and the
// scalar filter inline.
func (g *Growing) Search(ctx context.Context, in SearchInput) ([]model.Candidate, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	f, ok := g.sch.Field(in.Field)
	if !ok || !f.Type.Vector() {
		return nil, fmt.Errorf("%w: %q is not a vector field", ErrUnknownField, in.Field)
	}

	binary := f.Type == schema.TypeBinaryVector
	if binary != in.Metric.Binary() {
		return nil, fmt.Errorf("%w: metric %s does not apply to field %q", ErrMetricMismatch, in.Metric, in.Field)
	}
	if binary {
		if len(in.Query.Binary)*8 != f.Dim {
			return nil, fmt.Errorf("%w: field %q expects %d bytes, got %d",
				ErrDimMismatch, in.Field, f.Dim/8, len(in.Query.Binary))
		}
	} else if len(in.Query.Float) != f.Dim {
		return nil, fmt.Errorf("%w: field %q expects dimension %d, got %d",
			ErrDimMismatch, in.Field, f.Dim, len(in.Query.Float))
	}

	eff := effectiveTs(in.ServingTs)
	n := int(g.rows.Load())

	var filterNames []string
	var scratch map[string]any
	if in.Filter != nil {
		filterNames = in.Filter.Fields()
		scratch = make(map[string]any, len(filterNames))
	}

	s := searcher.Get()
	defer searcher.Put(s)
	s.Heap.Reset(!in.Metric.Ascending())

	vecCol := g.vecs[in.Field]
	binCol := g.bins[in.Field]
	rowBytes := f.Dim / 8

	for i := 0; i < n; i++ {
		if i%4096 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !g.visible(i, eff) {
			continue
		}
		if g.ts.IsDeleted(g.pks[i], g.insertTs[i], eff) {
			continue
		}
		if in.Filter != nil && !in.Filter.Matches(g.filterFields(model.RowID(i), filterNames, scratch)) {
			continue
		}

		var d float32
		if binary {
			d = in.Metric.ComputeBinary(in.Query.Binary, binCol[i*rowBytes:(i+1)*rowBytes])
		} else {
			d = in.Metric.Compute(in.Query.Float, vecCol[i*f.Dim:(i+1)*f.Dim])
		}
		if in.Range != nil && !in.Range.Contains(d, in.Metric) {
			continue
		}
		s.Heap.PushBounded(searcher.Candidate{Row: uint32(i), Distance: d}, in.K)
	}

	s.Results = s.Heap.Drain(s.Results)
	out := make([]model.Candidate, len(s.Results))
	for i, c := range s.Results {
		out[i] = model.Candidate{
			PK:       g.pks[c.Row],
			Loc:      model.Location{SegmentID: g.id, RowID: model.RowID(c.Row)},
			Distance: c.Distance,
		}
	}
	return out, nil
}

// Freeze marks the segment sealed and returns its frozen columns for
// index building. Appends fail afterwards.
func (g *Growing) Freeze() *Frozen {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sealed.Store(true)
	n := int(g.rows.Load())
	return &Frozen{
		Rows:     n,
		PKs:      g.pks[:n],
		InsertTs: g.insertTs[:n],
		Vecs:     g.vecs,
		Bins:     g.bins,
		Cols:     g.cols,
	}
}

// Frozen is a growing segment's immutable column snapshot handed to
// Seal.
type Frozen struct {
	Rows     int
	PKs      []model.PrimaryKey
	InsertTs []model.Timestamp
	Vecs     map[string][]float32
	Bins     map[string][]byte
	Cols     map[string][]any
}
