package segment

import (
	"context"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/strata/distance"
	"github.com/hupe1980/strata/index"
	"github.com/hupe1980/strata/internal/tombstone"
	"github.com/hupe1980/strata/model"
	"github.com/hupe1980/strata/scalar"
	"github.com/hupe1980/strata/schema"
)

// Sealed is the immutable, index-backed segment produced by sealing a
// growing segment. Candidate generation is delegated to the built index
// of the queried field; visibility, tombstone and scalar-filter checks
// are pushed down as an allow callback so the index never over-fetches.
type Sealed struct {
	id  model.SegmentID
	sch *schema.Schema
	ts  *tombstone.Set

	rows     int
	pks      []model.PrimaryKey
	insertTs []model.Timestamp
	vecs     map[string][]float32
	bins     map[string][]byte
	cols     map[string][]any

	indexes map[string]map[string]index.Provider
	pkRows  map[model.PrimaryKey][]model.RowID

	minTs model.Timestamp
	maxTs model.Timestamp
}

// DefaultIndexName names the implicit index built for vector fields
// that have no declared descriptors.
const DefaultIndexName = "_default_idx"

// Seal builds a sealed segment from a frozen growing snapshot, building
// every declared index per vector field from descs, keyed field name to
// index name. Fields without a descriptor get a FLAT (or BIN_FLAT)
// index under DefaultIndexName so every vector field stays searchable.
func Seal(ctx context.Context, id model.SegmentID, sch *schema.Schema, fz *Frozen, ts *tombstone.Set, descs map[string]map[string]index.Descriptor) (*Sealed, error) {
	s := &Sealed{
		id:       id,
		sch:      sch,
		ts:       ts,
		rows:     fz.Rows,
		pks:      fz.PKs,
		insertTs: fz.InsertTs,
		vecs:     fz.Vecs,
		bins:     fz.Bins,
		cols:     fz.Cols,
		indexes:  make(map[string]map[string]index.Provider),
		pkRows:   make(map[model.PrimaryKey][]model.RowID, fz.Rows),
	}

	for i := 0; i < fz.Rows; i++ {
		s.pkRows[fz.PKs[i]] = append(s.pkRows[fz.PKs[i]], model.RowID(i))
		if i == 0 || fz.InsertTs[i] < s.minTs {
			s.minTs = fz.InsertTs[i]
		}
		if fz.InsertTs[i] > s.maxTs {
			s.maxTs = fz.InsertTs[i]
		}
	}

	for _, f := range sch.VectorFields() {
		fieldDescs := descs[f.Name]
		if len(fieldDescs) == 0 {
			desc := index.Descriptor{Name: DefaultIndexName, Field: f.Name, Type: index.TypeFlat, Metric: defaultMetric(f)}
			if f.Type == schema.TypeBinaryVector {
				desc.Type = index.TypeBinFlat
			}
			fieldDescs = map[string]index.Descriptor{DefaultIndexName: desc}
		}
		data := index.Dataset{Dim: f.Dim}
		if f.Type == schema.TypeBinaryVector {
			data.Binary = unpackRows(fz.Bins[f.Name], f.Dim/8, fz.Rows)
		} else {
			data.Float = unpackVecs(fz.Vecs[f.Name], f.Dim, fz.Rows)
		}
		s.indexes[f.Name] = make(map[string]index.Provider, len(fieldDescs))
		for name, desc := range fieldDescs {
			idx, err := index.Build(ctx, desc, data)
			if err != nil {
				return nil, fmt.Errorf("seal segment %d field %q index %q: %w", id, f.Name, name, err)
			}
			s.indexes[f.Name][name] = idx
		}
	}
	return s, nil
}

func defaultMetric(f schema.Field) distance.Metric {
	if f.Type == schema.TypeBinaryVector {
		return distance.MetricHamming
	}
	return distance.MetricL2
}

func unpackVecs(flat []float32, dim, rows int) [][]float32 {
	out := make([][]float32, rows)
	for i := range out {
		out[i] = flat[i*dim : (i+1)*dim]
	}
	return out
}

func unpackRows(flat []byte, rowBytes, rows int) [][]byte {
	out := make([][]byte, rows)
	for i := range out {
		out[i] = flat[i*rowBytes : (i+1)*rowBytes]
	}
	return out
}

func (s *Sealed) ID() model.SegmentID        { return s.id }
func (s *Sealed) Kind() Type                 { return TypeSealed }
func (s *Sealed) Schema() *schema.Schema     { return s.sch }
func (s *Sealed) RowCount() int              { return s.rows }
func (s *Sealed) MinTs() model.Timestamp     { return s.minTs }
func (s *Sealed) MaxTs() model.Timestamp     { return s.maxTs }
func (s *Sealed) Tombstones() *tombstone.Set { return s.ts }

// Index returns the built index for a vector field by name.
func (s *Sealed) Index(field, name string) (index.Provider, bool) {
	p, ok := s.indexes[field][name]
	return p, ok
}

// selectIndex resolves name against the field's built indexes. An
// empty name is allowed only when the field carries exactly one index.
func (s *Sealed) selectIndex(field, name string) (index.Provider, error) {
	byName, ok := s.indexes[field]
	if !ok {
		return nil, fmt.Errorf("%w: no index for field %q", ErrUnknownField, field)
	}
	if name != "" {
		idx, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("%w: field %q has no index %q", ErrUnknownIndex, field, name)
		}
		return idx, nil
	}
	if len(byName) > 1 {
		return nil, fmt.Errorf("%w: field %q", ErrAmbiguousIndex, field)
	}
	for _, idx := range byName {
		return idx, nil
	}
	return nil, fmt.Errorf("%w: no index for field %q", ErrUnknownField, field)
}

func (s *Sealed) PK(row model.RowID) model.PrimaryKey { return s.pks[row] }

// InsertTs returns the insertion timestamp of row.
func (s *Sealed) InsertTs(row model.RowID) model.Timestamp { return s.insertTs[row] }

func (s *Sealed) Fields(row model.RowID, names []string) map[string]any {
	out := make(map[string]any, len(names))
	for _, name := range names {
		f, ok := s.sch.Field(name)
		if !ok {
			continue
		}
		switch {
		case f.PrimaryKey:
			out[name] = pkValue(s.pks[row])
		case f.Type == schema.TypeFloatVector:
			v := s.vecs[name][int(row)*f.Dim : (int(row)+1)*f.Dim]
			out[name] = append([]float32(nil), v...)
		case f.Type == schema.TypeBinaryVector:
			n := f.Dim / 8
			v := s.bins[name][int(row)*n : (int(row)+1)*n]
			out[name] = append([]byte(nil), v...)
		default:
			out[name] = s.cols[name][row]
		}
	}
	return out
}

func (s *Sealed) filterFields(row model.RowID, names []string, scratch map[string]any) map[string]any {
	clear(scratch)
	pkName := s.sch.PKField().Name
	for _, name := range names {
		if name == pkName {
			scratch[name] = pkValue(s.pks[row])
			continue
		}
		if col, ok := s.cols[name]; ok {
			scratch[name] = col[row]
		}
	}
	return scratch
}

// filterBitmap evaluates the scalar filter once into a bitmap of
// passing rows.
func (s *Sealed) filterBitmap(filter *scalar.FilterSet) *roaring.Bitmap {
	bm := roaring.New()
	names := filter.Fields()
	scratch := make(map[string]any, len(names))
	for i := 0; i < s.rows; i++ {
		if filter.Matches(s.filterFields(model.RowID(i), names, scratch)) {
			bm.Add(uint32(i))
		}
	}
	return bm
}

// affected is the set of rows whose key has any tombstone. Rows outside
// it skip the per-occurrence deletion check.
func (s *Sealed) affected() *roaring.Bitmap {
	return s.ts.Affected(func(yield func(model.PrimaryKey, []model.RowID) bool) {
		for pk, rows := range s.pkRows {
			if !yield(pk, rows) {
				return
			}
		}
	})
}

func (s *Sealed) Scan(servingTs model.Timestamp, filter *scalar.FilterSet, visit func(row model.RowID) bool) {
	eff := effectiveTs(servingTs)
	deleted := s.affected()

	var filterBM *roaring.Bitmap
	if filter != nil {
		filterBM = s.filterBitmap(filter)
	}

	for i := 0; i < s.rows; i++ {
		if s.insertTs[i] > eff {
			continue
		}
		if deleted.Contains(uint32(i)) && s.ts.IsDeleted(s.pks[i], s.insertTs[i], eff) {
			continue
		}
		if filterBM != nil && !filterBM.Contains(uint32(i)) {
			continue
		}
		if !visit(model.RowID(i)) {
			return
		}
	}
}

// Search delegates to the field's built index. The request metric must
// match the metric the index was built with; there is no brute-force
// fallback for a mismatch.
func (s *Sealed) Search(ctx context.Context, in SearchInput) ([]model.Candidate, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	idx, err := s.selectIndex(in.Field, in.IndexName)
	if err != nil {
		return nil, err
	}
	if idx.Metric() != in.Metric {
		return nil, fmt.Errorf("%w: index built with %s, requested %s",
			ErrMetricMismatch, idx.Metric(), in.Metric)
	}

	eff := effectiveTs(in.ServingTs)
	deleted := s.affected()

	var filterBM *roaring.Bitmap
	if in.Filter != nil {
		filterBM = s.filterBitmap(in.Filter)
	}

	allow := func(row uint32) bool {
		if s.insertTs[row] > eff {
			return false
		}
		if filterBM != nil && !filterBM.Contains(row) {
			return false
		}
		if deleted.Contains(row) && s.ts.IsDeleted(s.pks[row], s.insertTs[row], eff) {
			return false
		}
		return true
	}

	entries, err := idx.Search(ctx, in.Query, in.K, in.Params, allow)
	if err != nil {
		return nil, err
	}

	out := make([]model.Candidate, 0, len(entries))
	for _, e := range entries {
		if in.Range != nil && !in.Range.Contains(e.Distance, in.Metric) {
			continue
		}
		out = append(out, model.Candidate{
			PK:       s.pks[e.Row],
			Loc:      model.Location{SegmentID: s.id, RowID: model.RowID(e.Row)},
			Distance: e.Distance,
		})
	}
	return out, nil
}
