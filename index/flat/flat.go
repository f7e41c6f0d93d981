// Package flat implements the exact brute-force float index. It is the
// reference provider: every other index type must agree with it up to
// recall.
package flat

import (
	"context"
	"fmt"

	"github.com/hupe1980/strata/distance"
	"github.com/hupe1980/strata/index"
	"github.com/hupe1980/strata/internal/searcher"
)

func init() {
	index.Register(index.TypeFlat, Build)
}

// Index is an exact scan over a contiguous vector block.
type Index struct {
	dim    int
	metric distance.Metric
	// vecs is row-major: row i occupies vecs[i*dim : (i+1)*dim].
	vecs []float32
	rows int
}

// Build constructs a flat index. FLAT takes no build parameters.
func Build(_ context.Context, desc index.Descriptor, data index.Dataset) (index.Provider, error) {
	if desc.Metric.Binary() {
		return nil, fmt.Errorf("%w: FLAT does not support metric %s", index.ErrInvalidParams, desc.Metric)
	}
	if data.Float == nil {
		return nil, fmt.Errorf("%w: FLAT requires float vectors", index.ErrInvalidParams)
	}

	idx := &Index{
		dim:    data.Dim,
		metric: desc.Metric,
		vecs:   make([]float32, 0, len(data.Float)*data.Dim),
		rows:   len(data.Float),
	}
	for i, v := range data.Float {
		if len(v) != data.Dim {
			return nil, fmt.Errorf("%w: row %d has dimension %d, want %d", index.ErrInvalidParams, i, len(v), data.Dim)
		}
		idx.vecs = append(idx.vecs, v...)
	}
	return idx, nil
}

func (idx *Index) Type() index.Type          { return index.TypeFlat }
func (idx *Index) Metric() distance.Metric   { return idx.metric }
func (idx *Index) Rows() int                 { return idx.rows }
func (idx *Index) Vector(row uint32) []float32 {
	return idx.vecs[int(row)*idx.dim : (int(row)+1)*idx.dim]
}

// Search scans all allowed rows and keeps the k best.
func (idx *Index) Search(ctx context.Context, q index.Query, k int, _ index.Params, allow index.Allow) ([]index.Entry, error) {
	if len(q.Float) != idx.dim {
		return nil, fmt.Errorf("%w: query dimension %d, index dimension %d", index.ErrInvalidParams, len(q.Float), idx.dim)
	}

	s := searcher.Get()
	defer searcher.Put(s)
	descending := !idx.metric.Ascending()
	s.Heap.Reset(descending)

	for row := 0; row < idx.rows; row++ {
		if row%4096 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if allow != nil && !allow(uint32(row)) {
			continue
		}
		d := idx.metric.Compute(q.Float, idx.Vector(uint32(row)))
		s.Heap.PushBounded(searcher.Candidate{Row: uint32(row), Distance: d}, k)
	}

	s.Results = s.Heap.Drain(s.Results)
	out := make([]index.Entry, len(s.Results))
	for i, c := range s.Results {
		out[i] = index.Entry{Row: c.Row, Distance: c.Distance}
	}
	return out, nil
}
