// Package binary implements BIN_FLAT: exact scan over packed binary
// vectors with Hamming or Jaccard distance.
package binary

import (
	"context"
	"fmt"

	"github.com/hupe1980/strata/distance"
	"github.com/hupe1980/strata/index"
	"github.com/hupe1980/strata/internal/searcher"
)

func init() {
	index.Register(index.TypeBinFlat, Build)
}

// Index is an exact scan over a contiguous packed-bit block.
type Index struct {
	dim      int // bits
	rowBytes int
	metric   distance.Metric
	bits     []byte
	rows     int
}

// Build constructs a BIN_FLAT index. It takes no build parameters.
func Build(_ context.Context, desc index.Descriptor, data index.Dataset) (index.Provider, error) {
	if !desc.Metric.Binary() {
		return nil, fmt.Errorf("%w: BIN_FLAT requires a binary metric, got %s", index.ErrInvalidParams, desc.Metric)
	}
	if data.Binary == nil {
		return nil, fmt.Errorf("%w: BIN_FLAT requires binary vectors", index.ErrInvalidParams)
	}

	rowBytes := data.Dim / 8
	idx := &Index{
		dim:      data.Dim,
		rowBytes: rowBytes,
		metric:   desc.Metric,
		bits:     make([]byte, 0, len(data.Binary)*rowBytes),
		rows:     len(data.Binary),
	}
	for i, v := range data.Binary {
		if len(v) != rowBytes {
			return nil, fmt.Errorf("%w: row %d has %d bytes, want %d", index.ErrInvalidParams, i, len(v), rowBytes)
		}
		idx.bits = append(idx.bits, v...)
	}
	return idx, nil
}

func (idx *Index) Type() index.Type        { return index.TypeBinFlat }
func (idx *Index) Metric() distance.Metric { return idx.metric }
func (idx *Index) Rows() int               { return idx.rows }

// Vector returns the packed bits of a row.
func (idx *Index) Vector(row uint32) []byte {
	return idx.bits[int(row)*idx.rowBytes : (int(row)+1)*idx.rowBytes]
}

func (idx *Index) Search(ctx context.Context, q index.Query, k int, _ index.Params, allow index.Allow) ([]index.Entry, error) {
	if len(q.Binary) != idx.rowBytes {
		return nil, fmt.Errorf("%w: query has %d bytes, index rows have %d", index.ErrInvalidParams, len(q.Binary), idx.rowBytes)
	}

	s := searcher.Get()
	defer searcher.Put(s)
	s.Heap.Reset(false) // Hamming and Jaccard are both ascending

	for row := 0; row < idx.rows; row++ {
		if row%4096 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if allow != nil && !allow(uint32(row)) {
			continue
		}
		d := idx.metric.ComputeBinary(q.Binary, idx.Vector(uint32(row)))
		s.Heap.PushBounded(searcher.Candidate{Row: uint32(row), Distance: d}, k)
	}

	s.Results = s.Heap.Drain(s.Results)
	out := make([]index.Entry, len(s.Results))
	for i, c := range s.Results {
		out[i] = index.Entry{Row: c.Row, Distance: c.Distance}
	}
	return out, nil
}
