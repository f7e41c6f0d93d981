// Package ivf implements IVF_FLAT: an inverted-file index with exact
// distances inside probed lists. Centroids are trained with Lloyd's
// algorithm at build time.
package ivf

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/hupe1980/strata/distance"
	"github.com/hupe1980/strata/index"
	"github.com/hupe1980/strata/internal/searcher"
)

func init() {
	index.Register(index.TypeIVFFlat, Build)
}

const (
	defaultNList = 128
	maxNList     = 65536
	kmeansIters  = 20
)

// Index partitions rows into nlist inverted lists keyed by their nearest
// centroid.
type Index struct {
	dim    int
	metric distance.Metric
	vecs   []float32
	rows   int

	nlist     int
	centroids []float32 // nlist * dim
	lists     [][]uint32
}

// Build constructs an IVF_FLAT index. Params: nlist in [1, 65536]
// (clamped to the row count).
func Build(ctx context.Context, desc index.Descriptor, data index.Dataset) (index.Provider, error) {
	if desc.Metric.Binary() {
		return nil, fmt.Errorf("%w: IVF_FLAT does not support metric %s", index.ErrInvalidParams, desc.Metric)
	}
	if data.Float == nil {
		return nil, fmt.Errorf("%w: IVF_FLAT requires float vectors", index.ErrInvalidParams)
	}

	nlist, err := desc.Params.Int("nlist", defaultNList)
	if err != nil {
		return nil, err
	}
	if nlist < 1 || nlist > maxNList {
		return nil, fmt.Errorf("%w: nlist must be in [1, %d], got %d", index.ErrInvalidParams, maxNList, nlist)
	}

	idx := &Index{
		dim:    data.Dim,
		metric: desc.Metric,
		rows:   len(data.Float),
	}
	idx.vecs = make([]float32, 0, len(data.Float)*data.Dim)
	for i, v := range data.Float {
		if len(v) != data.Dim {
			return nil, fmt.Errorf("%w: row %d has dimension %d, want %d", index.ErrInvalidParams, i, len(v), data.Dim)
		}
		idx.vecs = append(idx.vecs, v...)
	}

	if nlist > idx.rows {
		nlist = max(idx.rows, 1)
	}
	idx.nlist = nlist

	if err := idx.train(ctx); err != nil {
		return nil, err
	}
	return idx, nil
}

func (idx *Index) Type() index.Type        { return index.TypeIVFFlat }
func (idx *Index) Metric() distance.Metric { return idx.metric }
func (idx *Index) Rows() int               { return idx.rows }

func (idx *Index) vector(row uint32) []float32 {
	return idx.vecs[int(row)*idx.dim : (int(row)+1)*idx.dim]
}

func (idx *Index) centroid(i int) []float32 {
	return idx.centroids[i*idx.dim : (i+1)*idx.dim]
}

// train runs Lloyd's algorithm over squared L2 space. Cluster geometry
// always uses L2; the query metric only affects final ranking.
func (idx *Index) train(ctx context.Context) error {
	n, k, dim := idx.rows, idx.nlist, idx.dim
	idx.centroids = make([]float32, k*dim)
	idx.lists = make([][]uint32, k)
	if n == 0 {
		return nil
	}

	rng := rand.New(rand.NewSource(int64(n)*31 + int64(k)))
	perm := rng.Perm(n)
	for i := 0; i < k; i++ {
		copy(idx.centroids[i*dim:(i+1)*dim], idx.vector(uint32(perm[i])))
	}

	assignments := make([]int, n)
	counts := make([]int, k)
	sums := make([]float32, k*dim)

	for iter := 0; iter < kmeansIters; iter++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		changed := false

		for i := 0; i < n; i++ {
			best, bestD := 0, float32(math.MaxFloat32)
			for j := 0; j < k; j++ {
				if d := distance.SquaredL2(idx.vector(uint32(i)), idx.centroid(j)); d < bestD {
					best, bestD = j, d
				}
			}
			if assignments[i] != best {
				assignments[i] = best
				changed = true
			}
		}
		if !changed && iter > 0 {
			break
		}

		for i := range sums {
			sums[i] = 0
		}
		for i := range counts {
			counts[i] = 0
		}
		for i := 0; i < n; i++ {
			c := assignments[i]
			v := idx.vector(uint32(i))
			for d := 0; d < dim; d++ {
				sums[c*dim+d] += v[d]
			}
			counts[c]++
		}
		for j := 0; j < k; j++ {
			if counts[j] > 0 {
				scale := 1 / float32(counts[j])
				for d := 0; d < dim; d++ {
					idx.centroids[j*dim+d] = sums[j*dim+d] * scale
				}
			} else {
				copy(idx.centroids[j*dim:(j+1)*dim], idx.vector(uint32(rng.Intn(n))))
			}
		}
	}

	for i := 0; i < n; i++ {
		c := assignments[i]
		idx.lists[c] = append(idx.lists[c], uint32(i))
	}
	return nil
}

// Search probes the nprobe closest lists and ranks their members
// exactly. Search param: nprobe in [1, nlist], default
// min(nlist, max(1, nlist/8)).
func (idx *Index) Search(ctx context.Context, q index.Query, k int, sp index.Params, allow index.Allow) ([]index.Entry, error) {
	if len(q.Float) != idx.dim {
		return nil, fmt.Errorf("%w: query dimension %d, index dimension %d", index.ErrInvalidParams, len(q.Float), idx.dim)
	}

	defNProbe := idx.nlist / 8
	if defNProbe < 1 {
		defNProbe = 1
	}
	nprobe, err := sp.Int("nprobe", defNProbe)
	if err != nil {
		return nil, err
	}
	if nprobe < 1 || nprobe > maxNList {
		return nil, fmt.Errorf("%w: nprobe must be in [1, %d], got %d", index.ErrInvalidParams, maxNList, nprobe)
	}
	if nprobe > idx.nlist {
		nprobe = idx.nlist
	}
	if idx.rows == 0 {
		return nil, nil
	}

	type cd struct {
		list int
		d    float32
	}
	order := make([]cd, idx.nlist)
	for j := 0; j < idx.nlist; j++ {
		order[j] = cd{list: j, d: distance.SquaredL2(q.Float, idx.centroid(j))}
	}
	sort.Slice(order, func(i, j int) bool { return order[i].d < order[j].d })

	s := searcher.Get()
	defer searcher.Put(s)
	s.Heap.Reset(!idx.metric.Ascending())

	for p := 0; p < nprobe; p++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		for _, row := range idx.lists[order[p].list] {
			if allow != nil && !allow(row) {
				continue
			}
			d := idx.metric.Compute(q.Float, idx.vector(row))
			s.Heap.PushBounded(searcher.Candidate{Row: row, Distance: d}, k)
		}
	}

	s.Results = s.Heap.Drain(s.Results)
	out := make([]index.Entry, len(s.Results))
	for i, c := range s.Results {
		out[i] = index.Entry{Row: c.Row, Distance: c.Distance}
	}
	return out, nil
}
