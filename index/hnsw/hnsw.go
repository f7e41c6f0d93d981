// Package hnsw implements the Hierarchical Navigable Small World graph
// index. Construction is single-threaded (sealing happens off the read
// path); search is safe for concurrent readers once built.
package hnsw

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/bits-and-blooms/bitset"

	"github.com/hupe1980/strata/distance"
	"github.com/hupe1980/strata/index"
)

func init() {
	index.Register(index.TypeHNSW, Build)
}

const (
	defaultM              = 16
	defaultEFConstruction = 200
	defaultEF             = 64
	maxEF                 = 32768
)

// Index is a layered proximity graph over a contiguous vector block.
type Index struct {
	dim    int
	metric distance.Metric
	vecs   []float32

	m        int
	mmax0    int
	efConstr int
	ml       float64

	// neighbors[n][l] lists the links of node n on layer l.
	neighbors [][][]uint32
	levels    []int
	entry     uint32
	maxLevel  int
	rows      int
}

// Build constructs an HNSW index. Params: M in [4,64], efConstruction in
// [8,512].
func Build(ctx context.Context, desc index.Descriptor, data index.Dataset) (index.Provider, error) {
	if desc.Metric.Binary() {
		return nil, fmt.Errorf("%w: HNSW does not support metric %s", index.ErrInvalidParams, desc.Metric)
	}
	if data.Float == nil {
		return nil, fmt.Errorf("%w: HNSW requires float vectors", index.ErrInvalidParams)
	}

	m, err := desc.Params.Int("M", defaultM)
	if err != nil {
		return nil, err
	}
	if m < 4 || m > 64 {
		return nil, fmt.Errorf("%w: M must be in [4, 64], got %d", index.ErrInvalidParams, m)
	}
	efc, err := desc.Params.Int("efConstruction", defaultEFConstruction)
	if err != nil {
		return nil, err
	}
	if efc < 8 || efc > 512 {
		return nil, fmt.Errorf("%w: efConstruction must be in [8, 512], got %d", index.ErrInvalidParams, efc)
	}

	idx := &Index{
		dim:      data.Dim,
		metric:   desc.Metric,
		m:        m,
		mmax0:    2 * m,
		efConstr: efc,
		ml:       1 / math.Log(float64(m)),
		rows:     len(data.Float),
	}
	idx.vecs = make([]float32, 0, len(data.Float)*data.Dim)
	for i, v := range data.Float {
		if len(v) != data.Dim {
			return nil, fmt.Errorf("%w: row %d has dimension %d, want %d", index.ErrInvalidParams, i, len(v), data.Dim)
		}
		idx.vecs = append(idx.vecs, v...)
	}

	idx.neighbors = make([][][]uint32, idx.rows)
	idx.levels = make([]int, idx.rows)

	rng := rand.New(rand.NewSource(int64(idx.rows)))
	for n := 0; n < idx.rows; n++ {
		if n%1024 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		idx.insert(uint32(n), rng)
	}
	return idx, nil
}

func (idx *Index) Type() index.Type        { return index.TypeHNSW }
func (idx *Index) Metric() distance.Metric { return idx.metric }
func (idx *Index) Rows() int               { return idx.rows }

func (idx *Index) vector(row uint32) []float32 {
	return idx.vecs[int(row)*idx.dim : (int(row)+1)*idx.dim]
}

// key maps the metric into ascending "smaller is better" space used for
// graph traversal.
func (idx *Index) key(q []float32, row uint32) float32 {
	d := idx.metric.Compute(q, idx.vector(row))
	if idx.metric.Ascending() {
		return d
	}
	return -d
}

func (idx *Index) randLevel(rng *rand.Rand) int {
	return int(math.Floor(-math.Log(rng.Float64()+1e-12) * idx.ml))
}

func (idx *Index) maxNeighbors(layer int) int {
	if layer == 0 {
		return idx.mmax0
	}
	return idx.m
}

func (idx *Index) insert(n uint32, rng *rand.Rand) {
	level := idx.randLevel(rng)
	idx.levels[n] = level
	idx.neighbors[n] = make([][]uint32, level+1)

	if n == 0 {
		idx.entry = 0
		idx.maxLevel = level
		return
	}

	q := idx.vector(n)
	ep := idx.entry

	// Greedy descent through the layers above the insertion level.
	for l := idx.maxLevel; l > level; l-- {
		ep = idx.greedyClosest(q, ep, l)
	}

	top := min(level, idx.maxLevel)
	for l := top; l >= 0; l-- {
		cands := idx.searchLayer(q, ep, idx.efConstr, l, nil)
		sel := idx.selectNeighbors(cands, idx.m)
		idx.neighbors[n][l] = sel
		for _, peer := range sel {
			idx.link(peer, n, l)
		}
		if len(cands) > 0 {
			ep = cands[0].row
		}
	}

	if level > idx.maxLevel {
		idx.maxLevel = level
		idx.entry = n
	}
}

// link adds n to peer's layer-l neighbor list, pruning to the layer cap
// by distance from peer.
func (idx *Index) link(peer, n uint32, l int) {
	lst := append(idx.neighbors[peer][l], n)
	cap := idx.maxNeighbors(l)
	if len(lst) > cap {
		p := idx.vector(peer)
		worst, worstKey := 0, float32(math.Inf(-1))
		for i, nb := range lst {
			if k := idx.key(p, nb); k > worstKey {
				worst, worstKey = i, k
			}
		}
		lst[worst] = lst[len(lst)-1]
		lst = lst[:len(lst)-1]
	}
	idx.neighbors[peer][l] = lst
}

func (idx *Index) selectNeighbors(cands []scored, m int) []uint32 {
	if len(cands) > m {
		cands = cands[:m]
	}
	out := make([]uint32, len(cands))
	for i, c := range cands {
		out[i] = c.row
	}
	return out
}

type scored struct {
	row uint32
	key float32
}

// greedyClosest walks layer l greedily towards q from ep.
func (idx *Index) greedyClosest(q []float32, ep uint32, l int) uint32 {
	cur, curKey := ep, idx.key(q, ep)
	for {
		improved := false
		if l < len(idx.neighbors[cur]) {
			for _, nb := range idx.neighbors[cur][l] {
				if k := idx.key(q, nb); k < curKey {
					cur, curKey = nb, k
					improved = true
				}
			}
		}
		if !improved {
			return cur
		}
	}
}

// searchLayer explores layer l collecting up to ef closest nodes,
// returned sorted ascending by key. allow gates result membership only;
// traversal still crosses disallowed nodes so filtered search keeps
// graph connectivity.
func (idx *Index) searchLayer(q []float32, ep uint32, ef, l int, allow index.Allow) []scored {
	visited := bitset.New(uint(idx.rows))
	visited.Set(uint(ep))

	cands := &minHeap{}
	results := &maxHeap{}

	epKey := idx.key(q, ep)
	cands.push(scored{row: ep, key: epKey})
	if allow == nil || allow(ep) {
		results.push(scored{row: ep, key: epKey}, ef)
	}

	for cands.len() > 0 {
		c := cands.pop()
		if results.len() >= ef && c.key > results.top().key {
			break
		}
		if l >= len(idx.neighbors[c.row]) {
			continue
		}
		for _, nb := range idx.neighbors[c.row][l] {
			if visited.Test(uint(nb)) {
				continue
			}
			visited.Set(uint(nb))
			k := idx.key(q, nb)
			if results.len() < ef || k < results.top().key {
				cands.push(scored{row: nb, key: k})
				if allow == nil || allow(nb) {
					results.push(scored{row: nb, key: k}, ef)
				}
			}
		}
	}
	return results.sorted()
}

// Search runs a top-k query. Search param: ef >= k (default
// max(k, 64)), capped at 32768.
func (idx *Index) Search(ctx context.Context, q index.Query, k int, sp index.Params, allow index.Allow) ([]index.Entry, error) {
	if len(q.Float) != idx.dim {
		return nil, fmt.Errorf("%w: query dimension %d, index dimension %d", index.ErrInvalidParams, len(q.Float), idx.dim)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	ef, err := sp.Int("ef", max(k, defaultEF))
	if err != nil {
		return nil, err
	}
	if ef < k {
		return nil, fmt.Errorf("%w: ef %d must be >= k %d", index.ErrInvalidParams, ef, k)
	}
	if ef > maxEF {
		return nil, fmt.Errorf("%w: ef %d exceeds maximum %d", index.ErrInvalidParams, ef, maxEF)
	}
	if idx.rows == 0 {
		return nil, nil
	}

	ep := idx.entry
	qv := q.Float
	for l := idx.maxLevel; l > 0; l-- {
		ep = idx.greedyClosest(qv, ep, l)
	}

	found := idx.searchLayer(qv, ep, ef, 0, allow)
	if len(found) > k {
		found = found[:k]
	}

	out := make([]index.Entry, len(found))
	for i, s := range found {
		d := s.key
		if !idx.metric.Ascending() {
			d = -d
		}
		out[i] = index.Entry{Row: s.row, Distance: d}
	}
	return out, nil
}
