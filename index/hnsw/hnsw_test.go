package hnsw

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/strata/distance"
	"github.com/hupe1980/strata/index"
	"github.com/hupe1980/strata/index/flat"
)

func randomVectors(n, dim int, seed int64) [][]float32 {
	rng := rand.New(rand.NewSource(seed))
	vecs := make([][]float32, n)
	for i := range vecs {
		v := make([]float32, dim)
		for d := range v {
			v[d] = rng.Float32()
		}
		vecs[i] = v
	}
	return vecs
}

func TestParamValidation(t *testing.T) {
	data := index.Dataset{Dim: 4, Float: randomVectors(10, 4, 1)}

	_, err := Build(context.Background(), index.Descriptor{
		Type: index.TypeHNSW, Metric: distance.MetricL2,
		Params: index.Params{"M": 2},
	}, data)
	assert.ErrorIs(t, err, index.ErrInvalidParams)

	_, err = Build(context.Background(), index.Descriptor{
		Type: index.TypeHNSW, Metric: distance.MetricL2,
		Params: index.Params{"efConstruction": 4},
	}, data)
	assert.ErrorIs(t, err, index.ErrInvalidParams)

	_, err = Build(context.Background(), index.Descriptor{
		Type: index.TypeHNSW, Metric: distance.MetricL2,
		Params: index.Params{"M": "many"},
	}, data)
	assert.ErrorIs(t, err, index.ErrInvalidParams)

	_, err = Build(context.Background(), index.Descriptor{
		Type: index.TypeHNSW, Metric: distance.MetricHamming,
	}, data)
	assert.ErrorIs(t, err, index.ErrInvalidParams)
}

func TestSearchEFValidation(t *testing.T) {
	idx, err := Build(context.Background(), index.Descriptor{
		Type: index.TypeHNSW, Metric: distance.MetricL2,
	}, index.Dataset{Dim: 4, Float: randomVectors(32, 4, 2)})
	require.NoError(t, err)

	_, err = idx.Search(context.Background(), index.Query{Float: make([]float32, 4)}, 10, index.Params{"ef": 5}, nil)
	assert.ErrorIs(t, err, index.ErrInvalidParams)

	_, err = idx.Search(context.Background(), index.Query{Float: make([]float32, 4)}, 10, index.Params{"ef": 100000}, nil)
	assert.ErrorIs(t, err, index.ErrInvalidParams)
}

func TestRecallAgainstFlat(t *testing.T) {
	const n, dim, k = 2000, 16, 10
	vecs := randomVectors(n, dim, 3)
	data := index.Dataset{Dim: dim, Float: vecs}

	exact, err := flat.Build(context.Background(), index.Descriptor{
		Type: index.TypeFlat, Metric: distance.MetricL2,
	}, data)
	require.NoError(t, err)

	approx, err := Build(context.Background(), index.Descriptor{
		Type: index.TypeHNSW, Metric: distance.MetricL2,
		Params: index.Params{"M": 16, "efConstruction": 200},
	}, data)
	require.NoError(t, err)

	queries := randomVectors(20, dim, 4)
	var hits, total int
	for _, q := range queries {
		want, err := exact.Search(context.Background(), index.Query{Float: q}, k, nil, nil)
		require.NoError(t, err)
		got, err := approx.Search(context.Background(), index.Query{Float: q}, k, index.Params{"ef": 128}, nil)
		require.NoError(t, err)

		truth := make(map[uint32]struct{}, len(want))
		for _, e := range want {
			truth[e.Row] = struct{}{}
		}
		for _, e := range got {
			if _, ok := truth[e.Row]; ok {
				hits++
			}
		}
		total += len(want)
	}

	recall := float64(hits) / float64(total)
	assert.Greater(t, recall, 0.85, "recall %f too low", recall)
}

func TestSearchOrdering(t *testing.T) {
	idx, err := Build(context.Background(), index.Descriptor{
		Type: index.TypeHNSW, Metric: distance.MetricL2,
	}, index.Dataset{Dim: 8, Float: randomVectors(500, 8, 5)})
	require.NoError(t, err)

	q := randomVectors(1, 8, 6)[0]
	got, err := idx.Search(context.Background(), index.Query{Float: q}, 20, nil, nil)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	for i := 1; i < len(got); i++ {
		assert.LessOrEqual(t, got[i-1].Distance, got[i].Distance)
	}
}

func TestSearchAllowGate(t *testing.T) {
	idx, err := Build(context.Background(), index.Descriptor{
		Type: index.TypeHNSW, Metric: distance.MetricL2,
	}, index.Dataset{Dim: 4, Float: randomVectors(300, 4, 7)})
	require.NoError(t, err)

	q := randomVectors(1, 4, 8)[0]
	got, err := idx.Search(context.Background(), index.Query{Float: q}, 10, index.Params{"ef": 64}, func(row uint32) bool {
		return row%2 == 0
	})
	require.NoError(t, err)
	for _, e := range got {
		assert.Zero(t, e.Row%2)
	}
}

func TestEmptyIndex(t *testing.T) {
	idx, err := Build(context.Background(), index.Descriptor{
		Type: index.TypeHNSW, Metric: distance.MetricL2,
	}, index.Dataset{Dim: 4, Float: [][]float32{}})
	require.NoError(t, err)

	got, err := idx.Search(context.Background(), index.Query{Float: make([]float32, 4)}, 5, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}
