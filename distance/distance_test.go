package distance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSquaredL2(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{4, 6, 3}
	assert.InDelta(t, 25.0, SquaredL2(a, b), 1e-6)
	assert.Zero(t, SquaredL2(a, a))
}

func TestDot(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{4, 5, 6}
	assert.InDelta(t, 32.0, Dot(a, b), 1e-6)
}

func TestCosine(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}
	assert.InDelta(t, 0.0, Cosine(a, b), 1e-6)
	assert.InDelta(t, 1.0, Cosine(a, a), 1e-6)

	// Zero norm
	assert.Zero(t, Cosine([]float32{0, 0}, b))
}

func TestHamming(t *testing.T) {
	assert.Equal(t, float32(0), Hamming([]byte{0xFF}, []byte{0xFF}))
	assert.Equal(t, float32(8), Hamming([]byte{0xFF}, []byte{0x00}))
	assert.Equal(t, float32(1), Hamming([]byte{0b0000_0001}, []byte{0b0000_0000}))
}

func TestJaccard(t *testing.T) {
	assert.Equal(t, float32(0), Jaccard([]byte{0x0F}, []byte{0x0F}))
	assert.Equal(t, float32(1), Jaccard([]byte{0x0F}, []byte{0xF0}))
	// Empty sets
	assert.Equal(t, float32(0), Jaccard([]byte{0x00}, []byte{0x00}))
	// |A∩B|=1, |A∪B|=3
	assert.InDelta(t, 1.0-1.0/3.0, Jaccard([]byte{0b011}, []byte{0b110}), 1e-6)
}

func TestMetricOrdering(t *testing.T) {
	assert.True(t, MetricL2.Ascending())
	assert.True(t, MetricHamming.Ascending())
	assert.True(t, MetricJaccard.Ascending())
	assert.False(t, MetricIP.Ascending())
	assert.False(t, MetricCosine.Ascending())

	assert.True(t, MetricL2.Better(1, 2))
	assert.True(t, MetricIP.Better(2, 1))
}

func TestParse(t *testing.T) {
	m, ok := Parse("cosine")
	require.True(t, ok)
	assert.Equal(t, MetricCosine, m)

	_, ok = Parse("SUBSTRUCTURE")
	assert.False(t, ok)
}

func TestNormalizeL2(t *testing.T) {
	v := []float32{3, 4}
	require.True(t, NormalizeL2InPlace(v))
	assert.InDelta(t, 1.0, Dot(v, v), 1e-6)

	assert.False(t, NormalizeL2InPlace([]float32{0, 0}))

	got, ok := NormalizeL2Copy([]float32{0, 2})
	require.True(t, ok)
	assert.InDelta(t, 1.0, got[1], 1e-6)
}
