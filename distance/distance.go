// Package distance provides vector distance calculations and the metric
// taxonomy used throughout strata.
package distance

import (
	"fmt"
	"math"
	"math/bits"
	"slices"
	"strings"
)

// Metric represents the distance metric used for vector comparison.
type Metric int

const (
	MetricL2 Metric = iota
	MetricIP
	MetricCosine
	MetricHamming
	MetricJaccard
)

func (m Metric) String() string {
	switch m {
	case MetricL2:
		return "L2"
	case MetricIP:
		return "IP"
	case MetricCosine:
		return "COSINE"
	case MetricHamming:
		return "HAMMING"
	case MetricJaccard:
		return "JACCARD"
	default:
		return fmt.Sprintf("Unknown(%d)", int(m))
	}
}

// Parse resolves a metric name (case-insensitive). Returns false for
// unknown names.
func Parse(s string) (Metric, bool) {
	switch strings.ToUpper(s) {
	case "L2":
		return MetricL2, true
	case "IP":
		return MetricIP, true
	case "COSINE":
		return MetricCosine, true
	case "HAMMING":
		return MetricHamming, true
	case "JACCARD":
		return MetricJaccard, true
	default:
		return 0, false
	}
}

// Ascending reports whether smaller values rank better for this metric.
// L2, Hamming and Jaccard are distances; IP and Cosine are similarities.
func (m Metric) Ascending() bool {
	switch m {
	case MetricIP, MetricCosine:
		return false
	default:
		return true
	}
}

// Binary reports whether the metric operates on packed binary vectors.
func (m Metric) Binary() bool {
	return m == MetricHamming || m == MetricJaccard
}

// Better reports whether distance a ranks strictly better than b under m.
func (m Metric) Better(a, b float32) bool {
	if m.Ascending() {
		return a < b
	}
	return a > b
}

// Dot calculates the dot product of two vectors.
// Assumes vectors are the same length (caller's responsibility).
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// SquaredL2 calculates the squared L2 (Euclidean) distance between two
// vectors. Assumes vectors are the same length.
func SquaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// Cosine calculates the cosine similarity between two vectors.
// Zero-norm inputs yield 0.
func Cosine(a, b []float32) float32 {
	var dot, na, nb float32
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / float32(math.Sqrt(float64(na))*math.Sqrt(float64(nb)))
}

// Hamming calculates the Hamming distance between two packed bit vectors.
// Assumes slices are the same length.
func Hamming(a, b []byte) float32 {
	var n int
	for i := range a {
		n += bits.OnesCount8(a[i] ^ b[i])
	}
	return float32(n)
}

// Jaccard calculates the Jaccard distance (1 - |A∩B| / |A∪B|) between two
// packed bit vectors. Two empty sets have distance 0.
func Jaccard(a, b []byte) float32 {
	var inter, union int
	for i := range a {
		inter += bits.OnesCount8(a[i] & b[i])
		union += bits.OnesCount8(a[i] | b[i])
	}
	if union == 0 {
		return 0
	}
	return 1 - float32(inter)/float32(union)
}

// Compute evaluates m for two float vectors. Binary metrics must use
// ComputeBinary instead.
func (m Metric) Compute(a, b []float32) float32 {
	switch m {
	case MetricL2:
		return SquaredL2(a, b)
	case MetricIP:
		return Dot(a, b)
	case MetricCosine:
		return Cosine(a, b)
	default:
		return float32(math.NaN())
	}
}

// ComputeBinary evaluates m for two packed binary vectors.
func (m Metric) ComputeBinary(a, b []byte) float32 {
	switch m {
	case MetricHamming:
		return Hamming(a, b)
	case MetricJaccard:
		return Jaccard(a, b)
	default:
		return float32(math.NaN())
	}
}

// NormalizeL2InPlace L2-normalizes v in place.
// Returns false if v has zero L2 norm.
func NormalizeL2InPlace(v []float32) bool {
	if len(v) == 0 {
		return false
	}
	norm2 := Dot(v, v)
	if norm2 == 0 {
		return false
	}
	inv := 1 / float32(math.Sqrt(float64(norm2)))
	for i := range v {
		v[i] *= inv
	}
	return true
}

// NormalizeL2Copy returns a normalized copy of src.
// Returns false if src has zero L2 norm.
func NormalizeL2Copy(src []float32) ([]float32, bool) {
	dst := slices.Clone(src)
	if !NormalizeL2InPlace(dst) {
		return nil, false
	}
	return dst, true
}
