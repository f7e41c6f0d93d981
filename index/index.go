// Package index defines the nearest-neighbor provider capability and the
// registry of index types. A provider is a black box that, given a query
// vector, returns (rowID, distance) pairs ordered by the metric's natural
// direction. New index types add a registry variant; the search path
// stays unchanged.
package index

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/strata/distance"
)

// Type identifies an index algorithm.
type Type string

const (
	TypeFlat    Type = "FLAT"
	TypeBinFlat Type = "BIN_FLAT"
	TypeHNSW    Type = "HNSW"
	TypeIVFFlat Type = "IVF_FLAT"
)

// Params carries the index-specific build or search parameter sub-schema.
// Each provider validates its own keys.
type Params map[string]any

// Int fetches an integer parameter, accepting int, int64 and float64
// representations (JSON round-trips produce float64).
func (p Params) Int(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok {
		return def, nil
	}
	switch x := v.(type) {
	case int:
		return x, nil
	case int64:
		return int(x), nil
	case float64:
		if x != float64(int(x)) {
			return 0, fmt.Errorf("%w: param %q must be an integer, got %v", ErrInvalidParams, key, v)
		}
		return int(x), nil
	default:
		return 0, fmt.Errorf("%w: param %q must be an integer, got %T", ErrInvalidParams, key, v)
	}
}

// Descriptor records a built index: its name, target field, algorithm,
// metric and build parameters.
type Descriptor struct {
	Name   string
	Field  string
	Type   Type
	Metric distance.Metric
	Params Params
}

// Entry is a single provider result. Row is segment-local.
type Entry struct {
	Row      uint32
	Distance float32
}

// Allow gates candidate rows. A nil Allow admits every row. Providers
// must not return rows rejected by the gate.
type Allow func(row uint32) bool

// Query is the typed query vector. Exactly one member is set, matching
// the provider's vector kind.
type Query struct {
	Float  []float32
	Binary []byte
}

// Provider is the uniform nearest-neighbor capability. Search returns at
// most k entries ordered best-first; it never returns an error for an
// empty result.
type Provider interface {
	Type() Type
	Metric() distance.Metric
	Rows() int

	// Search runs a top-k query. sp carries search-time parameters
	// (e.g. ef, nprobe) validated by the provider.
	Search(ctx context.Context, q Query, k int, sp Params, allow Allow) ([]Entry, error)
}

// Dataset is the columnar input handed to a builder. Exactly one of
// Float/Binary is populated.
type Dataset struct {
	// Dim is the declared dimension (bits for binary vectors).
	Dim    int
	Float  [][]float32
	Binary [][]byte
}

// Rows returns the number of vectors in the dataset.
func (d Dataset) Rows() int {
	if d.Float != nil {
		return len(d.Float)
	}
	return len(d.Binary)
}

// BuildFunc constructs a provider from a dataset.
type BuildFunc func(ctx context.Context, desc Descriptor, data Dataset) (Provider, error)

var (
	ErrInvalidParams  = errors.New("index: invalid params")
	ErrUnknownType    = errors.New("index: unknown index type")
	ErrMetricMismatch = errors.New("index: metric type mismatch")
)

var (
	registryMu sync.RWMutex
	registry   = make(map[Type]BuildFunc)
)

// Register installs a builder for an index type. Called from provider
// package init functions.
func Register(t Type, build BuildFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[t] = build
}

// Build constructs the provider described by desc over data.
func Build(ctx context.Context, desc Descriptor, data Dataset) (Provider, error) {
	registryMu.RLock()
	build, ok := registry[desc.Type]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, desc.Type)
	}
	return build(ctx, desc, data)
}

// Registered reports whether an index type has a builder installed.
func Registered(t Type) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[t]
	return ok
}

// SortEntries orders entries best-first for the metric with stable
// row-ascending tie-break.
func SortEntries(entries []Entry, m distance.Metric) {
	asc := m.Ascending()
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Distance != entries[j].Distance {
			if asc {
				return entries[i].Distance < entries[j].Distance
			}
			return entries[i].Distance > entries[j].Distance
		}
		return entries[i].Row < entries[j].Row
	})
}
