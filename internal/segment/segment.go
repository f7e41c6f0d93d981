// Package segment holds the two segment kinds and their search
// executors. Growing segments are mutable in-memory row stores searched
// by brute force; sealed segments are immutable and delegate candidate
// generation to a built index. Both apply the same visibility rules:
// rows inserted after the serving timestamp are invisible, and rows
// covered by a tombstone are excluded per occurrence.
package segment

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/hupe1980/strata/distance"
	"github.com/hupe1980/strata/index"
	"github.com/hupe1980/strata/internal/tombstone"
	"github.com/hupe1980/strata/model"
	"github.com/hupe1980/strata/scalar"
	"github.com/hupe1980/strata/schema"
)

// MaxTopK bounds k for a single search call.
const MaxTopK = 16384

var (
	ErrInvalidTopK    = errors.New("segment: invalid topk")
	ErrDimMismatch    = errors.New("segment: query dimension mismatch")
	ErrUnknownField   = errors.New("segment: unknown field")
	ErrInvalidRange   = errors.New("segment: invalid range bounds")
	ErrSealed         = errors.New("segment: segment is sealed")
	ErrUnknownIndex   = errors.New("segment: unknown index")
	ErrAmbiguousIndex = errors.New("segment: ambiguous index, field has multiple indexes")
	ErrMetricMismatch = index.ErrMetricMismatch
)

// Type discriminates the two segment kinds.
type Type uint8

const (
	TypeGrowing Type = iota
	TypeSealed
)

func (t Type) String() string {
	if t == TypeSealed {
		return "Sealed"
	}
	return "Growing"
}

// RangeSpec switches a search into range mode. Radius is the outer
// (exclusive) bound in the metric's natural direction; RangeFilter, when
// set, is the inner (inclusive) bound.
type RangeSpec struct {
	Radius      float32
	RangeFilter float32
	HasFilter   bool
}

// Validate checks that the bounds agree with the metric direction:
// distance metrics need RangeFilter < Radius, similarity metrics need
// RangeFilter > Radius.
func (r *RangeSpec) Validate(m distance.Metric) error {
	if !r.HasFilter {
		return nil
	}
	if m.Ascending() {
		if r.RangeFilter >= r.Radius {
			return fmt.Errorf("%w: range_filter %v must be less than radius %v for metric %s",
				ErrInvalidRange, r.RangeFilter, r.Radius, m)
		}
		return nil
	}
	if r.RangeFilter <= r.Radius {
		return fmt.Errorf("%w: range_filter %v must be greater than radius %v for metric %s",
			ErrInvalidRange, r.RangeFilter, r.Radius, m)
	}
	return nil
}

// Contains reports whether distance d falls inside the range for the
// given metric: [range_filter, radius) ascending, (radius, range_filter]
// descending.
func (r *RangeSpec) Contains(d float32, m distance.Metric) bool {
	if m.Ascending() {
		if d >= r.Radius {
			return false
		}
		return !r.HasFilter || d >= r.RangeFilter
	}
	if d <= r.Radius {
		return false
	}
	return !r.HasFilter || d <= r.RangeFilter
}

// SearchInput carries one query vector's parameters into a segment.
type SearchInput struct {
	Field     string
	IndexName string
	Query     index.Query
	Metric    distance.Metric
	K         int
	Params    index.Params
	Filter    *scalar.FilterSet
	Range     *RangeSpec
	ServingTs model.Timestamp
}

func (in *SearchInput) validate() error {
	if in.K <= 0 || in.K > MaxTopK {
		return fmt.Errorf("%w: topk [%d] is invalid, top k should be in range [1, %d]",
			ErrInvalidTopK, in.K, MaxTopK)
	}
	if in.Range != nil {
		if err := in.Range.Validate(in.Metric); err != nil {
			return err
		}
	}
	return nil
}

// effectiveTs maps the unconstrained serving timestamp 0 to "see
// everything", so visibility and tombstones apply uniformly.
func effectiveTs(ts model.Timestamp) model.Timestamp {
	if ts == 0 {
		return model.Timestamp(math.MaxUint64)
	}
	return ts
}

// Segment is the read-side contract shared by both kinds. The search
// path never mutates a segment.
type Segment interface {
	ID() model.SegmentID
	Kind() Type
	Schema() *schema.Schema
	RowCount() int
	MinTs() model.Timestamp
	MaxTs() model.Timestamp
	Tombstones() *tombstone.Set

	// Search runs one query vector and returns locally ranked
	// candidates with visibility, tombstones and the scalar filter
	// applied.
	Search(ctx context.Context, in SearchInput) ([]model.Candidate, error)

	// Scan visits every visible, non-deleted row matching the filter
	// at servingTs, in row order. Returning false stops the scan.
	Scan(servingTs model.Timestamp, filter *scalar.FilterSet, visit func(row model.RowID) bool)

	// PK returns the primary key stored at row.
	PK(row model.RowID) model.PrimaryKey

	// Fields materializes the named scalar and vector fields of row.
	Fields(row model.RowID, names []string) map[string]any
}
