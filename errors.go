package strata

import (
	"errors"
	"fmt"

	"github.com/hupe1980/strata/internal/consistency"
	"github.com/hupe1980/strata/internal/segment"
)

var (
	// ErrCollectionNotLoaded is returned when a search or query reaches a
	// collection that has been released or never loaded.
	ErrCollectionNotLoaded = errors.New("collection not loaded")

	// ErrPartitionNotFound is returned when a request names a partition
	// that does not exist in the collection.
	ErrPartitionNotFound = errors.New("partition not found")

	// ErrPartitionExists is returned by CreatePartition for duplicate names.
	ErrPartitionExists = errors.New("partition already exists")

	// ErrAmbiguousAnnsField is returned when the schema has more than one
	// vector field and the request does not name one.
	ErrAmbiguousAnnsField = errors.New("ambiguous anns field, schema has multiple vector fields")

	// ErrInvalidTopK mirrors the segment-level limit validation.
	ErrInvalidTopK = segment.ErrInvalidTopK

	// ErrInvalidOffset is returned for negative offsets or when
	// offset+limit exceeds the topk ceiling.
	ErrInvalidOffset = errors.New("invalid offset")

	// ErrInvalidRoundDecimal is returned when round_decimal is outside [-1, 6].
	ErrInvalidRoundDecimal = errors.New("round_decimal should be in range [-1, 6]")

	// ErrInvalidGroupByField is returned when the group-by field is missing
	// from the schema or has a non-groupable type.
	ErrInvalidGroupByField = errors.New("invalid group-by field")

	// ErrUnknownField is returned when an output or filter field is not in
	// the schema.
	ErrUnknownField = segment.ErrUnknownField

	// ErrUnknownIndex is returned when the request names an index the anns
	// field does not carry.
	ErrUnknownIndex = segment.ErrUnknownIndex

	// ErrAmbiguousIndex is returned when the anns field carries several
	// named indexes and the request does not pick one.
	ErrAmbiguousIndex = segment.ErrAmbiguousIndex

	// ErrInvalidRange is returned when radius and range_filter disagree with
	// the metric direction.
	ErrInvalidRange = segment.ErrInvalidRange

	// ErrDimMismatch is returned when a query vector's dimension does not
	// match the anns field.
	ErrDimMismatch = segment.ErrDimMismatch

	// ErrMetricMismatch is returned when the requested metric differs from
	// the one the segment index was built with.
	ErrMetricMismatch = segment.ErrMetricMismatch

	// ErrUnserviceable is returned when the guarantee timestamp does not
	// become serviceable before the context deadline.
	ErrUnserviceable = consistency.ErrUnserviceable

	// ErrClosed is returned by operations on a closed collection.
	ErrClosed = errors.New("collection is closed")
)

// CollectionError wraps a failure with the collection it occurred in.
type CollectionError struct {
	Collection string
	Op         string
	cause      error
}

func (e *CollectionError) Error() string {
	return fmt.Sprintf("collection %q: %s: %v", e.Collection, e.Op, e.cause)
}

func (e *CollectionError) Unwrap() error { return e.cause }

// PartitionError carries the offending partition name alongside the cause.
type PartitionError struct {
	Partition string
	cause     error
}

func (e *PartitionError) Error() string {
	return fmt.Sprintf("partition %q: %v", e.Partition, e.cause)
}

func (e *PartitionError) Unwrap() error { return e.cause }

// opError wraps err with the collection name and operation, unless err is
// nil or already carries collection context.
func opError(collection, op string, err error) error {
	if err == nil {
		return nil
	}

	var ce *CollectionError
	if errors.As(err, &ce) {
		return err
	}

	return &CollectionError{Collection: collection, Op: op, cause: err}
}
