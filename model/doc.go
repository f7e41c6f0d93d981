// Package model defines core types shared across strata.
//
// # Identity Types
//
//   - PrimaryKey: User-facing key, int64 or string per collection schema
//   - SegmentID: Unique identifier for a segment (uint64)
//   - RowID: Segment-local record identifier (uint32)
//   - Timestamp: Hybrid logical timestamp issued by the tso package
//
// # Data Types
//
//   - Row: A single entity as ingested by the write path
//   - Candidate: Internal search result (location + distance)
//   - Hit: Materialized search result returned to callers
package model
