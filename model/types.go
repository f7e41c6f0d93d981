package model

import (
	"fmt"
	"strconv"
)

// SegmentID is the unique identifier for a segment within a collection.
type SegmentID uint64

// RowID is a dense, segment-local identifier for a record.
// It is transient and only meaningful together with a SegmentID.
type RowID uint32

// Timestamp is a hybrid logical timestamp (physical ms << 18 | logical).
// Timestamp 0 means "unconstrained" (any snapshot is acceptable).
type Timestamp uint64

// PKType discriminates the primary key representation of a collection.
type PKType uint8

const (
	PKInt64 PKType = iota
	PKVarChar
)

func (t PKType) String() string {
	switch t {
	case PKInt64:
		return "Int64"
	case PKVarChar:
		return "VarChar"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// PrimaryKey is the user-facing stable identifier of an entity.
// It is a small value type usable as a map key. Uniqueness is by
// convention only; the engine accepts duplicate keys on insert and
// collapses them at query time.
type PrimaryKey struct {
	typ PKType
	i   int64
	s   string
}

// IntKey creates an int64 primary key.
func IntKey(v int64) PrimaryKey {
	return PrimaryKey{typ: PKInt64, i: v}
}

// VarCharKey creates a string primary key.
func VarCharKey(v string) PrimaryKey {
	return PrimaryKey{typ: PKVarChar, s: v}
}

// Type returns the key representation.
func (pk PrimaryKey) Type() PKType { return pk.typ }

// Int64 returns the int64 value. Only valid for PKInt64 keys.
func (pk PrimaryKey) Int64() int64 { return pk.i }

// VarChar returns the string value. Only valid for PKVarChar keys.
func (pk PrimaryKey) VarChar() string { return pk.s }

func (pk PrimaryKey) String() string {
	if pk.typ == PKVarChar {
		return pk.s
	}
	return strconv.FormatInt(pk.i, 10)
}

// Location identifies a specific row occurrence in the engine.
type Location struct {
	SegmentID SegmentID
	RowID     RowID
}

func (l Location) String() string {
	return fmt.Sprintf("Loc(%d:%d)", l.SegmentID, l.RowID)
}

// Row is a single entity as handed to the write path. Exactly one of the
// vector maps carries an entry per vector field, keyed by field name.
type Row struct {
	PK      PrimaryKey
	Fields  map[string]any
	Vectors map[string][]float32
	BinVecs map[string][]byte
}

// Candidate is a per-segment search result before merging.
type Candidate struct {
	PK       PrimaryKey
	Loc      Location
	Distance float32
}

// Hit is a fully materialized search result.
type Hit struct {
	PK       PrimaryKey
	Distance float32
	// Fields holds the requested output fields, including vector
	// fields when asked for.
	Fields map[string]any
}

// ResultSet is the ordered answer for a single query vector.
type ResultSet struct {
	Hits []Hit
}

// IDs returns the primary keys of the hits in rank order.
func (rs ResultSet) IDs() []PrimaryKey {
	out := make([]PrimaryKey, len(rs.Hits))
	for i, h := range rs.Hits {
		out[i] = h.PK
	}
	return out
}

// Tombstone records the deletion of a primary key at a timestamp.
type Tombstone struct {
	PK PrimaryKey
	Ts Timestamp
}
