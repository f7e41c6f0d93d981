// Package persistence stores sealed segment data in a blob store.
//
// Each segment occupies a key prefix "segments/<id>/" holding one
// zstd-compressed block per vector field, a msgpack payload with the
// primary keys, insert timestamps and scalar columns, and optionally a
// delta log with the segment's flushed deletes.
package persistence

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/hupe1980/strata/blobstore"
	"github.com/hupe1980/strata/deltalog"
	"github.com/hupe1980/strata/internal/segment"
	"github.com/hupe1980/strata/model"
	"github.com/hupe1980/strata/schema"
)

// ErrCorrupt is returned when stored segment data fails to decode.
var ErrCorrupt = errors.New("persistence: corrupt segment data")

var (
	zstdEnc, _ = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	zstdDec, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
)

func segmentPrefix(id model.SegmentID) string {
	return fmt.Sprintf("segments/%d/", id)
}

func vectorKey(id model.SegmentID, field string) string {
	return segmentPrefix(id) + "vec_" + field + ".zst"
}

func binaryKey(id model.SegmentID, field string) string {
	return segmentPrefix(id) + "bin_" + field + ".zst"
}

func scalarKey(id model.SegmentID) string {
	return segmentPrefix(id) + "scalars.mpk"
}

func deltaKey(id model.SegmentID) string {
	return segmentPrefix(id) + "delta.bin"
}

// scalarPayload is the msgpack wire form of everything except vectors.
// Columns are split by type so decoding never round-trips through
// interface values.
type scalarPayload struct {
	Rows     int                  `msgpack:"rows"`
	PKType   uint8                `msgpack:"pk_type"`
	IntPKs   []int64              `msgpack:"int_pks,omitempty"`
	StrPKs   []string             `msgpack:"str_pks,omitempty"`
	InsertTs []uint64             `msgpack:"insert_ts"`
	Bools    map[string][]bool    `msgpack:"bools,omitempty"`
	Ints     map[string][]int64   `msgpack:"ints,omitempty"`
	Floats   map[string][]float64 `msgpack:"floats,omitempty"`
	Strings  map[string][]string  `msgpack:"strings,omitempty"`
}

// SaveSegment writes the frozen segment under its key prefix.
func SaveSegment(ctx context.Context, store blobstore.Store, id model.SegmentID, sch *schema.Schema, fz *segment.Frozen) error {
	for name, vec := range fz.Vecs {
		if err := store.Put(ctx, vectorKey(id, name), compressFloats(vec)); err != nil {
			return fmt.Errorf("save vectors %q: %w", name, err)
		}
	}

	for name, bin := range fz.Bins {
		if err := store.Put(ctx, binaryKey(id, name), zstdEnc.EncodeAll(bin, nil)); err != nil {
			return fmt.Errorf("save binary vectors %q: %w", name, err)
		}
	}

	payload, err := encodeScalars(sch, fz)
	if err != nil {
		return err
	}

	if err := store.Put(ctx, scalarKey(id), payload); err != nil {
		return fmt.Errorf("save scalars: %w", err)
	}

	return nil
}

// LoadSegment reads a frozen segment back from its key prefix.
func LoadSegment(ctx context.Context, store blobstore.Store, id model.SegmentID, sch *schema.Schema) (*segment.Frozen, error) {
	raw, err := store.Get(ctx, scalarKey(id))
	if err != nil {
		return nil, fmt.Errorf("load scalars: %w", err)
	}

	fz, err := decodeScalars(sch, raw)
	if err != nil {
		return nil, err
	}

	for _, f := range sch.VectorFields() {
		switch f.Type {
		case schema.TypeFloatVector:
			data, err := store.Get(ctx, vectorKey(id, f.Name))
			if err != nil {
				return nil, fmt.Errorf("load vectors %q: %w", f.Name, err)
			}

			vec, err := decompressFloats(data)
			if err != nil {
				return nil, err
			}

			if len(vec) != fz.Rows*f.Dim {
				return nil, fmt.Errorf("%w: field %q has %d floats, want %d", ErrCorrupt, f.Name, len(vec), fz.Rows*f.Dim)
			}

			fz.Vecs[f.Name] = vec
		case schema.TypeBinaryVector:
			data, err := store.Get(ctx, binaryKey(id, f.Name))
			if err != nil {
				return nil, fmt.Errorf("load binary vectors %q: %w", f.Name, err)
			}

			bin, err := zstdDec.DecodeAll(data, nil)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
			}

			if len(bin) != fz.Rows*f.Dim/8 {
				return nil, fmt.Errorf("%w: field %q has %d bytes, want %d", ErrCorrupt, f.Name, len(bin), fz.Rows*f.Dim/8)
			}

			fz.Bins[f.Name] = bin
		}
	}

	return fz, nil
}

// SaveDelta writes the segment's flushed deletes as a delta log object.
func SaveDelta(ctx context.Context, store blobstore.Store, id model.SegmentID, entries []model.Tombstone) error {
	var buf bytes.Buffer
	if err := deltalog.Write(&buf, entries); err != nil {
		return err
	}

	return store.Put(ctx, deltaKey(id), buf.Bytes())
}

// LoadDelta reads the segment's delta log. A missing object yields an
// empty slice, not an error.
func LoadDelta(ctx context.Context, store blobstore.Store, id model.SegmentID) ([]model.Tombstone, error) {
	data, err := store.Get(ctx, deltaKey(id))
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return deltalog.Read(bytes.NewReader(data))
}

// DeleteSegment removes every object under the segment's prefix.
func DeleteSegment(ctx context.Context, store blobstore.Store, id model.SegmentID) error {
	names, err := store.List(ctx, segmentPrefix(id))
	if err != nil {
		return err
	}

	for _, name := range names {
		if err := store.Delete(ctx, name); err != nil {
			return err
		}
	}

	return nil
}

func compressFloats(vec []float32) []byte {
	raw := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}

	return zstdEnc.EncodeAll(raw, nil)
}

func decompressFloats(data []byte) ([]float32, error) {
	raw, err := zstdDec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("%w: float block length %d", ErrCorrupt, len(raw))
	}

	vec := make([]float32, len(raw)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}

	return vec, nil
}

func encodeScalars(sch *schema.Schema, fz *segment.Frozen) ([]byte, error) {
	p := scalarPayload{
		Rows:     fz.Rows,
		PKType:   uint8(sch.PKType()),
		InsertTs: make([]uint64, len(fz.InsertTs)),
	}

	for i, ts := range fz.InsertTs {
		p.InsertTs[i] = uint64(ts)
	}

	if sch.PKType() == model.PKVarChar {
		p.StrPKs = make([]string, len(fz.PKs))
		for i, pk := range fz.PKs {
			p.StrPKs[i] = pk.VarChar()
		}
	} else {
		p.IntPKs = make([]int64, len(fz.PKs))
		for i, pk := range fz.PKs {
			p.IntPKs[i] = pk.Int64()
		}
	}

	for name, col := range fz.Cols {
		f, ok := sch.Field(name)
		if !ok {
			return nil, fmt.Errorf("%w: unknown column %q", ErrCorrupt, name)
		}

		switch f.Type {
		case schema.TypeBool:
			out := make([]bool, len(col))
			for i, v := range col {
				out[i], _ = v.(bool)
			}
			if p.Bools == nil {
				p.Bools = make(map[string][]bool)
			}
			p.Bools[name] = out
		case schema.TypeInt8, schema.TypeInt16, schema.TypeInt32, schema.TypeInt64:
			out := make([]int64, len(col))
			for i, v := range col {
				out[i], _ = v.(int64)
			}
			if p.Ints == nil {
				p.Ints = make(map[string][]int64)
			}
			p.Ints[name] = out
		case schema.TypeFloat, schema.TypeDouble:
			out := make([]float64, len(col))
			for i, v := range col {
				out[i], _ = v.(float64)
			}
			if p.Floats == nil {
				p.Floats = make(map[string][]float64)
			}
			p.Floats[name] = out
		case schema.TypeVarChar, schema.TypeJSON:
			out := make([]string, len(col))
			for i, v := range col {
				out[i], _ = v.(string)
			}
			if p.Strings == nil {
				p.Strings = make(map[string][]string)
			}
			p.Strings[name] = out
		default:
			return nil, fmt.Errorf("%w: column %q has unsupported type %s", ErrCorrupt, name, f.Type)
		}
	}

	return msgpack.Marshal(&p)
}

func decodeScalars(sch *schema.Schema, raw []byte) (*segment.Frozen, error) {
	var p scalarPayload
	if err := msgpack.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	fz := &segment.Frozen{
		Rows:     p.Rows,
		PKs:      make([]model.PrimaryKey, p.Rows),
		InsertTs: make([]model.Timestamp, len(p.InsertTs)),
		Vecs:     make(map[string][]float32),
		Bins:     make(map[string][]byte),
		Cols:     make(map[string][]any),
	}

	for i, ts := range p.InsertTs {
		fz.InsertTs[i] = model.Timestamp(ts)
	}

	if model.PKType(p.PKType) == model.PKVarChar {
		if len(p.StrPKs) != p.Rows {
			return nil, fmt.Errorf("%w: %d string keys for %d rows", ErrCorrupt, len(p.StrPKs), p.Rows)
		}
		for i, v := range p.StrPKs {
			fz.PKs[i] = model.VarCharKey(v)
		}
	} else {
		if len(p.IntPKs) != p.Rows {
			return nil, fmt.Errorf("%w: %d int keys for %d rows", ErrCorrupt, len(p.IntPKs), p.Rows)
		}
		for i, v := range p.IntPKs {
			fz.PKs[i] = model.IntKey(v)
		}
	}

	for name, col := range p.Bools {
		out := make([]any, len(col))
		for i, v := range col {
			out[i] = v
		}
		fz.Cols[name] = out
	}

	for name, col := range p.Ints {
		out := make([]any, len(col))
		for i, v := range col {
			out[i] = v
		}
		fz.Cols[name] = out
	}

	for name, col := range p.Floats {
		out := make([]any, len(col))
		for i, v := range col {
			out[i] = v
		}
		fz.Cols[name] = out
	}

	for name, col := range p.Strings {
		out := make([]any, len(col))
		for i, v := range col {
			out[i] = v
		}
		fz.Cols[name] = out
	}

	for name, col := range fz.Cols {
		if _, ok := sch.Field(name); !ok {
			return nil, fmt.Errorf("%w: column %q not in schema", ErrCorrupt, name)
		}
		if len(col) != p.Rows {
			return nil, fmt.Errorf("%w: column %q has %d values for %d rows", ErrCorrupt, name, len(col), p.Rows)
		}
	}

	return fz, nil
}
