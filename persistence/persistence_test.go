package persistence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/strata/blobstore"
	"github.com/hupe1980/strata/internal/segment"
	"github.com/hupe1980/strata/model"
	"github.com/hupe1980/strata/schema"
)

func testSchema(t *testing.T) *schema.Schema {
	t.Helper()

	sch, err := schema.New(
		schema.Field{Name: "id", Type: schema.TypeInt64, PrimaryKey: true},
		schema.Field{Name: "category", Type: schema.TypeVarChar},
		schema.Field{Name: "score", Type: schema.TypeInt64},
		schema.Field{Name: "vec", Type: schema.TypeFloatVector, Dim: 4},
	)
	require.NoError(t, err)

	return sch
}

func testFrozen() *segment.Frozen {
	return &segment.Frozen{
		Rows:     3,
		PKs:      []model.PrimaryKey{model.IntKey(1), model.IntKey(2), model.IntKey(3)},
		InsertTs: []model.Timestamp{10, 20, 30},
		Vecs: map[string][]float32{
			"vec": {1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0},
		},
		Bins: map[string][]byte{},
		Cols: map[string][]any{
			"category": {"a", "b", "a"},
			"score":    {int64(7), int64(8), int64(9)},
		},
	}
}

func TestSegmentRoundtrip(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemory()
	sch := testSchema(t)
	fz := testFrozen()

	require.NoError(t, SaveSegment(ctx, store, 1, sch, fz))

	got, err := LoadSegment(ctx, store, 1, sch)
	require.NoError(t, err)

	assert.Equal(t, fz.Rows, got.Rows)
	assert.Equal(t, fz.PKs, got.PKs)
	assert.Equal(t, fz.InsertTs, got.InsertTs)
	assert.Equal(t, fz.Vecs, got.Vecs)
	assert.Equal(t, fz.Cols, got.Cols)
}

func TestVarCharKeys(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemory()

	sch, err := schema.New(
		schema.Field{Name: "id", Type: schema.TypeVarChar, PrimaryKey: true},
		schema.Field{Name: "vec", Type: schema.TypeFloatVector, Dim: 2},
	)
	require.NoError(t, err)

	fz := &segment.Frozen{
		Rows:     2,
		PKs:      []model.PrimaryKey{model.VarCharKey("x"), model.VarCharKey("y")},
		InsertTs: []model.Timestamp{1, 2},
		Vecs:     map[string][]float32{"vec": {1, 0, 0, 1}},
		Bins:     map[string][]byte{},
		Cols:     map[string][]any{},
	}

	require.NoError(t, SaveSegment(ctx, store, 7, sch, fz))

	got, err := LoadSegment(ctx, store, 7, sch)
	require.NoError(t, err)
	assert.Equal(t, fz.PKs, got.PKs)
}

func TestBinaryVectors(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemory()

	sch, err := schema.New(
		schema.Field{Name: "id", Type: schema.TypeInt64, PrimaryKey: true},
		schema.Field{Name: "bv", Type: schema.TypeBinaryVector, Dim: 16},
	)
	require.NoError(t, err)

	fz := &segment.Frozen{
		Rows:     2,
		PKs:      []model.PrimaryKey{model.IntKey(1), model.IntKey(2)},
		InsertTs: []model.Timestamp{1, 2},
		Vecs:     map[string][]float32{},
		Bins:     map[string][]byte{"bv": {0xAA, 0x55, 0xFF, 0x00}},
		Cols:     map[string][]any{},
	}

	require.NoError(t, SaveSegment(ctx, store, 2, sch, fz))

	got, err := LoadSegment(ctx, store, 2, sch)
	require.NoError(t, err)
	assert.Equal(t, fz.Bins, got.Bins)
}

func TestDeltaRoundtrip(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemory()

	entries := []model.Tombstone{
		{PK: model.IntKey(1), Ts: 100},
		{PK: model.IntKey(2), Ts: 200},
	}

	require.NoError(t, SaveDelta(ctx, store, 3, entries))

	got, err := LoadDelta(ctx, store, 3)
	require.NoError(t, err)
	assert.Equal(t, entries, got)
}

func TestLoadDeltaMissing(t *testing.T) {
	got, err := LoadDelta(context.Background(), blobstore.NewMemory(), 99)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDeleteSegment(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemory()
	sch := testSchema(t)

	require.NoError(t, SaveSegment(ctx, store, 5, sch, testFrozen()))
	require.NoError(t, SaveDelta(ctx, store, 5, []model.Tombstone{{PK: model.IntKey(1), Ts: 1}}))

	require.NoError(t, DeleteSegment(ctx, store, 5))

	names, err := store.List(ctx, segmentPrefix(5))
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestLoadCorruptScalars(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemory()
	sch := testSchema(t)

	require.NoError(t, store.Put(ctx, scalarKey(8), []byte("not msgpack at all")))

	_, err := LoadSegment(ctx, store, 8, sch)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestManifestStore(t *testing.T) {
	ctx := context.Background()
	store := NewManifestStore(blobstore.NewMemory())

	m, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Zero(t, m.ID)
	assert.Empty(t, m.Segments)

	m.NextSegmentID = 4
	m.Segments = append(m.Segments, SegmentInfo{ID: 3, Partition: "_default", Rows: 100, MinTs: 1, MaxTs: 9})
	require.NoError(t, store.Save(ctx, m))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.ID)
	assert.Equal(t, model.SegmentID(4), got.NextSegmentID)
	assert.Len(t, got.Segments, 1)

	// A second save must produce a new manifest object.
	require.NoError(t, store.Save(ctx, got))
	again, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), again.ID)
}
