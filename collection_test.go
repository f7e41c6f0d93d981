package strata_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/strata"
	"github.com/hupe1980/strata/blobstore"
	"github.com/hupe1980/strata/model"
	"github.com/hupe1980/strata/scalar"
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

func newTestCollection(t *testing.T, opts ...strata.Option) *strata.Collection {
	t.Helper()

	col, err := strata.NewCollection(testSchema(t), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = col.Close() })

	require.NoError(t, col.Load(context.Background()))

	return col
}

func row(id int64, category string, score int64, vec []float32) model.Row {
	return model.Row{
		PK:      model.IntKey(id),
		Fields:  map[string]any{"category": category, "score": score},
		Vectors: map[string][]float32{"vec": vec},
	}
}

// rows with vec = [id, 0, 0, 0]; a zero query ranks them by id under L2.
func axisRows(ids ...int64) []model.Row {
	out := make([]model.Row, len(ids))
	for i, id := range ids {
		cat := "even"
		if id%2 != 0 {
			cat = "odd"
		}
		out[i] = row(id, cat, id*10, []float32{float32(id), 0, 0, 0})
	}
	return out
}

func searchIDs(t *testing.T, rs []model.ResultSet) []int64 {
	t.Helper()

	require.Len(t, rs, 1)
	out := make([]int64, 0, len(rs[0].Hits))
	for _, h := range rs[0].Hits {
		out = append(out, h.PK.Int64())
	}
	return out
}

func TestInsertAndStrongSearch(t *testing.T) {
	ctx := context.Background()
	col := newTestCollection(t)

	_, err := col.Insert(ctx, "", axisRows(1, 2, 3, 4, 5))
	require.NoError(t, err)

	rs, err := col.Search([][]float32{{0, 0, 0, 0}}).
		Limit(3).
		ConsistencyLevel(strata.Strong).
		Execute(ctx)
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2, 3}, searchIDs(t, rs))
}

func TestSearchUnloadedCollection(t *testing.T) {
	ctx := context.Background()

	col, err := strata.NewCollection(testSchema(t))
	require.NoError(t, err)
	defer col.Close()

	_, err = col.Search([][]float32{{0, 0, 0, 0}}).
		ConsistencyLevel(strata.Strong).
		Execute(ctx)
	assert.ErrorIs(t, err, strata.ErrCollectionNotLoaded)
}

func TestDeleteHidesRows(t *testing.T) {
	ctx := context.Background()
	col := newTestCollection(t)

	_, err := col.Insert(ctx, "", axisRows(1, 2, 3))
	require.NoError(t, err)

	res, err := col.Delete(ctx, []model.PrimaryKey{model.IntKey(2)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.DeleteCount)

	rs, err := col.Search([][]float32{{0, 0, 0, 0}}).
		Limit(10).
		ConsistencyLevel(strata.Strong).
		Execute(ctx)
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 3}, searchIDs(t, rs))
}

func TestDeleteCountIncludesDuplicatesAndMisses(t *testing.T) {
	ctx := context.Background()
	col := newTestCollection(t)

	res, err := col.Delete(ctx, []model.PrimaryKey{
		model.IntKey(1), model.IntKey(1), model.IntKey(999),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.DeleteCount)
}

func TestReinsertAfterDelete(t *testing.T) {
	ctx := context.Background()
	col := newTestCollection(t)

	_, err := col.Insert(ctx, "", axisRows(7))
	require.NoError(t, err)

	_, err = col.Delete(ctx, []model.PrimaryKey{model.IntKey(7)})
	require.NoError(t, err)

	_, err = col.Insert(ctx, "", axisRows(7))
	require.NoError(t, err)

	rs, err := col.Search([][]float32{{7, 0, 0, 0}}).
		Limit(10).
		ConsistencyLevel(strata.Strong).
		Execute(ctx)
	require.NoError(t, err)

	assert.Equal(t, []int64{7}, searchIDs(t, rs))
}

func TestDeleteSurvivesFlush(t *testing.T) {
	ctx := context.Background()
	col := newTestCollection(t)

	_, err := col.Insert(ctx, "", axisRows(1, 2, 3, 4))
	require.NoError(t, err)

	_, err = col.Delete(ctx, []model.PrimaryKey{model.IntKey(2)})
	require.NoError(t, err)

	require.NoError(t, col.Flush(ctx))

	// Another delete after the flush must also apply, now through the
	// shared buffer on top of the sealed segment's delta log.
	_, err = col.Delete(ctx, []model.PrimaryKey{model.IntKey(4)})
	require.NoError(t, err)

	rs, err := col.Search([][]float32{{0, 0, 0, 0}}).
		Limit(10).
		ConsistencyLevel(strata.Strong).
		Execute(ctx)
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 3}, searchIDs(t, rs))
}

func TestMergeDedupsAcrossSegments(t *testing.T) {
	ctx := context.Background()
	col := newTestCollection(t)

	// pk 1 lands in a sealed segment at distance 1 from the query...
	_, err := col.Insert(ctx, "", []model.Row{row(1, "a", 1, []float32{1, 0, 0, 0})})
	require.NoError(t, err)
	require.NoError(t, col.Flush(ctx))

	// ...and again in the growing segment, farther away.
	_, err = col.Insert(ctx, "", []model.Row{row(1, "a", 1, []float32{5, 0, 0, 0})})
	require.NoError(t, err)

	rs, err := col.Search([][]float32{{0, 0, 0, 0}}).
		Limit(10).
		ConsistencyLevel(strata.Strong).
		Execute(ctx)
	require.NoError(t, err)

	require.Len(t, rs[0].Hits, 1)
	assert.Equal(t, int64(1), rs[0].Hits[0].PK.Int64())
	assert.InDelta(t, 1.0, rs[0].Hits[0].Distance, 1e-5)
}

func TestFlushedSearchMatchesGrowing(t *testing.T) {
	ctx := context.Background()
	col := newTestCollection(t)

	ids := make([]int64, 0, 100)
	for i := int64(1); i <= 100; i++ {
		ids = append(ids, i)
	}
	_, err := col.Insert(ctx, "", axisRows(ids...))
	require.NoError(t, err)

	query := [][]float32{{42, 0, 0, 0}}

	before, err := col.Search(query).Limit(5).ConsistencyLevel(strata.Strong).Execute(ctx)
	require.NoError(t, err)

	require.NoError(t, col.Flush(ctx))

	after, err := col.Search(query).Limit(5).ConsistencyLevel(strata.Strong).Execute(ctx)
	require.NoError(t, err)

	assert.Equal(t, searchIDs(t, before), searchIDs(t, after))
}

func TestThousandRowsWithDeletes(t *testing.T) {
	ctx := context.Background()
	col := newTestCollection(t)

	ids := make([]int64, 0, 1000)
	for i := int64(0); i < 1000; i++ {
		ids = append(ids, i)
	}
	_, err := col.Insert(ctx, "", axisRows(ids...))
	require.NoError(t, err)

	require.NoError(t, col.Flush(ctx))

	var evens []model.PrimaryKey
	for i := int64(0); i < 1000; i += 2 {
		evens = append(evens, model.IntKey(i))
	}
	_, err = col.Delete(ctx, evens)
	require.NoError(t, err)

	rs, err := col.Search([][]float32{{0, 0, 0, 0}}).
		Limit(5).
		ConsistencyLevel(strata.Strong).
		Execute(ctx)
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 3, 5, 7, 9}, searchIDs(t, rs))
}

func TestPartitions(t *testing.T) {
	ctx := context.Background()
	col := newTestCollection(t)

	require.NoError(t, col.CreatePartition("hot"))
	assert.ErrorIs(t, col.CreatePartition("hot"), strata.ErrPartitionExists)

	_, err := col.Insert(ctx, "hot", axisRows(1))
	require.NoError(t, err)

	_, err = col.Insert(ctx, "", axisRows(2))
	require.NoError(t, err)

	rs, err := col.Search([][]float32{{0, 0, 0, 0}}).
		Limit(10).
		Partitions("hot").
		ConsistencyLevel(strata.Strong).
		Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, searchIDs(t, rs))

	_, err = col.Search([][]float32{{0, 0, 0, 0}}).
		Partitions("missing").
		ConsistencyLevel(strata.Strong).
		Execute(ctx)
	assert.ErrorIs(t, err, strata.ErrPartitionNotFound)

	_, err = col.Insert(ctx, "missing", axisRows(3))
	assert.ErrorIs(t, err, strata.ErrPartitionNotFound)

	assert.Equal(t, []string{"_default", "hot"}, col.Partitions())
}

func TestDropPartition(t *testing.T) {
	ctx := context.Background()
	col := newTestCollection(t)

	require.NoError(t, col.CreatePartition("tmp"))
	_, err := col.Insert(ctx, "tmp", axisRows(1))
	require.NoError(t, err)
	require.NoError(t, col.Flush(ctx))

	require.NoError(t, col.DropPartition(ctx, "tmp"))
	assert.False(t, col.HasPartition("tmp"))

	err = col.DropPartition(ctx, strata.DefaultPartition)
	assert.Error(t, err)
}

func TestQueryByFilter(t *testing.T) {
	ctx := context.Background()
	col := newTestCollection(t)

	_, err := col.Insert(ctx, "", axisRows(1, 2, 3, 4, 5, 6))
	require.NoError(t, err)

	hits, err := col.Query(ctx, strata.QueryRequest{
		Filter:           scalar.NewFilterSet(scalar.Eq("category", "odd")),
		OutputFields:     []string{"score"},
		ConsistencyLevel: strata.Strong,
	})
	require.NoError(t, err)

	require.Len(t, hits, 3)
	for _, h := range hits {
		assert.Equal(t, h.PK.Int64()*10, h.Fields["score"])
	}
}

func TestQueryPagination(t *testing.T) {
	ctx := context.Background()
	col := newTestCollection(t)

	_, err := col.Insert(ctx, "", axisRows(1, 2, 3, 4, 5))
	require.NoError(t, err)

	hits, err := col.Query(ctx, strata.QueryRequest{
		Limit:            2,
		Offset:           1,
		OutputFields:     []string{"id"},
		ConsistencyLevel: strata.Strong,
	})
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	_, err = col.Query(ctx, strata.QueryRequest{Offset: -1})
	assert.ErrorIs(t, err, strata.ErrInvalidOffset)

	_, err = col.Query(ctx, strata.QueryRequest{
		Filter: scalar.NewFilterSet(scalar.Eq("nope", 1)),
	})
	assert.ErrorIs(t, err, strata.ErrUnknownField)
}

func TestReloadFromStore(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemory()

	col1, err := strata.NewCollection(testSchema(t), strata.WithBlobStore(store))
	require.NoError(t, err)
	require.NoError(t, col1.Load(ctx))

	_, err = col1.Insert(ctx, "", axisRows(1, 2, 3, 4))
	require.NoError(t, err)
	require.NoError(t, col1.Flush(ctx))

	_, err = col1.Delete(ctx, []model.PrimaryKey{model.IntKey(2)})
	require.NoError(t, err)
	require.NoError(t, col1.Flush(ctx))
	require.NoError(t, col1.Close())

	col2, err := strata.NewCollection(testSchema(t), strata.WithBlobStore(store))
	require.NoError(t, err)
	defer col2.Close()
	require.NoError(t, col2.Load(ctx))

	rs, err := col2.Search([][]float32{{0, 0, 0, 0}}).
		Limit(10).
		ConsistencyLevel(strata.Strong).
		Execute(ctx)
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 3, 4}, searchIDs(t, rs))
}

func TestReleaseAndLoadAgain(t *testing.T) {
	ctx := context.Background()
	col := newTestCollection(t)

	_, err := col.Insert(ctx, "", axisRows(1, 2))
	require.NoError(t, err)
	require.NoError(t, col.Flush(ctx))

	col.Release()
	assert.False(t, col.Loaded())

	_, err = col.Search([][]float32{{0, 0, 0, 0}}).
		ConsistencyLevel(strata.Strong).
		Execute(ctx)
	assert.ErrorIs(t, err, strata.ErrCollectionNotLoaded)

	require.NoError(t, col.Load(ctx))

	rs, err := col.Search([][]float32{{0, 0, 0, 0}}).
		Limit(10).
		ConsistencyLevel(strata.Strong).
		Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, searchIDs(t, rs))
}

func TestSessionReadsOwnWrites(t *testing.T) {
	ctx := context.Background()
	col := newTestCollection(t)
	sess := col.NewSession()

	_, err := sess.Insert(ctx, "", axisRows(1))
	require.NoError(t, err)

	// A bounded search right after the write does not see it yet.
	stale, err := col.Search([][]float32{{0, 0, 0, 0}}).
		Limit(10).
		ConsistencyLevel(strata.Bounded).
		Execute(ctx)
	require.NoError(t, err)
	assert.Empty(t, stale[0].Hits)

	fresh, err := sess.Search([][]float32{{0, 0, 0, 0}}).
		Limit(10).
		Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, searchIDs(t, fresh))
}

func TestBasicMetrics(t *testing.T) {
	ctx := context.Background()
	mc := strata.NewBasicMetricsCollector()
	col := newTestCollection(t, strata.WithMetricsCollector(mc))

	_, err := col.Insert(ctx, "", axisRows(1, 2))
	require.NoError(t, err)

	_, err = col.Search([][]float32{{0, 0, 0, 0}}).
		ConsistencyLevel(strata.Strong).
		Execute(ctx)
	require.NoError(t, err)

	stats := mc.GetStats()
	assert.Equal(t, int64(1), stats.Inserts)
	assert.Equal(t, int64(2), stats.InsertedRows)
	assert.Equal(t, int64(1), stats.Searches)
	assert.Zero(t, stats.Errors)
}

func TestClosedCollection(t *testing.T) {
	ctx := context.Background()
	col := newTestCollection(t)
	require.NoError(t, col.Close())

	_, err := col.Insert(ctx, "", axisRows(1))
	assert.ErrorIs(t, err, strata.ErrClosed)

	_, err = col.Search([][]float32{{0, 0, 0, 0}}).
		ConsistencyLevel(strata.Strong).
		Execute(ctx)
	assert.ErrorIs(t, err, strata.ErrClosed)
}

func TestCollectionErrorContext(t *testing.T) {
	ctx := context.Background()
	col := newTestCollection(t, strata.WithName("products"))

	_, err := col.Insert(ctx, "missing", axisRows(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `collection "products"`)
	assert.Contains(t, err.Error(), fmt.Sprintf("partition %q", "missing"))
}

// gateStore blocks the first Put until released, holding a flush open
// mid-persist.
type gateStore struct {
	blobstore.Store
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *gateStore) Put(ctx context.Context, name string, data []byte) error {
	s.once.Do(func() {
		close(s.started)
		<-s.release
	})
	return s.Store.Put(ctx, name, data)
}

// failStore fails the next Put once.
type failStore struct {
	blobstore.Store
	fail atomic.Bool
}

func (s *failStore) Put(ctx context.Context, name string, data []byte) error {
	if s.fail.CompareAndSwap(true, false) {
		return errors.New("put: injected failure")
	}
	return s.Store.Put(ctx, name, data)
}

func TestSearchDuringFlush(t *testing.T) {
	ctx := context.Background()
	gate := &gateStore{
		Store:   blobstore.NewMemory(),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	col := newTestCollection(t, strata.WithBlobStore(gate))

	ts, err := col.Insert(ctx, "", axisRows(1, 2, 3))
	require.NoError(t, err)

	flushDone := make(chan error, 1)
	go func() { flushDone <- col.Flush(ctx) }()
	<-gate.started

	// The frozen segment must stay searchable while its sealed
	// replacement is persisted.
	rs, err := col.Search([][]float32{{0, 0, 0, 0}}).
		Limit(3).
		GuaranteeTs(ts).
		Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, searchIDs(t, rs))

	close(gate.release)
	require.NoError(t, <-flushDone)

	rs, err = col.Search([][]float32{{0, 0, 0, 0}}).
		Limit(3).
		ConsistencyLevel(strata.Strong).
		Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, searchIDs(t, rs))
}

func TestFlushFailureKeepsRowsSearchable(t *testing.T) {
	ctx := context.Background()
	store := &failStore{Store: blobstore.NewMemory()}
	col := newTestCollection(t, strata.WithBlobStore(store))

	_, err := col.Insert(ctx, "", axisRows(1, 2, 3))
	require.NoError(t, err)

	store.fail.Store(true)
	require.Error(t, col.Flush(ctx))

	rs, err := col.Search([][]float32{{0, 0, 0, 0}}).
		Limit(3).
		ConsistencyLevel(strata.Strong).
		Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, searchIDs(t, rs))

	// The retried flush picks the frozen segment back up.
	require.NoError(t, col.Flush(ctx))

	rs, err = col.Search([][]float32{{0, 0, 0, 0}}).
		Limit(3).
		ConsistencyLevel(strata.Strong).
		Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, searchIDs(t, rs))
}
