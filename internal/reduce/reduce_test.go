package reduce

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/strata/distance"
	"github.com/hupe1980/strata/model"
)

func cand(pk int64, seg model.SegmentID, row model.RowID, d float32) model.Candidate {
	return model.Candidate{
		PK:       model.IntKey(pk),
		Loc:      model.Location{SegmentID: seg, RowID: row},
		Distance: d,
	}
}

func TestMergeDedupKeepsBestOccurrence(t *testing.T) {
	got := Merge([][]model.Candidate{
		{cand(1, 1, 0, 0.5), cand(2, 1, 1, 1.0)},
		{cand(1, 2, 0, 0.2), cand(3, 2, 1, 0.8)},
	}, distance.MetricL2, 0, 10)

	require.Len(t, got, 3)
	assert.Equal(t, model.IntKey(1), got[0].PK)
	assert.Equal(t, float32(0.2), got[0].Distance)
	assert.Equal(t, model.SegmentID(2), got[0].Loc.SegmentID)
	assert.Equal(t, model.IntKey(3), got[1].PK)
	assert.Equal(t, model.IntKey(2), got[2].PK)
}

func TestMergeSimilarityDirection(t *testing.T) {
	got := Merge([][]model.Candidate{
		{cand(1, 1, 0, 0.3), cand(2, 1, 1, 0.9)},
	}, distance.MetricIP, 0, 10)
	require.Len(t, got, 2)
	assert.Equal(t, model.IntKey(2), got[0].PK)
}

func TestMergeDeterministicTieBreak(t *testing.T) {
	lists := [][]model.Candidate{
		{cand(2, 3, 7, 1.0)},
		{cand(1, 2, 5, 1.0)},
		{cand(3, 2, 4, 1.0)},
	}
	got := Merge(lists, distance.MetricL2, 0, 10)
	require.Len(t, got, 3)
	assert.Equal(t, model.IntKey(3), got[0].PK)
	assert.Equal(t, model.IntKey(1), got[1].PK)
	assert.Equal(t, model.IntKey(2), got[2].PK)

	again := Merge(lists, distance.MetricL2, 0, 10)
	assert.Equal(t, got, again)
}

func TestMergeOffsetLimit(t *testing.T) {
	lists := [][]model.Candidate{{
		cand(1, 1, 0, 0.1),
		cand(2, 1, 1, 0.2),
		cand(3, 1, 2, 0.3),
		cand(4, 1, 3, 0.4),
	}}

	got := Merge(lists, distance.MetricL2, 1, 2)
	require.Len(t, got, 2)
	assert.Equal(t, model.IntKey(2), got[0].PK)
	assert.Equal(t, model.IntKey(3), got[1].PK)

	// Offset past the end: empty, not an error.
	assert.Empty(t, Merge(lists, distance.MetricL2, 4, 2))
	assert.Empty(t, Merge(lists, distance.MetricL2, 100, 2))

	// Limit past the end: truncated to what exists.
	assert.Len(t, Merge(lists, distance.MetricL2, 2, 100), 2)
}

func TestMergeEmptyInput(t *testing.T) {
	assert.Empty(t, Merge(nil, distance.MetricL2, 0, 10))
	assert.Empty(t, Merge([][]model.Candidate{{}, {}}, distance.MetricL2, 0, 10))
}

func TestRound(t *testing.T) {
	assert.Equal(t, float32(1.23), Round(1.23456, 2))
	assert.Equal(t, float32(1.0), Round(1.234, 0))
	assert.Equal(t, float32(1.23456), Round(1.23456, -1))
}

func TestGroupByFirstPerKey(t *testing.T) {
	ranked := []model.Candidate{
		cand(1, 1, 0, 0.1),
		cand(2, 1, 1, 0.2),
		cand(3, 1, 2, 0.3),
		cand(4, 1, 3, 0.4),
	}
	groups := map[model.RowID]any{0: "a", 1: "a", 2: "b", 3: "c"}

	got := GroupBy(ranked, func(loc model.Location) (any, bool) {
		v, ok := groups[loc.RowID]
		return v, ok
	}, 2)

	require.Len(t, got, 2)
	assert.Equal(t, model.IntKey(1), got[0].PK, "best hit of group a")
	assert.Equal(t, model.IntKey(3), got[1].PK, "best hit of group b")
}

func TestGroupByMissingValueDropped(t *testing.T) {
	ranked := []model.Candidate{cand(1, 1, 0, 0.1), cand(2, 1, 1, 0.2)}
	got := GroupBy(ranked, func(loc model.Location) (any, bool) {
		if loc.RowID == 0 {
			return nil, false
		}
		return "x", true
	}, 10)
	require.Len(t, got, 1)
	assert.Equal(t, model.IntKey(2), got[0].PK)
}
