// Package reduce merges per-segment candidate lists into one final
// ranking. Merge collapses duplicate primary keys to their single best
// occurrence, re-sorts by the metric's direction and applies
// offset/limit. Group-by runs after merging and keeps the best hit per
// distinct group key.
package reduce

import (
	"math"
	"sort"

	"github.com/hupe1980/strata/distance"
	"github.com/hupe1980/strata/model"
)

// rank orders a before b: better distance first, ties broken by lowest
// SegmentID then RowID so identical inputs always produce identical
// output.
func rank(a, b model.Candidate, m distance.Metric) bool {
	if a.Distance != b.Distance {
		return m.Better(a.Distance, b.Distance)
	}
	if a.Loc.SegmentID != b.Loc.SegmentID {
		return a.Loc.SegmentID < b.Loc.SegmentID
	}
	return a.Loc.RowID < b.Loc.RowID
}

// Merge combines per-segment results for one query vector. Duplicate
// primary keys collapse to the best-ranked occurrence, even when the
// same key is validly served by several segments. Rows [offset,
// offset+limit) of the deduplicated ranking are returned; an offset at
// or past the end yields an empty, non-nil slice.
func Merge(lists [][]model.Candidate, m distance.Metric, offset, limit int) []model.Candidate {
	var total int
	for _, l := range lists {
		total += len(l)
	}

	best := make(map[model.PrimaryKey]model.Candidate, total)
	for _, l := range lists {
		for _, c := range l {
			cur, ok := best[c.PK]
			if !ok || rank(c, cur, m) {
				best[c.PK] = c
			}
		}
	}

	merged := make([]model.Candidate, 0, len(best))
	for _, c := range best {
		merged = append(merged, c)
	}
	sort.Slice(merged, func(i, j int) bool { return rank(merged[i], merged[j], m) })

	if offset >= len(merged) {
		return []model.Candidate{}
	}
	merged = merged[offset:]
	if limit < len(merged) {
		merged = merged[:limit]
	}
	return merged
}

// Round rounds d to the requested number of decimals for presentation.
// decimals < 0 disables rounding. Ranking always happened on full
// precision before this is applied.
func Round(d float32, decimals int) float32 {
	if decimals < 0 {
		return d
	}
	pow := math.Pow10(decimals)
	return float32(math.Round(float64(d)*pow) / pow)
}

// GroupBy scans ranked candidates in rank order and keeps the first
// occurrence of each distinct group key. key resolves a candidate's
// group value; a false return drops the candidate (missing value).
// limit counts groups, not rows.
func GroupBy(ranked []model.Candidate, key func(model.Location) (any, bool), limit int) []model.Candidate {
	seen := make(map[any]struct{}, limit)
	out := make([]model.Candidate, 0, limit)
	for _, c := range ranked {
		v, ok := key(c.Loc)
		if !ok {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, c)
		if len(out) == limit {
			break
		}
	}
	return out
}
