// Package strata is an embeddable, segment-oriented vector search
// engine with tombstone-based deletes and tunable read consistency.
//
// Writes land in per-partition growing segments and are searched brute
// force. Flush seals a growing segment, builds one index per vector
// field, persists the segment to a blob store and merges the buffered
// deletes into per-segment delta logs. Searches fan out over all
// segments, honor a serving timestamp resolved from the requested
// consistency level, and merge per-segment candidates with
// deduplication by primary key.
//
//	sch := schema.MustNew(
//		schema.Field{Name: "id", Type: schema.TypeInt64, PrimaryKey: true},
//		schema.Field{Name: "vec", Type: schema.TypeFloatVector, Dim: 128},
//	)
//
//	col, err := strata.NewCollection(sch)
//	if err != nil { ... }
//	defer col.Close()
//
//	if err := col.Load(ctx); err != nil { ... }
//
//	_, err = col.Insert(ctx, "", rows)
//	results, err := col.Search(queries).
//		Limit(10).
//		ConsistencyLevel(strata.Strong).
//		Execute(ctx)
package strata
