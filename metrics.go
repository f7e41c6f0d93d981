package strata

import (
	"sync/atomic"
	"time"
)

// MetricsCollector receives operation-level measurements from a collection.
// Implementations must be safe for concurrent use.
type MetricsCollector interface {
	RecordInsert(rows int, dur time.Duration, err error)
	RecordDelete(keys int, dur time.Duration, err error)
	RecordSearch(nq int, dur time.Duration, err error)
	RecordQuery(dur time.Duration, err error)
	RecordFlush(rows int, dur time.Duration, err error)
}

// NoopMetricsCollector discards all measurements.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordInsert(int, time.Duration, error) {}
func (NoopMetricsCollector) RecordDelete(int, time.Duration, error) {}
func (NoopMetricsCollector) RecordSearch(int, time.Duration, error) {}
func (NoopMetricsCollector) RecordQuery(time.Duration, error)       {}
func (NoopMetricsCollector) RecordFlush(int, time.Duration, error)  {}

// BasicMetricsCollector keeps in-process counters and cumulative latencies.
type BasicMetricsCollector struct {
	inserts      atomic.Int64
	insertedRows atomic.Int64
	deletes      atomic.Int64
	deletedKeys  atomic.Int64
	searches     atomic.Int64
	searchNQ     atomic.Int64
	searchNanos  atomic.Int64
	queries      atomic.Int64
	flushes      atomic.Int64
	flushedRows  atomic.Int64
	errors       atomic.Int64
}

// NewBasicMetricsCollector creates a collector with zeroed counters.
func NewBasicMetricsCollector() *BasicMetricsCollector {
	return &BasicMetricsCollector{}
}

func (c *BasicMetricsCollector) RecordInsert(rows int, _ time.Duration, err error) {
	c.inserts.Add(1)
	c.insertedRows.Add(int64(rows))
	c.countError(err)
}

func (c *BasicMetricsCollector) RecordDelete(keys int, _ time.Duration, err error) {
	c.deletes.Add(1)
	c.deletedKeys.Add(int64(keys))
	c.countError(err)
}

func (c *BasicMetricsCollector) RecordSearch(nq int, dur time.Duration, err error) {
	c.searches.Add(1)
	c.searchNQ.Add(int64(nq))
	c.searchNanos.Add(int64(dur))
	c.countError(err)
}

func (c *BasicMetricsCollector) RecordQuery(_ time.Duration, err error) {
	c.queries.Add(1)
	c.countError(err)
}

func (c *BasicMetricsCollector) RecordFlush(rows int, _ time.Duration, err error) {
	c.flushes.Add(1)
	c.flushedRows.Add(int64(rows))
	c.countError(err)
}

func (c *BasicMetricsCollector) countError(err error) {
	if err != nil {
		c.errors.Add(1)
	}
}

// Stats is a point-in-time snapshot of BasicMetricsCollector counters.
type Stats struct {
	Inserts       int64
	InsertedRows  int64
	Deletes       int64
	DeletedKeys   int64
	Searches      int64
	SearchVectors int64
	AvgSearch     time.Duration
	Queries       int64
	Flushes       int64
	FlushedRows   int64
	Errors        int64
}

// GetStats returns a snapshot of the collected counters.
func (c *BasicMetricsCollector) GetStats() Stats {
	s := Stats{
		Inserts:       c.inserts.Load(),
		InsertedRows:  c.insertedRows.Load(),
		Deletes:       c.deletes.Load(),
		DeletedKeys:   c.deletedKeys.Load(),
		Searches:      c.searches.Load(),
		SearchVectors: c.searchNQ.Load(),
		Queries:       c.queries.Load(),
		Flushes:       c.flushes.Load(),
		FlushedRows:   c.flushedRows.Load(),
		Errors:        c.errors.Load(),
	}

	if s.Searches > 0 {
		s.AvgSearch = time.Duration(c.searchNanos.Load() / s.Searches)
	}

	return s
}
