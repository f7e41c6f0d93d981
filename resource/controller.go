// Package resource gates admission of search and flush work so a burst
// of queries cannot starve ingestion or exhaust memory on wide fan-out.
package resource

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config holds the admission limits.
type Config struct {
	// MaxConcurrentSearches bounds in-flight search calls. 0 defaults
	// to 64.
	MaxConcurrentSearches int64

	// SearchesPerSec rate-limits search admission. 0 means unlimited.
	SearchesPerSec float64

	// MaxFlushWorkers bounds concurrent seal/flush jobs. 0 defaults
	// to 1.
	MaxFlushWorkers int64
}

// Controller admits searches and flushes within the configured limits.
// A nil Controller admits everything.
type Controller struct {
	searchSem *semaphore.Weighted
	limiter   *rate.Limiter
	flushSem  *semaphore.Weighted

	inFlight atomic.Int64
}

func NewController(cfg Config) *Controller {
	if cfg.MaxConcurrentSearches <= 0 {
		cfg.MaxConcurrentSearches = 64
	}
	if cfg.MaxFlushWorkers <= 0 {
		cfg.MaxFlushWorkers = 1
	}

	c := &Controller{
		searchSem: semaphore.NewWeighted(cfg.MaxConcurrentSearches),
		flushSem:  semaphore.NewWeighted(cfg.MaxFlushWorkers),
	}
	if cfg.SearchesPerSec > 0 {
		burst := int(cfg.SearchesPerSec)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.SearchesPerSec), burst)
	}
	return c
}

// AcquireSearch blocks until a search slot and rate token are
// available, or ctx is done.
func (c *Controller) AcquireSearch(ctx context.Context) error {
	if c == nil {
		return nil
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if err := c.searchSem.Acquire(ctx, 1); err != nil {
		return err
	}
	c.inFlight.Add(1)
	return nil
}

// ReleaseSearch returns a search slot.
func (c *Controller) ReleaseSearch() {
	if c == nil {
		return
	}
	c.inFlight.Add(-1)
	c.searchSem.Release(1)
}

// InFlight returns the number of admitted, unfinished searches.
func (c *Controller) InFlight() int64 {
	if c == nil {
		return 0
	}
	return c.inFlight.Load()
}

// AcquireFlush blocks until a flush worker slot is free.
func (c *Controller) AcquireFlush(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.flushSem.Acquire(ctx, 1)
}

// ReleaseFlush returns a flush worker slot.
func (c *Controller) ReleaseFlush() {
	if c == nil {
		return
	}
	c.flushSem.Release(1)
}
