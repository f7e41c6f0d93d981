// Package consistency resolves the serving timestamp for a search call
// and provides the wait-for-visibility barrier used by the stronger
// levels. Resolution happens once per call and applies uniformly to
// every segment the call touches.
package consistency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/strata/model"
	"github.com/hupe1980/strata/tso"
)

// Level selects how fresh a snapshot a search must observe.
type Level uint8

const (
	// Strong observes every write acknowledged before the call.
	Strong Level = iota
	// Bounded tolerates a configured staleness window.
	Bounded
	// Session observes the calling session's own prior writes.
	Session
	// Eventually accepts any snapshot.
	Eventually
)

func (l Level) String() string {
	switch l {
	case Strong:
		return "Strong"
	case Bounded:
		return "Bounded"
	case Session:
		return "Session"
	case Eventually:
		return "Eventually"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(l))
	}
}

// ErrUnserviceable is returned when the barrier cannot reach the
// resolved serving timestamp within the caller's deadline.
var ErrUnserviceable = errors.New("consistency: serving timestamp not serviceable before deadline")

// DefaultStaleness is the Bounded window when none is configured.
const DefaultStaleness = 5 * time.Second

// Coordinator tracks the collection's ingest high-water mark and blocks
// searches until their resolved snapshot is serviceable.
type Coordinator struct {
	oracle    *tso.Oracle
	staleness time.Duration

	mu          sync.Mutex
	cond        *sync.Cond
	serviceable model.Timestamp
}

func NewCoordinator(oracle *tso.Oracle, staleness time.Duration) *Coordinator {
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	c := &Coordinator{oracle: oracle, staleness: staleness}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Advance publishes that all writes up to ts are visible to readers and
// wakes waiting searches.
func (c *Coordinator) Advance(ts model.Timestamp) {
	c.mu.Lock()
	if ts > c.serviceable {
		c.serviceable = ts
		c.cond.Broadcast()
	}
	c.mu.Unlock()
}

// Serviceable returns the current ingest high-water mark.
func (c *Coordinator) Serviceable() model.Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serviceable
}

// Resolve computes the serving timestamp. A non-zero guarantee ts
// overrides the level, clamped so it never exceeds the latest issued
// ingest timestamp. sessionTs is the calling session's last-write ts
// and is only consulted for Session. The latest issued ts can run ahead
// of the serviceable mark while a write is applying; the caller bridges
// the gap through WaitServiceable.
func (c *Coordinator) Resolve(level Level, guarantee, sessionTs model.Timestamp) model.Timestamp {
	latest := c.oracle.Latest()
	if guarantee != 0 {
		return min(guarantee, latest)
	}

	switch level {
	case Strong:
		return latest
	case Bounded:
		return min(tso.SubDuration(c.oracle.Now(), c.staleness), latest)
	case Session:
		return min(sessionTs, latest)
	default:
		return 0
	}
}

// WaitServiceable blocks until the ingest high-water mark reaches ts or
// the context is done. On a deadline the search is abandoned whole;
// there are no partial results.
func (c *Coordinator) WaitServiceable(ctx context.Context, ts model.Timestamp) error {
	if ts == 0 {
		return nil
	}

	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for c.serviceable < ts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: want ts %d, at %d: %v", ErrUnserviceable, ts, c.serviceable, err)
		}
		c.cond.Wait()
	}
	return nil
}
