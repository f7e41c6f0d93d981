// Package tso implements the timestamp oracle: a single monotonic source
// of hybrid logical timestamps used to stamp every insert, delete and
// search request.
//
// A timestamp packs wall-clock milliseconds in the high bits and an
// 18-bit logical counter in the low bits, so timestamps remain
// monotonically increasing even when multiple operations land in the
// same millisecond.
package tso

import (
	"sync/atomic"
	"time"

	"github.com/hupe1980/strata/model"
)

// LogicalBits is the width of the logical counter inside a timestamp.
const LogicalBits = 18

const logicalMask = (1 << LogicalBits) - 1

// Compose builds a timestamp from a physical time and a logical counter.
func Compose(physical time.Time, logical uint64) model.Timestamp {
	return model.Timestamp(uint64(physical.UnixMilli())<<LogicalBits | (logical & logicalMask))
}

// Physical extracts the wall-clock component of a timestamp.
func Physical(ts model.Timestamp) time.Time {
	return time.UnixMilli(int64(ts >> LogicalBits))
}

// SubDuration returns ts moved back by d, saturating at zero.
// Used to derive bounded-staleness snapshots.
func SubDuration(ts model.Timestamp, d time.Duration) model.Timestamp {
	delta := model.Timestamp(uint64(d.Milliseconds()) << LogicalBits)
	if delta >= ts {
		return 0
	}
	return ts - delta
}

// Oracle issues monotonically increasing timestamps. The zero value is
// ready to use.
type Oracle struct {
	last atomic.Uint64
}

// now is swappable for tests.
var now = time.Now

// Alloc returns the next timestamp. Allocation never returns the same
// value twice and never goes backwards, even under clock skew.
func (o *Oracle) Alloc() model.Timestamp {
	for {
		next := uint64(Compose(now(), 0))
		last := o.last.Load()
		if next <= last {
			next = last + 1
		}
		if o.last.CompareAndSwap(last, next) {
			return model.Timestamp(next)
		}
	}
}

// Latest returns the most recently issued timestamp, or 0 if none was
// allocated yet. This is the read path's view of "all acknowledged
// writes"; it is never advanced by readers.
func (o *Oracle) Latest() model.Timestamp {
	return model.Timestamp(o.last.Load())
}

// Now returns a timestamp for the current wall clock without advancing
// the oracle. Used for bounded-staleness arithmetic.
func (o *Oracle) Now() model.Timestamp {
	return Compose(now(), 0)
}
