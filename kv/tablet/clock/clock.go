package clock

import (
	"time"

	"github.com/juju/errors"
	"go.uber.org/atomic"
)

// Clock issues the hybrid times that order all transactions on a tablet.
//
// Implementations must be safe for concurrent use and must hand out strictly
// increasing values from Now across all callers of one instance.
type Clock interface {
	// Now returns the next hybrid time. Successive calls return strictly
	// increasing values.
	Now() HybridTime
	// NowLatest returns a hybrid time guaranteed to be at or after "now" on
	// any node, i.e. now plus the maximum clock uncertainty. Used by
	// commit-wait transactions which pick a timestamp in the future.
	NowLatest() HybridTime
	// Update advances the clock so that no value issued afterwards is lower
	// than t. Moving the clock backwards is a no-op. It fails if the clock
	// cannot be advanced that far.
	Update(t HybridTime) error
	// WaitUntilAfter blocks until the clock has moved past t, or until
	// deadline passes, in which case a timeout error is returned
	// (distinguishable with errors.IsTimeout). A zero deadline means no
	// deadline.
	WaitUntilAfter(t HybridTime, deadline time.Time) error
}

// LogicalClock is a Clock backed by a plain counter, with no relation to wall
// time. It is used in tests and by tablets whose ordering is driven purely by
// the replication log.
type LogicalClock struct {
	// Last issued value. The next call to Now returns lastIssued+1.
	lastIssued *atomic.Uint64
}

var _ Clock = (*LogicalClock)(nil)

// NewLogicalClock creates a logical clock whose first issued value is first.
func NewLogicalClock(first HybridTime) *LogicalClock {
	return &LogicalClock{lastIssued: atomic.NewUint64(uint64(first) - 1)}
}

func (c *LogicalClock) Now() HybridTime {
	return HybridTime(c.lastIssued.Inc())
}

// NowLatest is the same as Now: a logical clock has no uncertainty.
func (c *LogicalClock) NowLatest() HybridTime {
	return c.Now()
}

func (c *LogicalClock) Update(t HybridTime) error {
	if t == MaxHybridTime {
		return errors.Errorf("cannot advance logical clock to the maximum hybrid time")
	}
	for {
		last := c.lastIssued.Load()
		if last >= uint64(t) {
			return nil
		}
		if c.lastIssued.CAS(last, uint64(t)) {
			return nil
		}
	}
}

// WaitUntilAfter succeeds only if the clock has already moved past t. Logical
// time does not advance on its own, so there is nothing to wait for.
func (c *LogicalClock) WaitUntilAfter(t HybridTime, deadline time.Time) error {
	if HybridTime(c.lastIssued.Load()) > t {
		return nil
	}
	return errors.Timeoutf("logical clock is at %d, cannot wait until after %v", c.lastIssued.Load(), t)
}
