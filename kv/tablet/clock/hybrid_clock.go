package clock

import (
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/pingcap-incubator/tinytablet/config"
)

const (
	// A hybrid time is the wall clock in microseconds shifted up by
	// hybridTimeLogicalBits, with a logical sequence number in the low bits
	// to disambiguate events in the same microsecond.
	hybridTimeLogicalBits = 12
	hybridTimeLogicalMask = (1 << hybridTimeLogicalBits) - 1

	maxLogical = hybridTimeLogicalMask
)

// HybridClock is a Clock combining the local wall clock with a logical
// counter, in the style of HLC. It tolerates the wall clock stalling or
// stepping backwards: issued values never decrease.
type HybridClock struct {
	maxUncertainty  time.Duration
	maxForwardDrift time.Duration

	mu           sync.Mutex
	lastPhysical int64 // microseconds since the unix epoch
	lastLogical  uint64
}

var _ Clock = (*HybridClock)(nil)

// NewHybridClock creates a hybrid clock. maxUncertainty bounds the clock
// error across nodes and backs NowLatest; maxForwardDrift bounds how far into
// the future Update may push the clock.
func NewHybridClock(maxUncertainty, maxForwardDrift time.Duration) *HybridClock {
	return &HybridClock{
		maxUncertainty:  maxUncertainty,
		maxForwardDrift: maxForwardDrift,
	}
}

// NewHybridClockFromConfig creates a hybrid clock with the bounds from conf.
func NewHybridClockFromConfig(conf *config.Config) *HybridClock {
	return NewHybridClock(
		time.Duration(conf.MaxClockUncertaintyUs)*time.Microsecond,
		time.Duration(conf.MaxClockForwardDriftUs)*time.Microsecond,
	)
}

func assembleHybridTime(physical int64, logical uint64) HybridTime {
	return HybridTime(uint64(physical)<<hybridTimeLogicalBits | logical)
}

func physicalMicros(t HybridTime) int64 {
	return int64(t >> hybridTimeLogicalBits)
}

func physicalTime(t HybridTime) time.Time {
	micros := physicalMicros(t)
	return time.Unix(micros/1e6, micros%1e6*1e3)
}

func (c *HybridClock) Now() HybridTime {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nowLocked()
}

func (c *HybridClock) nowLocked() HybridTime {
	nowMicros := time.Now().UnixNano() / 1e3
	if nowMicros > c.lastPhysical {
		c.lastPhysical = nowMicros
		c.lastLogical = 0
	} else {
		c.lastLogical++
		if c.lastLogical > maxLogical {
			// The logical counter is exhausted within one microsecond, which
			// only happens when the wall clock is stuck. Borrow the next one.
			c.lastPhysical++
			c.lastLogical = 0
		}
	}
	return assembleHybridTime(c.lastPhysical, c.lastLogical)
}

func (c *HybridClock) NowLatest() HybridTime {
	now := c.Now()
	return now.Add(uint64(c.maxUncertainty.Nanoseconds()/1e3) << hybridTimeLogicalBits)
}

// Update advances the clock past an externally observed hybrid time, e.g. one
// carried by a replicated log entry. It fails if t is further ahead of the
// wall clock than the configured maximum forward drift.
func (c *HybridClock) Update(t HybridTime) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	physical, logical := physicalMicros(t), uint64(t)&hybridTimeLogicalMask
	if physical < c.lastPhysical || (physical == c.lastPhysical && logical <= c.lastLogical) {
		// The clock is already past t.
		return nil
	}
	nowMicros := time.Now().UnixNano() / 1e3
	if c.maxForwardDrift > 0 && physical > nowMicros+c.maxForwardDrift.Nanoseconds()/1e3 {
		log.Warn("rejecting clock update too far in the future",
			zap.Int64("observed-physical-us", physical),
			zap.Int64("wall-clock-us", nowMicros),
			zap.Duration("max-forward-drift", c.maxForwardDrift))
		return errors.Errorf("hybrid time %v is ahead of the wall clock by more than %v", t, c.maxForwardDrift)
	}
	c.lastPhysical = physical
	c.lastLogical = logical
	return nil
}

// WaitUntilAfter blocks until the clock has moved past t. Commit-wait
// transactions use this to make a future timestamp durable only once real
// time has caught up with it.
func (c *HybridClock) WaitUntilAfter(t HybridTime, deadline time.Time) error {
	for {
		if c.Now() > t {
			return nil
		}
		sleep := time.Until(physicalTime(t)) + time.Microsecond
		if sleep <= 0 {
			sleep = time.Microsecond
		}
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return errors.Timeoutf("waiting for hybrid time %v to pass", t)
			}
			if sleep > remaining {
				sleep = remaining
			}
		}
		time.Sleep(sleep)
	}
}
