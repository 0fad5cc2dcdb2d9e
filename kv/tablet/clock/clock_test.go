package clock

import (
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/require"
)

func TestLogicalClockNow(t *testing.T) {
	c := NewLogicalClock(InitialHybridTime)

	require.Equal(t, HybridTime(1), c.Now())
	require.Equal(t, HybridTime(2), c.Now())
	require.Equal(t, HybridTime(3), c.NowLatest())
}

func TestLogicalClockUpdate(t *testing.T) {
	c := NewLogicalClock(InitialHybridTime)

	require.NoError(t, c.Update(10))
	require.Equal(t, HybridTime(11), c.Now())

	// Moving backwards is a no-op.
	require.NoError(t, c.Update(5))
	require.Equal(t, HybridTime(12), c.Now())

	require.Error(t, c.Update(MaxHybridTime))
}

func TestLogicalClockWaitUntilAfter(t *testing.T) {
	c := NewLogicalClock(InitialHybridTime)
	require.NoError(t, c.Update(10))

	// Already surpassed.
	require.NoError(t, c.WaitUntilAfter(9, time.Time{}))

	// Logical time never advances on its own.
	err := c.WaitUntilAfter(10, time.Time{})
	require.Error(t, err)
	require.True(t, errors.IsTimeout(err))
}

func TestLogicalClockConcurrentNow(t *testing.T) {
	c := NewLogicalClock(InitialHybridTime)

	const goroutines = 8
	const perGoroutine = 1000

	var wg sync.WaitGroup
	seen := make([][]HybridTime, goroutines)
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				seen[g] = append(seen[g], c.Now())
			}
		}(g)
	}
	wg.Wait()

	// Values are unique across all goroutines and increasing within each.
	all := make(map[HybridTime]struct{}, goroutines*perGoroutine)
	for g := 0; g < goroutines; g++ {
		for i, ts := range seen[g] {
			if i > 0 {
				require.True(t, ts > seen[g][i-1])
			}
			_, dup := all[ts]
			require.False(t, dup, "duplicate hybrid time %v", ts)
			all[ts] = struct{}{}
		}
	}
}

func TestHybridClockNowIsMonotonic(t *testing.T) {
	c := NewHybridClock(time.Millisecond, 0)

	last := c.Now()
	for i := 0; i < 10000; i++ {
		now := c.Now()
		require.True(t, now > last)
		last = now
	}
}

func TestHybridClockNowLatest(t *testing.T) {
	c := NewHybridClock(time.Millisecond, 0)

	latest := c.NowLatest()
	require.True(t, latest > c.Now())

	// The uncertainty bound is reflected in the physical part.
	diff := physicalMicros(latest) - physicalMicros(c.Now())
	require.True(t, diff > 0)
	require.True(t, diff <= time.Millisecond.Nanoseconds()/1e3)
}

func TestHybridClockUpdate(t *testing.T) {
	c := NewHybridClock(time.Millisecond, time.Second)

	// Observing a time slightly ahead of the wall clock advances the clock.
	observed := c.Now().Add(uint64(10*time.Millisecond/time.Microsecond) << hybridTimeLogicalBits)
	require.NoError(t, c.Update(observed))
	require.True(t, c.Now() > observed)

	// Past times are no-ops.
	require.NoError(t, c.Update(1))

	// Times beyond the maximum forward drift are rejected.
	farFuture := c.Now().Add(uint64(time.Hour/time.Microsecond) << hybridTimeLogicalBits)
	require.Error(t, c.Update(farFuture))
}

func TestHybridClockWaitUntilAfter(t *testing.T) {
	c := NewHybridClock(time.Millisecond, 0)

	// Waiting on a past time returns immediately.
	past := c.Now()
	require.NoError(t, c.WaitUntilAfter(past, time.Time{}))

	// A short way into the future: the wait succeeds once real time passes.
	future := c.Now().Add(uint64(2*time.Millisecond/time.Microsecond) << hybridTimeLogicalBits)
	start := time.Now()
	require.NoError(t, c.WaitUntilAfter(future, time.Time{}))
	require.True(t, time.Since(start) >= time.Millisecond)

	// A deadline earlier than the target fails with a timeout.
	future = c.Now().Add(uint64(time.Second/time.Microsecond) << hybridTimeLogicalBits)
	err := c.WaitUntilAfter(future, time.Now().Add(5*time.Millisecond))
	require.Error(t, err)
	require.True(t, errors.IsTimeout(err))
}
