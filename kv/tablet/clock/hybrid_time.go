package clock

import (
	"strconv"
)

// HybridTime is a totally ordered logical timestamp used to sequence
// transactions on a tablet. Values are opaque to callers: the only valid
// operations are comparison, Next and Add.
type HybridTime uint64

const (
	// MinHybridTime is the lowest possible hybrid time, "the beginning of time".
	MinHybridTime HybridTime = 0
	// MaxHybridTime is the highest possible hybrid time, "infinitely far in
	// the future".
	MaxHybridTime HybridTime = ^HybridTime(0)
	// InitialHybridTime is the first value a fresh clock may ever issue.
	InitialHybridTime = MinHybridTime + 1
)

// Next returns the hybrid time immediately following t.
func (t HybridTime) Next() HybridTime {
	return t + 1
}

// Add returns t advanced by n ticks.
func (t HybridTime) Add(n uint64) HybridTime {
	return t + HybridTime(n)
}

func (t HybridTime) String() string {
	return strconv.FormatUint(uint64(t), 10)
}
