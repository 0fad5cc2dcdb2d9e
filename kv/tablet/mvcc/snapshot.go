package mvcc

import (
	"strings"

	"github.com/pingcap-incubator/tinytablet/kv/tablet/clock"
)

// Snapshot is an immutable point-in-time view of which transactions are
// committed. The storage layer consults it to decide which row versions are
// visible to a reader.
//
// The committed predicate is "t < allCommittedBefore, or t is an explicit
// exception". Exceptions arise when transactions commit out of timestamp
// order: a later transaction may commit while an earlier one is still in
// flight, so it cannot be folded into the watermark yet.
type Snapshot struct {
	// Every hybrid time strictly below this is committed.
	allCommittedBefore clock.HybridTime
	// No hybrid time at or above this is committed. Tracks one past the
	// highest timestamp ever observed by the coordinator.
	noneCommittedAtOrAfter clock.HybridTime
	// Committed exceptions, all in
	// [allCommittedBefore, noneCommittedAtOrAfter), in commit order.
	committed []clock.HybridTime
}

// NewSnapshot returns the snapshot of a coordinator that has seen no activity
// beyond its initial hybrid time: nothing is committed yet.
func NewSnapshot() Snapshot {
	return NewSnapshotAt(clock.InitialHybridTime)
}

// NewSnapshotAt returns a clean snapshot as of t: everything below t is
// committed, nothing else is. Used for log-replay cutovers.
func NewSnapshotAt(t clock.HybridTime) Snapshot {
	return Snapshot{
		allCommittedBefore:     t,
		noneCommittedAtOrAfter: t,
	}
}

// NewSnapshotIncludingAllTransactions returns a snapshot considering every
// possible transaction committed.
func NewSnapshotIncludingAllTransactions() Snapshot {
	return NewSnapshotAt(clock.MaxHybridTime)
}

// NewSnapshotIncludingNoTransactions returns a snapshot considering no
// transaction committed.
func NewSnapshotIncludingNoTransactions() Snapshot {
	return NewSnapshotAt(clock.MinHybridTime)
}

// IsCommitted returns whether the transaction at t is committed in this
// snapshot.
func (s Snapshot) IsCommitted(t clock.HybridTime) bool {
	if t < s.allCommittedBefore {
		return true
	}
	if t >= s.noneCommittedAtOrAfter {
		return false
	}
	for _, c := range s.committed {
		if c == t {
			return true
		}
	}
	return false
}

// MayHaveCommittedTransactionsAtOrAfter returns whether any transaction at or
// after t could be committed. Scans use it to skip version sets entirely
// above the snapshot.
func (s *Snapshot) MayHaveCommittedTransactionsAtOrAfter(t clock.HybridTime) bool {
	return t < s.noneCommittedAtOrAfter
}

// MayHaveUncommittedTransactionsAtOrBefore returns whether any transaction at
// or before t could still be uncommitted.
//
// The second clause handles the case where the only in-flight transaction sat
// exactly at the watermark and then committed: the watermark cannot move past
// it because no later transaction bounds it from above, yet nothing at or
// below it is uncommitted.
func (s *Snapshot) MayHaveUncommittedTransactionsAtOrBefore(t clock.HybridTime) bool {
	if t < s.allCommittedBefore {
		return false
	}
	if len(s.committed) == 1 && s.committed[0] == s.allCommittedBefore && t <= s.allCommittedBefore {
		return false
	}
	return true
}

// IsClean returns whether the committed predicate is a pure watermark, with
// no out-of-order exceptions.
func (s *Snapshot) IsClean() bool {
	return len(s.committed) == 0
}

func (s Snapshot) String() string {
	var b strings.Builder
	b.WriteString("MvccSnapshot[committed={T|T < ")
	b.WriteString(s.allCommittedBefore.String())
	if len(s.committed) > 0 {
		b.WriteString(" or (T in {")
		for i, t := range s.committed {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(t.String())
		}
		b.WriteString("})")
	}
	b.WriteString("}]")
	return b.String()
}

// clone returns an independent copy; the committed slice is never shared.
func (s *Snapshot) clone() Snapshot {
	c := *s
	if len(s.committed) > 0 {
		c.committed = append([]clock.HybridTime(nil), s.committed...)
	}
	return c
}

// addCommitted records t as a committed exception and keeps the upper bound
// one past the highest committed time.
func (s *Snapshot) addCommitted(t clock.HybridTime) {
	s.committed = append(s.committed, t)
	if next := t.Next(); next > s.noneCommittedAtOrAfter {
		s.noneCommittedAtOrAfter = next
	}
}

// trimCommittedBelow drops exceptions now subsumed by the watermark and keeps
// noneCommittedAtOrAfter from falling below it.
func (s *Snapshot) trimCommittedBelow(watermark clock.HybridTime) {
	kept := s.committed[:0]
	for _, t := range s.committed {
		if t >= watermark {
			kept = append(kept, t)
		}
	}
	s.committed = kept
	if len(s.committed) == 0 {
		s.committed = nil
		if s.noneCommittedAtOrAfter < s.allCommittedBefore {
			s.noneCommittedAtOrAfter = s.allCommittedBefore
		}
	}
}
