package mvcc

import (
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/pingcap-incubator/tinytablet/kv/tablet/clock"
)

type waitKind int

const (
	// Wait until every transaction at or below the target has committed.
	waitAllCommitted waitKind = iota
	// Wait until no applying transaction at or below the target remains.
	waitNoneApplying
)

// waiter is one blocked call. The committer that satisfies the predicate
// sends the snapshot taken under the lock, so the waiting goroutine never
// needs to reacquire it.
type waiter struct {
	kind waitKind
	ts   clock.HybridTime
	ch   chan Snapshot // buffered: wakers must never block
}

func (m *Manager) registerWaiterLocked(kind waitKind, ts clock.HybridTime) *waiter {
	w := &waiter{
		kind: kind,
		ts:   ts,
		ch:   make(chan Snapshot, 1),
	}
	m.waiters = append(m.waiters, w)
	if m.waitQueueWarn > 0 && len(m.waiters) >= m.waitQueueWarn {
		log.Warn("many waiters blocked on mvcc coordinator",
			zap.Int("waiters", len(m.waiters)),
			zap.Uint64("ts", uint64(ts)))
	}
	metricWaiters.Inc()
	return w
}

// removeWaiterLocked unregisters w after a timeout. Returns false if a waker
// already satisfied it.
func (m *Manager) removeWaiterLocked(w *waiter) bool {
	for i, cur := range m.waiters {
		if cur == w {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			metricWaiters.Dec()
			return true
		}
	}
	return false
}

func (m *Manager) waiterSatisfiedLocked(w *waiter) bool {
	switch w.kind {
	case waitAllCommitted:
		return m.areAllCommittedLocked(w.ts)
	case waitNoneApplying:
		return !m.anyApplyingAtOrBeforeLocked(w.ts)
	}
	return false
}

// wakeWaitersLocked re-evaluates every waiter after a state change and
// signals the satisfied ones. Waiters do not poll: this is the only place
// they are woken.
func (m *Manager) wakeWaitersLocked() {
	if len(m.waiters) == 0 {
		return
	}
	kept := m.waiters[:0]
	for _, w := range m.waiters {
		if m.waiterSatisfiedLocked(w) {
			w.ch <- m.curSnap.clone()
			metricWaiters.Dec()
		} else {
			kept = append(kept, w)
		}
	}
	for i := len(kept); i < len(m.waiters); i++ {
		m.waiters[i] = nil
	}
	m.waiters = kept
}
