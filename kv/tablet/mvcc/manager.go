package mvcc

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/juju/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/pingcap-incubator/tinytablet/config"
	"github.com/pingcap-incubator/tinytablet/kv/tablet/clock"
)

type txnPhase int

const (
	txnInFlight txnPhase = iota
	txnApplying
)

func (p txnPhase) String() string {
	switch p {
	case txnInFlight:
		return "IN-FLIGHT"
	case txnApplying:
		return "APPLYING"
	}
	return fmt.Sprintf("txnPhase(%d)", int(p))
}

// inFlightTxn is an entry of the in-flight set, ordered by hybrid time.
type inFlightTxn struct {
	ts    clock.HybridTime
	phase txnPhase
}

func (t *inFlightTxn) Less(other btree.Item) bool {
	return t.ts < other.(*inFlightTxn).ts
}

// ContractViolation is the panic value raised when a caller drives the
// transaction lifecycle out of sequence. It indicates a bug in the caller,
// not an environmental fault; callers must never recover from it.
type ContractViolation struct {
	msg string
}

func (v *ContractViolation) Error() string {
	return v.msg
}

func violationf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.Error("mvcc lifecycle contract violated", zap.String("violation", msg))
	panic(&ContractViolation{msg: msg})
}

// Manager coordinates MVCC for one tablet. It tracks which write transactions
// are in flight, maintains the current committed snapshot and the safe-time
// watermark, and lets readers block until a consistent cut of history is
// visible.
//
// Every tablet owns exactly one Manager for its lifetime. The state is not
// persisted anywhere: recovery rebuilds it by replaying BeginAt /
// OfflineCommit / OfflineAdjustSafeTime from the log.
type Manager struct {
	clock         clock.Clock
	waitQueueWarn int

	mu       sync.Mutex
	curSnap  Snapshot
	inFlight *btree.BTree
	// Highest hybrid time at or below which no new transaction may begin.
	// Advanced by live commits and by explicit safe-time adjustments, never
	// by offline commits.
	noNewTxnsAtOrBefore clock.HybridTime
	anyCommitted        bool
	waiters             []*waiter
}

// NewManager creates a coordinator issuing timestamps from c.
func NewManager(c clock.Clock) *Manager {
	return NewManagerWithConfig(c, &config.DefaultConf)
}

// NewManagerWithConfig creates a coordinator with tunables from conf.
func NewManagerWithConfig(c clock.Clock, conf *config.Config) *Manager {
	return &Manager{
		clock:               c,
		waitQueueWarn:       conf.WaitQueueWarnThreshold,
		curSnap:             NewSnapshot(),
		inFlight:            btree.New(8),
		noNewTxnsAtOrBefore: clock.MinHybridTime,
	}
}

// tryBeginLocked inserts ts as in-flight. It refuses timestamps at or below
// the no-new-transactions bound and duplicates.
func (m *Manager) tryBeginLocked(ts clock.HybridTime) bool {
	if ts <= m.noNewTxnsAtOrBefore {
		return false
	}
	if m.inFlight.Get(&inFlightTxn{ts: ts}) != nil {
		return false
	}
	m.inFlight.ReplaceOrInsert(&inFlightTxn{ts: ts, phase: txnInFlight})
	metricBegunTxns.Inc()
	metricInFlightTxns.Inc()
	return true
}

// Begin starts a new transaction at the next hybrid time and returns that
// time. The caller must eventually resolve it with StartApplying+Commit, or
// Abort.
func (m *Manager) Begin() clock.HybridTime {
	for {
		now := m.clock.Now()
		m.mu.Lock()
		ok := m.tryBeginLocked(now)
		m.mu.Unlock()
		if ok {
			return now
		}
		// The clock raced with a commit that advanced the lower bound; take
		// a fresh timestamp and retry.
	}
}

// BeginAtLatest starts a transaction at "now" plus the maximum clock
// uncertainty, for commit-wait writes whose timestamp must not be in the past
// on any node.
func (m *Manager) BeginAtLatest() clock.HybridTime {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		latest := m.clock.NowLatest()
		if m.tryBeginLocked(latest) {
			return latest
		}
	}
}

// BeginAt starts a transaction at a specific, possibly past, hybrid time.
// Used when replaying the log during replication catch-up and bootstrap; the
// replay driver is responsible for advancing the clock past ts through its
// own update path.
func (m *Manager) BeginAt(ts clock.HybridTime) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.curSnap.IsCommitted(ts) {
		return errors.Errorf("cannot begin transaction at hybrid time %v: already committed", ts)
	}
	if !m.tryBeginLocked(ts) {
		return errors.Errorf("cannot begin transaction at hybrid time %v: already in flight or at or below the no-new-transactions bound (%v)",
			ts, m.noNewTxnsAtOrBefore)
	}
	log.Debug("replay transaction begun", zap.Uint64("ts", uint64(ts)))
	return nil
}

// StartApplying moves the transaction at ts from in-flight to applying. Once
// applying, the transaction is past the point of no return: it must commit.
func (m *Manager) StartApplying(ts clock.HybridTime) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := m.inFlight.Get(&inFlightTxn{ts: ts})
	if item == nil {
		violationf("cannot mark hybrid time %v as APPLYING: not in the in-flight map", ts)
	}
	txn := item.(*inFlightTxn)
	if txn.phase != txnInFlight {
		violationf("cannot mark hybrid time %v as APPLYING: wrong state: %v", ts, txn.phase)
	}
	txn.phase = txnApplying
}

// commitLocked removes ts from the in-flight set and folds it into the
// current snapshot. Returns whether ts was the earliest in-flight
// transaction, in which case the clean-time watermark may move.
func (m *Manager) commitLocked(ts clock.HybridTime) bool {
	item := m.inFlight.Get(&inFlightTxn{ts: ts})
	if item == nil {
		violationf("trying to remove hybrid time which isn't in the in-flight set: %v", ts)
	}
	txn := item.(*inFlightTxn)
	if txn.phase != txnApplying {
		violationf("trying to commit transaction %v which never entered the APPLYING state", ts)
	}
	wasEarliest := m.inFlight.Min().(*inFlightTxn).ts == ts
	m.inFlight.Delete(item)
	m.curSnap.addCommitted(ts)
	m.anyCommitted = true
	metricInFlightTxns.Dec()
	return wasEarliest
}

// Commit commits the transaction at ts. The transaction must be in the
// applying phase. This advances the safe-time watermark: no new transaction
// may begin at or below ts afterwards.
func (m *Manager) Commit(ts clock.HybridTime) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wasEarliest := m.commitLocked(ts)
	if ts > m.noNewTxnsAtOrBefore {
		m.noNewTxnsAtOrBefore = ts
	}
	if wasEarliest {
		m.adjustCleanTimeLocked()
	}
	m.wakeWaitersLocked()
	metricCommittedTxns.WithLabelValues("live").Inc()
}

// OfflineCommit commits a replayed transaction. Unlike Commit it does not
// advance the safe-time watermark: during replay that bound is set explicitly
// and conservatively by the driver through OfflineAdjustSafeTime.
func (m *Manager) OfflineCommit(ts clock.HybridTime) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wasEarliest := m.commitLocked(ts)
	if wasEarliest {
		m.adjustCleanTimeLocked()
	}
	m.wakeWaitersLocked()
	metricCommittedTxns.WithLabelValues("offline").Inc()
}

// OfflineAdjustSafeTime raises the safe-time watermark directly, decoupled
// from any particular commit.
func (m *Manager) OfflineAdjustSafeTime(ts clock.HybridTime) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts > m.noNewTxnsAtOrBefore {
		m.noNewTxnsAtOrBefore = ts
	}
	m.adjustCleanTimeLocked()
	m.wakeWaitersLocked()
}

// Abort drops the transaction at ts without committing anything. Only legal
// while the transaction is still in-flight; an applying transaction can no
// longer be taken back.
func (m *Manager) Abort(ts clock.HybridTime) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := m.inFlight.Get(&inFlightTxn{ts: ts})
	if item == nil {
		violationf("trying to remove hybrid time which isn't in the in-flight set: %v", ts)
	}
	txn := item.(*inFlightTxn)
	if txn.phase != txnInFlight {
		violationf("transaction with hybrid time %v cannot be aborted in state %v", ts, txn.phase)
	}
	m.inFlight.Delete(item)
	metricAbortedTxns.Inc()
	metricInFlightTxns.Dec()
	// Nothing committed, so clean-snapshot waiters cannot make progress, but
	// apply-completion waiters may if this was the last tracked transaction.
	m.wakeWaitersLocked()
}

// adjustCleanTimeLocked recomputes allCommittedBefore after the earliest
// in-flight transaction went away or the safe-time bound moved.
//
// The new watermark is the earliest in-flight transaction if one remains
// below the no-new-transactions bound; otherwise one past that bound, since
// nothing can begin at or below it anymore. In-flight transactions above the
// bound (commit-wait transactions started in the future) do not hold the
// watermark back.
func (m *Manager) adjustCleanTimeLocked() {
	if min := m.inFlight.Min(); min != nil && min.(*inFlightTxn).ts < m.noNewTxnsAtOrBefore {
		m.curSnap.allCommittedBefore = min.(*inFlightTxn).ts
	} else {
		m.curSnap.allCommittedBefore = m.noNewTxnsAtOrBefore.Next()
	}
	m.curSnap.trimCommittedBelow(m.curSnap.allCommittedBefore)
}

// TakeSnapshot returns an independent copy of the current snapshot. It stays
// valid forever regardless of later commits.
func (m *Manager) TakeSnapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.curSnap.clone()
}

// areAllCommittedLocked reports whether no transaction at or below ts can be
// or become uncommitted.
func (m *Manager) areAllCommittedLocked(ts clock.HybridTime) bool {
	if m.inFlight.Len() == 0 {
		// Nothing in flight: if ts is in the past, no new transaction can
		// ever appear at or below it.
		if ts <= m.clock.Now() {
			return true
		}
	}
	return !m.curSnap.MayHaveUncommittedTransactionsAtOrBefore(ts)
}

// AreAllTransactionsCommitted reports whether every transaction at or below
// ts has committed.
func (m *Manager) AreAllTransactionsCommitted(ts clock.HybridTime) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.areAllCommittedLocked(ts)
}

// GetMaxSafeTimeToReadAt returns the highest hybrid time a reader may use
// without risking a transaction later materializing below it.
func (m *Manager) GetMaxSafeTimeToReadAt() clock.HybridTime {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight.Len() > 0 {
		return m.inFlight.Min().(*inFlightTxn).ts - 1
	}
	if !m.anyCommitted {
		return clock.MinHybridTime
	}
	return m.clock.Now()
}

// WaitForCleanSnapshotAt blocks until every transaction at or below ts has
// committed, then returns the satisfying snapshot. A zero deadline blocks
// indefinitely; otherwise a timeout error (errors.IsTimeout) is returned when
// the deadline passes first.
func (m *Manager) WaitForCleanSnapshotAt(ts clock.HybridTime, deadline time.Time) (Snapshot, error) {
	m.mu.Lock()
	if m.areAllCommittedLocked(ts) {
		snap := m.curSnap.clone()
		m.mu.Unlock()
		return snap, nil
	}
	w := m.registerWaiterLocked(waitAllCommitted, ts)
	m.mu.Unlock()

	if deadline.IsZero() {
		return <-w.ch, nil
	}
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case snap := <-w.ch:
		return snap, nil
	case <-timer.C:
		m.mu.Lock()
		removed := m.removeWaiterLocked(w)
		m.mu.Unlock()
		if !removed {
			// A committer satisfied the waiter while the timer fired; the
			// snapshot is already in the channel.
			return <-w.ch, nil
		}
		return Snapshot{}, errors.Timeoutf("waiting for all transactions at or below hybrid time %v to commit", ts)
	}
}

// WaitForCleanSnapshot is WaitForCleanSnapshotAt at the current hybrid time.
func (m *Manager) WaitForCleanSnapshot(deadline time.Time) (Snapshot, error) {
	return m.WaitForCleanSnapshotAt(m.clock.Now(), deadline)
}

// WaitForApplyingToCommit blocks until no transaction that is currently in
// the applying phase remains in flight. Transactions that start applying
// after the call are not waited for.
func (m *Manager) WaitForApplyingToCommit() {
	m.mu.Lock()
	waitFor := clock.MinHybridTime
	m.inFlight.Ascend(func(i btree.Item) bool {
		txn := i.(*inFlightTxn)
		if txn.phase == txnApplying && txn.ts > waitFor {
			waitFor = txn.ts
		}
		return true
	})
	if waitFor == clock.MinHybridTime {
		m.mu.Unlock()
		return
	}
	w := m.registerWaiterLocked(waitNoneApplying, waitFor)
	m.mu.Unlock()
	<-w.ch
}

// anyApplyingAtOrBeforeLocked reports whether some in-flight transaction at
// or below ts is in the applying phase.
func (m *Manager) anyApplyingAtOrBeforeLocked(ts clock.HybridTime) bool {
	found := false
	m.inFlight.AscendLessThan(&inFlightTxn{ts: ts.Next()}, func(i btree.Item) bool {
		if i.(*inFlightTxn).phase == txnApplying {
			found = true
			return false
		}
		return true
	})
	return found
}

// NumWaiters returns the number of blocked waiters, for tests and
// introspection.
func (m *Manager) NumWaiters() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}
