package mvcc

import (
	"github.com/pingcap-incubator/tinytablet/kv/tablet/clock"
)

// ScopedTxn ties a transaction's lifetime to a scope. It begins the
// transaction on construction and aborts it in Done unless Commit ran first,
// so a caller that defers Done cannot leak an in-flight timestamp on any
// return path:
//
//	txn := mvcc.NewScopedTxn(mgr)
//	defer txn.Done()
//	// ... mutate ...
//	txn.StartApplying()
//	txn.Commit()
type ScopedTxn struct {
	mgr       *Manager
	ts        clock.HybridTime
	committed bool
}

// NewScopedTxn begins a transaction on mgr.
func NewScopedTxn(mgr *Manager) *ScopedTxn {
	return &ScopedTxn{
		mgr: mgr,
		ts:  mgr.Begin(),
	}
}

// HybridTime returns the transaction's timestamp.
func (t *ScopedTxn) HybridTime() clock.HybridTime {
	return t.ts
}

// StartApplying marks the transaction as applying; after this the only legal
// outcome is Commit.
func (t *ScopedTxn) StartApplying() {
	t.mgr.StartApplying(t.ts)
}

// Commit commits the transaction and disarms Done.
func (t *ScopedTxn) Commit() {
	t.mgr.Commit(t.ts)
	t.committed = true
}

// Done aborts the transaction if it was never committed. Safe to call after
// Commit, in which case it does nothing.
func (t *ScopedTxn) Done() {
	if t.committed {
		return
	}
	t.mgr.Abort(t.ts)
	t.committed = true
}
