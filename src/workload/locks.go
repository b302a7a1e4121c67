package workload

import (
	"github.com/Blackdeer1524/TupleStore/src/pkg/common"
)

// RowLocks is the exclusive row lock table of the driver. The storage
// engine itself never waits: a write to a row another transaction holds is
// a caller bug it reports as inconsistent, so writers must take the row
// here first.
type RowLocks struct {
	owners map[uint32]common.TxnID
	held   map[common.TxnID][]uint32
}

func NewRowLocks() *RowLocks {
	return &RowLocks{
		owners: make(map[uint32]common.TxnID),
		held:   make(map[common.TxnID][]uint32),
	}
}

// Acquire grants key to txn unless another transaction holds it.
// Re-acquiring an own lock succeeds.
func (l *RowLocks) Acquire(key uint32, txn common.TxnID) bool {
	owner, ok := l.owners[key]
	if ok {
		return owner == txn
	}
	l.owners[key] = txn
	l.held[txn] = append(l.held[txn], key)
	return true
}

func (l *RowLocks) Owner(key uint32) (common.TxnID, bool) {
	owner, ok := l.owners[key]
	return owner, ok
}

func (l *RowLocks) UnlockAll(txn common.TxnID) {
	for _, key := range l.held[txn] {
		delete(l.owners, key)
	}
	delete(l.held, txn)
}

func (l *RowLocks) Len() int {
	return len(l.owners)
}
