package storage

import "sync/atomic"

// WAL_NONE is the sentinel Manager used when a caller opens a PagedStore
// without durability. Wrap hands back the raw PagedStore unmodified. Begin
// only hands out increasing ids from a counter; Commit, Rollback, Recover,
// Checkpoint and Close do nothing. Writes land in the store immediately,
// a Rollback does not undo them, and nothing is logged for recovery.
// SPEC_FULL.md §4.3.7.
var WAL_NONE Manager = &noneManager{}

type noneManager struct {
	nextTxID int64
}

func (n *noneManager) Wrap(ps *PagedStore) (Storage, error) {
	return ps, nil
}

func (n *noneManager) Begin() (int64, error) {
	return atomic.AddInt64(&n.nextTxID, 1), nil
}

func (n *noneManager) Commit(txID int64) error   { return nil }
func (n *noneManager) Rollback(txID int64) error { return nil }
func (n *noneManager) Recover() (int64, error)   { return 0, nil }
func (n *noneManager) Checkpoint() error         { return nil }
func (n *noneManager) Close() error              { return nil }

var _ Manager = (*noneManager)(nil)
