package storage

import "sync"

// writeAtNewer is satisfied by stores that support restoring a record at a
// specific, currently-free offset. PagedStore implements it; the type
// assertion in Rollback keeps WalStorage usable over any Storage that
// doesn't need the capability (nothing to restore if nothing was deleted).
type writeAtNewer interface {
	WriteAtNew(offset int64, payload []byte) error
}

// WalStorage wraps a Storage with transaction scoping (SPEC_FULL.md §4.2).
// It does not itself guarantee durability across a crash mid-transaction —
// that is WalManager's job; WalStorage only tracks, for the current
// process, what Commit keeps and what Rollback undoes. Rollback is
// best-effort: a failed undo step is logged and the remaining steps still
// run (see Rollback).
type WalStorage struct {
	mu      sync.Mutex
	inner   Storage
	txID    *int64
	onWrite func(offset int64) // cache-invalidation hook, nil if unused

	newPages           map[int64]bool
	oldPages           map[int64][]byte
	deletedPageBackups map[int64][]byte
}

// NewWalStorage wraps inner. onWrite, if non-nil, is called after every
// mutating operation with the touched offset, so a caller-side cache (e.g.
// a B+Tree node cache) can invalidate itself without WalStorage knowing
// anything about its shape.
func NewWalStorage(inner Storage, onWrite func(offset int64)) *WalStorage {
	return &WalStorage{inner: inner, onWrite: onWrite}
}

func (ws *WalStorage) Count() int64 { return ws.inner.Count() }
func (ws *WalStorage) Bytes() int64 { return ws.inner.Bytes() }

func (ws *WalStorage) Read(offset int64) ([]byte, error) {
	return ws.inner.Read(offset)
}

func (ws *WalStorage) Head(offset int64, length int32) ([]byte, error) {
	return ws.inner.Head(offset, length)
}

func (ws *WalStorage) Mmap(offset int64, length int32) ([]byte, error) {
	return ws.inner.Mmap(offset, length)
}

// SetTransaction enters or leaves the InTx(id) state (SPEC_FULL.md §4.2.5).
// Passing nil ends the current transaction's bookkeeping without running
// Commit or Rollback; callers should not do this except after Commit or
// Rollback has already cleared the maps.
func (ws *WalStorage) SetTransaction(txID *int64) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.txID = txID
	ws.newPages = make(map[int64]bool)
	ws.oldPages = make(map[int64][]byte)
	ws.deletedPageBackups = make(map[int64][]byte)
	ws.inner.SetTransaction(txID)
}

func (ws *WalStorage) inTx() bool {
	return ws.txID != nil
}

// snapshotBeforeWrite records the pre-image of offset the first time this
// transaction touches it, so Rollback can restore it verbatim.
func (ws *WalStorage) snapshotBeforeWrite(offset int64) error {
	if ws.newPages[offset] {
		return nil
	}
	if _, seen := ws.oldPages[offset]; seen {
		return nil
	}
	before, err := ws.inner.Read(offset)
	if err != nil {
		return err
	}
	cp := make([]byte, len(before))
	copy(cp, before)
	ws.oldPages[offset] = cp
	return nil
}

// Write appends a new record. Within a transaction its offset is tracked
// as new, so Rollback deletes it rather than trying to restore a pre-image.
func (ws *WalStorage) Write(payload []byte) (int64, error) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	offset, err := ws.inner.Write(payload)
	if err != nil {
		return 0, err
	}
	if ws.inTx() {
		ws.newPages[offset] = true
	}
	if ws.onWrite != nil {
		ws.onWrite(offset)
	}
	return offset, nil
}

// WriteAt overwrites the record at offset in place. Within a transaction
// the pre-image is snapshotted before the write, unless offset was created
// by this same transaction (nothing to roll back to but deletion).
func (ws *WalStorage) WriteAt(offset int64, payload []byte) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.inTx() {
		if err := ws.snapshotBeforeWrite(offset); err != nil {
			return err
		}
	}
	if err := ws.inner.WriteAt(offset, payload); err != nil {
		return err
	}
	if ws.onWrite != nil {
		ws.onWrite(offset)
	}
	return nil
}

// Delete removes the record at offset. Within a transaction its
// pre-transaction contents are captured in deletedPageBackups so Rollback
// can re-materialize it at the same offset via write_at_new. If this
// transaction already overwrote the record, the snapshot taken by WriteAt
// moves from oldPages to deletedPageBackups.
func (ws *WalStorage) Delete(offset int64) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	var backup []byte
	if ws.inTx() && !ws.newPages[offset] {
		if orig, seen := ws.oldPages[offset]; seen {
			backup = orig
		} else {
			before, err := ws.inner.Read(offset)
			if err != nil {
				return err
			}
			backup = make([]byte, len(before))
			copy(backup, before)
		}
	}
	if err := ws.inner.Delete(offset); err != nil {
		return err
	}
	if backup != nil {
		ws.deletedPageBackups[offset] = backup
		delete(ws.oldPages, offset)
	}
	delete(ws.newPages, offset)
	if ws.onWrite != nil {
		ws.onWrite(offset)
	}
	return nil
}

// Commit ends the transaction identified by txID, keeping all changes. The
// bookkeeping maps are simply discarded; nothing further needs to touch the
// underlying store since every operation was already applied immediately.
//
// Committing a txID that isn't the active transaction (none active, or a
// stale id from a transaction that already ended) is a no-op success
// rather than an error: SPEC_FULL.md §4.2.1's idempotence property requires
// a second Commit of the same transaction to be harmless.
func (ws *WalStorage) Commit(txID int64) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if !ws.inTx() || *ws.txID != txID {
		traceOp("walstorage", "commit_noop", -1)
		return nil
	}
	ws.txID = nil
	ws.newPages = nil
	ws.oldPages = nil
	ws.deletedPageBackups = nil
	ws.inner.SetTransaction(nil)
	traceOp("walstorage", "commit", -1)
	return nil
}

// Rollback undoes every operation performed during the transaction
// identified by txID, in the order SPEC_FULL.md §4.2.4 requires:
//  1. delete every page this transaction created
//  2. write_at every page this transaction overwrote, restoring its
//     pre-image
//  3. write_at_new every page this transaction deleted, restoring it at
//     its original offset
//
// Failures during rollback are logged and rollback continues best-effort
// (SPEC_FULL.md §7): a partially-failed rollback still leaves the store in
// a better state than abandoning it, and there is no higher authority to
// escalate the error to once the caller has already decided to abort.
//
// Rolling back a txID that isn't the active transaction is a no-op
// success, for the same idempotence reason as Commit.
func (ws *WalStorage) Rollback(txID int64) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if !ws.inTx() || *ws.txID != txID {
		traceOp("walstorage", "rollback_noop", -1)
		return nil
	}

	for offset := range ws.newPages {
		if err := ws.inner.Delete(offset); err != nil {
			warnOp("walstorage", "rollback_delete_new", offset, err)
		}
	}

	for offset, before := range ws.oldPages {
		if err := ws.inner.WriteAt(offset, before); err != nil {
			warnOp("walstorage", "rollback_restore_old", offset, err)
		}
	}

	restorer, canRestore := ws.inner.(writeAtNewer)
	for offset, before := range ws.deletedPageBackups {
		if !canRestore {
			warnOp("walstorage", "rollback_restore_deleted", offset, errUnsupported("walstorage", "write_at_new"))
			continue
		}
		if err := restorer.WriteAtNew(offset, before); err != nil {
			warnOp("walstorage", "rollback_restore_deleted", offset, err)
		}
	}

	ws.txID = nil
	ws.newPages = nil
	ws.oldPages = nil
	ws.deletedPageBackups = nil
	ws.inner.SetTransaction(nil)
	traceOp("walstorage", "rollback", -1)
	return nil
}

func (ws *WalStorage) Close() error {
	return ws.inner.Close()
}

var _ Storage = (*WalStorage)(nil)
