package storage

// Manager is the WAL layer's public contract (SPEC_FULL.md §4.3.1). Both
// WalManager and the WAL_NONE sentinel implement it, so code above this
// package is identical whether or not WAL is enabled for a given open.
type Manager interface {
	// Wrap registers a PagedStore with the manager and returns the
	// Storage client code should use instead of the raw store. Wrap is
	// idempotent per underlying path: wrapping a file-backed store twice
	// returns the same Storage. WalManager does not deduplicate in-memory
	// stores (empty path); each Wrap of one registers a new Storage.
	Wrap(ps *PagedStore) (Storage, error)
	Begin() (int64, error)
	Commit(txID int64) error
	Rollback(txID int64) error
	// Recover scans the WAL and reports how many page write/delete records
	// were verified as belonging to a committed transaction (§4.3.1's
	// replayed_count). It is a verification count, not a redo count: every
	// write already landed in its PagedStore the moment it happened.
	Recover() (int64, error)
	Checkpoint() error
	Close() error
}
