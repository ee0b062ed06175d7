package storage

import (
	"io"
	"os"
	"sync"
)

// managedStorage is what Wrap hands back: a WalStorage whose mutating
// calls also append a verification record to the owning WalManager's log.
type managedStorage struct {
	*WalStorage
	mgr    *WalManager
	fileID uint32
}

func (m *managedStorage) Write(payload []byte) (int64, error) {
	offset, err := m.WalStorage.Write(payload)
	if err != nil {
		return 0, err
	}
	if lerr := m.mgr.logWrite(m.fileID, offset, payload); lerr != nil {
		warnOp("walmanager", "log_write", offset, lerr)
	}
	return offset, nil
}

func (m *managedStorage) WriteAt(offset int64, payload []byte) error {
	if err := m.WalStorage.WriteAt(offset, payload); err != nil {
		return err
	}
	if lerr := m.mgr.logWrite(m.fileID, offset, payload); lerr != nil {
		warnOp("walmanager", "log_write_at", offset, lerr)
	}
	return nil
}

func (m *managedStorage) Delete(offset int64) error {
	if err := m.WalStorage.Delete(offset); err != nil {
		return err
	}
	if lerr := m.mgr.logDelete(m.fileID, offset); lerr != nil {
		warnOp("walmanager", "log_delete", offset, lerr)
	}
	return nil
}

// WalManager is the WAL layer over one or more PagedStores sharing a
// single WAL file (SPEC_FULL.md §4.3). Every registered store's writes
// are immediate — the WAL here is a verification log, not a redo log:
// recovery classifies which records belong to a transaction that
// actually committed, it never replays a write into a PagedStore.
type WalManager struct {
	mu   sync.Mutex
	path string
	file StorageFile
	cfg  ManagerConfig
	hdr  walFileHeader

	storesByPath map[string]*managedStorage
	storesByID   map[uint32]*managedStorage
	nextFileID   uint32

	writeOffset  int64
	batchBuf     []byte
	batchRecords int

	activeTxID *int64
	closed     bool
}

// OpenManager opens or creates a WAL file at path. See SPEC_FULL.md §4.3.1.
func OpenManager(path string, cfg ManagerConfig) (*WalManager, error) {
	cfg = cfg.ApplyDefaults()

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errIO("walmanager", -1, err)
	}
	return newWalManager(f, path, cfg)
}

// OpenManagerMemory opens an in-memory WAL, useful for tests that want WAL
// semantics without a filesystem.
func OpenManagerMemory(cfg ManagerConfig) (*WalManager, error) {
	cfg = cfg.ApplyDefaults()
	return newWalManager(NewMemFile(), "", cfg)
}

func newWalManager(f StorageFile, path string, cfg ManagerConfig) (*WalManager, error) {
	m := &WalManager{
		path:         path,
		file:         f,
		cfg:          cfg,
		storesByPath: make(map[string]*managedStorage),
		storesByID:   make(map[uint32]*managedStorage),
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errIO("walmanager", -1, err)
	}

	if info.Size() == 0 {
		m.hdr = walFileHeader{version: walFileVersion, headerSize: walFileHeaderSize, nextTxID: 1}
		if err := f.Truncate(walFileHeaderSize); err != nil {
			f.Close()
			return nil, errIO("walmanager", -1, err)
		}
		if err := m.persistHeaderLocked(); err != nil {
			f.Close()
			return nil, err
		}
		m.writeOffset = walFileHeaderSize
	} else {
		buf := make([]byte, walFileHeaderSize)
		if _, err := f.ReadAt(buf, 0); err != nil {
			f.Close()
			return nil, errIO("walmanager", 0, err)
		}
		hdr, err := decodeWalFileHeader(buf)
		if err != nil {
			f.Close()
			return nil, err
		}
		m.hdr = hdr
		m.writeOffset = info.Size()
	}

	return m, nil
}

func (m *WalManager) persistHeaderLocked() error {
	buf := encodeWalFileHeader(m.hdr)
	if _, err := m.file.WriteAt(buf, 0); err != nil {
		return errIO("walmanager", 0, err)
	}
	return nil
}

// Wrap registers ps and returns the Storage client code drives instead of
// ps directly. Idempotent per ps.path; in-memory stores (empty path) are
// never deduplicated since they have no stable identity.
func (m *WalManager) Wrap(ps *PagedStore) (Storage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ps.path != "" {
		if existing, ok := m.storesByPath[ps.path]; ok {
			return existing, nil
		}
	}

	fileID := m.nextFileID
	m.nextFileID++

	ws := NewWalStorage(ps, nil)
	ms := &managedStorage{WalStorage: ws, mgr: m, fileID: fileID}

	if ps.path != "" {
		m.storesByPath[ps.path] = ms
	}
	m.storesByID[fileID] = ms
	return ms, nil
}

func (m *WalManager) allStoresLocked() []*managedStorage {
	out := make([]*managedStorage, 0, len(m.storesByID))
	for _, s := range m.storesByID {
		out = append(out, s)
	}
	return out
}

// Begin starts a new transaction spanning every store currently registered
// with this manager and returns its id.
func (m *WalManager) Begin() (int64, error) {
	m.mu.Lock()
	if m.activeTxID != nil {
		id := *m.activeTxID
		m.mu.Unlock()
		return 0, errInvalidTransaction("walmanager", id)
	}
	txID := m.hdr.nextTxID
	m.hdr.nextTxID++
	m.activeTxID = &txID
	stores := m.allStoresLocked()
	m.mu.Unlock()

	for _, s := range stores {
		s.WalStorage.SetTransaction(&txID)
	}
	traceOp("walmanager", "begin", txID)
	return txID, nil
}

// Commit appends a commit record, flushes and fsyncs per SyncMode, then
// commits every participating store's in-memory bookkeeping.
func (m *WalManager) Commit(txID int64) error {
	m.mu.Lock()
	if m.activeTxID == nil || *m.activeTxID != txID {
		m.mu.Unlock()
		return errInvalidTransaction("walmanager", txID)
	}
	rec := m.encodeRecord(walOpCommit, txID, 0, -1, nil)
	if err := m.appendRecordLocked(rec); err != nil {
		m.mu.Unlock()
		return err
	}
	if err := m.flushBatchLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	if err := m.maybeSyncLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	m.hdr.committedOffset = m.writeOffset
	if err := m.persistHeaderLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	m.activeTxID = nil
	stores := m.allStoresLocked()
	m.mu.Unlock()

	var firstErr error
	for _, s := range stores {
		if err := s.WalStorage.Commit(txID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	traceOp("walmanager", "commit", txID)
	return firstErr
}

// Rollback undoes the transaction on every participating store. Records
// already appended for this tx are left in place with no matching commit
// record; Recover treats those as inert. See SPEC_FULL.md §9 for the
// accepted limitation that rollback's undo state lives only in memory and
// does not survive a crash mid-rollback.
func (m *WalManager) Rollback(txID int64) error {
	m.mu.Lock()
	if m.activeTxID == nil || *m.activeTxID != txID {
		m.mu.Unlock()
		return errInvalidTransaction("walmanager", txID)
	}
	m.activeTxID = nil
	stores := m.allStoresLocked()
	m.mu.Unlock()

	var firstErr error
	for _, s := range stores {
		if err := s.WalStorage.Rollback(txID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	traceOp("walmanager", "rollback", txID)
	return firstErr
}

func (m *WalManager) logWrite(fileID uint32, offset int64, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	body := payload
	if !m.cfg.LogPageData {
		body = nil
	}
	rec := m.encodeRecord(walOpPageWrite, m.currentTxIDLocked(), fileID, offset, body)
	return m.appendRecordLocked(rec)
}

func (m *WalManager) logDelete(fileID uint32, offset int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.encodeRecord(walOpDelete, m.currentTxIDLocked(), fileID, offset, nil)
	return m.appendRecordLocked(rec)
}

func (m *WalManager) currentTxIDLocked() int64 {
	if m.activeTxID == nil {
		return 0
	}
	return *m.activeTxID
}

func (m *WalManager) encodeRecord(op walOp, txID int64, fileID uint32, pageOffset int64, payload []byte) []byte {
	flags := uint8(0)
	body := payload
	if len(payload) >= m.cfg.CompressionThreshold && len(payload) > 0 {
		if compressed := compressFlate(payload); len(compressed) < len(payload) {
			body = compressed
			flags |= walFlagCompressed
		}
	}
	hdr := walRecordHeader{
		op:           op,
		txID:         txID,
		fileID:       fileID,
		pageOffset:   pageOffset,
		flags:        flags,
		originalSize: uint32(len(body)),
	}
	hdr.checksum = crc16(body)
	buf := make([]byte, walRecordHeaderSize+len(body))
	encodeWalRecordHeader(hdr, buf[:walRecordHeaderSize])
	copy(buf[walRecordHeaderSize:], body)
	return buf
}

// appendRecordLocked batches rec, flushing when the batch exceeds
// BatchBufferCapacity or BatchSizeLimit, or writing it straight through
// when rec alone is at or above DirectWriteThreshold.
func (m *WalManager) appendRecordLocked(rec []byte) error {
	m.hdr.totalCount++
	if len(rec) >= m.cfg.DirectWriteThreshold {
		if err := m.flushBatchLocked(); err != nil {
			return err
		}
		return m.writeDirectLocked(rec)
	}
	m.batchBuf = append(m.batchBuf, rec...)
	m.batchRecords++
	if len(m.batchBuf) >= m.cfg.BatchBufferCapacity || m.batchRecords >= m.cfg.BatchSizeLimit {
		return m.flushBatchLocked()
	}
	return nil
}

func (m *WalManager) writeDirectLocked(rec []byte) error {
	if _, err := m.file.WriteAt(rec, m.writeOffset); err != nil {
		return errIO("walmanager", m.writeOffset, err)
	}
	m.writeOffset += int64(len(rec))
	m.hdr.processedCount++
	return nil
}

func (m *WalManager) flushBatchLocked() error {
	if len(m.batchBuf) == 0 {
		return nil
	}
	if _, err := m.file.WriteAt(m.batchBuf, m.writeOffset); err != nil {
		return errIO("walmanager", m.writeOffset, err)
	}
	m.writeOffset += int64(len(m.batchBuf))
	m.hdr.processedCount += int64(m.batchRecords)
	m.batchBuf = m.batchBuf[:0]
	m.batchRecords = 0
	return nil
}

// maybeSyncLocked fsyncs the WAL file unless SyncOff. Go's os.File.Sync
// has no fdatasync counterpart, so SyncNormal and SyncFull share this one
// path rather than silently pretending to honor a distinction the
// platform can't make (documented in SPEC_FULL.md §4.3).
func (m *WalManager) maybeSyncLocked() error {
	if m.cfg.SyncMode == SyncOff {
		return nil
	}
	if err := m.file.Sync(); err != nil {
		return errIO("walmanager", m.writeOffset, err)
	}
	return nil
}

// readRecordAt reads and validates one record starting at offset, returning
// its header, body, and the offset of the next record. Returns io.EOF or
// io.ErrUnexpectedEOF when offset lands on a short or torn tail, which a
// scan treats as "stop cleanly here" rather than a hard failure.
func (m *WalManager) readRecordAt(offset int64) (walRecordHeader, []byte, int64, error) {
	info, err := m.file.Stat()
	if err != nil {
		return walRecordHeader{}, nil, 0, err
	}
	if offset+walRecordHeaderSize > info.Size() {
		return walRecordHeader{}, nil, 0, io.EOF
	}
	hdrBuf := make([]byte, walRecordHeaderSize)
	if _, err := m.file.ReadAt(hdrBuf, offset); err != nil {
		return walRecordHeader{}, nil, 0, err
	}
	hdr := decodeWalRecordHeader(hdrBuf)
	bodyOff := offset + walRecordHeaderSize
	if bodyOff+int64(hdr.originalSize) > info.Size() {
		return walRecordHeader{}, nil, 0, io.ErrUnexpectedEOF
	}
	body := make([]byte, hdr.originalSize)
	if hdr.originalSize > 0 {
		if _, err := m.file.ReadAt(body, bodyOff); err != nil {
			return walRecordHeader{}, nil, 0, err
		}
	}
	if crc16(body) != hdr.checksum {
		return walRecordHeader{}, nil, 0, errCorrupt("walmanager", offset, "wal record checksum mismatch")
	}
	return hdr, body, bodyOff + int64(hdr.originalSize), nil
}

// Recover performs the two-pass scan SPEC_FULL.md §4.3.5 describes. Pass
// one collects which transaction ids have a commit record; pass two flags
// any page write or delete attributed to a transaction that never
// committed, and counts every record verified as belonging to one that
// did. Because every write already landed in its PagedStore the moment it
// happened, recovery can only report the uncommitted condition, not repair
// it (SPEC_FULL.md §9 open question, accepted as specified). The returned
// count is §4.3.1's replayed_count: the number of operations recovery
// verified as durable, not a count of writes replayed into a PagedStore.
func (m *WalManager) Recover() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	committed := map[int64]bool{0: true} // txID 0 is the autocommit sentinel
	offset := int64(walFileHeaderSize)
	for {
		hdr, _, next, err := m.readRecordAt(offset)
		if err != nil {
			if cerr, ok := err.(*Error); ok && cerr.Kind == KindCorrupt {
				warnOp("walmanager", "recover_checksum_mismatch", offset, err)
			}
			break
		}
		if hdr.op == walOpCommit {
			committed[hdr.txID] = true
		}
		offset = next
	}

	var replayed int64
	offset = walFileHeaderSize
	for {
		hdr, _, next, err := m.readRecordAt(offset)
		if err != nil {
			break
		}
		if hdr.op == walOpPageWrite || hdr.op == walOpDelete {
			if committed[hdr.txID] {
				replayed++
			} else {
				warnOp("walmanager", "uncommitted_write_survives", hdr.pageOffset,
					errCorrupt("walmanager", hdr.pageOffset, "page write belongs to a transaction with no commit record"))
			}
		}
		offset = next
	}

	m.writeOffset = offset
	traceOp("walmanager", "recover", offset)
	return replayed, nil
}

// Checkpoint marks all records up to the last commit as durable. In
// WalModeTruncate it shrinks the file back to just the header; in
// WalModeLog it only advances the checkpoint marker, leaving the log for
// later inspection.
func (m *WalManager) Checkpoint() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.flushBatchLocked(); err != nil {
		return err
	}
	if err := m.maybeSyncLocked(); err != nil {
		return err
	}

	m.hdr.checkpointOffset = m.hdr.committedOffset
	if m.cfg.WalMode == WalModeTruncate {
		if err := m.file.Truncate(walFileHeaderSize); err != nil {
			return errIO("walmanager", 0, err)
		}
		m.writeOffset = walFileHeaderSize
		m.hdr.committedOffset = walFileHeaderSize
		m.hdr.checkpointOffset = walFileHeaderSize
		m.hdr.totalCount = 0
		m.hdr.processedCount = 0
	}
	if err := m.persistHeaderLocked(); err != nil {
		return err
	}
	traceOp("walmanager", "checkpoint", m.writeOffset)
	return nil
}

// Close flushes any pending batch, persists the header, and closes the
// WAL file. It does not close the registered PagedStores; callers own
// their lifetime independently.
func (m *WalManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if err := m.flushBatchLocked(); err != nil {
		return err
	}
	if err := m.persistHeaderLocked(); err != nil {
		return err
	}
	return m.file.Close()
}

var _ Manager = (*WalManager)(nil)
