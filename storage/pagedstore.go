package storage

import (
	"fmt"
	"os"
	"sync"

	"github.com/klauspost/compress/snappy"
)

// PagedStore is an append/overwrite/delete record store over a
// block-structured file, with overflow chaining and a free-list. See
// SPEC_FULL.md §3.1 and §4.1 for the on-disk format and contract.
type PagedStore struct {
	mu   sync.RWMutex
	file StorageFile
	path string
	lock *fileLock

	mode   Mode
	opts   Options
	cache  *lruCache // nil for Direct I/O stores

	blockBytes       uint32
	blockHeaderBytes uint32
	blockSize        int64
	headerSize       int64 // size in bytes of the header region (>= one block)
	extraHeaderBytes uint32

	count    int64
	bytes    int64
	freeHead int64 // -1 if none
	fileSize int64 // current allocated file size

	closed bool
}

// Open opens or creates a PagedStore at path. Fails with InvalidHeader on
// magic/version mismatch, Io on filesystem error, Unsupported if Direct
// I/O is requested on a host this package does not know how to align for.
func Open(path string, mode Mode, opts Options) (*PagedStore, error) {
	opts = opts.ApplyDefaults()
	if opts.IOType == Direct && !directIOSupported() {
		return nil, errUnsupported("pagedstore", "direct i/o not supported on this host")
	}

	flags := os.O_RDWR | os.O_CREATE
	if mode == ReadOnly {
		flags = os.O_RDONLY
	}
	if opts.IOType == Direct {
		flags |= directOpenFlag()
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, errIO("pagedstore", -1, err)
	}

	var lock *fileLock
	if mode == ReadWrite {
		lock, err = lockFile(path)
		if err != nil {
			f.Close()
			return nil, errIO("pagedstore", -1, err)
		}
	}

	ps, err := newPagedStore(f, path, mode, opts, lock)
	if err != nil {
		f.Close()
		if lock != nil {
			lock.unlock()
		}
		return nil, err
	}
	return ps, nil
}

// OpenMemory opens an in-memory PagedStore (no file descriptor, no OS
// lock). Used by tests and by WAL_NONE scratch usage.
func OpenMemory(opts Options) (*PagedStore, error) {
	opts = opts.ApplyDefaults()
	return newPagedStore(NewMemFile(), "", ReadWrite, opts, nil)
}

func newPagedStore(f StorageFile, path string, mode Mode, opts Options, lock *fileLock) (*PagedStore, error) {
	if opts.IOType == Direct && !directIOSupported() {
		return nil, errUnsupported("pagedstore", "direct i/o not supported on this host")
	}

	ps := &PagedStore{
		file:             f,
		path:             path,
		lock:             lock,
		mode:             mode,
		opts:             opts,
		blockBytes:       opts.BlockBytes,
		blockHeaderBytes: BlockHeaderBytes,
		extraHeaderBytes: opts.ExtraHeaderBytes,
	}
	ps.blockSize = int64(ps.blockBytes) + int64(ps.blockHeaderBytes)

	headerPayload := int64(fileHeaderFixedSize) + int64(ps.extraHeaderBytes)
	headerBlocks := (headerPayload + int64(ps.blockBytes) - 1) / int64(ps.blockBytes)
	if headerBlocks < 1 {
		headerBlocks = 1
	}
	ps.headerSize = headerBlocks * ps.blockSize

	if opts.IOType == Buffered {
		ps.cache = newLRUCache(256)
	}

	info, err := f.Stat()
	if err != nil {
		return nil, errIO("pagedstore", -1, err)
	}

	if info.Size() == 0 {
		ps.fileSize = ps.headerSize
		ps.freeHead = -1
		if err := f.Truncate(ps.headerSize); err != nil {
			return nil, errIO("pagedstore", -1, err)
		}
		if err := ps.flushHeader(); err != nil {
			return nil, err
		}
	} else {
		ps.fileSize = info.Size()
		if err := ps.loadHeader(); err != nil {
			return nil, err
		}
	}

	return ps, nil
}

func (ps *PagedStore) loadHeader() error {
	buf := ps.newBlockBuffer()
	if _, err := ps.file.ReadAt(buf, 0); err != nil {
		return errIO("pagedstore", 0, err)
	}
	hdr, err := decodeFileHeader(buf[ps.blockHeaderBytes:])
	if err != nil {
		return err
	}
	if hdr.blockBytes != ps.blockBytes || hdr.blockHeaderBytes != ps.blockHeaderBytes {
		return errInvalidHeader("pagedstore", "block size mismatch with on-disk header")
	}
	ps.count = hdr.count
	ps.bytes = hdr.bytes
	ps.freeHead = hdr.freeHead
	if hdr.extraHeaderBytes > ps.extraHeaderBytes {
		ps.extraHeaderBytes = hdr.extraHeaderBytes
	}
	return nil
}

func (ps *PagedStore) flushHeader() error {
	buf := ps.newHeaderBuffer()
	encodeBlockHeader(blockHeader{}, buf[:ps.blockHeaderBytes])
	encodeFileHeader(fileHeader{
		blockBytes:       ps.blockBytes,
		blockHeaderBytes: ps.blockHeaderBytes,
		count:            ps.count,
		bytes:            ps.bytes,
		freeHead:         ps.freeHead,
		extraHeaderBytes: ps.extraHeaderBytes,
	}, buf[ps.blockHeaderBytes:])
	if _, err := ps.file.WriteAt(buf, 0); err != nil {
		return errIO("pagedstore", 0, err)
	}
	return nil
}

// Count returns the number of live records.
func (ps *PagedStore) Count() int64 {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.count
}

// Bytes returns the total live payload length across all records.
func (ps *PagedStore) Bytes() int64 {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.bytes
}

// SetTransaction is a no-op on PagedStore; transaction scoping is
// WalStorage's responsibility. Present to satisfy the Storage interface.
func (ps *PagedStore) SetTransaction(txID *int64) {}

// Close flushes the header and releases resources. Idempotent.
func (ps *PagedStore) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return nil
	}
	ps.closed = true
	var err error
	if ps.mode == ReadWrite {
		err = ps.flushHeader()
	}
	if cerr := ps.file.Close(); cerr != nil && err == nil {
		err = errIO("pagedstore", -1, cerr)
	}
	if ps.lock != nil {
		ps.lock.unlock()
	}
	return err
}

// newBlockBuffer allocates a block-sized scratch buffer, aligned to the
// device logical block size when the store is in Direct I/O mode.
func (ps *PagedStore) newBlockBuffer() []byte {
	if ps.opts.IOType == Direct {
		return alignedBuffer(int(ps.blockSize), directAlignment())
	}
	return make([]byte, ps.blockSize)
}

// newHeaderBuffer allocates a header-region-sized scratch buffer, aligned
// the same way newBlockBuffer is. The header region's size is itself a
// multiple of blockSize (see newPagedStore), so it is safe to hand an
// O_DIRECT fd as long as the caller chose a BlockBytes that keeps blockSize
// a multiple of the device's logical block size.
func (ps *PagedStore) newHeaderBuffer() []byte {
	if ps.opts.IOType == Direct {
		return alignedBuffer(int(ps.headerSize), directAlignment())
	}
	return make([]byte, ps.headerSize)
}

func (ps *PagedStore) readRawBlock(off int64) ([]byte, error) {
	if ps.cache != nil {
		if cached, ok := ps.cache.get(off); ok {
			buf := make([]byte, len(cached))
			copy(buf, cached)
			return buf, nil
		}
	}
	buf := ps.newBlockBuffer()
	if _, err := ps.file.ReadAt(buf, off); err != nil {
		return nil, errIO("pagedstore", off, err)
	}
	if ps.cache != nil {
		cached := make([]byte, len(buf))
		copy(cached, buf)
		ps.cache.put(off, cached)
	}
	return buf, nil
}

func (ps *PagedStore) writeRawBlock(off int64, hdr blockHeader, payload []byte) error {
	buf := ps.newBlockBuffer()
	encodeBlockHeader(hdr, buf[:ps.blockHeaderBytes])
	copy(buf[ps.blockHeaderBytes:], payload)
	if _, err := ps.file.WriteAt(buf, off); err != nil {
		return errIO("pagedstore", off, err)
	}
	if ps.cache != nil {
		cached := make([]byte, len(buf))
		copy(cached, buf)
		ps.cache.put(off, cached)
	}
	return nil
}

// readChainHeaders walks the chain starting at head, returning each
// block's offset and header in order. Fails InvalidOffset if head is not
// a live, non-overflow block.
func (ps *PagedStore) readChainHeaders(head int64) ([]int64, []blockHeader, error) {
	if head < ps.headerSize || (head-ps.headerSize)%ps.blockSize != 0 {
		return nil, nil, errInvalidOffset("pagedstore", head)
	}
	var offsets []int64
	var headers []blockHeader
	off := head
	first := true
	for {
		raw, err := ps.readRawBlock(off)
		if err != nil {
			return nil, nil, err
		}
		h := decodeBlockHeader(raw[:ps.blockHeaderBytes])
		if !h.occupied() {
			return nil, nil, errInvalidOffset("pagedstore", head)
		}
		if first && h.isOverflow() {
			return nil, nil, errInvalidOffset("pagedstore", head)
		}
		if !first && !h.isOverflow() {
			return nil, nil, errCorrupt("pagedstore", off, "continuation block missing overflow flag")
		}
		offsets = append(offsets, off)
		headers = append(headers, h)
		first = false
		if !h.hasOverflow() {
			break
		}
		off = h.nextOffset
	}
	return offsets, headers, nil
}

// Read walks the block chain at offset, concatenating payloads.
func (ps *PagedStore) Read(offset int64) ([]byte, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	offsets, headers, err := ps.readChainHeaders(offset)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(offsets)*int(ps.blockBytes))
	for i, off := range offsets {
		raw, err := ps.readRawBlock(off)
		if err != nil {
			return nil, err
		}
		n := headers[i].usedBytes
		out = append(out, raw[ps.blockHeaderBytes:ps.blockHeaderBytes+uint32(n)]...)
	}
	if ps.opts.Compressor != "" {
		decompressed, derr := snappy.Decode(nil, out)
		if derr == nil {
			out = decompressed
		}
	}
	traceOp("pagedstore", "read", offset)
	return out, nil
}

// popFreeBlock pops the head of the free-list, returning (offset, true)
// or (0, false) if the free-list is empty.
func (ps *PagedStore) popFreeBlock() (int64, bool, error) {
	if ps.freeHead == -1 {
		return 0, false, nil
	}
	off := ps.freeHead
	raw, err := ps.readRawBlock(off)
	if err != nil {
		return 0, false, err
	}
	h := decodeBlockHeader(raw[:ps.blockHeaderBytes])
	ps.freeHead = h.nextOffset
	return off, true, nil
}

// pushFreeBlock prepends off onto the free-list (LIFO).
func (ps *PagedStore) pushFreeBlock(off int64) error {
	h := blockHeader{flags: 0, usedBytes: 0, nextOffset: ps.freeHead}
	if err := ps.writeRawBlock(off, h, nil); err != nil {
		return err
	}
	ps.freeHead = off
	return nil
}

// removeFromFreeList removes a specific offset from the free-list
// wherever it sits in the chain, not just the head. Returns false if the
// offset is not currently free.
func (ps *PagedStore) removeFromFreeList(target int64) (bool, error) {
	if ps.freeHead == -1 {
		return false, nil
	}
	if ps.freeHead == target {
		raw, err := ps.readRawBlock(target)
		if err != nil {
			return false, err
		}
		h := decodeBlockHeader(raw[:ps.blockHeaderBytes])
		ps.freeHead = h.nextOffset
		return true, nil
	}
	prev := ps.freeHead
	for {
		raw, err := ps.readRawBlock(prev)
		if err != nil {
			return false, err
		}
		h := decodeBlockHeader(raw[:ps.blockHeaderBytes])
		if h.nextOffset == -1 {
			return false, nil
		}
		if h.nextOffset == target {
			tgtRaw, err := ps.readRawBlock(target)
			if err != nil {
				return false, err
			}
			tgtHdr := decodeBlockHeader(tgtRaw[:ps.blockHeaderBytes])
			h.nextOffset = tgtHdr.nextOffset
			if err := ps.writeRawBlock(prev, h, nil); err != nil {
				return false, err
			}
			return true, nil
		}
		prev = h.nextOffset
	}
}

// allocateBlocks returns n block offsets: free-list pops first (in
// current chain order), then sequential offsets from extending the file.
func (ps *PagedStore) allocateBlocks(n int) ([]int64, error) {
	if ps.mode == ReadOnly {
		return nil, errReadOnly("pagedstore")
	}
	offsets := make([]int64, 0, n)
	for len(offsets) < n {
		off, ok, err := ps.popFreeBlock()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		offsets = append(offsets, off)
	}
	remaining := n - len(offsets)
	if remaining <= 0 {
		return offsets, nil
	}

	growthBytes := ps.opts.Increment
	if growthBytes < int64(defaultGrowthBlocks)*ps.blockSize {
		growthBytes = int64(defaultGrowthBlocks) * ps.blockSize
	}
	growthBlocks := growthBytes / ps.blockSize
	if growthBlocks < int64(remaining) {
		growthBlocks = int64(remaining)
	}

	start := ps.fileSize
	if err := ps.file.Truncate(start + growthBlocks*ps.blockSize); err != nil {
		return nil, errIO("pagedstore", start, err)
	}
	ps.fileSize = start + growthBlocks*ps.blockSize

	for i := int64(0); i < growthBlocks; i++ {
		off := start + i*ps.blockSize
		if i < int64(remaining) {
			offsets = append(offsets, off)
		} else {
			if err := ps.pushFreeBlock(off); err != nil {
				return nil, err
			}
		}
	}
	return offsets, nil
}

func blocksNeeded(payloadLen int, blockBytes uint32) int {
	if payloadLen == 0 {
		return 1
	}
	return (payloadLen + int(blockBytes) - 1) / int(blockBytes)
}

func (ps *PagedStore) maybeCompress(payload []byte) []byte {
	if ps.opts.Compressor == "" {
		return payload
	}
	return snappy.Encode(nil, payload)
}

// logicalPayloadLength returns the original, pre-compression length of the
// record stored at offsets/headers. Bytes() (§8's "bytes() equals total
// payload length of live records" invariant) must track logical length,
// not the on-disk usedBytes sum, which is the compressed length whenever
// Options.Compressor is set. Snappy frames the decoded length at the start
// of the stream, so this is cheap: no full decompression needed.
func (ps *PagedStore) logicalPayloadLength(offsets []int64, headers []blockHeader) (int64, error) {
	if ps.opts.Compressor == "" {
		var total int64
		for _, h := range headers {
			total += int64(h.usedBytes)
		}
		return total, nil
	}

	raw := make([]byte, 0, len(offsets)*int(ps.blockBytes))
	for i, off := range offsets {
		block, err := ps.readRawBlock(off)
		if err != nil {
			return 0, err
		}
		n := headers[i].usedBytes
		raw = append(raw, block[ps.blockHeaderBytes:ps.blockHeaderBytes+uint32(n)]...)
	}
	decoded, err := snappy.DecodedLen(raw)
	if err != nil {
		return 0, errCorrupt("pagedstore", offsets[0], "unable to determine decoded length of compressed record")
	}
	return int64(decoded), nil
}

// writeChain writes payload across the given offsets, forming a proper
// head/continuation chain, and populates the LRU cache.
func (ps *PagedStore) writeChain(offsets []int64, payload []byte) error {
	n := len(offsets)
	for i, off := range offsets {
		start := i * int(ps.blockBytes)
		end := start + int(ps.blockBytes)
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[start:end]

		var flags uint8 = flagOccupied
		if i > 0 {
			flags |= flagIsOverflow
		}
		nextOffset := int64(-1)
		if i < n-1 {
			flags |= flagHasOverflow
			nextOffset = offsets[i+1]
		}
		h := blockHeader{flags: flags, usedBytes: uint16(len(chunk)), nextOffset: nextOffset}
		if err := ps.writeRawBlock(off, h, chunk); err != nil {
			return err
		}
	}
	return nil
}

// Write allocates blocks for payload (free-list first, extending
// otherwise), writes the chained record, and returns its head offset.
func (ps *PagedStore) Write(payload []byte) (int64, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.mode == ReadOnly {
		return 0, errReadOnly("pagedstore")
	}

	encoded := ps.maybeCompress(payload)
	n := blocksNeeded(len(encoded), ps.blockBytes)
	offsets, err := ps.allocateBlocks(n)
	if err != nil {
		return 0, err
	}
	if err := ps.writeChain(offsets, encoded); err != nil {
		return 0, err
	}

	ps.count++
	ps.bytes += int64(len(payload))
	traceOp("pagedstore", "write", offsets[0])
	return offsets[0], nil
}

// WriteAt overwrites the record at offset in place, per the write_at
// policy in SPEC_FULL.md §4.1.3: reuse min(E,N) blocks, grow or shrink
// the tail as needed. The head offset never changes.
func (ps *PagedStore) WriteAt(offset int64, payload []byte) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.mode == ReadOnly {
		return errReadOnly("pagedstore")
	}

	existing, existingHeaders, err := ps.readChainHeaders(offset)
	if err != nil {
		return err
	}

	oldLen, err := ps.logicalPayloadLength(existing, existingHeaders)
	if err != nil {
		return err
	}

	encoded := ps.maybeCompress(payload)
	n := blocksNeeded(len(encoded), ps.blockBytes)
	e := len(existing)

	var offsets []int64
	if n <= e {
		offsets = existing[:n]
		for i := e - 1; i >= n; i-- {
			if err := ps.pushFreeBlock(existing[i]); err != nil {
				return err
			}
		}
	} else {
		extra, err := ps.allocateBlocks(n - e)
		if err != nil {
			return err
		}
		offsets = append(append([]int64{}, existing...), extra...)
	}

	if err := ps.writeChain(offsets, encoded); err != nil {
		return err
	}
	ps.bytes += int64(len(payload)) - oldLen
	traceOp("pagedstore", "write_at", offset)
	return nil
}

// WriteAtNew re-materializes a record at offset, which must currently be
// on the free-list. This is the dedicated primitive SPEC_FULL.md §9 /
// §4.2.4 requires for WalStorage.Rollback to restore a DELETE: ordinary
// write_at only targets a live head, and an ordinary allocation can
// return any free block, not a specific one.
func (ps *PagedStore) WriteAtNew(offset int64, payload []byte) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.mode == ReadOnly {
		return errReadOnly("pagedstore")
	}

	removed, err := ps.removeFromFreeList(offset)
	if err != nil {
		return err
	}
	if !removed {
		return errCorrupt("pagedstore", offset, "write_at_new target is not on the free-list")
	}

	encoded := ps.maybeCompress(payload)
	n := blocksNeeded(len(encoded), ps.blockBytes)
	offsets := []int64{offset}
	if n > 1 {
		extra, err := ps.allocateBlocks(n - 1)
		if err != nil {
			return err
		}
		offsets = append(offsets, extra...)
	}
	if err := ps.writeChain(offsets, encoded); err != nil {
		return err
	}
	ps.count++
	ps.bytes += int64(len(payload))
	traceOp("pagedstore", "write_at_new", offset)
	return nil
}

// Delete removes the chain at offset, threading released blocks onto the
// free-list LIFO-style (head block ends up reused first).
func (ps *PagedStore) Delete(offset int64) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.mode == ReadOnly {
		return errReadOnly("pagedstore")
	}

	offsets, headers, err := ps.readChainHeaders(offset)
	if err != nil {
		return err
	}

	length, err := ps.logicalPayloadLength(offsets, headers)
	if err != nil {
		return err
	}

	for i := len(offsets) - 1; i >= 0; i-- {
		if err := ps.pushFreeBlock(offsets[i]); err != nil {
			return err
		}
	}

	ps.count--
	ps.bytes -= length
	traceOp("pagedstore", "delete", offset)
	return nil
}

// Head returns a raw byte span starting at offset, bypassing record
// chain semantics. Buffered mode only.
func (ps *PagedStore) Head(offset int64, length int32) ([]byte, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	if ps.opts.IOType == Direct {
		return nil, errUnsupported("pagedstore", "head on direct i/o store")
	}
	buf := make([]byte, length)
	if _, err := ps.file.ReadAt(buf, offset); err != nil {
		return nil, errIO("pagedstore", offset, err)
	}
	return buf, nil
}

// Mmap returns a copy of a raw byte span, read through a temporary memory
// mapping where the platform supports it (mmap_unix.go) and through a
// plain read elsewhere (mmap_other.go). Buffered, disk-backed stores only.
func (ps *PagedStore) Mmap(offset int64, length int32) ([]byte, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	if ps.opts.IOType == Direct {
		return nil, errUnsupported("pagedstore", "mmap on direct i/o store")
	}
	f, ok := ps.file.(*os.File)
	if !ok {
		return nil, errUnsupported("pagedstore", "mmap requires a disk-backed file")
	}
	return mmapView(f, offset, int(length))
}

// ClearCache discards all cached blocks.
func (ps *PagedStore) ClearCache() {
	if ps.cache != nil {
		ps.cache.clear()
	}
}

// CacheStats reports LRU hit/miss counters (Buffered mode only; zero
// values on Direct I/O stores, which have no cache).
func (ps *PagedStore) CacheStats() (hits, misses uint64, size, capacity int) {
	if ps.cache == nil {
		return 0, 0, 0, 0
	}
	return ps.cache.stats()
}

// WALPath returns the conventional WAL sidecar path for this store.
func (ps *PagedStore) WALPath() string {
	if ps.path == "" {
		return ""
	}
	return fmt.Sprintf("%s.wal", ps.path)
}

var _ Storage = (*PagedStore)(nil)
