package storage

import (
	"bytes"
	"testing"
)

func openTestStore(t *testing.T) *PagedStore {
	t.Helper()
	ps, err := OpenMemory(Options{BlockBytes: 496})
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { ps.Close() })
	return ps
}

func TestPagedStoreSimpleWriteRead(t *testing.T) {
	ps := openTestStore(t)

	offset, err := ps.Write([]byte("hello"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if offset != 512 {
		t.Errorf("expected first record at offset 512, got %d", offset)
	}

	got, err := ps.Read(offset)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, []byte("hello")) {
		t.Errorf("expected %q, got %q", "hello", got)
	}
	if ps.Count() != 1 {
		t.Errorf("expected count 1, got %d", ps.Count())
	}
}

func TestPagedStoreOverflowChain(t *testing.T) {
	ps := openTestStore(t)

	payload := bytes.Repeat([]byte{0x42}, 2000)
	offset, err := ps.Write(payload)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	offsets, _, err := ps.readChainHeaders(offset)
	if err != nil {
		t.Fatalf("readChainHeaders: %v", err)
	}
	if len(offsets) != 5 {
		t.Errorf("expected a 5-block chain for a 2000-byte payload at 496 bytes/block, got %d blocks", len(offsets))
	}

	got, err := ps.Read(offset)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("round-tripped payload did not match original")
	}
}

func TestPagedStoreFreeListLIFOReuse(t *testing.T) {
	ps := openTestStore(t)

	a, err := ps.Write([]byte("a"))
	if err != nil {
		t.Fatalf("write a: %v", err)
	}
	_, err = ps.Write([]byte("b"))
	if err != nil {
		t.Fatalf("write b: %v", err)
	}

	if err := ps.Delete(a); err != nil {
		t.Fatalf("delete a: %v", err)
	}

	c, err := ps.Write([]byte("c"))
	if err != nil {
		t.Fatalf("write c: %v", err)
	}

	if c != a {
		t.Errorf("expected free-list reuse to place c at a's old offset %d, got %d", a, c)
	}
}

func TestPagedStoreWriteAtShrinkAndGrow(t *testing.T) {
	ps := openTestStore(t)

	big := bytes.Repeat([]byte{1}, 2000)
	head, err := ps.Write(big)
	if err != nil {
		t.Fatalf("write big: %v", err)
	}

	small := []byte("tiny")
	if err := ps.WriteAt(head, small); err != nil {
		t.Fatalf("write_at shrink: %v", err)
	}
	got, err := ps.Read(head)
	if err != nil {
		t.Fatalf("read after shrink: %v", err)
	}
	if !bytes.Equal(got, small) {
		t.Errorf("expected %q after shrink, got %q", small, got)
	}

	bigAgain := bytes.Repeat([]byte{2}, 3000)
	if err := ps.WriteAt(head, bigAgain); err != nil {
		t.Fatalf("write_at grow: %v", err)
	}
	got, err = ps.Read(head)
	if err != nil {
		t.Fatalf("read after grow: %v", err)
	}
	if !bytes.Equal(got, bigAgain) {
		t.Error("round-tripped payload did not match after growing write_at")
	}
}

func TestPagedStoreDeleteThenReadFails(t *testing.T) {
	ps := openTestStore(t)

	offset, err := ps.Write([]byte("gone"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := ps.Delete(offset); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := ps.Read(offset); err == nil {
		t.Error("expected an error reading a deleted record")
	}
}

func TestPagedStoreWriteAtNewRestoresDeletedRecord(t *testing.T) {
	ps := openTestStore(t)

	offset, err := ps.Write([]byte("doomed"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := ps.Delete(offset); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if err := ps.WriteAtNew(offset, []byte("doomed")); err != nil {
		t.Fatalf("write_at_new: %v", err)
	}

	got, err := ps.Read(offset)
	if err != nil {
		t.Fatalf("read after write_at_new: %v", err)
	}
	if !bytes.Equal(got, []byte("doomed")) {
		t.Errorf("expected restored payload, got %q", got)
	}
}

func TestPagedStoreWriteAtNewRejectsLiveOffset(t *testing.T) {
	ps := openTestStore(t)

	offset, err := ps.Write([]byte("alive"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := ps.WriteAtNew(offset, []byte("nope")); err == nil {
		t.Error("expected write_at_new to reject an offset that is not on the free-list")
	}
}

func TestPagedStoreReadOnlyRejectsMutation(t *testing.T) {
	ps, err := OpenMemory(Options{BlockBytes: 496})
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	offset, err := ps.Write([]byte("seed"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	ps.mode = ReadOnly

	if _, err := ps.Write([]byte("x")); err == nil {
		t.Error("expected Write to fail on a read-only store")
	}
	if err := ps.WriteAt(offset, []byte("x")); err == nil {
		t.Error("expected WriteAt to fail on a read-only store")
	}
	if err := ps.Delete(offset); err == nil {
		t.Error("expected Delete to fail on a read-only store")
	}
}

func TestPagedStoreReopenPreservesState(t *testing.T) {
	f := NewMemFile()
	ps, err := newPagedStore(f, "", ReadWrite, Options{BlockBytes: 496}.ApplyDefaults(), nil)
	if err != nil {
		t.Fatalf("newPagedStore: %v", err)
	}
	offset, err := ps.Write([]byte("persisted"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := ps.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := newPagedStore(f, "", ReadWrite, Options{BlockBytes: 496}.ApplyDefaults(), nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Read(offset)
	if err != nil {
		t.Fatalf("read after reopen: %v", err)
	}
	if !bytes.Equal(got, []byte("persisted")) {
		t.Errorf("expected %q after reopen, got %q", "persisted", got)
	}
	if reopened.Count() != 1 {
		t.Errorf("expected count 1 after reopen, got %d", reopened.Count())
	}
}

// TestPagedStoreBytesTracksLogicalLengthUnderCompression guards the §8
// invariant that Bytes() equals the total payload length of live records
// even when Options.Compressor shrinks what's actually on disk: WriteAt
// and Delete must compute their accounting delta from the decoded length,
// not the compressed usedBytes the block chain stores.
func TestPagedStoreBytesTracksLogicalLengthUnderCompression(t *testing.T) {
	ps, err := OpenMemory(Options{BlockBytes: 496, Compressor: "snappy"})
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer ps.Close()

	original := bytes.Repeat([]byte("compressible "), 200)
	offset, err := ps.Write(original)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if ps.Bytes() != int64(len(original)) {
		t.Fatalf("expected Bytes() %d after write, got %d", len(original), ps.Bytes())
	}

	replacement := bytes.Repeat([]byte("also compressible "), 50)
	if err := ps.WriteAt(offset, replacement); err != nil {
		t.Fatalf("write_at: %v", err)
	}
	if ps.Bytes() != int64(len(replacement)) {
		t.Errorf("expected Bytes() %d after write_at, got %d", len(replacement), ps.Bytes())
	}

	got, err := ps.Read(offset)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, replacement) {
		t.Errorf("expected replacement payload round-trip, got %q", got)
	}

	if err := ps.Delete(offset); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if ps.Bytes() != 0 {
		t.Errorf("expected Bytes() 0 after deleting the only record, got %d", ps.Bytes())
	}
}
