package storage

import "encoding/binary"

// walOp identifies what a WAL record represents.
type walOp uint8

const (
	walOpPageWrite  walOp = 1
	walOpDelete     walOp = 2
	walOpCommit     walOp = 3
	walOpCheckpoint walOp = 4
)

// walRecordHeaderSize is the fixed 28-byte header preceding every WAL
// record's variable-length payload (SPEC_FULL.md §4.3.2):
//
//	op[1] tx_id[8] checksum[2] file_id[4] page_offset[8] flags[1] original_size[4]
//
// original_size holds the length of the payload as it sits on disk, i.e.
// post-compression when walFlagCompressed is set — that's what a sequential
// scan needs to skip to the next record. Recovery only needs the record
// bytes to checksum and classify, not the decompressed form, so this
// packs into the 28 bytes the table allows without a separate stored-size
// field.
const walRecordHeaderSize = 1 + 8 + 2 + 4 + 8 + 1 + 4

const (
	walFlagCompressed uint8 = 1 << 0
)

type walRecordHeader struct {
	op           walOp
	txID         int64
	checksum     uint16
	fileID       uint32
	pageOffset   int64
	flags        uint8
	originalSize uint32
}

func (h walRecordHeader) compressed() bool { return h.flags&walFlagCompressed != 0 }

func encodeWalRecordHeader(h walRecordHeader, buf []byte) {
	_ = buf[walRecordHeaderSize-1]
	buf[0] = byte(h.op)
	binary.LittleEndian.PutUint64(buf[1:9], uint64(h.txID))
	binary.LittleEndian.PutUint16(buf[9:11], h.checksum)
	binary.LittleEndian.PutUint32(buf[11:15], h.fileID)
	binary.LittleEndian.PutUint64(buf[15:23], uint64(h.pageOffset))
	buf[23] = h.flags
	binary.LittleEndian.PutUint32(buf[24:28], h.originalSize)
}

func decodeWalRecordHeader(buf []byte) walRecordHeader {
	return walRecordHeader{
		op:           walOp(buf[0]),
		txID:         int64(binary.LittleEndian.Uint64(buf[1:9])),
		checksum:     binary.LittleEndian.Uint16(buf[9:11]),
		fileID:       binary.LittleEndian.Uint32(buf[11:15]),
		pageOffset:   int64(binary.LittleEndian.Uint64(buf[15:23])),
		flags:        buf[23],
		originalSize: binary.LittleEndian.Uint32(buf[24:28]),
	}
}

// walFileHeaderSize is the fixed, 4096-byte-aligned region at the start of
// a WAL file (SPEC_FULL.md §3.3).
const walFileHeaderSize = 4096

var walFileMagic = [4]byte{'W', 'A', 'L', '!'}

const walFileVersion uint32 = 1

type walFileHeader struct {
	version          uint32
	headerSize       uint32
	timestamp        int64
	nextTxID         int64
	committedOffset  int64
	checkpointOffset int64
	totalCount       int64
	processedCount   int64
}

func encodeWalFileHeader(h walFileHeader) []byte {
	buf := make([]byte, walFileHeaderSize)
	copy(buf[0:4], walFileMagic[:])
	binary.LittleEndian.PutUint32(buf[4:8], h.version)
	binary.LittleEndian.PutUint32(buf[8:12], h.headerSize)
	binary.LittleEndian.PutUint64(buf[12:20], uint64(h.timestamp))
	binary.LittleEndian.PutUint64(buf[20:28], uint64(h.nextTxID))
	binary.LittleEndian.PutUint64(buf[28:36], uint64(h.committedOffset))
	binary.LittleEndian.PutUint64(buf[36:44], uint64(h.checkpointOffset))
	binary.LittleEndian.PutUint64(buf[44:52], uint64(h.totalCount))
	binary.LittleEndian.PutUint64(buf[52:60], uint64(h.processedCount))
	return buf
}

func decodeWalFileHeader(buf []byte) (walFileHeader, error) {
	var h walFileHeader
	if len(buf) < walFileHeaderSize {
		return h, errInvalidHeader("walmanager", "wal header truncated")
	}
	if buf[0] != walFileMagic[0] || buf[1] != walFileMagic[1] || buf[2] != walFileMagic[2] || buf[3] != walFileMagic[3] {
		return h, errInvalidHeader("walmanager", "bad wal magic")
	}
	h.version = binary.LittleEndian.Uint32(buf[4:8])
	if h.version != walFileVersion {
		return h, errInvalidHeader("walmanager", "unsupported wal version")
	}
	h.headerSize = binary.LittleEndian.Uint32(buf[8:12])
	h.timestamp = int64(binary.LittleEndian.Uint64(buf[12:20]))
	h.nextTxID = int64(binary.LittleEndian.Uint64(buf[20:28]))
	h.committedOffset = int64(binary.LittleEndian.Uint64(buf[28:36]))
	h.checkpointOffset = int64(binary.LittleEndian.Uint64(buf[36:44]))
	h.totalCount = int64(binary.LittleEndian.Uint64(buf[44:52]))
	h.processedCount = int64(binary.LittleEndian.Uint64(buf[52:60]))
	return h, nil
}

// crc16 is a small checksum over a WAL record's payload, cheap enough to
// compute per-record without becoming the bottleneck batching is meant to
// avoid. It is not cryptographic; it exists to catch torn writes, the same
// role CRC32 plays in the teacher's page-level WAL.
func crc16(data []byte) uint16 {
	var crc uint16 = 0xFFFF
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
