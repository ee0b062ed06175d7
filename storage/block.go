package storage

import "encoding/binary"

// blockHeader is the 16-byte little-endian header prefixing every block.
//
//	[0]    flags   (bit0 occupied, bit1 is_overflow, bit2 has_overflow)
//	[1]    reserved
//	[2-3]  used_bytes  (uint16, payload length in this block)
//	[4-11] next_offset (int64, -1 if none)
//	[12-15] reserved2
type blockHeader struct {
	flags      uint8
	usedBytes  uint16
	nextOffset int64
}

const (
	flagOccupied    uint8 = 1 << 0
	flagIsOverflow  uint8 = 1 << 1
	flagHasOverflow uint8 = 1 << 2
)

func (h blockHeader) occupied() bool    { return h.flags&flagOccupied != 0 }
func (h blockHeader) isOverflow() bool  { return h.flags&flagIsOverflow != 0 }
func (h blockHeader) hasOverflow() bool { return h.flags&flagHasOverflow != 0 }

func encodeBlockHeader(h blockHeader, buf []byte) {
	_ = buf[BlockHeaderBytes-1]
	buf[0] = h.flags
	buf[1] = 0
	binary.LittleEndian.PutUint16(buf[2:4], h.usedBytes)
	binary.LittleEndian.PutUint64(buf[4:12], uint64(h.nextOffset))
	binary.LittleEndian.PutUint32(buf[12:16], 0)
}

func decodeBlockHeader(buf []byte) blockHeader {
	return blockHeader{
		flags:      buf[0],
		usedBytes:  binary.LittleEndian.Uint16(buf[2:4]),
		nextOffset: int64(binary.LittleEndian.Uint64(buf[4:12])),
	}
}

// fileHeaderMagic identifies a FlintDB paged store file.
var fileHeaderMagic = [4]byte{'F', 'L', 'N', 'T'}

const fileHeaderVersion uint32 = 1

// fileHeaderFixedSize is the size of the fixed fields following the block
// header in the header block's payload area (before any extra header
// bytes the caller requested via Options.ExtraHeaderBytes).
//
//	magic[4] version[4] block_bytes[4] block_header_bytes[4]
//	count[8] bytes[8] free_head[8] extra_header_bytes[4]
const fileHeaderFixedSize = 4 + 4 + 4 + 4 + 8 + 8 + 8 + 4

type fileHeader struct {
	blockBytes       uint32
	blockHeaderBytes uint32
	count            int64
	bytes            int64
	freeHead         int64
	extraHeaderBytes uint32
	extraHeader      []byte
}

func encodeFileHeader(h fileHeader, buf []byte) {
	copy(buf[0:4], fileHeaderMagic[:])
	binary.LittleEndian.PutUint32(buf[4:8], fileHeaderVersion)
	binary.LittleEndian.PutUint32(buf[8:12], h.blockBytes)
	binary.LittleEndian.PutUint32(buf[12:16], h.blockHeaderBytes)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(h.count))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(h.bytes))
	binary.LittleEndian.PutUint64(buf[32:40], uint64(h.freeHead))
	binary.LittleEndian.PutUint32(buf[40:44], h.extraHeaderBytes)
	if h.extraHeaderBytes > 0 {
		copy(buf[44:44+int(h.extraHeaderBytes)], h.extraHeader)
	}
}

func decodeFileHeader(buf []byte) (fileHeader, error) {
	var h fileHeader
	if buf[0] != fileHeaderMagic[0] || buf[1] != fileHeaderMagic[1] ||
		buf[2] != fileHeaderMagic[2] || buf[3] != fileHeaderMagic[3] {
		return h, errInvalidHeader("pagedstore", "bad magic")
	}
	version := binary.LittleEndian.Uint32(buf[4:8])
	if version != fileHeaderVersion {
		return h, errInvalidHeader("pagedstore", "unsupported version")
	}
	h.blockBytes = binary.LittleEndian.Uint32(buf[8:12])
	h.blockHeaderBytes = binary.LittleEndian.Uint32(buf[12:16])
	h.count = int64(binary.LittleEndian.Uint64(buf[16:24]))
	h.bytes = int64(binary.LittleEndian.Uint64(buf[24:32]))
	h.freeHead = int64(binary.LittleEndian.Uint64(buf[32:40]))
	h.extraHeaderBytes = binary.LittleEndian.Uint32(buf[40:44])
	if h.extraHeaderBytes > 0 {
		h.extraHeader = make([]byte, h.extraHeaderBytes)
		copy(h.extraHeader, buf[44:44+int(h.extraHeaderBytes)])
	}
	return h, nil
}
