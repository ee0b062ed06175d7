package storage

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/flate"
)

// compressFlate deflates data at the best compression level. Used for WAL
// record bodies at or above ManagerConfig.CompressionThreshold, where the
// batching the manager already does would otherwise spend fsync bandwidth
// on redundant bytes.
func compressFlate(data []byte) []byte {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return data
	}
	if _, err := w.Write(data); err != nil {
		return data
	}
	if err := w.Close(); err != nil {
		return data
	}
	return buf.Bytes()
}

func decompressFlate(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	return io.ReadAll(r)
}
