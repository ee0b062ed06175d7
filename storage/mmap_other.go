//go:build windows || js || wasip1

package storage

import "os"

// mmapView falls back to a plain pread on platforms this package does not
// drive the mmap syscall on directly.
func mmapView(f *os.File, offset int64, length int) ([]byte, error) {
	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, errIO("pagedstore", offset, err)
	}
	return buf, nil
}
