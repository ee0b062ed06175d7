//go:build !windows && !js && !wasip1

package storage

import (
	"os"
	"syscall"
)

// mmapView maps the page-aligned region covering [offset, offset+length)
// read-only via syscall.Mmap, copies the requested span out of the
// mapping, and unmaps it before returning. Callers get a fresh heap
// []byte each time, not a view into the mapping, so FlintDB never has to
// track outstanding unmaps.
func mmapView(f *os.File, offset int64, length int) ([]byte, error) {
	pageSize := int64(os.Getpagesize())
	alignedOffset := (offset / pageSize) * pageSize
	pad := int(offset - alignedOffset)

	data, err := syscall.Mmap(int(f.Fd()), alignedOffset, pad+length, syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return nil, errIO("pagedstore", offset, err)
	}
	out := make([]byte, length)
	copy(out, data[pad:pad+length])
	_ = syscall.Munmap(data)
	return out, nil
}
