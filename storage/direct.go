package storage

// directIOSupported reports whether this build knows a real O_DIRECT (or
// equivalent) open flag and buffer alignment for the current platform.
// Only linux is wired (direct_linux.go); everywhere else Open rejects
// Direct I/O outright (direct_other.go) rather than pretending a plain
// buffered fd bypasses the page cache. Buffered mode never calls this.
func directIOSupported() bool {
	return directAlignment() > 0
}

// alignedBuffer returns a size-byte slice whose first byte sits on an
// `align`-byte boundary, by over-allocating and slicing. This is the
// standard approach for satisfying O_DIRECT's alignment requirement in
// Go, since the runtime gives no alignment guarantee for make([]byte, n)
// (the technique mirrors ncw/go-directio's alignedBlock). No example in
// the reference corpus performs direct I/O, so this helper is hand-rolled
// against general Go practice; see DESIGN.md.
func alignedBuffer(size, align int) []byte {
	if align <= 1 {
		return make([]byte, size)
	}
	buf := make([]byte, size+align)
	off := alignmentOffset(buf, align)
	return buf[off : off+size]
}
