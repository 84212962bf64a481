// Package mmap maps data files read-only (or read-write) into memory.
//
// A Map covers a fixed address range that may be larger than the file;
// callers must only touch bytes the file actually holds.
package mmap

// Map represents a memory-mapped file region.
type Map struct {
	data     []byte // Mapped memory region
	fd       int    // File descriptor
	size     int64  // Mapped length in bytes
	writable bool   // True if mapped with write permission
}

// Data returns the mapped byte slice.
func (m *Map) Data() []byte {
	return m.data
}

// Size returns the mapped length.
func (m *Map) Size() int64 {
	return m.size
}

// Writable returns true if the mapping is writable.
func (m *Map) Writable() bool {
	return m.writable
}

// Slice returns length bytes at offset, or nil if the range is outside the map.
func (m *Map) Slice(offset, length int64) []byte {
	if m.data == nil || offset < 0 || length < 0 || offset+length > m.size {
		return nil
	}
	return m.data[offset : offset+length : offset+length]
}

// Error represents an mmap error.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "mmap: " + e.Op + ": " + e.Err.Error()
	}
	return "mmap: " + e.Op
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Common errors
var (
	ErrInvalidSize  = &Error{Op: "invalid size"}
	ErrInvalidRange = &Error{Op: "invalid range"}
	ErrNotMapped    = &Error{Op: "not mapped"}
)
