//go:build unix

package mmap

import (
	"golang.org/x/sys/unix"
)

// New maps length bytes of fd starting at offset 0. The mapping is shared so
// writes through the file descriptor are visible in it.
func New(fd int, length int64, writable bool) (*Map, error) {
	if length <= 0 || int64(int(length)) != length {
		return nil, ErrInvalidSize
	}

	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}

	data, err := unix.Mmap(fd, 0, int(length), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, &Error{Op: "mmap", Err: err}
	}

	return &Map{
		data:     data,
		fd:       fd,
		size:     length,
		writable: writable,
	}, nil
}

// SyncAsync schedules the range [0, length) for writeback and returns.
func (m *Map) SyncAsync(length int64) error {
	if m.data == nil {
		return ErrNotMapped
	}
	if length < 0 || length > m.size {
		return ErrInvalidRange
	}
	if length == 0 {
		return nil
	}
	if err := unix.Msync(m.data[:length], unix.MS_ASYNC); err != nil {
		return &Error{Op: "msync", Err: err}
	}
	return nil
}

// AdviseRandom hints that pages will be accessed randomly, which is the
// access pattern of a B+tree.
func (m *Map) AdviseRandom() error {
	if m.data == nil {
		return ErrNotMapped
	}
	return unix.Madvise(m.data, unix.MADV_RANDOM)
}

// Close releases the memory mapping.
func (m *Map) Close() error {
	if m.data == nil {
		return nil
	}

	err := unix.Munmap(m.data)
	m.data = nil
	m.size = 0
	if err != nil {
		return &Error{Op: "munmap", Err: err}
	}
	return nil
}
