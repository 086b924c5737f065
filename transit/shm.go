// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transit

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// SharedMemory is an anonymous memory region visible to both peers.
// The creating side allocates it with NewSharedMemory, exports a
// handle with Handle, and sends the handle across the channel; the
// receiving side maps it with MapSharedMemory. Both mappings see the
// same bytes.
type SharedMemory struct {
	fd   int
	data []byte
}

// NewSharedMemory allocates a region of at least size bytes, rounded
// up to the page size. The name is a debugging label visible in
// /proc/self/fd; it does not create a filesystem entry.
func NewSharedMemory(name string, size uint32) (*SharedMemory, error) {
	if size == 0 {
		return nil, fmt.Errorf("transit: shared memory size must be positive")
	}

	pageSize := uint32(unix.Getpagesize())
	rounded := (size + pageSize - 1) &^ (pageSize - 1)

	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("transit: memfd_create %q: %w", name, err)
	}
	if err := unix.Ftruncate(fd, int64(rounded)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("transit: sizing shared memory to %d bytes: %w", rounded, err)
	}

	data, err := unix.Mmap(fd, 0, int(rounded), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("transit: mapping shared memory: %w", err)
	}

	return &SharedMemory{fd: fd, data: data}, nil
}

// MapSharedMemory maps a region received from the peer. It consumes
// the handle: on success the region owns the descriptor, on failure
// the handle is closed. The length must be the byte length announced
// in the message payload.
func MapSharedMemory(h Handle, length uint32) (*SharedMemory, error) {
	if !h.Valid() {
		return nil, fmt.Errorf("transit: mapping invalid handle")
	}
	if length == 0 {
		h.Close()
		return nil, fmt.Errorf("transit: shared memory length must be positive")
	}

	data, err := unix.Mmap(h.FD(), 0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		fd := h.FD()
		h.Close()
		return nil, fmt.Errorf("transit: mapping received region (fd %d, %d bytes): %w", fd, length, err)
	}

	return &SharedMemory{fd: h.FD(), data: data}, nil
}

// Bytes returns the mapped region. The slice points directly into the
// shared mapping; writes are visible to the peer immediately. Do not
// hold references past Close.
func (s *SharedMemory) Bytes() []byte {
	return s.data
}

// Len returns the mapped byte length.
func (s *SharedMemory) Len() int {
	return len(s.data)
}

// Handle exports the region for transfer. The returned handle owns a
// duplicate descriptor; the region itself stays mapped and usable.
func (s *SharedMemory) Handle() (Handle, error) {
	return Share(s.fd)
}

// Close unmaps the region and closes its descriptor. The peer's
// mapping is unaffected. Close is idempotent.
func (s *SharedMemory) Close() error {
	if s.data == nil {
		return nil
	}

	var firstError error
	if err := unix.Munmap(s.data); err != nil && firstError == nil {
		firstError = fmt.Errorf("transit: munmap: %w", err)
	}
	if err := unix.Close(s.fd); err != nil && firstError == nil {
		firstError = fmt.Errorf("transit: closing shared memory fd: %w", err)
	}
	s.data = nil
	return firstError
}
