// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transit

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Handle is an OS descriptor staged for transfer across the channel.
// The zero value is invalid. A handle has exactly one owner at a time;
// the owner either passes it on (to the channel, or into a resource)
// or closes it.
type Handle struct {
	fd    int
	valid bool
}

// FromFD wraps an existing descriptor. The handle takes ownership:
// the caller must not close fd afterwards.
func FromFD(fd int) Handle {
	return Handle{fd: fd, valid: true}
}

// Share duplicates fd for transfer. The caller keeps fd; the returned
// handle owns the duplicate. The duplicate is close-on-exec so it
// cannot leak into unrelated child processes before it is sent.
func Share(fd int) (Handle, error) {
	dup, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 3)
	if err != nil {
		return Handle{}, fmt.Errorf("transit: duplicating fd %d: %w", fd, err)
	}
	return Handle{fd: dup, valid: true}, nil
}

// SocketPair creates a connected pair of stream sockets for
// low-latency signaling between the peers (the audio sync socket).
// Both ends are close-on-exec. The caller keeps one end and sends the
// other across the channel.
func SocketPair() (local, remote Handle, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return Handle{}, Handle{}, fmt.Errorf("transit: socketpair: %w", err)
	}
	return FromFD(fds[0]), FromFD(fds[1]), nil
}

// Valid reports whether h holds a descriptor.
func (h Handle) Valid() bool {
	return h.valid
}

// FD returns the raw descriptor, or -1 if the handle is invalid. The
// handle retains ownership.
func (h Handle) FD() int {
	if !h.valid {
		return -1
	}
	return h.fd
}

// Close releases the descriptor. Closing an invalid handle is a
// no-op. After Close the handle is invalid.
func (h *Handle) Close() error {
	if !h.valid {
		return nil
	}
	h.valid = false
	if err := unix.Close(h.fd); err != nil {
		return fmt.Errorf("transit: closing fd %d: %w", h.fd, err)
	}
	return nil
}

// CloseAll closes every valid handle in handles. Used on failure
// paths where a received message's attachments cannot be delivered.
func CloseAll(handles []Handle) {
	for i := range handles {
		handles[i].Close()
	}
}
