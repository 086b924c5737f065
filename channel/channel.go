// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"errors"

	"github.com/bureau-foundation/capwire/transit"
	"github.com/bureau-foundation/capwire/wire"
)

var (
	// ErrClosed is returned by Send and Recv after the channel has
	// been closed locally or the peer has gone away.
	ErrClosed = errors.New("channel: closed")

	// ErrTooManyHandles is returned by Send when a message carries
	// more attachments than a single frame may hold.
	ErrTooManyHandles = errors.New("channel: too many handles for one message")
)

// maxHandlesPerMessage bounds the attachments on one message. No
// capability operation transfers more than two handles (the audio
// stream's socket and buffer); the bound keeps the receive-side
// control buffer small.
const maxHandlesPerMessage = 8

// Channel moves messages and their attached OS handles between the
// two peers, whole and in order.
type Channel interface {
	// Send writes one message. The handles are attached to the
	// message's frame and are consumed: whether or not the write
	// succeeds, they no longer belong to the caller. Safe for
	// concurrent use.
	Send(msg *wire.Message, handles []transit.Handle) error

	// Recv blocks until the next inbound message. The returned
	// handles (one per declared attachment, in order) are owned by
	// the caller. Only one goroutine may call Recv.
	Recv() (*wire.Message, []transit.Handle, error)

	// Close tears the channel down. Blocked Recv calls return
	// ErrClosed, as do subsequent Sends. Attachments queued but not
	// yet delivered are closed. Close is idempotent.
	Close() error
}

// Options configures a channel.
type Options struct {
	// Compression is the frame compression to attempt for bodies at
	// or above the size threshold. The zero value sends every frame
	// uncompressed. Both peers may configure this independently;
	// the tag travels in the frame, so a receiver handles whatever
	// the sender chose.
	Compression CompressionTag
}
