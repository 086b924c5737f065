// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"sync"

	"github.com/bureau-foundation/capwire/transit"
	"github.com/bureau-foundation/capwire/wire"
)

// Compile-time interface check.
var _ Channel = (*memoryChannel)(nil)

// memoryChannel is one end of an in-process channel pair. Messages
// and handles pass structurally, with the same ownership contract as
// the socket implementation: Send consumes, Recv's caller owns.
type memoryChannel struct {
	peer *memoryChannel

	inbound chan memoryDelivery

	closeOnce sync.Once
	closed    chan struct{}
}

type memoryDelivery struct {
	msg     wire.Message
	handles []transit.Handle
}

// Pair creates two connected in-process channels. Everything sent on
// one is received on the other, in order. Intended for tests and
// same-process embedding.
func Pair() (Channel, Channel) {
	a := &memoryChannel{
		inbound: make(chan memoryDelivery, 64),
		closed:  make(chan struct{}),
	}
	b := &memoryChannel{
		inbound: make(chan memoryDelivery, 64),
		closed:  make(chan struct{}),
	}
	a.peer = b
	b.peer = a
	return a, b
}

func (c *memoryChannel) Send(msg *wire.Message, handles []transit.Handle) error {
	msg.NumHandles = len(handles)

	// Deliver a copy of the envelope so later mutation by the sender
	// cannot race the receiver. The payload bytes are shared; they
	// are immutable by convention.
	delivery := memoryDelivery{msg: *msg, handles: handles}

	select {
	case <-c.closed:
	case <-c.peer.closed:
	case c.peer.inbound <- delivery:
		return nil
	}
	transit.CloseAll(handles)
	return ErrClosed
}

func (c *memoryChannel) Recv() (*wire.Message, []transit.Handle, error) {
	select {
	case delivery := <-c.inbound:
		return &delivery.msg, delivery.handles, nil
	case <-c.closed:
	case <-c.peer.closed:
	}

	// Teardown may race queued deliveries; drain what arrived before
	// the close so no message or handle is dropped silently.
	select {
	case delivery := <-c.inbound:
		return &delivery.msg, delivery.handles, nil
	default:
		return nil, nil, ErrClosed
	}
}

func (c *memoryChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		// Undelivered attachments would otherwise leak.
		for {
			select {
			case delivery := <-c.inbound:
				transit.CloseAll(delivery.handles)
			default:
				return
			}
		}
	})
	return nil
}
