// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/capwire/channel"
	"github.com/bureau-foundation/capwire/transit"
	"github.com/bureau-foundation/capwire/wire"
)

// syncReply is one answered synchronous request: the reply envelope
// plus whatever handles rode on its frame.
type syncReply struct {
	msg     *wire.Message
	handles []transit.Handle
}

// ResultError is a synchronous call the peer answered with an error
// result instead of a payload.
type ResultError struct {
	Kind   wire.Kind
	Result wire.Result
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("dispatch: %v: peer answered %v", e.Kind, e.Result)
}

// SyncCall sends a request and blocks until the peer's reply, the
// context's end, the sync timeout, or channel teardown, whichever
// comes first. The request handles are consumed. On success the caller
// owns the reply's handles. A reply whose envelope result is an error
// comes back as an error with no handles.
//
// SyncCall must not be called from a proxy's Handle method or from a
// completion: both run on the serve goroutine, and a blocked serve
// goroutine can never receive the reply. Those contexts use SendAsync.
func (d *Dispatcher) SyncCall(ctx context.Context, msg *wire.Message, handles []transit.Handle) (*wire.Message, []transit.Handle, error) {
	if msg.Seq == 0 {
		msg.Seq = d.NextSeq()
	}
	msg.Sync = true

	waiter := make(chan syncReply, 1)
	d.syncMu.Lock()
	d.waiters[msg.Seq] = waiter
	d.syncMu.Unlock()

	if err := d.Send(msg, handles); err != nil {
		d.discardWaiter(msg.Seq, waiter)
		return nil, nil, err
	}

	select {
	case reply := <-waiter:
		if reply.msg.Result < 0 {
			transit.CloseAll(reply.handles)
			return nil, nil, &ResultError{Kind: msg.Kind, Result: reply.msg.Result}
		}
		return reply.msg, reply.handles, nil
	case <-ctx.Done():
		d.discardWaiter(msg.Seq, waiter)
		return nil, nil, ctx.Err()
	case <-d.clock.After(d.timeout):
		d.discardWaiter(msg.Seq, waiter)
		return nil, nil, fmt.Errorf("dispatch: %v: no reply within %v", msg.Kind, d.timeout)
	case <-d.done:
		d.discardWaiter(msg.Seq, waiter)
		return nil, nil, channel.ErrClosed
	}
}

// deliverReply hands an inbound reply to the waiting SyncCall. A reply
// nobody is waiting for (the caller timed out or gave up before it
// arrived) is dropped and its handles are closed.
func (d *Dispatcher) deliverReply(msg *wire.Message, handles []transit.Handle) {
	d.syncMu.Lock()
	waiter, ok := d.waiters[msg.ReplyTo]
	if ok {
		delete(d.waiters, msg.ReplyTo)
	}
	d.syncMu.Unlock()

	if !ok {
		d.logger.Debug("dropping unclaimed reply", "kind", msg.Kind, "reply_to", msg.ReplyTo)
		transit.CloseAll(handles)
		return
	}
	// The waiter channel holds one reply and is claimed by exactly
	// one deliverReply, so this never blocks.
	waiter <- syncReply{msg: msg, handles: handles}
}

// discardWaiter unregisters a sync waiter and releases any reply that
// raced in while the caller was giving up.
func (d *Dispatcher) discardWaiter(seq uint64, waiter chan syncReply) {
	d.syncMu.Lock()
	delete(d.waiters, seq)
	d.syncMu.Unlock()

	select {
	case reply := <-waiter:
		transit.CloseAll(reply.handles)
	default:
	}
}
