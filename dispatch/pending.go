// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"github.com/bureau-foundation/capwire/wire"
)

// Completion consumes the outcome of an asynchronous operation. When
// the peer answered, ack is its completion message and result echoes
// the payload-level result; when the operation was cut short (failed
// send, released resource, dead channel) ack is nil and result says
// why.
//
// Completions run on the dispatcher's serve goroutine, or on the
// goroutine that triggered an abort. They must not block and must not
// call SyncCall; follow-up traffic goes through Send or SendAsync.
type Completion func(result wire.Result, ack *wire.Message)

// pendingKey names one in-flight asynchronous operation. The peer's
// ACK carries all three fields: the resource identity, the request
// kind it echoes (recovered from the ACK kind), and the request
// sequence number.
type pendingKey struct {
	resource wire.ResourceID
	kind     wire.Kind
	seq      uint64
}

// SendAsync assigns a sequence number, registers the completion, and
// sends the message. The completion fires exactly once: with the ACK
// when the peer answers, with ResultFailed when the send fails, or
// with ResultAborted when the resource or the channel is torn down
// first. Returns the sequence number the ACK will echo.
//
// The resource is the identity the operation targets; AbortResource
// for that identity cuts the operation short.
func (d *Dispatcher) SendAsync(resource wire.ResourceID, msg *wire.Message, completion Completion) uint64 {
	if msg.Seq == 0 {
		msg.Seq = d.NextSeq()
	}
	key := pendingKey{resource: resource, kind: msg.Kind, seq: msg.Seq}

	d.pendingMu.Lock()
	select {
	case <-d.done:
		d.pendingMu.Unlock()
		completion(wire.ResultAborted, nil)
		return msg.Seq
	default:
	}
	d.pending[key] = completion
	d.pendingMu.Unlock()

	// Registration precedes the send, so the ACK cannot race past the
	// table. If the send fails the completion may already have been
	// claimed by a concurrent teardown; takePending keeps it
	// exactly-once either way.
	if err := d.Send(msg, nil); err != nil {
		if c, ok := d.takePending(key); ok {
			c(wire.ResultFailed, nil)
		}
	}
	return msg.Seq
}

// TakePending claims the completion for an ACK. The proxy that
// decoded the ACK calls this with the target identity, the original
// request kind, and the echoed sequence number, then runs the
// completion itself. A false return means the operation already
// completed or aborted; the ACK is stale and must be dropped.
func (d *Dispatcher) TakePending(resource wire.ResourceID, kind wire.Kind, seq uint64) (Completion, bool) {
	return d.takePending(pendingKey{resource: resource, kind: kind, seq: seq})
}

func (d *Dispatcher) takePending(key pendingKey) (Completion, bool) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()

	completion, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	return completion, ok
}

// AbortResource fires every pending completion targeting a resource
// with ResultAborted. Called when the resource's last local reference
// drops with operations still in flight; a later ACK for any of them
// finds nothing and is dropped.
func (d *Dispatcher) AbortResource(resource wire.ResourceID) {
	d.pendingMu.Lock()
	var aborted []Completion
	for key, completion := range d.pending {
		if key.resource == resource {
			aborted = append(aborted, completion)
			delete(d.pending, key)
		}
	}
	d.pendingMu.Unlock()

	for _, completion := range aborted {
		completion(wire.ResultAborted, nil)
	}
}

// PendingCount returns the number of in-flight asynchronous
// operations.
func (d *Dispatcher) PendingCount() int {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()

	return len(d.pending)
}

func (d *Dispatcher) takeAllPending() []Completion {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()

	all := make([]Completion, 0, len(d.pending))
	for _, completion := range d.pending {
		all = append(all, completion)
	}
	d.pending = make(map[pendingKey]Completion)
	return all
}
