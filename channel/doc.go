// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package channel carries wire messages between the plugin and host
// processes.
//
// A Channel delivers whole messages in send order, together with any
// OS handles attached to them. The production implementation runs
// over a connected Unix stream socket: each message is a
// length-prefixed, optionally compressed CBOR frame, and attached
// handles ride the same socket write as SCM_RIGHTS control messages,
// so a handle is always available by the time its message is parsed.
// Pair provides an in-process implementation with identical ownership
// semantics for tests.
//
// Exactly one goroutine may call Recv (the dispatcher's serve loop);
// Send is safe from any goroutine. Handles given to Send are consumed
// whether or not the write succeeds; handles returned by Recv are
// owned by the caller.
package channel
