// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package proxy implements the capability groups on both sides of a
// channel: the plugin-side client surfaces that turn local calls into
// wire messages, and the host-side handlers that drive the real
// implementations behind them.
//
// [Plugin] bundles a dispatcher with a resource tracker and one client
// per group. Synchronous operations (the Create calls) block on the
// host's reply and register the new resource in the tracker;
// asynchronous operations take a completion function that fires
// exactly once, on the dispatcher's serve goroutine. Local failures
// (an unknown handle, an operation already in flight) fire the
// completion synchronously with the matching result code.
//
// [Host] bundles a dispatcher with the authoritative registry and one
// handler per group. The real implementations are supplied as
// [Backends]: small factory interfaces that mint per-resource session
// objects. Sessions that implement io.Closer are closed when the
// plugin's last reference drops. Session completion callbacks may fire
// from any goroutine.
//
// One group is special on each side. The plugin's loader client keeps
// a per-resource read-ahead buffer: reads the buffer can satisfy never
// reach the wire, and unsolicited body pushes from the host land in
// the buffer and wake a waiting read. The host's audio handler
// delivers stream plumbing (a sync socket and a sample-buffer region)
// as message attachments after creation; the plugin client owns those
// handles the moment they arrive and closes them on every path that
// does not hand them to a live resource.
package proxy
