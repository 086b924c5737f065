// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch routes channel messages to capability proxies and
// correlates the three answer patterns the protocol uses: synchronous
// replies (envelope ReplyTo), asynchronous completions (ACK payloads
// echoing the request sequence number), and fire-and-forget.
//
// One Dispatcher serves one channel. A single goroutine runs Serve and
// owns all inbound traffic; Send, SendAsync, and SyncCall are safe
// from any goroutine. When the channel dies, every outstanding
// operation completes with ResultAborted and the resource tables are
// abandoned, so no caller is left waiting on a dead peer.
package dispatch
