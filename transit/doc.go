// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transit moves OS handles between the plugin and host
// processes.
//
// Handles cross the channel as frame attachments with explicit
// ownership transfer: the sender duplicates the descriptor with Share,
// hands the duplicate to the channel, and the channel consumes it
// whether or not the write succeeds. Once a message carrying
// attachments is delivered, the receiver owns them and must close
// every handle it does not wire into a live resource, including on
// failure paths. Nothing here relies on finalizers.
//
// SharedMemory wraps an anonymous memory region (memfd) that both
// processes can map. The region travels as an ordinary handle; byte
// lengths travel in the message payload.
package transit
