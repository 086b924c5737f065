// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the message envelope and payload types that
// cross the plugin/host channel.
//
// Every message is a single CBOR envelope (Message) carrying a routing
// group, an operation kind, correlation sequence numbers, and an opaque
// payload. The payload is one of the structs in this package, encoded
// with lib/codec and decoded by the capability proxy that owns the
// group. Payload structs are pure data: no methods with side effects,
// no OS resources. File descriptors never appear inside payloads; they
// ride the channel as frame attachments, counted by the envelope's
// NumHandles field.
//
// Resources are identified on the wire by ResourceID, the pairing of
// the plugin instance and a per-instance identifier allocated by the
// host's registry. A ResourceID is a name, not a reference: holding
// one confers nothing, and the zero value means "no resource".
//
// Kinds embed their group in the high bits, so a kind is globally
// unique and an envelope whose Kind disagrees with its Group is
// detectably corrupt.
package wire
