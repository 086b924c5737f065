// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package track maintains the identity mapping between process-local
// resource handles and the wire identities of peer-owned resources.
//
// The plugin side uses Tracker: every resource the plugin can see is
// represented by an opaque Handle whose entry carries a reference
// count and the local proxy object. The host keeps the authoritative
// object alive for as long as the plugin holds at least one
// reference; the tracker tells it, exactly once per resource, when
// the last local reference drops.
//
// The host side uses HostRegistry: it allocates wire identities for
// backend objects and counts the plugin's references per resource,
// dropping the backend when the count reaches zero.
//
// Both structures are owned by a single dispatcher and die with its
// channel. Neither touches the wire itself; the dispatcher injects
// the release notification path.
package track
