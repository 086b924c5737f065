// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package track

import (
	"io"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/capwire/wire"
)

// Handle is the process-local name for a tracked resource. Handles
// are opaque: they carry no meaning beyond indexing the tracker that
// allocated them. Zero is never a valid handle.
type Handle uint32

// handleBase offsets allocated handles away from every other numbering
// space in the process (descriptors, wire identifiers), so a handle
// mistaken for one of those fails loudly. A debugging aid, not a
// correctness requirement.
const handleBase Handle = 0x40000000

// Resource is the plugin-side object standing in for a peer-owned
// resource: a capability proxy's per-resource state. A Resource that
// also implements io.Closer is closed when its last reference drops
// or the tracker is abandoned. Close may re-enter the tracker.
type Resource interface {
	// Identity returns the wire identity the resource stands in
	// for. It must be constant for the resource's lifetime and must
	// never be zero.
	Identity() wire.ResourceID
}

// ReleaseNotifier is called, outside the tracker's lock, when the
// last reference to a resource drops and the peer should free the
// authoritative object. The dispatcher injects the wire path here.
type ReleaseNotifier func(id wire.ResourceID)

type trackerEntry struct {
	refCount int
	resource Resource
}

// Tracker is the plugin-side resource table. Safe for concurrent use.
type Tracker struct {
	logger *slog.Logger
	notify ReleaseNotifier

	mu         sync.Mutex
	next       Handle
	byHandle   map[Handle]*trackerEntry
	byIdentity map[wire.ResourceID]Handle
}

// NewTracker creates an empty tracker. The notifier may be nil, in
// which case the peer is never told about releases (useful in tests
// that exercise the table alone).
func NewTracker(logger *slog.Logger, notify ReleaseNotifier) *Tracker {
	if logger == nil {
		logger = slog.New(discardHandler{})
	}
	return &Tracker{
		logger:     logger,
		notify:     notify,
		next:       handleBase,
		byHandle:   make(map[Handle]*trackerEntry),
		byIdentity: make(map[wire.ResourceID]Handle),
	}
}

// Add inserts a resource observed for the first time and returns its
// new handle with a reference count of one. Adding a resource whose
// identity is already tracked is a programming error upstream; the
// caller must use LookupByIdentity plus AddRef for duplicates. A zero
// identity returns handle zero and changes nothing.
func (t *Tracker) Add(resource Resource) Handle {
	id := resource.Identity()
	if id.IsZero() {
		t.logger.Warn("refusing to track the zero resource identity")
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.byIdentity[id]; ok {
		t.logger.Warn("identity already tracked", "resource", id, "handle", existing)
		return 0
	}

	handle := t.next
	t.next++
	t.byHandle[handle] = &trackerEntry{refCount: 1, resource: resource}
	t.byIdentity[id] = handle
	return handle
}

// AddRef takes an additional reference on a live handle. Unknown
// handles are a logged no-op.
func (t *Tracker) AddRef(handle Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.byHandle[handle]
	if !ok {
		t.logger.Warn("addref of unknown handle", "handle", handle)
		return
	}
	entry.refCount++
}

// Release drops one reference. When the count reaches zero the entry
// is removed from both maps and the resource is closed if it
// implements io.Closer. With notifyPeer set, the release notifier
// also runs so the peer can free the authoritative object. Removal
// happens before the close, so a destructor that re-enters the
// tracker sees consistent state. Unknown handles are a logged no-op.
func (t *Tracker) Release(handle Handle, notifyPeer bool) {
	t.mu.Lock()
	entry, ok := t.byHandle[handle]
	if !ok {
		t.mu.Unlock()
		t.logger.Warn("release of unknown handle", "handle", handle)
		return
	}
	entry.refCount--
	if entry.refCount > 0 {
		t.mu.Unlock()
		return
	}

	id := entry.resource.Identity()
	delete(t.byHandle, handle)
	delete(t.byIdentity, id)
	t.mu.Unlock()

	if closer, ok := entry.resource.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			t.logger.Warn("resource close failed", "resource", id, "error", err)
		}
	}
	if notifyPeer && t.notify != nil {
		t.notify(id)
	}
}

// Get returns the resource behind a handle.
func (t *Tracker) Get(handle Handle) (Resource, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.byHandle[handle]
	if !ok {
		return nil, false
	}
	return entry.resource, true
}

// LookupByIdentity returns the handle already tracking an identity,
// if any. Callers seeing a resource arrive by a second route use this
// plus AddRef instead of Add.
func (t *Tracker) LookupByIdentity(id wire.ResourceID) (Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	handle, ok := t.byIdentity[id]
	return handle, ok
}

// Len returns the number of live entries.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.byHandle)
}

// Abandon empties the tracker without notifying the peer: the channel
// is dead and the peer's side of every resource is already gone.
// Local resource objects are still closed so mapped regions and
// descriptors are released.
func (t *Tracker) Abandon() {
	t.mu.Lock()
	entries := make([]*trackerEntry, 0, len(t.byHandle))
	for _, entry := range t.byHandle {
		entries = append(entries, entry)
	}
	t.byHandle = make(map[Handle]*trackerEntry)
	t.byIdentity = make(map[wire.ResourceID]Handle)
	t.mu.Unlock()

	for _, entry := range entries {
		if closer, ok := entry.resource.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				t.logger.Warn("resource close failed during abandon",
					"resource", entry.resource.Identity(), "error", err)
			}
		}
	}
}
