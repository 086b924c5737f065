// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package track

import (
	"io"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/capwire/wire"
)

type registryEntry struct {
	peerRefs int
	backend  any
}

// HostRegistry is the host-side authoritative resource table. It
// allocates wire identities for backend objects and tracks how many
// references the plugin holds on each. Safe for concurrent use.
type HostRegistry struct {
	logger *slog.Logger

	mu      sync.Mutex
	nextID  map[wire.InstanceID]uint32
	entries map[wire.ResourceID]*registryEntry
}

// NewHostRegistry creates an empty registry.
func NewHostRegistry(logger *slog.Logger) *HostRegistry {
	if logger == nil {
		logger = slog.New(discardHandler{})
	}
	return &HostRegistry{
		logger:  logger,
		nextID:  make(map[wire.InstanceID]uint32),
		entries: make(map[wire.ResourceID]*registryEntry),
	}
}

// Register allocates a wire identity for a backend object and gives
// the plugin its first reference. The creation reply that carries the
// identity to the plugin is what hands that reference over.
func (r *HostRegistry) Register(instance wire.InstanceID, backend any) wire.ResourceID {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID[instance]++
	id := wire.ResourceID{Instance: instance, Resource: r.nextID[instance]}
	r.entries[id] = &registryEntry{peerRefs: 1, backend: backend}
	return id
}

// AddPeerRef records an additional plugin reference. Unknown
// identities are a logged no-op.
func (r *HostRegistry) AddPeerRef(id wire.ResourceID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok {
		r.logger.Warn("addref of unknown resource", "resource", id)
		return
	}
	entry.peerRefs++
}

// ReleasePeerRef drops one plugin reference. At zero the entry is
// removed and the backend is closed if it implements io.Closer.
// Unknown identities are a logged no-op.
func (r *HostRegistry) ReleasePeerRef(id wire.ResourceID) {
	r.mu.Lock()
	entry, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("release of unknown resource", "resource", id)
		return
	}
	entry.peerRefs--
	if entry.peerRefs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.entries, id)
	r.mu.Unlock()

	r.closeBackend(id, entry.backend)
}

// Get returns the backend behind an identity.
func (r *HostRegistry) Get(id wire.ResourceID) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return entry.backend, true
}

// Lookup returns the backend behind an identity, asserted to T. A
// missing identity or a backend of another type returns false.
func Lookup[T any](r *HostRegistry, id wire.ResourceID) (T, bool) {
	backend, ok := r.Get(id)
	if !ok {
		var zero T
		return zero, false
	}
	typed, ok := backend.(T)
	return typed, ok
}

// LiveCount returns the number of live resources belonging to an
// instance. The testing capability reports this for leak checks.
func (r *HostRegistry) LiveCount(instance wire.InstanceID) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var count uint32
	for id := range r.entries {
		if id.Instance == instance {
			count++
		}
	}
	return count
}

// DropInstance removes every resource belonging to an instance,
// closing backends. Used when a single instance is torn down while
// the channel stays up.
func (r *HostRegistry) DropInstance(instance wire.InstanceID) {
	r.drop(func(id wire.ResourceID) bool { return id.Instance == instance })
}

// Abandon removes every resource, closing backends. Used when the
// channel dies.
func (r *HostRegistry) Abandon() {
	r.drop(func(wire.ResourceID) bool { return true })
}

func (r *HostRegistry) drop(match func(wire.ResourceID) bool) {
	r.mu.Lock()
	dropped := make(map[wire.ResourceID]any)
	for id, entry := range r.entries {
		if match(id) {
			dropped[id] = entry.backend
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()

	for id, backend := range dropped {
		r.closeBackend(id, backend)
	}
}

func (r *HostRegistry) closeBackend(id wire.ResourceID, backend any) {
	if closer, ok := backend.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			r.logger.Warn("backend close failed", "resource", id, "error", err)
		}
	}
}
