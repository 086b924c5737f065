// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"errors"
	"testing"

	"github.com/bureau-foundation/capwire/dispatch"
	"github.com/bureau-foundation/capwire/wire"
)

// liveCount asks the host's census over the wire. The sync round trip
// queues behind any release traffic sent before it, so the answer
// reflects those releases.
func liveCount(t *testing.T, plugin *Plugin) uint32 {
	t.Helper()
	count, err := plugin.Testing().LiveCount(context.Background(), testInstance)
	if err != nil {
		t.Fatalf("LiveCount: %v", err)
	}
	return count
}

func sendCore(t *testing.T, plugin *Plugin, kind wire.Kind, id wire.ResourceID) {
	t.Helper()
	var payload any
	switch kind {
	case wire.KindCoreAddRef:
		payload = wire.CoreAddRef{Resource: id}
	case wire.KindCoreRelease:
		payload = wire.CoreRelease{Resource: id}
	default:
		t.Fatalf("not a core kind: %v", kind)
	}
	msg, err := wire.New(wire.GroupCore, kind, payload)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := plugin.Dispatcher().Send(msg, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

// Local references fold into one tracker entry; only the last release
// crosses the wire and retires the host entry.
func TestReleaseCensus(t *testing.T) {
	plugin, _ := servePair(t, Backends{Buffer: MemoryBuffers{}}, HostOptions{EnableTesting: true}, PluginOptions{})

	handle, err := plugin.Buffer().Create(context.Background(), testInstance, 256)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got := liveCount(t, plugin); got != 1 {
		t.Fatalf("live count after create = %d, want 1", got)
	}

	plugin.AddRef(handle)
	plugin.Release(handle)
	if got := liveCount(t, plugin); got != 1 {
		t.Errorf("live count after balanced add-ref = %d, want 1", got)
	}
	if got := plugin.Tracker().Len(); got != 1 {
		t.Errorf("tracker holds %d entries, want 1", got)
	}

	plugin.Release(handle)
	if got := liveCount(t, plugin); got != 0 {
		t.Errorf("live count after final release = %d, want 0", got)
	}
	if got := plugin.Tracker().Len(); got != 0 {
		t.Errorf("tracker holds %d entries after final release, want 0", got)
	}
	if _, err := plugin.Buffer().Bytes(handle); err == nil {
		t.Error("Bytes on a fully released handle succeeded")
	}
}

// An explicit wire add-ref keeps the host entry alive after the
// plugin's own reference drops.
func TestWireAddRefPinsHostEntry(t *testing.T) {
	plugin, _ := servePair(t, Backends{Buffer: MemoryBuffers{}}, HostOptions{EnableTesting: true}, PluginOptions{})

	handle, err := plugin.Buffer().Create(context.Background(), testInstance, 256)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	resource, ok := plugin.Tracker().Get(handle)
	if !ok {
		t.Fatal("buffer handle not tracked")
	}
	id := resource.Identity()

	sendCore(t, plugin, wire.KindCoreAddRef, id)
	plugin.Release(handle)
	if got := liveCount(t, plugin); got != 1 {
		t.Fatalf("live count with a pinned entry = %d, want 1", got)
	}

	sendCore(t, plugin, wire.KindCoreRelease, id)
	if got := liveCount(t, plugin); got != 0 {
		t.Errorf("live count after unpinning = %d, want 0", got)
	}
}

// A creation reply naming an identity the tracker already holds folds
// into the existing handle: the local count rises and the surplus
// transferred reference returns to the host.
func TestAdoptFoldsDuplicateIdentity(t *testing.T) {
	plugin, _ := servePair(t, Backends{Buffer: MemoryBuffers{}}, HostOptions{EnableTesting: true}, PluginOptions{})

	first, err := plugin.Buffer().Create(context.Background(), testInstance, 256)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	resource, ok := plugin.Tracker().Get(first)
	if !ok {
		t.Fatal("buffer handle not tracked")
	}
	id := resource.Identity()

	// Stand in for the reference a duplicate-bearing reply transfers.
	sendCore(t, plugin, wire.KindCoreAddRef, id)

	second := plugin.adopt(&bufferResource{id: id})
	if second != first {
		t.Fatalf("adopt returned handle %d, want the existing %d", second, first)
	}
	if got := plugin.Tracker().Len(); got != 1 {
		t.Fatalf("tracker holds %d entries after fold, want 1", got)
	}
	// The fold returned the surplus reference to the host.
	if got := liveCount(t, plugin); got != 1 {
		t.Fatalf("live count after fold = %d, want 1", got)
	}

	plugin.Release(first)
	if got := liveCount(t, plugin); got != 1 {
		t.Errorf("live count after first release = %d, want 1", got)
	}
	plugin.Release(first)
	if got := liveCount(t, plugin); got != 0 {
		t.Errorf("live count after final release = %d, want 0", got)
	}
}

func TestSyncCallAgainstMissingBackend(t *testing.T) {
	plugin, _ := servePair(t, Backends{}, HostOptions{}, PluginOptions{})

	_, err := plugin.FileChooser().Create(context.Background(), testInstance, wire.FileChooserOpen, "")
	if err == nil {
		t.Fatal("Create against a host without the backend succeeded")
	}
	var resultErr *dispatch.ResultError
	if !errors.As(err, &resultErr) || resultErr.Result != wire.ResultNotSupported {
		t.Fatalf("Create: %v, want ResultNotSupported", err)
	}
}

func TestPeerSupportsGroup(t *testing.T) {
	backends := Backends{Buffer: MemoryBuffers{}, Graphics: &fakeGraphicsBackend{}}
	plugin, _ := servePair(t, backends, HostOptions{
		EnableTesting: true,
		SupportsGroup: func(group wire.Group) bool {
			return group == wire.GroupBuffer || group == wire.GroupLoader
		},
	}, PluginOptions{})
	ctx := context.Background()

	cases := []struct {
		group wire.Group
		want  bool
	}{
		{wire.GroupCore, true},
		{wire.GroupBuffer, true},
		// Backed but vetoed by policy.
		{wire.GroupGraphics, false},
		// Allowed by policy but unbacked.
		{wire.GroupLoader, false},
		{wire.GroupTesting, true},
	}
	for _, c := range cases {
		got, err := plugin.PeerSupportsGroup(ctx, c.group)
		if err != nil {
			t.Fatalf("PeerSupportsGroup(%v): %v", c.group, err)
		}
		if got != c.want {
			t.Errorf("PeerSupportsGroup(%v) = %v, want %v", c.group, got, c.want)
		}
	}
}

func TestPeerSupportsGroupWithoutPolicy(t *testing.T) {
	plugin, _ := servePair(t, Backends{Loader: &scriptedLoaderBackend{}}, HostOptions{}, PluginOptions{})
	ctx := context.Background()

	cases := []struct {
		group wire.Group
		want  bool
	}{
		{wire.GroupCore, true},
		{wire.GroupLoader, true},
		{wire.GroupAudio, false},
		{wire.GroupTesting, false},
	}
	for _, c := range cases {
		got, err := plugin.PeerSupportsGroup(ctx, c.group)
		if err != nil {
			t.Fatalf("PeerSupportsGroup(%v): %v", c.group, err)
		}
		if got != c.want {
			t.Errorf("PeerSupportsGroup(%v) = %v, want %v", c.group, got, c.want)
		}
	}
}

func TestReserveInstance(t *testing.T) {
	plugin, _ := servePair(t, Backends{}, HostOptions{}, PluginOptions{})
	ctx := context.Background()

	usable, err := plugin.ReserveInstance(ctx, testInstance)
	if err != nil {
		t.Fatalf("ReserveInstance: %v", err)
	}
	if !usable {
		t.Error("fresh instance identifier reported unusable")
	}

	usable, err = plugin.ReserveInstance(ctx, testInstance)
	if err != nil {
		t.Fatalf("ReserveInstance: %v", err)
	}
	if usable {
		t.Error("duplicate instance identifier reported usable")
	}
}
