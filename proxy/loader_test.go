// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bureau-foundation/capwire/track"
	"github.com/bureau-foundation/capwire/wire"
)

type openResult struct {
	result wire.Result
	status int32
}

type readResult struct {
	result wire.Result
	data   []byte
}

// openLoader creates a loader session and runs Open to completion.
func openLoader(t *testing.T, plugin *Plugin, url string) track.Handle {
	t.Helper()
	handle, err := plugin.Loader().Create(context.Background(), testInstance)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	opened := make(chan openResult, 1)
	err = plugin.Loader().Open(handle, url, "GET", nil, func(result wire.Result, statusCode int32) {
		opened <- openResult{result, statusCode}
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	select {
	case got := <-opened:
		if got.result != wire.ResultOK {
			t.Fatalf("Open completed with %v", got.result)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Open to complete")
	}
	return handle
}

func pluginLoader(t *testing.T, plugin *Plugin, handle track.Handle) *loaderResource {
	t.Helper()
	resource, ok := plugin.Tracker().Get(handle)
	if !ok {
		t.Fatalf("handle %d not tracked", handle)
	}
	loader, ok := resource.(*loaderResource)
	if !ok {
		t.Fatalf("handle %d is not a loader", handle)
	}
	return loader
}

func bufferedBytes(r *loaderResource) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

func TestLoaderOpenReportsStatus(t *testing.T) {
	backend := &scriptedLoaderBackend{status: 204}
	plugin, _ := servePair(t, Backends{Loader: backend}, HostOptions{}, PluginOptions{})

	handle, err := plugin.Loader().Create(context.Background(), testInstance)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	opened := make(chan openResult, 1)
	err = plugin.Loader().Open(handle, "https://example.test/doc", "GET", nil, func(result wire.Result, statusCode int32) {
		opened <- openResult{result, statusCode}
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	select {
	case got := <-opened:
		if got.result != wire.ResultOK || got.status != 204 {
			t.Errorf("Open completed with %v status %d, want OK 204", got.result, got.status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Open to complete")
	}
}

// A read larger than the buffered bytes waits, and the completion
// joins what was buffered with what the wire reply brings: pushed 4
// plus arriving 6 satisfy a read of 10 exactly, leaving nothing
// buffered.
func TestLoaderReadJoinsBufferedAndArriving(t *testing.T) {
	backend := &scriptedLoaderBackend{deferReads: true, status: 200}
	plugin, _ := servePair(t, Backends{Loader: backend}, HostOptions{}, PluginOptions{})

	handle := openLoader(t, plugin, "https://example.test/body")
	session := backend.session(0)
	loader := pluginLoader(t, plugin, handle)

	session.push([]byte("abcd"), false)
	waitUntil(t, "pushed bytes to buffer", func() bool { return bufferedBytes(loader) == 4 })

	results := make(chan readResult, 1)
	err := plugin.Loader().Read(handle, 10, func(result wire.Result, data []byte) {
		results <- readResult{result, data}
	})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	waitUntil(t, "wire read request", func() bool { return session.readCount() == 1 })
	session.completeRead([]byte("efghij"))

	select {
	case got := <-results:
		if got.result != 10 || !bytes.Equal(got.data, []byte("abcdefghij")) {
			t.Errorf("read completed with %d %q, want 10 %q", got.result, got.data, "abcdefghij")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for read to complete")
	}
	if buffered := bufferedBytes(loader); buffered != 0 {
		t.Errorf("%d bytes left buffered, want 0", buffered)
	}
}

// Reads covered by buffered bytes complete on the calling goroutine
// without touching the wire.
func TestLoaderBufferedReadSkipsWire(t *testing.T) {
	backend := &scriptedLoaderBackend{deferReads: true, status: 200}
	plugin, _ := servePair(t, Backends{Loader: backend}, HostOptions{}, PluginOptions{})

	handle := openLoader(t, plugin, "https://example.test/body")
	session := backend.session(0)
	loader := pluginLoader(t, plugin, handle)

	session.push([]byte("abcdefgh"), false)
	waitUntil(t, "pushed bytes to buffer", func() bool { return bufferedBytes(loader) == 8 })

	for _, want := range []string{"abcd", "efgh"} {
		var got readResult
		fired := false
		err := plugin.Loader().Read(handle, 4, func(result wire.Result, data []byte) {
			got = readResult{result, data}
			fired = true
		})
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if !fired {
			t.Fatal("buffered read did not complete synchronously")
		}
		if got.result != 4 || string(got.data) != want {
			t.Errorf("read completed with %d %q, want 4 %q", got.result, got.data, want)
		}
	}
	if session.readCount() != 0 {
		t.Errorf("buffered reads made %d wire requests, want 0", session.readCount())
	}
}

// The wire request for a small read asks for at least the read-ahead
// floor so later small reads hit the buffer.
func TestLoaderReadAheadFloor(t *testing.T) {
	backend := &scriptedLoaderBackend{deferReads: true, status: 200}
	plugin, _ := servePair(t, Backends{Loader: backend}, HostOptions{}, PluginOptions{})

	handle := openLoader(t, plugin, "https://example.test/body")
	session := backend.session(0)

	err := plugin.Loader().Read(handle, 10, func(result wire.Result, data []byte) {})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	waitUntil(t, "wire read request", func() bool { return session.readCount() == 1 })

	session.mu.Lock()
	requested := session.reads[0]
	session.mu.Unlock()
	if requested != readAheadBytes {
		t.Errorf("wire request asked for %d bytes, want %d", requested, readAheadBytes)
	}
}

func TestLoaderOverlappingReadFails(t *testing.T) {
	backend := &scriptedLoaderBackend{deferReads: true, status: 200}
	plugin, _ := servePair(t, Backends{Loader: backend}, HostOptions{}, PluginOptions{})

	handle := openLoader(t, plugin, "https://example.test/body")

	err := plugin.Loader().Read(handle, 10, func(result wire.Result, data []byte) {})
	if err != nil {
		t.Fatalf("first Read: %v", err)
	}
	err = plugin.Loader().Read(handle, 5, func(result wire.Result, data []byte) {})
	if !errors.Is(err, ErrInProgress) {
		t.Fatalf("second Read: %v, want ErrInProgress", err)
	}
}

// A push arriving while a read waits satisfies the read immediately;
// the read-ahead reply that lands afterwards stays buffered for the
// next read.
func TestLoaderPushSatisfiesWaitingRead(t *testing.T) {
	backend := &scriptedLoaderBackend{deferReads: true, status: 200}
	plugin, _ := servePair(t, Backends{Loader: backend}, HostOptions{}, PluginOptions{})

	handle := openLoader(t, plugin, "https://example.test/body")
	session := backend.session(0)
	loader := pluginLoader(t, plugin, handle)

	results := make(chan readResult, 1)
	err := plugin.Loader().Read(handle, 10, func(result wire.Result, data []byte) {
		results <- readResult{result, data}
	})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	waitUntil(t, "wire read request", func() bool { return session.readCount() == 1 })

	session.push([]byte("xyz"), false)
	select {
	case got := <-results:
		if got.result != 3 || string(got.data) != "xyz" {
			t.Errorf("read completed with %d %q, want 3 %q", got.result, got.data, "xyz")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for push to satisfy the read")
	}

	session.completeRead([]byte("123456"))
	waitUntil(t, "read-ahead surplus to buffer", func() bool { return bufferedBytes(loader) == 6 })

	var got readResult
	err = plugin.Loader().Read(handle, 6, func(result wire.Result, data []byte) {
		got = readResult{result, data}
	})
	if err != nil {
		t.Fatalf("Read after surplus: %v", err)
	}
	if got.result != 6 || string(got.data) != "123456" {
		t.Errorf("read completed with %d %q, want 6 %q", got.result, got.data, "123456")
	}
}

func TestLoaderCloseAbortsWaitingRead(t *testing.T) {
	backend := &scriptedLoaderBackend{deferReads: true, status: 200}
	plugin, _ := servePair(t, Backends{Loader: backend}, HostOptions{}, PluginOptions{})

	handle := openLoader(t, plugin, "https://example.test/body")
	session := backend.session(0)

	results := make(chan readResult, 1)
	err := plugin.Loader().Read(handle, 10, func(result wire.Result, data []byte) {
		results <- readResult{result, data}
	})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	waitUntil(t, "wire read request", func() bool { return session.readCount() == 1 })

	if err := plugin.Loader().Close(handle); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case got := <-results:
		if got.result != wire.ResultAborted || got.data != nil {
			t.Errorf("aborted read completed with %d %q, want aborted nil", got.result, got.data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for close to abort the read")
	}

	waitUntil(t, "host-side cancel", session.wasCanceled)

	if err := plugin.Loader().Read(handle, 4, func(wire.Result, []byte) {}); err == nil {
		t.Error("Read on a closed loader succeeded")
	}
}

// End of body arrives as an empty reply, satisfies the waiting read
// with zero, and stays latched so later reads complete synchronously.
func TestLoaderEndOfBody(t *testing.T) {
	backend := &scriptedLoaderBackend{body: []byte("hi"), status: 200}
	plugin, _ := servePair(t, Backends{Loader: backend}, HostOptions{}, PluginOptions{})

	handle := openLoader(t, plugin, "https://example.test/short")
	session := backend.session(0)

	read := func() readResult {
		t.Helper()
		results := make(chan readResult, 1)
		err := plugin.Loader().Read(handle, 10, func(result wire.Result, data []byte) {
			results <- readResult{result, data}
		})
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		select {
		case got := <-results:
			return got
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for read to complete")
			return readResult{}
		}
	}

	if got := read(); got.result != 2 || string(got.data) != "hi" {
		t.Fatalf("first read completed with %d %q, want 2 %q", got.result, got.data, "hi")
	}
	if got := read(); got.result != 0 || len(got.data) != 0 {
		t.Fatalf("second read completed with %d %q, want end of body", got.result, got.data)
	}
	if got := read(); got.result != 0 || len(got.data) != 0 {
		t.Fatalf("third read completed with %d %q, want end of body", got.result, got.data)
	}
	if session.readCount() != 2 {
		t.Errorf("%d wire requests, want 2: end of body must not re-request", session.readCount())
	}
}

func TestLoaderReadRejectsBadSize(t *testing.T) {
	backend := &scriptedLoaderBackend{status: 200}
	plugin, _ := servePair(t, Backends{Loader: backend}, HostOptions{}, PluginOptions{})

	handle := openLoader(t, plugin, "https://example.test/body")
	if err := plugin.Loader().Read(handle, 0, func(wire.Result, []byte) {}); err == nil {
		t.Error("Read(0) succeeded")
	}
	if err := plugin.Loader().Read(handle, -3, func(wire.Result, []byte) {}); err == nil {
		t.Error("Read(-3) succeeded")
	}
}
