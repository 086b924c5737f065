// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/capwire/channel"
	"github.com/bureau-foundation/capwire/transit"
	"github.com/bureau-foundation/capwire/wire"
)

const testInstance = wire.InstanceID(7)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// servePair wires a plugin and a host over an in-memory channel and
// runs both serve loops until the test ends.
func servePair(t *testing.T, backends Backends, hostOptions HostOptions, pluginOptions PluginOptions) (*Plugin, *Host) {
	t.Helper()
	pluginEnd, hostEnd := channel.Pair()
	return servePairOver(t, pluginEnd, hostEnd, backends, hostOptions, pluginOptions)
}

// servePairOver is servePair on caller-supplied channel ends, letting
// tests run the stack over a real socketpair.
func servePairOver(t *testing.T, pluginEnd, hostEnd channel.Channel, backends Backends, hostOptions HostOptions, pluginOptions PluginOptions) (*Plugin, *Host) {
	t.Helper()

	if hostOptions.Logger == nil {
		hostOptions.Logger = testLogger()
	}
	if pluginOptions.Logger == nil {
		pluginOptions.Logger = testLogger()
	}

	host := NewHost(hostEnd, backends, hostOptions)
	plugin := NewPlugin(pluginEnd, pluginOptions)

	errs := make(chan error, 2)
	go func() { errs <- host.Serve(context.Background()) }()
	go func() { errs <- plugin.Serve(context.Background()) }()

	t.Cleanup(func() {
		plugin.Close()
		host.Close()
		for i := 0; i < 2; i++ {
			select {
			case err := <-errs:
				if err != nil {
					t.Errorf("serve loop: %v", err)
				}
			case <-time.After(5 * time.Second):
				t.Error("serve loop did not exit")
			}
		}
	})
	return plugin, host
}

// waitUntil polls a condition that a serve loop satisfies
// asynchronously.
func waitUntil(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// fakeChooserBackend mints choosers that answer with a fixed file
// list.
type fakeChooserBackend struct {
	files []wire.ChosenFile
	err   error
}

func (f *fakeChooserBackend) NewChooser(instance wire.InstanceID, mode wire.FileChooserMode, acceptTypes string) (Chooser, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &fakeChooser{files: f.files}, nil
}

type fakeChooser struct {
	files []wire.ChosenFile
}

func (f *fakeChooser) Show(done func(result wire.Result, files []wire.ChosenFile)) {
	done(wire.ResultOK, f.files)
}

// fakeFileSystemBackend mints file systems with a byte quota.
type fakeFileSystemBackend struct {
	quota int64
}

func (f *fakeFileSystemBackend) NewFileSystem(instance wire.InstanceID, kind wire.FileSystemKind) (FileSystem, error) {
	return &fakeFileSystem{quota: f.quota}, nil
}

type fakeFileSystem struct {
	quota int64
}

func (f *fakeFileSystem) Open(expectedSize int64, done func(result wire.Result)) {
	if f.quota > 0 && expectedSize > f.quota {
		done(wire.ResultNoSpace)
		return
	}
	done(wire.ResultOK)
}

// fakeGraphicsBackend records surfaces so tests can inspect paints
// and drive flush completions by hand.
type fakeGraphicsBackend struct {
	mu       sync.Mutex
	surfaces []*fakeSurface
}

func (g *fakeGraphicsBackend) NewSurface(instance wire.InstanceID, width, height int32) (Surface, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	surface := &fakeSurface{}
	g.surfaces = append(g.surfaces, surface)
	return surface, nil
}

func (g *fakeGraphicsBackend) surface(i int) *fakeSurface {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.surfaces[i]
}

type paintRecord struct {
	pixels []byte
	x, y   int32
}

type fakeSurface struct {
	mu      sync.Mutex
	paints  []paintRecord
	flushes []func(result wire.Result)
}

func (s *fakeSurface) Paint(pixels []byte, x, y int32) {
	copied := append([]byte(nil), pixels...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paints = append(s.paints, paintRecord{pixels: copied, x: x, y: y})
}

// Flush parks the completion for the test to fire.
func (s *fakeSurface) Flush(done func(result wire.Result)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes = append(s.flushes, done)
}

func (s *fakeSurface) paintCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.paints)
}

func (s *fakeSurface) paint(i int) paintRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paints[i]
}

func (s *fakeSurface) flushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.flushes)
}

// completeFlush fires the oldest parked flush completion.
func (s *fakeSurface) completeFlush(result wire.Result) {
	s.mu.Lock()
	done := s.flushes[0]
	s.flushes = s.flushes[1:]
	s.mu.Unlock()
	done(result)
}

// scriptedLoaderBackend mints loader sessions that serve a fixed body
// and let tests defer read completions or push bytes unprompted.
type scriptedLoaderBackend struct {
	mu       sync.Mutex
	sessions []*scriptedLoader

	// deferReads parks read completions instead of answering from the
	// body.
	deferReads bool
	body       []byte
	status     int32
}

func (b *scriptedLoaderBackend) NewLoader(instance wire.InstanceID, push func(data []byte, done bool)) (Loader, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	session := &scriptedLoader{
		pushFn:     push,
		body:       append([]byte(nil), b.body...),
		status:     b.status,
		deferReads: b.deferReads,
	}
	b.sessions = append(b.sessions, session)
	return session, nil
}

func (b *scriptedLoaderBackend) session(i int) *scriptedLoader {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions[i]
}

type scriptedLoader struct {
	mu         sync.Mutex
	pushFn     func(data []byte, done bool)
	body       []byte
	status     int32
	deferReads bool
	opened     bool
	canceled   bool
	reads      []int32
	parked     func(result wire.Result, data []byte)
}

func (s *scriptedLoader) Open(url, method string, body []byte, done func(result wire.Result, statusCode int32)) {
	s.mu.Lock()
	s.opened = true
	status := s.status
	s.mu.Unlock()
	done(wire.ResultOK, status)
}

func (s *scriptedLoader) Read(max int32, done func(result wire.Result, data []byte)) {
	s.mu.Lock()
	s.reads = append(s.reads, max)
	if s.deferReads {
		s.parked = done
		s.mu.Unlock()
		return
	}
	take := int(max)
	if take > len(s.body) {
		take = len(s.body)
	}
	data := s.body[:take]
	s.body = s.body[take:]
	s.mu.Unlock()
	done(wire.ResultOK, data)
}

func (s *scriptedLoader) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canceled = true
}

// push streams bytes to the plugin outside any read.
func (s *scriptedLoader) push(data []byte, done bool) {
	s.mu.Lock()
	pushFn := s.pushFn
	s.mu.Unlock()
	pushFn(data, done)
}

// completeRead fires a parked read completion.
func (s *scriptedLoader) completeRead(data []byte) {
	s.mu.Lock()
	done := s.parked
	s.parked = nil
	s.mu.Unlock()
	done(wire.ResultOK, data)
}

func (s *scriptedLoader) readCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reads)
}

func (s *scriptedLoader) wasCanceled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canceled
}

// fakeAudioBackend parks the created callback so tests decide when
// and how the stream plumbing materializes.
type fakeAudioBackend struct {
	mu      sync.Mutex
	created func(result wire.Result, socket transit.Handle, region *transit.SharedMemory)
	streams []*fakeStream
}

func (b *fakeAudioBackend) NewStream(instance wire.InstanceID, sampleRate, frameCount uint32,
	created func(result wire.Result, socket transit.Handle, region *transit.SharedMemory)) (Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.created = created
	stream := &fakeStream{}
	b.streams = append(b.streams, stream)
	return stream, nil
}

func (b *fakeAudioBackend) fireCreated(result wire.Result, socket transit.Handle, region *transit.SharedMemory) {
	b.mu.Lock()
	created := b.created
	b.mu.Unlock()
	created(result, socket, region)
}

func (b *fakeAudioBackend) stream(i int) *fakeStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streams[i]
}

type fakeStream struct {
	mu      sync.Mutex
	started int
	stopped int
}

func (s *fakeStream) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started++
}

func (s *fakeStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped++
}

func (s *fakeStream) startCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}
