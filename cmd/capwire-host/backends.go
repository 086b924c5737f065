// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/capwire/proxy"
	"github.com/bureau-foundation/capwire/transit"
	"github.com/bureau-foundation/capwire/wire"
)

// demoBackends assembles the host's capability backends from the
// configuration.
func demoBackends(config *Config, logger *slog.Logger) proxy.Backends {
	return proxy.Backends{
		FileChooser: &directoryChoosers{root: config.Chooser.Root},
		FileSystem:  &quotaFileSystems{quota: config.FileSystem.QuotaBytes},
		Graphics:    &paintLoggers{logger: logger},
		Buffer:      proxy.MemoryBuffers{MaxBytes: config.Buffer.MaxBytes},
		Loader:      &fileLoaders{root: config.Loader.Root, pushAhead: config.Loader.PushAheadBytes, logger: logger},
		Audio:       &toneStreams{logger: logger},
	}
}

// directoryChoosers offers the entries of one directory as the
// choosable files.
type directoryChoosers struct {
	root string
}

func (d *directoryChoosers) NewChooser(instance wire.InstanceID, mode wire.FileChooserMode, acceptTypes string) (proxy.Chooser, error) {
	return &directoryChooser{root: d.root, mode: mode, acceptTypes: acceptTypes}, nil
}

type directoryChooser struct {
	root        string
	mode        wire.FileChooserMode
	acceptTypes string
}

func (c *directoryChooser) Show(done func(result wire.Result, files []wire.ChosenFile)) {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		done(wire.ResultFailed, nil)
		return
	}

	var files []wire.ChosenFile
	for _, entry := range entries {
		if entry.IsDir() || !accepted(entry.Name(), c.acceptTypes) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, wire.ChosenFile{Name: entry.Name(), Size: info.Size()})
		if c.mode == wire.FileChooserOpen {
			break
		}
	}
	done(wire.ResultOK, files)
}

// accepted reports whether a file name passes the accept filter. Only
// extension entries (".txt") filter; MIME entries are not interpreted.
// An empty filter accepts everything.
func accepted(name, acceptTypes string) bool {
	if acceptTypes == "" {
		return true
	}
	lower := strings.ToLower(name)
	for _, entry := range strings.Split(acceptTypes, ",") {
		entry = strings.TrimSpace(entry)
		if strings.HasPrefix(entry, ".") && strings.HasSuffix(lower, strings.ToLower(entry)) {
			return true
		}
	}
	return false
}

// quotaFileSystems admits opens whose declared size fits the quota.
type quotaFileSystems struct {
	quota int64
}

func (q *quotaFileSystems) NewFileSystem(instance wire.InstanceID, kind wire.FileSystemKind) (proxy.FileSystem, error) {
	return &quotaFileSystem{quota: q.quota}, nil
}

type quotaFileSystem struct {
	quota int64
}

func (f *quotaFileSystem) Open(expectedSize int64, done func(result wire.Result)) {
	switch {
	case expectedSize < 0:
		done(wire.ResultBadArgument)
	case f.quota > 0 && expectedSize > f.quota:
		done(wire.ResultNoSpace)
	default:
		done(wire.ResultOK)
	}
}

// paintLoggers backs the graphics group with surfaces that log their
// traffic instead of presenting it.
type paintLoggers struct {
	logger *slog.Logger
}

func (p *paintLoggers) NewSurface(instance wire.InstanceID, width, height int32) (proxy.Surface, error) {
	return &loggedSurface{
		logger: p.logger.With("instance", instance, "width", width, "height", height),
	}, nil
}

type loggedSurface struct {
	logger *slog.Logger

	paints  int
	flushes int
	staged  int
}

func (s *loggedSurface) Paint(pixels []byte, x, y int32) {
	s.paints++
	s.staged += len(pixels)
	s.logger.Debug("paint staged", "bytes", len(pixels), "x", x, "y", y)
}

func (s *loggedSurface) Flush(done func(result wire.Result)) {
	s.flushes++
	s.logger.Info("surface flushed",
		"flush", s.flushes,
		"paints", s.paints,
		"staged_bytes", s.staged,
	)
	s.staged = 0
	done(wire.ResultOK)
}

// fileLoaders serves loader requests from a document root on the local
// filesystem. HTTP semantics are approximated: the open completion
// carries a status code, missing files answer 404, and only GET is
// served.
type fileLoaders struct {
	root      string
	pushAhead int64
	logger    *slog.Logger
}

func (f *fileLoaders) NewLoader(instance wire.InstanceID, push func(data []byte, done bool)) (proxy.Loader, error) {
	return &fileLoader{root: f.root, pushAhead: f.pushAhead, push: push, logger: f.logger}, nil
}

type fileLoader struct {
	root      string
	pushAhead int64
	push      func(data []byte, done bool)
	logger    *slog.Logger

	file     *os.File
	canceled bool
}

func (l *fileLoader) Open(rawURL, method string, body []byte, done func(result wire.Result, statusCode int32)) {
	if method != "" && method != "GET" {
		done(wire.ResultOK, 405)
		return
	}

	target, err := resolveDocument(l.root, rawURL)
	if err != nil {
		done(wire.ResultOK, 404)
		return
	}

	file, err := os.Open(target)
	if err != nil {
		if os.IsNotExist(err) {
			done(wire.ResultOK, 404)
		} else {
			l.logger.Warn("opening document", "path", target, "error", err)
			done(wire.ResultFailed, 0)
		}
		return
	}

	info, err := file.Stat()
	if err != nil || info.IsDir() {
		file.Close()
		done(wire.ResultOK, 404)
		return
	}

	// Small bodies stream to the plugin without waiting for reads.
	// The open completion goes first so the plugin correlates the
	// pushes with an open request it knows succeeded.
	if l.pushAhead > 0 && info.Size() <= l.pushAhead {
		data, err := io.ReadAll(file)
		file.Close()
		if err != nil {
			done(wire.ResultFailed, 0)
			return
		}
		done(wire.ResultOK, 200)
		l.push(data, true)
		return
	}

	l.file = file
	done(wire.ResultOK, 200)
}

func (l *fileLoader) Read(max int32, done func(result wire.Result, data []byte)) {
	switch {
	case l.canceled:
		done(wire.ResultAborted, nil)
	case max <= 0:
		done(wire.ResultBadArgument, nil)
	case l.file == nil:
		done(wire.ResultOK, nil)
	default:
		buffer := make([]byte, max)
		n, err := l.file.Read(buffer)
		if n > 0 {
			done(wire.ResultOK, buffer[:n])
			return
		}
		if err == io.EOF {
			l.file.Close()
			l.file = nil
			done(wire.ResultOK, nil)
			return
		}
		l.logger.Warn("reading document body", "error", err)
		done(wire.ResultFailed, nil)
	}
}

func (l *fileLoader) Cancel() {
	l.canceled = true
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

func (l *fileLoader) Close() error {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	return nil
}

// resolveDocument maps a request URL onto a file under root. Paths
// that would escape the root resolve to an error.
func resolveDocument(root, rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	relative := path.Clean(strings.TrimPrefix(parsed.Path, "/"))
	if relative == "." {
		return "", fmt.Errorf("no document named")
	}
	if !filepath.IsLocal(relative) {
		return "", fmt.Errorf("path escapes document root")
	}
	return filepath.Join(root, filepath.FromSlash(relative)), nil
}

// toneStreams backs the audio group with a 440 Hz test tone: each
// stream owns a shared sample buffer it refills once per buffer
// period, pulsing the sync socket so the plugin can observe the
// device clock.
type toneStreams struct {
	logger *slog.Logger
}

func (t *toneStreams) NewStream(instance wire.InstanceID, sampleRate, frameCount uint32,
	created func(result wire.Result, socket transit.Handle, region *transit.SharedMemory)) (proxy.Stream, error) {
	// 16-bit stereo frames.
	byteLength := frameCount * 4

	region, err := transit.NewSharedMemory(fmt.Sprintf("capwire-tone-%d", instance), byteLength)
	if err != nil {
		return nil, err
	}

	// The region handed to created is consumed once it ships to the
	// plugin; the generator needs its own mapping of the same memory.
	regionHandle, err := region.Handle()
	if err != nil {
		region.Close()
		return nil, err
	}
	mapping, err := transit.MapSharedMemory(regionHandle, uint32(region.Len()))
	if err != nil {
		region.Close()
		return nil, err
	}

	local, remote, err := transit.SocketPair()
	if err != nil {
		mapping.Close()
		region.Close()
		return nil, err
	}
	// The plugin may never drain the sync socket; pulses must not
	// block the generator when its buffer fills.
	if err := unix.SetNonblock(local.FD(), true); err != nil {
		local.Close()
		remote.Close()
		mapping.Close()
		region.Close()
		return nil, err
	}

	stream := &toneStream{
		logger:     t.logger.With("instance", instance, "sample_rate", sampleRate),
		mapping:    mapping,
		socket:     local,
		sampleRate: sampleRate,
		frameCount: frameCount,
	}
	created(wire.ResultOK, remote, region)
	return stream, nil
}

type toneStream struct {
	logger     *slog.Logger
	sampleRate uint32
	frameCount uint32

	mu      sync.Mutex
	mapping *transit.SharedMemory
	socket  transit.Handle
	cancel  context.CancelFunc
	active  sync.WaitGroup
	frame   uint64
}

func (s *toneStream) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil || s.mapping == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.active.Add(1)
	go s.generate(ctx)
	s.logger.Info("playback started")
}

func (s *toneStream) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.active.Wait()
	s.logger.Info("playback stopped")
}

// Close runs when the plugin's last reference drops. Stop has already
// run by then (the release path stops before closing), but a direct
// close must not leave the generator writing into an unmapped region.
func (s *toneStream) Close() error {
	s.Stop()

	s.mu.Lock()
	mapping := s.mapping
	socket := s.socket
	s.mapping = nil
	s.socket = transit.Handle{}
	s.mu.Unlock()

	socket.Close()
	if mapping != nil {
		return mapping.Close()
	}
	return nil
}

// generate refills the sample buffer once per buffer period and pulses
// the sync socket. Runs until Stop cancels it.
func (s *toneStream) generate(ctx context.Context) {
	defer s.active.Done()

	period := time.Duration(float64(s.frameCount) / float64(s.sampleRate) * float64(time.Second))
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fill()
			s.pulse()
		}
	}
}

// fill writes one buffer of a 440 Hz sine into the shared region,
// 16-bit little-endian stereo.
func (s *toneStream) fill() {
	samples := s.mapping.Bytes()
	step := 2 * math.Pi * 440 / float64(s.sampleRate)
	for i := uint32(0); i < s.frameCount; i++ {
		value := int16(8000 * math.Sin(float64(s.frame)*step))
		offset := i * 4
		binary.LittleEndian.PutUint16(samples[offset:], uint16(value))
		binary.LittleEndian.PutUint16(samples[offset+2:], uint16(value))
		s.frame++
	}
}

func (s *toneStream) pulse() {
	if _, err := unix.Write(s.socket.FD(), []byte{0}); err != nil && err != unix.EAGAIN {
		s.logger.Debug("sync pulse not delivered", "error", err)
	}
}
