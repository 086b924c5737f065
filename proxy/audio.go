// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/bureau-foundation/capwire/dispatch"
	"github.com/bureau-foundation/capwire/track"
	"github.com/bureau-foundation/capwire/transit"
	"github.com/bureau-foundation/capwire/wire"
)

// AudioClient drives the audio group: the host allocates the output
// stream and hands the plugin a shared sample buffer plus a sync
// socket for the device clock. Creation is two-phase: the identity
// arrives synchronously, the plumbing arrives later in an unsolicited
// stream-created message.
type AudioClient struct {
	plugin *Plugin
}

var _ dispatch.Proxy = (*AudioClient)(nil)

// audioResource is the plugin-side stand-in for one output stream. It
// owns the sync socket and the mapped sample region once the stream
// comes up; the last release closes both.
type audioResource struct {
	id       wire.ResourceID
	onStream func(result wire.Result, samples []byte)

	mu       sync.Mutex
	streamed bool
	socket   transit.Handle
	shm      *transit.SharedMemory
}

func (r *audioResource) Identity() wire.ResourceID { return r.id }

func (r *audioResource) Close() error {
	r.mu.Lock()
	socket := r.socket
	shm := r.shm
	r.socket = transit.Handle{}
	r.shm = nil
	r.mu.Unlock()

	socket.Close()
	if shm != nil {
		return shm.Close()
	}
	return nil
}

// Create asks the host for an output stream and returns its handle.
// Blocks for the identity round trip only. onStream fires exactly
// once, on the serve goroutine, when the stream plumbing arrives:
// ResultOK with the mapped sample buffer, or an error result with
// nil. The buffer is valid until the handle's last reference drops.
// onStream must not block and must not issue synchronous calls.
func (c *AudioClient) Create(ctx context.Context, instance wire.InstanceID, sampleRate, frameCount uint32, onStream func(result wire.Result, samples []byte)) (track.Handle, error) {
	if sampleRate == 0 || frameCount == 0 {
		return 0, fmt.Errorf("proxy: sample rate and frame count must be positive")
	}
	if onStream == nil {
		return 0, fmt.Errorf("proxy: onStream callback is required")
	}
	msg, err := wire.New(wire.GroupAudio, wire.KindAudioCreate, wire.AudioCreate{
		Instance:   instance,
		SampleRate: sampleRate,
		FrameCount: frameCount,
	})
	if err != nil {
		return 0, err
	}
	reply, handles, err := c.plugin.dispatcher.SyncCall(ctx, msg, nil)
	if err != nil {
		return 0, err
	}
	transit.CloseAll(handles)
	payload, err := wire.DecodePayload[wire.AudioCreateReply](reply)
	if err != nil {
		return 0, err
	}
	if payload.Resource.IsZero() {
		return 0, fmt.Errorf("proxy: host created no audio stream")
	}
	return c.plugin.adopt(&audioResource{id: payload.Resource, onStream: onStream}), nil
}

// Start begins playback. Fire-and-forget; the host starts pulling
// sample frames from the shared buffer.
func (c *AudioClient) Start(handle track.Handle) error {
	stream, err := c.resource(handle)
	if err != nil {
		return err
	}
	msg, err := wire.New(wire.GroupAudio, wire.KindAudioStart, wire.AudioStart{Resource: stream.id})
	if err != nil {
		return err
	}
	return c.plugin.dispatcher.Send(msg, nil)
}

// Stop halts playback. Fire-and-forget.
func (c *AudioClient) Stop(handle track.Handle) error {
	stream, err := c.resource(handle)
	if err != nil {
		return err
	}
	msg, err := wire.New(wire.GroupAudio, wire.KindAudioStop, wire.AudioStop{Resource: stream.id})
	if err != nil {
		return err
	}
	return c.plugin.dispatcher.Send(msg, nil)
}

func (c *AudioClient) resource(handle track.Handle) (*audioResource, error) {
	resource, ok := c.plugin.tracker.Get(handle)
	if !ok {
		return nil, fmt.Errorf("proxy: unknown handle %d", handle)
	}
	stream, ok := resource.(*audioResource)
	if !ok {
		return nil, fmt.Errorf("proxy: handle %d is not an audio stream", handle)
	}
	return stream, nil
}

// Handle accepts stream-created messages. Whatever goes wrong, the
// attached handles are closed on every path that does not adopt
// them: a descriptor outlives a dropped message otherwise.
func (c *AudioClient) Handle(msg *wire.Message, handles []transit.Handle) error {
	if msg.Kind != wire.KindAudioStreamCreated {
		transit.CloseAll(handles)
		return fmt.Errorf("proxy: unexpected audio message kind %v", msg.Kind)
	}
	payload, err := wire.DecodePayload[wire.AudioStreamCreated](msg)
	if err != nil {
		transit.CloseAll(handles)
		return fmt.Errorf("proxy: decoding stream created: %w", err)
	}

	stream := c.lookup(payload.Resource)
	if stream == nil {
		// Released before the plumbing arrived.
		transit.CloseAll(handles)
		c.plugin.logger.Debug("dropping stream plumbing for unknown resource", "resource", payload.Resource)
		return nil
	}

	stream.mu.Lock()
	if stream.streamed {
		stream.mu.Unlock()
		transit.CloseAll(handles)
		c.plugin.logger.Warn("duplicate stream created", "resource", payload.Resource)
		return nil
	}
	stream.streamed = true
	stream.mu.Unlock()

	if payload.Result != wire.ResultOK {
		transit.CloseAll(handles)
		stream.onStream(payload.Result, nil)
		return nil
	}
	if len(handles) != 2 {
		transit.CloseAll(handles)
		c.plugin.logger.Warn("stream created carried wrong handle count",
			"resource", payload.Resource, "handles", len(handles))
		stream.onStream(wire.ResultFailed, nil)
		return nil
	}

	socket := handles[0]
	shm, err := transit.MapSharedMemory(handles[1], payload.ShmByteLength)
	if err != nil {
		socket.Close()
		c.plugin.logger.Warn("mapping sample buffer failed", "resource", payload.Resource, "error", err)
		stream.onStream(wire.ResultFailed, nil)
		return nil
	}

	stream.mu.Lock()
	stream.socket = socket
	stream.shm = shm
	stream.mu.Unlock()

	stream.onStream(wire.ResultOK, shm.Bytes())
	return nil
}

func (c *AudioClient) lookup(id wire.ResourceID) *audioResource {
	handle, ok := c.plugin.tracker.LookupByIdentity(id)
	if !ok {
		return nil
	}
	resource, ok := c.plugin.tracker.Get(handle)
	if !ok {
		return nil
	}
	stream, ok := resource.(*audioResource)
	if !ok {
		c.plugin.logger.Warn("stream created for non-audio resource", "resource", id)
		return nil
	}
	return stream
}

// hostAudioStream is the registered backend object for one stream. It
// buffers a created outcome that fires before registration assigns
// the identity.
type hostAudioStream struct {
	host *Host

	mu       sync.Mutex
	id       wire.ResourceID
	stream   Stream
	buffered *audioCreated
}

type audioCreated struct {
	result wire.Result
	socket transit.Handle
	region *transit.SharedMemory
}

func (s *hostAudioStream) created(result wire.Result, socket transit.Handle, region *transit.SharedMemory) {
	s.mu.Lock()
	if s.id.IsZero() {
		s.buffered = &audioCreated{result: result, socket: socket, region: region}
		s.mu.Unlock()
		return
	}
	id := s.id
	s.mu.Unlock()

	s.host.sendStreamCreated(id, result, socket, region)
}

func (s *hostAudioStream) bind(id wire.ResourceID, stream Stream) {
	s.mu.Lock()
	s.id = id
	s.stream = stream
	buffered := s.buffered
	s.buffered = nil
	s.mu.Unlock()

	if buffered != nil {
		s.host.sendStreamCreated(id, buffered.result, buffered.socket, buffered.region)
	}
}

// playback returns the bound stream, or nil before bind or after
// Close.
func (s *hostAudioStream) playback() Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

// Close runs when the plugin's last reference drops: stop the stream,
// close its backend if it wants closing, and release plumbing that
// never made it onto the wire.
func (s *hostAudioStream) Close() error {
	s.mu.Lock()
	stream := s.stream
	buffered := s.buffered
	s.stream = nil
	s.buffered = nil
	s.mu.Unlock()

	if buffered != nil {
		buffered.socket.Close()
		if buffered.region != nil {
			buffered.region.Close()
		}
	}
	if stream != nil {
		stream.Stop()
		if closer, ok := stream.(io.Closer); ok {
			return closer.Close()
		}
	}
	return nil
}

// hostAudio serves audio requests against the embedder's
// [AudioBackend].
type hostAudio struct {
	host *Host
}

var _ dispatch.Proxy = (*hostAudio)(nil)

func (a *hostAudio) Handle(msg *wire.Message, handles []transit.Handle) error {
	transit.CloseAll(handles)

	switch msg.Kind {
	case wire.KindAudioCreate:
		return a.create(msg)
	case wire.KindAudioStart:
		return a.start(msg)
	case wire.KindAudioStop:
		return a.stop(msg)
	default:
		return fmt.Errorf("proxy: unexpected audio message kind %v", msg.Kind)
	}
}

func (a *hostAudio) create(msg *wire.Message) error {
	if err := requireSync(msg); err != nil {
		return err
	}
	req, err := wire.DecodePayload[wire.AudioCreate](msg)
	if err != nil {
		return fmt.Errorf("proxy: decoding audio create: %w", err)
	}
	if req.SampleRate == 0 || req.FrameCount == 0 {
		return a.host.dispatcher.ReplyError(msg, wire.ResultBadArgument)
	}
	entry := &hostAudioStream{host: a.host}
	stream, err := a.host.backends.Audio.NewStream(req.Instance, req.SampleRate, req.FrameCount, entry.created)
	if err != nil {
		a.host.logger.Warn("audio stream creation failed", "instance", req.Instance, "error", err)
		return a.host.dispatcher.ReplyError(msg, creationResult(err))
	}
	id := a.host.registry.Register(req.Instance, entry)
	entry.bind(id, stream)
	return a.host.dispatcher.Reply(msg, wire.AudioCreateReply{Resource: id}, nil)
}

func (a *hostAudio) start(msg *wire.Message) error {
	req, err := wire.DecodePayload[wire.AudioStart](msg)
	if err != nil {
		return fmt.Errorf("proxy: decoding audio start: %w", err)
	}
	entry, ok := track.Lookup[*hostAudioStream](a.host.registry, req.Resource)
	if !ok {
		a.host.logger.Debug("start of unknown audio stream", "resource", req.Resource)
		return nil
	}
	if stream := entry.playback(); stream != nil {
		stream.Start()
	}
	return nil
}

func (a *hostAudio) stop(msg *wire.Message) error {
	req, err := wire.DecodePayload[wire.AudioStop](msg)
	if err != nil {
		return fmt.Errorf("proxy: decoding audio stop: %w", err)
	}
	entry, ok := track.Lookup[*hostAudioStream](a.host.registry, req.Resource)
	if !ok {
		a.host.logger.Debug("stop of unknown audio stream", "resource", req.Resource)
		return nil
	}
	if stream := entry.playback(); stream != nil {
		stream.Stop()
	}
	return nil
}

// sendStreamCreated ships the plumbing to the plugin. On a failure
// result nothing rides along; any handles handed in anyway are
// closed. On export failure the outcome downgrades to a failure so
// the plugin still hears exactly once.
func (h *Host) sendStreamCreated(id wire.ResourceID, result wire.Result, socket transit.Handle, region *transit.SharedMemory) {
	if result == wire.ResultOK {
		if !socket.Valid() || region == nil {
			h.logger.Warn("stream created without plumbing", "resource", id)
			socket.Close()
			if region != nil {
				region.Close()
			}
			result = wire.ResultFailed
		}
	} else {
		socket.Close()
		if region != nil {
			region.Close()
		}
	}

	if result != wire.ResultOK {
		msg, err := wire.New(wire.GroupAudio, wire.KindAudioStreamCreated, wire.AudioStreamCreated{
			Resource: id,
			Result:   result,
		})
		if err != nil {
			h.logger.Warn("encoding stream created", "resource", id, "error", err)
			return
		}
		if err := h.dispatcher.Send(msg, nil); err != nil {
			h.logger.Debug("stream created not sent", "resource", id, "error", err)
		}
		return
	}

	length := uint32(region.Len())
	regionHandle, err := region.Handle()
	// The backend keeps its own end of the region; the host-side
	// mapping is only a way station and closes here either way.
	region.Close()
	if err != nil {
		h.logger.Warn("exporting sample buffer failed", "resource", id, "error", err)
		socket.Close()
		h.sendStreamCreated(id, wire.ResultFailed, transit.Handle{}, nil)
		return
	}

	msg, err := wire.New(wire.GroupAudio, wire.KindAudioStreamCreated, wire.AudioStreamCreated{
		Resource:      id,
		Result:        wire.ResultOK,
		ShmByteLength: length,
	})
	if err != nil {
		h.logger.Warn("encoding stream created", "resource", id, "error", err)
		socket.Close()
		regionHandle.Close()
		return
	}
	if err := h.dispatcher.Send(msg, []transit.Handle{socket, regionHandle}); err != nil {
		// Send consumed the handles.
		h.logger.Debug("stream created not sent", "resource", id, "error", err)
	}
}
