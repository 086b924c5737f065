// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/capwire/transit"
	"github.com/bureau-foundation/capwire/wire"
)

// ErrNoSpace is returned by backends that refuse an allocation on
// quota grounds. The host handler maps it to ResultNoSpace; any other
// creation error maps to ResultFailed.
var ErrNoSpace = errors.New("proxy: allocation exceeds quota")

// ErrInProgress reports an operation that is already in flight on the
// resource and may not overlap: a second flush on a surface, a second
// read on a loader. The first operation is unaffected.
var ErrInProgress = errors.New("proxy: operation already in flight")

// Backends supplies the host-side implementations behind each
// capability group. A nil field leaves that group unregistered: the
// dispatcher answers supports-group queries accordingly and refuses
// sync requests for the group with ResultNotSupported.
type Backends struct {
	FileChooser FileChooserBackend
	FileSystem  FileSystemBackend
	Graphics    GraphicsBackend
	Buffer      BufferBackend
	Loader      LoaderBackend
	Audio       AudioBackend
}

// FileChooserBackend mints chooser sessions.
type FileChooserBackend interface {
	// NewChooser creates one chooser. A session that implements
	// io.Closer is closed when the plugin's last reference drops.
	NewChooser(instance wire.InstanceID, mode wire.FileChooserMode, acceptTypes string) (Chooser, error)
}

// Chooser is one file-chooser session.
type Chooser interface {
	// Show runs the chooser. done must be called exactly once, from
	// any goroutine: ResultOK with the chosen files (zero or more), or
	// an error result with none.
	Show(done func(result wire.Result, files []wire.ChosenFile))
}

// FileSystemBackend mints file system sessions.
type FileSystemBackend interface {
	NewFileSystem(instance wire.InstanceID, kind wire.FileSystemKind) (FileSystem, error)
}

// FileSystem is one file system session.
type FileSystem interface {
	// Open prepares the backing store. done must be called exactly
	// once, from any goroutine. ResultNoSpace reports a quota the
	// expected size would bust.
	Open(expectedSize int64, done func(result wire.Result))
}

// GraphicsBackend mints 2D surfaces.
type GraphicsBackend interface {
	NewSurface(instance wire.InstanceID, width, height int32) (Surface, error)
}

// Surface is one 2D output surface.
type Surface interface {
	// Paint stages pixels at an offset. The pixels slice aliases the
	// shared buffer region and is only valid for the duration of the
	// call.
	Paint(pixels []byte, x, y int32)

	// Flush commits staged paints. done must be called exactly once,
	// from any goroutine.
	Flush(done func(result wire.Result))
}

// BufferBackend allocates shared memory regions for the buffer group.
type BufferBackend interface {
	// NewBuffer allocates a region of at least size bytes. The caller
	// owns the returned region.
	NewBuffer(instance wire.InstanceID, size uint32) (*transit.SharedMemory, error)
}

// MemoryBuffers is the stock buffer backend: anonymous shared-memory
// regions, optionally capped.
type MemoryBuffers struct {
	// MaxBytes caps a single allocation. Zero means no cap.
	MaxBytes uint32
}

// NewBuffer implements BufferBackend.
func (m MemoryBuffers) NewBuffer(instance wire.InstanceID, size uint32) (*transit.SharedMemory, error) {
	if m.MaxBytes != 0 && size > m.MaxBytes {
		return nil, fmt.Errorf("%w: %d > %d", ErrNoSpace, size, m.MaxBytes)
	}
	return transit.NewSharedMemory(fmt.Sprintf("capwire-buffer-%d", instance), size)
}

// LoaderBackend mints URL loader sessions.
type LoaderBackend interface {
	// NewLoader creates one loader. push streams body bytes to the
	// plugin without waiting for a read request; done true marks the
	// end of the body. The backend must not call push before its Open
	// has been invoked.
	NewLoader(instance wire.InstanceID, push func(data []byte, done bool)) (Loader, error)
}

// Loader is one URL request session.
type Loader interface {
	// Open starts the request. done must be called exactly once, from
	// any goroutine, when response headers are available.
	Open(url, method string, body []byte, done func(result wire.Result, statusCode int32))

	// Read delivers up to max body bytes through done: a negative
	// result on error, otherwise the data (empty meaning end of
	// body). done must be called exactly once, from any goroutine.
	Read(max int32, done func(result wire.Result, data []byte))

	// Cancel abandons the in-flight request. Subsequent Read
	// completions report ResultAborted.
	Cancel()
}

// AudioBackend mints audio output streams.
type AudioBackend interface {
	// NewStream allocates the stream and, asynchronously, its
	// plumbing. created must be called exactly once, from any
	// goroutine: on ResultOK the socket and region pass to the caller
	// (the backend keeps its own ends); on failure the socket must be
	// invalid and the region nil.
	NewStream(instance wire.InstanceID, sampleRate, frameCount uint32,
		created func(result wire.Result, socket transit.Handle, region *transit.SharedMemory)) (Stream, error)
}

// Stream is one audio output stream.
type Stream interface {
	Start()
	Stop()
}
