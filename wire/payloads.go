// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

// Control payloads.

// SupportsGroup asks whether the receiving peer implements a
// capability group. Sent synchronously; the host side additionally
// consults its capability policy before answering.
type SupportsGroup struct {
	Group Group `cbor:"group"`
}

// SupportsGroupReply answers SupportsGroup.
type SupportsGroupReply struct {
	Supported bool `cbor:"supported"`
}

// ReserveInstance registers an instance identifier with the plugin
// before the host starts routing messages for it. The plugin records
// the identifier as in use.
type ReserveInstance struct {
	Instance InstanceID `cbor:"instance"`
}

// ReserveInstanceReply answers ReserveInstance. Usable is false when
// the identifier is already taken on the plugin side, in which case
// the host must not create the instance.
type ReserveInstanceReply struct {
	Usable bool `cbor:"usable"`
}

// Core payloads.

// CoreAddRef tells the host the plugin took an additional reference
// on a resource. Fire-and-forget.
type CoreAddRef struct {
	Resource ResourceID `cbor:"resource"`
}

// CoreRelease tells the host the plugin dropped a reference on a
// resource. When the host's count for the plugin reaches zero it
// frees the backing object. Fire-and-forget; sent exactly once per
// tracker entry, when the plugin-side count crosses one to zero.
type CoreRelease struct {
	Resource ResourceID `cbor:"resource"`
}

// File chooser payloads.

// FileChooserMode selects how the chooser behaves.
type FileChooserMode uint32

const (
	// FileChooserOpen picks a single existing file.
	FileChooserOpen FileChooserMode = iota

	// FileChooserOpenMultiple picks any number of existing files.
	FileChooserOpenMultiple
)

// FileChooserCreate creates a chooser resource. Synchronous; reply
// payload FileChooserCreateReply.
type FileChooserCreate struct {
	Instance InstanceID      `cbor:"instance"`
	Mode     FileChooserMode `cbor:"mode"`

	// AcceptTypes is a comma-separated list of MIME types or
	// extensions offered as the filter, e.g. "image/png,.txt".
	// Empty accepts everything.
	AcceptTypes string `cbor:"accept_types,omitempty"`
}

// FileChooserCreateReply carries the new resource identity, or the
// zero identity on failure.
type FileChooserCreateReply struct {
	Resource ResourceID `cbor:"resource"`
}

// FileChooserShow asks the host to run the chooser. Asynchronous; the
// host answers with FileChooserChooseDone echoing the request Seq.
type FileChooserShow struct {
	Resource ResourceID `cbor:"resource"`
}

// ChosenFile describes one file the user picked.
type ChosenFile struct {
	Name string `cbor:"name"`
	Size int64  `cbor:"size"`
}

// FileChooserChooseDone completes FileChooserShow. Result is OK with
// zero or more files, or an error code with none.
type FileChooserChooseDone struct {
	Resource ResourceID   `cbor:"resource"`
	Seq      uint64       `cbor:"seq"`
	Result   Result       `cbor:"result"`
	Files    []ChosenFile `cbor:"files,omitempty"`
}

// File system payloads.

// FileSystemKind selects the backing store for a file system resource.
type FileSystemKind uint32

const (
	// FileSystemTemporary is per-instance scratch space the host may
	// reclaim at any time.
	FileSystemTemporary FileSystemKind = iota

	// FileSystemPersistent survives instance restarts.
	FileSystemPersistent
)

// FileSystemCreate creates a file system resource. Synchronous; reply
// payload FileSystemCreateReply.
type FileSystemCreate struct {
	Instance InstanceID     `cbor:"instance"`
	Kind     FileSystemKind `cbor:"kind"`
}

// FileSystemCreateReply carries the new resource identity, or the
// zero identity on failure.
type FileSystemCreateReply struct {
	Resource ResourceID `cbor:"resource"`
}

// FileSystemOpen opens the file system for use. Asynchronous; the
// host answers with FileSystemOpenDone echoing the request Seq.
type FileSystemOpen struct {
	Resource ResourceID `cbor:"resource"`

	// ExpectedSize is the quota hint in bytes. The host may answer
	// ResultNoSpace if it cannot satisfy it.
	ExpectedSize int64 `cbor:"expected_size"`
}

// FileSystemOpenDone completes FileSystemOpen.
type FileSystemOpenDone struct {
	Resource ResourceID `cbor:"resource"`
	Seq      uint64     `cbor:"seq"`
	Result   Result     `cbor:"result"`
}

// Graphics payloads.

// GraphicsCreate creates a 2D surface of the given pixel size.
// Synchronous; reply payload GraphicsCreateReply.
type GraphicsCreate struct {
	Instance InstanceID `cbor:"instance"`
	Width    int32      `cbor:"width"`
	Height   int32      `cbor:"height"`
}

// GraphicsCreateReply carries the new resource identity, or the zero
// identity on failure.
type GraphicsCreateReply struct {
	Resource ResourceID `cbor:"resource"`
}

// GraphicsPaintBuffer stages pixels from a shared buffer resource at
// an offset on the surface. The paint becomes visible at the next
// flush. Fire-and-forget.
type GraphicsPaintBuffer struct {
	Resource ResourceID `cbor:"resource"`

	// Buffer is the shared buffer resource carrying the pixels.
	Buffer ResourceID `cbor:"buffer"`

	X int32 `cbor:"x"`
	Y int32 `cbor:"y"`
}

// GraphicsFlush commits staged paints. Asynchronous with single
// flight: a flush issued while one is outstanding on the same surface
// fails locally with ResultInProgress. The host answers with
// GraphicsFlushDone echoing the request Seq.
type GraphicsFlush struct {
	Resource ResourceID `cbor:"resource"`
}

// GraphicsFlushDone completes GraphicsFlush.
type GraphicsFlushDone struct {
	Resource ResourceID `cbor:"resource"`
	Seq      uint64     `cbor:"seq"`
	Result   Result     `cbor:"result"`
}

// Buffer payloads.

// BufferCreate creates a shared memory buffer. Synchronous; the reply
// frame carries the region's OS handle as an attachment, which the
// plugin maps.
type BufferCreate struct {
	Instance InstanceID `cbor:"instance"`

	// Size is the requested byte length. Zero is invalid.
	Size uint32 `cbor:"size"`
}

// BufferCreateReply carries the new resource identity and the actual
// byte length of the attached region (which may exceed the request
// due to page rounding). On failure the identity is zero and no
// handle is attached.
type BufferCreateReply struct {
	Resource   ResourceID `cbor:"resource"`
	ByteLength uint32     `cbor:"byte_length"`
}

// Loader payloads.

// LoaderCreate creates a URL loader resource. Synchronous; reply
// payload LoaderCreateReply.
type LoaderCreate struct {
	Instance InstanceID `cbor:"instance"`
}

// LoaderCreateReply carries the new resource identity, or the zero
// identity on failure.
type LoaderCreateReply struct {
	Resource ResourceID `cbor:"resource"`
}

// LoaderOpen starts a request. Asynchronous; the host answers with
// LoaderOpenDone echoing the request Seq once response headers are
// available.
type LoaderOpen struct {
	Resource ResourceID `cbor:"resource"`
	URL      string     `cbor:"url"`
	Method   string     `cbor:"method,omitempty"`
	Body     []byte     `cbor:"body,omitempty"`
}

// LoaderOpenDone completes LoaderOpen.
type LoaderOpenDone struct {
	Resource   ResourceID `cbor:"resource"`
	Seq        uint64     `cbor:"seq"`
	Result     Result     `cbor:"result"`
	StatusCode int32      `cbor:"status_code,omitempty"`
}

// LoaderReadBody asks the host for response body bytes. The host
// answers with LoaderReadDone carrying up to MaxBytes. The plugin
// side buffers ahead, so a read that the buffer can already satisfy
// never reaches the wire.
type LoaderReadBody struct {
	Resource ResourceID `cbor:"resource"`
	MaxBytes int32      `cbor:"max_bytes"`
}

// LoaderReadDone completes LoaderReadBody. Result is the byte count
// of Data (zero means end of body) or a negative error code.
type LoaderReadDone struct {
	Resource ResourceID `cbor:"resource"`
	Seq      uint64     `cbor:"seq"`
	Result   Result     `cbor:"result"`
	Data     []byte     `cbor:"data,omitempty"`
}

// LoaderBodyPush streams body bytes to the plugin without a request.
// The plugin appends them to its read-ahead buffer; a waiting read is
// satisfied immediately. Done marks the end of the body.
type LoaderBodyPush struct {
	Resource ResourceID `cbor:"resource"`
	Data     []byte     `cbor:"data,omitempty"`
	Done     bool       `cbor:"done,omitempty"`
}

// LoaderClose abandons the request. Fire-and-forget; a pending read
// on the plugin side completes immediately with ResultAborted.
type LoaderClose struct {
	Resource ResourceID `cbor:"resource"`
}

// Audio payloads.

// AudioCreate creates an audio output resource. Synchronous; reply
// payload AudioCreateReply. Stream plumbing arrives later via
// AudioStreamCreated.
type AudioCreate struct {
	Instance   InstanceID `cbor:"instance"`
	SampleRate uint32     `cbor:"sample_rate"`

	// FrameCount is the buffer size in sample frames the host will
	// request per fill.
	FrameCount uint32 `cbor:"frame_count"`
}

// AudioCreateReply carries the new resource identity, or the zero
// identity on failure.
type AudioCreateReply struct {
	Resource ResourceID `cbor:"resource"`
}

// AudioStreamCreated delivers the stream plumbing for an audio
// resource: the frame carries two attachments, the sync socket and
// the sample buffer region, in that order. Unsolicited, host to
// plugin.
//
// Whoever receives this message owns the attached handles and must
// close them on every path that does not hand them to a live audio
// resource, including failure results and stale resource identities.
type AudioStreamCreated struct {
	Resource ResourceID `cbor:"resource"`
	Result   Result     `cbor:"result"`

	// ShmByteLength is the byte length of the attached sample buffer
	// region. Zero when Result is not OK.
	ShmByteLength uint32 `cbor:"shm_byte_length,omitempty"`
}

// AudioStart begins playback. Fire-and-forget.
type AudioStart struct {
	Resource ResourceID `cbor:"resource"`
}

// AudioStop halts playback. Fire-and-forget.
type AudioStop struct {
	Resource ResourceID `cbor:"resource"`
}

// Testing payloads.

// TestingLiveCount asks the host how many live resources its registry
// holds for an instance. Synchronous; reply payload
// TestingLiveCountReply. Used by leak checks.
type TestingLiveCount struct {
	Instance InstanceID `cbor:"instance"`
}

// TestingLiveCountReply answers TestingLiveCount.
type TestingLiveCountReply struct {
	Count uint32 `cbor:"count"`
}

// TestingBufferDigest asks the host for a keyed digest of its view of
// a shared buffer resource, so tests can verify cross-process content
// without shipping the bytes back. Synchronous; reply payload
// TestingBufferDigestReply.
type TestingBufferDigest struct {
	Resource ResourceID `cbor:"resource"`
}

// TestingBufferDigestReply answers TestingBufferDigest with the
// 32-byte digest.
type TestingBufferDigestReply struct {
	Digest []byte `cbor:"digest"`
}
