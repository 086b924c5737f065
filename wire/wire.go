// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"fmt"

	"github.com/bureau-foundation/capwire/lib/codec"
)

// InstanceID identifies one plugin instance within a host. Instance
// identifiers are agreed between the peers at channel setup via the
// control-group ReserveInstance handshake.
type InstanceID uint32

// ResourceID is the wire identity of a host-owned resource: the
// instance it belongs to plus a per-instance identifier allocated by
// the host registry. It is a comparable value type usable as a map
// key. The zero value means "no resource" and is what a failed
// creation returns.
type ResourceID struct {
	// Instance is the plugin instance the resource belongs to.
	Instance InstanceID `cbor:"instance"`

	// Resource is the host-allocated identifier, unique within the
	// instance for the lifetime of the channel. Never zero for a
	// live resource.
	Resource uint32 `cbor:"resource"`
}

// IsZero reports whether r is the degenerate "no resource" identity.
func (r ResourceID) IsZero() bool {
	return r == ResourceID{}
}

// String renders the identity as "instance:resource" for log output.
func (r ResourceID) String() string {
	return fmt.Sprintf("%d:%d", r.Instance, r.Resource)
}

// Group identifies a capability API group. The dispatcher routes every
// inbound message to the proxy registered for its group.
type Group uint32

// Capability groups. GroupControl is handled by the dispatcher itself;
// the rest are claimed by capability proxies.
const (
	GroupControl Group = iota
	GroupCore
	GroupFileChooser
	GroupFileSystem
	GroupGraphics
	GroupBuffer
	GroupLoader
	GroupAudio
	GroupTesting

	groupCount
)

// Valid reports whether g names a defined capability group. Routing a
// message with an invalid group is a protocol violation.
func (g Group) Valid() bool {
	return g < groupCount
}

func (g Group) String() string {
	switch g {
	case GroupControl:
		return "control"
	case GroupCore:
		return "core"
	case GroupFileChooser:
		return "filechooser"
	case GroupFileSystem:
		return "filesystem"
	case GroupGraphics:
		return "graphics"
	case GroupBuffer:
		return "buffer"
	case GroupLoader:
		return "loader"
	case GroupAudio:
		return "audio"
	case GroupTesting:
		return "testing"
	default:
		return fmt.Sprintf("group(%d)", uint32(g))
	}
}

// Kind identifies one operation within a capability group. The high
// bits carry the group, so kinds are globally unique and an envelope
// whose Kind belongs to a different group than its Group field is
// detectably corrupt.
type Kind uint32

// Group extracts the capability group a kind belongs to.
func (k Kind) Group() Group {
	return Group(k >> 8)
}

// Control operations, handled by the dispatcher itself.
const (
	// KindSupportsGroup asks the peer whether it implements a
	// capability group. Synchronous; reply payload SupportsGroupReply.
	KindSupportsGroup Kind = Kind(GroupControl)<<8 | 1

	// KindReserveInstance registers an instance identifier with the
	// plugin before the host creates the instance. Synchronous; reply
	// payload ReserveInstanceReply. A duplicate identifier is
	// unusable.
	KindReserveInstance Kind = Kind(GroupControl)<<8 | 2
)

// Core operations: reference-count maintenance for host-owned
// resources. Fire-and-forget, plugin to host.
const (
	KindCoreAddRef  Kind = Kind(GroupCore)<<8 | 1
	KindCoreRelease Kind = Kind(GroupCore)<<8 | 2
)

// File chooser operations.
const (
	KindFileChooserCreate     Kind = Kind(GroupFileChooser)<<8 | 1
	KindFileChooserShow       Kind = Kind(GroupFileChooser)<<8 | 2
	KindFileChooserChooseDone Kind = Kind(GroupFileChooser)<<8 | 3
)

// File system operations.
const (
	KindFileSystemCreate   Kind = Kind(GroupFileSystem)<<8 | 1
	KindFileSystemOpen     Kind = Kind(GroupFileSystem)<<8 | 2
	KindFileSystemOpenDone Kind = Kind(GroupFileSystem)<<8 | 3
)

// Graphics operations.
const (
	KindGraphicsCreate      Kind = Kind(GroupGraphics)<<8 | 1
	KindGraphicsPaintBuffer Kind = Kind(GroupGraphics)<<8 | 2
	KindGraphicsFlush       Kind = Kind(GroupGraphics)<<8 | 3
	KindGraphicsFlushDone   Kind = Kind(GroupGraphics)<<8 | 4
)

// Buffer operations.
const (
	KindBufferCreate Kind = Kind(GroupBuffer)<<8 | 1
)

// Loader operations.
const (
	KindLoaderCreate   Kind = Kind(GroupLoader)<<8 | 1
	KindLoaderOpen     Kind = Kind(GroupLoader)<<8 | 2
	KindLoaderOpenDone Kind = Kind(GroupLoader)<<8 | 3
	KindLoaderReadBody Kind = Kind(GroupLoader)<<8 | 4
	KindLoaderReadDone Kind = Kind(GroupLoader)<<8 | 5
	KindLoaderBodyPush Kind = Kind(GroupLoader)<<8 | 6
	KindLoaderClose    Kind = Kind(GroupLoader)<<8 | 7
)

// Audio operations.
const (
	KindAudioCreate        Kind = Kind(GroupAudio)<<8 | 1
	KindAudioStreamCreated Kind = Kind(GroupAudio)<<8 | 2
	KindAudioStart         Kind = Kind(GroupAudio)<<8 | 3
	KindAudioStop          Kind = Kind(GroupAudio)<<8 | 4
)

// Testing operations.
const (
	KindTestingLiveCount    Kind = Kind(GroupTesting)<<8 | 1
	KindTestingBufferDigest Kind = Kind(GroupTesting)<<8 | 2
)

var kindNames = map[Kind]string{
	KindSupportsGroup:         "supports-group",
	KindReserveInstance:       "reserve-instance",
	KindCoreAddRef:            "core-addref",
	KindCoreRelease:           "core-release",
	KindFileChooserCreate:     "filechooser-create",
	KindFileChooserShow:       "filechooser-show",
	KindFileChooserChooseDone: "filechooser-choose-done",
	KindFileSystemCreate:      "filesystem-create",
	KindFileSystemOpen:        "filesystem-open",
	KindFileSystemOpenDone:    "filesystem-open-done",
	KindGraphicsCreate:        "graphics-create",
	KindGraphicsPaintBuffer:   "graphics-paint-buffer",
	KindGraphicsFlush:         "graphics-flush",
	KindGraphicsFlushDone:     "graphics-flush-done",
	KindBufferCreate:          "buffer-create",
	KindLoaderCreate:          "loader-create",
	KindLoaderOpen:            "loader-open",
	KindLoaderOpenDone:        "loader-open-done",
	KindLoaderReadBody:        "loader-read-body",
	KindLoaderReadDone:        "loader-read-done",
	KindLoaderBodyPush:        "loader-body-push",
	KindLoaderClose:           "loader-close",
	KindAudioCreate:           "audio-create",
	KindAudioStreamCreated:    "audio-stream-created",
	KindAudioStart:            "audio-start",
	KindAudioStop:             "audio-stop",
	KindTestingLiveCount:      "testing-live-count",
	KindTestingBufferDigest:   "testing-buffer-digest",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(0x%x)", uint32(k))
}

// Result is a cross-process status code. Zero is success, negative
// values are errors. Operations that report a transfer size (loader
// body reads) use positive values as byte counts.
type Result int32

const (
	// ResultOK is success.
	ResultOK Result = 0

	// ResultPending means the operation was accepted and will report
	// through a completion callback.
	ResultPending Result = -1

	// ResultFailed is a generic failure.
	ResultFailed Result = -2

	// ResultAborted means the operation was cut short: the resource
	// was released, the channel died, or the peer tore the operation
	// down before it completed.
	ResultAborted Result = -3

	// ResultBadResource means the named resource does not exist on
	// the receiving side.
	ResultBadResource Result = -4

	// ResultBadArgument means a payload field was out of range or a
	// payload failed to decode.
	ResultBadArgument Result = -5

	// ResultInProgress means a single-flight operation was issued
	// while a previous one was still outstanding.
	ResultInProgress Result = -6

	// ResultNotSupported means the peer does not implement the
	// requested capability group or operation.
	ResultNotSupported Result = -7

	// ResultNoSpace means a quota or allocation limit was hit.
	ResultNoSpace Result = -8

	// ResultAccessDenied means the capability policy forbids the
	// operation for this instance.
	ResultAccessDenied Result = -9
)

func (r Result) String() string {
	switch {
	case r > 0:
		return fmt.Sprintf("ok(%d bytes)", int32(r))
	case r == ResultOK:
		return "ok"
	case r == ResultPending:
		return "pending"
	case r == ResultFailed:
		return "failed"
	case r == ResultAborted:
		return "aborted"
	case r == ResultBadResource:
		return "bad-resource"
	case r == ResultBadArgument:
		return "bad-argument"
	case r == ResultInProgress:
		return "in-progress"
	case r == ResultNotSupported:
		return "not-supported"
	case r == ResultNoSpace:
		return "no-space"
	case r == ResultAccessDenied:
		return "access-denied"
	default:
		return fmt.Sprintf("result(%d)", int32(r))
	}
}

// Message is the envelope for everything that crosses the channel.
type Message struct {
	// Group selects the capability proxy that handles the message.
	Group Group `cbor:"group"`

	// Kind is the operation within the group. Its embedded group must
	// match Group; a mismatch is a protocol violation.
	Kind Kind `cbor:"kind"`

	// Seq is the sender-assigned sequence number for messages that
	// expect a correlated answer: synchronous requests (answered by a
	// reply envelope) and asynchronous requests (answered by a
	// completion message echoing the sequence in its payload). Zero
	// for fire-and-forget messages.
	Seq uint64 `cbor:"seq,omitempty"`

	// Sync marks a request whose sender is blocked waiting for a
	// reply envelope. The receiver must answer every sync request,
	// if only with an envelope-level error result.
	Sync bool `cbor:"sync,omitempty"`

	// ReplyTo marks a synchronous reply: it carries the Seq of the
	// request being answered. Zero on everything else.
	ReplyTo uint64 `cbor:"reply_to,omitempty"`

	// Result carries the envelope-level status of a synchronous
	// reply. It reports failures that occur before any payload
	// exists: no handler for the group, an undecodable request.
	Result Result `cbor:"result,omitempty"`

	// NumHandles is the number of OS handles attached to this
	// message's frame. The receiving channel pops exactly this many
	// from its received-handle queue and delivers them alongside the
	// message. Ownership passes to the receiver.
	NumHandles int `cbor:"num_handles,omitempty"`

	// Payload is the CBOR-encoded operation payload, decoded by the
	// receiving proxy against the struct for Kind.
	Payload codec.RawMessage `cbor:"payload,omitempty"`
}

// New builds a message for group and kind with an encoded payload.
func New(group Group, kind Kind, payload any) (*Message, error) {
	raw, err := codec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %v payload: %w", kind, err)
	}
	return &Message{Group: group, Kind: kind, Payload: raw}, nil
}

// DecodePayload decodes a message's payload into the payload struct P.
func DecodePayload[P any](m *Message) (P, error) {
	var payload P
	if err := codec.Unmarshal(m.Payload, &payload); err != nil {
		return payload, fmt.Errorf("decoding %v payload: %w", m.Kind, err)
	}
	return payload, nil
}
