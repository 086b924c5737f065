// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"encoding/binary"
	"fmt"

	"github.com/bureau-foundation/capwire/lib/codec"
	"github.com/bureau-foundation/capwire/wire"
)

const (
	// maxFrameSize bounds a single message frame (header and body).
	// Capability payloads are small; bulk data moves through shared
	// memory or loader body chunks well under this limit. A peer
	// announcing a larger frame is treated as corrupt.
	maxFrameSize = 16 << 20

	// compressionThreshold is the minimum encoded envelope size, in
	// bytes, before the configured compression is attempted. Below
	// it the tag byte stays CompressionNone: small control frames
	// do not shrink enough to pay for the CPU.
	compressionThreshold = 1024

	// frameOverhead is the per-frame byte count before the body: the
	// compression tag and the uncompressed body length.
	frameOverhead = 5
)

// encodeFrame serializes msg into a wire frame:
//
//	[4 bytes big-endian frame length]
//	[1 byte compression tag]
//	[4 bytes big-endian uncompressed body length]
//	[frame body]
//
// The frame length counts everything after itself. The configured tag
// is applied only when the body clears compressionThreshold and
// actually shrinks; otherwise the frame goes out uncompressed.
func encodeFrame(msg *wire.Message, tag CompressionTag) ([]byte, error) {
	body, err := codec.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("channel: encoding envelope: %w", err)
	}

	uncompressedSize := len(body)
	appliedTag := CompressionNone
	if tag != CompressionNone && uncompressedSize >= compressionThreshold {
		compressed, err := compressBody(body, tag)
		switch {
		case err == errIncompressible:
			// Keep the uncompressed body.
		case err != nil:
			return nil, fmt.Errorf("channel: compressing frame: %w", err)
		default:
			body = compressed
			appliedTag = tag
		}
	}

	frameLength := frameOverhead + len(body)
	if frameLength > maxFrameSize {
		return nil, fmt.Errorf("channel: frame of %d bytes exceeds limit of %d", frameLength, maxFrameSize)
	}

	frame := make([]byte, 4+frameLength)
	binary.BigEndian.PutUint32(frame[0:4], uint32(frameLength))
	frame[4] = byte(appliedTag)
	binary.BigEndian.PutUint32(frame[5:9], uint32(uncompressedSize))
	copy(frame[9:], body)
	return frame, nil
}

// decodeFrameBody parses a frame's contents (everything after the
// length prefix) back into a message.
func decodeFrameBody(frame []byte) (*wire.Message, error) {
	if len(frame) < frameOverhead {
		return nil, fmt.Errorf("channel: frame of %d bytes is shorter than its own header", len(frame))
	}

	tag := CompressionTag(frame[0])
	uncompressedSize := int(binary.BigEndian.Uint32(frame[1:5]))
	if uncompressedSize > maxFrameSize {
		return nil, fmt.Errorf("channel: frame announces %d uncompressed bytes, limit is %d", uncompressedSize, maxFrameSize)
	}

	body, err := decompressBody(frame[frameOverhead:], tag, uncompressedSize)
	if err != nil {
		return nil, fmt.Errorf("channel: frame body: %w", err)
	}

	var msg wire.Message
	if err := codec.Unmarshal(body, &msg); err != nil {
		diag, diagErr := codec.Diagnose(body)
		if diagErr != nil {
			return nil, fmt.Errorf("channel: decoding envelope: %w", err)
		}
		return nil, fmt.Errorf("channel: decoding envelope %s: %w", diag, err)
	}
	return &msg, nil
}
