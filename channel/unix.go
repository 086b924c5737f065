// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/capwire/transit"
	"github.com/bureau-foundation/capwire/wire"
)

// UnixChannel is a Channel over a connected Unix stream socket.
// Handles attached to a message are sent as SCM_RIGHTS control data
// on the same socket write as the start of the message's frame, so by
// the time the receiver has the frame bytes it also has the
// descriptors.
type UnixChannel struct {
	conn    *net.UnixConn
	options Options

	// writeMu serializes frame writes so concurrent Sends cannot
	// interleave frame bytes or mispair control data.
	writeMu sync.Mutex

	// Receive state, touched only by the single Recv caller.
	readBuf []byte
	recvFDs []int

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

var _ Channel = (*UnixChannel)(nil)

// NewUnix wraps a connected Unix stream socket.
func NewUnix(conn *net.UnixConn, options Options) *UnixChannel {
	return &UnixChannel{
		conn:    conn,
		options: options,
		closed:  make(chan struct{}),
	}
}

// Send implements Channel.
func (c *UnixChannel) Send(msg *wire.Message, handles []transit.Handle) error {
	// The handles are consumed on every path out of this function:
	// on success the kernel has duplicated them into the socket, on
	// failure they would otherwise leak.
	defer transit.CloseAll(handles)

	if len(handles) > maxHandlesPerMessage {
		return ErrTooManyHandles
	}
	if c.isClosed() {
		return ErrClosed
	}

	msg.NumHandles = len(handles)
	frame, err := encodeFrame(msg, c.options.Compression)
	if err != nil {
		return err
	}

	var rights []byte
	if len(handles) > 0 {
		fds := make([]int, len(handles))
		for i := range handles {
			if !handles[i].Valid() {
				return fmt.Errorf("channel: attachment %d is invalid", i)
			}
			fds[i] = handles[i].FD()
		}
		rights = unix.UnixRights(fds...)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	n, _, err := c.conn.WriteMsgUnix(frame, rights, nil)
	if err != nil {
		return c.mapErr(err)
	}
	// A stream socket may accept only part of the frame in the
	// sendmsg carrying the control data. The descriptors are paired
	// with the first byte; the rest is plain stream data.
	if n < len(frame) {
		if _, err := c.conn.Write(frame[n:]); err != nil {
			return c.mapErr(err)
		}
	}
	return nil
}

// Recv implements Channel.
func (c *UnixChannel) Recv() (*wire.Message, []transit.Handle, error) {
	for {
		msg, err := c.nextFrame()
		if err != nil {
			return nil, nil, err
		}
		if msg != nil {
			handles, err := c.takeHandles(msg.NumHandles)
			if err != nil {
				return nil, nil, err
			}
			return msg, handles, nil
		}
		if err := c.fill(); err != nil {
			return nil, nil, err
		}
	}
}

// nextFrame decodes and consumes one complete frame from the front of
// the read buffer. It returns nil without error when more bytes are
// needed.
func (c *UnixChannel) nextFrame() (*wire.Message, error) {
	if len(c.readBuf) < 4 {
		return nil, nil
	}
	frameLength := int(binary.BigEndian.Uint32(c.readBuf[0:4]))
	if frameLength < frameOverhead || frameLength > maxFrameSize {
		return nil, fmt.Errorf("channel: frame length %d out of range", frameLength)
	}
	if len(c.readBuf) < 4+frameLength {
		return nil, nil
	}

	msg, err := decodeFrameBody(c.readBuf[4 : 4+frameLength])
	if err != nil {
		return nil, err
	}
	c.readBuf = c.readBuf[4+frameLength:]
	return msg, nil
}

// fill reads more data from the socket into the read buffer,
// accumulating any SCM_RIGHTS descriptors into the received-handle
// queue.
func (c *UnixChannel) fill() error {
	buf := make([]byte, 64<<10)
	oob := make([]byte, unix.CmsgSpace(maxHandlesPerMessage*4))
	n, oobn, _, _, err := c.conn.ReadMsgUnix(buf, oob)
	if oobn > 0 {
		if queueErr := c.queueControl(oob[:oobn]); queueErr != nil {
			return queueErr
		}
	}
	if err != nil {
		return c.mapErr(err)
	}
	if n == 0 {
		// Clean EOF from the peer.
		return ErrClosed
	}
	c.readBuf = append(c.readBuf, buf[:n]...)
	return nil
}

// queueControl parses SCM_RIGHTS control data and appends the
// descriptors to the receive queue. Descriptors arrive without
// close-on-exec; it is set here before anything else can fork.
func (c *UnixChannel) queueControl(oob []byte) error {
	controls, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return fmt.Errorf("channel: parsing control data: %w", err)
	}
	for _, control := range controls {
		fds, err := unix.ParseUnixRights(&control)
		if err != nil {
			if errors.Is(err, unix.EINVAL) {
				// Not SCM_RIGHTS; nothing else is expected here.
				continue
			}
			return fmt.Errorf("channel: parsing rights: %w", err)
		}
		for _, fd := range fds {
			unix.CloseOnExec(fd)
			c.recvFDs = append(c.recvFDs, fd)
		}
	}
	return nil
}

// takeHandles pops count descriptors from the receive queue. A
// message declaring more attachments than have arrived is corrupt:
// descriptors always travel no later than their frame's first byte.
func (c *UnixChannel) takeHandles(count int) ([]transit.Handle, error) {
	if count == 0 {
		return nil, nil
	}
	if count > len(c.recvFDs) {
		return nil, fmt.Errorf("channel: message declares %d handles, %d arrived", count, len(c.recvFDs))
	}
	handles := make([]transit.Handle, count)
	for i := 0; i < count; i++ {
		handles[i] = transit.FromFD(c.recvFDs[i])
	}
	c.recvFDs = c.recvFDs[count:]
	return handles, nil
}

// Close implements Channel.
func (c *UnixChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.closeErr = c.conn.Close()
		// Descriptors that arrived but were never claimed by a
		// message would otherwise leak.
		for _, fd := range c.recvFDs {
			unix.Close(fd)
		}
		c.recvFDs = nil
	})
	return c.closeErr
}

func (c *UnixChannel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// mapErr folds transport-level teardown errors into ErrClosed so
// callers can treat "peer gone" and "closed locally" uniformly.
func (c *UnixChannel) mapErr(err error) error {
	if c.isClosed() || errors.Is(err, net.ErrClosed) || errors.Is(err, unix.EPIPE) || errors.Is(err, unix.ECONNRESET) {
		return ErrClosed
	}
	if errors.Is(err, io.EOF) {
		return ErrClosed
	}
	return fmt.Errorf("channel: %w", err)
}
