// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"context"
	"fmt"
	"net"
	"os"
)

// Listener accepts plugin connections on a Unix socket.
type Listener struct {
	path     string
	listener *net.UnixListener
	options  Options
}

// Listen opens a Unix stream socket at path. Any stale socket file at
// the path is removed first.
func Listen(path string, options Options) (*Listener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("channel: removing stale socket %s: %w", path, err)
	}

	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("channel: listening on %s: %w", path, err)
	}
	return &Listener{path: path, listener: listener, options: options}, nil
}

// Accept waits for the next plugin connection and wraps it in a
// channel. Cancelling ctx unblocks the wait and closes the listener.
func (l *Listener) Accept(ctx context.Context) (*UnixChannel, error) {
	stop := context.AfterFunc(ctx, func() {
		l.listener.Close()
	})
	defer stop()

	conn, err := l.listener.AcceptUnix()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("channel: accept on %s: %w", l.path, err)
	}
	return NewUnix(conn, l.options), nil
}

// Close releases the socket and removes the socket file.
func (l *Listener) Close() error {
	err := l.listener.Close()
	os.Remove(l.path)
	return err
}

// Dial connects to a host's listening socket.
func Dial(path string, options Options) (*UnixChannel, error) {
	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("channel: dialing %s: %w", path, err)
	}
	return NewUnix(conn, options), nil
}
