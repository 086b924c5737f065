// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/capwire/channel"
	"github.com/bureau-foundation/capwire/lib/clock"
	"github.com/bureau-foundation/capwire/lib/codec"
	"github.com/bureau-foundation/capwire/transit"
	"github.com/bureau-foundation/capwire/wire"
)

// syncOutcome is what one SyncCall produced, shipped back to the test
// goroutine.
type syncOutcome struct {
	reply   *wire.Message
	handles []transit.Handle
	err     error
}

func goSyncCall(ctx context.Context, d *Dispatcher, msg *wire.Message) <-chan syncOutcome {
	outcomes := make(chan syncOutcome, 1)
	go func() {
		reply, handles, err := d.SyncCall(ctx, msg, nil)
		outcomes <- syncOutcome{reply: reply, handles: handles, err: err}
	}()
	return outcomes
}

func waitOutcome(t *testing.T, outcomes <-chan syncOutcome) syncOutcome {
	t.Helper()
	select {
	case outcome := <-outcomes:
		return outcome
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for SyncCall to return")
		return syncOutcome{}
	}
}

func TestSyncCallRoundtrip(t *testing.T) {
	local, peer := channel.Pair()
	d := New(Config{Channel: local, Logger: testLogger()})
	serveDispatcher(t, d)

	msg, err := wire.New(wire.GroupFileSystem, wire.KindFileSystemCreate, wire.FileSystemCreate{
		Instance: 1,
		Kind:     wire.FileSystemTemporary,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	outcomes := goSyncCall(context.Background(), d, msg)

	request, handles, err := peer.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if len(handles) != 0 {
		t.Fatalf("request carried %d handles", len(handles))
	}
	if !request.Sync || request.Seq == 0 {
		t.Fatalf("request = %+v, want sync with a nonzero seq", request)
	}
	created := wire.ResourceID{Instance: 1, Resource: 31}
	if err := peer.Send(reply(t, request, wire.FileSystemCreateReply{Resource: created}), nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	outcome := waitOutcome(t, outcomes)
	if outcome.err != nil {
		t.Fatalf("SyncCall: %v", outcome.err)
	}
	if len(outcome.handles) != 0 {
		t.Fatalf("reply carried %d handles", len(outcome.handles))
	}
	payload, err := wire.DecodePayload[wire.FileSystemCreateReply](outcome.reply)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if payload.Resource != created {
		t.Errorf("reply resource = %v, want %v", payload.Resource, created)
	}
}

func TestSyncCallsCorrelateBySeq(t *testing.T) {
	local, peer := channel.Pair()
	d := New(Config{Channel: local, Logger: testLogger()})
	serveDispatcher(t, d)

	fsMsg, err := wire.New(wire.GroupFileSystem, wire.KindFileSystemCreate, wire.FileSystemCreate{Instance: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	gfxMsg, err := wire.New(wire.GroupGraphics, wire.KindGraphicsCreate, wire.GraphicsCreate{
		Instance: 1, Width: 8, Height: 8,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	fsOutcomes := goSyncCall(context.Background(), d, fsMsg)
	gfxOutcomes := goSyncCall(context.Background(), d, gfxMsg)

	// Answer the two requests in reverse arrival order; each caller
	// must still get its own reply.
	answer := func(request *wire.Message) {
		var payload any
		switch request.Kind {
		case wire.KindFileSystemCreate:
			payload = wire.FileSystemCreateReply{Resource: wire.ResourceID{Instance: 1, Resource: 101}}
		case wire.KindGraphicsCreate:
			payload = wire.GraphicsCreateReply{Resource: wire.ResourceID{Instance: 1, Resource: 202}}
		default:
			t.Fatalf("unexpected request kind %v", request.Kind)
		}
		if err := peer.Send(reply(t, request, payload), nil); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	first, _, err := peer.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	second, _, err := peer.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	answer(second)
	answer(first)

	fsOutcome := waitOutcome(t, fsOutcomes)
	if fsOutcome.err != nil {
		t.Fatalf("filesystem SyncCall: %v", fsOutcome.err)
	}
	fsReply, err := wire.DecodePayload[wire.FileSystemCreateReply](fsOutcome.reply)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if fsReply.Resource.Resource != 101 {
		t.Errorf("filesystem reply = %v, want resource 101", fsReply.Resource)
	}

	gfxOutcome := waitOutcome(t, gfxOutcomes)
	if gfxOutcome.err != nil {
		t.Fatalf("graphics SyncCall: %v", gfxOutcome.err)
	}
	gfxReply, err := wire.DecodePayload[wire.GraphicsCreateReply](gfxOutcome.reply)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if gfxReply.Resource.Resource != 202 {
		t.Errorf("graphics reply = %v, want resource 202", gfxReply.Resource)
	}
}

func TestSyncCallPeerErrorResult(t *testing.T) {
	local, peer := channel.Pair()
	d := New(Config{Channel: local, Logger: testLogger()})
	serveDispatcher(t, d)

	msg, err := wire.New(wire.GroupBuffer, wire.KindBufferCreate, wire.BufferCreate{Instance: 1, Size: 1 << 20})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	outcomes := goSyncCall(context.Background(), d, msg)

	request, _, err := peer.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	refusal := &wire.Message{
		Group:   request.Group,
		Kind:    request.Kind,
		ReplyTo: request.Seq,
		Result:  wire.ResultNoSpace,
	}
	if err := peer.Send(refusal, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	outcome := waitOutcome(t, outcomes)
	if outcome.err == nil || !strings.Contains(outcome.err.Error(), "no-space") {
		t.Fatalf("SyncCall error = %v, want the peer's no-space answer", outcome.err)
	}
	if outcome.reply != nil || outcome.handles != nil {
		t.Errorf("error outcome still carried reply %v handles %v", outcome.reply, outcome.handles)
	}
}

func TestSyncCallTimeout(t *testing.T) {
	local, peer := channel.Pair()
	clk := clock.Fake(time.Unix(1000, 0))
	d := New(Config{
		Channel:     local,
		Logger:      testLogger(),
		Clock:       clk,
		SyncTimeout: 5 * time.Second,
	})
	serveDispatcher(t, d)

	msg, err := wire.New(wire.GroupFileSystem, wire.KindFileSystemCreate, wire.FileSystemCreate{Instance: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	outcomes := goSyncCall(context.Background(), d, msg)

	// The peer swallows the request.
	if _, _, err := peer.Recv(); err != nil {
		t.Fatalf("Recv: %v", err)
	}

	clk.WaitForTimers(1)
	clk.Advance(5 * time.Second)

	outcome := waitOutcome(t, outcomes)
	if outcome.err == nil || !strings.Contains(outcome.err.Error(), "no reply within") {
		t.Fatalf("SyncCall error = %v, want timeout", outcome.err)
	}
}

func TestStaleSyncReplyClosesHandles(t *testing.T) {
	local, peer := channel.Pair()
	clk := clock.Fake(time.Unix(1000, 0))
	barrier := newRecordingProxy()
	d := New(Config{
		Channel:     local,
		Logger:      testLogger(),
		Clock:       clk,
		SyncTimeout: 2 * time.Second,
	})
	d.RegisterGroup(wire.GroupAudio, func(*Dispatcher) Proxy { return barrier })
	serveDispatcher(t, d)

	msg, err := wire.New(wire.GroupBuffer, wire.KindBufferCreate, wire.BufferCreate{Instance: 1, Size: 4096})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	outcomes := goSyncCall(context.Background(), d, msg)

	request, _, err := peer.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	clk.WaitForTimers(1)
	clk.Advance(2 * time.Second)
	if outcome := waitOutcome(t, outcomes); outcome.err == nil {
		t.Fatal("SyncCall did not time out")
	}

	// The reply arrives after the caller gave up, carrying a handle
	// that nobody will claim.
	var pipe [2]int
	if err := unix.Pipe(pipe[:]); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(pipe[1])

	raw, err := codec.Marshal(wire.BufferCreateReply{
		Resource:   wire.ResourceID{Instance: 1, Resource: 9},
		ByteLength: 4096,
	})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	late := &wire.Message{
		Group:   request.Group,
		Kind:    request.Kind,
		ReplyTo: request.Seq,
		Payload: raw,
	}
	if err := peer.Send(late, []transit.Handle{transit.FromFD(pipe[0])}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// A message routed behind the stale reply proves it was processed.
	ping, err := wire.New(wire.GroupAudio, wire.KindAudioStart, wire.AudioStart{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := peer.Send(ping, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitMsg(t, barrier.msgs)

	if _, err := unix.FcntlInt(uintptr(pipe[0]), unix.F_GETFD, 0); err != unix.EBADF {
		t.Errorf("fd %d from the stale reply was not closed: %v", pipe[0], err)
	}
}

func TestSyncCallContextCancel(t *testing.T) {
	local, peer := channel.Pair()
	d := New(Config{Channel: local, Logger: testLogger()})
	serveDispatcher(t, d)

	ctx, cancel := context.WithCancel(context.Background())
	msg, err := wire.New(wire.GroupFileSystem, wire.KindFileSystemCreate, wire.FileSystemCreate{Instance: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	outcomes := goSyncCall(ctx, d, msg)

	if _, _, err := peer.Recv(); err != nil {
		t.Fatalf("Recv: %v", err)
	}
	cancel()

	outcome := waitOutcome(t, outcomes)
	if !errors.Is(outcome.err, context.Canceled) {
		t.Fatalf("SyncCall error = %v, want context.Canceled", outcome.err)
	}
}

func TestSyncCallAfterTeardownConsumesHandles(t *testing.T) {
	local, _ := channel.Pair()
	d := New(Config{Channel: local, Logger: testLogger()})
	d.Close()

	var pipe [2]int
	if err := unix.Pipe(pipe[:]); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(pipe[1])

	msg, err := wire.New(wire.GroupBuffer, wire.KindBufferCreate, wire.BufferCreate{Instance: 1, Size: 64})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, _, err = d.SyncCall(context.Background(), msg, []transit.Handle{transit.FromFD(pipe[0])})
	if !errors.Is(err, channel.ErrClosed) {
		t.Fatalf("SyncCall after Close: %v, want ErrClosed", err)
	}

	if _, err := unix.FcntlInt(uintptr(pipe[0]), unix.F_GETFD, 0); err != unix.EBADF {
		t.Errorf("fd %d leaked by failed SyncCall: %v", pipe[0], err)
	}
}
