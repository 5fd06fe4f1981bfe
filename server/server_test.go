// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/binary"
	"net"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/auditlog/iolog"
	"github.com/bureau-foundation/auditlog/lib/config"
	"github.com/bureau-foundation/auditlog/lib/testutil"
	"github.com/bureau-foundation/auditlog/protocol"
	"github.com/bureau-foundation/auditlog/transport"
)

func TestNewRequiresConfig(t *testing.T) {
	t.Parallel()
	if _, err := New(Options{}); err == nil {
		t.Fatal("New without Config succeeded")
	}
}

func TestNewRejectsUnknownCompression(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Server.IOLog.Compression = "brotli"
	if _, err := New(Options{Config: cfg, Listeners: []transport.Listener{}}); err == nil {
		t.Fatal("New accepted an unknown compression")
	}
}

func TestSessionEndToEnd(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	ts := startServer(t, cfg)
	client := ts.connect(t)

	hello := client.receiveType(protocol.TypeServerHello)
	if hello.Hello.ServerID != cfg.Server.ServerID {
		t.Errorf("server id = %q, want %q", hello.Hello.ServerID, cfg.Server.ServerID)
	}
	client.send(helloMessage())
	client.send(acceptMessage(true))
	logID := *client.receiveType(protocol.TypeLogID).LogID

	for _, chunk := range []string{"one ", "two ", "three"} {
		client.send(ttyOut(time.Second, chunk))
	}
	client.send(exitMessage())

	commit := client.receiveType(protocol.TypeCommitPoint)
	if commit.CommitPoint.Compare(protocol.NewTimeSpec(3*time.Second)) < 0 {
		t.Errorf("commit point = %s, want at least 3s", commit.CommitPoint)
	}
	client.expectClosed()

	closed := testutil.RequireReceive(t, ts.closed, testTimeout, "waiting for connection close")
	if closed.failed {
		t.Errorf("connection failed: %s", closed.reason)
	}
	if closed.client.writing != nil || len(closed.client.pending) != 0 {
		t.Error("connection closed with writes outstanding")
	}
	want := []connState{stateRunning, stateExited, stateFinished}
	if got := ts.states(t, len(want)); !slices.Equal(got, want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}

	session, err := iolog.Read(cfg.Server.IOLog.Directory, logID)
	if err != nil {
		t.Fatalf("iolog.Read: %v", err)
	}
	if got := string(session.Streams["ttyout"]); got != "one two three" {
		t.Errorf("ttyout = %q, want %q", got, "one two three")
	}
	if len(session.Timing) != 3 {
		t.Errorf("timing events = %d, want 3", len(session.Timing))
	}
}

func TestOversizedFrame(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Server.MaxMessageSize = 1024
	ts := startServer(t, cfg)
	client := ts.connect(t)
	client.receiveType(protocol.TypeServerHello)

	var header [protocol.HeaderLength]byte
	binary.BigEndian.PutUint32(header[:], 4096)
	if _, err := client.conn.Write(header[:]); err != nil {
		t.Fatalf("writing header: %v", err)
	}

	notice := client.receiveType(protocol.TypeError)
	if !strings.Contains(*notice.Error, "too large") {
		t.Errorf("error = %q, want a message size error", *notice.Error)
	}
	client.expectClosed()

	closed := testutil.RequireReceive(t, ts.closed, testTimeout, "waiting for connection close")
	if !closed.failed {
		t.Error("connection not marked failed")
	}
}

func TestRejectFinishesSession(t *testing.T) {
	t.Parallel()
	ts := startServer(t, testConfig(t))
	client := ts.connect(t)
	client.receiveType(protocol.TypeServerHello)

	client.send(rejectMessage())
	client.expectClosed()

	if got := ts.states(t, 1); got[0] != stateFinished {
		t.Errorf("transition to %s, want FINISHED", got[0])
	}
}

func TestProtocolErrorReported(t *testing.T) {
	t.Parallel()
	ts := startServer(t, testConfig(t))
	client := ts.connect(t)
	client.receiveType(protocol.TypeServerHello)

	client.send(exitMessage())

	notice := client.receiveType(protocol.TypeError)
	if *notice.Error != "unexpected ExitMessage in state INITIAL" {
		t.Errorf("error = %q", *notice.Error)
	}
	client.expectClosed()
}

func TestClientDisconnectMidSession(t *testing.T) {
	t.Parallel()
	ts := startServer(t, testConfig(t))
	client := ts.connect(t)
	client.receiveType(protocol.TypeServerHello)
	client.send(acceptMessage(true))
	client.receiveType(protocol.TypeLogID)
	client.send(ttyOut(time.Second, "partial"))

	client.conn.Close()

	closed := testutil.RequireReceive(t, ts.closed, testTimeout, "waiting for connection close")
	if closed.state != stateRunning {
		t.Errorf("closed in %s, want RUNNING", closed.state)
	}
	if closed.failed {
		t.Errorf("transport close recorded as protocol error: %s", closed.reason)
	}
}

func TestShutdownSendsFinalCommit(t *testing.T) {
	t.Parallel()
	ts := startServer(t, testConfig(t))
	client := ts.connect(t)
	client.receiveType(protocol.TypeServerHello)
	client.send(acceptMessage(true))
	client.receiveType(protocol.TypeLogID)
	client.send(ttyOut(2*time.Second, "work"))
	// The commit timer is armed once the loop has applied the event.
	ts.clock.WaitForTimers(1)

	ts.cancel()

	commit := client.receiveType(protocol.TypeCommitPoint)
	if commit.CommitPoint.Compare(protocol.NewTimeSpec(2*time.Second)) != 0 {
		t.Errorf("commit point = %s, want 2s", commit.CommitPoint)
	}
	client.expectClosed()
	if err := ts.stop(t); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	want := []connState{stateRunning, stateShutdown}
	if got := ts.states(t, len(want)); !slices.Equal(got, want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}
}

func TestShutdownWithoutConnections(t *testing.T) {
	t.Parallel()
	ts := startServer(t, testConfig(t))
	if err := ts.stop(t); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if _, err := ts.listener.DialContext(context.Background(), ts.listener.Address(), false); err == nil {
		t.Error("listener still accepting after shutdown")
	}
}

func TestShutdownTimeoutForcesClose(t *testing.T) {
	t.Parallel()
	ts := startServer(t, testConfig(t))
	client := ts.connect(t)
	// The client never reads, so the ServerHello write cannot finish
	// and the connection cannot drain.
	ts.waitForConns(t, 1)

	ts.cancel()
	ts.clock.WaitForTimers(1)
	ts.clock.Advance(ts.cfg.Server.Timeout)

	if err := ts.stop(t); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	client.expectClosed()
}

func TestReloadRebindsListeners(t *testing.T) {
	t.Parallel()
	ts := startServer(t, testConfig(t))

	updated := testConfig(t)
	updated.Server.Listen = []config.Address{{Address: "127.0.0.1:0"}}
	updated.Server.ServerID = "reloaded"
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := ts.Reload(ctx, updated); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	var address string
	ts.onLoop(t, func() { address = ts.listeners[0].listener.Address() })

	conn, err := net.DialTimeout("tcp", address, testTimeout)
	if err != nil {
		t.Fatalf("dialing reloaded listener: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	client := &testClient{t: t, conn: conn, frames: protocol.NewFrameReader(conn, protocol.DefaultMaxMessageSize)}
	if hello := client.receiveType(protocol.TypeServerHello); hello.Hello.ServerID != "reloaded" {
		t.Errorf("server id = %q, want the reloaded one", hello.Hello.ServerID)
	}
}

func TestReloadFailureIsFatal(t *testing.T) {
	t.Parallel()
	ts := startServer(t, testConfig(t))

	updated := testConfig(t)
	updated.Server.Listen = []config.Address{{Address: "256.0.0.1:0"}}
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := ts.Reload(ctx, updated); err == nil {
		t.Fatal("Reload with an unbindable address succeeded")
	}
	if err := ts.stop(t); err == nil {
		t.Fatal("Serve returned nil after a failed reload")
	}
}

func TestFatalReloadLeavesSealedJournalQueued(t *testing.T) {
	t.Parallel()
	cfg := relayConfig(t, true, "upstream:30343")
	dialer := &flakyDialer{}
	ts := startServer(t, cfg, withDialer(dialer))

	client := ts.connect(t)
	client.receiveType(protocol.TypeServerHello)
	client.send(acceptMessage(true))
	client.send(ttyOut(time.Second, "kept"))
	client.send(exitMessage())
	// The final commit point goes unread, which holds the finished
	// session open.
	for {
		record := testutil.RequireReceive(t, ts.transitions, testTimeout, "waiting for the session to finish")
		if record.to == stateFinished {
			break
		}
	}

	updated := testConfig(t)
	updated.Server.Listen = []config.Address{{Address: "256.0.0.1:0"}}
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := ts.Reload(ctx, updated); err == nil {
		t.Fatal("Reload with an unbindable address succeeded")
	}
	if err := ts.stop(t); err == nil {
		t.Fatal("Serve returned nil after a failed reload")
	}

	if len(ts.conns) != 0 {
		t.Errorf("%d connections registered after Serve returned", len(ts.conns))
	}
	if got := dialer.count(); got != 0 {
		t.Errorf("relay dialed %d times while shutting down", got)
	}
	outgoing, err := ts.journals.Outgoing()
	if err != nil {
		t.Fatalf("Outgoing: %v", err)
	}
	if len(outgoing) != 1 {
		t.Errorf("outgoing/ has %d journals, want the finished session", len(outgoing))
	}
}
