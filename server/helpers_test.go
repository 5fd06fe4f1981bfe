// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/auditlog/lib/clock"
	"github.com/bureau-foundation/auditlog/lib/config"
	"github.com/bureau-foundation/auditlog/lib/testutil"
	"github.com/bureau-foundation/auditlog/protocol"
	"github.com/bureau-foundation/auditlog/transport"
)

const testTimeout = 5 * time.Second

// pipeListener is an in-memory transport.Listener. Its DialContext
// also makes it a transport.Dialer, so one server can relay to another
// without sockets.
type pipeListener struct {
	address string
	conns   chan net.Conn
	done    chan struct{}
	once    sync.Once
}

func newPipeListener() *pipeListener {
	return &pipeListener{
		address: testutil.UniqueID("pipe"),
		conns:   make(chan net.Conn),
		done:    make(chan struct{}),
	}
}

func (l *pipeListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *pipeListener) Address() string { return l.address }

func (l *pipeListener) TLS() bool { return false }

func (l *pipeListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *pipeListener) DialContext(ctx context.Context, address string, useTLS bool) (net.Conn, error) {
	select {
	case <-l.done:
		return nil, fmt.Errorf("dial %s: connection refused", address)
	default:
	}
	client, server := net.Pipe()
	select {
	case l.conns <- server:
		return client, nil
	case <-l.done:
	case <-ctx.Done():
	}
	client.Close()
	server.Close()
	return nil, fmt.Errorf("dial %s: connection refused", address)
}

// flakyDialer fails the first failures dials, then delegates.
type flakyDialer struct {
	mu        sync.Mutex
	failures  int
	dials     int
	addresses []string
	next      transport.Dialer
}

func (d *flakyDialer) DialContext(ctx context.Context, address string, useTLS bool) (net.Conn, error) {
	d.mu.Lock()
	d.dials++
	d.addresses = append(d.addresses, address)
	fail := d.dials <= d.failures || d.next == nil
	d.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("dial %s: connection refused", address)
	}
	return d.next.DialContext(ctx, address, useTLS)
}

func (d *flakyDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// dialed returns the addresses dialed so far, in order.
func (d *flakyDialer) dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.addresses...)
}

// scriptedDialer hands the far end of each dial to the test, which
// plays the upstream collector frame by frame.
type scriptedDialer struct {
	accepted chan net.Conn
}

func newScriptedDialer() *scriptedDialer {
	return &scriptedDialer{accepted: make(chan net.Conn, 1)}
}

func (d *scriptedDialer) DialContext(ctx context.Context, address string, useTLS bool) (net.Conn, error) {
	client, server := net.Pipe()
	select {
	case d.accepted <- server:
		return client, nil
	case <-ctx.Done():
		client.Close()
		server.Close()
		return nil, fmt.Errorf("dial %s: %w", address, ctx.Err())
	}
}

// scriptedUpstream is the collector side of a scriptedDialer
// connection.
type scriptedUpstream struct {
	t      *testing.T
	conn   net.Conn
	frames *protocol.FrameReader
}

func (d *scriptedDialer) accept(t *testing.T) *scriptedUpstream {
	t.Helper()
	conn := testutil.RequireReceive(t, d.accepted, testTimeout, "waiting for the relay to dial")
	t.Cleanup(func() { conn.Close() })
	return &scriptedUpstream{t: t, conn: conn, frames: protocol.NewFrameReader(conn, protocol.DefaultMaxMessageSize)}
}

func (u *scriptedUpstream) send(message *protocol.ServerMessage) {
	u.t.Helper()
	payload, err := protocol.EncodeServerMessage(message)
	if err != nil {
		u.t.Fatalf("EncodeServerMessage: %v", err)
	}
	u.conn.SetWriteDeadline(time.Now().Add(testTimeout)) //nolint:realclock test hang prevention
	if err := protocol.WriteFrame(u.conn, payload); err != nil {
		u.t.Fatalf("sending %s: %v", message.Type(), err)
	}
}

func (u *scriptedUpstream) receiveType(want protocol.MessageType) *protocol.ClientMessage {
	u.t.Helper()
	u.conn.SetReadDeadline(time.Now().Add(testTimeout)) //nolint:realclock test hang prevention
	payload, err := u.frames.Next()
	if err != nil {
		u.t.Fatalf("receiving relayed frame: %v", err)
	}
	message, err := protocol.DecodeClientMessage(payload)
	if err != nil {
		u.t.Fatalf("DecodeClientMessage: %v", err)
	}
	if message.Type() != want {
		u.t.Fatalf("relayed %s, want %s", message.Type(), want)
	}
	return message
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.ServerID = testutil.UniqueID("auditlogd")
	cfg.Server.Listen = nil
	cfg.Server.IOLog.Directory = t.TempDir()
	cfg.Relay.Directory = t.TempDir()
	return cfg
}

type transitionRecord struct {
	conn     uint64
	from, to connState
}

// testServer runs a Server on a fake clock behind a pipeListener and
// reports lifecycle hooks on channels.
type testServer struct {
	*Server
	clock    *clock.FakeClock
	listener *pipeListener

	transitions chan transitionRecord
	closed      chan *Conn
	queued      chan *Conn
	relayed     chan *Conn

	cancel   context.CancelFunc
	served   chan error
	stopOnce sync.Once
	stopErr  error
}

func startServer(t *testing.T, cfg *config.Config, modify ...func(*Options)) *testServer {
	t.Helper()
	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	listener := newPipeListener()
	options := Options{
		Config:    cfg,
		Clock:     fake,
		Logger:    testLogger(),
		Listeners: []transport.Listener{listener},
	}
	for _, fn := range modify {
		fn(&options)
	}
	s, err := New(options)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ts := &testServer{
		Server:      s,
		clock:       fake,
		listener:    listener,
		transitions: make(chan transitionRecord, 256),
		closed:      make(chan *Conn, 64),
		queued:      make(chan *Conn, 64),
		relayed:     make(chan *Conn, 64),
		served:      make(chan error, 1),
	}
	s.hooks = hooks{
		transition: func(c *Conn, from, to connState) {
			ts.transitions <- transitionRecord{conn: c.id, from: from, to: to}
		},
		closed:  func(c *Conn) { ts.closed <- c },
		queued:  func(c *Conn) { ts.queued <- c },
		relayed: func(c *Conn) { ts.relayed <- c },
	}

	ctx, cancel := context.WithCancel(context.Background())
	ts.cancel = cancel
	go func() { ts.served <- s.Serve(ctx) }()
	t.Cleanup(func() {
		// A test that stopped the server itself has already checked
		// the result.
		ts.stopOnce.Do(func() {
			ts.cancel()
			if err := testutil.RequireReceive(t, ts.served, testTimeout, "waiting for Serve to return"); err != nil {
				t.Errorf("Serve: %v", err)
			}
		})
	})
	return ts
}

// stop cancels Serve and waits for it to return.
func (ts *testServer) stop(t *testing.T) error {
	t.Helper()
	ts.stopOnce.Do(func() {
		ts.cancel()
		ts.stopErr = testutil.RequireReceive(t, ts.served, testTimeout, "waiting for Serve to return")
	})
	return ts.stopErr
}

// onLoop runs fn on the server's event loop.
func (ts *testServer) onLoop(t *testing.T, fn func()) {
	t.Helper()
	if !ts.call(fn) {
		t.Fatal("server loop is not running")
	}
}

// eventually polls condition until it holds or the test times out.
func eventually(t *testing.T, condition func() bool, what string) {
	t.Helper()
	testutil.Eventually(t, testTimeout, 5*time.Millisecond, condition, what)
}

// waitForConns polls until n connections are registered.
func (ts *testServer) waitForConns(t *testing.T, n int) {
	t.Helper()
	eventually(t, func() bool {
		var count int
		ts.onLoop(t, func() { count = len(ts.conns) })
		return count == n
	}, fmt.Sprintf("waiting for %d registered connections", n))
}

// states collects the destination states of the next want
// transitions.
func (ts *testServer) states(t *testing.T, want int) []connState {
	t.Helper()
	var states []connState
	for len(states) < want {
		record := testutil.RequireReceive(t, ts.transitions, testTimeout, "waiting for state transition")
		states = append(states, record.to)
	}
	return states
}

type testClient struct {
	t      *testing.T
	conn   net.Conn
	frames *protocol.FrameReader
}

func (ts *testServer) connect(t *testing.T) *testClient {
	t.Helper()
	conn, err := ts.listener.DialContext(context.Background(), ts.listener.Address(), false)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, frames: protocol.NewFrameReader(conn, protocol.DefaultMaxMessageSize)}
}

func (c *testClient) send(message *protocol.ClientMessage) {
	c.t.Helper()
	payload, err := protocol.EncodeClientMessage(message)
	if err != nil {
		c.t.Fatalf("EncodeClientMessage: %v", err)
	}
	c.conn.SetWriteDeadline(time.Now().Add(testTimeout)) //nolint:realclock test hang prevention
	if err := protocol.WriteFrame(c.conn, payload); err != nil {
		c.t.Fatalf("sending %s: %v", message.Type(), err)
	}
}

func (c *testClient) receive() *protocol.ServerMessage {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(testTimeout)) //nolint:realclock test hang prevention
	payload, err := c.frames.Next()
	if err != nil {
		c.t.Fatalf("receiving server message: %v", err)
	}
	message, err := protocol.DecodeServerMessage(payload)
	if err != nil {
		c.t.Fatalf("DecodeServerMessage: %v", err)
	}
	return message
}

func (c *testClient) receiveType(want protocol.MessageType) *protocol.ServerMessage {
	c.t.Helper()
	message := c.receive()
	if message.Type() != want {
		c.t.Fatalf("received %s (%+v), want %s", message.Type(), message, want)
	}
	return message
}

// expectClosed waits for the server to close the connection.
func (c *testClient) expectClosed() {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(testTimeout)) //nolint:realclock test hang prevention
	payload, err := c.frames.Next()
	if err == nil {
		message, _ := protocol.DecodeServerMessage(payload)
		c.t.Fatalf("expected close, received %+v", message)
	}
	if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
		c.t.Fatalf("expected close, got %v", err)
	}
}

func timespec(d time.Duration) *protocol.TimeSpec {
	ts := protocol.NewTimeSpec(d)
	return &ts
}

func submitTime() *protocol.TimeSpec {
	ts := protocol.TimeSpecFromTime(time.Unix(1_700_000_000, 0))
	return &ts
}

func infoMessages() []protocol.InfoMessage {
	command, user := "/usr/bin/id", "operator"
	return []protocol.InfoMessage{
		{Key: "command", StrValue: &command},
		{Key: "runuser", StrValue: &user},
	}
}

func helloMessage() *protocol.ClientMessage {
	return &protocol.ClientMessage{Hello: &protocol.ClientHello{ClientID: "test client"}}
}

func acceptMessage(logIO bool) *protocol.ClientMessage {
	return &protocol.ClientMessage{Accept: &protocol.AcceptMessage{
		SubmitTime:      submitTime(),
		InfoMessages:    infoMessages(),
		ExpectIOBuffers: logIO,
	}}
}

func rejectMessage() *protocol.ClientMessage {
	return &protocol.ClientMessage{Reject: &protocol.RejectMessage{
		SubmitTime:   submitTime(),
		Reason:       "not allowed",
		InfoMessages: infoMessages(),
	}}
}

func exitMessage() *protocol.ClientMessage {
	return &protocol.ClientMessage{Exit: &protocol.ExitMessage{RunTime: timespec(3 * time.Second)}}
}

func restartMessage(logID string, resume time.Duration) *protocol.ClientMessage {
	return &protocol.ClientMessage{Restart: &protocol.RestartMessage{LogID: logID, ResumePoint: timespec(resume)}}
}

func alertMessage() *protocol.ClientMessage {
	return &protocol.ClientMessage{Alert: &protocol.AlertMessage{AlertTime: submitTime(), Reason: "policy alert"}}
}

func ttyOut(delay time.Duration, data string) *protocol.ClientMessage {
	return &protocol.ClientMessage{TtyOut: &protocol.IOBuffer{Delay: timespec(delay), Data: []byte(data)}}
}

func winsizeMessage(delay time.Duration) *protocol.ClientMessage {
	return &protocol.ClientMessage{Winsize: &protocol.ChangeWindowSize{Delay: timespec(delay), Rows: 24, Cols: 80}}
}

func suspendMessage(delay time.Duration) *protocol.ClientMessage {
	return &protocol.ClientMessage{Suspend: &protocol.CommandSuspend{Delay: timespec(delay), Signal: "TSTP"}}
}
