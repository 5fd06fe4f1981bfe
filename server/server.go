// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/bureau-foundation/auditlog/eventlog"
	"github.com/bureau-foundation/auditlog/iolog"
	"github.com/bureau-foundation/auditlog/journal"
	"github.com/bureau-foundation/auditlog/lib/bufpool"
	"github.com/bureau-foundation/auditlog/lib/clock"
	"github.com/bureau-foundation/auditlog/lib/config"
	"github.com/bureau-foundation/auditlog/transport"
)

// Options configures a Server.
type Options struct {
	// Config is required and must have passed Validate.
	Config *config.Config

	// Clock drives commit, relay retry, and shutdown timers. Defaults
	// to clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Dialer opens upstream connections. Defaults to a TCPDialer using
	// the relay TLS settings.
	Dialer transport.Dialer

	// Listeners replaces binding Config.Server.Listen at startup. A
	// reload always binds from the new configuration.
	Listeners []transport.Listener

	// EventLog receives accept, reject, alert, and exit records for
	// sessions stored locally. Nil disables it.
	EventLog *eventlog.Log
}

// Server is the audit log session engine. Create with New and run with
// Serve.
type Server struct {
	cfg         *config.Config
	clock       clock.Clock
	logger      *slog.Logger
	dialer      transport.Dialer
	tlsConfig   *tls.Config
	eventLog    *eventlog.Log
	journals    *journal.Store
	compression iolog.Compression

	inbox chan event
	done  chan struct{}

	// Everything below is owned by the Serve goroutine.
	conns         map[*Conn]struct{}
	listeners     []*listenerState
	relayQueue    relayQueue
	deferred      []func()
	nextID        uint64
	shuttingDown  bool
	shutdownTimer *clock.Timer
	fatal         error

	hooks hooks
}

// hooks are lifecycle notifications for tests. They run on the loop
// goroutine.
type hooks struct {
	transition func(c *Conn, from, to connState)
	queued     func(c *Conn)
	relayed    func(c *Conn)
	closed     func(c *Conn)
}

// inboxSize bounds how many events helper goroutines can post ahead of
// the loop.
const inboxSize = 256

// New builds a server and binds its listeners.
func New(options Options) (*Server, error) {
	cfg := options.Config
	if cfg == nil {
		return nil, errors.New("server: Config is required")
	}
	s := &Server{
		cfg:      cfg,
		clock:    options.Clock,
		logger:   options.Logger,
		dialer:   options.Dialer,
		eventLog: options.EventLog,
		inbox:    make(chan event, inboxSize),
		done:     make(chan struct{}),
		conns:    make(map[*Conn]struct{}),
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	compression, err := iolog.ParseCompression(cfg.Server.IOLog.Compression)
	if err != nil {
		return nil, err
	}
	s.compression = compression

	if cfg.Relay.Enabled() && s.dialer == nil {
		clientTLS, err := transport.ClientTLSConfig(cfg.Relay.TLS)
		if err != nil {
			return nil, err
		}
		s.dialer = &transport.TCPDialer{Timeout: cfg.Server.Timeout, TLSConfig: clientTLS}
	}
	if cfg.Relay.StoreFirst {
		if s.journals, err = journal.Open(cfg.Relay.Directory); err != nil {
			return nil, err
		}
	}

	if options.Listeners != nil {
		needTLS := false
		for _, listener := range options.Listeners {
			s.listeners = append(s.listeners, &listenerState{listener: listener})
			needTLS = needTLS || listener.TLS()
		}
		if needTLS {
			if s.tlsConfig, err = transport.ServerTLSConfig(cfg.Server.TLS); err != nil {
				return nil, err
			}
		}
	} else {
		if s.listeners, s.tlsConfig, err = buildListeners(cfg.Server); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Addresses returns the bound listener addresses. Only valid before
// Serve is called.
func (s *Server) Addresses() []string {
	addresses := make([]string, 0, len(s.listeners))
	for _, state := range s.listeners {
		addresses = append(addresses, state.listener.Address())
	}
	return addresses
}

// Serve runs the event loop until ctx is cancelled and every
// connection has drained, or until a reload fails. It returns nil after
// a clean shutdown.
func (s *Server) Serve(ctx context.Context) error {
	defer close(s.done)

	for _, state := range s.listeners {
		go s.acceptLoop(state)
	}
	if s.journals != nil {
		s.requeueOutgoing()
	}
	s.logger.Info("audit log server running",
		"listeners", len(s.listeners),
		"relay_hosts", len(s.cfg.Relay.Hosts),
		"store_first", s.cfg.Relay.StoreFirst,
	)

	ctxDone := ctx.Done()
	for {
		s.runDeferred()
		if s.fatal != nil {
			// Sessions sealed while closing stay in outgoing/.
			s.shuttingDown = true
			s.stopQueue()
			s.forceClose()
			return s.fatal
		}
		if s.shuttingDown && len(s.conns) == 0 {
			if s.shutdownTimer != nil {
				s.shutdownTimer.Stop()
			}
			s.logger.Info("audit log server stopped")
			return nil
		}

		select {
		case <-ctxDone:
			ctxDone = nil
			s.beginShutdown()
		case ev := <-s.inbox:
			s.dispatch(ev)
		}
	}
}

// Reload rebuilds the listener set from cfg and adopts its server
// settings for new work. A failure to bind is fatal: Serve returns the
// error.
func (s *Server) Reload(ctx context.Context, cfg *config.Config) error {
	result := make(chan error, 1)
	if !s.post(reloadEvent{cfg: cfg, result: result}) {
		return errors.New("server is not running")
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type event any

type (
	acceptEvent struct {
		listener *listenerState
		conn     net.Conn
	}
	acceptErrorEvent struct {
		listener *listenerState
		err      error
	}
	frameEvent struct {
		endpoint *endpoint
		payload  []byte
	}
	readErrorEvent struct {
		endpoint *endpoint
		err      error
	}
	writeDoneEvent struct {
		endpoint *endpoint
		buffer   *bufpool.Buffer
		err      error
	}
	handshakeEvent struct {
		conn    *Conn
		tlsConn *tls.Conn
		err     error
	}
	dialEvent struct {
		conn    *Conn
		relay   *relayState
		netConn net.Conn
		err     error
	}
	commitEvent struct {
		conn       *Conn
		generation uint64
	}
	queueEvent struct {
		generation uint64
	}
	shutdownTimeoutEvent struct{}
	reloadEvent          struct {
		cfg    *config.Config
		result chan<- error
	}
	callEvent struct {
		fn   func()
		done chan struct{}
	}
)

// post delivers ev to the loop. It returns false once the loop has
// exited, in which case the caller owns any resource in ev.
func (s *Server) post(ev event) bool {
	select {
	case s.inbox <- ev:
		return true
	case <-s.done:
		return false
	}
}

// call runs fn on the loop goroutine and waits for it.
func (s *Server) call(fn func()) bool {
	done := make(chan struct{})
	if !s.post(callEvent{fn: fn, done: done}) {
		return false
	}
	select {
	case <-done:
		return true
	case <-s.done:
		return false
	}
}

// later runs fn on the loop after the current event. Work the loop
// wants done "now" goes here rather than through a zero-length timer.
func (s *Server) later(fn func()) {
	s.deferred = append(s.deferred, fn)
}

func (s *Server) runDeferred() {
	for len(s.deferred) > 0 {
		fn := s.deferred[0]
		s.deferred[0] = nil
		s.deferred = s.deferred[1:]
		fn()
	}
}

func (s *Server) dispatch(ev event) {
	switch ev := ev.(type) {
	case acceptEvent:
		s.onAccept(ev)
	case acceptErrorEvent:
		s.onAcceptError(ev)
	case frameEvent:
		s.onFrame(ev)
	case readErrorEvent:
		s.onReadError(ev)
	case writeDoneEvent:
		s.onWriteDone(ev)
	case handshakeEvent:
		s.onHandshake(ev)
	case dialEvent:
		s.onDial(ev)
	case commitEvent:
		s.onCommitTimer(ev)
	case queueEvent:
		s.onQueueTimer(ev)
	case shutdownTimeoutEvent:
		s.logger.Warn("shutdown timeout reached, closing remaining connections", "connections", len(s.conns))
		s.forceClose()
	case reloadEvent:
		s.onReload(ev)
	case callEvent:
		ev.fn()
		close(ev.done)
	default:
		panic(fmt.Sprintf("server: unknown event %T", ev))
	}
}

// beginShutdown stops accepting, sends local I/O logging clients a
// final commit point, and lets every connection drain its writes. The
// shutdown timer bounds the drain.
func (s *Server) beginShutdown() {
	s.logger.Info("shutting down", "connections", len(s.conns))
	s.shuttingDown = true
	s.closeListeners()
	s.stopQueue()

	for c := range s.conns {
		if c.client == nil {
			// Journal replay. The sealed journal stays in outgoing/
			// and is requeued on the next start.
			s.abandonRelay(c)
			continue
		}
		stopReading(c.client)
		if c.iolog != nil && !c.failed && (c.state == stateRunning || c.state == stateExited) {
			s.stopCommitTimer(c)
			s.commit(c)
		}
		if c.state != stateFinished && !c.closed {
			s.transition(c, stateShutdown)
		}
		s.maybeClose(c)
	}
	if len(s.conns) > 0 {
		s.shutdownTimer = s.clock.AfterFunc(s.cfg.Server.Timeout, func() {
			s.post(shutdownTimeoutEvent{})
		})
	}
}

func (s *Server) forceClose() {
	for c := range s.conns {
		if c.client == nil {
			s.abandonRelay(c)
			continue
		}
		s.closeConn(c)
	}
	s.closeListeners()
}

func (s *Server) onReload(ev reloadEvent) {
	s.logger.Info("reloading listeners")
	// The old sockets must be closed before the same addresses can be
	// bound again.
	s.closeListeners()
	listeners, tlsConfig, err := buildListeners(ev.cfg.Server)
	if err != nil {
		s.fatal = fmt.Errorf("reloading listeners: %w", err)
		ev.result <- s.fatal
		return
	}

	updated := *s.cfg
	updated.Server = ev.cfg.Server
	s.cfg = &updated
	s.tlsConfig = tlsConfig
	s.listeners = listeners
	for _, state := range listeners {
		go s.acceptLoop(state)
	}
	s.logger.Info("listeners reloaded", "listeners", len(listeners))
	ev.result <- nil
}

// transition changes c's protocol state.
func (s *Server) transition(c *Conn, to connState) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	c.logger.Debug("state change", "from", from, "to", to)
	if s.hooks.transition != nil {
		s.hooks.transition(c, from, to)
	}
}
