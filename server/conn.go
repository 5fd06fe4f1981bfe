// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"time"

	"github.com/bureau-foundation/auditlog/iolog"
	"github.com/bureau-foundation/auditlog/journal"
	"github.com/bureau-foundation/auditlog/lib/bufpool"
	"github.com/bureau-foundation/auditlog/lib/clock"
	"github.com/bureau-foundation/auditlog/protocol"
	"github.com/bureau-foundation/auditlog/transport"
)

type connState int

const (
	stateInitial connState = iota
	stateRunning
	stateExited
	stateFinished
	stateShutdown
	stateConnecting
)

func (s connState) String() string {
	switch s {
	case stateInitial:
		return "INITIAL"
	case stateRunning:
		return "RUNNING"
	case stateExited:
		return "EXITED"
	case stateFinished:
		return "FINISHED"
	case stateShutdown:
		return "SHUTDOWN"
	case stateConnecting:
		return "CONNECTING"
	default:
		return fmt.Sprintf("connState(%d)", int(s))
	}
}

type endpointRole int

const (
	roleClient endpointRole = iota
	roleUpstream
	roleJournal
)

// frameSource yields frame payloads: a FrameReader over a socket or a
// journal replay reader.
type frameSource interface {
	Next() ([]byte, error)
}

// endpoint is one side of a Conn that frames are read from or written
// to. The loop owns every field; the reader and writer goroutines only
// see the values handed to them.
type endpoint struct {
	owner *Conn
	role  endpointRole

	// conn is nil for a journal source.
	conn   net.Conn
	source frameSource

	// arm wakes the parked reader: true to read the next frame, false
	// to exit.
	arm     chan bool
	reading bool
	waiting bool
	stopped bool

	pool    bufpool.Pool
	pending []*bufpool.Buffer
	writing *bufpool.Buffer

	closed bool
}

func (e *endpoint) idle() bool {
	return e == nil || e.closed || (e.writing == nil && len(e.pending) == 0)
}

// Conn is one audit session: a client connection, or a replay of a
// stored journal toward an upstream collector.
type Conn struct {
	id     uint64
	peer   string
	logger *slog.Logger

	// client is nil for a journal replay.
	client *endpoint
	tls    tlsState
	state  connState

	logIO      bool
	storeFirst bool
	failed     bool
	reason     string
	closed     bool

	clientID string
	elapsed  protocol.TimeSpec

	iolog   *iolog.Log
	journal *journal.Journal
	relay   *relayState

	// journalPath and attempts belong to journal replays.
	journalPath string
	attempts    int

	commitTimer      *clock.Timer
	commitArmed      bool
	commitGeneration uint64
}

// local reports whether the session is stored by this server rather
// than forwarded.
func (c *Conn) local() bool {
	return c.client != nil && c.relay == nil && !c.storeFirst
}

func (s *Server) newConn(netConn net.Conn) *Conn {
	s.nextID++
	c := &Conn{
		id:         s.nextID,
		peer:       netConn.RemoteAddr().String(),
		storeFirst: s.journals != nil,
	}
	c.client = &endpoint{owner: c, role: roleClient, conn: netConn}
	c.logger = s.logger.With("conn", c.id, "peer", c.peer)
	s.conns[c] = struct{}{}
	return c
}

// newJournalConn creates a replay connection that owns the sealed
// journal at path. It is not registered; the caller either registers
// it and connects, or enqueues it.
func (s *Server) newJournalConn(path string) *Conn {
	s.nextID++
	c := &Conn{
		id:          s.nextID,
		peer:        "journal:" + filepath.Base(path),
		state:       stateConnecting,
		journalPath: path,
	}
	c.logger = s.logger.With("conn", c.id, "journal", filepath.Base(path))
	return c
}

// startProtocol greets the client and starts reading its frames.
func (s *Server) startProtocol(c *Conn) {
	if c.storeFirst {
		j, err := s.journals.Create()
		if err != nil {
			c.logger.Error("creating journal", "error", err)
			s.scheduleError(c, "unable to create journal")
			return
		}
		c.journal = j
	}
	s.sendServerMessage(c, &protocol.ServerMessage{
		Hello: &protocol.ServerHello{ServerID: s.cfg.Server.ServerID},
	})
	s.startReading(c.client, protocol.NewFrameReader(c.client.conn, s.cfg.Server.MaxMessageSize))
}

// startReading launches the reader goroutine for e.
func (s *Server) startReading(e *endpoint, source frameSource) {
	e.source = source
	e.arm = make(chan bool, 1)
	e.reading = true
	go s.runReader(e, source, e.arm)
}

func (s *Server) runReader(e *endpoint, source frameSource, arm <-chan bool) {
	for {
		payload, err := source.Next()
		if err != nil {
			s.post(readErrorEvent{endpoint: e, err: err})
			return
		}
		if !s.post(frameEvent{endpoint: e, payload: payload}) {
			return
		}
		// The payload aliases the reader's buffer, so the next read
		// waits until the loop is done with it.
		select {
		case next := <-arm:
			if !next {
				return
			}
		case <-s.done:
			return
		}
	}
}

// stopReading leaves the reader parked after its current frame.
func stopReading(e *endpoint) {
	if e != nil {
		e.stopped = true
	}
}

// forwardWindow bounds how many frames may wait on an upstream socket
// before reads feeding it pause.
const forwardWindow = 16

// rearm lets a parked reader read its next frame.
func (s *Server) rearm(e *endpoint) {
	if e == nil || e.closed || e.stopped || !e.waiting {
		return
	}
	if e.role != roleUpstream {
		if r := e.owner.relay; r != nil && r.upstream != nil && len(r.upstream.pending) >= forwardWindow {
			// Resumed from onWriteDone when the upstream drains.
			return
		}
	}
	e.waiting = false
	e.arm <- true
}

func (s *Server) onFrame(ev frameEvent) {
	e := ev.endpoint
	e.waiting = true
	if e.closed || e.stopped {
		return
	}
	switch e.role {
	case roleClient:
		s.handleClientFrame(e.owner, ev.payload)
	case roleUpstream:
		s.handleUpstreamFrame(e.owner, ev.payload)
	case roleJournal:
		s.handleReplayFrame(e.owner, ev.payload)
	}
	s.rearm(e)
}

func (s *Server) onReadError(ev readErrorEvent) {
	e := ev.endpoint
	e.reading = false
	if e.closed {
		return
	}
	switch e.role {
	case roleClient:
		s.clientReadError(e.owner, ev.err)
	case roleUpstream:
		s.upstreamReadError(e.owner, ev.err)
	case roleJournal:
		s.replayReadError(e.owner, ev.err)
	}
}

func (s *Server) clientReadError(c *Conn, err error) {
	switch {
	case errors.Is(err, protocol.ErrFrameTooLarge):
		s.scheduleError(c, fmt.Sprintf("client message too large: %v", err))
	case errors.Is(err, bufpool.ErrAllocation):
		s.scheduleError(c, "unable to allocate memory")
	case errors.Is(err, io.EOF) && (c.state == stateFinished || c.failed):
		s.closeConn(c)
	case transport.PeerClosed(err):
		c.logger.Info("client disconnected", "state", c.state)
		s.closeConn(c)
	default:
		c.logger.Warn("client read failed", "state", c.state, "error", err)
		s.closeConn(c)
	}
}

// queueFrame appends payload as a frame to e's write queue.
func (s *Server) queueFrame(e *endpoint, payload []byte) error {
	if e.closed {
		return net.ErrClosed
	}
	buffer, err := protocol.PutFrame(&e.pool, payload)
	if err != nil {
		return err
	}
	e.pending = append(e.pending, buffer)
	s.startWrite(e)
	return nil
}

// startWrite hands the next queued buffer to a writer goroutine. At
// most one write per endpoint is in flight.
func (s *Server) startWrite(e *endpoint) {
	if e.closed || e.conn == nil || e.writing != nil || len(e.pending) == 0 {
		return
	}
	buffer := e.pending[0]
	e.pending[0] = nil
	e.pending = e.pending[1:]
	e.writing = buffer

	conn := e.conn
	timeout := s.cfg.Server.Timeout
	go func() {
		// Socket deadlines are enforced by the kernel against wall
		// time, not the injected clock.
		conn.SetWriteDeadline(time.Now().Add(timeout)) //nolint:realclock kernel socket deadline
		_, err := conn.Write(buffer.Bytes())
		s.post(writeDoneEvent{endpoint: e, buffer: buffer, err: err})
	}()
}

func (s *Server) onWriteDone(ev writeDoneEvent) {
	e := ev.endpoint
	if e.writing == ev.buffer {
		e.writing = nil
	}
	if e.closed {
		return
	}
	e.pool.Release(ev.buffer)

	c := e.owner
	if ev.err != nil {
		if e.role == roleUpstream {
			s.upstreamWriteError(c, ev.err)
			return
		}
		if !transport.PeerClosed(ev.err) {
			c.logger.Warn("client write failed", "error", ev.err)
		}
		s.closeConn(c)
		return
	}

	s.startWrite(e)
	if e.role == roleUpstream && c.relay != nil {
		s.rearm(c.client)
		s.rearm(c.relay.replay)
		if c.client == nil {
			c.relay.framesWritten++
			s.checkDelivered(c)
			return
		}
	}
	s.maybeClose(c)
}

// sendServerMessage queues a message to the client.
func (s *Server) sendServerMessage(c *Conn, message *protocol.ServerMessage) {
	if c.client == nil || c.client.closed {
		return
	}
	payload, err := protocol.EncodeServerMessage(message)
	if err == nil {
		err = s.queueFrame(c.client, payload)
	}
	if err != nil {
		c.logger.Error("queueing server message", "type", message.Type(), "error", err)
		s.closeConn(c)
	}
}

// scheduleError records reason, queues an error message to the client,
// and closes the connection once the message is written. A second
// error closes immediately.
func (s *Server) scheduleError(c *Conn, reason string) {
	if c.closed {
		return
	}
	if c.client == nil {
		s.relayFailed(c, errors.New(reason))
		return
	}
	if c.failed {
		c.logger.Warn("second error, closing", "reason", reason, "first", c.reason)
		s.closeConn(c)
		return
	}
	c.failed = true
	c.reason = reason
	c.logger.Warn("protocol error", "reason", reason, "state", c.state)
	stopReading(c.client)
	s.stopCommitTimer(c)
	s.sendServerMessage(c, protocol.NewError(reason))
	s.maybeClose(c)
}

// maybeClose closes c once it has nothing left to do: the session is
// over (finished, failed, or shut down) and every queued write has
// been flushed.
func (s *Server) maybeClose(c *Conn) {
	if c.closed || c.client == nil {
		return
	}
	if c.state != stateFinished && c.state != stateShutdown && !c.failed {
		return
	}
	if !c.client.idle() {
		return
	}
	if c.relay != nil && !c.relay.upstream.idle() {
		return
	}
	s.closeConn(c)
}

func (s *Server) closeEndpoint(e *endpoint) {
	if e == nil || e.closed {
		return
	}
	e.closed = true
	if e.arm != nil {
		select {
		case e.arm <- false:
		default:
		}
	}
	if e.conn != nil {
		e.conn.Close()
	} else if closer, ok := e.source.(io.Closer); ok {
		closer.Close()
	}
	for _, buffer := range e.pending {
		e.pool.Release(buffer)
	}
	e.pending = nil
	e.pool.Reset()
}

// closeConn tears c down. A finished store-first session's journal is
// sealed and handed to a new replay connection.
func (s *Server) closeConn(c *Conn) {
	if c.closed {
		return
	}
	c.closed = true
	s.stopCommitTimer(c)
	s.closeEndpoint(c.client)
	if c.relay != nil {
		s.closeRelay(c)
	}
	if c.iolog != nil {
		if _, err := c.iolog.Flush(); err != nil {
			c.logger.Error("flushing I/O log on close", "error", err)
		}
		if err := c.iolog.Close(); err != nil {
			c.logger.Error("closing I/O log", "error", err)
		}
		c.iolog = nil
	}
	delete(s.conns, c)
	if c.journal != nil {
		s.handoffJournal(c)
	}
	c.logger.Debug("connection closed", "state", c.state, "reason", c.reason)
	if s.hooks.closed != nil {
		s.hooks.closed(c)
	}
}

// handoffJournal moves a store-first session's journal out of c. A
// finished session's journal is sealed and replayed upstream by a new
// connection; anything else is discarded because the upstream could
// never see the session end.
func (s *Server) handoffJournal(c *Conn) {
	j := c.journal
	c.journal = nil

	if c.state != stateFinished || c.failed {
		c.logger.Warn("discarding journal of unfinished session", "state", c.state, "frames", j.Frames())
		if err := j.Discard(); err != nil {
			c.logger.Error("discarding journal", "error", err)
		}
		return
	}
	if err := j.Seal(); err != nil {
		// The file stays in incoming/ and is sealed on the next start.
		c.logger.Error("sealing journal, finished session held until restart", "path", j.Path(), "error", err)
		return
	}
	c.logger.Info("journal sealed", "path", j.Path(), "frames", j.Frames(), "bytes", j.Size())
	if s.shuttingDown {
		return
	}
	s.startJournalRelay(j.Path())
}
