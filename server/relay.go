// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/bureau-foundation/auditlog/journal"
	"github.com/bureau-foundation/auditlog/lib/config"
	"github.com/bureau-foundation/auditlog/protocol"
	"github.com/bureau-foundation/auditlog/transport"
)

type relayPhase int

const (
	phaseDialing relayPhase = iota
	// phaseHello waits for the upstream ServerHello before replaying.
	phaseHello
	phaseReplay
	// phaseAck has queued the session's final frame and waits for the
	// upstream to acknowledge it.
	phaseAck
	// phaseForwarding relays a live client session.
	phaseForwarding
)

// relayState is the upstream side of a relayed connection.
type relayState struct {
	hosts []config.Address
	index int
	phase relayPhase

	// cancel aborts an in-flight dial.
	cancel   context.CancelFunc
	upstream *endpoint

	// Journal replay only.
	replay      *endpoint
	logIO       bool
	lastElapsed protocol.TimeSpec

	// framesQueued and framesWritten count journal frames handed to the
	// upstream writer and fully written. finalFrame is the position of
	// the exit or reject frame, zero until it is read.
	framesQueued  int
	framesWritten int
	finalFrame    int
	// committed is set by a commit point covering lastElapsed that
	// arrives once the final frame is queued.
	committed   bool
	upstreamEOF bool
}

func (r *relayState) finalWritten() bool {
	return r.finalFrame > 0 && r.framesWritten >= r.finalFrame
}

// connectRelay dials the configured upstream hosts in order. A direct
// relay starts the client protocol once connected; a journal replay
// waits for the upstream ServerHello.
func (s *Server) connectRelay(c *Conn) {
	r := &relayState{hosts: s.cfg.Relay.Hosts}
	c.relay = r
	s.dialNext(c, r)
}

func (s *Server) dialNext(c *Conn, r *relayState) {
	if r.index >= len(r.hosts) {
		s.relayFailed(c, ErrRelayExhausted)
		return
	}
	host := r.hosts[r.index]
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.Timeout)
	r.cancel = cancel
	r.phase = phaseDialing
	c.logger.Debug("connecting to relay", "host", host)

	dialer := s.dialer
	go func() {
		netConn, err := dialer.DialContext(ctx, host.Address, host.TLS)
		cancel()
		if !s.post(dialEvent{conn: c, relay: r, netConn: netConn, err: err}) && netConn != nil {
			netConn.Close()
		}
	}()
}

func (s *Server) onDial(ev dialEvent) {
	c, r := ev.conn, ev.relay
	if c.closed || c.relay != r {
		if ev.netConn != nil {
			ev.netConn.Close()
		}
		return
	}
	r.cancel = nil
	host := r.hosts[r.index]
	if ev.err != nil {
		c.logger.Warn("relay connection failed", "host", host, "error", ev.err)
		r.index++
		s.dialNext(c, r)
		return
	}
	c.logger.Info("connected to relay", "host", host)

	r.upstream = &endpoint{owner: c, role: roleUpstream, conn: ev.netConn}
	s.startReading(r.upstream, protocol.NewFrameReader(ev.netConn, s.cfg.Server.MaxMessageSize))
	if c.client == nil {
		r.phase = phaseHello
		return
	}
	r.phase = phaseForwarding
	s.transition(c, stateInitial)
	s.startReading(c.client, protocol.NewFrameReader(c.client.conn, s.cfg.Server.MaxMessageSize))
}

// closeRelay cancels any dial and closes the upstream socket and the
// journal reader.
func (s *Server) closeRelay(c *Conn) {
	r := c.relay
	if r == nil {
		return
	}
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	s.closeEndpoint(r.upstream)
	s.closeEndpoint(r.replay)
}

// relayFailed handles a lost or unreachable upstream. A live client is
// told and disconnected. A journal replay goes back on the relay queue
// with its journal intact.
func (s *Server) relayFailed(c *Conn, err error) {
	if c.closed {
		return
	}
	s.closeRelay(c)
	if c.client != nil {
		c.logger.Warn("relay failed", "error", err)
		reason := "relay failed"
		if errors.Is(err, ErrRelayExhausted) {
			reason = ErrRelayExhausted.Error()
		}
		s.scheduleError(c, reason)
		return
	}

	c.relay = nil
	c.attempts++
	delete(s.conns, c)
	c.logger.Warn("journal relay failed", "attempt", c.attempts, "error", err)
	if s.shuttingDown {
		// Left in outgoing/ for the next start.
		return
	}
	s.enqueueRelay(c, s.clock.Now().Add(s.retryDelay(c.attempts)))
}

// abandonRelay stops a journal replay without touching the journal.
func (s *Server) abandonRelay(c *Conn) {
	s.closeRelay(c)
	c.relay = nil
	c.closed = true
	delete(s.conns, c)
}

// startJournalRelay takes ownership of a sealed journal and begins
// delivering it upstream.
func (s *Server) startJournalRelay(path string) {
	c := s.newJournalConn(path)
	s.conns[c] = struct{}{}
	s.connectRelay(c)
}

func (s *Server) handleUpstreamFrame(c *Conn, payload []byte) {
	message, err := protocol.DecodeServerMessage(payload)
	if err != nil {
		s.relayFailed(c, fmt.Errorf("invalid upstream message: %w", err))
		return
	}
	if c.client == nil {
		s.handleReplayResponse(c, message)
		return
	}

	// Direct relay: the upstream speaks for this server.
	if err := s.queueFrame(c.client, payload); err != nil {
		s.closeConn(c)
		return
	}
	switch message.Type() {
	case protocol.TypeCommitPoint:
		if c.state == stateExited {
			s.transition(c, stateFinished)
		}
		s.maybeClose(c)
	case protocol.TypeError, protocol.TypeAbort:
		reason := upstreamReason(message)
		c.logger.Warn("upstream ended session", "reason", reason)
		c.failed = true
		c.reason = reason
		stopReading(c.client)
		stopReading(c.relay.upstream)
		s.maybeClose(c)
	}
}

func (s *Server) handleReplayResponse(c *Conn, message *protocol.ServerMessage) {
	r := c.relay
	switch message.Type() {
	case protocol.TypeServerHello:
		if r.phase != phaseHello {
			s.relayFailed(c, errors.New("unexpected ServerHello from upstream"))
			return
		}
		reader, err := s.journals.OpenReplay(c.journalPath, s.cfg.Server.MaxMessageSize)
		if errors.Is(err, journal.ErrCorrupt) {
			s.quarantine(c, err)
			return
		}
		if err != nil {
			s.relayFailed(c, err)
			return
		}
		c.logger.Debug("replaying journal", "upstream", message.Hello.ServerID)
		r.phase = phaseReplay
		r.replay = &endpoint{owner: c, role: roleJournal}
		s.startReading(r.replay, reader)
	case protocol.TypeCommitPoint:
		if r.phase == phaseAck && message.CommitPoint.Compare(r.lastElapsed) >= 0 {
			r.committed = true
			s.checkDelivered(c)
		}
	case protocol.TypeLogID:
		c.logger.Debug("upstream assigned log id", "log_id", *message.LogID)
	case protocol.TypeError, protocol.TypeAbort:
		s.relayFailed(c, fmt.Errorf("upstream rejected session: %s", upstreamReason(message)))
	}
}

func upstreamReason(message *protocol.ServerMessage) string {
	if message.Error != nil {
		return *message.Error
	}
	if message.Abort != nil {
		return *message.Abort
	}
	return ""
}

// handleReplayFrame sends one journaled client frame upstream, tracking
// how the session ends so the acknowledgment can be recognized.
func (s *Server) handleReplayFrame(c *Conn, payload []byte) {
	r := c.relay
	message, err := protocol.DecodeClientMessage(payload)
	if err != nil {
		s.quarantine(c, fmt.Errorf("undecodable journal frame: %w", err))
		return
	}
	switch message.Type() {
	case protocol.TypeAccept:
		r.logIO = message.Accept.ExpectIOBuffers
	case protocol.TypeExit, protocol.TypeReject:
		r.phase = phaseAck
	case protocol.TypeWinsize:
		r.advance(message.Winsize.Delay)
	case protocol.TypeSuspend:
		r.advance(message.Suspend.Delay)
	default:
		if buffer, ok := message.IOBuffer(); ok {
			r.advance(buffer.Delay)
		}
	}
	if err := s.queueFrame(r.upstream, payload); err != nil {
		s.relayFailed(c, fmt.Errorf("forwarding journal: %w", err))
		return
	}
	r.framesQueued++
	if r.phase == phaseAck && r.finalFrame == 0 {
		r.finalFrame = r.framesQueued
	}
}

func (r *relayState) advance(delay *protocol.TimeSpec) {
	if delay != nil {
		r.lastElapsed = r.lastElapsed.Add(*delay)
	}
}

func (s *Server) replayReadError(c *Conn, err error) {
	r := c.relay
	switch {
	case errors.Is(err, io.EOF):
		s.closeEndpoint(r.replay)
		if r.phase != phaseAck {
			// Only finished sessions are sealed, so a journal without
			// an exit or reject is damaged.
			s.quarantine(c, errors.New("journal ends before the session does"))
			return
		}
		c.logger.Debug("journal replayed, awaiting acknowledgment", "log_io", r.logIO)
	case errors.Is(err, protocol.ErrFrameTooLarge), errors.Is(err, io.ErrUnexpectedEOF):
		s.quarantine(c, err)
	default:
		s.relayFailed(c, fmt.Errorf("reading journal: %w", err))
	}
}

func (s *Server) upstreamReadError(c *Conn, err error) {
	r := c.relay
	if c.client == nil {
		// Only an orderly close says the upstream finished the session.
		if r.phase == phaseAck && errors.Is(err, io.EOF) {
			r.upstreamEOF = true
			s.checkDelivered(c)
			return
		}
		s.relayFailed(c, fmt.Errorf("upstream connection lost: %w", err))
		return
	}
	if transport.PeerClosed(err) && (c.state == stateFinished || c.failed) {
		s.closeEndpoint(r.upstream)
		s.maybeClose(c)
		return
	}
	s.relayFailed(c, fmt.Errorf("upstream connection lost: %w", err))
}

func (s *Server) upstreamWriteError(c *Conn, err error) {
	s.relayFailed(c, fmt.Errorf("writing to upstream: %w", err))
}

// checkDelivered decides whether a replayed session has reached the
// upstream. The upstream finishes a session only after reading its
// final frame, and then closes the connection. So delivery needs the
// final frame fully written, a clean close from the upstream, and, when
// the session logged I/O, a commit point covering all of it. A close
// that arrives while frames are still being written waits for the
// writer, which either finishes or fails the relay.
func (s *Server) checkDelivered(c *Conn) {
	r := c.relay
	if c.closed || r == nil || !r.upstreamEOF {
		return
	}
	if !r.finalWritten() {
		if r.upstream.idle() {
			s.relayFailed(c, errors.New("upstream closed before the session was sent"))
		}
		return
	}
	if r.logIO && !r.committed {
		s.relayFailed(c, errors.New("upstream closed without committing the session"))
		return
	}
	s.relayComplete(c)
}

// relayComplete deletes a journal the upstream has acknowledged.
func (s *Server) relayComplete(c *Conn) {
	c.logger.Info("journal delivered", "attempts", c.attempts+1)
	s.abandonRelay(c)
	if err := s.journals.Remove(c.journalPath); err != nil {
		c.logger.Error("removing delivered journal", "error", err)
	}
	if s.hooks.relayed != nil {
		s.hooks.relayed(c)
	}
}

// quarantine moves a journal that can never be delivered into corrupt/.
func (s *Server) quarantine(c *Conn, reason error) {
	s.abandonRelay(c)
	destination, err := s.journals.Quarantine(c.journalPath)
	if err != nil {
		c.logger.Error("quarantining journal", "reason", reason, "error", err)
		return
	}
	c.logger.Error("journal quarantined", "reason", reason, "destination", destination)
}
