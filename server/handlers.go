// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/auditlog/iolog"
	"github.com/bureau-foundation/auditlog/protocol"
)

// handleClientFrame decodes and applies one client frame. A frame the
// state machine accepts is journaled (store-first) or forwarded
// upstream (direct relay) verbatim.
func (s *Server) handleClientFrame(c *Conn, payload []byte) {
	message, err := protocol.DecodeClientMessage(payload)
	if err != nil {
		c.logger.Debug("undecodable client frame", "error", err)
		s.scheduleError(c, "invalid ClientMessage")
		return
	}
	if err := s.handleClientMessage(c, message); err != nil {
		var protocolError *ProtocolError
		if errors.As(err, &protocolError) {
			s.scheduleError(c, protocolError.Reason)
			return
		}
		c.logger.Error("applying client message", "type", message.Type(), "error", err)
		s.scheduleError(c, fmt.Sprintf("unable to process %s", message.Type()))
		return
	}

	if c.journal != nil {
		if err := c.journal.Append(payload); err != nil {
			c.logger.Error("appending to journal", "error", err)
			s.scheduleError(c, "unable to write journal")
			return
		}
	}
	if c.relay != nil && c.relay.upstream != nil {
		if err := s.queueFrame(c.relay.upstream, payload); err != nil {
			s.relayFailed(c, fmt.Errorf("forwarding to upstream: %w", err))
			return
		}
	}
	if c.state == stateFinished {
		stopReading(c.client)
		s.maybeClose(c)
	}
}

// handleClientMessage applies message to c's state machine. Every
// (state, message) pair not listed below is an error that leaves the
// state unchanged.
func (s *Server) handleClientMessage(c *Conn, message *protocol.ClientMessage) error {
	t := message.Type()
	switch t {
	case protocol.TypeHello:
		return s.handleHello(c, message.Hello)
	case protocol.TypeAccept:
		return s.handleAccept(c, message.Accept)
	case protocol.TypeReject:
		return s.handleReject(c, message.Reject)
	case protocol.TypeExit:
		return s.handleExit(c, message.Exit)
	case protocol.TypeRestart:
		return s.handleRestart(c, message.Restart)
	case protocol.TypeAlert:
		return s.handleAlert(c, message.Alert)
	case protocol.TypeWinsize:
		if err := s.requireIOState(c, t, message.Winsize.Delay); err != nil {
			return err
		}
		delay := *message.Winsize.Delay
		c.elapsed = c.elapsed.Add(delay)
		if c.iolog != nil {
			if err := c.iolog.WindowSize(delay, message.Winsize.Rows, message.Winsize.Cols); err != nil {
				return err
			}
		}
		s.armCommit(c)
		return nil
	case protocol.TypeSuspend:
		if err := s.requireIOState(c, t, message.Suspend.Delay); err != nil {
			return err
		}
		delay := *message.Suspend.Delay
		c.elapsed = c.elapsed.Add(delay)
		if c.iolog != nil {
			if err := c.iolog.Suspend(delay, message.Suspend.Signal); err != nil {
				return err
			}
		}
		s.armCommit(c)
		return nil
	}

	buffer, ok := message.IOBuffer()
	if !ok {
		return protocolErrorf("unrecognized ClientMessage type %s", t)
	}
	if err := s.requireIOState(c, t, buffer.Delay); err != nil {
		return err
	}
	delay := *buffer.Delay
	c.elapsed = c.elapsed.Add(delay)
	if c.iolog != nil {
		if err := c.iolog.WriteIO(t, delay, buffer.Data); err != nil {
			return err
		}
	}
	s.armCommit(c)
	return nil
}

// requireIOState checks that an I/O, window, or suspend event may be
// applied.
func (s *Server) requireIOState(c *Conn, t protocol.MessageType, delay *protocol.TimeSpec) error {
	if c.state != stateRunning || !c.logIO {
		return unexpectedMessage(t.String(), c.state)
	}
	if delay == nil || !delay.Valid() {
		return protocolErrorf("invalid %s: missing delay", t)
	}
	return nil
}

func (s *Server) handleHello(c *Conn, hello *protocol.ClientHello) error {
	if c.state != stateInitial {
		return unexpectedMessage("ClientHello", c.state)
	}
	c.clientID = hello.ClientID
	c.logger.Debug("client hello", "client_id", hello.ClientID)
	return nil
}

func (s *Server) handleAccept(c *Conn, accept *protocol.AcceptMessage) error {
	if c.state != stateInitial {
		return unexpectedMessage("AcceptMessage", c.state)
	}
	if accept.SubmitTime == nil || len(accept.InfoMessages) == 0 {
		return protocolErrorf("invalid AcceptMessage")
	}

	c.logIO = accept.ExpectIOBuffers
	logID := ""
	if c.local() && c.logIO {
		log, err := iolog.Create(s.cfg.Server.IOLog.Directory, s.compression, accept)
		if err != nil {
			return fmt.Errorf("creating I/O log: %w", err)
		}
		c.iolog = log
		logID = log.ID()
		s.sendServerMessage(c, protocol.NewLogID(logID))
	}
	if c.local() {
		s.eventLog.Accept(c.peer, logID, accept)
	}
	c.logger.Info("session accepted", "log_io", c.logIO, "log_id", logID)
	s.transition(c, stateRunning)
	return nil
}

func (s *Server) handleReject(c *Conn, reject *protocol.RejectMessage) error {
	if c.state != stateInitial {
		return unexpectedMessage("RejectMessage", c.state)
	}
	if reject.SubmitTime == nil || len(reject.InfoMessages) == 0 {
		return protocolErrorf("invalid RejectMessage")
	}
	if c.local() {
		s.eventLog.Reject(c.peer, reject)
	}
	c.logger.Info("session rejected", "reason", reject.Reason)
	s.transition(c, stateFinished)
	return nil
}

func (s *Server) handleExit(c *Conn, exit *protocol.ExitMessage) error {
	if c.state != stateRunning {
		return unexpectedMessage("ExitMessage", c.state)
	}
	if exit.RunTime == nil {
		return protocolErrorf("invalid ExitMessage")
	}
	stopReading(c.client)

	logID := ""
	if c.iolog != nil {
		logID = c.iolog.ID()
		if err := c.iolog.Exit(exit); err != nil {
			return fmt.Errorf("recording exit status: %w", err)
		}
	}
	if c.local() {
		s.eventLog.Exit(c.peer, logID, exit)
	}
	c.logger.Info("command exited", "exit_value", exit.ExitValue, "signal", exit.Signal)

	if c.logIO {
		s.transition(c, stateExited)
		// The final commit point tells the client everything it sent
		// is durable.
		s.commitNow(c)
		return nil
	}
	s.transition(c, stateFinished)
	return nil
}

func (s *Server) handleRestart(c *Conn, restart *protocol.RestartMessage) error {
	if c.state != stateInitial {
		return unexpectedMessage("RestartMessage", c.state)
	}
	if c.storeFirst {
		return protocolErrorf("restart is not supported in store-first mode")
	}
	if restart.LogID == "" || restart.ResumePoint == nil || !restart.ResumePoint.Valid() {
		return protocolErrorf("invalid RestartMessage")
	}

	if c.local() {
		log, err := iolog.Restart(s.cfg.Server.IOLog.Directory, restart.LogID, *restart.ResumePoint)
		if err != nil {
			c.logger.Warn("restart failed", "log_id", restart.LogID, "error", err)
			return protocolErrorf("unable to restart log %s", restart.LogID)
		}
		c.iolog = log
	}
	c.elapsed = *restart.ResumePoint
	c.logIO = true
	c.logger.Info("session restarted", "log_id", restart.LogID, "resume_point", c.elapsed)
	s.transition(c, stateRunning)
	return nil
}

func (s *Server) handleAlert(c *Conn, alert *protocol.AlertMessage) error {
	if alert.AlertTime == nil || alert.Reason == "" {
		return protocolErrorf("invalid AlertMessage")
	}
	if c.local() {
		s.eventLog.Alert(c.peer, alert)
	}
	c.logger.Info("alert", "reason", alert.Reason)
	return nil
}
