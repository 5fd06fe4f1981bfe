// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package server

import "github.com/bureau-foundation/auditlog/protocol"

// armCommit starts c's commit timer unless one is already pending. The
// timer is edge-armed: I/O arriving while it is pending does not push
// the deadline out.
func (s *Server) armCommit(c *Conn) {
	if c.commitArmed || c.closed {
		return
	}
	c.commitArmed = true
	c.commitGeneration++
	generation := c.commitGeneration
	c.commitTimer = s.clock.AfterFunc(s.cfg.Server.CommitInterval, func() {
		s.post(commitEvent{conn: c, generation: generation})
	})
}

// stopCommitTimer cancels a pending commit. A timer that already fired
// is ignored by the generation check in onCommitTimer.
func (s *Server) stopCommitTimer(c *Conn) {
	if c.commitTimer != nil {
		c.commitTimer.Stop()
		c.commitTimer = nil
	}
	c.commitArmed = false
	c.commitGeneration++
}

// commitNow replaces any pending commit with one that runs after the
// current event.
func (s *Server) commitNow(c *Conn) {
	s.stopCommitTimer(c)
	s.later(func() { s.commit(c) })
}

func (s *Server) onCommitTimer(ev commitEvent) {
	c := ev.conn
	if !c.commitArmed || ev.generation != c.commitGeneration {
		return
	}
	c.commitArmed = false
	c.commitTimer = nil
	s.commit(c)
}

// commit makes everything received so far durable and reports it to
// the client. Nothing is reported until the flush succeeds.
func (s *Server) commit(c *Conn) {
	if c.closed || c.failed {
		return
	}
	if c.relay != nil {
		// The upstream reports commit points for relayed sessions.
		c.logger.Debug("commit skipped for relayed session")
		return
	}

	elapsed := c.elapsed
	switch {
	case c.iolog != nil:
		committed, err := c.iolog.Flush()
		if err != nil {
			c.logger.Error("flushing I/O log", "error", err)
			s.scheduleError(c, "unable to write I/O log")
			return
		}
		elapsed = committed
	case c.journal != nil:
		if err := c.journal.Sync(); err != nil {
			c.logger.Error("syncing journal", "error", err)
			s.scheduleError(c, "unable to write journal")
			return
		}
	}

	c.logger.Debug("commit point", "elapsed", elapsed)
	s.sendServerMessage(c, protocol.NewCommitPoint(elapsed))
	if c.state == stateExited {
		s.transition(c, stateFinished)
		stopReading(c.client)
	}
	s.maybeClose(c)
}
