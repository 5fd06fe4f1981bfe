// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"time"

	"github.com/bureau-foundation/auditlog/lib/clock"
)

// relayQueue holds journal replays waiting to retry. Each entry leaves
// the queue exactly once, when its connection is handed back to
// connectRelay.
type relayQueue struct {
	entries []queueEntry
	timer   *clock.Timer

	// generation invalidates timer events and deferred scans that were
	// scheduled before the queue last changed.
	generation uint64
}

type queueEntry struct {
	conn *Conn
	due  time.Time
}

// retryDelay is the wait before the given retry attempt: the retry
// interval doubled per previous attempt, capped at the retry maximum.
func (s *Server) retryDelay(attempts int) time.Duration {
	delay := s.cfg.Relay.RetryInterval
	limit := s.cfg.Relay.RetryMax
	for i := 1; i < attempts && delay < limit; i++ {
		delay *= 2
	}
	return min(delay, limit)
}

func (s *Server) enqueueRelay(c *Conn, due time.Time) {
	s.relayQueue.entries = append(s.relayQueue.entries, queueEntry{conn: c, due: due})
	c.logger.Info("journal queued for relay", "due", due, "attempts", c.attempts)
	s.armQueue()
	if s.hooks.queued != nil {
		s.hooks.queued(c)
	}
}

// armQueue schedules a scan for the earliest due entry.
func (s *Server) armQueue() {
	q := &s.relayQueue
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.generation++
	if len(q.entries) == 0 || s.shuttingDown {
		return
	}

	earliest := q.entries[0].due
	for _, entry := range q.entries[1:] {
		if entry.due.Before(earliest) {
			earliest = entry.due
		}
	}
	generation := q.generation
	wait := earliest.Sub(s.clock.Now())
	if wait <= 0 {
		s.later(func() {
			if q.generation == generation {
				s.scanQueue()
			}
		})
		return
	}
	q.timer = s.clock.AfterFunc(wait, func() {
		s.post(queueEvent{generation: generation})
	})
}

func (s *Server) onQueueTimer(ev queueEvent) {
	if ev.generation != s.relayQueue.generation {
		return
	}
	s.relayQueue.timer = nil
	s.scanQueue()
}

// scanQueue restarts every entry that is due.
func (s *Server) scanQueue() {
	if s.shuttingDown {
		return
	}
	now := s.clock.Now()
	var ready []*Conn
	var waiting []queueEntry
	for _, entry := range s.relayQueue.entries {
		if entry.due.After(now) {
			waiting = append(waiting, entry)
		} else {
			ready = append(ready, entry.conn)
		}
	}
	s.relayQueue.entries = waiting

	for _, c := range ready {
		c.logger.Info("retrying journal relay", "attempts", c.attempts)
		s.transition(c, stateConnecting)
		s.conns[c] = struct{}{}
		s.connectRelay(c)
	}
	s.armQueue()
}

func (s *Server) stopQueue() {
	q := &s.relayQueue
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.generation++
}

// requeueOutgoing picks up journals sealed by a previous run. Finished
// sessions a previous run failed to seal are sealed first; unfinished
// ones are deleted.
func (s *Server) requeueOutgoing() {
	sealed, discarded, err := s.journals.RecoverIncoming(s.cfg.Server.MaxMessageSize)
	if err != nil {
		s.logger.Error("recovering incoming journals", "error", err)
	}
	if sealed > 0 {
		s.logger.Info("sealed finished journals from previous run", "count", sealed)
	}
	if discarded > 0 {
		s.logger.Warn("discarded unfinished journals", "count", discarded)
	}

	paths, err := s.journals.Outgoing()
	if err != nil {
		s.logger.Error("listing outgoing journals", "error", err)
		return
	}
	now := s.clock.Now()
	for _, path := range paths {
		s.enqueueRelay(s.newJournalConn(path), now)
	}
	if len(paths) > 0 {
		s.logger.Info("requeued journals from previous run", "count", len(paths))
	}
}
