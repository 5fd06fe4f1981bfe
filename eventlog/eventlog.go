// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventlog records session outcomes (accept, reject, alert,
// exit) as JSON lines, one object per event.
//
// The records use the same slog JSON handler as the daemon's
// diagnostic log, so each line has "time" and "msg" keys, where msg is
// the event kind, followed by the event's fields. Info records are
// nested under "info" keyed by their info key.
//
// A nil *Log discards every event, which is how a server without a
// configured event log path runs.
package eventlog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/bureau-foundation/auditlog/protocol"
)

// Log writes event records.
type Log struct {
	logger *slog.Logger
	closer io.Closer
}

// Open appends to the file at path, creating it if needed.
func Open(path string) (*Log, error) {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0640)
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	log := New(file)
	log.closer = file
	return log, nil
}

// New writes records to w.
func New(w io.Writer) *Log {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			// Every record is informational; the level adds nothing.
			if len(groups) == 0 && attr.Key == slog.LevelKey {
				return slog.Attr{}
			}
			return attr
		},
	})
	return &Log{logger: slog.New(handler)}
}

// Close closes the underlying file when Open created it.
func (l *Log) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// Accept records a command allowed by policy.
func (l *Log) Accept(peer, logID string, accept *protocol.AcceptMessage) {
	if l == nil {
		return
	}
	attrs := []slog.Attr{
		slog.String("peer", peer),
		timeAttr("submit_time", accept.SubmitTime),
		slog.Bool("io_logged", accept.ExpectIOBuffers),
	}
	if logID != "" {
		attrs = append(attrs, slog.String("log_id", logID))
	}
	attrs = append(attrs, infoAttr(accept.InfoMessages))
	l.record("accept", attrs)
}

// Reject records a command denied by policy.
func (l *Log) Reject(peer string, reject *protocol.RejectMessage) {
	if l == nil {
		return
	}
	l.record("reject", []slog.Attr{
		slog.String("peer", peer),
		timeAttr("submit_time", reject.SubmitTime),
		slog.String("reason", reject.Reason),
		infoAttr(reject.InfoMessages),
	})
}

// Alert records a policy alert.
func (l *Log) Alert(peer string, alert *protocol.AlertMessage) {
	if l == nil {
		return
	}
	l.record("alert", []slog.Attr{
		slog.String("peer", peer),
		timeAttr("alert_time", alert.AlertTime),
		slog.String("reason", alert.Reason),
		infoAttr(alert.InfoMessages),
	})
}

// Exit records how an accepted command finished.
func (l *Log) Exit(peer, logID string, exit *protocol.ExitMessage) {
	if l == nil {
		return
	}
	attrs := []slog.Attr{
		slog.String("peer", peer),
		timeAttr("run_time", exit.RunTime),
		slog.Int("exit_value", int(exit.ExitValue)),
	}
	if logID != "" {
		attrs = append(attrs, slog.String("log_id", logID))
	}
	if exit.Signal != "" {
		attrs = append(attrs, slog.String("signal", exit.Signal), slog.Bool("dumped_core", exit.CoreDumped))
	}
	if exit.Error != "" {
		attrs = append(attrs, slog.String("error", exit.Error))
	}
	l.record("exit", attrs)
}

func (l *Log) record(kind string, attrs []slog.Attr) {
	l.logger.LogAttrs(context.Background(), slog.LevelInfo, kind, attrs...)
}

func timeAttr(key string, ts *protocol.TimeSpec) slog.Attr {
	if ts == nil {
		return slog.Attr{}
	}
	return slog.String(key, ts.String())
}

func infoAttr(records []protocol.InfoMessage) slog.Attr {
	attrs := make([]any, 0, len(records))
	for _, record := range records {
		switch {
		case record.NumValue != nil:
			attrs = append(attrs, slog.Int64(record.Key, *record.NumValue))
		case record.StrValue != nil:
			attrs = append(attrs, slog.String(record.Key, *record.StrValue))
		default:
			attrs = append(attrs, slog.Any(record.Key, record.StrListVal))
		}
	}
	return slog.Group("info", attrs...)
}
