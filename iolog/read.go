// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package iolog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bureau-foundation/auditlog/lib/codec"
)

// Session is a fully decoded session log.
type Session struct {
	ID      string
	Info    Info
	Timing  []TimingEvent
	Streams map[string][]byte
	Index   []IndexEntry
}

// Read decodes the committed contents of the session log id under
// root.
func Read(root, id string) (*Session, error) {
	directory := filepath.Join(root, id)
	info, err := readInfo(directory)
	if err != nil {
		return nil, err
	}
	index, _, err := readIndex(directory)
	if err != nil {
		return nil, err
	}
	session := &Session{ID: id, Info: info, Index: index, Streams: make(map[string][]byte)}

	for _, name := range dataFiles {
		raw, err := os.ReadFile(filepath.Join(directory, name))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		data, err := decodeBlocks(raw)
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", name, err)
		}
		if name != timingFile {
			if len(data) > 0 {
				session.Streams[name] = data
			}
			continue
		}
		for len(data) > 0 {
			var event TimingEvent
			rest, err := codec.UnmarshalFirst(data, &event)
			if err != nil {
				return nil, fmt.Errorf("decoding timing event: %w", err)
			}
			session.Timing = append(session.Timing, event)
			data = rest
		}
	}
	return session, nil
}
