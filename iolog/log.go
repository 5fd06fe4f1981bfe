// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package iolog

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/auditlog/lib/codec"
	"github.com/bureau-foundation/auditlog/protocol"
)

const (
	infoFile   = "info"
	timingFile = "timing"
	indexFile  = "index"
)

// streamFiles maps I/O buffer message types to their file names.
var streamFiles = map[protocol.MessageType]string{
	protocol.TypeTtyIn:  "ttyin",
	protocol.TypeTtyOut: "ttyout",
	protocol.TypeStdin:  "stdin",
	protocol.TypeStdout: "stdout",
	protocol.TypeStderr: "stderr",
}

// dataFiles lists every block file, in a fixed order.
var dataFiles = []string{"ttyin", "ttyout", "stdin", "stdout", "stderr", timingFile}

// StreamName returns the file name for an I/O buffer message type.
func StreamName(t protocol.MessageType) (string, bool) {
	name, ok := streamFiles[t]
	return name, ok
}

// ErrInvalidResumePoint is returned by Restart when the resume point
// does not match a commit recorded in the index.
var ErrInvalidResumePoint = errors.New("invalid resume point")

// Info is the session description stored in the info file.
type Info struct {
	SubmitTime   protocol.TimeSpec      `cbor:"submit_time"`
	InfoMessages []protocol.InfoMessage `cbor:"info_msgs"`
	Compression  string                 `cbor:"compression"`
	Exit         *protocol.ExitMessage  `cbor:"exit,omitempty"`
}

// TimingEvent is one entry of the timing file.
type TimingEvent struct {
	Type   protocol.MessageType `cbor:"type"`
	Delay  protocol.TimeSpec    `cbor:"delay"`
	Length int                  `cbor:"len,omitempty"`
	Rows   int32                `cbor:"rows,omitempty"`
	Cols   int32                `cbor:"cols,omitempty"`
	Signal string               `cbor:"signal,omitempty"`
}

// IndexEntry records the state after one flush.
type IndexEntry struct {
	Elapsed protocol.TimeSpec `cbor:"elapsed"`
	Sizes   map[string]int64  `cbor:"sizes"`
}

// Log is an open session I/O log. It is not safe for concurrent use.
type Log struct {
	id          string
	directory   string
	compression Compression
	info        Info

	files   map[string]*os.File
	sizes   map[string]int64
	pending map[string]*bytes.Buffer
	index   *os.File

	elapsed   protocol.TimeSpec
	committed protocol.TimeSpec
	closed    bool
}

// Create starts a new session log under root with a fresh log ID.
func Create(root string, compression Compression, accept *protocol.AcceptMessage) (*Log, error) {
	var directory, id string
	for attempt := 0; ; attempt++ {
		var raw [6]byte
		if _, err := rand.Read(raw[:]); err != nil {
			return nil, fmt.Errorf("generating log id: %w", err)
		}
		id = hex.EncodeToString(raw[:])
		directory = filepath.Join(root, id)
		err := os.Mkdir(directory, 0750)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrExist) || attempt == 3 {
			return nil, fmt.Errorf("creating I/O log directory: %w", err)
		}
	}

	log := &Log{
		id:          id,
		directory:   directory,
		compression: compression,
		info: Info{
			InfoMessages: accept.InfoMessages,
			Compression:  compression.String(),
		},
	}
	if accept.SubmitTime != nil {
		log.info.SubmitTime = *accept.SubmitTime
	}
	if err := log.writeInfo(); err != nil {
		os.RemoveAll(directory)
		return nil, err
	}
	if err := log.openFiles(); err != nil {
		log.Close()
		os.RemoveAll(directory)
		return nil, err
	}
	return log, nil
}

// Restart reopens an existing session log at resume, discarding
// anything written after the matching commit.
func Restart(root, id string, resume protocol.TimeSpec) (*Log, error) {
	if id == "" || id != filepath.Base(id) || id == "." || id == ".." {
		return nil, fmt.Errorf("invalid log id %q", id)
	}
	directory := filepath.Join(root, id)
	info, err := readInfo(directory)
	if err != nil {
		return nil, err
	}
	compression, err := ParseCompression(info.Compression)
	if err != nil {
		return nil, err
	}
	entries, offsets, err := readIndex(directory)
	if err != nil {
		return nil, err
	}

	sizes := make(map[string]int64, len(dataFiles))
	var indexSize int64
	found := resume == (protocol.TimeSpec{})
	for i, entry := range entries {
		if entry.Elapsed == resume {
			sizes = entry.Sizes
			indexSize = offsets[i]
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrInvalidResumePoint, resume)
	}

	log := &Log{
		id:          id,
		directory:   directory,
		compression: compression,
		info:        info,
		elapsed:     resume,
		committed:   resume,
	}
	if err := log.openFiles(); err != nil {
		log.Close()
		return nil, err
	}
	for _, name := range dataFiles {
		if err := log.files[name].Truncate(sizes[name]); err != nil {
			log.Close()
			return nil, fmt.Errorf("truncating %s: %w", name, err)
		}
		log.sizes[name] = sizes[name]
	}
	if err := log.index.Truncate(indexSize); err != nil {
		log.Close()
		return nil, fmt.Errorf("truncating index: %w", err)
	}
	return log, nil
}

func (l *Log) openFiles() error {
	l.files = make(map[string]*os.File, len(dataFiles))
	l.sizes = make(map[string]int64, len(dataFiles))
	l.pending = make(map[string]*bytes.Buffer, len(dataFiles))
	for _, name := range dataFiles {
		file, err := os.OpenFile(filepath.Join(l.directory, name), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0640)
		if err != nil {
			return fmt.Errorf("opening %s: %w", name, err)
		}
		l.files[name] = file
		info, err := file.Stat()
		if err != nil {
			return fmt.Errorf("stat %s: %w", name, err)
		}
		l.sizes[name] = info.Size()
		l.pending[name] = new(bytes.Buffer)
	}
	index, err := os.OpenFile(filepath.Join(l.directory, indexFile), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0640)
	if err != nil {
		return fmt.Errorf("opening index: %w", err)
	}
	l.index = index
	return nil
}

// ID returns the log ID, which is also the directory name.
func (l *Log) ID() string { return l.id }

// Directory returns the session directory.
func (l *Log) Directory() string { return l.directory }

// Elapsed returns the session time of the newest buffered event.
func (l *Log) Elapsed() protocol.TimeSpec { return l.elapsed }

// Committed returns the elapsed time of the newest flushed event.
func (l *Log) Committed() protocol.TimeSpec { return l.committed }

// WriteIO buffers a chunk of an I/O stream.
func (l *Log) WriteIO(t protocol.MessageType, delay protocol.TimeSpec, data []byte) error {
	name, ok := streamFiles[t]
	if !ok {
		return fmt.Errorf("%s is not an I/O stream", t)
	}
	if err := l.addTiming(TimingEvent{Type: t, Delay: delay, Length: len(data)}); err != nil {
		return err
	}
	l.pending[name].Write(data)
	return nil
}

// WindowSize buffers a terminal resize.
func (l *Log) WindowSize(delay protocol.TimeSpec, rows, cols int32) error {
	return l.addTiming(TimingEvent{Type: protocol.TypeWinsize, Delay: delay, Rows: rows, Cols: cols})
}

// Suspend buffers a suspend or resume event.
func (l *Log) Suspend(delay protocol.TimeSpec, signal string) error {
	return l.addTiming(TimingEvent{Type: protocol.TypeSuspend, Delay: delay, Signal: signal})
}

func (l *Log) addTiming(event TimingEvent) error {
	if l.closed {
		return errors.New("I/O log is closed")
	}
	encoded, err := codec.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding timing event: %w", err)
	}
	l.pending[timingFile].Write(encoded)
	l.elapsed = l.elapsed.Add(event.Delay)
	return nil
}

// Flush writes buffered events, syncs them, records an index entry, and
// returns the new commit point. With nothing buffered it returns the
// previous commit point without touching disk.
func (l *Log) Flush() (protocol.TimeSpec, error) {
	if l.closed {
		return l.committed, errors.New("I/O log is closed")
	}
	if l.pending[timingFile].Len() == 0 {
		return l.committed, nil
	}

	for _, name := range dataFiles {
		pending := l.pending[name]
		if pending.Len() == 0 {
			continue
		}
		block := appendBlock(nil, pending.Bytes(), l.compression)
		if _, err := l.files[name].Write(block); err != nil {
			return l.committed, fmt.Errorf("writing %s: %w", name, err)
		}
		if err := unix.Fdatasync(int(l.files[name].Fd())); err != nil {
			return l.committed, fmt.Errorf("syncing %s: %w", name, err)
		}
		l.sizes[name] += int64(len(block))
		pending.Reset()
	}

	entry := IndexEntry{Elapsed: l.elapsed, Sizes: make(map[string]int64, len(l.sizes))}
	for name, size := range l.sizes {
		entry.Sizes[name] = size
	}
	encoded, err := codec.Marshal(entry)
	if err != nil {
		return l.committed, fmt.Errorf("encoding index entry: %w", err)
	}
	if _, err := l.index.Write(encoded); err != nil {
		return l.committed, fmt.Errorf("writing index: %w", err)
	}
	if err := unix.Fdatasync(int(l.index.Fd())); err != nil {
		return l.committed, fmt.Errorf("syncing index: %w", err)
	}
	l.committed = l.elapsed
	return l.committed, nil
}

// Exit records the command's exit status in the info file.
func (l *Log) Exit(exit *protocol.ExitMessage) error {
	l.info.Exit = exit
	return l.writeInfo()
}

// Close flushes nothing; call Flush first to keep buffered events.
func (l *Log) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	var errs []error
	for _, file := range l.files {
		if err := file.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if l.index != nil {
		if err := l.index.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// writeInfo replaces the info file atomically.
func (l *Log) writeInfo() error {
	data, err := codec.Marshal(l.info)
	if err != nil {
		return fmt.Errorf("encoding info: %w", err)
	}
	path := filepath.Join(l.directory, infoFile)
	temporaryPath := path + ".tmp"
	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0640)
	if err != nil {
		return fmt.Errorf("creating info file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing info file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing info file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing info file: %w", err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming info file into place: %w", err)
	}
	return nil
}

func readInfo(directory string) (Info, error) {
	var info Info
	data, err := os.ReadFile(filepath.Join(directory, infoFile))
	if err != nil {
		return info, fmt.Errorf("reading I/O log info: %w", err)
	}
	if err := codec.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("decoding I/O log info: %w", err)
	}
	return info, nil
}

// readIndex returns the index entries and, for each, the index file
// size just after it.
func readIndex(directory string) ([]IndexEntry, []int64, error) {
	data, err := os.ReadFile(filepath.Join(directory, indexFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("reading I/O log index: %w", err)
	}
	var entries []IndexEntry
	var offsets []int64
	total := int64(len(data))
	for len(data) > 0 {
		var entry IndexEntry
		rest, err := codec.UnmarshalFirst(data, &entry)
		if err != nil {
			// A torn final entry from a crash mid-write is ignored;
			// the entries before it are intact.
			break
		}
		data = rest
		entries = append(entries, entry)
		offsets = append(offsets, total-int64(len(data)))
	}
	return entries, offsets, nil
}
