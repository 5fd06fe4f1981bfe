// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/bureau-foundation/auditlog/lib/bufpool"
)

// HeaderLength is the size of the frame length prefix.
const HeaderLength = 4

// DefaultMaxMessageSize is the payload limit used when the
// configuration does not set one.
const DefaultMaxMessageSize = 2 * 1024 * 1024

// ErrFrameTooLarge is wrapped by errors for frames whose declared
// length exceeds the receiver's limit.
var ErrFrameTooLarge = errors.New("frame exceeds maximum message size")

// FrameTooLargeError reports an oversized length prefix. Only the
// prefix has been consumed from the stream when it is returned.
type FrameTooLargeError struct {
	Size uint32
	Max  uint32
}

func (e *FrameTooLargeError) Error() string {
	return fmt.Sprintf("frame length %d exceeds maximum %d", e.Size, e.Max)
}

func (e *FrameTooLargeError) Unwrap() error { return ErrFrameTooLarge }

// FrameLength decodes a length prefix and checks it against max.
func FrameLength(header []byte, max uint32) (uint32, error) {
	if len(header) < HeaderLength {
		return 0, fmt.Errorf("short frame header: %d bytes", len(header))
	}
	length := binary.BigEndian.Uint32(header[:HeaderLength])
	if length > max {
		return 0, &FrameTooLargeError{Size: length, Max: max}
	}
	return length, nil
}

// WriteFrame writes payload to w as one frame.
func WriteFrame(w io.Writer, payload []byte) error {
	var header [HeaderLength]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}
	return nil
}

// PutFrame appends payload as one frame to a buffer from pool, sized
// to fit, and returns it.
func PutFrame(pool *bufpool.Pool, payload []byte) (*bufpool.Buffer, error) {
	buffer, err := pool.Acquire(HeaderLength + len(payload))
	if err != nil {
		return nil, err
	}
	var header [HeaderLength]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	buffer.Append(header[:])
	buffer.Append(payload)
	return buffer, nil
}

// FrameReader reads frames from a stream into one reusable buffer.
// Not safe for concurrent use.
type FrameReader struct {
	reader  io.Reader
	maxSize uint32
	pool    bufpool.Pool
	buffer  *bufpool.Buffer
}

// NewFrameReader returns a FrameReader enforcing maxSize on payloads.
func NewFrameReader(r io.Reader, maxSize uint32) *FrameReader {
	return &FrameReader{reader: r, maxSize: maxSize}
}

// Next reads one frame and returns its payload. The returned slice is
// only valid until the following call to Next.
//
// A clean end of stream before any header byte returns io.EOF; a
// stream ending inside a frame returns io.ErrUnexpectedEOF.
func (fr *FrameReader) Next() ([]byte, error) {
	var header [HeaderLength]byte
	if _, err := io.ReadFull(fr.reader, header[:]); err != nil {
		return nil, err
	}
	length, err := FrameLength(header[:], fr.maxSize)
	if err != nil {
		return nil, err
	}

	if fr.buffer == nil || fr.buffer.Cap() < int(length) {
		if fr.buffer != nil {
			fr.pool.Release(fr.buffer)
		}
		fr.buffer, err = fr.pool.Acquire(int(length))
		if err != nil {
			return nil, err
		}
	}
	fr.buffer.Offset = 0
	fr.buffer.Length = 0

	payload := fr.buffer.Available()[:length]
	if _, err := io.ReadFull(fr.reader, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	fr.buffer.Length = int(length)
	return fr.buffer.Bytes(), nil
}
