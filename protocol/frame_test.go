// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/bureau-foundation/auditlog/lib/bufpool"
)

// countingReader records how many bytes have been read through it.
type countingReader struct {
	reader io.Reader
	count  int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.reader.Read(p)
	c.count += n
	return n, err
}

func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()
	const max = 1024
	sizes := []int{0, 1, 3, 4, 5, 100, max - 1, max}

	var stream bytes.Buffer
	var payloads [][]byte
	for _, size := range sizes {
		payload := make([]byte, size)
		for i := range payload {
			payload[i] = byte(i*7 + size)
		}
		payloads = append(payloads, payload)
		if err := WriteFrame(&stream, payload); err != nil {
			t.Fatalf("WriteFrame(%d bytes): %v", size, err)
		}
	}

	reader := NewFrameReader(&stream, max)
	for i, want := range payloads {
		got, err := reader.Next()
		if err != nil {
			t.Fatalf("frame %d: Next: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("frame %d: payload mismatch (%d bytes vs %d)", i, len(got), len(want))
		}
	}
	if _, err := reader.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("Next at end of stream: got %v, want io.EOF", err)
	}
}

func TestFrameTooLargeConsumesOnlyPrefix(t *testing.T) {
	t.Parallel()
	const max = 64
	var stream bytes.Buffer
	var header [HeaderLength]byte
	binary.BigEndian.PutUint32(header[:], max+1)
	stream.Write(header[:])
	stream.Write(bytes.Repeat([]byte{0xaa}, max+1))

	counter := &countingReader{reader: &stream}
	reader := NewFrameReader(counter, max)

	_, err := reader.Next()
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("Next: got %v, want ErrFrameTooLarge", err)
	}
	var tooLarge *FrameTooLargeError
	if !errors.As(err, &tooLarge) || tooLarge.Size != max+1 || tooLarge.Max != max {
		t.Fatalf("error detail = %+v", tooLarge)
	}
	if counter.count != HeaderLength {
		t.Fatalf("consumed %d bytes, want %d", counter.count, HeaderLength)
	}
}

func TestFrameTruncatedPayload(t *testing.T) {
	t.Parallel()
	var stream bytes.Buffer
	var header [HeaderLength]byte
	binary.BigEndian.PutUint32(header[:], 10)
	stream.Write(header[:])
	stream.Write([]byte("short"))

	_, err := NewFrameReader(&stream, 100).Next()
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("Next: got %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestPutFrameMatchesWriteFrame(t *testing.T) {
	t.Parallel()
	payload := []byte("commit point payload")

	var pool bufpool.Pool
	buffer, err := PutFrame(&pool, payload)
	if err != nil {
		t.Fatalf("PutFrame: %v", err)
	}

	var written bytes.Buffer
	if err := WriteFrame(&written, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if !bytes.Equal(buffer.Bytes(), written.Bytes()) {
		t.Fatalf("PutFrame = %x, WriteFrame = %x", buffer.Bytes(), written.Bytes())
	}
}

func TestFrameLengthShortHeader(t *testing.T) {
	t.Parallel()
	if _, err := FrameLength([]byte{0, 0}, 10); err == nil {
		t.Fatal("expected error for a 2-byte header")
	}
}
