// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bufpool

import (
	"errors"
	"fmt"
	"math/bits"
)

// MaxBufferSize is the largest backing array a Pool will allocate.
const MaxBufferSize = 1 << 30

// ErrAllocation is returned when a buffer cannot be grown to the
// requested size.
var ErrAllocation = errors.New("bufpool: buffer allocation failed")

// Buffer is a growable byte array. Bytes in [Offset, Length) are the
// unconsumed data.
type Buffer struct {
	data   []byte
	Offset int
	Length int
	pooled bool
}

// Cap returns the size of the backing array.
func (b *Buffer) Cap() int { return len(b.data) }

// Bytes returns the unconsumed bytes. The slice aliases the buffer.
func (b *Buffer) Bytes() []byte { return b.data[b.Offset:b.Length] }

// Available returns the writable tail of the backing array.
func (b *Buffer) Available() []byte { return b.data[b.Length:] }

// Append copies p after the current data. The caller must have
// acquired the buffer with enough room.
func (b *Buffer) Append(p []byte) {
	if b.Length+len(p) > len(b.data) {
		panic(fmt.Sprintf("bufpool: append of %d bytes overflows buffer (length %d, cap %d)", len(p), b.Length, len(b.data)))
	}
	b.Length += copy(b.data[b.Length:], p)
}

// Consume marks n bytes as sent or processed.
func (b *Buffer) Consume(n int) {
	if n < 0 || b.Offset+n > b.Length {
		panic(fmt.Sprintf("bufpool: consume %d exceeds %d unconsumed bytes", n, b.Length-b.Offset))
	}
	b.Offset += n
}

// Drained reports whether every byte has been consumed.
func (b *Buffer) Drained() bool { return b.Offset == b.Length }

// Pool is a free list of Buffers.
type Pool struct {
	free []*Buffer
}

// Acquire returns a buffer whose capacity is at least minSize, reusing
// one from the free list when available.
func (p *Pool) Acquire(minSize int) (*Buffer, error) {
	if minSize < 0 || minSize > MaxBufferSize {
		return nil, fmt.Errorf("%w: %d bytes requested", ErrAllocation, minSize)
	}

	var buffer *Buffer
	if n := len(p.free); n > 0 {
		buffer = p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
	} else {
		buffer = &Buffer{}
	}
	buffer.pooled = false

	if len(buffer.data) < minSize {
		buffer.data = make([]byte, nextPowerOfTwo(minSize))
	}
	return buffer, nil
}

// Release resets the cursors and returns the buffer to the free list.
// Releasing a buffer twice panics: it would then be handed out to two
// owners.
func (p *Pool) Release(buffer *Buffer) {
	if buffer.pooled {
		panic("bufpool: buffer released twice")
	}
	buffer.Offset = 0
	buffer.Length = 0
	buffer.pooled = true
	p.free = append(p.free, buffer)
}

// FreeLen returns the number of buffers on the free list.
func (p *Pool) FreeLen() int { return len(p.free) }

// Reset drops every free buffer.
func (p *Pool) Reset() {
	clear(p.free)
	p.free = p.free[:0]
}

func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}
