// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package iolog

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies the block compression algorithm. Values are
// stored in block headers.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// ParseCompression parses a configuration name.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown I/O log compression %q", name)
	}
}

// blockHeaderLength is tag(1) + uncompressed length(4) + stored length(4).
const blockHeaderLength = 9

// maxBlockSize bounds a single block's uncompressed length on read.
const maxBlockSize = 1 << 30

var errIncompressible = errors.New("data is incompressible")

// zstd.Encoder and zstd.Decoder are safe for concurrent use with
// EncodeAll/DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("iolog: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxBlockSize))
	if err != nil {
		panic("iolog: zstd decoder initialization failed: " + err.Error())
	}
}

// appendBlock appends data to destination as one block.
func appendBlock(destination, data []byte, compression Compression) []byte {
	tag := compression
	stored := data
	if compression != CompressionNone && len(data) > 0 {
		compressed, err := compress(data, compression)
		if err != nil {
			tag = CompressionNone
		} else {
			stored = compressed
		}
	} else {
		tag = CompressionNone
	}

	var header [blockHeaderLength]byte
	header[0] = byte(tag)
	binary.BigEndian.PutUint32(header[1:5], uint32(len(data)))
	binary.BigEndian.PutUint32(header[5:9], uint32(len(stored)))
	destination = append(destination, header[:]...)
	return append(destination, stored...)
}

// decodeBlocks decodes a file of consecutive blocks into the
// concatenation of their contents.
func decodeBlocks(file []byte) ([]byte, error) {
	var out []byte
	for len(file) > 0 {
		if len(file) < blockHeaderLength {
			return nil, fmt.Errorf("truncated block header: %d bytes", len(file))
		}
		tag := Compression(file[0])
		uncompressed := binary.BigEndian.Uint32(file[1:5])
		stored := binary.BigEndian.Uint32(file[5:9])
		file = file[blockHeaderLength:]
		if uncompressed > maxBlockSize || uint64(stored) > uint64(len(file)) {
			return nil, fmt.Errorf("block lengths out of range: uncompressed %d, stored %d, remaining %d",
				uncompressed, stored, len(file))
		}
		data, err := decompress(file[:stored], tag, int(uncompressed))
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
		file = file[stored:]
	}
	return out, nil
}

func compress(data []byte, compression Compression) ([]byte, error) {
	switch compression {
	case CompressionLZ4:
		destination := make([]byte, lz4.CompressBlockBound(len(data)))
		written, err := lz4.CompressBlock(data, destination, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		// CompressBlock returns 0 for incompressible input.
		if written == 0 || written >= len(data) {
			return nil, errIncompressible
		}
		return destination[:written], nil
	case CompressionZstd:
		compressed := zstdEncoder.EncodeAll(data, nil)
		if len(compressed) >= len(data) {
			return nil, errIncompressible
		}
		return compressed, nil
	default:
		return nil, fmt.Errorf("unsupported compression: %s", compression)
	}
}

func decompress(stored []byte, tag Compression, uncompressedSize int) ([]byte, error) {
	switch tag {
	case CompressionNone:
		if len(stored) != uncompressedSize {
			return nil, fmt.Errorf("uncompressed block: size %d does not match expected %d", len(stored), uncompressedSize)
		}
		return stored, nil
	case CompressionLZ4:
		destination := make([]byte, uncompressedSize)
		read, err := lz4.UncompressBlock(stored, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != uncompressedSize {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, uncompressedSize)
		}
		return destination, nil
	case CompressionZstd:
		destination, err := zstdDecoder.DecodeAll(stored, make([]byte, 0, uncompressedSize))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(destination) != uncompressedSize {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(destination), uncompressedSize)
		}
		return destination, nil
	default:
		return nil, fmt.Errorf("unknown block compression tag %d", tag)
	}
}
