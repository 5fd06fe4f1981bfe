// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

type sampleRecord struct {
	Key    string `cbor:"key"`
	Number int64  `cbor:"num,omitempty"`
	Data   []byte `cbor:"data,omitempty"`
}

func TestMarshalUnmarshalRoundtrip(t *testing.T) {
	original := sampleRecord{Key: "command", Number: 42, Data: []byte{0, 1, 2}}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded sampleRecord
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Key != original.Key || decoded.Number != original.Number || !bytes.Equal(decoded.Data, original.Data) {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestMarshalDeterministic(t *testing.T) {
	value := map[string]int{"zeta": 1, "alpha": 2, "mid": 3}

	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("first Marshal: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := Marshal(value)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("deterministic encoding violated: %x != %x", first, again)
		}
	}
}

func TestUnmarshalRejectsDuplicateKeys(t *testing.T) {
	// {"key": "a", "key": "b"} written by hand: map(2), text(3) "key",
	// text(1) "a", text(3) "key", text(1) "b".
	data := []byte{0xa2, 0x63, 'k', 'e', 'y', 0x61, 'a', 0x63, 'k', 'e', 'y', 0x61, 'b'}

	var decoded sampleRecord
	if err := Unmarshal(data, &decoded); err == nil {
		t.Fatal("expected duplicate key error")
	}
}

func TestUnmarshalRejectsTrailingBytes(t *testing.T) {
	data, err := Marshal(sampleRecord{Key: "x"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	data = append(data, 0x00)

	var decoded sampleRecord
	if err := Unmarshal(data, &decoded); err == nil {
		t.Fatal("expected error for trailing bytes")
	}
}

func TestEncoderDecoderStream(t *testing.T) {
	records := []sampleRecord{{Key: "a", Number: 1}, {Key: "b", Number: 2}, {Key: "c"}}

	var buffer bytes.Buffer
	encoder := NewEncoder(&buffer)
	for _, record := range records {
		if err := encoder.Encode(record); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}

	decoder := NewDecoder(&buffer)
	for i, want := range records {
		var got sampleRecord
		if err := decoder.Decode(&got); err != nil {
			t.Fatalf("Decode record %d: %v", i, err)
		}
		if got.Key != want.Key || got.Number != want.Number {
			t.Errorf("record %d: got %+v, want %+v", i, got, want)
		}
	}

	var extra sampleRecord
	if err := decoder.Decode(&extra); !errors.Is(err, io.EOF) {
		t.Fatalf("Decode past end: got %v, want io.EOF", err)
	}
}

func TestUnmarshalFirstReturnsRemainder(t *testing.T) {
	first, _ := Marshal(sampleRecord{Key: "first"})
	second, _ := Marshal(sampleRecord{Key: "second"})
	data := append(append([]byte{}, first...), second...)

	var decoded sampleRecord
	rest, err := UnmarshalFirst(data, &decoded)
	if err != nil {
		t.Fatalf("UnmarshalFirst: %v", err)
	}
	if decoded.Key != "first" {
		t.Errorf("decoded key %q, want first", decoded.Key)
	}
	if !bytes.Equal(rest, second) {
		t.Errorf("remainder %x, want %x", rest, second)
	}
}
