// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"fmt"
	"time"
)

// TimeSpec is a seconds/nanoseconds pair. It is used both for wall
// clock timestamps (submit time, alert time) and for elapsed session
// time (event delays, commit points, resume points).
type TimeSpec struct {
	Seconds     int64 `cbor:"tv_sec"`
	Nanoseconds int32 `cbor:"tv_nsec"`
}

// NewTimeSpec converts a duration.
func NewTimeSpec(d time.Duration) TimeSpec {
	return TimeSpec{
		Seconds:     int64(d / time.Second),
		Nanoseconds: int32(d % time.Second),
	}
}

// TimeSpecFromTime converts a wall clock time.
func TimeSpecFromTime(t time.Time) TimeSpec {
	return TimeSpec{Seconds: t.Unix(), Nanoseconds: int32(t.Nanosecond())}
}

// Duration converts an elapsed TimeSpec to a time.Duration.
func (ts TimeSpec) Duration() time.Duration {
	return time.Duration(ts.Seconds)*time.Second + time.Duration(ts.Nanoseconds)
}

// Time converts a wall clock TimeSpec.
func (ts TimeSpec) Time() time.Time {
	return time.Unix(ts.Seconds, int64(ts.Nanoseconds))
}

// Add returns ts+other, normalizing nanoseconds.
func (ts TimeSpec) Add(other TimeSpec) TimeSpec {
	sum := TimeSpec{
		Seconds:     ts.Seconds + other.Seconds,
		Nanoseconds: ts.Nanoseconds + other.Nanoseconds,
	}
	if sum.Nanoseconds >= 1e9 {
		sum.Seconds++
		sum.Nanoseconds -= 1e9
	}
	return sum
}

// Compare returns -1, 0 or +1.
func (ts TimeSpec) Compare(other TimeSpec) int {
	switch {
	case ts.Seconds < other.Seconds:
		return -1
	case ts.Seconds > other.Seconds:
		return 1
	case ts.Nanoseconds < other.Nanoseconds:
		return -1
	case ts.Nanoseconds > other.Nanoseconds:
		return 1
	}
	return 0
}

// Valid reports whether the nanosecond field is in range and the value
// is not negative.
func (ts TimeSpec) Valid() bool {
	return ts.Seconds >= 0 && ts.Nanoseconds >= 0 && ts.Nanoseconds < 1e9
}

func (ts TimeSpec) String() string {
	return fmt.Sprintf("%d.%09d", ts.Seconds, ts.Nanoseconds)
}
