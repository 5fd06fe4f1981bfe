// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"strconv"
	"sync/atomic"
)

var sequence atomic.Uint64

// UniqueID returns prefix followed by a process-wide sequence number,
// so parallel tests get distinct server IDs, log IDs and pipe
// addresses without consulting the clock.
//
//	testutil.UniqueID("auditlogd") // "auditlogd-1"
func UniqueID(prefix string) string {
	return prefix + "-" + strconv.FormatUint(sequence.Add(1), 10)
}
