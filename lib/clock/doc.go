// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides the time source used by the collection
// server's event loop.
//
// The server never calls time.Now or time.AfterFunc directly. Commit
// timers, the relay queue re-arm timer, and the shutdown grace timer
// are all created through a [Clock], so tests can drive the whole
// state machine deterministically with [Fake]:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	srv := server.New(settings, server.WithClock(fake))
//	// ... drive a connection until a commit timer is armed ...
//	fake.WaitForTimers(1)
//	fake.Advance(10 * time.Second) // fires the commit timer
//
// AfterFunc callbacks on the fake clock run synchronously inside
// Advance, on the goroutine that called Advance. Server timer
// callbacks only post an event to the loop, so this never re-enters
// connection state.
package clock
