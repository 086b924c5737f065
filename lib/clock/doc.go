// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source for deadline
// waits.
//
// The dispatcher bounds every synchronous call with clock.After; code
// that waits on a deadline takes a Clock instead of calling the time
// package directly. Real() gives standard library behavior in
// production. Fake() gives tests a clock that advances only on
// demand, so a timeout path can be driven without sleeping:
//
//	c := clock.Fake(time.Unix(1000, 0))
//	d := dispatch.New(dispatch.Config{Clock: c, SyncTimeout: 5 * time.Second})
//	// ... issue a sync call that the peer never answers ...
//	c.WaitForTimers(1)
//	c.Advance(5 * time.Second)
//
// WaitForTimers closes the race between the caller arming its
// deadline and the test firing it: it blocks until the registration
// is visible, so Advance cannot run early and leave the test hanging
// on a timer that was armed a microsecond too late.
package clock
