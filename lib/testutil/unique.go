// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"sync/atomic"
)

var uniqueCounter atomic.Uint64

// UniqueID returns a string of the form "prefix-N" where N is a
// monotonically increasing integer. Use this instead of time.Now() when
// tests need unique identifiers for socket names, shared memory region
// names, or message bodies that must be distinguishable when tests run
// in parallel.
//
//	name := testutil.UniqueID("audio-region")  // "audio-region-1", ...
//	body := testutil.UniqueID("payload")       // "payload-2", ...
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, uniqueCounter.Add(1))
}
