// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Capwire-plugin is a demonstration plugin client. It connects to a
// capwire host, probes which capability groups the host's policy
// allows, and walks each available group once: allocates a shared
// buffer and fills it, paints the buffer onto a 2D surface, fetches a
// document through the URL loader, shows a file chooser, opens a file
// system, and plays a short audio tone. When the host enables the
// testing group the walkthrough also verifies the shared buffer's
// content digest across the channel and checks that releasing every
// handle brings the host's live-resource count to zero.
//
// With --log-level debug the walkthrough doubles as a wire-protocol
// trace.
package main
