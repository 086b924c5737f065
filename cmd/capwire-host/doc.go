// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Capwire-host is a demonstration capability host. It listens on a
// Unix socket, serves one plugin connection at a time, and backs the
// capability groups with local demo implementations: a file chooser
// over a directory listing, a quota-checked file system, a logging
// paint surface, anonymous shared-memory buffers, a URL loader serving
// files from a document root, and a tone-generating audio stream. A
// JSONC capability policy can restrict which groups a connecting
// plugin may use.
package main
