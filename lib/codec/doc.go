// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides capwire's standard CBOR encoding configuration.
//
// Everything that crosses the plugin/host channel is CBOR: the message
// envelope, every capability payload, and every reply. This package
// provides the shared encoding and decoding modes so that both peers
// encode identically without duplicating configuration. The encoder
// uses Core Deterministic Encoding (RFC 8949 §4.2): sorted map keys,
// smallest integer encoding, no indefinite-length items. Same logical
// data always produces identical bytes.
//
// The only non-CBOR serialization in the module is the capability
// policy file (lib/policy), which is authored JSONC and never touches
// the wire.
//
// For buffer-oriented operations (payload bodies inside an envelope):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (reading envelopes off a connection):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// Wire types carry `cbor` struct tags exclusively: they are never
// marshaled to JSON, and the tag documents that contract. Policy and
// config types carry `json` or `yaml` tags and never pass through this
// package.
package codec
