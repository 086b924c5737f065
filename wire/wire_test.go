// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"strings"
	"testing"

	"github.com/bureau-foundation/capwire/lib/codec"
)

func TestKindGroupAgreement(t *testing.T) {
	// Every defined kind must embed the group it is declared under,
	// and must carry a name. The dispatcher relies on the embedding
	// to detect corrupt envelopes.
	for kind, name := range kindNames {
		if !kind.Group().Valid() {
			t.Errorf("kind %s embeds invalid group %d", name, kind.Group())
		}
		if name == "" {
			t.Errorf("kind %v has an empty name", uint32(kind))
		}
	}

	if got := KindLoaderReadDone.Group(); got != GroupLoader {
		t.Errorf("KindLoaderReadDone.Group() = %v, want %v", got, GroupLoader)
	}
	if got := KindSupportsGroup.Group(); got != GroupControl {
		t.Errorf("KindSupportsGroup.Group() = %v, want %v", got, GroupControl)
	}
}

func TestKindNamesUnique(t *testing.T) {
	seen := make(map[string]Kind)
	for kind, name := range kindNames {
		if prior, ok := seen[name]; ok {
			t.Errorf("kinds %v and %v share the name %q", prior, kind, name)
		}
		seen[name] = kind
	}
}

func TestGroupValid(t *testing.T) {
	for g := GroupControl; g < groupCount; g++ {
		if !g.Valid() {
			t.Errorf("group %v should be valid", g)
		}
		if strings.HasPrefix(g.String(), "group(") {
			t.Errorf("group %d has no name", uint32(g))
		}
	}
	if Group(groupCount).Valid() {
		t.Error("groupCount should not be a valid group")
	}
	if Group(99).Valid() {
		t.Error("group 99 should not be valid")
	}
}

func TestResourceIDZero(t *testing.T) {
	var zero ResourceID
	if !zero.IsZero() {
		t.Error("zero value should report IsZero")
	}
	if (ResourceID{Instance: 1}).IsZero() {
		t.Error("identity with instance set should not report IsZero")
	}
	if (ResourceID{Resource: 7}).IsZero() {
		t.Error("identity with resource set should not report IsZero")
	}

	id := ResourceID{Instance: 3, Resource: 17}
	if got := id.String(); got != "3:17" {
		t.Errorf("String() = %q, want %q", got, "3:17")
	}
}

func TestResultString(t *testing.T) {
	cases := []struct {
		result Result
		want   string
	}{
		{ResultOK, "ok"},
		{ResultAborted, "aborted"},
		{ResultInProgress, "in-progress"},
		{Result(1024), "ok(1024 bytes)"},
		{Result(-100), "result(-100)"},
	}
	for _, c := range cases {
		if got := c.result.String(); got != c.want {
			t.Errorf("Result(%d).String() = %q, want %q", int32(c.result), got, c.want)
		}
	}
}

func TestNewAndDecodePayload(t *testing.T) {
	msg, err := New(GroupLoader, KindLoaderOpen, LoaderOpen{
		Resource: ResourceID{Instance: 1, Resource: 5},
		URL:      "https://example.test/body.bin",
		Method:   "GET",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if msg.Group != GroupLoader || msg.Kind != KindLoaderOpen {
		t.Fatalf("unexpected envelope %+v", msg)
	}

	decoded, err := DecodePayload[LoaderOpen](msg)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if decoded.URL != "https://example.test/body.bin" {
		t.Errorf("URL did not survive: %q", decoded.URL)
	}
	if decoded.Resource != (ResourceID{Instance: 1, Resource: 5}) {
		t.Errorf("resource did not survive: %v", decoded.Resource)
	}
}

func TestDecodePayloadWrongShape(t *testing.T) {
	msg, err := New(GroupCore, KindCoreAddRef, CoreAddRef{
		Resource: ResourceID{Instance: 1, Resource: 2},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Decoding into a struct with incompatible field types must
	// fail, not silently zero.
	type incompatible struct {
		Resource string `cbor:"resource"`
	}
	if _, err := DecodePayload[incompatible](msg); err == nil {
		t.Error("expected a decode error for an incompatible payload shape")
	}
}

func TestEnvelopeOmitsEmptyCorrelation(t *testing.T) {
	// Fire-and-forget messages carry no Seq, ReplyTo, Result, or
	// NumHandles; those fields must not inflate the frame.
	msg, err := New(GroupCore, KindCoreRelease, CoreRelease{
		Resource: ResourceID{Instance: 1, Resource: 2},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	bare, err := codec.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal bare: %v", err)
	}

	msg.Seq = 9
	msg.NumHandles = 2
	full, err := codec.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal full: %v", err)
	}

	if len(bare) >= len(full) {
		t.Errorf("omitempty not effective on envelope: bare=%d full=%d", len(bare), len(full))
	}

	var decoded Message
	if err := codec.Unmarshal(bare, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Seq != 0 || decoded.ReplyTo != 0 || decoded.NumHandles != 0 {
		t.Errorf("bare envelope decoded with correlation fields set: %+v", decoded)
	}
}
