// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package policy provides parsing and validation for host capability
// policies. A policy names the capability groups a plugin may use and
// the resource limits the host applies to them; hosts install it as
// the supports-group answer so a plugin can probe what it will get
// before committing to a capability.
//
// Policies are authored on disk as JSONC files (JSON extended with
// comments and trailing commas).
//
// The typical flow:
//
//  1. ReadFile or Parse: JSONC bytes → Policy
//  2. Validate: structural checks (known group names, no duplicates)
//  3. Allows: install as the host's supports-group hook
package policy

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"

	"github.com/bureau-foundation/capwire/wire"
)

// Policy is one host capability policy.
type Policy struct {
	// Allow lists the capability groups the plugin may use, by name:
	// "filechooser", "filesystem", "graphics", "buffer", "loader",
	// "audio". Groups not listed are denied. Core and the control
	// group are infrastructure and always available; they cannot be
	// named here.
	Allow []string `json:"allow"`

	// Limits bound what the allowed groups may consume.
	Limits Limits `json:"limits"`
}

// Limits are the resource bounds a policy imposes.
type Limits struct {
	// BufferBytes caps a single shared-buffer allocation. Zero means
	// no cap.
	BufferBytes uint32 `json:"buffer_bytes"`

	// FileSystemBytes caps the expected size a file system open may
	// declare. Zero means no cap.
	FileSystemBytes int64 `json:"filesystem_bytes"`
}

// groupsByName maps policy vocabulary to wire groups. Only capability
// groups are addressable; control, core, and testing are not policy
// decisions.
var groupsByName = map[string]wire.Group{
	"filechooser": wire.GroupFileChooser,
	"filesystem":  wire.GroupFileSystem,
	"graphics":    wire.GroupGraphics,
	"buffer":      wire.GroupBuffer,
	"loader":      wire.GroupLoader,
	"audio":       wire.GroupAudio,
}

// GroupNamed resolves a policy group name. The second return is false
// for names outside the policy vocabulary.
func GroupNamed(name string) (wire.Group, bool) {
	group, ok := groupsByName[name]
	return group, ok
}

// Parse strips JSONC comments and trailing commas from data, then
// unmarshals the result into a Policy.
func Parse(data []byte) (*Policy, error) {
	stripped := jsonc.ToJSON(data)

	var p Policy
	if err := json.Unmarshal(stripped, &p); err != nil {
		return nil, fmt.Errorf("parsing policy: %w", err)
	}

	return &p, nil
}

// ReadFile reads a JSONC policy file from disk and parses it.
func ReadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return p, nil
}

// AllowAll returns a policy admitting every capability group with no
// limits. For hosts that run without a policy file.
func AllowAll() *Policy {
	names := make([]string, 0, len(groupsByName))
	for name := range groupsByName {
		names = append(names, name)
	}
	return &Policy{Allow: names}
}

// Validate checks a Policy for structural issues. Returns a list of
// human-readable issue descriptions. An empty list means the policy
// is valid.
//
// Structural checks include:
//   - Every allowed group name must be in the policy vocabulary
//   - No group may be listed twice
func Validate(p *Policy) []string {
	var issues []string

	seen := make(map[string]int, len(p.Allow))
	for index, name := range p.Allow {
		prefix := fmt.Sprintf("allow[%d]", index)
		if _, ok := groupsByName[name]; !ok {
			issues = append(issues, fmt.Sprintf(
				"%s: unknown group %q (valid: filechooser, filesystem, graphics, buffer, loader, audio)",
				prefix, name,
			))
			continue
		}
		if firstIndex, exists := seen[name]; exists {
			issues = append(issues, fmt.Sprintf(
				"%s: duplicate group %q (first listed at allow[%d])",
				prefix, name, firstIndex,
			))
		} else {
			seen[name] = index
		}
	}

	return issues
}

// Allows reports whether the policy admits a capability group. Groups
// outside the policy vocabulary are denied. Install as the host's
// supports-group hook; the host still clamps the answer to the groups
// it has backends for.
func (p *Policy) Allows(group wire.Group) bool {
	for _, name := range p.Allow {
		if allowed, ok := groupsByName[name]; ok && allowed == group {
			return true
		}
	}
	return false
}
