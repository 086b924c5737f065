// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bureau-foundation/capwire/wire"
)

func TestParse(t *testing.T) {
	t.Parallel()

	data := []byte(`{
		// Graphics plugin: paint and present, nothing else.
		"allow": [
			"graphics",
			"buffer", // backing stores for paint
		],
		"limits": {
			"buffer_bytes": 4194304,
		},
	}`)

	p, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if len(p.Allow) != 2 {
		t.Fatalf("got %d allowed groups, want 2: %v", len(p.Allow), p.Allow)
	}
	if p.Allow[0] != "graphics" || p.Allow[1] != "buffer" {
		t.Errorf("allow list = %v, want [graphics buffer]", p.Allow)
	}
	if p.Limits.BufferBytes != 4194304 {
		t.Errorf("buffer_bytes = %d, want 4194304", p.Limits.BufferBytes)
	}
	if issues := Validate(p); len(issues) != 0 {
		t.Errorf("unexpected issues: %s", strings.Join(issues, "\n"))
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	t.Parallel()

	if _, err := Parse([]byte(`{"allow": "graphics"}`)); err == nil {
		t.Fatal("expected error for allow as a string, got nil")
	}
}

func TestReadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "policy.jsonc")
	content := []byte(`{
		"allow": ["loader"], // network fetch only
	}`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("writing policy file: %v", err)
	}

	p, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(p.Allow) != 1 || p.Allow[0] != "loader" {
		t.Errorf("allow list = %v, want [loader]", p.Allow)
	}

	if _, err := ReadFile(filepath.Join(t.TempDir(), "absent.jsonc")); err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		policy         *Policy
		expectedIssues int
		wantSubstrings []string
	}{
		{
			name:           "empty policy denies everything",
			policy:         &Policy{},
			expectedIssues: 0,
		},
		{
			name: "all capability groups",
			policy: &Policy{
				Allow: []string{"filechooser", "filesystem", "graphics", "buffer", "loader", "audio"},
			},
			expectedIssues: 0,
		},
		{
			name: "unknown group name",
			policy: &Policy{
				Allow: []string{"graphics", "gamepad"},
			},
			expectedIssues: 1,
			wantSubstrings: []string{`allow[1]`, `unknown group "gamepad"`},
		},
		{
			name: "infrastructure groups are not policy vocabulary",
			policy: &Policy{
				Allow: []string{"core", "control", "testing"},
			},
			expectedIssues: 3,
			wantSubstrings: []string{`unknown group "core"`, `unknown group "control"`, `unknown group "testing"`},
		},
		{
			name: "duplicate group",
			policy: &Policy{
				Allow: []string{"buffer", "loader", "buffer"},
			},
			expectedIssues: 1,
			wantSubstrings: []string{`allow[2]`, `duplicate group "buffer"`, `allow[0]`},
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			issues := Validate(testCase.policy)
			if len(issues) != testCase.expectedIssues {
				t.Fatalf("got %d issues, want %d:\n%s", len(issues), testCase.expectedIssues, strings.Join(issues, "\n"))
			}

			for _, substring := range testCase.wantSubstrings {
				found := false
				for _, issue := range issues {
					if strings.Contains(issue, substring) {
						found = true
						break
					}
				}
				if !found {
					t.Errorf("expected issue containing %q, got:\n%s", substring, strings.Join(issues, "\n"))
				}
			}
		})
	}
}

func TestAllows(t *testing.T) {
	t.Parallel()

	p := &Policy{Allow: []string{"graphics", "buffer"}}

	if !p.Allows(wire.GroupGraphics) {
		t.Error("graphics should be allowed")
	}
	if !p.Allows(wire.GroupBuffer) {
		t.Error("buffer should be allowed")
	}
	if p.Allows(wire.GroupAudio) {
		t.Error("audio should be denied")
	}
	if p.Allows(wire.GroupCore) {
		t.Error("core is infrastructure, not a policy answer")
	}
}

func TestAllowAll(t *testing.T) {
	t.Parallel()

	p := AllowAll()
	if issues := Validate(p); len(issues) != 0 {
		t.Fatalf("AllowAll produced an invalid policy:\n%s", strings.Join(issues, "\n"))
	}

	for _, group := range []wire.Group{
		wire.GroupFileChooser,
		wire.GroupFileSystem,
		wire.GroupGraphics,
		wire.GroupBuffer,
		wire.GroupLoader,
		wire.GroupAudio,
	} {
		if !p.Allows(group) {
			t.Errorf("AllowAll denies %v", group)
		}
	}
}

func TestGroupNamed(t *testing.T) {
	t.Parallel()

	group, ok := GroupNamed("filesystem")
	if !ok || group != wire.GroupFileSystem {
		t.Errorf("GroupNamed(filesystem) = %v, %v", group, ok)
	}
	if _, ok := GroupNamed("core"); ok {
		t.Error("core should not resolve as a policy group")
	}
}
