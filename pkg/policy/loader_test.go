package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writePolicy(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
	return path
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	path := writePolicy(t, t.TempDir(), "no_rviz.rego", noRvizRego)

	policy, err := loader.loadFromFile(path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "no_rviz" {
		t.Errorf("Expected name no_rviz, got %s", policy.Name)
	}
	if policy.Description != "Headless runs must not start rviz2." {
		t.Errorf("Unexpected description: %q", policy.Description)
	}
	if policy.Severity != SeverityWarning || !policy.Enabled || policy.Builtin {
		t.Errorf("Unexpected defaults: %+v", policy)
	}
	if policy.Source != path {
		t.Errorf("Expected source %s, got %s", path, policy.Source)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	dir := t.TempDir()

	explicit := writePolicy(t, dir, "explicit.json", `{
  "name": "no-rviz",
  "description": "Headless runs must not start rviz2",
  "severity": "error",
  "enabled": false,
  "rego": "package custom.no_rviz\nimport rego.v1\ndeny contains \"x\" if { false }\n"
}`)
	policy, err := loader.loadFromFile(explicit)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Name != "no-rviz" || policy.Severity != SeverityError || policy.Enabled {
		t.Errorf("Unexpected policy: %+v", policy)
	}

	defaulted := writePolicy(t, dir, "defaulted.json", `{"rego": "package custom.d\n"}`)
	policy, err = loader.loadFromFile(defaulted)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Name != "defaulted" || policy.Severity != SeverityWarning || !policy.Enabled {
		t.Errorf("Expected defaults to be applied, got %+v", policy)
	}

	empty := writePolicy(t, dir, "empty.json", `{"name": "empty"}`)
	if _, err := loader.loadFromFile(empty); err == nil {
		t.Error("Expected error for policy without rego")
	}
}

func TestLoadFromFile_Cached(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	path := writePolicy(t, t.TempDir(), "cached.rego", "package cached\n")

	first, err := loader.loadFromFile(path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatalf("Failed to remove: %v", err)
	}
	second, err := loader.loadFromFile(path)
	if err != nil {
		t.Fatalf("Expected cached policy, got: %v", err)
	}
	if first != second {
		t.Error("Expected the cached policy to be returned")
	}

	loader.ClearCache()
	if _, err := loader.loadFromFile(path); err == nil {
		t.Error("Expected error after clearing the cache")
	}
}

func TestLoadFromPaths_Directory(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	dir := t.TempDir()
	writePolicy(t, dir, "a.rego", "package a\n")
	writePolicy(t, dir, "nested/b.rego", "package b\n")
	writePolicy(t, dir, "README.md", "# policies\n")
	writePolicy(t, dir, "broken.json", "{not json")

	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}

	names := map[string]bool{}
	for _, p := range policies {
		names[p.Name] = true
	}
	if len(policies) != 2 || !names["a"] || !names["b"] {
		t.Errorf("Expected policies a and b, got %v", names)
	}
}

func TestLoadFromPaths_Missing(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(t.TempDir(), "nope")}); err == nil {
		t.Error("Expected error for missing path")
	}
}

func TestExtractDescription(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		expected string
	}{
		{
			name:     "leading comments",
			content:  "# First line\n# second line\npackage x\n",
			expected: "First line second line",
		},
		{
			name:     "comments after package",
			content:  "package x\n\n# Describes x\n\ndeny contains 1 if { false }\n",
			expected: "Describes x",
		},
		{
			name:     "no comments",
			content:  "package x\n",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractDescription(tt.content); got != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	dir := t.TempDir()
	writePolicy(t, dir, "a.rego", "package a\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan []Policy, 4)
	if err := loader.Watch(ctx, []string{dir}, func(policies []Policy) error {
		reloaded <- policies
		return nil
	}); err != nil {
		t.Fatalf("Failed to watch: %v", err)
	}

	writePolicy(t, dir, "b.rego", "package b\n")

	select {
	case policies := <-reloaded:
		if len(policies) != 2 {
			t.Errorf("Expected 2 policies after reload, got %d", len(policies))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Expected reload after adding a policy file")
	}
}
