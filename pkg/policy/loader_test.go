package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/daalu-io/daalu/pkg/engine"
)

const freezeRego = `# Blocks deployments during the change freeze.
# severity: critical
package site.freeze

import rego.v1

deny contains msg if {
	input.environment == "prod"
	msg := "change freeze in effect"
}
`

func writePolicy(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
	return path
}

func TestLoadFromFileRego(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := writePolicy(t, t.TempDir(), "freeze.rego", freezeRego)

	policy, err := loader.loadFromFile(path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "freeze" {
		t.Errorf("Expected name 'freeze', got '%s'", policy.Name)
	}
	if policy.Description != "Blocks deployments during the change freeze." {
		t.Errorf("Unexpected description %q", policy.Description)
	}
	if policy.Severity != SeverityCritical {
		t.Errorf("Expected critical severity, got %s", policy.Severity)
	}
	if policy.Source != path || policy.Rego != freezeRego || !policy.Enabled {
		t.Errorf("Unexpected policy %+v", policy)
	}
}

func TestLoadFromFileJSON(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()

	path := writePolicy(t, dir, "tags.json", `{
	"name": "require-tags",
	"description": "Components must be tagged",
	"severity": "warning",
	"enabled": true,
	"rego": "package site.tags\n\nimport rego.v1\n\ndeny contains msg if {\n\tsome c in input.plan.components\n\tcount(c.tags) == 0\n\tmsg := sprintf(\"%s has no tags\", [c.id])\n}\n"
}`)

	policy, err := loader.loadFromFile(path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Name != "require-tags" || policy.Severity != SeverityWarning {
		t.Errorf("Unexpected policy %+v", policy)
	}

	unnamed := writePolicy(t, dir, "unnamed.json", `{"rego": "package x"}`)
	if _, err := loader.loadFromFile(unnamed); err == nil {
		t.Error("Expected error for unnamed JSON policy")
	}

	bad := writePolicy(t, dir, "bad.json", `{"name": `)
	if _, err := loader.loadFromFile(bad); err == nil {
		t.Error("Expected error for malformed JSON")
	}
}

func TestLoadFromPathsDirectory(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()

	writePolicy(t, dir, "freeze.rego", freezeRego)
	writePolicy(t, dir, "nested/limits.rego", "package site.limits\n")
	writePolicy(t, dir, "freeze_test.rego", "package site.freeze_test\n")
	writePolicy(t, dir, "README.md", "# policies\n")

	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("Expected 2 policies, got %d", len(policies))
	}

	names := map[string]bool{}
	for _, p := range policies {
		names[p.Name] = true
	}
	if !names["freeze"] || !names["limits"] {
		t.Errorf("Unexpected policies %v", names)
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("Expected error for missing path")
	}
}

func TestEngineLoadPolicies(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "freeze.rego", freezeRego)

	eng := newTestEngine(t)
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}

	run := prepare(t, platform(t), engine.RunRequest{Targets: []string{"cilium"}, Environment: "prod"})
	result, err := eng.Evaluate(context.Background(), run)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if result.Allowed {
		t.Fatal("Expected the freeze policy to block the run")
	}
	if len(result.Violations) != 1 || result.Violations[0].Severity != SeverityCritical {
		t.Errorf("Unexpected violations %v", result.Violations)
	}

	writePolicy(t, dir, "broken.rego", "package broken\n\ndeny contains")
	if err := newTestEngine(t).LoadPolicies(context.Background(), []string{dir}); err == nil {
		t.Error("Expected compile error for broken policy")
	}
}
