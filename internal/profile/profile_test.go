package profile

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"openinterp/internal/config"
)

func writeProfile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(new(bytes.Buffer), nil))
}

func TestLoadFromDirectory(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "local.yaml", `
name: local
provider: ollama
model: qwen2.5-coder:7b
autoRun: true
`)
	writeProfile(t, dir, "careful.yml", `
description: asks before everything
osMode: false
customInstructions: Be terse.
`)
	writeProfile(t, dir, "notes.txt", "not a profile")
	writeProfile(t, dir, "broken.yaml", "::: not yaml :::")

	profiles, err := LoadFromDirectory(dir, testLogger())
	if err != nil {
		t.Fatalf("LoadFromDirectory: %v", err)
	}
	if len(profiles) != 2 {
		t.Fatalf("expected 2 profiles, got %d: %+v", len(profiles), profiles)
	}

	local, ok := Find(profiles, "LOCAL")
	if !ok {
		t.Fatal("local profile not found")
	}
	if local.Provider != "ollama" || local.Model != "qwen2.5-coder:7b" {
		t.Fatalf("local = %+v", local)
	}
	if local.AutoRun == nil || !*local.AutoRun {
		t.Fatal("autoRun should be set true")
	}

	// Name falls back to the file name.
	careful, ok := Find(profiles, "careful")
	if !ok {
		t.Fatal("careful profile not found")
	}
	if careful.CustomInstructions != "Be terse." {
		t.Fatalf("careful = %+v", careful)
	}
}

func TestLoadFromDirectory_Missing(t *testing.T) {
	profiles, err := LoadFromDirectory(filepath.Join(t.TempDir(), "nope"), testLogger())
	if err != nil || profiles != nil {
		t.Fatalf("missing dir should be silent, got %v, %v", profiles, err)
	}
}

func TestApply_OverridesOnlySetFields(t *testing.T) {
	cfg := config.Defaults()
	cfg.General.DefaultProvider = "ollama"
	cfg.General.AutoRun = false
	cfg.General.OSMode = true
	cfg.General.CustomInstructions = "keep me"

	yes := true
	p := Profile{
		Name:    "local",
		Model:   "llama3.1:8b",
		AutoRun: &yes,
	}
	p.Apply(cfg)

	if !cfg.General.AutoRun {
		t.Fatal("autoRun not applied")
	}
	if !cfg.General.OSMode {
		t.Fatal("unset osMode must not change")
	}
	if cfg.General.CustomInstructions != "keep me" {
		t.Fatal("unset instructions must not change")
	}
	if cfg.Providers["ollama"].DefaultModel != "llama3.1:8b" {
		t.Fatalf("model not applied: %+v", cfg.Providers["ollama"])
	}
}

func TestApply_ProviderSwitchThenModel(t *testing.T) {
	cfg := config.Defaults()
	cfg.General.DefaultProvider = "ollama"

	p := Profile{Name: "cloud", Provider: "openai", Model: "gpt-4o-mini"}
	p.Apply(cfg)

	if cfg.General.DefaultProvider != "openai" {
		t.Fatalf("provider = %q", cfg.General.DefaultProvider)
	}
	if cfg.Providers["openai"].DefaultModel != "gpt-4o-mini" {
		t.Fatalf("model applied to wrong provider: %+v", cfg.Providers)
	}
}
