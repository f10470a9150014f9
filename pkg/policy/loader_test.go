package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func TestLoadFromPaths(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "no-audio.rego"), "# Audio is not available\n"+noAudioPolicy)
	writeFile(t, filepath.Join(dir, "json-policy.json"), `{"name":"from-json","rego":"package a\n","enabled":true,"severity":"warning"}`)
	writeFile(t, filepath.Join(dir, "README.md"), "ignored")
	writeFile(t, filepath.Join(dir, "broken.json"), "{")

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("Expected 2 policies, got %d", len(policies))
	}

	byName := map[string]Policy{}
	for _, p := range policies {
		byName[p.Name] = p
	}
	rego, ok := byName["no-audio"]
	if !ok {
		t.Fatal("no-audio policy not loaded")
	}
	if rego.Description != "Audio is not available" {
		t.Errorf("Unexpected description %q", rego.Description)
	}
	if !rego.Enabled || rego.Severity != SeverityError {
		t.Errorf("Unexpected defaults: %+v", rego)
	}
	if byName["from-json"].Severity != SeverityWarning {
		t.Errorf("JSON severity not kept: %+v", byName["from-json"])
	}
}

func TestLoadFromPathsMissing(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	if _, err := loader.LoadFromPaths(context.Background(), []string{"/does/not/exist"}); err == nil {
		t.Error("Expected error for missing path")
	}
}

func TestGateWatchReloads(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "empty.rego"), "package arkit.custom.empty\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gate, err := NewGate(ctx, []string{dir}, nil)
	if err != nil {
		t.Fatalf("NewGate failed: %v", err)
	}
	gate.loader.ReloadDelay = 10 * time.Millisecond
	if err := gate.Watch(ctx); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	chime := PluginInfo{ID: "chime", Capabilities: []string{"audio:spatial"}}
	if err := gate.Authorize(ctx, chime); err != nil {
		t.Fatalf("Expected allow before reload, got %v", err)
	}

	writeFile(t, filepath.Join(dir, "no-audio.rego"), noAudioPolicy)

	deadline := time.Now().Add(5 * time.Second)
	for gate.Authorize(ctx, chime) == nil {
		if time.Now().After(deadline) {
			t.Fatal("Policy was not reloaded")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGateReloadRereadsChangedFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "device.rego")
	writeFile(t, path, "package arkit.custom.device\n")

	ctx := context.Background()
	gate, err := NewGate(ctx, []string{dir}, nil)
	if err != nil {
		t.Fatalf("NewGate failed: %v", err)
	}
	chime := PluginInfo{ID: "chime", Capabilities: []string{"audio:spatial"}}
	if err := gate.Authorize(ctx, chime); err != nil {
		t.Fatalf("Expected allow before reload, got %v", err)
	}

	writeFile(t, path, noAudioPolicy)
	if err := gate.Reload(ctx); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if err := gate.Authorize(ctx, chime); err == nil {
		t.Error("Expected the rewritten policy to deny audio after Reload")
	}

	writeFile(t, path, "package arkit.custom.device\n\ndeny contains x if {")
	if err := gate.Reload(ctx); err == nil {
		t.Fatal("Expected a compile error")
	}
	if err := gate.Authorize(ctx, chime); err == nil {
		t.Error("A failed reload must keep the previous policies")
	}
}

func TestGateCloseStopsWatching(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "empty.rego"), "package arkit.custom.empty\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gate, err := NewGate(ctx, []string{dir}, nil)
	if err != nil {
		t.Fatalf("NewGate failed: %v", err)
	}
	gate.loader.ReloadDelay = 10 * time.Millisecond
	if err := gate.Watch(ctx); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	if err := gate.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	writeFile(t, filepath.Join(dir, "no-audio.rego"), noAudioPolicy)
	time.Sleep(100 * time.Millisecond)

	chime := PluginInfo{ID: "chime", Capabilities: []string{"audio:spatial"}}
	if err := gate.Authorize(ctx, chime); err != nil {
		t.Errorf("Expected no reload after Close, got %v", err)
	}
	if err := gate.Close(); err != nil {
		t.Errorf("Second Close failed: %v", err)
	}
}
