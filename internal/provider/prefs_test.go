package provider

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ShayCichocki/foreman/pkg/models"
)

func TestPreferenceStore_PersistsBothFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenPreferences(dir)
	if err != nil {
		t.Fatalf("OpenPreferences: %v", err)
	}

	if err := s.SetPreferredModel("anthropic", "claude-opus-4-1-20250805"); err != nil {
		t.Fatalf("SetPreferredModel: %v", err)
	}
	if err := s.SetCostMode("openai", models.TierEconomy); err != nil {
		t.Fatalf("SetCostMode: %v", err)
	}

	var preferred, modes map[string]string
	readJSON(t, filepath.Join(dir, PreferredModelsFile), &preferred)
	readJSON(t, filepath.Join(dir, CostModesFile), &modes)
	if preferred["anthropic"] != "claude-opus-4-1-20250805" {
		t.Errorf("unexpected preferred models file: %v", preferred)
	}
	if modes["openai"] != "economy" {
		t.Errorf("unexpected cost modes file: %v", modes)
	}

	reopened, err := OpenPreferences(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if m, ok := reopened.PreferredModel("anthropic"); !ok || m != "claude-opus-4-1-20250805" {
		t.Errorf("expected preferred model after reopen, got %q %v", m, ok)
	}
	if reopened.CostMode("openai") != models.TierEconomy {
		t.Errorf("expected economy after reopen, got %s", reopened.CostMode("openai"))
	}
	if reopened.CostMode("gemini") != models.TierBalanced {
		t.Errorf("expected balanced default, got %s", reopened.CostMode("gemini"))
	}
}

func TestPreferenceStore_IgnoresInvalidModes(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, CostModesFile), []byte(`{"openai":"ludicrous","gemini":"premium"}`), 0644)

	s, err := OpenPreferences(dir)
	if err != nil {
		t.Fatalf("OpenPreferences: %v", err)
	}
	if s.CostMode("openai") != models.TierBalanced {
		t.Errorf("invalid mode should fall back to balanced, got %s", s.CostMode("openai"))
	}
	if s.CostMode("gemini") != models.TierPremium {
		t.Errorf("expected premium, got %s", s.CostMode("gemini"))
	}
}

func TestPreferenceStore_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, PreferredModelsFile), []byte(`{not json`), 0644)

	if _, err := OpenPreferences(dir); err == nil {
		t.Error("expected error for corrupt preferences file")
	}
}

func TestPreferenceStore_MemoryOnly(t *testing.T) {
	s := NewMemoryPreferences()
	if err := s.SetPreferredModel("x", "y"); err != nil {
		t.Fatalf("SetPreferredModel: %v", err)
	}
	if err := s.Watch(context.Background()); err != nil {
		t.Fatalf("Watch on memory store: %v", err)
	}
	preferred, _ := s.Snapshot()
	if preferred["x"] != "y" {
		t.Errorf("unexpected snapshot %v", preferred)
	}
}

func TestPreferenceStore_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenPreferences(dir)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Watch(ctx); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	os.WriteFile(filepath.Join(dir, PreferredModelsFile), []byte(`{"gemini":"gemini-2.5-pro"}`), 0644)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m, ok := s.PreferredModel("gemini"); ok && m == "gemini-2.5-pro" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("external edit was not picked up")
}

func readJSON(t *testing.T, path string, out any) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("parse %s: %v", path, err)
	}
}
