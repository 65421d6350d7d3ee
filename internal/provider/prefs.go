package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/ShayCichocki/foreman/pkg/models"
)

const (
	// PreferredModelsFile maps provider name to preferred model id.
	PreferredModelsFile = "preferred-models.json"
	// CostModesFile maps provider name to cost mode.
	CostModesFile = "cost-modes.json"
)

// PreferenceStore holds administrator preferences and persists them as two
// JSON objects. An empty directory keeps preferences in memory only.
type PreferenceStore struct {
	dir string

	// mu protects preferred and modes.
	mu        sync.RWMutex
	preferred map[string]string
	modes     map[string]string
}

// NewMemoryPreferences returns a store that never touches disk.
func NewMemoryPreferences() *PreferenceStore {
	return &PreferenceStore{
		preferred: make(map[string]string),
		modes:     make(map[string]string),
	}
}

// OpenPreferences loads both files from dir, creating dir if needed.
// Missing files are treated as empty.
func OpenPreferences(dir string) (*PreferenceStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create preferences dir: %w", err)
	}
	s := NewMemoryPreferences()
	s.dir = dir
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the directory the store persists to.
func (s *PreferenceStore) Dir() string { return s.dir }

// Reload re-reads both files.
func (s *PreferenceStore) Reload() error {
	if s.dir == "" {
		return nil
	}
	preferred, err := readStringMap(filepath.Join(s.dir, PreferredModelsFile))
	if err != nil {
		return err
	}
	modes, err := readStringMap(filepath.Join(s.dir, CostModesFile))
	if err != nil {
		return err
	}
	for p, m := range modes {
		if !models.CostTier(m).Valid() {
			log.Printf("[prefs] ignoring invalid cost mode %q for %s", m, p)
			delete(modes, p)
		}
	}

	s.mu.Lock()
	s.preferred = preferred
	s.modes = modes
	s.mu.Unlock()
	return nil
}

// PreferredModel returns the administrator-set model for provider.
func (s *PreferenceStore) PreferredModel(provider string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.preferred[provider]
	return m, ok && m != ""
}

// CostMode returns the cost mode for provider, defaulting to balanced.
func (s *PreferenceStore) CostMode(provider string) models.CostTier {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.modes[provider]; ok {
		return models.CostTier(m)
	}
	return models.TierBalanced
}

// SetPreferredModel records and persists a preferred model.
func (s *PreferenceStore) SetPreferredModel(provider, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preferred[provider] = model
	return s.writeLocked(PreferredModelsFile, s.preferred)
}

// SetCostMode records and persists a cost mode.
func (s *PreferenceStore) SetCostMode(provider string, mode models.CostTier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modes[provider] = string(mode)
	return s.writeLocked(CostModesFile, s.modes)
}

// Snapshot returns copies of both maps.
func (s *PreferenceStore) Snapshot() (preferred, modes map[string]string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyMap(s.preferred), copyMap(s.modes)
}

// writeLocked rewrites one file atomically. Caller must hold s.mu.
func (s *PreferenceStore) writeLocked(name string, m map[string]string) error {
	if s.dir == "" {
		return nil
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	path := filepath.Join(s.dir, name)
	tmp, err := os.CreateTemp(s.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace %s: %w", name, err)
	}
	return nil
}

// Watch reloads the store when either file changes on disk, until ctx ends.
func (s *PreferenceStore) Watch(ctx context.Context) error {
	if s.dir == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				base := filepath.Base(event.Name)
				if base != PreferredModelsFile && base != CostModesFile {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				if err := s.Reload(); err != nil {
					log.Printf("[prefs] reload after %s: %v", base, err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[prefs] watcher error: %v", err)
			}
		}
	}()
	return nil
}

func readStringMap(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	m := make(map[string]string)
	if len(data) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return m, nil
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
