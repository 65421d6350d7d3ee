package tools

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.yaml.in/yaml/v3"
)

// DefaultProtectedPatterns are glob patterns write_file refuses.
var DefaultProtectedPatterns = []string{
	".git/**",
	"**/.git/**",
	"**/.ssh/**",
	"**/secrets/**",
	"**/credentials/**",
	"**/certs/**",
}

// DefaultProtectedKeywords are path substrings write_file refuses.
var DefaultProtectedKeywords = []string{
	"secret",
	"password",
	"credential",
	"private_key",
	"id_rsa",
	"id_ed25519",
}

// DefaultProtectedFileTypes are extensions write_file refuses.
var DefaultProtectedFileTypes = []string{
	".env",
	".pem",
	".key",
	".p12",
	".pfx",
	".jks",
	".keystore",
	".crt",
}

// Detector decides whether a workspace path is protected from writes.
// A path is protected when it matches a glob pattern, contains a keyword,
// or carries a protected extension.
type Detector struct {
	mu        sync.RWMutex
	patterns  []string
	keywords  []string
	fileTypes []string
}

// protectConfig is the protected_areas section of a project config file.
type protectConfig struct {
	ProtectedAreas struct {
		Patterns  []string `yaml:"patterns"`
		Keywords  []string `yaml:"keywords"`
		FileTypes []string `yaml:"file_types"`
	} `yaml:"protected_areas"`
}

// NewDetector creates a detector with the default rules.
func NewDetector() *Detector {
	return &Detector{
		patterns:  append([]string{}, DefaultProtectedPatterns...),
		keywords:  append([]string{}, DefaultProtectedKeywords...),
		fileTypes: append([]string{}, DefaultProtectedFileTypes...),
	}
}

// Check reports whether path is protected and why.
func (d *Detector) Check(path string) (bool, string) {
	if d == nil {
		return false, ""
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	normalized := filepath.ToSlash(path)
	lower := strings.ToLower(normalized)

	for _, pattern := range d.patterns {
		if matchGlobPattern(normalized, pattern) {
			return true, "matches protected pattern " + pattern
		}
	}
	for _, keyword := range d.keywords {
		if strings.Contains(lower, strings.ToLower(keyword)) {
			return true, "contains protected keyword " + keyword
		}
	}
	ext := strings.ToLower(filepath.Ext(normalized))
	base := strings.ToLower(filepath.Base(normalized))
	for _, ft := range d.fileTypes {
		ft = strings.ToLower(ft)
		if ext == ft || strings.HasPrefix(base, ft+".") {
			return true, "file type " + ft + " is protected"
		}
	}
	return false, ""
}

// Add extends the detector's rules.
func (d *Detector) Add(patterns, keywords, fileTypes []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.patterns = append(d.patterns, patterns...)
	d.keywords = append(d.keywords, keywords...)
	d.fileTypes = append(d.fileTypes, fileTypes...)
}

// LoadConfig appends the protected_areas section of a YAML file.
func (d *Detector) LoadConfig(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var cfg protectConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return err
	}
	d.Add(cfg.ProtectedAreas.Patterns, cfg.ProtectedAreas.Keywords, cfg.ProtectedAreas.FileTypes)
	return nil
}

// matchGlobPattern matches a slash path against a glob with ** support.
func matchGlobPattern(path, pattern string) bool {
	return matchParts(strings.Split(path, "/"), strings.Split(pattern, "/"))
}

func matchParts(path, pattern []string) bool {
	if len(pattern) == 0 {
		return len(path) == 0
	}
	p, rest := pattern[0], pattern[1:]
	if p == "**" {
		if len(rest) == 0 {
			return true
		}
		for i := 0; i <= len(path); i++ {
			if matchParts(path[i:], rest) {
				return true
			}
		}
		return false
	}
	if len(path) == 0 {
		return false
	}
	if ok, _ := filepath.Match(p, path[0]); !ok {
		return false
	}
	return matchParts(path[1:], rest)
}
