package provider

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/foreman/pkg/models"
)

// CatalogFile is the YAML catalog of curated models, tier overrides and
// routing order.
type CatalogFile struct {
	Providers     map[string]CatalogEntry `yaml:"providers"`
	Intents       map[string][]string     `yaml:"intents"`
	FallbackOrder []string                `yaml:"fallback_order"`
}

// CatalogEntry is the curated data for one provider.
type CatalogEntry struct {
	Models []string          `yaml:"models"`
	Tiers  map[string]string `yaml:"tiers"`
}

// DefaultCatalog is used when no catalog file is configured.
func DefaultCatalog() *CatalogFile {
	return &CatalogFile{
		Providers: map[string]CatalogEntry{
			string(KindAnthropic): {Models: []string{
				"claude-sonnet-4-5-20250929",
				"claude-opus-4-1-20250805",
				"claude-haiku-4-5-20251001",
				"claude-sonnet-4-20250514",
			}},
			string(KindBedrock): {Models: []string{
				"claude-sonnet-4-5-20250929",
				"claude-haiku-4-5-20251001",
			}},
			string(KindOpenAI): {Models: []string{
				"gpt-4.1",
				"gpt-4.1-mini",
				"gpt-4o",
				"o3",
			}},
			string(KindGemini): {Models: []string{
				"gemini-2.5-pro",
				"gemini-2.5-flash",
				"gemini-2.0-flash",
			}},
			string(KindStatic): {Models: []string{"static-echo"}},
		},
		Intents: map[string][]string{
			string(models.IntentGeneral):   {"anthropic", "openai", "gemini"},
			string(models.IntentReasoning): {"anthropic", "openai", "gemini"},
			string(models.IntentCoding):    {"anthropic", "openai"},
			string(models.IntentResearch):  {"gemini", "openai", "anthropic"},
		},
		FallbackOrder: []string{"anthropic", "bedrock", "openai", "gemini", "static"},
	}
}

// LoadCatalog reads a YAML catalog file.
func LoadCatalog(path string) (*CatalogFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var c CatalogFile
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	for name, e := range c.Providers {
		for model, tier := range e.Tiers {
			if !models.CostTier(tier).Valid() {
				return nil, fmt.Errorf("catalog: provider %s model %s: unknown tier %q", name, model, tier)
			}
		}
	}
	for intent := range c.Intents {
		if !models.Intent(intent).Valid() {
			return nil, fmt.Errorf("catalog: unknown intent %q", intent)
		}
	}
	return &c, nil
}

// Apply fills curated models and tier overrides into p. Entries are looked
// up by provider name, then by kind.
func (c *CatalogFile) Apply(p Provider) Provider {
	if c == nil {
		return p
	}
	entry, ok := c.Providers[p.Name]
	if !ok {
		entry, ok = c.Providers[string(p.Kind)]
	}
	if !ok {
		return p
	}
	if len(p.Models) == 0 {
		p.Models = append([]string(nil), entry.Models...)
	}
	if len(entry.Tiers) > 0 && p.Tier == nil {
		overrides := make(map[string]models.CostTier, len(entry.Tiers))
		for m, t := range entry.Tiers {
			overrides[m] = models.CostTier(t)
		}
		p.Tier = func(model string) models.CostTier {
			if t, ok := overrides[model]; ok {
				return t
			}
			return DefaultTier(model)
		}
	}
	return p
}
