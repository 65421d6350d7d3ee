// Package provider holds the catalog of model backends, the adapters that
// talk to them, and the registry that picks a backend and model per call.
package provider

import (
	"errors"
	"strings"
	"sync"

	"github.com/ShayCichocki/foreman/internal/capacity"
	"github.com/ShayCichocki/foreman/internal/reliability"
	"github.com/ShayCichocki/foreman/pkg/models"
)

// Kind selects the adapter used for a provider.
type Kind string

const (
	KindAnthropic Kind = "anthropic"
	KindBedrock   Kind = "bedrock"
	KindOpenAI    Kind = "openai"
	KindGemini    Kind = "gemini"
	KindStatic    Kind = "static"
)

// Valid returns true if the kind is a known value.
func (k Kind) Valid() bool {
	switch k {
	case KindAnthropic, KindBedrock, KindOpenAI, KindGemini, KindStatic:
		return true
	default:
		return false
	}
}

// Provider is a named backend with its limits and curated models.
type Provider struct {
	Name        string
	DisplayName string
	Kind        Kind
	// CredentialKey names the credential to look up. Empty means none is needed.
	CredentialKey     string
	BaseURL           string
	RequestsPerMinute int
	MaxConcurrent     int
	// DailyBudget is the USD ceiling per calendar day. 0 means unlimited.
	DailyBudget float64
	// Models is the curated static candidate list.
	Models []string
	// Tier classifies a model id. Nil uses DefaultTier.
	Tier func(model string) models.CostTier
}

// CapacityKey returns the tracker key of the provider.
func (p Provider) CapacityKey() capacity.Key {
	return capacity.Key{Provider: p.Name, Credential: p.CredentialKey}
}

// Limits returns the capacity limits of the provider.
func (p Provider) Limits() capacity.Limits {
	return capacity.Limits{RequestsPerMinute: p.RequestsPerMinute, MaxConcurrent: p.MaxConcurrent}
}

// TierOf classifies model with the provider's classifier.
func (p Provider) TierOf(model string) models.CostTier {
	if p.Tier != nil {
		return p.Tier(model)
	}
	return DefaultTier(model)
}

// Validate checks the provider definition.
func (p Provider) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return reliability.Invalid("provider.name", "must not be empty")
	}
	if !p.Kind.Valid() {
		return reliability.Invalid("provider.kind", "unknown kind %q for %s", p.Kind, p.Name)
	}
	if p.DailyBudget < 0 {
		return reliability.Invalid("provider.daily_budget", "must not be negative for %s", p.Name)
	}
	return nil
}

// CredentialSource resolves credential keys to secrets.
type CredentialSource interface {
	Credential(key string) (string, bool)
}

// CredentialFunc adapts a function to CredentialSource.
type CredentialFunc func(key string) (string, bool)

// Credential calls f.
func (f CredentialFunc) Credential(key string) (string, bool) { return f(key) }

// NoProviderError is returned by SelectModel when nothing can take the call.
type NoProviderError struct {
	// Saturated is set when at least one provider was skipped only for capacity,
	// so waiting for a release may produce a route.
	Saturated bool
	// Skipped maps provider name to the reason it was passed over.
	Skipped map[string]string
}

func (e *NoProviderError) Error() string {
	if len(e.Skipped) == 0 {
		return "no provider available: none registered"
	}
	var parts []string
	for _, name := range sortedKeys(e.Skipped) {
		parts = append(parts, name+": "+e.Skipped[name])
	}
	return "no provider available (" + strings.Join(parts, "; ") + ")"
}

// Is reports reliability.ErrNoProviderAvailable.
func (e *NoProviderError) Is(target error) bool {
	return target == reliability.ErrNoProviderAvailable
}

// IsSaturated reports whether err is a NoProviderError caused by capacity.
func IsSaturated(err error) bool {
	var npe *NoProviderError
	return errors.As(err, &npe) && npe.Saturated
}

// dailySpend is the cost accumulated for one provider on one calendar day.
type dailySpend struct {
	mu    sync.Mutex
	day   string
	total float64
}

func (d *dailySpend) add(day string, cost float64) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.day != day {
		d.day = day
		d.total = 0
	}
	d.total += cost
	return d.total
}

func (d *dailySpend) get(day string) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.day != day {
		return 0
	}
	return d.total
}

// ValidCostMode reports whether mode is one of economy, balanced or premium.
func ValidCostMode(mode string) error {
	if !models.CostTier(mode).Valid() {
		return reliability.Invalid("cost_mode", "unknown mode %q (want economy, balanced or premium)", mode)
	}
	return nil
}
