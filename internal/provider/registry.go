package provider

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/ShayCichocki/foreman/internal/capacity"
	"github.com/ShayCichocki/foreman/internal/logging"
	"github.com/ShayCichocki/foreman/internal/observability"
	"github.com/ShayCichocki/foreman/internal/reliability"
	"github.com/ShayCichocki/foreman/pkg/models"
)

// DefaultDiscoveryTTL is how long discovered model lists stay cached.
const DefaultDiscoveryTTL = 15 * time.Minute

// Requirements describe what a call needs from a provider.
type Requirements struct {
	// Preferred is tried first when set.
	Preferred string
	Intent    models.Intent
	// Exclude lists providers that must not be selected.
	Exclude []string
}

// Selection is the provider chosen for a call.
type Selection struct {
	Provider Provider
	Client   Client
	Key      capacity.Key
}

// entry is the registry state of one provider.
type entry struct {
	provider Provider
	client   Client
	spend    dailySpend

	// cacheMu protects cached and cachedAt.
	cacheMu  sync.Mutex
	cached   []string
	cachedAt time.Time
}

// Registry is the catalog of providers and the routing policy over them.
type Registry struct {
	tracker *capacity.Tracker
	creds   CredentialSource
	prefs   *PreferenceStore
	pricing *PricingTable
	metrics *observability.Metrics
	now     func() time.Time
	ttl     time.Duration

	// mu protects providers, order and intents.
	mu        sync.RWMutex
	providers map[string]*entry
	order     []string
	intents   map[models.Intent][]string
}

// Option configures a Registry.
type Option func(*Registry)

// WithPreferences sets the preference store. Defaults to in-memory.
func WithPreferences(p *PreferenceStore) Option {
	return func(r *Registry) { r.prefs = p }
}

// WithPricing sets the pricing table.
func WithPricing(p *PricingTable) Option {
	return func(r *Registry) { r.pricing = p }
}

// WithDiscoveryTTL overrides the model cache lifetime.
func WithDiscoveryTTL(d time.Duration) Option {
	return func(r *Registry) { r.ttl = d }
}

// WithClock overrides time.Now for budget days and cache expiry.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithRegistryMetrics records spend per provider.
func WithRegistryMetrics(m *observability.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithRouting sets intent lists and the global fallback order.
func WithRouting(intents map[string][]string, fallback []string) Option {
	return func(r *Registry) {
		if len(intents) > 0 {
			r.intents = make(map[models.Intent][]string, len(intents))
			for k, v := range intents {
				r.intents[models.Intent(k)] = append([]string(nil), v...)
			}
		}
		if len(fallback) > 0 {
			r.order = append([]string(nil), fallback...)
		}
	}
}

// NewRegistry creates an empty registry over tracker.
func NewRegistry(tracker *capacity.Tracker, creds CredentialSource, opts ...Option) *Registry {
	def := DefaultCatalog()
	r := &Registry{
		tracker:   tracker,
		creds:     creds,
		now:       time.Now,
		ttl:       DefaultDiscoveryTTL,
		providers: make(map[string]*entry),
	}
	WithRouting(def.Intents, nil)(r)
	for _, opt := range opts {
		opt(r)
	}
	if r.prefs == nil {
		r.prefs = NewMemoryPreferences()
	}
	if r.pricing == nil {
		r.pricing = NewPricingTable(nil)
	}
	if r.creds == nil {
		r.creds = CredentialFunc(func(string) (string, bool) { return "", false })
	}
	return r
}

// Register adds a provider and its adapter. Providers registered without an
// explicit fallback order are appended to it in registration order.
func (r *Registry) Register(p Provider, client Client) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if client == nil {
		return fmt.Errorf("register %s: nil client", p.Name)
	}
	r.tracker.Ensure(p.CapacityKey(), p.Limits())

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[p.Name]; exists {
		return fmt.Errorf("register %s: already registered", p.Name)
	}
	r.providers[p.Name] = &entry{provider: p, client: client}
	if !containsString(r.order, p.Name) {
		r.order = append(r.order, p.Name)
	}
	return nil
}

// Names returns registered provider names in fallback order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, name := range r.order {
		if _, ok := r.providers[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// Provider returns the definition of a registered provider.
func (r *Registry) Provider(name string) (Provider, bool) {
	e, ok := r.entry(name)
	if !ok {
		return Provider{}, false
	}
	return e.provider, true
}

// Pricing returns the pricing table used for cost estimates.
func (r *Registry) Pricing() *PricingTable { return r.pricing }

// Preferences returns the preference store.
func (r *Registry) Preferences() *PreferenceStore { return r.prefs }

func (r *Registry) entry(name string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.providers[name]
	return e, ok
}

// hasCredential reports whether the provider's credential is present.
func (r *Registry) hasCredential(p Provider) bool {
	if p.CredentialKey == "" {
		return true
	}
	v, ok := r.creds.Credential(p.CredentialKey)
	return ok && v != ""
}

// SelectModel walks preferred → intent list → fallback order and returns
// the first provider with a credential, free capacity and remaining budget.
func (r *Registry) SelectModel(req Requirements) (Selection, error) {
	r.mu.RLock()
	var candidates []string
	if req.Preferred != "" {
		candidates = append(candidates, req.Preferred)
	}
	candidates = append(candidates, r.intents[req.Intent.OrDefault()]...)
	candidates = append(candidates, r.order...)
	r.mu.RUnlock()

	skipped := make(map[string]string)
	saturated := false
	seen := make(map[string]bool)
	for _, name := range candidates {
		if seen[name] {
			continue
		}
		seen[name] = true
		if containsString(req.Exclude, name) {
			skipped[name] = "excluded"
			continue
		}
		e, ok := r.entry(name)
		if !ok {
			continue
		}
		p := e.provider
		if !r.hasCredential(p) {
			skipped[name] = "missing credential"
			continue
		}
		if !r.tracker.CanStart(p.CapacityKey()) {
			skipped[name] = "at capacity"
			saturated = true
			continue
		}
		if !r.CheckAvailability(name) {
			skipped[name] = "daily budget exhausted"
			continue
		}
		logging.Debug("[registry] selected %s for intent=%s preferred=%q", name, req.Intent.OrDefault(), req.Preferred)
		return Selection{Provider: p, Client: e.client, Key: p.CapacityKey()}, nil
	}
	return Selection{}, &NoProviderError{Saturated: saturated, Skipped: skipped}
}

// DiscoverModels returns ranked candidates for provider, querying the
// adapter's catalog when a credential exists and caching the result.
func (r *Registry) DiscoverModels(ctx context.Context, name string) ([]string, error) {
	e, ok := r.entry(name)
	if !ok {
		return nil, fmt.Errorf("discover %s: %w", name, reliability.ErrNotFound)
	}

	e.cacheMu.Lock()
	if e.cached != nil && r.now().Sub(e.cachedAt) < r.ttl {
		out := append([]string(nil), e.cached...)
		e.cacheMu.Unlock()
		return out, nil
	}
	e.cacheMu.Unlock()

	ids := e.provider.Models
	if cat, ok := e.client.(Catalog); ok && r.hasCredential(e.provider) {
		listed, err := cat.ListModels(ctx)
		switch {
		case err == nil && len(listed) > 0:
			ids = listed
		case err != nil && !errors.Is(err, ErrCatalogUnsupported):
			log.Printf("[registry] model discovery for %s failed, using curated list: %v", name, err)
		}
	}
	ranked := RankModels(ids)

	e.cacheMu.Lock()
	e.cached = ranked
	e.cachedAt = r.now()
	e.cacheMu.Unlock()

	return append([]string(nil), ranked...), nil
}

// InvalidateModels drops the cached model list of provider.
func (r *Registry) InvalidateModels(name string) {
	if e, ok := r.entry(name); ok {
		e.cacheMu.Lock()
		e.cached = nil
		e.cacheMu.Unlock()
	}
}

// GetModelCandidates returns discovered candidates with the administrator's
// preferred model, if any, first.
func (r *Registry) GetModelCandidates(ctx context.Context, name string) ([]string, error) {
	discovered, err := r.DiscoverModels(ctx, name)
	if err != nil {
		return nil, err
	}
	preferred, ok := r.prefs.PreferredModel(name)
	if !ok {
		return discovered, nil
	}
	out := []string{preferred}
	for _, m := range discovered {
		if m != preferred {
			out = append(out, m)
		}
	}
	return out, nil
}

// ChooseModel picks the first candidate whose tier matches the provider's
// cost mode, else the top candidate. A preferred model always wins.
func (r *Registry) ChooseModel(ctx context.Context, name string) (string, error) {
	e, ok := r.entry(name)
	if !ok {
		return "", fmt.Errorf("choose model for %s: %w", name, reliability.ErrNotFound)
	}
	if preferred, ok := r.prefs.PreferredModel(name); ok {
		return preferred, nil
	}
	candidates, err := r.GetModelCandidates(ctx, name)
	if err != nil {
		return "", err
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("choose model for %s: no candidates", name)
	}
	mode := r.prefs.CostMode(name)
	for _, m := range candidates {
		if e.provider.TierOf(m) == mode {
			return m, nil
		}
	}
	return candidates[0], nil
}

func (r *Registry) today() string {
	return r.now().Format("2006-01-02")
}

// CheckAvailability reports whether provider still has budget today.
func (r *Registry) CheckAvailability(name string) bool {
	e, ok := r.entry(name)
	if !ok {
		return false
	}
	if e.provider.DailyBudget <= 0 {
		return true
	}
	return e.spend.get(r.today()) < e.provider.DailyBudget
}

// RecordCost adds spend to provider's counter for today.
func (r *Registry) RecordCost(name string, cost float64) {
	e, ok := r.entry(name)
	if !ok || cost <= 0 {
		return
	}
	total := e.spend.add(r.today(), cost)
	r.metrics.AddCost(name, cost)
	if e.provider.DailyBudget > 0 && total >= e.provider.DailyBudget {
		log.Printf("[registry] %s reached its daily budget ($%.2f of $%.2f)", name, total, e.provider.DailyBudget)
	}
}

// Spend returns provider's spend for today.
func (r *Registry) Spend(name string) float64 {
	e, ok := r.entry(name)
	if !ok {
		return 0
	}
	return e.spend.get(r.today())
}

// SetPreferredModel validates and persists an administrator model choice.
func (r *Registry) SetPreferredModel(name, model string) error {
	if _, ok := r.entry(name); !ok {
		return fmt.Errorf("set preferred model: provider %q: %w", name, reliability.ErrNotFound)
	}
	if model == "" {
		return reliability.Invalid("model", "must not be empty")
	}
	return r.prefs.SetPreferredModel(name, model)
}

// SetCostMode validates and persists an administrator cost mode.
func (r *Registry) SetCostMode(name, mode string) error {
	if _, ok := r.entry(name); !ok {
		return fmt.Errorf("set cost mode: provider %q: %w", name, reliability.ErrNotFound)
	}
	if err := ValidCostMode(mode); err != nil {
		return err
	}
	return r.prefs.SetCostMode(name, models.CostTier(mode))
}

// Status is the observable state of one provider.
type Status struct {
	Name           string
	Kind           Kind
	HasCredential  bool
	Available      bool
	SpendToday     float64
	DailyBudget    float64
	PreferredModel string
	CostMode       models.CostTier
	Capacity       capacity.WindowSnapshot
}

// Statuses reports every provider in fallback order.
func (r *Registry) Statuses() []Status {
	windows := make(map[capacity.Key]capacity.WindowSnapshot)
	for _, w := range r.tracker.Snapshot() {
		windows[w.Key] = w
	}
	var out []Status
	for _, name := range r.Names() {
		e, _ := r.entry(name)
		p := e.provider
		preferred, _ := r.prefs.PreferredModel(name)
		out = append(out, Status{
			Name:           name,
			Kind:           p.Kind,
			HasCredential:  r.hasCredential(p),
			Available:      r.CheckAvailability(name),
			SpendToday:     e.spend.get(r.today()),
			DailyBudget:    p.DailyBudget,
			PreferredModel: preferred,
			CostMode:       r.prefs.CostMode(name),
			Capacity:       windows[p.CapacityKey()],
		})
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
