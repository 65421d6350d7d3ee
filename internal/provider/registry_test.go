package provider

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/foreman/internal/capacity"
	"github.com/ShayCichocki/foreman/internal/reliability"
	"github.com/ShayCichocki/foreman/pkg/models"
)

// fakeCatalogClient is a Client with a scripted model listing.
type fakeCatalogClient struct {
	name string

	mu       sync.Mutex
	models   []string
	listErr  error
	listings int
}

func (c *fakeCatalogClient) Name() string { return c.name }

func (c *fakeCatalogClient) Call(ctx context.Context, req Request) (*Response, error) {
	return &Response{Content: "ok", Model: req.Model}, nil
}

func (c *fakeCatalogClient) ListModels(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listings++
	return c.models, c.listErr
}

func envCreds(set map[string]string) CredentialSource {
	return CredentialFunc(func(key string) (string, bool) {
		v, ok := set[key]
		return v, ok
	})
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(t *testing.T, creds map[string]string, opts ...Option) (*Registry, *capacity.Tracker) {
	t.Helper()
	tr := capacity.NewTracker()
	opts = append([]Option{WithRouting(map[string][]string{
		"coding":   {"openai", "anthropic"},
		"research": {"gemini"},
	}, []string{"anthropic", "openai", "gemini"})}, opts...)
	r := NewRegistry(tr, envCreds(creds), opts...)
	for _, p := range []Provider{
		{Name: "anthropic", Kind: KindAnthropic, CredentialKey: "ANTHROPIC_API_KEY", MaxConcurrent: 1, Models: []string{"claude-haiku-4-5-20251001", "claude-sonnet-4-5-20250929"}},
		{Name: "openai", Kind: KindOpenAI, CredentialKey: "OPENAI_API_KEY", MaxConcurrent: 1, Models: []string{"gpt-4.1-mini", "gpt-4.1"}},
		{Name: "gemini", Kind: KindGemini, CredentialKey: "GEMINI_API_KEY", MaxConcurrent: 1, DailyBudget: 1.0, Models: []string{"gemini-2.5-flash", "gemini-2.5-pro"}},
	} {
		if err := r.Register(p, &fakeCatalogClient{name: p.Name}); err != nil {
			t.Fatalf("Register(%s): %v", p.Name, err)
		}
	}
	return r, tr
}

var allCreds = map[string]string{
	"ANTHROPIC_API_KEY": "a",
	"OPENAI_API_KEY":    "o",
	"GEMINI_API_KEY":    "g",
}

func TestSelectModel_Order(t *testing.T) {
	r, _ := newTestRegistry(t, allCreds)

	tests := []struct {
		name string
		req  Requirements
		want string
	}{
		{"general falls back to global order", Requirements{}, "anthropic"},
		{"intent list wins", Requirements{Intent: models.IntentCoding}, "openai"},
		{"preference wins over intent", Requirements{Preferred: "gemini", Intent: models.IntentCoding}, "gemini"},
		{"unknown preference is ignored", Requirements{Preferred: "mistral"}, "anthropic"},
		{"exclusion skips", Requirements{Intent: models.IntentCoding, Exclude: []string{"openai"}}, "anthropic"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel, err := r.SelectModel(tt.req)
			if err != nil {
				t.Fatalf("SelectModel: %v", err)
			}
			if sel.Provider.Name != tt.want {
				t.Errorf("expected %s, got %s", tt.want, sel.Provider.Name)
			}
			if sel.Client == nil || sel.Client.Name() != tt.want {
				t.Errorf("expected client for %s", tt.want)
			}
		})
	}
}

func TestSelectModel_SkipsMissingCredential(t *testing.T) {
	r, _ := newTestRegistry(t, map[string]string{"GEMINI_API_KEY": "g"})

	sel, err := r.SelectModel(Requirements{Intent: models.IntentCoding})
	if err != nil {
		t.Fatalf("SelectModel: %v", err)
	}
	if sel.Provider.Name != "gemini" {
		t.Errorf("expected gemini via global order, got %s", sel.Provider.Name)
	}
}

func TestSelectModel_SkipsSaturatedAndFallsBack(t *testing.T) {
	r, tr := newTestRegistry(t, allCreds)

	release, ok := tr.Acquire(capacity.Key{Provider: "openai", Credential: "OPENAI_API_KEY"})
	if !ok {
		t.Fatal("acquire failed")
	}
	defer release()

	sel, err := r.SelectModel(Requirements{Intent: models.IntentCoding})
	if err != nil {
		t.Fatalf("SelectModel: %v", err)
	}
	if sel.Provider.Name != "anthropic" {
		t.Errorf("expected anthropic while openai is saturated, got %s", sel.Provider.Name)
	}
}

func TestSelectModel_NoProviderAvailable(t *testing.T) {
	r, tr := newTestRegistry(t, map[string]string{"ANTHROPIC_API_KEY": "a"})

	release, _ := tr.Acquire(capacity.Key{Provider: "anthropic", Credential: "ANTHROPIC_API_KEY"})
	defer release()

	_, err := r.SelectModel(Requirements{})
	if !errors.Is(err, reliability.ErrNoProviderAvailable) {
		t.Fatalf("expected ErrNoProviderAvailable, got %v", err)
	}
	if !IsSaturated(err) {
		t.Error("expected saturated flag when the only credentialed provider is at capacity")
	}
	if !reliability.IsNonRetryable(err) {
		t.Error("no-route errors must not be retried blindly")
	}
}

func TestSelectModel_UnbudgetedIsNotSaturated(t *testing.T) {
	r, _ := newTestRegistry(t, map[string]string{"GEMINI_API_KEY": "g"})
	r.RecordCost("gemini", 1.0)

	_, err := r.SelectModel(Requirements{})
	if !errors.Is(err, reliability.ErrNoProviderAvailable) {
		t.Fatalf("expected ErrNoProviderAvailable, got %v", err)
	}
	if IsSaturated(err) {
		t.Error("budget exhaustion must not be reported as saturation")
	}
}

func TestDailyBudget_ResetsOnDayChange(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 5, 1, 23, 0, 0, 0, time.Local)}
	r, _ := newTestRegistry(t, allCreds, WithClock(clock.Now))

	r.RecordCost("gemini", 0.6)
	if !r.CheckAvailability("gemini") {
		t.Fatal("expected gemini available below budget")
	}
	r.RecordCost("gemini", 0.4)
	if r.CheckAvailability("gemini") {
		t.Fatal("expected gemini unavailable once spend reaches budget")
	}

	clock.Advance(2 * time.Hour)
	if !r.CheckAvailability("gemini") {
		t.Error("expected budget to reset on a new calendar day")
	}
	if got := r.Spend("gemini"); got != 0 {
		t.Errorf("expected zero spend on new day, got %v", got)
	}
	if !r.CheckAvailability("anthropic") {
		t.Error("provider without budget should always be available")
	}
}

func TestDiscoverModels_CachesWithTTL(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	tr := capacity.NewTracker()
	r := NewRegistry(tr, envCreds(allCreds), WithClock(clock.Now))
	client := &fakeCatalogClient{name: "openai", models: []string{"gpt-4o-mini", "text-embedding-3-small", "gpt-4.1"}}
	if err := r.Register(Provider{Name: "openai", Kind: KindOpenAI, CredentialKey: "OPENAI_API_KEY"}, client); err != nil {
		t.Fatal(err)
	}

	got, err := r.DiscoverModels(context.Background(), "openai")
	if err != nil {
		t.Fatalf("DiscoverModels: %v", err)
	}
	if len(got) != 2 || got[0] != "gpt-4.1" {
		t.Errorf("expected ranked chat models [gpt-4.1 gpt-4o-mini], got %v", got)
	}

	r.DiscoverModels(context.Background(), "openai")
	if client.listings != 1 {
		t.Errorf("expected cached result within TTL, got %d listings", client.listings)
	}

	clock.Advance(DefaultDiscoveryTTL + time.Second)
	r.DiscoverModels(context.Background(), "openai")
	if client.listings != 2 {
		t.Errorf("expected refresh after TTL, got %d listings", client.listings)
	}
}

func TestDiscoverModels_CuratedWithoutCredential(t *testing.T) {
	r, _ := newTestRegistry(t, nil)

	got, err := r.DiscoverModels(context.Background(), "anthropic")
	if err != nil {
		t.Fatalf("DiscoverModels: %v", err)
	}
	if len(got) != 2 || got[0] != "claude-sonnet-4-5-20250929" {
		t.Errorf("expected curated list ranked sonnet-4-5 first, got %v", got)
	}

	e, _ := r.entry("anthropic")
	if e.client.(*fakeCatalogClient).listings != 0 {
		t.Error("catalog must not be queried without a credential")
	}
}

func TestDiscoverModels_CatalogErrorFallsBack(t *testing.T) {
	tr := capacity.NewTracker()
	r := NewRegistry(tr, envCreds(allCreds))
	client := &fakeCatalogClient{name: "openai", listErr: errors.New("boom")}
	r.Register(Provider{Name: "openai", Kind: KindOpenAI, CredentialKey: "OPENAI_API_KEY", Models: []string{"gpt-4.1"}}, client)

	got, err := r.DiscoverModels(context.Background(), "openai")
	if err != nil {
		t.Fatalf("DiscoverModels: %v", err)
	}
	if len(got) != 1 || got[0] != "gpt-4.1" {
		t.Errorf("expected curated fallback, got %v", got)
	}
}

func TestGetModelCandidates_PreferredFirst(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	if err := r.SetPreferredModel("openai", "gpt-4.1-mini"); err != nil {
		t.Fatalf("SetPreferredModel: %v", err)
	}

	got, err := r.GetModelCandidates(context.Background(), "openai")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "gpt-4.1-mini" || got[1] != "gpt-4.1" {
		t.Errorf("expected preferred first without duplicates, got %v", got)
	}
}

func TestChooseModel_CostMode(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	tests := []struct {
		mode string
		want string
	}{
		{"economy", "gemini-2.5-flash"},
		{"premium", "gemini-2.5-pro"},
		// No balanced gemini model in the list: top-ranked wins.
		{"balanced", "gemini-2.5-pro"},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			if err := r.SetCostMode("gemini", tt.mode); err != nil {
				t.Fatalf("SetCostMode: %v", err)
			}
			got, err := r.ChooseModel(ctx, "gemini")
			if err != nil {
				t.Fatalf("ChooseModel: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestChooseModel_PreferredWins(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	r.SetCostMode("anthropic", "economy")
	r.SetPreferredModel("anthropic", "claude-opus-4-1-20250805")

	got, err := r.ChooseModel(context.Background(), "anthropic")
	if err != nil {
		t.Fatal(err)
	}
	if got != "claude-opus-4-1-20250805" {
		t.Errorf("expected preferred model, got %s", got)
	}
}

func TestAdminUpdates_Validation(t *testing.T) {
	r, _ := newTestRegistry(t, nil)

	if err := r.SetCostMode("anthropic", "cheap"); !errors.Is(err, reliability.ErrValidation) {
		t.Errorf("expected validation error for bad mode, got %v", err)
	}
	if err := r.SetCostMode("mistral", "economy"); !errors.Is(err, reliability.ErrNotFound) {
		t.Errorf("expected not found for unknown provider, got %v", err)
	}
	if err := r.SetPreferredModel("anthropic", ""); !errors.Is(err, reliability.ErrValidation) {
		t.Errorf("expected validation error for empty model, got %v", err)
	}
}

func TestRegister_Rejects(t *testing.T) {
	r := NewRegistry(capacity.NewTracker(), nil)
	if err := r.Register(Provider{Name: "x", Kind: "carrier-pigeon"}, &fakeCatalogClient{}); err == nil {
		t.Error("expected error for unknown kind")
	}
	if err := r.Register(Provider{Name: "x", Kind: KindStatic}, nil); err == nil {
		t.Error("expected error for nil client")
	}
	r.Register(Provider{Name: "x", Kind: KindStatic}, &fakeCatalogClient{name: "x"})
	if err := r.Register(Provider{Name: "x", Kind: KindStatic}, &fakeCatalogClient{name: "x"}); err == nil {
		t.Error("expected error for duplicate registration")
	}
}

func TestStatuses(t *testing.T) {
	r, _ := newTestRegistry(t, map[string]string{"ANTHROPIC_API_KEY": "a"})
	r.RecordCost("anthropic", 0.25)

	st := r.Statuses()
	if len(st) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(st))
	}
	if st[0].Name != "anthropic" || !st[0].HasCredential || st[0].SpendToday != 0.25 {
		t.Errorf("unexpected anthropic status %+v", st[0])
	}
	if st[1].HasCredential {
		t.Error("openai should report missing credential")
	}
	if st[0].Capacity.Limits.MaxConcurrent != 1 {
		t.Errorf("expected capacity snapshot attached, got %+v", st[0].Capacity)
	}
}
