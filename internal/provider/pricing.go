package provider

import "strings"

// ModelPricing contains pricing per 1M tokens for a model.
type ModelPricing struct {
	InputPerMillion  float64 // Cost per 1M input tokens
	OutputPerMillion float64 // Cost per 1M output tokens
}

// Cost returns the USD estimate for the given token counts.
func (p ModelPricing) Cost(inputTokens, outputTokens int64) float64 {
	return float64(inputTokens)/1_000_000*p.InputPerMillion +
		float64(outputTokens)/1_000_000*p.OutputPerMillion
}

// FallbackPricing applies to models with no table entry.
var FallbackPricing = ModelPricing{InputPerMillion: 3.00, OutputPerMillion: 15.00}

// DefaultModelPricing is keyed by model id prefix; the longest matching
// prefix wins.
var DefaultModelPricing = map[string]ModelPricing{
	"claude-opus-4":     {InputPerMillion: 15.00, OutputPerMillion: 75.00},
	"claude-opus-4-5":   {InputPerMillion: 5.00, OutputPerMillion: 25.00},
	"claude-sonnet-4":   {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	"claude-3-7-sonnet": {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	"claude-3-5-sonnet": {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	"claude-haiku-4-5":  {InputPerMillion: 1.00, OutputPerMillion: 5.00},
	"claude-3-5-haiku":  {InputPerMillion: 0.80, OutputPerMillion: 4.00},
	"gpt-4o":            {InputPerMillion: 2.50, OutputPerMillion: 10.00},
	"gpt-4o-mini":       {InputPerMillion: 0.15, OutputPerMillion: 0.60},
	"gpt-4.1":           {InputPerMillion: 2.00, OutputPerMillion: 8.00},
	"gpt-4.1-mini":      {InputPerMillion: 0.40, OutputPerMillion: 1.60},
	"gpt-4.1-nano":      {InputPerMillion: 0.10, OutputPerMillion: 0.40},
	"o3":                {InputPerMillion: 2.00, OutputPerMillion: 8.00},
	"o4-mini":           {InputPerMillion: 1.10, OutputPerMillion: 4.40},
	"gemini-2.5-pro":    {InputPerMillion: 1.25, OutputPerMillion: 10.00},
	"gemini-2.5-flash":  {InputPerMillion: 0.30, OutputPerMillion: 2.50},
	"gemini-2.0-flash":  {InputPerMillion: 0.10, OutputPerMillion: 0.40},
	"static":            {},
}

// PricingTable resolves model ids to prices.
type PricingTable struct {
	entries map[string]ModelPricing
}

// NewPricingTable builds a table from DefaultModelPricing plus overrides.
func NewPricingTable(overrides map[string]ModelPricing) *PricingTable {
	entries := make(map[string]ModelPricing, len(DefaultModelPricing)+len(overrides))
	for k, v := range DefaultModelPricing {
		entries[k] = v
	}
	for k, v := range overrides {
		entries[k] = v
	}
	return &PricingTable{entries: entries}
}

// Lookup returns the pricing for model by longest prefix match.
func (t *PricingTable) Lookup(model string) (ModelPricing, bool) {
	id := normalizeModelID(model)
	best := ""
	for prefix := range t.entries {
		if strings.HasPrefix(id, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return FallbackPricing, false
	}
	return t.entries[best], true
}

// EstimateCost returns the USD estimate for a call.
func (t *PricingTable) EstimateCost(model string, inputTokens, outputTokens int64) float64 {
	p, _ := t.Lookup(model)
	return p.Cost(inputTokens, outputTokens)
}

// normalizeModelID strips vendor routing prefixes such as "us.anthropic."
// and "models/".
func normalizeModelID(model string) string {
	id := strings.ToLower(model)
	id = strings.TrimPrefix(id, "models/")
	if i := strings.Index(id, "anthropic."); i >= 0 {
		id = id[i+len("anthropic."):]
	}
	return id
}
