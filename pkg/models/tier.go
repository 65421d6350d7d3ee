package models

// CostTier classifies a specific model variant by price.
type CostTier string

const (
	// TierEconomy is for the cheapest model variants.
	TierEconomy CostTier = "economy"
	// TierBalanced is for mid-priced general models.
	TierBalanced CostTier = "balanced"
	// TierPremium is for the largest, most expensive models.
	TierPremium CostTier = "premium"
)

// Valid returns true if the tier is a known value.
func (t CostTier) Valid() bool {
	switch t {
	case TierEconomy, TierBalanced, TierPremium:
		return true
	default:
		return false
	}
}

// Intent is the kind of work a task represents, used to pick a provider list.
type Intent string

const (
	IntentGeneral   Intent = "general"
	IntentReasoning Intent = "reasoning"
	IntentCoding    Intent = "coding"
	IntentResearch  Intent = "research"
)

// Valid returns true if the intent is a known value.
func (i Intent) Valid() bool {
	switch i {
	case IntentGeneral, IntentReasoning, IntentCoding, IntentResearch:
		return true
	default:
		return false
	}
}

// OrDefault returns the intent, or general when empty or unknown.
func (i Intent) OrDefault() Intent {
	if i.Valid() {
		return i
	}
	return IntentGeneral
}
