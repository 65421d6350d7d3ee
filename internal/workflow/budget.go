package workflow

import (
	"fmt"

	"github.com/ShayCichocki/foreman/pkg/models"
)

// BudgetStatus is the consumption level of one budget dimension.
type BudgetStatus int

const (
	// BudgetOK indicates usage is below the warning threshold.
	BudgetOK BudgetStatus = iota
	// BudgetWarning indicates usage is at or past the warning threshold.
	BudgetWarning
	// BudgetExhausted indicates the allocation is fully consumed.
	BudgetExhausted
)

func (s BudgetStatus) String() string {
	switch s {
	case BudgetOK:
		return "OK"
	case BudgetWarning:
		return "Warning"
	case BudgetExhausted:
		return "Exhausted"
	default:
		return "Unknown"
	}
}

// DefaultWarningThreshold is the share of an allocation that triggers a warning.
const DefaultWarningThreshold = 0.80

// checkBudget grades used against allocation. A non-positive allocation is unlimited.
func checkBudget(used, allocation, threshold float64) BudgetStatus {
	if allocation <= 0 {
		return BudgetOK
	}
	ratio := used / allocation
	switch {
	case ratio >= 1:
		return BudgetExhausted
	case ratio >= threshold:
		return BudgetWarning
	default:
		return BudgetOK
	}
}

// budgetWatch remembers the highest level already reported per dimension
// so each level produces one risk entry.
type budgetWatch struct {
	tokens BudgetStatus
	cost   BudgetStatus
}

// charge adds a task result to the envelope and returns risk descriptions
// for any newly crossed level.
func (w *budgetWatch) charge(b *models.Budget, r *models.JobResult, threshold float64) []models.Risk {
	if r != nil {
		b.TokensUsed += r.TotalTokens()
		b.CostUsed += r.Cost
	}

	var risks []models.Risk
	if s := checkBudget(float64(b.TokensUsed), float64(b.TokenAllocation), threshold); s > w.tokens {
		w.tokens = s
		risks = append(risks, models.Risk{
			Description: fmt.Sprintf("token budget %s: %d of %d used", s, b.TokensUsed, b.TokenAllocation),
			Severity:    severityFor(s),
		})
	}
	if s := checkBudget(b.CostUsed, b.CostAllocation, threshold); s > w.cost {
		w.cost = s
		risks = append(risks, models.Risk{
			Description: fmt.Sprintf("cost budget %s: $%.4f of $%.4f used", s, b.CostUsed, b.CostAllocation),
			Severity:    severityFor(s),
		})
	}
	return risks
}

func severityFor(s BudgetStatus) string {
	if s == BudgetExhausted {
		return "high"
	}
	return "medium"
}
