package ledger

import "github.com/shopspring/decimal"

// RuleRequest is what a PricingRule evaluates against.
type RuleRequest struct {
	TenantTier    Tier
	APIsUsedSoFar int
	APIName       string
	OriginalCost  decimal.Decimal
}

// PricingRule evaluates req and, if it matches, returns the fractional
// amount to charge. Rules are tried in priority (list) order; the first
// match wins.
type PricingRule interface {
	Name() string
	Evaluate(req RuleRequest) (fractional decimal.Decimal, matched bool)
}

// freeTierRule gives the first N accesses in a tier away for free, so the
// caller records (0, original_cost, 'free_tier').
type freeTierRule struct {
	limit int
}

func (r freeTierRule) Name() string { return "free_tier" }

func (r freeTierRule) Evaluate(req RuleRequest) (decimal.Decimal, bool) {
	if req.APIsUsedSoFar < r.limit {
		return decimal.Zero, true
	}
	return decimal.Zero, false
}

// defaultRule is the catch-all pricing rule:
//
//	fractional = max(0.20, 0.01 * original_cost) capped at original_cost
type defaultRule struct {
	floor      decimal.Decimal
	percentage decimal.Decimal
}

func (r defaultRule) Name() string { return "default" }

func (r defaultRule) Evaluate(req RuleRequest) (decimal.Decimal, bool) {
	pct := req.OriginalCost.Mul(r.percentage)
	fractional := decimal.Max(r.floor, pct)
	if fractional.GreaterThan(req.OriginalCost) {
		fractional = req.OriginalCost
	}
	return fractional, true
}

// subscriptionFlatRateRule gives pro/enterprise tiers access to any single
// API at a flat nominal rate once they're past the free tier, rather than
// a percentage of a potentially large original cost.
type subscriptionFlatRateRule struct {
	flatRate decimal.Decimal
	tiers    map[Tier]bool
}

func (r subscriptionFlatRateRule) Name() string { return "subscription_flat_rate" }

func (r subscriptionFlatRateRule) Evaluate(req RuleRequest) (decimal.Decimal, bool) {
	if !r.tiers[req.TenantTier] {
		return decimal.Zero, false
	}
	if req.OriginalCost.LessThanOrEqual(r.flatRate) {
		return decimal.Zero, false
	}
	return r.flatRate, true
}

// DefaultRules builds the standard priority-ordered rule list: free tier
// first, then the subscription flat rate for pro/enterprise, then the
// default floor/percentage rule as the catch-all.
func DefaultRules(freeTierLimit int) []PricingRule {
	return []PricingRule{
		freeTierRule{limit: freeTierLimit},
		subscriptionFlatRateRule{
			flatRate: decimal.NewFromFloat(1.00),
			tiers:    map[Tier]bool{TierPro: true, TierEnterprise: true},
		},
		defaultRule{
			floor:      decimal.NewFromFloat(0.20),
			percentage: decimal.NewFromFloat(0.01),
		},
	}
}
