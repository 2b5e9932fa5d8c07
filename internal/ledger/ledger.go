// Package ledger implements the fractional billing ledger: per-tenant
// balances, credit initialization by tier, charge transactions, and
// fractional-price rule evaluation, using shopspring/decimal uniformly
// throughout rather than mixing in binary floating point.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/llmcore/llmcore/internal/lock"
	"github.com/llmcore/llmcore/internal/models"
)

// Tier is the billing tier a tenant belongs to.
type Tier string

const (
	TierDemo       Tier = "demo"
	TierStarter    Tier = "starter"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// AccessType classifies how a fractional billing event was generated.
type AccessType string

const (
	AccessOneTime      AccessType = "one_time"
	AccessSubscription AccessType = "subscription"
	AccessPayPerUse    AccessType = "pay_per_use"
	AccessFreeTier     AccessType = "free_tier"
)

// PaymentStatus is the terminal disposition of a FractionalBillingEvent.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// TenantBalance is keyed on tenant_id.
type TenantBalance struct {
	models.BaseModel

	TenantID           uuid.UUID       `gorm:"type:uuid;uniqueIndex;not null"`
	CreditBalance      decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	TotalSpent         decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	TotalSaved         decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	ApisAccessed       int             `gorm:"not null;default:0"`
	Tier               Tier            `gorm:"not null"`
	LastTransactionAt  *time.Time
}

func (TenantBalance) TableName() string { return "tenant_balances" }

// FractionalBillingEvent is append-only.
type FractionalBillingEvent struct {
	models.BaseModel

	TenantID         uuid.UUID  `gorm:"type:uuid;index:idx_fbe_tenant_ts,priority:1;not null"`
	UserID           *uuid.UUID `gorm:"type:uuid"`
	APIName          string     `gorm:"not null"`
	AccessType       AccessType `gorm:"not null"`
	OriginalCost     decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	FractionalAmount decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	CostSavings      decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	Currency         string          `gorm:"not null;default:USD"`
	Timestamp        time.Time       `gorm:"index:idx_fbe_tenant_ts,priority:2;not null"`
	ExpiresAt        *time.Time
	PaymentStatus    PaymentStatus `gorm:"not null"`
	PricingRuleUsed  string        `gorm:"not null"`
}

func (FractionalBillingEvent) TableName() string { return "fractional_billing_events" }

// TierCredits maps a tier to its monthly credit grant, sourced from
// internal/config.LedgerConfig at construction time.
type TierCredits map[Tier]decimal.Decimal

// Quote is the result of evaluating pricing rules for an access.
type Quote struct {
	TenantID     uuid.UUID
	APIName      string
	OriginalCost decimal.Decimal
	Fractional   decimal.Decimal
	Savings      decimal.Decimal
	RuleUsed     string
}

// ChargeResult is the outcome of Charge.
type ChargeResult struct {
	Success bool
	Event   *FractionalBillingEvent
	Message string
}

// Ledger implements InitTenant/Quote/Charge/Summary against Postgres via
// GORM, serializing Charge per tenant with a Redis-backed lock held only
// for the duration of the charge.
type Ledger struct {
	db            *gorm.DB
	locks         *lock.Manager
	rules         []PricingRule
	tierCredits   TierCredits
	freeTierLimit int
}

func New(db *gorm.DB, locks *lock.Manager, rules []PricingRule, tierCredits TierCredits, freeTierLimit int) *Ledger {
	if len(rules) == 0 {
		rules = DefaultRules(freeTierLimit)
	}
	return &Ledger{db: db, locks: locks, rules: rules, tierCredits: tierCredits, freeTierLimit: freeTierLimit}
}

func chargeLockKey(tenantID uuid.UUID) string {
	return fmt.Sprintf("ledger:charge:%s", tenantID.String())
}

// InitTenant creates a TenantBalance with the tier's monthly credit if one
// doesn't already exist; idempotent.
func (l *Ledger) InitTenant(ctx context.Context, tenantID uuid.UUID, tier Tier) (*TenantBalance, error) {
	var existing TenantBalance
	err := l.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("ledger: load balance: %w", err)
	}

	credit := l.tierCredits[tier]
	balance := &TenantBalance{
		TenantID:      tenantID,
		CreditBalance: credit,
		TotalSpent:    decimal.Zero,
		TotalSaved:    decimal.Zero,
		Tier:          tier,
	}

	if err := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}},
		DoNothing: true,
	}).Create(balance).Error; err != nil {
		return nil, fmt.Errorf("ledger: init tenant: %w", err)
	}

	if err := l.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(balance).Error; err != nil {
		return nil, fmt.Errorf("ledger: reload after init: %w", err)
	}
	return balance, nil
}

// Quote evaluates the rule list in priority order until one matches,
// falling back to the default floor/percentage rule.
func (l *Ledger) Quote(ctx context.Context, tenantID uuid.UUID, apiName string, originalCost decimal.Decimal, tier Tier) (Quote, error) {
	var balance TenantBalance
	if err := l.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&balance).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			balance = TenantBalance{TenantID: tenantID, Tier: tier}
		} else {
			return Quote{}, fmt.Errorf("ledger: quote load balance: %w", err)
		}
	}

	req := RuleRequest{
		TenantTier:     tier,
		APIsUsedSoFar:  balance.ApisAccessed,
		APIName:        apiName,
		OriginalCost:   originalCost,
	}

	for _, rule := range l.rules {
		if result, matched := rule.Evaluate(req); matched {
			savings := originalCost.Sub(result)
			if savings.IsNegative() {
				savings = decimal.Zero
			}
			return Quote{
				TenantID:     tenantID,
				APIName:      apiName,
				OriginalCost: originalCost,
				Fractional:   result,
				Savings:      savings,
				RuleUsed:     rule.Name(),
			}, nil
		}
	}

	// Should be unreachable: DefaultRules always installs a catch-all.
	return Quote{
		TenantID:     tenantID,
		APIName:      apiName,
		OriginalCost: originalCost,
		Fractional:   originalCost,
		Savings:      decimal.Zero,
		RuleUsed:     "no_rule_matched",
	}, nil
}

// Charge atomically applies a quote to the tenant's balance under a
// per-tenant lock, rejecting with no side effects if the balance is
// insufficient.
func (l *Ledger) Charge(ctx context.Context, quote Quote) (ChargeResult, error) {
	var result ChargeResult

	applyCharge := func() error {
		return l.db.Transaction(func(tx *gorm.DB) error {
			var balance TenantBalance
			err := tx.WithContext(ctx).
				Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("tenant_id = ?", quote.TenantID).
				First(&balance).Error
			if err != nil {
				return fmt.Errorf("ledger: charge load balance: %w", err)
			}

			if quote.Fractional.IsPositive() && balance.CreditBalance.LessThan(quote.Fractional) {
				result = ChargeResult{Success: false, Message: "insufficient"}
				return nil
			}

			balance.CreditBalance = balance.CreditBalance.Sub(quote.Fractional)
			balance.TotalSpent = balance.TotalSpent.Add(quote.Fractional)
			balance.TotalSaved = balance.TotalSaved.Add(quote.Savings)
			balance.ApisAccessed++
			now := time.Now().UTC()
			balance.LastTransactionAt = &now

			if err := tx.WithContext(ctx).Save(&balance).Error; err != nil {
				return fmt.Errorf("ledger: charge save balance: %w", err)
			}

			event := &FractionalBillingEvent{
				TenantID:         quote.TenantID,
				APIName:          quote.APIName,
				AccessType:       accessTypeForRule(quote.RuleUsed),
				OriginalCost:     quote.OriginalCost,
				FractionalAmount: quote.Fractional,
				CostSavings:      quote.Savings,
				Currency:         "USD",
				Timestamp:        now,
				PaymentStatus:    PaymentCompleted,
				PricingRuleUsed:  quote.RuleUsed,
			}
			if err := tx.WithContext(ctx).Create(event).Error; err != nil {
				return fmt.Errorf("ledger: charge append event: %w", err)
			}

			result = ChargeResult{Success: true, Event: event}
			return nil
		})
	}

	var err error
	if l.locks != nil {
		err = l.locks.WithLockRetry(ctx, chargeLockKey(quote.TenantID), 5*time.Second, 5*time.Second, applyCharge)
	} else {
		err = applyCharge()
	}
	if err != nil {
		return ChargeResult{}, err
	}

	return result, nil
}

func accessTypeForRule(rule string) AccessType {
	if rule == "free_tier" {
		return AccessFreeTier
	}
	return AccessPayPerUse
}

// Summary is the balance plus recent events and aggregate savings/spend.
type Summary struct {
	Balance      TenantBalance
	RecentEvents []FractionalBillingEvent
}

func (l *Ledger) Summary(ctx context.Context, tenantID uuid.UUID, recentLimit int) (Summary, error) {
	var balance TenantBalance
	if err := l.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&balance).Error; err != nil {
		return Summary{}, fmt.Errorf("ledger: summary load balance: %w", err)
	}

	if recentLimit <= 0 {
		recentLimit = 20
	}
	var events []FractionalBillingEvent
	if err := l.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("timestamp DESC").
		Limit(recentLimit).
		Find(&events).Error; err != nil {
		return Summary{}, fmt.Errorf("ledger: summary load events: %w", err)
	}

	return Summary{Balance: balance, RecentEvents: events}, nil
}
