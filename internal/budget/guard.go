// Package budget implements the per-tenant budget guard: a pure
// evaluate() decision table plus an atomic commit() that advances the
// running total and a debounce high-water-mark.
package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/llmcore/llmcore/internal/models"
)

type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodMonthly Period = "monthly"
)

type State string

const (
	StateOK           State = "ok"
	StateSoftExceeded State = "soft_exceeded"
	StateHardBlocked  State = "hard_blocked"
)

// TenantBudget is keyed on (tenant_id, period, period_start). HighWaterMark
// tracks the highest "band" (0=ok, 1=approaching, 2=soft, 3=hard) an alert
// has already fired for within this period, so repeated evaluate() calls
// in the same band never re-notify.
type TenantBudget struct {
	models.BaseModel

	TenantID    uuid.UUID `gorm:"type:uuid;index:idx_budget_key,unique,priority:1;not null"`
	Period      Period    `gorm:"index:idx_budget_key,unique,priority:2;not null"`
	PeriodStart time.Time `gorm:"index:idx_budget_key,unique,priority:3;not null"`

	SoftLimitUSD  decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	HardLimitUSD  decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	UsageToDate   decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	State         State           `gorm:"not null"`
	HighWaterMark int             `gorm:"not null;default:0"`
}

func (TenantBudget) TableName() string { return "tenant_budgets" }

// Decision is the result of Evaluate.
type Decision struct {
	State        State
	ShouldBlock  bool
	Notify       bool
	Message      string
}

// defaultSoftRatio is the default "approaching soft limit" threshold.
const defaultSoftRatio = 0.8

// band classifies usage against a budget row into the four alert bands
// used for high-water-mark debouncing: 0=ok, 1=approaching (>=80% soft),
// 2=soft_exceeded, 3=hard_blocked.
func band(newTotal, soft, hard decimal.Decimal, softRatio float64) int {
	switch {
	case hard.Sign() > 0 && newTotal.GreaterThanOrEqual(hard):
		return 3
	case soft.Sign() > 0 && newTotal.GreaterThanOrEqual(soft):
		return 2
	case soft.Sign() > 0 && newTotal.GreaterThanOrEqual(soft.Mul(decimal.NewFromFloat(softRatio))):
		return 1
	default:
		return 0
	}
}

// Guard implements evaluate/commit against Postgres via GORM. An optional
// Redis cache is invalidated after every Commit; Guard itself never reads
// from it.
type Guard struct {
	db        *gorm.DB
	cache     *Cache
	softRatio float64
}

func NewGuard(db *gorm.DB, cache *Cache, softRatio float64) *Guard {
	if softRatio <= 0 {
		softRatio = defaultSoftRatio
	}
	return &Guard{db: db, cache: cache, softRatio: softRatio}
}

func periodStart(period Period, at time.Time) time.Time {
	at = at.UTC()
	if period == PeriodDaily {
		return time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
	}
	return time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func (g *Guard) loadRow(ctx context.Context, tx *gorm.DB, tenantID uuid.UUID, period Period, at time.Time, forUpdate bool) (*TenantBudget, error) {
	start := periodStart(period, at)
	q := tx.WithContext(ctx)
	if forUpdate {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var row TenantBudget
	err := q.Where("tenant_id = ? AND period = ? AND period_start = ?", tenantID, period, start).
		First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("budget: load row: %w", err)
	}
	return &row, nil
}

// Evaluate is pure: it never mutates usage_to_date_usd or the high-water
// mark. It defaults the monthly row if none is configured.
func (g *Guard) Evaluate(ctx context.Context, tenantID uuid.UUID, projected decimal.Decimal) (Decision, error) {
	row, err := g.loadRow(ctx, g.db, tenantID, PeriodMonthly, time.Now(), false)
	if err != nil {
		return Decision{}, err
	}
	if row == nil {
		return Decision{State: StateOK, ShouldBlock: false, Notify: false, Message: "no budget configured"}, nil
	}

	newTotal := row.UsageToDate.Add(projected)
	b := band(newTotal, row.SoftLimitUSD, row.HardLimitUSD, g.softRatio)
	// Debounce: only notify when this band is above the one an alert has
	// already fired for in this period.
	notify := b > row.HighWaterMark

	switch b {
	case 3:
		return Decision{State: StateHardBlocked, ShouldBlock: true, Notify: notify, Message: "hard limit would be exceeded"}, nil
	case 2:
		return Decision{State: StateSoftExceeded, ShouldBlock: false, Notify: notify, Message: "soft limit exceeded"}, nil
	case 1:
		return Decision{State: StateOK, ShouldBlock: false, Notify: notify, Message: "approaching soft limit (80%)"}, nil
	default:
		return Decision{State: StateOK, ShouldBlock: false, Notify: false, Message: "within budget"}, nil
	}
}

// CommitResult reports whether the commit should still trigger a
// (debounced) alert, and the row's state after the commit.
type CommitResult struct {
	State  State
	Notify bool
}

// Commit atomically adds actualCost to usage_to_date_usd under a row lock,
// recomputes state, and advances the high-water-mark — the only place the
// debounce high-water-mark moves. If no row exists yet for the
// tenant's current monthly period, one is created with zero limits
// (effectively unbounded; Evaluate already special-cases "no budget
// configured" on the read side).
func (g *Guard) Commit(ctx context.Context, tenantID uuid.UUID, actualCost decimal.Decimal) (CommitResult, error) {
	var result CommitResult

	err := g.db.Transaction(func(tx *gorm.DB) error {
		row, err := g.loadRow(ctx, tx, tenantID, PeriodMonthly, time.Now(), true)
		if err != nil {
			return err
		}
		if row == nil {
			row = &TenantBudget{
				TenantID:    tenantID,
				Period:      PeriodMonthly,
				PeriodStart: periodStart(PeriodMonthly, time.Now()),
				State:       StateOK,
			}
		}

		row.UsageToDate = row.UsageToDate.Add(actualCost)
		b := band(row.UsageToDate, row.SoftLimitUSD, row.HardLimitUSD, g.softRatio)

		switch b {
		case 3:
			row.State = StateHardBlocked
		case 2:
			row.State = StateSoftExceeded
		default:
			row.State = StateOK
		}

		result.State = row.State
		if b > row.HighWaterMark {
			result.Notify = true
			row.HighWaterMark = b
		}

		if err := tx.WithContext(ctx).Save(row).Error; err != nil {
			return fmt.Errorf("budget: save row: %w", err)
		}
		return nil
	})
	if err != nil {
		return CommitResult{}, err
	}

	if g.cache != nil {
		g.cache.Invalidate(ctx, tenantID)
	}

	return result, nil
}
