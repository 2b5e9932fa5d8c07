// Package usage implements the append-only usage event store.
package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/llmcore/llmcore/internal/models"
)

// Status is the terminal disposition of a logical call.
type Status string

const (
	StatusOK      Status = "ok"
	StatusError   Status = "error"
	StatusBlocked Status = "blocked"
)

// Source distinguishes a provider-reported token count from a fallback
// estimate.
type Source string

const (
	SourceProvider  Source = "provider"
	SourceEstimated Source = "estimated"
)

// Event is one immutable record per logical call: UUID BaseModel, jsonb
// metadata column, explicit TableName.
type Event struct {
	models.BaseModel

	Timestamp time.Time `gorm:"index:idx_usage_tenant_ts,priority:2;not null" json:"timestamp"`
	TenantID  uuid.UUID `gorm:"type:uuid;index:idx_usage_tenant_ts,priority:1;not null" json:"tenant_id"`
	UserID       *uuid.UUID `gorm:"type:uuid" json:"user_id,omitempty"`
	WorkspaceID  *uuid.UUID `gorm:"type:uuid" json:"workspace_id,omitempty"`
	SessionID    string     `gorm:"index" json:"session_id"`
	RunID        string     `json:"run_id"`
	StepID       string     `json:"step_id"`
	ParentStepID string     `json:"parent_step_id,omitempty"`
	AgentName    string     `json:"agent_name,omitempty"`
	ToolName     string     `json:"tool_name,omitempty"`

	Provider     string `gorm:"index:idx_usage_provider_model,priority:1;not null" json:"provider"`
	Model        string `gorm:"index:idx_usage_provider_model,priority:2;not null" json:"model"`
	ModelVersion string `json:"model_version,omitempty"`

	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	TokenBreakdown datatypes.JSONMap `json:"token_breakdown,omitempty"`

	CostUSD decimal.Decimal `gorm:"type:numeric(20,6);not null" json:"cost_usd"`

	Status Status `gorm:"index;not null" json:"status"`
	Source Source `gorm:"not null" json:"source"`

	CacheHit bool `json:"cache_hit"`
	Retries  int  `json:"retries"`

	LatencyMS int64 `json:"latency_ms"`

	ErrorCode string `json:"error_code,omitempty"`

	RedactionApplied bool   `json:"redaction_applied"`
	PromptDigest     string `json:"prompt_digest,omitempty"`
	CompletionDigest string `json:"completion_digest,omitempty"`
}

func (Event) TableName() string { return "usage_events" }

// Filter selects one of the three indexed access patterns the store supports.
type Filter struct {
	TenantID  *uuid.UUID
	From, To  *time.Time
	Provider  string
	Model     string
	Status    Status
	Limit     int
}

// Store wraps GORM with the single durability-barrier operation (Append)
// and the indexed read paths (Query), plus the aggregation helpers used for
// usage-stats reporting.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Append commits a single usage event. Once it returns nil, the event is
// considered persisted — this is the call path's durability barrier.
func (s *Store) Append(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("usage: append event: %w", err)
	}
	return nil
}

// Query runs one of the indexed access patterns: by tenant+time range, by
// provider+model, or by status (filters compose with AND when more than one
// is set).
func (s *Store) Query(ctx context.Context, f Filter) ([]Event, error) {
	q := s.db.WithContext(ctx).Model(&Event{})

	if f.TenantID != nil {
		q = q.Where("tenant_id = ?", *f.TenantID)
	}
	if f.From != nil {
		q = q.Where("timestamp >= ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("timestamp <= ?", *f.To)
	}
	if f.Provider != "" {
		q = q.Where("provider = ?", f.Provider)
	}
	if f.Model != "" {
		q = q.Where("model = ?", f.Model)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}

	q = q.Order("timestamp DESC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var events []Event
	if err := q.Find(&events).Error; err != nil {
		return nil, fmt.Errorf("usage: query: %w", err)
	}
	return events, nil
}

// Aggregate is a per-tenant rollup over a window: a SUM/GROUP BY shape.
type Aggregate struct {
	TenantID         uuid.UUID
	TotalCostUSD     decimal.Decimal
	TotalTokens      int64
	TotalCalls       int64
	ErrorCount       int64
	BlockedCount     int64
}

// SumCost returns the total cost persisted for a tenant within [from, to),
// used by invariant checks that compare against budget.usage_to_date_usd.
func (s *Store) SumCost(ctx context.Context, tenantID uuid.UUID, from, to time.Time) (decimal.Decimal, error) {
	var rows []Event
	err := s.db.WithContext(ctx).Model(&Event{}).
		Where("tenant_id = ? AND timestamp >= ? AND timestamp < ?", tenantID, from, to).
		Find(&rows).Error
	if err != nil {
		return decimal.Zero, fmt.Errorf("usage: sum cost: %w", err)
	}
	total := decimal.Zero
	for _, r := range rows {
		total = total.Add(r.CostUSD)
	}
	return total, nil
}
