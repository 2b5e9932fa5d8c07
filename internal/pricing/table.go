// Package pricing implements the versioned provider/model price table.
package pricing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/llmcore/llmcore/internal/logger"
	"github.com/llmcore/llmcore/internal/models"
)

// Row is the (provider, model, effective_from) price row. Prices are
// immutable once written; a price change is a new row.
type Row struct {
	models.BaseModel
	Provider       string          `gorm:"index:idx_price_key,unique,priority:1" json:"provider"`
	Model          string          `gorm:"index:idx_price_key,unique,priority:2" json:"model"`
	EffectiveFrom  time.Time       `gorm:"index:idx_price_key,unique,priority:3" json:"effective_from"`
	InputPer1K     decimal.Decimal `gorm:"type:numeric(20,10)" json:"input_per_1k"`
	OutputPer1K    decimal.Decimal `gorm:"type:numeric(20,10)" json:"output_per_1k"`
	ReasoningPer1K *decimal.Decimal `gorm:"type:numeric(20,10)" json:"reasoning_per_1k,omitempty"`
	CacheDiscount  *decimal.Decimal `gorm:"type:numeric(5,4)" json:"cache_discount,omitempty"`
}

func (Row) TableName() string { return "model_pricing" }

// cacheEntry holds a cached latest-price lookup result.
type cacheEntry struct {
	row       *Row
	cachedAt  time.Time
}

// Table is a GORM-backed price table with an in-process cache in front of
// GetLatestPrice (map + RWMutex, short TTL) rather than going to Postgres
// on every call.
type Table struct {
	db  *gorm.DB
	ttl time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

func NewTable(db *gorm.DB, ttl time.Duration) *Table {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Table{db: db, ttl: ttl, cache: make(map[string]cacheEntry)}
}

func cacheKey(provider, model string) string {
	return provider + "|" + model
}

// GetLatestPrice returns the row with the greatest effective_from <= at for
// (provider, model), or nil if none exists. Safe to call concurrently.
func (t *Table) GetLatestPrice(ctx context.Context, provider, model string, at time.Time) (*Row, error) {
	key := cacheKey(provider, model)

	t.mu.RLock()
	entry, ok := t.cache[key]
	t.mu.RUnlock()
	if ok && time.Since(entry.cachedAt) < t.ttl {
		if entry.row != nil && !entry.row.EffectiveFrom.After(at) {
			return entry.row, nil
		}
	}

	var row Row
	err := t.db.WithContext(ctx).
		Where("provider = ? AND model = ? AND effective_from <= ?", provider, model, at).
		Order("effective_from DESC").
		First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			t.mu.Lock()
			t.cache[key] = cacheEntry{row: nil, cachedAt: time.Now()}
			t.mu.Unlock()
			return nil, nil
		}
		return nil, fmt.Errorf("pricing: lookup %s/%s: %w", provider, model, err)
	}

	t.mu.Lock()
	t.cache[key] = cacheEntry{row: &row, cachedAt: time.Now()}
	t.mu.Unlock()

	return &row, nil
}

// IngestPrice idempotently upserts a price row keyed on (provider, model,
// effective_from); it never mutates an existing row.
func (t *Table) IngestPrice(ctx context.Context, row Row) error {
	err := t.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "model"}, {Name: "effective_from"}},
			DoNothing: true,
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("pricing: ingest %s/%s: %w", row.Provider, row.Model, err)
	}

	t.mu.Lock()
	delete(t.cache, cacheKey(row.Provider, row.Model))
	t.mu.Unlock()

	return nil
}

// defaultSeed mirrors the out-of-band sync job's first-run seed list.
type defaultSeed struct {
	provider, model       string
	inputPer1K, outputPer1K float64
	reasoningPer1K        *float64
	cacheDiscount         *float64
}

func f64(v float64) *float64 { return &v }

var defaultSeeds = []defaultSeed{
	{provider: "groq", model: "moonshotai/kimi-k2-instruct", inputPer1K: 0.15, outputPer1K: 0.60, cacheDiscount: f64(0.5)},
	{provider: "openai", model: "gpt-oss-20b", inputPer1K: 0.05, outputPer1K: 0.15},
	{provider: "openai", model: "gpt-oss-120b", inputPer1K: 0.30, outputPer1K: 0.90},
	{provider: "groq", model: "llama-3.1-70b-versatile", inputPer1K: 0.59, outputPer1K: 0.79, cacheDiscount: f64(0.5)},
}

// SeedDefaults upserts a small built-in price list, used by the sync job's
// first run and by tests that need a populated table without a live feed.
func (t *Table) SeedDefaults(ctx context.Context) error {
	now := time.Now().UTC()
	for _, s := range defaultSeeds {
		row := Row{
			Provider:      s.provider,
			Model:         s.model,
			EffectiveFrom: now,
			InputPer1K:    decimal.NewFromFloat(s.inputPer1K),
			OutputPer1K:   decimal.NewFromFloat(s.outputPer1K),
		}
		if s.reasoningPer1K != nil {
			d := decimal.NewFromFloat(*s.reasoningPer1K)
			row.ReasoningPer1K = &d
		}
		if s.cacheDiscount != nil {
			d := decimal.NewFromFloat(*s.cacheDiscount)
			row.CacheDiscount = &d
		}
		if err := t.IngestPrice(ctx, row); err != nil {
			logger.Get().Warn("pricing: seed default failed", zap.String("provider", s.provider), zap.String("model", s.model), zap.Error(err))
			return err
		}
	}
	return nil
}
