package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// cachedStatus is the JSON-serialized advisory snapshot stored in Redis.
type cachedStatus struct {
	State       State           `json:"state"`
	UsageToDate decimal.Decimal `json:"usage_to_date"`
	SoftLimit   decimal.Decimal `json:"soft_limit"`
	HardLimit   decimal.Decimal `json:"hard_limit"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Cache is a Redis-backed read-through cache in front of TenantBudget rows,
// used only to serve fast advisory reads; Guard.Commit's correctness never
// depends on it. Postgres stays the authoritative state, Redis is purely
// an advisory projection of it.
type Cache struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

func NewCache(client *redis.Client, logger *zap.Logger, ttl time.Duration) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cache{client: client, logger: logger, ttl: ttl}
}

func budgetKey(tenantID uuid.UUID) string {
	return fmt.Sprintf("budget:status:%s", tenantID.String())
}

// Get returns a cached status, or (nil, false) on a cache miss.
func (c *Cache) Get(ctx context.Context, tenantID uuid.UUID) (*cachedStatus, bool) {
	raw, err := c.client.Get(ctx, budgetKey(tenantID)).Result()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("budget cache: get failed", zap.Error(err))
		}
		return nil, false
	}

	var status cachedStatus
	if err := json.Unmarshal([]byte(raw), &status); err != nil {
		c.logger.Warn("budget cache: unmarshal failed", zap.Error(err))
		return nil, false
	}
	return &status, true
}

// Set refreshes the cached snapshot for a tenant with the configured TTL.
func (c *Cache) Set(ctx context.Context, tenantID uuid.UUID, row *TenantBudget) {
	status := cachedStatus{
		State:       row.State,
		UsageToDate: row.UsageToDate,
		SoftLimit:   row.SoftLimitUSD,
		HardLimit:   row.HardLimitUSD,
		UpdatedAt:   time.Now().UTC(),
	}

	raw, err := json.Marshal(status)
	if err != nil {
		c.logger.Warn("budget cache: marshal failed", zap.Error(err))
		return
	}

	if err := c.client.SetEx(ctx, budgetKey(tenantID), raw, c.ttl).Err(); err != nil {
		c.logger.Warn("budget cache: set failed", zap.Error(err))
	}
}

// Invalidate drops the cached snapshot so the next read falls through to
// Postgres, called after every Commit.
func (c *Cache) Invalidate(ctx context.Context, tenantID uuid.UUID) {
	if err := c.client.Del(ctx, budgetKey(tenantID)).Err(); err != nil {
		c.logger.Warn("budget cache: invalidate failed", zap.Error(err))
	}
}

// IncrementSpent bumps a separate running-total counter (the status key
// plus ":spent") via Redis INCRBYFLOAT. The cached snapshot's UsageToDate
// is not changed: Get does not read this counter and Invalidate does not
// clear it.
func (c *Cache) IncrementSpent(ctx context.Context, tenantID uuid.UUID, delta decimal.Decimal) error {
	f, _ := delta.Float64()
	return c.client.IncrByFloat(ctx, budgetKey(tenantID)+":spent", f).Err()
}
