package budget

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewCache(client, nil, time.Minute)
}

func TestCache_SetGetRoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	tenantID := uuid.New()

	row := &TenantBudget{
		TenantID:     tenantID,
		State:        StateSoftExceeded,
		UsageToDate:  mustDec("15.50"),
		SoftLimitUSD: mustDec("10"),
		HardLimitUSD: mustDec("20"),
	}
	c.Set(ctx, tenantID, row)

	got, ok := c.Get(ctx, tenantID)
	require.True(t, ok)
	require.Equal(t, StateSoftExceeded, got.State)
	require.True(t, got.UsageToDate.Equal(mustDec("15.50")))
}

func TestCache_MissReturnsFalse(t *testing.T) {
	c := newTestCache(t)
	_, ok := c.Get(context.Background(), uuid.New())
	require.False(t, ok)
}

func TestCache_InvalidateClearsEntry(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	tenantID := uuid.New()

	c.Set(ctx, tenantID, &TenantBudget{TenantID: tenantID, UsageToDate: mustDec("1")})
	c.Invalidate(ctx, tenantID)

	_, ok := c.Get(ctx, tenantID)
	require.False(t, ok)
}
