// Package lock provides Redis-backed distributed locks, shared by the
// ledger's per-tenant charge serialization and the scheduler's per-session
// admission control.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

const extendScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`

// Manager acquires/releases named locks backed by a single Redis client.
type Manager struct {
	client *redis.Client
	logger *zap.Logger
}

func NewManager(client *redis.Client, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{client: client, logger: logger}
}

// Lock is a held distributed lock; Release is idempotent.
type Lock struct {
	manager *Manager
	key     string
	value   string
	ttl     time.Duration
}

func generateLockValue() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Acquire attempts a single SETNX with the given TTL; ok is false if the
// key was already held.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, bool, error) {
	value, err := generateLockValue()
	if err != nil {
		return nil, false, fmt.Errorf("lock: generate value: %w", err)
	}

	ok, err := m.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lock: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	return &Lock{manager: m, key: key, value: value, ttl: ttl}, true, nil
}

// AcquireWithRetry polls Acquire until it succeeds, the context is done, or
// maxWait elapses.
func (m *Manager) AcquireWithRetry(ctx context.Context, key string, ttl, maxWait, interval time.Duration) (*Lock, error) {
	deadline := time.Now().Add(maxWait)
	for {
		l, ok, err := m.Acquire(ctx, key, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return l, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("lock: timed out waiting for %s", key)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Release deletes the key only if its value still matches what we set,
// guarding against releasing a lock some other holder acquired after ours
// expired.
func (l *Lock) Release(ctx context.Context) error {
	res, err := l.manager.client.Eval(ctx, releaseScript, []string{l.key}, l.value).Result()
	if err != nil {
		return fmt.Errorf("lock: release %s: %w", l.key, err)
	}
	if n, _ := res.(int64); n == 0 {
		l.manager.logger.Warn("lock: release no-op, value mismatch or already expired", zap.String("key", l.key))
	}
	return nil
}

// Extend pushes the TTL out by the lock's original duration, failing
// silently (return value indicates loss) if ownership was lost.
func (l *Lock) Extend(ctx context.Context) (bool, error) {
	res, err := l.manager.client.Eval(ctx, extendScript, []string{l.key}, l.value, l.ttl.Milliseconds()).Result()
	if err != nil {
		return false, fmt.Errorf("lock: extend %s: %w", l.key, err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// WithLock acquires key, runs fn, and always releases afterward.
func (m *Manager) WithLock(ctx context.Context, key string, ttl time.Duration, fn func() error) error {
	l, ok, err := m.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("lock: %s held by another caller", key)
	}
	defer func() {
		if rerr := l.Release(context.Background()); rerr != nil {
			m.logger.Warn("lock: release failed", zap.String("key", key), zap.Error(rerr))
		}
	}()
	return fn()
}

// WithLockRetry is WithLock but waits up to maxWait for the key to free up.
func (m *Manager) WithLockRetry(ctx context.Context, key string, ttl, maxWait time.Duration, fn func() error) error {
	l, err := m.AcquireWithRetry(ctx, key, ttl, maxWait, 50*time.Millisecond)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := l.Release(context.Background()); rerr != nil {
			m.logger.Warn("lock: release failed", zap.String("key", key), zap.Error(rerr))
		}
	}()
	return fn()
}
