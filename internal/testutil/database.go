// Package testutil provides the Postgres testcontainer harness used by the
// ledger/usage-store/scheduler integration tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	postgresdriver "gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/llmcore/llmcore/internal/budget"
	"github.com/llmcore/llmcore/internal/ledger"
	"github.com/llmcore/llmcore/internal/pricing"
	"github.com/llmcore/llmcore/internal/scheduler"
	"github.com/llmcore/llmcore/internal/usage"
)

// NewTestDB starts a disposable PostgreSQL container, migrates every core
// model, and returns the connection plus a cleanup func.
func NewTestDB(t *testing.T) (*gorm.DB, func()) {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err, "failed to start postgres container")

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "failed to get connection string")

	time.Sleep(time.Second)

	db, err := gorm.Open(postgresdriver.Open(connStr), &gorm.Config{})
	require.NoError(t, err, "failed to connect to test database")

	err = db.AutoMigrate(
		&pricing.Row{},
		&usage.Event{},
		&budget.TenantBudget{},
		&ledger.TenantBalance{},
		&ledger.FractionalBillingEvent{},
		&scheduler.ProcessingTask{},
	)
	require.NoError(t, err, "failed to migrate test database")

	cleanup := func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	}

	return db, cleanup
}
