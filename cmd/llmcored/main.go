// Command llmcored wires the core components into a running process: it
// owns the Postgres/Redis connections, runs migrations, and serves a
// metrics-only surface. config.Load -> logger.Initialize -> dependency
// wiring -> graceful shutdown. There is no HTTP router, auth, or admin UI
// here; those live in a layer outside this repo.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/llmcore/llmcore/internal/alert"
	"github.com/llmcore/llmcore/internal/budget"
	"github.com/llmcore/llmcore/internal/config"
	"github.com/llmcore/llmcore/internal/ledger"
	"github.com/llmcore/llmcore/internal/llm"
	"github.com/llmcore/llmcore/internal/lock"
	applogger "github.com/llmcore/llmcore/internal/logger"
	"github.com/llmcore/llmcore/internal/pricing"
	"github.com/llmcore/llmcore/internal/scheduler"
	"github.com/llmcore/llmcore/internal/tracer"
	"github.com/llmcore/llmcore/internal/usage"
)

// App bundles every wired component a caller embedding llmcore (or a future
// HTTP layer outside this repo's scope) needs a handle to.
type App struct {
	DB        *gorm.DB
	Redis     *redis.Client
	Prices    *pricing.Table
	Events    *usage.Store
	Budgets   *budget.Guard
	Ledger    *ledger.Ledger
	Scheduler *scheduler.Scheduler
	Wrapper   *llm.Wrapper
	Logger    *zap.Logger
}

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := applogger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	app, err := buildApp(cfg, log)
	if err != nil {
		log.Fatal("failed to build application", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: promhttp.Handler(),
	}

	go func() {
		log.Info("serving metrics", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("metrics server shutdown error", zap.Error(err))
	}
}

func buildApp(cfg *config.Config, log *zap.Logger) (*App, error) {
	gormLog := gormlogger.New(applogger.NewGormLogger(log), gormlogger.Config{
		SlowThreshold:             time.Second,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
		ParameterizedQueries:      true,
	})
	db, err := gorm.Open(postgres.Open(cfg.Database.URL), &gorm.Config{
		Logger: gormLog,
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("unwrap sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.Database.MaxConnections)
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	if err := db.AutoMigrate(
		&pricing.Row{},
		&usage.Event{},
		&budget.TenantBudget{},
		&ledger.TenantBalance{},
		&ledger.FractionalBillingEvent{},
		&scheduler.ProcessingTask{},
	); err != nil {
		return nil, fmt.Errorf("automigrate: %w", err)
	}

	var rdb *redis.Client
	var locks *lock.Manager
	var budgetCache *budget.Cache
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		if cfg.Redis.Password != "" {
			opts.Password = cfg.Redis.Password
		}
		opts.DB = cfg.Redis.DB
		opts.PoolSize = cfg.Redis.PoolSize
		rdb = redis.NewClient(opts)
		locks = lock.NewManager(rdb, log)
		budgetCache = budget.NewCache(rdb, log, cfg.Budget.CacheTTL)
	} else {
		log.Warn("no redis URL configured: running without distributed locks or budget cache")
	}

	prices := pricing.NewTable(db, cfg.Pricing.CacheTTL)
	events := usage.NewStore(db)
	budgets := budget.NewGuard(db, budgetCache, cfg.Budget.SoftRatio)

	tierCredits := ledger.TierCredits{
		ledger.TierDemo:       mustDecimal(cfg.Ledger.MonthlyCreditDemo),
		ledger.TierStarter:    mustDecimal(cfg.Ledger.MonthlyCreditStart),
		ledger.TierPro:        mustDecimal(cfg.Ledger.MonthlyCreditPro),
		ledger.TierEnterprise: mustDecimal(cfg.Ledger.MonthlyCreditEnt),
	}
	billing := ledger.New(db, locks, ledger.DefaultRules(cfg.Ledger.FreeTierLimit), tierCredits, cfg.Ledger.FreeTierLimit)

	multipliers := make(map[scheduler.Tier]int, len(cfg.Scheduler.ResourceMultipliers))
	for tier, mult := range cfg.Scheduler.ResourceMultipliers {
		multipliers[scheduler.Tier(tier)] = mult
	}
	sched := scheduler.New(db, locks, log,
		scheduler.WithBaseStageSeconds(cfg.Scheduler.BaseStageSeconds),
		scheduler.WithMultipliers(multipliers),
		scheduler.WithMinDuration(cfg.Scheduler.MinDurationSeconds),
	)

	tr := tracer.New(cfg.Monitoring.EnableTracing, cfg.Monitoring.ServiceName)

	var alerter alert.Alerter
	if cfg.Alert.WebhookURL != "" {
		alerter = alert.NewWebhookAlerter(cfg.Alert.WebhookURL, cfg.Alert.WebhookTimeout, log)
	} else {
		alerter = alert.NewLogAlerter(log)
	}

	wrapper := llm.New(prices, budgets, events, tr, alerter, log,
		llm.WithDefaultOutputTokens(cfg.Budget.DefaultOutputTokenEstimate),
	)

	return &App{
		DB: db, Redis: rdb, Prices: prices, Events: events, Budgets: budgets,
		Ledger: billing, Scheduler: sched, Wrapper: wrapper, Logger: log,
	}, nil
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
