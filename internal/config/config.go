package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration tree for llmcore, loaded via viper from
// a YAML file (if present) layered with environment variable overrides.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Budget     BudgetConfig     `mapstructure:"budget"`
	Pricing    PricingConfig    `mapstructure:"pricing"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Alert      AlertConfig      `mapstructure:"alert"`
}

type ServerConfig struct {
	Port             int           `mapstructure:"port"`
	MetricsPort      int           `mapstructure:"metrics_port"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	GracefulShutdown time.Duration `mapstructure:"graceful_shutdown"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MaxIdleConns    int           `mapstructure:"max_idle_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

type MonitoringConfig struct {
	EnableMetrics bool   `mapstructure:"enable_metrics"`
	EnableTracing bool   `mapstructure:"enable_tracing"`
	ServiceName   string `mapstructure:"service_name"`
}

// BudgetConfig carries the environment-configurable budget decision-table
// knobs.
type BudgetConfig struct {
	DefaultOutputTokenEstimate int           `mapstructure:"default_output_token_estimate"`
	SoftRatio                  float64       `mapstructure:"soft_ratio"`
	CacheTTL                   time.Duration `mapstructure:"cache_ttl"`
}

type PricingConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// LedgerConfig holds the fractional-billing defaults: free tier allowance
// and the default rule's floor/percentage.
type LedgerConfig struct {
	FreeTierLimit      int     `mapstructure:"free_tier_limit"`
	DefaultFloorUSD    string  `mapstructure:"default_floor_usd"`
	DefaultPercentage  float64 `mapstructure:"default_percentage"`
	MonthlyCreditDemo  string  `mapstructure:"monthly_credit_demo"`
	MonthlyCreditStart string  `mapstructure:"monthly_credit_starter"`
	MonthlyCreditPro   string  `mapstructure:"monthly_credit_pro"`
	MonthlyCreditEnt   string  `mapstructure:"monthly_credit_enterprise"`
}

type SchedulerConfig struct {
	BaseStageSeconds    int            `mapstructure:"base_stage_seconds"`
	ResourceMultipliers map[string]int `mapstructure:"resource_multipliers"`
	MinDurationSeconds  int            `mapstructure:"min_duration_seconds"`
}

type AlertConfig struct {
	WebhookURL     string        `mapstructure:"webhook_url"`
	WebhookTimeout time.Duration `mapstructure:"webhook_timeout"`
}

var cfg *Config

func Load(configPath string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.AddConfigPath(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/llmcore")
	}

	setDefaults()

	viper.AutomaticEnv()
	bindEnvVars()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	cfg = &config
	return cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.metrics_port", 9090)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "300s")
	viper.SetDefault("server.graceful_shutdown", "30s")

	viper.SetDefault("database.max_connections", 100)
	viper.SetDefault("database.max_idle_connections", 10)
	viper.SetDefault("database.conn_max_lifetime", "1h")

	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 100)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output_path", "")

	viper.SetDefault("monitoring.enable_metrics", true)
	viper.SetDefault("monitoring.enable_tracing", true)
	viper.SetDefault("monitoring.service_name", "llmcore")

	viper.SetDefault("budget.default_output_token_estimate", 500)
	viper.SetDefault("budget.soft_ratio", 0.8)
	viper.SetDefault("budget.cache_ttl", "30s")

	viper.SetDefault("pricing.cache_ttl", "60s")

	viper.SetDefault("ledger.free_tier_limit", 3)
	viper.SetDefault("ledger.default_floor_usd", "0.20")
	viper.SetDefault("ledger.default_percentage", 0.01)
	viper.SetDefault("ledger.monthly_credit_demo", "5.00")
	viper.SetDefault("ledger.monthly_credit_starter", "25.00")
	viper.SetDefault("ledger.monthly_credit_pro", "100.00")
	viper.SetDefault("ledger.monthly_credit_enterprise", "1000.00")

	viper.SetDefault("scheduler.base_stage_seconds", 15)
	viper.SetDefault("scheduler.resource_multipliers", map[string]int{
		"standard": 1, "priority": 3, "premium": 5, "enterprise": 10,
	})
	viper.SetDefault("scheduler.min_duration_seconds", 20)

	viper.SetDefault("alert.webhook_timeout", "2s")
}

func bindEnvVars() {
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.metrics_port", "METRICS_PORT")

	viper.BindEnv("database.url", "DATABASE_URL")
	viper.BindEnv("database.max_connections", "DATABASE_MAX_CONNECTIONS")
	viper.BindEnv("database.max_idle_connections", "DATABASE_MAX_IDLE_CONNECTIONS")

	viper.BindEnv("redis.url", "REDIS_URL")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("logging.level", "LOG_LEVEL")
	viper.BindEnv("logging.format", "LOG_FORMAT")

	viper.BindEnv("monitoring.enable_metrics", "ENABLE_METRICS")
	viper.BindEnv("monitoring.enable_tracing", "ENABLE_TRACING")

	viper.BindEnv("budget.default_output_token_estimate", "DEFAULT_OUTPUT_TOKEN_ESTIMATE")
	viper.BindEnv("budget.soft_ratio", "ALERT_SOFT_RATIO")

	viper.BindEnv("ledger.free_tier_limit", "FREE_TIER_LIMIT")

	viper.BindEnv("scheduler.base_stage_seconds", "BASE_STAGE_SECONDS")

	viper.BindEnv("alert.webhook_url", "ALERT_WEBHOOK_URL")
}

func Get() *Config {
	return cfg
}
