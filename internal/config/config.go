// Package config loads process configuration from the environment and the
// optional YAML rules file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all process settings. Load it once at startup.
type Config struct {
	LogLevel  string
	LogFormat string

	HTTPAddr string
	GRPCAddr string

	// Storage is "mysql" (with Redis for quota and locks) or "memory".
	Storage string
	MySQL   MySQLConfig
	Redis   RedisConfig

	Pipeline  PipelineConfig
	Pricing   PricingConfig
	Reconcile ReconcileConfig

	Source      SourceConfig
	Destination DestinationConfig
	Translator  TranslatorConfig
	Competitor  CompetitorConfig

	// RulesFile is the YAML file with the block list and category rules.
	RulesFile string
	Rules     Rules
}

type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	LockTTL  time.Duration
}

type PipelineConfig struct {
	Workers           int
	QueueSize         int
	MaxAttempts       int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	RetryJitter       float64
	CallTimeout       time.Duration
	SignalTimeout     time.Duration
	RetryScanInterval time.Duration
	StaleAfter        time.Duration
	// DailyPublishQuota caps destination publish calls per UTC day.
	DailyPublishQuota int
}

type PricingConfig struct {
	Margin        decimal.Decimal
	CeilingFactor decimal.Decimal
	// ExchangeRate converts source currency into destination currency.
	ExchangeRate          decimal.Decimal
	PriceScale            int32
	MinCategoryConfidence float64
	DefaultCategoryID     string
}

type ReconcileConfig struct {
	Interval    time.Duration
	Concurrency int
	BatchSize   int
}

type SourceConfig struct {
	Adapter     string // http | browser | mock
	Marketplace string
	BaseURL     string
	APIKey      string
	ScriptFile  string
	SettleDelay time.Duration
}

type DestinationConfig struct {
	Adapter       string // http | mock
	BaseURL       string
	APIKey        string
	RatePerSecond float64
	Burst         int
}

type TranslatorConfig struct {
	Adapter    string // http | mock
	BaseURL    string
	APIKey     string
	SourceLang string
	TargetLang string
}

type CompetitorConfig struct {
	// BaseURL empty disables the competitor signal.
	BaseURL  string
	APIKey   string
	MinCount int
}

// Load reads .env (if present) and the environment, then the rules file.
func Load() (*Config, error) {
	_ = godotenv.Load() // .env is optional

	cfg := &Config{
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
		HTTPAddr:  getEnv("HTTP_ADDR", ":8080"),
		GRPCAddr:  getEnv("GRPC_ADDR", ":50051"),
		Storage:   strings.ToLower(getEnv("STORAGE", "mysql")),
		MySQL: MySQLConfig{
			DSN:             getEnv("MYSQL_DSN", "root:root@tcp(localhost:3306)/arbitrage?parseTime=true"),
			MaxOpenConns:    getEnvInt("MYSQL_MAX_OPEN_CONNS", 50),
			MaxIdleConns:    getEnvInt("MYSQL_MAX_IDLE_CONNS", 25),
			ConnMaxLifetime: getEnvDuration("MYSQL_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 100),
			LockTTL:  getEnvDuration("LOCK_TTL", 10*time.Minute),
		},
		Pipeline: PipelineConfig{
			Workers:           getEnvInt("WORKERS", 10),
			QueueSize:         getEnvInt("QUEUE_SIZE", 10000),
			MaxAttempts:       getEnvInt("MAX_ATTEMPTS", 5),
			RetryBaseDelay:    getEnvDuration("RETRY_BASE_DELAY", time.Second),
			RetryMaxDelay:     getEnvDuration("RETRY_MAX_DELAY", 30*time.Second),
			RetryJitter:       getEnvFloat("RETRY_JITTER", 0.1),
			CallTimeout:       getEnvDuration("CALL_TIMEOUT", 30*time.Second),
			SignalTimeout:     getEnvDuration("SIGNAL_TIMEOUT", 5*time.Second),
			RetryScanInterval: getEnvDuration("RETRY_SCAN_INTERVAL", time.Minute),
			StaleAfter:        getEnvDuration("STALE_AFTER", 10*time.Minute),
			DailyPublishQuota: getEnvInt("DAILY_PUBLISH_QUOTA", 100),
		},
		Pricing: PricingConfig{
			Margin:                getEnvDecimal("PRICE_MARGIN", decimal.RequireFromString("0.20")),
			CeilingFactor:         getEnvDecimal("PRICE_CEILING_FACTOR", decimal.RequireFromString("1.10")),
			ExchangeRate:          getEnvDecimal("EXCHANGE_RATE", decimal.NewFromInt(1)),
			PriceScale:            int32(getEnvInt("PRICE_SCALE", 2)),
			MinCategoryConfidence: getEnvFloat("MIN_CATEGORY_CONFIDENCE", 0.6),
			DefaultCategoryID:     getEnv("DEFAULT_CATEGORY_ID", "other"),
		},
		Reconcile: ReconcileConfig{
			Interval:    getEnvDuration("RECONCILE_INTERVAL", 15*time.Minute),
			Concurrency: getEnvInt("RECONCILE_CONCURRENCY", 4),
			BatchSize:   getEnvInt("RECONCILE_BATCH_SIZE", 1000),
		},
		Source: SourceConfig{
			Adapter:     strings.ToLower(getEnv("SOURCE_ADAPTER", "http")),
			Marketplace: getEnv("SOURCE_MARKETPLACE", "source"),
			BaseURL:     getEnv("SOURCE_BASE_URL", ""),
			APIKey:      getEnv("SOURCE_API_KEY", ""),
			ScriptFile:  getEnv("SOURCE_EXTRACT_SCRIPT", ""),
			SettleDelay: getEnvDuration("SOURCE_SETTLE_DELAY", 2*time.Second),
		},
		Destination: DestinationConfig{
			Adapter:       strings.ToLower(getEnv("DESTINATION_ADAPTER", "http")),
			BaseURL:       getEnv("DESTINATION_BASE_URL", ""),
			APIKey:        getEnv("DESTINATION_API_KEY", ""),
			RatePerSecond: getEnvFloat("DESTINATION_RATE_PER_SECOND", 2),
			Burst:         getEnvInt("DESTINATION_BURST", 1),
		},
		Translator: TranslatorConfig{
			Adapter:    strings.ToLower(getEnv("TRANSLATOR_ADAPTER", "http")),
			BaseURL:    getEnv("TRANSLATOR_BASE_URL", ""),
			APIKey:     getEnv("TRANSLATOR_API_KEY", ""),
			SourceLang: getEnv("SOURCE_LANG", "ja"),
			TargetLang: getEnv("TARGET_LANG", "en"),
		},
		Competitor: CompetitorConfig{
			BaseURL:  getEnv("COMPETITOR_BASE_URL", ""),
			APIKey:   getEnv("COMPETITOR_API_KEY", ""),
			MinCount: getEnvInt("COMPETITOR_MIN_COUNT", 3),
		},
		RulesFile: getEnv("RULES_FILE", ""),
	}

	if cfg.RulesFile != "" {
		rules, err := LoadRules(cfg.RulesFile)
		if err != nil {
			return nil, err
		}
		cfg.Rules = *rules
	}
	if cfg.Rules.Locale == "" {
		cfg.Rules.Locale = cfg.Translator.TargetLang
	}
	if cfg.Rules.DefaultCategory != "" {
		cfg.Pricing.DefaultCategoryID = cfg.Rules.DefaultCategory
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Storage != "mysql" && c.Storage != "memory" {
		errs = append(errs, fmt.Errorf("STORAGE must be mysql or memory, got %q", c.Storage))
	}
	if c.Pipeline.Workers <= 0 {
		errs = append(errs, errors.New("WORKERS must be positive"))
	}
	if c.Pipeline.MaxAttempts <= 0 {
		errs = append(errs, errors.New("MAX_ATTEMPTS must be positive"))
	}
	if c.Pipeline.DailyPublishQuota < 0 {
		errs = append(errs, errors.New("DAILY_PUBLISH_QUOTA must not be negative"))
	}
	if c.Pricing.Margin.LessThan(decimal.NewFromInt(-1)) {
		errs = append(errs, errors.New("PRICE_MARGIN must be at least -1"))
	}
	if !c.Pricing.CeilingFactor.IsPositive() {
		errs = append(errs, errors.New("PRICE_CEILING_FACTOR must be positive"))
	}
	if !c.Pricing.ExchangeRate.IsPositive() {
		errs = append(errs, errors.New("EXCHANGE_RATE must be positive"))
	}
	if c.Source.Adapter != "mock" && c.Source.BaseURL == "" {
		errs = append(errs, fmt.Errorf("SOURCE_BASE_URL is required for the %s source adapter", c.Source.Adapter))
	}
	if c.Destination.Adapter != "mock" && c.Destination.BaseURL == "" {
		errs = append(errs, errors.New("DESTINATION_BASE_URL is required"))
	}
	if c.Translator.Adapter != "mock" && c.Translator.BaseURL == "" {
		errs = append(errs, errors.New("TRANSLATOR_BASE_URL is required"))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if i, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := decimal.NewFromString(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return fallback
}
