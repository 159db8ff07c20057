package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	defaultCacheTTL     = 30 * time.Second
	defaultStoreTimeout = 5 * time.Second
)

type Config struct {
	Port          string `envconfig:"PORT" default:"8080"`
	AllowedOrigin string `envconfig:"ALLOWED_ORIGIN" default:"http://127.0.0.1:3000"`
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	DashboardCacheTTL   time.Duration `envconfig:"DASHBOARD_CACHE_TTL" default:"30s"`
	StoreTimeout        time.Duration `envconfig:"STORE_TIMEOUT" default:"5s"`
	SaleConflictRetries int           `envconfig:"SALE_CONFLICT_RETRIES" default:"3"`
	BusinessTimezone    string        `envconfig:"BUSINESS_TIMEZONE" default:"Local"`

	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat      string `envconfig:"LOG_FORMAT" default:"console"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`

	// Location is BusinessTimezone resolved by Load.
	Location *time.Location `ignored:"true"`
}

func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("process configuration: %w", err)
	}

	if cfg.DashboardCacheTTL <= 0 {
		cfg.DashboardCacheTTL = defaultCacheTTL
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if cfg.RedisDB < 0 {
		cfg.RedisDB = 0
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	cfg.RedisAddr = strings.TrimSpace(cfg.RedisAddr)

	loc, err := time.LoadLocation(strings.TrimSpace(cfg.BusinessTimezone))
	if err != nil {
		return Config{}, fmt.Errorf("BUSINESS_TIMEZONE %q: %w", cfg.BusinessTimezone, err)
	}
	cfg.Location = loc

	return cfg, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

// ConflictRetries converts SALE_CONFLICT_RETRIES to the service option,
// where zero selects the default and a negative value disables retries.
func (c Config) ConflictRetries() int {
	if c.SaleConflictRetries <= 0 {
		return -1
	}
	return c.SaleConflictRetries
}
