package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"billsync/backend/internal/xid"
)

type Config struct {
	Port          string `envconfig:"PORT" default:"8080"`
	AllowedOrigin string `envconfig:"ALLOWED_ORIGIN" default:"http://127.0.0.1:3000"`

	// An empty DatabaseURL selects the in-memory store.
	DatabaseURL string `envconfig:"DATABASE_URL"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`

	EntityCacheSize       int           `envconfig:"ENTITY_CACHE_SIZE" default:"100"`
	RelationshipCacheSize int           `envconfig:"RELATIONSHIP_CACHE_SIZE" default:"50"`
	QueryCacheTTL         time.Duration `envconfig:"QUERY_CACHE_TTL" default:"5m"`
	AnalyticsCacheTTL     time.Duration `envconfig:"ANALYTICS_CACHE_TTL" default:"10m"`

	RecalcDebounce     time.Duration `envconfig:"RECALC_DEBOUNCE" default:"1s"`
	RetryMaxAttempts   int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryBaseDelay     time.Duration `envconfig:"RETRY_BASE_DELAY" default:"200ms"`
	RateLimitPerMinute int           `envconfig:"RATE_LIMIT_PER_MINUTE" default:"600"`

	InstanceID string `envconfig:"INSTANCE_ID"`
}

// Load reads the configuration from the environment and rejects values the
// caches and retry policy cannot work with.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	cfg.AllowedOrigin = strings.TrimSpace(cfg.AllowedOrigin)
	if cfg.InstanceID == "" {
		cfg.InstanceID = xid.New("instance")
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	for _, f := range []struct {
		name  string
		value int64
	}{
		{"ENTITY_CACHE_SIZE", int64(c.EntityCacheSize)},
		{"RELATIONSHIP_CACHE_SIZE", int64(c.RelationshipCacheSize)},
		{"QUERY_CACHE_TTL", int64(c.QueryCacheTTL)},
		{"ANALYTICS_CACHE_TTL", int64(c.AnalyticsCacheTTL)},
		{"RECALC_DEBOUNCE", int64(c.RecalcDebounce)},
		{"RETRY_MAX_ATTEMPTS", int64(c.RetryMaxAttempts)},
		{"RETRY_BASE_DELAY", int64(c.RetryBaseDelay)},
		{"RATE_LIMIT_PER_MINUTE", int64(c.RateLimitPerMinute)},
	} {
		if f.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", f.name))
		}
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

// NewLogger builds the process logger. A nil writer means stdout.
func NewLogger(cfg Config, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL %q: %w", s, err)
	}
	return level, nil
}
