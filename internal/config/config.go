package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	OpenRouter OpenRouterConfig `yaml:"openrouter" mapstructure:"openrouter"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Enrich     EnrichConfig     `yaml:"enrich" mapstructure:"enrich"`
	HTS        HTSConfig        `yaml:"hts" mapstructure:"hts"`
	FedReg     FedRegConfig     `yaml:"fedreg" mapstructure:"fedreg"`
	Sync       SyncConfig       `yaml:"sync" mapstructure:"sync"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	SyncSecret     string   `yaml:"sync_secret" mapstructure:"sync_secret"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// OpenRouterConfig configures the primary AI provider.
type OpenRouterConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	Model       string `yaml:"model" mapstructure:"model"`
	Referer     string `yaml:"referer" mapstructure:"referer"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// AnthropicConfig configures the secondary AI provider.
type AnthropicConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	Model       string `yaml:"model" mapstructure:"model"`
	MaxTokens   int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// EnrichConfig configures on-demand enrichment.
type EnrichConfig struct {
	MaxConcurrency   int `yaml:"max_concurrency" mapstructure:"max_concurrency"`
	BreakerThreshold int `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs int `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// HTSConfig configures the official schedule API.
type HTSConfig struct {
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
}

// FedRegConfig configures the document registry.
type FedRegConfig struct {
	BaseURL      string   `yaml:"base_url" mapstructure:"base_url"`
	Agencies     []string `yaml:"agencies" mapstructure:"agencies"`
	Term         string   `yaml:"term" mapstructure:"term"`
	LookbackDays int      `yaml:"lookback_days" mapstructure:"lookback_days"`
	TimeoutSecs  int      `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerSec   float64  `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
}

// SyncConfig configures the scheduled sync jobs.
type SyncConfig struct {
	MFNBatchSize      int    `yaml:"mfn_batch_size" mapstructure:"mfn_batch_size"`
	MFNBatchPauseMS   int    `yaml:"mfn_batch_pause_ms" mapstructure:"mfn_batch_pause_ms"`
	MFNCadence        string `yaml:"mfn_cadence" mapstructure:"mfn_cadence"`
	Section301Cadence string `yaml:"section301_cadence" mapstructure:"section301_cadence"`
	LockTTLMins       int    `yaml:"lock_ttl_mins" mapstructure:"lock_ttl_mins"`
}

// LockTTL returns the sync lease duration.
func (s SyncConfig) LockTTL() time.Duration {
	return time.Duration(s.LockTTLMins) * time.Minute
}

// CacheConfig configures the two-tier context cache.
type CacheConfig struct {
	RequestTTLSecs    int     `yaml:"request_ttl_secs" mapstructure:"request_ttl_secs"`
	ProcessTTLSecs    int     `yaml:"process_ttl_secs" mapstructure:"process_ttl_secs"`
	ProcessMaxEntries int     `yaml:"process_max_entries" mapstructure:"process_max_entries"`
	EvictFraction     float64 `yaml:"evict_fraction" mapstructure:"evict_fraction"`
}

// MonitoringConfig configures sync alerting.
type MonitoringConfig struct {
	WebhookURL             string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs      int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours    int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	MFNOverdueHours        int     `yaml:"mfn_overdue_hours" mapstructure:"mfn_overdue_hours"`
	Section301OverdueHours int     `yaml:"section301_overdue_hours" mapstructure:"section301_overdue_hours"`
	MinCacheHitRate        float64 `yaml:"min_cache_hit_rate" mapstructure:"min_cache_hit_rate"`
	AlertCooldownMins      int     `yaml:"alert_cooldown_mins" mapstructure:"alert_cooldown_mins"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("TARIFF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.sync_secret", "")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("openrouter.key", "")
	v.SetDefault("openrouter.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("openrouter.model", "anthropic/claude-3-haiku")
	v.SetDefault("openrouter.referer", "")
	v.SetDefault("openrouter.timeout_secs", 30)
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("anthropic.timeout_secs", 30)
	v.SetDefault("enrich.max_concurrency", 5)
	v.SetDefault("enrich.breaker_threshold", 5)
	v.SetDefault("enrich.breaker_reset_secs", 60)
	v.SetDefault("hts.base_url", "https://hts.usitc.gov")
	v.SetDefault("hts.timeout_secs", 20)
	v.SetDefault("hts.rate_per_sec", 2)
	v.SetDefault("fedreg.base_url", "https://www.federalregister.gov/api/v1")
	v.SetDefault("fedreg.agencies", []string{"trade-representative-office-of-united-states"})
	v.SetDefault("fedreg.term", "section 301")
	v.SetDefault("fedreg.lookback_days", 90)
	v.SetDefault("fedreg.timeout_secs", 30)
	v.SetDefault("fedreg.rate_per_sec", 5)
	v.SetDefault("sync.mfn_batch_size", 50)
	v.SetDefault("sync.mfn_batch_pause_ms", 2000)
	v.SetDefault("sync.mfn_cadence", "weekly")
	v.SetDefault("sync.section301_cadence", "daily")
	v.SetDefault("sync.lock_ttl_mins", 120)
	v.SetDefault("cache.request_ttl_secs", 300)
	v.SetDefault("cache.process_ttl_secs", 14400)
	v.SetDefault("cache.process_max_entries", 1000)
	v.SetDefault("cache.evict_fraction", 0.1)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.mfn_overdue_hours", 24*8)
	v.SetDefault("monitoring.section301_overdue_hours", 48)
	v.SetDefault("monitoring.min_cache_hit_rate", 0)
	v.SetDefault("monitoring.alert_cooldown_mins", 60)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a mode depends on and reports every problem
// at once. Modes: serve, sync, enrich, store.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for postgres")
		}
	case "sqlite":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required (sqlite file path)")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of postgres, sqlite", c.Store.Driver))
	}

	needAI := false
	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if c.Server.SyncSecret == "" {
			errs = append(errs, "server.sync_secret is required")
		}
		needAI = true
	case "sync", "enrich":
		needAI = true
	case "store":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if needAI {
		if c.OpenRouter.Key == "" && c.Anthropic.Key == "" {
			errs = append(errs, "openrouter.key or anthropic.key is required")
		}
		if c.Enrich.MaxConcurrency < 1 || c.Enrich.MaxConcurrency > 50 {
			errs = append(errs, "enrich.max_concurrency must be between 1 and 50")
		}
	}
	if c.Sync.MFNBatchSize < 1 {
		errs = append(errs, "sync.mfn_batch_size must be > 0")
	}
	if c.Cache.EvictFraction <= 0 || c.Cache.EvictFraction > 1 {
		errs = append(errs, "cache.evict_fraction must be in (0, 1]")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
