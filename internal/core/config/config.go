package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level application config.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Database    DatabaseConfig    `koanf:"database"`
	FastStore   FastStoreConfig   `koanf:"faststore"`
	Ingest      IngestConfig      `koanf:"ingest"`
	Dedup       DedupConfig       `koanf:"dedup"`
	Enrich      EnrichConfig      `koanf:"enrich"`
	Aggregation AggregationConfig `koanf:"aggregation"`
	Realtime    RealtimeConfig    `koanf:"realtime"`
	Cache       CacheConfig       `koanf:"cache"`
}

type ServerConfig struct {
	Port          int    `koanf:"port"`
	Host          string `koanf:"host"`
	MaxBodySizeMB int    `koanf:"max_body_size_mb"`
	Mode          string `koanf:"mode"` // debug | release
}

type DatabaseConfig struct {
	Type         string `koanf:"type"`
	DSN          string `koanf:"dsn"`
	MaxOpenConns int    `koanf:"max_open_conns"`
	MaxIdleConns int    `koanf:"max_idle_conns"`
	AutoMigrate  bool   `koanf:"auto_migrate"`
}

type FastStoreConfig struct {
	// Type selects the fast-store backend: redis for deployments, memory
	// for local development and tests.
	Type      string        `koanf:"type"`
	Addr      string        `koanf:"addr"`
	Password  string        `koanf:"password"`
	DB        int           `koanf:"db"`
	OpTimeout time.Duration `koanf:"op_timeout"`
}

type IngestConfig struct {
	BatchSize    int           `koanf:"batch_size"`
	BatchTimeout time.Duration `koanf:"batch_timeout"`
	MaxRetries   int           `koanf:"max_retries"`
	RetryBackoff time.Duration `koanf:"retry_backoff"`
	// MaxFutureSkew bounds how far ahead of server time occurred_at may be.
	MaxFutureSkew time.Duration `koanf:"max_future_skew"`
	// RetentionFloor bounds how far in the past occurred_at may be.
	RetentionFloor time.Duration `koanf:"retention_floor"`
}

type DedupConfig struct {
	FingerprintTTL time.Duration `koanf:"fingerprint_ttl"`
	SweepInterval  time.Duration `koanf:"sweep_interval"`
	// SweepWindow is how far back each sweep re-examines ingested rows.
	SweepWindow time.Duration `koanf:"sweep_window"`
	// WarnRate and CriticalRate are duplicate-rate health thresholds in
	// percent of recently checked events.
	WarnRate     float64 `koanf:"warn_rate"`
	CriticalRate float64 `koanf:"critical_rate"`
}

type EnrichConfig struct {
	Workers      int           `koanf:"workers"`
	QueueSize    int           `koanf:"queue_size"`
	MaxRetries   int           `koanf:"max_retries"`
	RetryBackoff time.Duration `koanf:"retry_backoff"`
}

type AggregationConfig struct {
	Enabled bool `koanf:"enabled"`
	// LockTTL bounds how long a crashed job holds its period lock.
	LockTTL         time.Duration `koanf:"lock_ttl"`
	DailyInterval   time.Duration `koanf:"daily_interval"`
	WeeklyInterval  time.Duration `koanf:"weekly_interval"`
	MonthlyInterval time.Duration `koanf:"monthly_interval"`
	BatchSize       int           `koanf:"batch_size"`
}

type RealtimeConfig struct {
	CheckpointInterval  time.Duration `koanf:"checkpoint_interval"`
	ReconcileInterval   time.Duration `koanf:"reconcile_interval"`
	RateWindow          time.Duration `koanf:"rate_window"`
	HistogramMaxSamples int           `koanf:"histogram_max_samples"`
}

type CacheConfig struct {
	ShortTTL  time.Duration `koanf:"short_ttl"`
	MediumTTL time.Duration `koanf:"medium_ttl"`
	LongTTL   time.Duration `koanf:"long_ttl"`
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d (must be 1-65535)", c.Server.Port)
	}
	if strings.TrimSpace(c.Server.Host) == "" {
		return fmt.Errorf("server.host is required")
	}
	if c.Server.MaxBodySizeMB <= 0 {
		return fmt.Errorf("server.max_body_size_mb must be > 0")
	}
	if c.Server.Mode != "debug" && c.Server.Mode != "release" {
		return fmt.Errorf("invalid server.mode %q (must be debug or release)", c.Server.Mode)
	}

	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be > 0")
	}
	if c.Database.MaxIdleConns <= 0 {
		return fmt.Errorf("database.max_idle_conns must be > 0")
	}
	if c.Database.Type != "" && c.Database.Type != "postgres" {
		return fmt.Errorf("unsupported database.type %q", c.Database.Type)
	}

	switch c.FastStore.Type {
	case "redis":
		if strings.TrimSpace(c.FastStore.Addr) == "" {
			return fmt.Errorf("faststore.addr is required when faststore.type is redis")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported faststore.type %q (must be redis or memory)", c.FastStore.Type)
	}
	if c.FastStore.OpTimeout <= 0 {
		return fmt.Errorf("faststore.op_timeout must be > 0")
	}

	if c.Ingest.BatchSize <= 0 {
		return fmt.Errorf("ingest.batch_size must be > 0")
	}
	if c.Ingest.BatchTimeout <= 0 {
		return fmt.Errorf("ingest.batch_timeout must be > 0")
	}
	if c.Ingest.MaxRetries < 0 {
		return fmt.Errorf("ingest.max_retries must be >= 0")
	}
	if c.Ingest.MaxFutureSkew <= 0 {
		return fmt.Errorf("ingest.max_future_skew must be > 0")
	}
	if c.Ingest.RetentionFloor <= 0 {
		return fmt.Errorf("ingest.retention_floor must be > 0")
	}

	if c.Dedup.FingerprintTTL <= 0 {
		return fmt.Errorf("dedup.fingerprint_ttl must be > 0")
	}
	if c.Dedup.SweepInterval <= 0 {
		return fmt.Errorf("dedup.sweep_interval must be > 0")
	}
	if c.Dedup.SweepWindow < c.Dedup.SweepInterval {
		return fmt.Errorf("dedup.sweep_window must cover at least one sweep interval")
	}
	if c.Dedup.WarnRate < 0 || c.Dedup.WarnRate > 100 {
		return fmt.Errorf("dedup.warn_rate must be 0-100")
	}
	if c.Dedup.CriticalRate < c.Dedup.WarnRate || c.Dedup.CriticalRate > 100 {
		return fmt.Errorf("dedup.critical_rate must be >= warn_rate and <= 100")
	}

	if c.Enrich.Workers <= 0 {
		return fmt.Errorf("enrich.workers must be > 0")
	}
	if c.Enrich.QueueSize <= 0 {
		return fmt.Errorf("enrich.queue_size must be > 0")
	}
	if c.Enrich.MaxRetries < 0 {
		return fmt.Errorf("enrich.max_retries must be >= 0")
	}

	if c.Aggregation.LockTTL <= 0 {
		return fmt.Errorf("aggregation.lock_ttl must be > 0")
	}
	if c.Aggregation.DailyInterval <= 0 || c.Aggregation.WeeklyInterval <= 0 || c.Aggregation.MonthlyInterval <= 0 {
		return fmt.Errorf("aggregation intervals must be > 0")
	}
	if c.Aggregation.BatchSize <= 0 {
		return fmt.Errorf("aggregation.batch_size must be > 0")
	}

	if c.Realtime.CheckpointInterval <= 0 {
		return fmt.Errorf("realtime.checkpoint_interval must be > 0")
	}
	if c.Realtime.ReconcileInterval <= 0 {
		return fmt.Errorf("realtime.reconcile_interval must be > 0")
	}
	if c.Realtime.RateWindow <= 0 {
		return fmt.Errorf("realtime.rate_window must be > 0")
	}
	if c.Realtime.HistogramMaxSamples <= 0 {
		return fmt.Errorf("realtime.histogram_max_samples must be > 0")
	}

	if c.Cache.ShortTTL <= 0 || c.Cache.MediumTTL <= 0 || c.Cache.LongTTL <= 0 {
		return fmt.Errorf("cache TTLs must be > 0")
	}
	if c.Cache.ShortTTL > c.Cache.MediumTTL || c.Cache.MediumTTL > c.Cache.LongTTL {
		return fmt.Errorf("cache TTLs must satisfy short <= medium <= long")
	}

	return nil
}

// Load parses config from defaults, an optional YAML file, then PULSE_
// environment variables, and validates the result. Env keys use double
// underscores as section separators, e.g. PULSE_SERVER__PORT=9090.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"server.port":             8080,
		"server.host":             "0.0.0.0",
		"server.max_body_size_mb": 4,
		"server.mode":             "release",

		"database.type":           "postgres",
		"database.dsn":            "",
		"database.max_open_conns": 25,
		"database.max_idle_conns": 25,
		"database.auto_migrate":   true,

		"faststore.type":       "redis",
		"faststore.addr":       "localhost:6379",
		"faststore.password":   "",
		"faststore.db":         0,
		"faststore.op_timeout": "2s",

		"ingest.batch_size":      500,
		"ingest.batch_timeout":   "200ms",
		"ingest.max_retries":     3,
		"ingest.retry_backoff":   "100ms",
		"ingest.max_future_skew": "5m",
		"ingest.retention_floor": "2160h", // 90 days

		"dedup.fingerprint_ttl": "60s",
		"dedup.sweep_interval":  "5m",
		"dedup.sweep_window":    "15m",
		"dedup.warn_rate":       5.0,
		"dedup.critical_rate":   20.0,

		"enrich.workers":       4,
		"enrich.queue_size":    4096,
		"enrich.max_retries":   3,
		"enrich.retry_backoff": "50ms",

		"aggregation.enabled":          true,
		"aggregation.lock_ttl":         "10m",
		"aggregation.daily_interval":   "1h",
		"aggregation.weekly_interval":  "6h",
		"aggregation.monthly_interval": "12h",
		"aggregation.batch_size":       5000,

		"realtime.checkpoint_interval":   "30s",
		"realtime.reconcile_interval":    "5m",
		"realtime.rate_window":           "60s",
		"realtime.histogram_max_samples": 1000,

		"cache.short_ttl":  "1m",
		"cache.medium_ttl": "5m",
		"cache.long_ttl":   "1h",
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider("PULSE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "PULSE_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}
