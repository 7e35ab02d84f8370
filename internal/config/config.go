// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	DB       DBConfig       `mapstructure:"db"`
	Cache    CacheConfig    `mapstructure:"cache"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Snapshot SnapshotConfig `mapstructure:"snapshot"`
	NVD      NVDConfig      `mapstructure:"nvd"`
	Advisory AdvisoryConfig `mapstructure:"advisory"`
	Progress ProgressConfig `mapstructure:"progress"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DBConfig selects and configures the record repository backend.
type DBConfig struct {
	// Backend is "memory" or "postgres".
	Backend                string `mapstructure:"backend"`
	DSN                    string `mapstructure:"dsn"`
	Table                  string `mapstructure:"table"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeSeconds int    `mapstructure:"max_conn_lifetime_seconds"`
}

// CacheConfig controls the read cache the tracking service invalidates.
type CacheConfig struct {
	TTLSeconds int `mapstructure:"ttl_seconds"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
// When disabled, events are broadcast only to websocket subscribers.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// SnapshotConfig selects where raw crawl payloads are archived.
type SnapshotConfig struct {
	// Backend is "none", "local", or "gcs".
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// NVDConfig governs the NVD feed crawl job.
type NVDConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxRetries     int    `mapstructure:"max_retries"`
	PageSize       int    `mapstructure:"page_size"`
}

// AdvisoryConfig governs the advisory index scrape job.
type AdvisoryConfig struct {
	IndexURL       string `mapstructure:"index_url"`
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	RespectRobots  bool   `mapstructure:"respect_robots"`
}

// ProgressConfig tunes the progress hub's batching behavior.
type ProgressConfig struct {
	BufferSize      int `mapstructure:"buffer_size"`
	MaxBatchEvents  int `mapstructure:"max_batch_events"`
	MaxBatchWaitMs  int `mapstructure:"max_batch_wait_ms"`
	SinkTimeoutSecs int `mapstructure:"sink_timeout_seconds"`
}

// LoggingConfig toggles zap development features. Level overrides the
// preset's minimum level when set ("debug", "info", "warn", "error").
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment. Environment variables
// use the CVEWATCH_ prefix with underscores for section separators.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CVEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("db.backend", "memory")
	v.SetDefault("db.table", "cve_records")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime_seconds", 1800)
	v.SetDefault("cache.ttl_seconds", 300)
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("snapshot.backend", "none")
	v.SetDefault("nvd.base_url", "https://services.nvd.nist.gov/rest/json/cves/2.0")
	v.SetDefault("nvd.user_agent", "cvewatch/1.0")
	v.SetDefault("nvd.timeout_seconds", 300)
	v.SetDefault("nvd.max_retries", 3)
	v.SetDefault("nvd.page_size", 2000)
	v.SetDefault("advisory.user_agent", "cvewatch/1.0")
	v.SetDefault("advisory.timeout_seconds", 120)
	v.SetDefault("advisory.respect_robots", true)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_seconds", 10)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.DB.Backend {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when db.backend is postgres")
		}
	default:
		return fmt.Errorf("db.backend must be memory or postgres, got %q", c.DB.Backend)
	}
	switch c.Snapshot.Backend {
	case "none":
	case "local":
		if c.Snapshot.BaseDir == "" {
			return fmt.Errorf("snapshot.base_dir must be set when snapshot.backend is local")
		}
	case "gcs":
		if c.Snapshot.GCSBucket == "" {
			return fmt.Errorf("snapshot.gcs_bucket must be set when snapshot.backend is gcs")
		}
	default:
		return fmt.Errorf("snapshot.backend must be none, local, or gcs, got %q", c.Snapshot.Backend)
	}
	if c.PubSub.Enabled {
		if c.PubSub.ProjectID == "" || c.PubSub.TopicName == "" {
			return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
		}
	}
	if c.Cache.TTLSeconds <= 0 {
		return fmt.Errorf("cache.ttl_seconds must be > 0")
	}
	if c.NVD.TimeoutSeconds <= 0 {
		return fmt.Errorf("nvd.timeout_seconds must be > 0")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	return nil
}

// CacheTTL converts the cache TTL knob into a duration.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

// NVDTimeout converts the NVD timeout knob into a duration.
func (c Config) NVDTimeout() time.Duration {
	return time.Duration(c.NVD.TimeoutSeconds) * time.Second
}

// AdvisoryTimeout converts the advisory timeout knob into a duration.
func (c Config) AdvisoryTimeout() time.Duration {
	return time.Duration(c.Advisory.TimeoutSeconds) * time.Second
}
