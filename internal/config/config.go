// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend names accepted by the pluggable sections.
const (
	BackendMemory      = "memory"
	BackendPostgres    = "postgres"
	BackendRedis       = "redis"
	BackendMeilisearch = "meilisearch"
	BackendPubSub      = "pubsub"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Search      SearchConfig      `mapstructure:"search"`
	Crawler     CrawlerConfig     `mapstructure:"crawler"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DatabaseConfig controls access to the relational database. An empty DSN
// selects the in-memory store.
type DatabaseConfig struct {
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
	Migrate                bool   `mapstructure:"migrate"`
}

// RedisConfig configures the progress store and distributed lock. An empty
// Addr selects the in-memory implementations.
type RedisConfig struct {
	Addr               string `mapstructure:"addr"`
	Password           string `mapstructure:"password"`
	DB                 int    `mapstructure:"db"`
	ProgressTTLSeconds int    `mapstructure:"progress_ttl_seconds"`
}

// SearchConfig selects and configures the search engine.
type SearchConfig struct {
	Backend string `mapstructure:"backend"`
	Host    string `mapstructure:"host"`
	APIKey  string `mapstructure:"api_key"`
	Index   string `mapstructure:"index"`
}

// CrawlerConfig governs the crawler subprocess and the worker pool.
type CrawlerConfig struct {
	Binary         string   `mapstructure:"binary"`
	Args           []string `mapstructure:"args"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
	Concurrency    int      `mapstructure:"concurrency"`
	QueueDepth     int      `mapstructure:"queue_depth"`
}

// CoordinatorConfig holds pipeline tuning.
type CoordinatorConfig struct {
	BatchSize          int    `mapstructure:"batch_size"`
	ContentCap         int    `mapstructure:"content_cap"`
	MaxRetries         int    `mapstructure:"max_retries"`
	BackoffBaseSeconds int    `mapstructure:"backoff_base_seconds"`
	DefaultMaxDepth    int    `mapstructure:"default_max_depth"`
	Lock               string `mapstructure:"lock"`
	LockTTLSeconds     int    `mapstructure:"lock_ttl_seconds"`
}

// SchedulerConfig controls the periodic reindex scan.
type SchedulerConfig struct {
	Enabled                bool `mapstructure:"enabled"`
	ReindexIntervalMinutes int  `mapstructure:"reindex_interval_minutes"`
	RunOnStart             bool `mapstructure:"run_on_start"`
}

// PubSubConfig holds metadata for job notifications. An empty ProjectID
// selects the in-memory publisher.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SITESEARCH")
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
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime_minutes", 30)
	v.SetDefault("database.migrate", true)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.progress_ttl_seconds", 3600)
	v.SetDefault("search.backend", BackendMemory)
	v.SetDefault("search.host", "http://localhost:7700")
	v.SetDefault("search.index", "pages")
	v.SetDefault("crawler.binary", "web-parser")
	v.SetDefault("crawler.timeout_seconds", 300)
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.queue_depth", 64)
	v.SetDefault("coordinator.batch_size", 10)
	v.SetDefault("coordinator.content_cap", 10000)
	v.SetDefault("coordinator.max_retries", 3)
	v.SetDefault("coordinator.backoff_base_seconds", 60)
	v.SetDefault("coordinator.default_max_depth", 2)
	v.SetDefault("coordinator.lock", BackendMemory)
	v.SetDefault("coordinator.lock_ttl_seconds", 3600)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.reindex_interval_minutes", 60)
	v.SetDefault("scheduler.run_on_start", false)
	v.SetDefault("pubsub.topic_name", "scrape-events")
	v.SetDefault("metrics.enabled", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Crawler.Binary == "" {
		return fmt.Errorf("crawler.binary must be set")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.QueueDepth <= 0 {
		return fmt.Errorf("crawler.queue_depth must be > 0")
	}
	if c.Crawler.TimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.timeout_seconds must be > 0")
	}
	if c.Coordinator.BatchSize <= 0 {
		return fmt.Errorf("coordinator.batch_size must be > 0")
	}
	if c.Coordinator.ContentCap <= 0 {
		return fmt.Errorf("coordinator.content_cap must be > 0")
	}
	if c.Coordinator.MaxRetries <= 0 {
		return fmt.Errorf("coordinator.max_retries must be > 0")
	}
	if c.Coordinator.BackoffBaseSeconds <= 0 {
		return fmt.Errorf("coordinator.backoff_base_seconds must be > 0")
	}
	if d := c.Coordinator.DefaultMaxDepth; d < 1 || d > 5 {
		return fmt.Errorf("coordinator.default_max_depth must be between 1 and 5")
	}
	switch c.Coordinator.Lock {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr must be set when coordinator.lock is redis")
		}
	default:
		return fmt.Errorf("coordinator.lock must be %q or %q", BackendMemory, BackendRedis)
	}
	switch c.Search.Backend {
	case BackendMemory:
	case BackendMeilisearch:
		if c.Search.Host == "" {
			return fmt.Errorf("search.host must be set when search.backend is meilisearch")
		}
		if c.Search.Index == "" {
			return fmt.Errorf("search.index must be set")
		}
	default:
		return fmt.Errorf("search.backend must be %q or %q", BackendMemory, BackendMeilisearch)
	}
	if c.Scheduler.Enabled && c.Scheduler.ReindexIntervalMinutes <= 0 {
		return fmt.Errorf("scheduler.reindex_interval_minutes must be > 0 when the scheduler is enabled")
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return fmt.Errorf("pubsub.topic_name must be set when pubsub.project_id is set")
	}
	return nil
}

// CrawlTimeout is the wall-clock budget for one crawler run.
func (c Config) CrawlTimeout() time.Duration {
	return time.Duration(c.Crawler.TimeoutSeconds) * time.Second
}

// ProgressTTL is how long a progress record outlives its last write.
func (c Config) ProgressTTL() time.Duration {
	return time.Duration(c.Redis.ProgressTTLSeconds) * time.Second
}

// BackoffBase is the delay before the first retry.
func (c Config) BackoffBase() time.Duration {
	return time.Duration(c.Coordinator.BackoffBaseSeconds) * time.Second
}

// LockTTL bounds how long a crashed process can hold a Redis site lock.
func (c Config) LockTTL() time.Duration {
	return time.Duration(c.Coordinator.LockTTLSeconds) * time.Second
}

// ScanInterval is the period of the reindex scheduler.
func (c Config) ScanInterval() time.Duration {
	return time.Duration(c.Scheduler.ReindexIntervalMinutes) * time.Minute
}

// ShutdownTimeout bounds graceful HTTP shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// StoreBackend reports which page/site store the DSN selects.
func (c Config) StoreBackend() string {
	if c.Database.DSN == "" {
		return BackendMemory
	}
	return BackendPostgres
}
