// Package config loads and validates extractor configuration via Viper.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Abuse     AbuseConfig     `mapstructure:"abuse"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int  `mapstructure:"port"`
	RequestTimeoutSeconds int  `mapstructure:"request_timeout_seconds"`
	TrustProxyHeaders     bool `mapstructure:"trust_proxy_headers"`
}

// RequestTimeout bounds one API request.
func (s ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSeconds) * time.Second
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	APIKeys []string `mapstructure:"api_keys"`
}

// CrawlerConfig governs job execution.
type CrawlerConfig struct {
	JobWorkers          int    `mapstructure:"job_workers"`
	Concurrency         int    `mapstructure:"concurrency"`
	QueueDepth          int    `mapstructure:"queue_depth"`
	UserAgent           string `mapstructure:"user_agent"`
	RespectRobots       bool   `mapstructure:"respect_robots"`
	MaxPagesDefault     int    `mapstructure:"max_pages_default"`
	MaxBodyBytes        int64  `mapstructure:"max_body_bytes"`
	JobRetentionMinutes int    `mapstructure:"job_retention_minutes"`
	MaxFinishedJobs     int    `mapstructure:"max_finished_jobs"`
}

// JobRetention is how long finished jobs stay queryable.
func (c CrawlerConfig) JobRetention() time.Duration {
	return time.Duration(c.JobRetentionMinutes) * time.Minute
}

// HTTPConfig configures fetch timeouts and retry behavior.
type HTTPConfig struct {
	TimeoutMs        int `mapstructure:"timeout_ms"`
	MaxRetries       int `mapstructure:"max_retries"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
	MaxRedirects     int `mapstructure:"max_redirects"`
}

// Timeout is the default per-attempt fetch timeout.
func (h HTTPConfig) Timeout() time.Duration {
	return time.Duration(h.TimeoutMs) * time.Millisecond
}

// BackoffInitial is the first retry delay.
func (h HTTPConfig) BackoffInitial() time.Duration {
	return time.Duration(h.BackoffInitialMs) * time.Millisecond
}

// BackoffMax caps retry delays.
func (h HTTPConfig) BackoffMax() time.Duration {
	return time.Duration(h.BackoffMaxMs) * time.Millisecond
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	PoolSize           int    `mapstructure:"pool_size"`
	NavTimeoutMs       int    `mapstructure:"nav_timeout_ms"`
	WaitTimeoutMs      int    `mapstructure:"wait_timeout_ms"`
	AutoPromote        bool   `mapstructure:"auto_promote"`
	PromotionThreshold int    `mapstructure:"promotion_threshold"`
	ExecPath           string `mapstructure:"exec_path"`
}

// NavTimeout bounds one render navigation.
func (h HeadlessConfig) NavTimeout() time.Duration {
	return time.Duration(h.NavTimeoutMs) * time.Millisecond
}

// WaitTimeout bounds waitForSelector and network-idle waits.
func (h HeadlessConfig) WaitTimeout() time.Duration {
	return time.Duration(h.WaitTimeoutMs) * time.Millisecond
}

// RateLimitConfig configures per-host politeness pacing of outbound fetches.
type RateLimitConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	DefaultRPS   float64 `mapstructure:"default_rps"`
	DefaultBurst int     `mapstructure:"default_burst"`
}

// AbuseConfig limits inbound fetch-triggering requests per client.
type AbuseConfig struct {
	Enabled       bool        `mapstructure:"enabled"`
	MaxRequests   int         `mapstructure:"max_requests"`
	WindowSeconds int         `mapstructure:"window_seconds"`
	Backend       string      `mapstructure:"backend"`
	Redis         RedisConfig `mapstructure:"redis"`
}

// Window is the sliding window length.
func (a AbuseConfig) Window() time.Duration {
	return time.Duration(a.WindowSeconds) * time.Second
}

// RedisConfig locates the shared abuse-guard store.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// StorageConfig selects where job exports are archived.
type StorageConfig struct {
	Backend string             `mapstructure:"backend"`
	Bucket  string             `mapstructure:"bucket"`
	Prefix  string             `mapstructure:"prefix"`
	Local   LocalStorageConfig `mapstructure:"local"`
}

// LocalStorageConfig configures the filesystem blob store.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN                    string   `mapstructure:"dsn"`
	MaxConns               int32    `mapstructure:"max_conns"`
	MinConns               int32    `mapstructure:"min_conns"`
	MaxConnLifetimeSeconds int      `mapstructure:"max_conn_lifetime_seconds"`
	AllowedTables          []string `mapstructure:"allowed_tables"`
}

// MaxConnLifetime is how long a pooled connection may live.
func (d DBConfig) MaxConnLifetime() time.Duration {
	return time.Duration(d.MaxConnLifetimeSeconds) * time.Second
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig tunes the progress event hub.
type ProgressConfig struct {
	Enabled       bool                `mapstructure:"enabled"`
	LogEnabled    bool                `mapstructure:"log_enabled"`
	BufferSize    int                 `mapstructure:"buffer_size"`
	Batch         ProgressBatchConfig `mapstructure:"batch"`
	SinkTimeoutMs int                 `mapstructure:"sink_timeout_ms"`
}

// ProgressBatchConfig bounds how events are grouped before reaching sinks.
type ProgressBatchConfig struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// LoggingConfig toggles zap development features and file output.
type LoggingConfig struct {
	Development bool              `mapstructure:"development"`
	Level       string            `mapstructure:"level"`
	File        LoggingFileConfig `mapstructure:"file"`
}

// LoggingFileConfig enables rotating file output when Path is set.
type LoggingFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("EXTRACTOR")
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

// setDefaults registers every key so AutomaticEnv can override keys that
// never appear in a config file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("server.trust_proxy_headers", false)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_keys", []string{})
	v.SetDefault("crawler.job_workers", 2)
	v.SetDefault("crawler.concurrency", 5)
	v.SetDefault("crawler.queue_depth", 64)
	v.SetDefault("crawler.user_agent", "web-extractor/1.0 (+https://github.com/JakeFAU/web-extractor)")
	v.SetDefault("crawler.respect_robots", false)
	v.SetDefault("crawler.max_pages_default", 10)
	v.SetDefault("crawler.max_body_bytes", 10<<20)
	v.SetDefault("crawler.job_retention_minutes", 60)
	v.SetDefault("crawler.max_finished_jobs", 1000)
	v.SetDefault("http.timeout_ms", 30000)
	v.SetDefault("http.max_retries", 2)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 5000)
	v.SetDefault("http.max_redirects", 5)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.pool_size", 2)
	v.SetDefault("headless.nav_timeout_ms", 30000)
	v.SetDefault("headless.wait_timeout_ms", 5000)
	v.SetDefault("headless.auto_promote", true)
	v.SetDefault("headless.promotion_threshold", 60)
	v.SetDefault("headless.exec_path", "")
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.default_rps", 2.0)
	v.SetDefault("rate_limit.default_burst", 2)
	v.SetDefault("abuse.enabled", true)
	v.SetDefault("abuse.max_requests", 100)
	v.SetDefault("abuse.window_seconds", 900)
	v.SetDefault("abuse.backend", "memory")
	v.SetDefault("abuse.redis.addr", "localhost:6379")
	v.SetDefault("abuse.redis.password", "")
	v.SetDefault("abuse.redis.db", 0)
	v.SetDefault("abuse.redis.key_prefix", "extractor:abuse:")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.prefix", "jobs")
	v.SetDefault("storage.local.base_dir", "./data")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime_seconds", 1800)
	v.SetDefault("db.allowed_tables", []string{})
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", false)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.batch.max_events", 256)
	v.SetDefault("progress.batch.max_wait_ms", 250)
	v.SetDefault("progress.sink_timeout_ms", 5000)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("logging.file.path", "")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 28)
	v.SetDefault("logging.file.compress", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("server.request_timeout_seconds must be > 0")
	}
	if c.Auth.Enabled && len(c.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth.api_keys must be set when auth is enabled")
	}
	if c.Crawler.JobWorkers <= 0 {
		return fmt.Errorf("crawler.job_workers must be > 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.QueueDepth <= 0 {
		return fmt.Errorf("crawler.queue_depth must be > 0")
	}
	if c.Crawler.MaxPagesDefault <= 0 {
		return fmt.Errorf("crawler.max_pages_default must be > 0")
	}
	if c.Crawler.JobRetentionMinutes < 0 {
		return fmt.Errorf("crawler.job_retention_minutes must be >= 0")
	}
	if c.Crawler.MaxFinishedJobs < 0 {
		return fmt.Errorf("crawler.max_finished_jobs must be >= 0")
	}
	if c.HTTP.TimeoutMs <= 0 {
		return fmt.Errorf("http.timeout_ms must be > 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must be >= 0")
	}
	if c.HTTP.BackoffMaxMs < c.HTTP.BackoffInitialMs {
		return fmt.Errorf("http.backoff_max_ms must be >= http.backoff_initial_ms")
	}
	if c.Headless.Enabled && c.Headless.PoolSize <= 0 {
		return fmt.Errorf("headless.pool_size must be > 0 when headless is enabled")
	}
	if c.Abuse.Enabled {
		if c.Abuse.MaxRequests <= 0 {
			return fmt.Errorf("abuse.max_requests must be > 0")
		}
		if c.Abuse.WindowSeconds <= 0 {
			return fmt.Errorf("abuse.window_seconds must be > 0")
		}
		if !slices.Contains([]string{"memory", "redis"}, c.Abuse.Backend) {
			return fmt.Errorf("abuse.backend must be memory or redis, got %q", c.Abuse.Backend)
		}
		if c.Abuse.Backend == "redis" && c.Abuse.Redis.Addr == "" {
			return fmt.Errorf("abuse.redis.addr must be set for the redis backend")
		}
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir must be set for the local backend")
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be memory, local or gcs, got %q", c.Storage.Backend)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	if c.Progress.Enabled && c.Progress.BufferSize <= 0 {
		return fmt.Errorf("progress.buffer_size must be > 0")
	}
	return nil
}
