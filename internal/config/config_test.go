package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 5, cfg.Crawler.Concurrency)
	require.Equal(t, 10, cfg.Crawler.MaxPagesDefault)
	require.Equal(t, 30*time.Second, cfg.HTTP.Timeout())
	require.Equal(t, 2, cfg.HTTP.MaxRetries)
	require.Equal(t, 250*time.Millisecond, cfg.HTTP.BackoffInitial())
	require.Equal(t, 5*time.Second, cfg.HTTP.BackoffMax())
	require.Equal(t, 5*time.Second, cfg.Headless.WaitTimeout())
	require.True(t, cfg.Abuse.Enabled)
	require.Equal(t, 100, cfg.Abuse.MaxRequests)
	require.Equal(t, 15*time.Minute, cfg.Abuse.Window())
	require.Equal(t, "memory", cfg.Abuse.Backend)
	require.Equal(t, "memory", cfg.Storage.Backend)
	require.Equal(t, time.Hour, cfg.Crawler.JobRetention())
	require.Equal(t, 1000, cfg.Crawler.MaxFinishedJobs)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  trust_proxy_headers: true
auth:
  enabled: true
  api_keys: ["secret", "other"]
crawler:
  job_workers: 3
  concurrency: 6
  queue_depth: 128
  user_agent: real-agent
  respect_robots: true
  max_pages_default: 50
http:
  timeout_ms: 45000
  max_retries: 4
  backoff_initial_ms: 100
  backoff_max_ms: 500
headless:
  enabled: true
  pool_size: 3
  wait_timeout_ms: 2000
abuse:
  backend: redis
  redis:
    addr: redis:6379
    db: 2
storage:
  backend: gcs
  bucket: exports
  prefix: results
db:
  dsn: postgres://localhost/extractor
  max_conn_lifetime_seconds: 60
  allowed_tables: [products, prices]
pubsub:
  project_id: proj
  topic_name: job-events
logging:
  development: false
  level: warn
  file:
    path: /var/log/extractor.log
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.True(t, cfg.Server.TrustProxyHeaders)
	require.Equal(t, []string{"secret", "other"}, cfg.Auth.APIKeys)
	require.Equal(t, 3, cfg.Crawler.JobWorkers)
	require.Equal(t, 6, cfg.Crawler.Concurrency)
	require.True(t, cfg.Crawler.RespectRobots)
	require.Equal(t, 45*time.Second, cfg.HTTP.Timeout())
	require.Equal(t, 3, cfg.Headless.PoolSize)
	require.Equal(t, 2*time.Second, cfg.Headless.WaitTimeout())
	require.Equal(t, "redis", cfg.Abuse.Backend)
	require.Equal(t, 2, cfg.Abuse.Redis.DB)
	require.Equal(t, "extractor:abuse:", cfg.Abuse.Redis.KeyPrefix)
	require.Equal(t, "exports", cfg.Storage.Bucket)
	require.Equal(t, time.Minute, cfg.DB.MaxConnLifetime())
	require.Equal(t, []string{"products", "prices"}, cfg.DB.AllowedTables)
	require.Equal(t, "job-events", cfg.PubSub.TopicName)
	require.Equal(t, "warn", cfg.Logging.Level)
	require.Equal(t, "/var/log/extractor.log", cfg.Logging.File.Path)
	require.Equal(t, 100, cfg.Logging.File.MaxSizeMB)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("EXTRACTOR_SERVER_PORT", "7070")
	t.Setenv("EXTRACTOR_DB_DSN", "postgres://env/db")
	t.Setenv("EXTRACTOR_ABUSE_MAX_REQUESTS", "5")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Server.Port)
	require.Equal(t, "postgres://env/db", cfg.DB.DSN)
	require.Equal(t, 5, cfg.Abuse.MaxRequests)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "invalid concurrency", mutate: func(c *Config) { c.Crawler.Concurrency = 0 }, want: "crawler.concurrency"},
		{name: "invalid workers", mutate: func(c *Config) { c.Crawler.JobWorkers = 0 }, want: "crawler.job_workers"},
		{name: "negative retention", mutate: func(c *Config) { c.Crawler.JobRetentionMinutes = -1 }, want: "crawler.job_retention_minutes"},
		{name: "negative finished cap", mutate: func(c *Config) { c.Crawler.MaxFinishedJobs = -1 }, want: "crawler.max_finished_jobs"},
		{name: "invalid timeout", mutate: func(c *Config) { c.HTTP.TimeoutMs = 0 }, want: "http.timeout_ms"},
		{name: "negative retries", mutate: func(c *Config) { c.HTTP.MaxRetries = -1 }, want: "http.max_retries"},
		{name: "backoff inverted", mutate: func(c *Config) { c.HTTP.BackoffMaxMs = 10 }, want: "http.backoff_max_ms"},
		{name: "headless pool", mutate: func(c *Config) {
			c.Headless.Enabled = true
			c.Headless.PoolSize = 0
		}, want: "headless.pool_size"},
		{name: "auth without keys", mutate: func(c *Config) { c.Auth.Enabled = true }, want: "auth.api_keys"},
		{name: "abuse backend", mutate: func(c *Config) { c.Abuse.Backend = "etcd" }, want: "abuse.backend"},
		{name: "redis addr", mutate: func(c *Config) {
			c.Abuse.Backend = "redis"
			c.Abuse.Redis.Addr = ""
		}, want: "abuse.redis.addr"},
		{name: "storage backend", mutate: func(c *Config) { c.Storage.Backend = "s3" }, want: "storage.backend"},
		{name: "gcs bucket", mutate: func(c *Config) { c.Storage.Backend = "gcs" }, want: "storage.bucket"},
		{name: "pubsub project", mutate: func(c *Config) { c.PubSub.TopicName = "t" }, want: "pubsub.project_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
