package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeTempConfig writes content to a temporary yml file and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	return f.Name()
}

const minimalConfig = `app:
  name: "TestApp"
  version: "1.0"
channels:
  feed_buffer: 16
  subscriber_buffer: 8
writer:
  batch:
    size: 10
    timeout: 500ms
  buffer:
    max_size: 100
storage:
  s3:
    enabled: false
`

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t, minimalConfig)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.App.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.App.Name)
	}
	if cfg.Channels.FeedBuffer != 16 {
		t.Errorf("unexpected feed buffer: %d", cfg.Channels.FeedBuffer)
	}
	if cfg.Writer.Batch.Timeout != 500*time.Millisecond {
		t.Errorf("unexpected batch timeout: %s", cfg.Writer.Batch.Timeout)
	}
	// untouched sections keep their defaults
	if cfg.Snapshot.Interval != 60*time.Second {
		t.Errorf("unexpected snapshot interval: %s", cfg.Snapshot.Interval)
	}
	if cfg.Source.Coinbase.WSURL == "" || cfg.Source.Bitfinex.RESTURL == "" {
		t.Errorf("venue endpoints should default")
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, minimalConfig+`  postgres:
    enabled: true
    host: "db.local"
    database: "l3"
`)
	t.Setenv("POSTGRES_HOST", "pg.internal")
	t.Setenv("POSTGRES_PASSWORD", "secret")
	t.Setenv("REDIS_ADDR", "cache:6380")
	t.Setenv("COINBASE_API_KEY", "k")
	t.Setenv("KAFKA_BROKERS", "b1:9092,b2:9092")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Storage.Postgres.Host != "pg.internal" {
		t.Errorf("postgres host not overridden: %s", cfg.Storage.Postgres.Host)
	}
	if cfg.Storage.Postgres.Password != "secret" {
		t.Errorf("postgres password not overridden")
	}
	if cfg.Storage.Postgres.Database != "l3" {
		t.Errorf("postgres database lost: %s", cfg.Storage.Postgres.Database)
	}
	if cfg.Storage.Redis.Addr != "cache:6380" {
		t.Errorf("redis addr not overridden: %s", cfg.Storage.Redis.Addr)
	}
	if cfg.Source.Coinbase.Credentials.Key != "k" {
		t.Errorf("coinbase key not overridden")
	}
	if cfg.Source.Coinbase.Credentials.Enabled() {
		t.Errorf("credentials without secret should not be enabled")
	}
	if len(cfg.Storage.Kafka.Brokers) != 2 {
		t.Errorf("unexpected brokers: %v", cfg.Storage.Kafka.Brokers)
	}
}

func TestValidateConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"feed buffer", func(c *Config) { c.Channels.FeedBuffer = 0 }},
		{"batch size", func(c *Config) { c.Writer.Batch.Size = 0 }},
		{"buffer smaller than batch", func(c *Config) { c.Writer.Buffer.MaxSize = c.Writer.Batch.Size - 1 }},
		{"snapshot interval too short", func(c *Config) { c.Snapshot.Interval = time.Second }},
		{"snapshot interval too long", func(c *Config) { c.Snapshot.Interval = 2 * time.Hour }},
		{"postgres without host", func(c *Config) { c.Storage.Postgres.Enabled = true }},
		{"kafka without brokers", func(c *Config) { c.Storage.Kafka.Enabled = true }},
		{"s3 without bucket", func(c *Config) { c.Storage.S3.Enabled = true }},
		{"resync attempts", func(c *Config) { c.Sequencer.ResyncAttempts = 0 }},
	}
	if err := validateConfig(Default()); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	for _, c := range cases {
		cfg := Default()
		c.mutate(cfg)
		if err := validateConfig(cfg); err == nil {
			t.Errorf("%s: expected validation error", c.name)
		}
	}
}

func TestRetryDelay(t *testing.T) {
	r := RetryConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, BackoffMultiplier: 2}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second}
	for i, w := range want {
		if got := r.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %s, want %s", i+1, got, w)
		}
	}
}

func TestLoadStreams(t *testing.T) {
	path := writeTempConfig(t, `streams:
- instrument: "BTC-USD"
  venues: ["Coinbase", "bitfinex"]
  persist: true
  snapshot_interval: 30s
`)
	streams, err := LoadStreams(path)
	if err != nil {
		t.Fatalf("LoadStreams failed: %v", err)
	}
	if len(streams.Streams) != 1 {
		t.Fatalf("expected 1 stream, got %d", len(streams.Streams))
	}
	req, err := streams.Streams[0].Request()
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if req.Venues[0] != "coinbase" {
		t.Errorf("venue not normalised: %s", req.Venues[0])
	}
	if req.SnapshotInterval != 30*time.Second || !req.Persist {
		t.Errorf("unexpected request: %+v", req)
	}

	bad := writeTempConfig(t, `streams:
- instrument: "BTC-USD"
  venues: ["coinbase"]
  snapshot_interval: 1s
`)
	if _, err := LoadStreams(bad); err == nil {
		t.Fatalf("expected error for out of range interval")
	}
}

func TestResolveConfigPath(t *testing.T) {
	dir := t.TempDir()
	def := filepath.Join(dir, "config.yml")
	prod := filepath.Join(dir, "config.production.yml")
	if err := os.WriteFile(prod, []byte("app: {}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	t.Setenv("APP_ENV", "prod")
	if got := ResolveConfigPath("", def); got != prod {
		t.Errorf("expected production file, got %s", got)
	}
	if got := ResolveConfigPath("/etc/custom.yml", def); got != "/etc/custom.yml" {
		t.Errorf("explicit path should win, got %s", got)
	}

	t.Setenv("APP_ENV", "staging")
	if got := ResolveConfigPath(def, def); got != def {
		t.Errorf("missing staging file should fall back, got %s", got)
	}
	if !IsProductionLike(AppEnvironment()) {
		t.Errorf("staging should be production like")
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"valid-bucket", true},
		{"Invalid", false},
		{"ab", false},
		{"my..bucket", false},
	}
	for _, c := range cases {
		if got := isValidS3Bucket(c.name); got != c.valid {
			t.Errorf("isValidS3Bucket(%q) = %v, want %v", c.name, got, c.valid)
		}
	}
}
