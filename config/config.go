package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App       AppConfig       `yaml:"app"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Reader    ReaderConfig    `yaml:"reader"`
	Sequencer SequencerConfig `yaml:"sequencer"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Writer    WriterConfig    `yaml:"writer"`
	Source    SourceConfig    `yaml:"source"`
	Storage   StorageConfig   `yaml:"storage"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Logging   LoggingConfig   `yaml:"logging"`
	Profiling ProfilingConfig `yaml:"profiling"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ChannelsConfig struct {
	FeedBuffer       int `yaml:"feed_buffer"`
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

type ReaderConfig struct {
	Timeout      time.Duration   `yaml:"timeout"`
	PingInterval time.Duration   `yaml:"ping_interval"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
	Retry        RetryConfig     `yaml:"retry"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier int           `yaml:"backoff_multiplier"`
}

// Delay returns the backoff before the given (1-based) attempt.
func (r RetryConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := r.BackoffMultiplier
	if mult < 1 {
		mult = 2
	}
	d := r.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= time.Duration(mult)
		if r.MaxDelay > 0 && d >= r.MaxDelay {
			return r.MaxDelay
		}
	}
	if r.MaxDelay > 0 && d > r.MaxDelay {
		return r.MaxDelay
	}
	return d
}

type SequencerConfig struct {
	GapBufferSize  int           `yaml:"gap_buffer_size"`
	ResyncAttempts int           `yaml:"resync_attempts"`
	ResyncTimeout  time.Duration `yaml:"resync_timeout"`
}

type SnapshotConfig struct {
	Interval    time.Duration `yaml:"interval"`
	EveryEvents int           `yaml:"every_events"`
}

type WriterConfig struct {
	Batch        BatchConfig        `yaml:"batch"`
	Buffer       BufferConfig       `yaml:"buffer"`
	Retry        RetryConfig        `yaml:"retry"`
	GracePeriod  time.Duration      `yaml:"grace_period"`
	SpoolDir     string             `yaml:"spool_dir"`
	Partitioning PartitioningConfig `yaml:"partitioning"`
}

type BatchConfig struct {
	Size    int           `yaml:"size"`
	Timeout time.Duration `yaml:"timeout"`
}

type BufferConfig struct {
	MaxSize int `yaml:"max_size"`
}

type PartitioningConfig struct {
	TimeFormat     string   `yaml:"time_format"`
	AdditionalKeys []string `yaml:"additional_keys"`
}

type SourceConfig struct {
	Coinbase CoinbaseSourceConfig `yaml:"coinbase"`
	Bitfinex BitfinexSourceConfig `yaml:"bitfinex"`
}

type CoinbaseSourceConfig struct {
	WSURL       string              `yaml:"ws_url"`
	RESTURL     string              `yaml:"rest_url"`
	Credentials CoinbaseCredentials `yaml:"credentials"`
}

// CoinbaseCredentials are optional; the full channel is public.
type CoinbaseCredentials struct {
	Key        string `yaml:"key" env:"API_KEY"`
	Secret     string `yaml:"secret" env:"API_SECRET"`
	Passphrase string `yaml:"passphrase" env:"PASSPHRASE"`
}

func (c CoinbaseCredentials) Enabled() bool {
	return c.Key != "" && c.Secret != "" && c.Passphrase != ""
}

type BitfinexSourceConfig struct {
	WSURL   string `yaml:"ws_url"`
	RESTURL string `yaml:"rest_url"`
	Length  int    `yaml:"length"`
}

type StorageConfig struct {
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	S3       S3Config       `yaml:"s3"`
	Kafka    KafkaConfig    `yaml:"kafka"`
}

type PostgresConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Host           string        `yaml:"host" env:"HOST"`
	Port           int           `yaml:"port" env:"PORT"`
	Database       string        `yaml:"database" env:"DATABASE"`
	Username       string        `yaml:"username" env:"USERNAME"`
	Password       string        `yaml:"password" env:"PASSWORD"`
	SSLMode        string        `yaml:"ssl_mode" env:"SSL_MODE"`
	MaxConns       int32         `yaml:"max_conns"`
	MinConns       int32         `yaml:"min_conns"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	EnsureSchema   bool          `yaml:"ensure_schema"`
}

type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr" env:"ADDR"`
	Password string        `yaml:"password" env:"PASSWORD"`
	DB       int           `yaml:"db" env:"DB"`
	TTL      time.Duration `yaml:"ttl"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type KafkaConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Brokers        []string `yaml:"brokers"`
	EventsTopic    string   `yaml:"events_topic"`
	SnapshotsTopic string   `yaml:"snapshots_topic"`
}

type MetricsConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Address    string           `yaml:"address"`
	QueueSize  bool             `yaml:"queue_size"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Region          string        `yaml:"region"`
	Namespace       string        `yaml:"namespace"`
	Dashboard       string        `yaml:"dashboard"`
	PublishInterval time.Duration `yaml:"publish_interval"`
}

type DashboardConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	LogHistory      int           `yaml:"log_history"`
	MetricsHistory  int           `yaml:"metrics_history"`
	// DiskPath is the filesystem sampled for disk usage, usually the spool.
	DiskPath        string        `yaml:"disk_path"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

type ProfilingConfig struct {
	Enabled         bool   `yaml:"enabled"`
	ServerAddress   string `yaml:"server_address"`
	ApplicationName string `yaml:"application_name"`
}

// Default returns a configuration that runs without any external storage.
func Default() *Config {
	return &Config{
		App:      AppConfig{Name: "l3flow", Version: "dev"},
		Channels: ChannelsConfig{FeedBuffer: 4096, SubscriberBuffer: 1024},
		Reader: ReaderConfig{
			Timeout:      10 * time.Second,
			PingInterval: 20 * time.Second,
			RateLimit:    RateLimitConfig{RequestsPerSecond: 2, BurstSize: 1},
			Retry: RetryConfig{
				MaxAttempts:       10,
				BaseDelay:         time.Second,
				MaxDelay:          30 * time.Second,
				BackoffMultiplier: 2,
			},
		},
		Sequencer: SequencerConfig{GapBufferSize: 1000, ResyncAttempts: 5, ResyncTimeout: 15 * time.Second},
		Snapshot:  SnapshotConfig{Interval: 60 * time.Second},
		Writer: WriterConfig{
			Batch:  BatchConfig{Size: 1000, Timeout: time.Second},
			Buffer: BufferConfig{MaxSize: 100000},
			Retry: RetryConfig{
				MaxAttempts:       5,
				BaseDelay:         200 * time.Millisecond,
				MaxDelay:          10 * time.Second,
				BackoffMultiplier: 2,
			},
			GracePeriod: 10 * time.Second,
			SpoolDir:    "data/spool",
			Partitioning: PartitioningConfig{
				TimeFormat:     "year={year}/month={month}/day={day}/hour={hour}",
				AdditionalKeys: []string{"venue", "instrument"},
			},
		},
		Source: SourceConfig{
			Coinbase: CoinbaseSourceConfig{
				WSURL:   "wss://ws-feed.exchange.coinbase.com",
				RESTURL: "https://api.exchange.coinbase.com",
			},
			Bitfinex: BitfinexSourceConfig{
				WSURL:   "wss://api-pub.bitfinex.com/ws/2",
				RESTURL: "https://api-pub.bitfinex.com/v2",
				Length:  100,
			},
		},
		Storage: StorageConfig{
			Postgres: PostgresConfig{
				Port:           5432,
				SSLMode:        "prefer",
				MaxConns:       10,
				MinConns:       2,
				ConnectTimeout: 5 * time.Second,
				EnsureSchema:   true,
			},
			Redis: RedisConfig{Addr: "localhost:6379", TTL: 24 * time.Hour},
			Kafka: KafkaConfig{EventsTopic: "l3.events", SnapshotsTopic: "l3.snapshots"},
		},
		Metrics: MetricsConfig{
			Address:   "0.0.0.0:2112",
			QueueSize: true,
			CloudWatch: CloudWatchConfig{
				Namespace:       "L3Flow",
				Dashboard:       "L3Flow",
				PublishInterval: time.Minute,
			},
		},
		Dashboard: DashboardConfig{Address: "0.0.0.0:8080", RefreshInterval: 5 * time.Second, LogHistory: 200, MetricsHistory: 200},
		Logging:   LoggingConfig{Level: "info", Format: "json", Output: "stdout", ReportInterval: 30 * time.Second},
	}
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnv(config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

func applyEnv(config *Config) error {
	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}

	if err := env.ParseWithOptions(&config.Storage.Postgres, env.Options{Prefix: "POSTGRES_"}); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	if err := env.ParseWithOptions(&config.Storage.Redis, env.Options{Prefix: "REDIS_"}); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	if err := env.ParseWithOptions(&config.Source.Coinbase.Credentials, env.Options{Prefix: "COINBASE_"}); err != nil {
		return fmt.Errorf("coinbase: %w", err)
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		config.Storage.Kafka.Brokers = strings.Split(v, ",")
	}
	return nil
}

func validateConfig(cfg *Config) error {
	if cfg.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}

	if cfg.Channels.FeedBuffer <= 0 {
		return fmt.Errorf("channels.feed_buffer must be greater than 0")
	}
	if cfg.Channels.SubscriberBuffer <= 0 {
		return fmt.Errorf("channels.subscriber_buffer must be greater than 0")
	}

	if cfg.Reader.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("reader.retry.max_attempts must be greater than 0")
	}
	if cfg.Reader.Retry.BaseDelay <= 0 {
		return fmt.Errorf("reader.retry.base_delay must be greater than 0")
	}
	if cfg.Reader.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("reader.rate_limit.requests_per_second must be greater than 0")
	}

	if cfg.Sequencer.GapBufferSize <= 0 {
		return fmt.Errorf("sequencer.gap_buffer_size must be greater than 0")
	}
	if cfg.Sequencer.ResyncAttempts <= 0 {
		return fmt.Errorf("sequencer.resync_attempts must be greater than 0")
	}
	if cfg.Sequencer.ResyncTimeout <= 0 {
		return fmt.Errorf("sequencer.resync_timeout must be greater than 0")
	}

	if cfg.Snapshot.Interval < 10*time.Second || cfg.Snapshot.Interval > time.Hour {
		return fmt.Errorf("snapshot.interval must be between 10s and 1h")
	}
	if cfg.Snapshot.EveryEvents < 0 {
		return fmt.Errorf("snapshot.every_events must not be negative")
	}

	if cfg.Writer.Batch.Size <= 0 {
		return fmt.Errorf("writer.batch.size must be greater than 0")
	}
	if cfg.Writer.Batch.Timeout <= 0 {
		return fmt.Errorf("writer.batch.timeout must be greater than 0")
	}
	if cfg.Writer.Buffer.MaxSize < cfg.Writer.Batch.Size {
		return fmt.Errorf("writer.buffer.max_size must be at least writer.batch.size")
	}
	if cfg.Writer.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("writer.retry.max_attempts must be greater than 0")
	}
	if cfg.Writer.GracePeriod <= 0 {
		return fmt.Errorf("writer.grace_period must be greater than 0")
	}

	if cfg.Storage.Postgres.Enabled {
		if cfg.Storage.Postgres.Host == "" || cfg.Storage.Postgres.Database == "" {
			return fmt.Errorf("storage.postgres.host and storage.postgres.database are required when postgres is enabled")
		}
	}

	if cfg.Storage.Redis.Enabled && cfg.Storage.Redis.Addr == "" {
		return fmt.Errorf("storage.redis.addr is required when redis is enabled")
	}

	if cfg.Storage.Kafka.Enabled {
		if len(cfg.Storage.Kafka.Brokers) == 0 {
			return fmt.Errorf("storage.kafka.brokers is required when kafka is enabled")
		}
		if cfg.Storage.Kafka.EventsTopic == "" {
			return fmt.Errorf("storage.kafka.events_topic is required when kafka is enabled")
		}
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
