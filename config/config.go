package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Marketlake MarketlakeConfig `yaml:"marketlake"`
	Server     ServerConfig     `yaml:"server"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Bronze     BronzeConfig     `yaml:"bronze"`
	Silver     SilverConfig     `yaml:"silver"`
	Gold       GoldConfig       `yaml:"gold"`
	Storage    StorageConfig    `yaml:"storage"`
	Database   DatabaseConfig   `yaml:"database"`
	Cache      CacheConfig      `yaml:"cache"`
	Transport  TransportConfig  `yaml:"transport"`
	Venues     map[string]VenueConfig `yaml:"venues"`
	Policy     PolicyConfig     `yaml:"policy"`
	Feeds      FeedsConfig      `yaml:"feeds"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type MarketlakeConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ServerConfig struct {
	Address         string        `yaml:"address"`
	MaxReplayBytes  int64         `yaml:"max_replay_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type ChannelsConfig struct {
	RawBuffer int `yaml:"raw_buffer"`
}

type IngestConfig struct {
	DedupWindow       time.Duration            `yaml:"dedup_window"`
	VenueDedupWindows map[string]time.Duration `yaml:"venue_dedup_windows"`
	Normalize         bool                     `yaml:"normalize"`
	StatsWindow       time.Duration            `yaml:"stats_window"`
}

type BronzeConfig struct {
	Prefix     string        `yaml:"prefix"`
	MaxBytes   int           `yaml:"max_bytes"`
	MaxSeconds time.Duration `yaml:"max_seconds"`
	Gzip       bool          `yaml:"gzip"`
}

type SilverConfig struct {
	BookStaleAfter time.Duration `yaml:"book_stale_after"`
}

type GoldConfig struct {
	Interval      time.Duration `yaml:"interval"`
	ParquetExport ParquetExportConfig `yaml:"parquet_export"`
}

type ParquetExportConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Prefix      string `yaml:"prefix"`
	Compression string `yaml:"compression"`
}

type StorageConfig struct {
	Backend string   `yaml:"backend"`
	FS      FSConfig `yaml:"fs"`
	S3      S3Config `yaml:"s3"`
}

type FSConfig struct {
	Root string `yaml:"root"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type DatabaseConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

type CacheConfig struct {
	DefaultTTL time.Duration `yaml:"default_ttl"`
	Jitter     float64       `yaml:"jitter"`
}

type TransportConfig struct {
	Timeout        time.Duration        `yaml:"timeout"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
}

type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	JitterFraction    float64       `yaml:"jitter_fraction"`
}

type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
}

type RateLimitConfig struct {
	CostPerSecond int `yaml:"cost_per_second"`
	Burst         int `yaml:"burst"`
}

// VenueConfig declares what a venue can do and which credentials may be used
// against it. Capability names are the UCEL operation names.
type VenueConfig struct {
	Capabilities []string           `yaml:"capabilities"`
	Credentials  []CredentialConfig `yaml:"credentials"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
}

type CredentialConfig struct {
	Ref       string   `yaml:"ref"`
	Scopes    []string `yaml:"scopes"`
	KeyEnv    string   `yaml:"key_env"`
	SecretEnv string   `yaml:"secret_env"`
}

type PolicyConfig struct {
	AllowedOps         []string      `yaml:"allowed_ops"`
	ExecutionEnabled   bool          `yaml:"execution_enabled"`
	LiveTrading        bool          `yaml:"live_trading"`
	KeyCooldown        time.Duration `yaml:"key_cooldown"`
	KeyMaxFailures     int           `yaml:"key_max_failures"`
	KeyMaxAttempts     int           `yaml:"key_max_attempts"`
	KeyRateLimitWindow time.Duration `yaml:"key_rate_limit_window"`
}

type FeedsConfig struct {
	Websockets []WebsocketFeedConfig `yaml:"websockets"`
	Pollers    []PollerFeedConfig    `yaml:"pollers"`
}

type WebsocketFeedConfig struct {
	Venue      string   `yaml:"venue"`
	Market     string   `yaml:"market"`
	URL        string   `yaml:"url"`
	Streams    []string `yaml:"streams"`
	Subscribe  string   `yaml:"subscribe"`
	PingPeriod time.Duration `yaml:"ping_period"`
}

type PollerFeedConfig struct {
	Venue    string        `yaml:"venue"`
	Market   string        `yaml:"market"`
	Symbols  []string      `yaml:"symbols"`
	Interval time.Duration `yaml:"interval"`
	Depth    int           `yaml:"depth"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// LoadConfig reads and validates the YAML configuration at path. Defaults are
// applied before unmarshal so a sparse file still yields a runnable config.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration without reading any file.
// Useful for tests and for embedded use of individual components.
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	return &Config{
		Marketlake: MarketlakeConfig{Name: "marketlake", Version: "dev"},
		Server: ServerConfig{
			Address:         ":8080",
			MaxReplayBytes:  8 * 1024 * 1024,
			ShutdownTimeout: 5 * time.Second,
		},
		Channels: ChannelsConfig{RawBuffer: 4096},
		Ingest: IngestConfig{
			DedupWindow: 5 * time.Minute,
			Normalize:   true,
			StatsWindow: 5 * time.Minute,
		},
		Bronze: BronzeConfig{
			Prefix:     "bronze",
			MaxBytes:   5 * 1024 * 1024,
			MaxSeconds: 30 * time.Second,
		},
		Silver: SilverConfig{BookStaleAfter: 2 * time.Minute},
		Gold:   GoldConfig{Interval: time.Minute},
		Cache:  CacheConfig{DefaultTTL: 5 * time.Second, Jitter: 0.1},
		Transport: TransportConfig{
			Timeout: 10 * time.Second,
			Retry: RetryConfig{
				MaxAttempts:       4,
				BaseDelay:         200 * time.Millisecond,
				MaxDelay:          5 * time.Second,
				BackoffMultiplier: 2,
				JitterFraction:    0.2,
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				RecoveryTimeout:  30 * time.Second,
			},
			RateLimit: RateLimitConfig{CostPerSecond: 20, Burst: 40},
		},
		Policy: PolicyConfig{
			KeyCooldown:        30 * time.Second,
			KeyMaxFailures:     5,
			KeyMaxAttempts:     3,
			KeyRateLimitWindow: time.Minute,
		},
	}
}

// applyEnvOverrides lets deployment environments inject S3 credentials
// without writing them into the config file.
func applyEnvOverrides(cfg *Config) {
	if cfg.Storage.Backend == "s3" {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			cfg.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			cfg.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			cfg.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			cfg.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
}

func validateConfig(cfg *Config) error {
	switch cfg.Storage.Backend {
	case "", "fs", "s3":
	default:
		return fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
	}
	if cfg.Storage.Backend == "fs" && cfg.Storage.FS.Root == "" {
		return fmt.Errorf("storage.fs.root is required for the fs backend")
	}
	if cfg.Storage.Backend == "s3" && cfg.Storage.S3.Bucket == "" {
		return fmt.Errorf("storage.s3.bucket is required for the s3 backend")
	}
	if cfg.Bronze.MaxBytes <= 0 {
		return fmt.Errorf("bronze.max_bytes must be positive")
	}
	if cfg.Bronze.MaxSeconds <= 0 {
		return fmt.Errorf("bronze.max_seconds must be positive")
	}
	if cfg.Ingest.DedupWindow <= 0 {
		return fmt.Errorf("ingest.dedup_window must be positive")
	}
	if cfg.Cache.Jitter < 0 || cfg.Cache.Jitter >= 1 {
		return fmt.Errorf("cache.jitter must be in [0,1)")
	}
	for venue, vc := range cfg.Venues {
		for _, cred := range vc.Credentials {
			if cred.Ref == "" {
				return fmt.Errorf("venue %s has a credential without a ref", venue)
			}
		}
	}
	return nil
}

// DedupWindowFor returns the dedup window for a venue, falling back to the
// global default when no per-venue override is configured.
func (c *Config) DedupWindowFor(venue string) time.Duration {
	if w, ok := c.Ingest.VenueDedupWindows[strings.ToLower(venue)]; ok && w > 0 {
		return w
	}
	return c.Ingest.DedupWindow
}
