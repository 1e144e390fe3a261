// Package config loads the pipeline configuration from defaults, an
// optional YAML file, a .env file, and ORGATLAS_-prefixed environment
// variables, in that precedence order (later sources win).
//
// Environment variables use underscores for nested keys:
//   - ORGATLAS_ORG_ALIAS=prod-org
//   - ORGATLAS_CACHE_TTL_HOURS=48
//   - ORGATLAS_VECTOR_HOST=https://my-index.svc.pinecone.io
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// OrgConfig identifies the Salesforce org and the CLI that reaches it.
type OrgConfig struct {
	// Alias is the pre-authenticated sf org alias.
	Alias string `mapstructure:"alias"`

	// SfPath overrides PATH lookup of the sf binary.
	SfPath string `mapstructure:"sf_path"`

	// ExcludedNamespaces skips managed-package objects by prefix.
	ExcludedNamespaces []string `mapstructure:"excluded_namespaces"`

	// TimeoutSeconds bounds a single CLI invocation.
	TimeoutSeconds int `mapstructure:"timeout_seconds"`

	// KillGraceSeconds is the SIGTERM-to-SIGKILL grace on cancellation.
	KillGraceSeconds int `mapstructure:"kill_grace_seconds"`
}

// CacheConfig selects and tunes the response cache.
type CacheConfig struct {
	// Backend is "file" or "redis".
	Backend string `mapstructure:"backend"`

	// Dir is the file backend's root directory.
	Dir string `mapstructure:"dir"`

	// TTLHours is the cache entry lifetime.
	TTLHours int `mapstructure:"ttl_hours"`

	// RedisAddr, RedisPassword and RedisPrefix configure the redis backend.
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisPrefix   string `mapstructure:"redis_prefix"`
}

// RateConfig tunes the adaptive limiter.
type RateConfig struct {
	PerMinute float64 `mapstructure:"per_minute"`
	Min       float64 `mapstructure:"min"`
	Max       float64 `mapstructure:"max"`
	Burst     int     `mapstructure:"burst"`
}

// RetryConfig tunes the retry engine.
type RetryConfig struct {
	Attempts          int `mapstructure:"attempts"`
	QuotaFloorSeconds int `mapstructure:"quota_floor_seconds"`

	// QuotaWall is how many consecutive quota failures halt a phase.
	QuotaWall int `mapstructure:"quota_wall"`
}

// PoolConfig sizes the worker pools.
type PoolConfig struct {
	Describe int `mapstructure:"describe"`
	Enrich   int `mapstructure:"enrich"`
	Upsert   int `mapstructure:"upsert"`
}

// EnrichConfig tunes the enrichment phases.
type EnrichConfig struct {
	CoalesceBatch int `mapstructure:"coalesce_batch"`
	SampleSize    int `mapstructure:"sample_size"`
	FreshnessDays int `mapstructure:"freshness_days"`
}

// CorpusConfig tunes emission.
type CorpusConfig struct {
	OutputDir string `mapstructure:"output_dir"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

// VectorConfig configures the index and embedder clients.
type VectorConfig struct {
	// Host is the index data-plane endpoint.
	Host string `mapstructure:"host"`

	// APIKey authenticates index calls.
	APIKey string `mapstructure:"api_key"`

	// Namespace scopes this corpus within the index.
	Namespace string `mapstructure:"namespace"`

	// Incremental diffs against the index; false replaces everything.
	Incremental bool `mapstructure:"incremental"`

	// EmbedBatch is the number of chunks per embedding call.
	EmbedBatch int `mapstructure:"embed_batch"`

	// EmbedBaseURL, EmbedAPIKey and EmbedModel configure the embedder.
	EmbedBaseURL string `mapstructure:"embed_base_url"`
	EmbedAPIKey  string `mapstructure:"embed_api_key"`
	EmbedModel   string `mapstructure:"embed_model"`

	// ManifestPath is the local upload manifest database.
	ManifestPath string `mapstructure:"manifest_path"`
}

// ArchiveConfig configures the optional S3 snapshot archive.
type ArchiveConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// StatusConfig configures the optional live status endpoint.
type StatusConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `mapstructure:"level"`

	// Format is the log format (json, text).
	Format string `mapstructure:"format"`
}

// Config is the full pipeline configuration.
type Config struct {
	Org     OrgConfig     `mapstructure:"org"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Rate    RateConfig    `mapstructure:"rate"`
	Retry   RetryConfig   `mapstructure:"retry"`
	Pools   PoolConfig    `mapstructure:"pools"`
	Enrich  EnrichConfig  `mapstructure:"enrich"`
	Corpus  CorpusConfig  `mapstructure:"corpus"`
	Vector  VectorConfig  `mapstructure:"vector"`
	Archive ArchiveConfig `mapstructure:"archive"`
	Status  StatusConfig  `mapstructure:"status"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// CacheTTL returns the cache lifetime as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLHours) * time.Hour
}

// Loader reads configuration from the layered sources.
type Loader struct {
	v      *viper.Viper
	prefix string
}

// NewLoader creates a loader with the given environment prefix.
func NewLoader(envPrefix string) *Loader {
	return &Loader{
		v:      viper.New(),
		prefix: envPrefix,
	}
}

// SetDefaults installs the pipeline's default tunables.
func (l *Loader) SetDefaults() {
	l.v.SetDefault("org.alias", "")
	l.v.SetDefault("org.sf_path", "")
	l.v.SetDefault("org.excluded_namespaces", []string{})
	l.v.SetDefault("org.timeout_seconds", 300)
	l.v.SetDefault("org.kill_grace_seconds", 5)

	l.v.SetDefault("cache.backend", "file")
	l.v.SetDefault("cache.dir", ".orgatlas/cache")
	l.v.SetDefault("cache.ttl_hours", 24)
	l.v.SetDefault("cache.redis_addr", "localhost:6379")
	l.v.SetDefault("cache.redis_password", "")
	l.v.SetDefault("cache.redis_prefix", "orgatlas")

	l.v.SetDefault("rate.per_minute", 200)
	l.v.SetDefault("rate.min", 50)
	l.v.SetDefault("rate.max", 300)
	l.v.SetDefault("rate.burst", 20)

	l.v.SetDefault("retry.attempts", 5)
	l.v.SetDefault("retry.quota_floor_seconds", 30)
	l.v.SetDefault("retry.quota_wall", 5)

	l.v.SetDefault("pools.describe", 15)
	l.v.SetDefault("pools.enrich", 15)
	l.v.SetDefault("pools.upsert", 8)

	l.v.SetDefault("enrich.coalesce_batch", 200)
	l.v.SetDefault("enrich.sample_size", 100)
	l.v.SetDefault("enrich.freshness_days", 90)

	l.v.SetDefault("corpus.output_dir", "out")
	l.v.SetDefault("corpus.max_tokens", 7000)

	l.v.SetDefault("vector.host", "")
	l.v.SetDefault("vector.api_key", "")
	l.v.SetDefault("vector.namespace", "default")
	l.v.SetDefault("vector.incremental", true)
	l.v.SetDefault("vector.embed_batch", 96)
	l.v.SetDefault("vector.embed_base_url", "")
	l.v.SetDefault("vector.embed_api_key", "")
	l.v.SetDefault("vector.embed_model", "")
	l.v.SetDefault("vector.manifest_path", ".orgatlas/manifest.db")

	l.v.SetDefault("archive.enabled", false)
	l.v.SetDefault("archive.endpoint", "")
	l.v.SetDefault("archive.region", "us-east-1")
	l.v.SetDefault("archive.bucket", "")
	l.v.SetDefault("archive.prefix", "snapshots")

	l.v.SetDefault("status.enabled", false)
	l.v.SetDefault("status.addr", "127.0.0.1:8191")

	l.v.SetDefault("logging.level", "info")
	l.v.SetDefault("logging.format", "text")
}

// Set overrides one key, typically from a CLI flag.
func (l *Loader) Set(key string, value interface{}) {
	l.v.Set(key, value)
}

// Load reads configuration into target. If cfgFile is empty the standard
// locations are searched and a missing file is not an error.
func (l *Loader) Load(cfgFile string, target interface{}) error {
	if cfgFile != "" {
		l.v.SetConfigFile(cfgFile)
	} else {
		l.v.SetConfigName("orgatlas")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("$HOME/.orgatlas")
		l.v.AddConfigPath("/etc/orgatlas")
	}

	if err := l.v.ReadInConfig(); err != nil {
		if cfgFile != "" && !isFileNotFoundError(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		if cfgFile == "" {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	l.v.SetConfigFile(".env")
	l.v.SetConfigType("env")
	_ = l.v.MergeInConfig()

	if l.prefix != "" {
		l.v.SetEnvPrefix(l.prefix)
	}
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if err := l.v.Unmarshal(target); err != nil {
		return fmt.Errorf("unable to decode config: %w", err)
	}
	return nil
}

// LoadConfig loads and validates the full configuration with the standard
// ORGATLAS prefix.
func LoadConfig(cfgFile string) (*Config, error) {
	loader := NewLoader("ORGATLAS")
	loader.SetDefaults()

	cfg := &Config{}
	if err := loader.Load(cfgFile, cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the invariants that must hold before any remote call.
// Upload credentials are checked separately by ValidateUpload since local
// runs don't need them.
func Validate(cfg *Config) error {
	if cfg.Org.Alias == "" {
		return fmt.Errorf("org.alias is required")
	}
	if cfg.Cache.Backend != "file" && cfg.Cache.Backend != "redis" {
		return fmt.Errorf("cache.backend must be file or redis, got %q", cfg.Cache.Backend)
	}
	if cfg.Cache.TTLHours <= 0 {
		return fmt.Errorf("cache.ttl_hours must be positive, got %d", cfg.Cache.TTLHours)
	}
	if cfg.Rate.PerMinute <= 0 {
		return fmt.Errorf("rate.per_minute must be positive, got %v", cfg.Rate.PerMinute)
	}
	if cfg.Rate.Min > cfg.Rate.Max {
		return fmt.Errorf("rate.min %v exceeds rate.max %v", cfg.Rate.Min, cfg.Rate.Max)
	}
	if cfg.Retry.Attempts <= 0 {
		return fmt.Errorf("retry.attempts must be positive, got %d", cfg.Retry.Attempts)
	}
	if cfg.Pools.Describe <= 0 || cfg.Pools.Enrich <= 0 || cfg.Pools.Upsert <= 0 {
		return fmt.Errorf("pool sizes must be positive")
	}
	if cfg.Enrich.CoalesceBatch <= 0 {
		return fmt.Errorf("enrich.coalesce_batch must be positive, got %d", cfg.Enrich.CoalesceBatch)
	}
	if cfg.Corpus.MaxTokens <= 0 {
		return fmt.Errorf("corpus.max_tokens must be positive, got %d", cfg.Corpus.MaxTokens)
	}
	if cfg.Vector.EmbedBatch <= 0 {
		return fmt.Errorf("vector.embed_batch must be positive, got %d", cfg.Vector.EmbedBatch)
	}
	return nil
}

// ValidateUpload checks the credentials the upload phase needs.
func ValidateUpload(cfg *Config) error {
	if cfg.Vector.Host == "" {
		return fmt.Errorf("vector.host is required for upload")
	}
	if cfg.Vector.APIKey == "" {
		return fmt.Errorf("vector.api_key is required for upload")
	}
	if cfg.Vector.EmbedAPIKey == "" {
		return fmt.Errorf("vector.embed_api_key is required for upload")
	}
	return nil
}

func isFileNotFoundError(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr, os.ErrNotExist)
	}
	return false
}
