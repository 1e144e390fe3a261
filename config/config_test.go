package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := &Config{}
	loader := NewLoader("ORGATLAS_TEST_UNUSED")
	loader.SetDefaults()
	_ = loader.Load(filepath.Join(os.TempDir(), "does-not-exist.yaml"), cfg)
	cfg.Org.Alias = "prod-org"
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := validConfig()

	assert.Equal(t, "file", cfg.Cache.Backend)
	assert.Equal(t, 24, cfg.Cache.TTLHours)
	assert.Equal(t, 200.0, cfg.Rate.PerMinute)
	assert.Equal(t, 5, cfg.Retry.Attempts)
	assert.Equal(t, 5, cfg.Retry.QuotaWall)
	assert.Equal(t, 15, cfg.Pools.Describe)
	assert.Equal(t, 8, cfg.Pools.Upsert)
	assert.Equal(t, 200, cfg.Enrich.CoalesceBatch)
	assert.Equal(t, 7000, cfg.Corpus.MaxTokens)
	assert.Equal(t, 96, cfg.Vector.EmbedBatch)
	assert.True(t, cfg.Vector.Incremental)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orgatlas.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
org:
  alias: staging-org
cache:
  ttl_hours: 48
rate:
  per_minute: 120
vector:
  namespace: staging
`), 0o644))

	loader := NewLoader("ORGATLAS_TEST_UNUSED")
	loader.SetDefaults()
	cfg := &Config{}
	require.NoError(t, loader.Load(path, cfg))

	assert.Equal(t, "staging-org", cfg.Org.Alias)
	assert.Equal(t, 48, cfg.Cache.TTLHours)
	assert.Equal(t, 120.0, cfg.Rate.PerMinute)
	assert.Equal(t, "staging", cfg.Vector.Namespace)
	// Untouched keys keep their defaults.
	assert.Equal(t, 5, cfg.Retry.Attempts)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	t.Setenv("ORGATLAS_CACHE_TTL_HOURS", "72")
	t.Setenv("ORGATLAS_ORG_ALIAS", "env-org")

	loader := NewLoader("ORGATLAS")
	loader.SetDefaults()
	cfg := &Config{}
	require.NoError(t, loader.Load(filepath.Join(t.TempDir(), "missing.yaml"), cfg))

	assert.Equal(t, 72, cfg.Cache.TTLHours)
	assert.Equal(t, "env-org", cfg.Org.Alias)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}, wantErr: ""},
		{name: "missing alias", mutate: func(c *Config) { c.Org.Alias = "" }, wantErr: "org.alias"},
		{name: "bad backend", mutate: func(c *Config) { c.Cache.Backend = "memcache" }, wantErr: "cache.backend"},
		{name: "zero ttl", mutate: func(c *Config) { c.Cache.TTLHours = 0 }, wantErr: "ttl_hours"},
		{name: "inverted rate bounds", mutate: func(c *Config) { c.Rate.Min = 500 }, wantErr: "rate.min"},
		{name: "zero attempts", mutate: func(c *Config) { c.Retry.Attempts = 0 }, wantErr: "retry.attempts"},
		{name: "zero pool", mutate: func(c *Config) { c.Pools.Enrich = 0 }, wantErr: "pool sizes"},
		{name: "zero max tokens", mutate: func(c *Config) { c.Corpus.MaxTokens = 0 }, wantErr: "max_tokens"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := Validate(cfg)
			if tc.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
			}
		})
	}
}

func TestValidateUpload(t *testing.T) {
	cfg := validConfig()
	err := ValidateUpload(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vector.host")

	cfg.Vector.Host = "https://idx.example"
	cfg.Vector.APIKey = "k"
	cfg.Vector.EmbedAPIKey = "ek"
	assert.NoError(t, ValidateUpload(cfg))
}

func TestCacheTTL(t *testing.T) {
	cfg := validConfig()
	cfg.Cache.TTLHours = 48
	assert.Equal(t, 48.0, cfg.CacheTTL().Hours())
}
