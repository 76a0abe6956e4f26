package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aman-churiwal/quota-gateway/internal/ratelimit"
	"github.com/aman-churiwal/quota-gateway/internal/tier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseJSON = `{
  "server": {"port": "9090"},
  "rate_limit": {
    "failure_policy": "fail_closed",
    "tiers": [
      {"name": "basic", "capacity": 10, "refill_window_seconds": 60},
      {"name": "pro", "capacity": 100, "refill_rate": 2}
    ],
    "prefixes": [
      {"prefix": "sk_pro_", "tier": "pro"},
      {"prefix": "sk_basic_", "tier": "basic"}
    ]
  }
}`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// Keeps the host environment from leaking into assertions
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{EnvPort, EnvRedisAddr, EnvRedisPassword, EnvDatabaseDSN, EnvFailurePolicy, EnvTokenSecret, EnvAdminToken} {
		t.Setenv(key, "")
	}
}

func TestLoad_JSON(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(writeConfig(t, "config.json", baseJSON))
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, ratelimit.FailClosed, cfg.FailurePolicy())
	assert.Equal(t, BackendRedis, cfg.RateLimit.Backend)
	assert.Equal(t, "X-API-Key", cfg.RateLimit.Header)
	assert.Equal(t, "rate_limit", cfg.RateLimit.KeyPrefix)
	assert.Equal(t, 250*time.Millisecond, cfg.StoreTimeout())
	assert.Equal(t, "localhost:6379", cfg.Redis.GetRedisAddr())

	tiers := cfg.Tiers()
	require.Len(t, tiers, 2)
	assert.Equal(t, tier.Tier{Name: "basic", Capacity: 10, RefillRate: 10.0 / 60}, tiers[0])
	assert.Equal(t, tier.Tier{Name: "pro", Capacity: 100, RefillRate: 2}, tiers[1])

	assert.Equal(t, []tier.Rule{
		{Prefix: "sk_pro_", Tier: "pro"},
		{Prefix: "sk_basic_", Tier: "basic"},
	}, cfg.Rules())
}

func TestLoad_YAML(t *testing.T) {
	clearEnv(t)

	content := `
rate_limit:
  backend: memory
  failure_policy: fail_open
  store_timeout_ms: 100
  tiers:
    - name: basic
      capacity: 5
      refill_rate: 0.5
  prefixes:
    - prefix: key_
      tier: basic
log:
  format: json
`
	cfg, err := Load(writeConfig(t, "config.yaml", content))
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, cfg.RateLimit.Backend)
	assert.Equal(t, ratelimit.FailOpen, cfg.FailurePolicy())
	assert.Equal(t, 100*time.Millisecond, cfg.StoreTimeout())
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "8080", cfg.Server.Port)
}

func TestLoad_SampleConfig(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join("..", "..", "config.json"))
	require.NoError(t, err)

	assert.Equal(t, ratelimit.FailOpen, cfg.FailurePolicy())

	table, err := tier.NewTable(cfg.Tiers())
	require.NoError(t, err)

	basic, ok := table.Lookup("basic")
	require.True(t, ok)
	assert.Equal(t, int64(60), basic.TTLSeconds())

	pro, ok := table.Lookup("pro")
	require.True(t, ok)
	assert.Equal(t, int64(60), pro.TTLSeconds())
}

func TestLoad_FailurePolicyRequired(t *testing.T) {
	clearEnv(t)

	content := `{"rate_limit": {"tiers": [{"name": "basic", "capacity": 1, "refill_rate": 1}],
	  "prefixes": [{"prefix": "k", "tier": "basic"}]}}`

	_, err := Load(writeConfig(t, "config.json", content))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failure_policy")
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvPort, "7070")
	t.Setenv(EnvRedisAddr, "redis.internal:6380")
	t.Setenv(EnvRedisPassword, "hunter2")
	t.Setenv(EnvFailurePolicy, "fail_open")
	t.Setenv(EnvAdminToken, "ops-token")

	cfg, err := Load(writeConfig(t, "config.json", baseJSON))
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, "ops-token", cfg.Server.AdminToken)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.GetRedisAddr())
	assert.Equal(t, "hunter2", cfg.Redis.Password)
	assert.Equal(t, ratelimit.FailOpen, cfg.FailurePolicy())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{
			RateLimit: RateLimitConfig{
				FailurePolicy: "fail_open",
				Tiers:         []TierConfig{{Name: "basic", Capacity: 10, RefillRate: 1}},
				Prefixes:      []PrefixConfig{{Prefix: "sk_basic_", Tier: "basic"}},
			},
		}
		cfg.applyDefaults()
		return cfg
	}

	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"unknown policy", func(c *Config) { c.RateLimit.FailurePolicy = "sometimes" }, "failure_policy"},
		{"unknown backend", func(c *Config) { c.RateLimit.Backend = "etcd" }, "backend"},
		{"zero capacity", func(c *Config) { c.RateLimit.Tiers[0].Capacity = 0 }, "tiers"},
		{"no refill", func(c *Config) { c.RateLimit.Tiers[0].RefillRate = 0 }, "tiers"},
		{"unknown tier in prefix", func(c *Config) { c.RateLimit.Prefixes[0].Tier = "gold" }, "prefixes"},
		{"duplicate prefix", func(c *Config) {
			c.RateLimit.Prefixes = append(c.RateLimit.Prefixes, PrefixConfig{Prefix: "sk_basic_", Tier: "basic"})
		}, "prefixes"},
		{"database without dsn", func(c *Config) { c.RateLimit.TierSource = TierSourceDatabase }, "database.dsn"},
		{"token resolver without secret", func(c *Config) { c.RateLimit.Resolver = ResolverSignedToken }, "token_secret"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"bad upstream", func(c *Config) { c.Upstream.Target = "not a url" }, "upstream.target"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_DatabaseSourceSkipsFileTiers(t *testing.T) {
	cfg := &Config{
		Database:  DatabaseConfig{DSN: "postgres://localhost/quota"},
		RateLimit: RateLimitConfig{FailurePolicy: "fail_closed", TierSource: TierSourceDatabase},
	}
	cfg.applyDefaults()

	assert.NoError(t, cfg.Validate())
}

func TestResolveConfigPath(t *testing.T) {
	assert.Equal(t, "explicit.yaml", ResolveConfigPath(" explicit.yaml "))

	t.Setenv(EnvConfigPath, "/etc/gateway/config.yaml")
	assert.Equal(t, "/etc/gateway/config.yaml", ResolveConfigPath(""))

	t.Setenv(EnvConfigPath, "")
	assert.Equal(t, DefaultConfigPath, ResolveConfigPath(""))
}
