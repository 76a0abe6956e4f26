package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aman-churiwal/quota-gateway/internal/ratelimit"
	"github.com/aman-churiwal/quota-gateway/internal/tier"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	EnvConfigPath    = "CONFIG_PATH"
	EnvPort          = "GATEWAY_PORT"
	EnvRedisAddr     = "REDIS_ADDR"
	EnvRedisPassword = "REDIS_PASSWORD"
	EnvDatabaseDSN   = "DATABASE_DSN"
	EnvFailurePolicy = "RATE_LIMIT_FAILURE_POLICY"
	EnvTokenSecret   = "RATE_LIMIT_TOKEN_SECRET"
	EnvAdminToken    = "GATEWAY_ADMIN_TOKEN"
)

const DefaultConfigPath = "config.json"

const (
	BackendRedis  = "redis"
	BackendMemory = "memory"

	TierSourceFile     = "file"
	TierSourceDatabase = "database"

	ResolverPrefix      = "prefix"
	ResolverSignedToken = "signed_token"
)

type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Redis     RedisConfig     `json:"redis" yaml:"redis"`
	Database  DatabaseConfig  `json:"database" yaml:"database"`
	Log       LogConfig       `json:"log" yaml:"log"`
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	Upstream  UpstreamConfig  `json:"upstream" yaml:"upstream"`
}

type ServerConfig struct {
	Port        string `json:"port" yaml:"port"`
	Environment string `json:"environment" yaml:"environment"`

	// Bearer token for /admin routes. Admin routes are not served without it.
	AdminToken string `json:"admin_token" yaml:"admin_token"`
}

type RedisConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     string `json:"port" yaml:"port"`
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	PoolSize int    `json:"pool_size" yaml:"pool_size"`
}

// Returns host:port, preferring an explicit addr
func (r RedisConfig) GetRedisAddr() string {
	if r.Addr != "" {
		return r.Addr
	}
	return net.JoinHostPort(r.Host, r.Port)
}

type DatabaseConfig struct {
	DSN string `json:"dsn" yaml:"dsn"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

type RateLimitConfig struct {
	// redis or memory
	Backend string `json:"backend" yaml:"backend"`

	// fail_open or fail_closed, no default
	FailurePolicy string `json:"failure_policy" yaml:"failure_policy"`

	KeyPrefix      string `json:"key_prefix" yaml:"key_prefix"`
	Header         string `json:"header" yaml:"header"`
	StoreTimeoutMs int    `json:"store_timeout_ms" yaml:"store_timeout_ms"`

	// file or database
	TierSource string `json:"tier_source" yaml:"tier_source"`

	// prefix or signed_token
	Resolver    string `json:"resolver" yaml:"resolver"`
	TokenSecret string `json:"token_secret" yaml:"token_secret"`

	Tiers    []TierConfig   `json:"tiers" yaml:"tiers"`
	Prefixes []PrefixConfig `json:"prefixes" yaml:"prefixes"`

	Breaker              BreakerConfig `json:"breaker" yaml:"breaker"`
	SweepIntervalSeconds int           `json:"sweep_interval_seconds" yaml:"sweep_interval_seconds"`
}

// TierConfig takes either refill_rate (tokens per second) or
// refill_window_seconds (time to refill from empty to full)
type TierConfig struct {
	Name                string  `json:"name" yaml:"name"`
	Capacity            float64 `json:"capacity" yaml:"capacity"`
	RefillRate          float64 `json:"refill_rate" yaml:"refill_rate"`
	RefillWindowSeconds float64 `json:"refill_window_seconds" yaml:"refill_window_seconds"`
}

func (t TierConfig) ToTier() tier.Tier {
	rate := t.RefillRate
	if rate == 0 && t.RefillWindowSeconds > 0 {
		rate = t.Capacity / t.RefillWindowSeconds
	}
	return tier.Tier{Name: t.Name, Capacity: t.Capacity, RefillRate: rate}
}

type PrefixConfig struct {
	Prefix string `json:"prefix" yaml:"prefix"`
	Tier   string `json:"tier" yaml:"tier"`
}

type BreakerConfig struct {
	Enabled        bool `json:"enabled" yaml:"enabled"`
	MaxFailures    int  `json:"max_failures" yaml:"max_failures"`
	TimeoutSeconds int  `json:"timeout_seconds" yaml:"timeout_seconds"`
}

type UpstreamConfig struct {
	Target string `json:"target" yaml:"target"`
}

// Returns the config path from CONFIG_PATH or the default
func ResolveConfigPath(path string) string {
	if path = strings.TrimSpace(path); path != "" {
		return path
	}
	if env := strings.TrimSpace(os.Getenv(EnvConfigPath)); env != "" {
		return env
	}
	return DefaultConfigPath
}

// Reads a JSON or YAML config file, applies defaults and environment
// overrides, then validates it
func Load(path string) (*Config, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(file, &cfg)
	default:
		err = json.Unmarshal(file, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Environment == "" {
		c.Server.Environment = "development"
	}
	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == "" {
		c.Redis.Port = "6379"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	rl := &c.RateLimit
	if rl.Backend == "" {
		rl.Backend = BackendRedis
	}
	if rl.KeyPrefix == "" {
		rl.KeyPrefix = ratelimit.DefaultKeyPrefix
	}
	if rl.Header == "" {
		rl.Header = "X-API-Key"
	}
	if rl.StoreTimeoutMs <= 0 {
		rl.StoreTimeoutMs = int(ratelimit.DefaultStoreTimeout / time.Millisecond)
	}
	if rl.TierSource == "" {
		rl.TierSource = TierSourceFile
	}
	if rl.Resolver == "" {
		rl.Resolver = ResolverPrefix
	}
	if rl.Breaker.MaxFailures <= 0 {
		rl.Breaker.MaxFailures = 5
	}
	if rl.Breaker.TimeoutSeconds <= 0 {
		rl.Breaker.TimeoutSeconds = 30
	}
	if rl.SweepIntervalSeconds <= 0 {
		rl.SweepIntervalSeconds = 60
	}
}

func (c *Config) applyEnv() {
	if port := strings.TrimSpace(os.Getenv(EnvPort)); port != "" {
		c.Server.Port = port
	}
	if addr := strings.TrimSpace(os.Getenv(EnvRedisAddr)); addr != "" {
		c.Redis.Addr = addr
	}
	if password := os.Getenv(EnvRedisPassword); password != "" {
		c.Redis.Password = password
	}
	if dsn := strings.TrimSpace(os.Getenv(EnvDatabaseDSN)); dsn != "" {
		c.Database.DSN = dsn
	}
	if policy := strings.TrimSpace(os.Getenv(EnvFailurePolicy)); policy != "" {
		c.RateLimit.FailurePolicy = policy
	}
	if secret := strings.TrimSpace(os.Getenv(EnvTokenSecret)); secret != "" {
		c.RateLimit.TokenSecret = secret
	}
	if token := strings.TrimSpace(os.Getenv(EnvAdminToken)); token != "" {
		c.Server.AdminToken = token
	}
}

func (c *Config) Validate() error {
	var errs []error

	if _, err := ratelimit.ParseFailurePolicy(c.RateLimit.FailurePolicy); err != nil {
		errs = append(errs, fmt.Errorf("rate_limit.failure_policy: %w", err))
	}

	switch c.RateLimit.Backend {
	case BackendRedis, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("rate_limit.backend: unknown backend %q", c.RateLimit.Backend))
	}

	switch c.RateLimit.Resolver {
	case ResolverPrefix:
	case ResolverSignedToken:
		if c.RateLimit.TokenSecret == "" {
			errs = append(errs, errors.New("rate_limit.token_secret is required for the signed_token resolver"))
		}
	default:
		errs = append(errs, fmt.Errorf("rate_limit.resolver: unknown resolver %q", c.RateLimit.Resolver))
	}

	switch c.RateLimit.TierSource {
	case TierSourceFile:
		if err := c.validateTiers(); err != nil {
			errs = append(errs, err)
		}
	case TierSourceDatabase:
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required when rate_limit.tier_source is database"))
		}
	default:
		errs = append(errs, fmt.Errorf("rate_limit.tier_source: unknown source %q", c.RateLimit.TierSource))
	}

	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format: must be text or json, got %q", c.Log.Format))
	}

	if c.Upstream.Target != "" {
		u, err := url.Parse(c.Upstream.Target)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("upstream.target: invalid url %q", c.Upstream.Target))
		}
	}

	return errors.Join(errs...)
}

func (c *Config) validateTiers() error {
	table, err := tier.NewTable(c.Tiers())
	if err != nil {
		return fmt.Errorf("rate_limit.tiers: %w", err)
	}

	if c.RateLimit.Resolver == ResolverPrefix {
		if _, err := tier.NewPrefixResolver(table, c.Rules()); err != nil {
			return fmt.Errorf("rate_limit.prefixes: %w", err)
		}
	}

	return nil
}

// Returns the configured tiers
func (c *Config) Tiers() []tier.Tier {
	tiers := make([]tier.Tier, 0, len(c.RateLimit.Tiers))
	for _, t := range c.RateLimit.Tiers {
		tiers = append(tiers, t.ToTier())
	}
	return tiers
}

// Returns the configured prefix rules in match order
func (c *Config) Rules() []tier.Rule {
	rules := make([]tier.Rule, 0, len(c.RateLimit.Prefixes))
	for _, p := range c.RateLimit.Prefixes {
		rules = append(rules, tier.Rule{Prefix: p.Prefix, Tier: p.Tier})
	}
	return rules
}

// Returns the validated failure policy
func (c *Config) FailurePolicy() ratelimit.FailurePolicy {
	policy, _ := ratelimit.ParseFailurePolicy(c.RateLimit.FailurePolicy)
	return policy
}

func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.RateLimit.StoreTimeoutMs) * time.Millisecond
}

func (c *Config) BreakerTimeout() time.Duration {
	return time.Duration(c.RateLimit.Breaker.TimeoutSeconds) * time.Second
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.RateLimit.SweepIntervalSeconds) * time.Second
}
