// Package config loads gateway configuration from a YAML file overlaid with
// ERPGW_ environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override. A double underscore
// separates nesting levels: ERPGW_SERVER__PORT sets server.port.
const EnvPrefix = "ERPGW_"

// DefaultPath is read when no path is given.
const DefaultPath = "config.yaml"

type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Log         LogConfig         `koanf:"log"`
	Auth        AuthConfig        `koanf:"auth"`
	RateLimit   RateLimitConfig   `koanf:"rate_limit"`
	Idempotency IdempotencyConfig `koanf:"idempotency"`
	ERP         ERPConfig         `koanf:"erp"`
	Storage     StorageConfig     `koanf:"storage"`
	Webhooks    WebhookConfig     `koanf:"webhooks"`
	Healing     HealingConfig     `koanf:"healing"`
	Batch       BatchConfig       `koanf:"batch"`
	Audit       AuditConfig       `koanf:"audit"`
	Tracing     TracingConfig     `koanf:"tracing"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	CORSOrigins    []string      `koanf:"cors_origins"`
}

type LogConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
}

type AuthConfig struct {
	Mode    string         `koanf:"mode"` // none, apikey, jwt
	APIKeys []APIKeyConfig `koanf:"api_keys"`
	JWT     JWTConfig      `koanf:"jwt"`
	// StdioToken is presented on behalf of every call on the stream listener.
	StdioToken string `koanf:"stdio_token"`
	// AnonymousRoles are granted to callers without credentials.
	AnonymousRoles []string `koanf:"anonymous_roles"`
}

type APIKeyConfig struct {
	KeyHash string   `koanf:"key_hash"` // hex SHA-256 of the key
	UserID  string   `koanf:"user_id"`
	Roles   []string `koanf:"roles"`
}

type JWTConfig struct {
	Secret   string `koanf:"secret"`
	Issuer   string `koanf:"issuer"`
	Audience string `koanf:"audience"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type RateLimitConfig struct {
	Enabled       bool          `koanf:"enabled"`
	Backend       string        `koanf:"backend"` // memory, redis
	Capacity      int           `koanf:"capacity"`
	Interval      time.Duration `koanf:"interval"`
	MaxIdentities int           `koanf:"max_identities"`
	Redis         RedisConfig   `koanf:"redis"`
}

type IdempotencyConfig struct {
	Backend          string        `koanf:"backend"` // memory, redis, sql
	TTL              time.Duration `koanf:"ttl"`
	SweepInterval    time.Duration `koanf:"sweep_interval"`
	ExecutionTimeout time.Duration `koanf:"execution_timeout"`
	Redis            RedisConfig   `koanf:"redis"`
}

type ERPConfig struct {
	Backend   string        `koanf:"backend"`   // live, stub
	Transport string        `koanf:"transport"` // http, alt, auto
	AIF       AIFConfig     `koanf:"aif"`
	WCF       WCFConfig     `koanf:"wcf"`
	Breaker   BreakerConfig `koanf:"breaker"`
}

type AIFConfig struct {
	URL     string        `koanf:"url"`
	Timeout time.Duration `koanf:"timeout"`
}

type WCFConfig struct {
	Addr        string        `koanf:"addr"`
	PoolSize    int           `koanf:"pool_size"`
	DialTimeout time.Duration `koanf:"dial_timeout"`
}

type BreakerConfig struct {
	FailureThreshold int           `koanf:"failure_threshold"`
	OpenDuration     time.Duration `koanf:"open_duration"`
	CallTimeout      time.Duration `koanf:"call_timeout"`
}

type StorageConfig struct {
	Driver string `koanf:"driver"` // sqlite, postgres, memory
	DSN    string `koanf:"dsn"`
}

type WebhookConfig struct {
	Concurrency         int           `koanf:"concurrency"`
	Timeout             time.Duration `koanf:"timeout"`
	DefaultMaxRetries   int           `koanf:"default_max_retries"`
	MaxRetries          int           `koanf:"max_retries"`
	DefaultBackoff      time.Duration `koanf:"default_backoff"`
	DefaultExponential  bool          `koanf:"default_exponential"`
	AllowPrivateTargets bool          `koanf:"allow_private_targets"`
}

type HealingConfig struct {
	Interval             time.Duration `koanf:"interval"`
	PoolFailureThreshold int           `koanf:"pool_failure_threshold"`
	PoolRecoveryInterval time.Duration `koanf:"pool_recovery_interval"`
}

type BatchConfig struct {
	MaxConcurrency int `koanf:"max_concurrency"`
	MaxCalls       int `koanf:"max_calls"`
}

type AuditConfig struct {
	MaxPayloadBytes int `koanf:"max_payload_bytes"`
}

type TracingConfig struct {
	Enabled bool `koanf:"enabled"`
}

var defaults = map[string]any{
	"server.port":                    8080,
	"server.request_timeout":         "30s",
	"log.level":                      "info",
	"log.format":                     "json",
	"auth.mode":                      "none",
	"rate_limit.enabled":             true,
	"rate_limit.backend":             "memory",
	"rate_limit.capacity":            60,
	"rate_limit.interval":            "1m",
	"rate_limit.max_identities":      10000,
	"idempotency.backend":            "memory",
	"idempotency.ttl":                "24h",
	"idempotency.sweep_interval":     "5m",
	"idempotency.execution_timeout":  "60s",
	"erp.backend":                    "stub",
	"erp.transport":                  "auto",
	"erp.aif.timeout":                "15s",
	"erp.wcf.pool_size":              4,
	"erp.wcf.dial_timeout":           "5s",
	"erp.breaker.failure_threshold":  5,
	"erp.breaker.open_duration":      "30s",
	"erp.breaker.call_timeout":       "10s",
	"storage.driver":                 "sqlite",
	"storage.dsn":                    "erpgw.db",
	"webhooks.concurrency":           10,
	"webhooks.timeout":               "10s",
	"webhooks.default_max_retries":   3,
	"webhooks.max_retries":           10,
	"webhooks.default_backoff":       "1s",
	"webhooks.default_exponential":   true,
	"healing.interval":               "15s",
	"healing.pool_failure_threshold": 3,
	"healing.pool_recovery_interval": "30s",
	"batch.max_concurrency":          4,
	"batch.max_calls":                50,
	"audit.max_payload_bytes":        4096,
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads DefaultPath. See LoadFile.
func Load() (*Config, error) {
	return LoadFile(DefaultPath)
}

// LoadFile reads path, overlays ERPGW_ environment variables and fills
// defaults. A missing file is not an error. Variables from a .env file in the
// working directory are loaded first without overriding the environment.
func LoadFile(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	k := koanf.New(".")
	for key, v := range defaults {
		if err := k.Set(key, v); err != nil {
			return nil, err
		}
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Auth.JWT.Secret = substituteEnvVars(cfg.Auth.JWT.Secret)
	cfg.Auth.StdioToken = substituteEnvVars(cfg.Auth.StdioToken)
	cfg.RateLimit.Redis.Password = substituteEnvVars(cfg.RateLimit.Redis.Password)
	cfg.Idempotency.Redis.Password = substituteEnvVars(cfg.Idempotency.Redis.Password)
	cfg.Storage.DSN = substituteEnvVars(cfg.Storage.DSN)

	return &cfg, nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
