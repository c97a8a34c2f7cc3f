// Package config loads the service configuration from a YAML file and the
// environment. Environment values override file values.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config is the recognized configuration surface of the authorization core
// and its HTTP host.
type Config struct {
	ListenAddr string `yaml:"listen_addr" env:"GATEKIT_LISTEN_ADDR" env-default:":8080"`

	// AuthMode selects the authentication path: "token" or "session".
	AuthMode string `yaml:"auth_mode" env:"GATEKIT_AUTH_MODE" env-default:"token"`

	// SigningSecret feeds the HMAC signer for tokens. Required.
	SigningSecret string `yaml:"signing_secret" env:"GATEKIT_SIGNING_SECRET"`

	TokenTTL       time.Duration `yaml:"token_ttl" env:"GATEKIT_TOKEN_TTL" env-default:"15m"`
	SessionTimeout time.Duration `yaml:"session_timeout" env:"GATEKIT_SESSION_TIMEOUT" env-default:"30m"`
	SweepInterval  time.Duration `yaml:"sweep_interval" env:"GATEKIT_SWEEP_INTERVAL" env-default:"1m"`

	CSRFTTL       time.Duration `yaml:"csrf_ttl" env:"GATEKIT_CSRF_TTL" env-default:"10m"`
	CSRFSingleUse bool          `yaml:"csrf_single_use" env:"GATEKIT_CSRF_SINGLE_USE" env-default:"false"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`

	FailClosedOnStorageError bool `yaml:"fail_closed_on_storage_error" env:"GATEKIT_FAIL_CLOSED" env-default:"true"`

	// RedisAddr, when set, externalizes sessions to Redis.
	RedisAddr     string `yaml:"redis_addr" env:"GATEKIT_REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"GATEKIT_REDIS_PASSWORD"`

	// PGDSN, when set, persists the RBAC registry to PostgreSQL.
	PGDSN string `yaml:"pg_dsn" env:"GATEKIT_PG_DSN"`
}

// RateLimitConfig bounds request frequency per identifier. MaxRequests and
// Window drive the per-principal sliding window; EdgePerSecond and EdgeBurst
// drive the per-client-IP limiter at the HTTP edge. EdgePerSecond zero
// disables the edge limiter.
type RateLimitConfig struct {
	MaxRequests   int           `yaml:"max_requests" env:"GATEKIT_RATE_MAX_REQUESTS" env-default:"100"`
	Window        time.Duration `yaml:"window" env:"GATEKIT_RATE_WINDOW" env-default:"1m"`
	EdgePerSecond int           `yaml:"edge_per_second" env:"GATEKIT_RATE_EDGE_PER_SECOND" env-default:"50"`
	EdgeBurst     int           `yaml:"edge_burst" env:"GATEKIT_RATE_EDGE_BURST" env-default:"100"`
}

// Load reads the optional config file, then the environment, then validates.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := cleanenv.ReadConfig(path, cfg); err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	if c.SigningSecret == "" {
		return errors.New("config: signing secret is required")
	}
	if c.AuthMode != "token" && c.AuthMode != "session" {
		return fmt.Errorf("config: unsupported auth mode %q", c.AuthMode)
	}
	if c.TokenTTL <= 0 {
		return errors.New("config: token ttl must be positive")
	}
	if c.SessionTimeout <= 0 {
		return errors.New("config: session timeout must be positive")
	}
	if c.CSRFTTL <= 0 {
		return errors.New("config: csrf ttl must be positive")
	}
	if c.RateLimit.MaxRequests <= 0 || c.RateLimit.Window <= 0 {
		return errors.New("config: rate limit needs positive max requests and window")
	}
	if c.RateLimit.EdgePerSecond < 0 || (c.RateLimit.EdgePerSecond > 0 && c.RateLimit.EdgeBurst <= 0) {
		return errors.New("config: edge rate limit needs a non-negative rate and positive burst")
	}
	return nil
}
