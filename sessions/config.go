package sessions

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config tunes the session pool. The zero value is usable: every field
// falls back to its documented default. Defaults can also be loaded from
// the environment via ConfigFromEnv.
type Config struct {
	// MinOpened is the floor the pool pre-warms at construction and
	// restores on maintenance ticks after evictions, as long as the pool
	// is not shrinking under idle backpressure.
	// ENV: SESSION_POOL_MIN_OPENED
	MinOpened int `env:"SESSION_POOL_MIN_OPENED,default=10"`

	// MaxOpened bounds all live sessions, leased plus idle. Get blocks
	// (up to SessionGetTimeout) once this many are out.
	// ENV: SESSION_POOL_MAX_OPENED
	MaxOpened int `env:"SESSION_POOL_MAX_OPENED,default=400"`

	// MaxIdle is how many sessions the pool keeps around beyond demand
	// before idle-expiry starts discarding returned sessions.
	// ENV: SESSION_POOL_MAX_IDLE
	MaxIdle int `env:"SESSION_POOL_MAX_IDLE,default=300"`

	// IdleTimeout discards a returned session older than this, but only
	// while the pool holds more than MaxIdle sessions. Below that floor
	// sessions are kept regardless of age.
	// ENV: SESSION_POOL_IDLE_TIMEOUT
	IdleTimeout time.Duration `env:"SESSION_POOL_IDLE_TIMEOUT,default=30m"`

	// SessionAliveTrustDuration is how long after the last successful use
	// or ping a session is trusted without re-pinging it.
	// ENV: SESSION_POOL_ALIVE_TRUST_DURATION
	SessionAliveTrustDuration time.Duration `env:"SESSION_POOL_ALIVE_TRUST_DURATION,default=55m"`

	// SessionGetTimeout bounds how long Get waits for a session when the
	// pool is at capacity. ENV: SESSION_POOL_GET_TIMEOUT
	SessionGetTimeout time.Duration `env:"SESSION_POOL_GET_TIMEOUT,default=1s"`

	// HealthCheckInterval is the maintenance tick: ping idle sessions,
	// evict dead ones, refill to MinOpened.
	// ENV: SESSION_POOL_HEALTH_CHECK_INTERVAL
	HealthCheckInterval time.Duration `env:"SESSION_POOL_HEALTH_CHECK_INTERVAL,default=5m"`

	// IncStep caps how many sessions one replenishment batch creates.
	// ENV: SESSION_POOL_INC_STEP
	IncStep int `env:"SESSION_POOL_INC_STEP,default=25"`

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// ConfigFromEnv builds a Config from the environment, applying defaults
// for anything unset.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode session pool config: %w", err)
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.MinOpened <= 0 {
		c.MinOpened = 10
	}
	if c.MaxOpened <= 0 {
		c.MaxOpened = 400
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = 300
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.SessionAliveTrustDuration <= 0 {
		c.SessionAliveTrustDuration = 55 * time.Minute
	}
	if c.SessionGetTimeout <= 0 {
		c.SessionGetTimeout = time.Second
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 5 * time.Minute
	}
	if c.IncStep <= 0 {
		c.IncStep = 25
	}
}

func (c *Config) validate() error {
	if c.MinOpened > c.MaxOpened {
		return errors.New("MinOpened must not exceed MaxOpened")
	}
	return nil
}
