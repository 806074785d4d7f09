package config

import (
	"strings"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - database.go: Postgres and Redis configuration
//   - daemon.go: daemon runtime configuration and the profiles file location
//   - observability.go: logging and metrics configuration
type AppConfig struct {
	// Env names the deployment environment. "prod" requires an explicit opt-in on the run command.
	Env string `env:"APP_ENV" envDefault:"dev"`

	// Database configuration
	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`

	// Daemon runtime configuration
	Daemon DaemonConfig `envPrefix:"QUEUESD_"`

	// Observability configuration
	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.Env = strings.ToLower(strings.TrimSpace(c.Env))
	if c.Env == "" {
		c.Env = "dev"
	}
	c.Redis.Sanitize()
	c.Daemon.Sanitize()
	c.Observability.Sanitize()
}

// IsProd reports whether the configuration targets production.
func (c *AppConfig) IsProd() bool {
	return c.Env == "prod" || c.Env == "production"
}
