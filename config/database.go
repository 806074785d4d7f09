package config

import "strings"

// DBConfig contains PostgreSQL database configuration.
type DBConfig struct {
	Host     string `env:"HOST"                    envDefault:"localhost"`
	Port     int    `env:"PORT"                    envDefault:"5432"`
	User     string `env:"USER"                    envDefault:"queuesd"`
	Password string `env:"PASSWORD"                envDefault:"queuesd"`
	Name     string `env:"NAME"                    envDefault:"queuesd"`
	SSLMode  string `env:"SSL_MODE"                envDefault:"disable"` // Use 'disable' for local dev, 'require' for production
	// RunMigrationsOnStart controls whether the run command applies migrations before entering the loop.
	RunMigrationsOnStart bool `env:"RUN_MIGRATIONS_ON_START" envDefault:"true"`
	MaxOpenConns         int  `env:"MAX_OPEN_CONNS"          envDefault:"10"`
}

// RedisConfig contains Redis configuration. Redis only backs remote daemon heartbeats.
type RedisConfig struct {
	Enabled            bool     `env:"ENABLED"              envDefault:"false"`
	URI                string   `env:"URI"                  envDefault:"localhost:6379"`
	Password           string   `env:"PASSWORD"             envDefault:""`
	SentinelNodes      []string `env:"SENTINEL_NODES"       envDefault:""`
	SentinelMasterName string   `env:"SENTINEL_MASTER_NAME" envDefault:"mymaster"`
	SentinelPassword   string   `env:"SENTINEL_PASSWORD"    envDefault:""`
	UseSentinel        bool     `env:"USE_SENTINEL"         envDefault:"false"`
	KeyPrefix          string   `env:"KEY_PREFIX"           envDefault:"queuesd:daemon:"`
}

// Sanitize trims addresses and disables sentinel mode without nodes.
func (c *RedisConfig) Sanitize() {
	c.URI = strings.TrimSpace(c.URI)
	nodes := c.SentinelNodes[:0]
	for _, n := range c.SentinelNodes {
		if n = strings.TrimSpace(n); n != "" {
			nodes = append(nodes, n)
		}
	}
	c.SentinelNodes = nodes
	if c.UseSentinel && len(c.SentinelNodes) == 0 {
		c.UseSentinel = false
	}
	if c.URI == "" && !c.UseSentinel {
		c.Enabled = false
	}
}
