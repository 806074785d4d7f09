package config

import (
	"os"
	"strings"
	"time"
)

// DaemonConfig holds process-level settings of the run command.
// Queue and interval settings live in the profiles file, see profiles.go.
type DaemonConfig struct {
	// ProfilesFile is the YAML file declaring the daemon profiles.
	ProfilesFile string `env:"DAEMONS_FILE" envDefault:"daemons.yaml"`
	// LockDir holds one lock file per running profile on this host.
	LockDir string `env:"LOCK_DIR"`
	// MemprofDir receives heap profiles when --enable-memprof is set.
	MemprofDir string `env:"MEMPROF_DIR"`
	// PostWriteDelay is the pause inserted between busy loop iterations.
	PostWriteDelay time.Duration `env:"POST_WRITE_DELAY" envDefault:"50ms"`
	// DrainPollInterval paces polling of running jobs while shutting down.
	DrainPollInterval time.Duration `env:"DRAIN_POLL_INTERVAL" envDefault:"500ms"`
	// OutputLimit bounds the captured subprocess output in bytes.
	OutputLimit int `env:"OUTPUT_LIMIT" envDefault:"65536"`
	// StatusFlushAttempts bounds the refresh-and-retry of a conflicting status flush.
	StatusFlushAttempts int `env:"STATUS_FLUSH_ATTEMPTS" envDefault:"3"`
}

// Sanitize applies defaults to empty or out-of-range values.
func (c *DaemonConfig) Sanitize() {
	c.ProfilesFile = strings.TrimSpace(c.ProfilesFile)
	if c.ProfilesFile == "" {
		c.ProfilesFile = "daemons.yaml"
	}
	if c.LockDir = strings.TrimSpace(c.LockDir); c.LockDir == "" {
		c.LockDir = os.TempDir()
	}
	if c.MemprofDir = strings.TrimSpace(c.MemprofDir); c.MemprofDir == "" {
		c.MemprofDir = os.TempDir()
	}
	if c.PostWriteDelay < 0 {
		c.PostWriteDelay = 0
	}
	if c.DrainPollInterval <= 0 {
		c.DrainPollInterval = 500 * time.Millisecond
	}
	if c.OutputLimit <= 0 {
		c.OutputLimit = 64 * 1024
	}
	if c.StatusFlushAttempts <= 0 {
		c.StatusFlushAttempts = 3
	}
}
