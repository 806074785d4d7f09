package bootstrap

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/target/queuesd/config"
)

// InitLogger initializes the structured logger.
func InitLogger(level slog.Level) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return logger
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (config.AppConfig, error) {
	// Load .env file if it exists (development)
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return config.AppConfig{}, fmt.Errorf("load .env file: %w", err)
		}
	}

	var cfg config.AppConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	cfg.Sanitize()
	return cfg, nil
}

// LoadProfile reads the profiles file and resolves the named daemon profile.
func LoadProfile(cfg config.DaemonConfig, name string) (*config.ProfilesFile, config.DaemonProfile, error) {
	profiles, err := config.LoadProfiles(cfg.ProfilesFile)
	if err != nil {
		return nil, config.DaemonProfile{}, err
	}
	profile, err := profiles.Select(name)
	if err != nil {
		return nil, config.DaemonProfile{}, err
	}
	return profiles, profile, nil
}
