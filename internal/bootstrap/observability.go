package bootstrap

import (
	"log/slog"

	"github.com/target/queuesd/config"
	"github.com/target/queuesd/internal/observability/statsd"
)

// BuildMetrics returns the StatsD client for cfg. A disabled or unreachable sink
// yields a client that drops every metric so callers never branch on nil.
func BuildMetrics(logger *slog.Logger, cfg config.ObservabilityConfig, globalTags map[string]string) *statsd.Client {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := statsd.NewClient(statsd.Config{
		Enabled:    cfg.Metrics.IsEnabled(),
		Address:    cfg.Metrics.StatsdAddress,
		Prefix:     cfg.Metrics.Prefix,
		Logger:     logger,
		GlobalTags: globalTags,
	})
	if err != nil {
		logger.Error("failed to initialise statsd client", "error", err)
		client, _ = statsd.NewClient(statsd.Config{Logger: logger})
	}
	return client
}
