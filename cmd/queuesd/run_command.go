package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/target/queuesd/internal/bootstrap"
	apperrors "github.com/target/queuesd/internal/errors"
)

var errProdNotAllowed = apperrors.Configf("refusing to run against a production environment without --allow-prod")

func newRunCommand(ctx *commandContext) *cobra.Command {
	var (
		allowProd     bool
		enableMemprof bool
		memprofDir    string
	)
	cmd := &cobra.Command{
		Use:   "run [daemon-name]",
		Short: "Run the queues daemon of a profile until interrupted",
		Long: "Run the queues daemon of a profile. The daemon name may be omitted when the " +
			"profiles file declares a single daemon. SIGINT and SIGTERM stop admitting jobs and " +
			"wait for running ones to finish.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cfg.IsProd() && !allowProd {
				return errProdNotAllowed
			}
			if memprofDir != "" {
				cfg.Daemon.MemprofDir = memprofDir
			}

			var name string
			if len(args) == 1 {
				name = args[0]
			}
			_, profile, err := bootstrap.LoadProfile(cfg.Daemon, name)
			if err != nil {
				return err
			}
			logger := ctx.log().With("daemon", profile.Name)

			infra, closeInfra, err := ctx.connect(cmd.Context(), cfg, true)
			if err != nil {
				return err
			}
			defer closeInfra()

			if cfg.Postgres.RunMigrationsOnStart {
				if err := bootstrap.RunMigrations(cmd.Context(), infra.DB, logger); err != nil {
					return err
				}
			} else {
				logger.InfoContext(cmd.Context(), "skipping database migrations on startup", "reason", "disabled via config")
			}

			metrics := bootstrap.BuildMetrics(logger, cfg.Observability, map[string]string{"daemon": profile.Name})
			defer func() {
				if cerr := metrics.Close(); cerr != nil {
					logger.Error("close statsd client failed", "error", cerr)
				}
			}()

			runCtx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			g, gctx := errgroup.WithContext(runCtx)
			g.Go(func() error {
				defer cancel()
				return bootstrap.RunDaemon(gctx, bootstrap.DaemonRunConfig{
					DB:            infra.DB,
					Redis:         infra.Redis,
					Logger:        logger,
					Metrics:       metrics,
					Profile:       profile,
					Config:        cfg.Daemon,
					RedisConfig:   cfg.Redis,
					EnableMemprof: enableMemprof,
				})
			})
			g.Go(func() error {
				<-gctx.Done()
				if errors.Is(cmd.Context().Err(), context.Canceled) {
					logger.Info("shutdown signal received, draining running jobs")
				}
				return nil
			})
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&allowProd, "allow-prod", false, "Allow running when APP_ENV is prod")
	cmd.Flags().BoolVar(&enableMemprof, "enable-memprof", false, "Write a heap profile with every profiling report")
	cmd.Flags().StringVar(&memprofDir, "memprof-dir", "", "Directory receiving heap profiles (defaults to QUEUESD_MEMPROF_DIR)")
	return cmd
}

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			infra, closeInfra, err := ctx.connect(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer closeInfra()
			return bootstrap.RunMigrations(cmd.Context(), infra.DB, ctx.log())
		},
	}
}
