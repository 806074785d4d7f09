package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/target/queuesd/config"
	"github.com/target/queuesd/internal/bootstrap"
)

const skipConfigLoad = "skipConfigLoad"

// commandContext lazily loads the configuration and infrastructure shared by commands.
type commandContext struct {
	configOnce sync.Once
	config     config.AppConfig
	configErr  error
	logger     *slog.Logger
}

func (c *commandContext) ensureConfig() (config.AppConfig, error) {
	c.configOnce.Do(func() {
		c.config, c.configErr = bootstrap.LoadConfig()
		if c.configErr == nil {
			c.logger = bootstrap.InitLogger(c.config.Observability.SlogLevel())
		}
	})
	return c.config, c.configErr
}

func (c *commandContext) log() *slog.Logger {
	if c.logger == nil {
		return slog.Default()
	}
	return c.logger
}

// infrastructure holds the connections opened for one command.
type infrastructure struct {
	DB    *sql.DB
	Redis redis.UniversalClient
}

func (c *commandContext) connect(ctx context.Context, cfg config.AppConfig, withRedis bool) (*infrastructure, func(), error) {
	logger := c.log()
	dbCfg := bootstrap.DatabaseConfig{DBConfig: cfg.Postgres, RedisConfig: cfg.Redis, Logger: logger}

	db, err := bootstrap.ConnectDB(ctx, dbCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect db: %w", err)
	}
	infra := &infrastructure{DB: db}

	if withRedis {
		client, redisErr := bootstrap.ConnectRedis(ctx, dbCfg)
		if redisErr != nil {
			if cerr := db.Close(); cerr != nil {
				redisErr = errors.Join(redisErr, fmt.Errorf("close database: %w", cerr))
			}
			return nil, nil, fmt.Errorf("connect redis: %w", redisErr)
		}
		infra.Redis = client
	}

	closeFn := func() {
		if cerr := db.Close(); cerr != nil {
			logger.Error("close database failed", "error", cerr)
		}
		if infra.Redis != nil {
			if cerr := infra.Redis.Close(); cerr != nil {
				logger.Error("close redis failed", "error", cerr)
			}
		}
	}
	return infra, closeFn, nil
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "queuesd",
		Short:         "Persistent job queue daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[skipConfigLoad] == "true" {
				return nil
			}
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	rootCmd.AddCommand(newRunCommand(ctx))
	rootCmd.AddCommand(newMigrateCommand(ctx))
	rootCmd.AddCommand(newMarkAsCancelledCommand(ctx))
	rootCmd.AddCommand(newEnqueueCommand(ctx))
	rootCmd.AddCommand(newLinkCommand(ctx))
	rootCmd.AddCommand(newRandomJobsCommand(ctx))
	rootCmd.AddCommand(newTestFailCommand())
	rootCmd.AddCommand(newTestSleepCommand())

	return rootCmd
}
