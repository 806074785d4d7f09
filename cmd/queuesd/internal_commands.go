package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/target/queuesd/internal/bootstrap"
	apperrors "github.com/target/queuesd/internal/errors"
)

var errTestFailure = errors.New("test:fail requested a failure")

func newMarkAsCancelledCommand(ctx *commandContext) *cobra.Command {
	var failedID, cancellingID int64
	cmd := &cobra.Command{
		Use:    "internal:mark-as-cancelled",
		Short:  "Cancel the descendants of a failed job (spawned by the daemon)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if failedID <= 0 {
				return apperrors.ValidationField("id", "option --id must be a positive job id")
			}
			if cancellingID <= 0 {
				return apperrors.ValidationField("cancelling-job-id", "option --cancelling-job-id must be a positive job id")
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			infra, closeInfra, err := ctx.connect(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer closeInfra()

			logger := ctx.log().With("failed_job_id", failedID, "cancelling_job_id", cancellingID)
			cancelled, err := bootstrap.MarkAsCancelled(cmd.Context(), bootstrap.MarkAsCancelledConfig{
				DB:            infra.DB,
				Logger:        logger,
				FlushAttempts: cfg.Daemon.StatusFlushAttempts,
				FailedJobID:   failedID,
				CancellingID:  cancellingID,
			})
			if err != nil {
				return err
			}
			logger.InfoContext(cmd.Context(), "descendants cancelled", "cancelled", cancelled)
			return nil
		},
	}
	cmd.Flags().Int64Var(&failedID, "id", 0, "ID of the failed job")
	cmd.Flags().Int64Var(&cancellingID, "cancelling-job-id", 0, "ID of the cancelling job running this command")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("cancelling-job-id")
	return cmd
}

func newTestFailCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "test:fail",
		Short:       "Exit with status 1, used as a random job payload",
		Hidden:      true,
		Annotations: map[string]string{skipConfigLoad: "true"},
		RunE: func(_ *cobra.Command, _ []string) error {
			return errTestFailure
		},
	}
}

func newTestSleepCommand() *cobra.Command {
	var seconds int
	cmd := &cobra.Command{
		Use:         "test:sleep",
		Short:       "Sleep for a while, used as a random job payload",
		Hidden:      true,
		Annotations: map[string]string{skipConfigLoad: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if seconds < 0 {
				return apperrors.ValidationField("seconds", "option --seconds must not be negative")
			}
			select {
			case <-time.After(time.Duration(seconds) * time.Second):
				fmt.Fprintf(cmd.OutOrStdout(), "slept %ds\n", seconds)
				return nil
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			}
		},
	}
	cmd.Flags().IntVar(&seconds, "seconds", 1, "How long to sleep")
	return cmd
}
