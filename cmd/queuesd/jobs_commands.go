package main

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/target/queuesd/config"
	"github.com/target/queuesd/internal/bootstrap"
	"github.com/target/queuesd/internal/domain/job"
	"github.com/target/queuesd/internal/service"
)

type enqueueFlags struct {
	queue           string
	priority        int
	strategy        string
	maxAttempts     int
	increment       time.Duration
	exponentialBase float64
	window          time.Duration
	after           []int64
	delay           time.Duration
}

func (f enqueueFlags) request(args []string, now time.Time) service.EnqueueRequest {
	req := service.EnqueueRequest{
		Command:  args[0],
		Argv:     args[1:],
		Queue:    f.queue,
		Priority: f.priority,
		Retry: job.StrategySpec{
			Type:            job.StrategyType(strings.TrimSpace(f.strategy)),
			MaxAttempts:     f.maxAttempts,
			Increment:       f.increment,
			ExponentialBase: f.exponentialBase,
			Window:          f.window,
		},
		After: f.after,
	}
	if f.delay > 0 {
		at := now.Add(f.delay)
		req.ExecuteAfter = &at
	}
	return req
}

// openJobService connects to Postgres and wires a JobService aware of the configured profiles.
func openJobService(cmd *cobra.Command, ctx *commandContext) (*service.JobService, func(), error) {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return nil, nil, err
	}
	profiles, err := config.LoadProfiles(cfg.Daemon.ProfilesFile)
	if err != nil {
		return nil, nil, err
	}
	infra, closeInfra, err := ctx.connect(cmd.Context(), cfg, false)
	if err != nil {
		return nil, nil, err
	}
	svc, err := bootstrap.NewJobService(infra.DB, profiles, ctx.log(), nil)
	if err != nil {
		closeInfra()
		return nil, nil, err
	}
	return svc, closeInfra, nil
}

func newEnqueueCommand(ctx *commandContext) *cobra.Command {
	var flags enqueueFlags
	cmd := &cobra.Command{
		Use:   "jobs:enqueue <command> [-- args...]",
		Short: "Create a job",
		Example: "  queuesd jobs:enqueue --queue reports --after 41 report:send -- --to=ops\n" +
			"  queuesd jobs:enqueue --retry-strategy exponential --max-attempts 5 --increment 10s sync:feed",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeInfra, err := openJobService(cmd, ctx)
			if err != nil {
				return err
			}
			defer closeInfra()

			j, err := svc.Enqueue(cmd.Context(), flags.request(args, time.Now()))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), j.ID)
			return nil
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&flags.queue, "queue", "default", "Queue the job is placed in")
	fs.IntVar(&flags.priority, "priority", 0, "Priority, lower runs first")
	fs.StringVar(&flags.strategy, "retry-strategy", "", "Retry strategy: constant, linear, exponential, time_fixed, live or never")
	fs.IntVar(&flags.maxAttempts, "max-attempts", 1, "Maximum attempts, including the first run")
	fs.DurationVar(&flags.increment, "increment", 5*time.Second, "Base delay between attempts")
	fs.Float64Var(&flags.exponentialBase, "exponential-base", 2, "Growth factor of the exponential strategy")
	fs.DurationVar(&flags.window, "window", time.Hour, "Retry window of the time_fixed strategy")
	fs.Int64SliceVar(&flags.after, "after", nil, "IDs of jobs that must succeed first")
	fs.DurationVar(&flags.delay, "delay", 0, "Do not run the job before this delay has elapsed")
	return cmd
}

func newLinkCommand(ctx *commandContext) *cobra.Command {
	var parentID, childID int64
	cmd := &cobra.Command{
		Use:   "jobs:link",
		Short: "Make a NEW job wait on another job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, closeInfra, err := openJobService(cmd, ctx)
			if err != nil {
				return err
			}
			defer closeInfra()
			return svc.Link(cmd.Context(), parentID, childID)
		},
	}
	cmd.Flags().Int64Var(&parentID, "parent", 0, "ID of the job that must succeed first")
	cmd.Flags().Int64Var(&childID, "child", 0, "ID of the waiting job")
	_ = cmd.MarkFlagRequired("parent")
	_ = cmd.MarkFlagRequired("child")
	return cmd
}

func newRandomJobsCommand(ctx *commandContext) *cobra.Command {
	var (
		count  int
		queues []string
		seed   uint64
	)
	cmd := &cobra.Command{
		Use:    "test:random-jobs",
		Short:  "Enqueue a random acyclic graph of test jobs",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, closeInfra, err := openJobService(cmd, ctx)
			if err != nil {
				return err
			}
			defer closeInfra()

			if seed == 0 {
				seed = randomSeed()
			}
			jobs, err := svc.RandomGraph(cmd.Context(), count, queues, seed)
			ctx.log().InfoContext(cmd.Context(), "random jobs enqueued", "count", len(jobs), "seed", seed)
			return err
		},
	}
	cmd.Flags().IntVar(&count, "count", 20, "Number of jobs to create")
	cmd.Flags().StringSliceVar(&queues, "queues", []string{"default"}, "Queues to spread the jobs over")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "Random seed, 0 picks one")
	return cmd
}

func randomSeed() uint64 {
	id := uuid.New()
	return binary.BigEndian.Uint64(id[:8])
}
