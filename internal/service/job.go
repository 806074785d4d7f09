package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/target/queuesd/config"
	"github.com/target/queuesd/internal/core"
	"github.com/target/queuesd/internal/domain/job"
	"github.com/target/queuesd/internal/domain/model"
	apperrors "github.com/target/queuesd/internal/errors"
	"github.com/target/queuesd/internal/observability/statsd"
)

// JobServiceOptions groups dependencies for JobService.
type JobServiceOptions struct {
	Repo     core.JobRepository   // Required: job repository
	Profiles *config.ProfilesFile // Optional: rejects queues no daemon serves
	Logger   *slog.Logger         // Optional: structured logger
	Metrics  statsd.Sink          // Optional: metrics sink
	Now      func() time.Time     // Optional: clock, defaults to time.Now
}

// JobService is the producer side of the queue: it creates jobs and links them.
type JobService struct {
	repo     core.JobRepository
	profiles *config.ProfilesFile
	logger   *slog.Logger
	metrics  statsd.Sink
	now      func() time.Time
}

// EnqueueRequest describes a job to create.
type EnqueueRequest struct {
	Command      string
	Argv         []string
	Queue        string
	Priority     int
	Retry        job.StrategySpec
	After        []int64
	ExecuteAfter *time.Time
}

// NewJobService constructs a new JobService.
func NewJobService(opts JobServiceOptions) (*JobService, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "job_service")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &JobService{
		repo:     opts.Repo,
		profiles: opts.Profiles,
		logger:   logger,
		metrics:  opts.Metrics,
		now:      now,
	}, nil
}

// MustNewJobService constructs a new JobService and panics on error.
func MustNewJobService(opts JobServiceOptions) *JobService {
	svc, err := NewJobService(opts)
	if err != nil {
		panic(fmt.Sprintf("failed to create JobService: %v", err))
	}
	return svc
}

// Enqueue validates and persists a new job in NEW.
func (s *JobService) Enqueue(ctx context.Context, req EnqueueRequest) (*model.Job, error) {
	command := strings.TrimSpace(req.Command)
	queue := strings.TrimSpace(req.Queue)
	switch {
	case command == "":
		return nil, apperrors.ValidationField("command", "command is required")
	case command == model.CancellingCommand:
		return nil, apperrors.ValidationField("command", "command "+command+" is reserved")
	case queue == "":
		return nil, apperrors.ValidationField("queue", "queue is required")
	case req.Priority < 0:
		return nil, apperrors.ValidationField("priority", "negative priorities are reserved for internal jobs")
	}
	if s.profiles != nil {
		if _, ok := s.profiles.QueueOwner(queue); !ok {
			return nil, apperrors.ValidationField("queue", fmt.Sprintf("queue %q is not served by any daemon", queue))
		}
	}

	strategy, err := req.Retry.Build()
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrCodeValidation, "retry strategy")
	}

	j := model.NewJob(command, model.ParseInput(req.Argv), queue)
	j.CreatedAt = s.now().UTC()
	j.Priority = req.Priority
	j.RetryStrategy = strategy
	if req.ExecuteAfter != nil {
		at := req.ExecuteAfter.UTC()
		j.ExecuteAfterTime = &at
	}
	for _, parent := range req.After {
		if parent <= 0 {
			return nil, apperrors.ValidationField("after", "parent ids must be positive")
		}
	}
	j.ParentDependencyIDs = model.NormalizeIDs(append([]int64(nil), req.After...))

	if err := s.repo.Create(ctx, j); err != nil {
		return nil, fmt.Errorf("enqueue %s in %s: %w", command, queue, err)
	}

	if s.metrics != nil {
		s.metrics.Count("job.enqueued", 1, map[string]string{"queue": queue, "strategy": string(strategy.Type())})
	}
	if s.logger != nil {
		s.logger.InfoContext(ctx, "job enqueued",
			"job_id", j.ID,
			"queue", queue,
			"command", command,
			"strategy", strategy.Type(),
			"parents", j.ParentDependencyIDs,
		)
	}
	return j, nil
}

// Link makes child wait on parent. The edge is refused when it would close a cycle
// or when child has already left NEW.
func (s *JobService) Link(ctx context.Context, parentID, childID int64) error {
	parent, err := s.repo.GetByID(ctx, parentID)
	if err != nil {
		return fmt.Errorf("load parent job %d: %w", parentID, err)
	}
	child, err := s.repo.GetByID(ctx, childID)
	if err != nil {
		return fmt.Errorf("load child job %d: %w", childID, err)
	}
	if !child.IsStatusNew() {
		return apperrors.Validationf("job %d is %s and can no longer wait on other jobs", childID, child.Status())
	}
	if err := parent.AddChildDependency(child); err != nil {
		return apperrors.Wrapf(err, apperrors.ErrCodeValidation, "link %d -> %d", parentID, childID)
	}

	subgraph, err := s.descendants(ctx, child)
	if err != nil {
		return err
	}
	graph := make([]*model.Job, 0, len(subgraph)+1)
	for _, j := range subgraph {
		if j.ID != parent.ID {
			graph = append(graph, j)
		}
	}
	if err := model.DetectCycle(append(graph, parent)); err != nil {
		return apperrors.Wrapf(err, apperrors.ErrCodeValidation, "link %d -> %d", parentID, childID)
	}

	if err := s.repo.AddDependency(ctx, parentID, childID); err != nil {
		return fmt.Errorf("link %d -> %d: %w", parentID, childID, err)
	}
	if s.logger != nil {
		s.logger.InfoContext(ctx, "jobs linked", "parent_id", parentID, "child_id", childID)
	}
	return nil
}

// descendants loads root and every job reachable through child edges.
func (s *JobService) descendants(ctx context.Context, root *model.Job) ([]*model.Job, error) {
	seen := map[int64]*model.Job{root.ID: root}
	out := []*model.Job{root}
	queue := []int64{root.ID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		children, err := s.repo.FindChildren(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load children of job %d: %w", id, err)
		}
		for _, c := range children {
			if _, ok := seen[c.ID]; ok {
				continue
			}
			seen[c.ID] = c
			out = append(out, c)
			queue = append(queue, c.ID)
		}
	}
	return out, nil
}

// RandomGraph enqueues n test jobs spread over queues, each depending on a random
// subset of the jobs created before it, so the graph is acyclic by construction.
func (s *JobService) RandomGraph(ctx context.Context, n int, queues []string, seed uint64) ([]*model.Job, error) {
	if n <= 0 {
		return nil, apperrors.ValidationField("count", "count must be positive")
	}
	if len(queues) == 0 {
		return nil, apperrors.ValidationField("queues", "at least one queue is required")
	}

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	created := make([]*model.Job, 0, n)
	for i := range n {
		req := EnqueueRequest{
			Command: "test:sleep",
			Argv:    []string{"--seconds=" + strconv.Itoa(rng.IntN(5))},
			Queue:   queues[rng.IntN(len(queues))],
		}
		switch rng.IntN(4) {
		case 0:
			req.Command = "test:fail"
			req.Argv = nil
		case 1:
			req.Retry = job.StrategySpec{Type: job.StrategyConstant, MaxAttempts: 2, Increment: 5 * time.Second}
		}
		if i > 0 {
			for range rng.IntN(3) {
				req.After = append(req.After, created[rng.IntN(i)].ID)
			}
		}

		j, err := s.Enqueue(ctx, req)
		if err != nil {
			return created, err
		}
		created = append(created, j)
	}
	return created, nil
}
