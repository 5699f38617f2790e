package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/logfields"
)

// Job is one unit of periodic background work.
type Job interface {
	Name() string
	Run(ctx context.Context) Summary
}

// Summary counts what one run of a job did.
type Summary struct {
	Processed int
	Skipped   int
	Failed    int
}

// Scheduler wraps the gocron scheduler for the server's periodic jobs.
type Scheduler struct {
	scheduler gocron.Scheduler
	logger    *slog.Logger
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(logger *slog.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{scheduler: s, logger: logger}, nil
}

// Schedule runs job every interval. A zero or negative interval disables
// the job. A run still in progress when the next tick fires is not
// overlapped; the tick is skipped.
func (s *Scheduler) Schedule(job Job, interval time.Duration) (string, error) {
	if interval <= 0 {
		s.logger.Info("Job disabled", logfields.Job(job.Name()))
		return "", nil
	}
	j, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func(ctx context.Context) { s.execute(ctx, job) }),
		gocron.WithName(job.Name()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return "", fmt.Errorf("failed to schedule %s job: %w", job.Name(), err)
	}
	s.logger.Info("Job scheduled", logfields.Job(job.Name()), slog.Duration("interval", interval))
	return j.ID().String(), nil
}

// Start begins the scheduler.
func (s *Scheduler) Start() {
	s.logger.Info("Starting scheduler")
	s.scheduler.Start()
}

// Stop gracefully shuts down the scheduler, cancelling running jobs.
func (s *Scheduler) Stop() error {
	s.logger.Info("Stopping scheduler")
	return s.scheduler.Shutdown()
}

// execute is called by gocron; ctx is cancelled on shutdown.
func (s *Scheduler) execute(ctx context.Context, job Job) {
	start := time.Now()
	sum := job.Run(ctx)
	level := slog.LevelDebug
	if sum.Failed > 0 {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "Job finished",
		logfields.Job(job.Name()),
		slog.Int("processed", sum.Processed),
		slog.Int("skipped", sum.Skipped),
		slog.Int("failed", sum.Failed),
		logfields.Duration(time.Since(start)))
}
