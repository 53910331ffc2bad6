// Package scheduler runs daily match generation on a gocron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/arena/pkg/arena"
	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

const (
	defaultInterval   = time.Hour
	defaultRunTimeout = time.Minute
)

// Generator creates the matches that are missing for the current day.
type Generator interface {
	Generate(ctx context.Context) ([]arena.Match, error)
}

// Config controls how often generation runs.
type Config struct {
	Interval   time.Duration
	RunTimeout time.Duration
}

// Scheduler periodically invokes a Generator. Runs never overlap.
type Scheduler struct {
	generator Generator
	cfg       Config
	logger    *zap.Logger
}

// New validates dependencies and fills default intervals.
func New(generator Generator, cfg Config, logger *zap.Logger) (*Scheduler, error) {
	if generator == nil {
		return nil, fmt.Errorf("%w: generator is required", arena.ErrInvalidServiceConfig)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = defaultRunTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{generator: generator, cfg: cfg, logger: logger}, nil
}

// Run generates immediately, then every Interval, until ctx is cancelled.
func (scheduler *Scheduler) Run(ctx context.Context) error {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	_, err = cron.NewJob(
		gocron.DurationJob(scheduler.cfg.Interval),
		gocron.NewTask(func() { scheduler.RunOnce(ctx) }),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = cron.Shutdown()
		return fmt.Errorf("schedule generation: %w", err)
	}
	scheduler.logger.Info("match generation scheduled", zap.Duration("interval", scheduler.cfg.Interval))
	cron.Start()
	<-ctx.Done()
	if err := cron.Shutdown(); err != nil {
		return fmt.Errorf("shutdown scheduler: %w", err)
	}
	return nil
}

// RunOnce performs one bounded generation pass and logs its outcome.
func (scheduler *Scheduler) RunOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	runCtx, cancel := context.WithTimeout(ctx, scheduler.cfg.RunTimeout)
	defer cancel()
	created, err := scheduler.generator.Generate(runCtx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		scheduler.logger.Error("match generation failed", zap.Int("created", len(created)), zap.Error(err))
		return
	}
	if len(created) == 0 {
		scheduler.logger.Debug("match generation found nothing to create")
		return
	}
	matchIDs := make([]string, 0, len(created))
	for _, match := range created {
		matchIDs = append(matchIDs, match.MatchID.String())
	}
	scheduler.logger.Info("matches generated", zap.Strings("match_ids", matchIDs))
}
