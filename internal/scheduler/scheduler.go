package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"upvote_sync/internal/domain"
)

// Syncer defines the interface for sync operations.
type Syncer interface {
	Sync(ctx context.Context) (*domain.SyncStats, error)
}

type Config struct {
	// Interval between runs. Zero means a single run.
	Interval time.Duration
	// Cron is a standard five-field expression. It takes precedence over
	// Interval when set.
	Cron string
}

type Scheduler struct {
	syncer Syncer
	config Config
	logger *slog.Logger
}

func NewScheduler(syncer Syncer, cfg Config, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		syncer: syncer,
		config: cfg,
		logger: logger.With("component", "scheduler"),
	}
}

// Start runs the first sync right away and then, depending on the config,
// either returns or keeps running until ctx is done. Runs never overlap.
func (s *Scheduler) Start(ctx context.Context) error {
	switch {
	case s.config.Cron != "":
		return s.startCron(ctx)
	case s.config.Interval > 0:
		return s.startTicker(ctx)
	default:
		return s.runSync(ctx)
	}
}

func (s *Scheduler) startTicker(ctx context.Context) error {
	s.logger.Info("scheduler started", "interval", s.config.Interval)

	_ = s.runSync(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			_ = s.runSync(ctx)
		}
	}
}

func (s *Scheduler) startCron(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.config.Cron, func() { _ = s.runSync(ctx) }); err != nil {
		return fmt.Errorf("add cron job %q: %w", s.config.Cron, err)
	}

	s.logger.Info("scheduler started", "cron", s.config.Cron)

	// The first run happens before the cron starts so the two cannot overlap.
	_ = s.runSync(ctx)

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()

	s.logger.Info("scheduler stopped")
	return ctx.Err()
}

func (s *Scheduler) runSync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := s.syncer.Sync(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		s.logger.Info("sync interrupted")
	case err != nil:
		s.logger.Error("sync failed", "error", err)
	}
	return err
}
