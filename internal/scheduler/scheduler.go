// Package scheduler drives ingestion cycles on a fixed interval. An optional
// lock file keeps a second process from running cycles against the same
// store.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-news-ingest/internal/ingest"
	"github.com/JakeFAU/realtime-news-ingest/internal/orchestrator"
)

// DefaultInterval is the time between cycle starts.
const DefaultInterval = 30 * time.Minute

// ErrLocked is returned by Run when another process holds the lock file.
var ErrLocked = errors.New("scheduler: another instance holds the lock")

// Runner is the slice of the orchestrator the scheduler drives.
type Runner interface {
	RunCycle(ctx context.Context) (orchestrator.Report, error)
	Reembed(ctx context.Context, limit int) (orchestrator.ReembedReport, error)
}

// Config controls the ticker.
type Config struct {
	Interval time.Duration
	// RunOnStart runs a cycle immediately instead of waiting one interval.
	RunOnStart bool
	// LockPath enables the cross-process lock when set.
	LockPath string
	// ReembedLimit, when positive, re-embeds up to this many degraded
	// articles after every cycle.
	ReembedLimit int
}

// Scheduler runs cycles until its context is cancelled.
type Scheduler struct {
	runner Runner
	cfg    Config
	lock   *flock.Flock
	logger *zap.Logger
}

// New builds a Scheduler.
func New(runner Runner, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{runner: runner, cfg: cfg, logger: logger}
	if cfg.LockPath != "" {
		s.lock = flock.New(cfg.LockPath)
	}
	return s
}

// Run blocks until ctx is done. A cycle that is still running when ctx is
// cancelled winds down before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.lock != nil {
		ok, err := s.lock.TryLock()
		if err != nil {
			return fmt.Errorf("acquire lock %s: %w", s.cfg.LockPath, err)
		}
		if !ok {
			return ErrLocked
		}
		defer func() {
			if err := s.lock.Unlock(); err != nil {
				s.logger.Warn("failed to release scheduler lock", zap.Error(err))
			}
		}()
	}

	s.logger.Info("scheduler started", zap.Duration("interval", s.cfg.Interval), zap.String("lock", s.cfg.LockPath))
	if s.cfg.RunOnStart {
		s.tick(ctx)
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	report, err := s.runner.RunCycle(ctx)
	switch {
	case errors.Is(err, ingest.ErrCycleInProgress):
		s.logger.Info("cycle skipped, previous cycle still running")
		return
	case err != nil:
		s.logger.Error("cycle failed to start", zap.Error(err))
		return
	case report.State == orchestrator.StatePartiallyFailed:
		s.logger.Warn("cycle partially failed", zap.String("cycle_id", report.ID), zap.Int("failed_sources", len(report.Failed())))
	}

	if s.cfg.ReembedLimit > 0 && ctx.Err() == nil {
		if _, err := s.runner.Reembed(ctx, s.cfg.ReembedLimit); err != nil {
			s.logger.Warn("reembed pass failed", zap.Error(err))
		}
	}
}
