// Package housekeeper runs the periodic retention sweep named in
// SPEC_FULL.md §2.1: purge
// terminal commands and their executions once they are older than the
// configured retention window. This is auxiliary to the reconciliation core:
// nothing here participates in a request/heartbeat/completion path, and a
// missed or delayed run has no correctness impact, only a storage-growth
// one.
package housekeeper

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/gprofiler-dev/profctl/internal/repository"
)

// Housekeeper wraps gocron and periodically purges terminal command and
// execution rows past their retention window. The zero value is not usable;
// create instances with New.
type Housekeeper struct {
	cron      gocron.Scheduler
	commands  repository.CommandRepository
	execs     repository.ExecutionRepository
	retention time.Duration
	logger    *zap.Logger
}

// New creates and configures a new Housekeeper. Call Start to begin running
// the purge sweep on a schedule.
func New(
	commands repository.CommandRepository,
	execs repository.ExecutionRepository,
	retention time.Duration,
	logger *zap.Logger,
) (*Housekeeper, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &Housekeeper{
		cron:      s,
		commands:  commands,
		execs:     execs,
		retention: retention,
		logger:    logger.Named("housekeeper"),
	}, nil
}

// Start schedules the purge sweep to run hourly and starts the underlying
// gocron scheduler. Singleton mode means a slow sweep is never overlapped
// by the next tick.
func (h *Housekeeper) Start(ctx context.Context) error {
	_, err := h.cron.NewJob(
		gocron.DurationJob(time.Hour),
		gocron.NewTask(func() { h.sweep(ctx) }),
		gocron.WithTags("retention-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule retention sweep: %w", err)
	}
	h.cron.Start()
	h.logger.Info("housekeeper started", zap.Duration("retention", h.retention))
	return nil
}

// Stop gracefully shuts down the underlying gocron scheduler, waiting for
// any in-progress sweep to complete before returning.
func (h *Housekeeper) Stop() error {
	if err := h.cron.Shutdown(); err != nil {
		return fmt.Errorf("housekeeper shutdown error: %w", err)
	}
	h.logger.Info("housekeeper stopped")
	return nil
}

// sweep runs one retention pass. Failures are logged and left for the next
// tick rather than retried immediately, a transient DB error here should
// not escalate into a tight retry loop against a table nothing else is
// waiting on.
func (h *Housekeeper) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-h.retention)

	sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	deletedCommands, err := h.commands.DeleteTerminalOlderThan(sweepCtx, cutoff)
	if err != nil {
		h.logger.Error("retention sweep: command purge failed", zap.Error(err))
	}

	deletedExecs, err := h.execs.DeleteOlderThan(sweepCtx, cutoff)
	if err != nil {
		h.logger.Error("retention sweep: execution purge failed", zap.Error(err))
	}

	if deletedCommands > 0 || deletedExecs > 0 {
		h.logger.Info("retention sweep complete",
			zap.Int64("commands_deleted", deletedCommands),
			zap.Int64("executions_deleted", deletedExecs),
			zap.Time("cutoff", cutoff),
		)
	}
}
