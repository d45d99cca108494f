// Package scheduler triggers settlement passes on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bcnelson/tontine-manager/internal/domain"
	"github.com/robfig/cron/v3"
)

// Runner runs one settlement pass.
type Runner interface {
	RunSettlementPass(ctx context.Context, now time.Time) ([]domain.SettlementOutcome, error)
}

// Scheduler invokes a Runner on a cron schedule. A pass that is still
// running when the next tick fires causes that tick to be skipped.
type Scheduler struct {
	cron    *cron.Cron
	runner  Runner
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
}

// New creates a scheduler for spec, a standard cron expression or a
// descriptor such as "@every 5m". timeout bounds each pass; zero means none.
func New(spec string, runner Runner, timeout time.Duration, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		runner:  runner,
		logger:  logger,
		timeout: timeout,
		now:     time.Now,
	}
	cl := cronLogger{logger: logger}
	s.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := s.cron.AddFunc(spec, func() { s.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("parsing settlement schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start begins firing in the background.
func (s *Scheduler) Start() {
	s.logger.Info("settlement scheduler started")
	s.cron.Start()
}

// Stop stops the schedule and waits for a running pass, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce runs a single pass now and logs its result.
func (s *Scheduler) RunOnce(ctx context.Context) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	outcomes, err := s.runner.RunSettlementPass(ctx, s.now())
	if err != nil {
		s.logger.Error("scheduled settlement pass failed", "outcomes", len(outcomes), "error", err)
		return
	}
	counts := make(map[domain.OutcomeStatus]int)
	for _, o := range outcomes {
		counts[o.Status]++
	}
	s.logger.Info("scheduled settlement pass done",
		"due", len(outcomes),
		"completed", counts[domain.OutcomeCompleted],
		"not_funded", counts[domain.OutcomeNotFunded],
		"failed", counts[domain.OutcomeFailed],
		"unconfirmed", counts[domain.OutcomeUnconfirmed],
	)
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
