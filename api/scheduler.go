/*
scheduler.go - Background maturation and reconciliation jobs

PURPOSE:
  Runs the maturation sweep and the reconciliation report on cron
  schedules so commissions mature without operator action and the
  discrepancy gauge stays current.

DESIGN:
  - robfig/cron with SkipIfStillRunning: a slow sweep is never stacked
  - Each run gets its own timeout derived from the scheduler context;
    Stop cancels in-flight runs and waits for them to return
  - Sweeps are idempotent, so a run interrupted mid-way is simply
    continued by the next one

CONFIGURATION:
  schedule.maturation  default "@every 1h"
  schedule.reconcile   default "@every 15m"
  An empty spec disables the job.

USAGE:
  s, err := api.NewScheduler(api.SchedulerConfig{...}, machine, reporter, logger)
  s.Start()
  defer s.Stop()

SEE ALSO:
  - commission/machine.go: MatureDue
  - reconcile/reporter.go: Reconcile, Drift
*/
package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/reconcile"
)

type SchedulerConfig struct {
	MaturationSpec string
	ReconcileSpec  string
	// JobTimeout bounds a single run; zero means 10 minutes.
	JobTimeout time.Duration
	BatchSize  int
}

// Scheduler runs the periodic jobs.
type Scheduler struct {
	cron     *cron.Cron
	machine  *commission.Machine
	reporter *reconcile.Reporter
	cfg      SchedulerConfig
	logger   *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

func NewScheduler(cfg SchedulerConfig, machine *commission.Machine, reporter *reconcile.Reporter, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 10 * time.Minute
	}
	logger = logger.With("component", "scheduler")
	cl := cronLogger{logger}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:     c,
		machine:  machine,
		reporter: reporter,
		cfg:      cfg,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}

	if cfg.MaturationSpec != "" {
		if _, err := c.AddFunc(cfg.MaturationSpec, s.RunMaturation); err != nil {
			cancel()
			return nil, fmt.Errorf("maturation schedule %q: %w", cfg.MaturationSpec, err)
		}
	}
	if cfg.ReconcileSpec != "" && reporter != nil {
		if _, err := c.AddFunc(cfg.ReconcileSpec, s.RunReconcile); err != nil {
			cancel()
			return nil, fmt.Errorf("reconcile schedule %q: %w", cfg.ReconcileSpec, err)
		}
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.cron.Entries()),
		"maturation", s.cfg.MaturationSpec, "reconcile", s.cfg.ReconcileSpec)
}

// Stop cancels running jobs and waits for them. Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		<-s.cron.Stop().Done()
		s.logger.Info("scheduler stopped")
	})
}

// RunMaturation runs one maturation sweep.
func (s *Scheduler) RunMaturation() {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.JobTimeout)
	defer cancel()
	if _, err := s.machine.MatureDue(ctx, s.machine.Now(), s.cfg.BatchSize); err != nil {
		s.logger.Error("scheduled maturation finished with errors", "error", err)
	}
}

// RunReconcile refreshes the reconciliation and drift gauges.
func (s *Scheduler) RunReconcile() {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.JobTimeout)
	defer cancel()
	if _, err := s.reporter.Reconcile(ctx, reconcile.Options{}); err != nil {
		s.logger.Error("scheduled reconciliation failed", "error", err)
		return
	}
	drifted, err := s.reporter.Drift(ctx, s.machine.Projector())
	if err != nil {
		s.logger.Error("scheduled drift check failed", "error", err)
		return
	}
	for _, d := range drifted {
		s.logger.Warn("seller balance drift",
			"seller_id", d.SellerID, "balance", d.Balance, "pending", d.Pending, "due", d.Due, "paid_total", d.PaidTotal)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
