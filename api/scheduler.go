/*
scheduler.go - Automated balance reconciliation

PURPOSE:
  Periodically compares every wallet's cached balance with its ledger sum
  and corrects drift. The manual equivalent is POST /api/admin/reconcile.

DESIGN:
  - robfig/cron with a seconds field, UTC
  - Overlapping runs are skipped, not queued
  - Each run is bounded by RunTimeout
  - Results go to the log and the reconcile metrics (recorded by the engine)

USAGE:
  scheduler, err := NewReconciliationScheduler(engine.Wallets, "0 0/15 * * * *")
  scheduler.Start()
  // ... later
  scheduler.Stop(ctx)

SEE ALSO:
  - handlers.go: ReconcileAll endpoint
  - ../points/wallet.go: ReconcileAll
*/
package api

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/warp/rewards-engine/logger"
	"github.com/warp/rewards-engine/points"
)

// Reconciler is the part of points.Wallets the scheduler drives.
type Reconciler interface {
	ReconcileAll(ctx context.Context) (points.ReconcileReport, error)
}

// ReconciliationScheduler runs ReconcileAll on a cron schedule.
type ReconciliationScheduler struct {
	RunTimeout time.Duration

	wallets Reconciler
	cron    *cron.Cron
	log     *slog.Logger
}

// NewReconciliationScheduler creates a scheduler for spec, a cron
// expression with a leading seconds field.
func NewReconciliationScheduler(wallets Reconciler, spec string) (*ReconciliationScheduler, error) {
	log := logger.WithComponent("scheduler")
	cronLog := cron.PrintfLogger(slog.NewLogLogger(log.Handler(), slog.LevelDebug))

	rs := &ReconciliationScheduler{
		RunTimeout: 10 * time.Minute,
		wallets:    wallets,
		log:        log,
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithSeconds(),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
	}

	if _, err := rs.cron.AddFunc(spec, rs.RunOnce); err != nil {
		return nil, fmt.Errorf("invalid reconcile schedule %q: %w", spec, err)
	}
	return rs, nil
}

// Start begins the scheduler.
func (rs *ReconciliationScheduler) Start() {
	rs.cron.Start()
	rs.log.Info("reconciliation scheduler started", "jobs", len(rs.cron.Entries()))
}

// Stop stops scheduling and waits for a running job, or for ctx.
func (rs *ReconciliationScheduler) Stop(ctx context.Context) {
	done := rs.cron.Stop()
	select {
	case <-done.Done():
		rs.log.Info("reconciliation scheduler stopped")
	case <-ctx.Done():
		rs.log.Warn("reconciliation scheduler stop timed out", "error", ctx.Err())
	}
}

// RunOnce performs one reconciliation pass.
func (rs *ReconciliationScheduler) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), rs.RunTimeout)
	defer cancel()

	start := time.Now()
	report, err := rs.wallets.ReconcileAll(ctx)
	if err != nil {
		rs.log.Error("reconciliation run failed",
			"checked", report.Checked,
			"corrected", report.Corrected,
			"error", err,
		)
		return
	}

	level := slog.LevelInfo
	if report.Corrected > 0 {
		level = slog.LevelWarn
	}
	rs.log.Log(ctx, level, "reconciliation run completed",
		"checked", report.Checked,
		"corrected", report.Corrected,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
