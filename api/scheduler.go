/*
scheduler.go - Periodic reconciliation reports

PURPOSE:
  Runs the reconciliation report on an interval so payments without a grant
  record, orphan exchange debits and open incidents surface without an
  operator asking.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each run is recorded (running -> clean | findings | failed) for audit
  - Findings are logged at warn level with their counts; the report itself
    is available on demand from GET /api/admin/reconciliation

USAGE:
  scheduler := NewReconciliationScheduler(engine, store, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: ListReconciliationRuns endpoint
  - economy/reconcile.go: Reconciler
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/economy-engine/economy"
	"github.com/warp/economy-engine/store/sqlite"
)

// ReconciliationScheduler runs reconciliation reports periodically.
type ReconciliationScheduler struct {
	Engine        *economy.Engine
	Runs          RunStore // optional
	Logger        *zap.Logger
	CheckInterval time.Duration
	RunTimeout    time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewReconciliationScheduler creates a new scheduler.
func NewReconciliationScheduler(engine *economy.Engine, runs RunStore, logger *zap.Logger) *ReconciliationScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReconciliationScheduler{
		Engine:        engine,
		Runs:          runs,
		Logger:        logger.Named("reconcile"),
		CheckInterval: 15 * time.Minute,
		RunTimeout:    time.Minute,
		Enabled:       true,
	}
}

// Start begins the scheduler.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled || rs.CheckInterval <= 0 {
		rs.Logger.Info("scheduler disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)

	go rs.run()

	rs.Logger.Info("scheduler started", zap.Duration("interval", rs.CheckInterval))
}

// Stop stops the scheduler and waits for an in-flight run.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		rs.ticker = nil
		rs.Logger.Info("scheduler stopped")
	}
}

func (rs *ReconciliationScheduler) run() {
	defer rs.wg.Done()

	// Run immediately on start
	rs.RunNow(context.Background())

	for {
		select {
		case <-rs.ticker.C:
			rs.RunNow(context.Background())
		case <-rs.stop:
			return
		}
	}
}

// RunNow produces one report and records the run.
func (rs *ReconciliationScheduler) RunNow(ctx context.Context) (economy.ReconciliationReport, error) {
	if rs.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rs.RunTimeout)
		defer cancel()
	}

	startTime := time.Now()
	run := sqlite.ReconciliationRun{
		ID:        "run-" + uuid.NewString(),
		Status:    sqlite.RunRunning,
		StartedAt: &startTime,
		CreatedAt: startTime,
	}
	rs.save(ctx, run)

	report, err := rs.Engine.Report(ctx, "")
	completedTime := time.Now()
	run.CompletedAt = &completedTime
	if err != nil {
		run.Status = sqlite.RunFailed
		run.Error = err.Error()
		rs.save(ctx, run)
		rs.Logger.Error("reconciliation failed", zap.String("run_id", run.ID), zap.Error(err))
		return report, err
	}

	run.UnrecordedGrants = len(report.UnrecordedGrants)
	run.OrphanDebits = len(report.OrphanDebits)
	run.Incidents = len(report.Incidents)
	run.Status = sqlite.RunClean
	if !report.Clean() {
		run.Status = sqlite.RunFindings
		rs.Logger.Warn("reconciliation findings",
			zap.String("run_id", run.ID),
			zap.Int("unrecorded_grants", run.UnrecordedGrants),
			zap.Int("orphan_debits", run.OrphanDebits),
			zap.Int("incidents", run.Incidents),
		)
	} else {
		rs.Logger.Debug("reconciliation clean", zap.String("run_id", run.ID))
	}
	rs.save(ctx, run)
	return report, nil
}

func (rs *ReconciliationScheduler) save(ctx context.Context, run sqlite.ReconciliationRun) {
	if rs.Runs == nil {
		return
	}
	if err := rs.Runs.SaveReconciliationRun(ctx, run); err != nil {
		rs.Logger.Warn("failed to save run record", zap.String("run_id", run.ID), zap.Error(err))
	}
}
