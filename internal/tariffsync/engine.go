// Package tariffsync runs the scheduled jobs that refresh the rate store from
// official sources: the MFN schedule sync and the Section 301 notice sync.
package tariffsync

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/store"
)

var (
	// ErrRunInProgress is returned when another run holds the sync type's lease.
	ErrRunInProgress = eris.New("tariffsync: run already in progress")
	// ErrNotDue is returned when the job's cadence says it is not time yet.
	ErrNotDue = eris.New("tariffsync: not due")
)

// Result is what a job reports back to the engine.
type Result struct {
	Updated  int
	Failed   int
	Metadata map[string]any
}

// Job is one sync type.
type Job interface {
	Type() model.SyncType
	ShouldRun(now time.Time, lastSync *time.Time) bool
	// Run performs one pass. Per-item failures are counted in Result; an
	// error means the run as a whole could not complete.
	Run(ctx context.Context, runID string) (*Result, error)
}

// Notifier is told about runs that did not fully succeed.
type Notifier interface {
	NotifyRun(ctx context.Context, run model.SyncRun) error
}

// RunLog is the persistence the engine needs.
type RunLog interface {
	store.SyncLog
	store.Locker
}

// RunOpts configures a run.
type RunOpts struct {
	Force bool // ignore ShouldRun() scheduling
}

// Engine runs jobs under a per-type lease and records every run.
type Engine struct {
	log      RunLog
	jobs     map[model.SyncType]Job
	notifier Notifier
	lockTTL  time.Duration
	now      func() time.Time
}

// NewEngine creates an engine. notifier may be nil.
func NewEngine(rl RunLog, notifier Notifier, lockTTL time.Duration, jobs ...Job) *Engine {
	if lockTTL <= 0 {
		lockTTL = 2 * time.Hour
	}
	m := make(map[model.SyncType]Job, len(jobs))
	for _, j := range jobs {
		m[j.Type()] = j
	}
	return &Engine{log: rl, jobs: m, notifier: notifier, lockTTL: lockTTL, now: time.Now}
}

// Has reports whether a job is registered for st.
func (e *Engine) Has(st model.SyncType) bool {
	_, ok := e.jobs[st]
	return ok
}

// Run executes the job for st once. It returns ErrRunInProgress when the
// lease is held elsewhere and ErrNotDue when the cadence gate skips the run;
// in both cases no work is done. A job failure is reported through the
// returned run's Status, not the error.
func (e *Engine) Run(ctx context.Context, st model.SyncType, opts RunOpts) (*model.SyncRun, error) {
	job, ok := e.jobs[st]
	if !ok {
		return nil, eris.Errorf("tariffsync: no job for sync type %q", st)
	}
	log := zap.L().With(zap.String("component", "tariffsync.engine"), zap.String("sync_type", string(st)))

	holder := uuid.NewString()
	acquired, err := e.log.AcquireLock(ctx, st, holder, e.lockTTL)
	if err != nil {
		return nil, eris.Wrapf(err, "tariffsync: acquire lock for %s", st)
	}
	if !acquired {
		log.Info("skipping, another run holds the lease")
		return nil, ErrRunInProgress
	}
	defer func() {
		if err := e.log.ReleaseLock(context.WithoutCancel(ctx), st, holder); err != nil {
			log.Error("release lock", zap.Error(err))
		}
	}()

	now := e.now().UTC()
	if !opts.Force {
		last, err := e.log.LastSuccess(ctx, st)
		if err != nil {
			return nil, eris.Wrapf(err, "tariffsync: check last sync for %s", st)
		}
		if !job.ShouldRun(now, last) {
			log.Debug("skipping (not due)")
			return nil, ErrNotDue
		}
	}

	run := model.SyncRun{
		ID:        uuid.NewString(),
		SyncType:  st,
		StartedAt: now,
	}
	log = log.With(zap.String("run_id", run.ID))
	log.Info("starting sync")

	start := time.Now()
	res, runErr := job.Run(ctx, run.ID)
	run.DurationMS = time.Since(start).Milliseconds()
	if res != nil {
		run.RecordsUpdated = res.Updated
		run.RecordsFailed = res.Failed
		run.Metadata = res.Metadata
	}
	run.Status = runStatus(run.RecordsUpdated, run.RecordsFailed, runErr)
	if runErr != nil {
		run.ErrorMessage = runErr.Error()
	}

	// The run is recorded even when ctx was cancelled mid-run.
	logCtx := context.WithoutCancel(ctx)
	if err := e.log.AppendRun(logCtx, run); err != nil {
		return &run, eris.Wrapf(err, "tariffsync: record run %s", run.ID)
	}

	fields := []zap.Field{
		zap.String("status", string(run.Status)),
		zap.Int("updated", run.RecordsUpdated),
		zap.Int("failed", run.RecordsFailed),
		zap.Int64("duration_ms", run.DurationMS),
	}
	if run.Status == model.SyncStatusSuccess {
		log.Info("sync complete", fields...)
		return &run, nil
	}
	log.Warn("sync did not fully succeed", append(fields, zap.String("error", run.ErrorMessage))...)
	if e.notifier != nil {
		if err := e.notifier.NotifyRun(logCtx, run); err != nil {
			log.Error("notify run", zap.Error(err))
		}
	}
	return &run, nil
}

func runStatus(updated, failed int, err error) model.SyncStatus {
	switch {
	case err != nil:
		return model.SyncStatusFailed
	case failed > 0 && updated > 0:
		return model.SyncStatusPartial
	case failed > 0:
		return model.SyncStatusFailed
	default:
		return model.SyncStatusSuccess
	}
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
