package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/ratecache"
	"github.com/sells-group/tariff-cli/internal/store"
)

// MetricsSnapshot holds a point-in-time view of sync and cache health.
type MetricsSnapshot struct {
	// Sync runs started within the lookback window.
	SyncTotal       int      `json:"sync_total"`
	SyncSuccess     int      `json:"sync_success"`
	SyncPartial     int      `json:"sync_partial"`
	SyncFailed      int      `json:"sync_failed"`
	UnhealthyRunIDs []string `json:"unhealthy_run_ids,omitempty"`

	// Latest SUCCESS per sync type, regardless of window. Nil when never.
	LastSuccess map[model.SyncType]*time.Time `json:"last_success"`

	Cache *ratecache.Stats `json:"cache,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunSource abstracts the sync log methods needed by the collector.
type RunSource interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.SyncRun, error)
	LastSuccess(ctx context.Context, st model.SyncType) (*time.Time, error)
}

// CacheSource reports process cache statistics.
type CacheSource interface {
	CacheStats() ratecache.Stats
}

// Collector gathers metrics from the sync log and the rate cache.
type Collector struct {
	runs  RunSource
	cache CacheSource
	now   func() time.Time
}

// NewCollector creates a new metrics collector. cache may be nil.
func NewCollector(runs RunSource, cache CacheSource) *Collector {
	return &Collector{runs: runs, cache: cache, now: time.Now}
}

// Collect gathers a snapshot of system metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LastSuccess:   make(map[model.SyncType]*time.Time),
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.runs.ListRuns(ctx, store.RunFilter{Limit: 10000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}
	for _, r := range runs {
		if r.StartedAt.Before(cutoff) {
			continue
		}
		snap.SyncTotal++
		switch r.Status {
		case model.SyncStatusSuccess:
			snap.SyncSuccess++
		case model.SyncStatusPartial:
			snap.SyncPartial++
			snap.UnhealthyRunIDs = append(snap.UnhealthyRunIDs, r.ID)
		case model.SyncStatusFailed:
			snap.SyncFailed++
			snap.UnhealthyRunIDs = append(snap.UnhealthyRunIDs, r.ID)
		}
	}

	for _, st := range []model.SyncType{model.SyncTypeMFN, model.SyncTypeSection301} {
		last, err := c.runs.LastSuccess(ctx, st)
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: last success %s", st)
		}
		snap.LastSuccess[st] = last
	}

	if c.cache != nil {
		stats := c.cache.CacheStats()
		snap.Cache = &stats
	}

	return snap, nil
}
