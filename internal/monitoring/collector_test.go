package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/ratecache"
	"github.com/sells-group/tariff-cli/internal/store"
)

var now = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

// mockRuns implements RunSource for testing.
type mockRuns struct {
	runs    []model.SyncRun
	last    map[model.SyncType]*time.Time
	listErr error
	lastErr error
}

func (m *mockRuns) ListRuns(_ context.Context, _ store.RunFilter) ([]model.SyncRun, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.runs, nil
}

func (m *mockRuns) LastSuccess(_ context.Context, st model.SyncType) (*time.Time, error) {
	if m.lastErr != nil {
		return nil, m.lastErr
	}
	return m.last[st], nil
}

type mockCache struct{ stats ratecache.Stats }

func (m mockCache) CacheStats() ratecache.Stats { return m.stats }

func newCollector(runs RunSource, cache CacheSource) *Collector {
	c := NewCollector(runs, cache)
	c.now = func() time.Time { return now }
	return c
}

func TestCollector_Collect(t *testing.T) {
	mfnLast := now.Add(-30 * time.Hour)
	runs := &mockRuns{
		runs: []model.SyncRun{
			{ID: "r1", SyncType: model.SyncTypeMFN, Status: model.SyncStatusSuccess, StartedAt: now.Add(-2 * time.Hour)},
			{ID: "r2", SyncType: model.SyncTypeSection301, Status: model.SyncStatusPartial, StartedAt: now.Add(-3 * time.Hour)},
			{ID: "r3", SyncType: model.SyncTypeSection301, Status: model.SyncStatusFailed, StartedAt: now.Add(-5 * time.Hour)},
			// Outside the 24h window.
			{ID: "r0", SyncType: model.SyncTypeMFN, Status: model.SyncStatusFailed, StartedAt: now.Add(-48 * time.Hour)},
		},
		last: map[model.SyncType]*time.Time{model.SyncTypeMFN: &mfnLast},
	}
	cache := mockCache{stats: ratecache.Stats{Entries: 10, Hits: 90, Misses: 10, HitRate: 0.9}}

	snap, err := newCollector(runs, cache).Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 3, snap.SyncTotal)
	assert.Equal(t, 1, snap.SyncSuccess)
	assert.Equal(t, 1, snap.SyncPartial)
	assert.Equal(t, 1, snap.SyncFailed)
	assert.Equal(t, []string{"r2", "r3"}, snap.UnhealthyRunIDs)
	assert.Equal(t, &mfnLast, snap.LastSuccess[model.SyncTypeMFN])
	assert.Nil(t, snap.LastSuccess[model.SyncTypeSection301])
	require.NotNil(t, snap.Cache)
	assert.InDelta(t, 0.9, snap.Cache.HitRate, 1e-9)
	assert.Equal(t, 24, snap.LookbackHours)
	assert.Equal(t, now, snap.CollectedAt)
}

func TestCollector_NoCache(t *testing.T) {
	snap, err := newCollector(&mockRuns{}, nil).Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Nil(t, snap.Cache)
	assert.Equal(t, 0, snap.SyncTotal)
}

func TestCollector_Errors(t *testing.T) {
	_, err := newCollector(&mockRuns{listErr: errors.New("db down")}, nil).Collect(context.Background(), 24)
	assert.ErrorContains(t, err, "list runs")

	_, err = newCollector(&mockRuns{lastErr: errors.New("db down")}, nil).Collect(context.Background(), 24)
	assert.ErrorContains(t, err, "last success")
}
