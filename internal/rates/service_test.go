package rates

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tariff-cli/internal/enrich"
	"github.com/sells-group/tariff-cli/internal/freshness"
	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/ratecache"
	"github.com/sells-group/tariff-cli/internal/resilience"
)

var now = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

type fakeStore struct {
	mu      sync.Mutex
	records map[string]*model.TariffRateRecord
	held    bool
	gets    int
}

func (f *fakeStore) Get(_ context.Context, code string) (*model.TariffRateRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	rec, ok := f.records[code]
	if !ok {
		return nil, nil
	}
	return rec.Clone(), nil
}

func (f *fakeStore) LockHeld(_ context.Context, _ model.SyncType) (bool, error) {
	return f.held, nil
}

type fakeEnricher struct {
	mu    sync.Mutex
	calls int
	out   func(code, origin string) *model.TariffRateRecord
	err   error
}

func (f *fakeEnricher) Enrich(_ context.Context, code, origin string) (*model.TariffRateRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.out(code, origin), nil
}

func (f *fakeEnricher) EnrichBatch(ctx context.Context, items []enrich.Item) []enrich.ItemResult {
	out := make([]enrich.ItemResult, len(items))
	for i, it := range items {
		rec, _ := f.Enrich(ctx, it.Code, it.Origin)
		out[i] = enrich.ItemResult{Item: it, Status: enrich.StatusSuccess, Record: rec}
	}
	return out
}

func aiRecord(code, _ string) *model.TariffRateRecord {
	rec := model.NewRecord(code)
	rec.Set(model.CategoryMFN, model.Rate(0), model.ProvenanceAIEnrichment, now)
	rec.Set(model.CategorySection301, model.Rate(0.25), model.ProvenanceAIEnrichment, now)
	rec.Provenance = model.ProvenanceAIEnrichment
	rec.Confidence = model.ConfidenceMedium
	return rec
}

func freshRecord(code string) *model.TariffRateRecord {
	rec := model.NewRecord(code)
	rec.Set(model.CategoryMFN, model.Rate(0.029), model.ProvenanceOfficialSchedule, now.AddDate(0, 0, -3))
	rec.Confidence = model.ConfidenceHigh
	return rec
}

func newService(st *fakeStore, en *fakeEnricher) *Service {
	cache := ratecache.New(ratecache.NewMemoryCache(100, time.Hour, 0.1), time.Minute)
	s := NewService(cache, st, en, freshness.Default())
	s.now = func() time.Time { return now }
	return s
}

func TestLookup_FreshStoreRecordIsCached(t *testing.T) {
	st := &fakeStore{records: map[string]*model.TariffRateRecord{"7326908500": freshRecord("7326908500")}}
	en := &fakeEnricher{out: aiRecord}
	s := newService(st, en)
	ctx := context.Background()

	res, err := s.Lookup(ctx, nil, "7326.90.85.00", "Mexico", "po-1")
	require.NoError(t, err)
	assert.Equal(t, SourceStore, res.Source)
	assert.True(t, res.Freshness.IsFresh)
	assert.Equal(t, 0, en.calls)

	res, err = s.Lookup(ctx, nil, "7326908500", "MX", "po-1")
	require.NoError(t, err)
	assert.Equal(t, SourceProcessCache, res.Source)
	assert.Equal(t, 1, st.gets)

	scope := s.cache.NewScope()
	defer scope.Close()
	_, err = s.Lookup(ctx, scope, "7326908500", "MX", "po-1")
	require.NoError(t, err)
	res, err = s.Lookup(ctx, scope, "7326908500", "MX", "po-1")
	require.NoError(t, err)
	assert.Equal(t, SourceRequestCache, res.Source)
}

func TestLookup_CachedRecordPastYearBoundaryRefreshes(t *testing.T) {
	written := time.Date(2024, 12, 30, 9, 0, 0, 0, time.UTC)
	rec := model.NewRecord("7326908500")
	rec.Set(model.CategoryMFN, model.Rate(0.029), model.ProvenanceOfficialSchedule, written)
	rec.Confidence = model.ConfidenceHigh

	st := &fakeStore{records: map[string]*model.TariffRateRecord{"7326908500": rec}}
	en := &fakeEnricher{out: aiRecord}
	s := newService(st, en)
	clock := time.Date(2024, 12, 31, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }
	ctx := context.Background()

	res, err := s.Lookup(ctx, nil, "7326908500", "MX", "")
	require.NoError(t, err)
	assert.Equal(t, SourceStore, res.Source)

	// Still inside the process cache TTL, but past January 2.
	clock = time.Date(2025, 1, 2, 0, 0, 30, 0, time.UTC)
	res, err = s.Lookup(ctx, nil, "7326908500", "MX", "")
	require.NoError(t, err)
	assert.Equal(t, SourceEnrichment, res.Source)
	assert.Equal(t, 2, st.gets)
	assert.Equal(t, 1, en.calls)
}

func TestLookup_MissingRecordEnriches(t *testing.T) {
	st := &fakeStore{records: map[string]*model.TariffRateRecord{}}
	en := &fakeEnricher{out: aiRecord}
	s := newService(st, en)

	res, err := s.Lookup(context.Background(), nil, "8542310050", "CN", "")
	require.NoError(t, err)
	assert.Equal(t, SourceEnrichment, res.Source)
	assert.Equal(t, model.ProvenanceAIEnrichment, res.Record.Provenance)
	require.NotNil(t, res.Record.Section301.Rate)
	assert.Greater(t, *res.Record.Section301.Rate, 0.0)
	assert.Equal(t, 1, en.calls)

	res, err = s.Lookup(context.Background(), nil, "8542310050", "CN", "")
	require.NoError(t, err)
	assert.Equal(t, SourceProcessCache, res.Source)
	assert.Equal(t, 1, en.calls)
}

func TestLookup_ChinaNeedsFreshSection301(t *testing.T) {
	st := &fakeStore{records: map[string]*model.TariffRateRecord{"8542310050": freshRecord("8542310050")}}
	en := &fakeEnricher{out: aiRecord}
	s := newService(st, en)

	res, err := s.Lookup(context.Background(), nil, "8542310050", "MX", "")
	require.NoError(t, err)
	assert.Equal(t, SourceStore, res.Source)

	res, err = s.Lookup(context.Background(), nil, "8542310050", "CN", "")
	require.NoError(t, err)
	assert.Equal(t, SourceEnrichment, res.Source)
}

func TestLookup_StaleServedWhileMFNSyncRuns(t *testing.T) {
	stale := model.NewRecord("7326908500")
	stale.Set(model.CategoryMFN, model.Rate(0.029), model.ProvenanceOfficialSchedule, now.AddDate(-1, 0, -10))
	st := &fakeStore{records: map[string]*model.TariffRateRecord{"7326908500": stale}, held: true}
	en := &fakeEnricher{out: aiRecord}
	s := newService(st, en)

	res, err := s.Lookup(context.Background(), nil, "7326908500", "MX", "")
	require.NoError(t, err)
	assert.Equal(t, SourceStale, res.Source)
	assert.False(t, res.Freshness.IsFresh)
	assert.Equal(t, 0, en.calls)

	// Not cached: the next lookup after the sync finishes goes back to the store.
	st.held = false
	res, err = s.Lookup(context.Background(), nil, "7326908500", "MX", "")
	require.NoError(t, err)
	assert.Equal(t, SourceEnrichment, res.Source)
}

func TestLookup_ErrorRecordNotCached(t *testing.T) {
	st := &fakeStore{records: map[string]*model.TariffRateRecord{}}
	en := &fakeEnricher{out: func(code, _ string) *model.TariffRateRecord {
		rec := model.NewRecord(code)
		rec.Confidence = model.ConfidenceError
		return rec
	}}
	s := newService(st, en)

	for range 2 {
		res, err := s.Lookup(context.Background(), nil, "8542310050", "CN", "")
		require.NoError(t, err)
		assert.Equal(t, model.ConfidenceError, res.Record.Confidence)
		assert.Nil(t, res.Record.MFN.Rate, "ERROR is never zero")
	}
	assert.Equal(t, 2, en.calls)
}

func TestLookup_InvalidCode(t *testing.T) {
	s := newService(&fakeStore{}, &fakeEnricher{out: aiRecord})
	_, err := s.Lookup(context.Background(), nil, "85", "CN", "")
	require.Error(t, err)
	assert.Equal(t, resilience.KindValidation, resilience.Classify(err))
}

func TestLookup_EnrichErrorPropagates(t *testing.T) {
	s := newService(&fakeStore{records: map[string]*model.TariffRateRecord{}}, &fakeEnricher{err: eris.New("store down")})
	_, err := s.Lookup(context.Background(), nil, "8542310050", "CN", "")
	assert.Error(t, err)
}

func TestFreshness(t *testing.T) {
	st := &fakeStore{records: map[string]*model.TariffRateRecord{"7326908500": freshRecord("7326908500")}}
	s := newService(st, &fakeEnricher{out: aiRecord})

	ind, err := s.Freshness(context.Background(), "7326.90.85.00")
	require.NoError(t, err)
	assert.Equal(t, "7326908500", ind.Code)
	assert.True(t, ind.IsFresh)
	require.NotNil(t, ind.AgeHours)
	assert.InDelta(t, 72.0, *ind.AgeHours, 0.001)

	ind, err = s.Freshness(context.Background(), "0101210000")
	require.NoError(t, err)
	assert.False(t, ind.IsFresh)
}

func TestEnrichBatch_InvalidatesCache(t *testing.T) {
	st := &fakeStore{records: map[string]*model.TariffRateRecord{"7326908500": freshRecord("7326908500")}}
	s := newService(st, &fakeEnricher{out: aiRecord})
	ctx := context.Background()

	_, err := s.Lookup(ctx, nil, "7326908500", "MX", "")
	require.NoError(t, err)
	assert.Equal(t, 1, s.CacheStats().Entries)

	s.EnrichBatch(ctx, []enrich.Item{{Code: "7326908500", Origin: "MX"}})
	assert.Equal(t, 0, s.CacheStats().Entries)
}
