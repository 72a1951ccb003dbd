package tariffsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tariff-cli/internal/freshness"
	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/resilience"
	"github.com/sells-group/tariff-cli/pkg/hts"
)

type fakeSchedule struct {
	mu       sync.Mutex
	articles map[string]hts.Article
	errs     map[string]error
	calls    []string
}

func (f *fakeSchedule) Lookup(_ context.Context, code string) (hts.Article, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, code)
	if err, ok := f.errs[code]; ok {
		return hts.Article{}, err
	}
	art, ok := f.articles[code]
	if !ok {
		return hts.Article{}, eris.Wrapf(hts.ErrNotFound, "hts: lookup %s", code)
	}
	return art, nil
}

var syncNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func TestMFNSync_WritesOfficialRates(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	_, err := st.Ensure(ctx, []string{"8542310050", "7326908500", "0201100500"})
	require.NoError(t, err)

	sched := &fakeSchedule{articles: map[string]hts.Article{
		"8542310050": {HTSNo: "8542.31.00.50", General: "Free", Special: ""},
		"7326908500": {HTSNo: "7326.90.85", General: "2.9%", Special: "Free (A+,AU,BH,CL,CO,D,E,IL,JO,KR,MA,OM,P,PA,PE,S,SG)"},
		"0201100500": {HTSNo: "0201.10.05", General: "4.4¢/kg 1/", Special: ""},
	}}
	s := NewMFNSync(sched, st, MFNConfig{BatchSize: 50})
	s.now = func() time.Time { return syncNow }
	var written []string
	s.OnWrite = func(code string) { written = append(written, code) }

	res, err := s.Run(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Updated)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 1, res.Metadata["specific_duty_codes"])
	assert.Equal(t, []string{"0201100500"}, res.Metadata["specific_duty_list"])
	assert.Equal(t, 2025, res.Metadata["schedule_year"])
	assert.Len(t, written, 3)

	// "Free" is a verified zero, not a missing value.
	rec, err := st.Get(ctx, "8542310050")
	require.NoError(t, err)
	require.NotNil(t, rec.MFN.Rate)
	assert.Equal(t, 0.0, *rec.MFN.Rate)
	assert.Equal(t, model.ProvenanceOfficialSchedule, rec.MFN.Provenance)
	assert.Equal(t, model.ConfidenceHigh, rec.Confidence)
	require.NotNil(t, rec.MFNExpiresAt)
	assert.Equal(t, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), rec.MFNExpiresAt.UTC())
	assert.Nil(t, rec.USMCA.Rate)
	assert.Equal(t, model.FreshnessHit, freshness.Default().Classify(rec, model.CategoryMFN, syncNow))

	rec, err = st.Get(ctx, "7326908500")
	require.NoError(t, err)
	assert.InDelta(t, 0.029, *rec.MFN.Rate, 1e-9)
	require.NotNil(t, rec.USMCA.Rate)
	assert.Equal(t, 0.0, *rec.USMCA.Rate)
	assert.Equal(t, model.ProvenanceOfficialSchedule, rec.USMCA.Provenance)

	rec, err = st.Get(ctx, "0201100500")
	require.NoError(t, err)
	assert.Equal(t, 0.0, *rec.MFN.Rate)
	assert.Equal(t, model.ConfidenceLow, rec.Confidence)
	assert.Equal(t, "specific duty not ad valorem: 4.4¢/kg 1/", rec.Notes)
}

func TestMFNSync_Idempotent(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	_, err := st.Ensure(ctx, []string{"8542310050"})
	require.NoError(t, err)

	sched := &fakeSchedule{articles: map[string]hts.Article{
		"8542310050": {HTSNo: "8542.31.00.50", General: "Free"},
	}}
	s := NewMFNSync(sched, st, MFNConfig{})
	s.now = func() time.Time { return syncNow }

	_, err = s.Run(ctx, "run-1")
	require.NoError(t, err)
	first, err := st.Get(ctx, "8542310050")
	require.NoError(t, err)

	_, err = s.Run(ctx, "run-2")
	require.NoError(t, err)
	second, err := st.Get(ctx, "8542310050")
	require.NoError(t, err)

	assert.Equal(t, *first.MFN.Rate, *second.MFN.Rate)
	assert.Equal(t, model.ConfidenceHigh, second.Confidence)
	assert.Equal(t, first.MFN.Provenance, second.MFN.Provenance)
	assert.Equal(t, first.MFNExpiresAt.UTC(), second.MFNExpiresAt.UTC())
}

func TestMFNSync_FailureIsolatedAndRecorded(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	_, err := st.Ensure(ctx, []string{"0101210000", "8542310050", "9999990000"})
	require.NoError(t, err)

	sched := &fakeSchedule{
		articles: map[string]hts.Article{
			"8542310050": {HTSNo: "8542.31.00.50", General: "Free"},
		},
		errs: map[string]error{
			"0101210000": resilience.Transport(eris.New("connection reset")),
		},
	}
	s := NewMFNSync(sched, st, MFNConfig{})
	s.now = func() time.Time { return syncNow }

	res, err := s.Run(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 2, res.Failed)

	failures, err := st.ListFailures(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, failures, 2)
	kinds := map[string]string{}
	for _, f := range failures {
		assert.Equal(t, model.SyncTypeMFN, f.SyncType)
		kinds[f.Item] = f.ErrorKind
	}
	assert.Equal(t, string(resilience.KindTransport), kinds["0101210000"])
	assert.Equal(t, string(resilience.KindParse), kinds["9999990000"])

	// The failed code keeps its prior (empty) state.
	rec, err := st.Get(ctx, "0101210000")
	require.NoError(t, err)
	assert.Nil(t, rec.MFN.Rate)
}

func TestMFNSync_BatchesWithPause(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	codes := []string{"0101210000", "0101290000", "0102210000", "0102290000", "0103100000"}
	_, err := st.Ensure(ctx, codes)
	require.NoError(t, err)

	arts := map[string]hts.Article{}
	for _, c := range codes {
		arts[c] = hts.Article{HTSNo: hts.FormatCode(c), General: "Free"}
	}
	sched := &fakeSchedule{articles: arts}
	s := NewMFNSync(sched, st, MFNConfig{BatchSize: 2, BatchPause: 2 * time.Second})
	s.now = func() time.Time { return syncNow }

	var pauses []time.Duration
	s.sleep = func(_ context.Context, d time.Duration) error {
		pauses = append(pauses, d)
		return nil
	}

	res, err := s.Run(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 5, res.Updated)
	assert.Equal(t, 3, res.Metadata["batches"])
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, pauses)
	assert.Equal(t, codes, sched.calls, "codes processed sequentially in store order")
}

func TestMFNSync_CancelledDuringPause(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	st := newTestStore(t)
	_, err := st.Ensure(ctx, []string{"0101210000", "0101290000"})
	require.NoError(t, err)

	sched := &fakeSchedule{articles: map[string]hts.Article{
		"0101210000": {General: "Free"},
		"0101290000": {General: "Free"},
	}}
	s := NewMFNSync(sched, st, MFNConfig{BatchSize: 1, BatchPause: time.Hour})
	s.now = func() time.Time { return syncNow }
	s.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return sleepCtx(ctx, d)
	}

	res, err := s.Run(ctx, "run-1")
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 1, res.Updated)
}

func TestMFNSync_Type(t *testing.T) {
	s := NewMFNSync(&fakeSchedule{}, nil, MFNConfig{})
	assert.Equal(t, model.SyncTypeMFN, s.Type())
	assert.True(t, s.ShouldRun(syncNow, nil))
	last := syncNow.Add(-time.Hour)
	assert.False(t, s.ShouldRun(syncNow, &last))
}
