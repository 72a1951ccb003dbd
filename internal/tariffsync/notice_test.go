package tariffsync

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tariff-cli/internal/llm"
	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/resilience"
	"github.com/sells-group/tariff-cli/pkg/fedreg"
)

const noticeText = `Notice of Modification of Section 301 Action

The U.S. Trade Representative has determined to modify the action by increasing the rate of additional duty on products of China classified in subheading 8542.31.00 of the HTSUS to an additional duty of 25 percent, effective January 1, 2025.

Products classified in subheading 8541.40.60 are subject to an additional duty of 50 percent.`

type fakeNotices struct {
	docs      []fedreg.Document
	texts     map[string]string
	searchErr error
	params    fedreg.SearchParams
}

func (f *fakeNotices) Search(_ context.Context, p fedreg.SearchParams) ([]fedreg.Document, error) {
	f.params = p
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.docs, nil
}

func (f *fakeNotices) FullText(_ context.Context, d fedreg.Document) (string, error) {
	text, ok := f.texts[d.DocumentNumber]
	if !ok {
		return "", resilience.Upstream(404, eris.Errorf("no text for %s", d.DocumentNumber))
	}
	return text, nil
}

// scriptedCompleter returns answers keyed by a substring of the prompt.
type scriptedCompleter struct {
	mu      sync.Mutex
	answers map[string]string
	def     string
	prompts []string
}

func (s *scriptedCompleter) Complete(_ context.Context, p llm.Prompt) (llm.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, p.User)
	for needle, answer := range s.answers {
		if strings.Contains(p.User, needle) {
			return llm.Result{Provider: "fake", Text: answer}, nil
		}
	}
	return llm.Result{Provider: "fake", Text: s.def}, nil
}

func TestLLMExtractor_ScenarioC(t *testing.T) {
	ai := &scriptedCompleter{def: "```json\n" + `{"rates": [
		{"code": "8542.31.00", "rate": 25, "effective_date": "2025-01-01"},
		{"code": "8541.40.60", "rate": "50%", "effective_date": null}
	]}` + "\n```"}
	ex := NewLLMExtractor(ai, 0, 0)

	res, err := ex.Extract(context.Background(), noticeText)
	require.NoError(t, err)
	require.Len(t, res.Extractions, 2)
	assert.Equal(t, 0, res.Rejected)

	first := res.Extractions[0]
	assert.Equal(t, "85423100", first.Code)
	assert.InDelta(t, 0.25, first.Rate, 1e-9)
	require.NotNil(t, first.EffectiveDate)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), *first.EffectiveDate)

	assert.Equal(t, "85414060", res.Extractions[1].Code)
	assert.InDelta(t, 0.5, res.Extractions[1].Rate, 1e-9)
	assert.Nil(t, res.Extractions[1].EffectiveDate)
}

func TestLLMExtractor_RejectsUntrustedTuples(t *testing.T) {
	ai := &scriptedCompleter{def: `{"rates": [
		{"code": "8542.31.00", "rate": 25},
		{"code": "9401.61.40", "rate": 25},
		{"code": "8541.40.60", "rate": 250},
		{"code": "85", "rate": 10},
		{"code": "8541.40.60", "rate": "lots"},
		{"code": "8541.40.60", "rate": 50, "effective_date": "next spring"}
	]}`}
	ex := NewLLMExtractor(ai, 0, 0)

	res, err := ex.Extract(context.Background(), noticeText)
	require.NoError(t, err)
	require.Len(t, res.Extractions, 1)
	assert.Equal(t, "85423100", res.Extractions[0].Code)
	assert.Equal(t, 5, res.Rejected)
}

func TestLLMExtractor_SmallPercentagesStayPercent(t *testing.T) {
	ai := &scriptedCompleter{def: `{"rates": [
		{"code": "8542.31.00", "rate": 1},
		{"code": "8541.40.60", "rate": "0.5%"}
	]}`}
	ex := NewLLMExtractor(ai, 0, 0)

	res, err := ex.Extract(context.Background(), noticeText)
	require.NoError(t, err)
	require.Len(t, res.Extractions, 2)
	assert.InDelta(t, 0.01, res.Extractions[0].Rate, 1e-12)
	assert.InDelta(t, 0.005, res.Extractions[1].Rate, 1e-12)
}

func TestLLMExtractor_NoJSONIsParseFailure(t *testing.T) {
	ai := &scriptedCompleter{def: "I could not find any rates in this notice."}
	ex := NewLLMExtractor(ai, 0, 0)

	_, err := ex.Extract(context.Background(), noticeText)
	require.Error(t, err)
	assert.Equal(t, resilience.KindParse, resilience.Classify(err))
}

func TestLLMExtractor_ChunksLongNotices(t *testing.T) {
	para := strings.Repeat("x", 90)
	text := strings.Join([]string{para, para, "subheading 8542.31.00 at 25 percent", para}, "\n\n")

	ai := &scriptedCompleter{
		answers: map[string]string{"8542.31.00": `{"rates": [{"code": "8542.31.00", "rate": 25}]}`},
		def:     `{"rates": []}`,
	}
	ex := NewLLMExtractor(ai, 100, 0)

	res, err := ex.Extract(context.Background(), text)
	require.NoError(t, err)
	assert.Greater(t, len(ai.prompts), 1)
	require.Len(t, res.Extractions, 1)
	assert.Equal(t, "85423100", res.Extractions[0].Code)
}

func TestChunkText(t *testing.T) {
	assert.Equal(t, []string{"short"}, chunkText("short", 100))

	chunks := chunkText("aaaa\n\nbbbb\n\ncccccccccc", 8)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 8)
	}
	assert.Equal(t, "aaaa", chunks[0])
	assert.Equal(t, "cccccccccc", strings.Join(chunks[2:], ""))
}

func TestCompactDigits(t *testing.T) {
	assert.Equal(t, "subheading 85423100 of the HTSUS.", compactDigits("subheading 8542.31.00 of the HTSUS."))
}

func TestNoticeSync_MergesSection301(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	src := &fakeNotices{
		docs: []fedreg.Document{
			{DocumentNumber: "2025-00002", PublicationDate: "2025-05-20", EffectiveOn: "2025-06-20"},
			{DocumentNumber: "2025-00001", PublicationDate: "2025-03-01"},
		},
		texts: map[string]string{
			"2025-00001": "subheading 8542.31.00 additional duty of 25 percent",
			"2025-00002": "subheading 8542.31.00 additional duty of 50 percent",
		},
	}
	ai := &scriptedCompleter{answers: map[string]string{
		"25 percent": `{"rates": [{"code": "8542.31.00", "rate": 25, "effective_date": "2025-01-01"}]}`,
		"50 percent": `{"rates": [{"code": "8542.31.00", "rate": 50}]}`,
	}}
	s := NewNoticeSync(src, NewLLMExtractor(ai, 0, 0), st, NoticeConfig{})
	s.now = func() time.Time { return syncNow }

	res, err := s.Run(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Updated)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 2, res.Metadata["documents"])
	assert.Equal(t, 2, res.Metadata["tuples_extracted"])

	assert.Equal(t, "section 301", src.params.Term)
	assert.Equal(t, []string{fedreg.DefaultAgency}, src.params.Agencies)
	assert.Equal(t, syncNow.Add(-90*24*time.Hour), src.params.Since)

	// The newer notice is applied last and wins.
	rec, err := st.Get(ctx, "85423100")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.NotNil(t, rec.Section301.Rate)
	assert.InDelta(t, 0.5, *rec.Section301.Rate, 1e-9)
	assert.Equal(t, model.ProvenancePolicyNotice, rec.Section301.Provenance)
	assert.Equal(t, model.ConfidenceHigh, rec.Confidence)
	require.NotNil(t, rec.EffectiveDate)
	assert.Equal(t, time.Date(2025, 6, 20, 0, 0, 0, 0, time.UTC), rec.EffectiveDate.UTC())
	assert.Contains(t, rec.Notes, "2025-00002")
}

func TestNoticeSync_ReachesStatisticalSuffixes(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	_, err := st.Ensure(ctx, []string{"8542310050", "8542310040", "8541406020", "8542320000"})
	require.NoError(t, err)

	src := &fakeNotices{
		docs:  []fedreg.Document{{DocumentNumber: "2025-00001", PublicationDate: "2025-03-01"}},
		texts: map[string]string{"2025-00001": noticeText + "\n\nStatistical reporting number 8541.40.6020 is subject to 30 percent."},
	}
	ai := &scriptedCompleter{def: `{"rates": [
		{"code": "8542.31.00", "rate": 25, "effective_date": "2025-01-01"},
		{"code": "8541.40.6020", "rate": 30},
		{"code": "8541.40.60", "rate": 50}
	]}`}
	s := NewNoticeSync(src, NewLLMExtractor(ai, 0, 0), st, NoticeConfig{})
	s.now = func() time.Time { return syncNow }
	var written []string
	s.OnWrite = func(code string) { written = append(written, code) }

	res, err := s.Run(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, []string{"85414060", "8541406020", "85423100", "8542310040", "8542310050"}, written)
	assert.Equal(t, 5, res.Updated)

	for code, want := range map[string]float64{
		"8542310050": 0.25,
		"8542310040": 0.25,
		"85423100":   0.25,
		"85414060":   0.5,
		"8541406020": 0.3,
	} {
		rec, err := st.Get(ctx, code)
		require.NoError(t, err)
		require.NotNil(t, rec, code)
		require.NotNil(t, rec.Section301.Rate, code)
		assert.InDelta(t, want, *rec.Section301.Rate, 1e-9, code)
		assert.Equal(t, model.ProvenancePolicyNotice, rec.Section301.Provenance, code)
	}

	// A sibling subheading is untouched.
	other, err := st.Get(ctx, "8542320000")
	require.NoError(t, err)
	assert.Nil(t, other.Section301.Rate)
}

func TestNoticeSync_BadDocumentCountedOnce(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	src := &fakeNotices{
		docs: []fedreg.Document{
			{DocumentNumber: "2025-00001", PublicationDate: "2025-03-01"},
			{DocumentNumber: "2025-00002", PublicationDate: "2025-04-01"},
			{DocumentNumber: "2025-00003", PublicationDate: "2025-05-01"},
		},
		texts: map[string]string{
			"2025-00001": "garbled",
			"2025-00003": "subheading 8542.31.00 additional duty of 25 percent",
		},
	}
	ai := &scriptedCompleter{
		answers: map[string]string{"25 percent": `{"rates": [{"code": "8542.31.00", "rate": 25}]}`},
		def:     "no structured data here",
	}
	s := NewNoticeSync(src, NewLLMExtractor(ai, 0, 0), st, NoticeConfig{})
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
		kinds[f.Item] = f.ErrorKind
	}
	assert.Equal(t, string(resilience.KindParse), kinds["2025-00001"])
	assert.Equal(t, string(resilience.KindUpstreamStatus), kinds["2025-00002"])
}

func TestNoticeSync_SearchFailureFailsRun(t *testing.T) {
	st := newTestStore(t)
	src := &fakeNotices{searchErr: resilience.Transport(eris.New("dial tcp: timeout"))}
	s := NewNoticeSync(src, NewLLMExtractor(&scriptedCompleter{}, 0, 0), st, NoticeConfig{})

	res, err := s.Run(context.Background(), "run-1")
	require.Error(t, err)
	assert.Nil(t, res)

	codes, err := st.ListCodes(context.Background())
	require.NoError(t, err)
	assert.Empty(t, codes)
}
