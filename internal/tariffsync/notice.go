package tariffsync

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/resilience"
	"github.com/sells-group/tariff-cli/internal/store"
	"github.com/sells-group/tariff-cli/pkg/fedreg"
)

// NoticeSource searches the document registry and fetches notice text.
type NoticeSource interface {
	Search(ctx context.Context, p fedreg.SearchParams) ([]fedreg.Document, error)
	FullText(ctx context.Context, d fedreg.Document) (string, error)
}

// NoticeConfig tunes the Section 301 notice sync.
type NoticeConfig struct {
	Term     string
	Agencies []string
	Lookback time.Duration
	Cadence  Cadence
}

// NoticeSync merges Section 301 rates extracted from recent trade-authority
// notices into the rate store.
type NoticeSync struct {
	source    NoticeSource
	extractor Extractor
	store     ItemStore
	cfg       NoticeConfig

	// OnWrite is called after each successful upsert.
	OnWrite func(code string)

	now func() time.Time
	log *zap.Logger
}

// NewNoticeSync creates the Section 301 job.
func NewNoticeSync(src NoticeSource, ex Extractor, st ItemStore, cfg NoticeConfig) *NoticeSync {
	if cfg.Term == "" {
		cfg.Term = "section 301"
	}
	if len(cfg.Agencies) == 0 {
		cfg.Agencies = []string{fedreg.DefaultAgency}
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 90 * 24 * time.Hour
	}
	if cfg.Cadence == "" {
		cfg.Cadence = Daily
	}
	return &NoticeSync{
		source:    src,
		extractor: ex,
		store:     st,
		cfg:       cfg,
		now:       time.Now,
		log:       zap.L().With(zap.String("component", "tariffsync.section301")),
	}
}

// Type implements Job.
func (s *NoticeSync) Type() model.SyncType { return model.SyncTypeSection301 }

// ShouldRun implements Job.
func (s *NoticeSync) ShouldRun(now time.Time, lastSync *time.Time) bool {
	return s.cfg.Cadence.Due(now, lastSync)
}

// Run implements Job. A registry search failure fails the run; a failure on
// one notice is counted against that notice only.
func (s *NoticeSync) Run(ctx context.Context, runID string) (*Result, error) {
	since := s.now().UTC().Add(-s.cfg.Lookback)
	docs, err := s.source.Search(ctx, fedreg.SearchParams{
		Term:     s.cfg.Term,
		Agencies: s.cfg.Agencies,
		Types:    []string{"NOTICE", "RULE"},
		Since:    since,
	})
	if err != nil {
		return nil, eris.Wrap(err, "section301: search notices")
	}

	// Oldest first so a later notice overrides an earlier one for the same code.
	sort.SliceStable(docs, func(i, j int) bool {
		return docs[i].PublicationDate < docs[j].PublicationDate
	})

	res := &Result{}
	extracted, rejected := 0, 0
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return res, eris.Wrap(err, "section301: cancelled")
		}
		n, ex, rj, err := s.syncDocument(ctx, doc)
		extracted += ex
		rejected += rj
		res.Updated += n
		if err != nil {
			res.Failed++
			s.recordFailure(ctx, runID, doc.DocumentNumber, err)
		}
	}

	res.Metadata = map[string]any{
		"documents":        len(docs),
		"since":            since.Format("2006-01-02"),
		"tuples_extracted": extracted,
		"tuples_rejected":  rejected,
	}
	return res, nil
}

// syncDocument returns records written, tuples extracted, tuples rejected.
func (s *NoticeSync) syncDocument(ctx context.Context, doc fedreg.Document) (int, int, int, error) {
	log := s.log.With(zap.String("document", doc.DocumentNumber))

	text, err := s.source.FullText(ctx, doc)
	if err != nil {
		return 0, 0, 0, eris.Wrapf(err, "section301: full text %s", doc.DocumentNumber)
	}
	res, err := s.extractor.Extract(ctx, text)
	if err != nil {
		return 0, 0, 0, eris.Wrapf(err, "section301: extract %s", doc.DocumentNumber)
	}
	if len(res.Extractions) == 0 {
		log.Debug("no rate changes in notice", zap.Int("rejected", res.Rejected))
		return 0, 0, res.Rejected, nil
	}

	targets, err := s.expand(ctx, res.Extractions)
	if err != nil {
		return 0, len(res.Extractions), res.Rejected, err
	}

	at := s.now().UTC()
	written := 0
	for _, t := range targets {
		eff := t.EffectiveDate
		if eff == nil {
			eff = doc.Effective()
		}
		w := store.Write{
			Code: t.Code,
			Rates: []store.CategoryWrite{
				{Category: model.CategorySection301, Rate: model.Rate(t.Rate)},
			},
			Provenance:    model.ProvenancePolicyNotice,
			Confidence:    model.ConfidenceHigh,
			Notes:         fmt.Sprintf("Section 301 per FR Doc. %s", doc.DocumentNumber),
			EffectiveDate: eff,
			At:            at,
		}
		if err := s.store.Upsert(ctx, w); err != nil {
			return written, len(res.Extractions), res.Rejected,
				resilience.Persistence(eris.Wrapf(err, "section301: upsert %s", t.Code))
		}
		written++
		if s.OnWrite != nil {
			s.OnWrite(t.Code)
		}
	}
	log.Info("notice merged",
		zap.Int("written", written),
		zap.Int("rejected", res.Rejected),
	)
	return written, len(res.Extractions), res.Rejected, nil
}

// expand maps each extraction onto its own code plus every stored statistical
// suffix under it. Where two extractions reach the same row the one with the
// longer code wins. Targets come back sorted by code.
func (s *NoticeSync) expand(ctx context.Context, exs []Extraction) ([]Extraction, error) {
	best := make(map[string]Extraction, len(exs))
	source := make(map[string]int, len(exs))
	put := func(code string, ex Extraction) {
		if n, ok := source[code]; ok && n > len(ex.Code) {
			return
		}
		t := ex
		t.Code = code
		best[code] = t
		source[code] = len(ex.Code)
	}

	for _, ex := range exs {
		put(ex.Code, ex)
		if len(ex.Code) >= 10 {
			continue
		}
		codes, err := s.store.ListCodesWithPrefix(ctx, ex.Code)
		if err != nil {
			return nil, resilience.Persistence(eris.Wrapf(err, "section301: codes under %s", ex.Code))
		}
		for _, c := range codes {
			put(c, ex)
		}
	}

	out := make([]Extraction, 0, len(best))
	for _, t := range best {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *NoticeSync) recordFailure(ctx context.Context, runID, doc string, err error) {
	kind := resilience.Classify(err)
	s.log.Warn("notice failed",
		zap.String("document", doc),
		zap.String("error_kind", string(kind)),
		zap.String("sync_type", string(model.SyncTypeSection301)),
		zap.Error(err),
	)
	f := model.SyncFailure{
		RunID:      runID,
		SyncType:   model.SyncTypeSection301,
		Item:       doc,
		ErrorKind:  string(kind),
		Error:      err.Error(),
		OccurredAt: s.now().UTC(),
	}
	if rerr := s.store.RecordFailure(context.WithoutCancel(ctx), f); rerr != nil {
		s.log.Error("record failure", zap.String("document", doc), zap.Error(rerr))
	}
}
