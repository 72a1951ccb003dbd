// Package enrich fills tariff rate records from AI providers when no
// authoritative source has a fresh value.
package enrich

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/tariff-cli/internal/freshness"
	"github.com/sells-group/tariff-cli/internal/llm"
	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/resilience"
	"github.com/sells-group/tariff-cli/internal/store"
)

// Completer runs a prompt through one or more providers.
type Completer interface {
	Complete(ctx context.Context, p llm.Prompt) (llm.Result, error)
}

// RateStore is the subset of store.RateStore enrichment needs.
type RateStore interface {
	Get(ctx context.Context, code string) (*model.TariffRateRecord, error)
	Upsert(ctx context.Context, w store.Write) error
}

// Config tunes the enricher.
type Config struct {
	MaxConcurrency int
	MaxTokens      int64
}

// Enricher performs on-demand AI enrichment.
type Enricher struct {
	ai     Completer
	store  RateStore
	policy freshness.Policy
	cfg    Config
	group  singleflight.Group
	now    func() time.Time
	log    *zap.Logger
}

// New creates an Enricher.
func New(ai Completer, st RateStore, policy freshness.Policy, cfg Config) *Enricher {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	return &Enricher{
		ai:     ai,
		store:  st,
		policy: policy,
		cfg:    cfg,
		now:    time.Now,
		log:    zap.L().With(zap.String("component", "enrich")),
	}
}

// Enrich asks the providers for code's rates and persists the answer with
// AI_ENRICHMENT provenance. Provider, parse, validation and write failures do
// not return an error: the record comes back with confidence ERROR and its
// rates as they were. An error is returned only for an invalid code or when
// the existing record cannot be read.
func (e *Enricher) Enrich(ctx context.Context, code, origin string) (*model.TariffRateRecord, error) {
	norm := model.NormalizeCode(code)
	if norm == "" {
		return nil, resilience.Validation(eris.Errorf("enrich: invalid code %q", code))
	}
	origin = model.NormalizeOrigin(origin)

	v, err, _ := e.group.Do(norm+"|"+origin, func() (any, error) {
		return e.enrich(ctx, norm, origin)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.TariffRateRecord).Clone(), nil
}

func (e *Enricher) enrich(ctx context.Context, code, origin string) (*model.TariffRateRecord, error) {
	existing, err := e.store.Get(ctx, code)
	if err != nil {
		return nil, eris.Wrapf(err, "enrich: read %s", code)
	}

	now := e.now().UTC()
	res, err := e.ai.Complete(ctx, buildPrompt(code, origin, now.Year(), e.cfg.MaxTokens))
	if err != nil {
		return e.fail(ctx, code, origin, existing, err), nil
	}

	var resp aiResponse
	if err := llm.DecodeJSON(res.Text, &resp); err != nil {
		return e.fail(ctx, code, origin, existing, err), nil
	}

	w, err := e.plan(code, origin, existing, resp, now)
	if err != nil {
		return e.fail(ctx, code, origin, existing, err), nil
	}
	if len(w.Rates) == 0 {
		e.log.Info("authoritative values current, nothing to write",
			zap.String("code", code), zap.String("origin", origin))
		if existing == nil {
			existing = model.NewRecord(code)
		}
		return existing, nil
	}

	if err := e.store.Upsert(ctx, w); err != nil {
		return e.fail(ctx, code, origin, existing, err), nil
	}

	rec, err := e.store.Get(ctx, code)
	if err != nil {
		return e.fail(ctx, code, origin, existing, eris.Wrapf(err, "enrich: reread %s", code)), nil
	}
	if rec == nil {
		return e.fail(ctx, code, origin, existing, resilience.Persistence(eris.Errorf("enrich: %s missing after write", code))), nil
	}
	e.log.Debug("enriched",
		zap.String("code", code),
		zap.String("origin", origin),
		zap.String("provider", res.Provider),
		zap.Int("categories", len(w.Rates)),
	)
	return rec, nil
}

// plan turns a decoded response into a store write. Categories whose stored
// value is authoritative and fresh are left alone. When the record already
// holds authoritative data the AI confidence is capped at MEDIUM and never
// rises above the stored confidence. Section 301 is written only for Chinese
// origin so an origin-specific zero never lands in the shared row.
func (e *Enricher) plan(code, origin string, existing *model.TariffRateRecord, resp aiResponse, now time.Time) (store.Write, error) {
	conf := model.ParseConfidence(resp.Confidence)
	if conf == model.ConfidenceError {
		conf = model.ConfidenceLow
	}

	w := store.Write{
		Code:          code,
		Provenance:    model.ProvenanceAIEnrichment,
		Notes:         strings.TrimSpace(resp.Citation),
		EffectiveDate: resp.effective(),
		At:            now,
	}

	if !resp.MFN.set && !resp.USMCA.set && !resp.Section301.set && !resp.Section232.set {
		return store.Write{}, resilience.Parse(eris.New("enrich: response carried no rates"))
	}

	for _, cat := range model.Categories {
		rate, err := resp.normalized(cat)
		if err != nil {
			return store.Write{}, err
		}
		switch {
		case cat == model.CategorySection301 && !model.Section301Applies(origin):
			continue
		case cat == model.CategorySection232 && !model.Section232Applies(code):
			rate = model.Rate(0)
		}
		if rate == nil {
			continue
		}

		if existing != nil {
			prev := existing.Get(cat)
			if prev.Provenance.Authoritative() && e.policy.Classify(existing, cat, now) == model.FreshnessHit {
				continue
			}
		}
		w.Rates = append(w.Rates, store.CategoryWrite{
			Category:   cat,
			Rate:       rate,
			Provenance: model.ProvenanceAIEnrichment,
		})
	}

	if existing != nil && existing.HasAuthoritative() {
		conf = conf.Cap(model.ConfidenceMedium)
		if existing.Confidence != model.ConfidenceError {
			conf = conf.Cap(existing.Confidence)
		}
		if existing.HasSpecificDutyNote() {
			w.Notes = joinNotes(existing.Notes, w.Notes)
		}
	}
	w.Confidence = conf
	return w, nil
}

func joinNotes(keep, add string) string {
	if add == "" || strings.Contains(keep, add) {
		return keep
	}
	return keep + "; " + add
}

// fail persists a confidence ERROR placeholder and returns the record as the
// caller should see it.
func (e *Enricher) fail(ctx context.Context, code, origin string, existing *model.TariffRateRecord, cause error) *model.TariffRateRecord {
	kind := resilience.Classify(cause)
	e.log.Warn("enrichment failed",
		zap.String("code", code),
		zap.String("origin", origin),
		zap.String("kind", string(kind)),
		zap.Error(cause),
	)

	prov := model.ProvenanceUnknown
	if existing != nil && existing.Provenance != "" {
		prov = existing.Provenance
	}
	note := fmt.Sprintf("enrichment failed (%s)", kind)
	if existing != nil && existing.HasSpecificDutyNote() {
		note = joinNotes(existing.Notes, note)
	}

	out := model.NewRecord(code)
	if existing != nil {
		out = existing.Clone()
	}
	out.Confidence = model.ConfidenceError
	out.Notes = note

	if err := e.store.Upsert(ctx, store.Write{
		Code:       code,
		Provenance: prov,
		Confidence: model.ConfidenceError,
		Notes:      note,
		At:         e.now().UTC(),
	}); err != nil {
		e.log.Error("write error placeholder", zap.String("code", code), zap.Error(err))
		return out
	}
	if rec, err := e.store.Get(ctx, code); err == nil && rec != nil {
		return rec
	}
	return out
}
