// Package rates answers "what is the current rate bundle for this code and
// origin" by walking the context cache, the rate store under the freshness
// policy, and finally on-demand enrichment.
package rates

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/enrich"
	"github.com/sells-group/tariff-cli/internal/freshness"
	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/ratecache"
	"github.com/sells-group/tariff-cli/internal/resilience"
)

// Source names where a lookup's record came from.
type Source string

const (
	SourceRequestCache Source = "request_cache"
	SourceProcessCache Source = "process_cache"
	SourceStore        Source = "store"
	// SourceStale is a stale stored record served while the MFN sync is
	// refreshing the store.
	SourceStale      Source = "stale"
	SourceEnrichment Source = "enrichment"
)

// Store is the read side of the rate store plus the sync lease check.
type Store interface {
	Get(ctx context.Context, code string) (*model.TariffRateRecord, error)
	LockHeld(ctx context.Context, st model.SyncType) (bool, error)
}

// Enricher computes fresh values on demand.
type Enricher interface {
	Enrich(ctx context.Context, code, origin string) (*model.TariffRateRecord, error)
	EnrichBatch(ctx context.Context, items []enrich.Item) []enrich.ItemResult
}

// Result is a lookup answer.
type Result struct {
	Record    *model.TariffRateRecord  `json:"record"`
	Source    Source                   `json:"source"`
	Freshness model.FreshnessIndicator `json:"freshness"`
}

// Service composes cache, store, freshness policy and enrichment.
type Service struct {
	cache    *ratecache.Cache
	store    Store
	enricher Enricher
	policy   freshness.Policy
	now      func() time.Time
	log      *zap.Logger
}

// NewService creates a lookup service.
func NewService(cache *ratecache.Cache, st Store, enricher Enricher, policy freshness.Policy) *Service {
	return &Service{
		cache:    cache,
		store:    st,
		enricher: enricher,
		policy:   policy,
		now:      time.Now,
		log:      zap.L().With(zap.String("component", "rates")),
	}
}

// cacheKey scopes entries by origin as well as business context, since the
// same record can be usable for one origin and not another.
func cacheKey(code, origin, bizContext string) ratecache.Key {
	return ratecache.Key{Code: code, Context: origin + ":" + bizContext}
}

// Lookup returns the rate bundle for code and origin. scope may be nil.
// Records with confidence ERROR are returned but never cached.
func (s *Service) Lookup(ctx context.Context, scope *ratecache.RequestScope, code, origin, bizContext string) (*Result, error) {
	norm := model.NormalizeCode(code)
	if norm == "" {
		return nil, resilience.Validation(eris.Errorf("rates: invalid code %q", code))
	}
	origin = model.NormalizeOrigin(origin)
	key := cacheKey(norm, origin, bizContext)
	now := s.now().UTC()

	if rec, tier := s.cache.Lookup(scope, key); rec != nil {
		if s.policy.Usable(rec, origin, now) {
			src := SourceProcessCache
			if tier == ratecache.TierRequest {
				src = SourceRequestCache
			}
			return s.result(norm, rec, src, now), nil
		}
		s.log.Debug("cached record expired", zap.String("code", norm))
	}

	rec, err := s.store.Get(ctx, norm)
	if err != nil {
		return nil, eris.Wrapf(err, "rates: get %s", norm)
	}
	if s.policy.Usable(rec, origin, now) {
		s.cache.Store(scope, key, rec)
		return s.result(norm, rec, SourceStore, now), nil
	}

	if rec != nil {
		held, err := s.store.LockHeld(ctx, model.SyncTypeMFN)
		if err != nil {
			s.log.Warn("check mfn lease", zap.Error(err))
		}
		if held {
			s.log.Debug("mfn sync running, serving stale record", zap.String("code", norm))
			return s.result(norm, rec, SourceStale, now), nil
		}
	}

	rec, err = s.enricher.Enrich(ctx, norm, origin)
	if err != nil {
		return nil, eris.Wrapf(err, "rates: enrich %s", norm)
	}
	if rec.Confidence != model.ConfidenceError {
		s.cache.Store(scope, key, rec)
	}
	return s.result(norm, rec, SourceEnrichment, now), nil
}

// Freshness returns the indicator for code straight from the store.
func (s *Service) Freshness(ctx context.Context, code string) (model.FreshnessIndicator, error) {
	norm := model.NormalizeCode(code)
	if norm == "" {
		return model.FreshnessIndicator{}, resilience.Validation(eris.Errorf("rates: invalid code %q", code))
	}
	rec, err := s.store.Get(ctx, norm)
	if err != nil {
		return model.FreshnessIndicator{}, eris.Wrapf(err, "rates: get %s", norm)
	}
	return s.policy.Indicator(norm, rec, s.now().UTC()), nil
}

// EnrichBatch enriches items and drops any cached copies of their codes.
func (s *Service) EnrichBatch(ctx context.Context, items []enrich.Item) []enrich.ItemResult {
	results := s.enricher.EnrichBatch(ctx, items)
	for _, r := range results {
		if r.Record != nil {
			s.cache.Invalidate(r.Record.Code)
		}
	}
	return results
}

// Invalidate drops cached copies of code. Sync jobs call it after writes.
func (s *Service) Invalidate(code string) {
	s.cache.Invalidate(code)
}

// CacheStats returns process tier statistics.
func (s *Service) CacheStats() ratecache.Stats {
	return s.cache.Stats()
}

func (s *Service) result(code string, rec *model.TariffRateRecord, src Source, now time.Time) *Result {
	return &Result{
		Record:    rec,
		Source:    src,
		Freshness: s.policy.Indicator(code, rec, now),
	}
}

// NewScope starts a request-tier cache scope. Callers Close it when the
// operation ends.
func (s *Service) NewScope() *ratecache.RequestScope {
	return s.cache.NewScope()
}
