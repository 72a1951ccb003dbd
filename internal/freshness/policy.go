// Package freshness decides whether a cached tariff rate is still usable.
// Everything here is pure: no I/O and no clock reads beyond the supplied now.
package freshness

import (
	"time"

	"github.com/sells-group/tariff-cli/internal/model"
)

// Maximum ages for the rolling-window categories.
const (
	Section301MaxAge = 30 * 24 * time.Hour
	Section232MaxAge = 90 * 24 * time.Hour
)

// Policy maps rate categories to freshness windows.
type Policy struct {
	Section301 time.Duration
	Section232 time.Duration
}

// Default returns the production policy.
func Default() Policy {
	return Policy{Section301: Section301MaxAge, Section232: Section232MaxAge}
}

// NextJanuary2 returns the first January 2 00:00 UTC strictly after t. The
// annual schedule is republished at that boundary, so MFN values expire there
// regardless of how recently within the year they were written.
func NextJanuary2(t time.Time) time.Time {
	t = t.UTC()
	b := time.Date(t.Year(), time.January, 2, 0, 0, 0, 0, time.UTC)
	if !t.Before(b) {
		b = b.AddDate(1, 0, 0)
	}
	return b
}

// ExpiresAt returns when the value of cat in rec stops being a HIT. The second
// return is false when the category has no value or no timestamp.
func (p Policy) ExpiresAt(rec *model.TariffRateRecord, cat model.Category) (time.Time, bool) {
	if rec == nil {
		return time.Time{}, false
	}
	cr := rec.Get(cat)
	if cr.Rate == nil || cr.UpdatedAt == nil {
		return time.Time{}, false
	}
	at := cr.UpdatedAt.UTC()

	switch cat {
	case model.CategorySection301:
		return at.Add(p.Section301), true
	case model.CategorySection232:
		return at.Add(p.Section232), true
	case model.CategoryUSMCA:
		if cr.Provenance == model.ProvenancePolicyNotice {
			return at.Add(p.Section301), true
		}
		return NextJanuary2(at), true
	default:
		return NextJanuary2(at), true
	}
}

// Classify returns HIT, STALE, or MISSING for one category of rec at now.
// A value with no recorded write time is STALE.
func (p Policy) Classify(rec *model.TariffRateRecord, cat model.Category, now time.Time) model.FreshnessStatus {
	if rec == nil {
		return model.FreshnessMissing
	}
	cr := rec.Get(cat)
	if cr.Rate == nil {
		return model.FreshnessMissing
	}
	exp, ok := p.ExpiresAt(rec, cat)
	if !ok {
		return model.FreshnessStale
	}
	if now.UTC().Before(exp) {
		return model.FreshnessHit
	}
	return model.FreshnessStale
}

// Usable reports whether rec can be served without refreshing for a lookup
// from origin. MFN must be a HIT, every other present category must be a HIT,
// and Section 301 must be a HIT when it applies to origin.
func (p Policy) Usable(rec *model.TariffRateRecord, origin string, now time.Time) bool {
	if rec == nil {
		return false
	}
	if p.Classify(rec, model.CategoryMFN, now) != model.FreshnessHit {
		return false
	}
	for _, cat := range model.Categories {
		if p.Classify(rec, cat, now) == model.FreshnessStale {
			return false
		}
	}
	if model.Section301Applies(origin) && p.Classify(rec, model.CategorySection301, now) != model.FreshnessHit {
		return false
	}
	return true
}

// Indicator projects rec into the read-only freshness badge.
func (p Policy) Indicator(code string, rec *model.TariffRateRecord, now time.Time) model.FreshnessIndicator {
	ind := model.FreshnessIndicator{
		Code:         code,
		CategoryAges: make(map[model.Category]*float64, len(model.Categories)),
		Statuses:     make(map[model.Category]model.FreshnessStatus, len(model.Categories)),
		Confidence:   model.ConfidenceLow,
	}
	if rec != nil {
		ind.Confidence = rec.Confidence
	}

	known := 0
	allHit := true
	var oldest *float64
	for _, cat := range model.Categories {
		status := p.Classify(rec, cat, now)
		ind.Statuses[cat] = status
		ind.CategoryAges[cat] = nil
		if status == model.FreshnessMissing {
			continue
		}
		known++
		if status != model.FreshnessHit {
			allHit = false
		}
		cr := rec.Get(cat)
		if cr.UpdatedAt == nil {
			continue
		}
		age := now.Sub(*cr.UpdatedAt).Hours()
		ind.CategoryAges[cat] = &age
		if oldest == nil || age > *oldest {
			v := age
			oldest = &v
		}
	}

	ind.AgeHours = oldest
	ind.IsFresh = known > 0 && allHit && ind.Confidence != model.ConfidenceError
	return ind
}
