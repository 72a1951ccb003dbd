// Package model defines the tariff rate records, provenance tags, and sync
// audit types shared across the cache, store, and sync jobs.
package model

import (
	"strings"
	"time"
	"unicode"
)

// Category identifies one of the rate categories cached per classification code.
type Category string

const (
	CategoryMFN        Category = "mfn"
	CategoryUSMCA      Category = "usmca"
	CategorySection301 Category = "section_301"
	CategorySection232 Category = "section_232"
)

// Categories lists every rate category in storage order.
var Categories = []Category{CategoryMFN, CategoryUSMCA, CategorySection301, CategorySection232}

// Provenance tags the source that last supplied a rate value.
type Provenance string

const (
	ProvenanceOfficialSchedule Provenance = "OFFICIAL_SCHEDULE"
	ProvenancePolicyNotice     Provenance = "POLICY_NOTICE"
	ProvenanceAIEnrichment     Provenance = "AI_ENRICHMENT"
	ProvenanceUnknown          Provenance = "UNKNOWN"
)

// Authoritative reports whether the provenance comes from a published
// government source rather than an estimate.
func (p Provenance) Authoritative() bool {
	return p == ProvenanceOfficialSchedule || p == ProvenancePolicyNotice
}

// ParseProvenance maps a stored string to a Provenance, defaulting to UNKNOWN.
func ParseProvenance(s string) Provenance {
	switch Provenance(strings.ToUpper(strings.TrimSpace(s))) {
	case ProvenanceOfficialSchedule:
		return ProvenanceOfficialSchedule
	case ProvenancePolicyNotice:
		return ProvenancePolicyNotice
	case ProvenanceAIEnrichment:
		return ProvenanceAIEnrichment
	default:
		return ProvenanceUnknown
	}
}

// Confidence is the trust level set by whichever writer last touched a record.
type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
	ConfidenceError  Confidence = "ERROR"
)

// Rank orders confidences: ERROR < LOW < MEDIUM < HIGH.
func (c Confidence) Rank() int {
	switch c {
	case ConfidenceHigh:
		return 3
	case ConfidenceMedium:
		return 2
	case ConfidenceLow:
		return 1
	default:
		return 0
	}
}

// Cap returns c, lowered to ceiling when c ranks above it.
func (c Confidence) Cap(ceiling Confidence) Confidence {
	if c.Rank() > ceiling.Rank() {
		return ceiling
	}
	return c
}

// ParseConfidence maps free text ("high", "Medium", ...) to a Confidence.
// Unrecognised values map to LOW.
func ParseConfidence(s string) Confidence {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "HIGH":
		return ConfidenceHigh
	case "MEDIUM", "MED":
		return ConfidenceMedium
	case "ERROR":
		return ConfidenceError
	default:
		return ConfidenceLow
	}
}

// CategoryRate is the cached state of a single rate category.
// A nil Rate means "not yet known" and is distinct from a zero rate,
// which means verified duty-free.
type CategoryRate struct {
	Rate       *float64   `json:"rate"`
	Provenance Provenance `json:"provenance"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
}

// Known reports whether the category holds a value.
func (c CategoryRate) Known() bool {
	return c.Rate != nil
}

// TariffRateRecord is the unit of caching: one row per classification code.
type TariffRateRecord struct {
	Code          string       `json:"code"`
	MFN           CategoryRate `json:"mfn"`
	USMCA         CategoryRate `json:"usmca"`
	Section301    CategoryRate `json:"section_301"`
	Section232    CategoryRate `json:"section_232"`
	Provenance    Provenance   `json:"provenance"`
	Confidence    Confidence   `json:"confidence"`
	EffectiveDate *time.Time   `json:"effective_date,omitempty"`
	MFNExpiresAt  *time.Time   `json:"mfn_expires_at,omitempty"`
	Notes         string       `json:"notes,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// NewRecord returns an empty record for code with every rate unknown.
func NewRecord(code string) *TariffRateRecord {
	return &TariffRateRecord{
		Code:       code,
		MFN:        CategoryRate{Provenance: ProvenanceUnknown},
		USMCA:      CategoryRate{Provenance: ProvenanceUnknown},
		Section301: CategoryRate{Provenance: ProvenanceUnknown},
		Section232: CategoryRate{Provenance: ProvenanceUnknown},
		Provenance: ProvenanceUnknown,
		Confidence: ConfidenceLow,
	}
}

// Get returns the state of one category.
func (r *TariffRateRecord) Get(c Category) CategoryRate {
	switch c {
	case CategoryMFN:
		return r.MFN
	case CategoryUSMCA:
		return r.USMCA
	case CategorySection301:
		return r.Section301
	case CategorySection232:
		return r.Section232
	default:
		return CategoryRate{Provenance: ProvenanceUnknown}
	}
}

// Set writes one category. The rate, provenance, and timestamp always move together.
func (r *TariffRateRecord) Set(c Category, rate *float64, prov Provenance, at time.Time) {
	at = at.UTC()
	cr := CategoryRate{Rate: CopyRate(rate), Provenance: prov, UpdatedAt: &at}
	switch c {
	case CategoryMFN:
		r.MFN = cr
	case CategoryUSMCA:
		r.USMCA = cr
	case CategorySection301:
		r.Section301 = cr
	case CategorySection232:
		r.Section232 = cr
	}
}

// Clone returns a copy that shares no pointers with r.
func (r *TariffRateRecord) Clone() *TariffRateRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.MFN = cloneCategory(r.MFN)
	out.USMCA = cloneCategory(r.USMCA)
	out.Section301 = cloneCategory(r.Section301)
	out.Section232 = cloneCategory(r.Section232)
	out.EffectiveDate = cloneTime(r.EffectiveDate)
	out.MFNExpiresAt = cloneTime(r.MFNExpiresAt)
	return &out
}

// SpecificDutyNote prefixes the note on records whose MFN came from a
// specific (per-unit) duty stored as zero.
const SpecificDutyNote = "specific duty not ad valorem"

// HasSpecificDutyNote reports whether the record carries the specific duty flag.
func (r *TariffRateRecord) HasSpecificDutyNote() bool {
	return strings.HasPrefix(r.Notes, SpecificDutyNote)
}

// HasAuthoritative reports whether any category was last written by an
// official schedule or policy notice.
func (r *TariffRateRecord) HasAuthoritative() bool {
	for _, c := range Categories {
		if r.Get(c).Provenance.Authoritative() {
			return true
		}
	}
	return false
}

func cloneCategory(c CategoryRate) CategoryRate {
	return CategoryRate{Rate: CopyRate(c.Rate), Provenance: c.Provenance, UpdatedAt: cloneTime(c.UpdatedAt)}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Rate returns a pointer to v, for building known rates.
func Rate(v float64) *float64 {
	return &v
}

// CopyRate copies a nullable rate.
func CopyRate(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// NormalizeRate converts percentage-scale numbers (25) to fraction scale (0.25).
// Values at or below 1 are assumed to already be fractions.
func NormalizeRate(v float64) float64 {
	if v > 1 {
		return v / 100
	}
	return v
}

// ValidRate reports whether a fraction-scale rate is within [0, 1].
func ValidRate(v float64) bool {
	return v >= 0 && v <= 1
}

// NormalizeCode strips punctuation and whitespace from a classification code
// ("8542.31.00.50" -> "8542310050"). It returns "" when the result is not
// 6, 8, or 10 digits.
func NormalizeCode(code string) string {
	var sb strings.Builder
	for _, r := range code {
		switch {
		case unicode.IsDigit(r):
			sb.WriteRune(r)
		case r == '.' || r == ' ' || r == '-' || unicode.IsSpace(r):
		default:
			return ""
		}
	}
	out := sb.String()
	switch len(out) {
	case 6, 8, 10:
		return out
	default:
		return ""
	}
}

// NormalizeOrigin maps country names and aliases to ISO alpha-2 codes.
func NormalizeOrigin(origin string) string {
	o := strings.ToUpper(strings.TrimSpace(origin))
	switch o {
	case "CHINA", "PRC", "CHN", "PEOPLE'S REPUBLIC OF CHINA":
		return "CN"
	case "MEXICO", "MEX":
		return "MX"
	case "CANADA", "CAN":
		return "CA"
	case "UNITED STATES", "USA":
		return "US"
	default:
		return o
	}
}

// Section301Applies reports whether Section 301 duties can apply to goods of origin.
func Section301Applies(origin string) bool {
	return NormalizeOrigin(origin) == "CN"
}

// Section232Applies reports whether Section 232 duties can apply to a code.
// Steel (chapters 72, 73) and aluminum (chapter 76) only.
func Section232Applies(code string) bool {
	return strings.HasPrefix(code, "72") || strings.HasPrefix(code, "73") || strings.HasPrefix(code, "76")
}
