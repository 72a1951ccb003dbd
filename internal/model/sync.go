package model

import "time"

// SyncType names a scheduled sync job.
type SyncType string

const (
	SyncTypeMFN        SyncType = "mfn"
	SyncTypeSection301 SyncType = "section_301"
)

// ParseSyncType maps an external name ("mfn", "section301", "section_301") to a SyncType.
func ParseSyncType(s string) (SyncType, bool) {
	switch s {
	case "mfn":
		return SyncTypeMFN, true
	case "section301", "section_301", "301":
		return SyncTypeSection301, true
	default:
		return "", false
	}
}

// SyncStatus is the outcome of a sync run.
type SyncStatus string

const (
	SyncStatusSuccess SyncStatus = "SUCCESS"
	SyncStatusPartial SyncStatus = "PARTIAL"
	SyncStatusFailed  SyncStatus = "FAILED"
)

// SyncRun is one append-only row of the sync run log.
type SyncRun struct {
	ID             string         `json:"id"`
	SyncType       SyncType       `json:"sync_type"`
	StartedAt      time.Time      `json:"started_at"`
	DurationMS     int64          `json:"duration_ms"`
	RecordsUpdated int            `json:"records_updated"`
	RecordsFailed  int            `json:"records_failed"`
	Status         SyncStatus     `json:"status"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// SyncFailure records a single item that failed during a sync run, with
// enough context to retry it on its own.
type SyncFailure struct {
	RunID      string    `json:"run_id"`
	SyncType   SyncType  `json:"sync_type"`
	Item       string    `json:"item"`
	ErrorKind  string    `json:"error_kind"`
	Error      string    `json:"error"`
	OccurredAt time.Time `json:"occurred_at"`
}

// FreshnessStatus is the cache decision for one category.
type FreshnessStatus string

const (
	FreshnessHit     FreshnessStatus = "HIT"
	FreshnessStale   FreshnessStatus = "STALE"
	FreshnessMissing FreshnessStatus = "MISSING"
)

// FreshnessIndicator is the read-only per-code projection consumed by UIs.
// Category ages are nil when the category has never been written.
type FreshnessIndicator struct {
	Code         string                       `json:"code"`
	IsFresh      bool                         `json:"is_fresh"`
	AgeHours     *float64                     `json:"age_hours"`
	CategoryAges map[Category]*float64        `json:"category_ages"`
	Statuses     map[Category]FreshnessStatus `json:"statuses"`
	Confidence   Confidence                   `json:"confidence"`
}
