// Package store persists tariff rate records, the sync run log, the per-item
// failure ledger, and sync run leases in Postgres or SQLite.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-cli/internal/db"
	"github.com/sells-group/tariff-cli/internal/model"
)

// CategoryWrite sets one rate category. A nil Rate writes NULL, which is only
// meaningful when clearing a value; writers normally supply a number.
type CategoryWrite struct {
	Category   model.Category
	Rate       *float64
	Provenance model.Provenance
}

// Write is a single-row upsert. Every category listed in Rates gets its rate,
// provenance, and updated_at written together; unlisted categories are untouched.
type Write struct {
	Code          string
	Rates         []CategoryWrite
	Provenance    model.Provenance
	Confidence    model.Confidence
	Notes         string
	EffectiveDate *time.Time // nil keeps the stored value
	MFNExpiresAt  *time.Time // nil keeps the stored value
	At            time.Time
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	SyncType model.SyncType
	Status   model.SyncStatus
	Limit    int
}

// RateStore is the keyed store of tariff rate records.
type RateStore interface {
	// Get returns nil, nil when the code has no record.
	Get(ctx context.Context, code string) (*model.TariffRateRecord, error)
	Upsert(ctx context.Context, w Write) error
	// Ensure creates empty records for codes that have none and returns how
	// many were created.
	Ensure(ctx context.Context, codes []string) (int, error)
	ListCodes(ctx context.Context) ([]string, error)
	// ListCodesWithPrefix returns the stored codes that start with prefix and
	// are longer than it, sorted.
	ListCodesWithPrefix(ctx context.Context, prefix string) ([]string, error)
}

// SyncLog is the append-only run log plus the per-item failure ledger.
type SyncLog interface {
	AppendRun(ctx context.Context, run model.SyncRun) error
	ListRuns(ctx context.Context, filter RunFilter) ([]model.SyncRun, error)
	// LastSuccess returns nil when the sync type has never succeeded.
	LastSuccess(ctx context.Context, st model.SyncType) (*time.Time, error)
	RecordFailure(ctx context.Context, f model.SyncFailure) error
	ListFailures(ctx context.Context, runID string) ([]model.SyncFailure, error)
}

// Locker grants at most one live lease per sync type. Leases expire so a
// crashed run does not block the next scheduled trigger forever.
type Locker interface {
	AcquireLock(ctx context.Context, st model.SyncType, holder string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, st model.SyncType, holder string) error
	LockHeld(ctx context.Context, st model.SyncType) (bool, error)
}

// Store is the full persistence surface.
type Store interface {
	RateStore
	SyncLog
	Locker
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

const ratesTable = "tariff_rates"

// categoryColumns maps a category to its rate, provenance, and updated_at columns.
func categoryColumns(c model.Category) (rate, prov, updated string) {
	p := string(c)
	return p + "_rate", p + "_provenance", p + "_updated_at"
}

// selectColumns is the column order scanned by scanRecord in both backends.
const selectColumns = `code,
	mfn_rate, mfn_provenance, mfn_updated_at,
	usmca_rate, usmca_provenance, usmca_updated_at,
	section_301_rate, section_301_provenance, section_301_updated_at,
	section_232_rate, section_232_provenance, section_232_updated_at,
	provenance, confidence, effective_date, mfn_expires_at, notes, created_at, updated_at`

// upsertStatement renders the SQL and argument list for w. encodeTime converts
// timestamps into the backend's storage form.
func upsertStatement(w Write, ph db.Placeholder, encodeTime func(*time.Time) any) (string, []any, error) {
	if w.Code == "" {
		return "", nil, eris.New("store: upsert: empty code")
	}
	at := w.At.UTC()
	if w.At.IsZero() {
		at = time.Now().UTC()
	}
	prov := w.Provenance
	if prov == "" {
		prov = model.ProvenanceUnknown
	}

	cols := []string{"code"}
	args := []any{w.Code}
	seen := make(map[model.Category]bool, len(w.Rates))
	for _, cw := range w.Rates {
		if seen[cw.Category] {
			return "", nil, eris.Errorf("store: upsert: category %s written twice", cw.Category)
		}
		seen[cw.Category] = true
		rc, pc, uc := categoryColumns(cw.Category)
		cp := cw.Provenance
		if cp == "" {
			cp = prov
		}
		cols = append(cols, rc, pc, uc)
		args = append(args, cw.Rate, string(cp), encodeTime(&at))
	}

	cols = append(cols, "provenance", "confidence", "notes", "effective_date", "mfn_expires_at", "created_at", "updated_at")
	args = append(args, string(prov), string(w.Confidence), w.Notes,
		encodeTime(w.EffectiveDate), encodeTime(w.MFNExpiresAt), encodeTime(&at), encodeTime(&at))

	update := make([]string, 0, len(cols))
	for _, c := range cols {
		if c != "code" && c != "created_at" {
			update = append(update, c)
		}
	}

	query, err := db.UpsertSQL(db.UpsertConfig{
		Table:        ratesTable,
		Columns:      cols,
		ConflictKeys: []string{"code"},
		UpdateCols:   update,
		KeepCols:     []string{"effective_date", "mfn_expires_at"},
	}, ph)
	if err != nil {
		return "", nil, err
	}
	return query, args, nil
}

// prefixQuery selects codes extending a prefix. substr keeps the match literal
// in both backends.
func prefixQuery(ph db.Placeholder) string {
	return `SELECT code FROM tariff_rates
		WHERE substr(code, 1, ` + ph(2) + `) = ` + ph(1) + ` AND length(code) > ` + ph(2) + `
		ORDER BY code`
}

// lockStatement takes over an existing lease row only when it has expired.
func lockStatement(ph db.Placeholder) string {
	return `INSERT INTO tariff_sync_locks (sync_type, holder, acquired_at, expires_at)
		VALUES (` + ph(1) + `, ` + ph(2) + `, ` + ph(3) + `, ` + ph(4) + `)
		ON CONFLICT (sync_type) DO UPDATE SET
			holder = EXCLUDED.holder,
			acquired_at = EXCLUDED.acquired_at,
			expires_at = EXCLUDED.expires_at
		WHERE tariff_sync_locks.expires_at <= EXCLUDED.acquired_at`
}

type scannable interface {
	Scan(dest ...any) error
}

func setCategory(rec *model.TariffRateRecord, c model.Category, rate *float64, prov *string, at *time.Time) {
	cr := model.CategoryRate{Rate: rate, Provenance: model.ProvenanceUnknown, UpdatedAt: at}
	if prov != nil {
		cr.Provenance = model.ParseProvenance(*prov)
	}
	switch c {
	case model.CategoryMFN:
		rec.MFN = cr
	case model.CategoryUSMCA:
		rec.USMCA = cr
	case model.CategorySection301:
		rec.Section301 = cr
	case model.CategorySection232:
		rec.Section232 = cr
	}
}
