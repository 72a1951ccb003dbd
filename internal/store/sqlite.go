package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/tariff-cli/internal/db"
	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/resilience"
)

// sqliteTimeFormat is fixed-width UTC so stored timestamps compare correctly
// as text in lease expiry checks and ORDER BY.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: conn}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS tariff_rates (
	code                   TEXT PRIMARY KEY,
	mfn_rate               REAL,
	mfn_provenance         TEXT,
	mfn_updated_at         TEXT,
	usmca_rate             REAL,
	usmca_provenance       TEXT,
	usmca_updated_at       TEXT,
	section_301_rate       REAL,
	section_301_provenance TEXT,
	section_301_updated_at TEXT,
	section_232_rate       REAL,
	section_232_provenance TEXT,
	section_232_updated_at TEXT,
	provenance             TEXT NOT NULL DEFAULT 'UNKNOWN',
	confidence             TEXT NOT NULL DEFAULT 'LOW',
	effective_date         TEXT,
	mfn_expires_at         TEXT,
	notes                  TEXT NOT NULL DEFAULT '',
	created_at             TEXT NOT NULL,
	updated_at             TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tariff_sync_runs (
	id              TEXT PRIMARY KEY,
	sync_type       TEXT NOT NULL,
	started_at      TEXT NOT NULL,
	duration_ms     INTEGER NOT NULL DEFAULT 0,
	records_updated INTEGER NOT NULL DEFAULT 0,
	records_failed  INTEGER NOT NULL DEFAULT 0,
	status          TEXT NOT NULL,
	error_message   TEXT NOT NULL DEFAULT '',
	metadata        TEXT
);

CREATE INDEX IF NOT EXISTS idx_tariff_sync_runs_type_started ON tariff_sync_runs(sync_type, started_at);

CREATE TABLE IF NOT EXISTS tariff_sync_failures (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT NOT NULL,
	sync_type   TEXT NOT NULL,
	item        TEXT NOT NULL,
	error_kind  TEXT NOT NULL,
	error       TEXT NOT NULL,
	occurred_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tariff_sync_failures_run ON tariff_sync_failures(run_id);

CREATE TABLE IF NOT EXISTS tariff_sync_locks (
	sync_type   TEXT PRIMARY KEY,
	holder      TEXT NOT NULL,
	acquired_at TEXT NOT NULL,
	expires_at  TEXT NOT NULL
);
`

// Ping checks the database handle.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

// Migrate creates the tables.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func sqliteTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(sqliteTimeFormat)
}

func parseSQLiteTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(sqliteTimeFormat, ns.String)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: parse time %q", ns.String)
	}
	return &t, nil
}

// Get returns the record for code, or nil when none exists.
func (s *SQLiteStore) Get(ctx context.Context, code string) (*model.TariffRateRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM tariff_rates WHERE code = ?`, code)
	rec, err := scanSQLiteRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get rate %s", code)
	}
	return rec, nil
}

func scanSQLiteRecord(row scannable) (*model.TariffRateRecord, error) {
	rec := &model.TariffRateRecord{}
	var (
		rates            [4]sql.NullFloat64
		provs            [4]sql.NullString
		ats              [4]sql.NullString
		prov, conf       string
		effective, mfnEx sql.NullString
		created, updated sql.NullString
	)
	err := row.Scan(&rec.Code,
		&rates[0], &provs[0], &ats[0],
		&rates[1], &provs[1], &ats[1],
		&rates[2], &provs[2], &ats[2],
		&rates[3], &provs[3], &ats[3],
		&prov, &conf, &effective, &mfnEx, &rec.Notes, &created, &updated,
	)
	if err != nil {
		return nil, err
	}

	for i, c := range model.Categories {
		var rate *float64
		if rates[i].Valid {
			rate = model.Rate(rates[i].Float64)
		}
		var p *string
		if provs[i].Valid {
			p = &provs[i].String
		}
		at, err := parseSQLiteTime(ats[i])
		if err != nil {
			return nil, err
		}
		setCategory(rec, c, rate, p, at)
	}
	rec.Provenance = model.ParseProvenance(prov)
	rec.Confidence = model.Confidence(conf)

	if rec.EffectiveDate, err = parseSQLiteTime(effective); err != nil {
		return nil, err
	}
	if rec.MFNExpiresAt, err = parseSQLiteTime(mfnEx); err != nil {
		return nil, err
	}
	for dst, src := range map[*time.Time]sql.NullString{&rec.CreatedAt: created, &rec.UpdatedAt: updated} {
		t, err := parseSQLiteTime(src)
		if err != nil {
			return nil, err
		}
		if t != nil {
			*dst = *t
		}
	}
	return rec, nil
}

// Upsert writes w as a single atomic statement.
func (s *SQLiteStore) Upsert(ctx context.Context, w Write) error {
	query, args, err := upsertStatement(w, db.Question, sqliteTime)
	if err != nil {
		return resilience.Validation(err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return resilience.Persistence(eris.Wrapf(err, "sqlite: upsert rate %s", w.Code))
	}
	return nil
}

// Ensure inserts empty records for codes that have none.
func (s *SQLiteStore) Ensure(ctx context.Context, codes []string) (int, error) {
	now := time.Now()
	created := 0
	for _, code := range codes {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO tariff_rates (code, provenance, confidence, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?) ON CONFLICT (code) DO NOTHING`,
			code, string(model.ProvenanceUnknown), string(model.ConfidenceLow), sqliteTime(&now), sqliteTime(&now),
		)
		if err != nil {
			return created, eris.Wrapf(err, "sqlite: ensure rate %s", code)
		}
		n, _ := res.RowsAffected()
		created += int(n)
	}
	return created, nil
}

// ListCodes returns every code in the store, sorted.
func (s *SQLiteStore) ListCodes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT code FROM tariff_rates ORDER BY code`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list codes")
	}
	defer rows.Close() //nolint:errcheck

	var codes []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan code")
		}
		codes = append(codes, c)
	}
	return codes, eris.Wrap(rows.Err(), "sqlite: iterate codes")
}

// ListCodesWithPrefix returns the stored codes extending prefix, sorted.
func (s *SQLiteStore) ListCodesWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	if prefix == "" {
		return nil, eris.New("sqlite: list codes: empty prefix")
	}
	rows, err := s.db.QueryContext(ctx, prefixQuery(db.Question), prefix, len(prefix))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list codes under %s", prefix)
	}
	defer rows.Close() //nolint:errcheck

	var codes []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan code")
		}
		codes = append(codes, c)
	}
	return codes, eris.Wrap(rows.Err(), "sqlite: iterate codes")
}

// AppendRun inserts one sync run row.
func (s *SQLiteStore) AppendRun(ctx context.Context, run model.SyncRun) error {
	var meta any
	if run.Metadata != nil {
		b, err := json.Marshal(run.Metadata)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal run metadata")
		}
		meta = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tariff_sync_runs (id, sync_type, started_at, duration_ms, records_updated, records_failed, status, error_message, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.SyncType), sqliteTime(&run.StartedAt), run.DurationMS,
		run.RecordsUpdated, run.RecordsFailed, string(run.Status), run.ErrorMessage, meta,
	)
	if err != nil {
		return resilience.Persistence(eris.Wrapf(err, "sqlite: append sync run %s", run.ID))
	}
	return nil
}

// ListRuns returns sync runs, most recent first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.SyncRun, error) {
	query := `SELECT id, sync_type, started_at, duration_ms, records_updated, records_failed, status, error_message, metadata
		FROM tariff_sync_runs WHERE 1=1`
	var args []any
	if filter.SyncType != "" {
		query += ` AND sync_type = ?`
		args = append(args, string(filter.SyncType))
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sync runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.SyncRun
	for rows.Next() {
		var r model.SyncRun
		var st, status string
		var started, meta sql.NullString
		if err := rows.Scan(&r.ID, &st, &started, &r.DurationMS, &r.RecordsUpdated, &r.RecordsFailed, &status, &r.ErrorMessage, &meta); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan sync run")
		}
		t, err := parseSQLiteTime(started)
		if err != nil {
			return nil, err
		}
		if t != nil {
			r.StartedAt = *t
		}
		r.SyncType = model.SyncType(st)
		r.Status = model.SyncStatus(status)
		if meta.Valid {
			_ = json.Unmarshal([]byte(meta.String), &r.Metadata)
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: iterate sync runs")
}

// LastSuccess returns the start time of the latest SUCCESS run for st.
func (s *SQLiteStore) LastSuccess(ctx context.Context, st model.SyncType) (*time.Time, error) {
	var started sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT started_at FROM tariff_sync_runs
		 WHERE sync_type = ? AND status = ?
		 ORDER BY started_at DESC LIMIT 1`,
		string(st), string(model.SyncStatusSuccess),
	).Scan(&started)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: last success for %s", st)
	}
	return parseSQLiteTime(started)
}

// RecordFailure appends one entry to the failure ledger.
func (s *SQLiteStore) RecordFailure(ctx context.Context, f model.SyncFailure) error {
	at := f.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tariff_sync_failures (run_id, sync_type, item, error_kind, error, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		f.RunID, string(f.SyncType), f.Item, f.ErrorKind, f.Error, sqliteTime(&at),
	)
	if err != nil {
		return resilience.Persistence(eris.Wrapf(err, "sqlite: record failure %s", f.Item))
	}
	return nil
}

// ListFailures returns the ledger entries for one run in insertion order.
func (s *SQLiteStore) ListFailures(ctx context.Context, runID string) ([]model.SyncFailure, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, sync_type, item, error_kind, error, occurred_at
		 FROM tariff_sync_failures WHERE run_id = ? ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list failures for %s", runID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.SyncFailure
	for rows.Next() {
		var f model.SyncFailure
		var st string
		var at sql.NullString
		if err := rows.Scan(&f.RunID, &st, &f.Item, &f.ErrorKind, &f.Error, &at); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan failure")
		}
		t, err := parseSQLiteTime(at)
		if err != nil {
			return nil, err
		}
		if t != nil {
			f.OccurredAt = *t
		}
		f.SyncType = model.SyncType(st)
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate failures")
}

// AcquireLock takes the lease for st when it is free or expired.
func (s *SQLiteStore) AcquireLock(ctx context.Context, st model.SyncType, holder string, ttl time.Duration) (bool, error) {
	now := time.Now()
	exp := now.Add(ttl)
	res, err := s.db.ExecContext(ctx, lockStatement(db.Question), string(st), holder, sqliteTime(&now), sqliteTime(&exp))
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: acquire lock %s", st)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

// ReleaseLock drops the lease if holder still owns it.
func (s *SQLiteStore) ReleaseLock(ctx context.Context, st model.SyncType, holder string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tariff_sync_locks WHERE sync_type = ? AND holder = ?`, string(st), holder)
	return eris.Wrapf(err, "sqlite: release lock %s", st)
}

// LockHeld reports whether an unexpired lease exists for st.
func (s *SQLiteStore) LockHeld(ctx context.Context, st model.SyncType) (bool, error) {
	now := time.Now()
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tariff_sync_locks WHERE sync_type = ? AND expires_at > ?`,
		string(st), sqliteTime(&now),
	).Scan(&n)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: lock held %s", st)
	}
	return n > 0, nil
}
