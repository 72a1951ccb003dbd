package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/db"
	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/resilience"
)

// migrationLockID serialises concurrent Migrate calls (overlapping deploys).
const migrationLockID = 4_231_900_301

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 1
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			pgxCfg.MaxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			pgxCfg.MinConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS tariff_rates (
	code                   TEXT PRIMARY KEY,
	mfn_rate               DOUBLE PRECISION,
	mfn_provenance         TEXT,
	mfn_updated_at         TIMESTAMPTZ,
	usmca_rate             DOUBLE PRECISION,
	usmca_provenance       TEXT,
	usmca_updated_at       TIMESTAMPTZ,
	section_301_rate       DOUBLE PRECISION,
	section_301_provenance TEXT,
	section_301_updated_at TIMESTAMPTZ,
	section_232_rate       DOUBLE PRECISION,
	section_232_provenance TEXT,
	section_232_updated_at TIMESTAMPTZ,
	provenance             TEXT NOT NULL DEFAULT 'UNKNOWN',
	confidence             TEXT NOT NULL DEFAULT 'LOW',
	effective_date         TIMESTAMPTZ,
	mfn_expires_at         TIMESTAMPTZ,
	notes                  TEXT NOT NULL DEFAULT '',
	created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT tariff_rates_mfn_range CHECK (mfn_rate IS NULL OR (mfn_rate >= 0 AND mfn_rate <= 1)),
	CONSTRAINT tariff_rates_301_range CHECK (section_301_rate IS NULL OR (section_301_rate >= 0 AND section_301_rate <= 1))
);

CREATE TABLE IF NOT EXISTS tariff_sync_runs (
	id              TEXT PRIMARY KEY,
	sync_type       TEXT NOT NULL,
	started_at      TIMESTAMPTZ NOT NULL,
	duration_ms     BIGINT NOT NULL DEFAULT 0,
	records_updated INTEGER NOT NULL DEFAULT 0,
	records_failed  INTEGER NOT NULL DEFAULT 0,
	status          TEXT NOT NULL,
	error_message   TEXT NOT NULL DEFAULT '',
	metadata        JSONB
);

CREATE INDEX IF NOT EXISTS idx_tariff_sync_runs_type_started ON tariff_sync_runs(sync_type, started_at DESC);

CREATE TABLE IF NOT EXISTS tariff_sync_failures (
	id          BIGSERIAL PRIMARY KEY,
	run_id      TEXT NOT NULL,
	sync_type   TEXT NOT NULL,
	item        TEXT NOT NULL,
	error_kind  TEXT NOT NULL,
	error       TEXT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_tariff_sync_failures_run ON tariff_sync_failures(run_id);

CREATE TABLE IF NOT EXISTS tariff_sync_locks (
	sync_type   TEXT PRIMARY KEY,
	holder      TEXT NOT NULL,
	acquired_at TIMESTAMPTZ NOT NULL,
	expires_at  TIMESTAMPTZ NOT NULL
);
`

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

// Migrate creates the tables under an advisory lock.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return eris.Wrap(err, "postgres: acquire migration lock")
	}
	defer func() {
		if _, err := s.pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID); err != nil {
			zap.L().Warn("postgres: release migration lock", zap.Error(err))
		}
	}()

	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func pgTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// Get returns the record for code, or nil when none exists.
func (s *PostgresStore) Get(ctx context.Context, code string) (*model.TariffRateRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM tariff_rates WHERE code = $1`, code)
	rec, err := scanPostgresRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get rate %s", code)
	}
	return rec, nil
}

func scanPostgresRecord(row scannable) (*model.TariffRateRecord, error) {
	rec := &model.TariffRateRecord{}
	var (
		rates [4]*float64
		provs [4]*string
		ats   [4]*time.Time
		prov  string
		conf  string
	)
	err := row.Scan(&rec.Code,
		&rates[0], &provs[0], &ats[0],
		&rates[1], &provs[1], &ats[1],
		&rates[2], &provs[2], &ats[2],
		&rates[3], &provs[3], &ats[3],
		&prov, &conf, &rec.EffectiveDate, &rec.MFNExpiresAt, &rec.Notes, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	for i, c := range model.Categories {
		setCategory(rec, c, rates[i], provs[i], ats[i])
	}
	rec.Provenance = model.ParseProvenance(prov)
	rec.Confidence = model.Confidence(conf)
	return rec, nil
}

// Upsert writes w as a single atomic statement.
func (s *PostgresStore) Upsert(ctx context.Context, w Write) error {
	query, args, err := upsertStatement(w, db.Dollar, pgTime)
	if err != nil {
		return resilience.Validation(err)
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return resilience.Persistence(eris.Wrapf(err, "postgres: upsert rate %s", w.Code))
	}
	return nil
}

// Ensure inserts empty records for codes that have none.
func (s *PostgresStore) Ensure(ctx context.Context, codes []string) (int, error) {
	created := 0
	now := time.Now().UTC()
	for _, code := range codes {
		tag, err := s.pool.Exec(ctx,
			`INSERT INTO tariff_rates (code, provenance, confidence, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $4) ON CONFLICT (code) DO NOTHING`,
			code, string(model.ProvenanceUnknown), string(model.ConfidenceLow), now,
		)
		if err != nil {
			return created, eris.Wrapf(err, "postgres: ensure rate %s", code)
		}
		created += int(tag.RowsAffected())
	}
	return created, nil
}

// ListCodes returns every code in the store, sorted.
func (s *PostgresStore) ListCodes(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT code FROM tariff_rates ORDER BY code`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list codes")
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, eris.Wrap(err, "postgres: scan code")
		}
		codes = append(codes, c)
	}
	return codes, eris.Wrap(rows.Err(), "postgres: iterate codes")
}

// ListCodesWithPrefix returns the stored codes extending prefix, sorted.
func (s *PostgresStore) ListCodesWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	if prefix == "" {
		return nil, eris.New("postgres: list codes: empty prefix")
	}
	rows, err := s.pool.Query(ctx, prefixQuery(db.Dollar), prefix, len(prefix))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list codes under %s", prefix)
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, eris.Wrap(err, "postgres: scan code")
		}
		codes = append(codes, c)
	}
	return codes, eris.Wrap(rows.Err(), "postgres: iterate codes")
}

// AppendRun inserts one sync run row. Rows are never updated.
func (s *PostgresStore) AppendRun(ctx context.Context, run model.SyncRun) error {
	var meta []byte
	if run.Metadata != nil {
		var err error
		if meta, err = json.Marshal(run.Metadata); err != nil {
			return eris.Wrap(err, "postgres: marshal run metadata")
		}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tariff_sync_runs (id, sync_type, started_at, duration_ms, records_updated, records_failed, status, error_message, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		run.ID, string(run.SyncType), run.StartedAt.UTC(), run.DurationMS,
		run.RecordsUpdated, run.RecordsFailed, string(run.Status), run.ErrorMessage, meta,
	)
	if err != nil {
		return resilience.Persistence(eris.Wrapf(err, "postgres: append sync run %s", run.ID))
	}
	return nil
}

// ListRuns returns sync runs, most recent first.
func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.SyncRun, error) {
	query := `SELECT id, sync_type, started_at, duration_ms, records_updated, records_failed, status, error_message, metadata
		FROM tariff_sync_runs WHERE true`
	var args []any
	if filter.SyncType != "" {
		args = append(args, string(filter.SyncType))
		query += fmt.Sprintf(` AND sync_type = $%d`, len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY started_at DESC LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sync runs")
	}
	defer rows.Close()

	var runs []model.SyncRun
	for rows.Next() {
		var r model.SyncRun
		var st, status string
		var meta []byte
		if err := rows.Scan(&r.ID, &st, &r.StartedAt, &r.DurationMS, &r.RecordsUpdated, &r.RecordsFailed, &status, &r.ErrorMessage, &meta); err != nil {
			return nil, eris.Wrap(err, "postgres: scan sync run")
		}
		r.SyncType = model.SyncType(st)
		r.Status = model.SyncStatus(status)
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &r.Metadata)
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: iterate sync runs")
}

// LastSuccess returns the start time of the latest SUCCESS run for st.
func (s *PostgresStore) LastSuccess(ctx context.Context, st model.SyncType) (*time.Time, error) {
	var t time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT started_at FROM tariff_sync_runs
		 WHERE sync_type = $1 AND status = $2
		 ORDER BY started_at DESC LIMIT 1`,
		string(st), string(model.SyncStatusSuccess),
	).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: last success for %s", st)
	}
	return &t, nil
}

// RecordFailure appends one entry to the failure ledger.
func (s *PostgresStore) RecordFailure(ctx context.Context, f model.SyncFailure) error {
	at := f.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tariff_sync_failures (run_id, sync_type, item, error_kind, error, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		f.RunID, string(f.SyncType), f.Item, f.ErrorKind, f.Error, at.UTC(),
	)
	if err != nil {
		return resilience.Persistence(eris.Wrapf(err, "postgres: record failure %s", f.Item))
	}
	return nil
}

// ListFailures returns the ledger entries for one run in insertion order.
func (s *PostgresStore) ListFailures(ctx context.Context, runID string) ([]model.SyncFailure, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, sync_type, item, error_kind, error, occurred_at
		 FROM tariff_sync_failures WHERE run_id = $1 ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list failures for %s", runID)
	}
	defer rows.Close()

	var out []model.SyncFailure
	for rows.Next() {
		var f model.SyncFailure
		var st string
		if err := rows.Scan(&f.RunID, &st, &f.Item, &f.ErrorKind, &f.Error, &f.OccurredAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan failure")
		}
		f.SyncType = model.SyncType(st)
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate failures")
}

// AcquireLock takes the lease for st when it is free or expired.
func (s *PostgresStore) AcquireLock(ctx context.Context, st model.SyncType, holder string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, lockStatement(db.Dollar), string(st), holder, now, now.Add(ttl))
	if err != nil {
		return false, eris.Wrapf(err, "postgres: acquire lock %s", st)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseLock drops the lease if holder still owns it.
func (s *PostgresStore) ReleaseLock(ctx context.Context, st model.SyncType, holder string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM tariff_sync_locks WHERE sync_type = $1 AND holder = $2`, string(st), holder)
	return eris.Wrapf(err, "postgres: release lock %s", st)
}

// LockHeld reports whether an unexpired lease exists for st.
func (s *PostgresStore) LockHeld(ctx context.Context, st model.SyncType) (bool, error) {
	var held bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM tariff_sync_locks WHERE sync_type = $1 AND expires_at > $2)`,
		string(st), time.Now().UTC(),
	).Scan(&held)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: lock held %s", st)
	}
	return held, nil
}
