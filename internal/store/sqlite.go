package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/visibility-engine/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Timestamps are
// stored as unix milliseconds so range comparisons stay numeric.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// A single writer keeps conditional updates serialized.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS visibility_units (
	id                    TEXT PRIMARY KEY,
	batch_id              TEXT NOT NULL,
	brand_id              TEXT NOT NULL,
	brand                 TEXT NOT NULL,
	provider              TEXT NOT NULL,
	question_id           TEXT NOT NULL,
	question_text         TEXT NOT NULL,
	mode                  TEXT NOT NULL,
	runs                  INTEGER NOT NULL DEFAULT 1,
	priority              INTEGER NOT NULL DEFAULT 50,
	detect_hallucinations INTEGER NOT NULL DEFAULT 0,
	status                TEXT NOT NULL,
	created_at            INTEGER NOT NULL,
	updated_at            INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_units_batch ON visibility_units(batch_id);
CREATE INDEX IF NOT EXISTS idx_units_key ON visibility_units(provider, question_id, brand_id, created_at);
CREATE INDEX IF NOT EXISTS idx_units_status ON visibility_units(status, created_at);

CREATE TABLE IF NOT EXISTS acquisition_jobs (
	id                TEXT PRIMARY KEY,
	batch_id          TEXT NOT NULL,
	unit_id           TEXT NOT NULL REFERENCES visibility_units(id),
	provider          TEXT NOT NULL,
	question_id       TEXT NOT NULL,
	question_text     TEXT NOT NULL,
	run_index         INTEGER NOT NULL DEFAULT 0,
	brand             TEXT NOT NULL,
	priority          INTEGER NOT NULL DEFAULT 50,
	earliest_start_at INTEGER NOT NULL,
	status            TEXT NOT NULL DEFAULT 'pending',
	claimed_by        TEXT,
	claimed_at        INTEGER,
	attempt_count     INTEGER NOT NULL DEFAULT 0,
	max_attempts      INTEGER NOT NULL DEFAULT 3,
	next_retry_at     INTEGER,
	last_error        TEXT,
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL,
	completed_at      INTEGER
);

CREATE INDEX IF NOT EXISTS idx_jobs_claimable ON acquisition_jobs(status, priority DESC, earliest_start_at);
CREATE INDEX IF NOT EXISTS idx_jobs_batch ON acquisition_jobs(batch_id, status);
CREATE INDEX IF NOT EXISTS idx_jobs_unit ON acquisition_jobs(unit_id);

CREATE TABLE IF NOT EXISTS engine_rate_limits (
	provider            TEXT PRIMARY KEY,
	consecutive_errors  INTEGER NOT NULL DEFAULT 0,
	cooldown_until      INTEGER,
	error_backoff_until INTEGER,
	last_request_at     INTEGER,
	updated_at          INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS worker_heartbeats (
	worker_id         TEXT PRIMARY KEY,
	status            TEXT NOT NULL,
	browser_connected INTEGER NOT NULL DEFAULT 0,
	engines_ready     TEXT NOT NULL DEFAULT '[]',
	jobs_processed    INTEGER NOT NULL DEFAULT 0,
	jobs_failed       INTEGER NOT NULL DEFAULT 0,
	version           TEXT,
	last_seen_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS trial_results (
	id          TEXT PRIMARY KEY,
	unit_id     TEXT NOT NULL,
	job_id      TEXT,
	provider    TEXT NOT NULL,
	mode        TEXT NOT NULL,
	run_index   INTEGER NOT NULL DEFAULT 0,
	answer_text TEXT NOT NULL DEFAULT '',
	answer_html TEXT NOT NULL DEFAULT '',
	sources     TEXT NOT NULL DEFAULT '[]',
	started_at  INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	success     INTEGER NOT NULL,
	error       TEXT,
	cost_usd    REAL NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_trials_unit ON trial_results(unit_id, run_index);

CREATE TABLE IF NOT EXISTS ensemble_verdicts (
	unit_id     TEXT PRIMARY KEY,
	verdict     TEXT NOT NULL,
	computed_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS hallucination_results (
	id         TEXT PRIMARY KEY,
	unit_id    TEXT NOT NULL,
	result     TEXT NOT NULL,
	checked_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_hallucinations_unit ON hallucination_results(unit_id);

CREATE TABLE IF NOT EXISTS ground_truth (
	brand_id     TEXT PRIMARY KEY,
	fact_set     TEXT NOT NULL,
	extracted_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS browser_sessions (
	provider   TEXT NOT NULL,
	user_id    TEXT NOT NULL DEFAULT '',
	state      TEXT NOT NULL,
	saved_at   INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	PRIMARY KEY (provider, user_id)
);
`

// Ping checks connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

// Migrate creates tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Jobs ---

// InsertJobs writes new jobs in one transaction.
func (s *SQLiteStore) InsertJobs(ctx context.Context, jobs []model.AcquisitionJob) error {
	if len(jobs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin insert jobs")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, j := range jobs {
		brand, err := json.Marshal(j.Brand)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal brand")
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO acquisition_jobs (id, batch_id, unit_id, provider, question_id, question_text, run_index,
				brand, priority, earliest_start_at, status, attempt_count, max_attempts, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			j.ID, j.BatchID, j.UnitID, string(j.Provider), j.QuestionID, j.QuestionText, j.RunIndex,
			string(brand), j.Priority, ms(j.EarliestStartAt), string(j.Status), j.AttemptCount, j.MaxAttempts,
			ms(j.CreatedAt), ms(j.UpdatedAt),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert job %s", j.ID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit insert jobs")
}

// SelectClaimable returns due pending jobs by priority then scheduled time.
func (s *SQLiteStore) SelectClaimable(ctx context.Context, f ClaimFilter) ([]model.AcquisitionJob, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 10
	}
	query := `SELECT ` + jobColumns + ` FROM acquisition_jobs WHERE status = 'pending' AND earliest_start_at <= ?`
	args := []any{ms(f.Now)}
	if len(f.Providers) > 0 {
		in, inArgs := inClause(providerStrings(f.Providers))
		query += ` AND provider IN ` + in
		args = append(args, inArgs...)
	}
	query += ` ORDER BY priority DESC, earliest_start_at ASC, created_at ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: select claimable")
	}
	defer rows.Close() //nolint:errcheck
	return sqliteCollectJobs(rows)
}

// ClaimJob moves a due pending job to claimed. A lost race returns false.
func (s *SQLiteStore) ClaimJob(ctx context.Context, id, workerID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE acquisition_jobs SET status = 'claimed', claimed_by = ?, claimed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending' AND earliest_start_at <= ?`,
		workerID, ms(now), ms(now), id, ms(now),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: claim job %s", id)
	}
	return changedOne(res)
}

// GetJob returns a job or nil.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.AcquisitionJob, error) {
	j, err := sqliteScanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM acquisition_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get job %s", id)
	}
	return j, nil
}

// ListUnitJobs returns a unit's jobs in run order.
func (s *SQLiteStore) ListUnitJobs(ctx context.Context, unitID string) ([]model.AcquisitionJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM acquisition_jobs WHERE unit_id = ? ORDER BY run_index`, unitID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list unit jobs %s", unitID)
	}
	defer rows.Close() //nolint:errcheck
	return sqliteCollectJobs(rows)
}

// CompleteJob moves a claimed job to completed. A non-empty workerID must
// match the claim holder.
func (s *SQLiteStore) CompleteJob(ctx context.Context, id, workerID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE acquisition_jobs SET status = 'completed', completed_at = ?, updated_at = ?, last_error = NULL
		WHERE id = ? AND status = 'claimed' AND (? = '' OR claimed_by = ?)`,
		ms(now), ms(now), id, workerID, workerID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: complete job %s", id)
	}
	return changedOne(res)
}

// RescheduleJob returns a claimed job to pending with a retry time.
func (s *SQLiteStore) RescheduleJob(ctx context.Context, id, workerID string, attempts int, retryAt time.Time, lastErr string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE acquisition_jobs
		SET status = 'pending', claimed_by = NULL, claimed_at = NULL, attempt_count = ?,
			next_retry_at = ?, earliest_start_at = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = 'claimed' AND (? = '' OR claimed_by = ?)`,
		attempts, ms(retryAt), ms(retryAt), lastErr, ms(now), id, workerID, workerID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: reschedule job %s", id)
	}
	return changedOne(res)
}

// FailJob moves a claimed job to the terminal failed state.
func (s *SQLiteStore) FailJob(ctx context.Context, id, workerID string, attempts int, lastErr string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE acquisition_jobs SET status = 'failed', attempt_count = ?, last_error = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'claimed' AND (? = '' OR claimed_by = ?)`,
		attempts, lastErr, ms(now), ms(now), id, workerID, workerID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: fail job %s", id)
	}
	return changedOne(res)
}

// CancelUnitJobs cancels a unit's unclaimed jobs.
func (s *SQLiteStore) CancelUnitJobs(ctx context.Context, unitID string, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE acquisition_jobs SET status = 'cancelled', completed_at = ?, updated_at = ?
		WHERE unit_id = ? AND status = 'pending'`,
		ms(now), ms(now), unitID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: cancel unit jobs %s", unitID)
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: rows affected")
}

// CancelPendingJobs cancels a batch's unclaimed jobs.
func (s *SQLiteStore) CancelPendingJobs(ctx context.Context, batchID string, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE acquisition_jobs SET status = 'cancelled', completed_at = ?, updated_at = ?
		WHERE batch_id = ? AND status = 'pending'`,
		ms(now), ms(now), batchID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: cancel batch %s", batchID)
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: rows affected")
}

// CountJobs tallies a batch's jobs by status.
func (s *SQLiteStore) CountJobs(ctx context.Context, batchID string) (model.JobCounts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, count(*) FROM acquisition_jobs WHERE batch_id = ? GROUP BY status`, batchID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: count jobs %s", batchID)
	}
	defer rows.Close() //nolint:errcheck

	counts := model.JobCounts{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job count")
		}
		counts[model.JobStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: iterate job counts")
}

// ReleaseStaleClaims returns long-held claims to pending without spending an attempt.
func (s *SQLiteStore) ReleaseStaleClaims(ctx context.Context, claimedBefore, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE acquisition_jobs
		SET status = 'pending', claimed_by = NULL, claimed_at = NULL, last_error = 'claim lease expired', updated_at = ?
		WHERE status = 'claimed' AND claimed_at < ?`,
		ms(now), ms(claimedBefore),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: release stale claims")
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: rows affected")
}

// QueueStats summarizes queue health.
func (s *SQLiteStore) QueueStats(ctx context.Context, since, staleBefore time.Time) (QueueStats, error) {
	var st QueueStats
	err := s.db.QueryRowContext(ctx,
		`SELECT
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'claimed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'claimed' AND claimed_at < ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'completed' AND completed_at >= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' AND completed_at >= ? THEN 1 ELSE 0 END), 0)
		FROM acquisition_jobs`,
		ms(staleBefore), ms(since), ms(since),
	).Scan(&st.Pending, &st.Claimed, &st.StaleClaims, &st.CompletedRecent, &st.FailedRecent)
	if err != nil {
		return st, eris.Wrap(err, "sqlite: queue stats")
	}
	return st, nil
}

func sqliteScanJob(row scannable) (*model.AcquisitionJob, error) {
	var j model.AcquisitionJob
	var provider, status, brand string
	var earliest, created, updated int64
	var claimedAt, nextRetry, completedAt sql.NullInt64
	err := row.Scan(&j.ID, &j.BatchID, &j.UnitID, &provider, &j.QuestionID, &j.QuestionText, &j.RunIndex,
		&brand, &j.Priority, &earliest, &status, &j.ClaimedBy, &claimedAt, &j.AttemptCount,
		&j.MaxAttempts, &nextRetry, &j.LastError, &created, &updated, &completedAt)
	if err != nil {
		return nil, err
	}
	j.Provider = model.Provider(provider)
	j.Status = model.JobStatus(status)
	j.EarliestStartAt = fromMs(earliest)
	j.ClaimedAt = fromNullMs(claimedAt)
	j.NextRetryAt = fromNullMs(nextRetry)
	j.CreatedAt = fromMs(created)
	j.UpdatedAt = fromMs(updated)
	j.CompletedAt = fromNullMs(completedAt)
	if err := json.Unmarshal([]byte(brand), &j.Brand); err != nil {
		return nil, eris.Wrap(err, "unmarshal brand")
	}
	return &j, nil
}

func sqliteCollectJobs(rows *sql.Rows) ([]model.AcquisitionJob, error) {
	var jobs []model.AcquisitionJob
	for rows.Next() {
		j, err := sqliteScanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: iterate jobs")
}

// --- Units ---

// InsertUnits writes new units in one transaction.
func (s *SQLiteStore) InsertUnits(ctx context.Context, units []model.VisibilityUnit) error {
	if len(units) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin insert units")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, u := range units {
		brand, err := json.Marshal(u.Brand)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal brand")
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO visibility_units (id, batch_id, brand_id, brand, provider, question_id, question_text,
				mode, runs, priority, detect_hallucinations, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			u.ID, u.BatchID, u.Brand.ID, string(brand), string(u.Provider), u.QuestionID, u.QuestionText,
			string(u.Mode), u.Runs, u.Priority, u.DetectHallucinations, string(u.Status), ms(u.CreatedAt), ms(u.UpdatedAt),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert unit %s", u.ID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit insert units")
}

// GetUnit returns a unit or nil.
func (s *SQLiteStore) GetUnit(ctx context.Context, id string) (*model.VisibilityUnit, error) {
	u, err := sqliteScanUnit(s.db.QueryRowContext(ctx, `SELECT `+unitColumns+` FROM visibility_units WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get unit %s", id)
	}
	return u, nil
}

// LatestUnit returns the most recent unit for key, or nil.
func (s *SQLiteStore) LatestUnit(ctx context.Context, key UnitKey) (*model.VisibilityUnit, error) {
	u, err := sqliteScanUnit(s.db.QueryRowContext(ctx,
		`SELECT `+unitColumns+` FROM visibility_units
		WHERE provider = ? AND question_id = ? AND brand_id = ?
		ORDER BY created_at DESC LIMIT 1`,
		string(key.Provider), key.QuestionID, key.BrandID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: latest unit")
	}
	return u, nil
}

// ListBatchUnits returns a batch's units.
func (s *SQLiteStore) ListBatchUnits(ctx context.Context, batchID string) ([]model.VisibilityUnit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+unitColumns+` FROM visibility_units WHERE batch_id = ? ORDER BY created_at, id`, batchID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list units %s", batchID)
	}
	defer rows.Close() //nolint:errcheck
	return sqliteCollectUnits(rows)
}

// ListAwaitingUnits is the flat scan used when the job table is unavailable.
func (s *SQLiteStore) ListAwaitingUnits(ctx context.Context, providers []model.Provider, limit int) ([]model.VisibilityUnit, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `SELECT ` + unitColumns + ` FROM visibility_units WHERE status = 'awaiting_acquisition'`
	var args []any
	if len(providers) > 0 {
		in, inArgs := inClause(providerStrings(providers))
		query += ` AND provider IN ` + in
		args = append(args, inArgs...)
	}
	query += ` ORDER BY created_at LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list awaiting units")
	}
	defer rows.Close() //nolint:errcheck
	return sqliteCollectUnits(rows)
}

// SetUnitStatus updates a unit's status.
func (s *SQLiteStore) SetUnitStatus(ctx context.Context, id string, status model.UnitStatus, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE visibility_units SET status = ?, updated_at = ? WHERE id = ?`, string(status), ms(now), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set unit status %s", id)
	}
	return checkRowsAffected(res, "unit", id)
}

// CancelAwaitingUnits cancels a batch's units that have not started.
func (s *SQLiteStore) CancelAwaitingUnits(ctx context.Context, batchID string, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE visibility_units SET status = 'cancelled', updated_at = ?
		WHERE batch_id = ? AND status = 'awaiting_acquisition'`,
		ms(now), batchID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: cancel units %s", batchID)
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: rows affected")
}

func sqliteScanUnit(row scannable) (*model.VisibilityUnit, error) {
	var u model.VisibilityUnit
	var brand, provider, mode, status string
	var created, updated int64
	err := row.Scan(&u.ID, &u.BatchID, &brand, &provider, &u.QuestionID, &u.QuestionText, &mode, &u.Runs,
		&u.Priority, &u.DetectHallucinations, &status, &created, &updated)
	if err != nil {
		return nil, err
	}
	u.Provider = model.Provider(provider)
	u.Mode = model.AcquisitionMode(mode)
	u.Status = model.UnitStatus(status)
	u.CreatedAt = fromMs(created)
	u.UpdatedAt = fromMs(updated)
	if err := json.Unmarshal([]byte(brand), &u.Brand); err != nil {
		return nil, eris.Wrap(err, "unmarshal brand")
	}
	return &u, nil
}

func sqliteCollectUnits(rows *sql.Rows) ([]model.VisibilityUnit, error) {
	var units []model.VisibilityUnit
	for rows.Next() {
		u, err := sqliteScanUnit(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan unit")
		}
		units = append(units, *u)
	}
	return units, eris.Wrap(rows.Err(), "sqlite: iterate units")
}

// --- Ledger ---

const rateLimitColumns = `provider, consecutive_errors, cooldown_until, error_backoff_until, last_request_at, updated_at`

func sqliteScanRateLimit(row scannable) (*model.EngineRateLimitState, error) {
	var st model.EngineRateLimitState
	var provider string
	var cooldown, backoff, last sql.NullInt64
	var updated int64
	if err := row.Scan(&provider, &st.ConsecutiveErrors, &cooldown, &backoff, &last, &updated); err != nil {
		return nil, err
	}
	st.Provider = model.Provider(provider)
	st.CooldownUntil = fromNullMs(cooldown)
	st.ErrorBackoffUntil = fromNullMs(backoff)
	st.LastRequestAt = fromNullMs(last)
	st.UpdatedAt = fromMs(updated)
	return &st, nil
}

// GetRateLimit returns a provider's state or nil.
func (s *SQLiteStore) GetRateLimit(ctx context.Context, p model.Provider) (*model.EngineRateLimitState, error) {
	st, err := sqliteScanRateLimit(s.db.QueryRowContext(ctx,
		`SELECT `+rateLimitColumns+` FROM engine_rate_limits WHERE provider = ?`, string(p)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get rate limit %s", p)
	}
	return st, nil
}

// ListRateLimits returns every provider's state.
func (s *SQLiteStore) ListRateLimits(ctx context.Context) ([]model.EngineRateLimitState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+rateLimitColumns+` FROM engine_rate_limits ORDER BY provider`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list rate limits")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.EngineRateLimitState
	for rows.Next() {
		st, err := sqliteScanRateLimit(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan rate limit")
		}
		out = append(out, *st)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate rate limits")
}

// UpsertRateLimit writes a provider's state as a single-row upsert.
func (s *SQLiteStore) UpsertRateLimit(ctx context.Context, st model.EngineRateLimitState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO engine_rate_limits (`+rateLimitColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider) DO UPDATE SET
			consecutive_errors = excluded.consecutive_errors,
			cooldown_until = excluded.cooldown_until,
			error_backoff_until = excluded.error_backoff_until,
			last_request_at = excluded.last_request_at,
			updated_at = excluded.updated_at`,
		string(st.Provider), st.ConsecutiveErrors, nullMs(st.CooldownUntil), nullMs(st.ErrorBackoffUntil),
		nullMs(st.LastRequestAt), ms(st.UpdatedAt),
	)
	return eris.Wrapf(err, "sqlite: upsert rate limit %s", st.Provider)
}

// UpsertHeartbeat records a worker status report.
func (s *SQLiteStore) UpsertHeartbeat(ctx context.Context, hb model.WorkerHeartbeat) error {
	engines, err := json.Marshal(hb.EnginesReady)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal engines")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO worker_heartbeats (worker_id, status, browser_connected, engines_ready, jobs_processed, jobs_failed, version, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (worker_id) DO UPDATE SET
			status = excluded.status,
			browser_connected = excluded.browser_connected,
			engines_ready = excluded.engines_ready,
			jobs_processed = excluded.jobs_processed,
			jobs_failed = excluded.jobs_failed,
			version = excluded.version,
			last_seen_at = excluded.last_seen_at`,
		hb.WorkerID, string(hb.Status), hb.BrowserConnected, string(engines), hb.JobsProcessed, hb.JobsFailed,
		hb.Version, ms(hb.LastSeenAt),
	)
	return eris.Wrapf(err, "sqlite: upsert heartbeat %s", hb.WorkerID)
}

// ListHeartbeats returns workers seen at or after since.
func (s *SQLiteStore) ListHeartbeats(ctx context.Context, since time.Time) ([]model.WorkerHeartbeat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT worker_id, status, browser_connected, engines_ready, jobs_processed, jobs_failed, COALESCE(version, ''), last_seen_at
		FROM worker_heartbeats WHERE last_seen_at >= ? ORDER BY worker_id`, ms(since))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list heartbeats")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.WorkerHeartbeat
	for rows.Next() {
		var hb model.WorkerHeartbeat
		var status, engines string
		var seen int64
		if err := rows.Scan(&hb.WorkerID, &status, &hb.BrowserConnected, &engines, &hb.JobsProcessed,
			&hb.JobsFailed, &hb.Version, &seen); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan heartbeat")
		}
		hb.Status = model.WorkerStatus(status)
		hb.LastSeenAt = fromMs(seen)
		if err := json.Unmarshal([]byte(engines), &hb.EnginesReady); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal engines")
		}
		out = append(out, hb)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate heartbeats")
}

// --- Results ---

// SaveTrial upserts a trial result by ID.
func (s *SQLiteStore) SaveTrial(ctx context.Context, t model.TrialResult) error {
	sources, err := json.Marshal(t.Sources)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal sources")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO trial_results (id, unit_id, job_id, provider, mode, run_index, answer_text, answer_html,
			sources, started_at, duration_ms, success, error, cost_usd)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			answer_text = excluded.answer_text,
			answer_html = excluded.answer_html,
			sources = excluded.sources,
			started_at = excluded.started_at,
			duration_ms = excluded.duration_ms,
			success = excluded.success,
			error = excluded.error,
			cost_usd = excluded.cost_usd`,
		t.ID, t.UnitID, nullString(t.JobID), string(t.Provider), string(t.Mode), t.RunIndex, t.AnswerText,
		t.AnswerHTML, string(sources), ms(t.StartedAt), t.Duration.Milliseconds(), t.Success, t.Error, t.CostUSD,
	)
	return eris.Wrapf(err, "sqlite: save trial %s", t.ID)
}

// ListTrials returns a unit's trials in run order.
func (s *SQLiteStore) ListTrials(ctx context.Context, unitID string) ([]model.TrialResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, unit_id, COALESCE(job_id, ''), provider, mode, run_index, answer_text, answer_html, sources,
			started_at, duration_ms, success, COALESCE(error, ''), cost_usd
		FROM trial_results WHERE unit_id = ? ORDER BY run_index, started_at`, unitID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list trials %s", unitID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.TrialResult
	for rows.Next() {
		var t model.TrialResult
		var provider, mode, sources string
		var started, durMs int64
		if err := rows.Scan(&t.ID, &t.UnitID, &t.JobID, &provider, &mode, &t.RunIndex, &t.AnswerText,
			&t.AnswerHTML, &sources, &started, &durMs, &t.Success, &t.Error, &t.CostUSD); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan trial")
		}
		t.Provider = model.Provider(provider)
		t.Mode = model.AcquisitionMode(mode)
		t.StartedAt = fromMs(started)
		t.Duration = time.Duration(durMs) * time.Millisecond
		if err := json.Unmarshal([]byte(sources), &t.Sources); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal sources")
		}
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate trials")
}

// SaveVerdict upserts a unit's verdict.
func (s *SQLiteStore) SaveVerdict(ctx context.Context, v model.EnsembleVerdict) error {
	return s.putJSON(ctx,
		`INSERT INTO ensemble_verdicts (unit_id, verdict, computed_at) VALUES (?, ?, ?)
		ON CONFLICT (unit_id) DO UPDATE SET verdict = excluded.verdict, computed_at = excluded.computed_at`,
		v.UnitID, v, v.ComputedAt, "verdict")
}

// GetVerdict returns a unit's verdict or nil.
func (s *SQLiteStore) GetVerdict(ctx context.Context, unitID string) (*model.EnsembleVerdict, error) {
	var v model.EnsembleVerdict
	found, err := s.getJSON(ctx, `SELECT verdict FROM ensemble_verdicts WHERE unit_id = ?`, unitID, &v)
	if err != nil || !found {
		return nil, eris.Wrapf(err, "sqlite: get verdict %s", unitID)
	}
	return &v, nil
}

// SaveHallucination upserts a finding set keyed by trial.
func (s *SQLiteStore) SaveHallucination(ctx context.Context, r model.HallucinationResult) error {
	data, err := json.Marshal(r)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal hallucination result")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO hallucination_results (id, unit_id, result, checked_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET result = excluded.result, checked_at = excluded.checked_at`,
		hallucinationKey(r), r.UnitID, string(data), ms(r.CheckedAt),
	)
	return eris.Wrapf(err, "sqlite: save hallucination %s", r.TrialID)
}

// ListHallucinations returns a unit's finding sets.
func (s *SQLiteStore) ListHallucinations(ctx context.Context, unitID string) ([]model.HallucinationResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT result FROM hallucination_results WHERE unit_id = ? ORDER BY checked_at`, unitID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list hallucinations %s", unitID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.HallucinationResult
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan hallucination")
		}
		var r model.HallucinationResult
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal hallucination")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate hallucinations")
}

// SaveFactSet replaces a brand's ground truth.
func (s *SQLiteStore) SaveFactSet(ctx context.Context, fs model.FactSet) error {
	return s.putJSON(ctx,
		`INSERT INTO ground_truth (brand_id, fact_set, extracted_at) VALUES (?, ?, ?)
		ON CONFLICT (brand_id) DO UPDATE SET fact_set = excluded.fact_set, extracted_at = excluded.extracted_at`,
		fs.BrandID, fs, fs.ExtractedAt, "fact set")
}

// GetFactSet returns a brand's ground truth or nil.
func (s *SQLiteStore) GetFactSet(ctx context.Context, brandID string) (*model.FactSet, error) {
	var fs model.FactSet
	found, err := s.getJSON(ctx, `SELECT fact_set FROM ground_truth WHERE brand_id = ?`, brandID, &fs)
	if err != nil || !found {
		return nil, eris.Wrapf(err, "sqlite: get fact set %s", brandID)
	}
	return &fs, nil
}

// --- Sessions ---

// SaveSession upserts a provider's browser session.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess model.BrowserSession) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal session")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO browser_sessions (provider, user_id, state, saved_at, expires_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (provider, user_id) DO UPDATE SET
			state = excluded.state, saved_at = excluded.saved_at, expires_at = excluded.expires_at`,
		string(sess.Provider), sess.UserID, string(data), ms(sess.SavedAt), ms(sess.ExpiresAt),
	)
	return eris.Wrapf(err, "sqlite: save session %s", sess.Provider)
}

// GetSession returns a stored session or nil. Expiry is checked by the caller.
func (s *SQLiteStore) GetSession(ctx context.Context, p model.Provider, userID string) (*model.BrowserSession, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM browser_sessions WHERE provider = ? AND user_id = ?`, string(p), userID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get session %s", p)
	}
	var sess model.BrowserSession
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal session")
	}
	return &sess, nil
}

// DeleteSession removes a stored session.
func (s *SQLiteStore) DeleteSession(ctx context.Context, p model.Provider, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM browser_sessions WHERE provider = ? AND user_id = ?`, string(p), userID)
	return eris.Wrapf(err, "sqlite: delete session %s", p)
}

// --- helpers ---

func (s *SQLiteStore) putJSON(ctx context.Context, query, key string, v any, at time.Time, what string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return eris.Wrapf(err, "sqlite: marshal %s", what)
	}
	_, err = s.db.ExecContext(ctx, query, key, string(data), ms(at))
	return eris.Wrapf(err, "sqlite: save %s %s", what, key)
}

func (s *SQLiteStore) getJSON(ctx context.Context, query, key string, dest any) (bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, query, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return false, eris.Wrap(err, "unmarshal")
	}
	return true, nil
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

func changedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func inClause(vals []string) (string, []any) {
	args := make([]any, len(vals))
	for i, v := range vals {
		args[i] = v
	}
	return "(" + strings.TrimSuffix(strings.Repeat("?, ", len(vals)), ", ") + ")", args
}

func ms(t time.Time) int64 {
	return t.UnixMilli()
}

func nullMs(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMs(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func fromNullMs(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMs(v.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
