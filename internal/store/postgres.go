package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/visibility-engine/internal/db"
	"github.com/sells-group/visibility-engine/internal/model"
)

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

// preparedStatements lists the hot worker-protocol queries prepared on each
// new connection.
var preparedStatements = map[string]string{
	"claim_job":    pgClaimJob,
	"complete_job": pgCompleteJob,
	"get_job":      `SELECT ` + jobColumns + ` FROM acquisition_jobs WHERE id = $1`,
	"get_ratelimit": `SELECT provider, consecutive_errors, cooldown_until, error_backoff_until, last_request_at, updated_at
		FROM engine_rate_limits WHERE provider = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				// Tables may not exist before the first migrate.
				var pgErr interface{ SQLState() string }
				if errors.As(err, &pgErr) && pgErr.SQLState() == "42P01" {
					continue
				}
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

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
CREATE TABLE IF NOT EXISTS visibility_units (
	id                    TEXT PRIMARY KEY,
	batch_id              TEXT NOT NULL,
	brand_id              TEXT NOT NULL,
	brand                 JSONB NOT NULL,
	provider              TEXT NOT NULL,
	question_id           TEXT NOT NULL,
	question_text         TEXT NOT NULL,
	mode                  TEXT NOT NULL,
	runs                  INTEGER NOT NULL DEFAULT 1,
	priority              INTEGER NOT NULL DEFAULT 50,
	detect_hallucinations BOOLEAN NOT NULL DEFAULT false,
	status                TEXT NOT NULL,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_units_batch ON visibility_units(batch_id);
CREATE INDEX IF NOT EXISTS idx_units_key ON visibility_units(provider, question_id, brand_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_units_awaiting ON visibility_units(provider, created_at) WHERE status = 'awaiting_acquisition';

CREATE TABLE IF NOT EXISTS acquisition_jobs (
	id                TEXT PRIMARY KEY,
	batch_id          TEXT NOT NULL,
	unit_id           TEXT NOT NULL REFERENCES visibility_units(id),
	provider          TEXT NOT NULL,
	question_id       TEXT NOT NULL,
	question_text     TEXT NOT NULL,
	run_index         INTEGER NOT NULL DEFAULT 0,
	brand             JSONB NOT NULL,
	priority          INTEGER NOT NULL DEFAULT 50,
	earliest_start_at TIMESTAMPTZ NOT NULL,
	status            TEXT NOT NULL DEFAULT 'pending',
	claimed_by        TEXT,
	claimed_at        TIMESTAMPTZ,
	attempt_count     INTEGER NOT NULL DEFAULT 0,
	max_attempts      INTEGER NOT NULL DEFAULT 3,
	next_retry_at     TIMESTAMPTZ,
	last_error        TEXT,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at      TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_jobs_claimable ON acquisition_jobs(priority DESC, earliest_start_at ASC) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_jobs_batch ON acquisition_jobs(batch_id, status);
CREATE INDEX IF NOT EXISTS idx_jobs_unit ON acquisition_jobs(unit_id);
CREATE INDEX IF NOT EXISTS idx_jobs_claimed_at ON acquisition_jobs(claimed_at) WHERE status = 'claimed';

CREATE TABLE IF NOT EXISTS engine_rate_limits (
	provider            TEXT PRIMARY KEY,
	consecutive_errors  INTEGER NOT NULL DEFAULT 0,
	cooldown_until      TIMESTAMPTZ,
	error_backoff_until TIMESTAMPTZ,
	last_request_at     TIMESTAMPTZ,
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS worker_heartbeats (
	worker_id         TEXT PRIMARY KEY,
	status            TEXT NOT NULL,
	browser_connected BOOLEAN NOT NULL DEFAULT false,
	engines_ready     JSONB NOT NULL DEFAULT '[]',
	jobs_processed    INTEGER NOT NULL DEFAULT 0,
	jobs_failed       INTEGER NOT NULL DEFAULT 0,
	version           TEXT,
	last_seen_at      TIMESTAMPTZ NOT NULL
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
	sources     JSONB NOT NULL DEFAULT '[]',
	started_at  TIMESTAMPTZ NOT NULL,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	success     BOOLEAN NOT NULL,
	error       TEXT,
	cost_usd    DOUBLE PRECISION NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_trials_unit ON trial_results(unit_id, run_index);

CREATE TABLE IF NOT EXISTS ensemble_verdicts (
	unit_id     TEXT PRIMARY KEY,
	verdict     JSONB NOT NULL,
	computed_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS hallucination_results (
	id         TEXT PRIMARY KEY,
	unit_id    TEXT NOT NULL,
	result     JSONB NOT NULL,
	checked_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_hallucinations_unit ON hallucination_results(unit_id);

CREATE TABLE IF NOT EXISTS ground_truth (
	brand_id     TEXT PRIMARY KEY,
	fact_set     JSONB NOT NULL,
	extracted_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS browser_sessions (
	provider   TEXT NOT NULL,
	user_id    TEXT NOT NULL DEFAULT '',
	state      JSONB NOT NULL,
	saved_at   TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (provider, user_id)
);
`

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

// Migrate creates tables and indexes.
func (s *PostgresStore) Migrate(ctx context.Context) error {
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

// --- Jobs ---

const jobColumns = `id, batch_id, unit_id, provider, question_id, question_text, run_index, brand, priority,
	earliest_start_at, status, COALESCE(claimed_by, ''), claimed_at, attempt_count, max_attempts,
	next_retry_at, COALESCE(last_error, ''), created_at, updated_at, completed_at`

var jobInsertColumns = []string{
	"id", "batch_id", "unit_id", "provider", "question_id", "question_text", "run_index", "brand",
	"priority", "earliest_start_at", "status", "attempt_count", "max_attempts", "created_at", "updated_at",
}

const pgInsertJob = `INSERT INTO acquisition_jobs (id, batch_id, unit_id, provider, question_id, question_text,
	run_index, brand, priority, earliest_start_at, status, attempt_count, max_attempts, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

const pgClaimJob = `UPDATE acquisition_jobs
	SET status = 'claimed', claimed_by = $1, claimed_at = $2, updated_at = $2
	WHERE id = $3 AND status = 'pending' AND earliest_start_at <= $2`

const pgCompleteJob = `UPDATE acquisition_jobs
	SET status = 'completed', completed_at = $1, updated_at = $1, last_error = NULL
	WHERE id = $2 AND status = 'claimed' AND ($3::text = '' OR claimed_by = $3)`

func jobRow(j model.AcquisitionJob) ([]any, error) {
	brand, err := json.Marshal(j.Brand)
	if err != nil {
		return nil, eris.Wrap(err, "marshal brand")
	}
	return []any{
		j.ID, j.BatchID, j.UnitID, string(j.Provider), j.QuestionID, j.QuestionText, j.RunIndex, brand,
		j.Priority, j.EarliestStartAt, string(j.Status), j.AttemptCount, j.MaxAttempts, j.CreatedAt, j.UpdatedAt,
	}, nil
}

// InsertJobs writes new jobs, switching to COPY for large dispatches.
func (s *PostgresStore) InsertJobs(ctx context.Context, jobs []model.AcquisitionJob) error {
	if len(jobs) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(jobs))
	for _, j := range jobs {
		row, err := jobRow(j)
		if err != nil {
			return eris.Wrapf(err, "postgres: job %s", j.ID)
		}
		rows = append(rows, row)
	}

	if len(rows) >= db.CopyThreshold {
		_, err := db.CopyFrom(ctx, s.pool, "acquisition_jobs", jobInsertColumns, rows)
		return eris.Wrap(err, "postgres: copy jobs")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin insert jobs")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, row := range rows {
		if _, err := tx.Exec(ctx, pgInsertJob, row...); err != nil {
			return eris.Wrapf(err, "postgres: insert job %v", row[0])
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit insert jobs")
}

// SelectClaimable returns due pending jobs by priority then scheduled time.
func (s *PostgresStore) SelectClaimable(ctx context.Context, f ClaimFilter) ([]model.AcquisitionJob, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 10
	}

	query := `SELECT ` + jobColumns + ` FROM acquisition_jobs
		WHERE status = 'pending' AND earliest_start_at <= $1`
	args := []any{f.Now}
	if len(f.Providers) > 0 {
		query += ` AND provider = ANY($3)`
	}
	query += ` ORDER BY priority DESC, earliest_start_at ASC, created_at ASC LIMIT $2`
	args = append(args, limit)
	if len(f.Providers) > 0 {
		args = append(args, providerStrings(f.Providers))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: select claimable")
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ClaimJob moves a due pending job to claimed. A lost race returns false.
func (s *PostgresStore) ClaimJob(ctx context.Context, id, workerID string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, pgClaimJob, workerID, now, id)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: claim job %s", id)
	}
	return tag.RowsAffected() == 1, nil
}

// GetJob returns a job or nil.
func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.AcquisitionJob, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM acquisition_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get job %s", id)
	}
	return j, nil
}

// ListUnitJobs returns a unit's jobs in run order.
func (s *PostgresStore) ListUnitJobs(ctx context.Context, unitID string) ([]model.AcquisitionJob, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM acquisition_jobs WHERE unit_id = $1 ORDER BY run_index`, unitID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list unit jobs %s", unitID)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// CompleteJob moves a claimed job to completed. A non-empty workerID must
// match the claim holder.
func (s *PostgresStore) CompleteJob(ctx context.Context, id, workerID string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, pgCompleteJob, now, id, workerID)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: complete job %s", id)
	}
	return tag.RowsAffected() == 1, nil
}

// RescheduleJob returns a claimed job to pending with a retry time.
func (s *PostgresStore) RescheduleJob(ctx context.Context, id, workerID string, attempts int, retryAt time.Time, lastErr string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE acquisition_jobs
		SET status = 'pending', claimed_by = NULL, claimed_at = NULL, attempt_count = $1,
			next_retry_at = $2, earliest_start_at = $2, last_error = $3, updated_at = $4
		WHERE id = $5 AND status = 'claimed' AND ($6::text = '' OR claimed_by = $6)`,
		attempts, retryAt, lastErr, now, id, workerID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: reschedule job %s", id)
	}
	return tag.RowsAffected() == 1, nil
}

// FailJob moves a claimed job to the terminal failed state.
func (s *PostgresStore) FailJob(ctx context.Context, id, workerID string, attempts int, lastErr string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE acquisition_jobs
		SET status = 'failed', attempt_count = $1, last_error = $2, completed_at = $3, updated_at = $3
		WHERE id = $4 AND status = 'claimed' AND ($5::text = '' OR claimed_by = $5)`,
		attempts, lastErr, now, id, workerID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: fail job %s", id)
	}
	return tag.RowsAffected() == 1, nil
}

// CancelUnitJobs cancels a unit's unclaimed jobs.
func (s *PostgresStore) CancelUnitJobs(ctx context.Context, unitID string, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE acquisition_jobs SET status = 'cancelled', completed_at = $1, updated_at = $1
		WHERE unit_id = $2 AND status = 'pending'`,
		now, unitID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: cancel unit jobs %s", unitID)
	}
	return tag.RowsAffected(), nil
}

// CancelPendingJobs cancels a batch's unclaimed jobs.
func (s *PostgresStore) CancelPendingJobs(ctx context.Context, batchID string, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE acquisition_jobs SET status = 'cancelled', completed_at = $1, updated_at = $1
		WHERE batch_id = $2 AND status = 'pending'`,
		now, batchID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: cancel batch %s", batchID)
	}
	return tag.RowsAffected(), nil
}

// CountJobs tallies a batch's jobs by status.
func (s *PostgresStore) CountJobs(ctx context.Context, batchID string) (model.JobCounts, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, count(*) FROM acquisition_jobs WHERE batch_id = $1 GROUP BY status`, batchID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: count jobs %s", batchID)
	}
	defer rows.Close()

	counts := model.JobCounts{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job count")
		}
		counts[model.JobStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: iterate job counts")
}

// ReleaseStaleClaims returns long-held claims to pending without spending an attempt.
func (s *PostgresStore) ReleaseStaleClaims(ctx context.Context, claimedBefore, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE acquisition_jobs
		SET status = 'pending', claimed_by = NULL, claimed_at = NULL, last_error = 'claim lease expired', updated_at = $1
		WHERE status = 'claimed' AND claimed_at < $2`,
		now, claimedBefore,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: release stale claims")
	}
	return tag.RowsAffected(), nil
}

// QueueStats summarizes queue health.
func (s *PostgresStore) QueueStats(ctx context.Context, since, staleBefore time.Time) (QueueStats, error) {
	var st QueueStats
	err := s.pool.QueryRow(ctx,
		`SELECT
			count(*) FILTER (WHERE status = 'pending'),
			count(*) FILTER (WHERE status = 'claimed'),
			count(*) FILTER (WHERE status = 'claimed' AND claimed_at < $2),
			count(*) FILTER (WHERE status = 'completed' AND completed_at >= $1),
			count(*) FILTER (WHERE status = 'failed' AND completed_at >= $1)
		FROM acquisition_jobs`,
		since, staleBefore,
	).Scan(&st.Pending, &st.Claimed, &st.StaleClaims, &st.CompletedRecent, &st.FailedRecent)
	if err != nil {
		return st, eris.Wrap(err, "postgres: queue stats")
	}
	return st, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (*model.AcquisitionJob, error) {
	var j model.AcquisitionJob
	var provider, status string
	var brand []byte
	err := row.Scan(&j.ID, &j.BatchID, &j.UnitID, &provider, &j.QuestionID, &j.QuestionText, &j.RunIndex,
		&brand, &j.Priority, &j.EarliestStartAt, &status, &j.ClaimedBy, &j.ClaimedAt, &j.AttemptCount,
		&j.MaxAttempts, &j.NextRetryAt, &j.LastError, &j.CreatedAt, &j.UpdatedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	j.Provider = model.Provider(provider)
	j.Status = model.JobStatus(status)
	if err := json.Unmarshal(brand, &j.Brand); err != nil {
		return nil, eris.Wrap(err, "unmarshal brand")
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]model.AcquisitionJob, error) {
	var jobs []model.AcquisitionJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: iterate jobs")
}

// --- Units ---

const unitColumns = `id, batch_id, brand, provider, question_id, question_text, mode, runs, priority,
	detect_hallucinations, status, created_at, updated_at`

// InsertUnits writes new units in one transaction.
func (s *PostgresStore) InsertUnits(ctx context.Context, units []model.VisibilityUnit) error {
	if len(units) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin insert units")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, u := range units {
		brand, err := json.Marshal(u.Brand)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal brand")
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO visibility_units (id, batch_id, brand_id, brand, provider, question_id, question_text,
				mode, runs, priority, detect_hallucinations, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			u.ID, u.BatchID, u.Brand.ID, brand, string(u.Provider), u.QuestionID, u.QuestionText,
			string(u.Mode), u.Runs, u.Priority, u.DetectHallucinations, string(u.Status), u.CreatedAt, u.UpdatedAt,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert unit %s", u.ID)
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit insert units")
}

// GetUnit returns a unit or nil.
func (s *PostgresStore) GetUnit(ctx context.Context, id string) (*model.VisibilityUnit, error) {
	u, err := scanUnit(s.pool.QueryRow(ctx, `SELECT `+unitColumns+` FROM visibility_units WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get unit %s", id)
	}
	return u, nil
}

// LatestUnit returns the most recent unit for key, or nil.
func (s *PostgresStore) LatestUnit(ctx context.Context, key UnitKey) (*model.VisibilityUnit, error) {
	u, err := scanUnit(s.pool.QueryRow(ctx,
		`SELECT `+unitColumns+` FROM visibility_units
		WHERE provider = $1 AND question_id = $2 AND brand_id = $3
		ORDER BY created_at DESC LIMIT 1`,
		string(key.Provider), key.QuestionID, key.BrandID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: latest unit")
	}
	return u, nil
}

// ListBatchUnits returns a batch's units.
func (s *PostgresStore) ListBatchUnits(ctx context.Context, batchID string) ([]model.VisibilityUnit, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+unitColumns+` FROM visibility_units WHERE batch_id = $1 ORDER BY created_at, id`, batchID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list units %s", batchID)
	}
	defer rows.Close()
	return collectUnits(rows)
}

// ListAwaitingUnits is the flat scan used when the job table is unavailable.
func (s *PostgresStore) ListAwaitingUnits(ctx context.Context, providers []model.Provider, limit int) ([]model.VisibilityUnit, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `SELECT ` + unitColumns + ` FROM visibility_units WHERE status = 'awaiting_acquisition'`
	args := []any{limit}
	if len(providers) > 0 {
		query += ` AND provider = ANY($2)`
		args = append(args, providerStrings(providers))
	}
	query += ` ORDER BY created_at LIMIT $1`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list awaiting units")
	}
	defer rows.Close()
	return collectUnits(rows)
}

// SetUnitStatus updates a unit's status.
func (s *PostgresStore) SetUnitStatus(ctx context.Context, id string, status model.UnitStatus, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE visibility_units SET status = $1, updated_at = $2 WHERE id = $3`, string(status), now, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: set unit status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("unit not found: %s", id)
	}
	return nil
}

// CancelAwaitingUnits cancels a batch's units that have not started.
func (s *PostgresStore) CancelAwaitingUnits(ctx context.Context, batchID string, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE visibility_units SET status = 'cancelled', updated_at = $1
		WHERE batch_id = $2 AND status = 'awaiting_acquisition'`,
		now, batchID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: cancel units %s", batchID)
	}
	return tag.RowsAffected(), nil
}

func scanUnit(row scannable) (*model.VisibilityUnit, error) {
	var u model.VisibilityUnit
	var brand []byte
	var provider, mode, status string
	err := row.Scan(&u.ID, &u.BatchID, &brand, &provider, &u.QuestionID, &u.QuestionText, &mode, &u.Runs,
		&u.Priority, &u.DetectHallucinations, &status, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	u.Provider = model.Provider(provider)
	u.Mode = model.AcquisitionMode(mode)
	u.Status = model.UnitStatus(status)
	if err := json.Unmarshal(brand, &u.Brand); err != nil {
		return nil, eris.Wrap(err, "unmarshal brand")
	}
	return &u, nil
}

func collectUnits(rows pgx.Rows) ([]model.VisibilityUnit, error) {
	var units []model.VisibilityUnit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan unit")
		}
		units = append(units, *u)
	}
	return units, eris.Wrap(rows.Err(), "postgres: iterate units")
}

// --- Ledger ---

// GetRateLimit returns a provider's state or nil.
func (s *PostgresStore) GetRateLimit(ctx context.Context, p model.Provider) (*model.EngineRateLimitState, error) {
	var st model.EngineRateLimitState
	var provider string
	err := s.pool.QueryRow(ctx,
		`SELECT provider, consecutive_errors, cooldown_until, error_backoff_until, last_request_at, updated_at
		FROM engine_rate_limits WHERE provider = $1`, string(p),
	).Scan(&provider, &st.ConsecutiveErrors, &st.CooldownUntil, &st.ErrorBackoffUntil, &st.LastRequestAt, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get rate limit %s", p)
	}
	st.Provider = model.Provider(provider)
	return &st, nil
}

// ListRateLimits returns every provider's state.
func (s *PostgresStore) ListRateLimits(ctx context.Context) ([]model.EngineRateLimitState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT provider, consecutive_errors, cooldown_until, error_backoff_until, last_request_at, updated_at
		FROM engine_rate_limits ORDER BY provider`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list rate limits")
	}
	defer rows.Close()

	var out []model.EngineRateLimitState
	for rows.Next() {
		var st model.EngineRateLimitState
		var provider string
		if err := rows.Scan(&provider, &st.ConsecutiveErrors, &st.CooldownUntil, &st.ErrorBackoffUntil,
			&st.LastRequestAt, &st.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan rate limit")
		}
		st.Provider = model.Provider(provider)
		out = append(out, st)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate rate limits")
}

// UpsertRateLimit writes a provider's state as a single-row upsert.
func (s *PostgresStore) UpsertRateLimit(ctx context.Context, st model.EngineRateLimitState) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO engine_rate_limits (provider, consecutive_errors, cooldown_until, error_backoff_until, last_request_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (provider) DO UPDATE SET
			consecutive_errors = EXCLUDED.consecutive_errors,
			cooldown_until = EXCLUDED.cooldown_until,
			error_backoff_until = EXCLUDED.error_backoff_until,
			last_request_at = EXCLUDED.last_request_at,
			updated_at = EXCLUDED.updated_at`,
		string(st.Provider), st.ConsecutiveErrors, st.CooldownUntil, st.ErrorBackoffUntil, st.LastRequestAt, st.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: upsert rate limit %s", st.Provider)
}

// UpsertHeartbeat records a worker status report.
func (s *PostgresStore) UpsertHeartbeat(ctx context.Context, hb model.WorkerHeartbeat) error {
	engines, err := json.Marshal(hb.EnginesReady)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal engines")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO worker_heartbeats (worker_id, status, browser_connected, engines_ready, jobs_processed, jobs_failed, version, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (worker_id) DO UPDATE SET
			status = EXCLUDED.status,
			browser_connected = EXCLUDED.browser_connected,
			engines_ready = EXCLUDED.engines_ready,
			jobs_processed = EXCLUDED.jobs_processed,
			jobs_failed = EXCLUDED.jobs_failed,
			version = EXCLUDED.version,
			last_seen_at = EXCLUDED.last_seen_at`,
		hb.WorkerID, string(hb.Status), hb.BrowserConnected, engines, hb.JobsProcessed, hb.JobsFailed, hb.Version, hb.LastSeenAt,
	)
	return eris.Wrapf(err, "postgres: upsert heartbeat %s", hb.WorkerID)
}

// ListHeartbeats returns workers seen at or after since.
func (s *PostgresStore) ListHeartbeats(ctx context.Context, since time.Time) ([]model.WorkerHeartbeat, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT worker_id, status, browser_connected, engines_ready, jobs_processed, jobs_failed, COALESCE(version, ''), last_seen_at
		FROM worker_heartbeats WHERE last_seen_at >= $1 ORDER BY worker_id`, since)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list heartbeats")
	}
	defer rows.Close()

	var out []model.WorkerHeartbeat
	for rows.Next() {
		var hb model.WorkerHeartbeat
		var status string
		var engines []byte
		if err := rows.Scan(&hb.WorkerID, &status, &hb.BrowserConnected, &engines, &hb.JobsProcessed,
			&hb.JobsFailed, &hb.Version, &hb.LastSeenAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan heartbeat")
		}
		hb.Status = model.WorkerStatus(status)
		if err := json.Unmarshal(engines, &hb.EnginesReady); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal engines")
		}
		out = append(out, hb)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate heartbeats")
}

// --- Results ---

// SaveTrial upserts a trial result by ID.
func (s *PostgresStore) SaveTrial(ctx context.Context, t model.TrialResult) error {
	sources, err := json.Marshal(t.Sources)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal sources")
	}
	var jobID *string
	if t.JobID != "" {
		jobID = &t.JobID
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO trial_results (id, unit_id, job_id, provider, mode, run_index, answer_text, answer_html,
			sources, started_at, duration_ms, success, error, cost_usd)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			answer_text = EXCLUDED.answer_text,
			answer_html = EXCLUDED.answer_html,
			sources = EXCLUDED.sources,
			started_at = EXCLUDED.started_at,
			duration_ms = EXCLUDED.duration_ms,
			success = EXCLUDED.success,
			error = EXCLUDED.error,
			cost_usd = EXCLUDED.cost_usd`,
		t.ID, t.UnitID, jobID, string(t.Provider), string(t.Mode), t.RunIndex, t.AnswerText, t.AnswerHTML,
		sources, t.StartedAt, t.Duration.Milliseconds(), t.Success, t.Error, t.CostUSD,
	)
	return eris.Wrapf(err, "postgres: save trial %s", t.ID)
}

// ListTrials returns a unit's trials in run order.
func (s *PostgresStore) ListTrials(ctx context.Context, unitID string) ([]model.TrialResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, unit_id, COALESCE(job_id, ''), provider, mode, run_index, answer_text, answer_html, sources,
			started_at, duration_ms, success, COALESCE(error, ''), cost_usd
		FROM trial_results WHERE unit_id = $1 ORDER BY run_index, started_at`, unitID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list trials %s", unitID)
	}
	defer rows.Close()

	var out []model.TrialResult
	for rows.Next() {
		var t model.TrialResult
		var provider, mode string
		var sources []byte
		var durMs int64
		if err := rows.Scan(&t.ID, &t.UnitID, &t.JobID, &provider, &mode, &t.RunIndex, &t.AnswerText,
			&t.AnswerHTML, &sources, &t.StartedAt, &durMs, &t.Success, &t.Error, &t.CostUSD); err != nil {
			return nil, eris.Wrap(err, "postgres: scan trial")
		}
		t.Provider = model.Provider(provider)
		t.Mode = model.AcquisitionMode(mode)
		t.Duration = time.Duration(durMs) * time.Millisecond
		if err := json.Unmarshal(sources, &t.Sources); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal sources")
		}
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate trials")
}

// SaveVerdict upserts a unit's verdict.
func (s *PostgresStore) SaveVerdict(ctx context.Context, v model.EnsembleVerdict) error {
	data, err := json.Marshal(v)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal verdict")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO ensemble_verdicts (unit_id, verdict, computed_at) VALUES ($1, $2, $3)
		ON CONFLICT (unit_id) DO UPDATE SET verdict = EXCLUDED.verdict, computed_at = EXCLUDED.computed_at`,
		v.UnitID, data, v.ComputedAt,
	)
	return eris.Wrapf(err, "postgres: save verdict %s", v.UnitID)
}

// GetVerdict returns a unit's verdict or nil.
func (s *PostgresStore) GetVerdict(ctx context.Context, unitID string) (*model.EnsembleVerdict, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT verdict FROM ensemble_verdicts WHERE unit_id = $1`, unitID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get verdict %s", unitID)
	}
	var v model.EnsembleVerdict
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal verdict")
	}
	return &v, nil
}

// SaveHallucination upserts a finding set keyed by trial.
func (s *PostgresStore) SaveHallucination(ctx context.Context, r model.HallucinationResult) error {
	data, err := json.Marshal(r)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal hallucination result")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO hallucination_results (id, unit_id, result, checked_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET result = EXCLUDED.result, checked_at = EXCLUDED.checked_at`,
		hallucinationKey(r), r.UnitID, data, r.CheckedAt,
	)
	return eris.Wrapf(err, "postgres: save hallucination %s", r.TrialID)
}

// ListHallucinations returns a unit's finding sets.
func (s *PostgresStore) ListHallucinations(ctx context.Context, unitID string) ([]model.HallucinationResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT result FROM hallucination_results WHERE unit_id = $1 ORDER BY checked_at`, unitID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list hallucinations %s", unitID)
	}
	defer rows.Close()

	var out []model.HallucinationResult
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan hallucination")
		}
		var r model.HallucinationResult
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal hallucination")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate hallucinations")
}

// SaveFactSet replaces a brand's ground truth.
func (s *PostgresStore) SaveFactSet(ctx context.Context, fs model.FactSet) error {
	data, err := json.Marshal(fs)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal fact set")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO ground_truth (brand_id, fact_set, extracted_at) VALUES ($1, $2, $3)
		ON CONFLICT (brand_id) DO UPDATE SET fact_set = EXCLUDED.fact_set, extracted_at = EXCLUDED.extracted_at`,
		fs.BrandID, data, fs.ExtractedAt,
	)
	return eris.Wrapf(err, "postgres: save fact set %s", fs.BrandID)
}

// GetFactSet returns a brand's ground truth or nil.
func (s *PostgresStore) GetFactSet(ctx context.Context, brandID string) (*model.FactSet, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT fact_set FROM ground_truth WHERE brand_id = $1`, brandID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get fact set %s", brandID)
	}
	var fs model.FactSet
	if err := json.Unmarshal(data, &fs); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal fact set")
	}
	return &fs, nil
}

// --- Sessions ---

// SaveSession upserts a provider's browser session.
func (s *PostgresStore) SaveSession(ctx context.Context, sess model.BrowserSession) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal session")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO browser_sessions (provider, user_id, state, saved_at, expires_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (provider, user_id) DO UPDATE SET
			state = EXCLUDED.state, saved_at = EXCLUDED.saved_at, expires_at = EXCLUDED.expires_at`,
		string(sess.Provider), sess.UserID, data, sess.SavedAt, sess.ExpiresAt,
	)
	return eris.Wrapf(err, "postgres: save session %s", sess.Provider)
}

// GetSession returns a stored session or nil. Expiry is checked by the caller.
func (s *PostgresStore) GetSession(ctx context.Context, p model.Provider, userID string) (*model.BrowserSession, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM browser_sessions WHERE provider = $1 AND user_id = $2`, string(p), userID,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get session %s", p)
	}
	var sess model.BrowserSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal session")
	}
	return &sess, nil
}

// DeleteSession removes a stored session.
func (s *PostgresStore) DeleteSession(ctx context.Context, p model.Provider, userID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM browser_sessions WHERE provider = $1 AND user_id = $2`, string(p), userID)
	return eris.Wrapf(err, "postgres: delete session %s", p)
}

func hallucinationKey(r model.HallucinationResult) string {
	if r.TrialID != "" {
		return r.TrialID
	}
	return r.UnitID
}
