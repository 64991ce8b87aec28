// Package queue is the durable acquisition job queue for the browser lane.
// Jobs move pending -> claimed -> completed | pending (backoff) | failed
// through conditional single-row updates, so concurrent workers need no
// shared lock.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-engine/internal/config"
	"github.com/sells-group/visibility-engine/internal/ledger"
	"github.com/sells-group/visibility-engine/internal/metrics"
	"github.com/sells-group/visibility-engine/internal/model"
	"github.com/sells-group/visibility-engine/internal/resilience"
	"github.com/sells-group/visibility-engine/internal/store"
)

// Defaults applied when the queue config leaves a field zero.
const (
	DefaultRetryBase  = 60 * time.Second
	DefaultClaimLease = 15 * time.Minute
	DefaultLimit      = 5
)

// Transition is the job state change a completion produced.
type Transition string

const (
	TransitionCompleted      Transition = "completed"
	TransitionRetryScheduled Transition = "retry_scheduled"
	TransitionFailed         Transition = "failed"
	TransitionNoop           Transition = "noop"
)

// ClaimRequest asks for up to Limit claimable jobs.
type ClaimRequest struct {
	WorkerID  string
	Limit     int
	Providers []model.Provider
}

// Completion reports the outcome of one claimed job. Permanent failures
// (for example a login wall) skip the retry budget.
type Completion struct {
	JobID     string         `json:"job_id" validate:"required"`
	WorkerID  string         `json:"worker_id,omitempty"`
	Success   bool           `json:"success"`
	Error     string         `json:"error,omitempty"`
	Provider  model.Provider `json:"provider,omitempty"`
	Permanent bool           `json:"permanent,omitempty"`
}

// Result is what Complete did.
type Result struct {
	Transition Transition            `json:"transition"`
	Job        *model.AcquisitionJob `json:"job,omitempty"`
	RetryAt    *time.Time            `json:"retry_at,omitempty"`
}

// Progress is a batch's job counts.
type Progress struct {
	BatchID string          `json:"batch_id"`
	Counts  model.JobCounts `json:"counts"`
	Total   int             `json:"total"`
	Done    bool            `json:"done"`
}

// Queue wraps a JobStore with claim, retry and ledger bookkeeping.
type Queue struct {
	jobs   store.JobStore
	units  store.UnitStore
	ledger *ledger.Ledger

	maxAttempts  int
	retryBase    time.Duration
	claimLease   time.Duration
	defaultLimit int

	now func() time.Time
	log *zap.Logger
}

// New creates a Queue.
func New(jobs store.JobStore, units store.UnitStore, l *ledger.Ledger, cfg config.QueueConfig) *Queue {
	q := &Queue{
		jobs:         jobs,
		units:        units,
		ledger:       l,
		maxAttempts:  cfg.MaxAttempts,
		retryBase:    cfg.RetryBase,
		claimLease:   cfg.ClaimLease,
		defaultLimit: cfg.DefaultLimit,
		now:          func() time.Time { return time.Now().UTC() },
		log:          zap.L().With(zap.String("component", "queue")),
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = model.DefaultMaxAttempts
	}
	if q.retryBase <= 0 {
		q.retryBase = DefaultRetryBase
	}
	if q.claimLease <= 0 {
		q.claimLease = DefaultClaimLease
	}
	if q.defaultLimit <= 0 {
		q.defaultLimit = DefaultLimit
	}
	return q
}

// NewJob builds a pending job for one run of a unit.
func (q *Queue) NewJob(u model.VisibilityUnit, runIndex int, now time.Time) model.AcquisitionJob {
	return model.AcquisitionJob{
		ID:              uuid.NewString(),
		BatchID:         u.BatchID,
		UnitID:          u.ID,
		Provider:        u.Provider,
		QuestionID:      u.QuestionID,
		QuestionText:    u.QuestionText,
		RunIndex:        runIndex,
		Brand:           u.Brand,
		Priority:        u.Priority,
		EarliestStartAt: now,
		Status:          model.JobPending,
		MaxAttempts:     q.maxAttempts,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Enqueue persists new jobs.
func (q *Queue) Enqueue(ctx context.Context, jobs []model.AcquisitionJob) error {
	return eris.Wrap(q.jobs.InsertJobs(ctx, jobs), "queue: enqueue")
}

// Claimable returns due pending jobs, highest priority first. Jobs whose
// provider is in cooldown or backoff are dropped after selection. When the
// job table cannot be read, awaiting browser units are returned instead.
func (q *Queue) Claimable(ctx context.Context, req ClaimRequest) ([]model.AcquisitionJob, error) {
	now := q.now()
	limit := req.Limit
	if limit <= 0 {
		limit = q.defaultLimit
	}

	jobs, err := q.jobs.SelectClaimable(ctx, store.ClaimFilter{Providers: req.Providers, Limit: limit, Now: now})
	if err != nil {
		q.log.Warn("job selection failed, scanning awaiting units", zap.Error(err))
		jobs, err = q.fallback(ctx, req.Providers, limit)
		if err != nil {
			return nil, err
		}
	}
	return q.filterEligible(ctx, jobs, now)
}

func (q *Queue) fallback(ctx context.Context, providers []model.Provider, limit int) ([]model.AcquisitionJob, error) {
	units, err := q.units.ListAwaitingUnits(ctx, providers, limit)
	if err != nil {
		return nil, eris.Wrap(err, "queue: fallback scan")
	}
	metrics.QueueFallbacks.Inc()

	jobs := make([]model.AcquisitionJob, 0, len(units))
	for _, u := range units {
		if u.Mode != model.ModeBrowser {
			continue
		}
		jobs = append(jobs, model.AcquisitionJob{
			ID:              u.ID,
			BatchID:         u.BatchID,
			UnitID:          u.ID,
			Provider:        u.Provider,
			QuestionID:      u.QuestionID,
			QuestionText:    u.QuestionText,
			Brand:           u.Brand,
			Priority:        u.Priority,
			EarliestStartAt: u.CreatedAt,
			Status:          model.JobPending,
			MaxAttempts:     1,
			CreatedAt:       u.CreatedAt,
			UpdatedAt:       u.UpdatedAt,
			Fallback:        true,
		})
	}
	return jobs, nil
}

func (q *Queue) filterEligible(ctx context.Context, jobs []model.AcquisitionJob, now time.Time) ([]model.AcquisitionJob, error) {
	if q.ledger == nil || len(jobs) == 0 {
		return jobs, nil
	}
	eligible := make(map[model.Provider]bool)
	out := jobs[:0]
	for _, j := range jobs {
		ok, seen := eligible[j.Provider]
		if !seen {
			var err error
			ok, err = q.ledger.Eligible(ctx, j.Provider, now)
			if err != nil {
				return nil, eris.Wrap(err, "queue: ledger filter")
			}
			eligible[j.Provider] = ok
		}
		if ok {
			out = append(out, j)
		}
	}
	return out, nil
}

// Claim attempts each job and returns the IDs this worker now holds. Jobs
// lost to another worker are skipped.
func (q *Queue) Claim(ctx context.Context, ids []string, workerID string) ([]string, error) {
	if workerID == "" {
		return nil, resilience.NewValidationError("worker_id", "is required")
	}
	now := q.now()
	claimed := make([]string, 0, len(ids))
	for _, id := range ids {
		ok, err := q.jobs.ClaimJob(ctx, id, workerID, now)
		if err != nil {
			return claimed, eris.Wrapf(err, "queue: claim %s", id)
		}
		if !ok {
			q.log.Debug("claim lost", zap.String("job_id", id), zap.String("worker_id", workerID))
			continue
		}
		claimed = append(claimed, id)
	}
	return claimed, nil
}

// ClaimNext selects and claims in one step for in-process workers.
func (q *Queue) ClaimNext(ctx context.Context, req ClaimRequest) ([]model.AcquisitionJob, error) {
	jobs, err := q.Claimable(ctx, req)
	if err != nil {
		return nil, err
	}

	var ids []string
	byID := make(map[string]model.AcquisitionJob, len(jobs))
	var out []model.AcquisitionJob
	for _, j := range jobs {
		if j.Fallback {
			out = append(out, j)
			continue
		}
		ids = append(ids, j.ID)
		byID[j.ID] = j
	}

	claimed, err := q.Claim(ctx, ids, req.WorkerID)
	if err != nil {
		return nil, err
	}
	for _, id := range claimed {
		j := byID[id]
		j.Status = model.JobClaimed
		j.ClaimedBy = req.WorkerID
		metrics.JobsClaimed.WithLabelValues(string(j.Provider)).Inc()
		out = append(out, j)
	}
	return out, nil
}

// Complete applies one job outcome and records it in the ledger. A job that
// is not currently claimed, or is claimed by a worker other than
// c.WorkerID, is left untouched, but the provider outcome is still recorded.
func (q *Queue) Complete(ctx context.Context, c Completion) (Result, error) {
	if c.JobID == "" {
		return Result{}, resilience.NewValidationError("job_id", "is required")
	}
	now := q.now()

	job, err := q.jobs.GetJob(ctx, c.JobID)
	if err != nil {
		// Unreadable job table: handle the report like a fallback item.
		q.log.Warn("job lookup failed, recording outcome only",
			zap.String("job_id", c.JobID), zap.Error(err))
		job = nil
	}

	provider := c.Provider
	if job != nil {
		provider = job.Provider
	}

	res := Result{Transition: TransitionNoop, Job: job}
	if job != nil && job.Status == model.JobClaimed && q.holdsClaim(job, c) {
		res, err = q.transition(ctx, job, c, now)
		if err != nil {
			return Result{}, err
		}
	}

	if q.ledger != nil && provider.Valid() {
		if _, err := q.ledger.RecordOutcome(ctx, provider, c.Success, now); err != nil {
			return res, eris.Wrap(err, "queue: record outcome")
		}
	}
	if provider != "" {
		metrics.JobTransitions.WithLabelValues(string(provider), string(res.Transition)).Inc()
	}
	return res, nil
}

func (q *Queue) holdsClaim(job *model.AcquisitionJob, c Completion) bool {
	if c.WorkerID == "" || job.ClaimedBy == c.WorkerID {
		return true
	}
	q.log.Warn("completion from worker not holding the claim",
		zap.String("job_id", job.ID),
		zap.String("worker_id", c.WorkerID),
		zap.String("claimed_by", job.ClaimedBy),
	)
	return false
}

func (q *Queue) transition(ctx context.Context, job *model.AcquisitionJob, c Completion, now time.Time) (Result, error) {
	log := q.log.With(zap.String("job_id", job.ID), zap.String("provider", string(job.Provider)))

	if c.Success {
		ok, err := q.jobs.CompleteJob(ctx, job.ID, c.WorkerID, now)
		if err != nil {
			return Result{}, eris.Wrapf(err, "queue: complete %s", job.ID)
		}
		if !ok {
			return Result{Transition: TransitionNoop, Job: job}, nil
		}
		job.Status = model.JobCompleted
		job.CompletedAt = &now
		return Result{Transition: TransitionCompleted, Job: job}, nil
	}

	attempts := job.AttemptCount + 1
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.maxAttempts
	}

	if attempts < maxAttempts && !c.Permanent {
		retryAt := now.Add(resilience.Exponential(q.retryBase, attempts))
		ok, err := q.jobs.RescheduleJob(ctx, job.ID, c.WorkerID, attempts, retryAt, c.Error, now)
		if err != nil {
			return Result{}, eris.Wrapf(err, "queue: reschedule %s", job.ID)
		}
		if !ok {
			return Result{Transition: TransitionNoop, Job: job}, nil
		}
		log.Info("job retry scheduled",
			zap.Int("attempt", attempts),
			zap.Time("retry_at", retryAt),
			zap.String("error", c.Error),
		)
		job.Status = model.JobPending
		job.AttemptCount = attempts
		job.NextRetryAt = &retryAt
		job.EarliestStartAt = retryAt
		job.ClaimedBy = ""
		job.ClaimedAt = nil
		job.LastError = c.Error
		return Result{Transition: TransitionRetryScheduled, Job: job, RetryAt: &retryAt}, nil
	}

	ok, err := q.jobs.FailJob(ctx, job.ID, c.WorkerID, attempts, c.Error, now)
	if err != nil {
		return Result{}, eris.Wrapf(err, "queue: fail %s", job.ID)
	}
	if !ok {
		return Result{Transition: TransitionNoop, Job: job}, nil
	}
	log.Warn("job failed",
		zap.Int("attempts", attempts),
		zap.Bool("permanent", c.Permanent),
		zap.String("error", c.Error),
	)
	job.Status = model.JobFailed
	job.AttemptCount = attempts
	job.LastError = c.Error
	job.CompletedAt = &now
	return Result{Transition: TransitionFailed, Job: job}, nil
}

// RetireUnit cancels a unit's pending jobs once its runs are covered by
// other results.
func (q *Queue) RetireUnit(ctx context.Context, unitID string) (int64, error) {
	n, err := q.jobs.CancelUnitJobs(ctx, unitID, q.now())
	if err != nil {
		return 0, eris.Wrapf(err, "queue: retire unit %s", unitID)
	}
	if n > 0 {
		q.log.Info("unit jobs retired", zap.String("unit_id", unitID), zap.Int64("jobs", n))
	}
	return n, nil
}

// CancelBatch cancels a batch's pending jobs. Claimed jobs finish naturally.
func (q *Queue) CancelBatch(ctx context.Context, batchID string) (int64, error) {
	n, err := q.jobs.CancelPendingJobs(ctx, batchID, q.now())
	if err != nil {
		return 0, eris.Wrap(err, "queue: cancel batch")
	}
	q.log.Info("batch cancelled", zap.String("batch_id", batchID), zap.Int64("jobs", n))
	return n, nil
}

// BatchProgress returns a batch's job counts.
func (q *Queue) BatchProgress(ctx context.Context, batchID string) (Progress, error) {
	counts, err := q.jobs.CountJobs(ctx, batchID)
	if err != nil {
		return Progress{}, eris.Wrap(err, "queue: batch progress")
	}
	return Progress{
		BatchID: batchID,
		Counts:  counts,
		Total:   counts.Total(),
		Done:    counts.Outstanding() == 0,
	}, nil
}

// ReleaseStaleClaims returns claims older than the lease to pending.
func (q *Queue) ReleaseStaleClaims(ctx context.Context) (int64, error) {
	now := q.now()
	n, err := q.jobs.ReleaseStaleClaims(ctx, now.Add(-q.claimLease), now)
	if err != nil {
		return 0, eris.Wrap(err, "queue: release stale claims")
	}
	if n > 0 {
		q.log.Warn("released stale claims", zap.Int64("jobs", n), zap.Duration("lease", q.claimLease))
	}
	return n, nil
}

// ClaimLease returns the configured claim lease.
func (q *Queue) ClaimLease() time.Duration {
	return q.claimLease
}
