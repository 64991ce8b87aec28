package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/visibility-engine/internal/config"
	"github.com/sells-group/visibility-engine/internal/model"
)

// ClaimFilter selects claimable jobs.
type ClaimFilter struct {
	Providers []model.Provider
	Limit     int
	Now       time.Time
}

// UnitKey identifies a (provider, question, brand) unit independent of batch.
type UnitKey struct {
	Provider   model.Provider
	QuestionID string
	BrandID    string
}

// QueueStats is a point-in-time view of queue health.
type QueueStats struct {
	Pending         int `json:"pending"`
	Claimed         int `json:"claimed"`
	StaleClaims     int `json:"stale_claims"`
	CompletedRecent int `json:"completed_recent"`
	FailedRecent    int `json:"failed_recent"`
}

// JobStore persists acquisition jobs. All state changes are conditional
// single-row updates and report whether a row changed.
type JobStore interface {
	InsertJobs(ctx context.Context, jobs []model.AcquisitionJob) error
	SelectClaimable(ctx context.Context, f ClaimFilter) ([]model.AcquisitionJob, error)
	ClaimJob(ctx context.Context, id, workerID string, now time.Time) (bool, error)
	GetJob(ctx context.Context, id string) (*model.AcquisitionJob, error)
	ListUnitJobs(ctx context.Context, unitID string) ([]model.AcquisitionJob, error)
	// Terminal and retry transitions require status claimed and, when
	// workerID is non-empty, that workerID holds the claim.
	CompleteJob(ctx context.Context, id, workerID string, now time.Time) (bool, error)
	RescheduleJob(ctx context.Context, id, workerID string, attempts int, retryAt time.Time, lastErr string, now time.Time) (bool, error)
	FailJob(ctx context.Context, id, workerID string, attempts int, lastErr string, now time.Time) (bool, error)
	CancelPendingJobs(ctx context.Context, batchID string, now time.Time) (int64, error)
	CancelUnitJobs(ctx context.Context, unitID string, now time.Time) (int64, error)
	CountJobs(ctx context.Context, batchID string) (model.JobCounts, error)
	ReleaseStaleClaims(ctx context.Context, claimedBefore, now time.Time) (int64, error)
	QueueStats(ctx context.Context, since, staleBefore time.Time) (QueueStats, error)
}

// UnitStore persists visibility units. Units awaiting browser acquisition
// double as the flat scan table used when the job table is unreachable.
type UnitStore interface {
	InsertUnits(ctx context.Context, units []model.VisibilityUnit) error
	GetUnit(ctx context.Context, id string) (*model.VisibilityUnit, error)
	LatestUnit(ctx context.Context, key UnitKey) (*model.VisibilityUnit, error)
	ListBatchUnits(ctx context.Context, batchID string) ([]model.VisibilityUnit, error)
	ListAwaitingUnits(ctx context.Context, providers []model.Provider, limit int) ([]model.VisibilityUnit, error)
	SetUnitStatus(ctx context.Context, id string, status model.UnitStatus, now time.Time) error
	CancelAwaitingUnits(ctx context.Context, batchID string, now time.Time) (int64, error)
}

// LedgerStore persists provider rate-limit state and worker heartbeats.
type LedgerStore interface {
	GetRateLimit(ctx context.Context, p model.Provider) (*model.EngineRateLimitState, error)
	ListRateLimits(ctx context.Context) ([]model.EngineRateLimitState, error)
	UpsertRateLimit(ctx context.Context, st model.EngineRateLimitState) error
	UpsertHeartbeat(ctx context.Context, hb model.WorkerHeartbeat) error
	ListHeartbeats(ctx context.Context, since time.Time) ([]model.WorkerHeartbeat, error)
}

// ResultStore persists trial results, verdicts, findings and ground truth.
type ResultStore interface {
	SaveTrial(ctx context.Context, t model.TrialResult) error
	ListTrials(ctx context.Context, unitID string) ([]model.TrialResult, error)
	SaveVerdict(ctx context.Context, v model.EnsembleVerdict) error
	GetVerdict(ctx context.Context, unitID string) (*model.EnsembleVerdict, error)
	SaveHallucination(ctx context.Context, r model.HallucinationResult) error
	ListHallucinations(ctx context.Context, unitID string) ([]model.HallucinationResult, error)
	SaveFactSet(ctx context.Context, fs model.FactSet) error
	GetFactSet(ctx context.Context, brandID string) (*model.FactSet, error)
}

// SessionStore persists authenticated browser state.
type SessionStore interface {
	SaveSession(ctx context.Context, s model.BrowserSession) error
	GetSession(ctx context.Context, p model.Provider, userID string) (*model.BrowserSession, error)
	DeleteSession(ctx context.Context, p model.Provider, userID string) error
}

// Store defines the persistence interface for the visibility engine.
// Lookups that find nothing return nil with no error.
type Store interface {
	JobStore
	UnitStore
	LedgerStore
	ResultStore
	SessionStore

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// Open builds the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		return NewPostgres(ctx, cfg.DatabaseURL, &PoolConfig{MaxConns: cfg.MaxConns, MinConns: cfg.MinConns})
	case "sqlite":
		return NewSQLite(cfg.SQLitePath)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

func providerStrings(ps []model.Provider) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = string(p)
	}
	return out
}
