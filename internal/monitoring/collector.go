package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/visibility-engine/internal/ledger"
	"github.com/sells-group/visibility-engine/internal/model"
	"github.com/sells-group/visibility-engine/internal/store"
)

// MetricsSnapshot holds a point-in-time view of queue health.
type MetricsSnapshot struct {
	// Job metrics. Completed and failed counts are within the lookback window.
	Pending         int     `json:"pending"`
	Claimed         int     `json:"claimed"`
	StaleClaims     int     `json:"stale_claims"`
	CompletedRecent int     `json:"completed_recent"`
	FailedRecent    int     `json:"failed_recent"`
	FailRate        float64 `json:"fail_rate"`

	// Provider and worker state.
	BackoffProviders []model.Provider `json:"backoff_providers"`
	AvailableWorkers int              `json:"available_workers"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Finished is the number of jobs that reached a terminal outcome in the window.
func (s *MetricsSnapshot) Finished() int {
	return s.CompletedRecent + s.FailedRecent
}

// StatsQuerier abstracts the job-store query the collector needs.
type StatsQuerier interface {
	QueueStats(ctx context.Context, since, staleBefore time.Time) (store.QueueStats, error)
}

// SnapshotSource abstracts the ledger read the collector needs.
type SnapshotSource interface {
	Snapshot(ctx context.Context, now time.Time) (ledger.Snapshot, error)
}

// Collector gathers queue metrics from the store and the ledger.
type Collector struct {
	stats  StatsQuerier
	ledger SnapshotSource
	lease  time.Duration
	now    func() time.Time
}

// NewCollector creates a new metrics collector. Claims older than lease
// count as stale. The ledger may be nil.
func NewCollector(stats StatsQuerier, l SnapshotSource, lease time.Duration) *Collector {
	return &Collector{
		stats:  stats,
		ledger: l,
		lease:  lease,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now()
	snap := &MetricsSnapshot{
		BackoffProviders: []model.Provider{},
		LookbackHours:    lookbackHours,
		CollectedAt:      now,
	}

	since := now.Add(-time.Duration(lookbackHours) * time.Hour)
	qs, err := c.stats.QueueStats(ctx, since, now.Add(-c.lease))
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: queue stats")
	}
	snap.Pending = qs.Pending
	snap.Claimed = qs.Claimed
	snap.StaleClaims = qs.StaleClaims
	snap.CompletedRecent = qs.CompletedRecent
	snap.FailedRecent = qs.FailedRecent
	if f := snap.Finished(); f > 0 {
		snap.FailRate = float64(snap.FailedRecent) / float64(f)
	}

	if c.ledger != nil {
		ls, err := c.ledger.Snapshot(ctx, now)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: ledger snapshot")
		}
		// Routine request spacing is not a health problem; only error
		// backoff is reported.
		for _, p := range model.AllProviders {
			st, ok := ls.Limits[p]
			if ok && st.ErrorBackoffUntil != nil && st.ErrorBackoffUntil.After(now) {
				snap.BackoffProviders = append(snap.BackoffProviders, p)
			}
		}
		snap.AvailableWorkers = len(ls.AvailableWorkers())
	}

	return snap, nil
}
