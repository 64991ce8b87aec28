// Package ledger tracks per-provider cooldown and error backoff plus browser
// worker readiness. RecordOutcome is the only path that mutates provider
// availability.
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-engine/internal/metrics"
	"github.com/sells-group/visibility-engine/internal/model"
	"github.com/sells-group/visibility-engine/internal/store"
)

// Escalation thresholds on consecutive errors.
const (
	ModerateThreshold = 3
	SevereThreshold   = 5
	ModerateBackoff   = 5 * time.Minute
	SevereBackoff     = 15 * time.Minute
)

// DefaultLiveness is how recently a worker must have heartbeated to count.
const DefaultLiveness = 90 * time.Second

// DefaultCooldowns returns the per-provider spacing applied after every
// completion.
func DefaultCooldowns() map[model.Provider]time.Duration {
	return map[model.Provider]time.Duration{
		model.ProviderChatGPT:    30 * time.Second,
		model.ProviderPerplexity: 20 * time.Second,
		model.ProviderGemini:     15 * time.Second,
		model.ProviderGrok:       15 * time.Second,
	}
}

// BackoffFor returns the error backoff for a streak of consecutive errors.
// Zero means no backoff.
func BackoffFor(consecutive int) time.Duration {
	switch {
	case consecutive >= SevereThreshold:
		return SevereBackoff
	case consecutive >= ModerateThreshold:
		return ModerateBackoff
	default:
		return 0
	}
}

// Ledger is the single writer of provider availability.
type Ledger struct {
	store     store.LedgerStore
	cooldowns map[model.Provider]time.Duration
	liveness  time.Duration
	log       *zap.Logger

	// mu serializes read-modify-write of rate-limit rows within this process.
	mu sync.Mutex
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithCooldowns overrides per-provider cooldowns. Unknown provider names are
// ignored.
func WithCooldowns(cooldowns map[string]time.Duration) Option {
	return func(l *Ledger) {
		for name, d := range cooldowns {
			if p, ok := model.ParseProvider(name); ok {
				l.cooldowns[p] = d
			}
		}
	}
}

// WithLiveness sets the heartbeat liveness window.
func WithLiveness(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.liveness = d
		}
	}
}

// New creates a Ledger backed by st.
func New(st store.LedgerStore, opts ...Option) *Ledger {
	l := &Ledger{
		store:     st,
		cooldowns: DefaultCooldowns(),
		liveness:  DefaultLiveness,
		log:       zap.L().With(zap.String("component", "ledger")),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Cooldown returns the configured cooldown for p.
func (l *Ledger) Cooldown(p model.Provider) time.Duration {
	return l.cooldowns[p]
}

// Snapshot reads the current rate-limit rows and live workers.
func (l *Ledger) Snapshot(ctx context.Context, now time.Time) (Snapshot, error) {
	limits, err := l.store.ListRateLimits(ctx)
	if err != nil {
		return Snapshot{}, eris.Wrap(err, "ledger: snapshot rate limits")
	}
	workers, err := l.store.ListHeartbeats(ctx, now.Add(-l.liveness))
	if err != nil {
		return Snapshot{}, eris.Wrap(err, "ledger: snapshot heartbeats")
	}

	snap := Snapshot{
		Taken:    now,
		Limits:   make(map[model.Provider]model.EngineRateLimitState, len(limits)),
		Workers:  workers,
		Liveness: l.liveness,
	}
	for _, st := range limits {
		snap.Limits[st.Provider] = st
	}
	return snap, nil
}

// Eligible reports whether p may be dispatched at now.
func (l *Ledger) Eligible(ctx context.Context, p model.Provider, now time.Time) (bool, error) {
	st, err := l.store.GetRateLimit(ctx, p)
	if err != nil {
		return false, eris.Wrapf(err, "ledger: eligible %s", p)
	}
	return st.Eligible(now), nil
}

// RecordOutcome applies one completion to p's state. Success resets the
// error streak and clears backoff. Failure extends the streak and escalates
// backoff at the moderate and severe thresholds. Every outcome starts the
// provider cooldown.
func (l *Ledger) RecordOutcome(ctx context.Context, p model.Provider, success bool, now time.Time) (model.EngineRateLimitState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, err := l.store.GetRateLimit(ctx, p)
	if err != nil {
		return model.EngineRateLimitState{}, eris.Wrapf(err, "ledger: load %s", p)
	}
	next := model.EngineRateLimitState{Provider: p}
	if cur != nil {
		next = *cur
	}

	if success {
		next.ConsecutiveErrors = 0
		next.ErrorBackoffUntil = nil
	} else {
		next.ConsecutiveErrors++
		if d := BackoffFor(next.ConsecutiveErrors); d > 0 {
			until := now.Add(d)
			next.ErrorBackoffUntil = &until
		} else {
			next.ErrorBackoffUntil = nil
		}
	}

	if d := l.cooldowns[p]; d > 0 {
		until := now.Add(d)
		next.CooldownUntil = &until
	} else {
		next.CooldownUntil = nil
	}
	last := now
	next.LastRequestAt = &last
	next.UpdatedAt = now

	if err := l.store.UpsertRateLimit(ctx, next); err != nil {
		return model.EngineRateLimitState{}, eris.Wrapf(err, "ledger: save %s", p)
	}

	metrics.ConsecutiveErrors.WithLabelValues(string(p)).Set(float64(next.ConsecutiveErrors))
	if next.ErrorBackoffUntil != nil {
		l.log.Warn("provider in error backoff",
			zap.String("provider", string(p)),
			zap.Int("consecutive_errors", next.ConsecutiveErrors),
			zap.Time("until", *next.ErrorBackoffUntil),
		)
	}
	return next, nil
}

// Heartbeat records a worker status report. It touches worker rows only.
func (l *Ledger) Heartbeat(ctx context.Context, hb model.WorkerHeartbeat) error {
	return eris.Wrap(l.store.UpsertHeartbeat(ctx, hb), "ledger: heartbeat")
}
