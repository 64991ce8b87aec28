package model

import (
	"slices"
	"time"
)

// EngineRateLimitState is the cooldown and backoff state of one provider.
type EngineRateLimitState struct {
	Provider          Provider   `json:"provider"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
	CooldownUntil     *time.Time `json:"cooldown_until,omitempty"`
	ErrorBackoffUntil *time.Time `json:"error_backoff_until,omitempty"`
	LastRequestAt     *time.Time `json:"last_request_at,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Eligible reports whether both cooldown fields are unset or in the past.
func (s *EngineRateLimitState) Eligible(now time.Time) bool {
	if s == nil {
		return true
	}
	if s.CooldownUntil != nil && s.CooldownUntil.After(now) {
		return false
	}
	if s.ErrorBackoffUntil != nil && s.ErrorBackoffUntil.After(now) {
		return false
	}
	return true
}

// WorkerStatus is the self-reported state of a browser worker.
type WorkerStatus string

const (
	WorkerActive   WorkerStatus = "active"
	WorkerIdle     WorkerStatus = "idle"
	WorkerDraining WorkerStatus = "draining"
	WorkerOffline  WorkerStatus = "offline"
)

// WorkerHeartbeat is the last status report from a browser worker.
type WorkerHeartbeat struct {
	WorkerID         string       `json:"worker_id" validate:"required"`
	Status           WorkerStatus `json:"status" validate:"required,oneof=active idle draining offline"`
	BrowserConnected bool         `json:"browser_connected"`
	EnginesReady     []Provider   `json:"engines_ready"`
	JobsProcessed    int          `json:"jobs_processed"`
	JobsFailed       int          `json:"jobs_failed"`
	Version          string       `json:"version,omitempty"`
	LastSeenAt       time.Time    `json:"last_seen_at"`
}

// Available reports whether the worker can take browser work at now.
func (h *WorkerHeartbeat) Available(now time.Time, liveness time.Duration) bool {
	if !h.BrowserConnected {
		return false
	}
	if h.Status != WorkerActive && h.Status != WorkerIdle {
		return false
	}
	return now.Sub(h.LastSeenAt) <= liveness
}

// Ready reports whether the worker advertises readiness for p.
func (h *WorkerHeartbeat) Ready(p Provider) bool {
	return slices.Contains(h.EnginesReady, p)
}
