package ledger

import (
	"time"

	"github.com/sells-group/visibility-engine/internal/model"
)

// Snapshot is a read-only view of provider availability at one instant.
// The router decides lanes from a Snapshot and never writes to the ledger.
type Snapshot struct {
	Taken    time.Time
	Limits   map[model.Provider]model.EngineRateLimitState
	Workers  []model.WorkerHeartbeat
	Liveness time.Duration
}

// Eligible reports whether p is outside cooldown and backoff. Providers with
// no row are eligible.
func (s Snapshot) Eligible(p model.Provider) bool {
	st, ok := s.Limits[p]
	if !ok {
		return true
	}
	return st.Eligible(s.Taken)
}

// AvailableWorkers returns workers that can take browser work.
func (s Snapshot) AvailableWorkers() []model.WorkerHeartbeat {
	liveness := s.Liveness
	if liveness <= 0 {
		liveness = DefaultLiveness
	}
	var out []model.WorkerHeartbeat
	for i := range s.Workers {
		if s.Workers[i].Available(s.Taken, liveness) {
			out = append(out, s.Workers[i])
		}
	}
	return out
}

// WorkerReady reports whether an available worker advertises readiness for p.
func (s Snapshot) WorkerReady(p model.Provider) bool {
	for _, w := range s.AvailableWorkers() {
		if w.Ready(p) {
			return true
		}
	}
	return false
}

// InBackoff lists providers currently held by cooldown or error backoff.
func (s Snapshot) InBackoff() []model.Provider {
	var out []model.Provider
	for _, p := range model.AllProviders {
		if !s.Eligible(p) {
			out = append(out, p)
		}
	}
	return out
}
