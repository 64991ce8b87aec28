// Package router splits a provider request into the scripted and browser
// acquisition lanes.
package router

import (
	"github.com/sells-group/visibility-engine/internal/ledger"
	"github.com/sells-group/visibility-engine/internal/metrics"
	"github.com/sells-group/visibility-engine/internal/model"
)

// Split is the lane assignment for one request. Browser and Scripted are
// disjoint and together hold every requested provider in input order.
type Split struct {
	Browser  []model.Provider `json:"browser_lane"`
	Scripted []model.Provider `json:"scripted_lane"`
}

// Lane returns the mode a provider was routed to.
func (s Split) Lane(p model.Provider) model.AcquisitionMode {
	for _, b := range s.Browser {
		if b == p {
			return model.ModeBrowser
		}
	}
	return model.ModeScripted
}

// Router routes providers. Only the premium provider is eligible for the
// browser lane.
type Router struct {
	premium model.Provider
}

// New creates a Router with the given premium provider. An empty or unknown
// provider falls back to chatgpt.
func New(premium string) *Router {
	p, ok := model.ParseProvider(premium)
	if !ok {
		p = model.ProviderChatGPT
	}
	return &Router{premium: p}
}

// Premium returns the browser-eligible provider.
func (r *Router) Premium() model.Provider {
	return r.premium
}

// Route assigns each provider to a lane. The premium provider goes to the
// browser lane only when scripted mode is not forced and an available worker
// advertises readiness for it. Duplicate providers keep their first position.
func (r *Router) Route(providers []model.Provider, forceScripted bool, snap ledger.Snapshot) Split {
	browserOK := !forceScripted && snap.WorkerReady(r.premium)

	var split Split
	seen := make(map[model.Provider]bool, len(providers))
	for _, p := range providers {
		if seen[p] {
			continue
		}
		seen[p] = true
		if p == r.premium && browserOK {
			split.Browser = append(split.Browser, p)
			metrics.RouterDecisions.WithLabelValues(string(p), string(model.ModeBrowser)).Inc()
			continue
		}
		split.Scripted = append(split.Scripted, p)
		metrics.RouterDecisions.WithLabelValues(string(p), string(model.ModeScripted)).Inc()
	}
	return split
}
