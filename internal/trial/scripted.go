package trial

import (
	"context"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/visibility-engine/internal/config"
	"github.com/sells-group/visibility-engine/internal/cost"
	"github.com/sells-group/visibility-engine/internal/model"
	"github.com/sells-group/visibility-engine/internal/resilience"
)

const (
	defaultScriptedTimeout = 60 * time.Second
	defaultScriptedRPS     = 2.0
)

// Engine answers a question through a provider's API.
type Engine interface {
	Provider() model.Provider
	Ask(ctx context.Context, question string) (*Answer, error)
}

// Scripted runs trials against provider APIs. Each provider has its own
// rate limiter and circuit breaker.
type Scripted struct {
	finisher
	engines  map[model.Provider]Engine
	limiters map[model.Provider]*rate.Limiter
	breakers *resilience.Breakers
	retry    resilience.RetryConfig
	timeout  time.Duration
	calc     *cost.Calculator
	log      *zap.Logger
}

// NewScripted builds a scripted runner over engines. A later engine for the
// same provider replaces an earlier one.
func NewScripted(cfg config.TrialConfig, calc *cost.Calculator, engines ...Engine) *Scripted {
	if calc == nil {
		calc = cost.NewCalculator(config.PricingConfig{})
	}
	timeout := cfg.ScriptedTimeout
	if timeout <= 0 {
		timeout = defaultScriptedTimeout
	}
	rps := cfg.ScriptedRPS
	if rps <= 0 {
		rps = defaultScriptedRPS
	}
	maxSources := cfg.MaxSources
	if maxSources <= 0 {
		maxSources = DefaultMaxSources
	}

	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = 2

	s := &Scripted{
		finisher: finisher{mode: model.ModeScripted, maxSources: maxSources},
		engines:  make(map[model.Provider]Engine, len(engines)),
		limiters: make(map[model.Provider]*rate.Limiter, len(engines)),
		breakers: resilience.NewBreakers(resilience.DefaultBreakerConfig()),
		retry:    retry,
		timeout:  timeout,
		calc:     calc,
		log:      zap.L().With(zap.String("component", "trial.scripted")),
	}
	for _, e := range engines {
		p := e.Provider()
		s.engines[p] = e
		s.limiters[p] = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return s
}

// Providers returns the providers with a configured engine.
func (s *Scripted) Providers() []model.Provider {
	out := make([]model.Provider, 0, len(s.engines))
	for _, p := range model.AllProviders {
		if _, ok := s.engines[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Supports reports whether p has a configured engine.
func (s *Scripted) Supports(p model.Provider) bool {
	return slices.Contains(s.Providers(), p)
}

// BreakerStates reports each provider's circuit state.
func (s *Scripted) BreakerStates() map[string]resilience.CircuitState {
	return s.breakers.States()
}

// Run implements Runner.
func (s *Scripted) Run(ctx context.Context, req Request) (model.TrialResult, error) {
	start := time.Now()

	eng, ok := s.engines[req.Provider]
	if !ok {
		return s.finish(req, start, nil, eris.Wrapf(ErrUnsupportedProvider, "trial: no scripted engine for %s", req.Provider), 0)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.limiters[req.Provider].Wait(ctx); err != nil {
		return s.finish(req, start, nil, eris.Wrap(err, "trial: rate limit wait"), 0)
	}

	ans, err := resilience.Guarded(ctx, s.breakers, "scripted:"+string(req.Provider), s.retry,
		func(ctx context.Context) (*Answer, error) {
			return eng.Ask(ctx, req.Question)
		})

	var spent float64
	if err != nil {
		s.log.Warn("scripted trial failed",
			zap.String("unit_id", req.UnitID),
			zap.String("provider", string(req.Provider)),
			zap.Error(err),
		)
	} else if ans != nil {
		spent = s.calc.Scripted(req.Provider, ans.InputTokens, ans.OutputTokens)
	}

	return s.finish(req, start, ans, err, spent)
}
