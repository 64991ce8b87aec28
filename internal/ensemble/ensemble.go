package ensemble

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/visibility-engine/internal/brand"
	"github.com/sells-group/visibility-engine/internal/config"
	"github.com/sells-group/visibility-engine/internal/metrics"
	"github.com/sells-group/visibility-engine/internal/model"
	"github.com/sells-group/visibility-engine/internal/trial"
)

// Defaults for a zero EnsembleConfig.
const (
	DefaultPremiumRuns = 5
	DefaultPoolSize    = 3
	DefaultTimeout     = 10 * time.Minute
)

// BrandExtractor lists the brands named in an answer.
type BrandExtractor interface {
	Extract(ctx context.Context, question, answer string) (*brand.Extraction, error)
}

// SentimentScorer rates how an answer portrays a brand.
type SentimentScorer interface {
	Score(ctx context.Context, brandName, answer string) (float64, model.TokenUsage, error)
}

// Runner executes the trials of a unit through a bounded pool and
// aggregates them.
type Runner struct {
	trials    trial.Runner
	extractor BrandExtractor
	sentiment SentimentScorer
	premium   model.Provider
	runs      int
	poolSize  int
	timeout   time.Duration
	opts      Options
	log       *zap.Logger
}

// NewRunner creates a Runner. sentiment may be nil to skip scoring.
func NewRunner(tr trial.Runner, ex BrandExtractor, sentiment SentimentScorer, cfg config.EnsembleConfig, premium model.Provider) *Runner {
	r := &Runner{
		trials:    tr,
		extractor: ex,
		sentiment: sentiment,
		premium:   premium,
		runs:      cfg.Runs,
		poolSize:  cfg.PoolSize,
		timeout:   cfg.Timeout,
		opts:      Options{MaxOtherBrands: cfg.MaxOtherBrands},
		log:       zap.L().With(zap.String("component", "ensemble")),
	}
	if r.runs <= 0 {
		r.runs = DefaultPremiumRuns
	}
	if r.poolSize <= 0 {
		r.poolSize = DefaultPoolSize
	}
	if r.timeout <= 0 {
		r.timeout = DefaultTimeout
	}
	if !cfg.Sentiment {
		r.sentiment = nil
	}
	return r
}

// RunsFor returns the trial count for a unit on provider p when the caller
// did not ask for one. The premium provider gets the full ensemble; the
// others get a single run.
func (r *Runner) RunsFor(p model.Provider) int {
	if p == r.premium {
		return r.runs
	}
	return 1
}

// Run executes unit.Runs trials (or RunsFor when unset) and aggregates them.
// Failed trials stay in the result and the denominator. Trials not started
// before the overall timeout are left out of both.
func (r *Runner) Run(ctx context.Context, unit model.VisibilityUnit) (model.EnsembleVerdict, []model.TrialResult) {
	n := unit.Runs
	if n <= 0 {
		n = r.RunsFor(unit.Provider)
	}
	log := r.log.With(
		zap.String("unit_id", unit.ID),
		zap.String("provider", string(unit.Provider)),
		zap.Int("runs", n),
	)

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	slots := make([]*Evidence, n)
	var g errgroup.Group
	g.SetLimit(r.poolSize)

	for i := range n {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			res, err := r.trials.Run(ctx, trial.Request{
				UnitID:   unit.ID,
				Provider: unit.Provider,
				Question: unit.QuestionText,
				RunIndex: i,
			})
			if err != nil {
				log.Warn("trial failed", zap.Int("run_index", i), zap.Error(err))
			}
			ev := r.Evidence(ctx, unit, res)
			slots[i] = &ev
			return nil
		})
	}
	_ = g.Wait()

	evidence := make([]Evidence, 0, n)
	results := make([]model.TrialResult, 0, n)
	for _, ev := range slots {
		if ev == nil {
			continue
		}
		evidence = append(evidence, *ev)
		results = append(results, ev.Trial)
	}
	if len(evidence) < n {
		log.Warn("ensemble timed out with partial results", zap.Int("collected", len(evidence)))
	}

	v := r.Aggregate(unit, evidence)
	log.Info("ensemble complete",
		zap.Int("successful", v.SuccessfulRuns),
		zap.Float64("visibility", v.VisibilityFrequency),
		zap.String("presence", string(v.PresenceLevel)),
	)
	return v, results
}

// Aggregate applies the Runner's options to Aggregate and records the
// verdict metric.
func (r *Runner) Aggregate(unit model.VisibilityUnit, evidence []Evidence) model.EnsembleVerdict {
	v := Aggregate(unit, evidence, r.opts)
	metrics.Verdicts.WithLabelValues(string(unit.Provider), string(v.PresenceLevel)).Inc()
	return v
}

// Evidence extracts brands and, when the target is mentioned, sentiment
// from one finished trial. Extraction failures yield a nil Extraction.
func (r *Runner) Evidence(ctx context.Context, unit model.VisibilityUnit, res model.TrialResult) Evidence {
	ev := Evidence{Trial: res}
	if !res.Success {
		return ev
	}

	ext, err := r.extractor.Extract(ctx, unit.QuestionText, res.AnswerText)
	if err != nil {
		r.log.Warn("brand extraction failed",
			zap.String("unit_id", unit.ID),
			zap.String("trial_id", res.ID),
			zap.Error(err),
		)
		return ev
	}
	ev.Extraction = ext

	if r.sentiment == nil {
		return ev
	}
	obs := brand.Observe(unit.Brand, res, ext)
	if !obs.Target.InAnswer {
		return ev
	}
	score, _, err := r.sentiment.Score(ctx, unit.Brand.Name, res.AnswerText)
	if err != nil {
		r.log.Debug("sentiment failed", zap.String("trial_id", res.ID), zap.Error(err))
		return ev
	}
	ev.Sentiment = &score
	return ev
}
