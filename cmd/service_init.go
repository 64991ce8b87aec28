package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-engine/internal/brand"
	"github.com/sells-group/visibility-engine/internal/completion"
	"github.com/sells-group/visibility-engine/internal/config"
	"github.com/sells-group/visibility-engine/internal/cost"
	"github.com/sells-group/visibility-engine/internal/credits"
	"github.com/sells-group/visibility-engine/internal/ensemble"
	"github.com/sells-group/visibility-engine/internal/groundtruth"
	"github.com/sells-group/visibility-engine/internal/hallucination"
	"github.com/sells-group/visibility-engine/internal/ledger"
	"github.com/sells-group/visibility-engine/internal/model"
	"github.com/sells-group/visibility-engine/internal/queue"
	"github.com/sells-group/visibility-engine/internal/router"
	"github.com/sells-group/visibility-engine/internal/store"
	"github.com/sells-group/visibility-engine/internal/trial"
	"github.com/sells-group/visibility-engine/internal/visibility"
	anthropicpkg "github.com/sells-group/visibility-engine/pkg/anthropic"
	"github.com/sells-group/visibility-engine/pkg/perplexity"
)

// serviceEnv holds the store, ledger and service needed by the serve and
// dispatch commands.
type serviceEnv struct {
	Store   store.Store
	Ledger  *ledger.Ledger
	Queue   *queue.Queue
	Service *visibility.Service
}

// Close releases resources held by the environment.
func (e *serviceEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// openStore opens and migrates the configured store.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initService wires the store, scripted engines, completion client and
// analysis stages into a visibility.Service. Callers should defer env.Close().
func initService(ctx context.Context, mode string) (*serviceEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	calc := cost.NewCalculator(cfg.Pricing)
	ai := completion.New(anthropicpkg.NewClient(cfg.Anthropic.Key), cfg.Anthropic, cfg.Completion, calc)

	engines, err := scriptedEngines(ctx, cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	scripted := trial.NewScripted(cfg.Trial, calc, engines...)

	var sentiment ensemble.SentimentScorer
	if cfg.Ensemble.Sentiment {
		sentiment = brand.NewSentiment(ai)
	}
	premium := model.Provider(cfg.Router.PremiumProvider)
	runner := ensemble.NewRunner(scripted, brand.NewExtractor(ai), sentiment, cfg.Ensemble, premium)

	led := ledger.New(st,
		ledger.WithCooldowns(cfg.Ledger.Cooldowns),
		ledger.WithLiveness(cfg.Router.WorkerLiveness),
	)
	q := queue.New(st, st, led, cfg.Queue)

	deps := visibility.Deps{
		Store:    st,
		Ledger:   led,
		Router:   router.New(cfg.Router.PremiumProvider),
		Queue:    q,
		Ensemble: runner,
		Credits:  credits.New(cfg.Credits),
	}
	if cfg.Hallucination.Enabled {
		deps.Detector = hallucination.NewDetector(ai, cfg.Hallucination)
		deps.GroundTruth = groundtruth.NewBuilder(ai)
	}

	return &serviceEnv{
		Store:   st,
		Ledger:  led,
		Queue:   q,
		Service: visibility.New(deps, cfg),
	}, nil
}

// scriptedEngines builds an API engine for every provider with a key.
// Providers without one fail their scripted trials as unavailable.
func scriptedEngines(ctx context.Context, c *config.Config) ([]trial.Engine, error) {
	var engines []trial.Engine
	if c.OpenAI.Key != "" {
		engines = append(engines, trial.NewOpenAIEngine(model.ProviderChatGPT, c.OpenAI))
	}
	if c.Grok.Key != "" {
		engines = append(engines, trial.NewOpenAIEngine(model.ProviderGrok, c.Grok))
	}
	if c.Perplexity.Key != "" {
		client := perplexity.NewClient(c.Perplexity.Key,
			perplexity.WithBaseURL(c.Perplexity.BaseURL),
			perplexity.WithModel(c.Perplexity.Model),
		)
		engines = append(engines, trial.NewPerplexityEngine(client))
	}
	if c.Gemini.Key != "" {
		g, err := trial.NewGeminiEngine(ctx, c.Gemini)
		if err != nil {
			return nil, eris.Wrap(err, "init gemini engine")
		}
		engines = append(engines, g)
	}

	names := make([]string, 0, len(engines))
	for _, e := range engines {
		names = append(names, string(e.Provider()))
	}
	zap.L().Info("scripted engines configured", zap.Strings("providers", names))
	return engines, nil
}
