package trial

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/visibility-engine/internal/config"
	"github.com/sells-group/visibility-engine/internal/model"
)

const defaultBrowserTimeout = 3 * time.Minute

// Acquirer drives a real browser session to ask one question.
type Acquirer interface {
	Acquire(ctx context.Context, p model.Provider, question string) (*Answer, error)
}

// Browser runs trials through an Acquirer.
type Browser struct {
	finisher
	acq     Acquirer
	timeout time.Duration
	log     *zap.Logger
}

// NewBrowser creates a browser runner.
func NewBrowser(acq Acquirer, cfg config.TrialConfig) *Browser {
	timeout := cfg.BrowserTimeout
	if timeout <= 0 {
		timeout = defaultBrowserTimeout
	}
	maxSources := cfg.MaxSources
	if maxSources <= 0 {
		maxSources = DefaultMaxSources
	}
	return &Browser{
		finisher: finisher{mode: model.ModeBrowser, maxSources: maxSources},
		acq:      acq,
		timeout:  timeout,
		log:      zap.L().With(zap.String("component", "trial.browser")),
	}
}

// Run implements Runner. Browser trials carry no per-call cost.
func (b *Browser) Run(ctx context.Context, req Request) (model.TrialResult, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	ans, err := b.acq.Acquire(ctx, req.Provider, req.Question)
	if err != nil {
		b.log.Warn("browser trial failed",
			zap.String("job_id", req.JobID),
			zap.String("provider", string(req.Provider)),
			zap.Bool("permanent", IsPermanent(err)),
			zap.Error(err),
		)
	}
	return b.finish(req, start, ans, err, 0)
}
