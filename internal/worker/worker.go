// Package worker implements the pull-based browser worker. It polls the
// engine for claimable jobs, acquires answers through a browser runner and
// reports results back over HTTP.
package worker

import (
	"context"
	"math/rand/v2"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/visibility-engine/internal/config"
	"github.com/sells-group/visibility-engine/internal/model"
	"github.com/sells-group/visibility-engine/internal/queue"
	"github.com/sells-group/visibility-engine/internal/trial"
	"github.com/sells-group/visibility-engine/internal/visibility"
)

const (
	defaultPollInterval      = 10 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
	defaultMinDelay          = 5 * time.Second
	defaultMaxDelay          = 10 * time.Second
)

// Version is reported in heartbeats.
var Version = "dev"

// Worker pulls browser jobs one at a time.
type Worker struct {
	api       API
	runner    trial.Runner
	id        string
	providers []model.Provider
	limiters  map[model.Provider]*rate.Limiter
	connected func() bool

	pollInterval      time.Duration
	heartbeatInterval time.Duration
	minDelay          time.Duration
	maxDelay          time.Duration

	processed atomic.Int64
	failed    atomic.Int64
	busy      atomic.Bool

	sleep func(ctx context.Context, d time.Duration) error
	log   *zap.Logger
}

// Option configures a Worker.
type Option func(*Worker)

// WithConnected sets the browser connectivity probe reported in heartbeats.
func WithConnected(fn func() bool) Option {
	return func(w *Worker) { w.connected = fn }
}

// WithSleep overrides the pause between jobs and polls.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(w *Worker) { w.sleep = fn }
}

// New creates a Worker. Each provider is spaced by its cooldown.
func New(api API, runner trial.Runner, cfg config.WorkerConfig, cooldowns map[string]time.Duration, opts ...Option) *Worker {
	providers, invalid := model.ParseProviders(strings.Join(cfg.Providers, ","))
	if len(cfg.Providers) == 0 {
		providers = model.AllProviders
	}
	w := &Worker{
		api:               api,
		runner:            runner,
		id:                cfg.ID,
		providers:         providers,
		limiters:          make(map[model.Provider]*rate.Limiter, len(providers)),
		connected:         func() bool { return true },
		pollInterval:      orDefault(cfg.PollInterval, defaultPollInterval),
		heartbeatInterval: orDefault(cfg.HeartbeatInterval, defaultHeartbeatInterval),
		minDelay:          orDefault(cfg.MinDelay, defaultMinDelay),
		maxDelay:          orDefault(cfg.MaxDelay, defaultMaxDelay),
		sleep:             sleepCtx,
		log:               zap.L().With(zap.String("component", "worker"), zap.String("worker_id", cfg.ID)),
	}
	if w.maxDelay < w.minDelay {
		w.maxDelay = w.minDelay
	}
	for _, p := range providers {
		if cd := cooldowns[string(p)]; cd > 0 {
			w.limiters[p] = rate.NewLimiter(rate.Every(cd), 1)
		}
	}
	for _, o := range opts {
		o(w)
	}
	if len(invalid) > 0 {
		w.log.Warn("ignoring unknown providers", zap.Strings("providers", invalid))
	}
	return w
}

// Run polls until ctx is cancelled, heartbeating alongside. A final
// offline heartbeat is sent on the way out.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started", zap.Any("providers", w.providers))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t := time.NewTicker(w.heartbeatInterval)
		defer t.Stop()
		for {
			w.beat(gctx, w.status())
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
			}
		}
	})
	g.Go(func() error {
		for {
			n, err := w.Poll(gctx)
			if err != nil && gctx.Err() == nil {
				w.log.Warn("poll failed", zap.Error(err))
			}
			wait := w.pollInterval
			if n > 0 {
				wait = w.delay()
			}
			if err := w.sleep(gctx, wait); err != nil {
				return nil
			}
		}
	})
	err := g.Wait()

	offline, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	w.beat(offline, model.WorkerOffline)
	w.log.Info("worker stopped",
		zap.Int64("processed", w.processed.Load()),
		zap.Int64("failed", w.failed.Load()),
	)
	return err
}

// Poll fetches claimable work for the providers out of cooldown and
// processes at most one job. It returns the number of jobs processed.
func (w *Worker) Poll(ctx context.Context) (int, error) {
	ready := w.ready()
	if len(ready) == 0 {
		return 0, nil
	}
	jobs, err := w.api.Claimable(ctx, w.id, ready, len(ready))
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		if !job.Fallback {
			claimed, err := w.api.Claim(ctx, w.id, []string{job.ID})
			if err != nil {
				return 0, err
			}
			if len(claimed) == 0 {
				continue
			}
		}
		w.process(ctx, job)
		return 1, nil
	}
	return 0, nil
}

// process runs one job and reports its outcome. Reporting failures are
// logged; the claim lease returns the job to the pool if the report is lost.
func (w *Worker) process(ctx context.Context, job model.AcquisitionJob) {
	w.busy.Store(true)
	defer w.busy.Store(false)

	log := w.log.With(zap.String("job_id", job.ID), zap.String("provider", string(job.Provider)))
	if lim := w.limiters[job.Provider]; lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return
		}
	}

	res, err := w.runner.Run(ctx, trial.Request{
		UnitID:   job.UnitID,
		JobID:    job.ID,
		Provider: job.Provider,
		Question: job.QuestionText,
		RunIndex: job.RunIndex,
	})
	w.processed.Add(1)

	if err != nil && !job.Fallback {
		w.failed.Add(1)
		out, rerr := w.api.Complete(ctx, queue.Completion{
			JobID:     job.ID,
			WorkerID:  w.id,
			Success:   false,
			Error:     err.Error(),
			Provider:  job.Provider,
			Permanent: trial.IsPermanent(err),
		})
		if rerr != nil {
			log.Error("report failure failed", zap.Error(rerr))
			return
		}
		log.Info("job failed", zap.String("transition", string(out.Transition)), zap.Error(err))
		return
	}
	if err != nil {
		w.failed.Add(1)
	}

	req := visibility.IngestRequest{
		JobID:      job.ID,
		WorkerID:   w.id,
		Provider:   string(job.Provider),
		Success:    res.Success,
		Error:      res.Error,
		AnswerText: res.AnswerText,
		AnswerHTML: res.AnswerHTML,
		Sources:    res.Sources,
		StartedAt:  res.StartedAt,
		DurationMS: res.Duration.Milliseconds(),
	}
	if err != nil {
		req.Permanent = trial.IsPermanent(err)
	}
	out, rerr := w.api.Ingest(ctx, req)
	if rerr != nil {
		log.Error("report result failed", zap.Error(rerr))
		return
	}
	log.Info("job reported",
		zap.Bool("success", res.Success),
		zap.String("transition", string(out.Transition)),
		zap.Int("sources", len(res.Sources)),
	)
}

// ready returns the providers whose cooldown has elapsed.
func (w *Worker) ready() []model.Provider {
	now := time.Now()
	var out []model.Provider
	for _, p := range w.providers {
		if lim := w.limiters[p]; lim == nil || lim.TokensAt(now) >= 1 {
			out = append(out, p)
		}
	}
	return out
}

func (w *Worker) status() model.WorkerStatus {
	if w.busy.Load() {
		return model.WorkerActive
	}
	return model.WorkerIdle
}

// Heartbeat builds the current heartbeat.
func (w *Worker) Heartbeat(status model.WorkerStatus) model.WorkerHeartbeat {
	connected := w.connected()
	hb := model.WorkerHeartbeat{
		WorkerID:         w.id,
		Status:           status,
		BrowserConnected: connected,
		EnginesReady:     []model.Provider{},
		JobsProcessed:    int(w.processed.Load()),
		JobsFailed:       int(w.failed.Load()),
		Version:          Version,
		LastSeenAt:       time.Now().UTC(),
	}
	if connected && status != model.WorkerOffline && status != model.WorkerDraining {
		hb.EnginesReady = append(hb.EnginesReady, w.providers...)
	}
	return hb
}

func (w *Worker) beat(ctx context.Context, status model.WorkerStatus) {
	if err := w.api.Heartbeat(ctx, w.Heartbeat(status)); err != nil && ctx.Err() == nil {
		w.log.Warn("heartbeat failed", zap.Error(err))
	}
}

// delay is the human-like pause between jobs.
func (w *Worker) delay() time.Duration {
	span := w.maxDelay - w.minDelay
	if span <= 0 {
		return w.minDelay
	}
	return w.minDelay + rand.N(span)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
