// Package visibility orchestrates dispatch, acquisition, aggregation and
// verification of brand visibility checks.
package visibility

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/visibility-engine/internal/config"
	"github.com/sells-group/visibility-engine/internal/credits"
	"github.com/sells-group/visibility-engine/internal/ensemble"
	"github.com/sells-group/visibility-engine/internal/groundtruth"
	"github.com/sells-group/visibility-engine/internal/hallucination"
	"github.com/sells-group/visibility-engine/internal/ledger"
	"github.com/sells-group/visibility-engine/internal/model"
	"github.com/sells-group/visibility-engine/internal/queue"
	"github.com/sells-group/visibility-engine/internal/router"
	"github.com/sells-group/visibility-engine/internal/store"
)

// Launcher runs the scripted lane of a dispatched batch.
type Launcher interface {
	Launch(ctx context.Context, batchID string, units []model.VisibilityUnit) error
}

// Deps are the collaborators of a Service.
type Deps struct {
	Store    store.Store
	Ledger   *ledger.Ledger
	Router   *router.Router
	Queue    *queue.Queue
	Ensemble *ensemble.Runner
	// Detector and GroundTruth may be nil when hallucination checks are off.
	Detector    *hallucination.Detector
	GroundTruth *groundtruth.Builder
	Credits     credits.Ledger
	// Launcher defaults to running the scripted lane in a goroutine.
	Launcher Launcher
}

// Service is the visibility engine's orchestration layer.
type Service struct {
	store       store.Store
	ledger      *ledger.Ledger
	router      *router.Router
	queue       *queue.Queue
	ensemble    *ensemble.Runner
	detector    *hallucination.Detector
	groundTruth *groundtruth.Builder
	credits     credits.Ledger
	launcher    Launcher

	hallucinationsOn bool
	maxSources       int
	scriptedPool     int

	now func() time.Time
	log *zap.Logger
}

// New creates a Service.
func New(d Deps, cfg *config.Config) *Service {
	s := &Service{
		store:            d.Store,
		ledger:           d.Ledger,
		router:           d.Router,
		queue:            d.Queue,
		ensemble:         d.Ensemble,
		detector:         d.Detector,
		groundTruth:      d.GroundTruth,
		credits:          d.Credits,
		launcher:         d.Launcher,
		hallucinationsOn: cfg.Hallucination.Enabled && d.Detector != nil,
		maxSources:       cfg.Trial.MaxSources,
		scriptedPool:     len(model.AllProviders),
		now:              func() time.Time { return time.Now().UTC() },
		log:              zap.L().With(zap.String("component", "visibility")),
	}
	if s.credits == nil {
		s.credits = credits.Noop{}
	}
	if s.launcher == nil {
		s.launcher = &GoroutineLauncher{svc: s}
	}
	return s
}

// SetLauncher replaces the scripted-lane launcher. It exists because the
// Temporal launcher needs the Service to build its activities.
func (s *Service) SetLauncher(l Launcher) {
	s.launcher = l
}

// Ping checks the store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ReleaseStaleClaims returns expired claims to the pending pool.
func (s *Service) ReleaseStaleClaims(ctx context.Context) (int64, error) {
	return s.queue.ReleaseStaleClaims(ctx)
}

// GoroutineLauncher runs the scripted lane in-process, detached from the
// dispatching request.
type GoroutineLauncher struct {
	svc *Service
}

// Launch implements Launcher.
func (g *GoroutineLauncher) Launch(ctx context.Context, batchID string, units []model.VisibilityUnit) error {
	bg := context.WithoutCancel(ctx)
	go func() {
		if err := g.svc.RunScripted(bg, units); err != nil {
			g.svc.log.Error("scripted lane failed", zap.String("batch_id", batchID), zap.Error(err))
		}
	}()
	return nil
}
