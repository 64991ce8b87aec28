package visibility

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/visibility-engine/internal/brand"
	"github.com/sells-group/visibility-engine/internal/ensemble"
	"github.com/sells-group/visibility-engine/internal/hallucination"
	"github.com/sells-group/visibility-engine/internal/model"
)

// RunScripted runs the scripted ensemble for each unit, persisting trials,
// verdicts and hallucination results. Units run concurrently; one unit's
// failure never stops the others.
func (s *Service) RunScripted(ctx context.Context, units []model.VisibilityUnit) error {
	if s.ensemble == nil {
		return eris.New("visibility: no scripted runner configured")
	}
	var g errgroup.Group
	g.SetLimit(s.scriptedPool)
	for _, u := range units {
		g.Go(func() error {
			if _, err := s.RunUnit(ctx, u.ID); err != nil {
				s.log.Error("scripted unit failed", zap.String("unit_id", u.ID), zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

// RunUnit runs the scripted ensemble for one stored unit. A cancelled or
// already complete unit is returned without running.
func (s *Service) RunUnit(ctx context.Context, unitID string) (*model.EnsembleVerdict, error) {
	u, err := s.store.GetUnit(ctx, unitID)
	if err != nil {
		return nil, eris.Wrapf(err, "visibility: load unit %s", unitID)
	}
	if u == nil {
		return nil, eris.Errorf("visibility: unit %s not found", unitID)
	}
	if u.Status == model.UnitCancelled || u.Status == model.UnitComplete {
		return s.store.GetVerdict(ctx, unitID)
	}
	log := s.log.With(zap.String("unit_id", u.ID), zap.String("provider", string(u.Provider)))

	verdict, trials := s.ensemble.Run(ctx, *u)
	for _, t := range trials {
		if err := s.store.SaveTrial(ctx, t); err != nil {
			log.Warn("save trial failed", zap.String("trial_id", t.ID), zap.Error(err))
		}
	}
	if err := s.store.SaveVerdict(ctx, verdict); err != nil {
		return nil, eris.Wrapf(err, "visibility: save verdict %s", u.ID)
	}
	s.checkHallucinations(ctx, *u, trials)

	if err := s.store.SetUnitStatus(ctx, u.ID, model.UnitComplete, s.now()); err != nil {
		log.Warn("mark unit complete failed", zap.Error(err))
	}
	return &verdict, nil
}

// checkHallucinations verifies each successful trial that mentions the
// brand against the brand's ground truth.
func (s *Service) checkHallucinations(ctx context.Context, u model.VisibilityUnit, trials []model.TrialResult) {
	if !u.DetectHallucinations || !s.hallucinationsOn {
		return
	}
	fs, err := s.store.GetFactSet(ctx, u.Brand.ID)
	if err != nil {
		s.log.Warn("load ground truth failed", zap.String("brand_id", u.Brand.ID), zap.Error(err))
		return
	}
	for _, t := range trials {
		if !t.Success || !brand.MentionedInText(u.Brand, t.AnswerText) {
			continue
		}
		res := s.detector.Detect(ctx, hallucination.Input{
			UnitID:     u.ID,
			TrialID:    t.ID,
			Brand:      u.Brand,
			AnswerText: t.AnswerText,
			FactSet:    fs,
		})
		if err := s.store.SaveHallucination(ctx, res); err != nil {
			s.log.Warn("save hallucination result failed", zap.String("trial_id", t.ID), zap.Error(err))
		}
	}
}

// FinalizeUnit recomputes a browser unit's verdict from its stored trials.
// It finalizes once no job is outstanding, or as soon as the stored trials
// cover every run, in which case leftover pending jobs are cancelled. It is
// idempotent: an existing verdict that already covers every stored trial is
// returned unchanged. It returns nil while runs are still outstanding.
func (s *Service) FinalizeUnit(ctx context.Context, unitID string) (*model.EnsembleVerdict, error) {
	u, err := s.store.GetUnit(ctx, unitID)
	if err != nil {
		return nil, eris.Wrapf(err, "visibility: load unit %s", unitID)
	}
	if u == nil {
		return nil, nil
	}

	trials, err := s.store.ListTrials(ctx, unitID)
	if err != nil {
		return nil, eris.Wrapf(err, "visibility: list trials %s", unitID)
	}
	if len(trials) == 0 {
		return nil, nil
	}

	if u.Runs > 0 && len(trials) >= u.Runs {
		if _, err := s.queue.RetireUnit(ctx, unitID); err != nil {
			s.log.Warn("retire unit jobs failed", zap.String("unit_id", unitID), zap.Error(err))
		}
	} else {
		jobs, err := s.store.ListUnitJobs(ctx, unitID)
		if err != nil {
			s.log.Warn("job table unreadable, unit stays open",
				zap.String("unit_id", unitID), zap.Error(err))
			return nil, nil
		}
		for _, j := range jobs {
			if !j.Status.Terminal() {
				return nil, nil
			}
		}
	}

	existing, err := s.store.GetVerdict(ctx, unitID)
	if err != nil {
		return nil, eris.Wrapf(err, "visibility: load verdict %s", unitID)
	}
	if existing != nil && existing.TotalRuns == len(trials) {
		return existing, nil
	}

	evidence := make([]ensemble.Evidence, 0, len(trials))
	for _, t := range trials {
		evidence = append(evidence, s.ensemble.Evidence(ctx, *u, t))
	}
	verdict := s.ensemble.Aggregate(*u, evidence)
	if err := s.store.SaveVerdict(ctx, verdict); err != nil {
		return nil, eris.Wrapf(err, "visibility: save verdict %s", unitID)
	}
	s.checkHallucinations(ctx, *u, trials)

	if u.Status != model.UnitCancelled {
		if err := s.store.SetUnitStatus(ctx, u.ID, model.UnitComplete, s.now()); err != nil {
			return nil, eris.Wrapf(err, "visibility: complete unit %s", unitID)
		}
	}
	s.log.Info("unit finalized",
		zap.String("unit_id", unitID),
		zap.Int("trials", len(trials)),
		zap.String("presence", string(verdict.PresenceLevel)),
	)
	return &verdict, nil
}
