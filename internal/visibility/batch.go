package visibility

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-engine/internal/groundtruth"
	"github.com/sells-group/visibility-engine/internal/model"
	"github.com/sells-group/visibility-engine/internal/queue"
)

// CancelResult reports what a cancellation changed.
type CancelResult struct {
	BatchID        string `json:"batch_id"`
	JobsCancelled  int64  `json:"jobs_cancelled"`
	UnitsCancelled int64  `json:"units_cancelled"`
	UnitsRefunded  int    `json:"units_refunded"`
}

// CancelBatch cancels a batch's pending jobs and awaiting units and refunds
// the units that consumed nothing. Claimed jobs finish naturally and their
// results are still recorded. Scripted units already running are not
// interrupted.
func (s *Service) CancelBatch(ctx context.Context, batchID string) (*CancelResult, error) {
	units, err := s.store.ListBatchUnits(ctx, batchID)
	if err != nil {
		return nil, eris.Wrapf(err, "visibility: list batch %s", batchID)
	}
	if len(units) == 0 {
		return nil, eris.Wrapf(ErrNotFound, "batch %s", batchID)
	}

	jobs, err := s.queue.CancelBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	cancelled, err := s.store.CancelAwaitingUnits(ctx, batchID, s.now())
	if err != nil {
		return nil, eris.Wrapf(err, "visibility: cancel units %s", batchID)
	}

	var refund []model.VisibilityUnit
	for _, u := range units {
		if u.Status != model.UnitAwaitingAcquisition {
			continue
		}
		consumed, err := s.consumed(ctx, u.ID)
		if err != nil {
			return nil, err
		}
		if !consumed {
			refund = append(refund, u)
		}
	}

	res := &CancelResult{
		BatchID:        batchID,
		JobsCancelled:  jobs,
		UnitsCancelled: cancelled,
		UnitsRefunded:  len(refund),
	}
	if len(refund) > 0 {
		if err := s.credits.Refund(ctx, batchID, refund); err != nil {
			return res, eris.Wrapf(err, "visibility: refund batch %s", batchID)
		}
	}
	s.log.Info("batch cancelled",
		zap.String("batch_id", batchID),
		zap.Int64("jobs", jobs),
		zap.Int64("units", cancelled),
		zap.Int("refunded", len(refund)),
	)
	return res, nil
}

// consumed reports whether any of a unit's jobs was claimed or finished.
func (s *Service) consumed(ctx context.Context, unitID string) (bool, error) {
	jobs, err := s.store.ListUnitJobs(ctx, unitID)
	if err != nil {
		return false, eris.Wrapf(err, "visibility: list jobs %s", unitID)
	}
	for _, j := range jobs {
		if j.Status != model.JobPending && j.Status != model.JobCancelled {
			return true, nil
		}
	}
	trials, err := s.store.ListTrials(ctx, unitID)
	if err != nil {
		return false, eris.Wrapf(err, "visibility: list trials %s", unitID)
	}
	return len(trials) > 0, nil
}

// BatchProgress is a batch's job counts and unit states.
type BatchProgress struct {
	queue.Progress
	Units map[model.UnitStatus]int `json:"units"`
}

// BatchProgress reports job and unit progress. The batch is done when no
// job is outstanding and no unit is still awaiting or running.
func (s *Service) BatchProgress(ctx context.Context, batchID string) (*BatchProgress, error) {
	units, err := s.store.ListBatchUnits(ctx, batchID)
	if err != nil {
		return nil, eris.Wrapf(err, "visibility: list batch %s", batchID)
	}
	if len(units) == 0 {
		return nil, eris.Wrapf(ErrNotFound, "batch %s", batchID)
	}
	p, err := s.queue.BatchProgress(ctx, batchID)
	if err != nil {
		return nil, err
	}
	out := &BatchProgress{Progress: p, Units: make(map[model.UnitStatus]int)}
	for _, u := range units {
		out.Units[u.Status]++
	}
	out.Done = p.Done && out.Units[model.UnitAwaitingAcquisition] == 0 && out.Units[model.UnitRunning] == 0
	return out, nil
}

// VerdictView is a unit with its verdict and, optionally, its
// hallucination results.
type VerdictView struct {
	Unit           model.VisibilityUnit        `json:"unit"`
	Verdict        *model.EnsembleVerdict      `json:"verdict"`
	Trials         []model.TrialResult         `json:"trials,omitempty"`
	Hallucinations []model.HallucinationResult `json:"hallucinations,omitempty"`
}

// VerdictOptions selects what Verdict includes.
type VerdictOptions struct {
	Trials         bool
	Hallucinations bool
}

// Verdict returns a unit's verdict. Verdict is nil while the unit is still
// being acquired.
func (s *Service) Verdict(ctx context.Context, unitID string, opts VerdictOptions) (*VerdictView, error) {
	u, err := s.store.GetUnit(ctx, unitID)
	if err != nil {
		return nil, eris.Wrapf(err, "visibility: load unit %s", unitID)
	}
	if u == nil {
		return nil, eris.Wrapf(ErrNotFound, "unit %s", unitID)
	}
	v, err := s.store.GetVerdict(ctx, unitID)
	if err != nil {
		return nil, eris.Wrapf(err, "visibility: load verdict %s", unitID)
	}
	view := &VerdictView{Unit: *u, Verdict: v}
	if opts.Trials {
		if view.Trials, err = s.store.ListTrials(ctx, unitID); err != nil {
			return nil, eris.Wrapf(err, "visibility: list trials %s", unitID)
		}
	}
	if opts.Hallucinations {
		if view.Hallucinations, err = s.store.ListHallucinations(ctx, unitID); err != nil {
			return nil, eris.Wrapf(err, "visibility: list hallucinations %s", unitID)
		}
	}
	return view, nil
}

// GroundTruthRequest loads a brand's corpus.
type GroundTruthRequest struct {
	Brand BrandInput         `json:"brand"`
	Pages []groundtruth.Page `json:"pages" validate:"required,min=1,dive"`
}

// PutGroundTruth converts the pages into a fact set and stores it,
// replacing any previous set for the brand.
func (s *Service) PutGroundTruth(ctx context.Context, req GroundTruthRequest) (*model.FactSet, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}
	if s.groundTruth == nil {
		return nil, eris.New("visibility: ground truth extraction not configured")
	}
	fs, err := s.groundTruth.Build(ctx, model.BrandContext{
		ID:      req.Brand.ID,
		Name:    req.Brand.Name,
		Domain:  req.Brand.Domain,
		Aliases: req.Brand.Aliases,
	}, req.Pages)
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveFactSet(ctx, *fs); err != nil {
		return nil, eris.Wrapf(err, "visibility: save ground truth %s", fs.BrandID)
	}
	return fs, nil
}

// Heartbeat records a browser worker's liveness and readiness.
func (s *Service) Heartbeat(ctx context.Context, hb model.WorkerHeartbeat) error {
	if hb.Status == "" {
		hb.Status = model.WorkerActive
	}
	if err := Validate(hb); err != nil {
		return err
	}
	if hb.LastSeenAt.IsZero() {
		hb.LastSeenAt = s.now()
	}
	return s.ledger.Heartbeat(ctx, hb)
}

// Claimable lists jobs a worker may claim.
func (s *Service) Claimable(ctx context.Context, req queue.ClaimRequest) ([]model.AcquisitionJob, error) {
	return s.queue.Claimable(ctx, req)
}

// Claim claims jobs for a worker and returns the IDs it now holds.
func (s *Service) Claim(ctx context.Context, ids []string, workerID string) ([]string, error) {
	return s.queue.Claim(ctx, ids, workerID)
}
