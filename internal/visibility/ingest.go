package visibility

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-engine/internal/model"
	"github.com/sells-group/visibility-engine/internal/queue"
	"github.com/sells-group/visibility-engine/internal/trial"
)

// ErrNotFound is returned when a job, unit or batch does not exist.
var ErrNotFound = eris.New("visibility: not found")

// IngestRequest is a browser worker's report for one job.
type IngestRequest struct {
	JobID      string         `json:"job_id" validate:"required"`
	WorkerID   string         `json:"worker_id,omitempty"`
	Provider   string         `json:"provider,omitempty" validate:"omitempty,oneof=chatgpt perplexity gemini grok"`
	Success    bool           `json:"success"`
	Error      string         `json:"error,omitempty"`
	Permanent  bool           `json:"permanent,omitempty"`
	AnswerText string         `json:"answer_text,omitempty"`
	AnswerHTML string         `json:"answer_html,omitempty"`
	Sources    []model.Source `json:"sources,omitempty"`
	StartedAt  time.Time      `json:"started_at,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`
}

// IngestResult is what an ingest changed.
type IngestResult struct {
	TrialID    string                 `json:"trial_id,omitempty"`
	Transition queue.Transition       `json:"transition"`
	Verdict    *model.EnsembleVerdict `json:"verdict,omitempty"`
}

// IngestTrial records a browser trial for a job, applies the job
// transition and re-finalizes the unit. A job ID that names a unit instead
// of a job is a fallback item: it is recorded against the unit with no job
// transition. Stored trials never exceed the unit's runs.
func (s *Service) IngestTrial(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	req.Provider = strings.ToLower(strings.TrimSpace(req.Provider))
	if err := Validate(req); err != nil {
		return nil, err
	}
	if req.Success && strings.TrimSpace(req.AnswerText) == "" {
		req.Success = false
		req.Error = trial.ErrEmptyAnswer.Error()
	}

	job, unit, err := s.ingestTarget(ctx, req.JobID)
	if err != nil {
		return nil, err
	}

	res, err := s.queue.Complete(ctx, queue.Completion{
		JobID:     req.JobID,
		WorkerID:  req.WorkerID,
		Success:   req.Success,
		Error:     req.Error,
		Provider:  unit.Provider,
		Permanent: req.Permanent,
	})
	if err != nil {
		return nil, err
	}

	out := &IngestResult{Transition: res.Transition}
	if storesTrial(job, req.Success, res.Transition) {
		covered, err := s.runsCovered(ctx, *unit)
		if err != nil {
			return nil, err
		}
		if covered {
			s.log.Info("unit runs already covered, result dropped",
				zap.String("job_id", req.JobID), zap.String("unit_id", unit.ID))
		} else {
			t := s.browserTrial(*unit, job, req)
			if err := s.store.SaveTrial(ctx, t); err != nil {
				return nil, eris.Wrapf(err, "visibility: save trial for %s", req.JobID)
			}
			out.TrialID = t.ID
		}
	}

	out.Verdict, err = s.FinalizeUnit(ctx, unit.ID)
	if err != nil {
		return out, err
	}
	s.log.Debug("trial ingested",
		zap.String("job_id", req.JobID),
		zap.String("unit_id", unit.ID),
		zap.Bool("success", req.Success),
		zap.String("transition", string(res.Transition)),
	)
	return out, nil
}

// ingestTarget resolves a reported ID to its job and unit. When the job
// table cannot be read the ID is tried as a fallback unit ID.
func (s *Service) ingestTarget(ctx context.Context, id string) (*model.AcquisitionJob, *model.VisibilityUnit, error) {
	job, jobErr := s.store.GetJob(ctx, id)
	if jobErr != nil {
		s.log.Warn("job lookup failed, treating report as fallback item",
			zap.String("job_id", id), zap.Error(jobErr))
		job = nil
	}
	unitID := id
	if job != nil {
		unitID = job.UnitID
	}
	unit, err := s.store.GetUnit(ctx, unitID)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "visibility: load unit for %s", id)
	}
	if unit == nil {
		if jobErr != nil {
			return nil, nil, eris.Wrapf(jobErr, "visibility: load job %s", id)
		}
		return nil, nil, eris.Wrapf(ErrNotFound, "job %s", id)
	}
	return job, unit, nil
}

// runsCovered reports whether the unit already holds a trial for every run.
func (s *Service) runsCovered(ctx context.Context, u model.VisibilityUnit) (bool, error) {
	trials, err := s.store.ListTrials(ctx, u.ID)
	if err != nil {
		return false, eris.Wrapf(err, "visibility: list trials %s", u.ID)
	}
	return u.Runs > 0 && len(trials) >= u.Runs, nil
}

// CompleteJob applies a job outcome reported without an answer. A job that
// reaches terminal failure is stored as a failed trial so the unit can
// finalize.
func (s *Service) CompleteJob(ctx context.Context, c queue.Completion) (queue.Result, error) {
	if err := Validate(c); err != nil {
		return queue.Result{}, err
	}
	res, err := s.queue.Complete(ctx, c)
	if err != nil {
		return res, err
	}
	job := res.Job
	if job == nil || res.Transition == queue.TransitionNoop || res.Transition == queue.TransitionRetryScheduled {
		return res, nil
	}

	unit, err := s.store.GetUnit(ctx, job.UnitID)
	if err != nil {
		return res, eris.Wrapf(err, "visibility: load unit %s", job.UnitID)
	}
	if unit == nil {
		return res, nil
	}
	if res.Transition == queue.TransitionFailed {
		covered, err := s.runsCovered(ctx, *unit)
		if err != nil {
			return res, err
		}
		if covered {
			return res, nil
		}
		t := s.browserTrial(*unit, job, IngestRequest{JobID: job.ID, Error: c.Error})
		if err := s.store.SaveTrial(ctx, t); err != nil {
			return res, eris.Wrapf(err, "visibility: save failed trial %s", job.ID)
		}
	}
	if _, err := s.FinalizeUnit(ctx, unit.ID); err != nil {
		return res, err
	}
	return res, nil
}

// storesTrial reports whether an outcome becomes a trial. A fallback item
// does only when it succeeded, since it has no retry budget to track. Job
// outcomes do only when they end the job, so retried attempts and duplicate
// reports are not double counted.
func storesTrial(job *model.AcquisitionJob, success bool, tr queue.Transition) bool {
	if job == nil {
		return success
	}
	return tr == queue.TransitionCompleted || tr == queue.TransitionFailed
}

func (s *Service) browserTrial(u model.VisibilityUnit, job *model.AcquisitionJob, req IngestRequest) model.TrialResult {
	t := model.TrialResult{
		ID:         uuid.NewString(),
		UnitID:     u.ID,
		Provider:   u.Provider,
		Mode:       model.ModeBrowser,
		AnswerText: strings.TrimSpace(req.AnswerText),
		AnswerHTML: req.AnswerHTML,
		Sources:    []model.Source{},
		StartedAt:  req.StartedAt,
		Duration:   time.Duration(req.DurationMS) * time.Millisecond,
		Success:    req.Success,
		Error:      req.Error,
	}
	if job != nil {
		t.JobID = job.ID
		t.RunIndex = job.RunIndex
	}
	if t.StartedAt.IsZero() {
		t.StartedAt = s.now().Add(-t.Duration)
	}
	if t.Success {
		t.Sources = trial.FinalizeSources(u.Provider, req.Sources, t.AnswerText, s.maxSources)
	}
	return t
}
