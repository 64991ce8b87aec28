package visibility

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-engine/internal/ensemble"
	"github.com/sells-group/visibility-engine/internal/model"
	"github.com/sells-group/visibility-engine/internal/resilience"
	"github.com/sells-group/visibility-engine/internal/router"
)

// BrandInput is the brand a dispatch measures.
type BrandInput struct {
	ID      string   `json:"id" validate:"required"`
	Name    string   `json:"name" validate:"required"`
	Domain  string   `json:"domain,omitempty"`
	Aliases []string `json:"aliases,omitempty" validate:"omitempty,dive,required"`
}

// Question is one prompt to ask every provider.
type Question struct {
	ID   string `json:"id" validate:"required"`
	Text string `json:"text" validate:"required,max=2000"`
}

// DispatchRequest asks for a visibility check of one brand across
// providers × questions.
type DispatchRequest struct {
	BatchID              string     `json:"batch_id,omitempty"`
	Brand                BrandInput `json:"brand"`
	Providers            []string   `json:"providers" validate:"required,min=1,unique,dive,oneof=chatgpt perplexity gemini grok"`
	Questions            []Question `json:"questions" validate:"required,min=1,max=100,unique=ID,dive"`
	Priority             string     `json:"priority,omitempty" validate:"omitempty,oneof=immediate high normal low"`
	ForceScripted        bool       `json:"force_scripted,omitempty"`
	EnsembleRuns         int        `json:"ensemble_runs,omitempty" validate:"omitempty,min=1,max=25"`
	DetectHallucinations bool       `json:"detect_hallucinations,omitempty"`
}

// DispatchResult reports how a dispatch was split and what was created.
type DispatchResult struct {
	BatchID      string                 `json:"batch_id"`
	BrowserLane  []model.Provider       `json:"browser_lane"`
	ScriptedLane []model.Provider       `json:"scripted_lane"`
	JobsCreated  int                    `json:"jobs_created"`
	Units        []model.VisibilityUnit `json:"units"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate checks a struct against its validate tags and returns the first
// violation as a *resilience.ValidationError.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return resilience.NewValidationError("", err.Error())
	}
	fe := verrs[0]
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	return resilience.NewValidationError(field, reason(fe))
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must have at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %q", fe.Param(), fmt.Sprint(fe.Value()))
	case "unique":
		return "must not contain duplicates"
	case "url":
		return "must be a URL"
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}

func (r *DispatchRequest) normalize() {
	r.BatchID = strings.TrimSpace(r.BatchID)
	r.Brand.ID = strings.TrimSpace(r.Brand.ID)
	r.Brand.Name = strings.TrimSpace(r.Brand.Name)
	for i, p := range r.Providers {
		r.Providers[i] = strings.ToLower(strings.TrimSpace(p))
	}
	for i := range r.Questions {
		r.Questions[i].ID = strings.TrimSpace(r.Questions[i].ID)
		r.Questions[i].Text = strings.TrimSpace(r.Questions[i].Text)
	}
	r.Priority = strings.ToLower(strings.TrimSpace(r.Priority))
}

// Dispatch validates a request, routes each provider to a lane, persists
// one unit per provider × question, enqueues browser-lane jobs and launches
// the scripted lane.
func (s *Service) Dispatch(ctx context.Context, req DispatchRequest) (*DispatchResult, error) {
	req.normalize()
	if err := Validate(req); err != nil {
		return nil, err
	}

	providers := make([]model.Provider, len(req.Providers))
	for i, p := range req.Providers {
		providers[i] = model.Provider(p)
	}
	priority := model.PriorityNormal
	if req.Priority != "" {
		priority, _ = model.ParsePriority(req.Priority)
	}
	batchID := req.BatchID
	if batchID == "" {
		batchID = uuid.NewString()
	}
	brand := model.BrandContext{
		ID:      req.Brand.ID,
		Name:    req.Brand.Name,
		Domain:  req.Brand.Domain,
		Aliases: req.Brand.Aliases,
	}

	now := s.now()
	snap, err := s.ledger.Snapshot(ctx, now)
	if err != nil {
		return nil, eris.Wrap(err, "visibility: ledger snapshot")
	}
	split := s.router.Route(providers, req.ForceScripted, snap)

	res := &DispatchResult{
		BatchID:      batchID,
		BrowserLane:  nonNil(split.Browser),
		ScriptedLane: nonNil(split.Scripted),
		Units:        []model.VisibilityUnit{},
	}

	var scripted []model.VisibilityUnit
	var jobs []model.AcquisitionJob
	for _, p := range providers {
		mode := split.Lane(p)
		for _, q := range req.Questions {
			u := model.VisibilityUnit{
				ID:                   uuid.NewString(),
				BatchID:              batchID,
				Brand:                brand,
				Provider:             p,
				QuestionID:           q.ID,
				QuestionText:         q.Text,
				Mode:                 mode,
				Runs:                 s.runsFor(p, req.EnsembleRuns),
				Priority:             priority,
				DetectHallucinations: req.DetectHallucinations,
				Status:               model.UnitRunning,
				CreatedAt:            now,
				UpdatedAt:            now,
			}
			if mode == model.ModeBrowser {
				u.Status = model.UnitAwaitingAcquisition
				for i := range u.Runs {
					jobs = append(jobs, s.queue.NewJob(u, i, now))
				}
			} else {
				scripted = append(scripted, u)
			}
			res.Units = append(res.Units, u)
		}
	}

	if err := s.store.InsertUnits(ctx, res.Units); err != nil {
		return nil, eris.Wrap(err, "visibility: insert units")
	}
	if len(jobs) > 0 {
		if err := s.queue.Enqueue(ctx, jobs); err != nil {
			return nil, err
		}
	}
	res.JobsCreated = len(jobs)

	s.log.Info("batch dispatched",
		zap.String("batch_id", batchID),
		zap.String("brand_id", brand.ID),
		zap.Int("units", len(res.Units)),
		zap.Int("jobs", len(jobs)),
		zap.Any("browser_lane", split.Browser),
		zap.Any("scripted_lane", split.Scripted),
	)

	if len(scripted) > 0 {
		if err := s.launcher.Launch(ctx, batchID, scripted); err != nil {
			return res, eris.Wrap(err, "visibility: launch scripted lane")
		}
	}
	return res, nil
}

// runsFor returns the trial count for provider p. An explicit request
// applies to every provider.
func (s *Service) runsFor(p model.Provider, requested int) int {
	if requested > 0 {
		return requested
	}
	if s.ensemble != nil {
		return s.ensemble.RunsFor(p)
	}
	if p == s.router.Premium() {
		return ensemble.DefaultPremiumRuns
	}
	return 1
}

// Route exposes the lane decision for a provider set without dispatching.
func (s *Service) Route(ctx context.Context, providers []model.Provider, forceScripted bool) (router.Split, error) {
	snap, err := s.ledger.Snapshot(ctx, s.now())
	if err != nil {
		return router.Split{}, eris.Wrap(err, "visibility: ledger snapshot")
	}
	return s.router.Route(providers, forceScripted, snap), nil
}

func nonNil(ps []model.Provider) []model.Provider {
	if ps == nil {
		return []model.Provider{}
	}
	return ps
}
