// Package trial runs one acquisition of one question against one answer
// engine, by API or through a real browser.
package trial

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/visibility-engine/internal/metrics"
	"github.com/sells-group/visibility-engine/internal/model"
	"github.com/sells-group/visibility-engine/internal/resilience"
)

var (
	// ErrLoginWall means the provider demanded a login. Retrying cannot help.
	ErrLoginWall = eris.New("trial: login required")
	// ErrUnsupportedProvider means no engine is configured for the provider.
	ErrUnsupportedProvider = eris.New("trial: unsupported provider")
	// ErrEmptyAnswer means the engine returned no text.
	ErrEmptyAnswer = eris.New("trial: empty answer")
)

// Request identifies one acquisition.
type Request struct {
	UnitID   string
	JobID    string
	Provider model.Provider
	Question string
	RunIndex int
}

// Answer is what an engine returned.
type Answer struct {
	Text         string
	HTML         string
	Sources      []model.Source
	InputTokens  int
	OutputTokens int
}

// Runner executes one acquisition. The result is always populated; a
// failed acquisition has Success=false and a non-nil error.
type Runner interface {
	Run(ctx context.Context, req Request) (model.TrialResult, error)
}

// IsPermanent reports whether err should fail a job without retry.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrLoginWall) || errors.Is(err, ErrUnsupportedProvider) {
		return true
	}
	var ve *resilience.ValidationError
	return errors.As(err, &ve)
}

type finisher struct {
	mode       model.AcquisitionMode
	maxSources int
}

// finish builds the TrialResult for req from an answer or an error.
func (f finisher) finish(req Request, start time.Time, ans *Answer, err error, costUSD float64) (model.TrialResult, error) {
	res := model.TrialResult{
		ID:        uuid.NewString(),
		UnitID:    req.UnitID,
		JobID:     req.JobID,
		Provider:  req.Provider,
		Mode:      f.mode,
		RunIndex:  req.RunIndex,
		StartedAt: start.UTC(),
		Duration:  time.Since(start),
		CostUSD:   costUSD,
	}

	if err == nil && (ans == nil || ans.Text == "") {
		err = ErrEmptyAnswer
	}

	outcome := "success"
	if err != nil {
		outcome = "failure"
		res.Error = err.Error()
		res.Sources = []model.Source{}
	} else {
		res.Success = true
		res.AnswerText = ans.Text
		res.AnswerHTML = ans.HTML
		res.Sources = FinalizeSources(req.Provider, ans.Sources, ans.Text, f.maxSources)
	}

	metrics.TrialDuration.WithLabelValues(string(req.Provider), string(f.mode)).Observe(res.Duration.Seconds())
	metrics.Trials.WithLabelValues(string(req.Provider), string(f.mode), outcome).Inc()

	return res, err
}
