// Package workflow runs the scripted lane of a batch as a Temporal
// workflow, so a restart of the API process does not lose in-flight units.
package workflow

import (
	"context"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/sells-group/visibility-engine/internal/model"
)

// DefaultTaskQueue is the task queue the batch workflow runs on.
const DefaultTaskQueue = "visibility"

// maxParallelUnits bounds how many unit activities a batch runs at once.
const maxParallelUnits = 4

// BatchInput names the scripted units of one dispatched batch.
type BatchInput struct {
	BatchID string   `json:"batch_id"`
	UnitIDs []string `json:"unit_ids"`
}

// UnitOutcome is the result of one unit activity.
type UnitOutcome struct {
	UnitID   string              `json:"unit_id"`
	Presence model.PresenceLevel `json:"presence,omitempty"`
	Runs     int                 `json:"runs"`
}

// BatchResult summarizes a finished batch workflow.
type BatchResult struct {
	BatchID   string        `json:"batch_id"`
	Completed []UnitOutcome `json:"completed"`
	Failed    []string      `json:"failed"`
}

// UnitRunner runs the scripted ensemble for one stored unit.
type UnitRunner interface {
	RunUnit(ctx context.Context, unitID string) (*model.EnsembleVerdict, error)
}

// Activities holds the batch workflow's activities.
type Activities struct {
	runner UnitRunner
}

// NewActivities creates the activity set.
func NewActivities(runner UnitRunner) *Activities {
	return &Activities{runner: runner}
}

// RunScriptedUnit runs one unit's ensemble and persists its verdict.
func (a *Activities) RunScriptedUnit(ctx context.Context, unitID string) (UnitOutcome, error) {
	v, err := a.runner.RunUnit(ctx, unitID)
	if err != nil {
		return UnitOutcome{}, err
	}
	out := UnitOutcome{UnitID: unitID}
	if v != nil {
		out.Presence = v.PresenceLevel
		out.Runs = v.TotalRuns
	}
	return out, nil
}

// BatchWorkflow runs every scripted unit of a batch. A unit that still
// fails after its retries is reported in Failed; it never fails the batch.
func BatchWorkflow(ctx workflow.Context, in BatchInput) (BatchResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("batch workflow started", "batch_id", in.BatchID, "units", len(in.UnitIDs))

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 15 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    5 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumAttempts:    3,
		},
	})

	res := BatchResult{BatchID: in.BatchID, Completed: []UnitOutcome{}, Failed: []string{}}
	var a *Activities
	for start := 0; start < len(in.UnitIDs); start += maxParallelUnits {
		end := min(start+maxParallelUnits, len(in.UnitIDs))
		futures := make([]workflow.Future, 0, end-start)
		for _, id := range in.UnitIDs[start:end] {
			futures = append(futures, workflow.ExecuteActivity(ctx, a.RunScriptedUnit, id))
		}
		for i, f := range futures {
			id := in.UnitIDs[start+i]
			var out UnitOutcome
			if err := f.Get(ctx, &out); err != nil {
				logger.Warn("unit failed", "unit_id", id, "error", err)
				res.Failed = append(res.Failed, id)
				continue
			}
			res.Completed = append(res.Completed, out)
		}
	}

	logger.Info("batch workflow finished",
		"batch_id", in.BatchID,
		"completed", len(res.Completed),
		"failed", len(res.Failed),
	)
	return res, nil
}
