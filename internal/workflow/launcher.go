package workflow

import (
	"context"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-engine/internal/config"
	"github.com/sells-group/visibility-engine/internal/model"
)

// Dial connects to the Temporal frontend.
func Dial(cfg config.TemporalConfig) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
		Logger:    newLogger(zap.L().With(zap.String("component", "temporal"))),
	})
	if err != nil {
		return nil, eris.Wrapf(err, "workflow: dial %s", cfg.HostPort)
	}
	return c, nil
}

// Launcher starts a BatchWorkflow for the scripted lane of each dispatch.
type Launcher struct {
	client    client.Client
	taskQueue string
	log       *zap.Logger
}

// NewLauncher creates a Launcher.
func NewLauncher(c client.Client, taskQueue string) *Launcher {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	return &Launcher{
		client:    c,
		taskQueue: taskQueue,
		log:       zap.L().With(zap.String("component", "workflow.launcher")),
	}
}

// WorkflowID is the workflow ID used for a batch. Starting the same batch
// twice is rejected by Temporal.
func WorkflowID(batchID string) string {
	return "visibility-batch-" + batchID
}

// Launch implements visibility.Launcher.
func (l *Launcher) Launch(ctx context.Context, batchID string, units []model.VisibilityUnit) error {
	in := BatchInput{BatchID: batchID, UnitIDs: make([]string, 0, len(units))}
	for _, u := range units {
		in.UnitIDs = append(in.UnitIDs, u.ID)
	}
	opts := client.StartWorkflowOptions{
		ID:        WorkflowID(batchID),
		TaskQueue: l.taskQueue,
	}
	if _, err := l.client.ExecuteWorkflow(ctx, opts, BatchWorkflow, in); err != nil {
		return eris.Wrapf(err, "workflow: start batch %s", batchID)
	}
	l.log.Info("batch workflow started",
		zap.String("batch_id", batchID),
		zap.String("workflow_id", opts.ID),
		zap.Int("units", len(in.UnitIDs)),
	)
	return nil
}

// NewWorker registers the batch workflow and its activities on taskQueue.
// The caller starts and stops it.
func NewWorker(c client.Client, taskQueue string, runner UnitRunner) worker.Worker {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	w := worker.New(c, taskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize: maxParallelUnits * 2,
	})
	w.RegisterWorkflow(BatchWorkflow)
	w.RegisterActivity(NewActivities(runner))
	return w
}

// logger adapts zap to Temporal's key-value logger.
type logger struct {
	s *zap.SugaredLogger
}

func newLogger(l *zap.Logger) *logger {
	return &logger{s: l.Sugar()}
}

func (l *logger) Debug(msg string, keyvals ...any) { l.s.Debugw(msg, keyvals...) }
func (l *logger) Info(msg string, keyvals ...any)  { l.s.Infow(msg, keyvals...) }
func (l *logger) Warn(msg string, keyvals ...any)  { l.s.Warnw(msg, keyvals...) }
func (l *logger) Error(msg string, keyvals ...any) { l.s.Errorw(msg, keyvals...) }
