package visibility

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/visibility-engine/internal/brand"
	"github.com/sells-group/visibility-engine/internal/completion"
	"github.com/sells-group/visibility-engine/internal/config"
	"github.com/sells-group/visibility-engine/internal/ensemble"
	"github.com/sells-group/visibility-engine/internal/groundtruth"
	"github.com/sells-group/visibility-engine/internal/hallucination"
	"github.com/sells-group/visibility-engine/internal/ledger"
	"github.com/sells-group/visibility-engine/internal/model"
	"github.com/sells-group/visibility-engine/internal/queue"
	"github.com/sells-group/visibility-engine/internal/resilience"
	"github.com/sells-group/visibility-engine/internal/router"
	"github.com/sells-group/visibility-engine/internal/store"
	"github.com/sells-group/visibility-engine/internal/trial"
)

// fakeTrials answers with a mention of Acme on even runs.
type fakeTrials struct{}

func (fakeTrials) Run(_ context.Context, req trial.Request) (model.TrialResult, error) {
	text := "HubSpot is a solid choice."
	if req.RunIndex%2 == 0 {
		text = "Acme and HubSpot are both solid choices. Acme is free."
	}
	return model.TrialResult{
		ID:         req.UnitID + "-" + string(rune('a'+req.RunIndex)),
		UnitID:     req.UnitID,
		Provider:   req.Provider,
		Mode:       model.ModeScripted,
		RunIndex:   req.RunIndex,
		AnswerText: text,
		Sources:    []model.Source{},
		Success:    true,
	}, nil
}

type fakeExtractor struct{}

func (fakeExtractor) Extract(_ context.Context, _, answer string) (*brand.Extraction, error) {
	ext := &brand.Extraction{Candidates: []brand.Candidate{{Name: "HubSpot", Confidence: 0.9}}}
	if strings.Contains(answer, "Acme") {
		ext.Candidates = append(ext.Candidates, brand.Candidate{Name: "Acme", Confidence: 0.9})
	}
	return ext, nil
}

// fakeCompleter serves ground-truth and hallucination prompts.
type fakeCompleter struct {
	mu    sync.Mutex
	calls map[completion.Use]int
}

func (f *fakeCompleter) Complete(_ context.Context, req completion.Request) (*completion.Response, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[completion.Use]int)
	}
	f.calls[req.Use]++
	f.mu.Unlock()

	switch req.Use {
	case completion.UseGroundTruth:
		return &completion.Response{Text: `{"facts": [{"category": "pricing", "claim": "Acme Pro costs $49 per month."}]}`}, nil
	default:
		return &completion.Response{Text: `{"accuracy_score": 40, "confidence": "high", "hallucinations": [
			{"type": "positive", "severity": "critical", "category": "pricing", "claim": "Acme is free", "reality": "Acme Pro costs $49 per month"}
		]}`}, nil
	}
}

type recordingLauncher struct {
	mu    sync.Mutex
	units []model.VisibilityUnit
}

func (r *recordingLauncher) Launch(_ context.Context, _ string, units []model.VisibilityUnit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.units = append(r.units, units...)
	return nil
}

type recordingCredits struct {
	batchID string
	units   []model.VisibilityUnit
}

func (r *recordingCredits) Refund(_ context.Context, batchID string, units []model.VisibilityUnit) error {
	r.batchID = batchID
	r.units = units
	return nil
}

type fixture struct {
	svc      *Service
	st       *store.SQLiteStore
	launcher *recordingLauncher
	credits  *recordingCredits
	ai       *fakeCompleter
}

func newFixture(t *testing.T, queueCfg config.QueueConfig) *fixture {
	t.Helper()
	return newFixtureOver(t, queueCfg, nil)
}

// newFixtureOver builds the service over wrap(st) when wrap is set, while
// f.st stays the underlying store for direct assertions.
func newFixtureOver(t *testing.T, queueCfg config.QueueConfig, wrap func(*store.SQLiteStore) store.Store) *fixture {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "visibility.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	var svcStore store.Store = st
	if wrap != nil {
		svcStore = wrap(st)
	}

	led := ledger.New(st, ledger.WithCooldowns(map[string]time.Duration{
		"chatgpt": 0, "perplexity": 0, "gemini": 0, "grok": 0,
	}))
	ai := &fakeCompleter{}
	cfg := &config.Config{}
	cfg.Hallucination = config.HallucinationConfig{Enabled: true, MinGroundTruthChars: 10}
	cfg.Trial.MaxSources = 200

	f := &fixture{st: st, launcher: &recordingLauncher{}, credits: &recordingCredits{}, ai: ai}
	f.svc = New(Deps{
		Store:       svcStore,
		Ledger:      led,
		Router:      router.New("chatgpt"),
		Queue:       queue.New(svcStore, svcStore, led, queueCfg),
		Ensemble:    ensemble.NewRunner(fakeTrials{}, fakeExtractor{}, nil, config.EnsembleConfig{Runs: 3, PoolSize: 2, Timeout: 5 * time.Second}, model.ProviderChatGPT),
		Detector:    hallucination.NewDetector(ai, cfg.Hallucination),
		GroundTruth: groundtruth.NewBuilder(ai),
		Credits:     f.credits,
		Launcher:    f.launcher,
	}, cfg)
	return f
}

func (f *fixture) workerReady(t *testing.T) {
	t.Helper()
	require.NoError(t, f.svc.Heartbeat(context.Background(), model.WorkerHeartbeat{
		WorkerID:         "w1",
		Status:           model.WorkerActive,
		BrowserConnected: true,
		EnginesReady:     []model.Provider{model.ProviderChatGPT},
	}))
}

func request(providers ...string) DispatchRequest {
	return DispatchRequest{
		Brand:     BrandInput{ID: "b1", Name: "Acme", Domain: "acme.io"},
		Providers: providers,
		Questions: []Question{{ID: "q1", Text: "What is the best CRM?"}},
	}
}

func TestDispatch_Validation(t *testing.T) {
	f := newFixture(t, config.QueueConfig{})
	tests := []struct {
		name  string
		req   DispatchRequest
		field string
	}{
		{"no providers", request(), "providers"},
		{"unknown provider", request("bing"), "providers[0]"},
		{"duplicate provider", request("chatgpt", "ChatGPT"), "providers"},
		{"no brand", DispatchRequest{Providers: []string{"grok"}, Questions: []Question{{ID: "q", Text: "t"}}}, "brand.id"},
		{"no questions", DispatchRequest{Brand: BrandInput{ID: "b", Name: "n"}, Providers: []string{"grok"}}, "questions"},
		{"bad runs", func() DispatchRequest { r := request("grok"); r.EnsembleRuns = 99; return r }(), "ensemble_runs"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Dispatch(context.Background(), tt.req)
			var ve *resilience.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestDispatch_AllScriptedWithoutWorker(t *testing.T) {
	f := newFixture(t, config.QueueConfig{})
	res, err := f.svc.Dispatch(context.Background(), request("chatgpt", "gemini"))
	require.NoError(t, err)

	assert.Empty(t, res.BrowserLane)
	assert.Equal(t, []model.Provider{model.ProviderChatGPT, model.ProviderGemini}, res.ScriptedLane)
	assert.Zero(t, res.JobsCreated)
	require.Len(t, res.Units, 2)
	assert.Equal(t, 3, res.Units[0].Runs)
	assert.Equal(t, 1, res.Units[1].Runs)
	assert.Len(t, f.launcher.units, 2)

	u, err := f.st.GetUnit(context.Background(), res.Units[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.UnitRunning, u.Status)
	assert.Equal(t, model.ModeScripted, u.Mode)
}

func TestDispatch_BrowserLane(t *testing.T) {
	f := newFixture(t, config.QueueConfig{})
	f.workerReady(t)

	req := request("chatgpt", "gemini")
	req.Priority = "high"
	res, err := f.svc.Dispatch(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, []model.Provider{model.ProviderChatGPT}, res.BrowserLane)
	assert.Equal(t, []model.Provider{model.ProviderGemini}, res.ScriptedLane)
	assert.Equal(t, 3, res.JobsCreated)
	require.Len(t, f.launcher.units, 1)
	assert.Equal(t, model.ProviderGemini, f.launcher.units[0].Provider)

	jobs, err := f.st.ListUnitJobs(context.Background(), res.Units[0].ID)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, model.PriorityHigh, jobs[0].Priority)
}

func TestRunScripted(t *testing.T) {
	f := newFixture(t, config.QueueConfig{})
	ctx := context.Background()
	res, err := f.svc.Dispatch(ctx, request("chatgpt"))
	require.NoError(t, err)

	require.NoError(t, f.svc.RunScripted(ctx, f.launcher.units))

	view, err := f.svc.Verdict(ctx, res.Units[0].ID, VerdictOptions{Trials: true})
	require.NoError(t, err)
	require.NotNil(t, view.Verdict)
	assert.Equal(t, model.UnitComplete, view.Unit.Status)
	assert.Equal(t, 3, view.Verdict.TotalRuns)
	assert.Equal(t, 2, view.Verdict.MentionedInRuns)
	assert.Equal(t, model.PresenceDefinite, view.Verdict.PresenceLevel)
	assert.Len(t, view.Trials, 3)
	require.NotEmpty(t, view.Verdict.OtherBrands)
	assert.Equal(t, "HubSpot", view.Verdict.OtherBrands[0].Name)
}

func TestRunScripted_Hallucinations(t *testing.T) {
	f := newFixture(t, config.QueueConfig{})
	ctx := context.Background()

	fs, err := f.svc.PutGroundTruth(ctx, GroundTruthRequest{
		Brand: BrandInput{ID: "b1", Name: "Acme"},
		Pages: []groundtruth.Page{{URL: "https://acme.io/pricing", Markdown: "Acme Pro costs $49 per month."}},
	})
	require.NoError(t, err)
	require.Len(t, fs.Facts, 1)

	req := request("gemini")
	req.DetectHallucinations = true
	res, err := f.svc.Dispatch(ctx, req)
	require.NoError(t, err)
	require.NoError(t, f.svc.RunScripted(ctx, f.launcher.units))

	view, err := f.svc.Verdict(ctx, res.Units[0].ID, VerdictOptions{Hallucinations: true})
	require.NoError(t, err)
	require.Len(t, view.Hallucinations, 1)
	h := view.Hallucinations[0]
	assert.True(t, h.HasHallucinations)
	assert.Equal(t, 40, h.AccuracyScore)
	require.Len(t, h.Hallucinations, 1)
	assert.Equal(t, model.TierHigh, h.Hallucinations[0].Recommendation.Priority)
}

func claimAll(t *testing.T, f *fixture, unitID string) []model.AcquisitionJob {
	t.Helper()
	jobs, err := f.st.ListUnitJobs(context.Background(), unitID)
	require.NoError(t, err)
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	claimed, err := f.svc.Claim(context.Background(), ids, "w1")
	require.NoError(t, err)
	require.Len(t, claimed, len(ids))
	return jobs
}

func TestIngest_FinalizesWhenAllJobsDone(t *testing.T) {
	f := newFixture(t, config.QueueConfig{})
	f.workerReady(t)
	ctx := context.Background()

	req := request("chatgpt")
	req.EnsembleRuns = 2
	res, err := f.svc.Dispatch(ctx, req)
	require.NoError(t, err)
	unitID := res.Units[0].ID
	jobs := claimAll(t, f, unitID)

	out, err := f.svc.IngestTrial(ctx, IngestRequest{
		JobID:      jobs[0].ID,
		WorkerID:   "w1",
		Success:    true,
		AnswerText: "Acme leads the market. See [Acme pricing](https://www.acme.io/pricing).",
		DurationMS: 4200,
	})
	require.NoError(t, err)
	assert.Equal(t, queue.TransitionCompleted, out.Transition)
	assert.NotEmpty(t, out.TrialID)
	assert.Nil(t, out.Verdict)

	out, err = f.svc.IngestTrial(ctx, IngestRequest{
		JobID:      jobs[1].ID,
		WorkerID:   "w1",
		Success:    true,
		AnswerText: "HubSpot is popular.",
	})
	require.NoError(t, err)
	require.NotNil(t, out.Verdict)
	assert.Equal(t, 2, out.Verdict.TotalRuns)
	assert.Equal(t, 1, out.Verdict.MentionedInRuns)
	assert.Equal(t, 1, out.Verdict.SupportedInRuns)
	assert.Equal(t, model.ConfidenceLow, out.Verdict.Confidence)

	u, err := f.st.GetUnit(ctx, unitID)
	require.NoError(t, err)
	assert.Equal(t, model.UnitComplete, u.Status)

	trials, err := f.st.ListTrials(ctx, unitID)
	require.NoError(t, err)
	require.Len(t, trials, 2)
	for _, tr := range trials {
		if tr.JobID == jobs[0].ID {
			require.NotEmpty(t, tr.Sources)
			assert.Equal(t, "acme.io", tr.Sources[0].Domain)
			assert.Equal(t, 4200*time.Millisecond, tr.Duration)
		}
	}

	// A duplicate report neither adds a trial nor changes the verdict.
	out, err = f.svc.IngestTrial(ctx, IngestRequest{JobID: jobs[1].ID, Success: true, AnswerText: "Acme!"})
	require.NoError(t, err)
	assert.Equal(t, queue.TransitionNoop, out.Transition)
	assert.Empty(t, out.TrialID)
	assert.Equal(t, 2, out.Verdict.TotalRuns)
}

func TestIngest_EmptyAnswerIsFailure(t *testing.T) {
	f := newFixture(t, config.QueueConfig{MaxAttempts: 3})
	f.workerReady(t)
	ctx := context.Background()

	req := request("chatgpt")
	req.EnsembleRuns = 1
	res, err := f.svc.Dispatch(ctx, req)
	require.NoError(t, err)
	jobs := claimAll(t, f, res.Units[0].ID)

	out, err := f.svc.IngestTrial(ctx, IngestRequest{JobID: jobs[0].ID, WorkerID: "w1", Success: true, AnswerText: "  "})
	require.NoError(t, err)
	assert.Equal(t, queue.TransitionRetryScheduled, out.Transition)
	assert.Empty(t, out.TrialID)
}

func TestIngest_UnknownJob(t *testing.T) {
	f := newFixture(t, config.QueueConfig{})
	_, err := f.svc.IngestTrial(context.Background(), IngestRequest{JobID: "nope", Success: true, AnswerText: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIngest_FallbackUnit(t *testing.T) {
	f := newFixture(t, config.QueueConfig{})
	f.workerReady(t)
	ctx := context.Background()

	req := request("chatgpt")
	req.EnsembleRuns = 1
	res, err := f.svc.Dispatch(ctx, req)
	require.NoError(t, err)
	unitID := res.Units[0].ID

	out, err := f.svc.IngestTrial(ctx, IngestRequest{JobID: unitID, Success: true, AnswerText: "Acme is great."})
	require.NoError(t, err)
	assert.Equal(t, queue.TransitionNoop, out.Transition)
	assert.NotEmpty(t, out.TrialID)

	// One run covered by the fallback result finalizes the unit.
	require.NotNil(t, out.Verdict)
	assert.Equal(t, 1, out.Verdict.TotalRuns)
	u, err := f.st.GetUnit(ctx, unitID)
	require.NoError(t, err)
	assert.Equal(t, model.UnitComplete, u.Status)

	// The unit's own job is retired and never handed out again.
	jobs, err := f.st.ListUnitJobs(ctx, unitID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, model.JobCancelled, jobs[0].Status)
	claimable, err := f.svc.Claimable(ctx, queue.ClaimRequest{WorkerID: "w1", Limit: 5})
	require.NoError(t, err)
	assert.Empty(t, claimable)
}

func TestIngest_FallbackNeverExceedsRuns(t *testing.T) {
	f := newFixture(t, config.QueueConfig{})
	f.workerReady(t)
	ctx := context.Background()

	req := request("chatgpt")
	req.EnsembleRuns = 1
	res, err := f.svc.Dispatch(ctx, req)
	require.NoError(t, err)
	unitID := res.Units[0].ID

	// The real job is claimed before the fallback result lands.
	jobs := claimAll(t, f, unitID)
	_, err = f.svc.IngestTrial(ctx, IngestRequest{JobID: unitID, Success: true, AnswerText: "Acme is great."})
	require.NoError(t, err)

	out, err := f.svc.IngestTrial(ctx, IngestRequest{JobID: jobs[0].ID, WorkerID: "w1", Success: true, AnswerText: "HubSpot wins."})
	require.NoError(t, err)
	assert.Equal(t, queue.TransitionCompleted, out.Transition)
	assert.Empty(t, out.TrialID)
	require.NotNil(t, out.Verdict)
	assert.Equal(t, 1, out.Verdict.TotalRuns)

	trials, err := f.st.ListTrials(ctx, unitID)
	require.NoError(t, err)
	assert.Len(t, trials, 1)
}

func TestIngest_FallbackFailureKeepsUnitOpen(t *testing.T) {
	f := newFixture(t, config.QueueConfig{})
	f.workerReady(t)
	ctx := context.Background()

	req := request("chatgpt")
	req.EnsembleRuns = 1
	res, err := f.svc.Dispatch(ctx, req)
	require.NoError(t, err)

	out, err := f.svc.IngestTrial(ctx, IngestRequest{JobID: res.Units[0].ID, Error: "navigation timeout"})
	require.NoError(t, err)
	assert.Empty(t, out.TrialID)
	assert.Nil(t, out.Verdict)

	u, err := f.st.GetUnit(ctx, res.Units[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.UnitAwaitingAcquisition, u.Status)
}

// jobTableDown fails every read of the job table.
type jobTableDown struct {
	*store.SQLiteStore
}

var errNoJobTable = errors.New(`relation "acquisition_jobs" does not exist`)

func (jobTableDown) SelectClaimable(context.Context, store.ClaimFilter) ([]model.AcquisitionJob, error) {
	return nil, errNoJobTable
}

func (jobTableDown) GetJob(context.Context, string) (*model.AcquisitionJob, error) {
	return nil, errNoJobTable
}

func (jobTableDown) ListUnitJobs(context.Context, string) ([]model.AcquisitionJob, error) {
	return nil, errNoJobTable
}

func (jobTableDown) CancelUnitJobs(context.Context, string, time.Time) (int64, error) {
	return 0, errNoJobTable
}

func TestIngest_FallbackWithJobTableDown(t *testing.T) {
	f := newFixtureOver(t, config.QueueConfig{}, func(st *store.SQLiteStore) store.Store {
		return jobTableDown{st}
	})
	f.workerReady(t)
	ctx := context.Background()

	req := request("chatgpt")
	req.EnsembleRuns = 2
	res, err := f.svc.Dispatch(ctx, req)
	require.NoError(t, err)
	unitID := res.Units[0].ID

	offered, err := f.svc.Claimable(ctx, queue.ClaimRequest{WorkerID: "w1", Limit: 5})
	require.NoError(t, err)
	require.Len(t, offered, 1)
	assert.True(t, offered[0].Fallback)
	assert.Equal(t, unitID, offered[0].ID)

	out, err := f.svc.IngestTrial(ctx, IngestRequest{JobID: unitID, WorkerID: "w1", Success: true, AnswerText: "Acme is great."})
	require.NoError(t, err)
	assert.NotEmpty(t, out.TrialID)
	assert.Nil(t, out.Verdict, "one of two runs covered")

	out, err = f.svc.IngestTrial(ctx, IngestRequest{JobID: unitID, WorkerID: "w1", Success: true, AnswerText: "HubSpot and Acme."})
	require.NoError(t, err)
	require.NotNil(t, out.Verdict)
	assert.Equal(t, 2, out.Verdict.TotalRuns)
	assert.Equal(t, 2, out.Verdict.MentionedInRuns)

	// A third report for the finished unit is dropped.
	out, err = f.svc.IngestTrial(ctx, IngestRequest{JobID: unitID, WorkerID: "w1", Success: true, AnswerText: "Acme again."})
	require.NoError(t, err)
	assert.Empty(t, out.TrialID)
	assert.Equal(t, 2, out.Verdict.TotalRuns)

	u, err := f.st.GetUnit(ctx, unitID)
	require.NoError(t, err)
	assert.Equal(t, model.UnitComplete, u.Status)
}

func TestIngest_UnknownJobWithJobTableDown(t *testing.T) {
	f := newFixtureOver(t, config.QueueConfig{}, func(st *store.SQLiteStore) store.Store {
		return jobTableDown{st}
	})
	_, err := f.svc.IngestTrial(context.Background(), IngestRequest{JobID: "nope", Success: true, AnswerText: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "acquisition_jobs")
}

func TestCompleteJob_StaleWorkerIsNoop(t *testing.T) {
	f := newFixture(t, config.QueueConfig{})
	f.workerReady(t)
	ctx := context.Background()

	req := request("chatgpt")
	req.EnsembleRuns = 1
	res, err := f.svc.Dispatch(ctx, req)
	require.NoError(t, err)
	jobs := claimAll(t, f, res.Units[0].ID)

	out, err := f.svc.IngestTrial(ctx, IngestRequest{JobID: jobs[0].ID, WorkerID: "w-stale", Success: true, AnswerText: "Acme."})
	require.NoError(t, err)
	assert.Equal(t, queue.TransitionNoop, out.Transition)
	assert.Empty(t, out.TrialID)

	job, err := f.st.GetJob(ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobClaimed, job.Status)
	assert.Equal(t, "w1", job.ClaimedBy)
}

func TestCompleteJob_TerminalFailureFinalizes(t *testing.T) {
	f := newFixture(t, config.QueueConfig{MaxAttempts: 1})
	f.workerReady(t)
	ctx := context.Background()

	req := request("chatgpt")
	req.EnsembleRuns = 1
	res, err := f.svc.Dispatch(ctx, req)
	require.NoError(t, err)
	jobs := claimAll(t, f, res.Units[0].ID)

	qr, err := f.svc.CompleteJob(ctx, queue.Completion{JobID: jobs[0].ID, WorkerID: "w1", Error: "login wall", Permanent: true})
	require.NoError(t, err)
	assert.Equal(t, queue.TransitionFailed, qr.Transition)

	view, err := f.svc.Verdict(ctx, res.Units[0].ID, VerdictOptions{})
	require.NoError(t, err)
	require.NotNil(t, view.Verdict)
	assert.True(t, view.Verdict.Insufficient)
	assert.Equal(t, model.PresenceInconclusive, view.Verdict.PresenceLevel)
	assert.Equal(t, model.UnitComplete, view.Unit.Status)
}

func TestCancelBatch_RefundsUnconsumedUnits(t *testing.T) {
	f := newFixture(t, config.QueueConfig{})
	f.workerReady(t)
	ctx := context.Background()

	req := request("chatgpt")
	req.Questions = append(req.Questions, Question{ID: "q2", Text: "Which CRM is cheapest?"})
	req.EnsembleRuns = 2
	res, err := f.svc.Dispatch(ctx, req)
	require.NoError(t, err)
	require.Len(t, res.Units, 2)

	jobs, err := f.st.ListUnitJobs(ctx, res.Units[0].ID)
	require.NoError(t, err)
	claimed, err := f.svc.Claim(ctx, []string{jobs[0].ID}, "w1")
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	out, err := f.svc.CancelBatch(ctx, res.BatchID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), out.JobsCancelled)
	assert.Equal(t, int64(2), out.UnitsCancelled)
	assert.Equal(t, 1, out.UnitsRefunded)
	require.Len(t, f.credits.units, 1)
	assert.Equal(t, res.Units[1].ID, f.credits.units[0].ID)
	assert.Equal(t, res.BatchID, f.credits.batchID)

	// The claimed job still reports and its trial is recorded.
	ing, err := f.svc.IngestTrial(ctx, IngestRequest{JobID: jobs[0].ID, WorkerID: "w1", Success: true, AnswerText: "Acme"})
	require.NoError(t, err)
	assert.Equal(t, queue.TransitionCompleted, ing.Transition)
	require.NotNil(t, ing.Verdict)
	assert.Equal(t, 1, ing.Verdict.TotalRuns)

	u, err := f.st.GetUnit(ctx, res.Units[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.UnitCancelled, u.Status)

	progress, err := f.svc.BatchProgress(ctx, res.BatchID)
	require.NoError(t, err)
	assert.True(t, progress.Done)
	assert.Equal(t, 2, progress.Units[model.UnitCancelled])
}

func TestCancelBatch_Unknown(t *testing.T) {
	f := newFixture(t, config.QueueConfig{})
	_, err := f.svc.CancelBatch(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHeartbeat_Validation(t *testing.T) {
	f := newFixture(t, config.QueueConfig{})
	err := f.svc.Heartbeat(context.Background(), model.WorkerHeartbeat{})
	var ve *resilience.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "worker_id", ve.Field)
}
