package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/visibility-engine/internal/config"
	"github.com/sells-group/visibility-engine/internal/model"
	"github.com/sells-group/visibility-engine/internal/queue"
	"github.com/sells-group/visibility-engine/internal/resilience"
	"github.com/sells-group/visibility-engine/internal/visibility"
)

type mockService struct {
	mock.Mock
}

func (m *mockService) Dispatch(ctx context.Context, req visibility.DispatchRequest) (*visibility.DispatchResult, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*visibility.DispatchResult)
	return res, args.Error(1)
}

func (m *mockService) Claimable(ctx context.Context, req queue.ClaimRequest) ([]model.AcquisitionJob, error) {
	args := m.Called(ctx, req)
	jobs, _ := args.Get(0).([]model.AcquisitionJob)
	return jobs, args.Error(1)
}

func (m *mockService) Claim(ctx context.Context, ids []string, workerID string) ([]string, error) {
	args := m.Called(ctx, ids, workerID)
	claimed, _ := args.Get(0).([]string)
	return claimed, args.Error(1)
}

func (m *mockService) CompleteJob(ctx context.Context, c queue.Completion) (queue.Result, error) {
	args := m.Called(ctx, c)
	return args.Get(0).(queue.Result), args.Error(1)
}

func (m *mockService) IngestTrial(ctx context.Context, req visibility.IngestRequest) (*visibility.IngestResult, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*visibility.IngestResult)
	return res, args.Error(1)
}

func (m *mockService) Heartbeat(ctx context.Context, hb model.WorkerHeartbeat) error {
	return m.Called(ctx, hb).Error(0)
}

func (m *mockService) Verdict(ctx context.Context, unitID string, opts visibility.VerdictOptions) (*visibility.VerdictView, error) {
	args := m.Called(ctx, unitID, opts)
	v, _ := args.Get(0).(*visibility.VerdictView)
	return v, args.Error(1)
}

func (m *mockService) BatchProgress(ctx context.Context, batchID string) (*visibility.BatchProgress, error) {
	args := m.Called(ctx, batchID)
	p, _ := args.Get(0).(*visibility.BatchProgress)
	return p, args.Error(1)
}

func (m *mockService) CancelBatch(ctx context.Context, batchID string) (*visibility.CancelResult, error) {
	args := m.Called(ctx, batchID)
	res, _ := args.Get(0).(*visibility.CancelResult)
	return res, args.Error(1)
}

func (m *mockService) PutGroundTruth(ctx context.Context, req visibility.GroundTruthRequest) (*model.FactSet, error) {
	args := m.Called(ctx, req)
	fs, _ := args.Get(0).(*model.FactSet)
	return fs, args.Error(1)
}

func (m *mockService) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func do(t *testing.T, h http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	svc := new(mockService)
	svc.On("Ping", mock.Anything).Return(nil).Once()
	svc.On("Ping", mock.Anything).Return(eris.New("db down")).Once()
	srv := NewServer(svc, config.ServerConfig{})

	rec := do(t, srv, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = do(t, srv, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	svc.AssertExpectations(t)
}

func TestMetricsExposed(t *testing.T) {
	srv := NewServer(new(mockService), config.ServerConfig{})
	rec := do(t, srv, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestDispatch(t *testing.T) {
	svc := new(mockService)
	srv := NewServer(svc, config.ServerConfig{})

	svc.On("Dispatch", mock.Anything, mock.MatchedBy(func(r visibility.DispatchRequest) bool {
		return r.Brand.Name == "Acme" && len(r.Providers) == 2 && r.DetectHallucinations
	})).Return(&visibility.DispatchResult{
		BatchID:      "b-1",
		BrowserLane:  []model.Provider{model.ProviderChatGPT},
		ScriptedLane: []model.Provider{model.ProviderGemini},
		JobsCreated:  5,
		Units:        []model.VisibilityUnit{},
	}, nil)

	rec := do(t, srv, http.MethodPost, "/v1/dispatch", `{
		"brand": {"id": "b1", "name": "Acme"},
		"providers": ["chatgpt", "gemini"],
		"questions": [{"id": "q1", "text": "best crm?"}],
		"detect_hallucinations": true
	}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var got visibility.DispatchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "b-1", got.BatchID)
	assert.Equal(t, 5, got.JobsCreated)
	assert.Equal(t, []model.Provider{model.ProviderChatGPT}, got.BrowserLane)
}

func TestDispatch_ValidationIs422(t *testing.T) {
	svc := new(mockService)
	srv := NewServer(svc, config.ServerConfig{})
	svc.On("Dispatch", mock.Anything, mock.Anything).
		Return(nil, resilience.NewValidationError("providers[0]", `must be one of [chatgpt perplexity gemini grok], got "bing"`))

	rec := do(t, srv, http.MethodPost, "/v1/dispatch", `{"providers": ["bing"]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "providers[0]", body.Field)
	assert.Contains(t, body.Error, "bing")
}

func TestDispatch_BadJSON(t *testing.T) {
	srv := NewServer(new(mockService), config.ServerConfig{})
	rec := do(t, srv, http.MethodPost, "/v1/dispatch", `{"brand":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDispatch_WrongContentType(t *testing.T) {
	srv := NewServer(new(mockService), config.ServerConfig{})
	rec := do(t, srv, http.MethodPost, "/v1/dispatch", `{}`, "Content-Type", "text/plain")
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestAPIKey(t *testing.T) {
	svc := new(mockService)
	svc.On("BatchProgress", mock.Anything, "b-1").Return(&visibility.BatchProgress{
		Progress: queue.Progress{BatchID: "b-1", Done: true},
		Units:    map[model.UnitStatus]int{model.UnitComplete: 2},
	}, nil)
	srv := NewServer(svc, config.ServerConfig{APIKey: "s3cret"})

	assert.Equal(t, http.StatusUnauthorized, do(t, srv, http.MethodGet, "/v1/batches/b-1", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, srv, http.MethodGet, "/v1/batches/b-1", "", "X-API-Key", "nope").Code)
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/v1/batches/b-1", "", "X-API-Key", "s3cret").Code)
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/v1/batches/b-1", "", "Authorization", "Bearer s3cret").Code)

	// Health stays open.
	svc.On("Ping", mock.Anything).Return(nil)
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/health", "").Code)
}

func TestClaimable(t *testing.T) {
	svc := new(mockService)
	srv := NewServer(svc, config.ServerConfig{})
	svc.On("Claimable", mock.Anything, queue.ClaimRequest{
		WorkerID:  "w1",
		Limit:     3,
		Providers: []model.Provider{model.ProviderChatGPT, model.ProviderGrok},
	}).Return([]model.AcquisitionJob{{ID: "j1", Provider: model.ProviderChatGPT}}, nil)

	rec := do(t, srv, http.MethodGet, "/v1/queue?worker_id=w1&limit=3&providers=chatgpt,grok", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got claimableResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Jobs, 1)
	assert.Equal(t, "j1", got.Jobs[0].ID)
}

func TestClaimable_EmptyIsArray(t *testing.T) {
	svc := new(mockService)
	srv := NewServer(svc, config.ServerConfig{})
	svc.On("Claimable", mock.Anything, mock.Anything).Return(nil, nil)

	rec := do(t, srv, http.MethodGet, "/v1/queue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"jobs":[]}`, rec.Body.String())
}

func TestClaimable_BadParams(t *testing.T) {
	srv := NewServer(new(mockService), config.ServerConfig{})
	assert.Equal(t, http.StatusUnprocessableEntity, do(t, srv, http.MethodGet, "/v1/queue?limit=abc", "").Code)
	assert.Equal(t, http.StatusUnprocessableEntity, do(t, srv, http.MethodGet, "/v1/queue?providers=bing", "").Code)
}

func TestClaim(t *testing.T) {
	svc := new(mockService)
	srv := NewServer(svc, config.ServerConfig{})
	svc.On("Claim", mock.Anything, []string{"j1", "j2"}, "w1").Return([]string{"j1"}, nil)

	rec := do(t, srv, http.MethodPost, "/v1/queue", `{"job_ids": ["j1", "j2"], "worker_id": "w1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"claimed":["j1"]}`, rec.Body.String())

	rec = do(t, srv, http.MethodPost, "/v1/queue", `{"job_ids": ["j1"]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestComplete(t *testing.T) {
	svc := new(mockService)
	srv := NewServer(svc, config.ServerConfig{})
	svc.On("CompleteJob", mock.Anything, queue.Completion{JobID: "j1", Error: "timeout"}).
		Return(queue.Result{Transition: queue.TransitionRetryScheduled}, nil)

	rec := do(t, srv, http.MethodPatch, "/v1/queue", `{"job_id": "j1", "success": false, "error": "timeout"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var got queue.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, queue.TransitionRetryScheduled, got.Transition)
}

func TestResult_NotFound(t *testing.T) {
	svc := new(mockService)
	srv := NewServer(svc, config.ServerConfig{})
	svc.On("IngestTrial", mock.Anything, mock.Anything).Return(nil, eris.Wrapf(visibility.ErrNotFound, "job %s", "j9"))

	rec := do(t, srv, http.MethodPost, "/v1/results", `{"job_id": "j9", "success": true, "answer_text": "x"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResult_InternalError(t *testing.T) {
	svc := new(mockService)
	srv := NewServer(svc, config.ServerConfig{})
	svc.On("IngestTrial", mock.Anything, mock.Anything).Return(nil, eris.New("disk full"))

	rec := do(t, srv, http.MethodPost, "/v1/results", `{"job_id": "j1"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "disk full")
}

func TestHeartbeat(t *testing.T) {
	svc := new(mockService)
	srv := NewServer(svc, config.ServerConfig{})
	svc.On("Heartbeat", mock.Anything, mock.MatchedBy(func(hb model.WorkerHeartbeat) bool {
		return hb.WorkerID == "w1" && hb.BrowserConnected && len(hb.EnginesReady) == 1
	})).Return(nil)

	rec := do(t, srv, http.MethodPost, "/v1/workers/heartbeat",
		`{"worker_id": "w1", "status": "active", "browser_connected": true, "engines_ready": ["chatgpt"]}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	svc.AssertExpectations(t)
}

func TestVerdict(t *testing.T) {
	svc := new(mockService)
	srv := NewServer(svc, config.ServerConfig{})
	svc.On("Verdict", mock.Anything, "u1", visibility.VerdictOptions{Hallucinations: true}).
		Return(&visibility.VerdictView{
			Unit:    model.VisibilityUnit{ID: "u1"},
			Verdict: &model.EnsembleVerdict{UnitID: "u1", PresenceLevel: model.PresenceDefinite},
		}, nil)

	rec := do(t, srv, http.MethodGet, "/v1/verdicts/u1?hallucinations=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"presence_level":"definite_present"`)
}

func TestCancel(t *testing.T) {
	svc := new(mockService)
	srv := NewServer(svc, config.ServerConfig{})
	svc.On("CancelBatch", mock.Anything, "b-1").Return(&visibility.CancelResult{BatchID: "b-1", JobsCancelled: 4, UnitsRefunded: 2}, nil)
	svc.On("CancelBatch", mock.Anything, "missing").Return(nil, eris.Wrap(visibility.ErrNotFound, "batch missing"))

	rec := do(t, srv, http.MethodPost, "/v1/batches/b-1/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"units_refunded":2`)

	rec = do(t, srv, http.MethodPost, "/v1/batches/missing/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGroundTruth(t *testing.T) {
	svc := new(mockService)
	srv := NewServer(svc, config.ServerConfig{})
	svc.On("PutGroundTruth", mock.Anything, mock.MatchedBy(func(r visibility.GroundTruthRequest) bool {
		return r.Brand.ID == "b1" && r.Brand.Name == "Acme" && len(r.Pages) == 1
	})).Return(&model.FactSet{BrandID: "b1"}, nil)

	rec := do(t, srv, http.MethodPut, "/v1/brands/b1/ground-truth",
		`{"brand": {"name": "Acme"}, "pages": [{"url": "https://acme.io", "html": "<p>Acme</p>"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, http.MethodPut, "/v1/brands/b1/ground-truth",
		`{"brand": {"id": "b2", "name": "Acme"}, "pages": [{"url": "https://acme.io"}]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
