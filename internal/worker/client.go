package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/visibility-engine/internal/model"
	"github.com/sells-group/visibility-engine/internal/queue"
	"github.com/sells-group/visibility-engine/internal/resilience"
	"github.com/sells-group/visibility-engine/internal/visibility"
)

// API is the engine surface a worker talks to.
type API interface {
	Claimable(ctx context.Context, workerID string, providers []model.Provider, limit int) ([]model.AcquisitionJob, error)
	Claim(ctx context.Context, workerID string, ids []string) ([]string, error)
	Complete(ctx context.Context, comp queue.Completion) (queue.Result, error)
	Ingest(ctx context.Context, req visibility.IngestRequest) (*visibility.IngestResult, error)
	Heartbeat(ctx context.Context, hb model.WorkerHeartbeat) error
}

// StatusError is a non-2xx API response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return "worker: api returned status " + strconv.Itoa(e.StatusCode) + ": " + e.Body
}

// Client calls the engine's HTTP API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	retry   resilience.RetryConfig
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithAPIKey sends key as X-API-Key.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithRetry overrides the retry policy for transient failures.
func WithRetry(cfg resilience.RetryConfig) ClientOption {
	return func(c *Client) { c.retry = cfg }
}

// NewClient creates a Client for the API at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("engine-api", "request")
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retry: retry,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Claimable lists jobs the worker may claim.
func (c *Client) Claimable(ctx context.Context, workerID string, providers []model.Provider, limit int) ([]model.AcquisitionJob, error) {
	q := url.Values{}
	q.Set("worker_id", workerID)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if len(providers) > 0 {
		names := make([]string, len(providers))
		for i, p := range providers {
			names[i] = string(p)
		}
		q.Set("providers", strings.Join(names, ","))
	}
	var out struct {
		Jobs []model.AcquisitionJob `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/queue?"+q.Encode(), nil, &out); err != nil {
		return nil, eris.Wrap(err, "worker: list claimable")
	}
	return out.Jobs, nil
}

// Claim claims jobs and returns the IDs actually won.
func (c *Client) Claim(ctx context.Context, workerID string, ids []string) ([]string, error) {
	body := map[string]any{"job_ids": ids, "worker_id": workerID}
	var out struct {
		Claimed []string `json:"claimed"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/queue", body, &out); err != nil {
		return nil, eris.Wrap(err, "worker: claim")
	}
	return out.Claimed, nil
}

// Complete reports a job outcome without an answer.
func (c *Client) Complete(ctx context.Context, comp queue.Completion) (queue.Result, error) {
	var out queue.Result
	if err := c.do(ctx, http.MethodPatch, "/v1/queue", comp, &out); err != nil {
		return out, eris.Wrapf(err, "worker: complete %s", comp.JobID)
	}
	return out, nil
}

// Ingest reports a trial result for a job.
func (c *Client) Ingest(ctx context.Context, req visibility.IngestRequest) (*visibility.IngestResult, error) {
	var out visibility.IngestResult
	if err := c.do(ctx, http.MethodPost, "/v1/results", req, &out); err != nil {
		return nil, eris.Wrapf(err, "worker: ingest %s", req.JobID)
	}
	return &out, nil
}

// Heartbeat reports liveness and readiness.
func (c *Client) Heartbeat(ctx context.Context, hb model.WorkerHeartbeat) error {
	return eris.Wrap(c.do(ctx, http.MethodPost, "/v1/workers/heartbeat", hb, nil), "worker: heartbeat")
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return eris.Wrap(err, "marshal request")
		}
	}
	return resilience.Do(ctx, c.retry, func(ctx context.Context) error {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return eris.Wrap(err, "create request")
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		if c.apiKey != "" {
			req.Header.Set("X-API-Key", c.apiKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return resilience.NewTransientError(eris.Wrap(err, "request"), 0)
		}
		defer resp.Body.Close() //nolint:errcheck

		if resp.StatusCode >= 300 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			serr := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
			if resilience.IsTransientHTTPStatus(resp.StatusCode) {
				return resilience.NewTransientError(serr, resp.StatusCode)
			}
			return serr
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return eris.Wrap(err, "decode response")
		}
		return nil
	})
}
