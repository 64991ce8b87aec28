// Package completion wraps the completion service with per-use timeouts,
// cost attribution and tolerant JSON decoding.
package completion

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-engine/internal/config"
	"github.com/sells-group/visibility-engine/internal/cost"
	"github.com/sells-group/visibility-engine/internal/metrics"
	"github.com/sells-group/visibility-engine/internal/model"
	"github.com/sells-group/visibility-engine/internal/resilience"
	"github.com/sells-group/visibility-engine/pkg/anthropic"
)

// Use names the caller of a completion. Each use has its own time budget.
type Use string

const (
	UseGroundTruth   Use = "groundtruth"
	UseSentiment     Use = "sentiment"
	UseHallucination Use = "hallucination"
	UseBrand         Use = "brand"
)

// Default time budgets per use.
const (
	DefaultGroundTruthTimeout   = 90 * time.Second
	DefaultSentimentTimeout     = 20 * time.Second
	DefaultHallucinationTimeout = 60 * time.Second
	DefaultBrandTimeout         = 30 * time.Second
)

// Request is one prompt to the completion service.
type Request struct {
	Use       Use
	System    string
	User      string
	MaxTokens int64
}

// Response is the text answer and its attributed usage.
type Response struct {
	Text       string
	StopReason string
	Usage      model.TokenUsage
}

// Completer is the completion service as seen by its callers.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Client is the Completer backed by the Anthropic API.
type Client struct {
	ai        anthropic.Client
	model     string
	maxTokens int64
	timeouts  map[Use]time.Duration
	calc      *cost.Calculator
	retry     resilience.RetryConfig
	log       *zap.Logger
}

// New builds a Client. Zero timeouts fall back to the defaults.
func New(ai anthropic.Client, cfg config.AnthropicConfig, budgets config.CompletionConfig, calc *cost.Calculator) *Client {
	if calc == nil {
		calc = cost.NewCalculator(config.PricingConfig{})
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = 2
	retry.OnRetry = resilience.RetryLogger("anthropic", "create_message")

	return &Client{
		ai:        ai,
		model:     cfg.Model,
		maxTokens: maxTokens,
		timeouts: map[Use]time.Duration{
			UseGroundTruth:   orDefault(budgets.GroundTruthTimeout, DefaultGroundTruthTimeout),
			UseSentiment:     orDefault(budgets.SentimentTimeout, DefaultSentimentTimeout),
			UseHallucination: orDefault(budgets.HallucinationTimeout, DefaultHallucinationTimeout),
			UseBrand:         orDefault(budgets.BrandTimeout, DefaultBrandTimeout),
		},
		calc:  calc,
		retry: retry,
		log:   zap.L().With(zap.String("component", "completion")),
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Timeout returns the budget for use.
func (c *Client) Timeout(use Use) time.Duration {
	if d, ok := c.timeouts[use]; ok {
		return d
	}
	return DefaultBrandTimeout
}

// Complete sends req under its use's time budget. The system prompt is sent
// as a cached block since it repeats across every trial of a batch.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout(req.Use))
	defer cancel()

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	temp := 0.0
	msg := anthropic.MessageRequest{
		Model:       c.model,
		MaxTokens:   maxTokens,
		Messages:    []anthropic.Message{{Role: "user", Content: req.User}},
		Temperature: &temp,
	}
	if req.System != "" {
		msg.System = anthropic.CachedSystem(req.System, "")
	}

	start := time.Now()
	resp, err := resilience.DoVal(ctx, c.retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return c.ai.CreateMessage(ctx, msg)
	})
	if err != nil {
		outcome := "error"
		if eris.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			outcome = "timeout"
		}
		metrics.CompletionCalls.WithLabelValues(string(req.Use), outcome).Inc()
		c.log.Warn("completion failed",
			zap.String("use", string(req.Use)),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return nil, eris.Wrapf(err, "completion: %s", req.Use)
	}
	metrics.CompletionCalls.WithLabelValues(string(req.Use), "ok").Inc()

	usage := c.calc.CompletionUsage(c.model, model.TokenUsage{
		InputTokens:         int(resp.Usage.InputTokens),
		OutputTokens:        int(resp.Usage.OutputTokens),
		CacheCreationTokens: int(resp.Usage.CacheCreationInputTokens),
		CacheReadTokens:     int(resp.Usage.CacheReadInputTokens),
	})

	c.log.Debug("completion done",
		zap.String("use", string(req.Use)),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("input_tokens", usage.InputTokens),
		zap.Int("output_tokens", usage.OutputTokens),
		zap.Float64("cost_usd", usage.Cost),
	)

	return &Response{
		Text:       resp.Text(),
		StopReason: resp.StopReason,
		Usage:      usage,
	}, nil
}

// CompleteJSON runs req and decodes the answer into out, repairing common
// defects. Decode failures are returned as *resilience.MalformedOutputError
// alongside the usage already spent.
func CompleteJSON(ctx context.Context, c Completer, req Request, out any) (model.TokenUsage, error) {
	resp, err := c.Complete(ctx, req)
	if err != nil {
		return model.TokenUsage{}, err
	}
	if err := Decode(resp.Text, out); err != nil {
		return resp.Usage, err
	}
	return resp.Usage, nil
}
