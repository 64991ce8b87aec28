package completion

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/visibility-engine/internal/config"
	"github.com/sells-group/visibility-engine/internal/cost"
	"github.com/sells-group/visibility-engine/internal/resilience"
	"github.com/sells-group/visibility-engine/pkg/anthropic"
)

type mockAI struct {
	mock.Mock
}

func (m *mockAI) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func newTestClient(ai anthropic.Client) *Client {
	return New(ai,
		config.AnthropicConfig{Model: "claude-haiku-4-5-20251001", MaxTokens: 1024},
		config.CompletionConfig{SentimentTimeout: 5 * time.Second},
		cost.NewCalculator(cost.DefaultRates()),
	)
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		ID:      "msg_1",
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
		Usage:   anthropic.TokenUsage{InputTokens: 1000, OutputTokens: 200, CacheReadInputTokens: 500},
	}
}

func TestComplete(t *testing.T) {
	ai := new(mockAI)
	c := newTestClient(ai)

	ai.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == "claude-haiku-4-5-20251001" &&
			req.MaxTokens == 1024 &&
			len(req.System) == 1 &&
			req.System[0].CacheControl != nil &&
			req.Messages[0].Content == "Acme is great"
	})).Return(textResponse(`{"score": 0.8}`), nil)

	resp, err := c.Complete(context.Background(), Request{
		Use:    UseSentiment,
		System: "Rate sentiment.",
		User:   "Acme is great",
	})
	require.NoError(t, err)
	assert.Equal(t, `{"score": 0.8}`, resp.Text)
	assert.Equal(t, 1000, resp.Usage.InputTokens)
	assert.Equal(t, 500, resp.Usage.CacheReadTokens)
	assert.Greater(t, resp.Usage.Cost, 0.0)
	ai.AssertExpectations(t)
}

func TestComplete_AppliesUseTimeout(t *testing.T) {
	ai := new(mockAI)
	c := newTestClient(ai)

	ai.On("CreateMessage", mock.MatchedBy(func(ctx context.Context) bool {
		dl, ok := ctx.Deadline()
		return ok && time.Until(dl) <= 5*time.Second
	}), mock.Anything).Return(textResponse("{}"), nil)

	_, err := c.Complete(context.Background(), Request{Use: UseSentiment, User: "x"})
	require.NoError(t, err)
	ai.AssertExpectations(t)
}

func TestComplete_Error(t *testing.T) {
	ai := new(mockAI)
	c := newTestClient(ai)

	ai.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, eris.New("invalid api key")).Once()

	_, err := c.Complete(context.Background(), Request{Use: UseBrand, User: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "completion: brand")
	ai.AssertExpectations(t)
}

func TestTimeout_Defaults(t *testing.T) {
	c := New(new(mockAI), config.AnthropicConfig{}, config.CompletionConfig{}, nil)

	assert.Equal(t, DefaultGroundTruthTimeout, c.Timeout(UseGroundTruth))
	assert.Equal(t, DefaultSentimentTimeout, c.Timeout(UseSentiment))
	assert.Equal(t, DefaultHallucinationTimeout, c.Timeout(UseHallucination))
	assert.Equal(t, DefaultBrandTimeout, c.Timeout(UseBrand))
	assert.Equal(t, int64(2048), c.maxTokens)
}

func TestCompleteJSON(t *testing.T) {
	ai := new(mockAI)
	c := newTestClient(ai)

	ai.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse("```json\n{\"brands\": [\"Acme\", \"Globex\",]}\n```"), nil).Once()

	var out struct {
		Brands []string `json:"brands"`
	}
	usage, err := CompleteJSON(context.Background(), c, Request{Use: UseBrand, User: "x"}, &out)
	require.NoError(t, err)
	assert.Equal(t, []string{"Acme", "Globex"}, out.Brands)
	assert.Equal(t, 200, usage.OutputTokens)
}

func TestCompleteJSON_Malformed(t *testing.T) {
	ai := new(mockAI)
	c := newTestClient(ai)

	ai.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse("I cannot answer that."), nil).Once()

	var out map[string]any
	usage, err := CompleteJSON(context.Background(), c, Request{Use: UseBrand, User: "x"}, &out)
	require.Error(t, err)
	var me *resilience.MalformedOutputError
	assert.ErrorAs(t, err, &me)
	assert.Equal(t, "I cannot answer that.", me.Raw)
	assert.Equal(t, 1000, usage.InputTokens)
}
