package trial

import (
	"context"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	openai "github.com/sashabaranov/go-openai"

	"github.com/sells-group/visibility-engine/internal/config"
	"github.com/sells-group/visibility-engine/internal/model"
	"github.com/sells-group/visibility-engine/internal/resilience"
)

const (
	defaultChatGPTModel = "gpt-4o-search-preview"
	defaultGrokModel    = "grok-3"
	defaultGrokBaseURL  = "https://api.x.ai/v1"
)

// OpenAIEngine asks an OpenAI-compatible chat API. It serves ChatGPT and
// Grok, which differ only in base URL and model.
type OpenAIEngine struct {
	provider model.Provider
	client   *openai.Client
	model    string
}

// NewOpenAIEngine creates an engine for provider p.
func NewOpenAIEngine(p model.Provider, cfg config.OpenAIConfig) *OpenAIEngine {
	oc := openai.DefaultConfig(cfg.Key)
	baseURL := cfg.BaseURL
	modelName := cfg.Model
	if p == model.ProviderGrok {
		if baseURL == "" {
			baseURL = defaultGrokBaseURL
		}
		if modelName == "" {
			modelName = defaultGrokModel
		}
	}
	if modelName == "" {
		modelName = defaultChatGPTModel
	}
	if baseURL != "" {
		oc.BaseURL = baseURL
	}
	return &OpenAIEngine{
		provider: p,
		client:   openai.NewClientWithConfig(oc),
		model:    modelName,
	}
}

// Provider implements Engine.
func (e *OpenAIEngine) Provider() model.Provider { return e.provider }

// Ask implements Engine.
func (e *OpenAIEngine) Ask(ctx context.Context, question string) (*Answer, error) {
	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: question},
		},
	})
	if err != nil {
		return nil, classifyOpenAIError(e.provider, err)
	}
	if len(resp.Choices) == 0 {
		return nil, eris.Wrapf(ErrEmptyAnswer, "trial: %s returned no choices", e.provider)
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	return &Answer{
		Text:         text,
		Sources:      ExtractLinks(text, EngineDomains[e.provider]),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

func classifyOpenAIError(p model.Provider, err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	wrapped := eris.Wrapf(err, "trial: %s chat completion", p)
	if resilience.IsTransientHTTPStatus(status) {
		return resilience.NewTransientError(wrapped, status)
	}
	return wrapped
}
