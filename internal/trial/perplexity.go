package trial

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/visibility-engine/internal/model"
	"github.com/sells-group/visibility-engine/internal/resilience"
	"github.com/sells-group/visibility-engine/pkg/perplexity"
)

// PerplexityEngine asks the Perplexity Sonar API.
type PerplexityEngine struct {
	client perplexity.Client
}

// NewPerplexityEngine wraps a Perplexity client.
func NewPerplexityEngine(client perplexity.Client) *PerplexityEngine {
	return &PerplexityEngine{client: client}
}

// Provider implements Engine.
func (e *PerplexityEngine) Provider() model.Provider { return model.ProviderPerplexity }

// Ask implements Engine.
func (e *PerplexityEngine) Ask(ctx context.Context, question string) (*Answer, error) {
	resp, err := e.client.ChatCompletion(ctx, perplexity.ChatCompletionRequest{
		Messages: []perplexity.Message{{Role: "user", Content: question}},
	})
	if err != nil {
		wrapped := eris.Wrap(err, "trial: perplexity chat completion")
		var se *perplexity.StatusError
		if eris.As(err, &se) && se.Retryable() {
			return nil, resilience.NewTransientError(wrapped, se.StatusCode)
		}
		return nil, wrapped
	}

	ans := &Answer{
		Text:         strings.TrimSpace(resp.Text()),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	for _, r := range resp.SearchResults {
		ans.Sources = append(ans.Sources, model.Source{URL: r.URL, Title: r.Title, Snippet: r.Snippet})
	}
	var cited []model.Source
	for _, u := range resp.Citations {
		cited = append(cited, model.Source{URL: u})
	}
	ans.Sources = MergeSources(ans.Sources, cited)
	return ans, nil
}
