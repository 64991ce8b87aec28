package trial

import (
	"context"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	"google.golang.org/genai"

	"github.com/sells-group/visibility-engine/internal/config"
	"github.com/sells-group/visibility-engine/internal/model"
	"github.com/sells-group/visibility-engine/internal/resilience"
)

const defaultGeminiModel = "gemini-2.5-flash"

// generator is the slice of the genai Models service the engine needs.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiEngine asks Gemini with Google Search grounding enabled.
type GeminiEngine struct {
	gen   generator
	model string
}

// NewGeminiEngine creates a Gemini engine backed by the Gemini API.
func NewGeminiEngine(ctx context.Context, cfg config.GeminiConfig) (*GeminiEngine, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.Key,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, eris.Wrap(err, "trial: create gemini client")
	}
	return newGeminiEngine(client.Models, cfg.Model), nil
}

func newGeminiEngine(gen generator, modelName string) *GeminiEngine {
	if modelName == "" {
		modelName = defaultGeminiModel
	}
	return &GeminiEngine{gen: gen, model: modelName}
}

// Provider implements Engine.
func (e *GeminiEngine) Provider() model.Provider { return model.ProviderGemini }

// Ask implements Engine.
func (e *GeminiEngine) Ask(ctx context.Context, question string) (*Answer, error) {
	resp, err := e.gen.GenerateContent(ctx, e.model, genai.Text(question), &genai.GenerateContentConfig{
		Tools: []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}},
	})
	if err != nil {
		return nil, classifyGeminiError(err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, eris.Wrap(ErrEmptyAnswer, "trial: gemini returned no candidates")
	}

	ans := &Answer{Text: strings.TrimSpace(resp.Text())}
	if gm := resp.Candidates[0].GroundingMetadata; gm != nil {
		for _, chunk := range gm.GroundingChunks {
			if chunk == nil || chunk.Web == nil {
				continue
			}
			ans.Sources = append(ans.Sources, groundingSource(chunk.Web))
		}
	}
	if um := resp.UsageMetadata; um != nil {
		ans.InputTokens = int(um.PromptTokenCount)
		ans.OutputTokens = int(um.CandidatesTokenCount)
	}
	return ans, nil
}

// groundingSource converts a grounding chunk. Grounding URIs are Google
// redirect links, so the domain comes from the title when it names one.
func groundingSource(web *genai.GroundingChunkWeb) model.Source {
	src := model.Source{URL: web.URI, Title: web.Title}
	for _, cand := range []string{web.Title, web.URI} {
		if d := NormalizeDomain(cand); d != "" {
			src.Domain = d
			break
		}
	}
	return src
}

func classifyGeminiError(err error) error {
	status := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.Code
	case errors.As(err, &apiErrPtr):
		status = apiErrPtr.Code
	}
	wrapped := eris.Wrap(err, "trial: gemini generate content")
	if resilience.IsTransientHTTPStatus(status) {
		return resilience.NewTransientError(wrapped, status)
	}
	return wrapped
}
