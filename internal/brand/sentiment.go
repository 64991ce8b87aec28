package brand

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/visibility-engine/internal/completion"
	"github.com/sells-group/visibility-engine/internal/model"
)

const sentimentSystemPrompt = `You rate how an AI assistant's answer portrays one named brand.

Score from -1 (clearly negative or discouraging) through 0 (neutral or purely factual) to 1 (clearly positive or recommended).
Judge only statements about the named brand.

Respond with ONLY this JSON:
{"score": 0.0, "reason": "one short sentence"}`

// Sentiment scores how an answer portrays a brand.
type Sentiment struct {
	ai completion.Completer
}

// NewSentiment creates a Sentiment scorer.
func NewSentiment(ai completion.Completer) *Sentiment {
	return &Sentiment{ai: ai}
}

// Score returns the portrayal of brand in answer, in [-1, 1].
func (s *Sentiment) Score(ctx context.Context, brandName, answer string) (float64, model.TokenUsage, error) {
	if strings.TrimSpace(answer) == "" {
		return 0, model.TokenUsage{}, nil
	}
	answer = completion.Clip(answer, maxAnswerChars)

	var out struct {
		Score  float64 `json:"score"`
		Reason string  `json:"reason"`
	}
	usage, err := completion.CompleteJSON(ctx, s.ai, completion.Request{
		Use:       completion.UseSentiment,
		System:    sentimentSystemPrompt,
		User:      fmt.Sprintf("Brand: %s\n\nAnswer:\n%s", brandName, answer),
		MaxTokens: 256,
	}, &out)
	if err != nil {
		return 0, usage, eris.Wrap(err, "brand: sentiment")
	}
	return clamp(out.Score, -1, 1), usage, nil
}
