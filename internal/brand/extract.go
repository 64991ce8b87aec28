package brand

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/visibility-engine/internal/completion"
	"github.com/sells-group/visibility-engine/internal/model"
)

// MinConfidence is the candidate confidence below which a candidate is
// ignored during observation.
const MinConfidence = 0.5

const maxAnswerChars = 24000

const extractSystemPrompt = `You identify every company, product or brand named in an AI assistant's answer.

Rules:
- List each distinct brand once, using the name as written in the answer.
- Include brands mentioned only in passing or in comparisons.
- Exclude generic categories ("CRM software"), people, and publications that are only cited as sources.
- confidence is your certainty (0 to 1) that the name refers to a real brand.
- description is at most 12 words on how the answer portrays the brand.

Respond with ONLY this JSON, no prose:
{"brands": [{"name": "...", "confidence": 0.0, "description": "..."}]}`

// Candidate is one brand named in an answer.
type Candidate struct {
	Name        string  `json:"name"`
	Confidence  float64 `json:"confidence"`
	Description string  `json:"description,omitempty"`
}

// Extraction is the brand list pulled from one answer.
type Extraction struct {
	Candidates []Candidate      `json:"brands"`
	Usage      model.TokenUsage `json:"-"`
}

// Extractor lists the brands in an answer. It is never told which brand is
// being measured.
type Extractor struct {
	ai completion.Completer
}

// NewExtractor creates an Extractor.
func NewExtractor(ai completion.Completer) *Extractor {
	return &Extractor{ai: ai}
}

// Extract returns every brand candidate named in answer.
func (e *Extractor) Extract(ctx context.Context, question, answer string) (*Extraction, error) {
	if strings.TrimSpace(answer) == "" {
		return &Extraction{}, nil
	}
	answer = completion.Clip(answer, maxAnswerChars)

	user := fmt.Sprintf("Question asked:\n%s\n\nAnswer:\n%s", question, answer)

	var out Extraction
	usage, err := completion.CompleteJSON(ctx, e.ai, completion.Request{
		Use:    completion.UseBrand,
		System: extractSystemPrompt,
		User:   user,
	}, &out)
	if err != nil {
		return nil, eris.Wrap(err, "brand: extract")
	}
	out.Usage = usage

	cleaned := out.Candidates[:0]
	for _, c := range out.Candidates {
		c.Name = strings.TrimSpace(c.Name)
		if c.Name == "" || Normalize(c.Name) == "" {
			continue
		}
		c.Confidence = clamp(c.Confidence, 0, 1)
		cleaned = append(cleaned, c)
	}
	out.Candidates = cleaned
	return &out, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
