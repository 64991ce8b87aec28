// Package groundtruth turns a brand's own crawled pages into a fact set
// that answers can be checked against.
package groundtruth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-engine/internal/browser"
	"github.com/sells-group/visibility-engine/internal/completion"
	"github.com/sells-group/visibility-engine/internal/model"
	"github.com/sells-group/visibility-engine/internal/resilience"
)

// MaxCorpusChars bounds the corpus sent for fact extraction.
const MaxCorpusChars = 60000

// MaxFacts caps the facts kept per brand.
const MaxFacts = 150

const extractSystemPrompt = `You extract verifiable facts about a company from its own website content.

Rules:
- Only state facts the content states explicitly. Never infer or embellish.
- Each claim is one short, self-contained sentence naming the company.
- category is one of: pricing, feature, location, certification, company, product, contact, other.
- source_url is the page the fact came from, when known.
- Prefer concrete facts: prices and plans, named features, offices, certifications, founding year, headcount, products.

Respond with ONLY this JSON, no prose:
{"facts": [{"category": "...", "claim": "...", "source_url": "..."}]}`

// Page is one crawled page of the brand's site.
type Page struct {
	URL  string `json:"url" validate:"omitempty,url"`
	HTML string `json:"html"`
	// Markdown may be supplied instead of HTML.
	Markdown string `json:"markdown,omitempty"`
}

// Builder builds fact sets.
type Builder struct {
	ai   completion.Completer
	conv *browser.Converter
	now  func() time.Time
	log  *zap.Logger
}

// NewBuilder creates a Builder.
func NewBuilder(ai completion.Completer) *Builder {
	return &Builder{
		ai:   ai,
		conv: browser.NewConverter(),
		now:  time.Now,
		log:  zap.L().With(zap.String("component", "groundtruth")),
	}
}

// Corpus converts pages to markdown and joins them under per-page headers,
// truncated to MaxCorpusChars.
func (b *Builder) Corpus(pages []Page) string {
	var sb strings.Builder
	for _, p := range pages {
		text := strings.TrimSpace(p.Markdown)
		if text == "" {
			text = b.conv.Markdown(p.HTML, p.URL)
		}
		if text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		if p.URL != "" {
			fmt.Fprintf(&sb, "## Source: %s\n\n", p.URL)
		}
		sb.WriteString(text)
		if sb.Len() >= MaxCorpusChars {
			break
		}
	}
	out := sb.String()
	if len(out) > MaxCorpusChars {
		out = out[:MaxCorpusChars]
	}
	return out
}

type extracted struct {
	Facts []struct {
		Category  string `json:"category"`
		Claim     string `json:"claim"`
		SourceURL string `json:"source_url"`
	} `json:"facts"`
}

// Build converts pages into a corpus and extracts facts from it. An empty
// corpus yields a fact set with no facts and no completion call.
func (b *Builder) Build(ctx context.Context, brand model.BrandContext, pages []Page) (*model.FactSet, error) {
	if brand.ID == "" {
		return nil, resilience.NewValidationError("brand.id", "required")
	}
	now := b.now().UTC()
	fs := &model.FactSet{
		BrandID:     brand.ID,
		Content:     b.Corpus(pages),
		Facts:       []model.GroundTruthFact{},
		ExtractedAt: now,
	}
	if strings.TrimSpace(fs.Content) == "" {
		b.log.Info("empty ground truth corpus", zap.String("brand_id", brand.ID))
		return fs, nil
	}

	name := brand.Name
	if name == "" {
		name = brand.Domain
	}
	user := fmt.Sprintf("Company: %s\nWebsite: %s\n\nContent:\n%s", name, brand.Domain, fs.Content)

	var out extracted
	usage, err := completion.CompleteJSON(ctx, b.ai, completion.Request{
		Use:       completion.UseGroundTruth,
		System:    extractSystemPrompt,
		User:      user,
		MaxTokens: 4096,
	}, &out)
	if err != nil {
		return nil, eris.Wrapf(err, "groundtruth: extract facts for %s", brand.ID)
	}

	seen := make(map[string]bool)
	for _, f := range out.Facts {
		claim := strings.TrimSpace(f.Claim)
		if claim == "" {
			continue
		}
		key := strings.ToLower(claim)
		if seen[key] {
			continue
		}
		seen[key] = true
		fs.Facts = append(fs.Facts, model.GroundTruthFact{
			Category:    model.NormalizeFactCategory(strings.ToLower(strings.TrimSpace(f.Category))),
			Claim:       claim,
			SourceURL:   strings.TrimSpace(f.SourceURL),
			ExtractedAt: now,
		})
		if len(fs.Facts) >= MaxFacts {
			break
		}
	}

	b.log.Info("ground truth extracted",
		zap.String("brand_id", brand.ID),
		zap.Int("pages", len(pages)),
		zap.Int("corpus_chars", len(fs.Content)),
		zap.Int("facts", len(fs.Facts)),
		zap.Float64("cost_usd", usage.Cost),
	)
	return fs, nil
}
