// Package hallucination checks answer text against a brand's ground truth
// and reports material discrepancies with remediation.
package hallucination

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/visibility-engine/internal/completion"
	"github.com/sells-group/visibility-engine/internal/config"
	"github.com/sells-group/visibility-engine/internal/metrics"
	"github.com/sells-group/visibility-engine/internal/model"
)

// Defaults for a zero HallucinationConfig.
const (
	DefaultMinGroundTruthChars = 500
	DefaultStaleAfter          = 30 * 24 * time.Hour
)

// Neutral scores.
const (
	thinCorpusScore = 50
	fallbackScore   = 70
	cleanFloor      = 90
)

// Advisories attached to results.
const (
	AdvisoryUnreadable  = "detector output unreadable"
	AdvisoryUnavailable = "detector unavailable"
	AdvisoryThinCorpus  = "ground truth too thin to verify claims"
)

const (
	maxCorpusChars = 30000
	maxAnswerChars = 16000
)

const systemPrompt = `You audit what an AI assistant said about a company against the company's own ground truth.

Decision policy:
- Flag only MATERIAL errors a customer could act on: wrong prices, features the company does not have, wrong locations, wrong certifications, another company's product attributed to this one, or facts that are no longer current.
- Do NOT flag ballpark numbers, rounding, paraphrases, omissions of minor detail, or reasonable inferences.
- "positive": the answer claims something the ground truth contradicts or does not support.
- "negative": the answer says the company lacks something the ground truth shows it has. Only flag this when the ground truth explicitly covers that category.
- "misattribution": the answer attributes another company's product, fact or event to this company.
- "outdated": the answer states something that was true but has been superseded.
- severity: "critical" (pricing, legal, safety, or would lose a sale), "major" (materially misleading), "minor" (small inaccuracy).
- category is one of: pricing, feature, location, certification, company, product, contact, other.
- accuracy_score is 0-100 for the whole answer. An answer with no material errors scores at least 90.
- specific_fix is one concrete action the company can take, or "".

Respond with ONLY this JSON, no prose:
{"accuracy_score": 0, "confidence": "high|medium|low", "hallucinations": [{"type": "...", "severity": "...", "category": "...", "claim": "...", "reality": "...", "specific_fix": "..."}]}`

// Input is one answer to check.
type Input struct {
	UnitID     string
	TrialID    string
	Brand      model.BrandContext
	AnswerText string
	FactSet    *model.FactSet
}

// Detector compares answers to ground truth. Detect never fails: every
// problem degrades into a neutral, low-confidence result.
type Detector struct {
	ai         completion.Completer
	minChars   int
	staleAfter time.Duration
	now        func() time.Time
	log        *zap.Logger
}

// NewDetector creates a Detector.
func NewDetector(ai completion.Completer, cfg config.HallucinationConfig) *Detector {
	d := &Detector{
		ai:         ai,
		minChars:   cfg.MinGroundTruthChars,
		staleAfter: cfg.StaleAfter,
		now:        time.Now,
		log:        zap.L().With(zap.String("component", "hallucination")),
	}
	if d.minChars <= 0 {
		d.minChars = DefaultMinGroundTruthChars
	}
	if d.staleAfter <= 0 {
		d.staleAfter = DefaultStaleAfter
	}
	return d
}

type rawFinding struct {
	Type        string `json:"type"`
	Severity    string `json:"severity"`
	Category    string `json:"category"`
	Claim       string `json:"claim"`
	Reality     string `json:"reality"`
	SpecificFix string `json:"specific_fix"`
}

type rawResult struct {
	AccuracyScore  *float64     `json:"accuracy_score"`
	Confidence     string       `json:"confidence"`
	Hallucinations []rawFinding `json:"hallucinations"`
}

// Detect checks in.AnswerText against in.FactSet.
func (d *Detector) Detect(ctx context.Context, in Input) model.HallucinationResult {
	now := d.now().UTC()
	res := model.HallucinationResult{
		UnitID:         in.UnitID,
		TrialID:        in.TrialID,
		Hallucinations: []model.DetectedHallucination{},
		CheckedAt:      now,
	}
	log := d.log.With(zap.String("unit_id", in.UnitID), zap.String("brand_id", in.Brand.ID))

	corpus := ""
	if in.FactSet != nil {
		corpus = strings.TrimSpace(in.FactSet.Content)
	}
	if len(corpus) < d.minChars {
		res.AccuracyScore = thinCorpusScore
		res.Confidence = model.ConfidenceLow
		res.InsufficientData = true
		res.Advisories = []string{AdvisoryThinCorpus}
		log.Debug("ground truth too thin", zap.Int("chars", len(corpus)))
		return res
	}

	resp, err := d.ai.Complete(ctx, completion.Request{
		Use:    completion.UseHallucination,
		System: systemPrompt,
		User:   d.userPrompt(in, corpus),
	})
	if err != nil {
		log.Warn("hallucination check failed", zap.Error(err))
		return d.neutral(res, in.FactSet, AdvisoryUnavailable)
	}

	var raw rawResult
	if err := completion.Decode(resp.Text, &raw); err != nil {
		log.Warn("hallucination output unreadable", zap.Error(err))
		return d.neutral(res, in.FactSet, AdvisoryUnreadable)
	}

	res.Hallucinations = d.postProcess(in, raw.Hallucinations)
	res.HasHallucinations = len(res.Hallucinations) > 0
	res.AccuracyScore = score(raw.AccuracyScore, res.Hallucinations)
	res.Confidence = parseConfidence(raw.Confidence)
	d.applyStaleness(&res, in.FactSet, now)

	for _, h := range res.Hallucinations {
		metrics.Hallucinations.WithLabelValues(string(h.Severity)).Inc()
	}
	log.Info("hallucination check complete",
		zap.Int("findings", len(res.Hallucinations)),
		zap.Int("accuracy_score", res.AccuracyScore),
		zap.Float64("cost_usd", resp.Usage.Cost),
	)
	return res
}

func (d *Detector) neutral(res model.HallucinationResult, fs *model.FactSet, advisory string) model.HallucinationResult {
	res.AccuracyScore = fallbackScore
	res.Confidence = model.ConfidenceLow
	res.Advisories = append(res.Advisories, advisory)
	if fs != nil && fs.Stale(res.CheckedAt, d.staleAfter) {
		res.Advisories = append(res.Advisories, staleAdvisory(fs, res.CheckedAt))
	}
	return res
}

func (d *Detector) applyStaleness(res *model.HallucinationResult, fs *model.FactSet, now time.Time) {
	if fs == nil || !fs.Stale(now, d.staleAfter) {
		return
	}
	res.Confidence = res.Confidence.Lower()
	res.Advisories = append(res.Advisories, staleAdvisory(fs, now))
}

func staleAdvisory(fs *model.FactSet, now time.Time) string {
	days := int(now.Sub(fs.ExtractedAt).Hours() / 24)
	return fmt.Sprintf("ground truth is %d days old; refresh it before acting on these findings", days)
}

func (d *Detector) postProcess(in Input, raw []rawFinding) []model.DetectedHallucination {
	out := []model.DetectedHallucination{}
	for _, f := range raw {
		claim := strings.TrimSpace(f.Claim)
		if claim == "" {
			continue
		}
		h := model.DetectedHallucination{
			Type:     parseType(f.Type),
			Severity: parseSeverity(f.Severity),
			Category: model.NormalizeFactCategory(strings.ToLower(strings.TrimSpace(f.Category))),
			Claim:    claim,
			Reality:  strings.TrimSpace(f.Reality),
		}
		if h.Type == model.HallucinationNegative && !in.FactSet.HasCategory(h.Category) {
			continue
		}
		h.Recommendation = Recommend(brandName(in.Brand), h, f.SpecificFix)
		out = append(out, h)
	}
	return out
}

func (d *Detector) userPrompt(in Input, corpus string) string {
	corpus = completion.Clip(corpus, maxCorpusChars)
	answer := completion.Clip(in.AnswerText, maxAnswerChars)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Company: %s\n", brandName(in.Brand))
	if in.Brand.Domain != "" {
		fmt.Fprintf(&sb, "Website: %s\n", in.Brand.Domain)
	}
	if len(in.FactSet.Facts) > 0 {
		sb.WriteString("\nKnown facts:\n")
		for _, f := range in.FactSet.Facts {
			fmt.Fprintf(&sb, "- [%s] %s\n", f.Category, f.Claim)
		}
	}
	fmt.Fprintf(&sb, "\nGround truth content:\n%s\n\nAI answer to audit:\n%s", corpus, answer)
	return sb.String()
}

func brandName(b model.BrandContext) string {
	if b.Name != "" {
		return b.Name
	}
	return b.Domain
}

// score clamps the model's score to [0,100], derives one from severities
// when it is missing, and floors a clean result at 90.
func score(given *float64, findings []model.DetectedHallucination) int {
	var s float64
	if given != nil {
		s = *given
	} else {
		s = 100
		for _, h := range findings {
			switch h.Severity {
			case model.SeverityCritical:
				s -= 30
			case model.SeverityMajor:
				s -= 15
			default:
				s -= 5
			}
		}
	}
	s = math.Max(0, math.Min(100, math.Round(s)))
	if len(findings) == 0 && s < cleanFloor {
		s = cleanFloor
	}
	return int(s)
}

var typeAliases = map[string]model.HallucinationType{
	"positive":       model.HallucinationPositive,
	"false_positive": model.HallucinationPositive,
	"fabrication":    model.HallucinationPositive,
	"negative":       model.HallucinationNegative,
	"omission":       model.HallucinationNegative,
	"misattribution": model.HallucinationMisattribution,
	"misattributed":  model.HallucinationMisattribution,
	"outdated":       model.HallucinationOutdated,
	"stale":          model.HallucinationOutdated,
}

func parseType(s string) model.HallucinationType {
	if t, ok := typeAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return t
	}
	return model.HallucinationPositive
}

func parseSeverity(s string) model.Severity {
	switch model.Severity(strings.ToLower(strings.TrimSpace(s))) {
	case model.SeverityCritical:
		return model.SeverityCritical
	case model.SeverityMajor:
		return model.SeverityMajor
	default:
		return model.SeverityMinor
	}
}

func parseConfidence(s string) model.Confidence {
	switch model.Confidence(strings.ToLower(strings.TrimSpace(s))) {
	case model.ConfidenceHigh:
		return model.ConfidenceHigh
	case model.ConfidenceLow:
		return model.ConfidenceLow
	default:
		return model.ConfidenceMedium
	}
}
