package model

import "time"

// FactCategory groups ground-truth facts.
type FactCategory string

const (
	FactPricing       FactCategory = "pricing"
	FactFeature       FactCategory = "feature"
	FactLocation      FactCategory = "location"
	FactCertification FactCategory = "certification"
	FactCompany       FactCategory = "company"
	FactProduct       FactCategory = "product"
	FactContact       FactCategory = "contact"
	FactOther         FactCategory = "other"
)

var factCategories = map[FactCategory]bool{
	FactPricing: true, FactFeature: true, FactLocation: true, FactCertification: true,
	FactCompany: true, FactProduct: true, FactContact: true, FactOther: true,
}

// NormalizeFactCategory maps unknown categories to FactOther.
func NormalizeFactCategory(s string) FactCategory {
	c := FactCategory(s)
	if factCategories[c] {
		return c
	}
	return FactOther
}

// GroundTruthFact is one structured claim from a trusted source.
type GroundTruthFact struct {
	Category    FactCategory `json:"category"`
	Claim       string       `json:"claim"`
	SourceURL   string       `json:"source_url,omitempty"`
	ExtractedAt time.Time    `json:"extracted_at"`
}

// FactSet is the ground truth for one brand.
type FactSet struct {
	BrandID     string            `json:"brand_id"`
	Content     string            `json:"content"`
	Facts       []GroundTruthFact `json:"facts"`
	ExtractedAt time.Time         `json:"extracted_at"`
}

// HasCategory reports whether any fact is in category c.
func (f *FactSet) HasCategory(c FactCategory) bool {
	for _, fact := range f.Facts {
		if fact.Category == c {
			return true
		}
	}
	return false
}

// Stale reports whether the set is older than maxAge at now.
func (f *FactSet) Stale(now time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 || f.ExtractedAt.IsZero() {
		return false
	}
	return now.Sub(f.ExtractedAt) > maxAge
}

// HallucinationType is the kind of discrepancy.
type HallucinationType string

const (
	HallucinationPositive       HallucinationType = "positive"
	HallucinationNegative       HallucinationType = "negative"
	HallucinationMisattribution HallucinationType = "misattribution"
	HallucinationOutdated       HallucinationType = "outdated"
)

// Severity ranks a discrepancy.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMajor    Severity = "major"
	SeverityMinor    Severity = "minor"
)

// PriorityTier is the remediation urgency derived from severity.
type PriorityTier string

const (
	TierHigh   PriorityTier = "high"
	TierMedium PriorityTier = "medium"
	TierLow    PriorityTier = "low"
)

// Recommendation is an actionable fix for a discrepancy.
type Recommendation struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	SpecificFix string       `json:"specific_fix"`
	Priority    PriorityTier `json:"priority"`
	SchemaPatch string       `json:"schema_patch,omitempty"`
}

// DetectedHallucination is one discrepancy between an answer and ground truth.
type DetectedHallucination struct {
	Type           HallucinationType `json:"type"`
	Severity       Severity          `json:"severity"`
	Category       FactCategory      `json:"category"`
	Claim          string            `json:"claim"`
	Reality        string            `json:"reality"`
	Recommendation Recommendation    `json:"recommendation"`
}

// HallucinationResult is the outcome of checking one answer.
type HallucinationResult struct {
	UnitID            string                  `json:"unit_id,omitempty"`
	TrialID           string                  `json:"trial_id,omitempty"`
	HasHallucinations bool                    `json:"has_hallucinations"`
	AccuracyScore     int                     `json:"accuracy_score"`
	Confidence        Confidence              `json:"confidence"`
	Hallucinations    []DetectedHallucination `json:"hallucinations"`
	Advisories        []string                `json:"advisories,omitempty"`
	InsufficientData  bool                    `json:"insufficient_data"`
	CheckedAt         time.Time               `json:"checked_at"`
}
