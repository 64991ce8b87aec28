package model

import "time"

// PresenceLevel classifies how consistently a brand appears across trials.
type PresenceLevel string

const (
	PresenceDefinite     PresenceLevel = "definite_present"
	PresencePossible     PresenceLevel = "possible_present"
	PresenceInconclusive PresenceLevel = "inconclusive"
	PresenceLikelyAbsent PresenceLevel = "likely_absent"
)

// Confidence is a coarse trust marker attached to verdicts and findings.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Lower returns the next lower confidence level.
func (c Confidence) Lower() Confidence {
	switch c {
	case ConfidenceHigh:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// BrandFrequency is a detected brand and how often it appeared.
type BrandFrequency struct {
	Name      string  `json:"name"`
	Mentions  int     `json:"mentions"`
	Frequency float64 `json:"frequency"`
}

// EnsembleVerdict aggregates the trials of one unit.
type EnsembleVerdict struct {
	UnitID              string           `json:"unit_id"`
	Provider            Provider         `json:"provider"`
	QuestionID          string           `json:"question_id"`
	BrandID             string           `json:"brand_id"`
	TotalRuns           int              `json:"total_runs"`
	SuccessfulRuns      int              `json:"successful_runs"`
	MentionedInRuns     int              `json:"mentioned_in_runs"`
	SupportedInRuns     int              `json:"supported_in_runs"`
	VisibilityFrequency float64          `json:"visibility_frequency"`
	SourceFrequency     float64          `json:"source_frequency"`
	PresenceLevel       PresenceLevel    `json:"presence_level"`
	Confidence          Confidence       `json:"confidence"`
	Insufficient        bool             `json:"insufficient"`
	Sentiment           *float64         `json:"sentiment,omitempty"`
	OtherBrands         []BrandFrequency `json:"other_brands"`
	Summary             string           `json:"summary"`
	ComputedAt          time.Time        `json:"computed_at"`
}

// UnitStatus is the lifecycle state of a VisibilityUnit.
type UnitStatus string

const (
	UnitAwaitingAcquisition UnitStatus = "awaiting_acquisition"
	UnitRunning             UnitStatus = "running"
	UnitComplete            UnitStatus = "complete"
	UnitCancelled           UnitStatus = "cancelled"
)

// VisibilityUnit is one (provider, question, brand) check inside a batch.
type VisibilityUnit struct {
	ID                   string          `json:"id"`
	BatchID              string          `json:"batch_id"`
	Brand                BrandContext    `json:"brand"`
	Provider             Provider        `json:"provider"`
	QuestionID           string          `json:"question_id"`
	QuestionText         string          `json:"question_text"`
	Mode                 AcquisitionMode `json:"mode"`
	Runs                 int             `json:"runs"`
	Priority             int             `json:"priority"`
	DetectHallucinations bool            `json:"detect_hallucinations"`
	Status               UnitStatus      `json:"status"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}
