package model

import "time"

// Source is one citation attached to an answer.
type Source struct {
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
	Snippet string `json:"snippet,omitempty"`
	Domain  string `json:"domain,omitempty"`
}

// TrialResult is the raw output of one acquisition.
type TrialResult struct {
	ID         string          `json:"id"`
	UnitID     string          `json:"unit_id"`
	JobID      string          `json:"job_id,omitempty"`
	Provider   Provider        `json:"provider"`
	Mode       AcquisitionMode `json:"mode"`
	RunIndex   int             `json:"run_index"`
	AnswerText string          `json:"answer_text"`
	AnswerHTML string          `json:"answer_html,omitempty"`
	Sources    []Source        `json:"sources"`
	StartedAt  time.Time       `json:"started_at"`
	Duration   time.Duration   `json:"duration"`
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
	CostUSD    float64         `json:"cost_usd"`
}

// MatchClass is how closely a candidate name matched the target brand.
type MatchClass string

const (
	MatchExact   MatchClass = "exact"
	MatchPartial MatchClass = "partial"
	MatchFuzzy   MatchClass = "fuzzy"
	MatchNone    MatchClass = "none"
)

// BrandMentionObservation is what one trial says about one brand.
type BrandMentionObservation struct {
	Brand       string     `json:"brand"`
	InAnswer    bool       `json:"in_answer"`
	InSources   bool       `json:"in_sources"`
	Match       MatchClass `json:"match"`
	Confidence  float64    `json:"confidence"`
	Sentiment   *float64   `json:"sentiment,omitempty"`
	Description string     `json:"description,omitempty"`
}

// TokenUsage tracks completion-service token consumption.
type TokenUsage struct {
	InputTokens         int     `json:"input_tokens"`
	OutputTokens        int     `json:"output_tokens"`
	CacheCreationTokens int     `json:"cache_creation_tokens"`
	CacheReadTokens     int     `json:"cache_read_tokens"`
	Cost                float64 `json:"cost"`
}

// Add merges token usage from another instance.
func (t *TokenUsage) Add(other TokenUsage) {
	t.InputTokens += other.InputTokens
	t.OutputTokens += other.OutputTokens
	t.CacheCreationTokens += other.CacheCreationTokens
	t.CacheReadTokens += other.CacheReadTokens
	t.Cost += other.Cost
}
