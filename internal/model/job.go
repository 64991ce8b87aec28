package model

import (
	"strings"
	"time"
)

// JobStatus is the lifecycle state of an AcquisitionJob.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobClaimed   JobStatus = "claimed"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Named job priorities. Higher wins.
const (
	PriorityImmediate = 100
	PriorityHigh      = 75
	PriorityNormal    = 50
	PriorityLow       = 25
)

var priorityNames = map[string]int{
	"immediate": PriorityImmediate,
	"high":      PriorityHigh,
	"normal":    PriorityNormal,
	"low":       PriorityLow,
}

// ParsePriority maps a named priority to its numeric value.
func ParsePriority(name string) (int, bool) {
	v, ok := priorityNames[strings.ToLower(strings.TrimSpace(name))]
	return v, ok
}

// DefaultMaxAttempts is the attempt budget for a new job.
const DefaultMaxAttempts = 3

// BrandContext is the brand a job measures visibility for.
type BrandContext struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Domain  string   `json:"domain,omitempty"`
	Aliases []string `json:"aliases,omitempty"`
}

// AcquisitionJob is one unit of browser-driven work.
type AcquisitionJob struct {
	ID              string       `json:"id"`
	BatchID         string       `json:"batch_id"`
	UnitID          string       `json:"unit_id"`
	Provider        Provider     `json:"provider"`
	QuestionID      string       `json:"question_id"`
	QuestionText    string       `json:"question_text"`
	RunIndex        int          `json:"run_index"`
	Brand           BrandContext `json:"brand"`
	Priority        int          `json:"priority"`
	EarliestStartAt time.Time    `json:"earliest_start_at"`
	Status          JobStatus    `json:"status"`
	ClaimedBy       string       `json:"claimed_by,omitempty"`
	ClaimedAt       *time.Time   `json:"claimed_at,omitempty"`
	AttemptCount    int          `json:"attempt_count"`
	MaxAttempts     int          `json:"max_attempts"`
	NextRetryAt     *time.Time   `json:"next_retry_at,omitempty"`
	LastError       string       `json:"last_error,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`

	// Fallback marks work read from the awaiting-acquisition scan rather
	// than the job table. ID is then the unit ID.
	Fallback bool `json:"fallback,omitempty"`
}

// Claimable reports whether the job may be claimed at now.
func (j *AcquisitionJob) Claimable(now time.Time) bool {
	return j.Status == JobPending && !j.EarliestStartAt.After(now)
}

// JobCounts tallies jobs by status.
type JobCounts map[JobStatus]int

// Outstanding returns jobs that have not reached a terminal state.
func (c JobCounts) Outstanding() int {
	return c[JobPending] + c[JobClaimed]
}

// Total returns the sum over every status.
func (c JobCounts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}
