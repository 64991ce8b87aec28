package ensemble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sells-group/visibility-engine/internal/brand"
	"github.com/sells-group/visibility-engine/internal/config"
	"github.com/sells-group/visibility-engine/internal/model"
	"github.com/sells-group/visibility-engine/internal/trial"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var acme = model.BrandContext{ID: "b1", Name: "Acme", Domain: "acme.io"}

func testUnit(runs int) model.VisibilityUnit {
	return model.VisibilityUnit{
		ID:           "u1",
		Brand:        acme,
		Provider:     model.ProviderChatGPT,
		QuestionID:   "q1",
		QuestionText: "best crm?",
		Runs:         runs,
	}
}

func mentioned(id string, others ...string) Evidence {
	cands := []brand.Candidate{{Name: "Acme", Confidence: 0.9}}
	for _, o := range others {
		cands = append(cands, brand.Candidate{Name: o, Confidence: 0.9})
	}
	return Evidence{
		Trial:      model.TrialResult{ID: id, Success: true, AnswerText: "Acme is good."},
		Extraction: &brand.Extraction{Candidates: cands},
	}
}

func absent(id string, others ...string) Evidence {
	var cands []brand.Candidate
	for _, o := range others {
		cands = append(cands, brand.Candidate{Name: o, Confidence: 0.9})
	}
	return Evidence{
		Trial:      model.TrialResult{ID: id, Success: true, AnswerText: "Try something else."},
		Extraction: &brand.Extraction{Candidates: cands},
	}
}

func failed(id string) Evidence {
	return Evidence{Trial: model.TrialResult{ID: id, Success: false, Error: "timeout"}}
}

func TestThresholdsLevel(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		freq float64
		want model.PresenceLevel
	}{
		{1.0, model.PresenceDefinite},
		{0.60, model.PresenceDefinite},
		{0.599999, model.PresencePossible},
		{0.59, model.PresencePossible},
		{0.20, model.PresencePossible},
		{0.199999, model.PresenceInconclusive},
		{0.19, model.PresenceInconclusive},
		{0.01, model.PresenceInconclusive},
		{0, model.PresenceLikelyAbsent},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%g", tt.freq), func(t *testing.T) {
			assert.Equal(t, tt.want, th.Level(tt.freq))
		})
	}
}

func TestConfidence(t *testing.T) {
	tests := []struct {
		name              string
		total, successful int
		freq              float64
		want              model.Confidence
	}{
		{"two successes", 5, 2, 1.0, model.ConfidenceLow},
		{"unanimous present", 5, 5, 1.0, model.ConfidenceHigh},
		{"boundary high", 5, 5, 0.8, model.ConfidenceHigh},
		{"unanimous absent", 5, 5, 0, model.ConfidenceHigh},
		{"boundary low freq", 10, 10, 0.1, model.ConfidenceHigh},
		{"split", 10, 10, 0.6, model.ConfidenceMedium},
		{"low wins over high", 10, 2, 1.0, model.ConfidenceLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Confidence(tt.total, tt.successful, tt.freq))
		})
	}
}

func TestAggregate_SixOfTen(t *testing.T) {
	var ev []Evidence
	for i := range 6 {
		ev = append(ev, mentioned(fmt.Sprintf("m%d", i)))
	}
	for i := range 4 {
		ev = append(ev, absent(fmt.Sprintf("a%d", i)))
	}

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	v := Aggregate(testUnit(10), ev, Options{Now: now})

	assert.Equal(t, 10, v.TotalRuns)
	assert.Equal(t, 10, v.SuccessfulRuns)
	assert.Equal(t, 6, v.MentionedInRuns)
	assert.InDelta(t, 0.6, v.VisibilityFrequency, 1e-9)
	assert.Equal(t, model.PresenceDefinite, v.PresenceLevel)
	assert.Equal(t, model.ConfidenceMedium, v.Confidence)
	assert.False(t, v.Insufficient)
	assert.Equal(t, now, v.ComputedAt)
	assert.Contains(t, v.Summary, "6 of 10")
	assert.Equal(t, "u1", v.UnitID)
	assert.Equal(t, "b1", v.BrandID)
}

func TestAggregate_NoSuccessfulRuns(t *testing.T) {
	v := Aggregate(testUnit(3), []Evidence{failed("1"), failed("2"), failed("3")}, Options{})

	assert.Equal(t, 3, v.TotalRuns)
	assert.Zero(t, v.SuccessfulRuns)
	assert.True(t, v.Insufficient)
	assert.Equal(t, model.PresenceInconclusive, v.PresenceLevel)
	assert.Equal(t, model.ConfidenceLow, v.Confidence)
	assert.Zero(t, v.VisibilityFrequency)
	assert.NotNil(t, v.OtherBrands)
}

func TestAggregate_FailedTrialsExcludedFromDenominator(t *testing.T) {
	ev := []Evidence{mentioned("1"), mentioned("2"), absent("3"), failed("4"), failed("5")}
	v := Aggregate(testUnit(5), ev, Options{})

	assert.Equal(t, 5, v.TotalRuns)
	assert.Equal(t, 3, v.SuccessfulRuns)
	assert.InDelta(t, 2.0/3.0, v.VisibilityFrequency, 1e-9)
	assert.Equal(t, model.PresenceDefinite, v.PresenceLevel)
}

func TestAggregate_FailedExtractionCountsAsAbsent(t *testing.T) {
	noExt := Evidence{Trial: model.TrialResult{ID: "x", Success: true, AnswerText: "Acme rules."}}
	v := Aggregate(testUnit(4), []Evidence{mentioned("1"), mentioned("2"), mentioned("3"), noExt}, Options{})

	assert.Equal(t, 4, v.SuccessfulRuns)
	assert.Equal(t, 3, v.MentionedInRuns)
	assert.InDelta(t, 0.75, v.VisibilityFrequency, 1e-9)
}

func TestAggregate_SourceOnlyIsNotVisibility(t *testing.T) {
	cited := absent("1")
	cited.Trial.Sources = []model.Source{{URL: "https://acme.io/pricing", Domain: "acme.io"}}
	v := Aggregate(testUnit(1), []Evidence{cited}, Options{})

	assert.Equal(t, 0, v.MentionedInRuns)
	assert.Equal(t, 1, v.SupportedInRuns)
	assert.Zero(t, v.VisibilityFrequency)
	assert.InDelta(t, 1.0, v.SourceFrequency, 1e-9)
	assert.Equal(t, model.PresenceLikelyAbsent, v.PresenceLevel)
}

func TestAggregate_OtherBrands(t *testing.T) {
	ev := []Evidence{
		mentioned("1", "Zoho", "HubSpot"),
		absent("2", "HubSpot", "Pipedrive"),
		absent("3", "hubspot", "Zoho"),
	}
	v := Aggregate(testUnit(3), ev, Options{})

	require.Len(t, v.OtherBrands, 3)
	assert.Equal(t, "HubSpot", v.OtherBrands[0].Name)
	assert.Equal(t, 3, v.OtherBrands[0].Mentions)
	assert.InDelta(t, 1.0, v.OtherBrands[0].Frequency, 1e-9)
	assert.Equal(t, "Zoho", v.OtherBrands[1].Name)
	assert.Equal(t, "Pipedrive", v.OtherBrands[2].Name)
}

func TestAggregate_OtherBrandsCapped(t *testing.T) {
	var others []string
	for i := range 30 {
		others = append(others, fmt.Sprintf("Brand%02d", i))
	}
	v := Aggregate(testUnit(1), []Evidence{absent("1", others...)}, Options{MaxOtherBrands: 20})

	require.Len(t, v.OtherBrands, 20)
	assert.Equal(t, "Brand00", v.OtherBrands[0].Name)
	assert.Equal(t, "Brand19", v.OtherBrands[19].Name)
}

func TestAggregate_Sentiment(t *testing.T) {
	a, b := 0.8, 0.4
	e1, e2 := mentioned("1"), mentioned("2")
	e1.Sentiment, e2.Sentiment = &a, &b
	v := Aggregate(testUnit(2), []Evidence{e1, e2, absent("3")}, Options{})

	require.NotNil(t, v.Sentiment)
	assert.InDelta(t, 0.6, *v.Sentiment, 1e-9)

	v = Aggregate(testUnit(1), []Evidence{mentioned("1")}, Options{})
	assert.Nil(t, v.Sentiment)
}

// fakeTrials answers every run and tracks peak concurrency.
type fakeTrials struct {
	delay    time.Duration
	fail     map[int]bool
	inFlight atomic.Int32
	peak     atomic.Int32
	mu       sync.Mutex
	calls    int
}

func (f *fakeTrials) Run(ctx context.Context, req trial.Request) (model.TrialResult, error) {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if cur <= p || f.peak.CompareAndSwap(p, cur) {
			break
		}
	}
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	res := model.TrialResult{
		ID:       fmt.Sprintf("t%d", req.RunIndex),
		UnitID:   req.UnitID,
		Provider: req.Provider,
		RunIndex: req.RunIndex,
	}
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		res.Error = ctx.Err().Error()
		return res, ctx.Err()
	}
	if f.fail[req.RunIndex] {
		res.Error = "boom"
		return res, errors.New("boom")
	}
	res.Success = true
	if req.RunIndex%2 == 0 {
		res.AnswerText = "Acme and HubSpot are popular."
	} else {
		res.AnswerText = "HubSpot is popular."
	}
	return res, nil
}

type fakeExtractor struct{ err error }

func (f fakeExtractor) Extract(_ context.Context, _, answer string) (*brand.Extraction, error) {
	if f.err != nil {
		return nil, f.err
	}
	ext := &brand.Extraction{Candidates: []brand.Candidate{{Name: "HubSpot", Confidence: 0.9}}}
	if brand.MentionedInText(acme, answer) {
		ext.Candidates = append(ext.Candidates, brand.Candidate{Name: "Acme", Confidence: 0.9})
	}
	return ext, nil
}

type fakeScorer struct{ calls atomic.Int32 }

func (f *fakeScorer) Score(context.Context, string, string) (float64, model.TokenUsage, error) {
	f.calls.Add(1)
	return 0.5, model.TokenUsage{}, nil
}

func TestRunner_BoundedPool(t *testing.T) {
	ft := &fakeTrials{delay: 20 * time.Millisecond}
	r := NewRunner(ft, fakeExtractor{}, nil, config.EnsembleConfig{PoolSize: 2, Timeout: 5 * time.Second}, model.ProviderChatGPT)

	v, results := r.Run(context.Background(), testUnit(6))

	assert.LessOrEqual(t, ft.peak.Load(), int32(2))
	assert.Len(t, results, 6)
	assert.Equal(t, 6, v.SuccessfulRuns)
	assert.Equal(t, 3, v.MentionedInRuns)
	assert.InDelta(t, 0.5, v.VisibilityFrequency, 1e-9)
	for i, res := range results {
		assert.Equal(t, i, res.RunIndex)
	}
}

func TestRunner_FailuresIsolated(t *testing.T) {
	ft := &fakeTrials{fail: map[int]bool{1: true, 3: true}}
	r := NewRunner(ft, fakeExtractor{}, nil, config.EnsembleConfig{PoolSize: 3}, model.ProviderChatGPT)

	v, results := r.Run(context.Background(), testUnit(5))

	assert.Len(t, results, 5)
	assert.Equal(t, 5, v.TotalRuns)
	assert.Equal(t, 3, v.SuccessfulRuns)
	assert.Equal(t, 3, v.MentionedInRuns)
	assert.Equal(t, model.PresenceDefinite, v.PresenceLevel)
}

func TestRunner_ExtractionFailure(t *testing.T) {
	r := NewRunner(&fakeTrials{}, fakeExtractor{err: errors.New("bad json")}, nil,
		config.EnsembleConfig{}, model.ProviderChatGPT)

	v, _ := r.Run(context.Background(), testUnit(3))

	assert.Equal(t, 3, v.SuccessfulRuns)
	assert.Zero(t, v.MentionedInRuns)
	assert.Equal(t, model.PresenceLikelyAbsent, v.PresenceLevel)
}

func TestRunner_TimeoutKeepsPartialResults(t *testing.T) {
	ft := &fakeTrials{delay: time.Second}
	r := NewRunner(ft, fakeExtractor{}, nil,
		config.EnsembleConfig{PoolSize: 1, Timeout: 50 * time.Millisecond}, model.ProviderChatGPT)

	v, results := r.Run(context.Background(), testUnit(5))

	assert.Less(t, len(results), 5)
	assert.Zero(t, v.SuccessfulRuns)
	assert.True(t, v.Insufficient)
}

func TestRunner_SentimentOnlyWhenMentioned(t *testing.T) {
	sc := &fakeScorer{}
	r := NewRunner(&fakeTrials{}, fakeExtractor{}, sc,
		config.EnsembleConfig{Sentiment: true}, model.ProviderChatGPT)

	v, _ := r.Run(context.Background(), testUnit(4))

	assert.Equal(t, int32(2), sc.calls.Load())
	require.NotNil(t, v.Sentiment)
	assert.InDelta(t, 0.5, *v.Sentiment, 1e-9)
}

func TestRunner_RunsFor(t *testing.T) {
	r := NewRunner(&fakeTrials{}, fakeExtractor{}, nil, config.EnsembleConfig{Runs: 7}, model.ProviderChatGPT)
	assert.Equal(t, 7, r.RunsFor(model.ProviderChatGPT))
	assert.Equal(t, 1, r.RunsFor(model.ProviderGemini))

	_, results := r.Run(context.Background(), model.VisibilityUnit{ID: "u", Brand: acme, Provider: model.ProviderGemini})
	assert.Len(t, results, 1)
}
