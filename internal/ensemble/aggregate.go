// Package ensemble runs repeated trials of one unit and reduces them into a
// presence verdict.
package ensemble

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sells-group/visibility-engine/internal/brand"
	"github.com/sells-group/visibility-engine/internal/model"
)

// DefaultMaxOtherBrands caps the competitor list on a verdict.
const DefaultMaxOtherBrands = 20

// Thresholds are the visibility-frequency floors for each presence level.
// Each comparison is >=.
type Thresholds struct {
	Definite float64
	Possible float64
}

// DefaultThresholds returns the standard presence thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{Definite: 0.60, Possible: 0.20}
}

// Level maps a visibility frequency to a presence level.
func (t Thresholds) Level(freq float64) model.PresenceLevel {
	switch {
	case freq >= t.Definite:
		return model.PresenceDefinite
	case freq >= t.Possible:
		return model.PresencePossible
	case freq > 0:
		return model.PresenceInconclusive
	default:
		return model.PresenceLikelyAbsent
	}
}

// Confidence rates a verdict from its run counts and frequency. Fewer than
// three successful runs is always low; near-unanimous results over three or
// more runs are high.
func Confidence(totalRuns, successfulRuns int, freq float64) model.Confidence {
	if successfulRuns < 3 {
		return model.ConfidenceLow
	}
	if totalRuns >= 3 && (freq <= 0.1 || freq >= 0.8) {
		return model.ConfidenceHigh
	}
	return model.ConfidenceMedium
}

// Evidence is one trial and what was extracted from it.
type Evidence struct {
	Trial model.TrialResult
	// Extraction is nil when extraction failed. A successful trial without
	// an extraction counts toward the denominator with no mentions.
	Extraction *brand.Extraction
	// Sentiment is the target's portrayal, when scored.
	Sentiment *float64
}

// Options tunes Aggregate.
type Options struct {
	Thresholds     Thresholds
	MaxOtherBrands int
	Now            time.Time
}

func (o Options) withDefaults() Options {
	if o.Thresholds == (Thresholds{}) {
		o.Thresholds = DefaultThresholds()
	}
	if o.MaxOtherBrands <= 0 {
		o.MaxOtherBrands = DefaultMaxOtherBrands
	}
	if o.Now.IsZero() {
		o.Now = time.Now()
	}
	return o
}

// Aggregate reduces the evidence for unit into a verdict. Visibility counts
// only mentions in the answer text; cited sources are reported separately
// as source frequency.
func Aggregate(unit model.VisibilityUnit, evidence []Evidence, opts Options) model.EnsembleVerdict {
	opts = opts.withDefaults()

	v := model.EnsembleVerdict{
		UnitID:      unit.ID,
		Provider:    unit.Provider,
		QuestionID:  unit.QuestionID,
		BrandID:     unit.Brand.ID,
		TotalRuns:   len(evidence),
		OtherBrands: []model.BrandFrequency{},
		ComputedAt:  opts.Now.UTC(),
	}

	type tally struct {
		name  string
		count int
	}
	others := make(map[string]*tally)
	var sentimentSum float64
	var sentimentN int

	for _, ev := range evidence {
		if !ev.Trial.Success {
			continue
		}
		v.SuccessfulRuns++

		obs := brand.Observe(unit.Brand, ev.Trial, ev.Extraction)
		if obs.Target.InAnswer {
			v.MentionedInRuns++
			if ev.Sentiment != nil {
				sentimentSum += *ev.Sentiment
				sentimentN++
			}
		}
		if obs.Target.InSources {
			v.SupportedInRuns++
		}
		for _, o := range obs.Others {
			key := brand.Normalize(o.Brand)
			if key == "" {
				continue
			}
			t, ok := others[key]
			if !ok {
				t = &tally{name: o.Brand}
				others[key] = t
			}
			t.count++
		}
	}

	if v.SuccessfulRuns == 0 {
		v.PresenceLevel = model.PresenceInconclusive
		v.Confidence = model.ConfidenceLow
		v.Insufficient = true
		v.Summary = summarize(unit, v)
		return v
	}

	n := float64(v.SuccessfulRuns)
	v.VisibilityFrequency = float64(v.MentionedInRuns) / n
	v.SourceFrequency = float64(v.SupportedInRuns) / n
	v.PresenceLevel = opts.Thresholds.Level(v.VisibilityFrequency)
	v.Confidence = Confidence(v.TotalRuns, v.SuccessfulRuns, v.VisibilityFrequency)
	if sentimentN > 0 {
		avg := sentimentSum / float64(sentimentN)
		v.Sentiment = &avg
	}

	for _, t := range others {
		v.OtherBrands = append(v.OtherBrands, model.BrandFrequency{
			Name:      t.name,
			Mentions:  t.count,
			Frequency: float64(t.count) / n,
		})
	}
	sort.Slice(v.OtherBrands, func(i, j int) bool {
		a, b := v.OtherBrands[i], v.OtherBrands[j]
		if a.Mentions != b.Mentions {
			return a.Mentions > b.Mentions
		}
		return strings.ToLower(a.Name) < strings.ToLower(b.Name)
	})
	if len(v.OtherBrands) > opts.MaxOtherBrands {
		v.OtherBrands = v.OtherBrands[:opts.MaxOtherBrands]
	}

	v.Summary = summarize(unit, v)
	return v
}

var levelPhrases = map[model.PresenceLevel]string{
	model.PresenceDefinite:     "definitely present",
	model.PresencePossible:     "possibly present",
	model.PresenceInconclusive: "inconclusive",
	model.PresenceLikelyAbsent: "likely absent",
}

func summarize(unit model.VisibilityUnit, v model.EnsembleVerdict) string {
	name := unit.Brand.Name
	if name == "" {
		name = unit.Brand.ID
	}
	if v.SuccessfulRuns == 0 {
		return fmt.Sprintf("No successful %s runs for %s out of %d attempted; visibility is inconclusive.",
			unit.Provider, name, v.TotalRuns)
	}
	return fmt.Sprintf("%s was mentioned in %d of %d successful %s runs (%.0f%%) and cited in %d: %s, %s confidence.",
		name, v.MentionedInRuns, v.SuccessfulRuns, unit.Provider, v.VisibilityFrequency*100,
		v.SupportedInRuns, levelPhrases[v.PresenceLevel], v.Confidence)
}
