package brand

import (
	"github.com/sells-group/visibility-engine/internal/model"
)

// Observation is what one trial says about the target and about every other
// brand it named.
type Observation struct {
	Target model.BrandMentionObservation
	Others []model.BrandMentionObservation
}

// Observe matches an extraction against the target. A nil extraction means
// extraction failed: the trial then contributes no mention and no source.
// The answer text is also searched for the target's names directly, since
// extraction is blind to the target.
func Observe(target model.BrandContext, trial model.TrialResult, ext *Extraction) Observation {
	obs := Observation{
		Target: model.BrandMentionObservation{
			Brand: target.Name,
			Match: model.MatchNone,
		},
	}
	if ext == nil || !trial.Success {
		return obs
	}

	best := model.MatchNone
	seen := make(map[string]bool)
	for _, c := range ext.Candidates {
		if c.Confidence < MinConfidence {
			continue
		}
		class := Match(target, c.Name)
		if class != model.MatchNone {
			if rank(class) > rank(best) {
				best = class
				obs.Target.Confidence = c.Confidence
				obs.Target.Description = c.Description
			}
			continue
		}
		key := Normalize(c.Name)
		if seen[key] {
			continue
		}
		seen[key] = true
		obs.Others = append(obs.Others, model.BrandMentionObservation{
			Brand:       c.Name,
			InAnswer:    true,
			Match:       model.MatchNone,
			Confidence:  c.Confidence,
			Description: c.Description,
		})
	}

	if best == model.MatchNone && MentionedInText(target, trial.AnswerText) {
		best = model.MatchExact
		obs.Target.Confidence = 1
	}

	obs.Target.Match = best
	obs.Target.InAnswer = best != model.MatchNone
	obs.Target.InSources = CitedInSources(target, trial.Sources)
	return obs
}

func rank(m model.MatchClass) int {
	switch m {
	case model.MatchExact:
		return 3
	case model.MatchPartial:
		return 2
	case model.MatchFuzzy:
		return 1
	default:
		return 0
	}
}
