package hallucination

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sells-group/visibility-engine/internal/model"
)

type template struct {
	title       string
	description string
	fix         string
}

// templates are used when the model gives no specific fix. %[1]s is the
// brand name, %[2]s the claim and %[3]s the ground truth.
var templates = map[model.HallucinationType]template{
	model.HallucinationPositive: {
		title:       "Correct an unsupported claim",
		description: "AI answers credit %[1]s with something its own content does not support: %[2]s",
		fix:         "State plainly on the relevant page what %[1]s does and does not offer, e.g. \"%[3]s\", so engines stop repeating the claim.",
	},
	model.HallucinationNegative: {
		title:       "Make a missing fact discoverable",
		description: "AI answers say %[1]s lacks something it has: %[2]s",
		fix:         "Add a crawlable, clearly headed section stating \"%[3]s\" and link it from the homepage.",
	},
	model.HallucinationMisattribution: {
		title:       "Disambiguate from other brands",
		description: "AI answers attribute another company's product or fact to %[1]s: %[2]s",
		fix:         "Publish an about page naming %[1]s's own products and distinguishing it from similarly named companies; state \"%[3]s\".",
	},
	model.HallucinationOutdated: {
		title:       "Replace outdated information",
		description: "AI answers repeat information about %[1]s that is no longer current: %[2]s",
		fix:         "Update or redirect pages with the old information and publish the current fact with a visible date: \"%[3]s\".",
	},
}

// PriorityFor maps severity to remediation priority.
func PriorityFor(s model.Severity) model.PriorityTier {
	switch s {
	case model.SeverityCritical, model.SeverityMajor:
		return model.TierHigh
	default:
		return model.TierMedium
	}
}

// Recommend builds the remediation for a finding. specificFix, when
// non-empty, replaces the template fix.
func Recommend(brandName string, h model.DetectedHallucination, specificFix string) model.Recommendation {
	t, ok := templates[h.Type]
	if !ok {
		t = templates[model.HallucinationPositive]
	}
	reality := h.Reality
	if reality == "" {
		reality = "the accurate information"
	}

	rec := model.Recommendation{
		Title:       t.title,
		Description: fmt.Sprintf(t.description, brandName, h.Claim, reality),
		SpecificFix: strings.TrimSpace(specificFix),
		Priority:    PriorityFor(h.Severity),
	}
	if rec.SpecificFix == "" {
		rec.SpecificFix = fmt.Sprintf(t.fix, brandName, h.Claim, reality)
	}
	rec.SchemaPatch = SchemaPatch(brandName, h)
	return rec
}

// SchemaPatch returns a schema.org JSON-LD snippet for pricing and feature
// findings, or "" for other categories.
func SchemaPatch(brandName string, h model.DetectedHallucination) string {
	if h.Reality == "" {
		return ""
	}
	var doc map[string]any
	switch h.Category {
	case model.FactPricing:
		doc = map[string]any{
			"@context": "https://schema.org",
			"@type":    "Product",
			"name":     brandName,
			"offers": map[string]any{
				"@type":       "Offer",
				"description": h.Reality,
			},
		}
	case model.FactFeature:
		doc = map[string]any{
			"@context":    "https://schema.org",
			"@type":       "SoftwareApplication",
			"name":        brandName,
			"featureList": []string{h.Reality},
		}
	default:
		return ""
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return ""
	}
	return string(b)
}
