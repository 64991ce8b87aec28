package brand

import (
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"github.com/sells-group/visibility-engine/internal/model"
)

const (
	minPartialLen = 3
	minFuzzyLen   = 4
	// maxFuzzyRatio is the edit distance allowed per character of the
	// longer name.
	maxFuzzyRatio = 0.2
)

// Match classifies how closely candidate names the target.
func Match(target model.BrandContext, candidate string) model.MatchClass {
	c := Normalize(candidate)
	if c == "" {
		return model.MatchNone
	}
	names := Names(target)

	for _, n := range names {
		if c == n {
			return model.MatchExact
		}
	}
	for _, n := range names {
		shorter := min(len(c), len(n))
		if shorter < minPartialLen {
			continue
		}
		if containsPhrase(c, n) || containsPhrase(n, c) {
			return model.MatchPartial
		}
	}
	for _, n := range names {
		if fuzzyEqual(c, n) {
			return model.MatchFuzzy
		}
	}
	return model.MatchNone
}

func fuzzyEqual(a, b string) bool {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longer := max(la, lb)
	if min(la, lb) < minFuzzyLen {
		return false
	}
	d := levenshtein.ComputeDistance(a, b)
	return float64(d)/float64(longer) <= maxFuzzyRatio
}

// MentionedInText reports whether the target's name, an alias or its
// domain appears in text.
func MentionedInText(target model.BrandContext, text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	if target.Domain != "" {
		if host := Host(target.Domain); host != "" && strings.Contains(strings.ToLower(text), host) {
			return true
		}
	}
	norm := Normalize(text)
	for _, n := range Names(target) {
		if containsPhrase(norm, n) {
			return true
		}
	}
	return false
}

// CitedInSources reports whether any source belongs to the target: its host
// is the target domain or a subdomain of it, or its title names the target.
func CitedInSources(target model.BrandContext, sources []model.Source) bool {
	host := Host(target.Domain)
	names := Names(target)
	for _, s := range sources {
		sh := s.Domain
		if sh == "" {
			sh = Host(s.URL)
		}
		sh = strings.TrimPrefix(strings.ToLower(sh), "www.")
		if host != "" && (sh == host || strings.HasSuffix(sh, "."+host)) {
			return true
		}
		if s.Title != "" {
			title := Normalize(s.Title)
			for _, n := range names {
				if containsPhrase(title, n) {
					return true
				}
			}
		}
	}
	return false
}
