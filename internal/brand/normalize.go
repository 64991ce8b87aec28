// Package brand extracts brand candidates from answers and matches them
// against a target brand.
package brand

import (
	"net/url"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/visibility-engine/internal/model"
)

var entitySuffixes = map[string]bool{
	"inc": true, "incorporated": true, "llc": true, "corp": true,
	"corporation": true, "co": true, "company": true, "ltd": true,
	"limited": true, "lp": true, "llp": true, "plc": true, "gmbh": true,
	"ag": true, "sa": true,
}

// Normalize folds case, strips diacritics and punctuation, and drops
// trailing entity suffixes. "Acmé, Inc." and "ACME" both become "acme".
func Normalize(name string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	s, _, err := transform.String(t, name)
	if err != nil {
		s = name
	}
	s = cases.Fold().String(s)
	s = strings.ReplaceAll(s, "&", " and ")
	s = strings.ReplaceAll(s, "'", "")
	s = strings.ReplaceAll(s, "’", "")

	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for len(fields) > 1 && entitySuffixes[fields[len(fields)-1]] {
		fields = fields[:len(fields)-1]
	}
	return strings.Join(fields, " ")
}

// DomainLabel returns the registrable label of a domain or URL:
// "https://www.acme.co.uk/x" gives "acme".
func DomainLabel(raw string) string {
	host := Host(raw)
	if host == "" {
		return ""
	}
	parts := strings.Split(host, ".")
	if len(parts) == 1 {
		return parts[0]
	}
	// Skip a two-part public suffix such as co.uk or com.au.
	i := len(parts) - 2
	if i > 0 && len(parts[i]) <= 3 && len(parts[len(parts)-1]) == 2 {
		i--
	}
	return parts[i]
}

// Host extracts a lowercase host without www or port from a domain or URL.
func Host(raw string) string {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := u.Hostname()
	return strings.TrimPrefix(host, "www.")
}

// Names returns the normalized forms a target may appear under: its name,
// aliases and the label of its domain. Duplicates and blanks are dropped.
func Names(target model.BrandContext) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(s string) {
		n := Normalize(s)
		if n == "" || seen[n] {
			return
		}
		seen[n] = true
		out = append(out, n)
	}
	add(target.Name)
	for _, a := range target.Aliases {
		add(a)
	}
	if target.Domain != "" {
		if label := DomainLabel(target.Domain); len(label) >= 4 {
			add(label)
		}
	}
	return out
}

// containsPhrase reports whether needle occurs in hay on word boundaries.
// Both arguments must already be normalized.
func containsPhrase(hay, needle string) bool {
	if needle == "" || hay == "" {
		return false
	}
	return strings.Contains(" "+hay+" ", " "+needle+" ")
}
