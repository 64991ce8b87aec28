package trial

import (
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"github.com/sells-group/visibility-engine/internal/model"
)

// DefaultMaxSources caps the sources kept per answer.
const DefaultMaxSources = 200

// EngineDomains are the provider's own hosts. Links to them are navigation,
// not citations.
var EngineDomains = map[model.Provider][]string{
	model.ProviderChatGPT:    {"chatgpt.com", "openai.com", "oaiusercontent.com"},
	model.ProviderPerplexity: {"perplexity.ai"},
	model.ProviderGemini:     {"google.com", "gemini.google.com", "gstatic.com", "googleusercontent.com"},
	model.ProviderGrok:       {"grok.com", "x.ai"},
}

var domainOrURL = regexp.MustCompile(`(?i)\b((?:https?://)?(?:www\.)?(?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)+(?:[a-z]{2,24}|xn--[a-z0-9-]{2,59})(?::\d{2,5})?)`)

var markdownLink = regexp.MustCompile(`\[([^\]]{0,300})\]\((https?://[^\s)]+)\)`)

var bareURL = regexp.MustCompile(`https?://[^\s<>"'\])]+`)

const (
	trailingPunct = `).,;:!?'"”’]}>»`
	leadingPunct  = `([{<'"“‘«`
)

// NormalizeDomain reduces a domain or URL to a lowercase host without www
// or port. It returns "" when the input has no dotted host.
func NormalizeDomain(raw string) string {
	raw = strings.TrimLeft(strings.TrimRight(strings.TrimSpace(raw), trailingPunct), leadingPunct)
	if raw == "" {
		return ""
	}
	lower := strings.ToLower(raw)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := strings.ToLower(strings.TrimSpace(u.Hostname()))
	host = strings.TrimPrefix(host, "www.")
	if !strings.Contains(host, ".") || strings.IndexFunc(host, unicode.IsSpace) >= 0 {
		return ""
	}
	return host
}

// IsExcludedDomain reports whether domain is one of exclude or a subdomain
// of one.
func IsExcludedDomain(domain string, exclude []string) bool {
	d := strings.ToLower(strings.TrimSpace(domain))
	for _, ex := range exclude {
		ex = strings.ToLower(strings.TrimSpace(ex))
		if ex == "" {
			continue
		}
		if d == ex || strings.HasSuffix(d, "."+ex) {
			return true
		}
	}
	return false
}

// ExtractDomainMentions finds domains written in free text, including the
// hosts of URLs. E-mail addresses are skipped. Results are unique and
// normalized, in order of first appearance.
func ExtractDomainMentions(text string, exclude []string) []string {
	if text == "" {
		return nil
	}
	var out []string
	seen := make(map[string]bool)
	for _, m := range domainOrURL.FindAllStringSubmatchIndex(text, -1) {
		start, end := m[2], m[3]
		if start > 0 && text[start-1] == '@' {
			continue
		}
		d := NormalizeDomain(text[start:end])
		if d == "" || seen[d] || IsExcludedDomain(d, exclude) {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}

// ExtractLinks returns the markdown links and bare URLs in text as sources.
func ExtractLinks(text string, exclude []string) []model.Source {
	var out []model.Source
	seen := make(map[string]bool)
	add := func(rawURL, title string) {
		rawURL = strings.TrimRight(rawURL, trailingPunct)
		d := NormalizeDomain(rawURL)
		if d == "" || seen[rawURL] || IsExcludedDomain(d, exclude) {
			return
		}
		seen[rawURL] = true
		out = append(out, model.Source{URL: rawURL, Title: strings.TrimSpace(title), Domain: d})
	}
	for _, m := range markdownLink.FindAllStringSubmatch(text, -1) {
		add(m[2], m[1])
	}
	for _, u := range bareURL.FindAllString(text, -1) {
		add(u, "")
	}
	return out
}

// DomainToURL returns an https URL for a bare domain.
func DomainToURL(domain string) string {
	d := NormalizeDomain(domain)
	if d == "" {
		return ""
	}
	return "https://" + d
}

// SourcesFromDomains turns domain mentions into placeholder sources.
func SourcesFromDomains(domains []string) []model.Source {
	var out []model.Source
	seen := make(map[string]bool)
	for _, d := range domains {
		nd := NormalizeDomain(d)
		if nd == "" || seen[nd] {
			continue
		}
		seen[nd] = true
		out = append(out, model.Source{URL: DomainToURL(nd), Title: nd, Domain: nd})
	}
	return out
}

// MergeSources appends additions to existing, de-duplicating by URL (or by
// domain for sources without a URL). Existing entries win on collision.
// Distinct pages of the same domain are all kept.
func MergeSources(existing, additions []model.Source) []model.Source {
	merged := make([]model.Source, 0, len(existing)+len(additions))
	seen := make(map[string]bool)
	key := func(s model.Source) string {
		if u := strings.TrimSpace(s.URL); u != "" {
			return u
		}
		if d := strings.ToLower(strings.TrimSpace(s.Domain)); d != "" {
			return "domain:" + d
		}
		return ""
	}
	for _, s := range existing {
		merged = append(merged, s)
		if k := key(s); k != "" {
			seen[k] = true
		}
	}
	for _, s := range additions {
		k := key(s)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		merged = append(merged, s)
	}
	return merged
}

// FinalizeSources fills missing domains, drops the engine's own hosts,
// merges links and domain mentions found in the answer text, and caps the
// list at max (0 means unlimited).
func FinalizeSources(p model.Provider, sources []model.Source, text string, max int) []model.Source {
	exclude := EngineDomains[p]

	cleaned := make([]model.Source, 0, len(sources))
	for _, s := range sources {
		s.URL = strings.TrimSpace(s.URL)
		if s.Domain == "" {
			s.Domain = NormalizeDomain(s.URL)
		} else {
			s.Domain = NormalizeDomain(s.Domain)
		}
		if s.Domain == "" || IsExcludedDomain(s.Domain, exclude) {
			continue
		}
		cleaned = append(cleaned, s)
	}

	out := MergeSources(cleaned, ExtractLinks(text, exclude))

	known := make(map[string]bool, len(out))
	for _, s := range out {
		known[s.Domain] = true
	}
	var fresh []string
	for _, d := range ExtractDomainMentions(text, exclude) {
		if !known[d] {
			fresh = append(fresh, d)
		}
	}
	out = MergeSources(out, SourcesFromDomains(fresh))

	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}
