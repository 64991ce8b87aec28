package model

import (
	"slices"
	"strings"
)

// Provider identifies an answer engine being measured.
type Provider string

// Known providers.
const (
	ProviderChatGPT    Provider = "chatgpt"
	ProviderPerplexity Provider = "perplexity"
	ProviderGemini     Provider = "gemini"
	ProviderGrok       Provider = "grok"
)

// AllProviders lists every supported provider in display order.
var AllProviders = []Provider{
	ProviderChatGPT,
	ProviderPerplexity,
	ProviderGemini,
	ProviderGrok,
}

// Valid reports whether p is a supported provider.
func (p Provider) Valid() bool {
	return slices.Contains(AllProviders, p)
}

// ParseProvider normalizes s and returns the matching provider.
func ParseProvider(s string) (Provider, bool) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	return p, p.Valid()
}

// ParseProviders parses a comma-separated provider list, skipping blanks.
// Unknown names are returned in the second slice.
func ParseProviders(s string) ([]Provider, []string) {
	var out []Provider
	var unknown []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		p, ok := ParseProvider(part)
		if !ok {
			unknown = append(unknown, part)
			continue
		}
		out = append(out, p)
	}
	return out, unknown
}

// AcquisitionMode is how a trial answer is obtained.
type AcquisitionMode string

const (
	ModeScripted AcquisitionMode = "scripted"
	ModeBrowser  AcquisitionMode = "browser"
)
