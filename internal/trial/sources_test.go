package trial

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/visibility-engine/internal/model"
)

func TestNormalizeDomain(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"https://www.Example.com/path?q=1", "example.com"},
		{"example.com.", "example.com"},
		{"sub.example.co.uk:8080", "sub.example.co.uk"},
		{"(acme.io)", "acme.io"},
		{"localhost", ""},
		{"Acme Analytics review", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, NormalizeDomain(tt.in))
		})
	}
}

func TestIsExcludedDomain(t *testing.T) {
	t.Parallel()
	ex := []string{"google.com"}
	assert.True(t, IsExcludedDomain("google.com", ex))
	assert.True(t, IsExcludedDomain("gemini.google.com", ex))
	assert.False(t, IsExcludedDomain("notgoogle.com", ex))
	assert.False(t, IsExcludedDomain("acme.com", nil))
}

func TestExtractDomainMentions(t *testing.T) {
	t.Parallel()

	text := "Visit www.acme.com, or https://docs.globex.io/start. Email sales@initech.com. Also chatgpt.com. And ACME.com again."
	got := ExtractDomainMentions(text, []string{"chatgpt.com"})
	assert.Equal(t, []string{"acme.com", "docs.globex.io"}, got)

	assert.Nil(t, ExtractDomainMentions("", nil))
	assert.Empty(t, ExtractDomainMentions("version 3.5 is out", nil))
}

func TestExtractLinks(t *testing.T) {
	t.Parallel()

	text := "See [Acme Pricing](https://acme.com/pricing) and (https://globex.io/x). Ignore https://chatgpt.com/c/1"
	got := ExtractLinks(text, EngineDomains[model.ProviderChatGPT])
	require.Len(t, got, 2)
	assert.Equal(t, model.Source{URL: "https://acme.com/pricing", Title: "Acme Pricing", Domain: "acme.com"}, got[0])
	assert.Equal(t, "https://globex.io/x", got[1].URL)
	assert.Equal(t, "globex.io", got[1].Domain)
}

func TestSourcesFromDomains(t *testing.T) {
	t.Parallel()
	got := SourcesFromDomains([]string{"acme.com", "www.acme.com", "bogus"})
	assert.Equal(t, []model.Source{{URL: "https://acme.com", Title: "acme.com", Domain: "acme.com"}}, got)
}

func TestMergeSources(t *testing.T) {
	t.Parallel()

	existing := []model.Source{
		{URL: "https://acme.com/a", Title: "original"},
		{Domain: "globex.io"},
	}
	additions := []model.Source{
		{URL: "https://acme.com/a", Title: "duplicate"},
		{URL: "https://acme.com/b"},
		{Domain: "GLOBEX.io"},
		{},
	}
	got := MergeSources(existing, additions)
	require.Len(t, got, 3)
	assert.Equal(t, "original", got[0].Title)
	assert.Equal(t, "https://acme.com/b", got[2].URL)
}

func TestFinalizeSources(t *testing.T) {
	t.Parallel()

	sources := []model.Source{
		{URL: "https://chatgpt.com/c/1"},
		{URL: " https://acme.com/a "},
	}
	got := FinalizeSources(model.ProviderChatGPT, sources, "Also see globex.io and acme.com.", 0)
	require.Len(t, got, 2)
	assert.Equal(t, model.Source{URL: "https://acme.com/a", Domain: "acme.com"}, got[0])
	assert.Equal(t, "https://globex.io", got[1].URL)
}

func TestFinalizeSources_Cap(t *testing.T) {
	t.Parallel()

	var sources []model.Source
	for i := range 10 {
		sources = append(sources, model.Source{URL: fmt.Sprintf("https://site%d.com", i)})
	}
	assert.Len(t, FinalizeSources(model.ProviderPerplexity, sources, "", 4), 4)
	assert.Len(t, FinalizeSources(model.ProviderPerplexity, sources, "", 0), 10)
}
