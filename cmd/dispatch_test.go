package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/visibility-engine/internal/config"
	"github.com/sells-group/visibility-engine/internal/model"
	"github.com/sells-group/visibility-engine/internal/visibility"
)

func resetDispatchFlags(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		dispatchFile, dispatchBatchID, dispatchBrandID, dispatchBrandName, dispatchDomain = "", "", "", "", ""
		dispatchAliases, dispatchProviders, dispatchQuestions = nil, nil, nil
		dispatchPriority, dispatchRuns = "", 0
		dispatchForceScripted, dispatchHallucination = false, false
	})
}

func TestBuildDispatchRequest_Flags(t *testing.T) {
	resetDispatchFlags(t)
	dispatchBrandID = "acme"
	dispatchBrandName = "Acme"
	dispatchDomain = "acme.io"
	dispatchProviders = []string{"chatgpt", "grok"}
	dispatchQuestions = []string{"best crm for startups?", "crm with email sync?"}
	dispatchRuns = 3
	dispatchForceScripted = true

	req, err := buildDispatchRequest()
	require.NoError(t, err)

	assert.Equal(t, "acme", req.Brand.ID)
	assert.Equal(t, "acme.io", req.Brand.Domain)
	assert.Equal(t, []string{"chatgpt", "grok"}, req.Providers)
	require.Len(t, req.Questions, 2)
	assert.Equal(t, visibility.Question{ID: "q1", Text: "best crm for startups?"}, req.Questions[0])
	assert.Equal(t, "q2", req.Questions[1].ID)
	assert.Equal(t, 3, req.EnsembleRuns)
	assert.True(t, req.ForceScripted)
	assert.NoError(t, visibility.Validate(req))
}

func TestBuildDispatchRequest_File(t *testing.T) {
	resetDispatchFlags(t)
	path := filepath.Join(t.TempDir(), "req.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"brand": {"id": "acme", "name": "Acme"},
		"providers": ["perplexity"],
		"questions": [{"id": "pricing", "text": "cheapest crm?"}],
		"priority": "high"
	}`), 0o600))
	dispatchFile = path
	dispatchBrandID = "ignored"

	req, err := buildDispatchRequest()
	require.NoError(t, err)
	assert.Equal(t, "acme", req.Brand.ID)
	assert.Equal(t, "pricing", req.Questions[0].ID)
	assert.Equal(t, "high", req.Priority)
}

func TestBuildDispatchRequest_BadFile(t *testing.T) {
	resetDispatchFlags(t)
	path := filepath.Join(t.TempDir(), "req.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o600))
	dispatchFile = path

	_, err := buildDispatchRequest()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse dispatch file")

	dispatchFile = filepath.Join(t.TempDir(), "missing.json")
	_, err = buildDispatchRequest()
	assert.Error(t, err)
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printJSON(&buf, map[string]int{"jobs_created": 3}))
	assert.Equal(t, "{\n  \"jobs_created\": 3\n}\n", buf.String())
}

func TestReadPages(t *testing.T) {
	dir := t.TempDir()
	md := filepath.Join(dir, "about.md")
	html := filepath.Join(dir, "pricing.html")
	require.NoError(t, os.WriteFile(md, []byte("# About Acme"), 0o600))
	require.NoError(t, os.WriteFile(html, []byte("<h1>Pricing</h1>"), 0o600))

	pages, err := readPages([]string{md, html})
	require.NoError(t, err)
	require.Len(t, pages, 2)
	assert.Equal(t, "# About Acme", pages[0].Markdown)
	assert.Empty(t, pages[0].HTML)
	assert.Equal(t, "<h1>Pricing</h1>", pages[1].HTML)

	_, err = readPages([]string{filepath.Join(dir, "missing.html")})
	assert.Error(t, err)
}

func TestScriptedEngines_OnlyConfiguredProviders(t *testing.T) {
	engines, err := scriptedEngines(t.Context(), &config.Config{})
	require.NoError(t, err)
	assert.Empty(t, engines)

	engines, err = scriptedEngines(t.Context(), &config.Config{
		OpenAI:     config.OpenAIConfig{Key: "sk-test"},
		Grok:       config.OpenAIConfig{Key: "xai-test"},
		Perplexity: config.PerplexityConfig{Key: "pplx-test"},
	})
	require.NoError(t, err)

	var got []model.Provider
	for _, e := range engines {
		got = append(got, e.Provider())
	}
	assert.Equal(t, []model.Provider{model.ProviderChatGPT, model.ProviderGrok, model.ProviderPerplexity}, got)
}
