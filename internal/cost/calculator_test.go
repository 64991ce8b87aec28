package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/visibility-engine/internal/config"
	"github.com/sells-group/visibility-engine/internal/model"
)

func testRates() config.PricingConfig {
	return config.PricingConfig{
		Anthropic: map[string]config.ModelPricing{
			"haiku": {
				Input: 0.80, Output: 4.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"sonnet": {
				Input: 3.00, Output: 15.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
		},
		Scripted: map[string]config.ModelPricing{
			"chatgpt":    {Input: 0.15, Output: 0.60},
			"perplexity": {Input: 1.00, Output: 1.00},
		},
		PerQuery: map[string]float64{"perplexity": 0.005},
	}
}

func TestCompletion(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())

	tests := []struct {
		name       string
		model      string
		input      int
		output     int
		cacheWrite int
		cacheRead  int
		want       float64
	}{
		{
			name: "haiku simple", model: "haiku",
			input: 1000000, output: 100000,
			want: 0.80 + 0.40,
		},
		{
			name: "haiku with cache", model: "haiku",
			input: 500000, output: 50000,
			cacheWrite: 200000, cacheRead: 300000,
			// in 0.40, out 0.20, cw 0.20, cr 0.024
			want: 0.40 + 0.20 + 0.20 + 0.024,
		},
		{
			name: "sonnet simple", model: "sonnet",
			input: 100000, output: 10000,
			want: 0.30 + 0.15,
		},
		{
			name: "unknown model", model: "gpt-4",
			input: 1000000, output: 1000000,
			want: 0,
		},
		{
			name: "zero tokens", model: "haiku",
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := calc.Completion(tt.model, tt.input, tt.output, tt.cacheWrite, tt.cacheRead)
			assert.InDelta(t, tt.want, got, 0.0001)
		})
	}
}

func TestCompletionUsage(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())

	u := calc.CompletionUsage("haiku", model.TokenUsage{InputTokens: 1000000, OutputTokens: 100000})
	assert.InDelta(t, 1.20, u.Cost, 0.0001)
	assert.Equal(t, 1000000, u.InputTokens)
}

func TestScripted(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())

	assert.InDelta(t, 0.15+0.60, calc.Scripted(model.ProviderChatGPT, 1000000, 1000000), 0.0001)
	// flat fee plus tokens
	assert.InDelta(t, 0.005+0.002, calc.Scripted(model.ProviderPerplexity, 1000, 1000), 0.00001)
	assert.InDelta(t, 0, calc.Scripted(model.ProviderGrok, 1000, 1000), 0.00001)
	assert.InDelta(t, 0.005, calc.PerQuery(model.ProviderPerplexity), 0.00001)
}

func TestNewCalculator_FillsDefaults(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(config.PricingConfig{})

	assert.Greater(t, calc.Completion("claude-haiku-4-5-20251001", 1000, 1000, 0, 0), 0.0)
	assert.Greater(t, calc.PerQuery(model.ProviderPerplexity), 0.0)
}

func TestDefaultRates(t *testing.T) {
	t.Parallel()
	rates := DefaultRates()

	assert.Contains(t, rates.Anthropic, "claude-haiku-4-5-20251001")
	for _, p := range model.AllProviders {
		assert.Contains(t, rates.Scripted, string(p))
	}
	for name, r := range rates.Anthropic {
		assert.Equal(t, 1.25, r.CacheWriteMul, name)
		assert.Equal(t, 0.1, r.CacheReadMul, name)
	}
}
