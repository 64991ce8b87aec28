package cost

import (
	"github.com/sells-group/visibility-engine/internal/config"
	"github.com/sells-group/visibility-engine/internal/model"
)

// Calculator computes costs for API usage.
type Calculator struct {
	rates config.PricingConfig
}

// NewCalculator creates a Calculator with the given rates. Missing sections
// fall back to DefaultRates.
func NewCalculator(rates config.PricingConfig) *Calculator {
	def := DefaultRates()
	if len(rates.Anthropic) == 0 {
		rates.Anthropic = def.Anthropic
	}
	if len(rates.Scripted) == 0 {
		rates.Scripted = def.Scripted
	}
	if len(rates.PerQuery) == 0 {
		rates.PerQuery = def.PerQuery
	}
	return &Calculator{rates: rates}
}

// Completion computes the cost of one completion-service call.
func (c *Calculator) Completion(modelName string, input, output, cacheWrite, cacheRead int) float64 {
	rate, ok := c.rates.Anthropic[modelName]
	if !ok {
		return 0
	}
	return tokens(rate, input, output, cacheWrite, cacheRead)
}

// CompletionUsage fills usage.Cost from its token counts.
func (c *Calculator) CompletionUsage(modelName string, usage model.TokenUsage) model.TokenUsage {
	usage.Cost = c.Completion(modelName, usage.InputTokens, usage.OutputTokens, usage.CacheCreationTokens, usage.CacheReadTokens)
	return usage
}

// Scripted computes the cost of one scripted trial: token cost for the
// provider's model plus any flat per-query fee.
func (c *Calculator) Scripted(p model.Provider, input, output int) float64 {
	total := c.rates.PerQuery[string(p)]
	if rate, ok := c.rates.Scripted[string(p)]; ok {
		total += tokens(rate, input, output, 0, 0)
	}
	return total
}

// PerQuery returns the flat per-request fee for a provider.
func (c *Calculator) PerQuery(p model.Provider) float64 {
	return c.rates.PerQuery[string(p)]
}

func tokens(rate config.ModelPricing, input, output, cacheWrite, cacheRead int) float64 {
	inCost := (float64(input) / 1e6) * rate.Input
	outCost := (float64(output) / 1e6) * rate.Output
	cwCost := (float64(cacheWrite) / 1e6) * rate.Input * rate.CacheWriteMul
	crCost := (float64(cacheRead) / 1e6) * rate.Input * rate.CacheReadMul
	return inCost + outCost + cwCost + crCost
}

// DefaultRates returns the default pricing rates.
func DefaultRates() config.PricingConfig {
	return config.PricingConfig{
		Anthropic: map[string]config.ModelPricing{
			"claude-haiku-4-5-20251001": {
				Input: 1.00, Output: 5.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-sonnet-4-5-20250929": {
				Input: 3.00, Output: 15.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
		},
		Scripted: map[string]config.ModelPricing{
			"chatgpt":    {Input: 0.15, Output: 0.60},
			"grok":       {Input: 0.30, Output: 0.50},
			"gemini":     {Input: 0.30, Output: 2.50},
			"perplexity": {Input: 3.00, Output: 15.00},
		},
		PerQuery: map[string]float64{
			"perplexity": 0.005,
			"gemini":     0.035,
		},
	}
}
