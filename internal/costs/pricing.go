package costs

import (
	"strings"
)

// ModelPricing rates in USD per 1000 tokens. Embedding models and models
// billed at one flat rate set only InputCostPer1K and Flat.
type ModelPricing struct {
	Model           string // may end in "*" for prefix match
	InputCostPer1K  float64
	OutputCostPer1K float64
	Flat            bool
}

// DefaultPricing rough public rates; good enough for trend visibility
var DefaultPricing = []ModelPricing{
	{Model: "text-embedding-3-small", InputCostPer1K: 0.00002, Flat: true},
	{Model: "text-embedding-3-large", InputCostPer1K: 0.00013, Flat: true},
	{Model: "text-embedding-ada-002", InputCostPer1K: 0.0001, Flat: true},

	{Model: "gpt-4o-mini*", InputCostPer1K: 0.00015, OutputCostPer1K: 0.0006},
	{Model: "gpt-4o*", InputCostPer1K: 0.005, OutputCostPer1K: 0.015},
	{Model: "gpt-4*", InputCostPer1K: 0.03, OutputCostPer1K: 0.06},

	{Model: "gemini-1.5-flash*", InputCostPer1K: 0.00001, Flat: true},
	{Model: "claude-3-opus*", InputCostPer1K: 0.015, OutputCostPer1K: 0.075},

	{Model: "deepseek-chat", InputCostPer1K: 0.00014, OutputCostPer1K: 0.00028},
}

// Calculator prices token usage per model
type Calculator struct {
	pricing map[string]ModelPricing
}

// NewCalculator creates a calculator; nil pricing means DefaultPricing
func NewCalculator(pricing []ModelPricing) *Calculator {
	if pricing == nil {
		pricing = DefaultPricing
	}

	c := &Calculator{pricing: make(map[string]ModelPricing, len(pricing))}
	for _, p := range pricing {
		c.pricing[strings.ToLower(p.Model)] = p
	}
	return c
}

// Calculate returns the cost of one call. Unknown models cost 0.
func (c *Calculator) Calculate(model string, inputTokens, outputTokens int) float64 {
	p, ok := c.findPricing(model)
	if !ok {
		return 0
	}

	if p.Flat {
		return float64(inputTokens+outputTokens) / 1000.0 * p.InputCostPer1K
	}
	return float64(inputTokens)/1000.0*p.InputCostPer1K +
		float64(outputTokens)/1000.0*p.OutputCostPer1K
}

// GetPricing returns the pricing entry that applies to model
func (c *Calculator) GetPricing(model string) (ModelPricing, bool) {
	return c.findPricing(model)
}

// findPricing tries an exact match, then the longest wildcard prefix
func (c *Calculator) findPricing(model string) (ModelPricing, bool) {
	modelLower := strings.ToLower(model)

	if p, ok := c.pricing[modelLower]; ok {
		return p, true
	}

	var (
		best    ModelPricing
		bestLen = -1
	)
	for pattern, p := range c.pricing {
		prefix, wildcard := strings.CutSuffix(pattern, "*")
		if !wildcard || !strings.HasPrefix(modelLower, prefix) {
			continue
		}
		if len(prefix) > bestLen {
			best, bestLen = p, len(prefix)
		}
	}
	return best, bestLen >= 0
}
