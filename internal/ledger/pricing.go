package ledger

// Model costs per 1K tokens in USD, split by billing tier. Cached input
// reads bill at a deep discount; cache writes carry a small premium over
// novel input.
type modelPricing struct {
	InputPer1K      float64
	OutputPer1K     float64
	CacheReadPer1K  float64
	CacheWritePer1K float64
}

var modelCosts = map[string]modelPricing{
	"claude-3-5-sonnet-20241022": {0.003, 0.015, 0.0003, 0.00375},
	"claude-3-5-haiku-20241022":  {0.0008, 0.004, 0.00008, 0.001},
	"claude-3-opus-20240229":     {0.015, 0.075, 0.0015, 0.01875},
	"claude-3-haiku-20240307":    {0.00025, 0.00125, 0.00003, 0.0003},
}

// defaultPricingModel prices unknown models conservatively at the
// mid-tier rate rather than undercounting spend.
const defaultPricingModel = "claude-3-5-sonnet-20241022"

// CalculateCost derives the USD cost of one call from its token counts.
func CalculateCost(model string, inputTokens, outputTokens, cacheReadTokens, cacheWriteTokens int64) float64 {
	p, ok := modelCosts[model]
	if !ok {
		p = modelCosts[defaultPricingModel]
	}
	return float64(inputTokens)/1000*p.InputPer1K +
		float64(outputTokens)/1000*p.OutputPer1K +
		float64(cacheReadTokens)/1000*p.CacheReadPer1K +
		float64(cacheWriteTokens)/1000*p.CacheWritePer1K
}
