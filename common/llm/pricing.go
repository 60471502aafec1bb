package llm

// ModelPricing holds per-million-token prices in USD for one model.
type ModelPricing struct {
	InputPerM        float64
	CacheWrite5mPerM float64
	CacheWrite1hPerM float64
	CacheReadPerM    float64
	OutputPerM       float64
}

// priceTable mirrors Anthropic's published per-model pricing. Unknown
// models fall back to defaultPricing.
var priceTable = map[string]ModelPricing{
	"claude-opus-4-1-20250805": {
		InputPerM: 15, CacheWrite5mPerM: 18.75, CacheWrite1hPerM: 30, CacheReadPerM: 1.5, OutputPerM: 75,
	},
	"claude-sonnet-4-5-20250514": {
		InputPerM: 3, CacheWrite5mPerM: 3.75, CacheWrite1hPerM: 6, CacheReadPerM: 0.3, OutputPerM: 15,
	},
	"claude-haiku-4-5-20251001": {
		InputPerM: 0.8, CacheWrite5mPerM: 1, CacheWrite1hPerM: 1.6, CacheReadPerM: 0.08, OutputPerM: 4,
	},
}

var defaultPricing = ModelPricing{
	InputPerM: 3, CacheWrite5mPerM: 3.75, CacheWrite1hPerM: 6, CacheReadPerM: 0.3, OutputPerM: 15,
}

// PricingFor returns the price row for a model, falling back to the default
// row (priced as Sonnet) for models not in the table.
func PricingFor(model string) ModelPricing {
	if p, ok := priceTable[model]; ok {
		return p
	}
	return defaultPricing
}

const perMillion = 1_000_000.0

// ComputeCost prices one call's usage against model's row. Batch requests
// apply a flat 0.5 multiplier, per the provider's batch discount.
func ComputeCost(model string, usage Usage, batch bool) float64 {
	p := PricingFor(model)

	cost := float64(usage.InputTokens)*p.InputPerM/perMillion +
		float64(usage.CacheWrite5mTokens)*p.CacheWrite5mPerM/perMillion +
		float64(usage.CacheWrite1hTokens)*p.CacheWrite1hPerM/perMillion +
		float64(usage.CacheReadTokens)*p.CacheReadPerM/perMillion +
		float64(usage.OutputTokens)*p.OutputPerM/perMillion

	if batch {
		cost *= 0.5
	}
	return cost
}
