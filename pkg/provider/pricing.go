package provider

// ModelPricing holds per-token pricing and context window size for one
// model, mirroring the shape hosts configure custom pricing with.
type ModelPricing struct {
	InputPerToken       float64
	CachedInputPerToken float64
	OutputPerToken      float64
	ContextWindow       int
}

// PricingTable maps model name to its ModelPricing.
type PricingTable map[string]ModelPricing

// defaultPricing carries the built-in pricing/context-window table for the
// models this package ships adapters for. Hosts may override individual
// entries by constructing a Provider with a custom PricingTable.
var defaultPricing = PricingTable{
	"claude-opus-4-1-20250805":   {InputPerToken: 15.0 / 1_000_000, CachedInputPerToken: 1.5 / 1_000_000, OutputPerToken: 75.0 / 1_000_000, ContextWindow: 200_000},
	"claude-sonnet-4-20250514":   {InputPerToken: 3.0 / 1_000_000, CachedInputPerToken: 0.3 / 1_000_000, OutputPerToken: 15.0 / 1_000_000, ContextWindow: 200_000},
	"gpt-4.1":                    {InputPerToken: 2.0 / 1_000_000, CachedInputPerToken: 0.5 / 1_000_000, OutputPerToken: 8.0 / 1_000_000, ContextWindow: 1_000_000},
	"gpt-4.1-mini":               {InputPerToken: 0.4 / 1_000_000, CachedInputPerToken: 0.1 / 1_000_000, OutputPerToken: 1.6 / 1_000_000, ContextWindow: 1_000_000},
	"gemini-2.5-pro":             {InputPerToken: 1.25 / 1_000_000, CachedInputPerToken: 0.31 / 1_000_000, OutputPerToken: 10.0 / 1_000_000, ContextWindow: 1_000_000},
	"gemini-2.5-flash":           {InputPerToken: 0.3 / 1_000_000, CachedInputPerToken: 0.075 / 1_000_000, OutputPerToken: 2.5 / 1_000_000, ContextWindow: 1_000_000},
}

// Lookup returns the pricing for model, and whether it was found.
func (t PricingTable) Lookup(model string) (ModelPricing, bool) {
	p, ok := t[model]
	return p, ok
}

// Cost computes the dollar cost of promptTokens/completionTokens under p.
func (p ModelPricing) Cost(promptTokens, completionTokens int) float64 {
	return float64(promptTokens)*p.InputPerToken + float64(completionTokens)*p.OutputPerToken
}
