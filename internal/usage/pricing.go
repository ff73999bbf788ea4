package usage

import "strings"

// Price is the cost of a model in USD per million tokens.
type Price struct {
	InputPerMTok  float64 `json:"input_per_mtok" yaml:"input_per_mtok" koanf:"input_per_mtok"`
	OutputPerMTok float64 `json:"output_per_mtok" yaml:"output_per_mtok" koanf:"output_per_mtok"`
}

// Pricing maps model ids, or model id prefixes, to prices.
type Pricing map[string]Price

// DefaultPricing returns list prices for common hosted models. Local models
// are free and have no entry.
func DefaultPricing() Pricing {
	return Pricing{
		"claude-opus-4":     {InputPerMTok: 15, OutputPerMTok: 75},
		"claude-sonnet-4":   {InputPerMTok: 3, OutputPerMTok: 15},
		"claude-3-7-sonnet": {InputPerMTok: 3, OutputPerMTok: 15},
		"claude-3-5-sonnet": {InputPerMTok: 3, OutputPerMTok: 15},
		"claude-3-5-haiku":  {InputPerMTok: 0.8, OutputPerMTok: 4},
		"claude-3-opus":     {InputPerMTok: 15, OutputPerMTok: 75},
		"claude-3-haiku":    {InputPerMTok: 0.25, OutputPerMTok: 1.25},
		"gpt-4o":            {InputPerMTok: 2.5, OutputPerMTok: 10},
		"gpt-4o-mini":       {InputPerMTok: 0.15, OutputPerMTok: 0.6},
		"gpt-4.1":           {InputPerMTok: 2, OutputPerMTok: 8},
		"gpt-4.1-mini":      {InputPerMTok: 0.4, OutputPerMTok: 1.6},
		"o3-mini":           {InputPerMTok: 1.1, OutputPerMTok: 4.4},
		"gemini-2.5-pro":    {InputPerMTok: 1.25, OutputPerMTok: 10},
		"gemini-2.5-flash":  {InputPerMTok: 0.3, OutputPerMTok: 2.5},
		"gemini-2.0-flash":  {InputPerMTok: 0.1, OutputPerMTok: 0.4},
		"gemini-1.5-pro":    {InputPerMTok: 1.25, OutputPerMTok: 5},
		"deepseek-chat":     {InputPerMTok: 0.27, OutputPerMTok: 1.1},
		"deepseek-reasoner": {InputPerMTok: 0.55, OutputPerMTok: 2.19},
		"grok-3":            {InputPerMTok: 3, OutputPerMTok: 15},
		"grok-2":            {InputPerMTok: 2, OutputPerMTok: 10},
	}
}

// Lookup finds the price for model: an exact match first, then the longest
// key the model starts with. Vendor-qualified ids such as
// "anthropic/claude-3-5-sonnet" are also tried without the vendor part.
func (p Pricing) Lookup(model string) (Price, bool) {
	if price, ok := p.lookup(model); ok {
		return price, true
	}

	if i := strings.LastIndexByte(model, '/'); i >= 0 {
		return p.lookup(model[i+1:])
	}

	return Price{}, false
}

func (p Pricing) lookup(model string) (Price, bool) {
	if price, ok := p[model]; ok {
		return price, true
	}

	var (
		best    string
		found   Price
		matched bool
	)

	for key, price := range p {
		if strings.HasPrefix(model, key) && len(key) > len(best) {
			best, found, matched = key, price, true
		}
	}

	return found, matched
}

// Cost returns the USD cost of a call, zero for unknown models.
func (p Pricing) Cost(model string, inputTokens, outputTokens int) float64 {
	price, ok := p.Lookup(model)
	if !ok {
		return 0
	}

	return (float64(inputTokens)*price.InputPerMTok + float64(outputTokens)*price.OutputPerMTok) / 1e6
}
