package backend

import "strings"

// modelRates holds per-million-token USD rates.
type modelRates struct {
	in  float64
	out float64
}

// ratesFor maps a model ID to rates by family substring. Unknown models
// default to sonnet-class pricing.
func ratesFor(model string) modelRates {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "opus"):
		return modelRates{15.0, 75.0}
	case strings.Contains(m, "haiku"):
		return modelRates{0.25, 1.25}
	case strings.Contains(m, "sonnet"):
		return modelRates{3.0, 15.0}
	case strings.Contains(m, "gpt-4o"):
		return modelRates{2.5, 10.0}
	case strings.Contains(m, "gpt-4"):
		return modelRates{10.0, 30.0}
	case strings.Contains(m, "o1"):
		return modelRates{15.0, 60.0}
	case strings.Contains(m, "gemini"):
		return modelRates{1.25, 5.0}
	case strings.Contains(m, "deepseek"):
		return modelRates{0.14, 0.28}
	default:
		return modelRates{3.0, 15.0}
	}
}

// CostUSD computes the dollar cost of a usage record. Cache reads are billed
// at 10% of the input rate, cache creation at 125%.
func CostUSD(model string, in, out, cacheRead, cacheCreation int) float64 {
	r := ratesFor(model)
	const million = 1_000_000
	cost := float64(in) * r.in / million
	cost += float64(out) * r.out / million
	cost += float64(cacheRead) * r.in * 0.1 / million
	cost += float64(cacheCreation) * r.in * 1.25 / million
	return cost
}
