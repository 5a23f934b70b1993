package session

import "strings"

// modelRates is the informational per-million-token cost table in USD.
// Unknown models fall back to the default row.
var modelRates = map[string]struct{ in, out float64 }{
	"opus":    {15.0, 75.0},
	"sonnet":  {3.0, 15.0},
	"haiku":   {0.8, 4.0},
	"default": {3.0, 15.0},
}

// costUSD estimates the cost of one interaction.
func costUSD(model string, inputTokens, outputTokens int) float64 {
	rates, ok := modelRates[strings.ToLower(model)]
	if !ok {
		rates = modelRates["default"]
	}
	return float64(inputTokens)/1_000_000*rates.in + float64(outputTokens)/1_000_000*rates.out
}

// Estimation heuristic constants. Advisory only; never gates dispatch.
const (
	estimateNewBaseMS     = 2000
	estimateNewPerWordMS  = 10
	estimateContBaseMS    = 1500
	estimateContPerWordMS = 8
)

// estimateDurationMS predicts how long a prompt will take.
func estimateDurationMS(prompt string, continuation bool) int64 {
	words := int64(len(strings.Fields(prompt)))
	if continuation {
		return estimateContBaseMS + estimateContPerWordMS*words
	}
	return estimateNewBaseMS + estimateNewPerWordMS*words
}
