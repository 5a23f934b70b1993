package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCostUSD(t *testing.T) {
	assert.InDelta(t, 0.018, costUSD("sonnet", 1000, 1000), 1e-9)
	assert.InDelta(t, 0.09, costUSD("opus", 1000, 1000), 1e-9)
	assert.InDelta(t, 0.0048, costUSD("haiku", 1000, 1000), 1e-9)

	// Unknown models take the default rates, case-insensitively.
	assert.Equal(t, costUSD("sonnet", 500, 500), costUSD("SONNET", 500, 500))
	assert.Equal(t, costUSD("sonnet", 500, 500), costUSD("experimental", 500, 500))

	assert.Zero(t, costUSD("sonnet", 0, 0))
}

func TestEstimateDurationMS(t *testing.T) {
	assert.Equal(t, int64(2010), estimateDurationMS("hello", false))
	assert.Equal(t, int64(1508), estimateDurationMS("hello", true))

	// Continuations are expected to be faster than cold prompts.
	prompt := "summarize the working tree changes in this repository"
	assert.Less(t, estimateDurationMS(prompt, true), estimateDurationMS(prompt, false))
}
