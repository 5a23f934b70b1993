package proc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseEnvelope(t *testing.T) {
	env := ParseEnvelope(map[string]any{
		"result":      "done",
		"session_id":  "corr-1",
		"is_error":    true,
		"duration_ms": 1234.0,
		"usage": map[string]any{
			"input_tokens":  100.0,
			"output_tokens": 42.0,
		},
	})

	assert.Equal(t, "done", env.Result)
	assert.Equal(t, "corr-1", env.SessionID)
	assert.True(t, env.IsError)
	assert.Equal(t, 1234.0, env.DurationMS)
	assert.Equal(t, 100, env.Usage.InputTokens)
	assert.Equal(t, 42, env.Usage.OutputTokens)
}

func TestParseEnvelopeMissingFields(t *testing.T) {
	env := ParseEnvelope(map[string]any{})
	assert.Empty(t, env.Result)
	assert.Empty(t, env.SessionID)
	assert.False(t, env.IsError)
	assert.Zero(t, env.Usage.InputTokens)
}

func TestUnwrapPlainJSON(t *testing.T) {
	res := Unwrap(`{"message": "fix: handle nil", "confidence": 0.9}`)
	assert.NotNil(t, res.JSON)
	assert.Equal(t, "fix: handle nil", res.JSON["message"])
	assert.Equal(t, 0.9, res.JSON["confidence"])
}

func TestUnwrapFencedJSON(t *testing.T) {
	res := Unwrap("Here is the result:\n```json\n{\"message\": \"feat: add cache\"}\n```\nDone.")
	assert.NotNil(t, res.JSON)
	assert.Equal(t, "feat: add cache", res.JSON["message"])

	// Bare fences work too.
	res = Unwrap("```\n{\"ok\": true}\n```")
	assert.NotNil(t, res.JSON)
	assert.Equal(t, true, res.JSON["ok"])
}

func TestUnwrapFreeText(t *testing.T) {
	res := Unwrap("  fix: correct the race in the pool  ")
	assert.Nil(t, res.JSON)
	assert.Equal(t, "fix: correct the race in the pool", res.Text)
}

func TestUnwrapMalformedJSON(t *testing.T) {
	res := Unwrap(`{"unterminated": `)
	assert.Nil(t, res.JSON)
	assert.Equal(t, `{"unterminated":`, res.Text)
}
