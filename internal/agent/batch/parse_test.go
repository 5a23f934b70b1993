package batch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseDraftJSON(t *testing.T) {
	d := parseDraft(`{"message": "fix: close leaked file handles", "commitType": "fix", "confidence": 0.92}`)
	assert.Equal(t, "fix: close leaked file handles", d.Message)
	assert.Equal(t, "fix", d.CommitType)
	assert.Equal(t, 0.92, d.Confidence)
}

func TestParseDraftFencedJSON(t *testing.T) {
	d := parseDraft("Sure, here you go:\n```json\n{\"message\": \"feat(api): add pagination\"}\n```")
	assert.Equal(t, "feat(api): add pagination", d.Message)
	assert.Equal(t, "feat", d.CommitType)
	assert.Equal(t, 0.5, d.Confidence)
}

func TestParseDraftFreeText(t *testing.T) {
	d := parseDraft("\n\nrefactor: extract the retry loop\nsome trailing explanation\n")
	assert.Equal(t, "refactor: extract the retry loop", d.Message)
	assert.Equal(t, "refactor", d.CommitType)
	assert.Equal(t, 0.5, d.Confidence)
}

func TestParseDraftSkipsFenceLines(t *testing.T) {
	d := parseDraft("```\ndocs: clarify setup steps\n```")
	assert.Equal(t, "docs: clarify setup steps", d.Message)
	assert.Equal(t, "docs", d.CommitType)
}

func TestParseDraftOutOfRangeConfidence(t *testing.T) {
	d := parseDraft(`{"message": "chore: bump deps", "confidence": 7.5}`)
	assert.Equal(t, 0.5, d.Confidence)
}

func TestParseDraftEmpty(t *testing.T) {
	d := parseDraft("")
	assert.Empty(t, d.Message)
	assert.Equal(t, "chore", d.CommitType)
}

func TestInferType(t *testing.T) {
	assert.Equal(t, "feat", inferType("feat: add thing"))
	assert.Equal(t, "fix", inferType("Fix(parser): handle tabs"))
	assert.Equal(t, "perf", inferType("perf: faster scans"))
	assert.Equal(t, "chore", inferType("update stuff"))
	assert.Equal(t, "chore", inferType(""))
}

func TestParseSummaryJSON(t *testing.T) {
	s := parseSummary(`{
		"themes": ["error handling", "observability"],
		"risk": "high",
		"suggestedActions": ["review the retry changes"],
		"narrative": "Two services touched their failure paths."
	}`)
	assert.Equal(t, []string{"error handling", "observability"}, s.Themes)
	assert.Equal(t, RiskHigh, s.Risk)
	assert.Equal(t, []string{"review the retry changes"}, s.SuggestedActions)
	assert.Equal(t, "Two services touched their failure paths.", s.Narrative)
}

func TestParseSummaryKeywordFallback(t *testing.T) {
	s := parseSummary("This batch is low risk, mostly doc updates.")
	assert.Equal(t, RiskLow, s.Risk)
	assert.Contains(t, s.Narrative, "doc updates")

	s = parseSummary("Careful, the auth change looks CRITICAL.")
	assert.Equal(t, RiskCritical, s.Risk)

	s = parseSummary("Nothing noteworthy.")
	assert.Equal(t, RiskMedium, s.Risk)
}

func TestParseSummaryInvalidRisk(t *testing.T) {
	s := parseSummary(`{"risk": "EXTREME", "narrative": "n"}`)
	assert.Equal(t, RiskMedium, s.Risk)
}
