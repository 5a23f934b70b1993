package batch

import (
	"context"
	"fmt"
	"strings"

	"github.com/devmesh/devmesh/internal/agent/proc"
)

// Risk grades the change set in the executive summary.
type Risk string

const (
	RiskLow      Risk = "LOW"
	RiskMedium   Risk = "MEDIUM"
	RiskHigh     Risk = "HIGH"
	RiskCritical Risk = "CRITICAL"
)

// Summary is the cross-repository executive view of a batch.
type Summary struct {
	Themes           []string `json:"themes"`
	Risk             Risk     `json:"risk"`
	SuggestedActions []string `json:"suggestedActions"`
	Narrative        string   `json:"narrative"`
}

// ExecutiveSummary asks the agent for a workspace-level read of the
// batch's drafted messages. Parsing is lenient: a JSON reply is used
// as-is, anything else is scanned for a risk keyword and kept as the
// narrative.
func (e *Engine) ExecutiveSummary(ctx context.Context, items []Item, results []ItemResult) (*Summary, error) {
	reply, err := e.runner.Run(ctx, summaryPrompt(items, results))
	if err != nil {
		return nil, err
	}
	return parseSummary(reply.Text), nil
}

func summaryPrompt(items []Item, results []ItemResult) string {
	var b strings.Builder
	b.WriteString("Summarize this multi-repository change set for an engineering lead.\n")
	b.WriteString("Respond with JSON: {\"themes\": [string], \"risk\": \"LOW\"|\"MEDIUM\"|\"HIGH\"|\"CRITICAL\", \"suggestedActions\": [string], \"narrative\": string}.\n\n")
	for i, item := range items {
		fmt.Fprintf(&b, "Repository %s:\n", item.Repository)
		if i < len(results) && results[i].Message != "" {
			fmt.Fprintf(&b, "  proposed commit: %s\n", results[i].Message)
		}
		fmt.Fprintf(&b, "  diff size: %d bytes\n", len(item.Diff))
	}
	return b.String()
}

func parseSummary(text string) *Summary {
	unwrapped := proc.Unwrap(text)
	s := &Summary{Risk: RiskMedium, Narrative: unwrapped.Text}

	if unwrapped.JSON != nil {
		s.Themes = stringList(unwrapped.JSON["themes"])
		s.SuggestedActions = stringList(unwrapped.JSON["suggestedActions"])
		if v, ok := unwrapped.JSON["risk"].(string); ok {
			if r, valid := parseRisk(v); valid {
				s.Risk = r
			}
		}
		if v, ok := unwrapped.JSON["narrative"].(string); ok && v != "" {
			s.Narrative = v
		}
		return s
	}

	// Keyword fallback: take the strongest risk word in the free text.
	upper := strings.ToUpper(unwrapped.Text)
	for _, r := range []Risk{RiskCritical, RiskHigh, RiskLow} {
		if strings.Contains(upper, string(r)) {
			s.Risk = r
			break
		}
	}
	return s
}

func parseRisk(v string) (Risk, bool) {
	switch Risk(strings.ToUpper(strings.TrimSpace(v))) {
	case RiskLow:
		return RiskLow, true
	case RiskMedium:
		return RiskMedium, true
	case RiskHigh:
		return RiskHigh, true
	case RiskCritical:
		return RiskCritical, true
	}
	return "", false
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
