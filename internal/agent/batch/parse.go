package batch

import (
	"strings"

	"github.com/devmesh/devmesh/internal/agent/proc"
)

// draft is the parsed shape of one commit-message reply.
type draft struct {
	Message    string
	CommitType string
	Confidence float64
}

var commitTypes = []string{"feat", "fix", "docs", "style", "refactor", "perf", "test", "build", "ci", "chore", "revert"}

// parseDraft reads the agent reply leniently: a JSON envelope when one
// is present, otherwise the first non-empty line as the message with
// the type inferred from its prefix.
func parseDraft(text string) draft {
	unwrapped := proc.Unwrap(text)

	if unwrapped.JSON != nil {
		d := draft{Confidence: 0.5}
		if v, ok := unwrapped.JSON["message"].(string); ok {
			d.Message = strings.TrimSpace(v)
		}
		if v, ok := unwrapped.JSON["commitType"].(string); ok {
			d.CommitType = strings.ToLower(strings.TrimSpace(v))
		}
		if v, ok := unwrapped.JSON["confidence"].(float64); ok && v >= 0 && v <= 1 {
			d.Confidence = v
		}
		if d.CommitType == "" {
			d.CommitType = inferType(d.Message)
		}
		if d.Message != "" {
			return d
		}
	}

	message := firstLine(unwrapped.Text)
	return draft{
		Message:    message,
		CommitType: inferType(message),
		Confidence: 0.5,
	}
}

func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "```") {
			continue
		}
		return line
	}
	return ""
}

// inferType matches a conventional-commit prefix like "fix:" or
// "feat(scope):". Unrecognized messages default to chore.
func inferType(message string) string {
	lower := strings.ToLower(message)
	for _, t := range commitTypes {
		if strings.HasPrefix(lower, t+":") || strings.HasPrefix(lower, t+"(") {
			return t
		}
	}
	return "chore"
}
