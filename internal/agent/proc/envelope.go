package proc

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Result is the unwrapped payload of a child "result" envelope.
type Result struct {
	// Text is the payload as plain text, always populated.
	Text string
	// JSON is the decoded object when the payload carried one, either
	// directly or inside a fenced code block. Nil for free text.
	JSON map[string]any
}

// Envelope fields the child emits alongside the payload.
type Envelope struct {
	Result     string
	SessionID  string
	IsError    bool
	DurationMS float64
	Usage      TokenUsage
}

// TokenUsage is the per-interaction token accounting from the child.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

var fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// ParseEnvelope extracts the envelope fields from a "result" frame.
func ParseEnvelope(data map[string]any) Envelope {
	env := Envelope{}
	env.Result, _ = data["result"].(string)
	env.SessionID, _ = data["session_id"].(string)
	env.IsError, _ = data["is_error"].(bool)
	env.DurationMS, _ = data["duration_ms"].(float64)

	if usage, ok := data["usage"].(map[string]any); ok {
		if v, ok := usage["input_tokens"].(float64); ok {
			env.Usage.InputTokens = int(v)
		}
		if v, ok := usage["output_tokens"].(float64); ok {
			env.Usage.OutputTokens = int(v)
		}
	}
	return env
}

// Unwrap recovers the payload from a result string. Three levels are
// tried in order: a fenced JSON block, the whole string as JSON, then
// free text.
func Unwrap(content string) Result {
	trimmed := strings.TrimSpace(content)

	if m := fencedJSONRe.FindStringSubmatch(trimmed); m != nil {
		if obj := tryDecode(m[1]); obj != nil {
			return Result{Text: m[1], JSON: obj}
		}
	}

	if obj := tryDecode(trimmed); obj != nil {
		return Result{Text: trimmed, JSON: obj}
	}

	return Result{Text: trimmed}
}

func tryDecode(s string) map[string]any {
	if !strings.HasPrefix(s, "{") {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil
	}
	return obj
}
