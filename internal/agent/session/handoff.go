package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Handoff writes a human-readable markdown snapshot of the session under
// <workspace>/.handoffs/ and returns the file path.
func (m *Manager) Handoff(sessionID string) (string, error) {
	sess, err := m.Get(sessionID)
	if err != nil {
		return "", err
	}

	dir := filepath.Join(m.cfg.WorkspaceRoot, ".handoffs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create handoff dir: %w", err)
	}

	stamp := time.Now().UTC().Format("2006-01-02T15-04-05Z")
	path := filepath.Join(dir, fmt.Sprintf("handoff-%s-%s.md", sessionID, stamp))

	if err := os.WriteFile(path, []byte(renderHandoff(sess)), 0o644); err != nil {
		return "", fmt.Errorf("write handoff: %w", err)
	}
	return path, nil
}

func renderHandoff(sess *Session) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Session Handoff: %s\n\n", sess.ID)
	fmt.Fprintf(&b, "- **Status:** %s\n", sess.Status)
	fmt.Fprintf(&b, "- **Created:** %s\n", sess.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "- **Last activity:** %s\n", sess.LastActivity.Format(time.RFC3339))
	fmt.Fprintf(&b, "- **Working directory:** `%s`\n", sess.WorkDir)
	fmt.Fprintf(&b, "- **Model:** %s\n", sess.Metadata.Model)
	if sess.ParentID != "" {
		fmt.Fprintf(&b, "- **Forked from:** %s (message %d)\n", sess.ParentID, sess.ForkIndex)
	}

	fmt.Fprintf(&b, "\n## Token Usage\n\n")
	fmt.Fprintf(&b, "| Input | Output | Cost (USD) |\n|---|---|---|\n")
	fmt.Fprintf(&b, "| %d | %d | %.4f |\n",
		sess.Metadata.Tokens.InputTokens,
		sess.Metadata.Tokens.OutputTokens,
		sess.Metadata.Tokens.CostUSD)

	if sess.Metadata.ProjectContext != "" {
		fmt.Fprintf(&b, "\n## Project Context\n\n%s\n", sess.Metadata.ProjectContext)
	}

	fmt.Fprintf(&b, "\n## History (%d interactions)\n", len(sess.History))
	for i, item := range sess.History {
		fmt.Fprintf(&b, "\n### %d. %s\n\n", i+1, item.Timestamp.Format(time.RFC3339))
		fmt.Fprintf(&b, "**Prompt:**\n\n%s\n", item.Prompt)
		if item.Response != nil {
			fmt.Fprintf(&b, "\n**Response:**\n\n%s\n", *item.Response)
		} else {
			fmt.Fprintf(&b, "\n_Response pending._\n")
		}
		fmt.Fprintf(&b, "\n_%d ms, success=%t_\n", item.ExecutionTimeMS, item.Success)
	}

	return b.String()
}
