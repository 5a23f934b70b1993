// Package batch fans one agent prompt out per repository to draft
// commit messages, with a fingerprint cache so unchanged diffs reuse
// earlier drafts.
package batch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devmesh/devmesh/internal/agent/proc"
	"github.com/devmesh/devmesh/internal/common/logger"
	"github.com/devmesh/devmesh/internal/events/bus"
)

// Runner executes one prompt to completion.
type Runner interface {
	Run(ctx context.Context, prompt string) (Reply, error)
}

// RunRecorder observes each item's underlying agent invocation so runs
// show up in the run history.
type RunRecorder interface {
	Begin(repository, input string) string
	Finish(runID string, success bool, output, errMsg string)
}

// Reply is a finished prompt's output.
type Reply struct {
	Text  string
	Usage proc.TokenUsage
}

// Item is one repository's input to the fan-out.
type Item struct {
	Repository    string   `json:"repository"`
	Diff          string   `json:"diff"`
	RecentCommits []string `json:"recentCommits,omitempty"`
	Context       string   `json:"context,omitempty"`
}

// ItemResult is one repository's drafted message.
type ItemResult struct {
	Repository string  `json:"repository"`
	Success    bool    `json:"success"`
	Message    string  `json:"message,omitempty"`
	Error      string  `json:"error,omitempty"`
	Confidence float64 `json:"confidence"`
	CommitType string  `json:"commitType,omitempty"`
	Cached     bool    `json:"cached"`
}

// Result aggregates one batch.
type Result struct {
	BatchID         string          `json:"batchId"`
	Items           []ItemResult    `json:"items"`
	Total           int             `json:"total"`
	SuccessCount    int             `json:"successCount"`
	ExecutionTimeMS int64           `json:"executionTimeMs"`
	TokenUsage      proc.TokenUsage `json:"tokenUsage"`
}

// ProgressSubject is the bus subject for one batch's per-item progress.
func ProgressSubject(batchID string) string {
	return "agent.batch." + batchID + ".progress"
}

type cacheEntry struct {
	result  ItemResult
	expires time.Time
}

// Engine runs batches against a Runner.
type Engine struct {
	runner   Runner
	bus      bus.EventBus
	logger   *logger.Logger
	ttl      time.Duration
	recorder RunRecorder

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewEngine creates the engine. ttl bounds how long a drafted message is
// reused for an identical diff.
func NewEngine(runner Runner, eventBus bus.EventBus, ttl time.Duration, log *logger.Logger) *Engine {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Engine{
		runner: runner,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "batch_engine")),
		ttl:    ttl,
		cache:  make(map[string]cacheEntry),
	}
}

// SetRecorder wires run-history tracking for batch items.
func (e *Engine) SetRecorder(r RunRecorder) {
	e.recorder = r
}

// maxParallelItems bounds the per-batch fan-out. The session dispatcher
// still applies its own global limits underneath.
const maxParallelItems = 5

// GenerateCommitMessages drafts one commit message per item, fanning the
// items out with bounded concurrency. Results keep the input order.
// Individual failures never abort the batch; the failed item carries its
// error.
func (e *Engine) GenerateCommitMessages(ctx context.Context, batchID string, items []Item) *Result {
	started := time.Now()
	result := &Result{
		BatchID: batchID,
		Items:   make([]ItemResult, len(items)),
		Total:   len(items),
	}

	var resultMu sync.Mutex
	var completed int
	g := new(errgroup.Group)
	g.SetLimit(maxParallelItems)
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			ir, usage := e.generateOne(ctx, item)

			resultMu.Lock()
			result.Items[i] = ir
			result.TokenUsage.InputTokens += usage.InputTokens
			result.TokenUsage.OutputTokens += usage.OutputTokens
			if ir.Success {
				result.SuccessCount++
			}
			completed++
			done := completed
			resultMu.Unlock()

			e.publishProgress(batchID, done, len(items), ir)
			return nil
		})
	}
	_ = g.Wait()

	result.ExecutionTimeMS = time.Since(started).Milliseconds()
	e.logger.Info("batch finished",
		zap.String("batch_id", batchID),
		zap.Int("total", result.Total),
		zap.Int("succeeded", result.SuccessCount),
		zap.Int64("elapsed_ms", result.ExecutionTimeMS))
	return result
}

func (e *Engine) generateOne(ctx context.Context, item Item) (ItemResult, proc.TokenUsage) {
	key := fingerprint(item.Repository, item.Diff)
	if cached, ok := e.lookup(key); ok {
		cached.Cached = true
		return cached, proc.TokenUsage{}
	}

	ir := ItemResult{Repository: item.Repository}
	if strings.TrimSpace(item.Diff) == "" {
		ir.Error = "nothing to commit"
		return ir, proc.TokenUsage{}
	}

	prompt := commitPrompt(item)
	var runID string
	if e.recorder != nil {
		runID = e.recorder.Begin(item.Repository, prompt)
	}

	reply, err := e.runner.Run(ctx, prompt)
	if err != nil {
		ir.Error = err.Error()
		if e.recorder != nil {
			e.recorder.Finish(runID, false, "", ir.Error)
		}
		return ir, reply.Usage
	}

	draft := parseDraft(reply.Text)
	ir.Success = draft.Message != ""
	ir.Message = draft.Message
	ir.Confidence = draft.Confidence
	ir.CommitType = draft.CommitType
	if !ir.Success {
		ir.Error = "agent returned no usable commit message"
	}
	if e.recorder != nil {
		e.recorder.Finish(runID, ir.Success, ir.Message, ir.Error)
	}
	if !ir.Success {
		return ir, reply.Usage
	}

	e.store(key, ir)
	return ir, reply.Usage
}

func (e *Engine) lookup(key string) (ItemResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.cache[key]
	if !ok || time.Now().After(entry.expires) {
		delete(e.cache, key)
		return ItemResult{}, false
	}
	return entry.result, true
}

func (e *Engine) store(key string, ir ItemResult) {
	e.mu.Lock()
	e.cache[key] = cacheEntry{result: ir, expires: time.Now().Add(e.ttl)}
	e.mu.Unlock()
}

func (e *Engine) publishProgress(batchID string, done, total int, ir ItemResult) {
	event := bus.NewEvent("batch.progress", "batch-engine", map[string]any{
		"batchId":    batchID,
		"done":       done,
		"total":      total,
		"repository": ir.Repository,
		"success":    ir.Success,
		"cached":     ir.Cached,
		"error":      ir.Error,
	})
	if err := e.bus.Publish(context.Background(), ProgressSubject(batchID), event); err != nil {
		e.logger.Warn("progress publish failed", zap.Error(err))
	}
}

func fingerprint(repository, diff string) string {
	sum := sha256.Sum256([]byte(repository + "\x00" + diff))
	return hex.EncodeToString(sum[:])
}

func commitPrompt(item Item) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Draft a conventional commit message for repository %q.\n", item.Repository)
	b.WriteString("Respond with a JSON object: {\"message\": string, \"commitType\": string, \"confidence\": number between 0 and 1}.\n")
	if item.Context != "" {
		fmt.Fprintf(&b, "\nContext: %s\n", item.Context)
	}
	if len(item.RecentCommits) > 0 {
		b.WriteString("\nRecent commits for style reference:\n")
		for _, c := range item.RecentCommits {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	fmt.Fprintf(&b, "\nDiff:\n%s\n", item.Diff)
	return b.String()
}
