package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devmesh/devmesh/internal/agent/proc"
	"github.com/devmesh/devmesh/internal/common/logger"
	"github.com/devmesh/devmesh/internal/events/bus"
)

// scriptedRunner answers prompts from a function and counts calls.
type scriptedRunner struct {
	mu      sync.Mutex
	calls   int
	prompts []string
	respond func(prompt string) (Reply, error)
}

func (r *scriptedRunner) Run(_ context.Context, prompt string) (Reply, error) {
	r.mu.Lock()
	r.calls++
	r.prompts = append(r.prompts, prompt)
	respond := r.respond
	r.mu.Unlock()
	if respond != nil {
		return respond(prompt)
	}
	return Reply{Text: `{"message": "chore: default reply"}`}, nil
}

func (r *scriptedRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type recordedRun struct {
	runID      string
	repository string
	success    bool
	output     string
	errMsg     string
	finished   bool
}

// fakeRecorder captures Begin/Finish pairs.
type fakeRecorder struct {
	mu   sync.Mutex
	runs []*recordedRun
}

func (f *fakeRecorder) Begin(repository, input string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	run := &recordedRun{runID: fmt.Sprintf("run-%d", len(f.runs)+1), repository: repository}
	f.runs = append(f.runs, run)
	return run.runID
}

func (f *fakeRecorder) Finish(runID string, success bool, output, errMsg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, run := range f.runs {
		if run.runID == runID {
			run.finished = true
			run.success = success
			run.output = output
			run.errMsg = errMsg
			return
		}
	}
}

func newTestEngine(runner Runner) *Engine {
	return NewEngine(runner, bus.NewMemoryEventBus(logger.Default()), time.Minute, logger.Default())
}

func TestGenerateCommitMessagesPreservesOrder(t *testing.T) {
	runner := &scriptedRunner{respond: func(prompt string) (Reply, error) {
		return Reply{
			Text:  `{"message": "fix: something", "confidence": 0.8}`,
			Usage: proc.TokenUsage{InputTokens: 100, OutputTokens: 20},
		}, nil
	}}
	e := newTestEngine(runner)

	result := e.GenerateCommitMessages(context.Background(), "batch-1", []Item{
		{Repository: "services/api", Diff: "diff a"},
		{Repository: "services/worker", Diff: "diff b"},
		{Repository: "tools/cli", Diff: "diff c"},
	})

	require.Len(t, result.Items, 3)
	assert.Equal(t, "services/api", result.Items[0].Repository)
	assert.Equal(t, "services/worker", result.Items[1].Repository)
	assert.Equal(t, "tools/cli", result.Items[2].Repository)
	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 3, result.SuccessCount)
	assert.Equal(t, 300, result.TokenUsage.InputTokens)
	assert.Equal(t, 60, result.TokenUsage.OutputTokens)
	for _, ir := range result.Items {
		assert.True(t, ir.Success)
		assert.Equal(t, "fix: something", ir.Message)
		assert.Equal(t, "fix", ir.CommitType)
		assert.Equal(t, 0.8, ir.Confidence)
		assert.False(t, ir.Cached)
	}
}

func TestGenerateCommitMessagesCacheHit(t *testing.T) {
	runner := &scriptedRunner{}
	e := newTestEngine(runner)
	items := []Item{{Repository: "repo", Diff: "same diff"}}

	first := e.GenerateCommitMessages(context.Background(), "b1", items)
	require.True(t, first.Items[0].Success)
	assert.False(t, first.Items[0].Cached)

	second := e.GenerateCommitMessages(context.Background(), "b2", items)
	require.True(t, second.Items[0].Success)
	assert.True(t, second.Items[0].Cached)
	assert.Equal(t, first.Items[0].Message, second.Items[0].Message)
	assert.Zero(t, second.TokenUsage.InputTokens)
	assert.Equal(t, 1, runner.callCount())

	// A different diff in the same repository misses the cache.
	e.GenerateCommitMessages(context.Background(), "b3", []Item{{Repository: "repo", Diff: "other diff"}})
	assert.Equal(t, 2, runner.callCount())
}

func TestGenerateCommitMessagesCacheExpiry(t *testing.T) {
	runner := &scriptedRunner{}
	e := NewEngine(runner, bus.NewMemoryEventBus(logger.Default()), 10*time.Millisecond, logger.Default())
	items := []Item{{Repository: "repo", Diff: "d"}}

	e.GenerateCommitMessages(context.Background(), "b1", items)
	time.Sleep(20 * time.Millisecond)
	result := e.GenerateCommitMessages(context.Background(), "b2", items)

	assert.False(t, result.Items[0].Cached)
	assert.Equal(t, 2, runner.callCount())
}

func TestGenerateCommitMessagesEmptyDiff(t *testing.T) {
	runner := &scriptedRunner{}
	e := newTestEngine(runner)

	result := e.GenerateCommitMessages(context.Background(), "b1", []Item{
		{Repository: "clean", Diff: "   \n  "},
	})

	require.Len(t, result.Items, 1)
	assert.False(t, result.Items[0].Success)
	assert.Equal(t, "nothing to commit", result.Items[0].Error)
	assert.Zero(t, runner.callCount())
}

func TestGenerateCommitMessagesRunnerErrorContinues(t *testing.T) {
	runner := &scriptedRunner{respond: func(prompt string) (Reply, error) {
		if strings.Contains(prompt, `"broken"`) {
			return Reply{}, errors.New("agent crashed")
		}
		return Reply{Text: `{"message": "feat: ok"}`}, nil
	}}
	e := newTestEngine(runner)

	result := e.GenerateCommitMessages(context.Background(), "b1", []Item{
		{Repository: "broken", Diff: "d1"},
		{Repository: "healthy", Diff: "d2"},
	})

	require.Len(t, result.Items, 2)
	assert.False(t, result.Items[0].Success)
	assert.Equal(t, "agent crashed", result.Items[0].Error)
	assert.True(t, result.Items[1].Success)
	assert.Equal(t, 1, result.SuccessCount)

	// A failed item is never cached.
	e.GenerateCommitMessages(context.Background(), "b2", []Item{{Repository: "broken", Diff: "d1"}})
	assert.Equal(t, 3, runner.callCount())
}

func TestGenerateCommitMessagesNoUsableMessage(t *testing.T) {
	runner := &scriptedRunner{respond: func(string) (Reply, error) {
		return Reply{Text: "   \n  "}, nil
	}}
	e := newTestEngine(runner)
	rec := &fakeRecorder{}
	e.SetRecorder(rec)

	result := e.GenerateCommitMessages(context.Background(), "b1", []Item{
		{Repository: "repo", Diff: "d"},
	})

	require.Len(t, result.Items, 1)
	assert.False(t, result.Items[0].Success)
	assert.Equal(t, "agent returned no usable commit message", result.Items[0].Error)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.runs, 1)
	assert.True(t, rec.runs[0].finished)
	assert.False(t, rec.runs[0].success)
	assert.Equal(t, "agent returned no usable commit message", rec.runs[0].errMsg)
}

func TestGenerateCommitMessagesRecordsRuns(t *testing.T) {
	runner := &scriptedRunner{respond: func(string) (Reply, error) {
		return Reply{Text: `{"message": "fix: thing"}`}, nil
	}}
	e := newTestEngine(runner)
	rec := &fakeRecorder{}
	e.SetRecorder(rec)

	e.GenerateCommitMessages(context.Background(), "b1", []Item{
		{Repository: "a", Diff: "d1"},
		{Repository: "b", Diff: "d2"},
	})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.runs, 2)
	for _, run := range rec.runs {
		assert.True(t, run.finished)
		assert.True(t, run.success)
		assert.Equal(t, "fix: thing", run.output)
	}
	assert.Equal(t, "a", rec.runs[0].repository)
	assert.Equal(t, "b", rec.runs[1].repository)
}

func TestGenerateCommitMessagesPublishesProgress(t *testing.T) {
	runner := &scriptedRunner{}
	eventBus := bus.NewMemoryEventBus(logger.Default())
	e := NewEngine(runner, eventBus, time.Minute, logger.Default())

	var mu sync.Mutex
	var events []*bus.Event
	_, err := eventBus.Subscribe(ProgressSubject("b1"), func(_ context.Context, ev *bus.Event) error {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	e.GenerateCommitMessages(context.Background(), "b1", []Item{
		{Repository: "a", Diff: "d1"},
		{Repository: "b", Diff: ""},
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	// Items complete in any order; index the events by repository.
	byRepo := map[string]*bus.Event{}
	doneSeen := map[int]bool{}
	for _, ev := range events {
		byRepo[ev.Data["repository"].(string)] = ev
		doneSeen[ev.Data["done"].(int)] = true
		assert.Equal(t, 2, ev.Data["total"])
	}
	assert.True(t, doneSeen[1] && doneSeen[2])
	require.Contains(t, byRepo, "a")
	assert.Equal(t, true, byRepo["a"].Data["success"])
	require.Contains(t, byRepo, "b")
	assert.Equal(t, false, byRepo["b"].Data["success"])
	assert.Equal(t, "nothing to commit", byRepo["b"].Data["error"])
}

func TestGenerateCommitMessagesFansOut(t *testing.T) {
	var inFlight atomic.Int64
	overlap := make(chan struct{})
	runner := &scriptedRunner{respond: func(string) (Reply, error) {
		if inFlight.Add(1) == 2 {
			close(overlap)
		}
		defer inFlight.Add(-1)
		select {
		case <-overlap:
		case <-time.After(2 * time.Second):
			return Reply{}, errors.New("items never overlapped")
		}
		return Reply{Text: `{"message": "chore: parallel"}`}, nil
	}}
	e := newTestEngine(runner)

	result := e.GenerateCommitMessages(context.Background(), "b1", []Item{
		{Repository: "a", Diff: "d1"},
		{Repository: "b", Diff: "d2"},
	})

	assert.Equal(t, 2, result.SuccessCount)
	assert.Equal(t, "a", result.Items[0].Repository)
	assert.Equal(t, "b", result.Items[1].Repository)
}

func TestFingerprint(t *testing.T) {
	assert.Equal(t, fingerprint("repo", "diff"), fingerprint("repo", "diff"))
	assert.NotEqual(t, fingerprint("repo", "diff"), fingerprint("repo", "other"))
	assert.NotEqual(t, fingerprint("repo", "diff"), fingerprint("other", "diff"))
	// The separator keeps repo/diff boundaries unambiguous.
	assert.NotEqual(t, fingerprint("ab", "c"), fingerprint("a", "bc"))
	assert.Len(t, fingerprint("repo", "diff"), 64)
}

func TestCommitPromptIncludesStyleReference(t *testing.T) {
	prompt := commitPrompt(Item{
		Repository:    "svc",
		Diff:          "the diff",
		RecentCommits: []string{"fix: earlier", "feat: before that"},
		Context:       "release prep",
	})
	assert.Contains(t, prompt, `"svc"`)
	assert.Contains(t, prompt, "the diff")
	assert.Contains(t, prompt, "- fix: earlier")
	assert.Contains(t, prompt, "release prep")
}

func TestExecutiveSummary(t *testing.T) {
	runner := &scriptedRunner{respond: func(string) (Reply, error) {
		return Reply{Text: `{"themes": ["cleanup"], "risk": "low", "narrative": "Routine maintenance."}`}, nil
	}}
	e := newTestEngine(runner)

	summary, err := e.ExecutiveSummary(context.Background(),
		[]Item{{Repository: "a", Diff: "d"}},
		[]ItemResult{{Repository: "a", Message: "chore: tidy"}})
	require.NoError(t, err)
	assert.Equal(t, RiskLow, summary.Risk)
	assert.Equal(t, []string{"cleanup"}, summary.Themes)
	assert.Equal(t, "Routine maintenance.", summary.Narrative)

	// The prompt carries the drafted messages for context.
	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Contains(t, runner.prompts[0], "chore: tidy")
}

func TestExecutiveSummaryRunnerError(t *testing.T) {
	runner := &scriptedRunner{respond: func(string) (Reply, error) {
		return Reply{}, errors.New("unavailable")
	}}
	e := newTestEngine(runner)

	summary, err := e.ExecutiveSummary(context.Background(), nil, nil)
	assert.Error(t, err)
	assert.Nil(t, summary)
}
