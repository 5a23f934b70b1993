package quality

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devmesh/devmesh/internal/common/apperr"
	"github.com/devmesh/devmesh/internal/common/logger"
	"github.com/devmesh/devmesh/internal/events/bus"
)

func newTestEngine(t *testing.T) (*Engine, bus.EventBus) {
	t.Helper()
	eventBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eventBus.Close)
	return NewEngine(newTestStore(t), eventBus, logger.Default()), eventBus
}

func TestReportScoresFile(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	file, err := e.Report(ctx, "svc/main.go", "go", []ViolationInput{
		{Rule: "errcheck", Severity: SeverityError, Line: 10, Column: 2, Message: "unchecked error"},
		{Rule: "unused", Severity: SeverityWarning, Line: 4, Column: 1, Message: "unused var"},
		{Rule: "style", Severity: SeverityInfo, Line: 30, Column: 1, Message: "naming"},
	})
	require.NoError(t, err)

	// 100 - (5 + 2 + 1).
	assert.Equal(t, 92, file.Score)
	assert.Equal(t, 3, file.ViolationCount)
	require.Len(t, file.Violations, 3)
	assert.Equal(t, 4, file.Violations[0].Line)
	assert.Equal(t, 10, file.Violations[1].Line)
	assert.Equal(t, 30, file.Violations[2].Line)
}

func TestReportStableViolationIDs(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	inputs := []ViolationInput{{Rule: "errcheck", Severity: SeverityError, Line: 10, Column: 2, Message: "unchecked error"}}

	first, err := e.Report(ctx, "a.go", "go", inputs)
	require.NoError(t, err)
	second, err := e.Report(ctx, "a.go", "go", inputs)
	require.NoError(t, err)

	require.Len(t, first.Violations, 1)
	assert.Equal(t, first.Violations[0].ID, second.Violations[0].ID)
	assert.Len(t, first.Violations[0].ID, 16)

	// The same finding in a different file gets a different id.
	other, err := e.Report(ctx, "b.go", "go", inputs)
	require.NoError(t, err)
	assert.NotEqual(t, first.Violations[0].ID, other.Violations[0].ID)
}

func TestReportScoreClampsAtZero(t *testing.T) {
	e, _ := newTestEngine(t)

	inputs := make([]ViolationInput, 0, 25)
	for i := 0; i < 25; i++ {
		inputs = append(inputs, ViolationInput{Rule: "errcheck", Severity: SeverityError, Line: i + 1, Column: 1, Message: "e"})
	}
	file, err := e.Report(context.Background(), "hot.go", "go", inputs)
	require.NoError(t, err)
	assert.Zero(t, file.Score)
}

func TestReportNormalizesSeverity(t *testing.T) {
	e, _ := newTestEngine(t)

	file, err := e.Report(context.Background(), "a.go", "go", []ViolationInput{
		{Rule: "r", Severity: "catastrophic", Line: 1, Column: 1, Message: "m"},
	})
	require.NoError(t, err)
	assert.Equal(t, SeverityInfo, file.Violations[0].Severity)
	assert.Equal(t, 99, file.Score)
}

func TestReportRequiresPath(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Report(context.Background(), "", "go", nil)
	assert.True(t, apperr.IsCode(err, apperr.CodeBadUserInput))
}

func TestReportPublishesUpdate(t *testing.T) {
	e, eventBus := newTestEngine(t)

	var mu sync.Mutex
	var events []*bus.Event
	_, err := eventBus.Subscribe(FileUpdatedSubject, func(_ context.Context, ev *bus.Event) error {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	_, err = e.Report(context.Background(), "a.go", "go", []ViolationInput{
		{Rule: "r", Severity: SeverityWarning, Line: 1, Column: 1, Message: "m"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "a.go", events[0].Data["path"])
	assert.Equal(t, 98, events[0].Data["score"])
	assert.Equal(t, 1, events[0].Data["violationCount"])
}

func TestClearResetsFile(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Report(ctx, "a.go", "go", []ViolationInput{
		{Rule: "r", Severity: SeverityError, Line: 1, Column: 1, Message: "m"},
	})
	require.NoError(t, err)

	cleared, err := e.Clear(ctx, "a.go")
	require.NoError(t, err)
	assert.Equal(t, 100, cleared.Score)
	assert.Zero(t, cleared.ViolationCount)
	assert.Empty(t, cleared.Violations)
}

func TestForgetDropsFile(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Report(ctx, "gone.go", "go", nil)
	require.NoError(t, err)
	require.NoError(t, e.Forget(ctx, "gone.go"))

	_, err = e.File(ctx, "gone.go")
	assert.True(t, apperr.IsCode(err, apperr.CodeBadUserInput))
}

func TestFileUntracked(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.File(context.Background(), "never-seen.go")
	assert.True(t, apperr.IsCode(err, apperr.CodeBadUserInput))
}

func TestFilesWorstFirst(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Report(ctx, "clean.go", "go", nil)
	require.NoError(t, err)
	_, err = e.Report(ctx, "dirty.go", "go", []ViolationInput{
		{Rule: "r", Severity: SeverityError, Line: 1, Column: 1, Message: "m"},
	})
	require.NoError(t, err)

	files, err := e.Files(ctx, 0)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "dirty.go", files[0].Path)
}

func TestSessionCompletion(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	sess, err := e.StartSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, SessionRunning, sess.Status)

	done, err := e.CompleteSession(ctx, sess.ID, SessionCompleted, 5, 2)
	require.NoError(t, err)
	assert.Equal(t, SessionCompleted, done.Status)
	assert.Equal(t, 5, done.FilesAnalyzed)

	sessions, err := e.Sessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
}

func TestCompleteSessionValidation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	sess, err := e.StartSession(ctx)
	require.NoError(t, err)

	_, err = e.CompleteSession(ctx, sess.ID, "PAUSED", 0, 0)
	assert.True(t, apperr.IsCode(err, apperr.CodeBadUserInput))

	_, err = e.CompleteSession(ctx, "missing", SessionFailed, 0, 0)
	assert.True(t, apperr.IsCode(err, apperr.CodeBadUserInput))
}

func TestMetricsDefaultWindow(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Report(ctx, "a.go", "go", []ViolationInput{
		{Rule: "r", Severity: SeverityInfo, Line: 1, Column: 1, Message: "m"},
	})
	require.NoError(t, err)

	// Report records both series for the current hour.
	violations, err := e.Metrics(ctx, "violations", 0)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, float64(1), violations[0].Value)

	scores, err := e.Metrics(ctx, "score", 0)
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.Equal(t, float64(99), scores[0].Value)
}

func TestEngineSummary(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Report(ctx, "a.go", "go", []ViolationInput{
		{Rule: "r", Severity: SeverityError, Line: 1, Column: 1, Message: "m"},
	})
	require.NoError(t, err)

	summary, err := e.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TotalFiles)
	assert.Equal(t, 1, summary.ErrorCount)
}
