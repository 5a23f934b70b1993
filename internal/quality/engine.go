package quality

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devmesh/devmesh/internal/common/apperr"
	"github.com/devmesh/devmesh/internal/common/logger"
	"github.com/devmesh/devmesh/internal/events/bus"
)

// FileUpdatedSubject carries per-file quality updates on the bus.
const FileUpdatedSubject = "quality.file.updated"

// Engine applies analyzer reports to the store and keeps the metric
// buckets current.
type Engine struct {
	store  *Store
	bus    bus.EventBus
	logger *logger.Logger
}

// NewEngine creates the engine.
func NewEngine(store *Store, eventBus bus.EventBus, log *logger.Logger) *Engine {
	return &Engine{
		store:  store,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "quality_engine")),
	}
}

// Report replaces a file's violation set with an analyzer's findings.
// Violation ids are derived from the finding itself, so reprocessing an
// unchanged file reproduces the same ids.
func (e *Engine) Report(ctx context.Context, path, language string, inputs []ViolationInput) (*File, error) {
	if path == "" {
		return nil, apperr.BadInput("file path is required")
	}

	now := time.Now().UTC()
	violations := make([]Violation, 0, len(inputs))
	penalty := 0
	for _, in := range inputs {
		severity := normalizeSeverity(in.Severity)
		violations = append(violations, Violation{
			ID:        violationID(path, in.Rule, in.Line, in.Column, in.Message),
			FilePath:  path,
			Rule:      in.Rule,
			Severity:  severity,
			Line:      in.Line,
			Column:    in.Column,
			Message:   in.Message,
			CreatedAt: now,
		})
		penalty += severityWeight(severity)
	}
	sort.Slice(violations, func(i, j int) bool {
		if violations[i].Line != violations[j].Line {
			return violations[i].Line < violations[j].Line
		}
		return violations[i].Column < violations[j].Column
	})

	file := &File{
		Path:           path,
		Language:       language,
		Score:          score(penalty),
		ViolationCount: len(violations),
		LastAnalyzed:   now,
		Violations:     violations,
	}
	if err := e.store.ReplaceFileViolations(ctx, file, violations); err != nil {
		return nil, apperr.Internal(err)
	}

	if err := e.store.RecordMetric(ctx, "violations", float64(len(violations)), now); err != nil {
		e.logger.Warn("metric record failed", zap.Error(err))
	}
	if err := e.store.RecordMetric(ctx, "score", float64(file.Score), now); err != nil {
		e.logger.Warn("metric record failed", zap.Error(err))
	}

	e.publishUpdate(file)
	return file, nil
}

// Clear removes a file's violations entirely.
func (e *Engine) Clear(ctx context.Context, path string) (*File, error) {
	return e.Report(ctx, path, "", nil)
}

// Forget drops a file from tracking (deleted from the workspace).
func (e *Engine) Forget(ctx context.Context, path string) error {
	if err := e.store.DeleteFile(ctx, path); err != nil {
		return apperr.Internal(err)
	}
	return nil
}

// File loads one tracked file.
func (e *Engine) File(ctx context.Context, path string) (*File, error) {
	file, err := e.store.GetFile(ctx, path)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if file == nil {
		return nil, apperr.BadInput("file %q is not tracked", path)
	}
	return file, nil
}

// Files lists tracked files, worst score first.
func (e *Engine) Files(ctx context.Context, maxScore int) ([]*File, error) {
	files, err := e.store.ListFiles(ctx, maxScore)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return files, nil
}

// StartSession opens a RUNNING analysis session.
func (e *Engine) StartSession(ctx context.Context) (*Session, error) {
	sess := &Session{
		ID:        uuid.New().String(),
		Status:    SessionRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := e.store.InsertSession(ctx, sess); err != nil {
		return nil, apperr.Internal(err)
	}
	return sess, nil
}

// CompleteSession finishes a session. Unknown ids are a user error.
func (e *Engine) CompleteSession(ctx context.Context, id, status string, filesAnalyzed, violationsFound int) (*Session, error) {
	if status != SessionCompleted && status != SessionFailed {
		return nil, apperr.BadInput("session status must be %s or %s", SessionCompleted, SessionFailed)
	}
	existing, err := e.store.GetSession(ctx, id)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if existing == nil {
		return nil, apperr.BadInput("quality session %q not found", id)
	}
	sess, err := e.store.CompleteSession(ctx, id, status, filesAnalyzed, violationsFound)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return sess, nil
}

// Sessions lists recent sessions.
func (e *Engine) Sessions(ctx context.Context, limit int) ([]*Session, error) {
	sessions, err := e.store.ListSessions(ctx, limit)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return sessions, nil
}

// Metrics returns a metric's hourly series covering the window.
func (e *Engine) Metrics(ctx context.Context, name string, window time.Duration) ([]MetricPoint, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	points, err := e.store.MetricSeries(ctx, name, time.Now().Add(-window))
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return points, nil
}

// Summary aggregates the workspace quality view.
func (e *Engine) Summary(ctx context.Context) (*Summary, error) {
	summary, err := e.store.Summarize(ctx)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return summary, nil
}

// PruneMetrics removes buckets older than the retention window.
func (e *Engine) PruneMetrics(ctx context.Context, olderThan time.Duration) (int, error) {
	n, err := e.store.PruneMetrics(ctx, time.Now().Add(-olderThan))
	if err != nil {
		return 0, apperr.Internal(err)
	}
	return n, nil
}

func (e *Engine) publishUpdate(file *File) {
	event := bus.NewEvent("quality.updated", "quality-engine", map[string]any{
		"path":           file.Path,
		"score":          file.Score,
		"violationCount": file.ViolationCount,
	})
	if err := e.bus.Publish(context.Background(), FileUpdatedSubject, event); err != nil {
		e.logger.Warn("update publish failed", zap.Error(err))
	}
}

func normalizeSeverity(severity string) string {
	switch severity {
	case SeverityError, SeverityWarning, SeverityInfo:
		return severity
	default:
		return SeverityInfo
	}
}

// score maps the accumulated penalty onto a 0..100 scale.
func score(penalty int) int {
	if penalty >= 100 {
		return 0
	}
	return 100 - penalty
}
