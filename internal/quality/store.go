package quality

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Store persists quality state in SQLite. Writes are serialized by the
// driver; reads may be concurrent.
type Store struct {
	db *sqlx.DB
}

// OpenStore opens (or creates) the database at path and initializes the
// schema.
func OpenStore(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open quality db: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init quality schema: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS quality_files (
		path TEXT PRIMARY KEY,
		language TEXT NOT NULL DEFAULT '',
		score INTEGER NOT NULL DEFAULT 100,
		violation_count INTEGER NOT NULL DEFAULT 0,
		last_analyzed TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS violations (
		id TEXT PRIMARY KEY,
		file_path TEXT NOT NULL REFERENCES quality_files(path) ON DELETE CASCADE,
		rule TEXT NOT NULL,
		severity TEXT NOT NULL,
		line INTEGER NOT NULL,
		col INTEGER NOT NULL,
		message TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_violations_file ON violations(file_path);

	CREATE TABLE IF NOT EXISTS quality_sessions (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		files_analyzed INTEGER NOT NULL DEFAULT 0,
		violations_found INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS quality_metrics (
		name TEXT NOT NULL,
		bucket TIMESTAMP NOT NULL,
		value REAL NOT NULL DEFAULT 0,
		samples INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (name, bucket)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ReplaceFileViolations upserts the file row and swaps its violation
// set in one transaction.
func (s *Store) ReplaceFileViolations(ctx context.Context, file *File, violations []Violation) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO quality_files (path, language, score, violation_count, last_analyzed)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			language = excluded.language,
			score = excluded.score,
			violation_count = excluded.violation_count,
			last_analyzed = excluded.last_analyzed
	`), file.Path, file.Language, file.Score, file.ViolationCount, file.LastAnalyzed)
	if err != nil {
		return err
	}

	if _, err = tx.ExecContext(ctx, tx.Rebind(`DELETE FROM violations WHERE file_path = ?`), file.Path); err != nil {
		return err
	}
	for _, v := range violations {
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO violations (id, file_path, rule, severity, line, col, message, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`), v.ID, v.FilePath, v.Rule, v.Severity, v.Line, v.Column, v.Message, v.CreatedAt)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetFile loads one file with its violations. Returns nil when unknown.
func (s *Store) GetFile(ctx context.Context, path string) (*File, error) {
	var file File
	err := s.db.GetContext(ctx, &file, s.db.Rebind(`
		SELECT path, language, score, violation_count, last_analyzed
		FROM quality_files WHERE path = ?
	`), path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := s.db.SelectContext(ctx, &file.Violations, s.db.Rebind(`
		SELECT id, file_path, rule, severity, line, col, message, created_at
		FROM violations WHERE file_path = ?
		ORDER BY line, col, rule
	`), path); err != nil {
		return nil, err
	}
	return &file, nil
}

// ListFiles returns files ordered worst-first, optionally only those
// scoring below maxScore.
func (s *Store) ListFiles(ctx context.Context, maxScore int) ([]*File, error) {
	query := `
		SELECT path, language, score, violation_count, last_analyzed
		FROM quality_files`
	args := []any{}
	if maxScore > 0 {
		query += ` WHERE score < ?`
		args = append(args, maxScore)
	}
	query += ` ORDER BY score ASC, path ASC`

	var files []*File
	if err := s.db.SelectContext(ctx, &files, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	return files, nil
}

// DeleteFile removes a file and (via cascade) its violations.
func (s *Store) DeleteFile(ctx context.Context, path string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM quality_files WHERE path = ?`), path)
	return err
}

// InsertSession records a new RUNNING session.
func (s *Store) InsertSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO quality_sessions (id, status, started_at, files_analyzed, violations_found)
		VALUES (?, ?, ?, ?, ?)
	`), sess.ID, sess.Status, sess.StartedAt, sess.FilesAnalyzed, sess.ViolationsFound)
	return err
}

// CompleteSession finishes a session with its totals.
func (s *Store) CompleteSession(ctx context.Context, id, status string, filesAnalyzed, violationsFound int) (*Session, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE quality_sessions
		SET status = ?, completed_at = ?, files_analyzed = ?, violations_found = ?
		WHERE id = ?
	`), status, now, filesAnalyzed, violationsFound, id)
	if err != nil {
		return nil, err
	}
	return s.GetSession(ctx, id)
}

// GetSession loads one session. Returns nil when unknown.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	err := s.db.GetContext(ctx, &sess, s.db.Rebind(`
		SELECT id, status, started_at, completed_at, files_analyzed, violations_found
		FROM quality_sessions WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// ListSessions returns sessions newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}
	var sessions []*Session
	err := s.db.SelectContext(ctx, &sessions, s.db.Rebind(`
		SELECT id, status, started_at, completed_at, files_analyzed, violations_found
		FROM quality_sessions
		ORDER BY started_at DESC
		LIMIT ?
	`), limit)
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// RecordMetric adds a sample into the metric's hourly bucket.
func (s *Store) RecordMetric(ctx context.Context, name string, value float64, at time.Time) error {
	bucket := at.UTC().Truncate(time.Hour)
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO quality_metrics (name, bucket, value, samples)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(name, bucket) DO UPDATE SET
			value = quality_metrics.value + excluded.value,
			samples = quality_metrics.samples + 1
	`), name, bucket, value)
	return err
}

// MetricSeries returns a metric's buckets since the cutoff, oldest
// first.
func (s *Store) MetricSeries(ctx context.Context, name string, since time.Time) ([]MetricPoint, error) {
	var points []MetricPoint
	err := s.db.SelectContext(ctx, &points, s.db.Rebind(`
		SELECT name, bucket, value, samples
		FROM quality_metrics
		WHERE name = ? AND bucket >= ?
		ORDER BY bucket ASC
	`), name, since.UTC().Truncate(time.Hour))
	if err != nil {
		return nil, err
	}
	return points, nil
}

// PruneMetrics deletes buckets older than the cutoff and returns the
// removed count.
func (s *Store) PruneMetrics(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM quality_metrics WHERE bucket < ?`), cutoff.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Summarize aggregates the workspace view.
func (s *Store) Summarize(ctx context.Context) (*Summary, error) {
	summary := &Summary{}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(violation_count), 0), COALESCE(AVG(score), 100)
		FROM quality_files
	`).Scan(&summary.TotalFiles, &summary.TotalViolations, &summary.AverageScore)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT severity, COUNT(*) FROM violations GROUP BY severity`)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()
	for rows.Next() {
		var severity string
		var count int
		if err := rows.Scan(&severity, &count); err != nil {
			return nil, err
		}
		switch severity {
		case SeverityError:
			summary.ErrorCount = count
		case SeverityWarning:
			summary.WarningCount = count
		default:
			summary.InfoCount += count
		}
	}
	return summary, rows.Err()
}
