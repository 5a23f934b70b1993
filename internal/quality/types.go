// Package quality maintains per-file violation state, analysis
// sessions, and time-bucketed metrics backed by SQLite.
package quality

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Severity levels, ordered by weight.
const (
	SeverityError   = "ERROR"
	SeverityWarning = "WARNING"
	SeverityInfo    = "INFO"
)

// Violation is one finding bound to a file. ID is stable: reprocessing
// the same finding reproduces the same id.
type Violation struct {
	ID        string    `json:"id" db:"id"`
	FilePath  string    `json:"filePath" db:"file_path"`
	Rule      string    `json:"rule" db:"rule"`
	Severity  string    `json:"severity" db:"severity"`
	Line      int       `json:"line" db:"line"`
	Column    int       `json:"column" db:"col"`
	Message   string    `json:"message" db:"message"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// ViolationInput is the mutation payload for one finding.
type ViolationInput struct {
	Rule     string
	Severity string
	Line     int
	Column   int
	Message  string
}

// File is the per-file quality state.
type File struct {
	Path           string    `json:"path" db:"path"`
	Language       string    `json:"language" db:"language"`
	Score          int       `json:"score" db:"score"`
	ViolationCount int       `json:"violationCount" db:"violation_count"`
	LastAnalyzed   time.Time `json:"lastAnalyzed" db:"last_analyzed"`

	Violations []Violation `json:"violations" db:"-"`
}

// Session is one analysis pass over a set of files.
type Session struct {
	ID              string     `json:"id" db:"id"`
	Status          string     `json:"status" db:"status"`
	StartedAt       time.Time  `json:"startedAt" db:"started_at"`
	CompletedAt     *time.Time `json:"completedAt,omitempty" db:"completed_at"`
	FilesAnalyzed   int        `json:"filesAnalyzed" db:"files_analyzed"`
	ViolationsFound int        `json:"violationsFound" db:"violations_found"`
}

// Session statuses.
const (
	SessionRunning   = "RUNNING"
	SessionCompleted = "COMPLETED"
	SessionFailed    = "FAILED"
)

// MetricPoint is one hourly bucket of a named metric.
type MetricPoint struct {
	Name    string    `json:"name" db:"name"`
	Bucket  time.Time `json:"bucket" db:"bucket"`
	Value   float64   `json:"value" db:"value"`
	Samples int       `json:"samples" db:"samples"`
}

// Summary aggregates the workspace's quality state.
type Summary struct {
	TotalFiles      int     `json:"totalFiles"`
	TotalViolations int     `json:"totalViolations"`
	AverageScore    float64 `json:"averageScore"`
	ErrorCount      int     `json:"errorCount"`
	WarningCount    int     `json:"warningCount"`
	InfoCount       int     `json:"infoCount"`
}

// violationID derives the stable finding id.
func violationID(path, rule string, line, column int, message string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%d|%s", path, rule, line, column, message)))
	return hex.EncodeToString(sum[:])[:16]
}

// severityWeight scores a finding's contribution against the file.
func severityWeight(severity string) int {
	switch severity {
	case SeverityError:
		return 5
	case SeverityWarning:
		return 2
	default:
		return 1
	}
}
