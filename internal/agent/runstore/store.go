// Package runstore tracks agent run records: queued and running work,
// terminal outcomes, retry chains, and aggregate statistics.
package runstore

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devmesh/devmesh/internal/common/apperr"
)

// RunStatus is the lifecycle state of an agent run.
type RunStatus string

const (
	RunQueued    RunStatus = "QUEUED"
	RunRunning   RunStatus = "RUNNING"
	RunSuccess   RunStatus = "SUCCESS"
	RunFailed    RunStatus = "FAILED"
	RunCancelled RunStatus = "CANCELLED"
	RunRetrying  RunStatus = "RETRYING"
)

// Run is one recorded agent invocation.
type Run struct {
	ID          string     `json:"id"`
	Repository  string     `json:"repository"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	DurationMS  int64      `json:"durationMs"`
	Input       string     `json:"input,omitempty"`
	Output      string     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	RetryCount  int        `json:"retryCount"`
	ParentRunID string     `json:"parentRunId,omitempty"`
}

// Filter selects runs for listing.
type Filter struct {
	Repository string
	Status     RunStatus
	Since      time.Time
	Until      time.Time
	Limit      int
}

// RepositoryStats is the per-repository slice of the statistics view.
type RepositoryStats struct {
	Repository string `json:"repository"`
	Total      int    `json:"total"`
	Successes  int    `json:"successes"`
	Failures   int    `json:"failures"`
}

// Statistics aggregates the run history.
type Statistics struct {
	Total         int               `json:"total"`
	ByStatus      map[string]int    `json:"byStatus"`
	ByRepository  []RepositoryStats `json:"byRepository"`
	AvgDurationMS float64           `json:"avgDurationMs"`
	SuccessRate   float64           `json:"successRate"`
}

// Store is the in-memory run registry.
type Store struct {
	mu   sync.RWMutex
	runs map[string]*Run
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{runs: make(map[string]*Run)}
}

// Record inserts a new run in QUEUED state and returns it.
func (s *Store) Record(repository, input string) *Run {
	run := &Run{
		ID:         uuid.New().String(),
		Repository: repository,
		Status:     RunQueued,
		StartedAt:  time.Now().UTC(),
		Input:      input,
	}
	s.mu.Lock()
	s.runs[run.ID] = run
	s.mu.Unlock()
	return run
}

// update applies fn to a run under the lock and returns a copy.
func (s *Store) update(id string, fn func(*Run) error) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, apperr.BadInput("agent run %q not found", id)
	}
	if err := fn(run); err != nil {
		return nil, err
	}
	cp := *run
	return &cp, nil
}

// Start marks a run RUNNING and stamps its start time.
func (s *Store) Start(id string) (*Run, error) {
	return s.update(id, func(run *Run) error {
		run.Status = RunRunning
		run.StartedAt = time.Now().UTC()
		return nil
	})
}

// Complete finishes a run with its terminal outcome.
func (s *Store) Complete(id string, success bool, output, errMsg string) (*Run, error) {
	return s.update(id, func(run *Run) error {
		now := time.Now().UTC()
		run.CompletedAt = &now
		run.DurationMS = now.Sub(run.StartedAt).Milliseconds()
		run.Output = output
		run.Error = errMsg
		if success {
			run.Status = RunSuccess
		} else {
			run.Status = RunFailed
		}
		return nil
	})
}

// Cancel moves a RUNNING or QUEUED run to CANCELLED. Any other state is
// left untouched and reported back unchanged.
func (s *Store) Cancel(id string) (*Run, error) {
	return s.update(id, func(run *Run) error {
		if run.Status != RunRunning && run.Status != RunQueued {
			return nil
		}
		now := time.Now().UTC()
		run.Status = RunCancelled
		run.CompletedAt = &now
		run.DurationMS = now.Sub(run.StartedAt).Milliseconds()
		return nil
	})
}

// Retry creates a follow-up run for a FAILED or CANCELLED run. The new
// run starts QUEUED, carries the original input, bumps the retry count,
// and chains back via ParentRunID. The original is marked RETRYING.
func (s *Store) Retry(id string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.runs[id]
	if !ok {
		return nil, apperr.BadInput("agent run %q not found", id)
	}
	if parent.Status != RunFailed && parent.Status != RunCancelled {
		return nil, apperr.BadInput("agent run %q is %s, only FAILED or CANCELLED runs can be retried", id, parent.Status)
	}

	parent.Status = RunRetrying
	retry := &Run{
		ID:          uuid.New().String(),
		Repository:  parent.Repository,
		Status:      RunQueued,
		StartedAt:   time.Now().UTC(),
		Input:       parent.Input,
		RetryCount:  parent.RetryCount + 1,
		ParentRunID: parent.ID,
	}
	s.runs[retry.ID] = retry

	cp := *retry
	return &cp, nil
}

// Get returns one run by id.
func (s *Store) Get(id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, apperr.BadInput("agent run %q not found", id)
	}
	cp := *run
	return &cp, nil
}

// List returns runs matching the filter, newest first.
func (s *Store) List(f Filter) []*Run {
	s.mu.RLock()
	out := make([]*Run, 0, len(s.runs))
	for _, run := range s.runs {
		if f.Repository != "" && run.Repository != f.Repository {
			continue
		}
		if f.Status != "" && run.Status != f.Status {
			continue
		}
		if !f.Since.IsZero() && run.StartedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && run.StartedAt.After(f.Until) {
			continue
		}
		cp := *run
		out = append(out, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Chain walks the retry chain from a run back to its original.
func (s *Store) Chain(id string) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, apperr.BadInput("agent run %q not found", id)
	}

	var chain []*Run
	seen := make(map[string]bool)
	for run != nil && !seen[run.ID] {
		seen[run.ID] = true
		cp := *run
		chain = append(chain, &cp)
		if run.ParentRunID == "" {
			break
		}
		run = s.runs[run.ParentRunID]
	}
	return chain, nil
}

// Statistics aggregates counts, durations, and success rate.
func (s *Store) Statistics() Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Statistics{ByStatus: make(map[string]int)}
	perRepo := make(map[string]*RepositoryStats)
	var durations int64
	var completed int

	for _, run := range s.runs {
		stats.Total++
		stats.ByStatus[string(run.Status)]++

		repo := perRepo[run.Repository]
		if repo == nil {
			repo = &RepositoryStats{Repository: run.Repository}
			perRepo[run.Repository] = repo
		}
		repo.Total++

		switch run.Status {
		case RunSuccess:
			repo.Successes++
			durations += run.DurationMS
			completed++
		case RunFailed:
			repo.Failures++
		}
	}

	if completed > 0 {
		stats.AvgDurationMS = float64(durations) / float64(completed)
	}
	terminal := stats.ByStatus[string(RunSuccess)] + stats.ByStatus[string(RunFailed)]
	if terminal > 0 {
		stats.SuccessRate = float64(stats.ByStatus[string(RunSuccess)]) / float64(terminal)
	}

	stats.ByRepository = make([]RepositoryStats, 0, len(perRepo))
	for _, repo := range perRepo {
		stats.ByRepository = append(stats.ByRepository, *repo)
	}
	sort.Slice(stats.ByRepository, func(i, j int) bool {
		return strings.Compare(stats.ByRepository[i].Repository, stats.ByRepository[j].Repository) < 0
	})
	return stats
}

// DeleteOlderThan removes terminal runs whose start predates the cutoff
// and returns how many were removed. In-flight runs are never removed.
func (s *Store) DeleteOlderThan(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, run := range s.runs {
		if run.Status == RunQueued || run.Status == RunRunning {
			continue
		}
		if run.StartedAt.Before(cutoff) {
			delete(s.runs, id)
			removed++
		}
	}
	return removed
}
