package runstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunLifecycle(t *testing.T) {
	s := NewStore()

	run := s.Record("services/api", "draft a commit message")
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, RunQueued, run.Status)
	assert.Equal(t, "services/api", run.Repository)

	started, err := s.Start(run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunRunning, started.Status)

	done, err := s.Complete(run.ID, true, "fix: the thing", "")
	require.NoError(t, err)
	assert.Equal(t, RunSuccess, done.Status)
	assert.Equal(t, "fix: the thing", done.Output)
	require.NotNil(t, done.CompletedAt)
	assert.GreaterOrEqual(t, done.DurationMS, int64(0))
}

func TestCompleteFailure(t *testing.T) {
	s := NewStore()
	run := s.Record("repo", "in")

	done, err := s.Complete(run.ID, false, "", "timed out")
	require.NoError(t, err)
	assert.Equal(t, RunFailed, done.Status)
	assert.Equal(t, "timed out", done.Error)
}

func TestGetUnknownRun(t *testing.T) {
	s := NewStore()
	_, err := s.Get("missing")
	assert.Error(t, err)
}

func TestTransitionsRejectUnknownRun(t *testing.T) {
	s := NewStore()

	_, err := s.Start("missing")
	assert.Error(t, err)
	_, err = s.Complete("missing", true, "", "")
	assert.Error(t, err)
	_, err = s.Cancel("missing")
	assert.Error(t, err)
}

func TestCancelOnlyInFlightRuns(t *testing.T) {
	s := NewStore()

	queued := s.Record("repo", "in")
	cancelled, err := s.Cancel(queued.ID)
	require.NoError(t, err)
	assert.Equal(t, RunCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CompletedAt)

	finished := s.Record("repo", "in")
	_, err = s.Complete(finished.ID, true, "out", "")
	require.NoError(t, err)

	// Cancelling a terminal run is a no-op.
	after, err := s.Cancel(finished.ID)
	require.NoError(t, err)
	assert.Equal(t, RunSuccess, after.Status)
}

func TestRetryChainsRuns(t *testing.T) {
	s := NewStore()

	original := s.Record("repo", "the prompt")
	_, err := s.Complete(original.ID, false, "", "boom")
	require.NoError(t, err)

	retry, err := s.Retry(original.ID)
	require.NoError(t, err)
	assert.Equal(t, RunQueued, retry.Status)
	assert.Equal(t, "the prompt", retry.Input)
	assert.Equal(t, 1, retry.RetryCount)
	assert.Equal(t, original.ID, retry.ParentRunID)

	parent, err := s.Get(original.ID)
	require.NoError(t, err)
	assert.Equal(t, RunRetrying, parent.Status)

	// Second-level retry keeps counting.
	_, err = s.Complete(retry.ID, false, "", "boom again")
	require.NoError(t, err)
	retry2, err := s.Retry(retry.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, retry2.RetryCount)
	assert.Equal(t, retry.ID, retry2.ParentRunID)
}

func TestRetryRejectsNonTerminalRuns(t *testing.T) {
	s := NewStore()

	running := s.Record("repo", "in")
	_, err := s.Start(running.ID)
	require.NoError(t, err)
	_, err = s.Retry(running.ID)
	assert.Error(t, err)

	succeeded := s.Record("repo", "in")
	_, err = s.Complete(succeeded.ID, true, "out", "")
	require.NoError(t, err)
	_, err = s.Retry(succeeded.ID)
	assert.Error(t, err)

	_, err = s.Retry("missing")
	assert.Error(t, err)
}

func TestRetryAllowsCancelled(t *testing.T) {
	s := NewStore()
	run := s.Record("repo", "in")
	_, err := s.Cancel(run.ID)
	require.NoError(t, err)

	retry, err := s.Retry(run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunQueued, retry.Status)
}

func TestChainWalksToOriginal(t *testing.T) {
	s := NewStore()

	original := s.Record("repo", "in")
	_, err := s.Complete(original.ID, false, "", "e1")
	require.NoError(t, err)
	retry, err := s.Retry(original.ID)
	require.NoError(t, err)
	_, err = s.Complete(retry.ID, false, "", "e2")
	require.NoError(t, err)
	retry2, err := s.Retry(retry.ID)
	require.NoError(t, err)

	chain, err := s.Chain(retry2.ID)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, retry2.ID, chain[0].ID)
	assert.Equal(t, retry.ID, chain[1].ID)
	assert.Equal(t, original.ID, chain[2].ID)

	_, err = s.Chain("missing")
	assert.Error(t, err)
}

func TestListNewestFirstWithFilters(t *testing.T) {
	s := NewStore()

	a := s.Record("alpha", "in")
	time.Sleep(2 * time.Millisecond)
	b := s.Record("beta", "in")
	time.Sleep(2 * time.Millisecond)
	c := s.Record("alpha", "in")
	_, err := s.Complete(c.ID, true, "out", "")
	require.NoError(t, err)

	all := s.List(Filter{})
	require.Len(t, all, 3)
	assert.Equal(t, c.ID, all[0].ID)
	assert.Equal(t, b.ID, all[1].ID)
	assert.Equal(t, a.ID, all[2].ID)

	alphas := s.List(Filter{Repository: "alpha"})
	require.Len(t, alphas, 2)

	succeeded := s.List(Filter{Status: RunSuccess})
	require.Len(t, succeeded, 1)
	assert.Equal(t, c.ID, succeeded[0].ID)

	limited := s.List(Filter{Limit: 2})
	assert.Len(t, limited, 2)

	recent := s.List(Filter{Since: b.StartedAt})
	assert.Len(t, recent, 2)
}

func TestStatistics(t *testing.T) {
	s := NewStore()

	ok := s.Record("alpha", "in")
	_, err := s.Complete(ok.ID, true, "out", "")
	require.NoError(t, err)

	bad := s.Record("alpha", "in")
	_, err = s.Complete(bad.ID, false, "", "e")
	require.NoError(t, err)

	pending := s.Record("beta", "in")
	_ = pending

	stats := s.Statistics()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[string(RunSuccess)])
	assert.Equal(t, 1, stats.ByStatus[string(RunFailed)])
	assert.Equal(t, 1, stats.ByStatus[string(RunQueued)])

	// Success rate is computed over terminal outcomes only.
	assert.InDelta(t, 0.5, stats.SuccessRate, 1e-9)

	require.Len(t, stats.ByRepository, 2)
	assert.Equal(t, "alpha", stats.ByRepository[0].Repository)
	assert.Equal(t, 2, stats.ByRepository[0].Total)
	assert.Equal(t, 1, stats.ByRepository[0].Successes)
	assert.Equal(t, 1, stats.ByRepository[0].Failures)
	assert.Equal(t, "beta", stats.ByRepository[1].Repository)
}

func TestStatisticsEmpty(t *testing.T) {
	stats := NewStore().Statistics()
	assert.Zero(t, stats.Total)
	assert.Zero(t, stats.SuccessRate)
	assert.Zero(t, stats.AvgDurationMS)
	assert.Empty(t, stats.ByRepository)
}

func TestDeleteOlderThanKeepsInFlight(t *testing.T) {
	s := NewStore()

	done := s.Record("repo", "in")
	_, err := s.Complete(done.ID, true, "out", "")
	require.NoError(t, err)

	queued := s.Record("repo", "in")
	running := s.Record("repo", "in")
	_, err = s.Start(running.ID)
	require.NoError(t, err)

	removed := s.DeleteOlderThan(time.Now().UTC().Add(time.Hour))
	assert.Equal(t, 1, removed)

	_, err = s.Get(done.ID)
	assert.Error(t, err)
	_, err = s.Get(queued.ID)
	assert.NoError(t, err)
	_, err = s.Get(running.ID)
	assert.NoError(t, err)

	// Nothing predates a cutoff in the past.
	assert.Zero(t, s.DeleteOlderThan(time.Now().UTC().Add(-time.Hour)))
}
