package session

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devmesh/devmesh/internal/agent/proc"
	"github.com/devmesh/devmesh/internal/common/apperr"
	"github.com/devmesh/devmesh/internal/common/logger"
	"github.com/devmesh/devmesh/internal/events/bus"
)

// fakeChild scripts the CLI process: every Send produces the frames the
// respond function returns.
type fakeChild struct {
	mu      sync.Mutex
	frames  chan proc.Frame
	done    chan struct{}
	stopped bool
	prompts []string
	respond func(prompt string) []proc.Frame
}

func newFakeChild(respond func(prompt string) []proc.Frame) *fakeChild {
	return &fakeChild{
		frames:  make(chan proc.Frame, 64),
		done:    make(chan struct{}),
		respond: respond,
	}
}

func (c *fakeChild) Frames() <-chan proc.Frame { return c.frames }
func (c *fakeChild) Done() <-chan struct{}     { return c.done }
func (c *fakeChild) ExitErr() error            { return nil }

func (c *fakeChild) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.stopped
}

func (c *fakeChild) Send(v any) error {
	msg := v.(map[string]any)
	prompt, _ := msg["message"].(string)
	c.mu.Lock()
	c.prompts = append(c.prompts, prompt)
	c.mu.Unlock()
	for _, f := range c.respond(prompt) {
		c.frames <- f
	}
	return nil
}

func (c *fakeChild) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stopped {
		c.stopped = true
		close(c.done)
	}
	return nil
}

func (c *fakeChild) sentPrompts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.prompts...)
}

// echoFrames is the standard script: a system handshake followed by a
// result envelope echoing the prompt.
func echoFrames(correlator string) func(prompt string) []proc.Frame {
	return func(prompt string) []proc.Frame {
		return []proc.Frame{
			{Type: "system", Data: map[string]any{"session_id": correlator}, Raw: "init"},
			{Type: "result", Data: map[string]any{
				"result":     "echo: " + prompt,
				"session_id": correlator,
				"is_error":   false,
				"usage": map[string]any{
					"input_tokens":  10.0,
					"output_tokens": 5.0,
				},
			}},
		}
	}
}

func newTestManager(t *testing.T, respond func(prompt string) []proc.Frame) (*Manager, *fakeChild) {
	t.Helper()
	child := newFakeChild(respond)
	m := NewManager(Config{
		WorkspaceRoot: t.TempDir(),
		MaxConcurrent: 5,
		RatePerSecond: 100,
		ArchiveDir:    filepath.Join(t.TempDir(), "archives"),
	}, bus.NewMemoryEventBus(logger.Default()), logger.Default())
	m.SetLauncher(func(_ context.Context, _ string, _ []string) (Child, error) {
		return child, nil
	})
	t.Cleanup(m.Shutdown)
	return m, child
}

func waitForHistory(t *testing.T, m *Manager, sessionID string, n int) *Session {
	t.Helper()
	var sess *Session
	require.Eventually(t, func() bool {
		var err error
		sess, err = m.Get(sessionID)
		if err != nil || len(sess.History) < n {
			return false
		}
		return sess.History[n-1].Response != nil
	}, 3*time.Second, 10*time.Millisecond)
	return sess
}

func TestExecuteCommandRecordsInteraction(t *testing.T) {
	m, _ := newTestManager(t, echoFrames("corr-1"))

	result, err := m.ExecuteCommand(context.Background(), "hello there", ExecuteOptions{Model: "opus"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.NotEmpty(t, result.SessionID)
	assert.Greater(t, result.EstimatedDurationMS, int64(0))

	sess := waitForHistory(t, m, result.SessionID, 1)
	require.Len(t, sess.History, 1)
	item := sess.History[0]
	assert.Equal(t, "hello there", item.Prompt)
	assert.True(t, item.Success)
	assert.Equal(t, "echo: hello there", *item.Response)
	assert.Equal(t, "corr-1", item.Correlator)

	assert.Equal(t, "corr-1", sess.Metadata.Correlator)
	assert.Equal(t, "opus", sess.Metadata.Model)
	assert.Equal(t, 10, sess.Metadata.Tokens.InputTokens)
	assert.Equal(t, 5, sess.Metadata.Tokens.OutputTokens)
	assert.Greater(t, sess.Metadata.Tokens.CostUSD, 0.0)
}

func TestExecuteCommandValidation(t *testing.T) {
	m, _ := newTestManager(t, echoFrames("c"))

	_, err := m.ExecuteCommand(context.Background(), "   ", ExecuteOptions{})
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeBadUserInput))

	_, err = m.ExecuteCommand(context.Background(), "hi", ExecuteOptions{SessionID: "missing"})
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeSessionNotFound))
}

func TestSessionCommandsRunInOrder(t *testing.T) {
	m, child := newTestManager(t, echoFrames("corr"))

	result, err := m.ExecuteCommand(context.Background(), "first", ExecuteOptions{})
	require.NoError(t, err)
	id := result.SessionID
	_, err = m.ExecuteCommand(context.Background(), "second", ExecuteOptions{SessionID: id})
	require.NoError(t, err)
	_, err = m.ExecuteCommand(context.Background(), "third", ExecuteOptions{SessionID: id})
	require.NoError(t, err)

	sess := waitForHistory(t, m, id, 3)
	assert.Equal(t, "first", sess.History[0].Prompt)
	assert.Equal(t, "second", sess.History[1].Prompt)
	assert.Equal(t, "third", sess.History[2].Prompt)
	assert.Equal(t, []string{"first", "second", "third"}, child.sentPrompts())
}

func TestExecuteAndWait(t *testing.T) {
	m, _ := newTestManager(t, echoFrames("corr"))

	id, text, usage, err := m.ExecuteAndWait(context.Background(), "generate", ExecuteOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, "echo: generate", text)
	assert.Equal(t, 10, usage.InputTokens)
	assert.Equal(t, 5, usage.OutputTokens)
}

func TestExecuteAndWaitFailure(t *testing.T) {
	m, _ := newTestManager(t, func(prompt string) []proc.Frame {
		return []proc.Frame{{Type: "result", Data: map[string]any{
			"result":   "model refused",
			"is_error": true,
		}}}
	})

	_, text, _, err := m.ExecuteAndWait(context.Background(), "bad", ExecuteOptions{})
	require.Error(t, err)
	assert.Empty(t, text)
}

func TestKillSessionIdempotent(t *testing.T) {
	m, child := newTestManager(t, echoFrames("corr"))

	result, err := m.ExecuteCommand(context.Background(), "hello", ExecuteOptions{})
	require.NoError(t, err)
	waitForHistory(t, m, result.SessionID, 1)

	assert.True(t, m.KillSession(result.SessionID))
	assert.True(t, m.KillSession(result.SessionID))
	assert.True(t, m.KillSession("never-existed"))

	assert.False(t, child.Alive())

	sess, err := m.Get(result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusTerminated, sess.Status)

	// A terminated session refuses further commands.
	_, err = m.ExecuteCommand(context.Background(), "more", ExecuteOptions{SessionID: result.SessionID})
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeSessionNotFound))
}

func TestForkSession(t *testing.T) {
	m, _ := newTestManager(t, echoFrames("corr"))

	result, err := m.ExecuteCommand(context.Background(), "one", ExecuteOptions{})
	require.NoError(t, err)
	id := result.SessionID
	_, err = m.ExecuteCommand(context.Background(), "two", ExecuteOptions{SessionID: id})
	require.NoError(t, err)
	_, err = m.ExecuteCommand(context.Background(), "three", ExecuteOptions{SessionID: id})
	require.NoError(t, err)
	waitForHistory(t, m, id, 3)

	fork, err := m.ForkSession(id, 1, "experiment", true)
	require.NoError(t, err)
	assert.Equal(t, id, fork.ParentID)
	assert.Equal(t, 1, fork.ForkIndex)
	assert.Equal(t, "experiment", fork.Name)
	require.Len(t, fork.History, 2)
	assert.Equal(t, "one", fork.History[0].Prompt)
	assert.Equal(t, "two", fork.History[1].Prompt)
	assert.Equal(t, "corr", fork.Metadata.Correlator)

	// -1 selects the latest interaction.
	latest, err := m.ForkSession(id, -1, "", true)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.ForkIndex)
	assert.Len(t, latest.History, 3)

	// An index past the tail clamps to the latest interaction too.
	clamped, err := m.ForkSession(id, 99, "", false)
	require.NoError(t, err)
	assert.Equal(t, 2, clamped.ForkIndex)
	assert.Empty(t, clamped.History)
}

func TestForkSessionErrors(t *testing.T) {
	m, _ := newTestManager(t, echoFrames("corr"))

	_, err := m.ForkSession("missing", 0, "", true)
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeSessionNotFound))

	result, err := m.ExecuteCommand(context.Background(), "queued", ExecuteOptions{})
	require.NoError(t, err)
	waitForHistory(t, m, result.SessionID, 1)

	empty := m.AdoptWarmChild(newFakeChild(echoFrames("x")), "x", ExecuteOptions{})
	_, err = m.ForkSession(empty.ID, 0, "", true)
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeBadUserInput))
}

func TestAdoptWarmChild(t *testing.T) {
	m, _ := newTestManager(t, echoFrames("unused"))
	warm := newFakeChild(echoFrames("warm-corr"))

	sess := m.AdoptWarmChild(warm, "warm-corr", ExecuteOptions{})
	assert.Equal(t, "warm-corr", sess.Metadata.Correlator)

	// Commands go to the adopted child, not a freshly launched one.
	_, err := m.ExecuteCommand(context.Background(), "use the warm one", ExecuteOptions{SessionID: sess.ID})
	require.NoError(t, err)
	waitForHistory(t, m, sess.ID, 1)
	assert.Equal(t, []string{"use the warm one"}, warm.sentPrompts())
}

func TestShareSession(t *testing.T) {
	m, _ := newTestManager(t, echoFrames("corr"))
	result, err := m.ExecuteCommand(context.Background(), "hello", ExecuteOptions{})
	require.NoError(t, err)
	waitForHistory(t, m, result.SessionID, 1)

	grant, err := m.ShareSession(result.SessionID, time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, grant.Code)

	resolved, err := m.ResolveShare(grant.Code)
	require.NoError(t, err)
	assert.Equal(t, result.SessionID, resolved.ID)

	_, err = m.ResolveShare("bogus")
	require.Error(t, err)

	_, err = m.ShareSession("missing", time.Hour)
	require.Error(t, err)
}

func TestBatchOperation(t *testing.T) {
	m, _ := newTestManager(t, echoFrames("corr"))
	a, err := m.ExecuteCommand(context.Background(), "a", ExecuteOptions{})
	require.NoError(t, err)
	b, err := m.ExecuteCommand(context.Background(), "b", ExecuteOptions{})
	require.NoError(t, err)
	waitForHistory(t, m, a.SessionID, 1)
	waitForHistory(t, m, b.SessionID, 1)

	results := m.BatchOperation([]string{a.SessionID, "missing", b.SessionID}, BatchTag, map[string]string{"team": "infra"})
	require.Len(t, results, 3)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.NotEmpty(t, results[1].Error)
	assert.True(t, results[2].Success)

	sess, err := m.Get(a.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "infra", sess.Metadata.Flags["team"])

	exports := m.BatchOperation([]string{a.SessionID}, BatchExport, nil)
	require.Len(t, exports, 1)
	assert.True(t, exports[0].Success)
	assert.Contains(t, exports[0].Detail, a.SessionID)

	deletes := m.BatchOperation([]string{b.SessionID}, BatchDelete, nil)
	assert.True(t, deletes[0].Success)
	_, err = m.Get(b.SessionID)
	require.Error(t, err)

	unknown := m.BatchOperation([]string{a.SessionID}, BatchOp("EXPLODE"), nil)
	assert.False(t, unknown[0].Success)
}

func TestArchiveSession(t *testing.T) {
	m, _ := newTestManager(t, echoFrames("corr"))
	result, err := m.ExecuteCommand(context.Background(), "persist me", ExecuteOptions{})
	require.NoError(t, err)
	waitForHistory(t, m, result.SessionID, 1)

	path, err := m.ArchiveSession(result.SessionID)
	require.NoError(t, err)
	assert.FileExists(t, path)

	_, err = m.Get(result.SessionID)
	require.Error(t, err)
}

func TestListNewestFirst(t *testing.T) {
	m, _ := newTestManager(t, echoFrames("corr"))
	first, err := m.ExecuteCommand(context.Background(), "a", ExecuteOptions{})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	second, err := m.ExecuteCommand(context.Background(), "b", ExecuteOptions{})
	require.NoError(t, err)

	sessions := m.List()
	require.Len(t, sessions, 2)
	assert.Equal(t, second.SessionID, sessions[0].ID)
	assert.Equal(t, first.SessionID, sessions[1].ID)
}

func TestSubscribeOutputDeliversFinalFrame(t *testing.T) {
	release := make(chan struct{})
	m, _ := newTestManager(t, func(prompt string) []proc.Frame {
		<-release
		return echoFrames("corr")(prompt)
	})

	result, err := m.ExecuteCommand(context.Background(), "stream me", ExecuteOptions{})
	require.NoError(t, err)

	frames, unsubscribe, err := m.SubscribeOutput(result.SessionID)
	require.NoError(t, err)
	defer unsubscribe()
	close(release)

	var final CommandOutput
	require.Eventually(t, func() bool {
		select {
		case f := <-frames:
			if f.IsFinal {
				final = f
				return true
			}
		default:
		}
		return false
	}, 3*time.Second, 5*time.Millisecond)

	assert.Equal(t, OutputFinal, final.Type)
	assert.Contains(t, final.Content, "stream me")
	require.NotNil(t, final.Tokens)
	assert.Equal(t, 10, final.Tokens.InputTokens)
}

func TestKillSessionDuringChildLaunch(t *testing.T) {
	launchStarted := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var launched *fakeChild

	m := NewManager(Config{
		WorkspaceRoot: t.TempDir(),
		MaxConcurrent: 5,
		RatePerSecond: 100,
	}, bus.NewMemoryEventBus(logger.Default()), logger.Default())
	m.SetLauncher(func(_ context.Context, _ string, _ []string) (Child, error) {
		close(launchStarted)
		<-release
		child := newFakeChild(echoFrames("corr-race"))
		mu.Lock()
		launched = child
		mu.Unlock()
		return child, nil
	})
	t.Cleanup(m.Shutdown)

	res, err := m.ExecuteCommand(context.Background(), "race me", ExecuteOptions{})
	require.NoError(t, err)

	// Kill while the launcher is still mid-spawn, then let it finish.
	<-launchStarted
	assert.True(t, m.KillSession(res.SessionID))
	close(release)

	// The late child must not outlive the killed session.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return launched != nil && !launched.Alive()
	}, 3*time.Second, 10*time.Millisecond)
}

func TestSubscribeOutputUnsubscribeUnderLoad(t *testing.T) {
	m, _ := newTestManager(t, echoFrames("corr-unsub"))

	res, err := m.ExecuteCommand(context.Background(), "first", ExecuteOptions{})
	require.NoError(t, err)
	waitForHistory(t, m, res.SessionID, 1)

	frames, unsubscribe, err := m.SubscribeOutput(res.SessionID)
	require.NoError(t, err)

	_, err = m.ExecuteCommand(context.Background(), "second", ExecuteOptions{SessionID: res.SessionID})
	require.NoError(t, err)
	waitForHistory(t, m, res.SessionID, 2)

	unsubscribe()

	// Output published after the unsubscribe goes nowhere; the closed
	// frame channel must never be written again.
	_, err = m.ExecuteCommand(context.Background(), "third", ExecuteOptions{SessionID: res.SessionID})
	require.NoError(t, err)
	waitForHistory(t, m, res.SessionID, 3)

	for range frames {
	}
}
