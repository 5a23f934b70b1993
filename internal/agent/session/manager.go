package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devmesh/devmesh/internal/agent/proc"
	"github.com/devmesh/devmesh/internal/common/apperr"
	"github.com/devmesh/devmesh/internal/common/logger"
	"github.com/devmesh/devmesh/internal/events/bus"
)

// Config holds the session manager settings.
type Config struct {
	CLIPath       string
	CLIArgs       []string
	WorkspaceRoot string
	MaxConcurrent int
	RatePerSecond int
	KillGrace     time.Duration
	ArchiveDir    string
}

// Manager is the session registry and the entry point for every session
// operation. Registry access is single-writer behind mu.
type Manager struct {
	cfg        Config
	bus        bus.EventBus
	logger     *logger.Logger
	dispatcher *Dispatcher
	launcher   Launcher

	mu        sync.RWMutex
	sessions  map[string]*Session
	runners   map[string]*runner
	templates map[string]*Template
	shares    map[string]*ShareGrant
}

// NewManager creates the manager with the production child launcher.
func NewManager(cfg Config, eventBus bus.EventBus, log *logger.Logger) *Manager {
	m := &Manager{
		cfg:        cfg,
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "session_manager")),
		dispatcher: NewDispatcher(cfg.MaxConcurrent, cfg.RatePerSecond),
		sessions:   make(map[string]*Session),
		runners:    make(map[string]*runner),
		templates:  make(map[string]*Template),
		shares:     make(map[string]*ShareGrant),
	}
	m.launcher = func(ctx context.Context, dir string, extraArgs []string) (Child, error) {
		return proc.Start(ctx, proc.Options{
			Path:      cfg.CLIPath,
			Args:      append(append([]string{}, cfg.CLIArgs...), extraArgs...),
			Dir:       dir,
			KillGrace: cfg.KillGrace,
		}, log)
	}
	return m
}

// SetLauncher overrides how children are spawned (tests, pre-warm pool).
func (m *Manager) SetLauncher(l Launcher) {
	m.launcher = l
}

// outputSubject is the bus subject for one session's output stream.
func outputSubject(sessionID string) string {
	return "agent.session." + sessionID + ".output"
}

// ExecuteCommand queues a prompt. Without a session id a new session is
// created; with one, the session must exist and be non-terminated.
func (m *Manager) ExecuteCommand(ctx context.Context, prompt string, opts ExecuteOptions) (*ExecuteResult, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, apperr.BadInput("prompt is required")
	}

	continuation := opts.SessionID != ""
	var sess *Session
	var err error
	if continuation {
		sess, err = m.liveSession(opts.SessionID)
		if err != nil {
			return nil, err
		}
	} else {
		sess = m.createSession(opts)
	}

	r := m.runnerFor(sess.ID)
	if _, err := r.enqueue(prompt); err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "enqueue command", err)
	}

	m.touch(sess.ID)
	return &ExecuteResult{
		SessionID:           sess.ID,
		Success:             true,
		StartedAt:           time.Now().UTC(),
		EstimatedDurationMS: estimateDurationMS(prompt, continuation),
		Flags:               sess.Metadata.Flags,
	}, nil
}

// ContinueSession queues a follow-up prompt on an existing session,
// inheriting its working directory and flags.
func (m *Manager) ContinueSession(ctx context.Context, sessionID, prompt, additionalContext string) (*ExecuteResult, error) {
	if additionalContext != "" {
		prompt = prompt + "\n\nAdditional context:\n" + additionalContext
	}
	return m.ExecuteCommand(ctx, prompt, ExecuteOptions{SessionID: sessionID})
}

// ExecuteAndWait queues a prompt and blocks until the command finishes.
// Returns the session id, the response text, and the token usage of this
// interaction. Used by batch fan-out.
func (m *Manager) ExecuteAndWait(ctx context.Context, prompt string, opts ExecuteOptions) (string, string, proc.TokenUsage, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", "", proc.TokenUsage{}, apperr.BadInput("prompt is required")
	}

	var sess *Session
	var err error
	if opts.SessionID != "" {
		sess, err = m.liveSession(opts.SessionID)
		if err != nil {
			return "", "", proc.TokenUsage{}, err
		}
	} else {
		sess = m.createSession(opts)
	}

	before := m.tokenTotals(sess.ID)
	r := m.runnerFor(sess.ID)
	job, err := r.enqueue(prompt)
	if err != nil {
		return sess.ID, "", proc.TokenUsage{}, apperr.Wrap(apperr.CodeInternal, "enqueue command", err)
	}

	select {
	case <-ctx.Done():
		return sess.ID, "", proc.TokenUsage{}, ctx.Err()
	case <-job.done:
	}

	after := m.tokenTotals(sess.ID)
	usage := proc.TokenUsage{
		InputTokens:  after.InputTokens - before.InputTokens,
		OutputTokens: after.OutputTokens - before.OutputTokens,
	}

	updated, err := m.Get(sess.ID)
	if err != nil {
		return sess.ID, "", usage, err
	}
	for i := len(updated.History) - 1; i >= 0; i-- {
		item := updated.History[i]
		if item.Prompt != prompt {
			continue
		}
		text := ""
		if item.Response != nil {
			text = *item.Response
		}
		if !item.Success {
			return sess.ID, text, usage, apperr.New(apperr.CodeInternal, "agent command failed")
		}
		return sess.ID, text, usage, nil
	}
	return sess.ID, "", usage, apperr.New(apperr.CodeInternal, "agent command produced no interaction")
}

func (m *Manager) tokenTotals(sessionID string) TokenUsage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sess, ok := m.sessions[sessionID]; ok {
		return sess.Metadata.Tokens
	}
	return TokenUsage{}
}

// KillSession terminates a session's child and marks it TERMINATED.
// Killing an unknown session succeeds (idempotent).
func (m *Manager) KillSession(sessionID string) bool {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	r := m.runners[sessionID]
	if ok {
		sess.Status = StatusTerminated
		sess.LastActivity = time.Now().UTC()
	}
	delete(m.runners, sessionID)
	m.mu.Unlock()

	if r != nil {
		r.stop()
	}
	if ok {
		m.logger.WithSessionID(sessionID).Info("session killed")
	}
	return true
}

// ForkSession creates a new session whose history is the parent's prefix
// up to and including messageIndex. -1 or an index past the tail selects
// the latest interaction. The fork captures that interaction's correlator
// so the child resumes from it.
func (m *Manager) ForkSession(sessionID string, messageIndex int, name string, includeHistory bool) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	parent, ok := m.sessions[sessionID]
	if !ok || parent.Status == StatusTerminated {
		return nil, apperr.SessionNotFound(sessionID)
	}
	if len(parent.History) == 0 {
		return nil, apperr.BadInput("session %q has no history to fork", sessionID)
	}

	if messageIndex < 0 || messageIndex >= len(parent.History) {
		messageIndex = len(parent.History) - 1
	}

	fork := &Session{
		ID:           uuid.New().String(),
		Name:         name,
		Status:       StatusIdle,
		CreatedAt:    time.Now().UTC(),
		LastActivity: time.Now().UTC(),
		WorkDir:      parent.WorkDir,
		Metadata: Metadata{
			Model:          parent.Metadata.Model,
			Flags:          copyFlags(parent.Metadata.Flags),
			ProjectContext: parent.Metadata.ProjectContext,
			Correlator:     parent.History[messageIndex].Correlator,
		},
		ParentID:  parent.ID,
		ForkIndex: messageIndex,
	}
	if includeHistory {
		fork.History = append([]Interaction(nil), parent.History[:messageIndex+1]...)
	}

	m.sessions[fork.ID] = fork
	m.logger.WithSessionID(fork.ID).Info("session forked",
		zap.String("parent_id", parent.ID),
		zap.Int("fork_index", messageIndex),
		zap.Int("history_len", len(fork.History)))
	return snapshot(fork), nil
}

// AdoptWarmChild creates a session around an already-warmed child.
func (m *Manager) AdoptWarmChild(child Child, correlator string, opts ExecuteOptions) *Session {
	sess := m.createSession(opts)

	m.mu.Lock()
	sess.Metadata.Correlator = correlator
	r := newRunner(m, sess.ID)
	r.adopt(child)
	m.runners[sess.ID] = r
	stored := m.sessions[sess.ID]
	stored.Metadata.Correlator = correlator
	m.mu.Unlock()

	m.logger.WithSessionID(sess.ID).Info("adopted pre-warmed child")
	return sess
}

// Get returns a snapshot of one session.
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, apperr.SessionNotFound(sessionID)
	}
	return snapshot(sess), nil
}

// List returns snapshots of every live session, newest first.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, snapshot(sess))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// SubscribeOutput delivers a session's output frames until unsubscribe.
func (m *Manager) SubscribeOutput(sessionID string) (<-chan CommandOutput, func(), error) {
	ch := make(chan CommandOutput, 64)
	sub, err := m.bus.Subscribe(outputSubject(sessionID), func(ctx context.Context, event *bus.Event) error {
		frame, err := outputFromEvent(event)
		if err != nil {
			return err
		}
		select {
		case ch <- frame:
		default: // slow subscriber, frame dropped
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return ch, func() {
		_ = sub.Unsubscribe()
		close(ch)
	}, nil
}

// Shutdown kills every session. Called on process exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.runners {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.KillSession(id)
	}
}

// --- registry internals used by the runner ---

func (m *Manager) createSession(opts ExecuteOptions) *Session {
	workDir := opts.WorkDir
	if workDir == "" {
		workDir = m.cfg.WorkspaceRoot
	}
	model := opts.Model
	if model == "" {
		model = "sonnet"
	}

	sess := &Session{
		ID:           uuid.New().String(),
		Status:       StatusIdle,
		CreatedAt:    time.Now().UTC(),
		LastActivity: time.Now().UTC(),
		WorkDir:      workDir,
		Metadata: Metadata{
			Model:          model,
			Flags:          copyFlags(opts.Flags),
			ProjectContext: opts.ProjectContext,
		},
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	m.logger.WithSessionID(sess.ID).Info("session created", zap.String("work_dir", workDir))
	return snapshot(sess)
}

func (m *Manager) liveSession(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	if !ok || sess.Status == StatusTerminated {
		return nil, apperr.SessionNotFound(sessionID)
	}
	return snapshot(sess), nil
}

func (m *Manager) runnerFor(sessionID string) *runner {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runners[sessionID]; ok {
		return r
	}
	r := newRunner(m, sessionID)
	m.runners[sessionID] = r
	return r
}

func (m *Manager) setStatus(sessionID string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[sessionID]; ok && sess.Status != StatusTerminated {
		sess.Status = status
		sess.LastActivity = time.Now().UTC()
	}
}

func (m *Manager) touch(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[sessionID]; ok {
		sess.LastActivity = time.Now().UTC()
	}
}

// beginInteraction appends an open interaction (response pending).
func (m *Manager) beginInteraction(sessionID, prompt string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[sessionID]; ok {
		sess.History = append(sess.History, Interaction{
			Timestamp: time.Now().UTC(),
			Prompt:    prompt,
		})
	}
}

// completeInteraction fills the session's open interaction, or appends a
// completed one when no open interaction exists. Token counters and cost
// are updated from the child's usage report.
func (m *Manager) completeInteraction(sessionID, prompt string, response *string, elapsed time.Duration, success bool, correlator string, usage proc.TokenUsage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return
	}

	var target *Interaction
	for i := len(sess.History) - 1; i >= 0; i-- {
		if sess.History[i].Response == nil && sess.History[i].Prompt == prompt {
			target = &sess.History[i]
			break
		}
	}
	if target == nil {
		sess.History = append(sess.History, Interaction{Timestamp: time.Now().UTC(), Prompt: prompt})
		target = &sess.History[len(sess.History)-1]
	}

	target.Response = response
	if response == nil && !success {
		empty := ""
		target.Response = &empty
	}
	target.ExecutionTimeMS = elapsed.Milliseconds()
	target.Success = success
	target.Correlator = correlator

	if correlator != "" {
		sess.Metadata.Correlator = correlator
	}
	sess.Metadata.Tokens.InputTokens += usage.InputTokens
	sess.Metadata.Tokens.OutputTokens += usage.OutputTokens
	sess.Metadata.Tokens.CostUSD += costUSD(sess.Metadata.Model, usage.InputTokens, usage.OutputTokens)
	sess.LastActivity = time.Now().UTC()
}

// launchParams returns the working directory and resumption correlator
// for (re)starting a session's child.
func (m *Manager) launchParams(sessionID string) (dir, resume string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return m.cfg.WorkspaceRoot, ""
	}
	return sess.WorkDir, sess.Metadata.Correlator
}

// publishOutput fans one frame out to the session's bus subject.
func (m *Manager) publishOutput(frame CommandOutput) {
	event := bus.NewEvent("agent.output", "session-manager", outputToMap(frame))
	if err := m.bus.Publish(context.Background(), outputSubject(frame.SessionID), event); err != nil {
		m.logger.WithSessionID(frame.SessionID).Warn("output publish failed", zap.Error(err))
	}
}

func outputToMap(frame CommandOutput) map[string]any {
	data := map[string]any{
		"sessionId": frame.SessionID,
		"type":      string(frame.Type),
		"content":   frame.Content,
		"timestamp": frame.Timestamp.Format(time.RFC3339Nano),
		"isFinal":   frame.IsFinal,
	}
	if frame.Tokens != nil {
		data["tokens"] = map[string]any{
			"inputTokens":  frame.Tokens.InputTokens,
			"outputTokens": frame.Tokens.OutputTokens,
			"costUsd":      frame.Tokens.CostUSD,
		}
	}
	return data
}

func outputFromEvent(event *bus.Event) (CommandOutput, error) {
	raw, err := json.Marshal(event.Data)
	if err != nil {
		return CommandOutput{}, fmt.Errorf("decode output event: %w", err)
	}
	var frame CommandOutput
	if err := json.Unmarshal(raw, &frame); err != nil {
		return CommandOutput{}, fmt.Errorf("decode output event: %w", err)
	}
	return frame, nil
}

func copyFlags(flags map[string]string) map[string]string {
	if len(flags) == 0 {
		return nil
	}
	out := make(map[string]string, len(flags))
	for k, v := range flags {
		out[k] = v
	}
	return out
}

// snapshot deep-copies a session for readers.
func snapshot(sess *Session) *Session {
	cp := *sess
	cp.History = append([]Interaction(nil), sess.History...)
	cp.Metadata.Flags = copyFlags(sess.Metadata.Flags)
	return &cp
}

// archivePath builds the blob path for one session.
func (m *Manager) archivePath(sessionID string) string {
	dir := m.cfg.ArchiveDir
	if dir == "" {
		dir = "archives/sessions"
	}
	return filepath.Join(dir, fmt.Sprintf("%s-%d.json", sessionID, time.Now().Unix()))
}

// ArchiveSession snapshots the session blob to the archive directory and
// removes it from the live registry.
func (m *Manager) ArchiveSession(sessionID string) (string, error) {
	sess, err := m.Get(sessionID)
	if err != nil {
		return "", err
	}

	path := m.archivePath(sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}
	blob, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal session: %w", err)
	}
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		return "", fmt.Errorf("write archive: %w", err)
	}

	m.KillSession(sessionID)
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	m.logger.WithSessionID(sessionID).Info("session archived", zap.String("path", path))
	return path, nil
}

// ShareSession issues a time-bounded opaque share code.
func (m *Manager) ShareSession(sessionID string, ttl time.Duration) (*ShareGrant, error) {
	if _, err := m.Get(sessionID); err != nil {
		return nil, err
	}
	m.pruneExpiredShares()
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	grant := &ShareGrant{
		Code:      uuid.New().String(),
		SessionID: sessionID,
		ExpiresAt: time.Now().UTC().Add(ttl),
	}
	m.mu.Lock()
	m.shares[grant.Code] = grant
	m.mu.Unlock()
	return grant, nil
}

// ResolveShare returns the session for a share code if still valid.
func (m *Manager) ResolveShare(code string) (*Session, error) {
	m.mu.RLock()
	grant, ok := m.shares[code]
	m.mu.RUnlock()
	if !ok || time.Now().After(grant.ExpiresAt) {
		return nil, apperr.BadInput("share code is invalid or expired")
	}
	return m.Get(grant.SessionID)
}

// BatchOperation applies one operation to each session id, continuing on
// individual failures. Results preserve input order.
func (m *Manager) BatchOperation(ids []string, op BatchOp, params map[string]string) []BatchItemResult {
	results := make([]BatchItemResult, 0, len(ids))
	for _, id := range ids {
		item := BatchItemResult{SessionID: id}
		switch op {
		case BatchArchive:
			path, err := m.ArchiveSession(id)
			if err != nil {
				item.Error = err.Error()
			} else {
				item.Success = true
				item.Detail = path
			}
		case BatchDelete:
			m.KillSession(id)
			m.mu.Lock()
			delete(m.sessions, id)
			m.mu.Unlock()
			item.Success = true
		case BatchExport:
			sess, err := m.Get(id)
			if err != nil {
				item.Error = err.Error()
				break
			}
			blob, err := json.Marshal(sess)
			if err != nil {
				item.Error = err.Error()
				break
			}
			item.Success = true
			item.Detail = string(blob)
		case BatchTag:
			err := m.tagSession(id, params)
			if err != nil {
				item.Error = err.Error()
			} else {
				item.Success = true
			}
		case BatchAnalyze:
			detail, err := m.analyzeSession(id)
			if err != nil {
				item.Error = err.Error()
			} else {
				item.Success = true
				item.Detail = detail
			}
		default:
			item.Error = fmt.Sprintf("unknown batch operation %q", op)
		}
		results = append(results, item)
	}
	return results
}

func (m *Manager) tagSession(sessionID string, params map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return apperr.SessionNotFound(sessionID)
	}
	if sess.Metadata.Flags == nil {
		sess.Metadata.Flags = make(map[string]string)
	}
	for k, v := range params {
		sess.Metadata.Flags[k] = v
	}
	return nil
}

// analyzeSession produces a terse usage summary for the ANALYZE batch op.
func (m *Manager) analyzeSession(sessionID string) (string, error) {
	sess, err := m.Get(sessionID)
	if err != nil {
		return "", err
	}
	var succeeded int
	var totalMS int64
	for _, i := range sess.History {
		if i.Success {
			succeeded++
		}
		totalMS += i.ExecutionTimeMS
	}
	summary := map[string]any{
		"interactions": len(sess.History),
		"succeeded":    succeeded,
		"totalTimeMs":  totalMS,
		"inputTokens":  sess.Metadata.Tokens.InputTokens,
		"outputTokens": sess.Metadata.Tokens.OutputTokens,
		"costUsd":      sess.Metadata.Tokens.CostUSD,
	}
	blob, err := json.Marshal(summary)
	if err != nil {
		return "", err
	}
	return string(blob), nil
}

// pruneExpiredShares drops stale share grants. Called opportunistically.
func (m *Manager) pruneExpiredShares() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for code, grant := range m.shares {
		if now.After(grant.ExpiresAt) {
			delete(m.shares, code)
		}
	}
}
