package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devmesh/devmesh/internal/agent/proc"
)

// Child abstracts the spawned CLI process so tests can script one.
type Child interface {
	Frames() <-chan proc.Frame
	Send(v any) error
	Stop() error
	Done() <-chan struct{}
	Alive() bool
	ExitErr() error
}

// Launcher starts a child in the given directory. extraArgs carries the
// resumption flag when a session continues from a captured correlator.
type Launcher func(ctx context.Context, dir string, extraArgs []string) (Child, error)

// commandJob is one queued prompt.
type commandJob struct {
	prompt string
	done   chan struct{}
}

// runner owns one session's child process and executes its queue in FIFO
// order. At most one command is in flight per session. child is written
// by the queue goroutine and read by stop() from other goroutines, so
// every access goes through childMu.
type runner struct {
	m      *Manager
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	queue  chan *commandJob

	childMu sync.Mutex
	child   Child
}

const sessionQueueDepth = 32

func newRunner(m *Manager, id string) *runner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &runner{
		m:      m,
		id:     id,
		ctx:    ctx,
		cancel: cancel,
		queue:  make(chan *commandJob, sessionQueueDepth),
	}
	go r.loop()
	return r
}

// enqueue appends a command to the session's FIFO.
func (r *runner) enqueue(prompt string) (*commandJob, error) {
	job := &commandJob{prompt: prompt, done: make(chan struct{})}
	select {
	case r.queue <- job:
		return job, nil
	case <-r.ctx.Done():
		return nil, fmt.Errorf("session %s is shutting down", r.id)
	default:
		return nil, fmt.Errorf("session %s command queue is full", r.id)
	}
}

// adopt attaches an already-running child (a claimed pre-warmed process).
func (r *runner) adopt(child Child) {
	r.childMu.Lock()
	r.child = child
	r.childMu.Unlock()
}

func (r *runner) loop() {
	for {
		select {
		case <-r.ctx.Done():
			return
		case job := <-r.queue:
			r.runJob(job)
			close(job.done)
		}
	}
}

func (r *runner) runJob(job *commandJob) {
	if err := r.m.dispatcher.Acquire(r.ctx); err != nil {
		r.m.completeInteraction(r.id, job.prompt, nil, 0, false, "", proc.TokenUsage{})
		return
	}
	defer r.m.dispatcher.Release()

	started := time.Now()
	r.m.setStatus(r.id, StatusProcessing)
	r.m.beginInteraction(r.id, job.prompt)

	child, err := r.ensureChild()
	if err != nil {
		r.m.logger.WithSessionID(r.id).Error("child start failed", zap.Error(err))
		r.m.setStatus(r.id, StatusError)
		r.finalFrame(fmt.Sprintf("failed to start agent process: %v", err), nil)
		r.m.completeInteraction(r.id, job.prompt, nil, time.Since(started), false, "", proc.TokenUsage{})
		return
	}

	if err := child.Send(map[string]any{"type": "user", "message": job.prompt}); err != nil {
		r.m.setStatus(r.id, StatusError)
		r.finalFrame(fmt.Sprintf("failed to write to agent process: %v", err), nil)
		r.m.completeInteraction(r.id, job.prompt, nil, time.Since(started), false, "", proc.TokenUsage{})
		return
	}

	r.m.setStatus(r.id, StatusActive)
	response, correlator, usage, ok := r.consume(child)
	elapsed := time.Since(started)

	if ok {
		r.m.setStatus(r.id, StatusIdle)
		r.m.completeInteraction(r.id, job.prompt, &response, elapsed, true, correlator, usage)
	} else {
		r.m.setStatus(r.id, StatusError)
		r.m.completeInteraction(r.id, job.prompt, nil, elapsed, false, correlator, usage)
	}
}

// ensureChild starts the child lazily, passing the resumption flag when
// the session forked from a correlator.
func (r *runner) ensureChild() (Child, error) {
	r.childMu.Lock()
	current := r.child
	r.childMu.Unlock()
	if current != nil && current.Alive() {
		return current, nil
	}

	dir, resume := r.m.launchParams(r.id)
	var extra []string
	if resume != "" {
		extra = []string{"--resume", resume}
	}

	child, err := r.m.launcher(r.ctx, dir, extra)
	if err != nil {
		return nil, err
	}

	r.childMu.Lock()
	r.child = child
	r.childMu.Unlock()

	// A kill that raced the launch cancelled the context before the
	// child was registered; reap it here so no process outlives the
	// session.
	if r.ctx.Err() != nil {
		_ = child.Stop()
		return nil, r.ctx.Err()
	}
	return child, nil
}

// consume reads frames until the terminal result envelope, the child
// exits, or the session is cancelled. Returns the response text, the
// captured correlator, token usage, and whether the command succeeded.
func (r *runner) consume(child Child) (string, string, proc.TokenUsage, bool) {
	var response strings.Builder
	var correlator string
	var usage proc.TokenUsage

	for {
		select {
		case <-r.ctx.Done():
			return response.String(), correlator, usage, false

		case frame, open := <-child.Frames():
			if !open {
				// Child exited without a result envelope.
				err := child.ExitErr()
				content := "agent process exited unexpectedly"
				if err != nil {
					content = fmt.Sprintf("agent process exited: %v", err)
				}
				r.finalFrame(content, nil)
				return response.String(), correlator, usage, false
			}

			switch frame.Type {
			case "stderr":
				r.emit(OutputStderr, frame.Raw, false, nil)

			case "system":
				if id, ok := frame.Data["session_id"].(string); ok && id != "" {
					correlator = id
				}
				r.emit(OutputSystem, frame.Raw, false, nil)

			case "progress":
				r.emit(OutputProgress, frame.Raw, false, nil)

			case "result":
				env := proc.ParseEnvelope(frame.Data)
				if env.SessionID != "" {
					correlator = env.SessionID
				}
				usage = env.Usage
				unwrapped := proc.Unwrap(env.Result)
				response.WriteString(unwrapped.Text)

				tokens := &TokenUsage{
					InputTokens:  usage.InputTokens,
					OutputTokens: usage.OutputTokens,
				}
				r.finalFrame(unwrapped.Text, tokens)
				return response.String(), correlator, usage, !env.IsError

			default: // assistant output and unparsed text
				content := frame.Raw
				if msg, ok := frame.Data["message"].(string); ok {
					content = msg
				}
				response.WriteString(content)
				response.WriteString("\n")
				r.emit(OutputStdout, content, false, nil)
			}
		}
	}
}

func (r *runner) emit(t OutputType, content string, isFinal bool, tokens *TokenUsage) {
	r.m.publishOutput(CommandOutput{
		SessionID: r.id,
		Type:      t,
		Content:   content,
		Timestamp: time.Now().UTC(),
		IsFinal:   isFinal,
		Tokens:    tokens,
	})
}

func (r *runner) finalFrame(content string, tokens *TokenUsage) {
	r.emit(OutputFinal, content, true, tokens)
}

// stop cancels the runner and kills the child.
func (r *runner) stop() {
	r.cancel()
	r.childMu.Lock()
	child := r.child
	r.childMu.Unlock()
	if child != nil {
		if err := child.Stop(); err != nil {
			r.m.logger.WithSessionID(r.id).Warn("child stop failed", zap.Error(err))
		}
	}
}
