// Package proc runs the interactive agent CLI as a child process speaking
// line-delimited JSON on its standard streams.
package proc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/devmesh/devmesh/internal/common/logger"
)

// Frame is one message read from the child.
type Frame struct {
	// Type is the child's message type ("system", "assistant", "result",
	// ...), or "stderr" for raw stderr lines and "text" for stdout lines
	// that are not valid JSON.
	Type string
	Data map[string]any
	Raw  string
}

// Options configures a child process.
type Options struct {
	Path      string
	Args      []string
	Dir       string
	Env       []string
	KillGrace time.Duration
}

// Process is one running child. Frames are emitted on a single channel
// in read order; the channel closes when both streams are drained and
// the process has exited.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	frames chan Frame
	logger *logger.Logger

	killGrace time.Duration

	wg      sync.WaitGroup
	done    chan struct{}
	mu      sync.Mutex
	exitErr error
	stopped bool
	writeMu sync.Mutex
}

// Start spawns the child and begins reading its streams.
func Start(ctx context.Context, opts Options, log *logger.Logger) (*Process, error) {
	if opts.KillGrace <= 0 {
		opts.KillGrace = 5 * time.Second
	}

	cmd := exec.CommandContext(ctx, opts.Path, opts.Args...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = opts.Env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", opts.Path, err)
	}

	p := &Process{
		cmd:       cmd,
		stdin:     stdin,
		frames:    make(chan Frame, 64),
		killGrace: opts.KillGrace,
		done:      make(chan struct{}),
		logger: log.WithFields(
			zap.String("component", "agent_process"),
			zap.Int("pid", cmd.Process.Pid),
		),
	}

	p.wg.Add(2)
	go p.readLoop(stdout, false)
	go p.readLoop(stderr, true)

	go func() {
		p.wg.Wait()
		err := cmd.Wait()
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(p.frames)
		close(p.done)
		p.logger.Debug("child exited", zap.Error(err))
	}()

	p.logger.Info("child started", zap.String("path", opts.Path), zap.String("dir", opts.Dir))
	return p, nil
}

// readLoop emits one frame per line. Stdout lines are parsed as JSON
// messages; anything unparseable passes through as plain text.
func (p *Process) readLoop(r io.Reader, isStderr bool) {
	defer p.wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if isStderr {
			p.frames <- Frame{Type: "stderr", Raw: line}
			continue
		}

		var data map[string]any
		if err := json.Unmarshal([]byte(line), &data); err != nil {
			p.frames <- Frame{Type: "text", Raw: line}
			continue
		}
		msgType, _ := data["type"].(string)
		if msgType == "" {
			msgType = "text"
		}
		p.frames <- Frame{Type: msgType, Data: data, Raw: line}
	}
}

// Frames returns the child's message stream.
func (p *Process) Frames() <-chan Frame {
	return p.frames
}

// Done closes once the child has exited and its streams are drained.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitErr returns the child's exit error, nil for a clean exit. Only
// meaningful after Done.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Alive reports whether the child is still running.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Pid returns the child's process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Send writes one JSON line to the child's stdin.
func (p *Process) Send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.stdin.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write to child: %w", err)
	}
	return nil
}

// Stop terminates the child: SIGTERM to the process group, then SIGKILL
// after the grace window. Idempotent.
func (p *Process) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		<-p.done
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	_ = p.stdin.Close()

	pid := p.cmd.Process.Pid
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(p.killGrace):
		p.logger.Warn("child did not exit within grace window, sending SIGKILL")
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(p.killGrace):
		return fmt.Errorf("child %d did not exit after SIGKILL", pid)
	}
}
