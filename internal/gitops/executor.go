package gitops

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/devmesh/devmesh/internal/common/apperr"
	"github.com/devmesh/devmesh/internal/common/logger"
)

// allowedSubcommands is the executeGitCommand allowlist. Commit, push,
// and add are reachable only through the typed mutations.
var allowedSubcommands = map[string]bool{
	"status":    true,
	"diff":      true,
	"log":       true,
	"branch":    true,
	"remote":    true,
	"tag":       true,
	"rev-parse": true,
	"ls-files":  true,
	"submodule": true,
	"config":    true,
	"show":      true,
}

// Executor invokes the git binary inside the workspace root. Mutating
// commands are serialized per repository path; reads run concurrently.
type Executor struct {
	root         string
	maxDiffBytes int
	historyDepth int
	logger       *logger.Logger

	repoLocks  map[string]*sync.Mutex
	repoLockMu sync.Mutex
}

// NewExecutor creates an executor rooted at the given workspace path.
func NewExecutor(root string, maxDiffBytes, historyDepth int, log *logger.Logger) (*Executor, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	if maxDiffBytes <= 0 {
		maxDiffBytes = 1 << 20
	}
	if historyDepth <= 0 {
		historyDepth = 10
	}
	return &Executor{
		root:         filepath.Clean(abs),
		maxDiffBytes: maxDiffBytes,
		historyDepth: historyDepth,
		logger:       log.WithFields(zap.String("component", "git_executor")),
		repoLocks:    make(map[string]*sync.Mutex),
	}, nil
}

// Root returns the canonical workspace root.
func (e *Executor) Root() string {
	return e.root
}

// repoLock returns the write lock for a repository path.
func (e *Executor) repoLock(repoPath string) *sync.Mutex {
	e.repoLockMu.Lock()
	defer e.repoLockMu.Unlock()
	if lock, exists := e.repoLocks[repoPath]; exists {
		return lock
	}
	lock := &sync.Mutex{}
	e.repoLocks[repoPath] = lock
	return lock
}

// Resolve canonicalizes a repository path (absolute, or relative to the
// workspace root) and rejects anything escaping the root. Symlinks are
// resolved first, so a link inside the workspace cannot point commands
// at a directory outside it.
func (e *Executor) Resolve(repoPath string) (string, error) {
	p := repoPath
	if p == "" || p == "." {
		p = e.root
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(e.root, p)
	}
	p = filepath.Clean(p)

	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		p = resolved
	} else if resolvedDir, dirErr := filepath.EvalSymlinks(filepath.Dir(p)); dirErr == nil {
		// The leaf does not exist yet; canonicalize its parent.
		p = filepath.Join(resolvedDir, filepath.Base(p))
	}

	rel, err := filepath.Rel(e.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", apperr.PathOutsideWorkspace(repoPath)
	}
	return p, nil
}

// RelPath returns the workspace-relative form of an absolute repo path.
func (e *Executor) RelPath(abs string) string {
	rel, err := filepath.Rel(e.root, abs)
	if err != nil || rel == "." {
		return filepath.Base(abs)
	}
	return rel
}

// run invokes git in the given directory and returns stdout. A non-zero
// exit returns an error wrapping the stderr tail.
func (e *Executor) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", args[0], detail)
	}
	return stdout.String(), nil
}

// Execute runs an allowlisted git subcommand in a repository.
func (e *Executor) Execute(ctx context.Context, repoPath, subcommand string, args []string) (*CommandResult, error) {
	if !allowedSubcommands[subcommand] {
		return nil, apperr.CommandNotAllowed(subcommand)
	}
	dir, err := e.Resolve(repoPath)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, "git", append([]string{subcommand}, args...)...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	result := &CommandResult{
		Success:  runErr == nil,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: cmd.ProcessState.ExitCode(),
	}
	if runErr != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	e.logger.Debug("git command executed",
		zap.String("repo", e.RelPath(dir)),
		zap.String("subcommand", subcommand),
		zap.Int("exit_code", result.ExitCode))
	return result, nil
}

// IsRepository reports whether dir carries a git metadata marker. A
// regular repository has a .git directory; a submodule checkout has a
// .git gitlink file.
func (e *Executor) IsRepository(ctx context.Context, dir string) bool {
	out, err := e.run(ctx, dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}
