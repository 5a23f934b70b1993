package gitops

import (
	"context"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// CommitOptions carries the shared commit parameters.
type CommitOptions struct {
	Message    string
	Author     string // "Name <email>" form, optional
	AddAll     bool   // stage everything before committing (default true)
	Push       bool   // push each committed repository afterwards
	Remote     string // defaults to origin
	TargetPath string // parent repository; defaults to the workspace root
}

func (o *CommitOptions) remote() string {
	if o.Remote == "" {
		return "origin"
	}
	return o.Remote
}

// CommitRepo stages and commits one repository. Returns the new commit
// hash, or ("", nil) when there was nothing to commit.
func (e *Executor) CommitRepo(ctx context.Context, repoPath string, opts CommitOptions) (string, error) {
	dir, err := e.Resolve(repoPath)
	if err != nil {
		return "", err
	}

	lock := e.repoLock(dir)
	lock.Lock()
	defer lock.Unlock()

	return e.commitLocked(ctx, dir, opts)
}

func (e *Executor) commitLocked(ctx context.Context, dir string, opts CommitOptions) (string, error) {
	status, err := e.run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(status) == "" {
		return "", nil
	}

	if opts.AddAll {
		if _, err := e.run(ctx, dir, "add", "-A"); err != nil {
			return "", err
		}
	}

	args := []string{"commit", "-m", opts.Message}
	if opts.Author != "" {
		args = append(args, "--author", opts.Author)
	}
	if _, err := e.run(ctx, dir, args...); err != nil {
		return "", err
	}

	hash, err := e.run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(hash), nil
}

// PushRepo pushes the current branch of one repository.
func (e *Executor) PushRepo(ctx context.Context, repoPath, remote string) error {
	dir, err := e.Resolve(repoPath)
	if err != nil {
		return err
	}
	if remote == "" {
		remote = "origin"
	}

	lock := e.repoLock(dir)
	lock.Lock()
	defer lock.Unlock()

	_, err = e.run(ctx, dir, "push", remote, "HEAD")
	return err
}

// HierarchicalCommit commits dirty submodules first (discovery order),
// stages the pointer updates in the parent, then commits the parent. If
// any submodule commit fails, later submodules and the parent are
// skipped; the parent is never committed after a submodule failure.
// With opts.Push set, every committed repository is pushed in the same
// order afterwards; push failures are reported per repo without undoing
// commits.
func (e *Executor) HierarchicalCommit(ctx context.Context, opts CommitOptions) (*HierarchicalResult, error) {
	parentDir, err := e.Resolve(opts.TargetPath)
	if err != nil {
		return nil, err
	}
	opts.AddAll = true

	result := &HierarchicalResult{SubmoduleCommits: []RepoCommitResult{}}

	subs, err := e.Submodules(ctx, parentDir)
	if err != nil {
		return nil, err
	}

	// Committed repos in order, for the push pass.
	var committed []string
	submoduleFailed := false

	for _, sub := range subs {
		if !sub.Initialized {
			continue
		}
		subDir := filepath.Join(parentDir, sub.Path)

		subStatus, statusErr := e.Status(ctx, subDir)
		if statusErr != nil || !subStatus.IsDirty {
			continue
		}

		if submoduleFailed {
			result.SubmoduleCommits = append(result.SubmoduleCommits, RepoCommitResult{
				Repository: e.RelPath(subDir),
				Success:    false,
				Error:      "skipped after earlier submodule failure",
			})
			result.TotalRepositories++
			continue
		}

		hash, commitErr := e.CommitRepo(ctx, subDir, opts)
		entry := RepoCommitResult{Repository: e.RelPath(subDir)}
		result.TotalRepositories++
		if commitErr != nil {
			entry.Error = commitErr.Error()
			submoduleFailed = true
			e.logger.Warn("submodule commit failed",
				zap.String("submodule", entry.Repository),
				zap.Error(commitErr))
		} else {
			entry.Success = true
			entry.CommitHash = hash
			result.SuccessCount++
			committed = append(committed, subDir)
		}
		result.SubmoduleCommits = append(result.SubmoduleCommits, entry)
	}

	if !submoduleFailed {
		parentStatus, statusErr := e.Status(ctx, parentDir)
		if statusErr != nil {
			return nil, statusErr
		}
		if parentStatus.IsDirty {
			result.TotalRepositories++
			hash, commitErr := e.CommitRepo(ctx, parentDir, opts)
			entry := &RepoCommitResult{Repository: e.RelPath(parentDir)}
			if commitErr != nil {
				entry.Error = commitErr.Error()
			} else {
				entry.Success = true
				entry.CommitHash = hash
				result.SuccessCount++
				committed = append(committed, parentDir)
			}
			result.ParentCommit = entry
		}
	}

	result.Success = result.SuccessCount == result.TotalRepositories

	if opts.Push && result.Success {
		e.pushCommitted(ctx, committed, opts.remote(), result)
	}

	e.logger.Info("hierarchical commit finished",
		zap.Bool("success", result.Success),
		zap.Int("committed", result.SuccessCount),
		zap.Int("total", result.TotalRepositories))
	return result, nil
}

// pushCommitted pushes each committed repository in commit order and
// annotates the per-repo results.
func (e *Executor) pushCommitted(ctx context.Context, dirs []string, remote string, result *HierarchicalResult) {
	mark := func(repoRel string, pushed bool, pushErr error) {
		for i := range result.SubmoduleCommits {
			if result.SubmoduleCommits[i].Repository == repoRel {
				result.SubmoduleCommits[i].Pushed = pushed
				if pushErr != nil {
					result.SubmoduleCommits[i].Error = pushErr.Error()
				}
				return
			}
		}
		if result.ParentCommit != nil && result.ParentCommit.Repository == repoRel {
			result.ParentCommit.Pushed = pushed
			if pushErr != nil {
				result.ParentCommit.Error = pushErr.Error()
			}
		}
	}

	for _, dir := range dirs {
		err := e.PushRepo(ctx, dir, remote)
		mark(e.RelPath(dir), err == nil, err)
		if err != nil {
			e.logger.Warn("push failed",
				zap.String("repo", e.RelPath(dir)),
				zap.Error(err))
		}
	}
}
