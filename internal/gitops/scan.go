package gitops

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Scan walks the workspace and returns every repository found. Nested
// repositories (including submodule checkouts) are reported individually;
// the walk does not descend past maxScanDepth directory levels.
func (e *Executor) Scan(ctx context.Context, maxDepth int) ([]Repository, error) {
	if maxDepth <= 0 {
		maxDepth = 5
	}

	var paths []string
	err := filepath.WalkDir(e.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !d.IsDir() {
			return nil
		}
		if d.Name() == ".git" || d.Name() == "node_modules" {
			return filepath.SkipDir
		}
		rel, relErr := filepath.Rel(e.root, path)
		if relErr == nil && rel != "." && depthOf(rel) > maxDepth {
			return filepath.SkipDir
		}
		if hasGitMarker(path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	repos := make([]Repository, 0, len(paths))
	for _, p := range paths {
		repo, statusErr := e.Status(ctx, p)
		if statusErr != nil {
			e.logger.Warn("repository status failed during scan",
				zap.String("path", e.RelPath(p)),
				zap.Error(statusErr))
			continue
		}
		repos = append(repos, *repo)
	}

	e.logger.Info("workspace scanned", zap.Int("repositories", len(repos)))
	return repos, nil
}

// ScanDetailed runs a full scan and collects per-repo diffs, history,
// submodules, and aggregate statistics.
func (e *Executor) ScanDetailed(ctx context.Context, maxDepth int) (*DetailedScan, error) {
	repos, err := e.Scan(ctx, maxDepth)
	if err != nil {
		return nil, err
	}

	scan := &DetailedScan{
		Repositories: make([]RepoDetail, 0, len(repos)),
		Stats: WorkspaceStats{
			ByType: make(map[string]int),
		},
		ScannedAt: time.Now().UTC(),
	}

	for _, repo := range repos {
		detail := RepoDetail{Repository: repo}

		if repo.IsDirty {
			diff, truncated, diffErr := e.Diff(ctx, repo.Path)
			if diffErr == nil {
				detail.Diff = diff
				detail.Truncated = truncated
			}
			adds, dels, statErr := e.DiffStat(ctx, repo.Path)
			if statErr == nil {
				detail.Additions = adds
				detail.Deletions = dels
			}
		}
		if history, histErr := e.History(ctx, repo.Path, e.historyDepth); histErr == nil {
			detail.History = history
		}
		if subs, subErr := e.Submodules(ctx, repo.Path); subErr == nil {
			detail.Submodules = subs
		}

		scan.Repositories = append(scan.Repositories, detail)

		scan.Stats.TotalRepositories++
		scan.Stats.ByType[string(repo.Type)]++
		if repo.IsDirty {
			scan.Stats.DirtyRepositories++
			scan.Stats.UncommittedFiles += len(repo.Files)
		}
		scan.Stats.TotalAdditions += detail.Additions
		scan.Stats.TotalDeletions += detail.Deletions
	}

	return scan, nil
}

// hasGitMarker reports whether dir holds a .git directory or gitlink file.
func hasGitMarker(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil
}

func depthOf(rel string) int {
	return strings.Count(rel, string(filepath.Separator)) + 1
}
