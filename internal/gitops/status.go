package gitops

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const diffTruncationMarker = "\n... [diff truncated] ...\n"

// Status builds the Repository view for one path.
func (e *Executor) Status(ctx context.Context, repoPath string) (*Repository, error) {
	dir, err := e.Resolve(repoPath)
	if err != nil {
		return nil, err
	}

	repo := &Repository{
		Path: dir,
		Name: filepath.Base(dir),
		Type: e.classify(ctx, dir),
	}
	if repo.Type == RepoSubmodule {
		repo.ParentPath = filepath.Dir(dir)
	}

	if branch, err := e.run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
		repo.Branch = strings.TrimSpace(branch)
	}

	out, err := e.run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	repo.Files = parsePorcelain(out)
	repo.IsDirty = len(repo.Files) > 0

	if remotes, err := e.run(ctx, dir, "remote"); err == nil {
		repo.HasRemote = strings.TrimSpace(remotes) != ""
	}
	if repo.HasRemote {
		repo.Ahead, repo.Behind = e.aheadBehind(ctx, dir)
	}

	return repo, nil
}

// classify determines the repository type from its .git marker.
func (e *Executor) classify(ctx context.Context, dir string) RepoType {
	info, err := os.Stat(filepath.Join(dir, ".git"))
	if err != nil {
		if out, bareErr := e.run(ctx, dir, "rev-parse", "--is-bare-repository"); bareErr == nil && strings.TrimSpace(out) == "true" {
			return RepoBare
		}
		return RepoRegular
	}
	if info.IsDir() {
		return RepoRegular
	}
	// A .git file is a gitlink: submodule checkouts point into the parent's
	// modules dir, linked worktrees point into a worktrees dir.
	data, err := os.ReadFile(filepath.Join(dir, ".git"))
	if err == nil && strings.Contains(string(data), "/worktrees/") {
		return RepoWorktree
	}
	return RepoSubmodule
}

// parsePorcelain converts `git status --porcelain` output into file
// statuses. The index column sets the staged flag.
func parsePorcelain(out string) []FileStatus {
	var files []FileStatus
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) < 4 {
			continue
		}
		index, worktree := line[0], line[1]
		path := strings.TrimSpace(line[3:])
		// Renames are "R  old -> new"; keep the new path.
		if idx := strings.Index(path, " -> "); idx >= 0 {
			path = path[idx+4:]
		}

		fs := FileStatus{Path: path}
		switch {
		case index == '?' && worktree == '?':
			fs.Status = "untracked"
		case index == 'U' || worktree == 'U':
			fs.Status = "U"
		case index == 'R':
			fs.Status = "R"
			fs.Staged = true
		case index == 'A':
			fs.Status = "A"
			fs.Staged = true
		case index == 'D' || worktree == 'D':
			fs.Status = "D"
			fs.Staged = index == 'D'
		default:
			fs.Status = "M"
			fs.Staged = index != ' ' && index != '?'
		}
		files = append(files, fs)
	}
	return files
}

// aheadBehind reads the upstream divergence counts.
func (e *Executor) aheadBehind(ctx context.Context, dir string) (ahead, behind int) {
	out, err := e.run(ctx, dir, "rev-list", "--left-right", "--count", "HEAD...@{upstream}")
	if err != nil {
		return 0, 0
	}
	parts := strings.Fields(strings.TrimSpace(out))
	if len(parts) == 2 {
		ahead, _ = strconv.Atoi(parts[0])
		behind, _ = strconv.Atoi(parts[1])
	}
	return ahead, behind
}

// Diff returns the working-tree diff, truncated at the configured bound.
func (e *Executor) Diff(ctx context.Context, repoPath string) (diff string, truncated bool, err error) {
	dir, err := e.Resolve(repoPath)
	if err != nil {
		return "", false, err
	}
	out, err := e.run(ctx, dir, "diff", "HEAD")
	if err != nil {
		// A repository without commits has no HEAD; fall back to the
		// index-less diff.
		out, err = e.run(ctx, dir, "diff")
		if err != nil {
			return "", false, err
		}
	}
	if len(out) > e.maxDiffBytes {
		return out[:e.maxDiffBytes] + diffTruncationMarker, true, nil
	}
	return out, false, nil
}

// DiffStat returns total additions and deletions of the working tree.
func (e *Executor) DiffStat(ctx context.Context, repoPath string) (additions, deletions int, err error) {
	dir, err := e.Resolve(repoPath)
	if err != nil {
		return 0, 0, err
	}
	out, err := e.run(ctx, dir, "diff", "--numstat", "HEAD")
	if err != nil {
		out, err = e.run(ctx, dir, "diff", "--numstat")
		if err != nil {
			return 0, 0, err
		}
	}
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		if a, err := strconv.Atoi(fields[0]); err == nil {
			additions += a
		}
		if d, err := strconv.Atoi(fields[1]); err == nil {
			deletions += d
		}
	}
	return additions, deletions, nil
}

// logFormat uses unit separators so commit fields survive embedded spaces.
const logFormat = "%H%x1f%an%x1f%ae%x1f%at%x1f%s"

// History returns the most recent commits, newest first.
func (e *Executor) History(ctx context.Context, repoPath string, limit int) ([]Commit, error) {
	dir, err := e.Resolve(repoPath)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = e.historyDepth
	}
	out, err := e.run(ctx, dir, "log", fmt.Sprintf("-%d", limit), "--pretty=format:"+logFormat)
	if err != nil {
		// No commits yet.
		return nil, nil
	}

	var commits []Commit
	scanner := bufio.NewScanner(strings.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		parts := strings.Split(scanner.Text(), "\x1f")
		if len(parts) != 5 {
			continue
		}
		epoch, _ := strconv.ParseInt(parts[3], 10, 64)
		c := Commit{
			Hash:        parts[0],
			Author:      parts[1],
			AuthorEmail: parts[2],
			Timestamp:   time.Unix(epoch, 0).UTC(),
			Message:     parts[4],
		}
		if len(c.Hash) >= 7 {
			c.ShortHash = c.Hash[:7]
		}
		commits = append(commits, c)
	}
	return commits, nil
}

// Submodules lists the registered submodules of a repository.
func (e *Executor) Submodules(ctx context.Context, repoPath string) ([]Submodule, error) {
	dir, err := e.Resolve(repoPath)
	if err != nil {
		return nil, err
	}
	out, err := e.run(ctx, dir, "submodule", "status")
	if err != nil {
		return nil, nil
	}

	var subs []Submodule
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) < 2 {
			continue
		}
		// Format: "<flag><sha> <path> (<ref>)" where flag is '-' for
		// uninitialized, '+' for out-of-sync, 'U' for conflicts.
		flag := line[0]
		fields := strings.Fields(line[1:])
		if len(fields) < 2 {
			continue
		}
		sub := Submodule{
			Name:        fields[1],
			Path:        fields[1],
			Commit:      fields[0],
			Initialized: flag != '-',
		}
		sub.HasConflicts = flag == 'U'
		sub.IsUpToDate = flag == ' '

		if url, err := e.run(ctx, dir, "config", "--get", "submodule."+sub.Name+".url"); err == nil {
			sub.URL = strings.TrimSpace(url)
		}
		if sub.Initialized {
			subDir := filepath.Join(dir, sub.Path)
			sub.Ahead, sub.Behind = e.aheadBehind(ctx, subDir)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}
