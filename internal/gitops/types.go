// Package gitops implements the git subgraph: safe command execution
// inside the workspace root, repository scanning, and hierarchical
// commit/push across a parent repository and its submodules.
package gitops

import "time"

// RepoType classifies a discovered repository.
type RepoType string

const (
	RepoRegular   RepoType = "REGULAR"
	RepoSubmodule RepoType = "SUBMODULE"
	RepoBare      RepoType = "BARE"
	RepoWorktree  RepoType = "WORKTREE"
)

// FileStatus is one entry of a repository's porcelain status.
type FileStatus struct {
	Path   string `json:"path"`
	Status string `json:"status"` // M, A, D, R, U, untracked
	Staged bool   `json:"staged"`
}

// Repository is the git subgraph's primary entity, keyed by absolute path.
type Repository struct {
	Path       string       `json:"path"`
	Name       string       `json:"name"`
	Branch     string       `json:"branch"`
	IsDirty    bool         `json:"isDirty"`
	Files      []FileStatus `json:"files"`
	Ahead      int          `json:"ahead"`
	Behind     int          `json:"behind"`
	HasRemote  bool         `json:"hasRemote"`
	Type       RepoType     `json:"type"`
	ParentPath string       `json:"parentPath,omitempty"` // set iff Type == SUBMODULE
}

// Commit is a parsed git commit.
type Commit struct {
	Hash        string    `json:"hash"`
	ShortHash   string    `json:"shortHash"`
	Author      string    `json:"author"`
	AuthorEmail string    `json:"authorEmail"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
}

// Submodule is one registered submodule of a repository.
type Submodule struct {
	Name         string `json:"name"`
	Path         string `json:"path"` // relative to the parent repository
	URL          string `json:"url"`
	Commit       string `json:"commit"`
	Initialized  bool   `json:"initialized"`
	Ahead        int    `json:"ahead"`
	Behind       int    `json:"behind"`
	HasConflicts bool   `json:"hasConflicts"`
	IsUpToDate   bool   `json:"isUpToDate"`
}

// RepoDetail is one repository with its scan-time deep state.
type RepoDetail struct {
	Repository Repository  `json:"repository"`
	Diff       string      `json:"diff"`
	Truncated  bool        `json:"diffTruncated"`
	History    []Commit    `json:"history"`
	Submodules []Submodule `json:"submodules"`
	Additions  int         `json:"additions"`
	Deletions  int         `json:"deletions"`
}

// WorkspaceStats aggregates a detailed scan.
type WorkspaceStats struct {
	TotalRepositories int            `json:"totalRepositories"`
	DirtyRepositories int            `json:"dirtyRepositories"`
	UncommittedFiles  int            `json:"uncommittedFiles"`
	TotalAdditions    int            `json:"totalAdditions"`
	TotalDeletions    int            `json:"totalDeletions"`
	ByType            map[string]int `json:"byType"`
}

// DetailedScan is the scanAllDetailed result.
type DetailedScan struct {
	Repositories []RepoDetail   `json:"repositories"`
	Stats        WorkspaceStats `json:"stats"`
	ScannedAt    time.Time      `json:"scannedAt"`
}

// CommandResult is the executeGitCommand result.
type CommandResult struct {
	Success  bool   `json:"success"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// RepoCommitResult is one repository's outcome within a hierarchical commit.
type RepoCommitResult struct {
	Repository string `json:"repository"` // path relative to the workspace root
	Success    bool   `json:"success"`
	CommitHash string `json:"commitHash,omitempty"`
	Pushed     bool   `json:"pushed"`
	Error      string `json:"error,omitempty"`
}

// HierarchicalResult aggregates a hierarchical commit (and optional push).
type HierarchicalResult struct {
	Success           bool               `json:"success"`
	ParentCommit      *RepoCommitResult  `json:"parentCommit,omitempty"`
	SubmoduleCommits  []RepoCommitResult `json:"submoduleCommits"`
	SuccessCount      int                `json:"successCount"`
	TotalRepositories int                `json:"totalRepositories"`
}
