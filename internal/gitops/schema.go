package gitops

import (
	"context"
	"encoding/json"
	"time"

	"github.com/graphql-go/graphql"

	"github.com/devmesh/devmesh/internal/subgraph"
)

// SDL is the schema the git subgraph publishes through _service.
const SDL = `
type Repository @key(fields: "path") {
  path: String!
  name: String!
  branch: String!
  isDirty: Boolean!
  files: [FileStatus!]!
  ahead: Int!
  behind: Int!
  hasRemote: Boolean!
  type: String!
  parentPath: String
}

type FileStatus {
  path: String!
  status: String!
  staged: Boolean!
}

type Commit {
  hash: String!
  shortHash: String!
  author: String!
  authorEmail: String!
  message: String!
  timestamp: DateTime!
}

type Submodule {
  name: String!
  path: String!
  url: String!
  commit: String!
  initialized: Boolean!
  ahead: Int!
  behind: Int!
  hasConflicts: Boolean!
  isUpToDate: Boolean!
}

type RepoDetail {
  repository: Repository!
  diff: String!
  diffTruncated: Boolean!
  history: [Commit!]!
  submodules: [Submodule!]!
  additions: Int!
  deletions: Int!
}

type WorkspaceStats {
  totalRepositories: Int!
  dirtyRepositories: Int!
  uncommittedFiles: Int!
  totalAdditions: Int!
  totalDeletions: Int!
}

type DetailedScan {
  repositories: [RepoDetail!]!
  stats: WorkspaceStats!
  scannedAt: DateTime!
}

type GitCommandResult {
  success: Boolean!
  stdout: String!
  stderr: String!
  exitCode: Int!
}

type RepoCommitResult {
  repository: String!
  success: Boolean!
  commitHash: String
  pushed: Boolean!
  error: String
}

type HierarchicalResult {
  success: Boolean!
  parentCommit: RepoCommitResult
  submoduleCommits: [RepoCommitResult!]!
  successCount: Int!
  totalRepositories: Int!
}

type RepoAgentHealth @shareable {
  healthy: Boolean!
  service: String!
  timestamp: DateTime!
}

type Query {
  repoAgentHealth: RepoAgentHealth!
  repository(path: String!): Repository
  scanAllRepositories: [Repository!]!
  scanAllDetailed: DetailedScan!
}

type Mutation {
  executeGitCommand(repoPath: String!, subcommand: String!, args: [String!]): GitCommandResult!
  commitRepository(repoPath: String!, message: String!, author: String): RepoCommitResult!
  pushRepository(repoPath: String!, remote: String): RepoCommitResult!
  hierarchicalCommit(message: String!, author: String, path: String): HierarchicalResult!
  hierarchicalCommitAndPush(message: String!, author: String, path: String, remote: String): HierarchicalResult!
}
`

var fileStatusType = graphql.NewObject(graphql.ObjectConfig{
	Name: "FileStatus",
	Fields: graphql.Fields{
		"path":   &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"status": &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"staged": &graphql.Field{Type: graphql.NewNonNull(graphql.Boolean)},
	},
})

var repositoryType = graphql.NewObject(graphql.ObjectConfig{
	Name: "Repository",
	Fields: graphql.Fields{
		"path":       &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"name":       &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"branch":     &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"isDirty":    &graphql.Field{Type: graphql.NewNonNull(graphql.Boolean)},
		"files":      &graphql.Field{Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(fileStatusType)))},
		"ahead":      &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"behind":     &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"hasRemote":  &graphql.Field{Type: graphql.NewNonNull(graphql.Boolean)},
		"type":       &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"parentPath": &graphql.Field{Type: graphql.String},
	},
})

var commitType = graphql.NewObject(graphql.ObjectConfig{
	Name: "Commit",
	Fields: graphql.Fields{
		"hash":        &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"shortHash":   &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"author":      &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"authorEmail": &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"message":     &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"timestamp":   &graphql.Field{Type: graphql.NewNonNull(graphql.DateTime)},
	},
})

var submoduleType = graphql.NewObject(graphql.ObjectConfig{
	Name: "Submodule",
	Fields: graphql.Fields{
		"name":         &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"path":         &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"url":          &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"commit":       &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"initialized":  &graphql.Field{Type: graphql.NewNonNull(graphql.Boolean)},
		"ahead":        &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"behind":       &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"hasConflicts": &graphql.Field{Type: graphql.NewNonNull(graphql.Boolean)},
		"isUpToDate":   &graphql.Field{Type: graphql.NewNonNull(graphql.Boolean)},
	},
})

var repoDetailType = graphql.NewObject(graphql.ObjectConfig{
	Name: "RepoDetail",
	Fields: graphql.Fields{
		"repository":    &graphql.Field{Type: graphql.NewNonNull(repositoryType)},
		"diff":          &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"diffTruncated": &graphql.Field{Type: graphql.NewNonNull(graphql.Boolean)},
		"history":       &graphql.Field{Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(commitType)))},
		"submodules":    &graphql.Field{Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(submoduleType)))},
		"additions":     &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"deletions":     &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
	},
})

var workspaceStatsType = graphql.NewObject(graphql.ObjectConfig{
	Name: "WorkspaceStats",
	Fields: graphql.Fields{
		"totalRepositories": &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"dirtyRepositories": &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"uncommittedFiles":  &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"totalAdditions":    &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"totalDeletions":    &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
	},
})

var detailedScanType = graphql.NewObject(graphql.ObjectConfig{
	Name: "DetailedScan",
	Fields: graphql.Fields{
		"repositories": &graphql.Field{Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(repoDetailType)))},
		"stats":        &graphql.Field{Type: graphql.NewNonNull(workspaceStatsType)},
		"scannedAt":    &graphql.Field{Type: graphql.NewNonNull(graphql.DateTime)},
	},
})

var gitCommandResultType = graphql.NewObject(graphql.ObjectConfig{
	Name: "GitCommandResult",
	Fields: graphql.Fields{
		"success":  &graphql.Field{Type: graphql.NewNonNull(graphql.Boolean)},
		"stdout":   &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"stderr":   &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"exitCode": &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
	},
})

var repoCommitResultType = graphql.NewObject(graphql.ObjectConfig{
	Name: "RepoCommitResult",
	Fields: graphql.Fields{
		"repository": &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"success":    &graphql.Field{Type: graphql.NewNonNull(graphql.Boolean)},
		"commitHash": &graphql.Field{Type: graphql.String},
		"pushed":     &graphql.Field{Type: graphql.NewNonNull(graphql.Boolean)},
		"error":      &graphql.Field{Type: graphql.String},
	},
})

var hierarchicalResultType = graphql.NewObject(graphql.ObjectConfig{
	Name: "HierarchicalResult",
	Fields: graphql.Fields{
		"success":           &graphql.Field{Type: graphql.NewNonNull(graphql.Boolean)},
		"parentCommit":      &graphql.Field{Type: repoCommitResultType},
		"submoduleCommits":  &graphql.Field{Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(repoCommitResultType)))},
		"successCount":      &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"totalRepositories": &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
	},
})

var repoAgentHealthType = graphql.NewObject(graphql.ObjectConfig{
	Name: "RepoAgentHealth",
	Fields: graphql.Fields{
		"healthy":   &graphql.Field{Type: graphql.NewNonNull(graphql.Boolean)},
		"service":   &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"timestamp": &graphql.Field{Type: graphql.NewNonNull(graphql.DateTime)},
	},
})

func stringArg(p graphql.ResolveParams, name string) string {
	v, _ := p.Args[name].(string)
	return v
}

func stringListArg(p graphql.ResolveParams, name string) []string {
	raw, _ := p.Args[name].([]any)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// SubgraphConfig builds the git subgraph schema over an executor.
func SubgraphConfig(exec *Executor, maxScanDepth int) subgraph.Config {
	return subgraph.Config{
		Name: "git",
		SDL:  SDL,
		Query: graphql.Fields{
			"repoAgentHealth": &graphql.Field{
				Type: graphql.NewNonNull(repoAgentHealthType),
				Resolve: func(p graphql.ResolveParams) (any, error) {
					return map[string]any{
						"healthy":   true,
						"service":   "git",
						"timestamp": time.Now().UTC(),
					}, nil
				},
			},
			"repository": &graphql.Field{
				Type: repositoryType,
				Args: graphql.FieldConfigArgument{
					"path": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				},
				Resolve: func(p graphql.ResolveParams) (any, error) {
					return exec.Status(p.Context, stringArg(p, "path"))
				},
			},
			"scanAllRepositories": &graphql.Field{
				Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(repositoryType))),
				Resolve: func(p graphql.ResolveParams) (any, error) {
					return exec.Scan(p.Context, maxScanDepth)
				},
			},
			"scanAllDetailed": &graphql.Field{
				Type: graphql.NewNonNull(detailedScanType),
				Resolve: func(p graphql.ResolveParams) (any, error) {
					return exec.ScanDetailed(p.Context, maxScanDepth)
				},
			},
		},
		Mutation: graphql.Fields{
			"executeGitCommand": &graphql.Field{
				Type: graphql.NewNonNull(gitCommandResultType),
				Args: graphql.FieldConfigArgument{
					"repoPath":   &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
					"subcommand": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
					"args":       &graphql.ArgumentConfig{Type: graphql.NewList(graphql.NewNonNull(graphql.String))},
				},
				Resolve: func(p graphql.ResolveParams) (any, error) {
					return exec.Execute(p.Context, stringArg(p, "repoPath"), stringArg(p, "subcommand"), stringListArg(p, "args"))
				},
			},
			"commitRepository": &graphql.Field{
				Type: graphql.NewNonNull(repoCommitResultType),
				Args: graphql.FieldConfigArgument{
					"repoPath": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
					"message":  &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
					"author":   &graphql.ArgumentConfig{Type: graphql.String},
				},
				Resolve: func(p graphql.ResolveParams) (any, error) {
					return resolveCommitRepository(p.Context, exec, p)
				},
			},
			"pushRepository": &graphql.Field{
				Type: graphql.NewNonNull(repoCommitResultType),
				Args: graphql.FieldConfigArgument{
					"repoPath": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
					"remote":   &graphql.ArgumentConfig{Type: graphql.String},
				},
				Resolve: func(p graphql.ResolveParams) (any, error) {
					return resolvePushRepository(p.Context, exec, p)
				},
			},
			"hierarchicalCommit": &graphql.Field{
				Type: graphql.NewNonNull(hierarchicalResultType),
				Args: graphql.FieldConfigArgument{
					"message": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
					"author":  &graphql.ArgumentConfig{Type: graphql.String},
					"path":    &graphql.ArgumentConfig{Type: graphql.String},
				},
				Resolve: func(p graphql.ResolveParams) (any, error) {
					return exec.HierarchicalCommit(p.Context, CommitOptions{
						Message:    stringArg(p, "message"),
						Author:     stringArg(p, "author"),
						TargetPath: stringArg(p, "path"),
					})
				},
			},
			"hierarchicalCommitAndPush": &graphql.Field{
				Type: graphql.NewNonNull(hierarchicalResultType),
				Args: graphql.FieldConfigArgument{
					"message": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
					"author":  &graphql.ArgumentConfig{Type: graphql.String},
					"path":    &graphql.ArgumentConfig{Type: graphql.String},
					"remote":  &graphql.ArgumentConfig{Type: graphql.String},
				},
				Resolve: func(p graphql.ResolveParams) (any, error) {
					return exec.HierarchicalCommit(p.Context, CommitOptions{
						Message:    stringArg(p, "message"),
						Author:     stringArg(p, "author"),
						TargetPath: stringArg(p, "path"),
						Push:       true,
						Remote:     stringArg(p, "remote"),
					})
				},
			},
		},
		Entities: map[string]*subgraph.Entity{
			"Repository": {
				Type: repositoryType,
				Resolve: func(ctx context.Context, rep map[string]any) (map[string]any, error) {
					path, _ := rep["path"].(string)
					repo, err := exec.Status(ctx, path)
					if err != nil {
						return nil, err
					}
					return toMap(repo)
				},
			},
		},
	}
}

func resolveCommitRepository(ctx context.Context, exec *Executor, p graphql.ResolveParams) (any, error) {
	repoPath := stringArg(p, "repoPath")
	hash, err := exec.CommitRepo(ctx, repoPath, CommitOptions{
		Message: stringArg(p, "message"),
		Author:  stringArg(p, "author"),
		AddAll:  true,
	})
	result := &RepoCommitResult{Repository: repoPath}
	if err != nil {
		result.Error = err.Error()
		return result, nil
	}
	result.Success = true
	result.CommitHash = hash
	return result, nil
}

func resolvePushRepository(ctx context.Context, exec *Executor, p graphql.ResolveParams) (any, error) {
	repoPath := stringArg(p, "repoPath")
	err := exec.PushRepo(ctx, repoPath, stringArg(p, "remote"))
	result := &RepoCommitResult{Repository: repoPath, Success: err == nil, Pushed: err == nil}
	if err != nil {
		result.Error = err.Error()
	}
	return result, nil
}

// toMap converts a typed value into the map shape entity resolution needs.
func toMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
