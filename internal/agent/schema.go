package agent

import (
	"encoding/json"
	"sort"

	"github.com/graphql-go/graphql"

	"github.com/devmesh/devmesh/internal/agent/proc"
	"github.com/devmesh/devmesh/internal/agent/runstore"
	"github.com/devmesh/devmesh/internal/agent/session"
)

// SDL is the schema the agent subgraph publishes through _service.
const SDL = `
type AgentSession @key(fields: "id") {
  id: String!
  name: String
  status: String!
  createdAt: DateTime!
  lastActivity: DateTime!
  workDir: String!
  history: [Interaction!]!
  metadata: SessionMetadata!
  parentId: String
  forkIndex: Int!
}

type Interaction {
  timestamp: DateTime!
  prompt: String!
  response: String
  executionTimeMs: Int!
  success: Boolean!
  correlator: String
}

type SessionTokens {
  inputTokens: Int!
  outputTokens: Int!
  costUsd: Float!
}

type SessionFlag {
  key: String!
  value: String!
}

type SessionMetadata {
  model: String!
  tokens: SessionTokens!
  flags: [SessionFlag!]!
  projectContext: String
  correlator: String
}

type ExecuteResult {
  sessionId: String!
  success: Boolean!
  startedAt: DateTime!
  estimatedDurationMs: Int!
  flags: [SessionFlag!]!
  error: String
}

type TemplateVariable {
  name: String!
  required: Boolean!
  default: String
  description: String
}

type SessionTemplate {
  id: String!
  name: String!
  tags: [String!]!
  variables: [TemplateVariable!]!
  initialContext: String
  model: String!
  flags: [SessionFlag!]!
  workDir: String!
  usageCount: Int!
  lastUsedAt: DateTime
  createdAt: DateTime!
}

type ShareGrant {
  code: String!
  sessionId: String!
  expiresAt: DateTime!
}

type SessionBatchResult {
  sessionId: String!
  success: Boolean!
  error: String
  detail: String
}

type ClaimResult {
  success: Boolean!
  sessionId: String
  status: String!
}

type PreWarmSlotAge {
  id: String!
  state: String!
  ageSeconds: Float!
}

type PreWarmMetrics {
  total: Int!
  ready: Int!
  warming: Int!
  claimed: Int!
  failed: Int!
  slotAges: [PreWarmSlotAge!]!
}

type AgentRun {
  id: String!
  repository: String!
  status: String!
  startedAt: DateTime!
  completedAt: DateTime
  durationMs: Int!
  input: String
  output: String
  error: String
  retryCount: Int!
  parentRunId: String
}

type StatusCount {
  status: String!
  count: Int!
}

type RepositoryRunStats {
  repository: String!
  total: Int!
  successes: Int!
  failures: Int!
}

type RunStatistics {
  total: Int!
  byStatus: [StatusCount!]!
  byRepository: [RepositoryRunStats!]!
  avgDurationMs: Float!
  successRate: Float!
}

type AgentHealth {
  healthy: Boolean!
  service: String!
  activeSessions: Int!
  timestamp: DateTime!
}

type CommandOutput {
  sessionId: String!
  type: String!
  content: String!
  timestamp: DateTime!
  isFinal: Boolean!
  tokens: SessionTokens
}

type PreWarmTransition {
  slotId: String!
  state: String!
  createdAt: String!
  error: String
}

type BatchProgress {
  batchId: String!
  done: Int!
  total: Int!
  repository: String!
  success: Boolean!
  cached: Boolean!
  error: String
}

input CommitItemInput {
  repository: String!
  diff: String!
  recentCommits: [String!]
  context: String
}

input SessionFlagInput {
  key: String!
  value: String!
}

type CommitMessageResult {
  repository: String!
  success: Boolean!
  message: String
  error: String
  confidence: Float!
  commitType: String
  cached: Boolean!
}

type BatchTokenUsage {
  inputTokens: Int!
  outputTokens: Int!
}

type BatchSummary {
  themes: [String!]!
  risk: String!
  suggestedActions: [String!]!
  narrative: String!
}

type CommitBatchResult {
  batchId: String!
  items: [CommitMessageResult!]!
  total: Int!
  successCount: Int!
  executionTimeMs: Int!
  tokenUsage: BatchTokenUsage!
  summary: BatchSummary
}

type Query {
  claudeHealth: AgentHealth!
  agentSession(id: String!): AgentSession
  listSessions: [AgentSession!]!
  listSessionTemplates: [SessionTemplate!]!
  resolveSharedSession(code: String!): AgentSession!
  preWarmMetrics: PreWarmMetrics!
  runStatistics: RunStatistics!
  agentRun(id: String!): AgentRun!
  agentRuns(repository: String, status: String, limit: Int): [AgentRun!]!
  agentRunChain(id: String!): [AgentRun!]!
}

type Mutation {
  executeCommand(prompt: String!, sessionId: String, workDir: String, model: String, projectContext: String): ExecuteResult!
  continueSession(sessionId: String!, prompt: String!, additionalContext: String): ExecuteResult!
  killSession(sessionId: String!): Boolean!
  forkSession(sessionId: String!, messageIndex: Int, name: String, includeHistory: Boolean): AgentSession!
  createSessionTemplate(sessionId: String!, name: String!, tags: [String!], initialContext: String, includeHistory: Boolean): SessionTemplate!
  createSessionFromTemplate(templateId: String!, name: String): AgentSession!
  archiveSession(sessionId: String!): String!
  shareSession(sessionId: String!, ttlSeconds: Int): ShareGrant!
  handoffSession(sessionId: String!): String!
  batchSessionOperation(sessionIds: [String!]!, operation: String!, params: [SessionFlagInput!]): [SessionBatchResult!]!
  claimPreWarmedSession(workDir: String, model: String): ClaimResult!
  generateCommitMessages(items: [CommitItemInput!]!, batchId: String, includeSummary: Boolean): CommitBatchResult!
  retryAgentRun(runId: String!): AgentRun!
  cancelAgentRun(runId: String!): AgentRun!
  deleteOldRuns(olderThanDays: Int): Int!
}

type Subscription {
  commandOutput(sessionId: String!): CommandOutput!
  preWarmStatus: PreWarmTransition!
  batchProgress(batchId: String!): BatchProgress!
}
`

var sessionTokensType = graphql.NewObject(graphql.ObjectConfig{
	Name: "SessionTokens",
	Fields: graphql.Fields{
		"inputTokens":  &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"outputTokens": &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"costUsd":      &graphql.Field{Type: graphql.NewNonNull(graphql.Float)},
	},
})

var sessionFlagType = graphql.NewObject(graphql.ObjectConfig{
	Name: "SessionFlag",
	Fields: graphql.Fields{
		"key":   &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"value": &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
	},
})

var flagListType = graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(sessionFlagType)))

var interactionType = graphql.NewObject(graphql.ObjectConfig{
	Name: "Interaction",
	Fields: graphql.Fields{
		"timestamp":       &graphql.Field{Type: graphql.NewNonNull(graphql.DateTime)},
		"prompt":          &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"response":        &graphql.Field{Type: graphql.String},
		"executionTimeMs": &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"success":         &graphql.Field{Type: graphql.NewNonNull(graphql.Boolean)},
		"correlator":      &graphql.Field{Type: graphql.String},
	},
})

var sessionMetadataType = graphql.NewObject(graphql.ObjectConfig{
	Name: "SessionMetadata",
	Fields: graphql.Fields{
		"model":  &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"tokens": &graphql.Field{Type: graphql.NewNonNull(sessionTokensType)},
		"flags": &graphql.Field{
			Type: flagListType,
			Resolve: func(p graphql.ResolveParams) (any, error) {
				meta, _ := p.Source.(session.Metadata)
				return flagList(meta.Flags), nil
			},
		},
		"projectContext": &graphql.Field{Type: graphql.String},
		"correlator":     &graphql.Field{Type: graphql.String},
	},
})

var agentSessionType = graphql.NewObject(graphql.ObjectConfig{
	Name: "AgentSession",
	Fields: graphql.Fields{
		"id":           &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"name":         &graphql.Field{Type: graphql.String},
		"status":       &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"createdAt":    &graphql.Field{Type: graphql.NewNonNull(graphql.DateTime)},
		"lastActivity": &graphql.Field{Type: graphql.NewNonNull(graphql.DateTime)},
		"workDir":      &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"history":      &graphql.Field{Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(interactionType)))},
		"metadata":     &graphql.Field{Type: graphql.NewNonNull(sessionMetadataType)},
		"parentId":     &graphql.Field{Type: graphql.String},
		"forkIndex":    &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
	},
})

var executeResultType = graphql.NewObject(graphql.ObjectConfig{
	Name: "ExecuteResult",
	Fields: graphql.Fields{
		"sessionId":           &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"success":             &graphql.Field{Type: graphql.NewNonNull(graphql.Boolean)},
		"startedAt":           &graphql.Field{Type: graphql.NewNonNull(graphql.DateTime)},
		"estimatedDurationMs": &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"flags": &graphql.Field{
			Type: flagListType,
			Resolve: func(p graphql.ResolveParams) (any, error) {
				result, _ := p.Source.(*session.ExecuteResult)
				if result == nil {
					return []map[string]any{}, nil
				}
				return flagList(result.Flags), nil
			},
		},
		"error": &graphql.Field{Type: graphql.String},
	},
})

var templateVariableType = graphql.NewObject(graphql.ObjectConfig{
	Name: "TemplateVariable",
	Fields: graphql.Fields{
		"name":        &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"required":    &graphql.Field{Type: graphql.NewNonNull(graphql.Boolean)},
		"default":     &graphql.Field{Type: graphql.String},
		"description": &graphql.Field{Type: graphql.String},
	},
})

var sessionTemplateType = graphql.NewObject(graphql.ObjectConfig{
	Name: "SessionTemplate",
	Fields: graphql.Fields{
		"id":             &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"name":           &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"tags":           &graphql.Field{Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(graphql.String)))},
		"variables":      &graphql.Field{Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(templateVariableType)))},
		"initialContext": &graphql.Field{Type: graphql.String},
		"model":          &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"flags": &graphql.Field{
			Type: flagListType,
			Resolve: func(p graphql.ResolveParams) (any, error) {
				tpl, _ := p.Source.(*session.Template)
				if tpl == nil {
					return []map[string]any{}, nil
				}
				return flagList(tpl.Flags), nil
			},
		},
		"workDir":    &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"usageCount": &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"lastUsedAt": &graphql.Field{Type: graphql.DateTime},
		"createdAt":  &graphql.Field{Type: graphql.NewNonNull(graphql.DateTime)},
	},
})

var shareGrantType = graphql.NewObject(graphql.ObjectConfig{
	Name: "ShareGrant",
	Fields: graphql.Fields{
		"code":      &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"sessionId": &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"expiresAt": &graphql.Field{Type: graphql.NewNonNull(graphql.DateTime)},
	},
})

var sessionBatchResultType = graphql.NewObject(graphql.ObjectConfig{
	Name: "SessionBatchResult",
	Fields: graphql.Fields{
		"sessionId": &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"success":   &graphql.Field{Type: graphql.NewNonNull(graphql.Boolean)},
		"error":     &graphql.Field{Type: graphql.String},
		"detail":    &graphql.Field{Type: graphql.String},
	},
})

var claimResultType = graphql.NewObject(graphql.ObjectConfig{
	Name: "ClaimResult",
	Fields: graphql.Fields{
		"success":   &graphql.Field{Type: graphql.NewNonNull(graphql.Boolean)},
		"sessionId": &graphql.Field{Type: graphql.String},
		"status":    &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
	},
})

var preWarmSlotAgeType = graphql.NewObject(graphql.ObjectConfig{
	Name: "PreWarmSlotAge",
	Fields: graphql.Fields{
		"id":         &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"state":      &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"ageSeconds": &graphql.Field{Type: graphql.NewNonNull(graphql.Float)},
	},
})

var preWarmMetricsType = graphql.NewObject(graphql.ObjectConfig{
	Name: "PreWarmMetrics",
	Fields: graphql.Fields{
		"total":    &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"ready":    &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"warming":  &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"claimed":  &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"failed":   &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"slotAges": &graphql.Field{Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(preWarmSlotAgeType)))},
	},
})

var agentRunType = graphql.NewObject(graphql.ObjectConfig{
	Name: "AgentRun",
	Fields: graphql.Fields{
		"id":          &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"repository":  &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"status":      &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"startedAt":   &graphql.Field{Type: graphql.NewNonNull(graphql.DateTime)},
		"completedAt": &graphql.Field{Type: graphql.DateTime},
		"durationMs":  &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"input":       &graphql.Field{Type: graphql.String},
		"output":      &graphql.Field{Type: graphql.String},
		"error":       &graphql.Field{Type: graphql.String},
		"retryCount":  &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"parentRunId": &graphql.Field{Type: graphql.String},
	},
})

var statusCountType = graphql.NewObject(graphql.ObjectConfig{
	Name: "StatusCount",
	Fields: graphql.Fields{
		"status": &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"count":  &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
	},
})

var repositoryRunStatsType = graphql.NewObject(graphql.ObjectConfig{
	Name: "RepositoryRunStats",
	Fields: graphql.Fields{
		"repository": &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"total":      &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"successes":  &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"failures":   &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
	},
})

var runStatisticsType = graphql.NewObject(graphql.ObjectConfig{
	Name: "RunStatistics",
	Fields: graphql.Fields{
		"total": &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"byStatus": &graphql.Field{
			Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(statusCountType))),
			Resolve: func(p graphql.ResolveParams) (any, error) {
				stats, _ := p.Source.(runstore.Statistics)
				return statusCounts(stats.ByStatus), nil
			},
		},
		"byRepository":  &graphql.Field{Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(repositoryRunStatsType)))},
		"avgDurationMs": &graphql.Field{Type: graphql.NewNonNull(graphql.Float)},
		"successRate":   &graphql.Field{Type: graphql.NewNonNull(graphql.Float)},
	},
})

var agentHealthType = graphql.NewObject(graphql.ObjectConfig{
	Name: "AgentHealth",
	Fields: graphql.Fields{
		"healthy":        &graphql.Field{Type: graphql.NewNonNull(graphql.Boolean)},
		"service":        &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"activeSessions": &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"timestamp":      &graphql.Field{Type: graphql.NewNonNull(graphql.DateTime)},
	},
})

var commandOutputType = graphql.NewObject(graphql.ObjectConfig{
	Name: "CommandOutput",
	Fields: graphql.Fields{
		"sessionId": &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"type":      &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"content":   &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"timestamp": &graphql.Field{Type: graphql.NewNonNull(graphql.DateTime)},
		"isFinal":   &graphql.Field{Type: graphql.NewNonNull(graphql.Boolean)},
		"tokens":    &graphql.Field{Type: sessionTokensType},
	},
})

var preWarmTransitionType = graphql.NewObject(graphql.ObjectConfig{
	Name: "PreWarmTransition",
	Fields: graphql.Fields{
		"slotId":    &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"state":     &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"createdAt": &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"error":     &graphql.Field{Type: graphql.String},
	},
})

var batchProgressType = graphql.NewObject(graphql.ObjectConfig{
	Name: "BatchProgress",
	Fields: graphql.Fields{
		"batchId":    &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"done":       &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"total":      &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"repository": &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"success":    &graphql.Field{Type: graphql.NewNonNull(graphql.Boolean)},
		"cached":     &graphql.Field{Type: graphql.NewNonNull(graphql.Boolean)},
		"error":      &graphql.Field{Type: graphql.String},
	},
})

var commitItemInputType = graphql.NewInputObject(graphql.InputObjectConfig{
	Name: "CommitItemInput",
	Fields: graphql.InputObjectConfigFieldMap{
		"repository":    &graphql.InputObjectFieldConfig{Type: graphql.NewNonNull(graphql.String)},
		"diff":          &graphql.InputObjectFieldConfig{Type: graphql.NewNonNull(graphql.String)},
		"recentCommits": &graphql.InputObjectFieldConfig{Type: graphql.NewList(graphql.NewNonNull(graphql.String))},
		"context":       &graphql.InputObjectFieldConfig{Type: graphql.String},
	},
})

var sessionFlagInputType = graphql.NewInputObject(graphql.InputObjectConfig{
	Name: "SessionFlagInput",
	Fields: graphql.InputObjectConfigFieldMap{
		"key":   &graphql.InputObjectFieldConfig{Type: graphql.NewNonNull(graphql.String)},
		"value": &graphql.InputObjectFieldConfig{Type: graphql.NewNonNull(graphql.String)},
	},
})

var commitMessageResultType = graphql.NewObject(graphql.ObjectConfig{
	Name: "CommitMessageResult",
	Fields: graphql.Fields{
		"repository": &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"success":    &graphql.Field{Type: graphql.NewNonNull(graphql.Boolean)},
		"message":    &graphql.Field{Type: graphql.String},
		"error":      &graphql.Field{Type: graphql.String},
		"confidence": &graphql.Field{Type: graphql.NewNonNull(graphql.Float)},
		"commitType": &graphql.Field{Type: graphql.String},
		"cached":     &graphql.Field{Type: graphql.NewNonNull(graphql.Boolean)},
	},
})

var batchTokenUsageType = graphql.NewObject(graphql.ObjectConfig{
	Name: "BatchTokenUsage",
	Fields: graphql.Fields{
		"inputTokens": &graphql.Field{
			Type: graphql.NewNonNull(graphql.Int),
			Resolve: func(p graphql.ResolveParams) (any, error) {
				usage, _ := p.Source.(proc.TokenUsage)
				return usage.InputTokens, nil
			},
		},
		"outputTokens": &graphql.Field{
			Type: graphql.NewNonNull(graphql.Int),
			Resolve: func(p graphql.ResolveParams) (any, error) {
				usage, _ := p.Source.(proc.TokenUsage)
				return usage.OutputTokens, nil
			},
		},
	},
})

var batchSummaryType = graphql.NewObject(graphql.ObjectConfig{
	Name: "BatchSummary",
	Fields: graphql.Fields{
		"themes":           &graphql.Field{Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(graphql.String)))},
		"risk":             &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"suggestedActions": &graphql.Field{Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(graphql.String)))},
		"narrative":        &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
	},
})

var commitBatchResultType = graphql.NewObject(graphql.ObjectConfig{
	Name: "CommitBatchResult",
	Fields: graphql.Fields{
		"batchId":         &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"items":           &graphql.Field{Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(commitMessageResultType)))},
		"total":           &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"successCount":    &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"executionTimeMs": &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"tokenUsage":      &graphql.Field{Type: graphql.NewNonNull(batchTokenUsageType)},
		"summary":         &graphql.Field{Type: batchSummaryType},
	},
})

// flagList converts a flag map to the key-sorted list shape GraphQL
// needs.
func flagList(flags map[string]string) []map[string]any {
	keys := make([]string, 0, len(flags))
	for k := range flags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, map[string]any{"key": k, "value": flags[k]})
	}
	return out
}

func statusCounts(byStatus map[string]int) []map[string]any {
	keys := make([]string, 0, len(byStatus))
	for k := range byStatus {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, map[string]any{"status": k, "count": byStatus[k]})
	}
	return out
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
