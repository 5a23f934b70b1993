package agent

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/graphql-go/graphql"

	"github.com/devmesh/devmesh/internal/agent/batch"
	"github.com/devmesh/devmesh/internal/agent/prewarm"
	"github.com/devmesh/devmesh/internal/agent/runstore"
	"github.com/devmesh/devmesh/internal/agent/session"
	"github.com/devmesh/devmesh/internal/subgraph"
)

const defaultRetentionDays = 30

func stringArg(p graphql.ResolveParams, name string) string {
	v, _ := p.Args[name].(string)
	return v
}

func intArg(p graphql.ResolveParams, name string, fallback int) int {
	if v, ok := p.Args[name].(int); ok {
		return v
	}
	return fallback
}

func boolArg(p graphql.ResolveParams, name string) bool {
	v, _ := p.Args[name].(bool)
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

// flagMapArg reads a [SessionFlagInput!] argument into a map.
func flagMapArg(p graphql.ResolveParams, name string) map[string]string {
	raw, _ := p.Args[name].([]any)
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]string, len(raw))
	for _, item := range raw {
		pair, ok := item.(map[string]any)
		if !ok {
			continue
		}
		key, _ := pair["key"].(string)
		value, _ := pair["value"].(string)
		if key != "" {
			out[key] = value
		}
	}
	return out
}

func commitItemsArg(p graphql.ResolveParams) []batch.Item {
	raw, _ := p.Args["items"].([]any)
	out := make([]batch.Item, 0, len(raw))
	for _, entry := range raw {
		fields, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		item := batch.Item{}
		item.Repository, _ = fields["repository"].(string)
		item.Diff, _ = fields["diff"].(string)
		item.Context, _ = fields["context"].(string)
		if commits, ok := fields["recentCommits"].([]any); ok {
			for _, c := range commits {
				if s, ok := c.(string); ok {
					item.RecentCommits = append(item.RecentCommits, s)
				}
			}
		}
		out = append(out, item)
	}
	return out
}

// SubgraphConfig builds the agent subgraph schema over the service.
func (s *Service) SubgraphConfig() subgraph.Config {
	return subgraph.Config{
		Name:         "agent",
		SDL:          SDL,
		Query:        s.queryFields(),
		Mutation:     s.mutationFields(),
		Subscription: s.subscriptionFields(),
		Entities: map[string]*subgraph.Entity{
			"AgentSession": {
				Type: agentSessionType,
				Resolve: func(ctx context.Context, rep map[string]any) (map[string]any, error) {
					id, _ := rep["id"].(string)
					sess, err := s.Sessions.Get(id)
					if err != nil {
						return nil, err
					}
					return toMap(sess)
				},
			},
		},
	}
}

func (s *Service) queryFields() graphql.Fields {
	return graphql.Fields{
		"claudeHealth": &graphql.Field{
			Type: graphql.NewNonNull(agentHealthType),
			Resolve: func(p graphql.ResolveParams) (any, error) {
				return map[string]any{
					"healthy":        true,
					"service":        "agent",
					"activeSessions": s.activeSessionCount(),
					"timestamp":      time.Now().UTC(),
				}, nil
			},
		},
		"agentSession": &graphql.Field{
			Type: agentSessionType,
			Args: graphql.FieldConfigArgument{
				"id": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
			},
			Resolve: func(p graphql.ResolveParams) (any, error) {
				return s.Sessions.Get(stringArg(p, "id"))
			},
		},
		"listSessions": &graphql.Field{
			Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(agentSessionType))),
			Resolve: func(p graphql.ResolveParams) (any, error) {
				return s.Sessions.List(), nil
			},
		},
		"listSessionTemplates": &graphql.Field{
			Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(sessionTemplateType))),
			Resolve: func(p graphql.ResolveParams) (any, error) {
				return s.Sessions.ListTemplates(), nil
			},
		},
		"resolveSharedSession": &graphql.Field{
			Type: graphql.NewNonNull(agentSessionType),
			Args: graphql.FieldConfigArgument{
				"code": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
			},
			Resolve: func(p graphql.ResolveParams) (any, error) {
				return s.Sessions.ResolveShare(stringArg(p, "code"))
			},
		},
		"preWarmMetrics": &graphql.Field{
			Type: graphql.NewNonNull(preWarmMetricsType),
			Resolve: func(p graphql.ResolveParams) (any, error) {
				return s.Pool.Snapshot(), nil
			},
		},
		"runStatistics": &graphql.Field{
			Type: graphql.NewNonNull(runStatisticsType),
			Resolve: func(p graphql.ResolveParams) (any, error) {
				return s.Runs.Statistics(), nil
			},
		},
		"agentRun": &graphql.Field{
			Type: graphql.NewNonNull(agentRunType),
			Args: graphql.FieldConfigArgument{
				"id": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
			},
			Resolve: func(p graphql.ResolveParams) (any, error) {
				return s.Runs.Get(stringArg(p, "id"))
			},
		},
		"agentRuns": &graphql.Field{
			Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(agentRunType))),
			Args: graphql.FieldConfigArgument{
				"repository": &graphql.ArgumentConfig{Type: graphql.String},
				"status":     &graphql.ArgumentConfig{Type: graphql.String},
				"limit":      &graphql.ArgumentConfig{Type: graphql.Int},
			},
			Resolve: func(p graphql.ResolveParams) (any, error) {
				return s.Runs.List(runstore.Filter{
					Repository: stringArg(p, "repository"),
					Status:     runstore.RunStatus(stringArg(p, "status")),
					Limit:      intArg(p, "limit", 0),
				}), nil
			},
		},
		"agentRunChain": &graphql.Field{
			Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(agentRunType))),
			Args: graphql.FieldConfigArgument{
				"id": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
			},
			Resolve: func(p graphql.ResolveParams) (any, error) {
				return s.Runs.Chain(stringArg(p, "id"))
			},
		},
	}
}

func (s *Service) mutationFields() graphql.Fields {
	return graphql.Fields{
		"executeCommand": &graphql.Field{
			Type: graphql.NewNonNull(executeResultType),
			Args: graphql.FieldConfigArgument{
				"prompt":         &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				"sessionId":      &graphql.ArgumentConfig{Type: graphql.String},
				"workDir":        &graphql.ArgumentConfig{Type: graphql.String},
				"model":          &graphql.ArgumentConfig{Type: graphql.String},
				"projectContext": &graphql.ArgumentConfig{Type: graphql.String},
			},
			Resolve: func(p graphql.ResolveParams) (any, error) {
				return s.Sessions.ExecuteCommand(p.Context, stringArg(p, "prompt"), session.ExecuteOptions{
					SessionID:      stringArg(p, "sessionId"),
					WorkDir:        stringArg(p, "workDir"),
					Model:          stringArg(p, "model"),
					ProjectContext: stringArg(p, "projectContext"),
				})
			},
		},
		"continueSession": &graphql.Field{
			Type: graphql.NewNonNull(executeResultType),
			Args: graphql.FieldConfigArgument{
				"sessionId":         &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				"prompt":            &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				"additionalContext": &graphql.ArgumentConfig{Type: graphql.String},
			},
			Resolve: func(p graphql.ResolveParams) (any, error) {
				return s.Sessions.ContinueSession(p.Context,
					stringArg(p, "sessionId"), stringArg(p, "prompt"), stringArg(p, "additionalContext"))
			},
		},
		"killSession": &graphql.Field{
			Type: graphql.NewNonNull(graphql.Boolean),
			Args: graphql.FieldConfigArgument{
				"sessionId": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
			},
			Resolve: func(p graphql.ResolveParams) (any, error) {
				return s.Sessions.KillSession(stringArg(p, "sessionId")), nil
			},
		},
		"forkSession": &graphql.Field{
			Type: graphql.NewNonNull(agentSessionType),
			Args: graphql.FieldConfigArgument{
				"sessionId":      &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				"messageIndex":   &graphql.ArgumentConfig{Type: graphql.Int},
				"name":           &graphql.ArgumentConfig{Type: graphql.String},
				"includeHistory": &graphql.ArgumentConfig{Type: graphql.Boolean, DefaultValue: true},
			},
			Resolve: func(p graphql.ResolveParams) (any, error) {
				return s.Sessions.ForkSession(
					stringArg(p, "sessionId"),
					intArg(p, "messageIndex", -1),
					stringArg(p, "name"),
					boolArg(p, "includeHistory"))
			},
		},
		"createSessionTemplate": &graphql.Field{
			Type: graphql.NewNonNull(sessionTemplateType),
			Args: graphql.FieldConfigArgument{
				"sessionId":      &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				"name":           &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				"tags":           &graphql.ArgumentConfig{Type: graphql.NewList(graphql.NewNonNull(graphql.String))},
				"initialContext": &graphql.ArgumentConfig{Type: graphql.String},
				"includeHistory": &graphql.ArgumentConfig{Type: graphql.Boolean},
			},
			Resolve: func(p graphql.ResolveParams) (any, error) {
				return s.Sessions.CreateTemplate(stringArg(p, "sessionId"), session.TemplateInput{
					Name:           stringArg(p, "name"),
					Tags:           stringListArg(p, "tags"),
					InitialContext: stringArg(p, "initialContext"),
					IncludeHistory: boolArg(p, "includeHistory"),
				})
			},
		},
		"createSessionFromTemplate": &graphql.Field{
			Type: graphql.NewNonNull(agentSessionType),
			Args: graphql.FieldConfigArgument{
				"templateId": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				"name":       &graphql.ArgumentConfig{Type: graphql.String},
			},
			Resolve: func(p graphql.ResolveParams) (any, error) {
				return s.Sessions.CreateFromTemplate(stringArg(p, "templateId"), stringArg(p, "name"))
			},
		},
		"archiveSession": &graphql.Field{
			Type: graphql.NewNonNull(graphql.String),
			Args: graphql.FieldConfigArgument{
				"sessionId": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
			},
			Resolve: func(p graphql.ResolveParams) (any, error) {
				return s.Sessions.ArchiveSession(stringArg(p, "sessionId"))
			},
		},
		"shareSession": &graphql.Field{
			Type: graphql.NewNonNull(shareGrantType),
			Args: graphql.FieldConfigArgument{
				"sessionId":  &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				"ttlSeconds": &graphql.ArgumentConfig{Type: graphql.Int},
			},
			Resolve: func(p graphql.ResolveParams) (any, error) {
				ttl := time.Duration(intArg(p, "ttlSeconds", 0)) * time.Second
				return s.Sessions.ShareSession(stringArg(p, "sessionId"), ttl)
			},
		},
		"handoffSession": &graphql.Field{
			Type: graphql.NewNonNull(graphql.String),
			Args: graphql.FieldConfigArgument{
				"sessionId": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
			},
			Resolve: func(p graphql.ResolveParams) (any, error) {
				return s.Sessions.Handoff(stringArg(p, "sessionId"))
			},
		},
		"batchSessionOperation": &graphql.Field{
			Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(sessionBatchResultType))),
			Args: graphql.FieldConfigArgument{
				"sessionIds": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(graphql.String)))},
				"operation":  &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				"params":     &graphql.ArgumentConfig{Type: graphql.NewList(graphql.NewNonNull(sessionFlagInputType))},
			},
			Resolve: func(p graphql.ResolveParams) (any, error) {
				return s.Sessions.BatchOperation(
					stringListArg(p, "sessionIds"),
					session.BatchOp(stringArg(p, "operation")),
					flagMapArg(p, "params")), nil
			},
		},
		"claimPreWarmedSession": &graphql.Field{
			Type: graphql.NewNonNull(claimResultType),
			Args: graphql.FieldConfigArgument{
				"workDir": &graphql.ArgumentConfig{Type: graphql.String},
				"model":   &graphql.ArgumentConfig{Type: graphql.String},
			},
			Resolve: func(p graphql.ResolveParams) (any, error) {
				claim, state := s.Pool.ClaimOldest()
				if claim == nil {
					return map[string]any{"success": false, "status": string(state)}, nil
				}
				sess := s.Sessions.AdoptWarmChild(claim.Child, claim.Correlator, session.ExecuteOptions{
					WorkDir: stringArg(p, "workDir"),
					Model:   stringArg(p, "model"),
				})
				return map[string]any{
					"success":   true,
					"sessionId": sess.ID,
					"status":    string(prewarm.SlotClaimed),
				}, nil
			},
		},
		"generateCommitMessages": &graphql.Field{
			Type: graphql.NewNonNull(commitBatchResultType),
			Args: graphql.FieldConfigArgument{
				"items":          &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(commitItemInputType)))},
				"batchId":        &graphql.ArgumentConfig{Type: graphql.String},
				"includeSummary": &graphql.ArgumentConfig{Type: graphql.Boolean},
			},
			Resolve: func(p graphql.ResolveParams) (any, error) {
				batchID := stringArg(p, "batchId")
				if batchID == "" {
					batchID = uuid.New().String()
				}
				items := commitItemsArg(p)
				result := s.Batches.GenerateCommitMessages(p.Context, batchID, items)

				view := map[string]any{
					"batchId":         result.BatchID,
					"items":           result.Items,
					"total":           result.Total,
					"successCount":    result.SuccessCount,
					"executionTimeMs": result.ExecutionTimeMS,
					"tokenUsage":      result.TokenUsage,
				}
				if boolArg(p, "includeSummary") {
					summary, err := s.Batches.ExecutiveSummary(p.Context, items, result.Items)
					if err == nil {
						view["summary"] = summary
					}
				}
				return view, nil
			},
		},
		"retryAgentRun": &graphql.Field{
			Type: graphql.NewNonNull(agentRunType),
			Args: graphql.FieldConfigArgument{
				"runId": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
			},
			Resolve: func(p graphql.ResolveParams) (any, error) {
				retry, err := s.Runs.Retry(stringArg(p, "runId"))
				if err != nil {
					return nil, err
				}
				s.executeRetry(retry)
				return retry, nil
			},
		},
		"cancelAgentRun": &graphql.Field{
			Type: graphql.NewNonNull(agentRunType),
			Args: graphql.FieldConfigArgument{
				"runId": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
			},
			Resolve: func(p graphql.ResolveParams) (any, error) {
				return s.Runs.Cancel(stringArg(p, "runId"))
			},
		},
		"deleteOldRuns": &graphql.Field{
			Type: graphql.NewNonNull(graphql.Int),
			Args: graphql.FieldConfigArgument{
				"olderThanDays": &graphql.ArgumentConfig{Type: graphql.Int},
			},
			Resolve: func(p graphql.ResolveParams) (any, error) {
				days := intArg(p, "olderThanDays", defaultRetentionDays)
				cutoff := time.Now().AddDate(0, 0, -days)
				return s.Runs.DeleteOlderThan(cutoff), nil
			},
		},
	}
}

func (s *Service) subscriptionFields() graphql.Fields {
	passthrough := func(p graphql.ResolveParams) (any, error) {
		return p.Source, nil
	}
	return graphql.Fields{
		"commandOutput": &graphql.Field{
			Type: graphql.NewNonNull(commandOutputType),
			Args: graphql.FieldConfigArgument{
				"sessionId": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
			},
			Resolve: passthrough,
			Subscribe: func(p graphql.ResolveParams) (any, error) {
				return s.outputChannel(p.Context, stringArg(p, "sessionId"))
			},
		},
		"preWarmStatus": &graphql.Field{
			Type:    graphql.NewNonNull(preWarmTransitionType),
			Resolve: passthrough,
			Subscribe: func(p graphql.ResolveParams) (any, error) {
				return s.busChannel(p.Context, prewarm.StatusSubject)
			},
		},
		"batchProgress": &graphql.Field{
			Type: graphql.NewNonNull(batchProgressType),
			Args: graphql.FieldConfigArgument{
				"batchId": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
			},
			Resolve: passthrough,
			Subscribe: func(p graphql.ResolveParams) (any, error) {
				return s.busChannel(p.Context, batch.ProgressSubject(stringArg(p, "batchId")))
			},
		},
	}
}
