package quality

import (
	"context"
	"encoding/json"
	"time"

	"github.com/graphql-go/graphql"

	"github.com/devmesh/devmesh/internal/subgraph"
)

// SDL is the schema the quality subgraph publishes through _service.
const SDL = `
type QualityFile @key(fields: "path") {
  path: String!
  language: String!
  score: Int!
  violationCount: Int!
  lastAnalyzed: DateTime!
  violations: [Violation!]!
}

type Violation {
  id: String!
  filePath: String!
  rule: String!
  severity: String!
  line: Int!
  column: Int!
  message: String!
  createdAt: DateTime!
}

type QualitySession {
  id: String!
  status: String!
  startedAt: DateTime!
  completedAt: DateTime
  filesAnalyzed: Int!
  violationsFound: Int!
}

type QualityMetricPoint {
  name: String!
  bucket: DateTime!
  value: Float!
  samples: Int!
}

type QualitySummary {
  totalFiles: Int!
  totalViolations: Int!
  averageScore: Float!
  errorCount: Int!
  warningCount: Int!
  infoCount: Int!
}

type QualityHealth {
  healthy: Boolean!
  service: String!
  timestamp: DateTime!
}

input ViolationInput {
  rule: String!
  severity: String!
  line: Int!
  column: Int!
  message: String!
}

type Query {
  qualityHealth: QualityHealth!
  qualityFile(path: String!): QualityFile
  qualityFiles(maxScore: Int): [QualityFile!]!
  qualitySummary: QualitySummary!
  qualitySessions(limit: Int): [QualitySession!]!
  qualityMetrics(name: String!, windowHours: Int): [QualityMetricPoint!]!
}

type Mutation {
  reportViolations(path: String!, language: String, violations: [ViolationInput!]!): QualityFile!
  clearViolations(path: String!): QualityFile!
  forgetQualityFile(path: String!): Boolean!
  startQualitySession: QualitySession!
  completeQualitySession(id: String!, status: String!, filesAnalyzed: Int, violationsFound: Int): QualitySession!
  pruneQualityMetrics(olderThanDays: Int): Int!
}
`

var violationType = graphql.NewObject(graphql.ObjectConfig{
	Name: "Violation",
	Fields: graphql.Fields{
		"id":        &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"filePath":  &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"rule":      &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"severity":  &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"line":      &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"column":    &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"message":   &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"createdAt": &graphql.Field{Type: graphql.NewNonNull(graphql.DateTime)},
	},
})

var qualityFileType = graphql.NewObject(graphql.ObjectConfig{
	Name: "QualityFile",
	Fields: graphql.Fields{
		"path":           &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"language":       &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"score":          &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"violationCount": &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"lastAnalyzed":   &graphql.Field{Type: graphql.NewNonNull(graphql.DateTime)},
		"violations":     &graphql.Field{Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(violationType)))},
	},
})

var qualitySessionType = graphql.NewObject(graphql.ObjectConfig{
	Name: "QualitySession",
	Fields: graphql.Fields{
		"id":              &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"status":          &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"startedAt":       &graphql.Field{Type: graphql.NewNonNull(graphql.DateTime)},
		"completedAt":     &graphql.Field{Type: graphql.DateTime},
		"filesAnalyzed":   &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"violationsFound": &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
	},
})

var qualityMetricPointType = graphql.NewObject(graphql.ObjectConfig{
	Name: "QualityMetricPoint",
	Fields: graphql.Fields{
		"name":    &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"bucket":  &graphql.Field{Type: graphql.NewNonNull(graphql.DateTime)},
		"value":   &graphql.Field{Type: graphql.NewNonNull(graphql.Float)},
		"samples": &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
	},
})

var qualitySummaryType = graphql.NewObject(graphql.ObjectConfig{
	Name: "QualitySummary",
	Fields: graphql.Fields{
		"totalFiles":      &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"totalViolations": &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"averageScore":    &graphql.Field{Type: graphql.NewNonNull(graphql.Float)},
		"errorCount":      &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"warningCount":    &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"infoCount":       &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
	},
})

var qualityHealthType = graphql.NewObject(graphql.ObjectConfig{
	Name: "QualityHealth",
	Fields: graphql.Fields{
		"healthy":   &graphql.Field{Type: graphql.NewNonNull(graphql.Boolean)},
		"service":   &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"timestamp": &graphql.Field{Type: graphql.NewNonNull(graphql.DateTime)},
	},
})

var violationInputType = graphql.NewInputObject(graphql.InputObjectConfig{
	Name: "ViolationInput",
	Fields: graphql.InputObjectConfigFieldMap{
		"rule":     &graphql.InputObjectFieldConfig{Type: graphql.NewNonNull(graphql.String)},
		"severity": &graphql.InputObjectFieldConfig{Type: graphql.NewNonNull(graphql.String)},
		"line":     &graphql.InputObjectFieldConfig{Type: graphql.NewNonNull(graphql.Int)},
		"column":   &graphql.InputObjectFieldConfig{Type: graphql.NewNonNull(graphql.Int)},
		"message":  &graphql.InputObjectFieldConfig{Type: graphql.NewNonNull(graphql.String)},
	},
})

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

func violationInputsArg(p graphql.ResolveParams) []ViolationInput {
	raw, _ := p.Args["violations"].([]any)
	out := make([]ViolationInput, 0, len(raw))
	for _, entry := range raw {
		fields, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		in := ViolationInput{}
		in.Rule, _ = fields["rule"].(string)
		in.Severity, _ = fields["severity"].(string)
		in.Message, _ = fields["message"].(string)
		if v, ok := fields["line"].(int); ok {
			in.Line = v
		}
		if v, ok := fields["column"].(int); ok {
			in.Column = v
		}
		out = append(out, in)
	}
	return out
}

// SubgraphConfig builds the quality subgraph schema over the engine.
func SubgraphConfig(engine *Engine) subgraph.Config {
	return subgraph.Config{
		Name: "quality",
		SDL:  SDL,
		Query: graphql.Fields{
			"qualityHealth": &graphql.Field{
				Type: graphql.NewNonNull(qualityHealthType),
				Resolve: func(p graphql.ResolveParams) (any, error) {
					return map[string]any{
						"healthy":   true,
						"service":   "quality",
						"timestamp": time.Now().UTC(),
					}, nil
				},
			},
			"qualityFile": &graphql.Field{
				Type: qualityFileType,
				Args: graphql.FieldConfigArgument{
					"path": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				},
				Resolve: func(p graphql.ResolveParams) (any, error) {
					return engine.File(p.Context, stringArg(p, "path"))
				},
			},
			"qualityFiles": &graphql.Field{
				Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(qualityFileType))),
				Args: graphql.FieldConfigArgument{
					"maxScore": &graphql.ArgumentConfig{Type: graphql.Int},
				},
				Resolve: func(p graphql.ResolveParams) (any, error) {
					return engine.Files(p.Context, intArg(p, "maxScore", 0))
				},
			},
			"qualitySummary": &graphql.Field{
				Type: graphql.NewNonNull(qualitySummaryType),
				Resolve: func(p graphql.ResolveParams) (any, error) {
					return engine.Summary(p.Context)
				},
			},
			"qualitySessions": &graphql.Field{
				Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(qualitySessionType))),
				Args: graphql.FieldConfigArgument{
					"limit": &graphql.ArgumentConfig{Type: graphql.Int},
				},
				Resolve: func(p graphql.ResolveParams) (any, error) {
					return engine.Sessions(p.Context, intArg(p, "limit", 0))
				},
			},
			"qualityMetrics": &graphql.Field{
				Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(qualityMetricPointType))),
				Args: graphql.FieldConfigArgument{
					"name":        &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
					"windowHours": &graphql.ArgumentConfig{Type: graphql.Int},
				},
				Resolve: func(p graphql.ResolveParams) (any, error) {
					window := time.Duration(intArg(p, "windowHours", 24)) * time.Hour
					return engine.Metrics(p.Context, stringArg(p, "name"), window)
				},
			},
		},
		Mutation: graphql.Fields{
			"reportViolations": &graphql.Field{
				Type: graphql.NewNonNull(qualityFileType),
				Args: graphql.FieldConfigArgument{
					"path":       &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
					"language":   &graphql.ArgumentConfig{Type: graphql.String},
					"violations": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(violationInputType)))},
				},
				Resolve: func(p graphql.ResolveParams) (any, error) {
					return engine.Report(p.Context, stringArg(p, "path"), stringArg(p, "language"), violationInputsArg(p))
				},
			},
			"clearViolations": &graphql.Field{
				Type: graphql.NewNonNull(qualityFileType),
				Args: graphql.FieldConfigArgument{
					"path": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				},
				Resolve: func(p graphql.ResolveParams) (any, error) {
					return engine.Clear(p.Context, stringArg(p, "path"))
				},
			},
			"forgetQualityFile": &graphql.Field{
				Type: graphql.NewNonNull(graphql.Boolean),
				Args: graphql.FieldConfigArgument{
					"path": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				},
				Resolve: func(p graphql.ResolveParams) (any, error) {
					if err := engine.Forget(p.Context, stringArg(p, "path")); err != nil {
						return false, err
					}
					return true, nil
				},
			},
			"startQualitySession": &graphql.Field{
				Type: graphql.NewNonNull(qualitySessionType),
				Resolve: func(p graphql.ResolveParams) (any, error) {
					return engine.StartSession(p.Context)
				},
			},
			"completeQualitySession": &graphql.Field{
				Type: graphql.NewNonNull(qualitySessionType),
				Args: graphql.FieldConfigArgument{
					"id":              &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
					"status":          &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
					"filesAnalyzed":   &graphql.ArgumentConfig{Type: graphql.Int},
					"violationsFound": &graphql.ArgumentConfig{Type: graphql.Int},
				},
				Resolve: func(p graphql.ResolveParams) (any, error) {
					return engine.CompleteSession(p.Context,
						stringArg(p, "id"), stringArg(p, "status"),
						intArg(p, "filesAnalyzed", 0), intArg(p, "violationsFound", 0))
				},
			},
			"pruneQualityMetrics": &graphql.Field{
				Type: graphql.NewNonNull(graphql.Int),
				Args: graphql.FieldConfigArgument{
					"olderThanDays": &graphql.ArgumentConfig{Type: graphql.Int},
				},
				Resolve: func(p graphql.ResolveParams) (any, error) {
					days := intArg(p, "olderThanDays", 30)
					return engine.PruneMetrics(p.Context, time.Duration(days)*24*time.Hour)
				},
			},
		},
		Entities: map[string]*subgraph.Entity{
			"QualityFile": {
				Type: qualityFileType,
				Resolve: func(ctx context.Context, rep map[string]any) (map[string]any, error) {
					path, _ := rep["path"].(string)
					file, err := engine.File(ctx, path)
					if err != nil {
						return nil, err
					}
					return toMap(file)
				},
			},
		},
	}
}

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
