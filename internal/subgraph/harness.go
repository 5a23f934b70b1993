// Package subgraph is the shared harness the three subgraphs are built on.
// It wraps a graphql-go schema with the federation surface the gateway
// expects: _service { sdl } publishing, _entities resolution, and an SSE
// streaming endpoint for subscriptions.
package subgraph

import (
	"context"
	"fmt"

	"github.com/graphql-go/graphql"

	"github.com/devmesh/devmesh/internal/common/apperr"
)

// EntityResolver loads one entity from its key representation. The
// returned map is resolved against the entity's object type, so it must
// carry __typename plus whatever fields the selection may touch.
type EntityResolver func(ctx context.Context, rep map[string]any) (map[string]any, error)

// Entity binds an entity object type to its resolver.
type Entity struct {
	Type    *graphql.Object
	Resolve EntityResolver
}

// Config describes one subgraph schema.
type Config struct {
	Name         string
	SDL          string
	Query        graphql.Fields
	Mutation     graphql.Fields
	Subscription graphql.Fields
	// Entities maps typename to its key resolver. Every entity and every
	// extended entity the SDL declares must appear here.
	Entities map[string]*Entity
}

// anyScalar is the _Any input scalar: entity key representations pass
// through it unparsed.
var anyScalar = graphql.NewScalar(graphql.ScalarConfig{
	Name:        "_Any",
	Description: "Entity key representation.",
	Serialize:   func(value any) any { return value },
	ParseValue:  func(value any) any { return value },
})

var serviceType = graphql.NewObject(graphql.ObjectConfig{
	Name: "_Service",
	Fields: graphql.Fields{
		"sdl": &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
	},
})

// BuildSchema assembles the executable schema with the federation fields
// added to the query root.
func BuildSchema(cfg Config) (graphql.Schema, error) {
	queryFields := graphql.Fields{}
	for name, f := range cfg.Query {
		queryFields[name] = f
	}

	queryFields["_service"] = &graphql.Field{
		Type: graphql.NewNonNull(serviceType),
		Resolve: func(p graphql.ResolveParams) (any, error) {
			return map[string]any{"sdl": cfg.SDL}, nil
		},
	}

	if len(cfg.Entities) > 0 {
		entityTypes := make([]*graphql.Object, 0, len(cfg.Entities))
		for _, e := range cfg.Entities {
			entityTypes = append(entityTypes, e.Type)
		}
		entityUnion := graphql.NewUnion(graphql.UnionConfig{
			Name:  "_Entity",
			Types: entityTypes,
			ResolveType: func(p graphql.ResolveTypeParams) *graphql.Object {
				obj, ok := p.Value.(map[string]any)
				if !ok {
					return nil
				}
				typename, _ := obj["__typename"].(string)
				if e, ok := cfg.Entities[typename]; ok {
					return e.Type
				}
				return nil
			},
		})

		queryFields["_entities"] = &graphql.Field{
			Type: graphql.NewNonNull(graphql.NewList(entityUnion)),
			Args: graphql.FieldConfigArgument{
				"representations": &graphql.ArgumentConfig{
					Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(anyScalar))),
				},
			},
			Resolve: func(p graphql.ResolveParams) (any, error) {
				return resolveEntities(p, cfg.Entities)
			},
		}
	}

	schemaCfg := graphql.SchemaConfig{
		Query: graphql.NewObject(graphql.ObjectConfig{Name: "Query", Fields: queryFields}),
	}
	if len(cfg.Mutation) > 0 {
		schemaCfg.Mutation = graphql.NewObject(graphql.ObjectConfig{Name: "Mutation", Fields: cfg.Mutation})
	}
	if len(cfg.Subscription) > 0 {
		schemaCfg.Subscription = graphql.NewObject(graphql.ObjectConfig{Name: "Subscription", Fields: cfg.Subscription})
	}

	return graphql.NewSchema(schemaCfg)
}

// resolveEntities loads each representation in order. A representation
// that fails to resolve yields null at its index; the error is reported
// alongside, matching partial-result semantics.
func resolveEntities(p graphql.ResolveParams, entities map[string]*Entity) (any, error) {
	raw, _ := p.Args["representations"].([]any)
	out := make([]any, len(raw))

	var firstErr error
	for i, item := range raw {
		rep, ok := item.(map[string]any)
		if !ok {
			if firstErr == nil {
				firstErr = apperr.BadInput("representation %d is not an object", i)
			}
			continue
		}
		typename, _ := rep["__typename"].(string)
		entity, ok := entities[typename]
		if !ok {
			if firstErr == nil {
				firstErr = apperr.BadInput("unknown entity type %q", typename)
			}
			continue
		}
		resolved, err := entity.Resolve(p.Context, rep)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if resolved != nil {
			if _, present := resolved["__typename"]; !present {
				resolved["__typename"] = typename
			}
			out[i] = resolved
		}
	}

	if firstErr != nil {
		return out, fmt.Errorf("entity resolution: %w", firstErr)
	}
	return out, nil
}
