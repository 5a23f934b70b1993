package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/graphql-go/graphql/language/ast"
	"github.com/graphql-go/graphql/language/printer"

	"github.com/devmesh/devmesh/internal/federation"
)

// maxEntityDepth bounds entity chasing to prevent reference cycles.
const maxEntityDepth = 3

// entityRef is one object in the merged response that needs fields from
// another subgraph.
type entityRef struct {
	object     map[string]any
	typename   string
	selections []ast.Selection
}

// EntityRouter resolves cross-subgraph references via _entities queries.
type EntityRouter struct {
	client *SubgraphClient
}

// NewEntityRouter creates a router over the shared subgraph client.
func NewEntityRouter(client *SubgraphClient) *EntityRouter {
	return &EntityRouter{client: client}
}

// Complete walks the merged response against the client selection and
// fetches any entity fields owned by other subgraphs, patching them in
// place. Chasing is bounded to maxEntityDepth rounds.
func (r *EntityRouter) Complete(ctx context.Context, op *Operation, sg *federation.Supergraph, data map[string]any, headers http.Header) []*GraphQLError {
	var allErrs []*GraphQLError

	for depth := 0; depth < maxEntityDepth; depth++ {
		refs := r.collect(op, sg, data)
		if len(refs) == 0 {
			break
		}
		errs := r.resolveRefs(ctx, op, sg, refs, headers)
		allErrs = append(allErrs, errs...)
		if len(errs) > 0 {
			break
		}
	}

	return allErrs
}

// collect finds objects whose requested selections are not yet present.
func (r *EntityRouter) collect(op *Operation, sg *federation.Supergraph, data map[string]any) []*entityRef {
	var refs []*entityRef

	fields, gerr := op.topLevelFields()
	if gerr != nil {
		return nil
	}
	for _, f := range fields {
		key := responseKey(f)
		r.walkValue(op, sg, data[key], f.SelectionSet, &refs)
	}
	return refs
}

func (r *EntityRouter) walkValue(op *Operation, sg *federation.Supergraph, value any, set *ast.SelectionSet, refs *[]*entityRef) {
	if set == nil || value == nil {
		return
	}
	switch v := value.(type) {
	case []any:
		for _, item := range v {
			r.walkValue(op, sg, item, set, refs)
		}
	case map[string]any:
		r.walkObject(op, sg, v, set, refs)
	}
}

func (r *EntityRouter) walkObject(op *Operation, sg *federation.Supergraph, obj map[string]any, set *ast.SelectionSet, refs *[]*entityRef) {
	typename, _ := obj["__typename"].(string)

	var missing []ast.Selection
	for _, sel := range flattenSelections(op, set, typename) {
		key := responseKey(sel)
		if val, present := obj[key]; present {
			r.walkValue(op, sg, val, sel.SelectionSet, refs)
			continue
		}
		missing = append(missing, sel)
	}

	if len(missing) == 0 || typename == "" {
		return
	}
	if _, isEntity := sg.Entity(typename); !isEntity {
		return
	}
	*refs = append(*refs, &entityRef{object: obj, typename: typename, selections: missing})
}

// flattenSelections expands fragments applicable to the given typename.
func flattenSelections(op *Operation, set *ast.SelectionSet, typename string) []*ast.Field {
	var out []*ast.Field
	var expand func(s *ast.SelectionSet, visiting map[string]bool)
	expand = func(s *ast.SelectionSet, visiting map[string]bool) {
		if s == nil {
			return
		}
		for _, sel := range s.Selections {
			switch node := sel.(type) {
			case *ast.Field:
				out = append(out, node)
			case *ast.InlineFragment:
				if node.TypeCondition == nil || typename == "" || node.TypeCondition.Name.Value == typename {
					expand(node.SelectionSet, visiting)
				}
			case *ast.FragmentSpread:
				name := node.Name.Value
				if visiting[name] {
					continue
				}
				if frag, ok := op.fragments[name]; ok {
					if typename == "" || frag.TypeCondition.Name.Value == typename {
						visiting[name] = true
						expand(frag.SelectionSet, visiting)
						delete(visiting, name)
					}
				}
			}
		}
	}
	expand(set, map[string]bool{})
	return out
}

// resolveRefs groups references by owning subgraph and issues one batched
// _entities query per subgraph, preserving input order and deduplicating
// identical representations.
func (r *EntityRouter) resolveRefs(ctx context.Context, op *Operation, sg *federation.Supergraph, refs []*entityRef, headers http.Header) []*GraphQLError {
	type group struct {
		subgraph   string
		url        string
		refs       []*entityRef
		repIndex   map[string]int // representation fingerprint -> index
		reps       []map[string]any
		refToRep   []int
		selections []ast.Selection
		typename   string
	}

	groups := make(map[string]*group)
	var order []string

	for _, ref := range refs {
		entity, ok := sg.Entity(ref.typename)
		if !ok {
			continue
		}
		// Fields may belong to the owner or to an extender; group per
		// (subgraph, typename) using the owner of the first missing field.
		firstField := ref.selections[0].(*ast.Field).Name.Value
		owner, ok := sg.FieldOwner(ref.typename, firstField)
		if !ok {
			owner = entity.Owner
		}
		gk := owner + "/" + ref.typename

		g, exists := groups[gk]
		if !exists {
			url, ok := sg.SubgraphURL(owner)
			if !ok {
				continue
			}
			g = &group{
				subgraph: owner,
				url:      url,
				repIndex: make(map[string]int),
				typename: ref.typename,
			}
			groups[gk] = g
			order = append(order, gk)
		}

		rep := map[string]any{"__typename": ref.typename}
		for _, kf := range entity.KeyFields {
			rep[kf] = ref.object[kf]
		}
		fp, _ := json.Marshal(rep)
		idx, seen := g.repIndex[string(fp)]
		if !seen {
			idx = len(g.reps)
			g.repIndex[string(fp)] = idx
			g.reps = append(g.reps, rep)
		}
		g.refs = append(g.refs, ref)
		g.refToRep = append(g.refToRep, idx)
		g.selections = append(g.selections, ref.selections...)
	}

	var errs []*GraphQLError
	for _, gk := range order {
		g := groups[gk]
		query := r.renderEntitiesQuery(op, g.typename, g.selections)
		variables := map[string]any{"representations": g.reps}
		for k, v := range op.Variables {
			variables[k] = v
		}

		resp, err := r.client.Execute(ctx, g.url, &Request{Query: query, Variables: variables}, headers)
		if err != nil {
			errs = append(errs, subgraphError(g.subgraph, []any{"_entities"}, err))
			continue
		}
		errs = append(errs, tagSubgraphErrors(resp.Errors, g.subgraph)...)

		data, _ := resp.Data.(map[string]any)
		entities, _ := data["_entities"].([]any)
		for i, ref := range g.refs {
			repIdx := g.refToRep[i]
			if repIdx >= len(entities) {
				continue
			}
			patch, ok := entities[repIdx].(map[string]any)
			if !ok {
				continue
			}
			for k, v := range patch {
				if _, present := ref.object[k]; !present {
					ref.object[k] = v
				}
			}
		}
	}
	return errs
}

// renderEntitiesQuery builds the follow-up query for one typename group.
func (r *EntityRouter) renderEntitiesQuery(op *Operation, typename string, selections []ast.Selection) string {
	var b strings.Builder
	b.WriteString("query (")

	usedVars := make(map[string]bool)
	usedFrags := make(map[string]bool)
	for _, sel := range selections {
		if f, ok := sel.(*ast.Field); ok {
			op.collectUsage(f.SelectionSet, f.Arguments, f.Directives, usedVars, usedFrags)
		}
	}
	for _, vd := range op.def.VariableDefinitions {
		if usedVars[vd.Variable.Name.Value] {
			b.WriteString(fmt.Sprintf("%v, ", printer.Print(vd)))
		}
	}
	b.WriteString("$representations: [_Any!]!) {\n  _entities(representations: $representations) {\n    ... on ")
	b.WriteString(typename)
	b.WriteString(" {\n")

	seen := make(map[string]bool)
	for _, sel := range selections {
		text := fmt.Sprintf("%v", printer.Print(sel.(ast.Node)))
		if seen[text] {
			continue
		}
		seen[text] = true
		b.WriteString("      ")
		b.WriteString(text)
		b.WriteString("\n")
	}
	b.WriteString("    }\n  }\n}")

	for name := range usedFrags {
		if frag, ok := op.fragments[name]; ok {
			b.WriteString("\n")
			b.WriteString(fmt.Sprintf("%v", printer.Print(frag)))
		}
	}
	return b.String()
}

// tagSubgraphErrors adds the subgraph extension to upstream errors.
func tagSubgraphErrors(errs []*GraphQLError, subgraph string) []*GraphQLError {
	for _, e := range errs {
		if e.Extensions == nil {
			e.Extensions = map[string]any{}
		}
		if _, ok := e.Extensions["subgraph"]; !ok {
			e.Extensions["subgraph"] = subgraph
		}
	}
	return errs
}
