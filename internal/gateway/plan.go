package gateway

import (
	"fmt"

	"github.com/graphql-go/graphql/language/ast"
	"github.com/graphql-go/graphql/language/parser"
	"github.com/graphql-go/graphql/language/printer"
	"github.com/graphql-go/graphql/language/source"

	"github.com/devmesh/devmesh/internal/common/apperr"
	"github.com/devmesh/devmesh/internal/federation"
)

// Operation is a parsed and validated client operation.
type Operation struct {
	Raw string
	// Canonical is the printer-normalized operation text, used for cache
	// fingerprinting so that formatting differences share entries.
	Canonical string
	Kind      federation.OperationKind
	Name      string
	Variables map[string]any

	def       *ast.OperationDefinition
	fragments map[string]*ast.FragmentDefinition
}

// PlanStep is one upstream request: a sub-operation targeting a single
// subgraph carrying a group of the client's top-level selections.
type PlanStep struct {
	Subgraph string
	URL      string
	Query    string
	// Keys are the top-level response keys this step produces.
	Keys []string
}

// Plan is the per-request routing decision.
type Plan struct {
	Steps []PlanStep
	// FieldOrder is the client's top-level response key order, preserved in
	// the merged response.
	FieldOrder []string
}

// ParseOperation parses the request text and selects the operation.
func ParseOperation(query, operationName string, variables map[string]any) (*Operation, *GraphQLError) {
	doc, err := parser.Parse(parser.ParseParams{
		Source: source.NewSource(&source.Source{Body: []byte(query), Name: "request"}),
	})
	if err != nil {
		return nil, newError(apperr.CodeParseFailed, fmt.Sprintf("syntax error: %v", err))
	}

	op := &Operation{
		Raw:       query,
		Canonical: fmt.Sprintf("%v", printer.Print(doc)),
		Variables: variables,
		fragments: make(map[string]*ast.FragmentDefinition),
	}

	var ops []*ast.OperationDefinition
	for _, def := range doc.Definitions {
		switch d := def.(type) {
		case *ast.OperationDefinition:
			ops = append(ops, d)
		case *ast.FragmentDefinition:
			op.fragments[d.Name.Value] = d
		}
	}

	if len(ops) == 0 {
		return nil, newError(apperr.CodeBadUserInput, "request contains no operation")
	}

	var selected *ast.OperationDefinition
	if operationName != "" {
		for _, o := range ops {
			if o.Name != nil && o.Name.Value == operationName {
				selected = o
				break
			}
		}
		if selected == nil {
			return nil, newError(apperr.CodeBadUserInput, fmt.Sprintf("operation %q not found", operationName))
		}
	} else {
		if len(ops) > 1 {
			return nil, newError(apperr.CodeBadUserInput, "operationName required when the document defines multiple operations")
		}
		selected = ops[0]
	}

	op.def = selected
	op.Kind = federation.OperationKind(selected.Operation)
	if selected.Name != nil {
		op.Name = selected.Name.Value
	}
	return op, nil
}

// Depth returns the maximum selection depth of the operation, following
// fragment spreads (each fragment counted once per path, cycles guarded).
func (o *Operation) Depth() int {
	return o.selectionDepth(o.def.SelectionSet, map[string]bool{})
}

func (o *Operation) selectionDepth(set *ast.SelectionSet, visiting map[string]bool) int {
	if set == nil {
		return 0
	}
	max := 0
	for _, sel := range set.Selections {
		d := 0
		switch s := sel.(type) {
		case *ast.Field:
			d = 1 + o.selectionDepth(s.SelectionSet, visiting)
		case *ast.InlineFragment:
			d = o.selectionDepth(s.SelectionSet, visiting)
		case *ast.FragmentSpread:
			name := s.Name.Value
			if visiting[name] {
				continue
			}
			if frag, ok := o.fragments[name]; ok {
				visiting[name] = true
				d = o.selectionDepth(frag.SelectionSet, visiting)
				delete(visiting, name)
			}
		}
		if d > max {
			max = d
		}
	}
	return max
}

// AliasCount returns the number of aliased fields in the operation.
func (o *Operation) AliasCount() int {
	count := 0
	var walk func(set *ast.SelectionSet)
	walk = func(set *ast.SelectionSet) {
		if set == nil {
			return
		}
		for _, sel := range set.Selections {
			switch s := sel.(type) {
			case *ast.Field:
				if s.Alias != nil {
					count++
				}
				walk(s.SelectionSet)
			case *ast.InlineFragment:
				walk(s.SelectionSet)
			}
		}
	}
	walk(o.def.SelectionSet)
	for _, frag := range o.fragments {
		walk(frag.SelectionSet)
	}
	return count
}

// topLevelFields flattens the root selection set (resolving inline fragments
// and spreads) into the ordered list of concrete fields.
func (o *Operation) topLevelFields() ([]*ast.Field, *GraphQLError) {
	var out []*ast.Field
	var expand func(set *ast.SelectionSet, visiting map[string]bool) *GraphQLError
	expand = func(set *ast.SelectionSet, visiting map[string]bool) *GraphQLError {
		for _, sel := range set.Selections {
			switch s := sel.(type) {
			case *ast.Field:
				out = append(out, s)
			case *ast.InlineFragment:
				if err := expand(s.SelectionSet, visiting); err != nil {
					return err
				}
			case *ast.FragmentSpread:
				name := s.Name.Value
				if visiting[name] {
					return newError(apperr.CodeBadUserInput, fmt.Sprintf("fragment cycle at %q", name))
				}
				frag, ok := o.fragments[name]
				if !ok {
					return newError(apperr.CodeBadUserInput, fmt.Sprintf("unknown fragment %q", name))
				}
				visiting[name] = true
				if err := expand(frag.SelectionSet, visiting); err != nil {
					return err
				}
				delete(visiting, name)
			}
		}
		return nil
	}
	if err := expand(o.def.SelectionSet, map[string]bool{}); err != nil {
		return nil, err
	}
	return out, nil
}

func responseKey(f *ast.Field) string {
	if f.Alias != nil {
		return f.Alias.Value
	}
	return f.Name.Value
}

// BuildPlan groups the top-level selections by owning subgraph and renders
// one sub-operation per group.
func BuildPlan(op *Operation, sg *federation.Supergraph) (*Plan, *GraphQLError) {
	fields, gerr := op.topLevelFields()
	if gerr != nil {
		return nil, gerr
	}
	if len(fields) == 0 {
		return nil, newError(apperr.CodeBadUserInput, "operation has an empty selection set")
	}

	plan := &Plan{}
	groups := make(map[string][]*ast.Field)
	var groupOrder []string

	for _, f := range fields {
		key := responseKey(f)
		plan.FieldOrder = append(plan.FieldOrder, key)

		name := f.Name.Value
		owner, ok := sg.OwnerOf(op.Kind, name)
		if !ok {
			return nil, newError(apperr.CodeBadUserInput,
				fmt.Sprintf("field %q is not defined on the supergraph %s type", name, op.Kind))
		}
		if _, seen := groups[owner]; !seen {
			groupOrder = append(groupOrder, owner)
		}
		groups[owner] = append(groups[owner], f)
	}

	for _, owner := range groupOrder {
		url, ok := sg.SubgraphURL(owner)
		if !ok {
			return nil, newError(apperr.CodeSubgraphUnavailable, fmt.Sprintf("subgraph %q has no endpoint", owner))
		}
		step := PlanStep{Subgraph: owner, URL: url}
		for _, f := range groups[owner] {
			step.Keys = append(step.Keys, responseKey(f))
		}
		step.Query = op.renderSubOperation(groups[owner])
		plan.Steps = append(plan.Steps, step)
	}

	return plan, nil
}

// renderSubOperation prints an operation containing only the given top-level
// fields, with variable definitions pruned to those the fields use and the
// fragment definitions they reference appended.
func (o *Operation) renderSubOperation(fields []*ast.Field) string {
	selections := make([]ast.Selection, 0, len(fields))
	usedVars := make(map[string]bool)
	usedFrags := make(map[string]bool)
	for _, f := range fields {
		selections = append(selections, f)
		o.collectUsage(f.SelectionSet, f.Arguments, f.Directives, usedVars, usedFrags)
	}

	var varDefs []*ast.VariableDefinition
	for _, vd := range o.def.VariableDefinitions {
		if usedVars[vd.Variable.Name.Value] {
			varDefs = append(varDefs, vd)
		}
	}

	subOp := ast.NewOperationDefinition(&ast.OperationDefinition{
		Operation:           o.def.Operation,
		Name:                o.def.Name,
		VariableDefinitions: varDefs,
		Directives:          o.def.Directives,
		SelectionSet:        ast.NewSelectionSet(&ast.SelectionSet{Selections: selections}),
	})

	defs := []ast.Node{subOp}
	for name := range usedFrags {
		if frag, ok := o.fragments[name]; ok {
			defs = append(defs, frag)
		}
	}

	doc := ast.NewDocument(&ast.Document{Definitions: defs})
	return fmt.Sprintf("%v", printer.Print(doc))
}

// collectUsage records variable and fragment usage under a selection.
func (o *Operation) collectUsage(set *ast.SelectionSet, args []*ast.Argument, directives []*ast.Directive, vars, frags map[string]bool) {
	for _, a := range args {
		collectValueVars(a.Value, vars)
	}
	for _, d := range directives {
		for _, a := range d.Arguments {
			collectValueVars(a.Value, vars)
		}
	}
	if set == nil {
		return
	}
	for _, sel := range set.Selections {
		switch s := sel.(type) {
		case *ast.Field:
			o.collectUsage(s.SelectionSet, s.Arguments, s.Directives, vars, frags)
		case *ast.InlineFragment:
			o.collectUsage(s.SelectionSet, nil, s.Directives, vars, frags)
		case *ast.FragmentSpread:
			name := s.Name.Value
			if frags[name] {
				continue
			}
			frags[name] = true
			if frag, ok := o.fragments[name]; ok {
				o.collectUsage(frag.SelectionSet, nil, frag.Directives, vars, frags)
			}
		}
	}
}

func collectValueVars(v ast.Value, vars map[string]bool) {
	switch val := v.(type) {
	case *ast.Variable:
		vars[val.Name.Value] = true
	case *ast.ListValue:
		for _, item := range val.Values {
			collectValueVars(item, vars)
		}
	case *ast.ObjectValue:
		for _, f := range val.Fields {
			collectValueVars(f.Value, vars)
		}
	}
}
