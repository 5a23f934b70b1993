package federation

import (
	"fmt"

	"github.com/graphql-go/graphql/language/ast"
	"github.com/graphql-go/graphql/language/parser"
	"github.com/graphql-go/graphql/language/printer"
	"github.com/graphql-go/graphql/language/source"
)

// SubgraphSDL is one subgraph's published schema, as fetched from
// _service { sdl }.
type SubgraphSDL struct {
	Name string
	URL  string
	SDL  string
}

// parsedType is one object type definition as seen in a single subgraph.
type parsedType struct {
	subgraph  string
	name      string
	keyFields []string
	shareable bool
	extension bool
	fields    map[string]string // name -> printed type signature
	external  map[string]bool
}

// Compose builds a supergraph from the published SDLs. Root fields must be
// uniquely owned; entity types must have exactly one owning subgraph; types
// appearing in more than one subgraph without a key must be shareable with
// byte-equal field shapes.
func Compose(inputs []SubgraphSDL) (*Supergraph, error) {
	sg := NewSupergraph()

	typesByName := make(map[string][]*parsedType)

	for _, in := range inputs {
		doc, err := parser.Parse(parser.ParseParams{
			Source: source.NewSource(&source.Source{Body: []byte(in.SDL), Name: in.Name}),
		})
		if err != nil {
			return nil, fmt.Errorf("subgraph %s: invalid SDL: %w", in.Name, err)
		}

		sg.Subgraphs = append(sg.Subgraphs, SubgraphInfo{
			Name:    in.Name,
			URL:     in.URL,
			Healthy: true,
			SDL:     in.SDL,
		})

		for _, def := range doc.Definitions {
			var obj *ast.ObjectDefinition
			extension := false
			switch d := def.(type) {
			case *ast.ObjectDefinition:
				obj = d
			case *ast.TypeExtensionDefinition:
				obj = d.Definition
				extension = true
			default:
				continue
			}

			pt := parseObject(in.Name, obj, extension)

			switch pt.name {
			case "Query":
				if err := mergeRootFields(sg.queryFields, pt, "Query"); err != nil {
					return nil, err
				}
			case "Mutation":
				if err := mergeRootFields(sg.mutationFields, pt, "Mutation"); err != nil {
					return nil, err
				}
			case "Subscription":
				if err := mergeRootFields(sg.subscriptionFields, pt, "Subscription"); err != nil {
					return nil, err
				}
			default:
				typesByName[pt.name] = append(typesByName[pt.name], pt)
			}
		}
	}

	if err := composeTypes(sg, typesByName); err != nil {
		return nil, err
	}

	return sg, nil
}

func parseObject(subgraph string, obj *ast.ObjectDefinition, extension bool) *parsedType {
	pt := &parsedType{
		subgraph:  subgraph,
		name:      obj.Name.Value,
		extension: extension,
		fields:    make(map[string]string),
		external:  make(map[string]bool),
	}

	for _, d := range obj.Directives {
		switch d.Name.Value {
		case "key":
			for _, arg := range d.Arguments {
				if arg.Name.Value != "fields" {
					continue
				}
				if sv, ok := arg.Value.(*ast.StringValue); ok {
					pt.keyFields = append(pt.keyFields, splitFields(sv.Value)...)
				}
			}
		case "shareable":
			pt.shareable = true
		}
	}

	for _, f := range obj.Fields {
		sig := fmt.Sprintf("%v", printer.Print(f.Type))
		pt.fields[f.Name.Value] = sig
		for _, fd := range f.Directives {
			if fd.Name.Value == "external" {
				pt.external[f.Name.Value] = true
			}
		}
	}

	return pt
}

func splitFields(spec string) []string {
	var out []string
	field := ""
	for _, r := range spec {
		if r == ' ' || r == ',' {
			if field != "" {
				out = append(out, field)
				field = ""
			}
			continue
		}
		field += string(r)
	}
	if field != "" {
		out = append(out, field)
	}
	return out
}

func mergeRootFields(target map[string]string, pt *parsedType, root string) error {
	for name := range pt.fields {
		if owner, exists := target[name]; exists {
			return fmt.Errorf("%s field %q declared by both %s and %s", root, name, owner, pt.subgraph)
		}
		target[name] = pt.subgraph
	}
	return nil
}

func composeTypes(sg *Supergraph, typesByName map[string][]*parsedType) error {
	for name, defs := range typesByName {
		// Entity composition: exactly one non-extension definition with @key owns
		// the type; other subgraphs extend it with reference declarations.
		var owner *parsedType
		for _, pt := range defs {
			if len(pt.keyFields) > 0 && !pt.extension {
				if owner != nil {
					return fmt.Errorf("entity %q has two owners: %s and %s", name, owner.subgraph, pt.subgraph)
				}
				owner = pt
			}
		}

		if owner != nil {
			entity := &EntityType{
				Name:      name,
				KeyFields: owner.keyFields,
				Owner:     owner.subgraph,
				Extenders: make(map[string][]string),
			}
			fieldOwners := make(map[string]string, len(owner.fields))
			for f := range owner.fields {
				fieldOwners[f] = owner.subgraph
			}
			for _, pt := range defs {
				if pt == owner {
					continue
				}
				// Extenders must redeclare the key fields as external references.
				for _, kf := range entity.KeyFields {
					if _, ok := pt.fields[kf]; !ok {
						return fmt.Errorf("subgraph %s extends entity %q without key field %q", pt.subgraph, name, kf)
					}
					if !pt.external[kf] {
						return fmt.Errorf("subgraph %s must declare key field %s.%s as a reference", pt.subgraph, name, kf)
					}
				}
				for f := range pt.fields {
					if pt.external[f] {
						continue
					}
					if prev, taken := fieldOwners[f]; taken {
						return fmt.Errorf("entity field %s.%s declared by both %s and %s", name, f, prev, pt.subgraph)
					}
					fieldOwners[f] = pt.subgraph
					entity.Extenders[pt.subgraph] = append(entity.Extenders[pt.subgraph], f)
				}
			}
			sg.entities[name] = entity
			sg.fieldOwners[name] = fieldOwners
			continue
		}

		// Value types shared across subgraphs must be shareable with
		// byte-equal shapes.
		if len(defs) > 1 {
			first := &typeShape{subgraph: defs[0].subgraph, shareable: defs[0].shareable, fields: defs[0].fields}
			for _, pt := range defs {
				if !pt.shareable {
					return fmt.Errorf("type %q appears in multiple subgraphs but %s does not declare it shareable", name, pt.subgraph)
				}
				shape := &typeShape{subgraph: pt.subgraph, shareable: pt.shareable, fields: pt.fields}
				if !shapesEqual(first, shape) {
					return fmt.Errorf("shareable type %q differs between %s (%s) and %s (%s)",
						name, first.subgraph, shapeString(first), pt.subgraph, shapeString(shape))
				}
			}
		}

		fieldOwners := make(map[string]string)
		for _, pt := range defs {
			for f := range pt.fields {
				if _, taken := fieldOwners[f]; !taken {
					fieldOwners[f] = pt.subgraph
				}
			}
		}
		sg.fieldOwners[name] = fieldOwners
	}

	return nil
}
