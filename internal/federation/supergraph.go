// Package federation composes subgraph schemas into a supergraph and
// tracks field ownership and entity keys. Subgraphs publish their SDL via
// the _service { sdl } query; types may declare @key (entity), @shareable,
// and @external per the federation contract.
package federation

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// OperationKind distinguishes the three GraphQL root types.
type OperationKind string

const (
	OpQuery        OperationKind = "query"
	OpMutation     OperationKind = "mutation"
	OpSubscription OperationKind = "subscription"
)

// SubgraphInfo describes one registered subgraph.
type SubgraphInfo struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	Healthy bool   `json:"healthy"`
	SDL     string `json:"-"`
}

// EntityType is a type with a declared @key and exactly one owning subgraph.
type EntityType struct {
	Name      string
	KeyFields []string
	Owner     string
	// Extenders lists subgraphs that contribute additional fields beyond
	// the owner's, mapped to the field names they contribute.
	Extenders map[string][]string
}

// typeShape captures a type's field signatures for shareable-equality checks.
type typeShape struct {
	subgraph  string
	shareable bool
	fields    map[string]string // field name -> printed type signature
}

// Supergraph is the composed schema index the gateway routes with.
type Supergraph struct {
	ComposedAt time.Time
	Subgraphs  []SubgraphInfo

	queryFields        map[string]string // field name -> owning subgraph
	mutationFields     map[string]string
	subscriptionFields map[string]string
	entities           map[string]*EntityType
	fieldOwners        map[string]map[string]string // typename -> field -> subgraph
}

// NewSupergraph returns an empty supergraph index.
func NewSupergraph() *Supergraph {
	return &Supergraph{
		ComposedAt:         time.Now().UTC(),
		queryFields:        make(map[string]string),
		mutationFields:     make(map[string]string),
		subscriptionFields: make(map[string]string),
		entities:           make(map[string]*EntityType),
		fieldOwners:        make(map[string]map[string]string),
	}
}

// OwnerOf returns the subgraph owning a root field of the given kind.
func (s *Supergraph) OwnerOf(kind OperationKind, field string) (string, bool) {
	var m map[string]string
	switch kind {
	case OpQuery:
		m = s.queryFields
	case OpMutation:
		m = s.mutationFields
	case OpSubscription:
		m = s.subscriptionFields
	default:
		return "", false
	}
	owner, ok := m[field]
	return owner, ok
}

// Entity returns the entity declaration for a typename, if any.
func (s *Supergraph) Entity(typename string) (*EntityType, bool) {
	e, ok := s.entities[typename]
	return e, ok
}

// FieldOwner returns the subgraph that serves typename.field, falling back
// to the entity owner when the field is not an extension.
func (s *Supergraph) FieldOwner(typename, field string) (string, bool) {
	if fields, ok := s.fieldOwners[typename]; ok {
		if owner, ok := fields[field]; ok {
			return owner, true
		}
	}
	if e, ok := s.entities[typename]; ok {
		return e.Owner, true
	}
	return "", false
}

// SubgraphURL returns the URL for a subgraph name.
func (s *Supergraph) SubgraphURL(name string) (string, bool) {
	for _, sg := range s.Subgraphs {
		if sg.Name == name {
			return sg.URL, true
		}
	}
	return "", false
}

// RootFieldCount returns the number of composed root fields, for health output.
func (s *Supergraph) RootFieldCount() int {
	return len(s.queryFields) + len(s.mutationFields) + len(s.subscriptionFields)
}

// shapesEqual reports whether two type shapes have byte-equal field signatures.
func shapesEqual(a, b *typeShape) bool {
	if len(a.fields) != len(b.fields) {
		return false
	}
	for name, sig := range a.fields {
		if b.fields[name] != sig {
			return false
		}
	}
	return true
}

func shapeString(t *typeShape) string {
	names := make([]string, 0, len(t.fields))
	for n := range t.fields {
		names = append(names, n)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, fmt.Sprintf("%s: %s", n, t.fields[n]))
	}
	return strings.Join(parts, ", ")
}
