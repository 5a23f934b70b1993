package federation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gitSDL = `
type Repository @key(fields: "path") {
  path: String!
  branch: String!
  isDirty: Boolean!
}

type Query {
  repository(path: String!): Repository
  workspaceRepositories: [Repository!]!
}

type Mutation {
  stageFiles(repository: String!, paths: [String!]!): Repository!
}
`

const qualitySDL = `
extend type Repository @key(fields: "path") {
  path: String! @external
  qualityScore: Int!
}

type Query {
  qualitySummary: String!
}
`

func TestComposeRootFieldOwnership(t *testing.T) {
	sg, err := Compose([]SubgraphSDL{
		{Name: "git", URL: "http://127.0.0.1:4001", SDL: gitSDL},
		{Name: "quality", URL: "http://127.0.0.1:4003", SDL: qualitySDL},
	})
	require.NoError(t, err)

	owner, ok := sg.OwnerOf(OpQuery, "repository")
	require.True(t, ok)
	assert.Equal(t, "git", owner)

	owner, ok = sg.OwnerOf(OpQuery, "qualitySummary")
	require.True(t, ok)
	assert.Equal(t, "quality", owner)

	owner, ok = sg.OwnerOf(OpMutation, "stageFiles")
	require.True(t, ok)
	assert.Equal(t, "git", owner)

	_, ok = sg.OwnerOf(OpQuery, "missing")
	assert.False(t, ok)

	assert.Equal(t, 4, sg.RootFieldCount())
}

func TestComposeRootFieldConflict(t *testing.T) {
	_, err := Compose([]SubgraphSDL{
		{Name: "a", SDL: `type Query { health: String! }`},
		{Name: "b", SDL: `type Query { health: String! }`},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"health"`)
}

func TestComposeEntityExtension(t *testing.T) {
	sg, err := Compose([]SubgraphSDL{
		{Name: "git", SDL: gitSDL},
		{Name: "quality", SDL: qualitySDL},
	})
	require.NoError(t, err)

	entity, ok := sg.Entity("Repository")
	require.True(t, ok)
	assert.Equal(t, "git", entity.Owner)
	assert.Equal(t, []string{"path"}, entity.KeyFields)
	assert.Equal(t, []string{"qualityScore"}, entity.Extenders["quality"])

	owner, ok := sg.FieldOwner("Repository", "branch")
	require.True(t, ok)
	assert.Equal(t, "git", owner)

	owner, ok = sg.FieldOwner("Repository", "qualityScore")
	require.True(t, ok)
	assert.Equal(t, "quality", owner)

	// Unknown fields on an entity fall back to the owner.
	owner, ok = sg.FieldOwner("Repository", "somethingNew")
	require.True(t, ok)
	assert.Equal(t, "git", owner)
}

func TestComposeEntityExtensionWithoutExternalKey(t *testing.T) {
	_, err := Compose([]SubgraphSDL{
		{Name: "git", SDL: gitSDL},
		{Name: "quality", SDL: `
extend type Repository @key(fields: "path") {
  path: String!
  qualityScore: Int!
}
type Query { qualitySummary: String! }
`},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reference")
}

func TestComposeEntityTwoOwners(t *testing.T) {
	_, err := Compose([]SubgraphSDL{
		{Name: "a", SDL: `
type Repository @key(fields: "path") { path: String! }
type Query { a: String! }
`},
		{Name: "b", SDL: `
type Repository @key(fields: "path") { path: String! }
type Query { b: String! }
`},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "two owners")
}

func TestComposeShareableValueType(t *testing.T) {
	shared := `
type TokenUsage @shareable {
  inputTokens: Int!
  outputTokens: Int!
}
`
	_, err := Compose([]SubgraphSDL{
		{Name: "a", SDL: shared + `type Query { a: TokenUsage! }`},
		{Name: "b", SDL: shared + `type Query { b: TokenUsage! }`},
	})
	assert.NoError(t, err)

	// Missing @shareable in one subgraph is a composition error.
	_, err = Compose([]SubgraphSDL{
		{Name: "a", SDL: shared + `type Query { a: TokenUsage! }`},
		{Name: "b", SDL: `
type TokenUsage {
  inputTokens: Int!
  outputTokens: Int!
}
type Query { b: TokenUsage! }
`},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shareable")

	// Diverging shapes are rejected even when both declare @shareable.
	_, err = Compose([]SubgraphSDL{
		{Name: "a", SDL: shared + `type Query { a: TokenUsage! }`},
		{Name: "b", SDL: `
type TokenUsage @shareable {
  inputTokens: Int!
  outputTokens: Float!
}
type Query { b: TokenUsage! }
`},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "differs")
}

func TestComposeInvalidSDL(t *testing.T) {
	_, err := Compose([]SubgraphSDL{
		{Name: "broken", SDL: `type Query {`},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid SDL")
}

func TestSplitFields(t *testing.T) {
	assert.Equal(t, []string{"path"}, splitFields("path"))
	assert.Equal(t, []string{"id", "owner"}, splitFields("id owner"))
	assert.Equal(t, []string{"id", "owner"}, splitFields("id, owner"))
	assert.Nil(t, splitFields("  "))
}
