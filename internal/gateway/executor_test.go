package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devmesh/devmesh/internal/common/apperr"
	"github.com/devmesh/devmesh/internal/common/logger"
	"github.com/devmesh/devmesh/internal/federation"
)

// fakeSubgraph serves _service introspection plus canned responses keyed by
// a substring of the incoming query.
type fakeSubgraph struct {
	sdl      string
	respond  func(req *Request) *Response
	hits     atomic.Int64
	failWith int
	server   *httptest.Server
}

func newFakeSubgraph(t *testing.T, sdl string, respond func(req *Request) *Response) *fakeSubgraph {
	t.Helper()
	f := &fakeSubgraph{sdl: sdl, respond: respond}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		if strings.Contains(req.Query, "_service") {
			writeJSON(w, &Response{Data: map[string]any{"_service": map[string]any{"sdl": f.sdl}}})
			return
		}

		f.hits.Add(1)
		if code := f.failWith; code != 0 {
			w.WriteHeader(code)
			return
		}
		writeJSON(w, f.respond(&req))
	}))
	t.Cleanup(f.server.Close)
	return f
}

func writeJSON(w http.ResponseWriter, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func newTestExecutor(t *testing.T, endpoints []federation.Endpoint) (*Executor, *federation.Composer, *ResponseCache) {
	t.Helper()
	client := NewSubgraphClient(2 * time.Second)
	composer := federation.NewComposer(endpoints, client, time.Minute, logger.Default())
	require.NoError(t, composer.Compose(context.Background()))

	cache := NewResponseCache(time.Minute)
	executor := NewExecutor(composer, client, cache, Limits{
		MaxDepth:       15,
		MaxAliases:     30,
		RequestTimeout: 2 * time.Second,
	}, logger.Default(), NewMetrics())
	return executor, composer, cache
}

func decodeResponse(t *testing.T, body []byte) *Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(body, &resp))
	return &resp
}

func TestExecutorMergesAcrossSubgraphs(t *testing.T) {
	git := newFakeSubgraph(t, `
type Query { workspaceRepositories: [String!]! }
`, func(_ *Request) *Response {
		return &Response{Data: map[string]any{"workspaceRepositories": []any{"svc-a", "svc-b"}}}
	})
	agent := newFakeSubgraph(t, `
type Query { claudeHealth: String! }
`, func(_ *Request) *Response {
		return &Response{Data: map[string]any{"claudeHealth": "ok"}}
	})

	executor, _, _ := newTestExecutor(t, []federation.Endpoint{
		{Name: "git", URL: git.server.URL},
		{Name: "agent", URL: agent.server.URL},
	})

	body := executor.Execute(context.Background(), &Request{
		Query: `{ claudeHealth workspaceRepositories }`,
	}, nil)

	resp := decodeResponse(t, body)
	assert.Empty(t, resp.Errors)

	data := resp.Data.(map[string]any)
	assert.Equal(t, "ok", data["claudeHealth"])
	assert.Equal(t, []any{"svc-a", "svc-b"}, data["workspaceRepositories"])

	// Client selection order survives the merge.
	assert.Less(t,
		strings.Index(string(body), `"claudeHealth"`),
		strings.Index(string(body), `"workspaceRepositories"`))
}

func TestExecutorPartialFailure(t *testing.T) {
	git := newFakeSubgraph(t, `type Query { workspaceRepositories: [String!]! }`, func(_ *Request) *Response {
		return &Response{Data: map[string]any{"workspaceRepositories": []any{"svc-a"}}}
	})
	agent := newFakeSubgraph(t, `type Query { claudeHealth: String! }`, nil)
	agent.failWith = http.StatusInternalServerError

	executor, _, _ := newTestExecutor(t, []federation.Endpoint{
		{Name: "git", URL: git.server.URL},
		{Name: "agent", URL: agent.server.URL},
	})

	resp := decodeResponse(t, executor.Execute(context.Background(), &Request{
		Query: `{ workspaceRepositories claudeHealth }`,
	}, nil))

	data := resp.Data.(map[string]any)
	assert.Equal(t, []any{"svc-a"}, data["workspaceRepositories"])
	assert.Nil(t, data["claudeHealth"])

	require.Len(t, resp.Errors, 1)
	assert.Equal(t, []any{"claudeHealth"}, resp.Errors[0].Path)
	assert.Equal(t, "agent", resp.Errors[0].Extensions["subgraph"])
}

func TestExecutorDepthLimit(t *testing.T) {
	git := newFakeSubgraph(t, `type Query { workspaceRepositories: [String!]! }`, func(_ *Request) *Response {
		return &Response{Data: map[string]any{}}
	})
	executor, _, _ := newTestExecutor(t, []federation.Endpoint{{Name: "git", URL: git.server.URL}})
	executor.limits.MaxDepth = 2

	resp := decodeResponse(t, executor.Execute(context.Background(), &Request{
		Query: `{ a { b { c { d } } } }`,
	}, nil))
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, apperr.CodeQueryTooDeep, resp.Errors[0].Extensions["code"])
	assert.Equal(t, int64(0), git.hits.Load())
}

func TestExecutorAliasLimit(t *testing.T) {
	git := newFakeSubgraph(t, `type Query { workspaceRepositories: [String!]! }`, func(_ *Request) *Response {
		return &Response{Data: map[string]any{}}
	})
	executor, _, _ := newTestExecutor(t, []federation.Endpoint{{Name: "git", URL: git.server.URL}})
	executor.limits.MaxAliases = 1

	resp := decodeResponse(t, executor.Execute(context.Background(), &Request{
		Query: `{ a: workspaceRepositories b: workspaceRepositories }`,
	}, nil))
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, apperr.CodeBadUserInput, resp.Errors[0].Extensions["code"])
}

func TestExecutorQueryCacheAndMutationInvalidation(t *testing.T) {
	git := newFakeSubgraph(t, `
type Query { workspaceRepositories: [String!]! }
type Mutation { stageFiles(repository: String!): Boolean! }
`, func(req *Request) *Response {
		if strings.Contains(req.Query, "stageFiles") {
			return &Response{Data: map[string]any{"stageFiles": true}}
		}
		return &Response{Data: map[string]any{"workspaceRepositories": []any{"svc-a"}}}
	})

	executor, _, cache := newTestExecutor(t, []federation.Endpoint{{Name: "git", URL: git.server.URL}})

	query := &Request{Query: `{ workspaceRepositories }`}
	first := executor.Execute(context.Background(), query, nil)
	second := executor.Execute(context.Background(), query, nil)
	assert.Equal(t, string(first), string(second))
	assert.Equal(t, int64(1), git.hits.Load())
	assert.Equal(t, 1, cache.Len())

	// A mutation touching the subgraph flushes its cached queries.
	executor.Execute(context.Background(), &Request{
		Query: `mutation { stageFiles(repository: "svc-a") }`,
	}, nil)
	assert.Equal(t, 0, cache.Len())

	executor.Execute(context.Background(), query, nil)
	assert.Equal(t, int64(3), git.hits.Load())
}

func TestExecutorCacheScopedBySession(t *testing.T) {
	git := newFakeSubgraph(t, `type Query { workspaceRepositories: [String!]! }`, func(_ *Request) *Response {
		return &Response{Data: map[string]any{"workspaceRepositories": []any{}}}
	})
	executor, _, _ := newTestExecutor(t, []federation.Endpoint{{Name: "git", URL: git.server.URL}})

	query := &Request{Query: `{ workspaceRepositories }`}
	headersA := http.Header{}
	headersA.Set("x-session-scope", "alice")
	headersB := http.Header{}
	headersB.Set("x-session-scope", "bob")

	executor.Execute(context.Background(), query, headersA)
	executor.Execute(context.Background(), query, headersB)
	assert.Equal(t, int64(2), git.hits.Load())
}

func TestExecutorRejectsSubscriptionOverHTTP(t *testing.T) {
	git := newFakeSubgraph(t, `
type Query { workspaceRepositories: [String!]! }
type Subscription { repositoryChanged: String! }
`, func(_ *Request) *Response {
		return &Response{Data: map[string]any{}}
	})
	executor, _, _ := newTestExecutor(t, []federation.Endpoint{{Name: "git", URL: git.server.URL}})

	resp := decodeResponse(t, executor.Execute(context.Background(), &Request{
		Query: `subscription { repositoryChanged }`,
	}, nil))
	require.Len(t, resp.Errors, 1)
	assert.Contains(t, resp.Errors[0].Message, "streaming")
}

func TestExecutorBeforeFirstComposition(t *testing.T) {
	client := NewSubgraphClient(time.Second)
	composer := federation.NewComposer(nil, client, time.Minute, logger.Default())
	executor := NewExecutor(composer, client, NewResponseCache(time.Minute), Limits{
		MaxDepth:       15,
		MaxAliases:     30,
		RequestTimeout: time.Second,
	}, logger.Default(), NewMetrics())

	resp := decodeResponse(t, executor.Execute(context.Background(), &Request{Query: `{ x }`}, nil))
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, apperr.CodeSubgraphUnavailable, resp.Errors[0].Extensions["code"])
}

func TestExecutorCompletesEntitiesAcrossSubgraphs(t *testing.T) {
	git := newFakeSubgraph(t, `
type Repository @key(fields: "path") {
  path: String!
  branch: String!
}
type Query { workspaceRepositories: [Repository!]! }
`, func(_ *Request) *Response {
		return &Response{Data: map[string]any{"workspaceRepositories": []any{
			map[string]any{"__typename": "Repository", "path": "svc-a", "branch": "main"},
			map[string]any{"__typename": "Repository", "path": "svc-b", "branch": "dev"},
		}}}
	})
	quality := newFakeSubgraph(t, `
extend type Repository @key(fields: "path") {
  path: String! @external
  qualityScore: Int!
}
type Query { qualitySummary: String! }
`, func(req *Request) *Response {
		if !strings.Contains(req.Query, "_entities") {
			return &Response{Data: map[string]any{}}
		}
		reps := req.Variables["representations"].([]any)
		entities := make([]any, len(reps))
		for i, rep := range reps {
			path := rep.(map[string]any)["path"].(string)
			score := 95
			if path == "svc-b" {
				score = 40
			}
			entities[i] = map[string]any{"qualityScore": score}
		}
		return &Response{Data: map[string]any{"_entities": entities}}
	})

	executor, _, _ := newTestExecutor(t, []federation.Endpoint{
		{Name: "git", URL: git.server.URL},
		{Name: "quality", URL: quality.server.URL},
	})

	resp := decodeResponse(t, executor.Execute(context.Background(), &Request{
		Query: `{ workspaceRepositories { __typename path branch qualityScore } }`,
	}, nil))
	require.Empty(t, resp.Errors)

	repos := resp.Data.(map[string]any)["workspaceRepositories"].([]any)
	require.Len(t, repos, 2)
	first := repos[0].(map[string]any)
	assert.Equal(t, "main", first["branch"])
	assert.Equal(t, float64(95), first["qualityScore"])
	second := repos[1].(map[string]any)
	assert.Equal(t, float64(40), second["qualityScore"])
}
