package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/devmesh/devmesh/internal/common/httpmw"
)

// forwardedHeaders are copied verbatim from the client request onto every
// upstream subgraph call.
var forwardedHeaders = []string{"authorization", "traceparent", "tracestate"}

// SubgraphClient executes GraphQL operations against subgraph endpoints.
type SubgraphClient struct {
	http    *http.Client
	timeout time.Duration
}

// NewSubgraphClient creates a client with the given per-call timeout.
func NewSubgraphClient(timeout time.Duration) *SubgraphClient {
	return &SubgraphClient{
		http: &http.Client{
			// Timeouts are enforced per call via context so that
			// subscriptions can outlive the query deadline.
			Timeout: 0,
		},
		timeout: timeout,
	}
}

// Execute posts one GraphQL request to a subgraph and decodes the response.
// The correlation id and forwarded headers travel on every call.
func (c *SubgraphClient) Execute(ctx context.Context, url string, req *Request, headers http.Header) (*Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal subgraph request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, url+"/graphql", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build subgraph request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	applyHeaders(httpReq, ctx, headers)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("subgraph returned HTTP %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("read subgraph response: %w", err)
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode subgraph response: %w", err)
	}
	return &out, nil
}

// FetchSDL retrieves the subgraph's published schema via _service { sdl }.
func (c *SubgraphClient) FetchSDL(ctx context.Context, url string) (string, error) {
	resp, err := c.Execute(ctx, url, &Request{Query: "{ _service { sdl } }"}, nil)
	if err != nil {
		return "", err
	}
	if len(resp.Errors) > 0 {
		return "", fmt.Errorf("_service query failed: %s", resp.Errors[0].Message)
	}

	data, ok := resp.Data.(map[string]any)
	if !ok {
		return "", fmt.Errorf("_service query returned no data")
	}
	service, ok := data["_service"].(map[string]any)
	if !ok {
		return "", fmt.Errorf("_service field missing")
	}
	sdl, ok := service["sdl"].(string)
	if !ok || sdl == "" {
		return "", fmt.Errorf("sdl field missing or empty")
	}
	return sdl, nil
}

// applyHeaders copies the correlation id and forwarded client headers.
func applyHeaders(httpReq *http.Request, ctx context.Context, headers http.Header) {
	if cid := httpmw.CorrelationID(ctx); cid != "" {
		httpReq.Header.Set(httpmw.CorrelationHeader, cid)
	}
	if headers == nil {
		return
	}
	for _, name := range forwardedHeaders {
		if v := headers.Get(name); v != "" {
			httpReq.Header.Set(name, v)
		}
	}
}
