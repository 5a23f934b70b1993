package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devmesh/devmesh/internal/common/apperr"
	"github.com/devmesh/devmesh/internal/common/logger"
	"github.com/devmesh/devmesh/internal/federation"
)

// Limits are the configurable operation bounds.
type Limits struct {
	MaxDepth       int
	MaxAliases     int
	RequestTimeout time.Duration
}

// Executor runs one GraphQL request through parse, plan, fan-out, entity
// completion, merge, and cache.
type Executor struct {
	composer *federation.Composer
	client   *SubgraphClient
	router   *EntityRouter
	cache    *ResponseCache
	limits   Limits
	logger   *logger.Logger
	metrics  *Metrics
}

// NewExecutor wires the request pipeline.
func NewExecutor(composer *federation.Composer, client *SubgraphClient, cache *ResponseCache, limits Limits, log *logger.Logger, metrics *Metrics) *Executor {
	return &Executor{
		composer: composer,
		client:   client,
		router:   NewEntityRouter(client),
		cache:    cache,
		limits:   limits,
		logger:   log.WithFields(zap.String("component", "executor")),
		metrics:  metrics,
	}
}

// orderedData marshals top-level response fields in client selection order.
type orderedData struct {
	keys   []string
	values map[string]any
}

func (d *orderedData) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range d.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		v, err := json.Marshal(d.values[key])
		if err != nil {
			return nil, err
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Execute runs the request and returns the marshaled response body.
func (ex *Executor) Execute(ctx context.Context, req *Request, headers http.Header) []byte {
	start := time.Now()
	body, failed := ex.execute(ctx, req, headers)
	ex.metrics.Observe(time.Since(start), failed)
	return body
}

func (ex *Executor) execute(ctx context.Context, req *Request, headers http.Header) ([]byte, bool) {
	sg := ex.composer.Current()
	if sg == nil {
		return marshalResponse(errorResponse(apperr.CodeSubgraphUnavailable, "supergraph is not composed yet")), true
	}

	op, gerr := ParseOperation(req.Query, req.OperationName, req.Variables)
	if gerr != nil {
		return marshalResponse(&Response{Errors: []*GraphQLError{gerr}}), true
	}

	if gerr := ex.checkLimits(op); gerr != nil {
		return marshalResponse(&Response{Errors: []*GraphQLError{gerr}}), true
	}

	if op.Kind == federation.OpSubscription {
		return marshalResponse(errorResponse(apperr.CodeBadUserInput, "subscriptions require the streaming transport")), true
	}

	var fingerprint string
	if op.Kind == federation.OpQuery {
		fingerprint = Fingerprint(op.Canonical, op.Variables, sessionScope(headers))
		if body, hit := ex.cache.Get(fingerprint); hit {
			return body, false
		}
	}

	plan, gerr := BuildPlan(op, sg)
	if gerr != nil {
		return marshalResponse(&Response{Errors: []*GraphQLError{gerr}}), true
	}

	ctx, cancel := context.WithTimeout(ctx, ex.limits.RequestTimeout)
	defer cancel()

	data, errs := ex.fanOut(ctx, op, plan, headers)

	entityErrs := ex.router.Complete(ctx, op, sg, data, headers)
	errs = append(errs, entityErrs...)

	resp := &Response{
		Data:   &orderedData{keys: plan.FieldOrder, values: data},
		Errors: errs,
	}
	body := marshalResponse(resp)

	touched := make([]string, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		touched = append(touched, step.Subgraph)
	}

	switch op.Kind {
	case federation.OpQuery:
		if len(errs) == 0 {
			ex.cache.Put(fingerprint, body, ex.cache.TTLFor(plan.FieldOrder), touched)
		}
	case federation.OpMutation:
		removed := ex.cache.InvalidateSubgraphs(touched)
		if removed > 0 {
			ex.logger.Debug("invalidated cached responses",
				zap.Int("count", removed),
				zap.Strings("subgraphs", touched))
		}
	}

	return body, len(errs) > 0
}

func (ex *Executor) checkLimits(op *Operation) *GraphQLError {
	if depth := op.Depth(); depth > ex.limits.MaxDepth {
		return newError(apperr.CodeQueryTooDeep,
			fmt.Sprintf("query depth %d exceeds the maximum of %d", depth, ex.limits.MaxDepth))
	}
	if aliases := op.AliasCount(); aliases > ex.limits.MaxAliases {
		return newError(apperr.CodeBadUserInput,
			fmt.Sprintf("alias count %d exceeds the maximum of %d", aliases, ex.limits.MaxAliases))
	}
	return nil
}

// fanOut issues one upstream request per plan step in parallel and merges
// the partial results. A failed step nulls its fields and reports a
// path-qualified error; the rest of the response survives.
func (ex *Executor) fanOut(ctx context.Context, op *Operation, plan *Plan, headers http.Header) (map[string]any, []*GraphQLError) {
	data := make(map[string]any, len(plan.FieldOrder))
	var errs []*GraphQLError
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, step := range plan.Steps {
		wg.Add(1)
		go func(step PlanStep) {
			defer wg.Done()
			resp, err := ex.client.Execute(ctx, step.URL, &Request{
				Query:         step.Query,
				Variables:     op.Variables,
				OperationName: op.Name,
			}, headers)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				for _, key := range step.Keys {
					data[key] = nil
					errs = append(errs, subgraphError(step.Subgraph, []any{key}, err))
				}
				return
			}

			errs = append(errs, tagSubgraphErrors(resp.Errors, step.Subgraph)...)
			stepData, _ := resp.Data.(map[string]any)
			for _, key := range step.Keys {
				if stepData == nil {
					data[key] = nil
					continue
				}
				data[key] = stepData[key]
			}
		}(step)
	}
	wg.Wait()

	return data, errs
}

func sessionScope(headers http.Header) string {
	if headers == nil {
		return ""
	}
	return headers.Get("x-session-scope")
}

func marshalResponse(resp *Response) []byte {
	body, err := json.Marshal(resp)
	if err != nil {
		fallback, _ := json.Marshal(errorResponse(apperr.CodeInternal, "internal server error"))
		return fallback
	}
	return body
}
