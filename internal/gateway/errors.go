package gateway

import (
	"context"
	"errors"
	"net"

	"github.com/devmesh/devmesh/internal/common/apperr"
)

// GraphQLError is the wire shape of one error in a GraphQL response.
type GraphQLError struct {
	Message    string         `json:"message"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// Response is the wire shape of a GraphQL response.
type Response struct {
	Data   any             `json:"data,omitempty"`
	Errors []*GraphQLError `json:"errors,omitempty"`
}

// Request is the wire shape of a GraphQL request body.
type Request struct {
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
	OperationName string         `json:"operationName,omitempty"`
}

func newError(code, message string) *GraphQLError {
	return &GraphQLError{
		Message:    message,
		Extensions: map[string]any{"code": code},
	}
}

// subgraphError wraps an upstream error with the subgraph extension and an
// optional response path.
func subgraphError(subgraph string, path []any, err error) *GraphQLError {
	code := apperr.CodeOf(err)
	if code == apperr.CodeInternal {
		code = classifyUpstream(err)
	}
	msg := err.Error()
	if code == apperr.CodeInternal {
		// Internal detail never leaves the gateway.
		msg = "internal server error"
	}
	return &GraphQLError{
		Message: msg,
		Path:    path,
		Extensions: map[string]any{
			"code":     code,
			"subgraph": subgraph,
		},
	}
}

// classifyUpstream maps transport failures onto the upstream error codes.
func classifyUpstream(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.CodeSubgraphTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return apperr.CodeSubgraphTimeout
		}
		return apperr.CodeSubgraphUnavailable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return apperr.CodeSubgraphUnavailable
	}
	return apperr.CodeInternal
}

// errorResponse builds a data-less response carrying a single error.
func errorResponse(code, message string) *Response {
	return &Response{Errors: []*GraphQLError{newError(code, message)}}
}
