// Package apperr provides application error types shared by the gateway
// and the subgraphs. Errors carry a stable code that maps onto the
// GraphQL extensions.code contract and an HTTP status for REST surfaces.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes surfaced through GraphQL extensions.code.
const (
	CodeParseFailed          = "GRAPHQL_PARSE_FAILED"
	CodeBadUserInput         = "BAD_USER_INPUT"
	CodeSubgraphUnavailable  = "SUBGRAPH_UNAVAILABLE"
	CodeSubgraphTimeout      = "SUBGRAPH_TIMEOUT"
	CodeQueryTooDeep         = "QUERY_TOO_DEEP"
	CodeTooManyRequests      = "TOO_MANY_REQUESTS"
	CodeBufferOverflow       = "BUFFER_OVERFLOW"
	CodeSessionNotFound      = "SESSION_NOT_FOUND"
	CodeCommandNotAllowed    = "COMMAND_NOT_ALLOWED"
	CodePathOutsideWorkspace = "PATH_OUTSIDE_WORKSPACE"
	CodeInternal             = "INTERNAL_SERVER_ERROR"
)

// Error is an application error with a stable code and optional cause.
type Error struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	RetryAfter int    `json:"retryAfter,omitempty"` // seconds, for resource errors
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Extensions exposes the error code (and retry hint) through the GraphQL
// extensions map. Satisfies gqlerrors.ExtendedError, so resolver errors
// reach clients with their code intact.
func (e *Error) Extensions() map[string]interface{} {
	ext := map[string]interface{}{"code": e.Code}
	if e.RetryAfter > 0 {
		ext["retryAfter"] = e.RetryAfter
	}
	return ext
}

// New creates an error with the given code and message.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: statusFor(code)}
}

// Wrap creates an error with the given code wrapping an underlying cause.
func Wrap(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: statusFor(code), Err: err}
}

// BadInput creates a BAD_USER_INPUT error.
func BadInput(format string, args ...any) *Error {
	return New(CodeBadUserInput, fmt.Sprintf(format, args...))
}

// SessionNotFound creates a SESSION_NOT_FOUND error for the given id.
func SessionNotFound(sessionID string) *Error {
	return New(CodeSessionNotFound, fmt.Sprintf("session %q not found", sessionID))
}

// CommandNotAllowed creates a COMMAND_NOT_ALLOWED error for a git subcommand.
func CommandNotAllowed(subcommand string) *Error {
	return New(CodeCommandNotAllowed, fmt.Sprintf("git subcommand %q is not allowed", subcommand))
}

// PathOutsideWorkspace creates a PATH_OUTSIDE_WORKSPACE error.
func PathOutsideWorkspace(path string) *Error {
	return New(CodePathOutsideWorkspace, fmt.Sprintf("path %q is outside the workspace root", path))
}

// TooManyRequests creates a rate-limit error with a retry hint in seconds.
func TooManyRequests(retryAfter int) *Error {
	e := New(CodeTooManyRequests, "rate limit exceeded")
	e.RetryAfter = retryAfter
	return e
}

// Internal creates an INTERNAL_SERVER_ERROR wrapping the cause. The cause is
// logged by callers but never surfaced to clients.
func Internal(err error) *Error {
	return Wrap(CodeInternal, "internal server error", err)
}

// CodeOf extracts the application error code from err, or
// INTERNAL_SERVER_ERROR when err carries none.
func CodeOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given application error code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}

func statusFor(code string) int {
	switch code {
	case CodeParseFailed, CodeBadUserInput, CodeQueryTooDeep:
		return http.StatusBadRequest
	case CodeSessionNotFound:
		return http.StatusNotFound
	case CodeCommandNotAllowed, CodePathOutsideWorkspace:
		return http.StatusForbidden
	case CodeTooManyRequests:
		return http.StatusTooManyRequests
	case CodeSubgraphUnavailable:
		return http.StatusBadGateway
	case CodeSubgraphTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
