// Package httperr maps latch and transport errors onto HTTP responses with a
// stable machine-readable shape.
package httperr

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mirkobrombin/go-latch/v1/latch"
)

// Error is an HTTP-mappable error with a stable code for clients.
type Error struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

// Unwrap exposes the wrapped cause to errors.Is and errors.As.
func (e *Error) Unwrap() error { return e.cause }

// WithCause attaches the underlying error without changing the response.
func (e *Error) WithCause(err error) *Error {
	clone := *e
	clone.cause = err
	return &clone
}

// BadRequest reports a malformed request.
func BadRequest(msg string) *Error {
	return &Error{Status: http.StatusBadRequest, Code: "bad_request", Message: msg}
}

// NotFound reports a missing resource.
func NotFound(msg string) *Error {
	return &Error{Status: http.StatusNotFound, Code: "not_found", Message: msg}
}

// Conflict reports a state conflict, such as releasing a lock not held.
func Conflict(msg string) *Error {
	return &Error{Status: http.StatusConflict, Code: "conflict", Message: msg}
}

// Timeout reports that the request gave up waiting.
func Timeout(msg string) *Error {
	return &Error{Status: http.StatusRequestTimeout, Code: "timeout", Message: msg}
}

// Internal reports an unexpected server-side failure.
func Internal(msg string) *Error {
	return &Error{Status: http.StatusInternalServerError, Code: "internal", Message: msg}
}

// From classifies err into an *Error. Known sentinel errors get specific
// statuses, everything else becomes an internal error.
func From(err error) *Error {
	var he *Error
	if errors.As(err, &he) {
		return he
	}
	switch {
	case errors.Is(err, latch.ErrNotHeld):
		return Conflict("lock not held").WithCause(err)
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout("timed out waiting for lock").WithCause(err)
	case errors.Is(err, context.Canceled):
		return &Error{
			Status: 499, Code: "client_closed", Message: "client closed request",
			cause: err,
		}
	default:
		return Internal("internal error").WithCause(err)
	}
}

// Render writes err as a JSON response on c and aborts the handler chain.
func Render(c *gin.Context, err error) {
	he := From(err)
	c.AbortWithStatusJSON(he.Status, he)
}
