package transport

import (
	"context"
	"errors"
	"net/http"

	"github.com/roach88/shelf/internal/broadcast"
	"github.com/roach88/shelf/internal/queryir"
	"github.com/roach88/shelf/internal/rules"
	"github.com/roach88/shelf/internal/store"
	"github.com/roach88/shelf/internal/taskqueue"
)

// Error codes carried by HTTP error bodies and websocket error messages.
const (
	CodeValidation      = "validation"
	CodeUnauthenticated = "unauthenticated"
	CodeDenied          = "denied"
	CodeNotFound        = "not_found"
	CodeConflict        = "conflict"
	CodeUnavailable     = "unavailable"
	CodeInternal        = "internal"
)

// ErrorBody is the JSON body of every failed request.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// classify maps an error to its status and code.
func classify(err error) (int, string) {
	switch {
	case queryir.IsValidation(err),
		errors.Is(err, store.ErrInvalidRecord),
		errors.Is(err, taskqueue.ErrInvalidTransition):
		return http.StatusBadRequest, CodeValidation
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized, CodeUnauthenticated
	case rules.IsDenied(err):
		return http.StatusForbidden, CodeDenied
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, CodeConflict
	case store.IsTransient(err),
		errors.Is(err, broadcast.ErrClosed),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, CodeUnavailable
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

func errorBody(err error) (int, ErrorBody) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	return status, ErrorBody{Code: code, Message: msg}
}
