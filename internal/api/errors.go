package api

import (
	"context"
	"errors"
	"io/fs"
	"net/http"

	"github.com/samcharles93/slimline/internal/artifact"
)

var (
	ErrInvalidRequest = errors.New("invalid_request")
	ErrModelNotFound  = errors.New("model_not_found")
)

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

type modelNotFoundError struct {
	msg string
}

func (e modelNotFoundError) Error() string {
	return e.msg
}

func (e modelNotFoundError) Unwrap() error {
	return ErrModelNotFound
}

// classify maps an error to an HTTP status and an error type.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, artifact.ErrInvalidSpec),
		errors.Is(err, artifact.ErrInvalidPruningFraction),
		errors.Is(err, artifact.ErrOutputOverlapsInput):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, ErrModelNotFound), errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound, "not_found_error"
	case errors.Is(err, artifact.ErrOutputExists):
		return http.StatusConflict, "conflict_error"
	case errors.Is(err, artifact.ErrFormatMismatch), errors.Is(err, artifact.ErrConversion):
		return http.StatusUnprocessableEntity, "conversion_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "timeout_error"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}
