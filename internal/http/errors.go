package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/graphfusion/internal/memory"
)

// statusFor maps core errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, memory.ErrDimensionMismatch), errors.Is(err, memory.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, memory.ErrUnknownNode), errors.Is(err, memory.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, memory.ErrDuplicateID), errors.Is(err, memory.ErrEmptyIndex):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// coreError converts an error returned by the coordinator into an
// echo.HTTPError. Internal errors are not echoed to the client.
func coreError(err error) error {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		return echo.NewHTTPError(status, "internal error").SetInternal(err)
	}
	return echo.NewHTTPError(status, err.Error()).SetInternal(err)
}
