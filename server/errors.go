package server

import (
	"context"
	"net/http"

	"github.com/teranos/hub/errors"
)

// httpStatus maps the error taxonomy onto HTTP status codes
func httpStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.IsDuplicate(err), errors.IsConflict(err):
		return http.StatusConflict
	case errors.IsValidation(err):
		return http.StatusBadRequest
	case errors.IsNotFoundError(err):
		return http.StatusNotFound
	case errors.IsUnavailable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
