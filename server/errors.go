package server

import (
	"net/http"

	"github.com/teranos/reportd/errors"
)

// statusFor maps the error classes of the errors package onto HTTP status
// codes. The schedule store marks its own sentinels with these classes.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, errors.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.IsNotFoundError(err):
		return http.StatusNotFound
	case errors.IsInvalidRequestError(err):
		return http.StatusBadRequest
	case errors.IsConflictError(err):
		return http.StatusConflict
	case errors.Is(err, errors.ErrUnprocessable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errors.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// codeFor is the machine-readable code sent alongside an error message
func codeFor(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "unprocessable"
	case http.StatusGatewayTimeout:
		return "timeout"
	default:
		return "internal"
	}
}
