package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/teranos/reportd/errors"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	maxBodyBytes    = 1 << 20
)

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		return errors.Wrap(err, "failed to encode JSON")
	}
	return nil
}

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Hint  string `json:"hint,omitempty"`
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: codeFor(status)})
}

// writeAPIError maps err to a status code. Unclassified errors are logged
// and reported as a generic 500 so internals do not leak.
func writeAPIError(w http.ResponseWriter, log *zap.SugaredLogger, err error, action string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Errorw("Request failed: "+action, "error", err)
		writeError(w, status, action+" failed")
		return
	}
	writeJSON(w, status, ErrorResponse{
		Error: err.Error(),
		Code:  codeFor(status),
		Hint:  errors.FlattenHints(err),
	})
}

// readJSON decodes a request body, rejecting unknown fields
func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

// queryInt parses an optional integer query parameter
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.NewInvalidRequestError("%s must be a non-negative integer, got %q", name, raw)
	}
	return n, nil
}

// queryBool parses an optional boolean query parameter; nil when absent
func queryBool(r *http.Request, name string) (*bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, errors.NewInvalidRequestError("%s must be true or false, got %q", name, raw)
	}
	return &b, nil
}

// pagination reads limit and offset, capping limit
func pagination(r *http.Request) (limit, offset int, err error) {
	if limit, err = queryInt(r, "limit", defaultPageSize); err != nil {
		return 0, 0, err
	}
	if offset, err = queryInt(r, "offset", 0); err != nil {
		return 0, 0, err
	}
	if limit == 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	return limit, offset, nil
}
