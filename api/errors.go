package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/fieldline/fieldline/auth"
	"github.com/fieldline/fieldline/engine/compile"
	"github.com/fieldline/fieldline/engine/executor"
	"github.com/fieldline/fieldline/ratelimit"
	"github.com/fieldline/fieldline/store"
)

// errorBody is the wire shape of every error response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, msg string, details any) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg, Details: details}})
}

// respondError maps domain errors onto the HTTP taxonomy. Unrecognized
// errors become opaque 500s; the cause is logged, never leaked.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var report *compile.ValidationReport
	var limited *ratelimit.Error
	switch {
	case errors.As(err, &report):
		writeError(w, http.StatusBadRequest, "validation_failed", "workflow validation failed", report.Errors)
	case errors.Is(err, executor.ErrWorkflowNotActive):
		writeError(w, http.StatusBadRequest, "workflow_not_active", err.Error(), nil)
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid email or password", nil)
	case errors.Is(err, auth.ErrExpiredToken):
		writeError(w, http.StatusUnauthorized, "token_expired", "token expired", nil)
	case errors.Is(err, auth.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token", nil)
	case errors.Is(err, auth.ErrNoMembership):
		writeError(w, http.StatusForbidden, "forbidden", "no membership in tenant", nil)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "resource not found", nil)
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", "resource conflict", nil)
	case errors.As(err, &limited):
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(limited.RetryAfter.Seconds()))))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", nil)
	case errors.Is(err, executor.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "shutting_down", "server is shutting down", nil)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", "request timed out", nil)
	default:
		s.opts.Logger.Error(r.Context(), "request failed", "err", err, "path", r.URL.Path)
		writeError(w, http.StatusInternalServerError, "internal", "internal error", nil)
	}
}

// decode parses a JSON request body, rejecting unknown shapes with 400.
func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return &badRequestError{msg: "invalid request body"}
	}
	return nil
}

type badRequestError struct{ msg string }

func (e *badRequestError) Error() string { return e.msg }

// respondBadRequest writes a 400 with the given message.
func respondBadRequest(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusBadRequest, "bad_request", msg, nil)
}
