// Package api implements the admin HTTP surface: health and replica status,
// project/repository/content reads, the write pipeline, session login and
// token management. It uses chi as the router. Peer replication endpoints
// are not served here; they live on the internal listener.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/dogma-io/dogma/internal/command"
	"github.com/dogma-io/dogma/internal/executor"
	"github.com/dogma-io/dogma/internal/session"
	"github.com/dogma-io/dogma/internal/storage"
)

// envelope is the standard JSON response wrapper.
//
// Success:  {"data": <payload>}
// Error:    {"error": {"message": "...", "code": "..."}}
type envelope map[string]any

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes a 200 OK response with the payload wrapped in {"data": payload}.
func Ok(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusOK, envelope{"data": payload})
}

// Created writes a 201 Created response.
func Created(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusCreated, envelope{"data": payload})
}

// NoContent writes a 204 No Content response with no body.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

type errorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func errJSON(w http.ResponseWriter, status int, message, code string) {
	JSON(w, status, envelope{"error": errorResponse{Message: message, Code: code}})
}

// ErrBadRequest writes a 400 Bad Request error response.
func ErrBadRequest(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusBadRequest, message, "bad_request")
}

// ErrUnauthorized writes a 401 Unauthorized error response.
func ErrUnauthorized(w http.ResponseWriter) {
	errJSON(w, http.StatusUnauthorized, "authentication required", "unauthorized")
}

// ErrForbidden writes a 403 Forbidden error response.
func ErrForbidden(w http.ResponseWriter) {
	errJSON(w, http.StatusForbidden, "insufficient permissions", "forbidden")
}

// ErrNotFound writes a 404 Not Found error response.
func ErrNotFound(w http.ResponseWriter) {
	errJSON(w, http.StatusNotFound, "resource not found", "not_found")
}

// ErrConflict writes a 409 Conflict error response.
func ErrConflict(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusConflict, message, "conflict")
}

// ErrUnavailable writes a 503 for conditions that clear on retry or on a
// different replica (read-only mode, leadership in flux, divergence).
func ErrUnavailable(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusServiceUnavailable, message, "unavailable")
}

// ErrInternal writes a 500 Internal Server Error response. The detail is
// intentionally not exposed to the client.
func ErrInternal(w http.ResponseWriter) {
	errJSON(w, http.StatusInternalServerError, "an internal error occurred", "internal_error")
}

// writeError maps the domain sentinel taxonomy onto HTTP statuses. Anything
// outside it is logged and surfaces as a 500.
func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, storage.ErrRevisionNotFound),
		errors.Is(err, session.ErrTokenNotFound),
		errors.Is(err, session.ErrNotFound):
		ErrNotFound(w)
	case errors.Is(err, storage.ErrExists),
		errors.Is(err, session.ErrTokenExists),
		errors.Is(err, storage.ErrAlreadyRemoved),
		errors.Is(err, storage.ErrNotRemoved),
		errors.Is(err, storage.ErrConflict),
		errors.Is(err, storage.ErrStillReferenced):
		ErrConflict(w, err.Error())
	case errors.Is(err, command.ErrInvalid),
		errors.Is(err, command.ErrDecode),
		errors.Is(err, storage.ErrInvalidChange),
		errors.Is(err, storage.ErrInvalidName),
		errors.Is(err, storage.ErrInvalidRetention):
		ErrBadRequest(w, err.Error())
	case errors.Is(err, session.ErrBadCredentials):
		ErrUnauthorized(w)
	case errors.Is(err, executor.ErrReadOnly),
		errors.Is(err, storage.ErrReadOnly),
		errors.Is(err, executor.ErrNotLeader),
		errors.Is(err, executor.ErrReplicationTimeout),
		errors.Is(err, executor.ErrDiverged),
		errors.Is(err, storage.ErrBusy):
		ErrUnavailable(w, err.Error())
	case errors.Is(err, executor.ErrDeprecated):
		errJSON(w, http.StatusGone, err.Error(), "deprecated")
	default:
		log.Error("request failed", zap.Error(err))
		ErrInternal(w)
	}
}

// decodeJSON decodes the request body into dst. Returns false and writes an
// error response if decoding fails, so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 16<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		ErrBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}
