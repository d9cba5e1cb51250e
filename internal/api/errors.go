package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/maxcul-core/internal/cul"
	"github.com/nerrad567/maxcul-core/internal/device"
	"github.com/nerrad567/maxcul-core/internal/maxcul"
	"github.com/nerrad567/maxcul-core/internal/moritz"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeUnauthorized = "unauthorised"
	ErrCodeConflict     = "conflict"
	ErrCodeInternal     = "internal_error"
	ErrCodeValidation   = "validation_error"
	ErrCodeRateLimited  = "duty_cycle_exceeded"
	ErrCodeRadioTimeout = "radio_timeout"
	ErrCodeRadioRefused = "radio_refused"
	ErrCodeUnavailable  = "unavailable"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeCommandError maps a radio command failure onto an HTTP status:
// unknown device is the caller's 404, invalid setpoint/mode/address a
// 422, duty-cycle exhaustion a 429, a dead or silent radio link a 504,
// and a facade that has not started a 503.
func writeCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, maxcul.ErrUnknownDevice),
		errors.Is(err, device.ErrDeviceNotFound):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, moritz.ErrOutOfRange),
		errors.Is(err, moritz.ErrInvalidMode),
		errors.Is(err, moritz.ErrInvalidAddress),
		errors.Is(err, device.ErrInvalidAddress):
		writeError(w, http.StatusUnprocessableEntity, ErrCodeValidation, err.Error())
	case errors.Is(err, cul.ErrDutyCycleExceeded):
		writeError(w, http.StatusTooManyRequests, ErrCodeRateLimited, err.Error())
	case errors.Is(err, cul.ErrLinkNack):
		writeError(w, http.StatusBadGateway, ErrCodeRadioRefused, err.Error())
	case errors.Is(err, cul.ErrLinkTimeout),
		errors.Is(err, cul.ErrLinkClosed),
		errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, ErrCodeRadioTimeout, err.Error())
	case errors.Is(err, maxcul.ErrNotStarted):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
	default:
		writeInternalError(w, err.Error())
	}
}
