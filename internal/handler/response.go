package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"authsession-service/internal/service"
	"authsession-service/internal/util"
)

// Response represents a standard API response
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// retryAfterSeconds is advertised on every 429. The bucket state is not
// exposed so clients cannot probe remaining budget.
const retryAfterSeconds = "60"

func successResponse(data any, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

func respondWithJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		util.Error("Failed to encode JSON response", zap.Error(err))
	}
}

// respondWithError maps err to its public kind so internal detail never
// reaches the client. The full error is logged.
func respondWithError(w http.ResponseWriter, err error, message string) {
	public := service.PublicError(err)
	status := statusCode(public)
	if status >= http.StatusInternalServerError {
		util.Error("HTTP error response", zap.Error(err), zap.Int("status_code", status))
	} else {
		util.Debug("HTTP error response", zap.Error(err), zap.Int("status_code", status))
	}
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	respondWithJSON(w, status, errorResponse(public, message))
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidCredentials),
		errors.Is(err, service.ErrInvalidMFACode),
		errors.Is(err, service.ErrNoBackupCodesRemaining),
		errors.Is(err, service.ErrTokenInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrAccountLocked):
		return http.StatusForbidden
	case errors.Is(err, service.ErrWeakPassword),
		errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrIdentityExists),
		errors.Is(err, service.ErrMFAAlreadyEnrolled),
		errors.Is(err, service.ErrMFANotEnrolled):
		return http.StatusConflict
	case errors.Is(err, service.ErrSessionNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return service.ErrInvalidInput
	}
	return nil
}
