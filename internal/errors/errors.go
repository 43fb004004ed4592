package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// APIError is an error the control API can return to clients. ErrorCode is a
// stable machine-readable identifier; Message is for humans.
type APIError struct {
	Code       int    `json:"-"`
	ErrorCode  string `json:"error"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	underlying error
}

func (e *APIError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *APIError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error as JSON to the response.
func (e *APIError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code)
	json.NewEncoder(w).Encode(e)
}

// Common errors, one per surfaced error kind.
var (
	ErrParse = &APIError{
		Code:      http.StatusUnprocessableEntity,
		ErrorCode: "parse-error",
		Message:   "snippet could not be parsed",
	}

	ErrReservedPath = &APIError{
		Code:      http.StatusConflict,
		ErrorCode: "reserved-path",
		Message:   "route claims a reserved path",
	}

	ErrValidationFailed = &APIError{
		Code:      http.StatusBadGateway,
		ErrorCode: "validation-failed",
		Message:   "dataplane rejected the composed config",
	}

	ErrReloadFailed = &APIError{
		Code:      http.StatusBadGateway,
		ErrorCode: "reload-failed",
		Message:   "dataplane failed to reload",
	}

	ErrHealExhausted = &APIError{
		Code:      http.StatusConflict,
		ErrorCode: "heal-exhausted",
		Message:   "all applicable strategies attempted without improvement",
	}

	ErrAuth = &APIError{
		Code:      http.StatusUnauthorized,
		ErrorCode: "auth-failed",
		Message:   "missing or invalid session",
	}

	ErrNotFound = &APIError{
		Code:      http.StatusNotFound,
		ErrorCode: "not-found",
		Message:   "no such resource",
	}

	ErrForbidden = &APIError{
		Code:      http.StatusForbidden,
		ErrorCode: "forbidden",
		Message:   "operation not permitted",
	}

	ErrCollision = &APIError{
		Code:      http.StatusConflict,
		ErrorCode: "collision",
		Message:   "target path already claimed",
	}

	ErrNoSuchConflict = &APIError{
		Code:      http.StatusNotFound,
		ErrorCode: "no-such-conflict",
		Message:   "no conflict recorded for that path",
	}

	ErrCandidateMissing = &APIError{
		Code:      http.StatusBadRequest,
		ErrorCode: "candidate-missing",
		Message:   "winner file is not a candidate for that conflict",
	}

	ErrConflictWouldOccur = &APIError{
		Code:      http.StatusConflict,
		ErrorCode: "conflict-would-occur",
		Message:   "route would conflict with an existing route",
	}

	ErrValidation = &APIError{
		Code:      http.StatusBadRequest,
		ErrorCode: "validation",
		Message:   "invalid request",
	}
)

// New creates a new APIError.
func New(code int, errorCode, message string) *APIError {
	return &APIError{
		Code:      code,
		ErrorCode: errorCode,
		Message:   message,
	}
}

// Wrap returns a copy of base carrying err as detail and cause. The base
// sentinels stay immutable.
func Wrap(base *APIError, err error) *APIError {
	return &APIError{
		Code:       base.Code,
		ErrorCode:  base.ErrorCode,
		Message:    base.Message,
		Details:    err.Error(),
		underlying: err,
	}
}

// WithDetails returns a copy of base with a human detail string.
func WithDetails(base *APIError, details string) *APIError {
	return &APIError{
		Code:      base.Code,
		ErrorCode: base.ErrorCode,
		Message:   base.Message,
		Details:   details,
	}
}
