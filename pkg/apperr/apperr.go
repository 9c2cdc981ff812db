// Package apperr defines the engine's closed error taxonomy (spec §7)
// and the unified JSON error envelope returned by pkg/api.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is one of the stable error tokens named by the engine's error
// taxonomy.
type Code string

const (
	InvalidRequest         Code = "INVALID_REQUEST"
	Unauthorized           Code = "UNAUTHORIZED"
	SessionNotFound        Code = "SESSION_NOT_FOUND"
	SessionAlreadyActive   Code = "SESSION_ALREADY_ACTIVE"
	SessionAlreadyExists   Code = "SESSION_ALREADY_EXISTS"
	SessionNotReady        Code = "SESSION_NOT_READY"
	InvalidAudioFormat     Code = "INVALID_AUDIO_FORMAT"
	EngineOverloaded       Code = "ENGINE_OVERLOADED"
	STTBackendUnavailable  Code = "STT_BACKEND_UNAVAILABLE"
	STTBackendFailure      Code = "STT_BACKEND_FAILURE"
	LLMUnavailable         Code = "LLM_UNAVAILABLE"
	ExtractionFallback     Code = "EXTRACTION_FALLBACK"
	MapStall               Code = "MAP_STALL"
	OutputWriteFailure     Code = "OUTPUT_WRITE_FAILURE"
	InternalError          Code = "INTERNAL_ERROR"
)

// httpStatus maps each surfaced error code to its HTTP status per spec §6/§7.
var httpStatus = map[Code]int{
	InvalidRequest:        http.StatusBadRequest,
	Unauthorized:          http.StatusUnauthorized,
	SessionNotFound:       http.StatusNotFound,
	SessionAlreadyActive:  http.StatusConflict,
	SessionAlreadyExists:  http.StatusConflict,
	SessionNotReady:       http.StatusConflict,
	InvalidAudioFormat:    http.StatusBadRequest,
	EngineOverloaded:      http.StatusTooManyRequests,
	STTBackendUnavailable: http.StatusInternalServerError,
	STTBackendFailure:     http.StatusInternalServerError,
	LLMUnavailable:        http.StatusInternalServerError,
	MapStall:              http.StatusInternalServerError,
	OutputWriteFailure:    http.StatusInternalServerError,
	InternalError:         http.StatusInternalServerError,
}

// Error is the engine's typed error, carrying a stable code, a
// human-readable message, and optional structured details (e.g. a hint).
type Error struct {
	Code    Code
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatus returns the HTTP status this error's code maps to. Unknown
// codes (should not occur, since Error is always constructed via New)
// collapse to 500.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New constructs an Error with the given code, message, and optional
// details map (may be nil).
func New(code Code, message string, details map[string]any) *Error {
	if details == nil {
		details = map[string]any{}
	}
	return &Error{Code: code, Message: message, Details: details}
}

// Hint is a convenience for the common "details: {hint: ...}" shape.
func Hint(code Code, message, hint string) *Error {
	return New(code, message, map[string]any{"hint": hint})
}

// As attempts to unwrap err into an *Error, returning ok=false if err is
// not (or does not wrap) one.
func As(err error) (*Error, bool) {
	var ae *Error
	ok := errors.As(err, &ae)
	return ae, ok
}
