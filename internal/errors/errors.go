package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

// Error codes in the mesh error taxonomy. Sub-pipeline components never
// raise; they return sentinel results that the pipeline maps to one of these.
const (
	CodeAuthFailed      = "AUTH_FAILED"
	CodeRateLimited     = "RATE_LIMITED"
	CodeNoEndpoint      = "NO_ENDPOINT"
	CodeCircuitOpen     = "CIRCUIT_OPEN"
	CodeUpstreamFailure = "UPSTREAM_FAILURE"
	CodeUpstreamTimeout = "UPSTREAM_TIMEOUT"
	CodeInternal        = "INTERNAL"
)

// MeshError represents an error that can be returned to callers, both over
// the ingress HTTP surface as a JSON body and to in-process mesh callers as
// a typed result.
type MeshError struct {
	Code       int               `json:"code"`
	Message    string            `json:"message"`
	ErrorCode  string            `json:"error_code"`
	Details    map[string]string `json:"details,omitempty"`
	underlying error
}

func (e *MeshError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *MeshError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error as JSON to the response. For base errors
// (no details), uses pre-serialized JSON to avoid allocations.
func (e *MeshError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	if ra, ok := e.Details["retry_after_seconds"]; ok {
		w.Header().Set("Retry-After", ra)
	}
	w.WriteHeader(e.Code)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Common errors
var (
	ErrAuthFailed = &MeshError{
		Code:      http.StatusUnauthorized,
		Message:   "Authentication Failed",
		ErrorCode: CodeAuthFailed,
	}

	ErrRateLimited = &MeshError{
		Code:      http.StatusTooManyRequests,
		Message:   "Rate Limit Exceeded",
		ErrorCode: CodeRateLimited,
	}

	ErrNoEndpoint = &MeshError{
		Code:      http.StatusServiceUnavailable,
		Message:   "No Endpoint Available",
		ErrorCode: CodeNoEndpoint,
	}

	ErrCircuitOpen = &MeshError{
		Code:      http.StatusServiceUnavailable,
		Message:   "Circuit Breaker Open",
		ErrorCode: CodeCircuitOpen,
	}

	ErrUpstreamFailure = &MeshError{
		Code:      http.StatusBadGateway,
		Message:   "Upstream Failure",
		ErrorCode: CodeUpstreamFailure,
	}

	ErrUpstreamTimeout = &MeshError{
		Code:      http.StatusGatewayTimeout,
		Message:   "Upstream Timeout",
		ErrorCode: CodeUpstreamTimeout,
	}

	ErrInternal = &MeshError{
		Code:      http.StatusInternalServerError,
		Message:   "Internal Server Error",
		ErrorCode: CodeInternal,
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*MeshError][]byte

func init() {
	bases := []*MeshError{
		ErrAuthFailed, ErrRateLimited, ErrNoEndpoint, ErrCircuitOpen,
		ErrUpstreamFailure, ErrUpstreamTimeout, ErrInternal,
	}
	preSerialized = make(map[*MeshError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new MeshError.
func New(code int, errorCode, message string) *MeshError {
	return &MeshError{
		Code:      code,
		Message:   message,
		ErrorCode: errorCode,
	}
}

// Wrap wraps an underlying error into a copy of the base error.
func Wrap(base *MeshError, err error) *MeshError {
	return &MeshError{
		Code:       base.Code,
		Message:    base.Message,
		ErrorCode:  base.ErrorCode,
		Details:    base.Details,
		underlying: err,
	}
}

// WithDetails returns a copy of the error with detail fields added.
func (e *MeshError) WithDetails(details map[string]string) *MeshError {
	merged := make(map[string]string, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &MeshError{
		Code:       e.Code,
		Message:    e.Message,
		ErrorCode:  e.ErrorCode,
		Details:    merged,
		underlying: e.underlying,
	}
}

// WithRetryAfter returns a copy of the error carrying a retry hint.
func (e *MeshError) WithRetryAfter(seconds int) *MeshError {
	return e.WithDetails(map[string]string{
		"retry_after_seconds": strconv.Itoa(seconds),
	})
}

// IsMeshError checks if an error is a MeshError.
func IsMeshError(err error) (*MeshError, bool) {
	if me, ok := err.(*MeshError); ok {
		return me, true
	}
	return nil, false
}
