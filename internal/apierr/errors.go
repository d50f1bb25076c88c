package apierr

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/onnwee/committee-portal/internal/circuitbreaker"
	"github.com/onnwee/committee-portal/internal/logger"
)

// ErrorCode represents a structured error code
type ErrorCode string

// Error code constants organized by category
const (
	// AUTH_ - Authentication and authorization errors
	ErrAuthMissing     ErrorCode = "AUTH_MISSING"
	ErrAuthInvalid     ErrorCode = "AUTH_INVALID"
	ErrAuthCredentials ErrorCode = "AUTH_INVALID_CREDENTIALS"

	// STUDENT_ - Registration and selection errors
	ErrStudentEmailExists ErrorCode = "STUDENT_EMAIL_EXISTS"
	ErrStudentInvalidPost ErrorCode = "STUDENT_INVALID_POST"

	// UPLOAD_ - Photo upload errors
	ErrUploadMissingFile ErrorCode = "UPLOAD_MISSING_FILE"
	ErrUploadInvalidType ErrorCode = "UPLOAD_INVALID_TYPE"
	ErrUploadTooLarge    ErrorCode = "UPLOAD_TOO_LARGE"
	ErrUploadFailed      ErrorCode = "UPLOAD_FAILED"

	// SYSTEM_ - System and server errors
	ErrSystemInternal    ErrorCode = "SYSTEM_INTERNAL"
	ErrSystemDatabase    ErrorCode = "SYSTEM_DATABASE"
	ErrSystemUnavailable ErrorCode = "SYSTEM_UNAVAILABLE"
	ErrSystemTimeout     ErrorCode = "SYSTEM_TIMEOUT"
	ErrCircuitOpen       ErrorCode = "CIRCUIT_OPEN"

	// VALIDATION_ - Request validation errors
	ErrValidationInvalidJSON  ErrorCode = "VALIDATION_INVALID_JSON"
	ErrValidationFailed       ErrorCode = "VALIDATION_FAILED"
	ErrValidationMissingField ErrorCode = "VALIDATION_MISSING_FIELD"
	ErrValidationInvalidValue ErrorCode = "VALIDATION_INVALID_VALUE"

	// RESOURCE_ - Resource errors
	ErrResourceNotFound ErrorCode = "RESOURCE_NOT_FOUND"

	// RATE_LIMIT_ - Rate limiting errors
	ErrRateLimitGlobal ErrorCode = "RATE_LIMIT_GLOBAL"
	ErrRateLimitIP     ErrorCode = "RATE_LIMIT_IP"
	ErrRateLimitLogin  ErrorCode = "RATE_LIMIT_LOGIN"
)

// Error represents a structured API error
type Error struct {
	Code      ErrorCode      `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	status    int
	headers   http.Header
}

// ErrorResponse is the top-level error response wrapper
type ErrorResponse struct {
	Error *Error `json:"error"`
}

// New creates a new API error
func New(code ErrorCode, message string, status int) *Error {
	return &Error{
		Code:    code,
		Message: message,
		status:  status,
	}
}

// WithDetails adds details to the error
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// WithHeader sets a response header written alongside the error.
func (e *Error) WithHeader(key, value string) *Error {
	if e.headers == nil {
		e.headers = http.Header{}
	}
	e.headers.Set(key, value)
	return e
}

// WithRequestID adds a request ID to the error
func (e *Error) WithRequestID(requestID string) *Error {
	e.RequestID = requestID
	return e
}

// Error implements the error interface
func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// Status returns the HTTP status code
func (e *Error) Status() int {
	return e.status
}

// WriteError writes a structured error response to the HTTP response writer
func WriteError(w http.ResponseWriter, err *Error) {
	for k, vals := range err.headers {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Status())
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: err})
}

// WriteErrorWithContext writes a structured error response with request ID from context
func WriteErrorWithContext(w http.ResponseWriter, r *http.Request, err *Error) {
	if reqID := GetRequestID(r.Context()); reqID != "" {
		err = err.WithRequestID(reqID)
	}
	WriteError(w, err)
}

// GetRequestID extracts the request ID from the context
func GetRequestID(ctx context.Context) string {
	return logger.RequestID(ctx)
}

// FromError maps an arbitrary error onto the API taxonomy. Resilience-layer
// failures keep their own codes so clients can tell them from business errors.
func FromError(err error) *Error {
	var apiErr *Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		return CircuitOpen("")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, circuitbreaker.ErrCallTimeout):
		return SystemTimeout("")
	default:
		return SystemInternal("")
	}
}

// Helper functions for common errors

// AuthMissing creates an authentication missing error
func AuthMissing(message string) *Error {
	if message == "" {
		message = "Unauthorized - no token"
	}
	return New(ErrAuthMissing, message, http.StatusUnauthorized)
}

// AuthInvalid creates an invalid authentication error
func AuthInvalid(message string) *Error {
	if message == "" {
		message = "Unauthorized - invalid token"
	}
	return New(ErrAuthInvalid, message, http.StatusUnauthorized)
}

// AuthCredentials is returned when a username/password pair does not match.
func AuthCredentials() *Error {
	return New(ErrAuthCredentials, "Invalid credentials", http.StatusUnauthorized)
}

// StudentEmailExists is returned for a duplicate registration.
func StudentEmailExists() *Error {
	return New(ErrStudentEmailExists, "Email already registered", http.StatusBadRequest)
}

// StudentInvalidPost is returned when a post is not one of the committee posts.
func StudentInvalidPost(post string) *Error {
	return New(ErrStudentInvalidPost, "Invalid post", http.StatusBadRequest).
		WithDetails(map[string]any{"post": post})
}

// UploadMissingFile creates a missing upload error
func UploadMissingFile() *Error {
	return New(ErrUploadMissingFile, "No file uploaded", http.StatusBadRequest)
}

// UploadInvalidType creates an invalid mime type error
func UploadInvalidType(mime string) *Error {
	return New(ErrUploadInvalidType, "Invalid file type: "+mime+". Only image files allowed", http.StatusBadRequest).
		WithDetails(map[string]any{"mimetype": mime})
}

// UploadTooLarge creates a file too large error
func UploadTooLarge(limit int64) *Error {
	return New(ErrUploadTooLarge, "File too large", http.StatusRequestEntityTooLarge).
		WithDetails(map[string]any{"max_bytes": limit})
}

// UploadFailed creates an upstream upload failure error
func UploadFailed(message string) *Error {
	if message == "" {
		message = "Upload failed"
	}
	return New(ErrUploadFailed, message, http.StatusBadGateway)
}

// SystemInternal creates an internal server error
func SystemInternal(message string) *Error {
	if message == "" {
		message = "Internal server error"
	}
	return New(ErrSystemInternal, message, http.StatusInternalServerError)
}

// SystemDatabase creates a database error
func SystemDatabase(message string) *Error {
	if message == "" {
		message = "Database error"
	}
	return New(ErrSystemDatabase, message, http.StatusInternalServerError)
}

// SystemUnavailable creates a service unavailable error
func SystemUnavailable(message string) *Error {
	if message == "" {
		message = "Service unavailable"
	}
	return New(ErrSystemUnavailable, message, http.StatusServiceUnavailable)
}

// SystemTimeout creates a system timeout error
func SystemTimeout(message string) *Error {
	if message == "" {
		message = "Request timeout"
	}
	return New(ErrSystemTimeout, message, http.StatusGatewayTimeout)
}

// CircuitOpen signals that a protected dependency is being short-circuited.
func CircuitOpen(dependency string) *Error {
	e := New(ErrCircuitOpen, "Service temporarily degraded, try again later", http.StatusServiceUnavailable)
	if dependency != "" {
		e = e.WithDetails(map[string]any{"dependency": dependency})
	}
	return e
}

// ValidationInvalidJSON creates an invalid JSON error
func ValidationInvalidJSON() *Error {
	return New(ErrValidationInvalidJSON, "Invalid JSON request body", http.StatusBadRequest)
}

// ValidationFailed wraps per-field validation messages.
func ValidationFailed(fields map[string]string) *Error {
	details := make(map[string]any, len(fields))
	for k, v := range fields {
		details[k] = v
	}
	return New(ErrValidationFailed, "Validation failed", http.StatusBadRequest).
		WithDetails(map[string]any{"fields": details})
}

// ValidationMissingField creates a missing field error
func ValidationMissingField(field string) *Error {
	return New(ErrValidationMissingField, "Missing required field: "+field, http.StatusBadRequest).
		WithDetails(map[string]any{"field": field})
}

// ValidationInvalidValue creates an invalid value error
func ValidationInvalidValue(field string, message string) *Error {
	if message == "" {
		message = "Invalid value for field: " + field
	}
	return New(ErrValidationInvalidValue, message, http.StatusBadRequest).
		WithDetails(map[string]any{"field": field})
}

// ResourceNotFound creates a resource not found error
func ResourceNotFound(resourceType string) *Error {
	return New(ErrResourceNotFound, resourceType+" not found", http.StatusNotFound).
		WithDetails(map[string]any{"resource_type": resourceType})
}

// RateLimitGlobal creates a global rate limit error
func RateLimitGlobal() *Error {
	return New(ErrRateLimitGlobal, "Rate limit exceeded - too many requests globally", http.StatusTooManyRequests)
}

// RateLimitIP creates an IP rate limit error
func RateLimitIP() *Error {
	return New(ErrRateLimitIP, "Rate limit exceeded - too many requests from your IP", http.StatusTooManyRequests)
}

// RateLimitLogin is returned when an identifier exhausted its login attempts.
// retryAfter is rounded up to whole seconds.
func RateLimitLogin(retryAfter time.Duration) *Error {
	secs := int64(math.Ceil(retryAfter.Seconds()))
	if secs < 0 {
		secs = 0
	}
	return New(ErrRateLimitLogin, "Too many login attempts, try again later", http.StatusTooManyRequests).
		WithDetails(map[string]any{"retryAfter": secs}).
		WithHeader("Retry-After", strconv.FormatInt(secs, 10))
}
