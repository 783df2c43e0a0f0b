package errors

import (
	"fmt"
	"net/http"
)

// Code identifies an error kind in the gateway taxonomy. The manifest may
// override the HTTP status per code; the defaults below apply otherwise.
type Code string

const (
	CodeValidation             Code = "VALIDATION_ERROR"
	CodeAuth                   Code = "AUTH_ERROR"
	CodeUnauthorized           Code = "UNAUTHORIZED"
	CodeForbidden              Code = "FORBIDDEN"
	CodeNotFound               Code = "NOT_FOUND"
	CodeMethodNotAllowed       Code = "METHOD_NOT_ALLOWED"
	CodeConflict               Code = "CONFLICT"
	CodePayloadTooLarge        Code = "PAYLOAD_TOO_LARGE"
	CodeRateLimited            Code = "RATE_LIMITED"
	CodeInternal               Code = "INTERNAL_ERROR"
	CodeNotImplemented         Code = "NOT_IMPLEMENTED"
	CodeServiceUnavailable     Code = "SERVICE_UNAVAILABLE"
	CodeGatewayTimeout         Code = "GATEWAY_TIMEOUT"
	CodeCORS                   Code = "CORS_ERROR"
	CodeAIFirewallBlocked      Code = "AI_FIREWALL_BLOCKED"
	CodeOutputValidationFailed Code = "OUTPUT_VALIDATION_FAILED"
	CodeTenantNotFound         Code = "TENANT_NOT_FOUND"
	CodeTenantIsolation        Code = "TENANT_ISOLATION_ENFORCED"
	CodeEngineNotFound         Code = "ENGINE_NOT_FOUND"
	CodeActionNotFound         Code = "ACTION_NOT_FOUND"
	CodeExecutionFailed        Code = "EXECUTION_FAILED"
	CodeDriftDetected          Code = "DRIFT_DETECTED"
	CodeQueryTooDeep           Code = "QUERY_TOO_DEEP"
	CodeQueryTooComplex        Code = "QUERY_TOO_COMPLEX"
)

// defaultStatus maps each code to its default HTTP status.
var defaultStatus = map[Code]int{
	CodeValidation:             http.StatusBadRequest,
	CodeAuth:                   http.StatusUnauthorized,
	CodeUnauthorized:           http.StatusUnauthorized,
	CodeForbidden:              http.StatusForbidden,
	CodeNotFound:               http.StatusNotFound,
	CodeMethodNotAllowed:       http.StatusMethodNotAllowed,
	CodeConflict:               http.StatusConflict,
	CodePayloadTooLarge:        http.StatusRequestEntityTooLarge,
	CodeRateLimited:            http.StatusTooManyRequests,
	CodeInternal:               http.StatusInternalServerError,
	CodeNotImplemented:         http.StatusNotImplemented,
	CodeServiceUnavailable:     http.StatusServiceUnavailable,
	CodeGatewayTimeout:         http.StatusGatewayTimeout,
	CodeCORS:                   http.StatusForbidden,
	CodeAIFirewallBlocked:      http.StatusBadRequest,
	CodeOutputValidationFailed: http.StatusInternalServerError,
	CodeTenantNotFound:         http.StatusNotFound,
	CodeTenantIsolation:        http.StatusForbidden,
	CodeEngineNotFound:         http.StatusNotFound,
	CodeActionNotFound:         http.StatusNotFound,
	CodeExecutionFailed:        http.StatusInternalServerError,
	CodeDriftDetected:          http.StatusServiceUnavailable,
	CodeQueryTooDeep:           http.StatusBadRequest,
	CodeQueryTooComplex:        http.StatusBadRequest,
}

// recoverableCodes marks errors a client may retry without changing the request.
var recoverableCodes = map[Code]bool{
	CodeRateLimited:        true,
	CodeServiceUnavailable: true,
	CodeGatewayTimeout:     true,
	CodeValidation:         true,
	CodeConflict:           true,
	CodePayloadTooLarge:    true,
}

// StatusFor returns the default HTTP status for a code, or 500 when unknown.
func StatusFor(code Code) int {
	if s, ok := defaultStatus[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Recoverable reports whether the code is in the default recoverable set.
func Recoverable(code Code) bool {
	return recoverableCodes[code]
}

// Codes returns every code in the taxonomy. Order is unspecified.
func Codes() []Code {
	out := make([]Code, 0, len(defaultStatus))
	for c := range defaultStatus {
		out = append(out, c)
	}
	return out
}

// GatewayError is an error that can be returned to clients. Status is resolved
// from the code unless explicitly overridden (e.g. by the manifest error table).
type GatewayError struct {
	Code       Code
	Message    string
	Status     int
	RetryAfter int // seconds; 0 = not applicable
	Reason     string
	underlying error
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.underlying)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// HTTPStatus returns the explicit status if set, else the taxonomy default.
func (e *GatewayError) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	return StatusFor(e.Code)
}

// New creates a GatewayError with the given code and message.
func New(code Code, message string) *GatewayError {
	return &GatewayError{Code: code, Message: message}
}

// Newf creates a GatewayError with a formatted message.
func Newf(code Code, format string, args ...interface{}) *GatewayError {
	return &GatewayError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an underlying error with a gateway code and message.
func Wrap(err error, code Code, message string) *GatewayError {
	return &GatewayError{Code: code, Message: message, underlying: err}
}

// WithStatus returns a copy with an explicit HTTP status.
func (e *GatewayError) WithStatus(status int) *GatewayError {
	c := *e
	c.Status = status
	return &c
}

// WithRetryAfter returns a copy carrying a Retry-After hint in seconds.
func (e *GatewayError) WithRetryAfter(seconds int) *GatewayError {
	c := *e
	c.RetryAfter = seconds
	return &c
}

// WithReason returns a copy carrying a debug-only denial reason.
func (e *GatewayError) WithReason(reason string) *GatewayError {
	c := *e
	c.Reason = reason
	return &c
}

// AsGatewayError converts any error into a GatewayError, mapping unknown
// errors to INTERNAL_ERROR.
func AsGatewayError(err error) *GatewayError {
	if err == nil {
		return nil
	}
	if ge, ok := err.(*GatewayError); ok {
		return ge
	}
	return Wrap(err, CodeInternal, err.Error())
}
