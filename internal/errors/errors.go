// Package errors provides the structured application error used at every
// service boundary: HTTP handlers, the JSON-RPC tool dispatcher, and the
// pipeline worker all produce and convert *AppError instead of bare errors.
package errors

import (
	"fmt"
	"net/http"
)

// ErrorType names one of the error kinds enumerated in the service's error
// handling design (see spec.md §7).
type ErrorType string

const (
	ErrorTypeUnauthorized        ErrorType = "unauthorized"
	ErrorTypeValidation          ErrorType = "invalid_argument"
	ErrorTypeJobNotFound         ErrorType = "job_not_found"
	ErrorTypeArtifactNotReady    ErrorType = "artifact_not_ready"
	ErrorTypeArtifactMissing     ErrorType = "artifact_missing"
	ErrorTypeJobExpired          ErrorType = "job_expired"
	ErrorTypeQueueUnavailable    ErrorType = "queue_unavailable"
	ErrorTypeRateLimited         ErrorType = "rate_limited"
	ErrorTypeCapsuleIncompatible ErrorType = "capsule_incompatible"
	ErrorTypeResultTruncated     ErrorType = "result_truncated"
	ErrorTypeTimeout             ErrorType = "timeout"
	ErrorTypeInternal            ErrorType = "internal_error"
)

// jsonRPCCode is the JSON-RPC 2.0 error code for each ErrorType that can
// surface over /mcp. Error types with no entry never cross the JSON-RPC
// boundary (e.g. ArtifactNotReady is download-endpoint only).
var jsonRPCCode = map[ErrorType]int{
	ErrorTypeUnauthorized:        -32000,
	ErrorTypeValidation:          -32602,
	ErrorTypeJobNotFound:         -32004,
	ErrorTypeRateLimited:         -32029,
	ErrorTypeCapsuleIncompatible: -32020,
	ErrorTypeResultTruncated:     -32010,
	ErrorTypeTimeout:             -32008,
	ErrorTypeInternal:            -32603,
}

var httpStatus = map[ErrorType]int{
	ErrorTypeUnauthorized:        http.StatusUnauthorized,
	ErrorTypeValidation:          http.StatusBadRequest,
	ErrorTypeJobNotFound:         http.StatusNotFound,
	ErrorTypeArtifactNotReady:    http.StatusConflict,
	ErrorTypeArtifactMissing:     http.StatusGone,
	ErrorTypeJobExpired:          http.StatusGone,
	ErrorTypeQueueUnavailable:    http.StatusServiceUnavailable,
	ErrorTypeRateLimited:         http.StatusTooManyRequests,
	ErrorTypeCapsuleIncompatible: http.StatusBadRequest,
	ErrorTypeResultTruncated:     http.StatusOK,
	ErrorTypeTimeout:             http.StatusRequestTimeout,
	ErrorTypeInternal:            http.StatusInternalServerError,
}

var retryable = map[ErrorType]bool{
	ErrorTypeQueueUnavailable: true,
	ErrorTypeRateLimited:      true,
	ErrorTypeResultTruncated:  true,
	ErrorTypeTimeout:          true,
	ErrorTypeInternal:         true,
}

// AppError is the single error type that crosses handler and tool
// boundaries. It is data, not an exception: the pipeline worker converts
// any escaped error into one of these rather than letting it propagate.
type AppError struct {
	Type    ErrorType
	Message string
	Details string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AppError) Unwrap() error { return e.Cause }

// WithDetails annotates the error in place and returns it for chaining.
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithDetailsf(format string, args ...interface{}) *AppError {
	e.Details = fmt.Sprintf(format, args...)
	return e
}

// StatusCode returns the HTTP status code for this error's type.
func (e *AppError) StatusCode() int { return statusFor(e.Type) }

// JSONRPCCode returns the JSON-RPC error code, or 0 if this error type never
// surfaces over the /mcp endpoint.
func (e *AppError) JSONRPCCode() int { return jsonRPCCode[e.Type] }

// Retryable reports whether a client may usefully retry this operation.
func (e *AppError) Retryable() bool { return retryable[e.Type] }

func statusFor(t ErrorType) int {
	if code, ok := httpStatus[t]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// New creates an AppError with no cause.
func New(t ErrorType, message string) *AppError {
	return &AppError{Type: t, Message: message}
}

// Wrap creates an AppError wrapping an existing error.
func Wrap(err error, t ErrorType, message string) *AppError {
	return &AppError{Type: t, Message: message, Cause: err}
}

func Wrapf(err error, t ErrorType, format string, args ...interface{}) *AppError {
	return &AppError{Type: t, Message: fmt.Sprintf(format, args...), Cause: err}
}

// Constructors for the error kinds enumerated in spec.md §7.

func NewUnauthorizedError(message string) *AppError {
	return New(ErrorTypeUnauthorized, message)
}

func NewValidationError(message string) *AppError {
	return New(ErrorTypeValidation, message)
}

func NewJobNotFoundError(jobID string) *AppError {
	return New(ErrorTypeJobNotFound, "job not found").WithDetailsf("jobId=%s", jobID)
}

func NewArtifactNotReadyError(jobID string) *AppError {
	return New(ErrorTypeArtifactNotReady, "artifact not ready").WithDetailsf("jobId=%s", jobID)
}

func NewArtifactMissingError(jobID string) *AppError {
	return New(ErrorTypeArtifactMissing, "artifact missing").WithDetailsf("jobId=%s", jobID)
}

func NewJobExpiredError(jobID string) *AppError {
	return New(ErrorTypeJobExpired, "job expired").WithDetailsf("jobId=%s", jobID)
}

func NewQueueUnavailableError() *AppError {
	return New(ErrorTypeQueueUnavailable, "export queue is full")
}

func NewRateLimitedError(retryAfterMs int64) *AppError {
	return New(ErrorTypeRateLimited, "rate limit exceeded").WithDetailsf("retryAfterMs=%d", retryAfterMs)
}

func NewCapsuleIncompatibleError(reason string) *AppError {
	return New(ErrorTypeCapsuleIncompatible, "capsule/sidecar schema mismatch").WithDetails(reason)
}

func NewResultTruncatedError() *AppError {
	return New(ErrorTypeResultTruncated, "response exceeds budget; lower limit and retry")
}

func NewTimeoutError(operation string) *AppError {
	return New(ErrorTypeTimeout, "operation timed out").WithDetails(operation)
}

func NewInternalError(err error) *AppError {
	return Wrap(err, ErrorTypeInternal, "internal error")
}

// IsType reports whether err is an *AppError of the given type.
func IsType(err error, t ErrorType) bool {
	ae, ok := err.(*AppError)
	return ok && ae.Type == t
}

// GetType returns the ErrorType of err, or ErrorTypeInternal if err is not
// an *AppError.
func GetType(err error) ErrorType {
	if ae, ok := err.(*AppError); ok {
		return ae.Type
	}
	return ErrorTypeInternal
}

// GetStatusCode returns the HTTP status for err.
func GetStatusCode(err error) int {
	if ae, ok := err.(*AppError); ok {
		return ae.StatusCode()
	}
	return http.StatusInternalServerError
}

// Chain joins a set of non-nil errors into one error, skipping nils.
// Returns nil if every argument is nil, and the bare error if exactly one
// is non-nil.
func Chain(errs ...error) error {
	var nonNil []error
	for _, e := range errs {
		if e != nil {
			nonNil = append(nonNil, e)
		}
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return nonNil[0]
	default:
		msg := "multiple errors:"
		for i, e := range nonNil {
			if i == 0 {
				msg += " " + e.Error()
			} else {
				msg += "; " + e.Error()
			}
		}
		return fmt.Errorf("%s", msg)
	}
}
