// Package errors defines the error taxonomy shared by the scheduler and
// backend handles. Backend failures are split into transient failures, which
// are retried and then failed over, and rejections, which fail over at once.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Class tells the scheduler how to react to a backend failure.
type Class int

const (
	// ClassTransient covers timeouts, rate limits and connection errors.
	// The same backend is retried before failing over.
	ClassTransient Class = iota
	// ClassRejection covers authentication and malformed-request errors.
	// Retrying the same backend cannot succeed.
	ClassRejection
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassRejection:
		return "rejection"
	default:
		return "unknown"
	}
}

// Common error types as constants for consistency.
const (
	TypeAuthentication     = "authentication_error"
	TypeRateLimit          = "rate_limit_error"
	TypeInvalidRequest     = "invalid_request_error"
	TypeNotFound           = "not_found_error"
	TypeTimeout            = "timeout_error"
	TypeConnection         = "connection_error"
	TypeServiceUnavailable = "service_unavailable_error"
	TypeInternalError      = "internal_error"
	TypeContextLength      = "context_length_exceeded"
	TypeContentPolicy      = "content_policy_violation"
	TypeNoEligibleBackend  = "no_eligible_backend"
	TypeExhausted          = "all_backends_exhausted"
	TypeDeadlineExceeded   = "deadline_exceeded"
)

// Sentinel errors for errors.Is matching.
var (
	ErrNoEligibleBackend    = stderrors.New("no eligible backend")
	ErrAllBackendsExhausted = stderrors.New("all backends exhausted")
	ErrDeadlineExceeded     = stderrors.New("deadline exceeded")
)

// BackendError is a failure reported by (or on the way to) a single backend.
type BackendError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Type       string `json:"type"`
	Backend    string `json:"backend"`
	Model      string `json:"model,omitempty"`
	Class      Class  `json:"-"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	return fmt.Sprintf("[%s] %s (backend=%s, model=%s, code=%d)",
		e.Type, e.Message, e.Backend, e.Model, e.StatusCode)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Transient reports whether the failure is worth retrying on the same backend.
func (e *BackendError) Transient() bool { return e.Class == ClassTransient }

// HTTPStatusCode returns the appropriate HTTP status code for the error.
func (e *BackendError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusBadGateway
}

func newBackendError(status int, typ string, class Class, backend, model, message string) *BackendError {
	return &BackendError{
		StatusCode: status,
		Message:    message,
		Type:       typ,
		Backend:    backend,
		Model:      model,
		Class:      class,
	}
}

// NewAuthenticationError creates an authentication rejection (401).
func NewAuthenticationError(backend, model, message string) *BackendError {
	return newBackendError(http.StatusUnauthorized, TypeAuthentication, ClassRejection, backend, model, message)
}

// NewInvalidRequestError creates a malformed-request rejection (400).
func NewInvalidRequestError(backend, model, message string) *BackendError {
	return newBackendError(http.StatusBadRequest, TypeInvalidRequest, ClassRejection, backend, model, message)
}

// NewNotFoundError creates a not found rejection (404).
func NewNotFoundError(backend, model, message string) *BackendError {
	return newBackendError(http.StatusNotFound, TypeNotFound, ClassRejection, backend, model, message)
}

// NewContextLengthError creates a rejection for prompts exceeding the context window.
func NewContextLengthError(backend, model, message string) *BackendError {
	return newBackendError(http.StatusBadRequest, TypeContextLength, ClassRejection, backend, model, message)
}

// NewContentPolicyError creates a rejection for content the backend refuses.
func NewContentPolicyError(backend, model, message string) *BackendError {
	return newBackendError(http.StatusBadRequest, TypeContentPolicy, ClassRejection, backend, model, message)
}

// NewRateLimitError creates a transient rate limit error (429).
func NewRateLimitError(backend, model, message string) *BackendError {
	return newBackendError(http.StatusTooManyRequests, TypeRateLimit, ClassTransient, backend, model, message)
}

// NewTimeoutError creates a transient timeout error (408).
func NewTimeoutError(backend, model, message string) *BackendError {
	return newBackendError(http.StatusRequestTimeout, TypeTimeout, ClassTransient, backend, model, message)
}

// NewServiceUnavailableError creates a transient service unavailable error (503).
func NewServiceUnavailableError(backend, model, message string) *BackendError {
	return newBackendError(http.StatusServiceUnavailable, TypeServiceUnavailable, ClassTransient, backend, model, message)
}

// NewInternalError creates a transient backend-side failure (500).
func NewInternalError(backend, model, message string) *BackendError {
	return newBackendError(http.StatusInternalServerError, TypeInternalError, ClassTransient, backend, model, message)
}

// NewConnectionError wraps a network-level failure reaching the backend.
func NewConnectionError(backend string, err error) *BackendError {
	e := newBackendError(http.StatusBadGateway, TypeConnection, ClassTransient, backend, "", "connection failed")
	if err != nil {
		e.Message = "connection failed: " + err.Error()
	}
	e.Err = err
	return e
}

// FromStatus maps an HTTP status returned by a backend onto the taxonomy.
func FromStatus(backend, model string, status int, message string) *BackendError {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e := NewAuthenticationError(backend, model, message)
		e.StatusCode = status
		return e
	case status == http.StatusTooManyRequests:
		return NewRateLimitError(backend, model, message)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		e := NewTimeoutError(backend, model, message)
		e.StatusCode = status
		return e
	case status == http.StatusNotFound:
		return NewNotFoundError(backend, model, message)
	case status == http.StatusBadRequest && strings.Contains(strings.ToLower(message), "context length"):
		return NewContextLengthError(backend, model, message)
	case status >= 400 && status < 500:
		e := NewInvalidRequestError(backend, model, message)
		e.StatusCode = status
		return e
	case status == http.StatusServiceUnavailable || status == http.StatusBadGateway:
		e := NewServiceUnavailableError(backend, model, message)
		e.StatusCode = status
		return e
	default:
		e := NewInternalError(backend, model, message)
		if status > 0 {
			e.StatusCode = status
		}
		return e
	}
}

// Classify returns the class of an arbitrary error returned by a backend call.
// Errors of unknown origin are treated as transient.
func Classify(err error) Class {
	var be *BackendError
	if stderrors.As(err, &be) {
		return be.Class
	}
	return ClassTransient
}

// IsTransient reports whether err should be retried on the same backend.
func IsTransient(err error) bool {
	return err != nil && Classify(err) == ClassTransient
}

// AsBackendError converts err into a BackendError attributed to backend.
// Context and network errors become timeout and connection errors.
func AsBackendError(backend string, err error) *BackendError {
	if err == nil {
		return nil
	}
	var be *BackendError
	if stderrors.As(err, &be) {
		if be.Backend == "" {
			cp := *be
			cp.Backend = backend
			return &cp
		}
		return be
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		e := NewTimeoutError(backend, "", err.Error())
		e.Err = err
		return e
	}
	if isConnectionError(err) {
		return NewConnectionError(backend, err)
	}
	e := NewInternalError(backend, "", err.Error())
	e.Err = err
	return e
}

func isConnectionError(err error) bool {
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if stderrors.As(err, &opErr) {
		return true
	}
	return stderrors.Is(err, syscall.ECONNREFUSED) ||
		stderrors.Is(err, syscall.ECONNRESET) ||
		stderrors.Is(err, io.ErrUnexpectedEOF)
}

// NoEligibleBackendError is returned when selection finds no usable candidate.
type NoEligibleBackendError struct {
	Reason string
}

func (e *NoEligibleBackendError) Error() string {
	if e.Reason == "" {
		return ErrNoEligibleBackend.Error()
	}
	return ErrNoEligibleBackend.Error() + ": " + e.Reason
}

// Is matches ErrNoEligibleBackend.
func (e *NoEligibleBackendError) Is(target error) bool {
	return target == ErrNoEligibleBackend
}

// HTTPStatusCode returns the appropriate HTTP status code for the error.
func (e *NoEligibleBackendError) HTTPStatusCode() int {
	return http.StatusServiceUnavailable
}

// NewNoEligibleBackend builds a NoEligibleBackendError.
func NewNoEligibleBackend(format string, args ...any) *NoEligibleBackendError {
	return &NoEligibleBackendError{Reason: fmt.Sprintf(format, args...)}
}

// BackendFailure is the last error observed for one candidate.
// Message is already sanitized when the failure leaves the scheduler.
type BackendFailure struct {
	Backend    string `json:"backend"`
	Type       string `json:"type"`
	StatusCode int    `json:"status_code,omitempty"`
	Message    string `json:"message"`
	Attempts   int    `json:"attempts"`
}

func (f BackendFailure) String() string {
	return fmt.Sprintf("%s: %s", f.Backend, f.Message)
}

func joinFailures(failures []BackendFailure) string {
	parts := make([]string, len(failures))
	for i, f := range failures {
		parts[i] = f.String()
	}
	return strings.Join(parts, "; ")
}

// ExhaustedError is returned when every candidate failed.
// Failures are ordered as the candidates were tried.
type ExhaustedError struct {
	Failures []BackendFailure `json:"failures"`
}

func (e *ExhaustedError) Error() string {
	if len(e.Failures) == 0 {
		return ErrAllBackendsExhausted.Error()
	}
	return ErrAllBackendsExhausted.Error() + ": " + joinFailures(e.Failures)
}

// Is matches ErrAllBackendsExhausted.
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrAllBackendsExhausted
}

// HTTPStatusCode returns the appropriate HTTP status code for the error.
// When every candidate rejected the request the rejection status is kept.
func (e *ExhaustedError) HTTPStatusCode() int {
	if len(e.Failures) > 0 {
		code := e.Failures[0].StatusCode
		same := code >= 400 && code < 500 && code != http.StatusTooManyRequests && code != http.StatusRequestTimeout
		for _, f := range e.Failures[1:] {
			if f.StatusCode != code {
				same = false
				break
			}
		}
		if same {
			return code
		}
	}
	return http.StatusBadGateway
}

// DeadlineExceededError is returned when the caller's deadline expired before
// any candidate succeeded. Failures lists what was tried until then.
type DeadlineExceededError struct {
	Failures []BackendFailure `json:"failures,omitempty"`
}

func (e *DeadlineExceededError) Error() string {
	if len(e.Failures) == 0 {
		return ErrDeadlineExceeded.Error()
	}
	return ErrDeadlineExceeded.Error() + " after: " + joinFailures(e.Failures)
}

// Is matches both ErrDeadlineExceeded and context.DeadlineExceeded.
func (e *DeadlineExceededError) Is(target error) bool {
	return target == ErrDeadlineExceeded || target == context.DeadlineExceeded
}

// HTTPStatusCode returns the appropriate HTTP status code for the error.
func (e *DeadlineExceededError) HTTPStatusCode() int {
	return http.StatusGatewayTimeout
}

// HTTPStatusCode extracts a status code from any error in this package.
func HTTPStatusCode(err error) int {
	var coder interface{ HTTPStatusCode() int }
	if stderrors.As(err, &coder) {
		return coder.HTTPStatusCode()
	}
	if stderrors.Is(err, context.Canceled) {
		return 499
	}
	return http.StatusInternalServerError
}

// TypeOf returns the error type string used on the wire.
func TypeOf(err error) string {
	var be *BackendError
	switch {
	case stderrors.As(err, &be):
		return be.Type
	case stderrors.Is(err, ErrNoEligibleBackend):
		return TypeNoEligibleBackend
	case stderrors.Is(err, ErrAllBackendsExhausted):
		return TypeExhausted
	case stderrors.Is(err, ErrDeadlineExceeded):
		return TypeDeadlineExceeded
	default:
		return TypeInternalError
	}
}
