package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// ErrorClass is the handling category of a failure.
type ErrorClass string

const (
	// ClassTransient failures are retried with backoff.
	ClassTransient ErrorClass = "transient"
	// ClassMalformedOutput failures are repaired or degraded, never surfaced.
	ClassMalformedOutput ErrorClass = "malformed_output"
	// ClassInsufficientInput yields a typed inconclusive result.
	ClassInsufficientInput ErrorClass = "insufficient_input"
	// ClassValidation is rejected at the boundary and never retried.
	ClassValidation ErrorClass = "validation"
	// ClassPermanent covers everything else.
	ClassPermanent ErrorClass = "permanent"
)

// TransientError wraps an error that is safe to retry (e.g., 429, 5xx,
// navigation timeout, challenge not solved).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// ValidationError is a bad request detected at the dispatch boundary.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// MalformedOutputError marks completion output that could not be decoded.
type MalformedOutputError struct {
	Err error
	Raw string
}

func (e *MalformedOutputError) Error() string {
	return "malformed output: " + e.Err.Error()
}

func (e *MalformedOutputError) Unwrap() error {
	return e.Err
}

// InsufficientInputError marks input too thin to produce a verdict.
type InsufficientInputError struct {
	Reason string
}

func (e *InsufficientInputError) Error() string {
	return "insufficient input: " + e.Reason
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient error patterns (network
// timeouts, connection resets, DNS failures, browser navigation stalls).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

var transientPatterns = []string{
	"connection reset by peer",
	"broken pipe",
	"temporary failure in name resolution",
	"no such host",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
	"transport connection broken",
	"navigation timeout",
	"challenge not solved",
	"rate limit",
	"at capacity",
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// Classify maps err onto the handling taxonomy.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ClassValidation
	}
	var me *MalformedOutputError
	if errors.As(err, &me) {
		return ClassMalformedOutput
	}
	var ie *InsufficientInputError
	if errors.As(err, &ie) {
		return ClassInsufficientInput
	}
	if IsTransient(err) {
		return ClassTransient
	}
	return ClassPermanent
}
