// Package errs provides structured, user-friendly errors with machine-parseable codes.
package errs

import (
	"errors"
	"fmt"
)

// ErrorCode is a machine-parseable error identifier.
type ErrorCode string

const (
	// General
	ErrUnknown    ErrorCode = "ERR-000"
	ErrInternal   ErrorCode = "ERR-001"
	ErrConfig     ErrorCode = "ERR-002"
	ErrValidation ErrorCode = "ERR-003"
	ErrUsage      ErrorCode = "ERR-USAGE-001"

	// Host errors
	ErrHostNotFound ErrorCode = "ERR-HOST-001"
	ErrHostConnect  ErrorCode = "ERR-HOST-002"
	ErrHostCommand  ErrorCode = "ERR-HOST-003"
	ErrHostKey      ErrorCode = "ERR-HOST-004"

	// Deploy errors
	ErrDeployKind     ErrorCode = "ERR-DEPLOY-001"
	ErrDeployLustrate ErrorCode = "ERR-DEPLOY-002"
	ErrBuild          ErrorCode = "ERR-DEPLOY-003"
	ErrUpload         ErrorCode = "ERR-UPLOAD-001"
	ErrUploadTarget   ErrorCode = "ERR-UPLOAD-002"

	// Generation errors
	ErrGenerationState    ErrorCode = "ERR-GEN-001"
	ErrGenerationNotFound ErrorCode = "ERR-GEN-002"

	// Secret errors
	ErrSecretNotFound     ErrorCode = "ERR-SECRET-001"
	ErrSecretExists       ErrorCode = "ERR-SECRET-002"
	ErrSecretManaged      ErrorCode = "ERR-SECRET-003"
	ErrSecretInconsistent ErrorCode = "ERR-SECRET-004"
	ErrNoGenerator        ErrorCode = "ERR-SECRET-005"
	ErrGenerator          ErrorCode = "ERR-SECRET-006"
	ErrNoIdentityHolder   ErrorCode = "ERR-SECRET-007"
	ErrEncrypt            ErrorCode = "ERR-SECRET-008"

	// State errors
	ErrStateRead  ErrorCode = "ERR-STATE-001"
	ErrStateWrite ErrorCode = "ERR-STATE-002"
)

// FleetError is the standard structured error type used across all fleet packages.
type FleetError struct {
	Code   ErrorCode // Machine-parseable error code
	Op     string    // Operation chain, e.g., "deploy.preflight.generation"
	Host   string    // Resource identifier (host name, secret name, etc.)
	Cause  error     // Wrapped upstream error
	Advice string    // Human-readable remediation hint
}

func (e *FleetError) Error() string {
	if e.Host != "" {
		return fmt.Sprintf("[%s] %s (%s): %v", e.Code, e.Op, e.Host, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Code, e.Op, e.Cause)
}

func (e *FleetError) Unwrap() error {
	return e.Cause
}

// UserMessage returns the formatted user-facing error message with remediation advice.
func (e *FleetError) UserMessage() string {
	msg := fmt.Sprintf("%s: %s: %v", e.Code, e.Op, e.Cause)
	if e.Host != "" {
		msg += fmt.Sprintf(" (resource: %s)", e.Host)
	}
	if e.Advice != "" {
		msg += fmt.Sprintf("\n  → %s", e.Advice)
	}
	return msg
}

// Newf creates a new FleetError with a formatted message as the cause.
func Newf(code ErrorCode, op, format string, args ...any) *FleetError {
	return &FleetError{Code: code, Op: op, Cause: fmt.Errorf(format, args...)}
}

// WithHost sets the host/resource identifier on a FleetError.
func (e *FleetError) WithHost(host string) *FleetError {
	e.Host = host
	return e
}

// WithAdvice sets the human-readable remediation hint on a FleetError.
func (e *FleetError) WithAdvice(advice string) *FleetError {
	e.Advice = advice
	return e
}

// Wrap wraps an existing error as a FleetError at a new operation boundary.
func Wrap(err error, code ErrorCode, op string) *FleetError {
	if err == nil {
		return nil
	}
	return &FleetError{Code: code, Op: op, Cause: err}
}

// IsCode reports whether err is a FleetError with the given code.
// The whole chain is searched, so a wrapped inner code still matches.
func IsCode(err error, code ErrorCode) bool {
	for err != nil {
		var fe *FleetError
		if !errors.As(err, &fe) {
			return false
		}
		if fe.Code == code {
			return true
		}
		err = fe.Cause
	}
	return false
}

// AsFleet extracts the outermost *FleetError from err, or returns nil.
func AsFleet(err error) *FleetError {
	var fe *FleetError
	if errors.As(err, &fe) {
		return fe
	}
	return nil
}
