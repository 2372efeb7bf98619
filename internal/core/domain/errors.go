package domain

import (
	"errors"
	"fmt"
)

// DomainError is an error carrying a stable, machine-readable code.
//
// Codes have the form SM-<AREA>-<NNNN>. errors.Is matches two DomainErrors
// by code alone, so copies made with WithDetails or WithCause still match
// the sentinel they were derived from.
type DomainError struct {
	Code    string // Error code (e.g., "SM-TXN-4090")
	Message string // Human-readable message
	Details string // Optional additional details
	Cause   error  // Underlying error (if any)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap() support.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is() support for error comparison.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewDomainError creates a new DomainError with the given code and message.
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *DomainError) WithDetails(details string) *DomainError {
	return &DomainError{
		Code:    e.Code,
		Message: e.Message,
		Details: details,
		Cause:   e.Cause,
	}
}

// WithCause returns a copy of the error wrapping the given cause.
func (e *DomainError) WithCause(cause error) *DomainError {
	return &DomainError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
		Cause:   cause,
	}
}

// Wrap wraps an error with this domain error as the cause.
func (e *DomainError) Wrap(cause error) *DomainError {
	return e.WithCause(cause)
}

// IsDomainError checks if an error is a DomainError with the given code.
// If code is empty, it only checks if the error is a DomainError.
func IsDomainError(err error, code string) bool {
	var de *DomainError
	if errors.As(err, &de) {
		if code == "" {
			return true // Only check if it's a DomainError
		}
		return de.Code == code
	}
	return false
}

// GetErrorCode extracts the error code from an error if it's a DomainError.
func GetErrorCode(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// ============================================================================
// Transaction Errors (TXN)
// ============================================================================

var (
	// ErrValidationConflict indicates one or more preconditions failed at commit time.
	// The caller may re-read the current snapshot and retry.
	ErrValidationConflict = NewDomainError("SM-TXN-4090", "precondition conflict")

	// ErrMalformedTransaction indicates a transaction violated an engine invariant,
	// such as exhausting the version space. It is fatal to the transaction only.
	ErrMalformedTransaction = NewDomainError("SM-TXN-4000", "malformed transaction")
)

// ============================================================================
// Handle Errors (HDL)
// ============================================================================

var (
	// ErrDisposedAccess indicates use of a released subscription, a frozen
	// builder, or a transaction that was already consumed.
	ErrDisposedAccess = NewDomainError("SM-HDL-4100", "access to disposed handle")
)

// ============================================================================
// Snapshot Errors (SNAP)
// ============================================================================

var (
	// ErrSnapshotNotRetained indicates the requested version is outside the retained history.
	ErrSnapshotNotRetained = NewDomainError("SM-SNAP-4040", "snapshot not retained")

	// ErrStaleSnapshot indicates a full-state replacement that does not advance the version.
	ErrStaleSnapshot = NewDomainError("SM-SNAP-4091", "stale snapshot")
)

// ============================================================================
// Transport Errors (NET)
// ============================================================================

var (
	// ErrTransportFailure indicates delivery failed; the commit outcome is unknown.
	ErrTransportFailure = NewDomainError("SM-NET-5030", "transport failure, commit outcome unknown")

	// ErrNotLeader indicates a proposal reached a node that cannot sequence it.
	ErrNotLeader = NewDomainError("SM-NET-5031", "not the cluster leader")
)

// ============================================================================
// Wire Errors (WIRE)
// ============================================================================

var (
	// ErrCorruptedFrame indicates a payload failed checksum or structural checks.
	ErrCorruptedFrame = NewDomainError("SM-WIRE-4000", "corrupted frame")

	// ErrUnknownFrame indicates a payload of an unsupported kind.
	ErrUnknownFrame = NewDomainError("SM-WIRE-4001", "unknown frame kind")
)

// ============================================================================
// System Errors (SYS)
// ============================================================================

var (
	// ErrInternal indicates an unexpected internal failure.
	ErrInternal = NewDomainError("SM-SYS-5000", "internal error")

	// ErrInvalidArgument indicates an invalid argument.
	ErrInvalidArgument = NewDomainError("SM-ARG-1001", "invalid argument")
)
