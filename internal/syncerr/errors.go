// Package syncerr defines the error taxonomy shared by every coordinator.
//
// All domain failures are a single *Error carrying a Code plus the entity,
// device, operation, session and conflict IDs needed for audit. Raw payloads
// are never attached.
package syncerr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Code categorizes coordination errors.
type Code string

const (
	// CodeCapacityExceeded indicates a device or queue limit was reached.
	CodeCapacityExceeded Code = "CAPACITY_EXCEEDED"

	// CodeNotFound indicates an unknown device, operation, conflict or session.
	CodeNotFound Code = "NOT_FOUND"

	// CodeTimeout indicates a resolution, handoff or crisis deadline was missed.
	CodeTimeout Code = "TIMEOUT"

	// CodeContinuityViolation indicates a non-monotonic session progress update.
	CodeContinuityViolation Code = "CONTINUITY_VIOLATION"

	// CodeIntegrityMismatch indicates a checksum failure on device state.
	CodeIntegrityMismatch Code = "INTEGRITY_MISMATCH"

	// CodeSLAViolation is soft: logged and counted, never fatal.
	CodeSLAViolation Code = "SLA_VIOLATION"

	// CodeInvalidArgument indicates a malformed request.
	CodeInvalidArgument Code = "INVALID_ARGUMENT"

	// CodeHandoffFailed indicates a session handoff sub-transfer failed.
	CodeHandoffFailed Code = "HANDOFF_FAILED"
)

// Error is a coordination failure with structured audit context.
type Error struct {
	Code    Code
	Message string

	EntityID    string
	DeviceID    string
	OperationID string
	SessionID   string
	ConflictID  string

	// Details holds extra string context (limits, step names, deadlines).
	Details map[string]string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)

	var ids []string
	for _, kv := range [][2]string{
		{"entity", e.EntityID},
		{"device", e.DeviceID},
		{"operation", e.OperationID},
		{"session", e.SessionID},
		{"conflict", e.ConflictID},
	} {
		if kv[1] != "" {
			ids = append(ids, kv[0]+"="+kv[1])
		}
	}
	if len(ids) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(ids, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Fields returns the audit context as a flat, sorted key/value list.
// Used for structured logging.
func (e *Error) Fields() []string {
	out := []string{"code", string(e.Code)}
	add := func(k, v string) {
		if v != "" {
			out = append(out, k, v)
		}
	}
	add("entity_id", e.EntityID)
	add("device_id", e.DeviceID)
	add("operation_id", e.OperationID)
	add("session_id", e.SessionID)
	add("conflict_id", e.ConflictID)

	keys := make([]string, 0, len(e.Details))
	for k := range e.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k, e.Details[k])
	}
	return out
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsNotFound reports whether err is a NOT_FOUND error.
func IsNotFound(err error) bool { return Is(err, CodeNotFound) }

// IsCapacityExceeded reports whether err is a CAPACITY_EXCEEDED error.
func IsCapacityExceeded(err error) bool { return Is(err, CodeCapacityExceeded) }

// IsTimeout reports whether err is a TIMEOUT error.
func IsTimeout(err error) bool { return Is(err, CodeTimeout) }

// IsContinuityViolation reports whether err is a CONTINUITY_VIOLATION error.
func IsContinuityViolation(err error) bool { return Is(err, CodeContinuityViolation) }

// IsIntegrityMismatch reports whether err is an INTEGRITY_MISMATCH error.
func IsIntegrityMismatch(err error) bool { return Is(err, CodeIntegrityMismatch) }

// Rejected reports whether err is returned to callers as a rejected
// operation rather than treated as an execution failure.
func Rejected(err error) bool {
	switch CodeOf(err) {
	case CodeNotFound, CodeCapacityExceeded, CodeInvalidArgument:
		return true
	}
	return false
}

// Retryable reports whether the failed work may be re-queued.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeTimeout, CodeHandoffFailed:
		return true
	}
	return false
}

// NotFound builds a NOT_FOUND error for the given kind ("device", "session", ...).
func NotFound(kind, id string) *Error {
	e := &Error{Code: CodeNotFound, Message: fmt.Sprintf("%s %q not found", kind, id)}
	switch kind {
	case "device":
		e.DeviceID = id
	case "operation":
		e.OperationID = id
	case "session":
		e.SessionID = id
	case "conflict":
		e.ConflictID = id
	default:
		e.EntityID = id
	}
	return e
}

// CapacityExceeded builds a CAPACITY_EXCEEDED error for a named resource.
func CapacityExceeded(resource string, limit int) *Error {
	return &Error{
		Code:    CodeCapacityExceeded,
		Message: fmt.Sprintf("%s limit reached", resource),
		Details: map[string]string{
			"resource": resource,
			"limit":    fmt.Sprintf("%d", limit),
		},
	}
}

// Timeout builds a TIMEOUT error for an operation that missed its deadline.
func Timeout(what string, deadline time.Duration, cause error) *Error {
	return &Error{
		Code:    CodeTimeout,
		Message: fmt.Sprintf("%s exceeded deadline", what),
		Details: map[string]string{"deadline": deadline.String()},
		Err:     cause,
	}
}

// ContinuityViolation builds a CONTINUITY_VIOLATION error for a session.
func ContinuityViolation(sessionID, message string) *Error {
	return &Error{Code: CodeContinuityViolation, Message: message, SessionID: sessionID}
}

// IntegrityMismatch builds an INTEGRITY_MISMATCH error for a device.
func IntegrityMismatch(deviceID, expected, actual string) *Error {
	return &Error{
		Code:     CodeIntegrityMismatch,
		Message:  "device state checksum mismatch",
		DeviceID: deviceID,
		Details: map[string]string{
			"expected": expected,
			"actual":   actual,
		},
	}
}

// Invalid builds an INVALID_ARGUMENT error.
func Invalid(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidArgument, Message: fmt.Sprintf(format, args...)}
}
