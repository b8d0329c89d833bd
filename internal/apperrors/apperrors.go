package apperrors

import (
	"errors"
	"fmt"
)

// ValidationError marks input the caller got wrong. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// InvalidStateError marks an operation attempted against a hold or booking
// that is not in the required state. These are logic or race errors and are
// surfaced, never retried.
type InvalidStateError struct {
	Entity   string
	ID       string
	State    string
	Required string
	Op       string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid state: %s %s is %q, %s requires %q", e.Entity, e.ID, e.State, e.Op, e.Required)
}

// TransientError wraps a failure that is safe to retry with backoff:
// processor timeouts, 5xx responses, transport errors.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %s: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

func Transient(op string, err error) error { return &TransientError{Op: op, Err: err} }

// DeclinedError means the processor explicitly refused. Terminal; the reason
// is shown to the end user.
type DeclinedError struct {
	Code   string
	Reason string
}

func (e *DeclinedError) Error() string {
	return fmt.Sprintf("declined (%s): %s", e.Code, e.Reason)
}

// ProfileProvisioningError means a driver reliability record was missing.
// Recoverable exactly once by provisioning a default record.
type ProfileProvisioningError struct {
	DriverID string
}

func (e *ProfileProvisioningError) Error() string {
	return "no reliability profile for driver " + e.DriverID
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsInvalidState(err error) bool {
	var v *InvalidStateError
	return errors.As(err, &v)
}

func IsTransient(err error) bool {
	var v *TransientError
	return errors.As(err, &v)
}

func IsDeclined(err error) bool {
	var v *DeclinedError
	return errors.As(err, &v)
}

func IsProfileProvisioning(err error) bool {
	var v *ProfileProvisioningError
	return errors.As(err, &v)
}
