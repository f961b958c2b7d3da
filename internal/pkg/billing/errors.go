package billing

import (
	"errors"
	"fmt"
)

// ErrorKind classifies reconciliation failures. Retryability is carried as
// data on the error, never inferred from the error's dynamic type.
type ErrorKind string

const (
	ErrKindInvalidSignature       ErrorKind = "invalid_signature"
	ErrKindHandlerTransient       ErrorKind = "handler_transient"
	ErrKindBusinessRule           ErrorKind = "business_rule"
	ErrKindConcurrentModification ErrorKind = "concurrent_modification"
	ErrKindRemoteCommandFailure   ErrorKind = "remote_command_failure"
	ErrKindExhaustedRetries       ErrorKind = "exhausted_retries"
	ErrKindNotFound               ErrorKind = "not_found"
)

// Error is the uniform error shape returned by the billing subsystem.
type Error struct {
	Kind      ErrorKind
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewTransientError wraps a failure the retry sweep may recover from.
func NewTransientError(err error) *Error {
	return &Error{Kind: ErrKindHandlerTransient, Retryable: true, Err: err}
}

// NewBusinessRuleError wraps a data problem retrying cannot fix.
func NewBusinessRuleError(format string, args ...interface{}) *Error {
	return &Error{Kind: ErrKindBusinessRule, Retryable: false, Err: fmt.Errorf(format, args...)}
}

// NewConcurrentModificationError signals a lost optimistic-concurrency race.
// The admin caller must re-read and resubmit.
func NewConcurrentModificationError(subscriptionID uint) *Error {
	return &Error{Kind: ErrKindConcurrentModification, Retryable: false, Err: fmt.Errorf("subscription %d was modified concurrently", subscriptionID)}
}

// NewExhaustedRetriesError marks an event whose retry budget is spent. The
// sweep records it as the quarantine reason.
func NewExhaustedRetriesError(attempts int, lastErr string) *Error {
	return &Error{Kind: ErrKindExhaustedRetries, Retryable: false, Err: fmt.Errorf("retry budget exhausted after %d attempts: %s", attempts, lastErr)}
}

// NewRemoteCommandError wraps a failed provider command API call.
func NewRemoteCommandError(err error) *Error {
	return &Error{Kind: ErrKindRemoteCommandFailure, Retryable: false, Err: err}
}

// NewNotFoundError signals a missing subscription or event row.
func NewNotFoundError(format string, args ...interface{}) *Error {
	return &Error{Kind: ErrKindNotFound, Retryable: false, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the ErrorKind from err, or empty string for foreign errors.
func KindOf(err error) ErrorKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return ""
}

// IsRetryable reports whether the retry sweep may re-attempt after err.
// Foreign errors (driver failures, timeouts) default to retryable.
func IsRetryable(err error) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Retryable
	}
	return err != nil
}
