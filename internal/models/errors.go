package models

import (
	"errors"
	"fmt"
)

// ValidationError rejects bad input synchronously. It is never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// TransientStoreError marks a store operation that failed due to a temporary
// backend condition and may be retried at the adapter boundary.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("transient store error in %s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error {
	return e.Err
}

func IsTransient(err error) bool {
	var te *TransientStoreError
	return errors.As(err, &te)
}

// OrderingViolation is fatal for a session's reconciliation pass: a fetched or
// replayed sequence number was not strictly greater than the last one seen.
type OrderingViolation struct {
	ConversationID string
	LastSeq        int64
	GotSeq         int64
}

func (e *OrderingViolation) Error() string {
	return fmt.Sprintf("ordering violation in conversation %s: seq %d after %d",
		e.ConversationID, e.GotSeq, e.LastSeq)
}
