package models

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict: the product record moved between read and write. Retry with fresh state.
	ErrConflict = errors.New("concurrent status change")
	// ErrInvalidTransition is fatal and never retried.
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrProviderTransport = errors.New("provider transport error")
	ErrProviderRejection = errors.New("provider rejected request")
	ErrInsufficientLimit = errors.New("insufficient withdrawal limit")
	// ErrConfiguration reports missing or inconsistent deployment configuration.
	ErrConfiguration  = errors.New("configuration error")
	ErrRecordNotFound = errors.New("record not found")
)

// TransitionError carries the rejected edge.
type TransitionError struct {
	Kind   RecordKind
	From   Status
	To     Status
	Reason string
}

func (e *TransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid status transition %s -> %s for %s: %s", e.From, e.To, e.Kind, e.Reason)
	}
	return fmt.Sprintf("invalid status transition %s -> %s for %s", e.From, e.To, e.Kind)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
