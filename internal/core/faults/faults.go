// Package faults maps raw failures from a remote session into the retry
// taxonomy used by the workflow: Transient, Permanent or Unknown.
package faults

import (
	"errors"
	"fmt"
)

// Kind governs retry eligibility.
type Kind int

const (
	Unknown Kind = iota
	Transient
	Permanent
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Classification is the result of classifying one error.
type Classification struct {
	Kind     Kind
	Category string
}

// Categories reported next to the kind.
const (
	CategoryTimeout      = "timeout"
	CategoryNetwork      = "network"
	CategoryNavigation   = "navigation"
	CategoryBrowser      = "browser"
	CategorySelector     = "selector"
	CategoryCredentials  = "credentials"
	CategoryAccount      = "account"
	CategoryRejection    = "rejection"
	CategoryVerification = "verification"
	CategoryCancelled    = "cancelled"
	CategoryUnclassified = "unclassified"
)

// markedError forces a kind regardless of the message.
type markedError struct {
	err      error
	kind     Kind
	category string
}

func (e *markedError) Error() string { return e.err.Error() }
func (e *markedError) Unwrap() error { return e.err }

// AsTransient marks err as retriable under category.
func AsTransient(category string, err error) error {
	return &markedError{err: err, kind: Transient, category: category}
}

// AsPermanent marks err as non-retriable under category.
func AsPermanent(category string, err error) error {
	return &markedError{err: err, kind: Permanent, category: category}
}

// RejectionError carries an explicit message shown by the remote surface in
// place of the expected acknowledgment.
type RejectionError struct {
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("remote rejected action: %q", e.Message)
}

// Reject builds a RejectionError.
func Reject(message string) error {
	return &RejectionError{Message: message}
}

// IsRejection reports whether err carries a RejectionError.
func IsRejection(err error) bool {
	var rej *RejectionError
	return errors.As(err, &rej)
}
