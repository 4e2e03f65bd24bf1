// Package apperrors holds the error taxonomy surfaced to the presentation layer.
package apperrors

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks input rejected before any network call.
	ErrValidation = errors.New("validation error")
	// ErrTransport marks a failed round trip to the substrate or a collaborator.
	ErrTransport = errors.New("transport error")
	// ErrSubscription marks a live channel that could not be established.
	ErrSubscription = errors.New("subscription error")
)

// Validation builds a validation error with a user-facing reason.
func Validation(reason string) error {
	return fmt.Errorf("%w: %s", ErrValidation, reason)
}

// Transport wraps err so that both ErrTransport and err match errors.Is.
func Transport(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
}

// Subscription wraps err so that both ErrSubscription and err match errors.Is.
func Subscription(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrSubscription, op, err)
}

// Kind returns the short taxonomy name used on the wire.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrSubscription):
		return "subscription"
	default:
		return "transport"
	}
}
