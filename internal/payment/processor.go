// Package payment defines the contract with the external payment processor.
package payment

import (
	"context"
	"errors"
)

var (
	// ErrDeclined is returned when the processor refuses a capture
	ErrDeclined = errors.New("payment processor declined capture")

	// ErrAuthorizationNotFound is returned for an unknown authorization reference
	ErrAuthorizationNotFound = errors.New("payment authorization not found")
)

// AuthorizationStatus is the processor's view of a held payment
type AuthorizationStatus string

const (
	AuthorizationActive   AuthorizationStatus = "active"
	AuthorizationCaptured AuthorizationStatus = "captured"
	AuthorizationExpired  AuthorizationStatus = "expired"
	AuthorizationVoided   AuthorizationStatus = "voided"
)

// Capturable reports whether funds under this status can still be captured
func (s AuthorizationStatus) Capturable() bool {
	return s == AuthorizationActive
}

// Processor is the remote payment provider. Both calls are fallible network
// operations; callers must not leave local state half-written when they fail.
type Processor interface {
	Authorization(ctx context.Context, ref string) (AuthorizationStatus, error)
	Capture(ctx context.Context, ref string, amount int64) error
}

// NotCapturable reports whether err means the funds can never be captured,
// as opposed to a transient failure reaching the processor
func NotCapturable(err error) bool {
	return errors.Is(err, ErrDeclined) || errors.Is(err, ErrAuthorizationNotFound)
}
