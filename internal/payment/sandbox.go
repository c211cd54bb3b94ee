package payment

import (
	"context"
	"fmt"
	"sync"
)

// Sandbox is an in-process processor for development and tests
type Sandbox struct {
	mu       sync.Mutex
	auths    map[string]AuthorizationStatus
	captured map[string]int64
	// returned by the next Capture call, then cleared
	failNext error
	// unknown refs report as active
	open bool
}

// NewSandbox creates an empty sandbox processor
func NewSandbox() *Sandbox {
	return &Sandbox{
		auths:    make(map[string]AuthorizationStatus),
		captured: make(map[string]int64),
	}
}

// Authorize records an active authorization under ref
func (s *Sandbox) Authorize(ref string) {
	s.SetStatus(ref, AuthorizationActive)
}

// AuthorizeUnknown makes every ref not seen before report as an active
// authorization. Used when the sandbox backs a development deployment.
func (s *Sandbox) AuthorizeUnknown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = true
}

// SetStatus forces the status of an authorization
func (s *Sandbox) SetStatus(ref string, status AuthorizationStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auths[ref] = status
}

// FailNextCapture makes the next Capture return err
func (s *Sandbox) FailNextCapture(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

// Captured returns the amount captured under ref
func (s *Sandbox) Captured(ref string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	amt, ok := s.captured[ref]
	return amt, ok
}

// Authorization implements Processor
func (s *Sandbox) Authorization(ctx context.Context, ref string) (AuthorizationStatus, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	status, ok := s.auths[ref]
	if !ok && s.open {
		return AuthorizationActive, nil
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrAuthorizationNotFound, ref)
	}
	return status, nil
}

// Capture implements Processor
func (s *Sandbox) Capture(ctx context.Context, ref string, amount int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}

	status, ok := s.auths[ref]
	if !ok && s.open {
		status, ok = AuthorizationActive, true
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrAuthorizationNotFound, ref)
	}
	if status == AuthorizationCaptured {
		// capture is idempotent per authorization
		return nil
	}
	if !status.Capturable() {
		return fmt.Errorf("%w: authorization %s is %s", ErrDeclined, ref, status)
	}
	if amount <= 0 {
		return fmt.Errorf("%w: non-positive amount %d", ErrDeclined, amount)
	}

	s.auths[ref] = AuthorizationCaptured
	s.captured[ref] = amount
	return nil
}
