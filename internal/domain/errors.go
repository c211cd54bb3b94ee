package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrOfferNotFound is returned when no dispatch matches a presented token
	ErrOfferNotFound = errors.New("offer not found")

	// ErrContractorNotFound is returned when a contractor id is unknown
	ErrContractorNotFound = errors.New("contractor not found")

	// ErrRouterNotFound is returned when a router id is unknown
	ErrRouterNotFound = errors.New("router not found")

	// ErrAssignmentNotFound is returned when a job has no live assignment
	ErrAssignmentNotFound = errors.New("assignment not found")

	// ErrPayoutNotFound is returned when a job has no payout yet
	ErrPayoutNotFound = errors.New("payout not found")

	// ErrEventNotFound is returned when an outbox event id is unknown
	ErrEventNotFound = errors.New("outbox event not found")

	// ErrDuplicate is returned by stores when a unique constraint rejects an insert
	ErrDuplicate = errors.New("duplicate record")

	// ErrInvalidTransition is returned when a status change is not in the transition table
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrJobNotAvailable is returned when a conditional job update lost a race
	ErrJobNotAvailable = errors.New("job not available")

	// ErrAlreadyClaimed is returned when another router claimed the job first
	ErrAlreadyClaimed = errors.New("job already claimed")

	// ErrAlreadyRouted is returned when the job is claimed by a different router
	ErrAlreadyRouted = errors.New("job already routed by another router")

	// ErrAlreadyResponded is returned when an offer is no longer PENDING
	ErrAlreadyResponded = errors.New("offer already responded")

	// ErrOfferExpired is returned when an offer is past its expiry
	ErrOfferExpired = errors.New("offer expired")

	// ErrNotEligible is returned when a contractor fails an eligibility gate
	ErrNotEligible = errors.New("not eligible")

	// ErrOfferLimitReached is returned when a job already has the maximum number of live offers
	ErrOfferLimitReached = errors.New("live offer limit reached for job")

	// ErrPricingNotLocked is returned when the contractor payout is not positive
	ErrPricingNotLocked = errors.New("job pricing is not locked")

	// ErrPaymentNotCapturable is returned when held funds could not be captured
	ErrPaymentNotCapturable = errors.New("payment not capturable")

	// ErrTokenInvalid is returned when an action token does not match
	ErrTokenInvalid = errors.New("action token invalid")

	// ErrTokenExpired is returned when an action token is past its expiry
	ErrTokenExpired = errors.New("action token expired")

	// ErrNoAssignment is returned when a payout is requested for an unassigned job
	ErrNoAssignment = errors.New("job has no assignment")

	// ErrEscrowNotReleased is returned when a payout is requested before escrow release
	ErrEscrowNotReleased = errors.New("payment not released from escrow")

	// ErrFundsNotHeld is returned when completion is approved without captured funds
	ErrFundsNotHeld = errors.New("payment not held in escrow")

	// ErrTestJob is returned when a money-moving operation targets a test job
	ErrTestJob = errors.New("test job does not move money")

	// ErrResolutionRequired is returned when leaving a holding state without a resolution
	ErrResolutionRequired = errors.New("resolution reference required")

	// ErrForbidden is returned when an actor may not perform an operation
	ErrForbidden = errors.New("actor not permitted")

	// ErrInvalidInput is returned for malformed arguments such as an empty target list
	ErrInvalidInput = errors.New("invalid input")
)

// Kind groups errors into the outcomes callers branch on
type Kind string

const (
	KindInvalidTransition    Kind = "invalid_transition"
	KindConcurrencyLost      Kind = "concurrency_lost"
	KindExpired              Kind = "expired"
	KindNotEligible          Kind = "not_eligible"
	KindPaymentNotCapturable Kind = "payment_not_capturable"
	KindNotFound             Kind = "not_found"
	KindUnauthorized         Kind = "unauthorized"
	KindPrecondition         Kind = "precondition"
	KindInvalidInput         Kind = "invalid_input"
	KindInternal             Kind = "internal"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrInvalidTransition, KindInvalidTransition},
	{ErrJobNotAvailable, KindConcurrencyLost},
	{ErrAlreadyClaimed, KindConcurrencyLost},
	{ErrAlreadyRouted, KindConcurrencyLost},
	{ErrAlreadyResponded, KindConcurrencyLost},
	{ErrOfferExpired, KindExpired},
	{ErrTokenExpired, KindExpired},
	{ErrNotEligible, KindNotEligible},
	{ErrOfferLimitReached, KindNotEligible},
	{ErrPricingNotLocked, KindNotEligible},
	{ErrPaymentNotCapturable, KindPaymentNotCapturable},
	{ErrJobNotFound, KindNotFound},
	{ErrOfferNotFound, KindNotFound},
	{ErrContractorNotFound, KindNotFound},
	{ErrRouterNotFound, KindNotFound},
	{ErrPayoutNotFound, KindNotFound},
	{ErrEventNotFound, KindNotFound},
	{ErrTokenInvalid, KindUnauthorized},
	{ErrForbidden, KindUnauthorized},
	{ErrNoAssignment, KindPrecondition},
	{ErrAssignmentNotFound, KindPrecondition},
	{ErrEscrowNotReleased, KindPrecondition},
	{ErrFundsNotHeld, KindPrecondition},
	{ErrTestJob, KindPrecondition},
	{ErrResolutionRequired, KindPrecondition},
	{ErrInvalidInput, KindInvalidInput},
}

// KindOf classifies err. Anything not in the taxonomy is KindInternal.
func KindOf(err error) Kind {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// IsExpected reports whether err is a typed business outcome rather than an infrastructure failure
func IsExpected(err error) bool {
	return err != nil && KindOf(err) != KindInternal
}

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
