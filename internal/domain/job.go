package domain

import "time"

// JobStatus is a lifecycle state of a job
type JobStatus string

// Job status constants
const (
	JobStatusDraft               JobStatus = "DRAFT"
	JobStatusInReview            JobStatus = "IN_REVIEW"
	JobStatusNeedsClarification  JobStatus = "NEEDS_CLARIFICATION"
	JobStatusApproved            JobStatus = "APPROVED"
	JobStatusPublished           JobStatus = "PUBLISHED"
	JobStatusOpenForRouting      JobStatus = "OPEN_FOR_ROUTING"
	JobStatusAssigned            JobStatus = "ASSIGNED"
	JobStatusInProgress          JobStatus = "IN_PROGRESS"
	JobStatusContractorCompleted JobStatus = "CONTRACTOR_COMPLETED"
	JobStatusCustomerApproved    JobStatus = "CUSTOMER_APPROVED"
	JobStatusCustomerRejected    JobStatus = "CUSTOMER_REJECTED"
	JobStatusCompletionFlagged   JobStatus = "COMPLETION_FLAGGED"
	JobStatusCompletedApproved   JobStatus = "COMPLETED_APPROVED"
)

// OfferableStatuses are the statuses in which a job may be offered to contractors
var OfferableStatuses = []JobStatus{JobStatusPublished, JobStatusOpenForRouting}

// IsOfferable reports whether a job in status s can receive or accept offers
func IsOfferable(s JobStatus) bool {
	for _, o := range OfferableStatuses {
		if s == o {
			return true
		}
	}
	return false
}

// RoutingStatus describes who, if anyone, has claimed a job for routing
type RoutingStatus string

const (
	RoutingUnrouted       RoutingStatus = "UNROUTED"
	RoutingRoutedByRouter RoutingStatus = "ROUTED_BY_ROUTER"
	RoutingRoutedByAdmin  RoutingStatus = "ROUTED_BY_ADMIN"
)

// PaymentState tracks the poster's funds for a job
type PaymentState string

const (
	PaymentNone       PaymentState = "NONE"
	PaymentAuthorized PaymentState = "AUTHORIZED"
	PaymentCaptured   PaymentState = "CAPTURED"
	PaymentReleased   PaymentState = "RELEASED"
)

// Job types used by the radius policy
const (
	JobTypeUrban = "urban"
	JobTypeRural = "rural"
)

// CategoryAutomotive requires an explicit contractor capability flag
const CategoryAutomotive = "AUTOMOTIVE"

// Job is the unit of work routed to contractors
type Job struct {
	ID            string        `db:"id"`
	Status        JobStatus     `db:"status"`
	RoutingStatus RoutingStatus `db:"routing_status"`

	Country       string   `db:"country"`
	RegionCode    string   `db:"region_code"`
	Latitude      *float64 `db:"latitude"`
	Longitude     *float64 `db:"longitude"`
	TradeCategory string   `db:"trade_category"`
	JobType       string   `db:"job_type"`

	// Money is expressed in integer minor currency units
	Currency         string `db:"currency"`
	LaborAmount      int64  `db:"labor_amount"`
	MaterialsAmount  int64  `db:"materials_amount"`
	ContractorPayout int64  `db:"contractor_payout"`
	RouterEarning    int64  `db:"router_earning"`
	PlatformFee      int64  `db:"platform_fee"`
	TransactionFee   int64  `db:"transaction_fee"`

	ClaimedByRouterID *string    `db:"claimed_by_router_id"`
	ClaimedAt         *time.Time `db:"claimed_at"`
	RoutedAt          *time.Time `db:"routed_at"`
	FirstRoutedAt     *time.Time `db:"first_routed_at"`
	RoutingDueAt      *time.Time `db:"routing_due_at"`

	ContractorTokenHash      *string    `db:"contractor_token_hash"`
	ContractorTokenExpiresAt *time.Time `db:"contractor_token_expires_at"`
	CustomerTokenHash        *string    `db:"customer_token_hash"`
	CustomerTokenExpiresAt   *time.Time `db:"customer_token_expires_at"`

	PaymentState            PaymentState `db:"payment_state"`
	PaymentAuthorizationRef *string      `db:"payment_authorization_ref"`

	IsTest    bool      `db:"is_test"`
	Archived  bool      `db:"archived"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// ClaimedBy reports whether the job is currently claimed by routerID
func (j *Job) ClaimedBy(routerID string) bool {
	return j.ClaimedByRouterID != nil && *j.ClaimedByRouterID == routerID
}

// RoutingConsistent checks that routing status and claimant are set together
func (j *Job) RoutingConsistent() bool {
	return (j.RoutingStatus != RoutingUnrouted) == (j.ClaimedByRouterID != nil)
}

// MoneyBalanced checks that the payout components add up to the labor total.
// Each component may carry one minor unit of rounding.
func (j *Job) MoneyBalanced() bool {
	sum := j.ContractorPayout + j.RouterEarning + j.PlatformFee + j.TransactionFee
	diff := sum - j.LaborAmount
	if diff < 0 {
		diff = -diff
	}
	return diff <= 4
}
