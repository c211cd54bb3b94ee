package domain

import "time"

// DispatchStatus is the state of a single offer
type DispatchStatus string

const (
	DispatchPending  DispatchStatus = "PENDING"
	DispatchAccepted DispatchStatus = "ACCEPTED"
	DispatchDeclined DispatchStatus = "DECLINED"
	DispatchExpired  DispatchStatus = "EXPIRED"
)

// Decision is a contractor's answer to an offer
type Decision string

const (
	DecisionAccept  Decision = "ACCEPT"
	DecisionDecline Decision = "DECLINE"
)

// Dispatch is one time-bounded proposal of a job to one contractor
type Dispatch struct {
	ID           string         `db:"id"`
	JobID        string         `db:"job_id"`
	ContractorID string         `db:"contractor_id"`
	RouterID     string         `db:"router_id"`
	TokenHash    string         `db:"token_hash"`
	Status       DispatchStatus `db:"status"`
	ExpiresAt    time.Time      `db:"expires_at"`
	RespondedAt  *time.Time     `db:"responded_at"`
	CreatedAt    time.Time      `db:"created_at"`
}

// Live reports whether the offer is still PENDING and not past expiry at now
func (d *Dispatch) Live(now time.Time) bool {
	return d.Status == DispatchPending && now.Before(d.ExpiresAt)
}

// AssignmentStatus is the state of a contractor assignment
type AssignmentStatus string

const (
	AssignmentAssigned  AssignmentStatus = "ASSIGNED"
	AssignmentCompleted AssignmentStatus = "COMPLETED"
)

// Assignment pairs exactly one contractor with a job
type Assignment struct {
	ID           string           `db:"id"`
	JobID        string           `db:"job_id"`
	ContractorID string           `db:"contractor_id"`
	AssignedBy   string           `db:"assigned_by"`
	Status       AssignmentStatus `db:"status"`
	CompletedAt  *time.Time       `db:"completed_at"`
	SupersededAt *time.Time       `db:"superseded_at"`
	CreatedAt    time.Time        `db:"created_at"`
}

// AppointmentProposal records a contractor proposing a visit time for a job
type AppointmentProposal struct {
	ID           string    `db:"id"`
	JobID        string    `db:"job_id"`
	ContractorID string    `db:"contractor_id"`
	ProposedFor  time.Time `db:"proposed_for"`
	CreatedAt    time.Time `db:"created_at"`
}
