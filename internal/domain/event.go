package domain

import (
	"time"

	"github.com/google/uuid"
)

// Event types. Each becomes the routing key on the events exchange.
const (
	EventJobTransitioned     = "job.transitioned"
	EventJobClaimed          = "job.claimed"
	EventJobClaimReleased    = "job.claim_released"
	EventJobCompletedApprove = "job.completed_approved"
	EventJobArchived         = "job.archived"
	EventDispatchCreated     = "dispatch.created"
	EventDispatchAccepted    = "dispatch.accepted"
	EventDispatchDeclined    = "dispatch.declined"
	EventDispatchExpired     = "dispatch.expired"
	EventPaymentCaptured     = "payment.captured"
	EventEscrowReleased      = "payment.escrow_released"
	EventPayoutScheduled     = "payout.scheduled"
	EventAppointmentProposed = "appointment.proposed"
)

// Event is an immutable record of something the core did.
// Events are written to the outbox in the same transaction as the change they describe.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	JobID      string         `json:"job_id"`
	ActorID    string         `json:"actor_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// NewEvent builds an event with a fresh id
func NewEvent(eventType, jobID, actorID string, at time.Time, payload map[string]any) Event {
	return Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		JobID:      jobID,
		ActorID:    actorID,
		OccurredAt: at,
		Payload:    payload,
	}
}

// Outbox statuses
const (
	OutboxPending    = "pending"
	OutboxPublishing = "publishing"
	OutboxPublished  = "published"
	OutboxFailed     = "failed"
)

// OutboxEntry is a persisted event awaiting relay
type OutboxEntry struct {
	Event
	Status     string
	RetryCount int
}
