// Package storage defines the transactional store the core runs against.
//
// Every mutating method that guards on an expected prior state is a
// compare-and-swap: it returns the number of rows it changed and callers must
// branch on a zero count. Implementations never turn a lost race into an error.
package storage

import (
	"context"
	"time"

	"github.com/cuongbtq/jobrouter/internal/actiontoken"
	"github.com/cuongbtq/jobrouter/internal/domain"
)

// Store opens transactions and serves the outbox relay
type Store interface {
	// WithTx runs fn in one transaction. The transaction commits when fn
	// returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	Outbox
}

// Tx is the set of operations available inside a transaction
type Tx interface {
	JobStore
	DispatchStore
	AssignmentStore
	AccountStore
	LedgerStore

	// AppendEvents writes events to the outbox as part of the transaction
	AppendEvents(ctx context.Context, events ...domain.Event) error
}

// JobCursor is the keyset position for job listings
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// JobFilter narrows ListJobs
type JobFilter struct {
	Status        domain.JobStatus
	RoutingStatus domain.RoutingStatus
	Country       string
	RegionCode    string
	PageSize      int
	Cursor        *JobCursor
}

// ReleasedClaim identifies a router claim dropped by the sweep
type ReleasedClaim struct {
	JobID    string `db:"id"`
	RouterID string `db:"router_id"`
}

// JobStore covers the job row
type JobStore interface {
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	InsertJob(ctx context.Context, job *domain.Job) error
	// ListJobs returns up to PageSize+1 rows newest first so callers can detect a next page
	ListJobs(ctx context.Context, filter JobFilter) ([]*domain.Job, error)

	// ClaimJob sets the router claim when the job is offerable, unrouted and unclaimed
	ClaimJob(ctx context.Context, jobID, routerID string, now, due time.Time) (int64, error)
	// TouchClaim locks the job row for routerID's claim and bumps routed_at
	TouchClaim(ctx context.Context, jobID, routerID string, now time.Time) (int64, error)
	// AssignJob moves an offerable job claimed by routerID to ASSIGNED
	AssignJob(ctx context.Context, jobID, routerID string, now time.Time) (int64, error)
	// AdminAssignJob routes an unrouted offerable job by an admin and moves it to ASSIGNED
	AdminAssignJob(ctx context.Context, jobID, adminID string, now time.Time) (int64, error)
	UpdateJobStatus(ctx context.Context, jobID string, from, to domain.JobStatus, now time.Time) (int64, error)
	ArchiveJob(ctx context.Context, jobID string, now time.Time) (int64, error)

	// SetActionToken stores a token hash only when the slot for scope is empty
	SetActionToken(ctx context.Context, jobID string, scope actiontoken.Scope, hash string, expiresAt, now time.Time) (int64, error)
	// ConsumeActionToken clears the slot for scope when it still holds hash
	ConsumeActionToken(ctx context.Context, jobID string, scope actiontoken.Scope, hash string, now time.Time) (int64, error)

	SetPaymentState(ctx context.Context, jobID string, from, to domain.PaymentState, now time.Time) (int64, error)

	// ReleaseLapsedClaims returns router-claimed offerable jobs past routing_due_at with
	// no live offers to UNROUTED
	ReleaseLapsedClaims(ctx context.Context, now time.Time, limit int) ([]ReleasedClaim, error)
}

// DispatchStore covers offers
type DispatchStore interface {
	InsertDispatch(ctx context.Context, d *domain.Dispatch) error
	GetDispatchByTokenHash(ctx context.Context, hash string) (*domain.Dispatch, error)
	ListDispatches(ctx context.Context, jobID string) ([]*domain.Dispatch, error)
	CountLiveOffers(ctx context.Context, jobID string, now time.Time) (int, error)
	// FindLiveOffer returns domain.ErrOfferNotFound when the contractor holds no live offer
	FindLiveOffer(ctx context.Context, jobID, contractorID string, now time.Time) (*domain.Dispatch, error)
	// ResolveDispatch moves a PENDING offer to status
	ResolveDispatch(ctx context.Context, id string, status domain.DispatchStatus, now time.Time) (int64, error)
	// ExpireCompetingOffers expires every PENDING offer of the job except keepID
	ExpireCompetingOffers(ctx context.Context, jobID, keepID string, now time.Time) ([]string, error)
	// ExpireStaleOffers flips PENDING offers past expiry to EXPIRED
	ExpireStaleOffers(ctx context.Context, now time.Time, limit int) ([]*domain.Dispatch, error)
}

// AssignmentStore covers assignments and appointment proposals
type AssignmentStore interface {
	// GetLiveAssignment returns domain.ErrAssignmentNotFound when none exists
	GetLiveAssignment(ctx context.Context, jobID string) (*domain.Assignment, error)
	InsertAssignment(ctx context.Context, a *domain.Assignment) error
	SupersedeAssignment(ctx context.Context, id string, now time.Time) (int64, error)
	CompleteAssignment(ctx context.Context, id string, now time.Time) (int64, error)
	InsertAppointmentProposal(ctx context.Context, p *domain.AppointmentProposal) error
}

// AccountStore reads contractors and routers
type AccountStore interface {
	GetContractor(ctx context.Context, id string) (*domain.Contractor, error)
	GetRouter(ctx context.Context, id string) (*domain.Router, error)
	// ListCandidateContractors returns active approved contractors in the trade category
	ListCandidateContractors(ctx context.Context, category string) ([]*domain.Contractor, error)
	// BusyContractors returns the subset of ids currently mid-job
	BusyContractors(ctx context.Context, ids []string) (map[string]bool, error)
}

// LedgerStore covers payouts and ledger rows
type LedgerStore interface {
	// InsertPayout returns false when a payout for the job already exists
	InsertPayout(ctx context.Context, p *domain.Payout) (bool, error)
	GetPayoutByJob(ctx context.Context, jobID string) (*domain.Payout, error)
	InsertLedgerEntries(ctx context.Context, entries ...*domain.LedgerEntry) error
	ListLedgerEntries(ctx context.Context, jobID string) ([]*domain.LedgerEntry, error)
}

// Outbox hands persisted events to the relay
type Outbox interface {
	// FetchPendingEvents claims up to limit pending or retry-due events
	FetchPendingEvents(ctx context.Context, limit int, now time.Time) ([]domain.OutboxEntry, error)
	MarkEventPublished(ctx context.Context, id string, now time.Time) error
	// MarkEventFailed schedules a retry with backoff, or parks the event once maxRetries is hit
	MarkEventFailed(ctx context.Context, id, reason string, maxRetries int, now time.Time) error
	// ResetStaleEvents returns events stuck in publishing since before olderThan to pending
	ResetStaleEvents(ctx context.Context, olderThan time.Time) (int64, error)
}
