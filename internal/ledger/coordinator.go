// Package ledger writes the append-only money trail of a job and schedules
// contractor payouts exactly once per job.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/jobrouter/internal/domain"
	"github.com/cuongbtq/jobrouter/internal/metrics"
	"github.com/cuongbtq/jobrouter/internal/storage"
)

// Coordinator records ledger entries for money-moving transitions
type Coordinator struct {
	store     storage.Store
	calendars *Calendars
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewCoordinator creates a new ledger coordinator. m may be nil.
func NewCoordinator(store storage.Store, calendars *Calendars, m *metrics.Metrics, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:     store,
		calendars: calendars,
		metrics:   m,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Result is the outcome of ScheduleContractorPayout.
// AlreadyScheduled means another call created the payout first.
type Result struct {
	Payout           *domain.Payout
	Entry            *domain.LedgerEntry
	AlreadyScheduled bool
}

// ApproveCompletion releases the job's captured funds from escrow and credits
// the router and the platform. It runs inside the caller's transaction so the
// entries commit together with the status change that justifies them.
// job is the pre-transition snapshot. Test jobs move no money.
func (c *Coordinator) ApproveCompletion(ctx context.Context, tx storage.Tx, job *domain.Job, now time.Time) ([]*domain.LedgerEntry, error) {
	if job.IsTest {
		return nil, nil
	}
	if job.PaymentState != domain.PaymentCaptured {
		return nil, fmt.Errorf("%w: job %s payment is %s", domain.ErrFundsNotHeld, job.ID, job.PaymentState)
	}

	n, err := tx.SetPaymentState(ctx, job.ID, domain.PaymentCaptured, domain.PaymentReleased, now)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: payment state of job %s changed", domain.ErrJobNotAvailable, job.ID)
	}

	var entries []*domain.LedgerEntry
	if job.RoutingStatus == domain.RoutingRoutedByRouter && job.ClaimedByRouterID != nil && job.RouterEarning > 0 {
		entries = append(entries, credit(job, domain.OwnerRouter, *job.ClaimedByRouterID,
			domain.EntryRouterEarning, domain.BucketAvailable, job.RouterEarning, now))
	}
	if job.PlatformFee > 0 {
		entries = append(entries, credit(job, domain.OwnerPlatform, domain.PlatformAccountID,
			domain.EntryPlatformFee, domain.BucketAvailable, job.PlatformFee, now))
	}
	if job.TransactionFee > 0 {
		entries = append(entries, credit(job, domain.OwnerPlatform, domain.PlatformAccountID,
			domain.EntryTransactionFee, domain.BucketAvailable, job.TransactionFee, now))
	}
	if len(entries) > 0 {
		if err := tx.InsertLedgerEntries(ctx, entries...); err != nil {
			return nil, err
		}
	}

	if err := tx.AppendEvents(ctx, domain.NewEvent(domain.EventEscrowReleased, job.ID, domain.SystemActor.ID, now, map[string]any{
		"entries":  len(entries),
		"currency": job.Currency,
	})); err != nil {
		return nil, err
	}
	return entries, nil
}

// ScheduleContractorPayout creates the job's payout and its PENDING contractor
// earning entry. Safe to call any number of times, concurrently or not: the
// payout row is unique per job and a caller that loses the insert gets the
// existing payout back with AlreadyScheduled set.
func (c *Coordinator) ScheduleContractorPayout(ctx context.Context, jobID string) (*Result, error) {
	now := c.now()

	var res *Result
	err := c.store.WithTx(ctx, func(tx storage.Tx) error {
		job, err := tx.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.IsTest {
			return fmt.Errorf("%w: job %s", domain.ErrTestJob, jobID)
		}
		assignment, err := tx.GetLiveAssignment(ctx, jobID)
		if errors.Is(err, domain.ErrAssignmentNotFound) {
			return fmt.Errorf("%w: job %s", domain.ErrNoAssignment, jobID)
		}
		if err != nil {
			return err
		}
		if job.ContractorPayout <= 0 {
			return fmt.Errorf("%w: contractor payout is %d", domain.ErrPricingNotLocked, job.ContractorPayout)
		}
		if job.PaymentState != domain.PaymentReleased {
			return fmt.Errorf("%w: job %s payment is %s", domain.ErrEscrowNotReleased, jobID, job.PaymentState)
		}

		country := job.Country
		if contractor, err := tx.GetContractor(ctx, assignment.ContractorID); err == nil {
			country = contractor.Country
		} else if !errors.Is(err, domain.ErrContractorNotFound) {
			return err
		}

		payout := &domain.Payout{
			ID:           uuid.New().String(),
			JobID:        jobID,
			ContractorID: assignment.ContractorID,
			Amount:       job.ContractorPayout,
			Currency:     job.Currency,
			ScheduledFor: c.calendars.NextBusinessDay(country, now),
			Status:       domain.PayoutStatusScheduled,
			CreatedAt:    now,
		}
		inserted, err := tx.InsertPayout(ctx, payout)
		if err != nil {
			return err
		}
		if !inserted {
			existing, err := tx.GetPayoutByJob(ctx, jobID)
			if err != nil {
				return err
			}
			res = &Result{Payout: existing, AlreadyScheduled: true}
			return nil
		}

		entry := credit(job, domain.OwnerContractor, assignment.ContractorID,
			domain.EntryContractorEarning, domain.BucketPending, job.ContractorPayout, now)
		if err := tx.InsertLedgerEntries(ctx, entry); err != nil {
			return err
		}
		if err := tx.AppendEvents(ctx, domain.NewEvent(domain.EventPayoutScheduled, jobID, domain.SystemActor.ID, now, map[string]any{
			"payout_id":     payout.ID,
			"contractor_id": payout.ContractorID,
			"amount":        payout.Amount,
			"scheduled_for": payout.ScheduledFor.Format("2006-01-02"),
		})); err != nil {
			return err
		}

		res = &Result{Payout: payout, Entry: entry}
		return nil
	})

	if err != nil {
		c.metrics.PayoutScheduled(string(domain.KindOf(err)))
		if domain.IsExpected(err) {
			c.logger.Warn("Payout not scheduled", slog.String("job_id", jobID), slog.Any("error", err))
		} else {
			c.logger.Error("Payout scheduling failed", slog.String("job_id", jobID), slog.Any("error", err))
		}
		return nil, err
	}

	if res.AlreadyScheduled {
		c.metrics.PayoutScheduled("already_scheduled")
		c.logger.Info("Payout already scheduled", slog.String("job_id", jobID), slog.String("payout_id", res.Payout.ID))
		return res, nil
	}
	c.metrics.PayoutScheduled("scheduled")
	c.logger.Info("Payout scheduled",
		slog.String("job_id", jobID),
		slog.String("payout_id", res.Payout.ID),
		slog.Time("scheduled_for", res.Payout.ScheduledFor),
	)
	return res, nil
}

func credit(job *domain.Job, owner domain.OwnerType, ownerID string, entryType domain.EntryType, bucket domain.Bucket, amount int64, now time.Time) *domain.LedgerEntry {
	return &domain.LedgerEntry{
		ID:        uuid.New().String(),
		OwnerType: owner,
		OwnerID:   ownerID,
		JobID:     job.ID,
		EntryType: entryType,
		Bucket:    bucket,
		Direction: domain.DirectionCredit,
		Amount:    amount,
		Memo:      fmt.Sprintf("%s for job %s", entryType, job.ID),
		CreatedAt: now,
	}
}
