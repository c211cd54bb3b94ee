package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/jobrouter/internal/actiontoken"
	"github.com/cuongbtq/jobrouter/internal/domain"
	"github.com/cuongbtq/jobrouter/internal/lifecycle"
	"github.com/cuongbtq/jobrouter/internal/payment"
	"github.com/cuongbtq/jobrouter/internal/storage"
)

// Respond applies a contractor's decision to the offer identified by token.
//
// An offer found past its expiry is flipped to EXPIRED and that change is
// committed before ErrOfferExpired is returned.
func (e *Engine) Respond(ctx context.Context, token string, decision domain.Decision) (*Response, error) {
	if decision != domain.DecisionAccept && decision != domain.DecisionDecline {
		return nil, fmt.Errorf("%w: unknown decision %q", domain.ErrInvalidInput, decision)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, domain.ErrOfferNotFound
	}
	now := e.now()
	hash := actiontoken.Hash(token)

	var (
		resp    *Response
		expired bool
	)
	err := e.store.WithTx(ctx, func(tx storage.Tx) error {
		d, err := tx.GetDispatchByTokenHash(ctx, hash)
		if err != nil {
			return err
		}

		if d.Status != domain.DispatchPending {
			return e.resolvedOffer(ctx, tx, d, decision)
		}

		if !now.Before(d.ExpiresAt) {
			if err := e.resolve(ctx, tx, d, domain.DispatchExpired, now); err != nil {
				return err
			}
			expired = true
			resp = &Response{Dispatch: d}
			return nil
		}

		if decision == domain.DecisionDecline {
			if err := e.resolve(ctx, tx, d, domain.DispatchDeclined, now); err != nil {
				return err
			}
			resp = &Response{Dispatch: d}
			return nil
		}

		acc, err := e.accept(ctx, tx, d, now)
		if err != nil {
			return err
		}
		resp = &Response{Dispatch: d, Acceptance: acc}
		return nil
	})

	if err == nil && expired {
		err = fmt.Errorf("%w: offer %s expired at %s", domain.ErrOfferExpired, resp.Dispatch.ID, resp.Dispatch.ExpiresAt.Format(time.RFC3339))
	}
	e.metrics.OfferResponse(string(decision), outcomeLabel(err))
	attrs := []any{slog.String("decision", string(decision))}
	if resp != nil {
		attrs = append(attrs, slog.String("dispatch_id", resp.Dispatch.ID), slog.String("job_id", resp.Dispatch.JobID))
	}
	e.logOutcome("Offer response", err, attrs...)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// resolvedOffer explains why an offer that is no longer PENDING cannot be
// answered. An ACCEPT on an offer that was expired because another contractor
// won the job reports the lost race.
func (e *Engine) resolvedOffer(ctx context.Context, tx storage.Tx, d *domain.Dispatch, decision domain.Decision) error {
	if decision == domain.DecisionAccept && d.Status == domain.DispatchExpired {
		job, err := tx.GetJob(ctx, d.JobID)
		if err != nil {
			return err
		}
		if checkOfferable(job) != nil || !job.ClaimedBy(d.RouterID) {
			return fmt.Errorf("%w: job %s is %s", domain.ErrJobNotAvailable, job.ID, job.Status)
		}
	}
	return fmt.Errorf("%w: offer %s is %s", domain.ErrAlreadyResponded, d.ID, d.Status)
}

// resolve moves a PENDING offer to status and records the event
func (e *Engine) resolve(ctx context.Context, tx storage.Tx, d *domain.Dispatch, status domain.DispatchStatus, now time.Time) error {
	n, err := tx.ResolveDispatch(ctx, d.ID, status, now)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: offer %s", domain.ErrAlreadyResponded, d.ID)
	}
	d.Status = status
	if status != domain.DispatchExpired {
		d.RespondedAt = &now
	}

	eventType, actorID := domain.EventDispatchDeclined, d.ContractorID
	switch status {
	case domain.DispatchAccepted:
		eventType = domain.EventDispatchAccepted
	case domain.DispatchExpired:
		eventType, actorID = domain.EventDispatchExpired, domain.SystemActor.ID
	}
	return tx.AppendEvents(ctx, domain.NewEvent(eventType, d.JobID, actorID, now, map[string]any{
		"dispatch_id":   d.ID,
		"contractor_id": d.ContractorID,
		"router_id":     d.RouterID,
	}))
}

// accept runs every conditional write of an acceptance and captures payment
// last, so a lost race never captures funds
func (e *Engine) accept(ctx context.Context, tx storage.Tx, d *domain.Dispatch, now time.Time) (*Acceptance, error) {
	job, err := tx.GetJob(ctx, d.JobID)
	if err != nil {
		return nil, err
	}
	if err := checkOfferable(job); err != nil {
		return nil, err
	}
	if !job.ClaimedBy(d.RouterID) {
		return nil, fmt.Errorf("%w: job %s is no longer claimed by router %s", domain.ErrJobNotAvailable, job.ID, d.RouterID)
	}
	if err := lifecycle.AssertTransition(job.Status, domain.JobStatusAssigned); err != nil {
		return nil, err
	}

	n, err := tx.AssignJob(ctx, job.ID, d.RouterID, now)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: job %s", domain.ErrJobNotAvailable, job.ID)
	}
	if err := e.resolve(ctx, tx, d, domain.DispatchAccepted, now); err != nil {
		return nil, err
	}

	return e.finishAssignment(ctx, tx, job, d.ContractorID, d.RouterID, d.ID, now)
}

// AssignDirect lets an admin assign an UNROUTED job to a contractor without an
// offer round. Eligibility still applies.
func (e *Engine) AssignDirect(ctx context.Context, actor domain.Actor, jobID, contractorID string) (*Acceptance, error) {
	if actor.Role != domain.RoleAdmin {
		return nil, fmt.Errorf("%w: %s may not assign jobs", domain.ErrForbidden, actor.Role)
	}
	now := e.now()

	var acc *Acceptance
	err := e.store.WithTx(ctx, func(tx storage.Tx) error {
		job, err := tx.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if err := checkOfferable(job); err != nil {
			return err
		}
		if job.ClaimedByRouterID != nil {
			return domain.ErrAlreadyRouted
		}
		if job.ContractorPayout <= 0 {
			return fmt.Errorf("%w: contractor payout is %d", domain.ErrPricingNotLocked, job.ContractorPayout)
		}
		c, err := tx.GetContractor(ctx, contractorID)
		if err != nil {
			return err
		}
		if err := e.matcher.Evaluate(job, c).Err(); err != nil {
			return err
		}
		if err := lifecycle.AssertTransition(job.Status, domain.JobStatusAssigned); err != nil {
			return err
		}

		n, err := tx.AdminAssignJob(ctx, jobID, actor.ID, now)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: job %s", domain.ErrJobNotAvailable, jobID)
		}

		acc, err = e.finishAssignment(ctx, tx, job, contractorID, actor.ID, "", now)
		return err
	})

	e.logOutcome("Direct assignment", err,
		slog.String("job_id", jobID),
		slog.String("contractor_id", contractorID),
		slog.String("admin_id", actor.ID),
	)
	if err != nil {
		return nil, err
	}
	return acc, nil
}

// finishAssignment runs after the job status CAS won. job is the pre-update
// snapshot; keepOfferID is the accepted offer, empty for direct assignment.
func (e *Engine) finishAssignment(
	ctx context.Context,
	tx storage.Tx,
	job *domain.Job,
	contractorID, assignedBy, keepOfferID string,
	now time.Time,
) (*Acceptance, error) {
	acc := &Acceptance{}

	assignment, err := e.ensureAssignment(ctx, tx, job.ID, contractorID, assignedBy, now)
	if err != nil {
		return nil, err
	}
	acc.Assignment = assignment

	expired, err := tx.ExpireCompetingOffers(ctx, job.ID, keepOfferID, now)
	if err != nil {
		return nil, err
	}
	acc.ExpiredOffers = expired

	events := []domain.Event{
		domain.NewEvent(domain.EventJobTransitioned, job.ID, assignedBy, now, map[string]any{
			"from":          string(job.Status),
			"to":            string(domain.JobStatusAssigned),
			"contractor_id": contractorID,
		}),
	}
	for _, id := range expired {
		events = append(events, domain.NewEvent(domain.EventDispatchExpired, job.ID, assignedBy, now, map[string]any{
			"dispatch_id": id,
			"reason":      "job_assigned",
		}))
	}

	if job.ContractorTokenHash == nil {
		acc.ContractorToken, err = storage.IssueActionToken(ctx, tx, job.ID, actiontoken.ScopeContractorComplete, e.cfg.ContractorTokenTTL, now)
		if err != nil {
			return nil, err
		}
	}
	if job.CustomerTokenHash == nil {
		acc.CustomerToken, err = storage.IssueActionToken(ctx, tx, job.ID, actiontoken.ScopeCustomerReview, e.cfg.CustomerTokenTTL, now)
		if err != nil {
			return nil, err
		}
	}

	captured, err := e.settlePayment(ctx, tx, job, now)
	if err != nil {
		return nil, err
	}
	acc.Captured = captured
	if captured {
		events = append(events, domain.NewEvent(domain.EventPaymentCaptured, job.ID, assignedBy, now, map[string]any{
			"amount":   job.LaborAmount + job.MaterialsAmount,
			"currency": job.Currency,
		}))
	}

	if err := tx.AppendEvents(ctx, events...); err != nil {
		return nil, err
	}

	acc.Job, err = tx.GetJob(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	e.metrics.Transition(string(job.Status), string(domain.JobStatusAssigned))
	return acc, nil
}

// ensureAssignment reuses a live assignment for the same contractor and
// supersedes one for anyone else
func (e *Engine) ensureAssignment(ctx context.Context, tx storage.Tx, jobID, contractorID, assignedBy string, now time.Time) (*domain.Assignment, error) {
	live, err := tx.GetLiveAssignment(ctx, jobID)
	switch {
	case err == nil && live.ContractorID == contractorID:
		return live, nil
	case err == nil:
		if _, err := tx.SupersedeAssignment(ctx, live.ID, now); err != nil {
			return nil, err
		}
	case !errors.Is(err, domain.ErrAssignmentNotFound):
		return nil, err
	}

	a := &domain.Assignment{
		ID:           uuid.New().String(),
		JobID:        jobID,
		ContractorID: contractorID,
		AssignedBy:   assignedBy,
		Status:       domain.AssignmentAssigned,
		CreatedAt:    now,
	}
	if err := tx.InsertAssignment(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// settlePayment captures authorized funds. It reports whether this call moved
// the job to CAPTURED. Test jobs never touch the processor.
func (e *Engine) settlePayment(ctx context.Context, tx storage.Tx, job *domain.Job, now time.Time) (bool, error) {
	if job.IsTest || job.PaymentState != domain.PaymentAuthorized {
		return false, nil
	}
	if job.PaymentAuthorizationRef == nil || *job.PaymentAuthorizationRef == "" {
		return false, fmt.Errorf("%w: job %s has no authorization reference", domain.ErrPaymentNotCapturable, job.ID)
	}
	ref := *job.PaymentAuthorizationRef

	status, err := e.payments.Authorization(ctx, ref)
	if err != nil {
		return false, paymentError("authorization lookup", err)
	}
	switch {
	case status == payment.AuthorizationCaptured:
	case status.Capturable():
		if err := e.payments.Capture(ctx, ref, job.LaborAmount+job.MaterialsAmount); err != nil {
			return false, paymentError("capture", err)
		}
	default:
		return false, fmt.Errorf("%w: authorization %s", domain.ErrPaymentNotCapturable, status)
	}

	n, err := tx.SetPaymentState(ctx, job.ID, domain.PaymentAuthorized, domain.PaymentCaptured, now)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, fmt.Errorf("%w: payment state of job %s changed", domain.ErrJobNotAvailable, job.ID)
	}
	return true, nil
}

func paymentError(op string, err error) error {
	if payment.NotCapturable(err) {
		return fmt.Errorf("%w: %s: %v", domain.ErrPaymentNotCapturable, op, err)
	}
	return fmt.Errorf("payment %s failed: %w", op, err)
}

func outcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return string(domain.KindOf(err))
}
