package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/jobrouter/internal/actiontoken"
	"github.com/cuongbtq/jobrouter/internal/domain"
	"github.com/cuongbtq/jobrouter/internal/lifecycle"
	"github.com/cuongbtq/jobrouter/internal/storage"
)

// TransitionResult is the job after a status change together with whatever
// the change issued or wrote. Tokens are set only when this call issued them.
type TransitionResult struct {
	Job             *domain.Job
	ContractorToken *actiontoken.Token
	CustomerToken   *actiontoken.Token
	LedgerEntries   []*domain.LedgerEntry
}

type move struct {
	from, to domain.JobStatus
}

// Transition moves a job to status to on behalf of an admin, a background
// process or, for starting work, the assigned contractor. Leaving a holding
// state needs a resolution reference. Assignment goes through the dispatch
// engine and final approval happens automatically after customer approval.
func (s *Service) Transition(ctx context.Context, actor domain.Actor, jobID string, to domain.JobStatus, resolution string) (*TransitionResult, error) {
	if err := checkTransitionActor(actor, to); err != nil {
		return nil, err
	}
	resolution = strings.TrimSpace(resolution)
	now := s.now()

	var (
		res   *TransitionResult
		moves []move
	)
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		moves = moves[:0]
		job, err := tx.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Archived {
			return fmt.Errorf("%w: job %s is archived", domain.ErrJobNotAvailable, jobID)
		}
		if err := lifecycle.AssertTransition(job.Status, to); err != nil {
			return err
		}
		if lifecycle.RequiresResolution(job.Status) && resolution == "" {
			return fmt.Errorf("%w: leaving %s", domain.ErrResolutionRequired, job.Status)
		}
		if actor.Role == domain.RoleContractor {
			a, err := liveAssignment(ctx, tx, jobID)
			if err != nil {
				return err
			}
			if a.ContractorID != actor.ID {
				return fmt.Errorf("%w: job %s is assigned to another contractor", domain.ErrForbidden, jobID)
			}
		}

		if err := s.updateStatus(ctx, tx, job, to, actor.ID, now, map[string]any{"resolution": resolution}); err != nil {
			return err
		}
		moves = append(moves, move{job.Status, to})
		res = &TransitionResult{}

		switch to {
		case domain.JobStatusInProgress:
			res.ContractorToken, err = storage.IssueActionToken(ctx, tx, jobID, actiontoken.ScopeContractorComplete, s.cfg.ContractorTokenTTL, now)
		case domain.JobStatusContractorCompleted:
			res.CustomerToken, err = storage.IssueActionToken(ctx, tx, jobID, actiontoken.ScopeCustomerReview, s.cfg.CustomerTokenTTL, now)
		case domain.JobStatusCustomerApproved:
			approved := *job
			approved.Status = domain.JobStatusCustomerApproved
			res.LedgerEntries, err = s.finalize(ctx, tx, &approved, actor.ID, now)
			moves = append(moves, move{domain.JobStatusCustomerApproved, domain.JobStatusCompletedApproved})
		}
		if err != nil {
			return err
		}

		res.Job, err = tx.GetJob(ctx, jobID)
		return err
	})

	s.logOutcome("Job transition", err,
		slog.String("job_id", jobID),
		slog.String("to", string(to)),
		slog.String("actor_id", actor.ID),
	)
	if err != nil {
		return nil, err
	}
	s.recordMoves(moves)
	return res, nil
}

func checkTransitionActor(actor domain.Actor, to domain.JobStatus) error {
	switch to {
	case domain.JobStatusAssigned:
		return fmt.Errorf("%w: jobs are assigned through offers", domain.ErrForbidden)
	case domain.JobStatusCompletedApproved:
		return fmt.Errorf("%w: final approval follows customer approval", domain.ErrForbidden)
	}
	switch actor.Role {
	case domain.RoleAdmin, domain.RoleSystem:
		return nil
	case domain.RoleContractor:
		if to == domain.JobStatusInProgress {
			return nil
		}
	}
	return fmt.Errorf("%w: %s may not move a job to %s", domain.ErrForbidden, actor.Role, to)
}

// ContractorComplete marks the work done using the contractor's action token.
// The token is consumed and the customer receives a review token.
func (s *Service) ContractorComplete(ctx context.Context, jobID, secret string) (*TransitionResult, error) {
	now := s.now()

	var res *TransitionResult
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		job, err := s.redeem(ctx, tx, jobID, actiontoken.ScopeContractorComplete, secret, domain.JobStatusContractorCompleted, now)
		if err != nil {
			return err
		}
		a, err := liveAssignment(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if err := s.updateStatus(ctx, tx, job, domain.JobStatusContractorCompleted, a.ContractorID, now, nil); err != nil {
			return err
		}

		res = &TransitionResult{}
		res.CustomerToken, err = storage.IssueActionToken(ctx, tx, jobID, actiontoken.ScopeCustomerReview, s.cfg.CustomerTokenTTL, now)
		if err != nil {
			return err
		}
		res.Job, err = tx.GetJob(ctx, jobID)
		return err
	})

	s.logOutcome("Contractor completion", err, slog.String("job_id", jobID))
	if err != nil {
		return nil, err
	}
	s.recordMoves([]move{{domain.JobStatusInProgress, domain.JobStatusContractorCompleted}})
	return res, nil
}

// CustomerReview applies the customer's verdict using their action token.
// Approval runs straight through to COMPLETED_APPROVED with the ledger
// credits in the same transaction. A rejection needs a reason.
func (s *Service) CustomerReview(ctx context.Context, jobID, secret string, approve bool, reason string) (*TransitionResult, error) {
	reason = strings.TrimSpace(reason)
	if !approve && reason == "" {
		return nil, fmt.Errorf("%w: a rejection needs a reason", domain.ErrInvalidInput)
	}
	to := domain.JobStatusCustomerRejected
	if approve {
		to = domain.JobStatusCustomerApproved
	}
	now := s.now()

	var (
		res   *TransitionResult
		moves []move
	)
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		moves = moves[:0]
		job, err := s.redeem(ctx, tx, jobID, actiontoken.ScopeCustomerReview, secret, to, now)
		if err != nil {
			return err
		}
		if err := s.updateStatus(ctx, tx, job, to, string(domain.RoleCustomer), now, map[string]any{"reason": reason}); err != nil {
			return err
		}
		moves = append(moves, move{job.Status, to})

		res = &TransitionResult{}
		if approve {
			approved := *job
			approved.Status = domain.JobStatusCustomerApproved
			res.LedgerEntries, err = s.finalize(ctx, tx, &approved, string(domain.RoleCustomer), now)
			if err != nil {
				return err
			}
			moves = append(moves, move{domain.JobStatusCustomerApproved, domain.JobStatusCompletedApproved})
		}
		res.Job, err = tx.GetJob(ctx, jobID)
		return err
	})

	s.logOutcome("Customer review", err, slog.String("job_id", jobID), slog.Bool("approved", approve))
	if err != nil {
		return nil, err
	}
	s.recordMoves(moves)
	return res, nil
}

// redeem loads the job, checks and consumes the action token for scope and
// checks the job may move to next. The token check comes first so an invalid
// token learns nothing about the job's state.
func (s *Service) redeem(ctx context.Context, tx storage.Tx, jobID string, scope actiontoken.Scope, secret string, next domain.JobStatus, now time.Time) (*domain.Job, error) {
	job, err := tx.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := actiontoken.VerifyJob(job, scope, secret, now); err != nil {
		return nil, err
	}
	if job.Archived {
		return nil, fmt.Errorf("%w: job %s is archived", domain.ErrJobNotAvailable, jobID)
	}
	if err := lifecycle.AssertTransition(job.Status, next); err != nil {
		return nil, err
	}

	n, err := tx.ConsumeActionToken(ctx, jobID, scope, actiontoken.Hash(secret), now)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, domain.ErrTokenInvalid
	}
	return job, nil
}

// finalize moves an approved job to COMPLETED_APPROVED, writes the ledger
// credits and emits the payout trigger
func (s *Service) finalize(ctx context.Context, tx storage.Tx, job *domain.Job, actorID string, now time.Time) ([]*domain.LedgerEntry, error) {
	if err := s.updateStatus(ctx, tx, job, domain.JobStatusCompletedApproved, actorID, now, nil); err != nil {
		return nil, err
	}
	entries, err := s.ledger.ApproveCompletion(ctx, tx, job, now)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{"ledger_entries": len(entries)}
	a, err := tx.GetLiveAssignment(ctx, job.ID)
	switch {
	case err == nil:
		if _, err := tx.CompleteAssignment(ctx, a.ID, now); err != nil {
			return nil, err
		}
		payload["contractor_id"] = a.ContractorID
	case !errors.Is(err, domain.ErrAssignmentNotFound):
		return nil, err
	}

	if err := tx.AppendEvents(ctx, domain.NewEvent(domain.EventJobCompletedApprove, job.ID, actorID, now, payload)); err != nil {
		return nil, err
	}
	return entries, nil
}

// updateStatus runs the status CAS from job.Status and records the transition event
func (s *Service) updateStatus(ctx context.Context, tx storage.Tx, job *domain.Job, to domain.JobStatus, actorID string, now time.Time, payload map[string]any) error {
	if err := lifecycle.AssertTransition(job.Status, to); err != nil {
		return err
	}
	n, err := tx.UpdateJobStatus(ctx, job.ID, job.Status, to, now)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: job %s moved from %s", domain.ErrJobNotAvailable, job.ID, job.Status)
	}

	p := map[string]any{"from": string(job.Status), "to": string(to)}
	for k, v := range payload {
		if v != "" {
			p[k] = v
		}
	}
	return tx.AppendEvents(ctx, domain.NewEvent(domain.EventJobTransitioned, job.ID, actorID, now, p))
}

func (s *Service) recordMoves(moves []move) {
	for _, m := range moves {
		s.metrics.Transition(string(m.from), string(m.to))
	}
}
