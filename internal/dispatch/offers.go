package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/cuongbtq/jobrouter/internal/actiontoken"
	"github.com/cuongbtq/jobrouter/internal/domain"
	"github.com/cuongbtq/jobrouter/internal/storage"
)

// Claim marks an UNROUTED offerable job as routed by routerID.
// Claiming a job the router already holds returns it unchanged.
func (e *Engine) Claim(ctx context.Context, routerID, jobID string) (*domain.Job, error) {
	now := e.now()

	var job *domain.Job
	err := e.store.WithTx(ctx, func(tx storage.Tx) error {
		j, err := tx.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if err := checkOfferable(j); err != nil {
			return err
		}
		if _, err := loadRouter(ctx, tx, routerID, j); err != nil {
			return err
		}
		if j.ClaimedBy(routerID) {
			job = j
			return nil
		}
		if j.ClaimedByRouterID != nil {
			return domain.ErrAlreadyClaimed
		}

		n, err := tx.ClaimJob(ctx, jobID, routerID, now, now.Add(e.cfg.RoutingSLA))
		if err != nil {
			return err
		}
		if n == 0 {
			return domain.ErrAlreadyClaimed
		}
		if err := tx.AppendEvents(ctx, domain.NewEvent(domain.EventJobClaimed, jobID, routerID, now, map[string]any{
			"routing_due_at": now.Add(e.cfg.RoutingSLA),
		})); err != nil {
			return err
		}

		job, err = tx.GetJob(ctx, jobID)
		return err
	})

	e.logOutcome("Job claim", err, slog.String("job_id", jobID), slog.String("router_id", routerID))
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Dispatch offers a job to a single contractor
func (e *Engine) Dispatch(ctx context.Context, routerID, jobID, contractorID string) (*DispatchResult, error) {
	return e.ClaimAndDispatch(ctx, routerID, jobID, []string{contractorID})
}

// ClaimAndDispatch claims the job if it is still UNROUTED and offers it to
// every target in one transaction. Any failed precondition fails the whole
// batch. Targets already holding a live offer get that offer back marked
// Existing.
func (e *Engine) ClaimAndDispatch(ctx context.Context, routerID, jobID string, contractorIDs []string) (*DispatchResult, error) {
	targets, err := e.normalizeTargets(contractorIDs)
	if err != nil {
		return nil, err
	}
	now := e.now()

	var result *DispatchResult
	err = e.store.WithTx(ctx, func(tx storage.Tx) error {
		job, err := tx.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if err := checkOfferable(job); err != nil {
			return err
		}
		if job.ContractorPayout <= 0 {
			return fmt.Errorf("%w: contractor payout is %d", domain.ErrPricingNotLocked, job.ContractorPayout)
		}
		if _, err := loadRouter(ctx, tx, routerID, job); err != nil {
			return err
		}

		claimed, err := e.claimOrTouch(ctx, tx, job, routerID, now)
		if err != nil {
			return err
		}

		offers := make([]Offer, 0, len(targets))
		var fresh []string
		for _, contractorID := range targets {
			c, err := tx.GetContractor(ctx, contractorID)
			if err != nil {
				return err
			}
			if err := e.matcher.Evaluate(job, c).Err(); err != nil {
				return err
			}

			existing, err := tx.FindLiveOffer(ctx, jobID, contractorID, now)
			switch {
			case err == nil:
				offers = append(offers, Offer{Dispatch: existing, Existing: true})
			case errors.Is(err, domain.ErrOfferNotFound):
				fresh = append(fresh, contractorID)
			default:
				return err
			}
		}

		live, err := tx.CountLiveOffers(ctx, jobID, now)
		if err != nil {
			return err
		}
		if live+len(fresh) > e.cfg.MaxLiveOffers {
			return fmt.Errorf("%w: %d live, %d requested, limit %d",
				domain.ErrOfferLimitReached, live, len(fresh), e.cfg.MaxLiveOffers)
		}

		events := make([]domain.Event, 0, len(fresh))
		for _, contractorID := range fresh {
			secret, hash, err := actiontoken.NewSecret()
			if err != nil {
				return err
			}
			d := &domain.Dispatch{
				ID:           uuid.New().String(),
				JobID:        jobID,
				ContractorID: contractorID,
				RouterID:     routerID,
				TokenHash:    hash,
				Status:       domain.DispatchPending,
				ExpiresAt:    now.Add(e.cfg.OfferTTL),
				CreatedAt:    now,
			}
			if err := tx.InsertDispatch(ctx, d); err != nil {
				return fmt.Errorf("failed to create offer for contractor %s: %w", contractorID, err)
			}
			offers = append(offers, Offer{Dispatch: d, Token: secret})
			events = append(events, domain.NewEvent(domain.EventDispatchCreated, jobID, routerID, now, map[string]any{
				"dispatch_id":   d.ID,
				"contractor_id": contractorID,
				"expires_at":    d.ExpiresAt,
			}))
		}
		if err := tx.AppendEvents(ctx, events...); err != nil {
			return err
		}

		job, err = tx.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		result = &DispatchResult{Job: job, Claimed: claimed, Offers: offers}
		return nil
	})

	e.logOutcome("Offers dispatched", err,
		slog.String("job_id", jobID),
		slog.String("router_id", routerID),
		slog.Int("targets", len(targets)),
	)
	if err != nil {
		return nil, err
	}
	e.metrics.OfferCreated(len(result.Offers) - countExisting(result.Offers))
	return result, nil
}

// ListOffers returns every offer made for a job, oldest first
func (e *Engine) ListOffers(ctx context.Context, jobID string) ([]*domain.Dispatch, error) {
	var out []*domain.Dispatch
	err := e.store.WithTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.GetJob(ctx, jobID); err != nil {
			return err
		}
		var err error
		out, err = tx.ListDispatches(ctx, jobID)
		return err
	})
	return out, err
}

// normalizeTargets trims and de-duplicates ids, keeping first-seen order
func (e *Engine) normalizeTargets(ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: at least one contractor is required", domain.ErrInvalidInput)
	}

	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("%w: empty contractor id", domain.ErrInvalidInput)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	if len(out) > e.cfg.MaxLiveOffers {
		return nil, fmt.Errorf("%w: %d targets, limit %d", domain.ErrOfferLimitReached, len(out), e.cfg.MaxLiveOffers)
	}
	return out, nil
}

func countExisting(offers []Offer) int {
	n := 0
	for _, o := range offers {
		if o.Existing {
			n++
		}
	}
	return n
}
