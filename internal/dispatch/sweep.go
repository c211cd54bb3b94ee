package dispatch

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/jobrouter/internal/domain"
	"github.com/cuongbtq/jobrouter/internal/storage"
)

// SweepResult counts what one sweep pass changed
type SweepResult struct {
	OffersExpired  int
	ClaimsReleased int
}

// Sweep expires PENDING offers past their expiry and releases router claims
// whose routing deadline lapsed with no live offer. Expiry is also applied
// lazily on response, so the sweep is only housekeeping.
func (e *Engine) Sweep(ctx context.Context) (SweepResult, error) {
	now := e.now()

	var res SweepResult
	err := e.store.WithTx(ctx, func(tx storage.Tx) error {
		expired, err := tx.ExpireStaleOffers(ctx, now, e.cfg.SweepBatchSize)
		if err != nil {
			return err
		}
		released, err := tx.ReleaseLapsedClaims(ctx, now, e.cfg.SweepBatchSize)
		if err != nil {
			return err
		}

		events := make([]domain.Event, 0, len(expired)+len(released))
		for _, d := range expired {
			events = append(events, domain.NewEvent(domain.EventDispatchExpired, d.JobID, domain.SystemActor.ID, now, map[string]any{
				"dispatch_id":   d.ID,
				"contractor_id": d.ContractorID,
				"reason":        "ttl",
			}))
		}
		for _, c := range released {
			events = append(events, domain.NewEvent(domain.EventJobClaimReleased, c.JobID, domain.SystemActor.ID, now, map[string]any{
				"router_id": c.RouterID,
			}))
		}
		if err := tx.AppendEvents(ctx, events...); err != nil {
			return err
		}

		res = SweepResult{OffersExpired: len(expired), ClaimsReleased: len(released)}
		return nil
	})
	if err != nil {
		e.logger.Error("Sweep failed", slog.Any("error", err))
		return SweepResult{}, err
	}

	e.metrics.Swept("offers_expired", res.OffersExpired)
	e.metrics.Swept("claims_released", res.ClaimsReleased)
	if res.OffersExpired > 0 || res.ClaimsReleased > 0 {
		e.logger.Info("Sweep completed",
			slog.Int("offers_expired", res.OffersExpired),
			slog.Int("claims_released", res.ClaimsReleased),
		)
	}
	return res, nil
}
