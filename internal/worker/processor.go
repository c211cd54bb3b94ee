package worker

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/jobrouter/internal/domain"
)

// processEvent handles a single job event. A nil return acks the delivery.
// Typed business outcomes are final and also ack; anything else is wrapped
// as retryable so the delivery is requeued.
func (w *Worker) processEvent(ctx context.Context, event domain.Event) error {
	if event.Type != domain.EventJobCompletedApprove {
		w.logger.Debug("Ignoring event",
			slog.String("event_id", event.ID),
			slog.String("type", event.Type),
		)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	res, err := w.payouts.ScheduleContractorPayout(ctx, event.JobID)
	if err != nil {
		if domain.IsExpected(err) {
			w.logger.Warn("Payout not scheduled",
				slog.String("job_id", event.JobID),
				slog.String("kind", string(domain.KindOf(err))),
				slog.String("error", err.Error()),
			)
			return nil
		}
		return domain.NewRetryableError(err)
	}

	w.logger.Info("Payout handled",
		slog.String("job_id", event.JobID),
		slog.String("payout_id", res.Payout.ID),
		slog.Bool("already_scheduled", res.AlreadyScheduled),
	)
	return nil
}
