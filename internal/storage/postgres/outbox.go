package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cuongbtq/jobrouter/internal/domain"
)

type outboxRow struct {
	ID         string    `db:"id"`
	EventType  string    `db:"event_type"`
	JobID      string    `db:"job_id"`
	ActorID    string    `db:"actor_id"`
	Payload    []byte    `db:"payload"`
	OccurredAt time.Time `db:"occurred_at"`
	Status     string    `db:"status"`
	RetryCount int       `db:"retry_count"`
}

// FetchPendingEvents claims pending events whose retry time has come.
// FOR UPDATE SKIP LOCKED lets several relays run side by side.
func (s *Store) FetchPendingEvents(ctx context.Context, limit int, now time.Time) ([]domain.OutboxEntry, error) {
	query := `
		UPDATE outbox_events
		SET status = 'publishing', updated_at = $2
		WHERE id IN (
			SELECT id FROM outbox_events
			WHERE status = 'pending'
				AND (next_retry_at IS NULL OR next_retry_at <= $2)
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, event_type, job_id, actor_id, payload, occurred_at, status, retry_count`

	var rows []outboxRow
	if err := s.db.SelectContext(ctx, &rows, query, limit, now); err != nil {
		return nil, fmt.Errorf("fetch pending events: %w", err)
	}

	out := make([]domain.OutboxEntry, 0, len(rows))
	for _, r := range rows {
		var payload map[string]any
		if len(r.Payload) > 0 {
			if err := json.Unmarshal(r.Payload, &payload); err != nil {
				return nil, fmt.Errorf("decode payload of event %s: %w", r.ID, err)
			}
		}
		out = append(out, domain.OutboxEntry{
			Event: domain.Event{
				ID:         r.ID,
				Type:       r.EventType,
				JobID:      r.JobID,
				ActorID:    r.ActorID,
				OccurredAt: r.OccurredAt,
				Payload:    payload,
			},
			Status:     r.Status,
			RetryCount: r.RetryCount,
		})
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].OccurredAt.Before(out[b].OccurredAt) })
	return out, nil
}

func (s *Store) execExpectOneRow(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get affected rows: %w", err)
	}
	if rows == 0 {
		return domain.ErrEventNotFound
	}
	return nil
}

// MarkEventPublished marks an event as delivered
func (s *Store) MarkEventPublished(ctx context.Context, id string, now time.Time) error {
	query := `
		UPDATE outbox_events
		SET status = 'published', published_at = $2, updated_at = $2
		WHERE id = $1`
	if err := s.execExpectOneRow(ctx, query, id, now); err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}

// MarkEventFailed schedules a retry with exponential backoff (1m, 2m, 4m, ...)
// and parks the event as failed once maxRetries attempts were made
func (s *Store) MarkEventFailed(ctx context.Context, id, reason string, maxRetries int, now time.Time) error {
	query := `
		UPDATE outbox_events
		SET retry_count = retry_count + 1,
			last_error = $2,
			updated_at = $4,
			status = CASE WHEN retry_count + 1 >= $3 THEN 'failed' ELSE 'pending' END,
			next_retry_at = CASE
				WHEN retry_count + 1 >= $3 THEN NULL
				ELSE $4::timestamptz + (INTERVAL '1 minute' * POWER(2, retry_count))
			END
		WHERE id = $1`
	if err := s.execExpectOneRow(ctx, query, id, reason, maxRetries, now); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// ResetStaleEvents returns events a crashed relay left in publishing
func (s *Store) ResetStaleEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = 'pending'
		WHERE status = 'publishing' AND updated_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("reset stale events: %w", err)
	}
	return res.RowsAffected()
}
