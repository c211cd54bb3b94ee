// Package events relays outbox rows to the message broker.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/jobrouter/internal/domain"
	"github.com/cuongbtq/jobrouter/internal/metrics"
	"github.com/cuongbtq/jobrouter/internal/storage"
)

const (
	defaultPollInterval   = 2 * time.Second
	defaultBatchSize      = 100
	defaultMaxRetries     = 8
	defaultPublishTimeout = 10 * time.Second
	defaultStaleAfter     = 5 * time.Minute
)

// Publisher sends one message to the broker under routingKey
type Publisher interface {
	Publish(ctx context.Context, routingKey, messageID string, body []byte) error
}

// RelayConfig holds relay options. Zero values fall back to defaults.
type RelayConfig struct {
	PollInterval   time.Duration
	BatchSize      int
	MaxRetries     int
	PublishTimeout time.Duration
	// rows stuck in publishing longer than this are handed back to pending
	StaleAfter time.Duration
}

// Relay polls the outbox and publishes each event with its type as routing key
type Relay struct {
	outbox    storage.Outbox
	publisher Publisher
	cfg       RelayConfig
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	started  bool
}

// NewRelay creates a new outbox relay. m may be nil.
func NewRelay(outbox storage.Outbox, publisher Publisher, cfg RelayConfig, m *metrics.Metrics, logger *slog.Logger) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}

	return &Relay{
		outbox:    outbox,
		publisher: publisher,
		cfg:       cfg,
		metrics:   m,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		stopChan:  make(chan struct{}),
	}
}

// Start runs the polling loop in the background until ctx is done or Stop is called
func (r *Relay) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(ctx)

	r.logger.Info("Outbox relay started",
		slog.Duration("poll_interval", r.cfg.PollInterval),
		slog.Int("batch_size", r.cfg.BatchSize),
	)
}

// Stop halts the loop and waits for the in-flight batch
func (r *Relay) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	r.mu.Unlock()

	close(r.stopChan)
	r.wg.Wait()
	r.logger.Info("Outbox relay stopped")
}

func (r *Relay) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.tick(ctx)
	for {
		select {
		case <-ticker.C:
			r.tick(ctx)
		case <-r.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Relay) tick(ctx context.Context) {
	if n, err := r.outbox.ResetStaleEvents(ctx, r.now().Add(-r.cfg.StaleAfter)); err != nil {
		r.logger.Error("Failed to reset stale outbox events", slog.Any("error", err))
	} else if n > 0 {
		r.logger.Warn("Reset stale outbox events", slog.Int64("count", n))
	}

	if _, err := r.RelayOnce(ctx); err != nil {
		r.logger.Error("Failed to relay outbox events", slog.Any("error", err))
	}
}

// RelayOnce publishes one batch and returns how many events were published.
// A failed publish is recorded on the row for a later retry and does not stop
// the batch.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	entries, err := r.outbox.FetchPendingEvents(ctx, r.cfg.BatchSize, r.now())
	if err != nil {
		return 0, fmt.Errorf("failed to fetch pending events: %w", err)
	}

	published := 0
	for i := range entries {
		if err := r.publishOne(ctx, &entries[i]); err != nil {
			r.metrics.Published("error")
			r.logger.Warn("Failed to publish event",
				slog.String("event_id", entries[i].ID),
				slog.String("event_type", entries[i].Type),
				slog.Int("retry_count", entries[i].RetryCount),
				slog.Any("error", err),
			)
			if markErr := r.outbox.MarkEventFailed(ctx, entries[i].ID, err.Error(), r.cfg.MaxRetries, r.now()); markErr != nil {
				return published, fmt.Errorf("failed to record publish failure: %w", markErr)
			}
			continue
		}

		if err := r.outbox.MarkEventPublished(ctx, entries[i].ID, r.now()); err != nil {
			return published, fmt.Errorf("failed to mark event published: %w", err)
		}
		r.metrics.Published("ok")
		published++
	}

	if published > 0 {
		r.logger.Debug("Relayed outbox events", slog.Int("published", published), slog.Int("fetched", len(entries)))
	}
	return published, nil
}

func (r *Relay) publishOne(ctx context.Context, entry *domain.OutboxEntry) error {
	body, err := json.Marshal(entry.Event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	defer cancel()
	return r.publisher.Publish(pubCtx, entry.Type, entry.ID, body)
}
