// Package worker hosts the background side of the system: the payout
// consumer pool, the outbox relay and the scheduled sweep.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/jobrouter/internal/ledger"
	amqp "github.com/rabbitmq/amqp091-go"
)

// PayoutScheduler creates a job's contractor payout
type PayoutScheduler interface {
	ScheduleContractorPayout(ctx context.Context, jobID string) (*ledger.Result, error)
}

// DeliverySource opens a manual-ack delivery stream
type DeliverySource interface {
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// Background is a loop the worker starts and stops alongside the consumer
type Background interface {
	Start(ctx context.Context)
	Stop()
}

// Config holds worker configuration
type Config struct {
	Logger      *slog.Logger
	WorkerID    string
	Source      DeliverySource
	Payouts     PayoutScheduler
	Background  []Background
	Concurrency int
	JobTimeout  time.Duration
}

// Worker consumes job events and runs the background loops
type Worker struct {
	logger      *slog.Logger
	workerID    string
	source      DeliverySource
	payouts     PayoutScheduler
	background  []Background
	concurrency int
	jobTimeout  time.Duration
	jobsChan    chan *message
	wg          sync.WaitGroup
	stopChan    chan struct{}
	stopOnce    sync.Once
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	jobTimeout := cfg.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = 30 * time.Second
	}
	return &Worker{
		logger:      cfg.Logger,
		workerID:    cfg.WorkerID,
		source:      cfg.Source,
		payouts:     cfg.Payouts,
		background:  cfg.Background,
		concurrency: concurrency,
		jobTimeout:  jobTimeout,
		jobsChan:    make(chan *message, concurrency),
		stopChan:    make(chan struct{}),
	}
}

// Start subscribes to the queue, spawns the pool and the background loops,
// and blocks until ctx is canceled.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	deliveries, err := w.setupConsumer()
	if err != nil {
		return fmt.Errorf("failed to set up consumer: %w", err)
	}

	w.spawnWorkerPool(ctx)

	for _, b := range w.background {
		b.Start(ctx)
	}

	w.startMessageDispatcher(ctx, deliveries)

	<-ctx.Done()
	w.logger.Info("Worker context canceled, stopping...")
	return nil
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("Stopping worker...")
		close(w.stopChan)
		for _, b := range w.background {
			b.Stop()
		}
		w.wg.Wait()
		w.logger.Info("Worker stopped")
	})
}
