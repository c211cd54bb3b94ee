package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/jobrouter/internal/domain"
	"github.com/cuongbtq/jobrouter/internal/ledger"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type settlement struct {
	tag     uint64
	acked   bool
	requeue bool
}

type fakeAcknowledger struct {
	mu   sync.Mutex
	done []settlement
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.done = append(a.done, settlement{tag: tag, acked: true})
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.done = append(a.done, settlement{tag: tag, requeue: requeue})
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) settled() map[uint64]settlement {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[uint64]settlement, len(a.done))
	for _, s := range a.done {
		out[s.tag] = s
	}
	return out
}

type fakeScheduler struct {
	mu    sync.Mutex
	calls []string
	errs  map[string]error
}

func (f *fakeScheduler) ScheduleContractorPayout(ctx context.Context, jobID string) (*ledger.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, jobID)
	if err := f.errs[jobID]; err != nil {
		return nil, err
	}
	return &ledger.Result{Payout: &domain.Payout{ID: "payout-" + jobID, JobID: jobID}}, nil
}

type chanSource struct{ ch chan amqp.Delivery }

func (s chanSource) Consume(string) (<-chan amqp.Delivery, error) { return s.ch, nil }

type failingSource struct{}

func (failingSource) Consume(string) (<-chan amqp.Delivery, error) {
	return nil, errors.New("channel closed")
}

func TestProcessEvent(t *testing.T) {
	sched := &fakeScheduler{errs: map[string]error{
		"job-test":  fmt.Errorf("%w: job job-test", domain.ErrTestJob),
		"job-db":    errors.New("connection reset by peer"),
		"job-early": fmt.Errorf("%w: payment is CAPTURED", domain.ErrEscrowNotReleased),
	}}
	w := NewWorker(&Config{Logger: testLogger, WorkerID: "w", Payouts: sched})

	tests := []struct {
		name      string
		event     domain.Event
		wantErr   bool
		retryable bool
	}{
		{name: "approval schedules payout", event: domain.Event{Type: domain.EventJobCompletedApprove, JobID: "job-1"}},
		{name: "other event types are ignored", event: domain.Event{Type: domain.EventDispatchCreated, JobID: "job-2"}},
		{name: "business outcome is final", event: domain.Event{Type: domain.EventJobCompletedApprove, JobID: "job-test"}},
		{name: "precondition is final", event: domain.Event{Type: domain.EventJobCompletedApprove, JobID: "job-early"}},
		{name: "infrastructure error is retryable", event: domain.Event{Type: domain.EventJobCompletedApprove, JobID: "job-db"}, wantErr: true, retryable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := w.processEvent(context.Background(), tt.event)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.retryable, shouldRequeue(err))
		})
	}

	assert.NotContains(t, sched.calls, "job-2")
}

func TestDecodeEvent(t *testing.T) {
	_, err := decodeEvent([]byte(`{not json`))
	assert.Error(t, err)

	_, err = decodeEvent([]byte(`{"type":"job.completed_approved"}`))
	assert.Error(t, err, "job_id is required")

	event, err := decodeEvent([]byte(`{"id":"e-1","type":"job.completed_approved","job_id":"job-1"}`))
	require.NoError(t, err)
	assert.Equal(t, "job-1", event.JobID)
}

func TestWorker_SettlesDeliveries(t *testing.T) {
	ack := &fakeAcknowledger{}
	deliveries := make(chan amqp.Delivery, 4)
	sched := &fakeScheduler{errs: map[string]error{
		"job-db": errors.New("connection reset by peer"),
	}}

	w := NewWorker(&Config{
		Logger:      testLogger,
		WorkerID:    "worker-test",
		Source:      chanSource{ch: deliveries},
		Payouts:     sched,
		Concurrency: 2,
	})

	send := func(tag uint64, body string) {
		deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: tag, Body: []byte(body)}
	}
	send(1, `{"id":"e-1","type":"job.completed_approved","job_id":"job-1"}`)
	send(2, `{"id":"e-2","type":"job.completed_approved","job_id":"job-db"}`)
	send(3, `garbage`)
	send(4, `{"id":"e-4","type":"job.archived","job_id":"job-4"}`)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Start(ctx) }()

	assert.Eventually(t, func() bool { return len(ack.settled()) == 4 }, 2*time.Second, 10*time.Millisecond)

	got := ack.settled()
	assert.Equal(t, settlement{tag: 1, acked: true}, got[1])
	assert.Equal(t, settlement{tag: 2, requeue: true}, got[2])
	assert.Equal(t, settlement{tag: 3, requeue: false}, got[3])
	assert.Equal(t, settlement{tag: 4, acked: true}, got[4])

	cancel()
	require.NoError(t, <-errCh)
	w.Stop()
	w.Stop()
}

func TestWorker_StartFailsWithoutConsumer(t *testing.T) {
	w := NewWorker(&Config{Logger: testLogger, Source: failingSource{}})
	err := w.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to set up consumer")
}
