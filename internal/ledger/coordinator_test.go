package ledger

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/jobrouter/internal/domain"
	"github.com/cuongbtq/jobrouter/internal/storage"
	"github.com/cuongbtq/jobrouter/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Friday afternoon, so the payout lands on Monday
var friday = time.Date(2026, 6, 5, 14, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func settledJob() *domain.Job {
	return &domain.Job{
		ID:                "job-1",
		Status:            domain.JobStatusCompletedApproved,
		RoutingStatus:     domain.RoutingRoutedByRouter,
		ClaimedByRouterID: ptr("router-1"),
		Country:           "US",
		RegionCode:        "WA",
		Currency:          "USD",
		LaborAmount:       10000,
		ContractorPayout:  8000,
		RouterEarning:     1000,
		PlatformFee:       700,
		TransactionFee:    300,
		PaymentState:      domain.PaymentReleased,
		CreatedAt:         friday,
		UpdatedAt:         friday,
	}
}

func newCoordinator(t *testing.T, job *domain.Job, assigned bool) (*Coordinator, *memory.Store) {
	t.Helper()
	s := memory.New()
	s.AddContractor(&domain.Contractor{ID: "c-1", Active: true, Approved: true, Country: "US", RegionCode: "WA"})

	ctx := context.Background()
	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		if err := tx.InsertJob(ctx, job); err != nil {
			return err
		}
		if !assigned {
			return nil
		}
		return tx.InsertAssignment(ctx, &domain.Assignment{
			ID:           "a-1",
			JobID:        job.ID,
			ContractorID: "c-1",
			AssignedBy:   "router-1",
			Status:       domain.AssignmentCompleted,
			CreatedAt:    friday,
		})
	}))

	c := NewCoordinator(s, NewCalendars(), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.now = func() time.Time { return friday }
	return c, s
}

func ledgerEntries(t *testing.T, s *memory.Store, jobID string) []*domain.LedgerEntry {
	t.Helper()
	var out []*domain.LedgerEntry
	require.NoError(t, s.WithTx(context.Background(), func(tx storage.Tx) error {
		var err error
		out, err = tx.ListLedgerEntries(context.Background(), jobID)
		return err
	}))
	return out
}

func TestScheduleContractorPayout(t *testing.T) {
	ctx := context.Background()
	c, s := newCoordinator(t, settledJob(), true)

	res, err := c.ScheduleContractorPayout(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, res.AlreadyScheduled)
	assert.Equal(t, "c-1", res.Payout.ContractorID)
	assert.Equal(t, int64(8000), res.Payout.Amount)
	assert.Equal(t, time.Date(2026, 6, 8, 0, 0, 0, 0, time.UTC), res.Payout.ScheduledFor)
	assert.Equal(t, domain.PayoutStatusScheduled, res.Payout.Status)

	entries := ledgerEntries(t, s, "job-1")
	require.Len(t, entries, 1)
	assert.Equal(t, domain.EntryContractorEarning, entries[0].EntryType)
	assert.Equal(t, domain.BucketPending, entries[0].Bucket)
	assert.Equal(t, domain.DirectionCredit, entries[0].Direction)
	assert.Equal(t, int64(8000), entries[0].Amount)

	again, err := c.ScheduleContractorPayout(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, again.AlreadyScheduled)
	assert.Equal(t, res.Payout.ID, again.Payout.ID)
	assert.Nil(t, again.Entry)
	assert.Len(t, ledgerEntries(t, s, "job-1"), 1)
}

func TestScheduleContractorPayout_Concurrent(t *testing.T) {
	ctx := context.Background()
	c, s := newCoordinator(t, settledJob(), true)

	const callers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		ids     = make(map[string]bool)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.ScheduleContractorPayout(ctx, "job-1")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if !res.AlreadyScheduled {
				created++
			}
			ids[res.Payout.ID] = true
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Len(t, ids, 1)

	var pending int
	for _, e := range ledgerEntries(t, s, "job-1") {
		if e.EntryType == domain.EntryContractorEarning && e.Bucket == domain.BucketPending {
			pending++
		}
	}
	assert.Equal(t, 1, pending)
}

func TestScheduleContractorPayout_Preconditions(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(j *domain.Job)
		assigned bool
		jobID    string
		wantErr  error
	}{
		{
			name:     "unknown job",
			mutate:   func(*domain.Job) {},
			assigned: true,
			jobID:    "missing",
			wantErr:  domain.ErrJobNotFound,
		},
		{
			name:     "test job",
			mutate:   func(j *domain.Job) { j.IsTest = true },
			assigned: true,
			wantErr:  domain.ErrTestJob,
		},
		{
			name:    "no assignment",
			mutate:  func(*domain.Job) {},
			wantErr: domain.ErrNoAssignment,
		},
		{
			name:     "pricing not locked",
			mutate:   func(j *domain.Job) { j.ContractorPayout = 0 },
			assigned: true,
			wantErr:  domain.ErrPricingNotLocked,
		},
		{
			name:     "escrow still held",
			mutate:   func(j *domain.Job) { j.PaymentState = domain.PaymentCaptured },
			assigned: true,
			wantErr:  domain.ErrEscrowNotReleased,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := settledJob()
			tt.mutate(job)
			c, s := newCoordinator(t, job, tt.assigned)

			jobID := tt.jobID
			if jobID == "" {
				jobID = job.ID
			}
			_, err := c.ScheduleContractorPayout(context.Background(), jobID)
			require.ErrorIs(t, err, tt.wantErr)
			assert.True(t, domain.IsExpected(err))
			assert.Empty(t, ledgerEntries(t, s, job.ID))
			assert.Empty(t, s.Events())
		})
	}
}

func TestApproveCompletion(t *testing.T) {
	ctx := context.Background()

	t.Run("releases escrow and credits router and platform", func(t *testing.T) {
		job := settledJob()
		job.Status = domain.JobStatusCustomerApproved
		job.PaymentState = domain.PaymentCaptured
		c, s := newCoordinator(t, job, true)

		require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
			entries, err := c.ApproveCompletion(ctx, tx, job, friday)
			require.Len(t, entries, 3)
			return err
		}))

		got := map[domain.EntryType]*domain.LedgerEntry{}
		for _, e := range ledgerEntries(t, s, "job-1") {
			got[e.EntryType] = e
		}
		require.Len(t, got, 3)
		assert.Equal(t, "router-1", got[domain.EntryRouterEarning].OwnerID)
		assert.Equal(t, int64(1000), got[domain.EntryRouterEarning].Amount)
		assert.Equal(t, domain.BucketAvailable, got[domain.EntryRouterEarning].Bucket)
		assert.Equal(t, domain.PlatformAccountID, got[domain.EntryPlatformFee].OwnerID)
		assert.Equal(t, int64(700), got[domain.EntryPlatformFee].Amount)
		assert.Equal(t, int64(300), got[domain.EntryTransactionFee].Amount)

		res, err := c.ScheduleContractorPayout(ctx, "job-1")
		require.NoError(t, err)
		assert.False(t, res.AlreadyScheduled)
	})

	t.Run("admin routed job has no router credit", func(t *testing.T) {
		job := settledJob()
		job.RoutingStatus = domain.RoutingRoutedByAdmin
		job.ClaimedByRouterID = ptr("admin-1")
		job.PaymentState = domain.PaymentCaptured
		c, s := newCoordinator(t, job, true)

		require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
			_, err := c.ApproveCompletion(ctx, tx, job, friday)
			return err
		}))
		for _, e := range ledgerEntries(t, s, "job-1") {
			assert.Equal(t, domain.OwnerPlatform, e.OwnerType)
		}
	})

	t.Run("uncaptured funds", func(t *testing.T) {
		job := settledJob()
		job.PaymentState = domain.PaymentAuthorized
		c, s := newCoordinator(t, job, true)

		err := s.WithTx(ctx, func(tx storage.Tx) error {
			_, err := c.ApproveCompletion(ctx, tx, job, friday)
			return err
		})
		assert.ErrorIs(t, err, domain.ErrFundsNotHeld)
	})

	t.Run("test job moves no money", func(t *testing.T) {
		job := settledJob()
		job.IsTest = true
		job.PaymentState = domain.PaymentNone
		c, s := newCoordinator(t, job, true)

		require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
			entries, err := c.ApproveCompletion(ctx, tx, job, friday)
			assert.Nil(t, entries)
			return err
		}))
		assert.Empty(t, ledgerEntries(t, s, "job-1"))
	})
}
