package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuongbtq/jobrouter/internal/actiontoken"
	"github.com/cuongbtq/jobrouter/internal/domain"
	"github.com/cuongbtq/jobrouter/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

func publishedJob(id string) *domain.Job {
	return &domain.Job{
		ID:               id,
		Status:           domain.JobStatusPublished,
		RoutingStatus:    domain.RoutingUnrouted,
		Country:          "US",
		RegionCode:       "WA",
		TradeCategory:    "PLUMBING",
		ContractorPayout: 8000,
		PaymentState:     domain.PaymentAuthorized,
		CreatedAt:        t0,
		UpdatedAt:        t0,
	}
}

func seedJob(t *testing.T, s *Store, j *domain.Job) {
	t.Helper()
	require.NoError(t, s.WithTx(context.Background(), func(tx storage.Tx) error {
		return tx.InsertJob(context.Background(), j)
	}))
}

func getJob(t *testing.T, s *Store, id string) *domain.Job {
	t.Helper()
	var j *domain.Job
	require.NoError(t, s.WithTx(context.Background(), func(tx storage.Tx) error {
		var err error
		j, err = tx.GetJob(context.Background(), id)
		return err
	}))
	return j
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedJob(t, s, publishedJob("job-1"))

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx storage.Tx) error {
		n, err := tx.ClaimJob(ctx, "job-1", "router-1", t0, t0.Add(time.Hour))
		require.NoError(t, err)
		require.Equal(t, int64(1), n)
		require.NoError(t, tx.AppendEvents(ctx, domain.NewEvent(domain.EventJobClaimed, "job-1", "router-1", t0, nil)))
		return boom
	})
	require.ErrorIs(t, err, boom)

	j := getJob(t, s, "job-1")
	assert.Equal(t, domain.RoutingUnrouted, j.RoutingStatus)
	assert.Nil(t, j.ClaimedByRouterID)
	assert.Empty(t, s.Events())
}

func TestClaimJob(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedJob(t, s, publishedJob("job-1"))

	due := t0.Add(2 * time.Hour)
	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		n, err := tx.ClaimJob(ctx, "job-1", "router-1", t0, due)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = tx.ClaimJob(ctx, "job-1", "router-2", t0, due)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n, "second claim must lose")

		n, err = tx.TouchClaim(ctx, "job-1", "router-2", t0)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)

		n, err = tx.TouchClaim(ctx, "job-1", "router-1", t0)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		return nil
	}))

	j := getJob(t, s, "job-1")
	assert.True(t, j.ClaimedBy("router-1"))
	assert.True(t, j.RoutingConsistent())
	assert.Equal(t, due, *j.RoutingDueAt)
	assert.Equal(t, t0, *j.FirstRoutedAt)
}

func TestDispatches(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedJob(t, s, publishedJob("job-1"))

	offer := func(id, contractor, hash string, exp time.Time) *domain.Dispatch {
		return &domain.Dispatch{
			ID: id, JobID: "job-1", ContractorID: contractor, RouterID: "router-1",
			TokenHash: hash, Status: domain.DispatchPending, ExpiresAt: exp, CreatedAt: t0,
		}
	}

	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		require.NoError(t, tx.InsertDispatch(ctx, offer("d1", "c1", "h1", t0.Add(24*time.Hour))))
		require.NoError(t, tx.InsertDispatch(ctx, offer("d2", "c2", "h2", t0.Add(24*time.Hour))))
		require.NoError(t, tx.InsertDispatch(ctx, offer("d3", "c3", "h3", t0.Add(time.Minute))))

		err := tx.InsertDispatch(ctx, offer("d4", "c4", "h1", t0.Add(time.Hour)))
		assert.ErrorIs(t, err, domain.ErrDuplicate, "token hash is unique")

		n, err := tx.CountLiveOffers(ctx, "job-1", t0.Add(2*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		_, err = tx.FindLiveOffer(ctx, "job-1", "c3", t0.Add(2*time.Minute))
		assert.ErrorIs(t, err, domain.ErrOfferNotFound)

		live, err := tx.FindLiveOffer(ctx, "job-1", "c2", t0)
		require.NoError(t, err)
		assert.Equal(t, "d2", live.ID)

		changed, err := tx.ResolveDispatch(ctx, "d1", domain.DispatchAccepted, t0)
		require.NoError(t, err)
		assert.Equal(t, int64(1), changed)

		changed, err = tx.ResolveDispatch(ctx, "d1", domain.DispatchDeclined, t0)
		require.NoError(t, err)
		assert.Equal(t, int64(0), changed, "only PENDING offers resolve")

		ids, err := tx.ExpireCompetingOffers(ctx, "job-1", "d1", t0)
		require.NoError(t, err)
		assert.Equal(t, []string{"d2", "d3"}, ids)
		return nil
	}))

	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		all, err := tx.ListDispatches(ctx, "job-1")
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, domain.DispatchAccepted, all[0].Status)
		assert.NotNil(t, all[0].RespondedAt)
		assert.Equal(t, domain.DispatchExpired, all[1].Status)
		assert.Nil(t, all[1].RespondedAt)
		return nil
	}))
}

func TestExpireStaleOffersAndReleaseClaims(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedJob(t, s, publishedJob("job-1"))
	seedJob(t, s, publishedJob("job-2"))

	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		_, err := tx.ClaimJob(ctx, "job-1", "router-1", t0, t0.Add(time.Hour))
		require.NoError(t, err)
		_, err = tx.ClaimJob(ctx, "job-2", "router-1", t0, t0.Add(time.Hour))
		require.NoError(t, err)
		require.NoError(t, tx.InsertDispatch(ctx, &domain.Dispatch{
			ID: "d1", JobID: "job-1", ContractorID: "c1", RouterID: "router-1", TokenHash: "h1",
			Status: domain.DispatchPending, ExpiresAt: t0.Add(30 * time.Minute), CreatedAt: t0,
		}))
		require.NoError(t, tx.InsertDispatch(ctx, &domain.Dispatch{
			ID: "d2", JobID: "job-2", ContractorID: "c1", RouterID: "router-1", TokenHash: "h2",
			Status: domain.DispatchPending, ExpiresAt: t0.Add(48 * time.Hour), CreatedAt: t0,
		}))
		return nil
	}))

	later := t0.Add(2 * time.Hour)
	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		expired, err := tx.ExpireStaleOffers(ctx, later, 10)
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, "d1", expired[0].ID)

		released, err := tx.ReleaseLapsedClaims(ctx, later, 10)
		require.NoError(t, err)
		assert.Equal(t, []storage.ReleasedClaim{{JobID: "job-1", RouterID: "router-1"}}, released)
		return nil
	}))

	j1 := getJob(t, s, "job-1")
	assert.Equal(t, domain.RoutingUnrouted, j1.RoutingStatus)
	assert.Nil(t, j1.ClaimedByRouterID)
	assert.NotNil(t, j1.FirstRoutedAt)

	j2 := getJob(t, s, "job-2")
	assert.True(t, j2.ClaimedBy("router-1"), "claim with a live offer is kept")
}

func TestActionTokenSlots(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedJob(t, s, publishedJob("job-1"))
	exp := t0.Add(time.Hour)

	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		n, err := tx.SetActionToken(ctx, "job-1", actiontoken.ScopeCustomerReview, "first", exp, t0)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = tx.SetActionToken(ctx, "job-1", actiontoken.ScopeCustomerReview, "second", exp, t0)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n, "existing token is kept")

		n, err = tx.ConsumeActionToken(ctx, "job-1", actiontoken.ScopeCustomerReview, "second", t0)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)

		n, err = tx.ConsumeActionToken(ctx, "job-1", actiontoken.ScopeCustomerReview, "first", t0)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = tx.ConsumeActionToken(ctx, "job-1", actiontoken.ScopeCustomerReview, "first", t0)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n, "single use")
		return nil
	}))

	j := getJob(t, s, "job-1")
	assert.Nil(t, j.CustomerTokenHash)
	assert.Nil(t, j.ContractorTokenHash)
}

func TestBusyContractorsAndIdleSince(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.AddContractor(&domain.Contractor{ID: "c1", Active: true, Approved: true, TradeCategories: []string{"PLUMBING"}})
	s.AddContractor(&domain.Contractor{ID: "c2", Active: true, Approved: true, TradeCategories: []string{"PLUMBING"}})
	s.AddContractor(&domain.Contractor{ID: "c3", Active: false, Approved: true, TradeCategories: []string{"PLUMBING"}})

	inProgress := publishedJob("job-1")
	inProgress.Status = domain.JobStatusInProgress
	assigned := publishedJob("job-2")
	assigned.Status = domain.JobStatusAssigned
	seedJob(t, s, inProgress)
	seedJob(t, s, assigned)

	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		require.NoError(t, tx.InsertAssignment(ctx, &domain.Assignment{ID: "a1", JobID: "job-1", ContractorID: "c1", Status: domain.AssignmentAssigned, CreatedAt: t0}))
		require.NoError(t, tx.InsertAssignment(ctx, &domain.Assignment{ID: "a2", JobID: "job-2", ContractorID: "c2", Status: domain.AssignmentAssigned, CreatedAt: t0}))
		assert.ErrorIs(t, tx.InsertAssignment(ctx, &domain.Assignment{ID: "a3", JobID: "job-2", ContractorID: "c1", CreatedAt: t0}), domain.ErrDuplicate)
		return nil
	}))

	busy := func() map[string]bool {
		var out map[string]bool
		require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
			var err error
			out, err = tx.BusyContractors(ctx, []string{"c1", "c2"})
			return err
		}))
		return out
	}

	assert.Equal(t, map[string]bool{"c1": true}, busy(), "assigned without a proposal is not busy")

	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		return tx.InsertAppointmentProposal(ctx, &domain.AppointmentProposal{ID: "p1", JobID: "job-2", ContractorID: "c2", ProposedFor: t0.Add(24 * time.Hour), CreatedAt: t0})
	}))
	assert.Equal(t, map[string]bool{"c1": true, "c2": true}, busy())

	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		n, err := tx.CompleteAssignment(ctx, "a1", t0.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		pool, err := tx.ListCandidateContractors(ctx, "PLUMBING")
		require.NoError(t, err)
		require.Len(t, pool, 2)
		assert.Equal(t, "c1", pool[0].ID)
		require.NotNil(t, pool[0].LastCompletedAt)
		assert.Equal(t, t0.Add(time.Hour), *pool[0].LastCompletedAt)
		assert.Nil(t, pool[1].LastCompletedAt)
		return nil
	}))
	assert.Equal(t, map[string]bool{"c2": true}, busy())
}

func TestInsertPayoutIsUnique(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		ok, err := tx.InsertPayout(ctx, &domain.Payout{ID: "p1", JobID: "job-1", Amount: 100})
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = tx.InsertPayout(ctx, &domain.Payout{ID: "p2", JobID: "job-1", Amount: 100})
		require.NoError(t, err)
		assert.False(t, ok)

		p, err := tx.GetPayoutByJob(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, "p1", p.ID)

		_, err = tx.GetPayoutByJob(ctx, "job-2")
		assert.ErrorIs(t, err, domain.ErrPayoutNotFound)
		return nil
	}))
}

func TestOutbox(t *testing.T) {
	ctx := context.Background()
	s := New()

	e1 := domain.NewEvent(domain.EventJobClaimed, "job-1", "router-1", t0, nil)
	e2 := domain.NewEvent(domain.EventDispatchCreated, "job-1", "router-1", t0, nil)
	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		return tx.AppendEvents(ctx, e1, e2)
	}))

	batch, err := s.FetchPendingEvents(ctx, 10, t0)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, e1.ID, batch[0].ID)

	again, err := s.FetchPendingEvents(ctx, 10, t0)
	require.NoError(t, err)
	assert.Empty(t, again, "claimed events are not handed out twice")

	require.NoError(t, s.MarkEventPublished(ctx, e1.ID, t0))
	require.NoError(t, s.MarkEventFailed(ctx, e2.ID, "broker down", 3, t0))

	status, retries, ok := s.OutboxStatus(e2.ID)
	require.True(t, ok)
	assert.Equal(t, domain.OutboxPending, status)
	assert.Equal(t, 1, retries)

	early, err := s.FetchPendingEvents(ctx, 10, t0.Add(30*time.Second))
	require.NoError(t, err)
	assert.Empty(t, early, "retry waits for backoff")

	due, err := s.FetchPendingEvents(ctx, 10, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 1)

	require.NoError(t, s.MarkEventFailed(ctx, e2.ID, "broker down", 2, t0))
	status, _, _ = s.OutboxStatus(e2.ID)
	assert.Equal(t, domain.OutboxFailed, status)

	assert.ErrorIs(t, s.MarkEventPublished(ctx, "missing", t0), domain.ErrEventNotFound)
}

func TestResetStaleEvents(t *testing.T) {
	ctx := context.Background()
	s := New()
	e := domain.NewEvent(domain.EventJobClaimed, "job-1", "router-1", t0, nil)
	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error { return tx.AppendEvents(ctx, e) }))

	_, err := s.FetchPendingEvents(ctx, 1, t0)
	require.NoError(t, err)

	n, err := s.ResetStaleEvents(ctx, t0.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	status, _, _ := s.OutboxStatus(e.ID)
	assert.Equal(t, domain.OutboxPending, status)
}
