package dispatch

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
	"github.com/cuongbtq/jobrouter/internal/eligibility"
	"github.com/cuongbtq/jobrouter/internal/payment"
	"github.com/cuongbtq/jobrouter/internal/storage"
	"github.com/cuongbtq/jobrouter/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

const authRef = "auth-1"

func ptr[T any](v T) *T { return &v }

type harness struct {
	engine  *Engine
	store   *memory.Store
	sandbox *payment.Sandbox
	clock   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   memory.New(),
		sandbox: payment.NewSandbox(),
		clock:   t0,
	}
	h.engine = NewEngine(
		h.store,
		eligibility.NewMatcher(eligibility.DefaultRadiusPolicy()),
		h.sandbox,
		DefaultConfig(),
		nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	h.engine.now = func() time.Time { return h.clock }

	h.sandbox.Authorize(authRef)
	h.store.AddRouter(&domain.Router{ID: "router-1", Country: "US", RegionCode: "WA", Active: true})
	h.store.AddRouter(&domain.Router{ID: "router-2", Country: "US", RegionCode: "WA", Active: true})
	for i := 1; i <= 7; i++ {
		h.store.AddContractor(contractor(fmt.Sprintf("c-%d", i), float64(i)))
	}
	h.seedJob(t, publishedJob("job-1"))
	return h
}

func publishedJob(id string) *domain.Job {
	return &domain.Job{
		ID:                      id,
		Status:                  domain.JobStatusPublished,
		RoutingStatus:           domain.RoutingUnrouted,
		Country:                 "US",
		RegionCode:              "WA",
		Latitude:                ptr(47.6062),
		Longitude:               ptr(-122.3321),
		TradeCategory:           "PLUMBING",
		JobType:                 domain.JobTypeUrban,
		Currency:                "USD",
		LaborAmount:             10000,
		MaterialsAmount:         2500,
		ContractorPayout:        8000,
		RouterEarning:           1000,
		PlatformFee:             700,
		TransactionFee:          300,
		PaymentState:            domain.PaymentAuthorized,
		PaymentAuthorizationRef: ptr(authRef),
		CreatedAt:               t0,
		UpdatedAt:               t0,
	}
}

// contractor places a plumber km north of the job
func contractor(id string, km float64) *domain.Contractor {
	return &domain.Contractor{
		ID:              id,
		Active:          true,
		Approved:        true,
		TradeCategories: []string{"PLUMBING"},
		Country:         "US",
		RegionCode:      "WA",
		Latitude:        ptr(47.6062 + km/111.195),
		Longitude:       ptr(-122.3321),
	}
}

func (h *harness) seedJob(t *testing.T, j *domain.Job) {
	t.Helper()
	require.NoError(t, h.store.WithTx(context.Background(), func(tx storage.Tx) error {
		return tx.InsertJob(context.Background(), j)
	}))
}

func (h *harness) job(t *testing.T, id string) *domain.Job {
	t.Helper()
	var j *domain.Job
	require.NoError(t, h.store.WithTx(context.Background(), func(tx storage.Tx) error {
		var err error
		j, err = tx.GetJob(context.Background(), id)
		return err
	}))
	return j
}

func (h *harness) offers(t *testing.T, jobID string) map[string]domain.DispatchStatus {
	t.Helper()
	list, err := h.engine.ListOffers(context.Background(), jobID)
	require.NoError(t, err)
	out := make(map[string]domain.DispatchStatus, len(list))
	for _, d := range list {
		out[d.ContractorID] = d.Status
	}
	return out
}

func (h *harness) dispatch(t *testing.T, targets ...string) *DispatchResult {
	t.Helper()
	res, err := h.engine.ClaimAndDispatch(context.Background(), "router-1", "job-1", targets)
	require.NoError(t, err)
	return res
}

func TestClaim(t *testing.T) {
	ctx := context.Background()

	t.Run("claims unrouted job", func(t *testing.T) {
		h := newHarness(t)
		job, err := h.engine.Claim(ctx, "router-1", "job-1")
		require.NoError(t, err)
		assert.Equal(t, domain.RoutingRoutedByRouter, job.RoutingStatus)
		assert.True(t, job.ClaimedBy("router-1"))
		require.NotNil(t, job.RoutingDueAt)
		assert.Equal(t, t0.Add(DefaultConfig().RoutingSLA), *job.RoutingDueAt)
		assert.True(t, job.RoutingConsistent())
	})

	t.Run("same router is idempotent", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.engine.Claim(ctx, "router-1", "job-1")
		require.NoError(t, err)
		_, err = h.engine.Claim(ctx, "router-1", "job-1")
		require.NoError(t, err)
		assert.Len(t, h.store.Events(), 1)
	})

	tests := []struct {
		name    string
		setup   func(h *harness)
		router  string
		wantErr error
	}{
		{
			name:    "other router loses",
			setup:   func(h *harness) { _, _ = h.engine.Claim(ctx, "router-2", "job-1") },
			router:  "router-1",
			wantErr: domain.ErrAlreadyClaimed,
		},
		{
			name: "inactive router",
			setup: func(h *harness) {
				h.store.AddRouter(&domain.Router{ID: "router-3", Country: "US", RegionCode: "WA"})
			},
			router:  "router-3",
			wantErr: domain.ErrForbidden,
		},
		{
			name: "router outside jurisdiction",
			setup: func(h *harness) {
				h.store.AddRouter(&domain.Router{ID: "router-bc", Country: "CA", RegionCode: "BC", Active: true})
			},
			router:  "router-bc",
			wantErr: domain.ErrNotEligible,
		},
		{
			name:    "unknown router",
			setup:   func(h *harness) {},
			router:  "nobody",
			wantErr: domain.ErrRouterNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(h)
			_, err := h.engine.Claim(ctx, tt.router, "job-1")
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	t.Run("draft job is not claimable", func(t *testing.T) {
		h := newHarness(t)
		draft := publishedJob("job-draft")
		draft.Status = domain.JobStatusDraft
		h.seedJob(t, draft)
		_, err := h.engine.Claim(ctx, "router-1", "job-draft")
		assert.ErrorIs(t, err, domain.ErrJobNotAvailable)
	})
}

func TestClaimAndDispatch(t *testing.T) {
	h := newHarness(t)

	res := h.dispatch(t, "c-1", "c-2", "c-1")

	assert.True(t, res.Claimed)
	assert.True(t, res.Job.ClaimedBy("router-1"))
	require.Len(t, res.Offers, 2)
	for _, o := range res.Offers {
		assert.False(t, o.Existing)
		assert.Len(t, o.Token, 43)
		assert.NotEqual(t, o.Token, o.Dispatch.TokenHash)
		assert.Equal(t, domain.DispatchPending, o.Dispatch.Status)
		assert.Equal(t, t0.Add(24*time.Hour), o.Dispatch.ExpiresAt)
	}

	var types []string
	for _, e := range h.store.Events() {
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{domain.EventJobClaimed, domain.EventDispatchCreated, domain.EventDispatchCreated}, types)
}

func TestClaimAndDispatch_RedispatchReturnsExisting(t *testing.T) {
	h := newHarness(t)
	first := h.dispatch(t, "c-1")

	again, err := h.engine.Dispatch(context.Background(), "router-1", "job-1", "c-1")
	require.NoError(t, err)
	require.Len(t, again.Offers, 1)
	assert.True(t, again.Offers[0].Existing)
	assert.Empty(t, again.Offers[0].Token)
	assert.Equal(t, first.Offers[0].Dispatch.ID, again.Offers[0].Dispatch.ID)
	assert.False(t, again.Claimed)
	assert.Len(t, h.offers(t, "job-1"), 1)
}

func TestClaimAndDispatch_OfferLimit(t *testing.T) {
	ctx := context.Background()

	t.Run("five targets fit", func(t *testing.T) {
		h := newHarness(t)
		res := h.dispatch(t, "c-1", "c-2", "c-3", "c-4", "c-5")
		assert.Len(t, res.Offers, 5)
	})

	t.Run("six targets in one call", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.engine.ClaimAndDispatch(ctx, "router-1", "job-1", []string{"c-1", "c-2", "c-3", "c-4", "c-5", "c-6"})
		assert.ErrorIs(t, err, domain.ErrOfferLimitReached)
		assert.Equal(t, domain.KindNotEligible, domain.KindOf(err))
	})

	t.Run("live offers count toward the cap", func(t *testing.T) {
		h := newHarness(t)
		h.dispatch(t, "c-1", "c-2", "c-3")

		_, err := h.engine.ClaimAndDispatch(ctx, "router-1", "job-1", []string{"c-4", "c-5", "c-6"})
		assert.ErrorIs(t, err, domain.ErrOfferLimitReached)
		assert.Len(t, h.offers(t, "job-1"), 3)

		res, err := h.engine.ClaimAndDispatch(ctx, "router-1", "job-1", []string{"c-4", "c-5"})
		require.NoError(t, err)
		assert.Len(t, res.Offers, 2)
	})

	t.Run("declined offers free a slot", func(t *testing.T) {
		h := newHarness(t)
		res := h.dispatch(t, "c-1", "c-2", "c-3", "c-4", "c-5")
		_, err := h.engine.Respond(ctx, res.Offers[0].Token, domain.DecisionDecline)
		require.NoError(t, err)

		_, err = h.engine.Dispatch(ctx, "router-1", "job-1", "c-6")
		require.NoError(t, err)
		_, err = h.engine.Dispatch(ctx, "router-1", "job-1", "c-7")
		assert.ErrorIs(t, err, domain.ErrOfferLimitReached)
	})
}

func TestClaimAndDispatch_Rejections(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		setup    func(t *testing.T, h *harness)
		router   string
		targets  []string
		wantErr  error
		wantKind domain.Kind
	}{
		{
			name:     "no targets",
			setup:    func(*testing.T, *harness) {},
			router:   "router-1",
			wantErr:  domain.ErrInvalidInput,
			wantKind: domain.KindInvalidInput,
		},
		{
			name:     "claimed by another router",
			setup:    func(t *testing.T, h *harness) { _, _ = h.engine.Claim(ctx, "router-2", "job-1") },
			router:   "router-1",
			targets:  []string{"c-1"},
			wantErr:  domain.ErrAlreadyRouted,
			wantKind: domain.KindConcurrencyLost,
		},
		{
			name: "pricing not locked",
			setup: func(t *testing.T, h *harness) {
				j := publishedJob("job-1")
				j.ContractorPayout = 0
				h.store = memory.New()
				h.engine.store = h.store
				h.store.AddRouter(&domain.Router{ID: "router-1", Country: "US", RegionCode: "WA", Active: true})
				h.store.AddContractor(contractor("c-1", 1))
				h.seedJob(t, j)
			},
			router:   "router-1",
			targets:  []string{"c-1"},
			wantErr:  domain.ErrPricingNotLocked,
			wantKind: domain.KindNotEligible,
		},
		{
			name: "contractor outside radius",
			setup: func(t *testing.T, h *harness) {
				h.store.AddContractor(contractor("far", 55))
			},
			router:   "router-1",
			targets:  []string{"c-1", "far"},
			wantErr:  domain.ErrNotEligible,
			wantKind: domain.KindNotEligible,
		},
		{
			name: "cross-jurisdiction contractor",
			setup: func(t *testing.T, h *harness) {
				c := contractor("bc", 10)
				c.Country, c.RegionCode = "CA", "BC"
				h.store.AddContractor(c)
			},
			router:   "router-1",
			targets:  []string{"bc"},
			wantErr:  domain.ErrNotEligible,
			wantKind: domain.KindNotEligible,
		},
		{
			name:     "unknown contractor",
			setup:    func(*testing.T, *harness) {},
			router:   "router-1",
			targets:  []string{"ghost"},
			wantErr:  domain.ErrContractorNotFound,
			wantKind: domain.KindNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(t, h)

			_, err := h.engine.ClaimAndDispatch(ctx, tt.router, "job-1", tt.targets)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.wantKind, domain.KindOf(err))
		})
	}

	t.Run("failed batch leaves the job unclaimed", func(t *testing.T) {
		h := newHarness(t)
		h.store.AddContractor(contractor("far", 55))

		_, err := h.engine.ClaimAndDispatch(ctx, "router-1", "job-1", []string{"c-1", "far"})
		require.ErrorIs(t, err, domain.ErrNotEligible)
		assert.Contains(t, err.Error(), "far")

		j := h.job(t, "job-1")
		assert.Equal(t, domain.RoutingUnrouted, j.RoutingStatus)
		assert.Nil(t, j.ClaimedByRouterID)
		assert.Empty(t, h.offers(t, "job-1"))
		assert.Empty(t, h.store.Events())
	})
}

func TestRespond_Decline(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	res := h.dispatch(t, "c-1", "c-2")

	resp, err := h.engine.Respond(ctx, res.Offers[0].Token, domain.DecisionDecline)
	require.NoError(t, err)
	assert.Equal(t, domain.DispatchDeclined, resp.Dispatch.Status)
	assert.Nil(t, resp.Acceptance)

	assert.Equal(t, map[string]domain.DispatchStatus{
		"c-1": domain.DispatchDeclined,
		"c-2": domain.DispatchPending,
	}, h.offers(t, "job-1"))
	assert.Equal(t, domain.JobStatusPublished, h.job(t, "job-1").Status)

	for _, d := range []domain.Decision{domain.DecisionDecline, domain.DecisionAccept} {
		_, err = h.engine.Respond(ctx, res.Offers[0].Token, d)
		assert.ErrorIs(t, err, domain.ErrAlreadyResponded, string(d))
	}
}

func TestRespond_Accept(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	res := h.dispatch(t, "c-1", "c-2", "c-3")

	resp, err := h.engine.Respond(ctx, res.Offers[1].Token, domain.DecisionAccept)
	require.NoError(t, err)
	acc := resp.Acceptance
	require.NotNil(t, acc)

	assert.Equal(t, domain.JobStatusAssigned, acc.Job.Status)
	assert.Equal(t, domain.PaymentCaptured, acc.Job.PaymentState)
	assert.True(t, acc.Captured)
	assert.Equal(t, "c-2", acc.Assignment.ContractorID)
	assert.Equal(t, "router-1", acc.Assignment.AssignedBy)
	assert.Len(t, acc.ExpiredOffers, 2)

	require.NotNil(t, acc.ContractorToken)
	require.NotNil(t, acc.CustomerToken)
	assert.Equal(t, acc.ContractorToken.Hash, *acc.Job.ContractorTokenHash)
	assert.Equal(t, acc.CustomerToken.Hash, *acc.Job.CustomerTokenHash)

	amount, ok := h.sandbox.Captured(authRef)
	require.True(t, ok)
	assert.Equal(t, int64(12500), amount)

	assert.Equal(t, map[string]domain.DispatchStatus{
		"c-1": domain.DispatchExpired,
		"c-2": domain.DispatchAccepted,
		"c-3": domain.DispatchExpired,
	}, h.offers(t, "job-1"))

	t.Run("replay is rejected", func(t *testing.T) {
		for _, d := range []domain.Decision{domain.DecisionAccept, domain.DecisionDecline} {
			_, err := h.engine.Respond(ctx, res.Offers[1].Token, d)
			assert.ErrorIs(t, err, domain.ErrAlreadyResponded)
		}
	})

	t.Run("losing offer reports job not available", func(t *testing.T) {
		_, err := h.engine.Respond(ctx, res.Offers[0].Token, domain.DecisionAccept)
		assert.ErrorIs(t, err, domain.ErrJobNotAvailable)
	})

	t.Run("no more offers once assigned", func(t *testing.T) {
		_, err := h.engine.Dispatch(ctx, "router-1", "job-1", "c-4")
		assert.ErrorIs(t, err, domain.ErrJobNotAvailable)
	})
}

func TestRespond_ConcurrentAccepts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	res := h.dispatch(t, "c-1", "c-2")

	var (
		wg   sync.WaitGroup
		errs = make([]error, len(res.Offers))
	)
	for i, o := range res.Offers {
		wg.Add(1)
		go func(i int, token string) {
			defer wg.Done()
			_, errs[i] = h.engine.Respond(ctx, token, domain.DecisionAccept)
		}(i, o.Token)
	}
	wg.Wait()

	var won, lost int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, domain.ErrJobNotAvailable):
			lost++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, 1, lost)

	amount, _ := h.sandbox.Captured(authRef)
	assert.Equal(t, int64(12500), amount)
}

func TestRespond_Expiry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	res := h.dispatch(t, "c-1")

	h.clock = t0.Add(24*time.Hour + time.Second)
	_, err := h.engine.Respond(ctx, res.Offers[0].Token, domain.DecisionAccept)
	require.ErrorIs(t, err, domain.ErrOfferExpired)
	assert.Equal(t, domain.KindExpired, domain.KindOf(err))

	assert.Equal(t, domain.DispatchExpired, h.offers(t, "job-1")["c-1"])
	assert.Equal(t, domain.JobStatusPublished, h.job(t, "job-1").Status)

	_, err = h.engine.Respond(ctx, res.Offers[0].Token, domain.DecisionDecline)
	assert.ErrorIs(t, err, domain.ErrAlreadyResponded)
}

func TestRespond_PaymentNotCapturable(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		setup    func(s *payment.Sandbox)
		wantKind domain.Kind
	}{
		{
			name:     "authorization lapsed",
			setup:    func(s *payment.Sandbox) { s.SetStatus(authRef, payment.AuthorizationExpired) },
			wantKind: domain.KindPaymentNotCapturable,
		},
		{
			name:     "capture declined",
			setup:    func(s *payment.Sandbox) { s.FailNextCapture(payment.ErrDeclined) },
			wantKind: domain.KindPaymentNotCapturable,
		},
		{
			name:     "processor unavailable",
			setup:    func(s *payment.Sandbox) { s.FailNextCapture(errors.New("connection reset")) },
			wantKind: domain.KindInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			res := h.dispatch(t, "c-1", "c-2")
			tt.setup(h.sandbox)

			_, err := h.engine.Respond(ctx, res.Offers[0].Token, domain.DecisionAccept)
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, domain.KindOf(err))

			j := h.job(t, "job-1")
			assert.Equal(t, domain.JobStatusPublished, j.Status)
			assert.Equal(t, domain.PaymentAuthorized, j.PaymentState)
			assert.Nil(t, j.ContractorTokenHash)
			assert.Nil(t, j.CustomerTokenHash)
			assert.Equal(t, map[string]domain.DispatchStatus{
				"c-1": domain.DispatchPending,
				"c-2": domain.DispatchPending,
			}, h.offers(t, "job-1"))
		})
	}
}

func TestRespond_BadInput(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.engine.Respond(ctx, "whatever", domain.Decision("MAYBE"))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = h.engine.Respond(ctx, "", domain.DecisionAccept)
	assert.ErrorIs(t, err, domain.ErrOfferNotFound)

	_, err = h.engine.Respond(ctx, "not-a-real-token", domain.DecisionAccept)
	assert.ErrorIs(t, err, domain.ErrOfferNotFound)
}

func TestAssignDirect(t *testing.T) {
	ctx := context.Background()
	admin := domain.Actor{ID: "admin-1", Role: domain.RoleAdmin}

	t.Run("admin assigns", func(t *testing.T) {
		h := newHarness(t)
		acc, err := h.engine.AssignDirect(ctx, admin, "job-1", "c-1")
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusAssigned, acc.Job.Status)
		assert.Equal(t, domain.RoutingRoutedByAdmin, acc.Job.RoutingStatus)
		assert.True(t, acc.Job.ClaimedBy("admin-1"))
		assert.True(t, acc.Job.RoutingConsistent())
		assert.Equal(t, "admin-1", acc.Assignment.AssignedBy)
		assert.True(t, acc.Captured)
	})

	t.Run("router role is refused", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.engine.AssignDirect(ctx, domain.Actor{ID: "router-1", Role: domain.RoleRouter}, "job-1", "c-1")
		assert.ErrorIs(t, err, domain.ErrForbidden)
	})

	t.Run("router already holds the job", func(t *testing.T) {
		h := newHarness(t)
		h.dispatch(t, "c-1")
		_, err := h.engine.AssignDirect(ctx, admin, "job-1", "c-2")
		assert.ErrorIs(t, err, domain.ErrAlreadyRouted)
	})

	t.Run("eligibility still applies", func(t *testing.T) {
		h := newHarness(t)
		h.store.AddContractor(contractor("far", 80))
		_, err := h.engine.AssignDirect(ctx, admin, "job-1", "far")
		assert.ErrorIs(t, err, domain.ErrNotEligible)
	})
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.dispatch(t, "c-1", "c-2")

	h.seedJob(t, publishedJob("job-2"))
	_, err := h.engine.Claim(ctx, "router-2", "job-2")
	require.NoError(t, err)

	h.clock = t0.Add(2 * time.Hour)
	res, err := h.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)

	// both offers lapse at 24h, and both routing deadlines have passed
	h.clock = t0.Add(25 * time.Hour)
	res, err = h.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{OffersExpired: 2, ClaimsReleased: 2}, res)

	for _, id := range []string{"job-1", "job-2"} {
		j := h.job(t, id)
		assert.Equal(t, domain.RoutingUnrouted, j.RoutingStatus, id)
		assert.Nil(t, j.ClaimedByRouterID, id)
	}
	assert.Equal(t, map[string]domain.DispatchStatus{
		"c-1": domain.DispatchExpired,
		"c-2": domain.DispatchExpired,
	}, h.offers(t, "job-1"))
}
