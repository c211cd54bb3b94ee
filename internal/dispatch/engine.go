// Package dispatch implements claiming, offering, accepting and expiring offers
// of jobs to contractors. Every operation runs in one store transaction and
// resolves races with conditional updates.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobrouter/internal/actiontoken"
	"github.com/cuongbtq/jobrouter/internal/domain"
	"github.com/cuongbtq/jobrouter/internal/eligibility"
	"github.com/cuongbtq/jobrouter/internal/metrics"
	"github.com/cuongbtq/jobrouter/internal/payment"
	"github.com/cuongbtq/jobrouter/internal/storage"
)

// Config holds the engine's timing and limits
type Config struct {
	OfferTTL           time.Duration
	MaxLiveOffers      int
	RoutingSLA         time.Duration
	ContractorTokenTTL time.Duration
	CustomerTokenTTL   time.Duration
	SweepBatchSize     int
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		OfferTTL:           24 * time.Hour,
		MaxLiveOffers:      5,
		RoutingSLA:         4 * time.Hour,
		ContractorTokenTTL: 30 * 24 * time.Hour,
		CustomerTokenTTL:   30 * 24 * time.Hour,
		SweepBatchSize:     500,
	}
}

// Engine coordinates routers, contractors and the payment processor around offers
type Engine struct {
	store    storage.Store
	matcher  *eligibility.Matcher
	payments payment.Processor
	cfg      Config
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine creates a new dispatch engine. m may be nil.
func NewEngine(
	store storage.Store,
	matcher *eligibility.Matcher,
	payments payment.Processor,
	cfg Config,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		store:    store,
		matcher:  matcher,
		payments: payments,
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Offer is one offer in a dispatch result. Token is the raw secret and is only
// set for offers created by this call.
type Offer struct {
	Dispatch *domain.Dispatch
	Token    string
	Existing bool
}

// DispatchResult is returned by Dispatch and ClaimAndDispatch
type DispatchResult struct {
	Job     *domain.Job
	Claimed bool
	Offers  []Offer
}

// Acceptance is what an accepted offer or a direct assignment produced.
// Tokens are set only when this call issued them.
type Acceptance struct {
	Job             *domain.Job
	Assignment      *domain.Assignment
	ContractorToken *actiontoken.Token
	CustomerToken   *actiontoken.Token
	ExpiredOffers   []string
	Captured        bool
}

// Response is returned by Respond
type Response struct {
	Dispatch   *domain.Dispatch
	Acceptance *Acceptance
}

// logOutcome logs one line per operation: Warn for typed business outcomes and
// Error for infrastructure failures
func (e *Engine) logOutcome(op string, err error, attrs ...any) {
	if err == nil {
		e.logger.Info(op, attrs...)
		return
	}
	attrs = append(attrs, slog.Any("error", err))
	if domain.IsExpected(err) {
		e.logger.Warn(op+" rejected", append(attrs, slog.String("kind", string(domain.KindOf(err))))...)
		return
	}
	e.logger.Error(op+" failed", attrs...)
}

// loadRouter checks the router exists, is active and shares the job's jurisdiction
func loadRouter(ctx context.Context, tx storage.Tx, routerID string, job *domain.Job) (*domain.Router, error) {
	router, err := tx.GetRouter(ctx, routerID)
	if err != nil {
		return nil, err
	}
	if !router.Active {
		return nil, fmt.Errorf("%w: router %s is inactive", domain.ErrForbidden, routerID)
	}
	if !eligibility.SameJurisdiction(router.Country, router.RegionCode, job.Country, job.RegionCode) {
		return nil, fmt.Errorf("%w: router %s outside job jurisdiction %s/%s",
			domain.ErrNotEligible, routerID, job.Country, job.RegionCode)
	}
	return router, nil
}

// checkOfferable returns ErrJobNotAvailable for archived jobs and jobs outside
// the offerable statuses
func checkOfferable(job *domain.Job) error {
	if job.Archived || !domain.IsOfferable(job.Status) {
		return fmt.Errorf("%w: job %s is %s", domain.ErrJobNotAvailable, job.ID, job.Status)
	}
	return nil
}

// claimOrTouch takes the job row lock for routerID. An UNROUTED job is claimed,
// a job already claimed by routerID is touched and any other claimant fails.
func (e *Engine) claimOrTouch(ctx context.Context, tx storage.Tx, job *domain.Job, routerID string, now time.Time) (bool, error) {
	switch {
	case job.RoutingStatus == domain.RoutingUnrouted && job.ClaimedByRouterID == nil:
		n, err := tx.ClaimJob(ctx, job.ID, routerID, now, now.Add(e.cfg.RoutingSLA))
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, domain.ErrAlreadyClaimed
		}
		return true, tx.AppendEvents(ctx, domain.NewEvent(domain.EventJobClaimed, job.ID, routerID, now, map[string]any{
			"routing_due_at": now.Add(e.cfg.RoutingSLA),
		}))
	case job.RoutingStatus == domain.RoutingRoutedByRouter && job.ClaimedBy(routerID):
		n, err := tx.TouchClaim(ctx, job.ID, routerID, now)
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, domain.ErrJobNotAvailable
		}
		return false, nil
	default:
		return false, domain.ErrAlreadyRouted
	}
}
