// Package jobs exposes the job lifecycle operations that sit outside the
// offer engine: status moves, completion and review through action tokens,
// archiving, appointments and candidate lookup.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/jobrouter/internal/domain"
	"github.com/cuongbtq/jobrouter/internal/eligibility"
	"github.com/cuongbtq/jobrouter/internal/ledger"
	"github.com/cuongbtq/jobrouter/internal/metrics"
	"github.com/cuongbtq/jobrouter/internal/storage"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Config holds action-token lifetimes for tokens issued by the service
type Config struct {
	ContractorTokenTTL time.Duration
	CustomerTokenTTL   time.Duration
}

// Service implements job operations on top of a store
type Service struct {
	store   storage.Store
	matcher *eligibility.Matcher
	ledger  *ledger.Coordinator
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a new jobs service. m may be nil.
func NewService(
	store storage.Store,
	matcher *eligibility.Matcher,
	coordinator *ledger.Coordinator,
	cfg Config,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Service {
	return &Service{
		store:   store,
		matcher: matcher,
		ledger:  coordinator,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Page is one page of a job listing
type Page struct {
	Jobs []*domain.Job
	Next *storage.JobCursor
}

// CreateJob stores a new DRAFT job
func (s *Service) CreateJob(ctx context.Context, actor domain.Actor, job *domain.Job) (*domain.Job, error) {
	if actor.Role != domain.RoleAdmin && actor.Role != domain.RoleSystem {
		return nil, fmt.Errorf("%w: %s may not create jobs", domain.ErrForbidden, actor.Role)
	}
	if strings.TrimSpace(job.Country) == "" || strings.TrimSpace(job.RegionCode) == "" {
		return nil, fmt.Errorf("%w: country and region are required", domain.ErrInvalidInput)
	}
	if job.TradeCategory == "" {
		return nil, fmt.Errorf("%w: trade category is required", domain.ErrInvalidInput)
	}
	if job.JobType != domain.JobTypeUrban && job.JobType != domain.JobTypeRural {
		return nil, fmt.Errorf("%w: job type must be %s or %s", domain.ErrInvalidInput, domain.JobTypeUrban, domain.JobTypeRural)
	}
	if !job.MoneyBalanced() {
		return nil, fmt.Errorf("%w: payout components do not add up to the labor amount", domain.ErrInvalidInput)
	}

	now := s.now()
	j := *job
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	j.Status = domain.JobStatusDraft
	j.RoutingStatus = domain.RoutingUnrouted
	j.ClaimedByRouterID = nil
	if j.PaymentState == "" {
		j.PaymentState = domain.PaymentNone
	}
	j.Archived = false
	j.CreatedAt = now
	j.UpdatedAt = now

	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		return tx.InsertJob(ctx, &j)
	})
	if err != nil {
		s.logger.Error("Failed to create job", slog.Any("error", err))
		return nil, err
	}

	s.logger.Info("Job created", slog.String("job_id", j.ID), slog.String("actor_id", actor.ID))
	return &j, nil
}

// GetJob returns a job by id
func (s *Service) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	var job *domain.Job
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		job, err = tx.GetJob(ctx, id)
		return err
	})
	return job, err
}

// ListJobs returns a page of jobs newest first
func (s *Service) ListJobs(ctx context.Context, filter storage.JobFilter) (*Page, error) {
	if filter.PageSize <= 0 {
		filter.PageSize = DefaultPageSize
	}
	if filter.PageSize > MaxPageSize {
		filter.PageSize = MaxPageSize
	}

	var jobs []*domain.Job
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		jobs, err = tx.ListJobs(ctx, filter)
		return err
	})
	if err != nil {
		return nil, err
	}

	page := &Page{Jobs: jobs}
	if len(jobs) > filter.PageSize {
		page.Jobs = jobs[:filter.PageSize]
		last := page.Jobs[len(page.Jobs)-1]
		page.Next = &storage.JobCursor{CreatedAt: last.CreatedAt, JobID: last.ID}
	}
	return page, nil
}

// Archive soft-archives a job. Archived jobs can no longer be offered or moved.
func (s *Service) Archive(ctx context.Context, actor domain.Actor, jobID string) error {
	if actor.Role != domain.RoleAdmin {
		return fmt.Errorf("%w: %s may not archive jobs", domain.ErrForbidden, actor.Role)
	}
	now := s.now()

	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.GetJob(ctx, jobID); err != nil {
			return err
		}
		n, err := tx.ArchiveJob(ctx, jobID, now)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: job %s is already archived", domain.ErrJobNotAvailable, jobID)
		}
		if _, err := tx.ExpireCompetingOffers(ctx, jobID, "", now); err != nil {
			return err
		}
		return tx.AppendEvents(ctx, domain.NewEvent(domain.EventJobArchived, jobID, actor.ID, now, nil))
	})

	s.logOutcome("Job archive", err, slog.String("job_id", jobID), slog.String("actor_id", actor.ID))
	return err
}

// ProposeAppointment records the assigned contractor's proposed visit time
func (s *Service) ProposeAppointment(ctx context.Context, actor domain.Actor, jobID string, at time.Time) (*domain.AppointmentProposal, error) {
	if actor.Role != domain.RoleContractor {
		return nil, fmt.Errorf("%w: only the assigned contractor may propose appointments", domain.ErrForbidden)
	}
	now := s.now()
	if !at.After(now) {
		return nil, fmt.Errorf("%w: appointment must be in the future", domain.ErrInvalidInput)
	}

	var proposal *domain.AppointmentProposal
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		job, err := tx.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Archived || (job.Status != domain.JobStatusAssigned && job.Status != domain.JobStatusInProgress) {
			return fmt.Errorf("%w: job %s is %s", domain.ErrJobNotAvailable, jobID, job.Status)
		}
		assignment, err := tx.GetLiveAssignment(ctx, jobID)
		if err != nil {
			return err
		}
		if assignment.ContractorID != actor.ID {
			return fmt.Errorf("%w: job %s is assigned to another contractor", domain.ErrForbidden, jobID)
		}

		proposal = &domain.AppointmentProposal{
			ID:           uuid.New().String(),
			JobID:        jobID,
			ContractorID: actor.ID,
			ProposedFor:  at,
			CreatedAt:    now,
		}
		if err := tx.InsertAppointmentProposal(ctx, proposal); err != nil {
			return err
		}
		return tx.AppendEvents(ctx, domain.NewEvent(domain.EventAppointmentProposed, jobID, actor.ID, now, map[string]any{
			"proposed_for": at,
		}))
	})

	s.logOutcome("Appointment proposal", err, slog.String("job_id", jobID), slog.String("contractor_id", actor.ID))
	if err != nil {
		return nil, err
	}
	return proposal, nil
}

// EligibleContractors returns the ranked candidate pool for a job
func (s *Service) EligibleContractors(ctx context.Context, jobID string) ([]eligibility.Candidate, error) {
	var candidates []eligibility.Candidate
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		job, err := tx.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		pool, err := tx.ListCandidateContractors(ctx, job.TradeCategory)
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(pool))
		for _, c := range pool {
			ids = append(ids, c.ID)
		}
		busy, err := tx.BusyContractors(ctx, ids)
		if err != nil {
			return err
		}

		var rejected []eligibility.Result
		candidates, rejected = s.matcher.Match(job, pool, busy)
		s.logger.Debug("Eligibility evaluated",
			slog.String("job_id", jobID),
			slog.Int("pool", len(pool)),
			slog.Int("eligible", len(candidates)),
			slog.Int("rejected", len(rejected)),
		)
		return nil
	})
	return candidates, err
}

func (s *Service) logOutcome(op string, err error, attrs ...any) {
	if err == nil {
		s.logger.Info(op, attrs...)
		return
	}
	attrs = append(attrs, slog.Any("error", err))
	if domain.IsExpected(err) {
		s.logger.Warn(op+" rejected", attrs...)
		return
	}
	s.logger.Error(op+" failed", attrs...)
}

// liveAssignment is GetLiveAssignment with a missing assignment reported as ErrNoAssignment
func liveAssignment(ctx context.Context, tx storage.Tx, jobID string) (*domain.Assignment, error) {
	a, err := tx.GetLiveAssignment(ctx, jobID)
	if errors.Is(err, domain.ErrAssignmentNotFound) {
		return nil, fmt.Errorf("%w: job %s", domain.ErrNoAssignment, jobID)
	}
	return a, err
}
