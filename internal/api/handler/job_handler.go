package handler

import (
	"log/slog"
	"net/http"

	"github.com/cuongbtq/jobrouter/internal/api/dto"
	"github.com/cuongbtq/jobrouter/internal/domain"
	"github.com/cuongbtq/jobrouter/internal/storage"
	"github.com/gin-gonic/gin"
)

// CreateJob handles POST /api/v1/jobs
func (h *JobHandler) CreateJob(c *gin.Context) {
	actor, _ := ActorFrom(c)

	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		badRequest(c, "Invalid request body")
		return
	}

	job, err := h.jobs.CreateJob(c.Request.Context(), actor, &domain.Job{
		ID:                      req.ID,
		Country:                 req.Country,
		RegionCode:              req.RegionCode,
		Latitude:                req.Latitude,
		Longitude:               req.Longitude,
		TradeCategory:           req.TradeCategory,
		JobType:                 req.JobType,
		Currency:                req.Currency,
		LaborAmount:             req.LaborAmount,
		MaterialsAmount:         req.MaterialsAmount,
		ContractorPayout:        req.ContractorPayout,
		RouterEarning:           req.RouterEarning,
		PlatformFee:             req.PlatformFee,
		TransactionFee:          req.TransactionFee,
		PaymentAuthorizationRef: req.PaymentAuthorizationRef,
		PaymentState:            paymentStateFor(req.PaymentAuthorizationRef),
		IsTest:                  req.IsTest,
	})
	if err != nil {
		h.respondError(c, "create_job", err)
		return
	}

	c.JSON(http.StatusCreated, jobDTO(job))
}

func paymentStateFor(ref *string) domain.PaymentState {
	if ref != nil && *ref != "" {
		return domain.PaymentAuthorized
	}
	return domain.PaymentNone
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	job, err := h.jobs.GetJob(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		h.respondError(c, "get_job", err)
		return
	}
	c.JSON(http.StatusOK, jobDTO(job))
}

// ListJobs handles GET /api/v1/jobs
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		badRequest(c, "Invalid query parameters")
		return
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.respondError(c, "list_jobs", err)
		return
	}

	page, err := h.jobs.ListJobs(c.Request.Context(), storage.JobFilter{
		Status:        domain.JobStatus(req.Status),
		RoutingStatus: domain.RoutingStatus(req.RoutingStatus),
		Country:       req.Country,
		RegionCode:    req.RegionCode,
		PageSize:      req.PageSize,
		Cursor:        cursor,
	})
	if err != nil {
		h.respondError(c, "list_jobs", err)
		return
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, len(page.Jobs))}
	for i, job := range page.Jobs {
		resp.Jobs[i] = jobDTO(job)
	}
	if page.Next != nil {
		resp.NextCursor = EncodeJobCursor(page.Next)
	}
	c.JSON(http.StatusOK, resp)
}

// Transition handles POST /api/v1/jobs/:job_id/transitions
func (h *JobHandler) Transition(c *gin.Context) {
	actor, _ := ActorFrom(c)

	var req dto.TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	res, err := h.jobs.Transition(c.Request.Context(), actor, c.Param("job_id"), domain.JobStatus(req.To), req.Resolution)
	if err != nil {
		h.respondError(c, "transition", err)
		return
	}
	c.JSON(http.StatusOK, transitionResponse(res.Job, res.ContractorToken, res.CustomerToken, res.LedgerEntries))
}

// Archive handles DELETE /api/v1/jobs/:job_id
func (h *JobHandler) Archive(c *gin.Context) {
	actor, _ := ActorFrom(c)

	if err := h.jobs.Archive(c.Request.Context(), actor, c.Param("job_id")); err != nil {
		h.respondError(c, "archive", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Candidates handles GET /api/v1/jobs/:job_id/candidates
func (h *JobHandler) Candidates(c *gin.Context) {
	candidates, err := h.jobs.EligibleContractors(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		h.respondError(c, "candidates", err)
		return
	}

	out := make([]dto.CandidateDTO, len(candidates))
	for i, cand := range candidates {
		out[i] = dto.CandidateDTO{
			ContractorID: cand.Contractor.ID,
			DistanceKm:   cand.DistanceKm,
			Busy:         cand.Busy,
		}
	}
	c.JSON(http.StatusOK, gin.H{"candidates": out})
}

// ProposeAppointment handles POST /api/v1/jobs/:job_id/appointments
func (h *JobHandler) ProposeAppointment(c *gin.Context) {
	actor, _ := ActorFrom(c)

	var req dto.AppointmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	p, err := h.jobs.ProposeAppointment(c.Request.Context(), actor, c.Param("job_id"), req.ProposedFor)
	if err != nil {
		h.respondError(c, "propose_appointment", err)
		return
	}
	c.JSON(http.StatusCreated, dto.AppointmentDTO{
		ID:           p.ID,
		JobID:        p.JobID,
		ContractorID: p.ContractorID,
		ProposedFor:  p.ProposedFor,
	})
}

// SchedulePayout handles POST /api/v1/jobs/:job_id/payout. The worker does
// this on approval; the endpoint lets an admin retry a job by hand.
func (h *JobHandler) SchedulePayout(c *gin.Context) {
	actor, _ := ActorFrom(c)
	if actor.Role != domain.RoleAdmin {
		h.respondError(c, "schedule_payout", domain.ErrForbidden)
		return
	}

	res, err := h.ledger.ScheduleContractorPayout(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		h.respondError(c, "schedule_payout", err)
		return
	}

	status := http.StatusCreated
	if res.AlreadyScheduled {
		status = http.StatusOK
	}
	p := res.Payout
	c.JSON(status, dto.PayoutDTO{
		ID:               p.ID,
		JobID:            p.JobID,
		ContractorID:     p.ContractorID,
		Amount:           p.Amount,
		Currency:         p.Currency,
		ScheduledFor:     p.ScheduledFor,
		Status:           p.Status,
		AlreadyScheduled: res.AlreadyScheduled,
	})
}
