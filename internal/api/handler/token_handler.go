package handler

import (
	"net/http"

	"github.com/cuongbtq/jobrouter/internal/actiontoken"
	"github.com/cuongbtq/jobrouter/internal/api/dto"
	"github.com/cuongbtq/jobrouter/internal/domain"
	"github.com/gin-gonic/gin"
)

// ContractorComplete handles POST /api/v1/jobs/:job_id/complete.
// The body carries the contractor action token; no actor header is needed.
func (h *JobHandler) ContractorComplete(c *gin.Context) {
	var req dto.ActionTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "token is required")
		return
	}

	res, err := h.jobs.ContractorComplete(c.Request.Context(), c.Param("job_id"), req.Token)
	if err != nil {
		h.respondError(c, "contractor_complete", err)
		return
	}
	c.JSON(http.StatusOK, transitionResponse(res.Job, res.ContractorToken, res.CustomerToken, res.LedgerEntries))
}

// CustomerReview handles POST /api/v1/jobs/:job_id/review
func (h *JobHandler) CustomerReview(c *gin.Context) {
	var req dto.ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "token and approve are required")
		return
	}

	res, err := h.jobs.CustomerReview(c.Request.Context(), c.Param("job_id"), req.Token, *req.Approve, req.Reason)
	if err != nil {
		h.respondError(c, "customer_review", err)
		return
	}
	c.JSON(http.StatusOK, transitionResponse(res.Job, res.ContractorToken, res.CustomerToken, res.LedgerEntries))
}

func transitionResponse(job *domain.Job, contractor, customer *actiontoken.Token, entries []*domain.LedgerEntry) dto.TransitionResponse {
	resp := dto.TransitionResponse{
		Job:             jobDTO(job),
		ContractorToken: tokenDTO(contractor),
		CustomerToken:   tokenDTO(customer),
	}
	if len(entries) > 0 {
		resp.LedgerEntries = ledgerDTOs(entries)
	}
	return resp
}
