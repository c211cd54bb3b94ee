package handler

import (
	"net/http"

	"github.com/cuongbtq/jobrouter/internal/api/dto"
	"github.com/cuongbtq/jobrouter/internal/dispatch"
	"github.com/cuongbtq/jobrouter/internal/domain"
	"github.com/gin-gonic/gin"
)

// Claim handles POST /api/v1/jobs/:job_id/claim
func (h *JobHandler) Claim(c *gin.Context) {
	actor, _ := ActorFrom(c)
	if actor.Role != domain.RoleRouter {
		h.respondError(c, "claim", domain.ErrForbidden)
		return
	}

	job, err := h.engine.Claim(c.Request.Context(), actor.ID, c.Param("job_id"))
	if err != nil {
		h.respondError(c, "claim", err)
		return
	}
	c.JSON(http.StatusOK, jobDTO(job))
}

// CreateOffers handles POST /api/v1/jobs/:job_id/offers. It claims the job
// for the calling router if needed and offers it to every listed contractor.
func (h *JobHandler) CreateOffers(c *gin.Context) {
	actor, _ := ActorFrom(c)
	if actor.Role != domain.RoleRouter {
		h.respondError(c, "create_offers", domain.ErrForbidden)
		return
	}

	var req dto.DispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "contractor_ids is required")
		return
	}

	res, err := h.engine.ClaimAndDispatch(c.Request.Context(), actor.ID, c.Param("job_id"), req.ContractorIDs)
	if err != nil {
		h.respondError(c, "create_offers", err)
		return
	}
	c.JSON(http.StatusCreated, dispatchResponse(res))
}

func dispatchResponse(res *dispatch.DispatchResult) dto.DispatchResponse {
	out := dto.DispatchResponse{
		Job:     jobDTO(res.Job),
		Claimed: res.Claimed,
		Offers:  make([]dto.OfferDTO, len(res.Offers)),
	}
	for i, o := range res.Offers {
		out.Offers[i] = offerDTO(o.Dispatch, o.Token, o.Existing)
	}
	return out
}

// ListOffers handles GET /api/v1/jobs/:job_id/offers
func (h *JobHandler) ListOffers(c *gin.Context) {
	offers, err := h.engine.ListOffers(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		h.respondError(c, "list_offers", err)
		return
	}

	out := make([]dto.OfferDTO, len(offers))
	for i, d := range offers {
		out[i] = offerDTO(d, "", false)
	}
	c.JSON(http.StatusOK, gin.H{"offers": out})
}

// RespondToOffer handles POST /api/v1/offers/respond. The offer token in the
// body is the contractor's only credential.
func (h *JobHandler) RespondToOffer(c *gin.Context) {
	var req dto.RespondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "token and decision are required")
		return
	}

	res, err := h.engine.Respond(c.Request.Context(), req.Token, domain.Decision(req.Decision))
	if err != nil {
		h.respondError(c, "respond", err)
		return
	}
	c.JSON(http.StatusOK, dto.RespondResponse{
		Offer:      offerDTO(res.Dispatch, "", false),
		Acceptance: acceptanceDTO(res.Acceptance),
	})
}

// AssignDirect handles POST /api/v1/jobs/:job_id/assign
func (h *JobHandler) AssignDirect(c *gin.Context) {
	actor, _ := ActorFrom(c)

	var req dto.AssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "contractor_id is required")
		return
	}

	res, err := h.engine.AssignDirect(c.Request.Context(), actor, c.Param("job_id"), req.ContractorID)
	if err != nil {
		h.respondError(c, "assign_direct", err)
		return
	}
	c.JSON(http.StatusOK, acceptanceDTO(res))
}
