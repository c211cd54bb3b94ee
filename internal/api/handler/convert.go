package handler

import (
	"time"

	"github.com/cuongbtq/jobrouter/internal/actiontoken"
	"github.com/cuongbtq/jobrouter/internal/api/dto"
	"github.com/cuongbtq/jobrouter/internal/dispatch"
	"github.com/cuongbtq/jobrouter/internal/domain"
)

func jobDTO(j *domain.Job) dto.JobDTO {
	return dto.JobDTO{
		ID:                j.ID,
		Status:            string(j.Status),
		RoutingStatus:     string(j.RoutingStatus),
		Country:           j.Country,
		RegionCode:        j.RegionCode,
		TradeCategory:     j.TradeCategory,
		JobType:           j.JobType,
		Currency:          j.Currency,
		LaborAmount:       j.LaborAmount,
		MaterialsAmount:   j.MaterialsAmount,
		ContractorPayout:  j.ContractorPayout,
		ClaimedByRouterID: j.ClaimedByRouterID,
		RoutingDueAt:      j.RoutingDueAt,
		PaymentState:      string(j.PaymentState),
		IsTest:            j.IsTest,
		Archived:          j.Archived,
		CreatedAt:         j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:         j.UpdatedAt.Format(time.RFC3339),
	}
}

func tokenDTO(t *actiontoken.Token) *dto.TokenDTO {
	if t == nil {
		return nil
	}
	return &dto.TokenDTO{Token: t.Secret, Scope: string(t.Scope), ExpiresAt: t.ExpiresAt}
}

func offerDTO(d *domain.Dispatch, token string, existing bool) dto.OfferDTO {
	return dto.OfferDTO{
		ID:           d.ID,
		JobID:        d.JobID,
		ContractorID: d.ContractorID,
		RouterID:     d.RouterID,
		Status:       string(d.Status),
		ExpiresAt:    d.ExpiresAt,
		RespondedAt:  d.RespondedAt,
		Token:        token,
		Existing:     existing,
	}
}

func acceptanceDTO(a *dispatch.Acceptance) *dto.AcceptanceDTO {
	if a == nil {
		return nil
	}
	out := &dto.AcceptanceDTO{
		Job:             jobDTO(a.Job),
		ContractorToken: tokenDTO(a.ContractorToken),
		CustomerToken:   tokenDTO(a.CustomerToken),
		ExpiredOffers:   a.ExpiredOffers,
		Captured:        a.Captured,
	}
	if a.Assignment != nil {
		out.AssignmentID = a.Assignment.ID
		out.ContractorID = a.Assignment.ContractorID
	}
	return out
}

func ledgerDTOs(entries []*domain.LedgerEntry) []dto.LedgerEntry {
	out := make([]dto.LedgerEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, dto.LedgerEntry{
			ID:        e.ID,
			OwnerType: string(e.OwnerType),
			OwnerID:   e.OwnerID,
			EntryType: string(e.EntryType),
			Bucket:    string(e.Bucket),
			Amount:    e.Amount,
		})
	}
	return out
}
