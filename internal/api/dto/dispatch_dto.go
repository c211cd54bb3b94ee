package dto

import "time"

type DispatchRequest struct {
	ContractorIDs []string `json:"contractor_ids" binding:"required"`
}

type DispatchResponse struct {
	Job     JobDTO     `json:"job"`
	Claimed bool       `json:"claimed"`
	Offers  []OfferDTO `json:"offers"`
}

type OfferDTO struct {
	ID           string     `json:"id"`
	JobID        string     `json:"job_id"`
	ContractorID string     `json:"contractor_id"`
	RouterID     string     `json:"router_id"`
	Status       string     `json:"status"`
	ExpiresAt    time.Time  `json:"expires_at"`
	RespondedAt  *time.Time `json:"responded_at,omitempty"`
	// Token is only set on the call that created the offer
	Token    string `json:"token,omitempty"`
	Existing bool   `json:"existing,omitempty"`
}

type RespondRequest struct {
	Token    string `json:"token" binding:"required"`
	Decision string `json:"decision" binding:"required,oneof=ACCEPT DECLINE"`
}

type RespondResponse struct {
	Offer      OfferDTO       `json:"offer"`
	Acceptance *AcceptanceDTO `json:"acceptance,omitempty"`
}

type AssignRequest struct {
	ContractorID string `json:"contractor_id" binding:"required"`
}

type AcceptanceDTO struct {
	Job             JobDTO    `json:"job"`
	AssignmentID    string    `json:"assignment_id"`
	ContractorID    string    `json:"contractor_id"`
	ContractorToken *TokenDTO `json:"contractor_token,omitempty"`
	CustomerToken   *TokenDTO `json:"customer_token,omitempty"`
	ExpiredOffers   []string  `json:"expired_offers,omitempty"`
	Captured        bool      `json:"captured"`
}
