package dto

import "time"

type CreateJobRequest struct {
	ID                      string   `json:"id"`
	Country                 string   `json:"country" binding:"required"`
	RegionCode              string   `json:"region_code" binding:"required"`
	Latitude                *float64 `json:"latitude"`
	Longitude               *float64 `json:"longitude"`
	TradeCategory           string   `json:"trade_category" binding:"required"`
	JobType                 string   `json:"job_type" binding:"required,oneof=urban rural"`
	Currency                string   `json:"currency"`
	LaborAmount             int64    `json:"labor_amount" binding:"gte=0"`
	MaterialsAmount         int64    `json:"materials_amount" binding:"gte=0"`
	ContractorPayout        int64    `json:"contractor_payout" binding:"gte=0"`
	RouterEarning           int64    `json:"router_earning" binding:"gte=0"`
	PlatformFee             int64    `json:"platform_fee" binding:"gte=0"`
	TransactionFee          int64    `json:"transaction_fee" binding:"gte=0"`
	PaymentAuthorizationRef *string  `json:"payment_authorization_ref"`
	IsTest                  bool     `json:"is_test"`
}

type ListJobsRequest struct {
	Status        string `form:"status"`
	RoutingStatus string `form:"routing_status"`
	Country       string `form:"country"`
	RegionCode    string `form:"region_code"`
	PageSize      int    `form:"page_size"`
	Cursor        string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	ID                string     `json:"id"`
	Status            string     `json:"status"`
	RoutingStatus     string     `json:"routing_status"`
	Country           string     `json:"country"`
	RegionCode        string     `json:"region_code"`
	TradeCategory     string     `json:"trade_category"`
	JobType           string     `json:"job_type"`
	Currency          string     `json:"currency,omitempty"`
	LaborAmount       int64      `json:"labor_amount"`
	MaterialsAmount   int64      `json:"materials_amount"`
	ContractorPayout  int64      `json:"contractor_payout"`
	ClaimedByRouterID *string    `json:"claimed_by_router_id,omitempty"`
	RoutingDueAt      *time.Time `json:"routing_due_at,omitempty"`
	PaymentState      string     `json:"payment_state"`
	IsTest            bool       `json:"is_test"`
	Archived          bool       `json:"archived"`
	CreatedAt         string     `json:"created_at"`
	UpdatedAt         string     `json:"updated_at"`
}

type TransitionRequest struct {
	To         string `json:"to" binding:"required"`
	Resolution string `json:"resolution"`
}

type TransitionResponse struct {
	Job             JobDTO        `json:"job"`
	ContractorToken *TokenDTO     `json:"contractor_token,omitempty"`
	CustomerToken   *TokenDTO     `json:"customer_token,omitempty"`
	LedgerEntries   []LedgerEntry `json:"ledger_entries,omitempty"`
}

// TokenDTO carries a raw action token. It is only returned by the call that issued it.
type TokenDTO struct {
	Token     string    `json:"token"`
	Scope     string    `json:"scope"`
	ExpiresAt time.Time `json:"expires_at"`
}

type LedgerEntry struct {
	ID        string `json:"id"`
	OwnerType string `json:"owner_type"`
	OwnerID   string `json:"owner_id"`
	EntryType string `json:"entry_type"`
	Bucket    string `json:"bucket"`
	Amount    int64  `json:"amount"`
}

type ActionTokenRequest struct {
	Token string `json:"token" binding:"required"`
}

type ReviewRequest struct {
	Token   string `json:"token" binding:"required"`
	Approve *bool  `json:"approve" binding:"required"`
	Reason  string `json:"reason"`
}

type AppointmentRequest struct {
	ProposedFor time.Time `json:"proposed_for" binding:"required"`
}

type AppointmentDTO struct {
	ID           string    `json:"id"`
	JobID        string    `json:"job_id"`
	ContractorID string    `json:"contractor_id"`
	ProposedFor  time.Time `json:"proposed_for"`
}

type CandidateDTO struct {
	ContractorID string  `json:"contractor_id"`
	DistanceKm   float64 `json:"distance_km"`
	Busy         bool    `json:"busy"`
}

type PayoutDTO struct {
	ID               string    `json:"id"`
	JobID            string    `json:"job_id"`
	ContractorID     string    `json:"contractor_id"`
	Amount           int64     `json:"amount"`
	Currency         string    `json:"currency,omitempty"`
	ScheduledFor     time.Time `json:"scheduled_for"`
	Status           string    `json:"status"`
	AlreadyScheduled bool      `json:"already_scheduled"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}
