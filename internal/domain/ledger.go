package domain

import "time"

// OwnerType identifies whose account a ledger entry belongs to
type OwnerType string

const (
	OwnerContractor OwnerType = "CONTRACTOR"
	OwnerRouter     OwnerType = "ROUTER"
	OwnerPlatform   OwnerType = "PLATFORM"
)

// PlatformAccountID is the owner id used for platform ledger rows
const PlatformAccountID = "platform"

// EntryType is the financial meaning of a ledger entry
type EntryType string

const (
	EntryContractorEarning EntryType = "CONTRACTOR_EARNING"
	EntryRouterEarning     EntryType = "ROUTER_EARNING"
	EntryPlatformFee       EntryType = "PLATFORM_FEE"
	EntryTransactionFee    EntryType = "TRANSACTION_FEE"
)

// Bucket separates credit that is not yet withdrawable from credit that is
type Bucket string

const (
	BucketPending   Bucket = "PENDING"
	BucketAvailable Bucket = "AVAILABLE"
)

// Ledger directions
const (
	DirectionCredit = 1
	DirectionDebit  = -1
)

// LedgerEntry is an append-only financial fact
type LedgerEntry struct {
	ID        string    `db:"id"`
	OwnerType OwnerType `db:"owner_type"`
	OwnerID   string    `db:"owner_id"`
	JobID     string    `db:"job_id"`
	EntryType EntryType `db:"entry_type"`
	Bucket    Bucket    `db:"bucket"`
	Direction int       `db:"direction"`
	Amount    int64     `db:"amount"`
	Memo      string    `db:"memo"`
	CreatedAt time.Time `db:"created_at"`
}

// PayoutStatusScheduled is the only status a payout is created with
const PayoutStatusScheduled = "SCHEDULED"

// Payout is a scheduled disbursement of a job's contractor credit
type Payout struct {
	ID           string    `db:"id"`
	JobID        string    `db:"job_id"`
	ContractorID string    `db:"contractor_id"`
	Amount       int64     `db:"amount"`
	Currency     string    `db:"currency"`
	ScheduledFor time.Time `db:"scheduled_for"`
	Status       string    `db:"status"`
	CreatedAt    time.Time `db:"created_at"`
}
