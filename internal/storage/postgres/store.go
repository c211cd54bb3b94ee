// Package postgres implements storage.Store on PostgreSQL with sqlx.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/cuongbtq/jobrouter/internal/actiontoken"
	"github.com/cuongbtq/jobrouter/internal/domain"
	"github.com/cuongbtq/jobrouter/internal/storage"
	"github.com/cuongbtq/jobrouter/shared/postgresql"
)

var _ storage.Store = (*Store)(nil)

const uniqueViolation = "23505"

const jobColumns = `id, status, routing_status, country, region_code, latitude, longitude,
	trade_category, job_type, currency, labor_amount, materials_amount, contractor_payout,
	router_earning, platform_fee, transaction_fee, claimed_by_router_id, claimed_at, routed_at,
	first_routed_at, routing_due_at, contractor_token_hash, contractor_token_expires_at,
	customer_token_hash, customer_token_expires_at, payment_state, payment_authorization_ref,
	is_test, archived, created_at, updated_at`

const dispatchColumns = `id, job_id, contractor_id, router_id, token_hash, status, expires_at, responded_at, created_at`

const assignmentColumns = `id, job_id, contractor_id, assigned_by, status, completed_at, superseded_at, created_at`

const contractorSelect = `
	SELECT c.id, c.active, c.approved, c.trade_categories, c.automotive_capable,
		c.country, c.region_code, c.latitude, c.longitude, c.service_radius_km,
		(SELECT MAX(a.completed_at) FROM assignments a WHERE a.contractor_id = c.id) AS last_completed_at
	FROM contractors c`

// Store is a PostgreSQL backed storage.Store
type Store struct {
	db *sqlx.DB
}

// New creates a store on an open pool
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// WithTx implements storage.Store. Transactions run at READ COMMITTED; every
// conditional update re-checks its predicate against the latest row version.
func (s *Store) WithTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	opts := &sql.TxOptions{Isolation: sql.LevelReadCommitted}
	return postgresql.RunInTx(ctx, s.db, opts, func(tx *sqlx.Tx) error {
		return fn(&txStore{tx: tx})
	})
}

type txStore struct {
	tx *sqlx.Tx
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func affected(res sql.Result, err error, op string) (int64, error) {
	if err != nil {
		return 0, fmt.Errorf("failed to %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows for %s: %w", op, err)
	}
	return n, nil
}

func offerable() pq.StringArray {
	out := make(pq.StringArray, 0, len(domain.OfferableStatuses))
	for _, s := range domain.OfferableStatuses {
		out = append(out, string(s))
	}
	return out
}

// Jobs

func (t *txStore) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	var job domain.Job
	err := t.tx.GetContext(ctx, &job, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

func (t *txStore) InsertJob(ctx context.Context, job *domain.Job) error {
	query := `
		INSERT INTO jobs (` + jobColumns + `) VALUES (
			:id, :status, :routing_status, :country, :region_code, :latitude, :longitude,
			:trade_category, :job_type, :currency, :labor_amount, :materials_amount, :contractor_payout,
			:router_earning, :platform_fee, :transaction_fee, :claimed_by_router_id, :claimed_at, :routed_at,
			:first_routed_at, :routing_due_at, :contractor_token_hash, :contractor_token_expires_at,
			:customer_token_hash, :customer_token_expires_at, :payment_state, :payment_authorization_ref,
			:is_test, :archived, :created_at, :updated_at
		)`

	if _, err := t.tx.NamedExecContext(ctx, query, job); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicate
		}
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (t *txStore) ListJobs(ctx context.Context, filter storage.JobFilter) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.RoutingStatus != "" {
		query += fmt.Sprintf(" AND routing_status = $%d", argIdx)
		args = append(args, filter.RoutingStatus)
		argIdx++
	}

	if filter.Country != "" {
		query += fmt.Sprintf(" AND country = $%d", argIdx)
		args = append(args, filter.Country)
		argIdx++
	}

	if filter.RegionCode != "" {
		query += fmt.Sprintf(" AND region_code = $%d", argIdx)
		args = append(args, filter.RegionCode)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, id DESC"

	// one extra row tells the caller there is a next page
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var jobs []*domain.Job
	if err := t.tx.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

func (t *txStore) ClaimJob(ctx context.Context, jobID, routerID string, now, due time.Time) (int64, error) {
	query := `
		UPDATE jobs
		SET routing_status = 'ROUTED_BY_ROUTER',
			claimed_by_router_id = $2,
			claimed_at = $3,
			routed_at = $3,
			first_routed_at = COALESCE(first_routed_at, $3),
			routing_due_at = $4,
			updated_at = $3
		WHERE id = $1
			AND routing_status = 'UNROUTED'
			AND claimed_by_router_id IS NULL
			AND status = ANY($5)
			AND NOT archived`
	res, err := t.tx.ExecContext(ctx, query, jobID, routerID, now, due, offerable())
	return affected(res, err, "claim job")
}

func (t *txStore) TouchClaim(ctx context.Context, jobID, routerID string, now time.Time) (int64, error) {
	query := `
		UPDATE jobs
		SET routed_at = $3, updated_at = $3
		WHERE id = $1
			AND claimed_by_router_id = $2
			AND status = ANY($4)
			AND NOT archived`
	res, err := t.tx.ExecContext(ctx, query, jobID, routerID, now, offerable())
	return affected(res, err, "touch claim")
}

func (t *txStore) AssignJob(ctx context.Context, jobID, routerID string, now time.Time) (int64, error) {
	query := `
		UPDATE jobs
		SET status = 'ASSIGNED', updated_at = $3
		WHERE id = $1
			AND routing_status = 'ROUTED_BY_ROUTER'
			AND claimed_by_router_id = $2
			AND status = ANY($4)
			AND NOT archived`
	res, err := t.tx.ExecContext(ctx, query, jobID, routerID, now, offerable())
	return affected(res, err, "assign job")
}

func (t *txStore) AdminAssignJob(ctx context.Context, jobID, adminID string, now time.Time) (int64, error) {
	query := `
		UPDATE jobs
		SET status = 'ASSIGNED',
			routing_status = 'ROUTED_BY_ADMIN',
			claimed_by_router_id = $2,
			claimed_at = $3,
			routed_at = $3,
			first_routed_at = COALESCE(first_routed_at, $3),
			updated_at = $3
		WHERE id = $1
			AND routing_status = 'UNROUTED'
			AND claimed_by_router_id IS NULL
			AND status = ANY($4)
			AND NOT archived`
	res, err := t.tx.ExecContext(ctx, query, jobID, adminID, now, offerable())
	return affected(res, err, "admin assign job")
}

func (t *txStore) UpdateJobStatus(ctx context.Context, jobID string, from, to domain.JobStatus, now time.Time) (int64, error) {
	query := `
		UPDATE jobs
		SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2 AND NOT archived`
	res, err := t.tx.ExecContext(ctx, query, jobID, from, to, now)
	return affected(res, err, "update job status")
}

func (t *txStore) ArchiveJob(ctx context.Context, jobID string, now time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE jobs SET archived = TRUE, updated_at = $2 WHERE id = $1 AND NOT archived`,
		jobID, now)
	return affected(res, err, "archive job")
}

func tokenColumns(scope actiontoken.Scope) (hash, expires string, err error) {
	switch scope {
	case actiontoken.ScopeContractorComplete:
		return "contractor_token_hash", "contractor_token_expires_at", nil
	case actiontoken.ScopeCustomerReview:
		return "customer_token_hash", "customer_token_expires_at", nil
	}
	return "", "", fmt.Errorf("unknown token scope %q", scope)
}

func (t *txStore) SetActionToken(ctx context.Context, jobID string, scope actiontoken.Scope, hash string, expiresAt, now time.Time) (int64, error) {
	hashCol, expCol, err := tokenColumns(scope)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`
		UPDATE jobs
		SET %[1]s = $2, %[2]s = $3, updated_at = $4
		WHERE id = $1 AND %[1]s IS NULL`, hashCol, expCol)
	res, err := t.tx.ExecContext(ctx, query, jobID, hash, expiresAt, now)
	return affected(res, err, "set action token")
}

func (t *txStore) ConsumeActionToken(ctx context.Context, jobID string, scope actiontoken.Scope, hash string, now time.Time) (int64, error) {
	hashCol, expCol, err := tokenColumns(scope)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`
		UPDATE jobs
		SET %[1]s = NULL, %[2]s = NULL, updated_at = $3
		WHERE id = $1 AND %[1]s = $2`, hashCol, expCol)
	res, err := t.tx.ExecContext(ctx, query, jobID, hash, now)
	return affected(res, err, "consume action token")
}

func (t *txStore) SetPaymentState(ctx context.Context, jobID string, from, to domain.PaymentState, now time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE jobs SET payment_state = $3, updated_at = $4 WHERE id = $1 AND payment_state = $2`,
		jobID, from, to, now)
	return affected(res, err, "set payment state")
}

func (t *txStore) ReleaseLapsedClaims(ctx context.Context, now time.Time, limit int) ([]storage.ReleasedClaim, error) {
	query := `
		UPDATE jobs j
		SET routing_status = 'UNROUTED',
			claimed_by_router_id = NULL,
			claimed_at = NULL,
			routing_due_at = NULL,
			updated_at = $1
		FROM (
			SELECT id, claimed_by_router_id
			FROM jobs
			WHERE routing_status = 'ROUTED_BY_ROUTER'
				AND status = ANY($2)
				AND routing_due_at <= $1
				AND NOT EXISTS (
					SELECT 1 FROM dispatches d
					WHERE d.job_id = jobs.id AND d.status = 'PENDING' AND d.expires_at > $1
				)
			ORDER BY routing_due_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		) lapsed
		WHERE j.id = lapsed.id
		RETURNING j.id, lapsed.claimed_by_router_id AS router_id`

	var out []storage.ReleasedClaim
	if err := t.tx.SelectContext(ctx, &out, query, now, offerable(), limit); err != nil {
		return nil, fmt.Errorf("failed to release lapsed claims: %w", err)
	}
	return out, nil
}

// Dispatches

func (t *txStore) InsertDispatch(ctx context.Context, d *domain.Dispatch) error {
	query := `
		INSERT INTO dispatches (` + dispatchColumns + `)
		VALUES (:id, :job_id, :contractor_id, :router_id, :token_hash, :status, :expires_at, :responded_at, :created_at)`
	if _, err := t.tx.NamedExecContext(ctx, query, d); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicate
		}
		return fmt.Errorf("failed to create dispatch: %w", err)
	}
	return nil
}

func (t *txStore) GetDispatchByTokenHash(ctx context.Context, hash string) (*domain.Dispatch, error) {
	var d domain.Dispatch
	err := t.tx.GetContext(ctx, &d, `SELECT `+dispatchColumns+` FROM dispatches WHERE token_hash = $1`, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrOfferNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dispatch: %w", err)
	}
	return &d, nil
}

func (t *txStore) ListDispatches(ctx context.Context, jobID string) ([]*domain.Dispatch, error) {
	var out []*domain.Dispatch
	err := t.tx.SelectContext(ctx, &out,
		`SELECT `+dispatchColumns+` FROM dispatches WHERE job_id = $1 ORDER BY created_at, id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dispatches: %w", err)
	}
	return out, nil
}

func (t *txStore) CountLiveOffers(ctx context.Context, jobID string, now time.Time) (int, error) {
	var n int
	err := t.tx.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM dispatches WHERE job_id = $1 AND status = 'PENDING' AND expires_at > $2`,
		jobID, now)
	if err != nil {
		return 0, fmt.Errorf("failed to count live offers: %w", err)
	}
	return n, nil
}

func (t *txStore) FindLiveOffer(ctx context.Context, jobID, contractorID string, now time.Time) (*domain.Dispatch, error) {
	var d domain.Dispatch
	query := `
		SELECT ` + dispatchColumns + `
		FROM dispatches
		WHERE job_id = $1 AND contractor_id = $2 AND status = 'PENDING' AND expires_at > $3
		ORDER BY created_at DESC
		LIMIT 1`
	err := t.tx.GetContext(ctx, &d, query, jobID, contractorID, now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrOfferNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find live offer: %w", err)
	}
	return &d, nil
}

func (t *txStore) ResolveDispatch(ctx context.Context, id string, status domain.DispatchStatus, now time.Time) (int64, error) {
	query := `
		UPDATE dispatches
		SET status = $2,
			responded_at = CASE WHEN $2 = 'EXPIRED' THEN responded_at ELSE $3::timestamptz END
		WHERE id = $1 AND status = 'PENDING'`
	res, err := t.tx.ExecContext(ctx, query, id, status, now)
	return affected(res, err, "resolve dispatch")
}

func (t *txStore) ExpireCompetingOffers(ctx context.Context, jobID, keepID string, _ time.Time) ([]string, error) {
	var ids []string
	err := t.tx.SelectContext(ctx, &ids, `
		UPDATE dispatches
		SET status = 'EXPIRED'
		WHERE job_id = $1 AND id <> $2 AND status = 'PENDING'
		RETURNING id`, jobID, keepID)
	if err != nil {
		return nil, fmt.Errorf("failed to expire competing offers: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (t *txStore) ExpireStaleOffers(ctx context.Context, now time.Time, limit int) ([]*domain.Dispatch, error) {
	query := `
		UPDATE dispatches
		SET status = 'EXPIRED'
		WHERE id IN (
			SELECT id FROM dispatches
			WHERE status = 'PENDING' AND expires_at <= $1
			ORDER BY expires_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + dispatchColumns

	var out []*domain.Dispatch
	if err := t.tx.SelectContext(ctx, &out, query, now, limit); err != nil {
		return nil, fmt.Errorf("failed to expire stale offers: %w", err)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ExpiresAt.Before(out[b].ExpiresAt) })
	return out, nil
}

// Assignments

func (t *txStore) GetLiveAssignment(ctx context.Context, jobID string) (*domain.Assignment, error) {
	var a domain.Assignment
	err := t.tx.GetContext(ctx, &a,
		`SELECT `+assignmentColumns+` FROM assignments WHERE job_id = $1 AND superseded_at IS NULL`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrAssignmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assignment: %w", err)
	}
	return &a, nil
}

func (t *txStore) InsertAssignment(ctx context.Context, a *domain.Assignment) error {
	query := `
		INSERT INTO assignments (` + assignmentColumns + `)
		VALUES (:id, :job_id, :contractor_id, :assigned_by, :status, :completed_at, :superseded_at, :created_at)`
	if _, err := t.tx.NamedExecContext(ctx, query, a); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicate
		}
		return fmt.Errorf("failed to create assignment: %w", err)
	}
	return nil
}

func (t *txStore) SupersedeAssignment(ctx context.Context, id string, now time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE assignments SET superseded_at = $2 WHERE id = $1 AND superseded_at IS NULL`, id, now)
	return affected(res, err, "supersede assignment")
}

func (t *txStore) CompleteAssignment(ctx context.Context, id string, now time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE assignments SET status = 'COMPLETED', completed_at = $2
		WHERE id = $1 AND status = 'ASSIGNED' AND superseded_at IS NULL`, id, now)
	return affected(res, err, "complete assignment")
}

func (t *txStore) InsertAppointmentProposal(ctx context.Context, p *domain.AppointmentProposal) error {
	query := `
		INSERT INTO appointment_proposals (id, job_id, contractor_id, proposed_for, created_at)
		VALUES (:id, :job_id, :contractor_id, :proposed_for, :created_at)`
	if _, err := t.tx.NamedExecContext(ctx, query, p); err != nil {
		return fmt.Errorf("failed to create appointment proposal: %w", err)
	}
	return nil
}

// Accounts

type contractorRow struct {
	ID                string         `db:"id"`
	Active            bool           `db:"active"`
	Approved          bool           `db:"approved"`
	TradeCategories   pq.StringArray `db:"trade_categories"`
	AutomotiveCapable bool           `db:"automotive_capable"`
	Country           string         `db:"country"`
	RegionCode        string         `db:"region_code"`
	Latitude          *float64       `db:"latitude"`
	Longitude         *float64       `db:"longitude"`
	ServiceRadiusKm   *float64       `db:"service_radius_km"`
	LastCompletedAt   *time.Time     `db:"last_completed_at"`
}

func (r *contractorRow) toDomain() *domain.Contractor {
	return &domain.Contractor{
		ID:                r.ID,
		Active:            r.Active,
		Approved:          r.Approved,
		TradeCategories:   []string(r.TradeCategories),
		AutomotiveCapable: r.AutomotiveCapable,
		Country:           r.Country,
		RegionCode:        r.RegionCode,
		Latitude:          r.Latitude,
		Longitude:         r.Longitude,
		ServiceRadiusKm:   r.ServiceRadiusKm,
		LastCompletedAt:   r.LastCompletedAt,
	}
}

func (t *txStore) GetContractor(ctx context.Context, id string) (*domain.Contractor, error) {
	var row contractorRow
	err := t.tx.GetContext(ctx, &row, contractorSelect+` WHERE c.id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrContractorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contractor: %w", err)
	}
	return row.toDomain(), nil
}

func (t *txStore) GetRouter(ctx context.Context, id string) (*domain.Router, error) {
	var r domain.Router
	err := t.tx.GetContext(ctx, &r, `SELECT id, country, region_code, active FROM routers WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRouterNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get router: %w", err)
	}
	return &r, nil
}

func (t *txStore) ListCandidateContractors(ctx context.Context, category string) ([]*domain.Contractor, error) {
	var rows []contractorRow
	err := t.tx.SelectContext(ctx, &rows,
		contractorSelect+` WHERE c.active AND c.approved AND $1 = ANY(c.trade_categories) ORDER BY c.id`, category)
	if err != nil {
		return nil, fmt.Errorf("failed to list candidate contractors: %w", err)
	}
	out := make([]*domain.Contractor, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

func (t *txStore) BusyContractors(ctx context.Context, ids []string) (map[string]bool, error) {
	busy := make(map[string]bool)
	if len(ids) == 0 {
		return busy, nil
	}

	query := `
		SELECT DISTINCT a.contractor_id
		FROM assignments a
		JOIN jobs j ON j.id = a.job_id
		WHERE a.contractor_id = ANY($1)
			AND a.superseded_at IS NULL
			AND a.status = 'ASSIGNED'
			AND (
				j.status = 'IN_PROGRESS'
				OR (
					j.status = 'ASSIGNED'
					AND (
						SELECT p.contractor_id FROM appointment_proposals p
						WHERE p.job_id = j.id
						ORDER BY p.created_at DESC
						LIMIT 1
					) = a.contractor_id
				)
			)`

	var found []string
	if err := t.tx.SelectContext(ctx, &found, query, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("failed to compute busy contractors: %w", err)
	}
	for _, id := range found {
		busy[id] = true
	}
	return busy, nil
}

// Ledger

func (t *txStore) InsertPayout(ctx context.Context, p *domain.Payout) (bool, error) {
	query := `
		INSERT INTO payouts (id, job_id, contractor_id, amount, currency, scheduled_for, status, created_at)
		VALUES (:id, :job_id, :contractor_id, :amount, :currency, :scheduled_for, :status, :created_at)
		ON CONFLICT (job_id) DO NOTHING`
	res, err := t.tx.NamedExecContext(ctx, query, p)
	n, err := affected(res, err, "create payout")
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (t *txStore) GetPayoutByJob(ctx context.Context, jobID string) (*domain.Payout, error) {
	var p domain.Payout
	err := t.tx.GetContext(ctx, &p, `
		SELECT id, job_id, contractor_id, amount, currency, scheduled_for, status, created_at
		FROM payouts WHERE job_id = $1`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrPayoutNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payout: %w", err)
	}
	return &p, nil
}

func (t *txStore) InsertLedgerEntries(ctx context.Context, entries ...*domain.LedgerEntry) error {
	query := `
		INSERT INTO ledger_entries (id, owner_type, owner_id, job_id, entry_type, bucket, direction, amount, memo, created_at)
		VALUES (:id, :owner_type, :owner_id, :job_id, :entry_type, :bucket, :direction, :amount, :memo, :created_at)`
	for _, e := range entries {
		if _, err := t.tx.NamedExecContext(ctx, query, e); err != nil {
			return fmt.Errorf("failed to create ledger entry %s: %w", e.EntryType, err)
		}
	}
	return nil
}

func (t *txStore) ListLedgerEntries(ctx context.Context, jobID string) ([]*domain.LedgerEntry, error) {
	var out []*domain.LedgerEntry
	err := t.tx.SelectContext(ctx, &out, `
		SELECT id, owner_type, owner_id, job_id, entry_type, bucket, direction, amount, memo, created_at
		FROM ledger_entries WHERE job_id = $1 ORDER BY created_at, id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	return out, nil
}

// Events

func (t *txStore) AppendEvents(ctx context.Context, events ...domain.Event) error {
	query := `
		INSERT INTO outbox_events (id, event_type, job_id, actor_id, payload, occurred_at, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', $6, $6)`
	for _, e := range events {
		if e.Payload == nil {
			e.Payload = map[string]any{}
		}
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal event payload: %w", err)
		}
		if _, err := t.tx.ExecContext(ctx, query, e.ID, e.Type, e.JobID, e.ActorID, payload, e.OccurredAt); err != nil {
			return fmt.Errorf("failed to append event %s: %w", e.Type, err)
		}
	}
	return nil
}
