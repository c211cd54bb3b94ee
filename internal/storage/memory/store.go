// Package memory is an in-process implementation of storage.Store.
//
// Transactions are serialized behind one mutex and run against a copy of the
// state that replaces the live state only on commit. That gives the same
// observable semantics as the Postgres store under row-level conditional
// updates, which is what the engine relies on. Intended for tests and local
// development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/jobrouter/internal/actiontoken"
	"github.com/cuongbtq/jobrouter/internal/domain"
	"github.com/cuongbtq/jobrouter/internal/storage"
)

var _ storage.Store = (*Store)(nil)

type outboxRow struct {
	entry       domain.OutboxEntry
	nextRetryAt *time.Time
	publishedAt *time.Time
	lastError   string
	updatedAt   time.Time
}

type state struct {
	jobs        map[string]*domain.Job
	dispatches  map[string]*domain.Dispatch
	assignments map[string]*domain.Assignment
	proposals   []*domain.AppointmentProposal
	contractors map[string]*domain.Contractor
	routers     map[string]*domain.Router
	payouts     map[string]*domain.Payout // key: job id
	ledger      []*domain.LedgerEntry
	outbox      []*outboxRow
}

func newState() *state {
	return &state{
		jobs:        make(map[string]*domain.Job),
		dispatches:  make(map[string]*domain.Dispatch),
		assignments: make(map[string]*domain.Assignment),
		contractors: make(map[string]*domain.Contractor),
		routers:     make(map[string]*domain.Router),
		payouts:     make(map[string]*domain.Payout),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.jobs {
		cp := *v
		c.jobs[k] = &cp
	}
	for k, v := range s.dispatches {
		cp := *v
		c.dispatches[k] = &cp
	}
	for k, v := range s.assignments {
		cp := *v
		c.assignments[k] = &cp
	}
	for k, v := range s.contractors {
		cp := *v
		c.contractors[k] = &cp
	}
	for k, v := range s.routers {
		cp := *v
		c.routers[k] = &cp
	}
	for k, v := range s.payouts {
		cp := *v
		c.payouts[k] = &cp
	}
	c.proposals = append(c.proposals, s.proposals...)
	c.ledger = append(c.ledger, s.ledger...)
	for _, r := range s.outbox {
		cp := *r
		c.outbox = append(c.outbox, &cp)
	}
	return c
}

// Store is safe for concurrent use
type Store struct {
	mu   sync.Mutex
	data *state
}

// New returns an empty store
func New() *Store {
	return &Store{data: newState()}
}

// WithTx implements storage.Store
func (m *Store) WithTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.data.clone()
	if err := fn(&tx{s: work}); err != nil {
		return err
	}
	m.data = work
	return nil
}

// AddContractor seeds a contractor
func (m *Store) AddContractor(c *domain.Contractor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.data.contractors[c.ID] = &cp
}

// AddRouter seeds a router
func (m *Store) AddRouter(r *domain.Router) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.data.routers[r.ID] = &cp
}

// Events returns every event written to the outbox, oldest first
func (m *Store) Events() []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Event, 0, len(m.data.outbox))
	for _, r := range m.data.outbox {
		out = append(out, r.entry.Event)
	}
	return out
}

// OutboxStatus returns the relay status of an event
func (m *Store) OutboxStatus(id string) (string, int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.data.outbox {
		if r.entry.ID == id {
			return r.entry.Status, r.entry.RetryCount, true
		}
	}
	return "", 0, false
}

// Outbox

// FetchPendingEvents implements storage.Outbox
func (m *Store) FetchPendingEvents(_ context.Context, limit int, now time.Time) ([]domain.OutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.OutboxEntry
	for _, r := range m.data.outbox {
		if len(out) >= limit {
			break
		}
		if r.entry.Status != domain.OutboxPending {
			continue
		}
		if r.nextRetryAt != nil && r.nextRetryAt.After(now) {
			continue
		}
		r.entry.Status = domain.OutboxPublishing
		r.updatedAt = now
		out = append(out, r.entry)
	}
	return out, nil
}

// MarkEventPublished implements storage.Outbox
func (m *Store) MarkEventPublished(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.data.findOutbox(id)
	if r == nil {
		return domain.ErrEventNotFound
	}
	r.entry.Status = domain.OutboxPublished
	r.publishedAt = &now
	r.updatedAt = now
	return nil
}

// MarkEventFailed implements storage.Outbox
func (m *Store) MarkEventFailed(_ context.Context, id, reason string, maxRetries int, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.data.findOutbox(id)
	if r == nil {
		return domain.ErrEventNotFound
	}
	r.entry.RetryCount++
	r.lastError = reason
	r.updatedAt = now
	if r.entry.RetryCount >= maxRetries {
		r.entry.Status = domain.OutboxFailed
		r.nextRetryAt = nil
		return nil
	}
	next := now.Add(time.Minute << (r.entry.RetryCount - 1))
	r.entry.Status = domain.OutboxPending
	r.nextRetryAt = &next
	return nil
}

// ResetStaleEvents implements storage.Outbox
func (m *Store) ResetStaleEvents(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, r := range m.data.outbox {
		if r.entry.Status == domain.OutboxPublishing && r.updatedAt.Before(olderThan) {
			r.entry.Status = domain.OutboxPending
			n++
		}
	}
	return n, nil
}

func (s *state) findOutbox(id string) *outboxRow {
	for _, r := range s.outbox {
		if r.entry.ID == id {
			return r
		}
	}
	return nil
}

// tx operates on a private copy of the state
type tx struct {
	s *state
}

// Jobs

func (t *tx) GetJob(_ context.Context, id string) (*domain.Job, error) {
	j, ok := t.s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (t *tx) InsertJob(_ context.Context, job *domain.Job) error {
	if _, ok := t.s.jobs[job.ID]; ok {
		return domain.ErrDuplicate
	}
	cp := *job
	t.s.jobs[job.ID] = &cp
	return nil
}

func (t *tx) ListJobs(_ context.Context, f storage.JobFilter) ([]*domain.Job, error) {
	var out []*domain.Job
	for _, j := range t.s.jobs {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.RoutingStatus != "" && j.RoutingStatus != f.RoutingStatus {
			continue
		}
		if f.Country != "" && j.Country != f.Country {
			continue
		}
		if f.RegionCode != "" && j.RegionCode != f.RegionCode {
			continue
		}
		if f.Cursor != nil && !before(j, f.Cursor) {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}

	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.After(out[b].CreatedAt)
		}
		return out[a].ID > out[b].ID
	})

	if f.PageSize > 0 && len(out) > f.PageSize+1 {
		out = out[:f.PageSize+1]
	}
	return out, nil
}

// before reports whether j sorts after the cursor in a newest-first listing
func before(j *domain.Job, c *storage.JobCursor) bool {
	if j.CreatedAt.Equal(c.CreatedAt) {
		return j.ID < c.JobID
	}
	return j.CreatedAt.Before(c.CreatedAt)
}

func (t *tx) ClaimJob(_ context.Context, jobID, routerID string, now, due time.Time) (int64, error) {
	j, ok := t.s.jobs[jobID]
	if !ok || j.Archived || !domain.IsOfferable(j.Status) ||
		j.RoutingStatus != domain.RoutingUnrouted || j.ClaimedByRouterID != nil {
		return 0, nil
	}
	j.RoutingStatus = domain.RoutingRoutedByRouter
	j.ClaimedByRouterID = &routerID
	j.ClaimedAt = &now
	j.RoutedAt = &now
	if j.FirstRoutedAt == nil {
		j.FirstRoutedAt = &now
	}
	j.RoutingDueAt = &due
	j.UpdatedAt = now
	return 1, nil
}

func (t *tx) TouchClaim(_ context.Context, jobID, routerID string, now time.Time) (int64, error) {
	j, ok := t.s.jobs[jobID]
	if !ok || j.Archived || !domain.IsOfferable(j.Status) || !j.ClaimedBy(routerID) {
		return 0, nil
	}
	j.RoutedAt = &now
	j.UpdatedAt = now
	return 1, nil
}

func (t *tx) AssignJob(_ context.Context, jobID, routerID string, now time.Time) (int64, error) {
	j, ok := t.s.jobs[jobID]
	if !ok || j.Archived || !domain.IsOfferable(j.Status) ||
		j.RoutingStatus != domain.RoutingRoutedByRouter || !j.ClaimedBy(routerID) {
		return 0, nil
	}
	j.Status = domain.JobStatusAssigned
	j.UpdatedAt = now
	return 1, nil
}

func (t *tx) AdminAssignJob(_ context.Context, jobID, adminID string, now time.Time) (int64, error) {
	j, ok := t.s.jobs[jobID]
	if !ok || j.Archived || !domain.IsOfferable(j.Status) ||
		j.RoutingStatus != domain.RoutingUnrouted || j.ClaimedByRouterID != nil {
		return 0, nil
	}
	j.Status = domain.JobStatusAssigned
	j.RoutingStatus = domain.RoutingRoutedByAdmin
	j.ClaimedByRouterID = &adminID
	j.ClaimedAt = &now
	j.RoutedAt = &now
	if j.FirstRoutedAt == nil {
		j.FirstRoutedAt = &now
	}
	j.UpdatedAt = now
	return 1, nil
}

func (t *tx) UpdateJobStatus(_ context.Context, jobID string, from, to domain.JobStatus, now time.Time) (int64, error) {
	j, ok := t.s.jobs[jobID]
	if !ok || j.Archived || j.Status != from {
		return 0, nil
	}
	j.Status = to
	j.UpdatedAt = now
	return 1, nil
}

func (t *tx) ArchiveJob(_ context.Context, jobID string, now time.Time) (int64, error) {
	j, ok := t.s.jobs[jobID]
	if !ok || j.Archived {
		return 0, nil
	}
	j.Archived = true
	j.UpdatedAt = now
	return 1, nil
}

func tokenSlot(j *domain.Job, scope actiontoken.Scope) (**string, **time.Time) {
	switch scope {
	case actiontoken.ScopeContractorComplete:
		return &j.ContractorTokenHash, &j.ContractorTokenExpiresAt
	case actiontoken.ScopeCustomerReview:
		return &j.CustomerTokenHash, &j.CustomerTokenExpiresAt
	}
	return nil, nil
}

func (t *tx) SetActionToken(_ context.Context, jobID string, scope actiontoken.Scope, hash string, expiresAt, now time.Time) (int64, error) {
	j, ok := t.s.jobs[jobID]
	if !ok {
		return 0, nil
	}
	h, exp := tokenSlot(j, scope)
	if h == nil || *h != nil {
		return 0, nil
	}
	*h = &hash
	*exp = &expiresAt
	j.UpdatedAt = now
	return 1, nil
}

func (t *tx) ConsumeActionToken(_ context.Context, jobID string, scope actiontoken.Scope, hash string, now time.Time) (int64, error) {
	j, ok := t.s.jobs[jobID]
	if !ok {
		return 0, nil
	}
	h, exp := tokenSlot(j, scope)
	if h == nil || *h == nil || **h != hash {
		return 0, nil
	}
	*h = nil
	*exp = nil
	j.UpdatedAt = now
	return 1, nil
}

func (t *tx) SetPaymentState(_ context.Context, jobID string, from, to domain.PaymentState, now time.Time) (int64, error) {
	j, ok := t.s.jobs[jobID]
	if !ok || j.PaymentState != from {
		return 0, nil
	}
	j.PaymentState = to
	j.UpdatedAt = now
	return 1, nil
}

func (t *tx) ReleaseLapsedClaims(_ context.Context, now time.Time, limit int) ([]storage.ReleasedClaim, error) {
	var ids []string
	for id, j := range t.s.jobs {
		if j.RoutingStatus != domain.RoutingRoutedByRouter || !domain.IsOfferable(j.Status) {
			continue
		}
		if j.RoutingDueAt == nil || now.Before(*j.RoutingDueAt) {
			continue
		}
		if t.s.countLive(id, now) > 0 {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	out := make([]storage.ReleasedClaim, 0, len(ids))
	for _, id := range ids {
		j := t.s.jobs[id]
		out = append(out, storage.ReleasedClaim{JobID: id, RouterID: *j.ClaimedByRouterID})
		j.RoutingStatus = domain.RoutingUnrouted
		j.ClaimedByRouterID = nil
		j.ClaimedAt = nil
		j.RoutingDueAt = nil
		j.UpdatedAt = now
	}
	return out, nil
}

// Dispatches

func (t *tx) InsertDispatch(_ context.Context, d *domain.Dispatch) error {
	if _, ok := t.s.dispatches[d.ID]; ok {
		return domain.ErrDuplicate
	}
	for _, existing := range t.s.dispatches {
		if existing.TokenHash == d.TokenHash {
			return domain.ErrDuplicate
		}
	}
	cp := *d
	t.s.dispatches[d.ID] = &cp
	return nil
}

func (t *tx) GetDispatchByTokenHash(_ context.Context, hash string) (*domain.Dispatch, error) {
	for _, d := range t.s.dispatches {
		if d.TokenHash == hash {
			cp := *d
			return &cp, nil
		}
	}
	return nil, domain.ErrOfferNotFound
}

func (t *tx) ListDispatches(_ context.Context, jobID string) ([]*domain.Dispatch, error) {
	var out []*domain.Dispatch
	for _, d := range t.s.dispatches {
		if d.JobID == jobID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sortDispatches(out)
	return out, nil
}

func sortDispatches(ds []*domain.Dispatch) {
	sort.Slice(ds, func(a, b int) bool {
		if !ds[a].CreatedAt.Equal(ds[b].CreatedAt) {
			return ds[a].CreatedAt.Before(ds[b].CreatedAt)
		}
		return ds[a].ID < ds[b].ID
	})
}

func (s *state) countLive(jobID string, now time.Time) int {
	n := 0
	for _, d := range s.dispatches {
		if d.JobID == jobID && d.Live(now) {
			n++
		}
	}
	return n
}

func (t *tx) CountLiveOffers(_ context.Context, jobID string, now time.Time) (int, error) {
	return t.s.countLive(jobID, now), nil
}

func (t *tx) FindLiveOffer(_ context.Context, jobID, contractorID string, now time.Time) (*domain.Dispatch, error) {
	for _, d := range t.s.dispatches {
		if d.JobID == jobID && d.ContractorID == contractorID && d.Live(now) {
			cp := *d
			return &cp, nil
		}
	}
	return nil, domain.ErrOfferNotFound
}

func (t *tx) ResolveDispatch(_ context.Context, id string, status domain.DispatchStatus, now time.Time) (int64, error) {
	d, ok := t.s.dispatches[id]
	if !ok || d.Status != domain.DispatchPending {
		return 0, nil
	}
	d.Status = status
	if status != domain.DispatchExpired {
		d.RespondedAt = &now
	}
	return 1, nil
}

func (t *tx) ExpireCompetingOffers(_ context.Context, jobID, keepID string, _ time.Time) ([]string, error) {
	var ids []string
	for id, d := range t.s.dispatches {
		if d.JobID != jobID || id == keepID || d.Status != domain.DispatchPending {
			continue
		}
		d.Status = domain.DispatchExpired
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (t *tx) ExpireStaleOffers(_ context.Context, now time.Time, limit int) ([]*domain.Dispatch, error) {
	var stale []*domain.Dispatch
	for _, d := range t.s.dispatches {
		if d.Status == domain.DispatchPending && !now.Before(d.ExpiresAt) {
			stale = append(stale, d)
		}
	}
	sort.Slice(stale, func(a, b int) bool {
		if !stale[a].ExpiresAt.Equal(stale[b].ExpiresAt) {
			return stale[a].ExpiresAt.Before(stale[b].ExpiresAt)
		}
		return stale[a].ID < stale[b].ID
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}

	out := make([]*domain.Dispatch, 0, len(stale))
	for _, d := range stale {
		d.Status = domain.DispatchExpired
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

// Assignments

func (s *state) liveAssignment(jobID string) *domain.Assignment {
	for _, a := range s.assignments {
		if a.JobID == jobID && a.SupersededAt == nil {
			return a
		}
	}
	return nil
}

func (t *tx) GetLiveAssignment(_ context.Context, jobID string) (*domain.Assignment, error) {
	a := t.s.liveAssignment(jobID)
	if a == nil {
		return nil, domain.ErrAssignmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (t *tx) InsertAssignment(_ context.Context, a *domain.Assignment) error {
	if _, ok := t.s.assignments[a.ID]; ok {
		return domain.ErrDuplicate
	}
	if t.s.liveAssignment(a.JobID) != nil {
		return domain.ErrDuplicate
	}
	cp := *a
	t.s.assignments[a.ID] = &cp
	return nil
}

func (t *tx) SupersedeAssignment(_ context.Context, id string, now time.Time) (int64, error) {
	a, ok := t.s.assignments[id]
	if !ok || a.SupersededAt != nil {
		return 0, nil
	}
	a.SupersededAt = &now
	return 1, nil
}

func (t *tx) CompleteAssignment(_ context.Context, id string, now time.Time) (int64, error) {
	a, ok := t.s.assignments[id]
	if !ok || a.SupersededAt != nil || a.Status != domain.AssignmentAssigned {
		return 0, nil
	}
	a.Status = domain.AssignmentCompleted
	a.CompletedAt = &now
	return 1, nil
}

func (t *tx) InsertAppointmentProposal(_ context.Context, p *domain.AppointmentProposal) error {
	cp := *p
	t.s.proposals = append(t.s.proposals, &cp)
	return nil
}

// Accounts

func (s *state) contractorView(c *domain.Contractor) *domain.Contractor {
	cp := *c
	for _, a := range s.assignments {
		if a.ContractorID != c.ID || a.CompletedAt == nil {
			continue
		}
		if cp.LastCompletedAt == nil || a.CompletedAt.After(*cp.LastCompletedAt) {
			at := *a.CompletedAt
			cp.LastCompletedAt = &at
		}
	}
	return &cp
}

func (t *tx) GetContractor(_ context.Context, id string) (*domain.Contractor, error) {
	c, ok := t.s.contractors[id]
	if !ok {
		return nil, domain.ErrContractorNotFound
	}
	return t.s.contractorView(c), nil
}

func (t *tx) GetRouter(_ context.Context, id string) (*domain.Router, error) {
	r, ok := t.s.routers[id]
	if !ok {
		return nil, domain.ErrRouterNotFound
	}
	cp := *r
	return &cp, nil
}

func (t *tx) ListCandidateContractors(_ context.Context, category string) ([]*domain.Contractor, error) {
	var out []*domain.Contractor
	for _, c := range t.s.contractors {
		if c.Active && c.Approved && c.HasCategory(category) {
			out = append(out, t.s.contractorView(c))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (t *tx) BusyContractors(_ context.Context, ids []string) (map[string]bool, error) {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	busy := make(map[string]bool)
	for _, a := range t.s.assignments {
		if !want[a.ContractorID] || a.SupersededAt != nil || a.Status != domain.AssignmentAssigned {
			continue
		}
		j, ok := t.s.jobs[a.JobID]
		if !ok {
			continue
		}
		switch j.Status {
		case domain.JobStatusInProgress:
			busy[a.ContractorID] = true
		case domain.JobStatusAssigned:
			if p := t.s.latestProposal(a.JobID); p != nil && p.ContractorID == a.ContractorID {
				busy[a.ContractorID] = true
			}
		}
	}
	return busy, nil
}

func (s *state) latestProposal(jobID string) *domain.AppointmentProposal {
	var latest *domain.AppointmentProposal
	for _, p := range s.proposals {
		if p.JobID != jobID {
			continue
		}
		if latest == nil || !p.CreatedAt.Before(latest.CreatedAt) {
			latest = p
		}
	}
	return latest
}

// Ledger

func (t *tx) InsertPayout(_ context.Context, p *domain.Payout) (bool, error) {
	if _, ok := t.s.payouts[p.JobID]; ok {
		return false, nil
	}
	cp := *p
	t.s.payouts[p.JobID] = &cp
	return true, nil
}

func (t *tx) GetPayoutByJob(_ context.Context, jobID string) (*domain.Payout, error) {
	p, ok := t.s.payouts[jobID]
	if !ok {
		return nil, domain.ErrPayoutNotFound
	}
	cp := *p
	return &cp, nil
}

func (t *tx) InsertLedgerEntries(_ context.Context, entries ...*domain.LedgerEntry) error {
	for _, e := range entries {
		cp := *e
		t.s.ledger = append(t.s.ledger, &cp)
	}
	return nil
}

func (t *tx) ListLedgerEntries(_ context.Context, jobID string) ([]*domain.LedgerEntry, error) {
	var out []*domain.LedgerEntry
	for _, e := range t.s.ledger {
		if e.JobID == jobID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Events

func (t *tx) AppendEvents(_ context.Context, events ...domain.Event) error {
	for _, e := range events {
		t.s.outbox = append(t.s.outbox, &outboxRow{
			entry:     domain.OutboxEntry{Event: e, Status: domain.OutboxPending},
			updatedAt: e.OccurredAt,
		})
	}
	return nil
}
