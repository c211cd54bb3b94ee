package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobrouter/internal/actiontoken"
	"github.com/cuongbtq/jobrouter/internal/domain"
	"github.com/cuongbtq/jobrouter/internal/storage"
)

var now = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return New(sqlx.NewDb(mockDB, "postgres")), mock
}

// inTx runs fn inside a mocked transaction that is expected to commit.
// The caller registers ExpectBegin and the statement expectations first.
func inTx(t *testing.T, s *Store, mock sqlmock.Sqlmock, fn func(tx storage.Tx)) {
	t.Helper()
	mock.ExpectCommit()
	require.NoError(t, s.WithTx(context.Background(), func(tx storage.Tx) error {
		fn(tx)
		return nil
	}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJob(t *testing.T) {
	ctx := context.Background()

	t.Run("found", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id = \\$1").
			WithArgs("job-1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "status", "routing_status", "claimed_by_router_id", "contractor_payout"}).
				AddRow("job-1", "PUBLISHED", "ROUTED_BY_ROUTER", "router-1", int64(8000)))
		mock.ExpectCommit()

		err := s.WithTx(ctx, func(tx storage.Tx) error {
			job, err := tx.GetJob(ctx, "job-1")
			require.NoError(t, err)
			assert.Equal(t, domain.JobStatusPublished, job.Status)
			assert.True(t, job.ClaimedBy("router-1"))
			assert.Equal(t, int64(8000), job.ContractorPayout)
			return nil
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found rolls back", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id = \\$1").
			WithArgs("missing").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		err := s.WithTx(ctx, func(tx storage.Tx) error {
			_, err := tx.GetJob(ctx, "missing")
			return err
		})
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestClaimJob(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		affected int64
	}{
		{name: "claim won", affected: 1},
		{name: "claim lost", affected: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMock(t)
			due := now.Add(4 * time.Hour)

			mock.ExpectBegin()
			mock.ExpectExec("UPDATE jobs SET routing_status = 'ROUTED_BY_ROUTER'").
				WithArgs("job-1", "router-1", now, due, pq.StringArray{"PUBLISHED", "OPEN_FOR_ROUTING"}).
				WillReturnResult(sqlmock.NewResult(0, tt.affected))
			mock.ExpectCommit()

			err := s.WithTx(ctx, func(tx storage.Tx) error {
				n, err := tx.ClaimJob(ctx, "job-1", "router-1", now, due)
				require.NoError(t, err)
				assert.Equal(t, tt.affected, n)
				return nil
			})
			require.NoError(t, err)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestUpdateJobStatus_ExecError(t *testing.T) {
	ctx := context.Background()
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE jobs SET status = \\$3").
		WithArgs("job-1", domain.JobStatusAssigned, domain.JobStatusInProgress, now).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := s.WithTx(ctx, func(tx storage.Tx) error {
		_, err := tx.UpdateJobStatus(ctx, "job-1", domain.JobStatusAssigned, domain.JobStatusInProgress, now)
		return err
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "update job status")
	assert.Equal(t, domain.KindInternal, domain.KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestActionTokenColumns(t *testing.T) {
	ctx := context.Background()
	s, mock := newMock(t)
	mock.ExpectBegin()
	exp := now.Add(72 * time.Hour)

	mock.ExpectExec("UPDATE jobs SET customer_token_hash = \\$2, customer_token_expires_at = \\$3").
		WithArgs("job-1", "hash", exp, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE jobs SET contractor_token_hash = NULL, contractor_token_expires_at = NULL").
		WithArgs("job-1", "hash", now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	inTx(t, s, mock, func(tx storage.Tx) {
		n, err := tx.SetActionToken(ctx, "job-1", actiontoken.ScopeCustomerReview, "hash", exp, now)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = tx.ConsumeActionToken(ctx, "job-1", actiontoken.ScopeContractorComplete, "hash", now)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)

		_, err = tx.SetActionToken(ctx, "job-1", actiontoken.Scope("bogus"), "hash", exp, now)
		assert.Error(t, err)
	})
}

func TestInsertDispatch_DuplicateToken(t *testing.T) {
	ctx := context.Background()
	s, mock := newMock(t)
	mock.ExpectBegin()

	d := &domain.Dispatch{
		ID: "d1", JobID: "job-1", ContractorID: "c1", RouterID: "router-1",
		TokenHash: "h1", Status: domain.DispatchPending, ExpiresAt: now.Add(24 * time.Hour), CreatedAt: now,
	}

	mock.ExpectExec("INSERT INTO dispatches").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "dispatches_token_hash_key"})

	inTx(t, s, mock, func(tx storage.Tx) {
		err := tx.InsertDispatch(ctx, d)
		assert.ErrorIs(t, err, domain.ErrDuplicate)
	})
}

func TestCountLiveOffers(t *testing.T) {
	ctx := context.Background()
	s, mock := newMock(t)
	mock.ExpectBegin()

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM dispatches").
		WithArgs("job-1", now).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	inTx(t, s, mock, func(tx storage.Tx) {
		n, err := tx.CountLiveOffers(ctx, "job-1", now)
		require.NoError(t, err)
		assert.Equal(t, 4, n)
	})
}

func TestExpireCompetingOffers(t *testing.T) {
	ctx := context.Background()
	s, mock := newMock(t)
	mock.ExpectBegin()

	mock.ExpectQuery("UPDATE dispatches SET status = 'EXPIRED'").
		WithArgs("job-1", "d1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("d3").AddRow("d2"))

	inTx(t, s, mock, func(tx storage.Tx) {
		ids, err := tx.ExpireCompetingOffers(ctx, "job-1", "d1", now)
		require.NoError(t, err)
		assert.Equal(t, []string{"d2", "d3"}, ids)
	})
}

func TestInsertPayout(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		affected int64
		want     bool
	}{
		{name: "inserted", affected: 1, want: true},
		{name: "conflict on job id", affected: 0, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMock(t)
			mock.ExpectBegin()
			mock.ExpectExec("INSERT INTO payouts (.+) ON CONFLICT \\(job_id\\) DO NOTHING").
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			inTx(t, s, mock, func(tx storage.Tx) {
				ok, err := tx.InsertPayout(ctx, &domain.Payout{
					ID: "p1", JobID: "job-1", ContractorID: "c1", Amount: 8000,
					Currency: "USD", ScheduledFor: now, Status: domain.PayoutStatusScheduled, CreatedAt: now,
				})
				require.NoError(t, err)
				assert.Equal(t, tt.want, ok)
			})
		})
	}
}

func TestContractorQueries(t *testing.T) {
	ctx := context.Background()
	s, mock := newMock(t)
	mock.ExpectBegin()
	completed := now.Add(-48 * time.Hour)

	cols := []string{"id", "active", "approved", "trade_categories", "automotive_capable",
		"country", "region_code", "latitude", "longitude", "service_radius_km", "last_completed_at"}

	mock.ExpectQuery("FROM contractors c WHERE c.active AND c.approved").
		WithArgs("PLUMBING").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("c1", true, true, "{PLUMBING,HVAC}", false, "US", "WA", 47.6, -122.3, nil, completed).
			AddRow("c2", true, true, "{PLUMBING}", false, "US", "WA", nil, nil, 25.0, nil))

	mock.ExpectQuery("SELECT DISTINCT a.contractor_id FROM assignments a").
		WithArgs(pq.Array([]string{"c1", "c2"})).
		WillReturnRows(sqlmock.NewRows([]string{"contractor_id"}).AddRow("c2"))

	inTx(t, s, mock, func(tx storage.Tx) {
		pool, err := tx.ListCandidateContractors(ctx, "PLUMBING")
		require.NoError(t, err)
		require.Len(t, pool, 2)

		assert.Equal(t, []string{"PLUMBING", "HVAC"}, pool[0].TradeCategories)
		require.NotNil(t, pool[0].Latitude)
		assert.InDelta(t, 47.6, *pool[0].Latitude, 1e-9)
		require.NotNil(t, pool[0].LastCompletedAt)
		assert.Nil(t, pool[1].Latitude)
		require.NotNil(t, pool[1].ServiceRadiusKm)

		busy, err := tx.BusyContractors(ctx, []string{"c1", "c2"})
		require.NoError(t, err)
		assert.Equal(t, map[string]bool{"c2": true}, busy)
	})
}

func TestAppendEvents(t *testing.T) {
	ctx := context.Background()
	s, mock := newMock(t)
	mock.ExpectBegin()

	e := domain.NewEvent(domain.EventDispatchAccepted, "job-1", "c1", now, map[string]any{"dispatch_id": "d1"})
	mock.ExpectExec("INSERT INTO outbox_events").
		WithArgs(e.ID, e.Type, "job-1", "c1", []byte(`{"dispatch_id":"d1"}`), now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	inTx(t, s, mock, func(tx storage.Tx) {
		require.NoError(t, tx.AppendEvents(ctx, e))
	})
}

func TestFetchPendingEvents(t *testing.T) {
	ctx := context.Background()
	s, mock := newMock(t)

	cols := []string{"id", "event_type", "job_id", "actor_id", "payload", "occurred_at", "status", "retry_count"}
	mock.ExpectQuery("UPDATE outbox_events SET status = 'publishing'").
		WithArgs(10, now).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("e2", "dispatch.created", "job-1", "router-1", []byte(`{"contractor_id":"c1"}`), now.Add(time.Second), "publishing", 0).
			AddRow("e1", "job.claimed", "job-1", "router-1", []byte(`{}`), now, "publishing", 1))

	events, err := s.FetchPendingEvents(ctx, 10, now)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "e1", events[0].ID)
	assert.Equal(t, 1, events[0].RetryCount)
	assert.Equal(t, "c1", events[1].Payload["contractor_id"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkEvent(t *testing.T) {
	ctx := context.Background()

	t.Run("published", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectExec("UPDATE outbox_events SET status = 'published'").
			WithArgs("e1", now).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, s.MarkEventPublished(ctx, "e1", now))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failed on unknown id", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectExec("UPDATE outbox_events SET retry_count = retry_count \\+ 1").
			WithArgs("missing", "broker down", 5, now).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := s.MarkEventFailed(ctx, "missing", "broker down", 5, now)
		assert.ErrorIs(t, err, domain.ErrEventNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
