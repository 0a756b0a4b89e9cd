package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/outreach-cli/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

var identityCols = []string{"id", "tenant_id", "number", "campaign", "send_count", "daily_count", "daily_reset_on",
	"success_count", "failure_count", "consecutive_failures", "healthy", "active", "last_used_at", "created_at"}

var blockCols = []string{"id", "tenant_id", "sequence", "capacity", "raw_count", "traced_count", "scored_count",
	"ready_count", "status", "created_at", "completed_at"}

func TestPostgresStore_Ping(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectExec(`SELECT 1`).WillReturnResult(pgxmock.NewResult("SELECT", 1))

	require.NoError(t, s.Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS contacts`).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertContacts_BulkUpsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_contacts"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_contacts"}, contactColumns).WillReturnResult(3)
	mock.ExpectExec(`ON CONFLICT \("tenant_id", "dedup_key"\) DO NOTHING`).WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := s.InsertContacts(context.Background(), rawContacts("t1", 3))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertContacts_Empty(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	n, err := s.InsertContacts(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetContact_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, tenant_id, name, .* FROM contacts WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetContact(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetStatus(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE contacts SET status = \$1`).
		WithArgs("ready", []string{"c1", "c2"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	n, err := s.SetStatus(context.Background(), model.StatusReady, "c1", "c2")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PullIntoBlock(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM blocks WHERE id = \$1 FOR UPDATE`).
		WithArgs("b1").
		WillReturnRows(pgxmock.NewRows(blockCols).
			AddRow("b1", "t1", 1, 10, 8, 0, 0, 0, "active", now, (*time.Time)(nil)))
	mock.ExpectExec(`UPDATE contacts SET status = \$1, block_id = \$2`).
		WithArgs("traced_pending", "b1", "t1", "", 2).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectExec(`UPDATE blocks SET raw_count = raw_count \+ \$1`).
		WithArgs(2, "b1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	pulled, b, err := s.PullIntoBlock(context.Background(), "b1", 50, "")
	require.NoError(t, err)
	assert.Equal(t, 2, pulled)
	assert.Equal(t, 10, b.RawCount)
	assert.True(t, b.Full())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PullIntoBlock_CompletedBlock(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM blocks WHERE id = \$1 FOR UPDATE`).
		WithArgs("b1").
		WillReturnRows(pgxmock.NewRows(blockCols).
			AddRow("b1", "t1", 1, 10, 10, 0, 0, 0, "complete", now, &now))
	mock.ExpectRollback()

	_, _, err := s.PullIntoBlock(context.Background(), "b1", 5, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is complete")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SelectNextIdentity(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	// Pick and mark in one statement so concurrent dispatchers skip rows
	// another transaction holds instead of reading the same identity.
	mock.ExpectQuery(`UPDATE identities SET\s+send_count = send_count \+ 1.*WHERE id = \(\s*SELECT id FROM identities .*LIMIT 1\s+FOR UPDATE SKIP LOCKED\s*\)\s*RETURNING`).
		WithArgs("t1", "", "2026-03-02", now).
		WillReturnRows(pgxmock.NewRows(identityCols).
			AddRow("i1", "t1", "+15125550001", "", 4, 1, "2026-03-02", 3, 0, 0, true, true, &now, now))

	id, err := s.SelectNextIdentity(context.Background(), IdentityFilter{TenantID: "t1"}, now)
	require.NoError(t, err)
	assert.Equal(t, "i1", id.ID)
	assert.Equal(t, 1, id.DailyCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SelectNextIdentity_NoneAvailable(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now()

	mock.ExpectQuery(`UPDATE identities SET`).WillReturnError(pgx.ErrNoRows)

	_, err := s.SelectNextIdentity(context.Background(), IdentityFilter{TenantID: "t1", Campaign: "spring"}, now)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordIdentityResult_Failure(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now()

	mock.ExpectQuery(`consecutive_failures \+ 1 >= \$1 THEN false`).
		WithArgs(5, "i1").
		WillReturnRows(pgxmock.NewRows(identityCols).
			AddRow("i1", "t1", "+15125550001", "", 9, 2, "2026-03-02", 4, 5, 5, false, true, &now, now))

	id, err := s.RecordIdentityResult(context.Background(), "i1", false, 5)
	require.NoError(t, err)
	assert.False(t, id.Healthy)
	assert.Equal(t, 5, id.ConsecutiveFailures)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResetIdentity_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE identities SET consecutive_failures = 0, healthy = true`).
		WithArgs("nope").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.ResetIdentity(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SentToday(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT used FROM dispatch_budget WHERE tenant_id = \$1 AND day = \$2`).
		WithArgs("t1", "2026-03-02").
		WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(1999))

	n, err := s.SentToday(context.Background(), "t1", now)
	require.NoError(t, err)
	assert.Equal(t, 1999, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func claimRecord(now time.Time) *model.DispatchRecord {
	return &model.DispatchRecord{TenantID: "t1", Campaign: "spring", ContactID: "c1", To: "+15125551000", Body: "hi", CreatedAt: now}
}

const claimRecordSQL = `INSERT INTO dispatch_records .* ON CONFLICT \(tenant_id, campaign, contact_id\) DO UPDATE SET .* ` +
	`WHERE dispatch_records.status IN \('failed', 'would_send'\) OR \(dispatch_records.status = 'sending' AND dispatch_records.created_at < \$10\)`

func TestPostgresStore_ClaimDispatch(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	stale := now.Add(-15 * time.Minute)
	rec := claimRecord(now)

	mock.ExpectBegin()
	mock.ExpectExec(claimRecordSQL).
		WithArgs("t1", "spring", "c1", "", "+15125551000", "hi", "sending", "2026-03-02", now, stale).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO dispatch_budget .* WHERE \$3 <= 0 OR dispatch_budget.used < \$3`).
		WithArgs("t1", "2026-03-02", 3).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, s.ClaimDispatch(context.Background(), DispatchClaim{Record: rec, DailyCap: 3, StaleBefore: stale}))
	assert.Equal(t, model.DispatchSending, rec.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimDispatch_AlreadyClaimed(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(claimRecordSQL).WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectRollback()

	err := s.ClaimDispatch(context.Background(), DispatchClaim{Record: claimRecord(now), DailyCap: 3})
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimDispatch_CapReached(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	rec := claimRecord(now)

	mock.ExpectBegin()
	mock.ExpectExec(claimRecordSQL).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO dispatch_budget`).
		WithArgs("t1", "2026-03-02", 3).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectRollback()

	err := s.ClaimDispatch(context.Background(), DispatchClaim{Record: rec, DailyCap: 3})
	assert.ErrorIs(t, err, ErrDailyCapReached)
	assert.Empty(t, rec.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReleaseDispatch(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM dispatch_records .* AND status = 'sending'`).
		WithArgs("t1", "spring", "c1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`UPDATE dispatch_budget SET used = used - 1`).
		WithArgs("t1", "2026-03-02").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, s.ReleaseDispatch(context.Background(), claimRecord(now)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReleaseDispatch_Finished(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM dispatch_records`).WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectCommit()

	require.NoError(t, s.ReleaseDispatch(context.Background(), claimRecord(now)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetDispatch_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM dispatch_records WHERE tenant_id = \$1`).
		WithArgs("t1", "spring", "c1").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetDispatch(context.Background(), "t1", "spring", "c1")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountDLQ(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM dead_letter_queue`).
		WithArgs("t1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(3))

	n, err := s.CountDLQ(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AdvanceBlock_Insufficient(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE blocks SET traced_count = traced_count - \$1, scored_count = scored_count \+ \$1`).
		WithArgs(4, "b1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.AdvanceBlock(context.Background(), "b1", model.BucketTraced, model.BucketScored, 4)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fewer than 4")
	assert.NoError(t, mock.ExpectationsWereMet())
}
