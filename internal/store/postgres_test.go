package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospector/internal/model"
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

func TestPostgresStore_GetAccountBalances(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT allowance_credits, purchased_credits FROM accounts WHERE id = \$1`).
		WithArgs("acct-1").
		WillReturnRows(pgxmock.NewRows([]string{"allowance_credits", "purchased_credits"}).AddRow(7, 3))

	allowance, purchased, err := s.GetAccountBalances(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 7, allowance)
	assert.Equal(t, 3, purchased)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetAccountBalances_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT allowance_credits, purchased_credits FROM accounts`).
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	_, _, err := s.GetAccountBalances(context.Background(), "nope")
	require.ErrorIs(t, err, ErrAccountNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateAccountBalances_ConditionalWrite(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE accounts SET allowance_credits = \$2, purchased_credits = \$3`).
		WithArgs("acct-1", 5, 3, 7, 3).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ok, err := s.UpdateAccountBalances(context.Background(), "acct-1", 7, 3, 5, 3)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateAccountBalances_LostRace(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	// Zero rows affected means another writer changed the row first.
	mock.ExpectExec(`UPDATE accounts SET allowance_credits`).
		WithArgs("acct-1", 5, 3, 7, 3).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := s.UpdateAccountBalances(context.Background(), "acct-1", 7, 3, 5, 3)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertLedgerTransaction(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO ledger_transactions`).
		WithArgs(pgxmock.AnyArg(), "acct-1", -5, "usage", "enrich 5 items", 12, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.InsertLedgerTransaction(context.Background(), model.LedgerTransaction{
		AccountID:    "acct-1",
		Amount:       -5,
		Kind:         model.TransactionUsage,
		Description:  "enrich 5 items",
		BalanceAfter: 12,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO jobs`).
		WithArgs(pgxmock.AnyArg(), "acct-1", "pending", 10, 10, "plumbers", "Austin, TX", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	job, err := s.CreateJob(context.Background(), "acct-1", 10, 10, model.JobMetadata{Category: "plumbers", Location: "Austin, TX"})
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, job.Status)
	assert.Equal(t, 10, job.TotalCount)
	assert.Equal(t, 0, job.CompletedCount)
	assert.NotEmpty(t, job.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetJobStatus_Forward(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE jobs SET status = \$2`).
		WithArgs("job-1", "processing", "").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.SetJobStatus(context.Background(), "job-1", model.JobStatusProcessing, "")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetJobStatus_TerminalRejected(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE jobs SET status = \$2`).
		WithArgs("job-1", "processing", "").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT status FROM jobs WHERE id = \$1`).
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("completed"))

	err := s.SetJobStatus(context.Background(), "job-1", model.JobStatusProcessing, "")
	require.ErrorIs(t, err, ErrJobFinal)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetJobStatus_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE jobs SET status = \$2`).
		WithArgs("ghost", "failed", "boom").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT status FROM jobs WHERE id = \$1`).
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)

	err := s.SetJobStatus(context.Background(), "ghost", model.JobStatusFailed, "boom")
	require.ErrorIs(t, err, ErrJobNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveJobResult_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO job_results .* ON CONFLICT \(job_id, position\) DO UPDATE`).
		WithArgs("job-1", 3, []byte(`{"ok":true}`), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.SaveJobResult(context.Background(), "job-1", 3, []byte(`{"ok":true}`))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_IncrementJobProgress_Capped(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE jobs SET completed_count = LEAST\(total_count, completed_count \+ \$2\)`).
		WithArgs("job-1", 10).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.IncrementJobProgress(context.Background(), "job-1", 10)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetJob_OwnershipChecked(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	// A foreign job matches no row and is indistinguishable from a
	// missing one.
	mock.ExpectQuery(`FROM jobs WHERE id = \$1 AND account_id = \$2`).
		WithArgs("job-1", "other-acct").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetJob(context.Background(), "job-1", "other-acct")
	require.ErrorIs(t, err, ErrJobNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetJobResultsAfter(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`FROM jobs WHERE id = \$1 AND account_id = \$2`).
		WithArgs("job-1", "acct-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "account_id", "status", "total_count", "completed_count",
			"credits_reserved", "category", "location", "error_message", "created_at", "completed_at",
		}).AddRow("job-1", "acct-1", "processing", 6, 5, 6, "", "", nil, now, nil))

	mock.ExpectQuery(`FROM job_results WHERE job_id = \$1 AND position > \$2 ORDER BY position ASC`).
		WithArgs("job-1", 1).
		WillReturnRows(pgxmock.NewRows([]string{"job_id", "position", "payload", "created_at"}).
			AddRow("job-1", 2, []byte(`{}`), now).
			AddRow("job-1", 4, []byte(`{}`), now).
			AddRow("job-1", 5, []byte(`{}`), now))

	job, results, err := s.GetJobResultsAfter(context.Background(), "job-1", "acct-1", 1)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusProcessing, job.Status)
	require.Len(t, results, 3)
	assert.Equal(t, []int{2, 4, 5}, []int{results[0].Position, results[1].Position, results[2].Position})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListJobs_StatusFilter(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`FROM jobs WHERE account_id = \$1 AND status = \$2 ORDER BY created_at DESC LIMIT \$3`).
		WithArgs("acct-1", "completed", 100).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "account_id", "status", "total_count", "completed_count",
			"credits_reserved", "category", "location", "error_message", "created_at", "completed_at",
		}).AddRow("job-1", "acct-1", "completed", 4, 4, 4, "hvac", "Denver, CO", nil, now, &now))

	jobs, err := s.ListJobs(context.Background(), "acct-1", JobFilter{Status: model.JobStatusCompleted})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "hvac", jobs[0].Category)
	require.NotNil(t, jobs[0].CompletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}
