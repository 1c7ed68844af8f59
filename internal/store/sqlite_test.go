package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospector/internal/model"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func seedAccount(t *testing.T, s *SQLiteStore, allowance, purchased int) *model.Account {
	t.Helper()
	acct, err := s.CreateAccount(context.Background(), "key-"+t.Name(), allowance, purchased)
	require.NoError(t, err)
	return acct
}

func seedJob(t *testing.T, s *SQLiteStore, accountID string, total int) *model.Job {
	t.Helper()
	job, err := s.CreateJob(context.Background(), accountID, total, total, model.JobMetadata{Category: "roofers", Location: "Tulsa, OK"})
	require.NoError(t, err)
	return job
}

func TestSQLiteStore_AccountRoundTrip(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	acct := seedAccount(t, s, 8, 2)

	got, err := s.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, 8, got.AllowanceCredits)
	assert.Equal(t, 2, got.PurchasedCredits)
	assert.Equal(t, 10, got.Available())

	byKey, err := s.GetAccountByAPIKey(ctx, acct.APIKey)
	require.NoError(t, err)
	assert.Equal(t, acct.ID, byKey.ID)

	_, err = s.GetAccountByAPIKey(ctx, "wrong-key")
	require.ErrorIs(t, err, ErrAccountNotFound)
}

func TestSQLiteStore_ConditionalBalanceWrite(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	acct := seedAccount(t, s, 10, 0)

	ok, err := s.UpdateAccountBalances(ctx, acct.ID, 10, 0, 6, 0)
	require.NoError(t, err)
	assert.True(t, ok)

	// Stale read values lose.
	ok, err = s.UpdateAccountBalances(ctx, acct.ID, 10, 0, 2, 0)
	require.NoError(t, err)
	assert.False(t, ok)

	allowance, purchased, err := s.GetAccountBalances(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, allowance)
	assert.Equal(t, 0, purchased)
}

func TestSQLiteStore_JobLifecycle(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	acct := seedAccount(t, s, 10, 0)
	job := seedJob(t, s, acct.ID, 10)

	require.NoError(t, s.SetJobStatus(ctx, job.ID, model.JobStatusProcessing, ""))
	require.NoError(t, s.SetJobStatus(ctx, job.ID, model.JobStatusCompleted, ""))

	got, err := s.GetJob(ctx, job.ID, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt, "terminal status stamps completion time")

	// Terminal states are final.
	err = s.SetJobStatus(ctx, job.ID, model.JobStatusProcessing, "")
	require.ErrorIs(t, err, ErrJobFinal)

	err = s.SetJobStatus(ctx, "no-such-job", model.JobStatusFailed, "x")
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestSQLiteStore_SaveJobResult_Idempotent(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	acct := seedAccount(t, s, 5, 0)
	job := seedJob(t, s, acct.ID, 5)

	payload, _ := json.Marshal(map[string]string{"name": "Acme Plumbing"})
	require.NoError(t, s.SaveJobResult(ctx, job.ID, 2, payload))
	require.NoError(t, s.SaveJobResult(ctx, job.ID, 2, payload))

	_, results, err := s.GetJobResultsAfter(ctx, job.ID, acct.ID, -1)
	require.NoError(t, err)
	require.Len(t, results, 1, "double save must leave exactly one row")
	assert.Equal(t, 2, results[0].Position)
	assert.JSONEq(t, string(payload), string(results[0].Payload))
}

func TestSQLiteStore_ProgressMonotoneAndCapped(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	acct := seedAccount(t, s, 10, 0)
	job := seedJob(t, s, acct.ID, 10)

	require.NoError(t, s.IncrementJobProgress(ctx, job.ID, 4))
	require.NoError(t, s.IncrementJobProgress(ctx, job.ID, 4))
	require.NoError(t, s.IncrementJobProgress(ctx, job.ID, 4))

	got, err := s.GetJob(ctx, job.ID, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.CompletedCount, "progress never exceeds total_count")

	require.ErrorIs(t, s.IncrementJobProgress(ctx, "ghost", 1), ErrJobNotFound)
}

func TestSQLiteStore_ResultsAfter_Pagination(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	acct := seedAccount(t, s, 10, 0)
	job := seedJob(t, s, acct.ID, 6)

	// Positions 0,1,2,4,5 written; 3 still pending.
	for _, pos := range []int{0, 1, 2, 4, 5} {
		require.NoError(t, s.SaveJobResult(ctx, job.ID, pos, []byte(`{}`)))
	}

	_, results, err := s.GetJobResultsAfter(ctx, job.ID, acct.ID, 1)
	require.NoError(t, err)
	positions := make([]int, len(results))
	for i, r := range results {
		positions[i] = r.Position
	}
	assert.Equal(t, []int{2, 4, 5}, positions)
}

func TestSQLiteStore_CrossAccountReadIsNotFound(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	owner := seedAccount(t, s, 10, 0)
	other, err := s.CreateAccount(ctx, "other-key", 0, 0)
	require.NoError(t, err)
	job := seedJob(t, s, owner.ID, 3)

	_, err = s.GetJob(ctx, job.ID, other.ID)
	require.ErrorIs(t, err, ErrJobNotFound)

	_, _, err = s.GetJobResultsAfter(ctx, job.ID, other.ID, -1)
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestSQLiteStore_ListLedgerTransactions(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	acct := seedAccount(t, s, 10, 0)

	for _, tx := range []model.LedgerTransaction{
		{AccountID: acct.ID, Amount: -5, Kind: model.TransactionUsage, Description: "enrich 5 items", BalanceAfter: 5},
		{AccountID: acct.ID, Amount: 2, Kind: model.TransactionRefund, Description: "refund", BalanceAfter: 7},
	} {
		require.NoError(t, s.InsertLedgerTransaction(ctx, tx))
	}

	txs, err := s.ListLedgerTransactions(ctx, acct.ID, 10)
	require.NoError(t, err)
	require.Len(t, txs, 2)
}
