package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospector/internal/ledger"
	"github.com/sells-group/prospector/internal/model"
	"github.com/sells-group/prospector/internal/store"
	"github.com/sells-group/prospector/internal/workflow"
)

type fakeStarter struct {
	inputs []workflow.EnrichmentInput
	err    error
}

func (f *fakeStarter) StartEnrichment(_ context.Context, input workflow.EnrichmentInput) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.inputs = append(f.inputs, input)
	return "run-1", nil
}

type testServer struct {
	srv     *httptest.Server
	store   *store.SQLiteStore
	ledger  *ledger.Service
	starter *fakeStarter
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	led := ledger.New(st, ledger.DefaultConfig())
	starter := &fakeStarter{}
	srv := httptest.NewServer(NewServer(st, led, starter, WithMaxJobItems(100)).Handler())
	t.Cleanup(srv.Close)

	return &testServer{srv: srv, store: st, ledger: led, starter: starter}
}

func (ts *testServer) account(t *testing.T, apiKey string, allowance, purchased int) *model.Account {
	t.Helper()
	acct, err := ts.store.CreateAccount(context.Background(), apiKey, allowance, purchased)
	require.NoError(t, err)
	return acct
}

func (ts *testServer) request(t *testing.T, method, path, apiKey string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, &buf)
	require.NoError(t, err)
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func jobBody(n int) map[string]any {
	businesses := make([]map[string]string, n)
	for i := range businesses {
		businesses[i] = map[string]string{"name": fmt.Sprintf("Biz %d", i)}
	}
	return map[string]any{
		"businesses": businesses,
		"category":   "plumbers",
		"location":   "Denver, CO",
	}
}

func TestAuth(t *testing.T) {
	ts := newTestServer(t)
	ts.account(t, "good-key", 10, 0)

	t.Run("missing key", func(t *testing.T) {
		resp := ts.request(t, http.MethodGet, "/v1/credits", "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("unknown key", func(t *testing.T) {
		resp := ts.request(t, http.MethodGet, "/v1/credits", "wrong-key", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("bearer token", func(t *testing.T) {
		resp := ts.request(t, http.MethodGet, "/v1/credits", "good-key", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("x-api-key header", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, ts.srv.URL+"/v1/credits", nil)
		require.NoError(t, err)
		req.Header.Set("X-API-Key", "good-key")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestCreateJob(t *testing.T) {
	ts := newTestServer(t)
	acct := ts.account(t, "key-1", 5, 10)

	resp := ts.request(t, http.MethodPost, "/v1/jobs", "key-1", jobBody(8))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	body := decode[createJobResponse](t, resp)
	assert.NotEmpty(t, body.JobID)
	assert.Equal(t, "pending", body.Status)
	assert.Equal(t, 8, body.TotalCount)
	assert.Equal(t, 8, body.CreditsDeducted)
	assert.Equal(t, 7, body.CreditsRemaining)

	// Allowance drains first, the rest spills to purchased.
	allowance, purchased, err := ts.store.GetAccountBalances(context.Background(), acct.ID)
	require.NoError(t, err)
	assert.Zero(t, allowance)
	assert.Equal(t, 7, purchased)

	require.Len(t, ts.starter.inputs, 1)
	input := ts.starter.inputs[0]
	assert.Equal(t, body.JobID, input.JobID)
	assert.Equal(t, acct.ID, input.AccountID)
	assert.Len(t, input.Businesses, 8)
	assert.Equal(t, "plumbers", input.Category)
	assert.Equal(t, "Denver, CO", input.Location)
}

func TestCreateJob_CustomOptions(t *testing.T) {
	ts := newTestServer(t)
	ts.account(t, "key-1", 10, 0)

	body := jobBody(2)
	body["options"] = map[string]any{"poll_interval_seconds": 2, "poll_max_attempts": 4}

	resp := ts.request(t, http.MethodPost, "/v1/jobs", "key-1", body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Len(t, ts.starter.inputs, 1)
	opts := ts.starter.inputs[0].Options
	assert.Equal(t, 2, opts.PollIntervalSeconds)
	assert.Equal(t, 4, opts.PollMaxAttempts)
}

func TestCreateJob_InsufficientCredits(t *testing.T) {
	ts := newTestServer(t)
	acct := ts.account(t, "key-1", 2, 1)

	resp := ts.request(t, http.MethodPost, "/v1/jobs", "key-1", jobBody(5))
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)

	body := decode[insufficientCreditsResponse](t, resp)
	assert.Equal(t, 5, body.CreditsRequired)
	assert.Equal(t, 3, body.CreditsRemaining)

	// Nothing deducted, no job created, no workflow started.
	allowance, purchased, err := ts.store.GetAccountBalances(context.Background(), acct.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, allowance)
	assert.Equal(t, 1, purchased)
	assert.Empty(t, ts.starter.inputs)

	jobs, err := ts.store.ListJobs(context.Background(), acct.ID, store.JobFilter{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestCreateJob_Validation(t *testing.T) {
	ts := newTestServer(t)
	ts.account(t, "key-1", 1000, 0)

	tests := []struct {
		name string
		body any
	}{
		{"empty businesses", map[string]any{"businesses": []any{}}},
		{"unnamed business", map[string]any{"businesses": []map[string]string{{"website": "x.com"}}}},
		{"over item limit", jobBody(101)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.request(t, http.MethodPost, "/v1/jobs", "key-1", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestCreateJob_StartFailureRefunds(t *testing.T) {
	ts := newTestServer(t)
	acct := ts.account(t, "key-1", 10, 0)
	ts.starter.err = eris.New("temporal unreachable")

	resp := ts.request(t, http.MethodPost, "/v1/jobs", "key-1", jobBody(4))
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	errBody := decode[map[string]string](t, resp)
	assert.Contains(t, errBody["error"], "credits refunded")

	// Refund lands in the purchased pool.
	allowance, purchased, err := ts.store.GetAccountBalances(context.Background(), acct.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, allowance)
	assert.Equal(t, 4, purchased)

	jobs, err := ts.store.ListJobs(context.Background(), acct.ID, store.JobFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, model.JobStatusFailed, jobs[0].Status)
}

func TestGetJob(t *testing.T) {
	ts := newTestServer(t)
	acct := ts.account(t, "key-1", 10, 0)

	ctx := context.Background()
	job, err := ts.store.CreateJob(ctx, acct.ID, 3, 3, model.JobMetadata{Category: "hvac"})
	require.NoError(t, err)
	for pos := 0; pos < 3; pos++ {
		payload, _ := json.Marshal(map[string]int{"pos": pos})
		require.NoError(t, ts.store.SaveJobResult(ctx, job.ID, pos, payload))
	}
	require.NoError(t, ts.store.SetJobStatus(ctx, job.ID, model.JobStatusProcessing, ""))
	require.NoError(t, ts.store.IncrementJobProgress(ctx, job.ID, 3))

	t.Run("all results", func(t *testing.T) {
		resp := ts.request(t, http.MethodGet, "/v1/jobs/"+job.ID, "key-1", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		body := decode[jobResponse](t, resp)
		assert.Equal(t, model.JobStatusProcessing, body.Status)
		assert.Equal(t, 3, body.CompletedCount)
		assert.Len(t, body.Results, 3)
		assert.Equal(t, "hvac", body.Category)
	})

	t.Run("after cursor", func(t *testing.T) {
		resp := ts.request(t, http.MethodGet, "/v1/jobs/"+job.ID+"?after=0", "key-1", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		body := decode[jobResponse](t, resp)
		require.Len(t, body.Results, 2)
		assert.Equal(t, 1, body.Results[0].Position)
		assert.Equal(t, 2, body.Results[1].Position)
	})

	t.Run("malformed id", func(t *testing.T) {
		resp := ts.request(t, http.MethodGet, "/v1/jobs/not-a-uuid", "key-1", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("malformed cursor", func(t *testing.T) {
		resp := ts.request(t, http.MethodGet, "/v1/jobs/"+job.ID+"?after=x", "key-1", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("foreign account reads as not found", func(t *testing.T) {
		ts.account(t, "key-2", 0, 0)
		resp := ts.request(t, http.MethodGet, "/v1/jobs/"+job.ID, "key-2", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestGetCredits(t *testing.T) {
	ts := newTestServer(t)
	ts.account(t, "key-1", 25, 100)

	resp := ts.request(t, http.MethodGet, "/v1/credits", "key-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[creditsResponse](t, resp)
	assert.Equal(t, 25, body.AllowanceCredits)
	assert.Equal(t, 100, body.PurchasedCredits)
	assert.Equal(t, 125, body.Total)
}

func TestCreditHistory(t *testing.T) {
	ts := newTestServer(t)
	acct := ts.account(t, "key-1", 0, 0)

	ctx := context.Background()
	_, err := ts.ledger.Grant(ctx, acct.ID, 20, model.TransactionPurchase, "starter pack")
	require.NoError(t, err)
	_, err = ts.ledger.Deduct(ctx, acct.ID, 5, "job reservation")
	require.NoError(t, err)

	resp := ts.request(t, http.MethodGet, "/v1/credits/history", "key-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[map[string][]model.LedgerTransaction](t, resp)
	txs := body["transactions"]
	require.Len(t, txs, 2)
	// Newest first.
	assert.Equal(t, model.TransactionUsage, txs[0].Kind)
	assert.Equal(t, -5, txs[0].Amount)
	assert.Equal(t, model.TransactionPurchase, txs[1].Kind)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.request(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
