package reviews

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmit(t *testing.T) {
	var gotBody submitRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/reviews/search", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		json.NewEncoder(w).Encode(submitResponse{
			Success: true,
			IDs:     []string{"h-1", "h-2"},
		})
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL))
	handles, err := client.Submit(context.Background(), []Query{
		{Name: "Café  Müller", Location: "Portland, OR", Position: 0},
		{Name: "Joe's Garage", Position: 3},
	})
	require.NoError(t, err)

	require.Len(t, handles, 2)
	assert.Equal(t, Handle{ID: "h-1", Position: 0}, handles[0])
	assert.Equal(t, Handle{ID: "h-2", Position: 3}, handles[1])
	assert.Equal(t, "Cafe Muller", gotBody.Queries[0].Query)
	assert.Equal(t, "Portland, OR", gotBody.Queries[0].Location)
}

func TestSubmit_IDCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(submitResponse{Success: true, IDs: []string{"h-1"}})
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL))
	_, err := client.Submit(context.Background(), []Query{{Name: "a"}, {Name: "b"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "got 1 ids")
}

func TestPoll(t *testing.T) {
	tests := []struct {
		name     string
		response pollResponse
		want     *Result
		wantErr  error
	}{
		{
			name: "completed",
			response: pollResponse{
				Status: "completed",
				Data: &Result{
					Rating:      4.6,
					ReviewCount: 212,
					Source:      "google",
					Snippets:    []string{"great service"},
				},
			},
			want: &Result{Rating: 4.6, ReviewCount: 212, Source: "google", Snippets: []string{"great service"}},
		},
		{
			name:     "still scraping",
			response: pollResponse{Status: "scraping"},
			wantErr:  ErrNotReady,
		},
		{
			name:     "completed with no data",
			response: pollResponse{Status: "completed"},
			want:     &Result{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/reviews/search/h-9", r.URL.Path)
				json.NewEncoder(w).Encode(tt.response)
			}))
			defer srv.Close()

			client := NewClient("test-key", WithBaseURL(srv.URL))
			got, err := client.Poll(context.Background(), Handle{ID: "h-9", Position: 2})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPoll_LookupFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(pollResponse{Status: "failed"})
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL))
	_, err := client.Poll(context.Background(), Handle{ID: "h-9"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotReady)
}

func TestAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":"rate limited"}`)
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL))
	_, err := client.Poll(context.Background(), Handle{ID: "h-1"})

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "rate limited")
}

func TestNormalizeQuery(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Café  Müller", "Cafe Muller"},
		{"  Joe's   Garage\t", "Joe's Garage"},
		{"Ñandú Grill", "Nandu Grill"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeQuery(tt.in), "input %q", tt.in)
	}
}
