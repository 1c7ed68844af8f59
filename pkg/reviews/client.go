// Package reviews is a client for the review aggregation API: submit a
// batch of business queries, receive handles, and poll each handle until
// the provider has collected results. The provider is slow (seconds to
// tens of seconds) and polling before results exist is normal, signalled
// by ErrNotReady rather than a failure.
package reviews

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Default base URL for the review aggregation API.
const defaultBaseURL = "https://api.reviewradar.io/v1"

// ErrNotReady signals that a handle has no results yet and should be
// polled again later.
var ErrNotReady = errors.New("reviews: results not ready")

// Client defines the review aggregation operations.
type Client interface {
	Submit(ctx context.Context, queries []Query) ([]Handle, error)
	Poll(ctx context.Context, handle Handle) (*Result, error)
}

// Query is one business lookup in a batch submission.
type Query struct {
	Name     string `json:"name"`
	Location string `json:"location,omitempty"`
	Position int    `json:"-"`
}

// Handle identifies one pending lookup and the batch position it belongs to.
type Handle struct {
	ID       string `json:"id"`
	Position int    `json:"position"`
}

// Result is the aggregated review signal for one business.
type Result struct {
	Rating      float64  `json:"rating"`
	ReviewCount int      `json:"review_count"`
	Source      string   `json:"source,omitempty"`
	Snippets    []string `json:"snippets,omitempty"`
}

// APIError is returned when the provider responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("reviews: HTTP %d: %s", e.StatusCode, e.Body)
}

// Option configures the httpClient.
type Option func(*httpClient)

// WithBaseURL overrides the default base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit caps outgoing requests per second. The provider enforces
// account-level quotas; staying under them beats handling 429s.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a review aggregation client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type submitRequest struct {
	Queries []submitQuery `json:"queries"`
}

type submitQuery struct {
	Query    string `json:"query"`
	Location string `json:"location,omitempty"`
}

type submitResponse struct {
	Success bool     `json:"success"`
	IDs     []string `json:"ids"`
}

type pollResponse struct {
	Status string  `json:"status"`
	Data   *Result `json:"data,omitempty"`
}

// Submit sends one batch of queries and returns a handle per query, in
// query order. Query text is normalized before submission.
func (c *httpClient) Submit(ctx context.Context, queries []Query) ([]Handle, error) {
	req := submitRequest{Queries: make([]submitQuery, len(queries))}
	for i, q := range queries {
		req.Queries[i] = submitQuery{
			Query:    NormalizeQuery(q.Name),
			Location: NormalizeQuery(q.Location),
		}
	}

	var resp submitResponse
	if err := c.post(ctx, "/reviews/search", req, &resp); err != nil {
		return nil, eris.Wrap(err, "reviews: submit batch")
	}
	if len(resp.IDs) != len(queries) {
		return nil, eris.Errorf("reviews: submitted %d queries, got %d ids", len(queries), len(resp.IDs))
	}

	handles := make([]Handle, len(resp.IDs))
	for i, id := range resp.IDs {
		handles[i] = Handle{ID: id, Position: queries[i].Position}
	}
	return handles, nil
}

// Poll fetches the result for one handle. Returns ErrNotReady while the
// provider is still collecting.
func (c *httpClient) Poll(ctx context.Context, handle Handle) (*Result, error) {
	var resp pollResponse
	if err := c.get(ctx, fmt.Sprintf("/reviews/search/%s", handle.ID), &resp); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("reviews: poll %s", handle.ID))
	}

	switch resp.Status {
	case "completed":
		if resp.Data == nil {
			return &Result{}, nil
		}
		return resp.Data, nil
	case "failed":
		return nil, eris.Errorf("reviews: lookup %s failed", handle.ID)
	default:
		return nil, ErrNotReady
	}
}

func (c *httpClient) post(ctx context.Context, path string, body any, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return eris.Wrap(err, "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	return c.do(req, out)
}

func (c *httpClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	return c.do(req, out)
}

func (c *httpClient) do(req *http.Request, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return eris.Wrap(err, "rate limit wait")
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "execute request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{
			StatusCode: resp.StatusCode,
			Body:       string(data),
		}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return eris.Wrap(err, "decode response")
	}

	return nil
}
