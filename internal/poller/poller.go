// Package poller watches a running job over the HTTP API and translates
// poll responses into a stream of progress events. It is the client-side
// half of the incremental result read: each pass asks only for results
// past the last position it has seen.
package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospector/internal/model"
	"github.com/sells-group/prospector/internal/resilience"
)

// EventType classifies poller events.
type EventType string

const (
	// EventItem carries one newly available result.
	EventItem EventType = "item"
	// EventProgress reports a completed-count increase.
	EventProgress EventType = "progress"
	// EventCompleted and EventFailed mirror the job's terminal state.
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	// EventConnectionLost means the poller gave up reaching the API. The
	// job itself may still be running.
	EventConnectionLost EventType = "connection_lost"
	// EventExpired means the job is gone from the server.
	EventExpired EventType = "expired"
	// EventAuthExpired means the API key stopped being accepted.
	EventAuthExpired EventType = "auth_expired"
)

// Event is one observation from the poll loop.
type Event struct {
	Type      EventType
	Position  int
	Payload   json.RawMessage
	Completed int
	Total     int
	Message   string
}

// Terminal reports whether no further events follow this one.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventCompleted, EventFailed, EventConnectionLost, EventExpired, EventAuthExpired:
		return true
	}
	return false
}

// Poller polls one job to completion.
type Poller struct {
	baseURL string
	apiKey  string
	http    *http.Client

	interval    time.Duration
	maxFailures int
}

// Option configures a Poller.
type Option func(*Poller)

// WithInterval overrides the default 2s poll interval.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		p.interval = d
	}
}

// WithMaxFailures overrides how many consecutive transport errors the
// poller tolerates before reporting the connection lost.
func WithMaxFailures(n int) Option {
	return func(p *Poller) {
		p.maxFailures = n
	}
}

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *Poller) {
		p.http = hc
	}
}

// New creates a Poller against the given API base URL.
func New(baseURL, apiKey string, opts ...Option) *Poller {
	p := &Poller{
		baseURL:     baseURL,
		apiKey:      apiKey,
		http:        &http.Client{Timeout: 15 * time.Second},
		interval:    2 * time.Second,
		maxFailures: 10,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type jobSnapshot struct {
	Status         model.JobStatus `json:"status"`
	TotalCount     int             `json:"total_count"`
	CompletedCount int             `json:"completed_count"`
	Error          string          `json:"error"`
	Results        []struct {
		Position int             `json:"position"`
		Payload  json.RawMessage `json:"payload"`
	} `json:"results"`
}

// Watch polls until the job reaches a terminal state, the connection is
// lost, or ctx is canceled. Events arrive on the returned channel, which
// closes after a terminal event.
func (p *Poller) Watch(ctx context.Context, jobID string) <-chan Event {
	events := make(chan Event)
	go p.run(ctx, jobID, events)
	return events
}

func (p *Poller) run(ctx context.Context, jobID string, events chan<- Event) {
	defer close(events)

	lastSeen := -1
	lastCompleted := 0
	failures := 0

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		snap, err := p.fetch(ctx, jobID, lastSeen)
		switch {
		case err == nil:
			failures = 0
		case eris.Is(err, errUnauthorized):
			emit(ctx, events, Event{Type: EventAuthExpired, Message: "API key no longer accepted"})
			return
		case eris.Is(err, errNotFound):
			emit(ctx, events, Event{Type: EventExpired, Message: "job no longer exists"})
			return
		default:
			// A permanent error will not heal on the next tick, so only
			// transient ones draw down the failure budget.
			if !resilience.IsTransient(err) {
				emit(ctx, events, Event{
					Type:    EventConnectionLost,
					Message: fmt.Sprintf("unrecoverable poll error: %v; the job may still be running", err),
				})
				return
			}
			failures++
			zap.L().Debug("poll failed",
				zap.String("job_id", jobID),
				zap.Int("consecutive", failures),
				zap.Error(err))
			if failures >= p.maxFailures {
				emit(ctx, events, Event{
					Type:    EventConnectionLost,
					Message: fmt.Sprintf("gave up after %d consecutive poll failures; the job may still be running", failures),
				})
				return
			}
		}

		if snap != nil {
			for _, res := range snap.Results {
				if !emit(ctx, events, Event{
					Type:     EventItem,
					Position: res.Position,
					Payload:  res.Payload,
					Total:    snap.TotalCount,
				}) {
					return
				}
				if res.Position > lastSeen {
					lastSeen = res.Position
				}
			}
			if snap.CompletedCount > lastCompleted {
				lastCompleted = snap.CompletedCount
				if !emit(ctx, events, Event{
					Type:      EventProgress,
					Completed: snap.CompletedCount,
					Total:     snap.TotalCount,
				}) {
					return
				}
			}
			switch snap.Status {
			case model.JobStatusCompleted:
				emit(ctx, events, Event{
					Type:      EventCompleted,
					Completed: snap.CompletedCount,
					Total:     snap.TotalCount,
				})
				return
			case model.JobStatusFailed:
				emit(ctx, events, Event{
					Type:      EventFailed,
					Completed: snap.CompletedCount,
					Total:     snap.TotalCount,
					Message:   snap.Error,
				})
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func emit(ctx context.Context, events chan<- Event, e Event) bool {
	select {
	case events <- e:
		return true
	case <-ctx.Done():
		return false
	}
}

var (
	errUnauthorized = eris.New("poller: unauthorized")
	errNotFound     = eris.New("poller: job not found")
)

func (p *Poller) fetch(ctx context.Context, jobID string, after int) (*jobSnapshot, error) {
	url := fmt.Sprintf("%s/v1/jobs/%s?after=%d", p.baseURL, jobID, after)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, eris.Wrap(err, "poller: create request")
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "poller: poll job")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, errUnauthorized
	case http.StatusNotFound:
		return nil, errNotFound
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		httpErr := eris.Errorf("poller: HTTP %d: %s", resp.StatusCode, body)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(httpErr, resp.StatusCode)
		}
		return nil, httpErr
	}

	var snap jobSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, eris.Wrap(err, "poller: decode response")
	}
	return &snap, nil
}
