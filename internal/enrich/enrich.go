// Package enrich turns a business record plus its review signal into the
// analysis fields attached to each job result. A failed analysis is never
// fatal to the job: the item gets sentinel fields and the pipeline moves on.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospector/internal/model"
	"github.com/sells-group/prospector/pkg/anthropic"
)

const (
	defaultModel     = "claude-haiku-4-5-20251001"
	defaultMaxTokens = 1024
)

// FailedSummary is the summary placed on items whose analysis errored.
const FailedSummary = "Analysis Failed"

// Enricher produces analysis fields for one business.
type Enricher interface {
	Enrich(ctx context.Context, biz model.Business, review model.ReviewData) (*model.EnrichmentFields, error)
}

// FailedFields returns the sentinel fields recorded for an item whose
// analysis could not complete.
func FailedFields(err error) *model.EnrichmentFields {
	f := &model.EnrichmentFields{
		Summary: FailedSummary,
		Failed:  true,
	}
	if err != nil {
		f.Error = err.Error()
	}
	return f
}

const systemPrompt = `You analyze small-business prospect data for sales research.
Given a business record and its aggregated review signal, respond with a JSON
object and nothing else:
{
  "summary": "two-sentence plain-English summary of the business",
  "owner_name": "likely owner or principal, or empty string",
  "search_visibility": "high, medium, or low"
}`

// ClaudeEnricher calls Claude for per-business analysis.
type ClaudeEnricher struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// ClaudeOption configures a ClaudeEnricher.
type ClaudeOption func(*ClaudeEnricher)

// WithModel overrides the default model.
func WithModel(m string) ClaudeOption {
	return func(e *ClaudeEnricher) {
		e.model = m
	}
}

// NewClaude creates an Enricher backed by an anthropic.Client.
func NewClaude(client anthropic.Client, opts ...ClaudeOption) *ClaudeEnricher {
	e := &ClaudeEnricher{
		client:    client,
		model:     defaultModel,
		maxTokens: defaultMaxTokens,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *ClaudeEnricher) Enrich(ctx context.Context, biz model.Business, review model.ReviewData) (*model.EnrichmentFields, error) {
	resp, err := e.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     e.model,
		MaxTokens: e.maxTokens,
		System:    systemPrompt,
		Messages: []anthropic.Message{
			{Role: "user", Content: buildPrompt(biz, review)},
		},
	})
	if err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("enrich: analyze %q", biz.Name))
	}

	resp.Usage.LogCost(e.model, "enrich")

	fields, err := parseFields(extractText(resp))
	if err != nil {
		zap.L().Warn("unparseable analysis response",
			zap.String("business", biz.Name),
			zap.Error(err))
		return nil, err
	}
	return fields, nil
}

func buildPrompt(biz model.Business, review model.ReviewData) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Business: %s\n", biz.Name)
	if biz.Website != "" {
		fmt.Fprintf(&sb, "Website: %s\n", biz.Website)
	}
	if biz.Phone != "" {
		fmt.Fprintf(&sb, "Phone: %s\n", biz.Phone)
	}
	if addr := biz.FullAddress(); addr != "" {
		fmt.Fprintf(&sb, "Address: %s\n", addr)
	}
	if review.Defaulted {
		sb.WriteString("Reviews: unavailable\n")
	} else {
		fmt.Fprintf(&sb, "Rating: %.1f across %d reviews (%s)\n",
			review.Rating, review.ReviewCount, review.Source)
		for _, s := range review.Snippets {
			fmt.Fprintf(&sb, "Review snippet: %s\n", s)
		}
	}
	return sb.String()
}

func extractText(resp *anthropic.MessageResponse) string {
	if resp == nil {
		return ""
	}
	var sb strings.Builder
	for _, b := range resp.Content {
		if b.Type == "" || b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// parseFields extracts the JSON object from a model response, tolerating
// markdown fences and surrounding prose.
func parseFields(text string) (*model.EnrichmentFields, error) {
	cleaned := cleanJSON(text)

	var raw struct {
		Summary          string `json:"summary"`
		OwnerName        string `json:"owner_name"`
		SearchVisibility string `json:"search_visibility"`
	}
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return nil, eris.Wrap(err, "enrich: parse analysis JSON")
	}
	if raw.Summary == "" {
		return nil, eris.New("enrich: analysis response missing summary")
	}

	return &model.EnrichmentFields{
		Summary:          raw.Summary,
		OwnerName:        raw.OwnerName,
		SearchVisibility: raw.SearchVisibility,
	}, nil
}

// cleanJSON strips markdown fences and extracts the JSON object.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}
