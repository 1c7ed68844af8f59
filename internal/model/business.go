package model

import "strings"

// Business is one record submitted for enrichment.
type Business struct {
	Name    string `json:"name"`
	Website string `json:"website,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
}

// FullAddress joins the address components that are present.
func (b Business) FullAddress() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{b.Address, b.City, b.State} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

// ReviewData is the aggregated review signal for one business. Defaulted
// is set when the provider never returned data within the polling budget
// and the pipeline continued with an empty result, so consumers can tell
// defaulted data apart from a genuine zero-review business.
type ReviewData struct {
	Rating      float64  `json:"rating"`
	ReviewCount int      `json:"review_count"`
	Source      string   `json:"source,omitempty"`
	Snippets    []string `json:"snippets,omitempty"`
	Defaulted   bool     `json:"defaulted,omitempty"`
}

// EnrichmentFields is the output of the enrichment function for one
// business. Failed marks the per-item sentinel; a failed item degrades
// its own data without failing the batch.
type EnrichmentFields struct {
	Summary          string `json:"summary,omitempty"`
	OwnerName        string `json:"owner_name,omitempty"`
	SearchVisibility string `json:"search_visibility,omitempty"`
	Failed           bool   `json:"failed,omitempty"`
	Error            string `json:"error,omitempty"`
}

// Enrichment is the full payload persisted for one job position.
type Enrichment struct {
	Business Business         `json:"business"`
	Review   ReviewData       `json:"review"`
	Fields   EnrichmentFields `json:"fields"`
}
